// Package profile serves user claims and account state from the configured
// users, with each client's CEL policies applied.
package profile

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"lds.li/grantidp/internal/config"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/policy"
)

// Standard claims released about users.
const (
	ClaimName              = "name"
	ClaimEmail             = "email"
	ClaimEmailVerified     = "email_verified"
	ClaimPreferredUsername = "preferred_username"
	ClaimGivenName         = "given_name"
	ClaimFamilyName        = "family_name"
	ClaimPicture           = "picture"
	ClaimGroups            = "groups"
)

// Service implements the profile service over a fixed user list.
type Service struct {
	users    config.Users
	policies *policy.PolicyEvaluator
	log      *slog.Logger
}

// New returns a service for users. policies evaluates the clients'
// authorization and claims policies.
func New(users config.Users, policies *policy.PolicyEvaluator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{users: users, policies: policies, log: logger}
}

// User returns the user for a subject.
func (s *Service) User(sub string) (*config.User, error) {
	u, err := s.users.GetUserBySubject(sub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, model.ErrInvalidArgument)
	}
	return u, nil
}

// GetProfileData returns the requested claims of the subject, after the
// client's claims policy ran over the full claim set.
func (s *Service) GetProfileData(ctx context.Context, req *model.ProfileDataRequest) ([]model.Claim, error) {
	if req == nil {
		return nil, fmt.Errorf("profile data request is nil: %w", model.ErrInvalidArgument)
	}
	if len(req.RequestedClaimTypes) == 0 {
		return nil, nil
	}
	u, err := s.User(req.Subject.SubjectID)
	if err != nil {
		return nil, err
	}

	claims := UserClaims(u)
	if req.Client != nil && req.Client.ClaimsPolicy != "" {
		claims, err = s.policies.EvaluateClaims(req.Client.ClaimsPolicy, claims, u)
		if err != nil {
			return nil, fmt.Errorf("claims policy for client %s: %w", req.Client.ClientID, err)
		}
	}

	var out []model.Claim
	for _, typ := range slices.Sorted(maps.Keys(claims)) {
		if !slices.Contains(req.RequestedClaimTypes, typ) {
			continue
		}
		c, err := toClaim(typ, claims[typ])
		if err != nil {
			s.log.WarnContext(ctx, "dropping claim that can not be represented", "claim", typ, "sub", req.Subject.SubjectID, "err", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// IsActive reports if the user exists, is enabled, and passes the client's
// authorization policy.
func (s *Service) IsActive(ctx context.Context, req *model.IsActiveRequest) (bool, error) {
	if req == nil {
		return false, fmt.Errorf("is active request is nil: %w", model.ErrInvalidArgument)
	}
	u, err := s.users.GetUserBySubject(req.Subject.SubjectID)
	if err != nil {
		s.log.DebugContext(ctx, "subject is not a known user", "sub", req.Subject.SubjectID, "caller", req.Caller)
		return false, nil
	}
	if u.Disabled {
		return false, nil
	}
	if req.Client == nil {
		return true, nil
	}
	ok, err := s.policies.EvaluateAuthorization(req.Client.AuthorizationPolicy, u)
	if err != nil {
		return false, fmt.Errorf("authorization policy for client %s: %w", req.Client.ClientID, err)
	}
	if !ok {
		s.log.InfoContext(ctx, "user denied by client authorization policy", "sub", req.Subject.SubjectID, "client_id", req.Client.ClientID, "caller", req.Caller)
	}
	return ok, nil
}

// UserClaims is every claim released about u.
func UserClaims(u *config.User) map[string]any {
	m := map[string]any{
		model.ClaimSubject: u.ID.String(),
	}
	if u.FullName != "" {
		m[ClaimName] = u.FullName
		if given, family, ok := strings.Cut(u.FullName, " "); ok && !strings.Contains(family, " ") {
			m[ClaimGivenName] = given
			m[ClaimFamilyName] = family
		}
	}
	if u.Email != "" {
		m[ClaimEmail] = u.Email
		m[ClaimEmailVerified] = u.EmailVerified
		m[ClaimPicture] = gravatarURL(u.Email)
	}
	if u.Username != "" {
		m[ClaimPreferredUsername] = u.Username
	}
	if len(u.Groups) > 0 {
		groups := make([]any, len(u.Groups))
		for i, g := range u.Groups {
			groups[i] = g
		}
		m[ClaimGroups] = groups
	}
	return m
}

func gravatarURL(email string) string {
	hash := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return fmt.Sprintf("https://www.gravatar.com/avatar/%x.png", hash)
}

// toClaim encodes a JSON style value as a typed claim. Lists and objects are
// carried as JSON so single element lists stay lists.
func toClaim(typ string, v any) (model.Claim, error) {
	switch v := v.(type) {
	case string:
		return model.NewClaim(typ, v), nil
	case bool:
		return model.Claim{Type: typ, Value: strconv.FormatBool(v), ValueType: model.ClaimValueTypeBoolean}, nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return model.Claim{Type: typ, Value: strconv.FormatInt(int64(v), 10), ValueType: model.ClaimValueTypeInteger64}, nil
		}
		return model.NewClaim(typ, strconv.FormatFloat(v, 'f', -1, 64)), nil
	case int64:
		return model.Claim{Type: typ, Value: strconv.FormatInt(v, 10), ValueType: model.ClaimValueTypeInteger64}, nil
	case []any, map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return model.Claim{}, err
		}
		return model.Claim{Type: typ, Value: string(b), ValueType: model.ClaimValueTypeJSON}, nil
	default:
		return model.Claim{}, fmt.Errorf("unsupported claim value %T", v)
	}
}
