package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"lds.li/grantidp/internal/cryptoutil"
	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/model"
)

// ProfileService supplies the claims and the active state of subjects.
type ProfileService interface {
	// GetProfileData returns the claims of the subject that are in the
	// requested claim types.
	GetProfileData(ctx context.Context, req *model.ProfileDataRequest) ([]model.Claim, error)
	// IsActive reports if tokens may currently be issued for the subject.
	IsActive(ctx context.Context, req *model.IsActiveRequest) (bool, error)
}

// protocolClaims are set by the token service and never taken from the
// profile service.
var protocolClaims = []string{
	model.ClaimSubject, model.ClaimIssuer, model.ClaimAudience, model.ClaimExpiration,
	model.ClaimNotBefore, model.ClaimIssuedAt, model.ClaimJWTID, model.ClaimNonce,
	model.ClaimAccessTokenHash, model.ClaimCodeHash, model.ClaimStateHash,
	model.ClaimSessionID, model.ClaimAuthTime, model.ClaimIdentityProvider,
	model.ClaimAuthMethods, model.ClaimClientID, model.ClaimScope,
	model.ClaimConfirmation, model.ClaimEvents, "azp", "acr",
}

// CreationRequest describes the token to issue.
type CreationRequest struct {
	// Subject is nil for tokens issued to a client on its own behalf.
	Subject   *model.Subject
	Client    *model.Client
	Resources *model.ResourceValidationResult
	// IncludeAllIdentityClaims puts the user claims into the identity token,
	// when no access token is issued alongside it.
	IncludeAllIdentityClaims bool

	Nonce string
	// State, AccessTokenToHash and AuthorizationCode are hashed into s_hash,
	// at_hash and c_hash.
	State             string
	AccessTokenToHash string
	AuthorizationCode string

	// Confirmation binds the access token to a client credential.
	Confirmation string
	Description  string
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Issuer          string
	Creator         *Creator
	ReferenceTokens *grants.ReferenceTokenStore
	Profile         ProfileService
	Logger          *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service builds identity and access tokens and turns them into the string
// handed to the client.
type Service struct {
	issuer    string
	creator   *Creator
	reference *grants.ReferenceTokenStore
	profile   ProfileService
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	var errs []error
	if cfg.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	}
	if cfg.Creator == nil {
		errs = append(errs, errors.New("creator is required"))
	}
	if cfg.ReferenceTokens == nil {
		errs = append(errs, errors.New("reference token store is required"))
	}
	if cfg.Profile == nil {
		errs = append(errs, errors.New("profile service is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("token service: %w: %w", model.ErrInvalidArgument, err)
	}
	s := &Service{
		issuer:    cfg.Issuer,
		creator:   cfg.Creator,
		reference: cfg.ReferenceTokens,
		profile:   cfg.Profile,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Issuer returns the issuer written into tokens.
func (s *Service) Issuer() string {
	return s.issuer
}

// CreateIdentityToken builds the identity token for an authenticated subject.
func (s *Service) CreateIdentityToken(ctx context.Context, req *CreationRequest) (*model.Token, error) {
	if req == nil || req.Subject == nil || req.Client == nil {
		return nil, fmt.Errorf("identity token needs a subject and client: %w", model.ErrInvalidArgument)
	}
	alg, err := s.creator.SigningAlgorithm(req.Client.AllowedIdentityTokenSigningAlgorithms)
	if err != nil {
		return nil, err
	}

	var claims []model.Claim
	if req.Nonce != "" {
		claims = append(claims, model.NewClaim(model.ClaimNonce, req.Nonce))
	}
	for _, h := range []struct {
		claim, value string
	}{
		{model.ClaimAccessTokenHash, req.AccessTokenToHash},
		{model.ClaimCodeHash, req.AuthorizationCode},
		{model.ClaimStateHash, req.State},
	} {
		if h.value == "" {
			continue
		}
		v, err := cryptoutil.LeftHalfHash(h.value, alg)
		if err != nil {
			return nil, fmt.Errorf("hash for %s: %w", h.claim, err)
		}
		claims = append(claims, model.NewClaim(h.claim, v))
	}
	if req.Subject.SessionID != "" {
		claims = append(claims, model.NewClaim(model.ClaimSessionID, req.Subject.SessionID))
	}

	claims = append(claims, subjectClaims(req.Subject)...)

	if req.IncludeAllIdentityClaims || req.Client.AlwaysIncludeUserClaimsInIDToken {
		userClaims, err := s.identityUserClaims(ctx, req)
		if err != nil {
			return nil, err
		}
		claims = append(claims, userClaims...)
	}

	return &model.Token{
		Type:                     model.TokenTypeIdentityToken,
		AllowedSigningAlgorithms: []string{alg},
		ClientID:                 req.Client.ClientID,
		Issuer:                   s.issuer,
		Audiences:                []string{req.Client.ClientID},
		CreationTime:             s.now(),
		Lifetime:                 req.Client.IdentityTokenLifetime,
		Description:              req.Description,
		Claims:                   claims,
	}, nil
}

// CreateAccessToken builds the access token for a subject, or for the client
// itself when req.Subject is nil.
func (s *Service) CreateAccessToken(ctx context.Context, req *CreationRequest) (*model.Token, error) {
	if req == nil || req.Client == nil || req.Resources == nil {
		return nil, fmt.Errorf("access token needs a client and resources: %w", model.ErrInvalidArgument)
	}
	client := req.Client

	claims := []model.Claim{model.NewClaim(model.ClaimClientID, client.ClientID)}
	if req.Subject == nil || client.AlwaysSendClientClaims {
		for _, c := range client.Claims {
			c.Type = client.ClientClaimsPrefix + c.Type
			claims = append(claims, c)
		}
	}
	for _, ps := range req.Resources.ParsedScopes {
		claims = append(claims, model.NewClaim(model.ClaimScope, ps.RawValue))
	}
	if req.Subject != nil {
		if req.Subject.SessionID != "" {
			claims = append(claims, model.NewClaim(model.ClaimSessionID, req.Subject.SessionID))
		}
		claims = append(claims, subjectClaims(req.Subject)...)
		userClaims, err := s.accessTokenUserClaims(ctx, req)
		if err != nil {
			return nil, err
		}
		claims = append(claims, userClaims...)
	}
	if client.IncludeJWTID {
		claims = append(claims, model.NewClaim(model.ClaimJWTID, uuid.NewString()))
	}

	algs, err := req.Resources.Resources.FindMatchingSigningAlgorithms()
	if err != nil {
		return nil, err
	}

	var audiences []string
	for _, api := range req.Resources.Resources.APIResources {
		if !slices.Contains(audiences, api.Name) {
			audiences = append(audiences, api.Name)
		}
	}

	return &model.Token{
		Type:                     model.TokenTypeAccessToken,
		AllowedSigningAlgorithms: algs,
		AccessTokenType:          client.AccessTokenType,
		ClientID:                 client.ClientID,
		Issuer:                   s.issuer,
		Audiences:                audiences,
		CreationTime:             s.now(),
		Lifetime:                 client.AccessTokenLifetime,
		Confirmation:             req.Confirmation,
		Description:              req.Description,
		IncludeJWTID:             client.IncludeJWTID,
		Claims:                   claims,
	}, nil
}

// CreateSecurityToken serializes token. Reference access tokens are stored
// and their handle returned, everything else is signed as a JWT.
func (s *Service) CreateSecurityToken(ctx context.Context, token *model.Token) (string, error) {
	if token == nil {
		return "", fmt.Errorf("nil token: %w", model.ErrInvalidArgument)
	}
	if token.Type == model.TokenTypeAccessToken && token.AccessTokenType == model.AccessTokenTypeReference {
		handle, err := s.reference.StoreReferenceToken(ctx, token)
		if err != nil {
			return "", fmt.Errorf("store reference token: %w", err)
		}
		tokensIssued.WithLabelValues(token.Type, string(model.AccessTokenTypeReference)).Inc()
		return handle, nil
	}
	compact, err := s.creator.CreateToken(token)
	if err != nil {
		return "", err
	}
	tokensIssued.WithLabelValues(token.Type, string(model.AccessTokenTypeJWT)).Inc()
	return compact, nil
}

func subjectClaims(sub *model.Subject) []model.Claim {
	claims := []model.Claim{model.NewClaim(model.ClaimSubject, sub.SubjectID)}
	if !sub.AuthTime.IsZero() {
		claims = append(claims, model.Claim{
			Type:      model.ClaimAuthTime,
			Value:     strconv.FormatInt(sub.AuthTime.Unix(), 10),
			ValueType: model.ClaimValueTypeInteger64,
		})
	}
	if sub.IdentityProvider != "" {
		claims = append(claims, model.NewClaim(model.ClaimIdentityProvider, sub.IdentityProvider))
	}
	for _, amr := range sub.AuthenticationMethods {
		claims = append(claims, model.NewClaim(model.ClaimAuthMethods, amr))
	}
	return claims
}

func (s *Service) identityUserClaims(ctx context.Context, req *CreationRequest) ([]model.Claim, error) {
	var types []string
	if req.Resources != nil {
		for _, ir := range req.Resources.Resources.IdentityResources {
			types = appendUnique(types, ir.UserClaims...)
		}
	}
	return s.userClaims(ctx, req, model.ProfileCallerClaimsProviderIdentityToken, types)
}

func (s *Service) accessTokenUserClaims(ctx context.Context, req *CreationRequest) ([]model.Claim, error) {
	var types []string
	for _, api := range req.Resources.Resources.APIResources {
		types = appendUnique(types, api.UserClaims...)
	}
	for _, sc := range req.Resources.Resources.APIScopes {
		types = appendUnique(types, sc.UserClaims...)
	}
	return s.userClaims(ctx, req, model.ProfileCallerClaimsProviderAccessToken, types)
}

func (s *Service) userClaims(ctx context.Context, req *CreationRequest, caller string, types []string) ([]model.Claim, error) {
	if len(types) == 0 {
		return nil, nil
	}
	claims, err := s.profile.GetProfileData(ctx, &model.ProfileDataRequest{
		Subject:             *req.Subject,
		Client:              req.Client,
		Caller:              caller,
		RequestedClaimTypes: types,
		RequestedResources:  req.Resources,
	})
	if err != nil {
		return nil, fmt.Errorf("get profile data for %s: %w", req.Subject.SubjectID, err)
	}
	return slices.DeleteFunc(claims, func(c model.Claim) bool {
		if slices.Contains(protocolClaims, c.Type) {
			s.logger.DebugContext(ctx, "dropping protocol claim from profile data", "claim", c.Type, "caller", caller)
			return true
		}
		return false
	}), nil
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" && !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
