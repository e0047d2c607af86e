package responses

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/validation"
)

// IntrospectionResponse builds the RFC 7662 body. Inactive tokens only get
// active=false.
func IntrospectionResponse(req *validation.IntrospectionRequest) map[string]any {
	if req == nil || !req.IsActive {
		return map[string]any{"active": false}
	}
	m := model.ClaimsToMap(req.Claims)
	if scopes := model.FindClaimValues(req.Claims, model.ClaimScope); len(scopes) > 0 {
		m[model.ClaimScope] = strings.Join(scopes, " ")
	}
	m["active"] = true
	return m
}

// UserInfoResponse returns the claims of the token's subject for the
// identity scopes the token carries. The sub claim always comes from the
// token.
func (g *Generator) UserInfoResponse(ctx context.Context, res *validation.UserInfoResult, identity []model.IdentityResource) (map[string]any, error) {
	if res == nil || res.Token == nil || res.Subject == "" {
		return nil, fmt.Errorf("userinfo response needs a validated token: %w", model.ErrInvalidArgument)
	}
	scopes := model.FindClaimValues(res.Token.Claims, model.ClaimScope)

	var types []string
	for _, ir := range identity {
		if !ir.Enabled || !slices.Contains(scopes, ir.Name) {
			continue
		}
		for _, c := range ir.UserClaims {
			if !slices.Contains(types, c) {
				types = append(types, c)
			}
		}
	}

	subject := model.Subject{
		SubjectID: res.Subject,
		SessionID: model.FindClaimValue(res.Token.Claims, model.ClaimSessionID),
	}
	var claims []model.Claim
	if len(types) > 0 {
		var err error
		claims, err = g.profile.GetProfileData(ctx, &model.ProfileDataRequest{
			Subject:             subject,
			Client:              res.Token.Client,
			Caller:              model.ProfileCallerUserInfoEndpoint,
			RequestedClaimTypes: types,
		})
		if err != nil {
			return nil, fmt.Errorf("get profile data for %s: %w", res.Subject, err)
		}
	}

	out := model.ClaimsToMap(claims)
	if sub, ok := out[model.ClaimSubject]; ok && sub != res.Subject {
		g.logger.WarnContext(ctx, "profile service returned a different sub, ignoring it", "sub", res.Subject)
	}
	out[model.ClaimSubject] = res.Subject
	return out, nil
}
