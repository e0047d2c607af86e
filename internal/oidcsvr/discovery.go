package oidcsvr

import (
	"encoding/json"
	"net/http"
	"slices"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/secrets"
	"lds.li/grantidp/internal/validation"
)

// providerMetadata is the OpenID Provider Metadata document.
type providerMetadata struct {
	Issuer                                string   `json:"issuer"`
	AuthorizationEndpoint                 string   `json:"authorization_endpoint"`
	TokenEndpoint                         string   `json:"token_endpoint"`
	UserinfoEndpoint                      string   `json:"userinfo_endpoint"`
	JWKSURI                               string   `json:"jwks_uri"`
	EndSessionEndpoint                    string   `json:"end_session_endpoint"`
	RevocationEndpoint                    string   `json:"revocation_endpoint"`
	IntrospectionEndpoint                 string   `json:"introspection_endpoint"`
	DeviceAuthorizationEndpoint           string   `json:"device_authorization_endpoint"`
	ScopesSupported                       []string `json:"scopes_supported"`
	ClaimsSupported                       []string `json:"claims_supported"`
	ResponseTypesSupported                []string `json:"response_types_supported"`
	ResponseModesSupported                []string `json:"response_modes_supported"`
	GrantTypesSupported                   []string `json:"grant_types_supported"`
	SubjectTypesSupported                 []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported      []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported     []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported         []string `json:"code_challenge_methods_supported"`
	PromptValuesSupported                 []string `json:"prompt_values_supported"`
	FrontchannelLogoutSupported           bool     `json:"frontchannel_logout_supported"`
	FrontchannelLogoutSessionSupported    bool     `json:"frontchannel_logout_session_supported"`
	BackchannelLogoutSupported            bool     `json:"backchannel_logout_supported"`
	BackchannelLogoutSessionSupported     bool     `json:"backchannel_logout_session_supported"`
	RequestParameterSupported             bool     `json:"request_parameter_supported"`
	TLSClientCertificateBoundAccessTokens bool     `json:"tls_client_certificate_bound_access_tokens"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	all, err := s.Resources.GetAllResources(ctx)
	if err != nil {
		s.serverError(w, r, "load resources", err)
		return
	}
	var scopes, claims []string
	add := func(dst []string, vals ...string) []string {
		for _, v := range vals {
			if !slices.Contains(dst, v) {
				dst = append(dst, v)
			}
		}
		return dst
	}
	for _, ir := range all.IdentityResources {
		if ir.Enabled {
			scopes = add(scopes, ir.Name)
			claims = add(claims, ir.UserClaims...)
		}
	}
	for _, as := range all.APIScopes {
		if as.Enabled {
			scopes = add(scopes, as.Name)
		}
	}
	scopes = add(scopes, model.ScopeOfflineAccess)

	var authMethods []string
	if s.ClientSecrets != nil {
		authMethods = secrets.AuthenticationMethods(s.ClientSecrets.Parsers)
	}

	md := providerMetadata{
		Issuer:                      s.Issuer,
		AuthorizationEndpoint:       s.endpoint(PathAuthorize),
		TokenEndpoint:               s.endpoint(PathToken),
		UserinfoEndpoint:            s.endpoint(PathUserInfo),
		JWKSURI:                     s.endpoint(PathJWKS),
		EndSessionEndpoint:          s.endpoint(PathEndSession),
		RevocationEndpoint:          s.endpoint(PathRevocation),
		IntrospectionEndpoint:       s.endpoint(PathIntrospection),
		DeviceAuthorizationEndpoint: s.endpoint(PathDeviceAuthorization),
		ScopesSupported:             scopes,
		ClaimsSupported:             claims,
		ResponseTypesSupported: []string{
			validation.ResponseTypeCode,
			validation.ResponseTypeIDToken,
			validation.ResponseTypeIDTokenToken,
			validation.ResponseTypeCodeIDToken,
			validation.ResponseTypeCodeToken,
			validation.ResponseTypeCodeIDTokenToken,
		},
		ResponseModesSupported: []string{validation.ResponseModeQuery, validation.ResponseModeFragment, validation.ResponseModeFormPost},
		GrantTypesSupported: []string{
			model.GrantTypeAuthorizationCode,
			model.GrantTypeClientCredentials,
			model.GrantTypeRefreshToken,
			model.GrantTypeImplicit,
			model.GrantTypeDeviceCode,
		},
		SubjectTypesSupported:                 []string{"public"},
		IDTokenSigningAlgValuesSupported:      s.Keys.SupportedAlgorithms(),
		TokenEndpointAuthMethodsSupported:     authMethods,
		CodeChallengeMethodsSupported:         []string{validation.CodeChallengeMethodPlain, validation.CodeChallengeMethodSHA256},
		PromptValuesSupported:                 []string{validation.PromptNone, validation.PromptLogin, validation.PromptConsent, validation.PromptSelectAccount},
		FrontchannelLogoutSupported:           true,
		FrontchannelLogoutSessionSupported:    true,
		BackchannelLogoutSupported:            true,
		BackchannelLogoutSessionSupported:     true,
		TLSClientCertificateBoundAccessTokens: true,
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	if err := json.NewEncoder(w).Encode(md); err != nil {
		s.logger().WarnContext(ctx, "write discovery document", "err", err)
	}
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	b, err := s.Keys.JWKS(r.Context())
	if err != nil {
		s.serverError(w, r, "load jwks", err)
		return
	}
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(b)
}
