package model

// Callers of the profile service, used to tailor the issued claims.
const (
	ProfileCallerUserInfoEndpoint            = "UserInfoEndpoint"
	ProfileCallerClaimsProviderIdentityToken = "ClaimsProviderIdentityToken"
	ProfileCallerClaimsProviderAccessToken   = "ClaimsProviderAccessToken"
	ProfileCallerAuthorizeEndpoint           = "AuthorizeEndpoint"
	ProfileCallerDeviceVerification          = "DeviceVerification"
)

// ProfileDataRequest asks for the claims of a subject to issue to a client.
type ProfileDataRequest struct {
	Subject Subject
	Client  *Client
	Caller  string
	// RequestedClaimTypes limits the returned claims. Empty returns none.
	RequestedClaimTypes []string
	RequestedResources  *ResourceValidationResult
}

// IsActiveRequest asks whether a subject may currently be issued tokens.
type IsActiveRequest struct {
	Subject Subject
	Client  *Client
	Caller  string
}
