package model

// OAuth 2.0 and OpenID Connect error codes returned to clients.
const (
	ErrorInvalidRequest           = "invalid_request"
	ErrorInvalidClient            = "invalid_client"
	ErrorInvalidGrant             = "invalid_grant"
	ErrorUnauthorizedClient       = "unauthorized_client"
	ErrorUnsupportedGrantType     = "unsupported_grant_type"
	ErrorUnsupportedResponseType  = "unsupported_response_type"
	ErrorInvalidScope             = "invalid_scope"
	ErrorInvalidTarget            = "invalid_target"
	ErrorAccessDenied             = "access_denied"
	ErrorServerError              = "server_error"
	ErrorLoginRequired            = "login_required"
	ErrorConsentRequired          = "consent_required"
	ErrorInteractionRequired      = "interaction_required"
	ErrorInvalidRequestURI        = "invalid_request_uri"
	ErrorInvalidRequestObject     = "invalid_request_object"
	ErrorRequestNotSupported      = "request_not_supported"
	ErrorRequestURINotSupported   = "request_uri_not_supported"
	ErrorRegistrationNotSupported = "registration_not_supported"
	ErrorUnsupportedTokenType     = "unsupported_token_type"

	// Device flow, RFC 8628.
	ErrorAuthorizationPending = "authorization_pending"
	ErrorSlowDown             = "slow_down"
	ErrorExpiredToken         = "expired_token"

	// Protected resource errors, RFC 6750.
	ErrorInvalidToken      = "invalid_token"
	ErrorInsufficientScope = "insufficient_scope"
)
