package validation

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCE code challenge methods.
const (
	CodeChallengeMethodPlain  = "plain"
	CodeChallengeMethodSHA256 = "S256"
)

// verifyCodeChallenge reports if verifier transforms to challenge under
// method.
func verifyCodeChallenge(verifier, challenge, method string) bool {
	var transformed string
	switch method {
	case CodeChallengeMethodSHA256:
		transformed = oauth2.S256ChallengeFromVerifier(verifier)
	case CodeChallengeMethodPlain, "":
		transformed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(transformed), []byte(challenge)) == 1
}
