package keys

import (
	"context"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
)

var _ Material = (*Static)(nil)

// Static is in-memory key material that never rotates. It is used for tests
// and development servers.
type Static struct {
	algs    []string
	private map[string]*keyset.Handle
	public  []*keyset.Handle
}

// NewStatic generates one key for each of algs.
func NewStatic(algs ...Algorithm) (*Static, error) {
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	s := &Static{private: make(map[string]*keyset.Handle)}
	for _, a := range algs {
		h, err := keyset.NewHandle(a.Template)
		if err != nil {
			return nil, fmt.Errorf("new %s handle: %w", a.Name, err)
		}
		pub, err := h.Public()
		if err != nil {
			return nil, fmt.Errorf("public %s handle: %w", a.Name, err)
		}
		s.algs = append(s.algs, a.Name)
		s.private[a.Name] = h
		s.public = append(s.public, pub)
	}
	return s, nil
}

func (s *Static) SupportedAlgorithms() []string {
	return append([]string(nil), s.algs...)
}

func (s *Static) SignAndEncodeForAlgorithm(alg string, rawJWT *jwt.RawJWT) (string, error) {
	h, ok := s.private[alg]
	if !ok {
		return "", fmt.Errorf("no keyset for algorithm %s", alg)
	}
	signer, err := jwt.NewSigner(h)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}
	return signer.SignAndEncode(rawJWT)
}

func (s *Static) VerifyAndDecode(compact string, validator *jwt.Validator) (*jwt.VerifiedJWT, error) {
	return verifyWith(s.public, compact, validator)
}

func (s *Static) JWKS(context.Context) ([]byte, error) {
	return mergeJWKS(s.public)
}
