// Package keys provides the JWT signing and verification key material, either
// rotated automatically from the state store or held statically in memory.
package keys

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"github.com/tink-crypto/tink-go/v2/keyset"
)

// Material signs tokens and verifies tokens signed by any currently published
// key.
type Material interface {
	// SupportedAlgorithms returns the algorithms keys exist for, in order of
	// preference.
	SupportedAlgorithms() []string
	// SignAndEncodeForAlgorithm signs rawJWT with the primary key for alg.
	SignAndEncodeForAlgorithm(alg string, rawJWT *jwt.RawJWT) (string, error)
	// VerifyAndDecode verifies compact against all published keys.
	VerifyAndDecode(compact string, validator *jwt.Validator) (*jwt.VerifiedJWT, error)
	// JWKS returns the public keys as a JSON Web Key Set.
	JWKS(ctx context.Context) ([]byte, error)
}

// mergeHandles builds a single verification handle from public handles. The
// primary is irrelevant for verification, the last key seen is used.
func mergeHandles(handles []*keyset.Handle) (*keyset.Handle, error) {
	mgr := keyset.NewManager()
	var lastKid uint32
	for _, h := range handles {
		for i := range h.Len() {
			e, err := h.Entry(i)
			if err != nil {
				return nil, fmt.Errorf("get entry: %w", err)
			}
			if _, err := mgr.AddKey(e.Key()); err != nil {
				return nil, fmt.Errorf("add key: %w", err)
			}
			lastKid = e.KeyID()
		}
	}
	if err := mgr.SetPrimary(lastKid); err != nil {
		return nil, fmt.Errorf("set primary: %w", err)
	}
	h, err := mgr.Handle()
	if err != nil {
		return nil, fmt.Errorf("getting merged handle: %w", err)
	}
	return h, nil
}

func verifyWith(handles []*keyset.Handle, compact string, validator *jwt.Validator) (*jwt.VerifiedJWT, error) {
	h, err := mergeHandles(handles)
	if err != nil {
		return nil, fmt.Errorf("getting merged verification handle: %w", err)
	}
	verifier, err := jwt.NewVerifier(h)
	if err != nil {
		return nil, fmt.Errorf("new verifier: %w", err)
	}
	return verifier.VerifyAndDecode(compact, validator)
}

// mergeJWKS combines the key sets of the public handles into one.
func mergeJWKS(handles []*keyset.Handle) ([]byte, error) {
	merged := []json.RawMessage{}
	for _, h := range handles {
		raw, err := jwt.JWKSetFromPublicKeysetHandle(h)
		if err != nil {
			return nil, fmt.Errorf("getting JWKS: %w", err)
		}
		var set struct {
			Keys []json.RawMessage `json:"keys"`
		}
		if err := json.Unmarshal(raw, &set); err != nil {
			return nil, fmt.Errorf("unmarshalling JWKS: %w", err)
		}
		merged = append(merged, set.Keys...)
	}
	out, err := json.Marshal(map[string]any{"keys": merged})
	if err != nil {
		return nil, fmt.Errorf("marshalling merged JWKS: %w", err)
	}
	return out, nil
}
