// Package cryptoutil contains the hashing and random handle helpers used for
// secret storage and grant keys.
package cryptoutil

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
)

// Sha256 returns the base64 encoded SHA-256 digest of input. An empty input
// returns an empty string.
func Sha256(input string) string {
	if input == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(input))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Sha512 returns the base64 encoded SHA-512 digest of input. An empty input
// returns an empty string.
func Sha512(input string) string {
	if input == "" {
		return ""
	}
	sum := sha512.Sum512([]byte(input))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Sha256Bytes returns the raw SHA-256 digest of input.
func Sha256Bytes(input string) []byte {
	sum := sha256.Sum256([]byte(input))
	return sum[:]
}

// Sha512Bytes returns the raw SHA-512 digest of input.
func Sha512Bytes(input string) []byte {
	sum := sha512.Sum512([]byte(input))
	return sum[:]
}

// LeftHalfHash computes the at_hash / c_hash style value for a token: the
// left-most half of the hash of value, base64url encoded without padding. The
// hash function follows the size of the JWS algorithm (256, 384 or 512).
func LeftHalfHash(value, alg string) (string, error) {
	var h hash.Hash
	switch {
	case strings.HasSuffix(alg, "256"):
		h = sha256.New()
	case strings.HasSuffix(alg, "384"):
		h = sha512.New384()
	case strings.HasSuffix(alg, "512"):
		h = sha512.New()
	default:
		return "", fmt.Errorf("unsupported signing algorithm %q for hash claim", alg)
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
