package cryptoutil

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// DefaultHandleLength is the number of random bytes in a generated handle.
const DefaultHandleLength = 32

// ErrInvalidHandleLength is returned when a handle of zero or negative length
// is requested.
var ErrInvalidHandleLength = errors.New("handle length must be greater than zero")

// HandleGenerator creates opaque, cryptographically random handles for codes
// and tokens.
type HandleGenerator struct{}

// Generate returns a handle made of length random bytes, hex encoded in upper
// case.
func (HandleGenerator) Generate(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidHandleLength
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}
