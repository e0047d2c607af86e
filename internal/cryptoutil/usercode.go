package cryptoutil

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// User code alphabets. The alphanumeric set leaves out characters that are
// easily confused when read off a screen.
const (
	NumericUserCodeAlphabet      = "0123456789"
	AlphanumericUserCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ23456789"
)

// UserCode returns a random code of length characters drawn uniformly from
// alphabet.
func UserCode(alphabet string, length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidHandleLength
	}
	if alphabet == "" {
		return "", errors.New("empty user code alphabet")
	}
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random index: %w", err)
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}
