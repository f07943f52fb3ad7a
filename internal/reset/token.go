package reset

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const tokenBytes = 32

// TokenGenerator produces reset tokens. Uniqueness against stored tokens is
// checked by the caller.
type TokenGenerator interface {
	NewToken() (string, error)
}

// RandomTokens returns 256-bit URL-safe tokens from crypto/rand.
type RandomTokens struct{}

func (RandomTokens) NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TokenFunc adapts a function to TokenGenerator.
type TokenFunc func() (string, error)

func (f TokenFunc) NewToken() (string, error) { return f() }
