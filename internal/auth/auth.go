package auth

import (
	"errors"
	"strings"
	"unicode"
)

// Marker is the glyph the map uses to flag a cell with an active battle.
const Marker = '⚔'

// ErrUnauthorized signals a missing or mismatched client credential.
var ErrUnauthorized = errors.New("auth: invalid client credential")

// Authenticator validates presented credentials against the one shared
// secret configured at process start.
type Authenticator struct {
	secret string
}

func New(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

// Validate returns ErrUnauthorized unless credential is present and equals
// the configured secret. Malformed input never panics, it just fails.
func (a *Authenticator) Validate(credential string) error {
	if credential == "" || credential != a.secret {
		return ErrUnauthorized
	}
	return nil
}

// Sanitize strips input down to letters, numbers, whitespace, the battle
// marker, and '#'. Numbers cover every numeric category, not just the
// decimal digits, so Roman numerals and the like survive. Everything else
// is removed with no substitution. Applied
// to every externally sourced fragment before it becomes a cache key or is
// echoed to a client.
func Sanitize(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) || r == Marker || r == '#' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
