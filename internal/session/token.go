package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/danmuck/resumectl/internal/protocol/wire"
)

var ErrInvalidToken = errors.New("session: invalid resumption token")

// Token is the 16-byte resumption capability. The high bit of the first
// byte is always set so a token can never be confused with the 0x00
// new-session request byte.
type Token [wire.TokenLen]byte

// NewToken draws a token from the system CSPRNG.
func NewToken() (Token, error) {
	var t Token
	if _, err := rand.Read(t[:]); err != nil {
		return Token{}, fmt.Errorf("session: generate token: %w", err)
	}
	t[0] |= wire.TokenHighBit
	return t, nil
}

// ParseToken validates raw token bytes received on the wire.
func ParseToken(b []byte) (Token, error) {
	if len(b) != wire.TokenLen {
		return Token{}, fmt.Errorf("%w: length %d", ErrInvalidToken, len(b))
	}
	if b[0]&wire.TokenHighBit == 0 {
		return Token{}, fmt.Errorf("%w: high bit clear", ErrInvalidToken)
	}
	var t Token
	copy(t[:], b)
	return t, nil
}

// String renders a short prefix only. Tokens are secrets; the full value
// must never reach a log line.
func (t Token) String() string {
	return hex.EncodeToString(t[:4]) + ".."
}

// NewHostID generates a stable opaque host identifier for one endpoint.
func NewHostID() ([]byte, error) {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("session: generate host id: %w", err)
	}
	return id, nil
}
