// Package domain id.go contains functions to generate and validate OAuth state values.
package domain

import (
	"crypto/rand"
	"encoding/hex"
)

// State is the opaque anti-CSRF value round-tripped through the authorize
// redirect. It is a 128-bit random value encoded as 32 lowercase hex characters.
type State string

// NewState generates a new cryptographically random 128-bit State encoded
// as 32 lowercase hexadecimal characters.
func NewState() (State, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	dst := make([]byte, 32)
	hex.Encode(dst, b[:]) // hex.Encode always produces lowercase
	return State(dst), nil
}

// ParseState validates s and returns it as a State. It enforces:
// - length == 32
// - only lowercase [0-9a-f]
// Returns ErrInvalidState on failure.
func ParseState(s string) (State, error) {
	if !isValidState(s) {
		return "", ErrInvalidState
	}
	return State(s), nil
}

// String returns the string form of the State.
func (s State) String() string { return string(s) }

// Valid reports whether the state satisfies the same rules as ParseState.
func (s State) Valid() bool { return isValidState(string(s)) }

func isValidState(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
