// Package uuid generates the opaque identifiers used as session tokens.
package uuid

import (
	"strings"

	"github.com/google/uuid"
)

// TokenLength is the length of a token produced by New.
const TokenLength = 32

// New returns a random (version 4) UUID rendered as 32 lowercase hex
// characters without separators.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewToken is New with an error return, matching the token generator
// signature accepted by the session manager. It fails only when the system
// random source does.
func NewToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}
