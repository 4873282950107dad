package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrMissingAPIKey = errors.New("api key verifier: key required")
	ErrInvalidAPIKey = errors.New("api key verifier: invalid key")
)

// APIKeyVerifier checks the shared secret the tracking service sends in X-API-Key.
type APIKeyVerifier struct {
	expected []byte
}

// NewAPIKeyVerifier constructs a verifier for the configured secret.
func NewAPIKeyVerifier(key string) (*APIKeyVerifier, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, ErrMissingAPIKey
	}
	return &APIKeyVerifier{expected: []byte(trimmed)}, nil
}

// Verify compares presented against the configured key in constant time.
func (v *APIKeyVerifier) Verify(presented string) error {
	if presented == "" {
		return ErrInvalidAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(presented), v.expected) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
