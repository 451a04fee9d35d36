package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingEnrollmentSecret = errors.New("enrollment: secret required")
	ErrEnrollmentRejected      = errors.New("enrollment: secret rejected")
	ErrMissingBearerToken      = errors.New("enrollment: bearer token required")
)

// EnrollmentVerifier admits devices presenting the shared enrollment secret.
type EnrollmentVerifier struct {
	secret []byte
}

// NewEnrollmentVerifier constructs a verifier for the configured secret.
func NewEnrollmentVerifier(secret string) (*EnrollmentVerifier, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, ErrMissingEnrollmentSecret
	}
	return &EnrollmentVerifier{secret: []byte(trimmed)}, nil
}

// Verify compares the presented secret in constant time.
func (v *EnrollmentVerifier) Verify(presented string) error {
	if subtle.ConstantTimeCompare(v.secret, []byte(strings.TrimSpace(presented))) != 1 {
		return ErrEnrollmentRejected
	}
	return nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingBearerToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrMissingBearerToken
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", ErrMissingBearerToken
	}
	return token, nil
}
