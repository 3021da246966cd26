// Package auth guards the status API routes that change target state.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a presented token.
type Validator interface {
	Validate(token string) error
}

// Token is a single shared secret. The empty Token admits nobody.
type Token string

func (t Token) Validate(token string) error {
	if t == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(t), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Bearer extracts the credential from an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively.
func Bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// CheckHeader validates the bearer token carried by header.
func CheckHeader(v Validator, header string) error {
	token, ok := Bearer(header)
	if !ok {
		return ErrUnauthorized
	}
	return v.Validate(token)
}
