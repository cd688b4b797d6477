// Package auth implements the relay's optional access control: a shared API
// key or HS256 room tokens. Verification failures collapse into a single
// error so responses leak nothing about which check failed.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Mode selects the relay's access control scheme.
type Mode string

const (
	// ModeNone leaves the relay open.
	ModeNone Mode = "none"
	// ModeAPIKey requires one shared key on every request.
	ModeAPIKey Mode = "apikey"
	// ModeToken requires a signed HS256 token scoped to the target room.
	ModeToken Mode = "token"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Verifier checks one credential against the room it is being used for.
type Verifier interface {
	Verify(credential, roomID string) error
}

// NewVerifier builds the Verifier for mode. The now func defaults to
// time.Now and exists for tests.
func NewVerifier(mode Mode, apiKey, tokenSecret string, now func() time.Time) (Verifier, error) {
	switch mode {
	case ModeNone, "":
		return allowAll{}, nil
	case ModeAPIKey:
		if apiKey == "" {
			return nil, fmt.Errorf("auth: mode %q requires an api key", mode)
		}
		return APIKeyVerifier{Expected: apiKey}, nil
	case ModeToken:
		if tokenSecret == "" {
			return nil, fmt.Errorf("auth: mode %q requires a token secret", mode)
		}
		return NewTokenVerifier(tokenSecret, now), nil
	default:
		return nil, fmt.Errorf("auth: unsupported mode %q", mode)
	}
}

type allowAll struct{}

func (allowAll) Verify(string, string) error { return nil }

// APIKeyVerifier accepts exactly one shared key, compared in constant time.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(credential, _ string) error {
	if credential == "" {
		return ErrMissingCredentials
	}
	if v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// CredentialFromRequest extracts the bearer credential from an HTTP request:
// the Authorization header first, then a token query parameter (useful for
// WebSocket clients that cannot set headers).
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if cred, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(cred)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
