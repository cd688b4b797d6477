package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrUnsupportedToken = errors.New("auth: unsupported token")

const maxTokenLen = 8 * 1024

// TokenVerifier validates HS256 room tokens of the form
// base64url(header).base64url(claims).base64url(signature).
//
// Required claims: "r" (room id, or "*" for any room) and "exp" (unix
// seconds). "nbf" is honored when present; other claims are ignored so
// minters can attach their own metadata.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewTokenVerifier(secret string, now func() time.Time) TokenVerifier {
	if now == nil {
		now = time.Now
	}
	return TokenVerifier{secret: []byte(secret), now: now}
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type tokenClaims struct {
	Room string `json:"r"`
	Exp  int64  `json:"exp"`
	Nbf  int64  `json:"nbf"`
	Iat  int64  `json:"iat"`
}

func (v TokenVerifier) Verify(credential, roomID string) error {
	if credential == "" {
		return ErrMissingCredentials
	}
	if len(credential) > maxTokenLen {
		return ErrInvalidCredentials
	}

	headerB64, rest, ok := strings.Cut(credential, ".")
	if !ok {
		return ErrInvalidCredentials
	}
	claimsB64, sigB64, ok := strings.Cut(rest, ".")
	if !ok || strings.Contains(sigB64, ".") {
		return ErrInvalidCredentials
	}
	if headerB64 == "" || claimsB64 == "" || sigB64 == "" {
		return ErrInvalidCredentials
	}

	// Strict decoding rejects padding and non-canonical trailing bits, so
	// every token has exactly one byte representation under the signature.
	enc := base64.RawURLEncoding.Strict()
	headerJSON, err := enc.DecodeString(headerB64)
	if err != nil {
		return ErrInvalidCredentials
	}
	sig, err := enc.DecodeString(sigB64)
	if err != nil || len(sig) != sha256.Size {
		return ErrInvalidCredentials
	}

	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return ErrInvalidCredentials
	}
	if header.Alg != "HS256" {
		return ErrUnsupportedToken
	}
	if header.Typ != "" && header.Typ != "JWT" {
		return ErrUnsupportedToken
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(headerB64))
	mac.Write([]byte{'.'})
	mac.Write([]byte(claimsB64))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return ErrInvalidCredentials
	}

	claimsJSON, err := enc.DecodeString(claimsB64)
	if err != nil {
		return ErrInvalidCredentials
	}
	var claims tokenClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return ErrInvalidCredentials
	}

	now := v.now().Unix()
	if claims.Exp == 0 || now >= claims.Exp {
		return ErrInvalidCredentials
	}
	if claims.Nbf != 0 && now < claims.Nbf {
		return ErrInvalidCredentials
	}
	if claims.Room == "" {
		return ErrInvalidCredentials
	}
	if claims.Room != "*" && claims.Room != roomID {
		return ErrInvalidCredentials
	}
	return nil
}

// MintToken signs a room token; used by tests and the relay's operator
// tooling.
func MintToken(secret, roomID string, exp time.Time) (string, error) {
	enc := base64.RawURLEncoding
	headerJSON, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(tokenClaims{Room: roomID, Exp: exp.Unix(), Iat: time.Now().Unix()})
	if err != nil {
		return "", err
	}

	signing := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signing))
	return signing + "." + enc.EncodeToString(mac.Sum(nil)), nil
}
