// Package bytecodec converts between the byte encodings used on the wire:
// colon-separated hex (SDP fingerprint lines), base64 (compact rendezvous
// records), and raw bytes. It also provides the crypto-random value helpers
// shared by session and message identifier generation.
package bytecodec

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyFingerprint = errors.New("bytecodec: empty fingerprint")
	ErrBadFingerprint   = errors.New("bytecodec: malformed fingerprint")
)

// FingerprintToBase64 converts a colon-separated hex fingerprint, as found on
// an SDP a=fingerprint line ("AB:CD:EF:..."), into standard base64 of the raw
// digest bytes. This is the compact form published in rendezvous records.
func FingerprintToBase64(colonHex string) (string, error) {
	if colonHex == "" {
		return "", ErrEmptyFingerprint
	}
	raw, err := hex.DecodeString(strings.ReplaceAll(colonHex, ":", ""))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadFingerprint, colonHex)
	}
	if len(raw) == 0 {
		return "", ErrEmptyFingerprint
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// FingerprintFromBase64 is the inverse of FingerprintToBase64: it expands a
// base64 digest back into the uppercase colon-separated hex form required on
// an SDP a=fingerprint line.
func FingerprintFromBase64(b64 string) (string, error) {
	if b64 == "" {
		return "", ErrEmptyFingerprint
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadFingerprint, b64)
	}
	if len(raw) == 0 {
		return "", ErrEmptyFingerprint
	}
	parts := make([]string, len(raw))
	for i, b := range raw {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}

// RandomHex returns n crypto-random bytes encoded as lowercase hex.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RandomUint32 returns a crypto-random 32-bit value.
func RandomUint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
