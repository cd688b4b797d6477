// Package handshake constructs and rewrites session descriptions directly.
//
// Descriptions are synthesized from raw peer facts (credentials, fingerprint,
// reflexive addresses) rather than taken from a live peer connection. That
// lets one side answer before the other has even created a transport
// session: everything the remote side needs is already known from the
// rendezvous record and the agreed credentials. Real connectivity comes from
// trickled candidates; the synthesized candidate lines are a bootstrap hint.
package handshake

import (
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/peerlink/peerlink/internal/bytecodec"
)

const (
	// advertisedCandidatePort is the placeholder port on synthesized
	// server-reflexive candidate lines. Observed reflexive addresses are
	// advertised by IP only; genuine ports arrive with trickled candidates.
	advertisedCandidatePort = 50000

	sctpPort       = 5000
	maxMessageSize = 262144

	fingerprintAlgo = "sha-256"
)

var (
	ErrNoFingerprint = errors.New("handshake: description has no fingerprint line")
	ErrNoCredentials = errors.New("handshake: description has no ice credential lines")
	ErrBadAddress    = errors.New("handshake: bad reflexive address")
)

// NewCredentials returns a random ICE username fragment and password of
// RFC-conformant length.
func NewCredentials() (ufrag, pwd string, err error) {
	if ufrag, err = bytecodec.RandomHex(4); err != nil {
		return "", "", err
	}
	if pwd, err = bytecodec.RandomHex(12); err != nil {
		return "", "", err
	}
	return ufrag, pwd, nil
}

// Build synthesizes a minimal application-data-channel description carrying
// the given ICE credentials and fingerprint. isOffer selects the DTLS setup
// role (actpass for offers, active for answers). One server-reflexive UDP
// candidate line is emitted per reflexive address.
func Build(isOffer bool, ufrag, pwd, fingerprintB64 string, reflexiveAddrs []string) (string, error) {
	if ufrag == "" || pwd == "" {
		return "", ErrNoCredentials
	}
	colonHex, err := bytecodec.FingerprintFromBase64(fingerprintB64)
	if err != nil {
		return "", err
	}

	setup := "active"
	if isOffer {
		setup = "actpass"
	}

	sessID, err := randomSessionNumber()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=- %s 2 IN IP4 127.0.0.1\r\n", sessID)
	fmt.Fprintf(&b, "s=-\r\n")
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "a=group:BUNDLE 0\r\n")
	fmt.Fprintf(&b, "a=msid-semantic: WMS\r\n")
	fmt.Fprintf(&b, "m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n")
	fmt.Fprintf(&b, "c=IN IP4 0.0.0.0\r\n")
	fmt.Fprintf(&b, "a=mid:0\r\n")
	fmt.Fprintf(&b, "a=ice-ufrag:%s\r\n", ufrag)
	fmt.Fprintf(&b, "a=ice-pwd:%s\r\n", pwd)
	fmt.Fprintf(&b, "a=fingerprint:%s %s\r\n", fingerprintAlgo, colonHex)
	fmt.Fprintf(&b, "a=setup:%s\r\n", setup)
	fmt.Fprintf(&b, "a=sctp-port:%d\r\n", sctpPort)
	fmt.Fprintf(&b, "a=max-message-size:%d\r\n", maxMessageSize)

	for i, addr := range reflexiveAddrs {
		ip, err := candidateIP(addr)
		if err != nil {
			return "", err
		}
		// Foundation and priority only need to be distinct and ordered.
		fmt.Fprintf(&b, "a=candidate:%d 1 udp %d %s %d typ srflx raddr 0.0.0.0 rport 0 generation 0\r\n",
			1000000000+i, 1686052607-i, ip, advertisedCandidatePort)
	}

	text := b.String()
	if err := Validate(text); err != nil {
		return "", fmt.Errorf("handshake: built invalid description: %w", err)
	}
	return text, nil
}

// PinCredentials rewrites the ice-ufrag/ice-pwd lines of a locally generated
// description so both sides carry the pre-agreed credentials. Returns an
// error if the description carries no credential lines at all.
func PinCredentials(desc, ufrag, pwd string) (string, error) {
	lines := splitLines(desc)
	sawUfrag, sawPwd := false, false
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			lines[i] = "a=ice-ufrag:" + ufrag
			sawUfrag = true
		case strings.HasPrefix(line, "a=ice-pwd:"):
			lines[i] = "a=ice-pwd:" + pwd
			sawPwd = true
		}
	}
	if !sawUfrag || !sawPwd {
		return "", ErrNoCredentials
	}
	return strings.Join(lines, "\r\n") + "\r\n", nil
}

// ExtractFingerprint returns the colon-separated hex digest from the first
// a=fingerprint line of desc.
func ExtractFingerprint(desc string) (string, error) {
	for _, line := range splitLines(desc) {
		rest, ok := strings.CutPrefix(line, "a=fingerprint:")
		if !ok {
			continue
		}
		_, hexPart, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok || hexPart == "" {
			return "", fmt.Errorf("%w: %q", ErrNoFingerprint, line)
		}
		return strings.TrimSpace(hexPart), nil
	}
	return "", ErrNoFingerprint
}

// Validate parses desc as SDP, rejecting text the transport would choke on.
func Validate(desc string) error {
	var parsed sdp.SessionDescription
	return parsed.Unmarshal([]byte(desc))
}

func candidateIP(addr string) (string, error) {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if net.ParseIP(host) == nil {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, addr)
	}
	return host, nil
}

func randomSessionNumber() (string, error) {
	n, err := bytecodec.RandomUint32()
	if err != nil {
		return "", err
	}
	// Widen to the usual o= line magnitude.
	v := new(big.Int).SetUint64(uint64(n))
	v.Mul(v, big.NewInt(4294967296))
	return v.String(), nil
}

func splitLines(desc string) []string {
	normalized := strings.ReplaceAll(desc, "\r\n", "\n")
	normalized = strings.TrimRight(normalized, "\n")
	return strings.Split(normalized, "\n")
}
