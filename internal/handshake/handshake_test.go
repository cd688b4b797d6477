package handshake

import (
	"errors"
	"strings"
	"testing"

	"github.com/peerlink/peerlink/internal/bytecodec"
)

const testFingerprintHex = "4A:AD:B9:B1:3F:82:18:3B:54:02:12:DF:3E:5D:49:6B:19:E5:7C:AB:3E:4B:65:2E:7D:46:3F:54:42:CD:54:F1"

func testFingerprintB64(t *testing.T) string {
	t.Helper()
	b64, err := bytecodec.FingerprintToBase64(testFingerprintHex)
	if err != nil {
		t.Fatalf("FingerprintToBase64: %v", err)
	}
	return b64
}

func TestBuildOffer(t *testing.T) {
	desc, err := Build(true, "ufragA", "pwdpwdpwdpwdpwdpwdpwd1", testFingerprintB64(t), []string{"203.0.113.7:41641"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, want := range []string{
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel",
		"a=setup:actpass",
		"a=ice-ufrag:ufragA",
		"a=ice-pwd:pwdpwdpwdpwdpwdpwdpwd1",
		"a=fingerprint:sha-256 " + testFingerprintHex,
		"a=sctp-port:5000",
		"typ srflx",
		"203.0.113.7 50000",
	} {
		if !strings.Contains(desc, want) {
			t.Fatalf("offer missing %q:\n%s", want, desc)
		}
	}
}

func TestBuildAnswerSetupActive(t *testing.T) {
	desc, err := Build(false, "uf", "pwdpwdpwdpwdpwdpwdpwd2", testFingerprintB64(t), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(desc, "a=setup:active") {
		t.Fatalf("answer must carry setup:active:\n%s", desc)
	}
	if strings.Contains(desc, "a=setup:actpass") {
		t.Fatalf("answer must not carry setup:actpass")
	}
	if strings.Contains(desc, "typ srflx") {
		t.Fatalf("no candidate lines expected without reflexive addresses")
	}
}

func TestBuildCandidatePerAddress(t *testing.T) {
	desc, err := Build(true, "uf", "pwdpwdpwdpwdpwdpwdpwd3", testFingerprintB64(t),
		[]string{"198.51.100.1:1111", "198.51.100.2:2222", "203.0.113.9"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := strings.Count(desc, "typ srflx"); got != 3 {
		t.Fatalf("candidate lines: got %d want 3", got)
	}
	// Bare-IP addresses are accepted alongside ip:port observations.
	if !strings.Contains(desc, "203.0.113.9 50000") {
		t.Fatalf("bare IP candidate missing:\n%s", desc)
	}
}

func TestBuildRejectsBadAddress(t *testing.T) {
	if _, err := Build(true, "uf", "pw", testFingerprintB64(t), []string{"not-an-ip"}); !errors.Is(err, ErrBadAddress) {
		t.Fatalf("got %v want ErrBadAddress", err)
	}
}

func TestBuildRejectsMissingCredentials(t *testing.T) {
	if _, err := Build(true, "", "pw", testFingerprintB64(t), nil); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("got %v want ErrNoCredentials", err)
	}
}

func TestBuildRejectsBadFingerprint(t *testing.T) {
	if _, err := Build(true, "uf", "pw", "!!!", nil); err == nil {
		t.Fatalf("expected error for undecodable fingerprint")
	}
}

func TestPinCredentials(t *testing.T) {
	desc, err := Build(true, "origfrag", "origpwdorigpwdorigpwd1", testFingerprintB64(t), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	pinned, err := PinCredentials(desc, "newfrag", "newpwdnewpwdnewpwdnew2")
	if err != nil {
		t.Fatalf("PinCredentials: %v", err)
	}
	if strings.Contains(pinned, "origfrag") || strings.Contains(pinned, "origpwd") {
		t.Fatalf("original credentials survived pinning:\n%s", pinned)
	}
	if !strings.Contains(pinned, "a=ice-ufrag:newfrag") || !strings.Contains(pinned, "a=ice-pwd:newpwdnewpwdnewpwdnew2") {
		t.Fatalf("pinned credentials missing:\n%s", pinned)
	}
	if err := Validate(pinned); err != nil {
		t.Fatalf("pinned description no longer parses: %v", err)
	}
}

func TestPinCredentialsRequiresCredentialLines(t *testing.T) {
	if _, err := PinCredentials("v=0\r\ns=-\r\n", "uf", "pw"); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("got %v want ErrNoCredentials", err)
	}
}

func TestExtractFingerprint(t *testing.T) {
	desc, err := Build(false, "uf", "pwdpwdpwdpwdpwdpwdpwd4", testFingerprintB64(t), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, err := ExtractFingerprint(desc)
	if err != nil {
		t.Fatalf("ExtractFingerprint: %v", err)
	}
	if got != testFingerprintHex {
		t.Fatalf("ExtractFingerprint: got %q want %q", got, testFingerprintHex)
	}
}

func TestExtractFingerprintMissing(t *testing.T) {
	if _, err := ExtractFingerprint("v=0\r\ns=-\r\n"); !errors.Is(err, ErrNoFingerprint) {
		t.Fatalf("got %v want ErrNoFingerprint", err)
	}
}

func TestNewCredentialsLengths(t *testing.T) {
	ufrag, pwd, err := NewCredentials()
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}
	if len(ufrag) < 4 {
		t.Fatalf("ufrag too short: %q", ufrag)
	}
	if len(pwd) < 22 {
		t.Fatalf("pwd too short for ICE: %q", pwd)
	}
}

func TestBuiltDescriptionsRoundTripThroughParser(t *testing.T) {
	for _, isOffer := range []bool{true, false} {
		desc, err := Build(isOffer, "uf", "pwdpwdpwdpwdpwdpwdpwd5", testFingerprintB64(t),
			[]string{"203.0.113.7:41641"})
		if err != nil {
			t.Fatalf("Build(isOffer=%v): %v", isOffer, err)
		}
		if err := Validate(desc); err != nil {
			t.Fatalf("Validate(isOffer=%v): %v", isOffer, err)
		}
	}
}
