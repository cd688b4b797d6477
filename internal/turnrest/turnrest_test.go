package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func fixedClock(unix int64) clock.Clock {
	mock := clock.NewMock()
	mock.Set(time.Unix(unix, 0).UTC())
	return mock
}

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "shared-secret",
		TTLSeconds:     600,
		UsernamePrefix: "peerlink",
		Clock:          fixedClock(1_700_000_000),
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("5f3a9c1e")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantExpiry := int64(1_700_000_600)
	if creds.ExpiryUnix != wantExpiry {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, wantExpiry)
	}
	wantUsername := "1700000600:peerlink:5f3a9c1e"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}

	wantCred := expectedCredential(t, []byte("shared-secret"), wantUsername)
	if creds.Credential != wantCred {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, wantCred)
	}

	if ttl := creds.TTLSeconds(time.Unix(1_700_000_000, 0)); ttl != 600 {
		t.Fatalf("TTLSeconds: got %d, want 600", ttl)
	}
	if ttl := creds.TTLSeconds(time.Unix(1_700_009_999, 0)); ttl != 0 {
		t.Fatalf("TTLSeconds after expiry: got %d, want 0", ttl)
	}
}

func TestGenerate_CredentialIsBase64HMACSHA1(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     1,
		UsernamePrefix: "pfx",
		Clock:          fixedClock(0),
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("sid")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length: got %d, want %d", len(decoded), sha1.Size)
	}

	mac := hmac.New(sha1.New, []byte("secret"))
	_, _ = mac.Write([]byte(creds.Username))
	want := mac.Sum(nil)
	if string(decoded) != string(want) {
		t.Fatalf("decoded HMAC mismatch")
	}
}

func TestGenerate_RejectsColonSessionID(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     600,
		UsernamePrefix: "peerlink",
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatal("expected error for sessionID with colon")
	}
	if _, err := g.Generate(""); err == nil {
		t.Fatal("expected error for empty sessionID")
	}
}

func TestGenerateRandom_UniqueUsernames(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     600,
		UsernamePrefix: "peerlink",
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	a, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	b, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("expected distinct usernames, both %q", a.Username)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	cases := []GeneratorConfig{
		{TTLSeconds: 600, UsernamePrefix: "peerlink"},
		{SharedSecret: "s", UsernamePrefix: "peerlink"},
		{SharedSecret: "s", TTLSeconds: 600},
		{SharedSecret: "s", TTLSeconds: 600, UsernamePrefix: "peer:link"},
	}
	for i, cfg := range cases {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func expectedCredential(t *testing.T, sharedSecret []byte, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
