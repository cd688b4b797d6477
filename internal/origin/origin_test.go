package origin

import "testing"

func TestNormalize(t *testing.T) {
	t.Run("lowercases scheme and host", func(t *testing.T) {
		got, ok := Normalize("HTTPS://Example.COM")
		if !ok || got != "https://example.com" {
			t.Fatalf("got %q ok=%v, want %q", got, ok, "https://example.com")
		}
	})

	t.Run("strips default ports", func(t *testing.T) {
		for raw, want := range map[string]string{
			"https://example.com:443": "https://example.com",
			"http://example.com:80":   "http://example.com",
			"http://example.com:8080": "http://example.com:8080",
		} {
			got, ok := Normalize(raw)
			if !ok || got != want {
				t.Fatalf("Normalize(%q): got %q ok=%v, want %q", raw, got, ok, want)
			}
		}
	})

	t.Run("allows trailing slash", func(t *testing.T) {
		got, ok := Normalize("http://localhost:5173/")
		if !ok || got != "http://localhost:5173" {
			t.Fatalf("got %q ok=%v", got, ok)
		}
	})

	t.Run("allows null origin", func(t *testing.T) {
		got, ok := Normalize("null")
		if !ok || got != "null" {
			t.Fatalf("got %q ok=%v", got, ok)
		}
	})

	t.Run("ipv6 literal", func(t *testing.T) {
		got, ok := Normalize("http://[::1]:8080")
		if !ok || got != "http://[::1]:8080" {
			t.Fatalf("got %q ok=%v", got, ok)
		}
	})

	t.Run("rejects junk", func(t *testing.T) {
		for _, raw := range []string{
			"",
			"ftp://example.com",
			"https://example.com/path",
			"https://example.com?q=1",
			"https://user@example.com",
			"https://example.com#frag",
			"https://example.com:notaport",
			"https://example.com:0",
			"https://example.com:70000",
			"example.com",
		} {
			if got, ok := Normalize(raw); ok {
				t.Fatalf("Normalize(%q): expected rejection, got %q", raw, got)
			}
		}
	})
}

func TestParseAndAllows(t *testing.T) {
	a, err := Parse("https://app.example.com, http://localhost:5173")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !a.Allows("https://app.example.com") {
		t.Fatalf("listed origin rejected")
	}
	if !a.Allows("https://app.example.com:443") {
		t.Fatalf("default-port variant of listed origin rejected")
	}
	if !a.Allows("HTTP://LOCALHOST:5173") {
		t.Fatalf("case variant of listed origin rejected")
	}
	if a.Allows("https://evil.example.com") {
		t.Fatalf("unlisted origin allowed")
	}
	if a.Allows("not an origin") {
		t.Fatalf("malformed origin allowed")
	}
	if !a.Allows("") {
		t.Fatalf("non-browser request (no Origin header) must pass")
	}
	if a.Open() {
		t.Fatalf("configured allowlist reported as open")
	}
}

func TestParseWildcard(t *testing.T) {
	a, err := Parse("*")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !a.Allows("https://anything.example") || !a.Open() {
		t.Fatalf("wildcard allowlist must be open")
	}
}

func TestParseRejectsInvalidEntry(t *testing.T) {
	if _, err := Parse("https://ok.example, nonsense"); err == nil {
		t.Fatalf("expected error for invalid entry")
	}
}

func TestEmptyAllowlistIsOpen(t *testing.T) {
	a, err := Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !a.Allows("https://anyone.example") || !a.Open() {
		t.Fatalf("empty allowlist must be open")
	}

	var nilList *Allowlist
	if !nilList.Allows("https://anyone.example") || !nilList.Open() {
		t.Fatalf("nil allowlist must be open")
	}
}
