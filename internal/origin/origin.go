// Package origin validates browser Origin headers for the relay's HTTP API.
//
// The relay is meant to be callable from web apps, so CORS has to be
// answered deliberately: an empty allowlist keeps the relay open to any
// origin, a configured allowlist restricts it. Requests without an Origin
// header (native clients, curl) are never origin-filtered.
package origin

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Allowlist is a set of normalized origins. The nil Allowlist and the empty
// Allowlist both allow every origin.
type Allowlist struct {
	origins map[string]struct{}
	any     bool
}

// Parse builds an Allowlist from comma- or space-separated entries. Each
// entry must be "*" or a valid origin.
func Parse(raw string) (*Allowlist, error) {
	a := &Allowlist{origins: make(map[string]struct{})}
	for _, entry := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if entry == "*" {
			a.any = true
			continue
		}
		normalized, ok := Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("origin: invalid allowlist entry %q", entry)
		}
		a.origins[normalized] = struct{}{}
	}
	return a, nil
}

// Allows reports whether a request carrying originHeader may proceed. The
// empty header always passes; origin filtering is a browser concern.
func (a *Allowlist) Allows(originHeader string) bool {
	if originHeader == "" {
		return true
	}
	normalized, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	if a == nil || a.any || len(a.origins) == 0 {
		return true
	}
	_, ok = a.origins[normalized]
	return ok
}

// Open reports whether the allowlist admits every origin, which decides the
// Access-Control-Allow-Origin response shape.
func (a *Allowlist) Open() bool {
	return a == nil || a.any || len(a.origins) == 0
}

// Normalize canonicalizes an Origin header value to scheme://host[:port]
// with the scheme and host lowercased and default ports stripped. The
// special value "null" (sandboxed iframes, file://) normalizes to itself.
func Normalize(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", false
	}
	port := u.Port()

	// url.Parse keeps malformed ports in Host while Port() returns "".
	// Rebuilding the authority and comparing catches those.
	rebuilt := hostname
	if strings.Contains(hostname, ":") {
		rebuilt = "[" + hostname + "]"
	}
	if port != "" {
		rebuilt += ":" + port
	}
	if !strings.EqualFold(rebuilt, u.Host) {
		return "", false
	}

	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		}
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}
