package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/turnrest"
)

// handleICE serves the ICE server list clients should dial with. When TURN
// REST is enabled, ephemeral credentials are minted per request and injected
// into every TURN entry.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if s.turn != nil {
		creds, err := s.turn.GenerateRandom()
		if err != nil {
			s.log.Error("turn rest credential generation failed", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "credential generation failed"})
			return
		}
		servers = withTURNRESTCredentials(servers, creds.Username, creds.Credential)
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

// handleTURN serves standalone TURN REST credentials in the coturn REST API
// response shape. 404 when no shared secret is configured.
func (s *Server) handleTURN(w http.ResponseWriter, r *http.Request) {
	if s.turn == nil {
		http.NotFound(w, r)
		return
	}

	var (
		creds turnrest.Credentials
		err   error
	)
	if sessionID := strings.TrimSpace(r.URL.Query().Get("session")); sessionID != "" {
		creds, err = s.turn.Generate(sessionID)
	} else {
		creds, err = s.turn.GenerateRandom()
	}
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"username": creds.Username,
		"password": creds.Credential,
		"ttl":      creds.TTLSeconds(time.Now()),
		"uris":     turnURIs(s.cfg.ICEServers),
	})
}

// withTURNRESTCredentials injects minted credentials into TURN entries.
func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Preserve empty (non-nil) slices so JSON responses consistently encode
		// as `[]` rather than `null`.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if iceServerHasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

// turnURIs collects every turn:/turns: URL across the configured servers,
// preserving order.
func turnURIs(servers []webrtc.ICEServer) []string {
	uris := make([]string, 0, 2)
	for _, server := range servers {
		for _, raw := range server.URLs {
			url := strings.TrimSpace(raw)
			if asciiHasPrefixFold(url, "turn:") || asciiHasPrefixFold(url, "turns:") {
				uris = append(uris, url)
			}
		}
	}
	return uris
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if asciiHasPrefixFold(url, "turn:") || asciiHasPrefixFold(url, "turns:") {
			return true
		}
	}
	return false
}

func asciiHasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c = c + ('a' - 'A')
		}
		if c != prefix[i] {
			return false
		}
	}
	return true
}
