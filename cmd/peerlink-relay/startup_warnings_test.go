package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/peerlink/peerlink/internal/auth"
	"github.com/peerlink/peerlink/internal/config"
	"github.com/peerlink/peerlink/internal/origin"
	"github.com/peerlink/peerlink/internal/policy"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &recordingHandler{mu: h.mu, records: h.records}
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(string) slog.Handler {
	return h
}

func findWarning(records []recordedLog, code string) (recordedLog, bool) {
	for _, r := range records {
		if r.level == slog.LevelWarn && r.attrs["warning_code"] == code {
			return r, true
		}
	}
	return recordedLog{}, false
}

func mustAllowlist(t *testing.T, raw string) *origin.Allowlist {
	t.Helper()
	a, err := origin.Parse(raw)
	if err != nil {
		t.Fatalf("origin.Parse(%q): %v", raw, err)
	}
	return a
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:           config.ModeDev,
		AuthMode:       auth.ModeNone,
		AllowedOrigins: mustAllowlist(t, "https://app.example.com"),
	}

	logStartupSecurityWarnings(logger, cfg, policy.NewDefaultRoomPolicy())

	r, found := findWarning(records(), "auth_mode_none")
	if !found {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if r.attrs["auth_mode"] != auth.ModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], auth.ModeNone)
	}
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:           config.ModeDev,
		AuthMode:       auth.ModeAPIKey,
		APIKey:         "secret",
		AllowedOrigins: mustAllowlist(t, "*"),
	}

	logStartupSecurityWarnings(logger, cfg, policy.NewDefaultRoomPolicy())

	if _, found := findWarning(records(), "allowed_origins_wildcard"); !found {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupSecurityWarnings_RateLimitUnlimitedInProd(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:           config.ModeProd,
		AuthMode:       auth.ModeAPIKey,
		APIKey:         "secret",
		AllowedOrigins: mustAllowlist(t, "https://app.example.com"),
	}

	logStartupSecurityWarnings(logger, cfg, policy.NewDefaultRoomPolicy())

	if _, found := findWarning(records(), "rate_limit_unlimited_in_prod"); !found {
		t.Fatalf("expected warning_code=rate_limit_unlimited_in_prod, got %#v", records())
	}
}

func TestStartupSecurityWarnings_LargeTTLAndBody(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:                 config.ModeDev,
		AuthMode:             auth.ModeAPIKey,
		APIKey:               "secret",
		AllowedOrigins:       mustAllowlist(t, "https://app.example.com"),
		MaxRequestsPerSecond: 10,
		MaxRecordTTL:         2 * time.Hour,
		MaxBodyBytes:         4 << 20,
	}

	logStartupSecurityWarnings(logger, cfg, policy.NewDefaultRoomPolicy())

	recs := records()
	if _, found := findWarning(recs, "max_record_ttl_large"); !found {
		t.Fatalf("expected warning_code=max_record_ttl_large, got %#v", recs)
	}
	if _, found := findWarning(recs, "max_body_bytes_large"); !found {
		t.Fatalf("expected warning_code=max_body_bytes_large, got %#v", recs)
	}
}

func TestStartupSecurityWarnings_UnboundedRooms(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:                 config.ModeDev,
		AuthMode:             auth.ModeAPIKey,
		APIKey:               "secret",
		AllowedOrigins:       mustAllowlist(t, "https://app.example.com"),
		MaxRequestsPerSecond: 10,
	}
	roomPolicy := policy.NewDefaultRoomPolicy()
	roomPolicy.MaxPeersPerRoom = 0

	logStartupSecurityWarnings(logger, cfg, roomPolicy)

	if _, found := findWarning(records(), "room_size_unbounded"); !found {
		t.Fatalf("expected warning_code=room_size_unbounded, got %#v", records())
	}
}
