package main

import (
	"log/slog"
	"time"

	"github.com/peerlink/peerlink/internal/auth"
	"github.com/peerlink/peerlink/internal/config"
	"github.com/peerlink/peerlink/internal/policy"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config, roomPolicy *policy.RoomPolicy) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == auth.ModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none leaves the exchange endpoint open to anyone",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.AllowedOrigins.Open() {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRequestsPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_REQUESTS_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "rate_limit_unlimited_in_prod",
			"max_requests_per_second", cfg.MaxRequestsPerSecond,
			"mode", cfg.Mode,
		)
	}

	if roomPolicy != nil && roomPolicy.MaxPeersPerRoom <= 0 {
		logger.Warn("startup security warning: MAX_PEERS_PER_ROOM is unset/0 (unbounded rooms)",
			"warning_code", "room_size_unbounded",
			"max_peers_per_room", roomPolicy.MaxPeersPerRoom,
			"mode", cfg.Mode,
		)
	}

	// Long-lived records keep stale peers discoverable and grow sweep cost, so
	// flag unusually generous TTL caps.
	if cfg.MaxRecordTTL > time.Hour {
		logger.Warn("startup security warning: MAX_RECORD_TTL is very large (stale records stay discoverable; increases store growth)",
			"warning_code", "max_record_ttl_large",
			"max_record_ttl", cfg.MaxRecordTTL,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxBodyBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_BODY_BYTES is very large (increases per-request allocation risk)",
			"warning_code", "max_body_bytes_large",
			"max_body_bytes", cfg.MaxBodyBytes,
			"mode", cfg.Mode,
		)
	}
}
