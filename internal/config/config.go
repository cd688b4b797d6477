package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/auth"
	"github.com/peerlink/peerlink/internal/origin"
)

const (
	EnvListenAddr      = "PEERLINK_RELAY_LISTEN_ADDR"
	EnvPublicBaseURL   = "PEERLINK_RELAY_PUBLIC_BASE_URL"
	EnvAllowedOrigins  = "ALLOWED_ORIGINS"
	EnvMode            = "PEERLINK_RELAY_MODE"
	EnvLogFormat       = "PEERLINK_RELAY_LOG_FORMAT"
	EnvLogLevel        = "PEERLINK_RELAY_LOG_LEVEL"
	EnvShutdownTimeout = "PEERLINK_RELAY_SHUTDOWN_TIMEOUT"

	// Exchange endpoint access control.
	EnvAuthMode    = "AUTH_MODE"
	EnvAPIKey      = "API_KEY"
	EnvTokenSecret = "TOKEN_SECRET"

	// Room state lifecycle.
	EnvRecordTTL     = "RECORD_TTL"
	EnvMaxRecordTTL  = "MAX_RECORD_TTL"
	EnvPackageTTL    = "PACKAGE_TTL"
	EnvSweepInterval = "SWEEP_INTERVAL"

	// Request hardening knobs.
	EnvMaxBodyBytes             = "MAX_BODY_BYTES"
	EnvMaxRequestsPerSecond     = "MAX_REQUESTS_PER_SECOND"
	EnvRequestBurst             = "REQUEST_BURST"
	EnvMaxPackageBytesPerSecond = "MAX_PACKAGE_BYTES_PER_SECOND"
	EnvMaxTrackedClients        = "MAX_TRACKED_CLIENTS"

	// coturn TURN REST (ephemeral) credentials.
	EnvTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	EnvTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	EnvTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	EnvTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr      = "127.0.0.1:8089"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultRecordTTL     = 2 * time.Minute
	DefaultMaxRecordTTL  = 10 * time.Minute
	DefaultPackageTTL    = 60 * time.Second
	DefaultSweepInterval = 10 * time.Second

	DefaultMaxBodyBytes       int64 = 64 * 1024
	DefaultMaxRequestsPerSecond     = 10
	DefaultMaxPackageBytesPerSecond = 256 * 1024
	DefaultMaxTrackedClients        = 4096

	// DefaultAuthMode leaves the relay open. Public rendezvous relays carry no
	// room state worth protecting beyond rate limits, but deployments that mint
	// room tokens should switch to auth.ModeToken.
	DefaultAuthMode = auth.ModeNone

	DefaultTURNRESTTTLSeconds     int64 = 600
	DefaultTURNRESTUsernamePrefix       = "peerlink"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  *origin.Allowlist
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Access control for the exchange and watch endpoints.
	AuthMode    auth.Mode
	APIKey      string
	TokenSecret string

	// Room state lifecycle.
	RecordTTL     time.Duration
	MaxRecordTTL  time.Duration
	PackageTTL    time.Duration
	SweepInterval time.Duration

	// Request hardening. A rate of 0 disables the corresponding limit.
	MaxBodyBytes             int64
	MaxRequestsPerSecond     int
	RequestBurst             int
	MaxPackageBytesPerSecond int
	MaxTrackedClients        int

	// ICEServers is the server list advertised to clients via GET /ice. When
	// TURN REST is enabled the TURN entries may omit credentials; they are
	// injected per request.
	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports a parse failure in the ICE server configuration. ICE
// config problems surface as a startup warning rather than refusing to boot:
// the relay is still usable by clients that bring their own servers.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(EnvMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(EnvLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(EnvLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, EnvListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, EnvPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, EnvAllowedOrigins, "")
	authModeDefault := envOrDefault(lookup, EnvAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, EnvAPIKey, "")
	tokenSecret := envOrDefault(lookup, EnvTokenSecret, "")

	iceServersJSON := envOrDefault(lookup, EnvICEServersJSON, "")
	stunURLs := envOrDefault(lookup, EnvStunURLs, "")
	turnURLs := envOrDefault(lookup, EnvTurnURLs, "")
	turnUsername := envOrDefault(lookup, EnvTurnUsername, "")
	turnCredential := envOrDefault(lookup, EnvTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, EnvTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(EnvTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, EnvTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, EnvTURNRESTRealm, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	recordTTL, err := envDurationOrDefault(lookup, EnvRecordTTL, DefaultRecordTTL)
	if err != nil {
		return Config{}, err
	}
	maxRecordTTL, err := envDurationOrDefault(lookup, EnvMaxRecordTTL, DefaultMaxRecordTTL)
	if err != nil {
		return Config{}, err
	}
	packageTTL, err := envDurationOrDefault(lookup, EnvPackageTTL, DefaultPackageTTL)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, EnvSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}

	maxBodyBytes, err := envInt64OrDefault(lookup, EnvMaxBodyBytes, DefaultMaxBodyBytes)
	if err != nil {
		return Config{}, err
	}
	maxRequestsPerSecond, err := envIntOrDefault(lookup, EnvMaxRequestsPerSecond, DefaultMaxRequestsPerSecond)
	if err != nil {
		return Config{}, err
	}
	// Track whether the burst was explicitly configured so we can derive it
	// from MAX_REQUESTS_PER_SECOND when unset.
	envRequestBurst, envRequestBurstOK := lookup(EnvRequestBurst)
	envRequestBurstSet := envRequestBurstOK && strings.TrimSpace(envRequestBurst) != ""
	requestBurst, err := envIntOrDefault(lookup, EnvRequestBurst, 2*DefaultMaxRequestsPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxPackageBytesPerSecond, err := envIntOrDefault(lookup, EnvMaxPackageBytesPerSecond, DefaultMaxPackageBytesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxTrackedClients, err := envIntOrDefault(lookup, EnvMaxTrackedClients, DefaultMaxTrackedClients)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("peerlink-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+EnvListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+EnvAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Exchange auth mode: none, apikey, or token (env "+EnvAuthMode+")")

	fs.DurationVar(&recordTTL, "record-ttl", recordTTL, "Peer record lifetime between polls (env "+EnvRecordTTL+")")
	fs.DurationVar(&maxRecordTTL, "max-record-ttl", maxRecordTTL, "Upper bound on client-requested record lifetimes (env "+EnvMaxRecordTTL+")")
	fs.DurationVar(&packageTTL, "package-ttl", packageTTL, "Queued signaling package lifetime (env "+EnvPackageTTL+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "Interval between room state expiry sweeps (env "+EnvSweepInterval+")")

	fs.Int64Var(&maxBodyBytes, "max-body-bytes", maxBodyBytes, "Max exchange request body size in bytes (env "+EnvMaxBodyBytes+")")
	fs.IntVar(&maxRequestsPerSecond, "max-requests-per-second", maxRequestsPerSecond, "Exchange requests/sec per client IP (0 = unlimited; env "+EnvMaxRequestsPerSecond+")")
	fs.IntVar(&requestBurst, "request-burst", requestBurst, "Exchange request burst per client IP (default: 2x --max-requests-per-second; env "+EnvRequestBurst+")")
	fs.IntVar(&maxPackageBytesPerSecond, "max-package-bytes-per-second", maxPackageBytesPerSecond, "Signaling payload bytes/sec per client IP (0 = unlimited; env "+EnvMaxPackageBytesPerSecond+")")
	fs.IntVar(&maxTrackedClients, "max-tracked-clients", maxTrackedClients, "Max per-client rate limiter states kept in memory (env "+EnvMaxTrackedClients+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+EnvICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+EnvStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+EnvTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+EnvTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+EnvTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+EnvTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+EnvTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+EnvTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+EnvTURNRESTRealm+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	// If REQUEST_BURST/--request-burst is unset, derive it from the (possibly
	// overridden) request rate after flag parsing.
	if !envRequestBurstSet && !setFlags["request-burst"] {
		requestBurst = 2 * maxRequestsPerSecond
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if recordTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--record-ttl must be > 0", EnvRecordTTL)
	}
	if maxRecordTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--max-record-ttl must be > 0", EnvMaxRecordTTL)
	}
	if maxRecordTTL < recordTTL {
		return Config{}, fmt.Errorf("%s/--max-record-ttl must be >= %s/--record-ttl", EnvMaxRecordTTL, EnvRecordTTL)
	}
	if packageTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--package-ttl must be > 0", EnvPackageTTL)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--sweep-interval must be > 0", EnvSweepInterval)
	}
	if maxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-body-bytes must be > 0", EnvMaxBodyBytes)
	}
	if maxRequestsPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-requests-per-second must be >= 0 (0 = unlimited)", EnvMaxRequestsPerSecond)
	}
	if requestBurst < 0 {
		return Config{}, fmt.Errorf("%s/--request-burst must be >= 0", EnvRequestBurst)
	}
	if maxPackageBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-package-bytes-per-second must be >= 0 (0 = unlimited)", EnvMaxPackageBytesPerSecond)
	}
	if maxTrackedClients <= 0 {
		return Config{}, fmt.Errorf("%s/--max-tracked-clients must be > 0", EnvMaxTrackedClients)
	}
	if authMode == auth.ModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", EnvAPIKey, EnvAuthMode, auth.ModeAPIKey)
	}
	if authMode == auth.ModeToken && strings.TrimSpace(tokenSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", EnvTokenSecret, EnvAuthMode, auth.ModeToken)
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", EnvTURNRESTTTLSeconds, EnvTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", EnvTURNRESTUsernamePrefix, EnvTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", EnvTURNRESTUsernamePrefix)
		}
	}

	allowedOrigins, err := origin.Parse(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", EnvAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:    authMode,
		APIKey:      apiKey,
		TokenSecret: tokenSecret,

		RecordTTL:     recordTTL,
		MaxRecordTTL:  maxRecordTTL,
		PackageTTL:    packageTTL,
		SweepInterval: sweepInterval,

		MaxBodyBytes:             maxBodyBytes,
		MaxRequestsPerSecond:     maxRequestsPerSecond,
		RequestBurst:             requestBurst,
		MaxPackageBytesPerSecond: maxPackageBytesPerSecond,
		MaxTrackedClients:        maxTrackedClients,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (auth.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(auth.ModeNone):
		return auth.ModeNone, nil
	case string(auth.ModeAPIKey), "api_key":
		return auth.ModeAPIKey, nil
	case string(auth.ModeToken):
		return auth.ModeToken, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", EnvAuthMode, raw, auth.ModeNone, auth.ModeAPIKey, auth.ModeToken)
	}
}
