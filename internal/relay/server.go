package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/peerlink/peerlink/internal/auth"
	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/policy"
	"github.com/peerlink/peerlink/internal/ratelimit"
	"github.com/peerlink/peerlink/internal/wire"
)

// ServerConfig wires the relay HTTP surface together.
type ServerConfig struct {
	Store StoreConfig

	// Verifier authenticates requests. Nil means no authentication.
	Verifier auth.Verifier

	// Limiter applies per-client request and package-byte budgets. Nil
	// disables rate limiting.
	Limiter *ratelimit.ClientLimiter

	// MaxBodyBytes bounds request bodies. Zero applies the default.
	MaxBodyBytes int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

const defaultMaxBodyBytes = 64 * 1024

// Server exposes the rendezvous protocol over HTTP: POST / for the polling
// protocol and GET /watch for a websocket membership stream.
type Server struct {
	cfg     ServerConfig
	log     *slog.Logger
	store   *Store
	metrics *metrics.Metrics
	clock   clock.Clock

	watch *watchHub
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}
	s.watch = newWatchHub(cfg.Logger)

	storeCfg := cfg.Store
	userHook := storeCfg.OnEvent
	storeCfg.OnEvent = func(ev Event) {
		s.watch.broadcast(ev)
		if userHook != nil {
			userHook(ev)
		}
	}
	s.store = NewStore(cfg.Clock, storeCfg, cfg.Metrics)
	return s
}

func (s *Server) Store() *Store { return s.store }

// RegisterRoutes attaches the relay endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleExchange)
	mux.HandleFunc("/watch", s.handleWatch)
}

// RunSweeper expires records and packages on the given interval until ctx
// is cancelled. It blocks; run it on its own goroutine.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, packages := s.store.Sweep()
			if records > 0 || packages > 0 {
				s.log.Debug("swept expired state", "records", records, "packages", packages)
			}
		}
	}
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientKey := remoteHost(r)
	if s.cfg.Limiter != nil && !s.cfg.Limiter.AllowRequest(clientKey) {
		s.metrics.Inc(metrics.DropReasonRateLimited)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	req, err := wire.ParseRequest(body)
	if err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if s.cfg.Verifier != nil {
		if err := s.cfg.Verifier.Verify(auth.CredentialFromRequest(r), req.RoomID); err != nil {
			s.metrics.Inc(metrics.DropReasonBadAuth)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if s.cfg.Limiter != nil {
		total := 0
		for i := range req.Packages {
			total += len(req.Packages[i].Payload)
		}
		if total > 0 && !s.cfg.Limiter.AllowPackageBytes(clientKey, total) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	s.metrics.Inc(metrics.RelayPolls)

	resp, err := s.store.Update(req)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, s.log, http.StatusOK, resp)
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, policy.ErrRoomFull):
		http.Error(w, "room full", http.StatusServiceUnavailable)
	case errors.Is(err, policy.ErrRoomIDShape),
		errors.Is(err, policy.ErrTooManyPackages),
		errors.Is(err, policy.ErrPackageTooLarge),
		errors.Is(err, policy.ErrTooManyAddrs):
		http.Error(w, "policy rejected", http.StatusBadRequest)
	case errors.Is(err, ErrForgedSender):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, ErrBadDeleteKey):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, ErrUnknownParticipant):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		s.log.Error("relay update failed", "error", err, "path", r.URL.Path)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("failed to encode response", "error", err)
	}
}
