// Package rendezvous implements the client side of the relay polling
// protocol: periodic POSTs carrying the local peer record and queued
// signaling packages, adaptive poll cadence, and best-effort teardown.
package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/peerlink/peerlink/internal/wire"
)

var (
	// ErrPollInFlight is returned when Poll is called while a previous poll
	// has not completed. Callers skip the cycle rather than queueing.
	ErrPollInFlight = errors.New("rendezvous: poll already in flight")

	// ErrRelayStatus wraps non-200 relay responses.
	ErrRelayStatus = errors.New("rendezvous: relay returned error status")
)

const (
	DefaultFastInterval = 750 * time.Millisecond
	DefaultSlowInterval = 1500 * time.Millisecond
	DefaultIdleInterval = 10 * time.Second

	// DefaultFastWindow is how long after a membership change the fast
	// cadence is kept.
	DefaultFastWindow = 10 * time.Second

	// DefaultIdleAfter is how long membership must stay unchanged before
	// the idle cadence applies.
	DefaultIdleAfter = 60 * time.Second

	DefaultStateExpiration  = 2 * time.Minute
	DefaultPackageRetention = 60 * time.Second

	maxResponseBytes = 1 << 20
)

// Config carries everything a Client needs. URL, RoomID and ContextID are
// required; zero durations take the package defaults.
type Config struct {
	URL       string
	RoomID    string
	ContextID string

	// AuthToken, when set, is sent as a bearer credential.
	AuthToken string

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger

	FastInterval time.Duration
	SlowInterval time.Duration
	IdleInterval time.Duration
	FastWindow   time.Duration
	IdleAfter    time.Duration

	// StateExpiration is the record TTL requested from the relay.
	StateExpiration time.Duration

	// PackageRetention bounds how long an unsent package may wait for the
	// next poll before being dropped.
	PackageRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.FastInterval <= 0 {
		c.FastInterval = DefaultFastInterval
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = DefaultSlowInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.FastWindow <= 0 {
		c.FastWindow = DefaultFastWindow
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = DefaultIdleAfter
	}
	if c.StateExpiration <= 0 {
		c.StateExpiration = DefaultStateExpiration
	}
	if c.PackageRetention <= 0 {
		c.PackageRetention = DefaultPackageRetention
	}
	return c
}

type pendingPackage struct {
	pkg        wire.Package
	enqueuedAt time.Time
}

// Client maintains the polling relationship with one relay. All methods are
// safe for concurrent use, though the orchestrator drives polls from a
// single goroutine anyway.
type Client struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	mu            sync.Mutex
	pending       []pendingPackage
	inFlight      bool
	firstDone     bool
	deleteKey     string
	lastChangeAt  time.Time
	lastPollErred bool
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rendezvous: relay url must not be empty")
	}
	if cfg.RoomID == "" {
		return nil, fmt.Errorf("rendezvous: room id must not be empty")
	}
	if cfg.ContextID == "" {
		return nil, fmt.Errorf("rendezvous: context id must not be empty")
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Logger,
		// Startup counts as a membership change: poll fast until the room
		// settles.
		lastChangeAt: cfg.Clock.Now(),
	}, nil
}

// Enqueue queues one signaling package for the next poll.
func (c *Client) Enqueue(pkg wire.Package) {
	c.mu.Lock()
	c.pending = append(c.pending, pendingPackage{pkg: pkg, enqueuedAt: c.clock.Now()})
	c.mu.Unlock()
}

// DropFor discards queued packages addressed to sessionID. Called once a
// peer is connected (or torn down) and relay delivery is moot.
func (c *Client) DropFor(sessionID string) {
	c.mu.Lock()
	kept := c.pending[:0]
	for _, p := range c.pending {
		if p.pkg.To != sessionID {
			kept = append(kept, p)
		}
	}
	c.pending = kept
	c.mu.Unlock()
}

// PendingPackages reports how many packages await the next poll.
func (c *Client) PendingPackages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Poll performs one relay exchange. The very first poll omits the local
// record so the relay can answer with existing room membership before this
// instance publishes itself; if that first poll finds an empty room, a
// second request carrying the full record is issued immediately so peers
// arriving next poll can already see us.
//
// Queued packages are snapshot into the request and cleared; the relay owns
// delivery once it accepts them, so they are not re-queued on error.
func (c *Client) Poll(ctx context.Context, rec *wire.PeerRecord, dataTimestamp int64) (*wire.Response, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil, ErrPollInFlight
	}
	c.inFlight = true
	first := !c.firstDone
	var pkgs []wire.Package
	if !first {
		pkgs = c.takePackagesLocked()
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	req := wire.Request{RoomID: c.cfg.RoomID, ContextID: c.cfg.ContextID}
	if !first {
		req.Record = rec
		req.DataTimestamp = dataTimestamp
		req.ExpirationMs = c.cfg.StateExpiration.Milliseconds()
		req.Packages = pkgs
	}

	resp, err := c.post(ctx, req)
	if err != nil {
		c.observeError()
		return nil, err
	}

	c.mu.Lock()
	c.firstDone = true
	if resp.DeleteKey != "" {
		c.deleteKey = resp.DeleteKey
	}
	c.lastPollErred = false
	c.mu.Unlock()

	if first && len(resp.Peers) == 0 {
		// Empty room on the introductory poll: publish the record now
		// instead of waiting a whole interval.
		full := wire.Request{
			RoomID:        c.cfg.RoomID,
			ContextID:     c.cfg.ContextID,
			Record:        rec,
			DataTimestamp: dataTimestamp,
			ExpirationMs:  c.cfg.StateExpiration.Milliseconds(),
			Packages:      pkgs,
		}
		second, err := c.post(ctx, full)
		if err != nil {
			c.observeError()
			return nil, err
		}
		c.mu.Lock()
		if second.DeleteKey != "" {
			c.deleteKey = second.DeleteKey
		}
		c.mu.Unlock()
		return second, nil
	}
	return resp, nil
}

// Delete issues the teardown request with the relay-minted delete key.
// Best-effort: an error is returned for logging but never retried.
func (c *Client) Delete(ctx context.Context) error {
	c.mu.Lock()
	key := c.deleteKey
	c.mu.Unlock()
	if key == "" {
		return nil
	}
	_, err := c.post(ctx, wire.Request{
		RoomID:    c.cfg.RoomID,
		ContextID: c.cfg.ContextID,
		DeleteKey: key,
	})
	return err
}

// ObserveMembership records whether a poll changed room membership; recent
// change keeps the cadence fast.
func (c *Client) ObserveMembership(changed bool) {
	if !changed {
		return
	}
	c.mu.Lock()
	c.lastChangeAt = c.clock.Now()
	c.mu.Unlock()
}

// Interval returns the delay before the next poll: fast after a recent
// membership change, idle after a long quiet stretch, slow otherwise (and
// always slow while the relay is erroring, as the retry backoff).
func (c *Client) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPollErred {
		return c.cfg.SlowInterval
	}
	quiet := c.clock.Now().Sub(c.lastChangeAt)
	switch {
	case quiet < c.cfg.FastWindow:
		return c.cfg.FastInterval
	case quiet >= c.cfg.IdleAfter:
		return c.cfg.IdleInterval
	default:
		return c.cfg.SlowInterval
	}
}

func (c *Client) takePackagesLocked() []wire.Package {
	if len(c.pending) == 0 {
		return nil
	}
	now := c.clock.Now()
	out := make([]wire.Package, 0, len(c.pending))
	for _, p := range c.pending {
		if now.Sub(p.enqueuedAt) > c.cfg.PackageRetention {
			c.log.Debug("dropping stale signaling package",
				"to", p.pkg.To, "kind", p.pkg.Kind)
			continue
		}
		out = append(out, p.pkg)
	}
	c.pending = nil
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Client) observeError() {
	c.mu.Lock()
	c.lastPollErred = true
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, req wire.Request) (*wire.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rendezvous: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	httpResp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: poll: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("rendezvous: read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrRelayStatus, httpResp.StatusCode)
	}

	resp, err := wire.ParseResponse(respBody)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: decode response: %w", err)
	}
	return &resp, nil
}
