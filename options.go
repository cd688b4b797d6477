package peerlink

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/framing"
	"github.com/peerlink/peerlink/internal/probe"
	"github.com/peerlink/peerlink/internal/rendezvous"
)

// MinIdentifierLen is the shortest accepted client and room identifier.
const MinIdentifierLen = 4

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultReprobeInterval   = 5 * time.Minute
	DefaultTrickleWindow     = 3 * time.Second
	DefaultConnectTimeout    = 15 * time.Second
)

// Options configures one Instance. The zero value of every field takes the
// documented default; RelayURL is the only required field.
type Options struct {
	// RelayURL is the rendezvous relay's exchange endpoint.
	RelayURL string

	// ICEServers are the STUN/TURN servers dialed for address discovery and
	// connectivity. There is no baked-in default list: an empty slice means
	// host candidates only.
	ICEServers []webrtc.ICEServer

	// Polling cadence. Fast applies while room membership is changing, slow
	// once it has settled, idle after IdleAfter without any change.
	FastPollInterval time.Duration // default 750ms
	SlowPollInterval time.Duration // default 1.5s
	IdlePollInterval time.Duration // default 10s
	IdleAfter        time.Duration // default 60s

	// StateExpiration is the record lifetime requested from the relay.
	// Default 2m.
	StateExpiration time.Duration

	// HeartbeatInterval caps how long the instance may go between polls, so
	// the published record never expires while idle. Default 25s.
	HeartbeatInterval time.Duration

	// ProbeTimeout bounds the startup network probe. Default 7s.
	ProbeTimeout time.Duration

	// ReprobeInterval re-runs the network probe to catch path changes.
	// Default 5m; negative disables re-probing.
	ReprobeInterval time.Duration

	// TrickleWindow batches locally gathered candidates before sending one
	// consolidated signaling package. Default 3s.
	TrickleWindow time.Duration

	// ConnectTimeout tears down a peer that has not reached connected.
	// Default 15s.
	ConnectTimeout time.Duration

	// PackageRetention bounds how long unsent signaling packages are kept.
	// Default 60s.
	PackageRetention time.Duration

	// MaxMessageBytes is the largest single transport message; larger
	// payloads are chunked. Default 16000.
	MaxMessageBytes int

	// IncludeLoopbackCandidates admits loopback ICE candidates, for
	// same-host peers and tests.
	IncludeLoopbackCandidates bool

	// AuthToken is sent to the relay as a bearer credential when set.
	AuthToken string

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.FastPollInterval <= 0 {
		o.FastPollInterval = rendezvous.DefaultFastInterval
	}
	if o.SlowPollInterval <= 0 {
		o.SlowPollInterval = rendezvous.DefaultSlowInterval
	}
	if o.IdlePollInterval <= 0 {
		o.IdlePollInterval = rendezvous.DefaultIdleInterval
	}
	if o.IdleAfter <= 0 {
		o.IdleAfter = rendezvous.DefaultIdleAfter
	}
	if o.StateExpiration <= 0 {
		o.StateExpiration = rendezvous.DefaultStateExpiration
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	// The idle cadence must still beat the heartbeat, or the published
	// record would lapse between polls.
	if o.IdlePollInterval > o.HeartbeatInterval {
		o.IdlePollInterval = o.HeartbeatInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = probe.DefaultTimeout
	}
	if o.ReprobeInterval == 0 {
		o.ReprobeInterval = DefaultReprobeInterval
	}
	if o.TrickleWindow <= 0 {
		o.TrickleWindow = DefaultTrickleWindow
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.PackageRetention <= 0 {
		o.PackageRetention = rendezvous.DefaultPackageRetention
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = framing.DefaultMaxMessageBytes
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
