package metrics

import "sync"

// Counter names used across the client engine and the relay server. Kept as
// plain strings so callers can also record ad hoc events without registering
// them first.
const (
	RelayPolls            = "relay_polls"
	RelayPollErrors       = "relay_poll_errors"
	RelayPackagesIn       = "relay_packages_in"
	RelayPackagesOut      = "relay_packages_out"
	RelayPackagesExpired  = "relay_packages_expired"
	RelayRecordsExpired   = "relay_records_expired"
	RelayDeletes          = "relay_deletes"
	DropReasonRateLimited = "rate_limited"
	DropReasonRoomFull    = "room_full"
	DropReasonBadOrigin   = "bad_origin"
	DropReasonBadAuth     = "bad_auth"
	DropReasonPolicy      = "policy_rejected"
	PeersDiscovered       = "peers_discovered"
	PeersConnected        = "peers_connected"
	PeersClosed           = "peers_closed"
	ConnectTimeouts       = "connect_timeouts"
	ChunksSplit           = "chunks_split"
	MessagesReassembled   = "messages_reassembled"
	ControlMessages       = "control_messages"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists so enforcement and connection logic stay testable without a real
// metrics backend; the Prometheus handler exposes the same counters for
// scraping. A nil *Metrics discards all writes.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
