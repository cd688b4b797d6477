package relay

import (
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/peerlink/peerlink/internal/bytecodec"
	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/policy"
	"github.com/peerlink/peerlink/internal/wire"
)

const (
	// maxMailboxPackages caps a single destination's queued packages. The
	// oldest packages are dropped first; signaling that old is useless to
	// the receiver anyway.
	maxMailboxPackages = 256

	deleteKeyBytes = 16
)

// EventType classifies membership changes observed by the store.
type EventType string

const (
	EventJoin   EventType = "join"
	EventUpdate EventType = "update"
	EventLeave  EventType = "leave"
	EventExpire EventType = "expire"
)

// Event describes one membership change in a room. Events are delivered
// after the store lock is released, in the order the changes happened.
type Event struct {
	Type      EventType
	RoomID    string
	SessionID string
	ClientID  string
	At        time.Time
}

// StoreConfig carries the tunables for a Store.
type StoreConfig struct {
	// DefaultRecordTTL applies when a request omits the expiration field.
	DefaultRecordTTL time.Duration

	// MaxRecordTTL caps client-requested expirations.
	MaxRecordTTL time.Duration

	// PackageTTL bounds how long an undelivered package is retained.
	PackageTTL time.Duration

	// Policy is consulted on every request. Nil means no policy checks.
	Policy *policy.RoomPolicy

	// OnEvent, when non-nil, observes membership changes.
	OnEvent func(Event)
}

const (
	defaultRecordTTL = 2 * time.Minute
	defaultMaxTTL    = 10 * time.Minute
	defaultPkgTTL    = 60 * time.Second
)

// WithDefaults fills unset fields with production defaults.
func (c StoreConfig) WithDefaults() StoreConfig {
	if c.DefaultRecordTTL <= 0 {
		c.DefaultRecordTTL = defaultRecordTTL
	}
	if c.MaxRecordTTL <= 0 {
		c.MaxRecordTTL = defaultMaxTTL
	}
	if c.PackageTTL <= 0 {
		c.PackageTTL = defaultPkgTTL
	}
	return c
}

// Store is the relay's in-memory room state: per-room participant records
// plus per-destination package mailboxes. All methods are safe for
// concurrent use.
type Store struct {
	cfg     StoreConfig
	clock   clock.Clock
	metrics *metrics.Metrics

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	// participants is keyed by context id: the client-chosen request
	// correlation key, stable across polls of one instance.
	participants map[string]*participant

	// mailboxes is keyed by destination session id.
	mailboxes map[string][]storedPackage
}

type participant struct {
	contextID string
	record    wire.PeerRecord
	timestamp int64
	deleteKey string
	ttl       time.Duration
	expiresAt time.Time
}

type storedPackage struct {
	pkg        wire.Package
	enqueuedAt time.Time
}

func NewStore(clk clock.Clock, cfg StoreConfig, m *metrics.Metrics) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Store{
		cfg:     cfg.WithDefaults(),
		clock:   clk,
		metrics: m,
		rooms:   make(map[string]*room),
	}
}

func (s *Store) Metrics() *metrics.Metrics { return s.metrics }

// Update applies one relay request and produces its response: the room's
// current peer records (excluding the caller), any packages addressed to the
// caller's session, and the caller's delete key.
//
// A request carrying a delete key is a teardown and removes the participant
// instead.
func (s *Store) Update(req wire.Request) (wire.Response, error) {
	if s.cfg.Policy != nil {
		if err := s.cfg.Policy.CheckRoomID(req.RoomID); err != nil {
			s.metrics.Inc(metrics.DropReasonPolicy)
			return wire.Response{}, err
		}
	}

	if req.DeleteKey != "" {
		return s.deleteParticipant(req)
	}

	now := s.clock.Now()

	s.mu.Lock()
	resp, events, err := s.updateLocked(req, now)
	s.mu.Unlock()
	if err != nil {
		return wire.Response{}, err
	}
	s.emit(events)
	return resp, nil
}

func (s *Store) updateLocked(req wire.Request, now time.Time) (wire.Response, []Event, error) {
	rm := s.rooms[req.RoomID]
	if rm == nil {
		rm = &room{
			participants: make(map[string]*participant),
			mailboxes:    make(map[string][]storedPackage),
		}
		s.rooms[req.RoomID] = rm
	}

	var events []Event
	p := rm.participants[req.ContextID]
	if p != nil && !p.expiresAt.After(now) {
		// Expired but not yet swept. Treat a republish as a fresh join.
		s.dropParticipantLocked(rm, p)
		p = nil
	}

	if req.Record != nil {
		if s.cfg.Policy != nil {
			if err := s.cfg.Policy.CheckRecord(len(req.Record.ReflexiveAddrs)); err != nil {
				s.metrics.Inc(metrics.DropReasonPolicy)
				return wire.Response{}, nil, err
			}
		}
		if p == nil {
			if s.cfg.Policy != nil {
				if err := s.cfg.Policy.CheckJoin(s.liveParticipantsLocked(rm, now)); err != nil {
					s.metrics.Inc(metrics.DropReasonRoomFull)
					return wire.Response{}, nil, err
				}
			}
			key, err := bytecodec.RandomHex(deleteKeyBytes)
			if err != nil {
				return wire.Response{}, nil, fmt.Errorf("mint delete key: %w", err)
			}
			p = &participant{contextID: req.ContextID, deleteKey: key}
			rm.participants[req.ContextID] = p
			events = append(events, Event{
				Type: EventJoin, RoomID: req.RoomID,
				SessionID: req.Record.SessionID, ClientID: req.Record.ClientID,
				At: now,
			})
		} else if req.DataTimestamp > p.timestamp {
			events = append(events, Event{
				Type: EventUpdate, RoomID: req.RoomID,
				SessionID: req.Record.SessionID, ClientID: req.Record.ClientID,
				At: now,
			})
		}
		p.record = *req.Record
		p.timestamp = req.DataTimestamp
		p.ttl = s.recordTTL(req.ExpirationMs)
	}

	var resp wire.Response
	if p != nil {
		// Any contact refreshes the participant's lease.
		if p.ttl <= 0 {
			p.ttl = s.cfg.DefaultRecordTTL
		}
		p.expiresAt = now.Add(p.ttl)
		resp.DeleteKey = p.deleteKey
	}

	if len(req.Packages) > 0 {
		if err := s.enqueueLocked(rm, p, req.Packages, now); err != nil {
			return wire.Response{}, nil, err
		}
	}

	resp.Peers = s.listPeersLocked(rm, req.ContextID, now)
	if p != nil {
		resp.Packages = s.drainLocked(rm, p.record.SessionID, now)
	}
	if resp.Peers == nil {
		resp.Peers = []wire.PeerRecord{}
	}
	if resp.Packages == nil {
		resp.Packages = []wire.Package{}
	}
	return resp, events, nil
}

func (s *Store) deleteParticipant(req wire.Request) (wire.Response, error) {
	now := s.clock.Now()

	s.mu.Lock()
	rm := s.rooms[req.RoomID]
	if rm == nil {
		s.mu.Unlock()
		return wire.Response{}, ErrUnknownParticipant
	}
	p := rm.participants[req.ContextID]
	if p == nil {
		s.mu.Unlock()
		return wire.Response{}, ErrUnknownParticipant
	}
	if subtle.ConstantTimeCompare([]byte(p.deleteKey), []byte(req.DeleteKey)) != 1 {
		s.mu.Unlock()
		return wire.Response{}, ErrBadDeleteKey
	}

	s.dropParticipantLocked(rm, p)
	if len(rm.participants) == 0 {
		delete(s.rooms, req.RoomID)
	}
	ev := Event{
		Type: EventLeave, RoomID: req.RoomID,
		SessionID: p.record.SessionID, ClientID: p.record.ClientID,
		At: now,
	}
	s.mu.Unlock()

	s.metrics.Inc(metrics.RelayDeletes)
	s.emit([]Event{ev})
	return wire.Response{Peers: []wire.PeerRecord{}, Packages: []wire.Package{}}, nil
}

func (s *Store) enqueueLocked(rm *room, sender *participant, pkgs []wire.Package, now time.Time) error {
	if s.cfg.Policy != nil {
		largest := 0
		for i := range pkgs {
			if n := len(pkgs[i].Payload); n > largest {
				largest = n
			}
		}
		if err := s.cfg.Policy.CheckPackages(len(pkgs), largest); err != nil {
			s.metrics.Inc(metrics.DropReasonPolicy)
			return err
		}
	}

	for i := range pkgs {
		// A sender may only speak for its own published session.
		if sender == nil || pkgs[i].From != sender.record.SessionID {
			s.metrics.Inc(metrics.DropReasonPolicy)
			return ErrForgedSender
		}
	}

	for i := range pkgs {
		box := rm.mailboxes[pkgs[i].To]
		box = append(box, storedPackage{pkg: pkgs[i], enqueuedAt: now})
		if len(box) > maxMailboxPackages {
			dropped := len(box) - maxMailboxPackages
			box = box[dropped:]
			s.metrics.Add(metrics.RelayPackagesExpired, uint64(dropped))
		}
		rm.mailboxes[pkgs[i].To] = box
		s.metrics.Inc(metrics.RelayPackagesIn)
	}
	return nil
}

func (s *Store) drainLocked(rm *room, sessionID string, now time.Time) []wire.Package {
	box, ok := rm.mailboxes[sessionID]
	if !ok {
		return nil
	}
	delete(rm.mailboxes, sessionID)

	out := make([]wire.Package, 0, len(box))
	for _, sp := range box {
		if now.Sub(sp.enqueuedAt) > s.cfg.PackageTTL {
			s.metrics.Inc(metrics.RelayPackagesExpired)
			continue
		}
		out = append(out, sp.pkg)
	}
	s.metrics.Add(metrics.RelayPackagesOut, uint64(len(out)))
	return out
}

func (s *Store) listPeersLocked(rm *room, exceptContextID string, now time.Time) []wire.PeerRecord {
	peers := make([]wire.PeerRecord, 0, len(rm.participants))
	for ctx, p := range rm.participants {
		if ctx == exceptContextID || !p.expiresAt.After(now) {
			continue
		}
		peers = append(peers, p.record)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].StartedAt != peers[j].StartedAt {
			return peers[i].StartedAt < peers[j].StartedAt
		}
		return peers[i].SessionID < peers[j].SessionID
	})
	return peers
}

func (s *Store) liveParticipantsLocked(rm *room, now time.Time) int {
	n := 0
	for _, p := range rm.participants {
		if p.expiresAt.After(now) {
			n++
		}
	}
	return n
}

func (s *Store) dropParticipantLocked(rm *room, p *participant) {
	delete(rm.participants, p.contextID)
	if p.record.SessionID != "" {
		delete(rm.mailboxes, p.record.SessionID)
	}
}

func (s *Store) recordTTL(requestedMs int64) time.Duration {
	ttl := s.cfg.DefaultRecordTTL
	if requestedMs > 0 {
		ttl = time.Duration(requestedMs) * time.Millisecond
	}
	if ttl > s.cfg.MaxRecordTTL {
		ttl = s.cfg.MaxRecordTTL
	}
	return ttl
}

// Sweep removes expired participants and packages and returns how many of
// each were reclaimed. Callers run it periodically; Update tolerates stale
// entries in between.
func (s *Store) Sweep() (records, packages int) {
	now := s.clock.Now()

	s.mu.Lock()
	var events []Event
	for roomID, rm := range s.rooms {
		for _, p := range rm.participants {
			if p.expiresAt.After(now) {
				continue
			}
			s.dropParticipantLocked(rm, p)
			records++
			events = append(events, Event{
				Type: EventExpire, RoomID: roomID,
				SessionID: p.record.SessionID, ClientID: p.record.ClientID,
				At: now,
			})
		}
		for dest, box := range rm.mailboxes {
			kept := box[:0]
			for _, sp := range box {
				if now.Sub(sp.enqueuedAt) > s.cfg.PackageTTL {
					packages++
					continue
				}
				kept = append(kept, sp)
			}
			if len(kept) == 0 {
				delete(rm.mailboxes, dest)
			} else {
				rm.mailboxes[dest] = kept
			}
		}
		if len(rm.participants) == 0 && len(rm.mailboxes) == 0 {
			delete(s.rooms, roomID)
		}
	}
	s.mu.Unlock()

	s.metrics.Add(metrics.RelayRecordsExpired, uint64(records))
	s.metrics.Add(metrics.RelayPackagesExpired, uint64(packages))
	s.emit(events)
	return records, packages
}

// RoomPeers returns the current unexpired records of a room, for diagnostic
// consumers like the watch stream.
func (s *Store) RoomPeers(roomID string) []wire.PeerRecord {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.rooms[roomID]
	if rm == nil {
		return []wire.PeerRecord{}
	}
	return s.listPeersLocked(rm, "", now)
}

// Rooms returns the number of rooms currently holding state.
func (s *Store) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Store) emit(events []Event) {
	if s.cfg.OnEvent == nil {
		return
	}
	for _, ev := range events {
		s.cfg.OnEvent(ev)
	}
}
