// Package peerlink establishes direct peer-to-peer data connections between
// participants that share a room on a stateless rendezvous relay. The relay
// is only used for discovery and handshake exchange; once a connection is
// up, all traffic flows directly between peers over a reliable data channel,
// with oversized payloads chunked and reassembled transparently.
//
// Typical use:
//
//	inst, err := peerlink.New("alice", "room-1", peerlink.Options{
//		RelayURL: "https://relay.example.com/",
//	})
//	inst.OnPeerConnect(func(p peerlink.PeerInfo) { ... })
//	inst.OnMessage(func(p peerlink.PeerInfo, data []byte) { ... })
//	err = inst.Start(ctx)
//	...
//	inst.Broadcast([]byte("hello"))
//	inst.Close()
package peerlink

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/bytecodec"
	"github.com/peerlink/peerlink/internal/framing"
	"github.com/peerlink/peerlink/internal/handshake"
	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/probe"
	"github.com/peerlink/peerlink/internal/rendezvous"
	"github.com/peerlink/peerlink/internal/transport"
	"github.com/peerlink/peerlink/internal/wire"
)

var (
	ErrInstanceClosed   = errors.New("peerlink: instance closed")
	ErrAlreadyStarted   = errors.New("peerlink: already started")
	ErrNotStarted       = errors.New("peerlink: not started")
	ErrUnknownPeer      = errors.New("peerlink: unknown peer")
	ErrPeerNotConnected = errors.New("peerlink: peer not connected")
)

const deleteTimeout = 3 * time.Second

// Instance is one participant: a session identity, a polling relationship
// with the relay, and a set of per-peer connection state machines. All state
// transitions run on a single event-loop goroutine; public methods are safe
// to call from any goroutine.
type Instance struct {
	clientID  string
	roomID    string
	sessionID string
	contextID string

	opts  Options
	log   *slog.Logger
	clk   clock.Clock
	codec framing.Codec
	cert  webrtc.Certificate
	rdv   *rendezvous.Client
	mtr   *metrics.Metrics

	hmu      sync.Mutex
	handlers handlers

	events  chan any
	loopCtx context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}

	startMu sync.Mutex
	started bool
	closed  atomic.Bool
	closeFn sync.Once

	mu            sync.Mutex
	peers         map[string]*peerConn
	facts         probe.Facts
	dataTimestamp int64

	// prevRoster is the session-id set seen on the previous poll, used to
	// detect membership changes for the poll cadence. Loop-only.
	prevRoster map[string]struct{}

	// Replaceable in tests.
	newTransport func(ufrag, pwd string) (transport.Transport, error)
	probeFn      func(ctx context.Context) (probe.Facts, error)
}

// New validates identity and options and assembles an Instance. Nothing
// touches the network until Start.
func New(clientID, roomID string, opts Options) (*Instance, error) {
	if len(clientID) < MinIdentifierLen {
		return nil, fmt.Errorf("peerlink: client id %q shorter than %d bytes", clientID, MinIdentifierLen)
	}
	if len(roomID) < MinIdentifierLen {
		return nil, fmt.Errorf("peerlink: room id %q shorter than %d bytes", roomID, MinIdentifierLen)
	}
	opts = opts.withDefaults()
	if opts.RelayURL == "" {
		return nil, fmt.Errorf("peerlink: relay url must not be empty")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("peerlink: generate certificate key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("peerlink: generate certificate: %w", err)
	}

	in := &Instance{
		clientID:  clientID,
		roomID:    roomID,
		sessionID: uuid.NewString(),
		contextID: uuid.NewString(),
		opts:      opts,
		log:       opts.Logger,
		clk:       opts.Clock,
		codec:     framing.Codec{MaxMessageBytes: opts.MaxMessageBytes},
		cert:      *cert,
		mtr:       metrics.New(),
		events:    make(chan any, 256),
		doneCh:    make(chan struct{}),
		peers:     make(map[string]*peerConn),
	}

	in.rdv, err = rendezvous.NewClient(rendezvous.Config{
		URL:              opts.RelayURL,
		RoomID:           roomID,
		ContextID:        in.contextID,
		AuthToken:        opts.AuthToken,
		HTTPClient:       opts.HTTPClient,
		Clock:            opts.Clock,
		Logger:           opts.Logger,
		FastInterval:     opts.FastPollInterval,
		SlowInterval:     opts.SlowPollInterval,
		IdleInterval:     opts.IdlePollInterval,
		IdleAfter:        opts.IdleAfter,
		StateExpiration:  opts.StateExpiration,
		PackageRetention: opts.PackageRetention,
	})
	if err != nil {
		return nil, err
	}

	in.newTransport = func(ufrag, pwd string) (transport.Transport, error) {
		return transport.New(transport.Config{
			Network:     in.network(),
			Certificate: &in.cert,
			ICEUfrag:    ufrag,
			ICEPwd:      pwd,
			Logger:      in.log,
		})
	}
	in.probeFn = func(ctx context.Context) (probe.Facts, error) {
		api, err := transport.NewAPI(in.network())
		if err != nil {
			return probe.Facts{}, err
		}
		return probe.Run(ctx, api, in.cert, in.opts.ICEServers, in.opts.ProbeTimeout)
	}
	return in, nil
}

// SessionID returns the instance's opaque session identifier.
func (in *Instance) SessionID() string { return in.sessionID }

// MetricsSnapshot returns the instance's counters.
func (in *Instance) MetricsSnapshot() map[string]uint64 { return in.mtr.Snapshot() }

func (in *Instance) network() transport.Network {
	return transport.Network{
		ICEServers:      in.opts.ICEServers,
		IncludeLoopback: in.opts.IncludeLoopbackCandidates,
	}
}

// Start probes the local network path and begins relay polling. A probe
// timeout fails Start; every later error is surfaced through OnError and
// recovered by isolating the affected peer.
func (in *Instance) Start(ctx context.Context) error {
	if in.closed.Load() {
		return ErrInstanceClosed
	}
	in.startMu.Lock()
	defer in.startMu.Unlock()
	if in.started {
		return ErrAlreadyStarted
	}

	facts, err := in.probeFn(ctx)
	if err != nil {
		return fmt.Errorf("peerlink: network probe: %w", err)
	}
	in.mu.Lock()
	in.facts = facts
	in.dataTimestamp = in.clk.Now().UnixMilli()
	in.mu.Unlock()

	in.log.Info("network probe complete",
		"session_id", in.sessionID,
		"symmetric_nat", facts.SymmetricNAT,
		"reflexive_addrs", len(facts.ReflexiveAddrs),
	)

	in.loopCtx, in.cancel = context.WithCancel(context.Background())
	in.started = true
	go in.run(in.loopCtx)
	return nil
}

// Send delivers b to one connected peer, chunking transparently when it
// exceeds the configured transport-message size.
func (in *Instance) Send(sessionID string, b []byte) error {
	if in.closed.Load() {
		return ErrInstanceClosed
	}
	in.mu.Lock()
	p, ok := in.peers[sessionID]
	if !ok {
		in.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, sessionID)
	}
	if p.state != stateConnected {
		in.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrPeerNotConnected, sessionID, p.state)
	}
	tr := p.tr
	in.mu.Unlock()

	if !in.codec.NeedsChunking(b) {
		return tr.Send(b)
	}
	msgID, err := bytecodec.RandomUint32()
	if err != nil {
		return fmt.Errorf("peerlink: message id: %w", err)
	}
	chunks, err := in.codec.Split(msgID, b)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := tr.Send(chunk); err != nil {
			return err
		}
	}
	in.mtr.Add(metrics.ChunksSplit, uint64(len(chunks)))
	return nil
}

// Broadcast delivers b to every connected peer, returning the joined errors
// of any failed sends.
func (in *Instance) Broadcast(b []byte) error {
	if in.closed.Load() {
		return ErrInstanceClosed
	}
	in.mu.Lock()
	ids := make([]string, 0, len(in.peers))
	for id, p := range in.peers {
		if p.state == stateConnected {
			ids = append(ids, id)
		}
	}
	in.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := in.Send(id, b); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Peers lists the currently connected peers.
func (in *Instance) Peers() []PeerInfo {
	in.mu.Lock()
	out := make([]PeerInfo, 0, len(in.peers))
	for _, p := range in.peers {
		if p.state == stateConnected {
			out = append(out, p.info())
		}
	}
	in.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Close tears the instance down: the event loop stops, every peer transport
// is closed, and one best-effort deletion request removes the published
// record from the relay. Safe to call repeatedly.
func (in *Instance) Close() error {
	in.closeFn.Do(func() {
		in.closed.Store(true)

		in.startMu.Lock()
		started := in.started
		in.startMu.Unlock()

		if started {
			in.cancel()
			<-in.doneCh
		}

		in.mu.Lock()
		peers := in.peers
		in.peers = make(map[string]*peerConn)
		in.mu.Unlock()
		for _, p := range peers {
			p.stopTimers()
			if p.tr != nil {
				_ = p.tr.Close()
			}
		}

		if started {
			ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
			defer cancel()
			if err := in.rdv.Delete(ctx); err != nil {
				in.log.Warn("relay delete failed", "error", err)
			}
		}
	})
	return nil
}

// run is the event loop: the only goroutine that transitions peer state.
func (in *Instance) run(ctx context.Context) {
	defer close(in.doneCh)

	poll := in.clk.Timer(time.Millisecond)
	defer poll.Stop()

	var reprobeC <-chan time.Time
	if in.opts.ReprobeInterval > 0 {
		ticker := in.clk.Ticker(in.opts.ReprobeInterval)
		defer ticker.Stop()
		reprobeC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			in.startPoll(ctx)
		case <-reprobeC:
			in.startReprobe(ctx)
		case ev := <-in.events:
			if pd, ok := ev.(pollDoneEvent); ok {
				in.handlePollDone(pd)
				poll.Reset(in.rdv.Interval())
				continue
			}
			in.handleEvent(ev)
		}
	}
}

func (in *Instance) post(ev any) {
	select {
	case in.events <- ev:
	case <-in.loopCtx.Done():
	}
}

func (in *Instance) startPoll(ctx context.Context) {
	in.mu.Lock()
	rec := in.localRecordLocked()
	ts := in.dataTimestamp
	in.mu.Unlock()
	go func() {
		resp, err := in.rdv.Poll(ctx, rec, ts)
		in.post(pollDoneEvent{resp: resp, err: err})
	}()
}

func (in *Instance) localRecordLocked() *wire.PeerRecord {
	return &wire.PeerRecord{
		SessionID:      in.sessionID,
		ClientID:       in.clientID,
		SymmetricNAT:   in.facts.SymmetricNAT,
		FingerprintB64: in.facts.FingerprintB64,
		StartedAt:      in.facts.StartedAt.UnixMilli(),
		ReflexiveAddrs: in.facts.ReflexiveAddrs,
	}
}

func (in *Instance) startReprobe(ctx context.Context) {
	go func() {
		facts, err := in.probeFn(ctx)
		in.post(probeDoneEvent{facts: facts, err: err})
	}()
}

func (in *Instance) handlePollDone(ev pollDoneEvent) {
	if ev.err != nil {
		if errors.Is(ev.err, context.Canceled) || errors.Is(ev.err, rendezvous.ErrPollInFlight) {
			return
		}
		in.mtr.Inc(metrics.RelayPollErrors)
		in.emitError(ev.err)
		return
	}
	in.mtr.Inc(metrics.RelayPolls)
	changed := in.processResponse(ev.resp)
	in.rdv.ObserveMembership(changed)
}

// processResponse applies one relay response: discovers new peers, routes
// queued signaling packages, and reports whether room membership changed.
func (in *Instance) processResponse(resp *wire.Response) bool {
	roster := make(map[string]struct{}, len(resp.Peers))
	for i := range resp.Peers {
		roster[resp.Peers[i].SessionID] = struct{}{}
	}
	changed := len(roster) != len(in.prevRoster)
	if !changed {
		for id := range roster {
			if _, ok := in.prevRoster[id]; !ok {
				changed = true
				break
			}
		}
	}
	in.prevRoster = roster

	for i := range resp.Peers {
		in.handleDiscovery(resp.Peers[i])
	}
	for i := range resp.Packages {
		in.handlePackage(resp.Packages[i])
	}
	return changed
}

func (in *Instance) handleDiscovery(rec wire.PeerRecord) {
	if rec.SessionID == in.sessionID {
		return
	}

	in.mu.Lock()
	if existing, ok := in.peers[rec.SessionID]; ok {
		// Duplicate discovery of a live session: refresh the record copy,
		// never restart the handshake.
		existing.record = rec
		in.mu.Unlock()
		return
	}
	local := *in.localRecordLocked()
	p := &peerConn{
		record:  rec,
		state:   stateRoleAssigned,
		offerer: localInitiates(local, rec),
		reasm:   framing.NewReassembler(),
	}
	sid := rec.SessionID
	p.connectTimer = in.clk.AfterFunc(in.opts.ConnectTimeout, func() {
		in.post(connectTimeoutEvent{sessionID: sid})
	})
	in.peers[sid] = p
	in.mu.Unlock()

	in.mtr.Inc(metrics.PeersDiscovered)
	in.log.Debug("peer discovered",
		"session_id", sid, "client_id", rec.ClientID, "offerer", p.offerer)

	if p.offerer {
		in.startOffer(p)
	}
	// The answerer side stays in roleAssigned until the offer package
	// arrives; the connect timer bounds the wait.
}

func (in *Instance) startOffer(p *peerConn) {
	ufrag, pwd, err := handshake.NewCredentials()
	if err != nil {
		in.failPeer(p, fmt.Errorf("peer %s: credentials: %w", p.record.SessionID, err))
		return
	}
	tr, err := in.newTransport(ufrag, pwd)
	if err != nil {
		in.failPeer(p, fmt.Errorf("peer %s: transport: %w", p.record.SessionID, err))
		return
	}
	in.wireTransport(p.record.SessionID, tr)

	in.mu.Lock()
	p.ufrag, p.pwd = ufrag, pwd
	p.tr = tr
	in.mu.Unlock()

	offer, err := tr.Offer()
	if err != nil {
		in.failPeer(p, fmt.Errorf("peer %s: offer: %w", p.record.SessionID, err))
		return
	}
	in.rdv.Enqueue(wire.Package{
		To:      p.record.SessionID,
		From:    in.sessionID,
		Kind:    wire.KindOffer,
		Payload: offer,
	})
	in.startTrickleWindow(p)

	in.mu.Lock()
	p.state = stateHandshaking
	in.mu.Unlock()
}

func (in *Instance) startAnswer(p *peerConn, offerSDP string) {
	ufrag, pwd, err := handshake.NewCredentials()
	if err != nil {
		in.failPeer(p, fmt.Errorf("peer %s: credentials: %w", p.record.SessionID, err))
		return
	}
	tr, err := in.newTransport(ufrag, pwd)
	if err != nil {
		in.failPeer(p, fmt.Errorf("peer %s: transport: %w", p.record.SessionID, err))
		return
	}
	in.wireTransport(p.record.SessionID, tr)

	in.mu.Lock()
	p.ufrag, p.pwd = ufrag, pwd
	p.tr = tr
	facts := in.facts
	in.mu.Unlock()

	if _, err := tr.AcceptOffer(offerSDP); err != nil {
		in.failPeer(p, fmt.Errorf("peer %s: accept offer: %w", p.record.SessionID, err))
		return
	}

	// The answer shipped through the relay is synthesized from raw local
	// facts rather than taken from the transport; connectivity rides on the
	// trickled candidates.
	answer, err := handshake.Build(false, ufrag, pwd, facts.FingerprintB64, facts.ReflexiveAddrs)
	if err != nil {
		in.failPeer(p, fmt.Errorf("peer %s: build answer: %w", p.record.SessionID, err))
		return
	}
	in.rdv.Enqueue(wire.Package{
		To:      p.record.SessionID,
		From:    in.sessionID,
		Kind:    wire.KindAnswer,
		Payload: answer,
	})
	in.startTrickleWindow(p)

	in.mu.Lock()
	p.state = stateHandshaking
	in.mu.Unlock()
}

func (in *Instance) startTrickleWindow(p *peerConn) {
	sid := p.record.SessionID
	p.trickleTimer = in.clk.AfterFunc(in.opts.TrickleWindow, func() {
		in.post(trickleExpiredEvent{sessionID: sid})
	})
}

func (in *Instance) wireTransport(sid string, tr transport.Transport) {
	tr.OnLocalCandidate(func(c string) {
		in.post(localCandidateEvent{sessionID: sid, candidate: c})
	})
	tr.OnStateChange(func(s transport.State) {
		in.post(transportStateEvent{sessionID: sid, state: s})
	})
	tr.OnOpen(func() {
		in.post(transportOpenEvent{sessionID: sid})
	})
	tr.OnMessage(func(b []byte) {
		in.post(transportMessageEvent{sessionID: sid, data: b})
	})
}

func (in *Instance) handlePackage(pkg wire.Package) {
	if pkg.To != in.sessionID {
		in.log.Debug("dropping misaddressed package", "to", pkg.To, "kind", pkg.Kind)
		return
	}
	in.mu.Lock()
	p := in.peers[pkg.From]
	in.mu.Unlock()
	if p == nil {
		in.log.Debug("package from unknown peer", "from", pkg.From, "kind", pkg.Kind)
		return
	}

	switch pkg.Kind {
	case wire.KindOffer:
		if p.offerer || p.state != stateRoleAssigned {
			in.log.Debug("ignoring unexpected offer",
				"from", pkg.From, "state", p.state, "offerer", p.offerer)
			return
		}
		in.startAnswer(p, pkg.Payload)
	case wire.KindAnswer:
		if !p.offerer || p.state != stateHandshaking {
			in.log.Debug("ignoring unexpected answer",
				"from", pkg.From, "state", p.state, "offerer", p.offerer)
			return
		}
		if err := p.tr.AcceptAnswer(pkg.Payload); err != nil {
			in.failPeer(p, fmt.Errorf("peer %s: accept answer: %w", pkg.From, err))
		}
	case wire.KindICE:
		if p.tr == nil {
			return
		}
		var cands []string
		if err := json.Unmarshal([]byte(pkg.Payload), &cands); err != nil {
			in.emitError(fmt.Errorf("peer %s: candidate payload: %w", pkg.From, err))
			return
		}
		for _, c := range cands {
			if err := p.tr.AddRemoteCandidate(c); err != nil {
				in.log.Debug("remote candidate rejected", "from", pkg.From, "error", err)
			}
		}
	}
}

func (in *Instance) handleEvent(ev any) {
	switch e := ev.(type) {
	case probeDoneEvent:
		in.handleProbeDone(e)
	case localCandidateEvent:
		in.handleLocalCandidate(e)
	case trickleExpiredEvent:
		in.handleTrickleExpired(e)
	case transportOpenEvent:
		in.handleTransportOpen(e)
	case transportStateEvent:
		in.handleTransportState(e)
	case transportMessageEvent:
		in.handleTransportMessage(e)
	case connectTimeoutEvent:
		in.handleConnectTimeout(e)
	default:
		in.log.Warn("unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

func (in *Instance) handleProbeDone(ev probeDoneEvent) {
	if ev.err != nil {
		in.emitError(fmt.Errorf("network re-probe: %w", ev.err))
		return
	}
	in.mu.Lock()
	if !ev.facts.Equal(in.facts) {
		// StartedAt stays fixed for the instance lifetime: the tie-break
		// must keep resolving the same way on both sides.
		ev.facts.StartedAt = in.facts.StartedAt
		in.facts = ev.facts
		in.dataTimestamp = in.clk.Now().UnixMilli()
		in.log.Info("network facts changed, republishing record",
			"symmetric_nat", ev.facts.SymmetricNAT,
			"reflexive_addrs", len(ev.facts.ReflexiveAddrs))
	}
	in.mu.Unlock()
}

func (in *Instance) handleLocalCandidate(ev localCandidateEvent) {
	in.mu.Lock()
	p := in.peers[ev.sessionID]
	in.mu.Unlock()
	if p == nil {
		return
	}

	switch {
	case p.state == stateConnected:
		// Late candidates ride the private control channel over the data
		// transport itself; the relay is out of the loop by now.
		body, err := json.Marshal(controlSignal{Kind: controlKindICE, Candidates: []string{ev.candidate}})
		if err != nil {
			return
		}
		if err := p.tr.Send(framing.WrapControl(body)); err != nil {
			in.log.Debug("control channel send failed", "peer", ev.sessionID, "error", err)
		}
	case !p.trickleDone:
		p.trickle = append(p.trickle, ev.candidate)
	default:
		payload, err := json.Marshal([]string{ev.candidate})
		if err != nil {
			return
		}
		in.rdv.Enqueue(wire.Package{
			To:      ev.sessionID,
			From:    in.sessionID,
			Kind:    wire.KindICE,
			Payload: string(payload),
		})
	}
}

func (in *Instance) handleTrickleExpired(ev trickleExpiredEvent) {
	in.mu.Lock()
	p := in.peers[ev.sessionID]
	in.mu.Unlock()
	if p == nil || p.trickleDone {
		return
	}
	p.trickleDone = true
	if len(p.trickle) == 0 {
		return
	}
	payload, err := json.Marshal(p.trickle)
	p.trickle = nil
	if err != nil {
		return
	}
	in.rdv.Enqueue(wire.Package{
		To:      ev.sessionID,
		From:    in.sessionID,
		Kind:    wire.KindICE,
		Payload: string(payload),
	})
}

func (in *Instance) handleTransportOpen(ev transportOpenEvent) {
	in.mu.Lock()
	p := in.peers[ev.sessionID]
	if p == nil || p.state == stateConnected {
		in.mu.Unlock()
		return
	}
	p.state = stateConnected
	p.wasConnected = true
	p.stopTimers()
	p.trickleDone = true
	p.trickle = nil
	info := p.info()
	in.mu.Unlock()

	// Signaling addressed to a connected peer is moot.
	in.rdv.DropFor(ev.sessionID)
	in.mtr.Inc(metrics.PeersConnected)
	in.log.Info("peer connected", "session_id", info.SessionID, "client_id", info.ClientID)
	in.emitPeerConnect(info)
}

func (in *Instance) handleTransportState(ev transportStateEvent) {
	switch ev.state {
	case transport.StateFailed, transport.StateClosed:
		in.mu.Lock()
		p := in.peers[ev.sessionID]
		in.mu.Unlock()
		if p == nil {
			return
		}
		in.teardownPeer(p, "transport "+ev.state.String())
	case transport.StateDisconnected:
		in.log.Warn("peer transport disconnected", "session_id", ev.sessionID)
	}
}

func (in *Instance) handleTransportMessage(ev transportMessageEvent) {
	in.mu.Lock()
	p := in.peers[ev.sessionID]
	in.mu.Unlock()
	if p == nil {
		return
	}

	if body, ok := framing.UnwrapControl(ev.data); ok {
		in.mtr.Inc(metrics.ControlMessages)
		var sig controlSignal
		if err := json.Unmarshal(body, &sig); err != nil {
			in.emitError(fmt.Errorf("peer %s: control message: %w", ev.sessionID, err))
			return
		}
		if sig.Kind != controlKindICE {
			in.log.Debug("unknown control signal", "peer", ev.sessionID, "kind", sig.Kind)
			return
		}
		for _, c := range sig.Candidates {
			if err := p.tr.AddRemoteCandidate(c); err != nil {
				in.log.Debug("late candidate rejected", "peer", ev.sessionID, "error", err)
			}
		}
		return
	}

	if framing.IsChunk(ev.data) {
		payload, done, err := p.reasm.Accept(ev.data)
		if err != nil {
			in.emitError(fmt.Errorf("peer %s: chunk: %w", ev.sessionID, err))
			return
		}
		if !done {
			return
		}
		in.mtr.Inc(metrics.MessagesReassembled)
		in.emitMessage(p.info(), payload)
		return
	}

	in.emitMessage(p.info(), ev.data)
}

func (in *Instance) handleConnectTimeout(ev connectTimeoutEvent) {
	in.mu.Lock()
	p := in.peers[ev.sessionID]
	if p == nil || p.state == stateConnected {
		in.mu.Unlock()
		return
	}
	in.mu.Unlock()

	in.mtr.Inc(metrics.ConnectTimeouts)
	in.emitError(fmt.Errorf("peer %s: no connection within %s", ev.sessionID, in.opts.ConnectTimeout))
	in.teardownPeer(p, "connect timeout")
}

func (in *Instance) failPeer(p *peerConn, err error) {
	in.emitError(err)
	in.teardownPeer(p, "handshake failure")
}

// teardownPeer removes a peer entirely. The session id becomes free for a
// fresh discovered state on the next poll that still lists it.
func (in *Instance) teardownPeer(p *peerConn, reason string) {
	in.mu.Lock()
	current, ok := in.peers[p.record.SessionID]
	if !ok || current != p || p.state == stateClosed {
		in.mu.Unlock()
		return
	}
	delete(in.peers, p.record.SessionID)
	p.state = stateClosed
	p.stopTimers()
	wasConnected := p.wasConnected
	info := p.info()
	in.mu.Unlock()

	if p.tr != nil {
		_ = p.tr.Close()
	}
	in.rdv.DropFor(info.SessionID)
	in.log.Info("peer closed",
		"session_id", info.SessionID, "client_id", info.ClientID, "reason", reason)
	if wasConnected {
		in.mtr.Inc(metrics.PeersClosed)
		in.emitPeerClose(info)
	}
}

func (in *Instance) emitPeerConnect(info PeerInfo) {
	in.hmu.Lock()
	fn := in.handlers.peerConnect
	in.hmu.Unlock()
	if fn != nil {
		fn(info)
	}
}

func (in *Instance) emitPeerClose(info PeerInfo) {
	in.hmu.Lock()
	fn := in.handlers.peerClose
	in.hmu.Unlock()
	if fn != nil {
		fn(info)
	}
}

func (in *Instance) emitMessage(info PeerInfo, data []byte) {
	in.hmu.Lock()
	fn := in.handlers.message
	in.hmu.Unlock()
	if fn != nil {
		fn(info, data)
	}
}

func (in *Instance) emitError(err error) {
	in.log.Warn("peerlink error", "error", err)
	in.hmu.Lock()
	fn := in.handlers.err
	in.hmu.Unlock()
	if fn != nil {
		fn(err)
	}
}
