package transport

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/handshake"
)

// DefaultMaxQueuedBytes bounds the outbound send queue per peer.
const DefaultMaxQueuedBytes = 1 << 20

// bufferedAmountLowThreshold is where the data channel signals the writer
// to resume.
const bufferedAmountLowThreshold = 512 * 1024

// Config assembles one PionTransport.
type Config struct {
	Network Network

	// Certificate is the instance DTLS certificate. Sharing it across the
	// prober and every transport keeps the published fingerprint true.
	Certificate *webrtc.Certificate

	// ICEUfrag and ICEPwd pin the transport's ICE credentials so the
	// descriptions exchanged through the relay match what the agent
	// actually uses.
	ICEUfrag string
	ICEPwd   string

	// MaxQueuedBytes bounds the outbound queue; zero applies the default.
	MaxQueuedBytes int

	Logger *slog.Logger
}

// PionTransport implements Transport over a pion/webrtc peer connection with
// a single ordered reliable data channel.
type PionTransport struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	ufrag string
	pwd   string

	maxQueued int
	sendCh    chan []byte
	lowCh     chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	queuedBytes int
	remoteSet   bool
	pendingCand []string

	onCandidate func(string)
	onState     func(State)
	onOpen      func()
	onMessage   func([]byte)
}

var _ Transport = (*PionTransport)(nil)

func New(cfg Config) (*PionTransport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxQueuedBytes <= 0 {
		cfg.MaxQueuedBytes = DefaultMaxQueuedBytes
	}

	se := webrtc.SettingEngine{}
	if err := cfg.Network.apply(&se); err != nil {
		return nil, fmt.Errorf("transport: apply network settings: %w", err)
	}
	if cfg.ICEUfrag != "" || cfg.ICEPwd != "" {
		se.SetICECredentials(cfg.ICEUfrag, cfg.ICEPwd)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pcCfg := webrtc.Configuration{ICEServers: cfg.Network.ICEServers}
	if cfg.Certificate != nil {
		pcCfg.Certificates = []webrtc.Certificate{*cfg.Certificate}
	}
	pc, err := api.NewPeerConnection(pcCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: create peer connection: %w", err)
	}

	t := &PionTransport{
		pc:        pc,
		log:       cfg.Logger,
		ufrag:     cfg.ICEUfrag,
		pwd:       cfg.ICEPwd,
		maxQueued: cfg.MaxQueuedBytes,
		sendCh:    make(chan []byte, 256),
		lowCh:     make(chan struct{}, 1),
		closedCh:  make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if fn := t.candidateFn(); fn != nil {
			fn(c.ToJSON().Candidate)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if fn := t.stateFn(); fn != nil {
			fn(mapState(s))
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			t.log.Warn("ignoring unexpected data channel", "label", dc.Label())
			_ = dc.Close()
			return
		}
		t.adoptDataChannel(dc)
	})

	return t, nil
}

func (t *PionTransport) OnLocalCandidate(fn func(string)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *PionTransport) OnStateChange(fn func(State)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *PionTransport) OnOpen(fn func()) {
	t.mu.Lock()
	t.onOpen = fn
	t.mu.Unlock()
}

func (t *PionTransport) OnMessage(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *PionTransport) candidateFn() func(string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onCandidate
}

func (t *PionTransport) stateFn() func(State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onState
}

// Offer creates the data channel and the local offer. The offer text is
// pinned to the configured ICE credentials before it is installed, so the
// description shipped through the relay is exactly the one the agent
// negotiates with.
func (t *PionTransport) Offer() (string, error) {
	dc, err := t.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return "", fmt.Errorf("transport: create data channel: %w", err)
	}
	t.adoptDataChannel(dc)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create offer: %w", err)
	}
	sdpText := offer.SDP
	if t.ufrag != "" {
		sdpText, err = handshake.PinCredentials(sdpText, t.ufrag, t.pwd)
		if err != nil {
			return "", fmt.Errorf("transport: pin offer credentials: %w", err)
		}
	}
	if err := t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdpText,
	}); err != nil {
		return "", fmt.Errorf("transport: set local offer: %w", err)
	}
	return sdpText, nil
}

// AcceptOffer applies a remote offer and produces the pinned local answer.
func (t *PionTransport) AcceptOffer(offer string) (string, error) {
	if err := handshake.Validate(offer); err != nil {
		return "", fmt.Errorf("transport: remote offer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", fmt.Errorf("transport: set remote offer: %w", err)
	}
	t.flushPendingCandidates()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create answer: %w", err)
	}
	sdpText := answer.SDP
	if t.ufrag != "" {
		sdpText, err = handshake.PinCredentials(sdpText, t.ufrag, t.pwd)
		if err != nil {
			return "", fmt.Errorf("transport: pin answer credentials: %w", err)
		}
	}
	if err := t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdpText,
	}); err != nil {
		return "", fmt.Errorf("transport: set local answer: %w", err)
	}
	return sdpText, nil
}

func (t *PionTransport) AcceptAnswer(answer string) error {
	if err := handshake.Validate(answer); err != nil {
		return fmt.Errorf("transport: remote answer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("transport: set remote answer: %w", err)
	}
	t.flushPendingCandidates()
	return nil
}

func (t *PionTransport) AddRemoteCandidate(candidate string) error {
	t.mu.Lock()
	if !t.remoteSet {
		t.pendingCand = append(t.pendingCand, candidate)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	if err := t.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return fmt.Errorf("transport: add candidate: %w", err)
	}
	return nil
}

func (t *PionTransport) flushPendingCandidates() {
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pendingCand
	t.pendingCand = nil
	t.mu.Unlock()
	for _, cand := range pending {
		if err := t.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: cand}); err != nil {
			t.log.Debug("dropping buffered candidate", "error", err)
		}
	}
}

// Send queues b for the data channel. It never blocks: when the queue byte
// budget is exhausted the message is rejected with ErrSendQueueFull and the
// caller decides whether that peer is worth keeping.
func (t *PionTransport) Send(b []byte) error {
	select {
	case <-t.closedCh:
		return ErrClosed
	default:
	}

	t.mu.Lock()
	dc := t.dc
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		t.mu.Unlock()
		return ErrNotOpen
	}
	if t.queuedBytes+len(b) > t.maxQueued {
		t.mu.Unlock()
		return ErrSendQueueFull
	}
	t.queuedBytes += len(b)
	t.mu.Unlock()

	select {
	case t.sendCh <- b:
		return nil
	default:
		t.mu.Lock()
		t.queuedBytes -= len(b)
		t.mu.Unlock()
		return ErrSendQueueFull
	}
}

func (t *PionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closedCh)
		err = t.pc.Close()
	})
	return err
}

func (t *PionTransport) adoptDataChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	if t.dc != nil {
		t.mu.Unlock()
		t.log.Warn("ignoring additional data channel, keeping existing", "label", dc.Label())
		_ = dc.Close()
		return
	}
	t.dc = dc
	t.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(bufferedAmountLowThreshold)
	dc.OnBufferedAmountLow(func() {
		select {
		case t.lowCh <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		go t.writeLoop(dc)
		t.mu.Lock()
		fn := t.onOpen
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		fn := t.onMessage
		t.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
}

func (t *PionTransport) writeLoop(dc *webrtc.DataChannel) {
	for {
		select {
		case <-t.closedCh:
			return
		case b := <-t.sendCh:
			for dc.BufferedAmount() > bufferedAmountLowThreshold {
				select {
				case <-t.closedCh:
					return
				case <-t.lowCh:
				}
			}
			if err := dc.Send(b); err != nil {
				t.log.Debug("data channel send failed", "error", err)
			}
			t.mu.Lock()
			t.queuedBytes -= len(b)
			t.mu.Unlock()
		}
	}
}

func mapState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}
