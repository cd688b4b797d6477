package peerlink

import (
	"github.com/peerlink/peerlink/internal/probe"
	"github.com/peerlink/peerlink/internal/transport"
	"github.com/peerlink/peerlink/internal/wire"
)

// PeerInfo identifies one remote peer in events and the Peers listing.
type PeerInfo struct {
	SessionID string
	ClientID  string
}

// OnPeerConnect registers the callback fired when a peer's transport opens.
// All callbacks run on the instance's event loop and must not block;
// register them before Start.
func (in *Instance) OnPeerConnect(fn func(PeerInfo)) {
	in.hmu.Lock()
	in.handlers.peerConnect = fn
	in.hmu.Unlock()
}

// OnPeerClose registers the callback fired when a connected peer goes away.
func (in *Instance) OnPeerClose(fn func(PeerInfo)) {
	in.hmu.Lock()
	in.handlers.peerClose = fn
	in.hmu.Unlock()
}

// OnMessage registers the callback fired for each application message, after
// any chunk reassembly.
func (in *Instance) OnMessage(fn func(PeerInfo, []byte)) {
	in.hmu.Lock()
	in.handlers.message = fn
	in.hmu.Unlock()
}

// OnError registers the callback for steady-state errors: relay failures,
// handshake failures, connect timeouts. None of them stop the instance.
func (in *Instance) OnError(fn func(error)) {
	in.hmu.Lock()
	in.handlers.err = fn
	in.hmu.Unlock()
}

type handlers struct {
	peerConnect func(PeerInfo)
	peerClose   func(PeerInfo)
	message     func(PeerInfo, []byte)
	err         func(error)
}

// Internal events feeding the instance's single state-transition loop. Every
// externality (poll results, transport callbacks, timers) arrives as one of
// these so all state mutation happens in one place.

type pollDoneEvent struct {
	resp *wire.Response
	err  error
}

type probeDoneEvent struct {
	facts probe.Facts
	err   error
}

type transportOpenEvent struct {
	sessionID string
}

type transportStateEvent struct {
	sessionID string
	state     transport.State
}

type transportMessageEvent struct {
	sessionID string
	data      []byte
}

type localCandidateEvent struct {
	sessionID string
	candidate string
}

type trickleExpiredEvent struct {
	sessionID string
}

type connectTimeoutEvent struct {
	sessionID string
}

// controlSignal is the JSON body of a control-channel message: signaling
// that arrives over the data channel itself once it is up, rather than
// through the relay.
type controlSignal struct {
	Kind       string   `json:"kind"`
	Candidates []string `json:"candidates,omitempty"`
}

const controlKindICE = "ice"
