package peerlink

import (
	"github.com/benbjohnson/clock"

	"github.com/peerlink/peerlink/internal/framing"
	"github.com/peerlink/peerlink/internal/transport"
	"github.com/peerlink/peerlink/internal/wire"
)

// peerState is the per-peer connection lifecycle. A session id holds at most
// one live peerConn; closed peers are removed from the map entirely so a
// rediscovery starts fresh.
type peerState int

const (
	stateDiscovered peerState = iota
	stateRoleAssigned
	stateHandshaking
	stateConnected
	stateClosed
)

func (s peerState) String() string {
	switch s {
	case stateDiscovered:
		return "discovered"
	case stateRoleAssigned:
		return "roleAssigned"
	case stateHandshaking:
		return "handshaking"
	case stateConnected:
		return "connected"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// peerConn is all per-peer state owned by the event loop.
type peerConn struct {
	record  wire.PeerRecord
	state   peerState
	offerer bool

	tr    transport.Transport
	reasm *framing.Reassembler

	ufrag string
	pwd   string

	// trickle batches locally gathered candidates during the trickle
	// window; trickleDone flips when the window expires and the batch has
	// been shipped.
	trickle     []string
	trickleDone bool

	trickleTimer *clock.Timer
	connectTimer *clock.Timer

	// wasConnected gates the peerclose notification: a peer torn down
	// before ever connecting only surfaces as an error.
	wasConnected bool
}

func (p *peerConn) info() PeerInfo {
	return PeerInfo{SessionID: p.record.SessionID, ClientID: p.record.ClientID}
}

func (p *peerConn) stopTimers() {
	if p.trickleTimer != nil {
		p.trickleTimer.Stop()
		p.trickleTimer = nil
	}
	if p.connectTimer != nil {
		p.connectTimer.Stop()
		p.connectTimer = nil
	}
}
