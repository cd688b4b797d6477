// Package transport wraps the real-time peer connection consumed by the
// connection engine. The engine only ever sees the Transport interface;
// PionTransport implements it over pion/webrtc and tests substitute
// in-memory fakes.
package transport

import (
	"errors"

	"github.com/pion/logging"
	tnet "github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the single application data channel carried by every
// peer connection.
const DataChannelLabel = "data"

var (
	ErrClosed        = errors.New("transport: closed")
	ErrNotOpen       = errors.New("transport: data channel not open")
	ErrSendQueueFull = errors.New("transport: send queue full")
)

// State is the coarse connection lifecycle reported to the engine.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is one peer's negotiation and data surface. Callback setters
// must be called before Offer or AcceptOffer; callbacks fire on transport
// goroutines and must not block.
type Transport interface {
	// Offer creates the data channel and local offer description.
	Offer() (string, error)
	// AcceptOffer applies a remote offer and returns the local answer
	// description.
	AcceptOffer(offer string) (string, error)
	// AcceptAnswer applies the remote answer to a previously created offer.
	AcceptAnswer(answer string) error
	// AddRemoteCandidate applies one trickled remote candidate. Candidates
	// arriving before the remote description are buffered.
	AddRemoteCandidate(candidate string) error

	// Send queues one message for the data channel without blocking.
	Send(b []byte) error
	Close() error

	OnLocalCandidate(fn func(candidate string))
	OnStateChange(fn func(State))
	OnOpen(fn func())
	OnMessage(fn func(b []byte))
}

// Network carries the knobs shared by every transport (and the prober) of
// one instance.
type Network struct {
	ICEServers []webrtc.ICEServer

	// PortMin/PortMax restrict the ephemeral UDP range when both are set.
	PortMin uint16
	PortMax uint16

	// NAT1To1IPs advertises fixed public addresses instead of discovered
	// ones.
	NAT1To1IPs []string

	// IncludeLoopback admits loopback candidates, for same-host setups and
	// tests.
	IncludeLoopback bool

	// Net substitutes a virtual network stack in tests.
	Net tnet.Net

	LoggerFactory logging.LoggerFactory
}

func (n Network) apply(se *webrtc.SettingEngine) error {
	if n.PortMin != 0 || n.PortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(n.PortMin, n.PortMax); err != nil {
			return err
		}
	}
	if len(n.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(n.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if n.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if n.Net != nil {
		se.SetNet(n.Net)
	}
	if n.LoggerFactory != nil {
		se.LoggerFactory = n.LoggerFactory
	}
	return nil
}

// NewAPI builds a webrtc API from the network knobs alone. The prober uses
// this; real transports build their own API so each can pin its ICE
// credentials.
func NewAPI(n Network) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := n.apply(&se); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}
