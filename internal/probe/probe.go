// Package probe characterizes the local network path. It drives a throwaway
// peer connection purely to harvest ICE candidates and the local DTLS
// fingerprint, and classifies whether the local NAT remaps outbound ports
// per destination (symmetric NAT).
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/bytecodec"
	"github.com/peerlink/peerlink/internal/handshake"
)

// ErrTimeout is returned when candidate gathering does not complete within
// the configured window. It fails instance startup.
var ErrTimeout = errors.New("probe: network detection timeout")

// DefaultTimeout bounds one probe run.
const DefaultTimeout = 7 * time.Second

// Facts are the locally observable network properties published in the
// rendezvous record.
type Facts struct {
	FingerprintB64 string
	ReflexiveAddrs []string
	SymmetricNAT   bool
	StartedAt      time.Time
}

// Equal reports whether two fact sets would publish the same record.
func (f Facts) Equal(other Facts) bool {
	if f.FingerprintB64 != other.FingerprintB64 || f.SymmetricNAT != other.SymmetricNAT {
		return false
	}
	if len(f.ReflexiveAddrs) != len(other.ReflexiveAddrs) {
		return false
	}
	for i := range f.ReflexiveAddrs {
		if f.ReflexiveAddrs[i] != other.ReflexiveAddrs[i] {
			return false
		}
	}
	return true
}

// Observation is one server-reflexive candidate reduced to the fields the
// classifier needs: the externally observed address and port, and the local
// (related) port the candidate was gathered from.
type Observation struct {
	Addr        string
	Port        int
	RelatedPort int
}

// ClassifySymmetric reports whether the observations show the signature of a
// symmetric NAT: the same locally bound port observed under two or more
// distinct external ports. A NAT that preserves the mapping per socket never
// produces that pattern regardless of how many STUN servers answered.
func ClassifySymmetric(obs []Observation) bool {
	portsByRelated := make(map[int]map[int]struct{})
	for _, o := range obs {
		ports := portsByRelated[o.RelatedPort]
		if ports == nil {
			ports = make(map[int]struct{})
			portsByRelated[o.RelatedPort] = ports
		}
		ports[o.Port] = struct{}{}
		if len(ports) > 1 {
			return true
		}
	}
	return false
}

// UniqueAddrs returns the distinct externally observed addresses in first-seen
// order.
func UniqueAddrs(obs []Observation) []string {
	seen := make(map[string]struct{}, len(obs))
	var out []string
	for _, o := range obs {
		if _, ok := seen[o.Addr]; ok {
			continue
		}
		seen[o.Addr] = struct{}{}
		out = append(out, o.Addr)
	}
	return out
}

// Run performs one probe: a peer connection is opened against the given ICE
// servers with a dummy data channel to trigger gathering, candidates are
// collected until gathering completes or timeout fires, and the connection is
// torn down before returning. The certificate must be the instance
// certificate shared with real transports so the published fingerprint stays
// true.
func Run(ctx context.Context, api *webrtc.API, cert webrtc.Certificate, iceServers []webrtc.ICEServer, timeout time.Duration) (Facts, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   iceServers,
		Certificates: []webrtc.Certificate{cert},
	})
	if err != nil {
		return Facts{}, fmt.Errorf("probe: create peer connection: %w", err)
	}
	defer func() { _ = pc.Close() }()

	// The channel itself is never used; creating it makes the offer carry an
	// application section, which is what starts ICE gathering.
	if _, err := pc.CreateDataChannel("probe", nil); err != nil {
		return Facts{}, fmt.Errorf("probe: create data channel: %w", err)
	}

	gathered := make(chan webrtc.ICECandidate, 16)
	done := make(chan struct{})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(done)
			return
		}
		select {
		case gathered <- *c:
		default:
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return Facts{}, fmt.Errorf("probe: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return Facts{}, fmt.Errorf("probe: set local description: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var obs []Observation
collect:
	for {
		select {
		case <-ctx.Done():
			return Facts{}, fmt.Errorf("probe: %w", ctx.Err())
		case <-timer.C:
			return Facts{}, ErrTimeout
		case c := <-gathered:
			if c.Typ == webrtc.ICECandidateTypeSrflx {
				obs = append(obs, Observation{
					Addr:        c.Address,
					Port:        int(c.Port),
					RelatedPort: int(c.RelatedPort),
				})
			}
		case <-done:
			break collect
		}
	}

	// Drain candidates that raced the completion signal.
	for {
		select {
		case c := <-gathered:
			if c.Typ == webrtc.ICECandidateTypeSrflx {
				obs = append(obs, Observation{
					Addr:        c.Address,
					Port:        int(c.Port),
					RelatedPort: int(c.RelatedPort),
				})
			}
			continue
		default:
		}
		break
	}

	local := pc.LocalDescription()
	if local == nil {
		return Facts{}, fmt.Errorf("probe: no local description after gathering")
	}
	colonHex, err := handshake.ExtractFingerprint(local.SDP)
	if err != nil {
		return Facts{}, fmt.Errorf("probe: %w", err)
	}
	fpB64, err := bytecodec.FingerprintToBase64(colonHex)
	if err != nil {
		return Facts{}, fmt.Errorf("probe: %w", err)
	}

	return Facts{
		FingerprintB64: fpB64,
		ReflexiveAddrs: UniqueAddrs(obs),
		SymmetricNAT:   ClassifySymmetric(obs),
		StartedAt:      time.Now(),
	}, nil
}
