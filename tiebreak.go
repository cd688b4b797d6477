package peerlink

import "github.com/peerlink/peerlink/internal/wire"

// localInitiates decides which side of a newly discovered pair sends the
// offer. The rule is evaluated independently by both sides and must pick
// exactly one initiator from the same two records:
//
//  1. If exactly one side is behind a symmetric NAT, that side offers: its
//     port mappings are per-destination, so the punch-through has to start
//     from it.
//  2. Otherwise the earlier-started instance offers.
//  3. Identical start times fall back to the lexicographically smaller
//     session id.
func localInitiates(local, remote wire.PeerRecord) bool {
	if local.SymmetricNAT != remote.SymmetricNAT {
		return local.SymmetricNAT
	}
	if local.StartedAt != remote.StartedAt {
		return local.StartedAt < remote.StartedAt
	}
	return local.SessionID < remote.SessionID
}
