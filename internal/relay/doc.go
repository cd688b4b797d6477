// Package relay implements the stateless rendezvous relay that brokers peer
// discovery and signaling-package exchange between clients sharing a room.
//
// The relay holds no per-connection state: clients POST their room id,
// context id, peer record and queued packages, and receive the room's
// current membership plus any packages addressed to their session. Records
// and packages expire on their own; a periodic sweep reclaims them.
//
// The relay MUST enforce the room policy from internal/policy so a public
// deployment cannot be grown into an open message board.
package relay
