// Package policy defines the room policy used to constrain what the
// rendezvous relay will store and forward.
//
// An open rendezvous relay is an abuse target: unbounded room names, rooms
// packed with participants, and oversized signaling packages all translate
// into memory held on behalf of strangers. RoomPolicy is evaluated before
// any request mutates relay state.
package policy
