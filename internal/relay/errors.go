package relay

import "errors"

var (
	// ErrBadDeleteKey is returned when a teardown request carries a delete
	// key that does not match the one minted for the participant.
	ErrBadDeleteKey = errors.New("relay: delete key mismatch")

	// ErrForgedSender is returned when a queued package claims a from
	// session id that differs from the sender's published record.
	ErrForgedSender = errors.New("relay: package from does not match sender")

	// ErrUnknownParticipant is returned when a teardown request references
	// a context id the room has never seen.
	ErrUnknownParticipant = errors.New("relay: unknown participant")
)
