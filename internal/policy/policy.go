package policy

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RoomPolicy bounds the state a single relay request may create.
//
// Evaluation order per request:
//  1. Room id shape (length, characters)
//  2. Room occupancy (new participants only)
//  3. Package count and payload size
//
// The zero value rejects everything; use a preset or FromEnv.
type RoomPolicy struct {
	// MinRoomIDLength / MaxRoomIDLength bound the room identifier.
	MinRoomIDLength int
	MaxRoomIDLength int

	// MaxPeersPerRoom caps concurrent participant records in one room.
	MaxPeersPerRoom int

	// MaxPackagesPerRequest caps signaling packages carried by one poll.
	MaxPackagesPerRequest int

	// MaxPackageBytes caps a single package payload.
	MaxPackageBytes int

	// MaxReflexiveAddrs caps the address list of a published record.
	MaxReflexiveAddrs int
}

var (
	ErrRoomIDShape     = errors.New("policy: room id rejected")
	ErrRoomFull        = errors.New("policy: room is full")
	ErrTooManyPackages = errors.New("policy: too many packages in request")
	ErrPackageTooLarge = errors.New("policy: package payload too large")
	ErrTooManyAddrs    = errors.New("policy: too many reflexive addresses")
)

// NewDefaultRoomPolicy is sized for small collaborative rooms behind one
// relay deployment.
func NewDefaultRoomPolicy() *RoomPolicy {
	return &RoomPolicy{
		MinRoomIDLength:       4,
		MaxRoomIDLength:       64,
		MaxPeersPerRoom:       32,
		MaxPackagesPerRequest: 64,
		MaxPackageBytes:       64 * 1024,
		MaxReflexiveAddrs:     16,
	}
}

// FromEnv returns the default policy with any ROOM_POLICY_* overrides
// applied.
//
// Supported env vars: ROOM_POLICY_MAX_PEERS, ROOM_POLICY_MAX_PACKAGES,
// ROOM_POLICY_MAX_PACKAGE_BYTES, ROOM_POLICY_MAX_ADDRS,
// ROOM_POLICY_MAX_ROOM_ID_LENGTH.
func FromEnv() (*RoomPolicy, error) {
	p := NewDefaultRoomPolicy()
	for _, f := range []struct {
		env string
		dst *int
	}{
		{"ROOM_POLICY_MAX_PEERS", &p.MaxPeersPerRoom},
		{"ROOM_POLICY_MAX_PACKAGES", &p.MaxPackagesPerRequest},
		{"ROOM_POLICY_MAX_PACKAGE_BYTES", &p.MaxPackageBytes},
		{"ROOM_POLICY_MAX_ADDRS", &p.MaxReflexiveAddrs},
		{"ROOM_POLICY_MAX_ROOM_ID_LENGTH", &p.MaxRoomIDLength},
	} {
		v := strings.TrimSpace(os.Getenv(f.env))
		if v == "" {
			continue
		}
		i, err := strconv.Atoi(v)
		if err != nil || i <= 0 {
			return nil, fmt.Errorf("policy: invalid %s %q", f.env, v)
		}
		*f.dst = i
	}
	return p, nil
}

// CheckRoomID validates the shape of a room identifier.
func (p *RoomPolicy) CheckRoomID(roomID string) error {
	if p == nil {
		return errors.New("policy: nil")
	}
	if len(roomID) < p.MinRoomIDLength || len(roomID) > p.MaxRoomIDLength {
		return fmt.Errorf("%w: length %d outside [%d,%d]", ErrRoomIDShape, len(roomID), p.MinRoomIDLength, p.MaxRoomIDLength)
	}
	for _, r := range roomID {
		if r < 0x21 || r > 0x7E {
			return fmt.Errorf("%w: control or non-ASCII character", ErrRoomIDShape)
		}
	}
	return nil
}

// CheckJoin validates a new participant against current room occupancy.
// Existing participants refreshing their record pass by definition.
func (p *RoomPolicy) CheckJoin(currentPeers int) error {
	if p == nil {
		return errors.New("policy: nil")
	}
	if p.MaxPeersPerRoom > 0 && currentPeers >= p.MaxPeersPerRoom {
		return fmt.Errorf("%w: %d peers", ErrRoomFull, currentPeers)
	}
	return nil
}

// CheckPackages validates the signaling packages of one request.
func (p *RoomPolicy) CheckPackages(count int, largestPayload int) error {
	if p == nil {
		return errors.New("policy: nil")
	}
	if p.MaxPackagesPerRequest > 0 && count > p.MaxPackagesPerRequest {
		return fmt.Errorf("%w: %d > %d", ErrTooManyPackages, count, p.MaxPackagesPerRequest)
	}
	if p.MaxPackageBytes > 0 && largestPayload > p.MaxPackageBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrPackageTooLarge, largestPayload, p.MaxPackageBytes)
	}
	return nil
}

// CheckRecord validates a published participant record.
func (p *RoomPolicy) CheckRecord(reflexiveAddrs int) error {
	if p == nil {
		return errors.New("policy: nil")
	}
	if p.MaxReflexiveAddrs > 0 && reflexiveAddrs > p.MaxReflexiveAddrs {
		return fmt.Errorf("%w: %d > %d", ErrTooManyAddrs, reflexiveAddrs, p.MaxReflexiveAddrs)
	}
	return nil
}
