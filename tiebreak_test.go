package peerlink

import (
	"testing"

	"github.com/peerlink/peerlink/internal/wire"
)

func rec(sessionID string, symmetric bool, startedAt int64) wire.PeerRecord {
	return wire.PeerRecord{SessionID: sessionID, SymmetricNAT: symmetric, StartedAt: startedAt}
}

func TestLocalInitiates(t *testing.T) {
	cases := []struct {
		name          string
		local, remote wire.PeerRecord
		want          bool
	}{
		{
			name:   "symmetric side offers",
			local:  rec("aaa", true, 200),
			remote: rec("bbb", false, 100),
			want:   true,
		},
		{
			name:   "open side waits for symmetric peer",
			local:  rec("aaa", false, 100),
			remote: rec("bbb", true, 200),
			want:   false,
		},
		{
			name:   "both open, earlier start offers",
			local:  rec("aaa", false, 100),
			remote: rec("bbb", false, 200),
			want:   true,
		},
		{
			name:   "both symmetric, earlier start offers",
			local:  rec("bbb", true, 100),
			remote: rec("aaa", true, 200),
			want:   true,
		},
		{
			name:   "same start, smaller session id offers",
			local:  rec("aaa", false, 100),
			remote: rec("bbb", false, 100),
			want:   true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := localInitiates(tc.local, tc.remote); got != tc.want {
				t.Fatalf("localInitiates = %v, want %v", got, tc.want)
			}
		})
	}
}

// Both sides evaluate the rule independently, so for every record pair it
// must designate exactly one initiator.
func TestLocalInitiates_ExactlyOneInitiator(t *testing.T) {
	records := []wire.PeerRecord{
		rec("aaa", false, 100),
		rec("bbb", false, 100),
		rec("ccc", true, 100),
		rec("ddd", true, 50),
		rec("eee", false, 50),
	}
	for i, a := range records {
		for j, b := range records {
			if i == j {
				continue
			}
			if localInitiates(a, b) == localInitiates(b, a) {
				t.Fatalf("records %s and %s do not agree on a single initiator", a.SessionID, b.SessionID)
			}
		}
	}
}
