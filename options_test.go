package peerlink

import (
	"testing"
	"time"

	"github.com/peerlink/peerlink/internal/framing"
	"github.com/peerlink/peerlink/internal/rendezvous"
)

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.withDefaults()

	if o.FastPollInterval != rendezvous.DefaultFastInterval {
		t.Fatalf("FastPollInterval = %v, want %v", o.FastPollInterval, rendezvous.DefaultFastInterval)
	}
	if o.SlowPollInterval != rendezvous.DefaultSlowInterval {
		t.Fatalf("SlowPollInterval = %v, want %v", o.SlowPollInterval, rendezvous.DefaultSlowInterval)
	}
	if o.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Fatalf("HeartbeatInterval = %v, want %v", o.HeartbeatInterval, DefaultHeartbeatInterval)
	}
	if o.ReprobeInterval != DefaultReprobeInterval {
		t.Fatalf("ReprobeInterval = %v, want %v", o.ReprobeInterval, DefaultReprobeInterval)
	}
	if o.MaxMessageBytes != framing.DefaultMaxMessageBytes {
		t.Fatalf("MaxMessageBytes = %d, want %d", o.MaxMessageBytes, framing.DefaultMaxMessageBytes)
	}
	if o.Clock == nil || o.Logger == nil || o.HTTPClient == nil {
		t.Fatal("clock, logger and http client must all default")
	}
}

// The idle cadence may never exceed the heartbeat, or the published record
// would expire between polls.
func TestOptionsWithDefaults_IdleClampedToHeartbeat(t *testing.T) {
	o := Options{
		IdlePollInterval:  time.Minute,
		HeartbeatInterval: 20 * time.Second,
	}.withDefaults()

	if o.IdlePollInterval != 20*time.Second {
		t.Fatalf("IdlePollInterval = %v, want clamped to %v", o.IdlePollInterval, 20*time.Second)
	}
}

func TestOptionsWithDefaults_NegativeReprobeDisables(t *testing.T) {
	o := Options{ReprobeInterval: -1}.withDefaults()
	if o.ReprobeInterval >= 0 {
		t.Fatalf("ReprobeInterval = %v, want negative (disabled)", o.ReprobeInterval)
	}
}
