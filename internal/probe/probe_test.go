package probe

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestClassifySymmetric(t *testing.T) {
	cases := []struct {
		name string
		obs  []Observation
		want bool
	}{
		{
			name: "no observations",
			obs:  nil,
			want: false,
		},
		{
			name: "single mapping",
			obs: []Observation{
				{Addr: "203.0.113.7", Port: 61000, RelatedPort: 52000},
			},
			want: false,
		},
		{
			name: "same local port same external port",
			obs: []Observation{
				{Addr: "203.0.113.7", Port: 61000, RelatedPort: 52000},
				{Addr: "203.0.113.7", Port: 61000, RelatedPort: 52000},
			},
			want: false,
		},
		{
			name: "same local port differing external ports",
			obs: []Observation{
				{Addr: "203.0.113.7", Port: 61000, RelatedPort: 52000},
				{Addr: "203.0.113.7", Port: 61017, RelatedPort: 52000},
			},
			want: true,
		},
		{
			name: "different local ports differing external ports",
			obs: []Observation{
				{Addr: "203.0.113.7", Port: 61000, RelatedPort: 52000},
				{Addr: "203.0.113.7", Port: 61017, RelatedPort: 52001},
			},
			want: false,
		},
		{
			name: "multiple sockets one of them remapped",
			obs: []Observation{
				{Addr: "203.0.113.7", Port: 61000, RelatedPort: 52000},
				{Addr: "203.0.113.7", Port: 61000, RelatedPort: 52001},
				{Addr: "198.51.100.3", Port: 61500, RelatedPort: 52001},
			},
			want: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySymmetric(tc.obs); got != tc.want {
				t.Fatalf("ClassifySymmetric(%v) = %v, want %v", tc.obs, got, tc.want)
			}
		})
	}
}

func TestUniqueAddrs_DeduplicatesInFirstSeenOrder(t *testing.T) {
	obs := []Observation{
		{Addr: "203.0.113.7", Port: 61000, RelatedPort: 52000},
		{Addr: "198.51.100.3", Port: 61500, RelatedPort: 52001},
		{Addr: "203.0.113.7", Port: 61001, RelatedPort: 52000},
	}
	got := UniqueAddrs(obs)
	want := []string{"203.0.113.7", "198.51.100.3"}
	if len(got) != len(want) {
		t.Fatalf("UniqueAddrs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("UniqueAddrs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFactsEqual(t *testing.T) {
	base := Facts{
		FingerprintB64: "qrvM3e4=",
		ReflexiveAddrs: []string{"203.0.113.7"},
		SymmetricNAT:   false,
	}
	if !base.Equal(base) {
		t.Fatalf("facts must equal themselves")
	}
	changed := base
	changed.SymmetricNAT = true
	if base.Equal(changed) {
		t.Fatalf("differing nat classification must not compare equal")
	}
	changed = base
	changed.ReflexiveAddrs = []string{"198.51.100.3"}
	if base.Equal(changed) {
		t.Fatalf("differing addresses must not compare equal")
	}
	// StartedAt is deliberately excluded: re-probing must only bump the
	// published timestamp when the observable facts changed.
	changed = base
	changed.StartedAt = time.Now()
	if !base.Equal(changed) {
		t.Fatalf("timestamp alone must not make facts unequal")
	}
}

// TestRun_NoICEServers gathers only host candidates: no reflexive addresses,
// no symmetric classification, but a valid fingerprint from the local
// description.
func TestRun_NoICEServers(t *testing.T) {
	cert, err := webrtc.GenerateCertificate(newTestKey(t))
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	facts, err := Run(ctx, nil, *cert, nil, 8*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if facts.FingerprintB64 == "" {
		t.Fatalf("probe returned empty fingerprint")
	}
	if facts.SymmetricNAT {
		t.Fatalf("host-only gathering classified as symmetric NAT")
	}
	if len(facts.ReflexiveAddrs) != 0 {
		t.Fatalf("host-only gathering produced reflexive addrs: %v", facts.ReflexiveAddrs)
	}
	if facts.StartedAt.IsZero() {
		t.Fatalf("probe did not stamp StartedAt")
	}
}
