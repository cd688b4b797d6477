// Package wire defines the JSON protocol spoken between clients and the
// rendezvous relay.
//
// The relay protocol encodes peer records and signaling packages as
// fixed-position JSON arrays to keep request bodies small. This package is
// the only place that positional encoding exists: records are decoded into
// named structs at the boundary and nothing past it sees raw arrays.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// PackageKind discriminates signaling packages exchanged through the relay.
type PackageKind string

const (
	KindOffer  PackageKind = "offer"
	KindAnswer PackageKind = "answer"
	KindICE    PackageKind = "ice"
)

func (k PackageKind) valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICE:
		return true
	}
	return false
}

// PeerRecord is one participant's published rendezvous state. On the wire it
// is the positional array
//
//	[sessionID, clientID, isSymmetric, fingerprintB64, startedAt, reflexiveAddrs]
type PeerRecord struct {
	SessionID      string
	ClientID       string
	SymmetricNAT   bool
	FingerprintB64 string
	StartedAt      int64 // unix milliseconds
	ReflexiveAddrs []string
}

const peerRecordFields = 6

func (r PeerRecord) MarshalJSON() ([]byte, error) {
	addrs := r.ReflexiveAddrs
	if addrs == nil {
		addrs = []string{}
	}
	return json.Marshal([]any{
		r.SessionID, r.ClientID, r.SymmetricNAT, r.FingerprintB64, r.StartedAt, addrs,
	})
}

func (r *PeerRecord) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("peer record is not an array: %w", err)
	}
	if len(fields) != peerRecordFields {
		return fmt.Errorf("peer record has %d fields, want %d", len(fields), peerRecordFields)
	}
	if err := json.Unmarshal(fields[0], &r.SessionID); err != nil {
		return fmt.Errorf("peer record sessionId: %w", err)
	}
	if err := json.Unmarshal(fields[1], &r.ClientID); err != nil {
		return fmt.Errorf("peer record clientId: %w", err)
	}
	if err := json.Unmarshal(fields[2], &r.SymmetricNAT); err != nil {
		return fmt.Errorf("peer record isSymmetric: %w", err)
	}
	if err := json.Unmarshal(fields[3], &r.FingerprintB64); err != nil {
		return fmt.Errorf("peer record fingerprint: %w", err)
	}
	if err := json.Unmarshal(fields[4], &r.StartedAt); err != nil {
		return fmt.Errorf("peer record startedAt: %w", err)
	}
	if err := json.Unmarshal(fields[5], &r.ReflexiveAddrs); err != nil {
		return fmt.Errorf("peer record reflexiveAddrs: %w", err)
	}
	return r.Validate()
}

func (r PeerRecord) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("peer record missing sessionId")
	}
	if r.ClientID == "" {
		return fmt.Errorf("peer record missing clientId")
	}
	return nil
}

// Package is one queued signaling message. On the wire it is the positional
// array [to, from, kind, payload]; the same shape is used in both request
// and response bodies.
type Package struct {
	To      string
	From    string
	Kind    PackageKind
	Payload string
}

const packageFields = 4

func (p Package) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.To, p.From, string(p.Kind), p.Payload})
}

func (p *Package) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("package is not an array: %w", err)
	}
	if len(fields) != packageFields {
		return fmt.Errorf("package has %d fields, want %d", len(fields), packageFields)
	}
	if err := json.Unmarshal(fields[0], &p.To); err != nil {
		return fmt.Errorf("package to: %w", err)
	}
	if err := json.Unmarshal(fields[1], &p.From); err != nil {
		return fmt.Errorf("package from: %w", err)
	}
	var kind string
	if err := json.Unmarshal(fields[2], &kind); err != nil {
		return fmt.Errorf("package kind: %w", err)
	}
	p.Kind = PackageKind(kind)
	if err := json.Unmarshal(fields[3], &p.Payload); err != nil {
		return fmt.Errorf("package payload: %w", err)
	}
	return p.Validate()
}

func (p Package) Validate() error {
	if p.To == "" {
		return fmt.Errorf("package missing to")
	}
	if p.From == "" {
		return fmt.Errorf("package missing from")
	}
	if !p.Kind.valid() {
		return fmt.Errorf("package has unsupported kind %q", p.Kind)
	}
	return nil
}

// Request is the body of every relay POST. Record, DataTimestamp and
// ExpirationMs are omitted on the very first request of a session;
// DeleteKey is present only on teardown.
type Request struct {
	RoomID        string      `json:"r"`
	ContextID     string      `json:"k"`
	Record        *PeerRecord `json:"d,omitempty"`
	DataTimestamp int64       `json:"t,omitempty"` // unix milliseconds
	ExpirationMs  int64       `json:"x,omitempty"`
	Packages      []Package   `json:"p,omitempty"`
	DeleteKey     string      `json:"dk,omitempty"`
}

func (q Request) Validate() error {
	if q.RoomID == "" {
		return fmt.Errorf("request missing room id")
	}
	if q.ContextID == "" {
		return fmt.Errorf("request missing context id")
	}
	if q.ExpirationMs < 0 {
		return fmt.Errorf("request has negative expiration")
	}
	if q.Record != nil {
		if err := q.Record.Validate(); err != nil {
			return err
		}
	}
	for i := range q.Packages {
		if err := q.Packages[i].Validate(); err != nil {
			return fmt.Errorf("package %d: %w", i, err)
		}
	}
	return nil
}

// Response is the relay's reply: the room's current peer records, any
// packages addressed to the caller's session, and the caller's delete key.
type Response struct {
	Peers     []PeerRecord `json:"ps"`
	Packages  []Package    `json:"pk"`
	DeleteKey string       `json:"dk"`
}

// ParseRequest strictly decodes a request body. Unknown fields and trailing
// data are rejected so protocol drift surfaces as an error instead of being
// silently ignored.
func ParseRequest(data []byte) (Request, error) {
	var q Request
	if err := strictDecode(data, &q); err != nil {
		return Request{}, err
	}
	if err := q.Validate(); err != nil {
		return Request{}, err
	}
	return q, nil
}

// ParseResponse strictly decodes a relay response body.
func ParseResponse(data []byte) (Response, error) {
	var resp Response
	if err := strictDecode(data, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func strictDecode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
