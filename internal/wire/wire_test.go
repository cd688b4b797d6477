package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPeerRecordRoundTrip(t *testing.T) {
	rec := PeerRecord{
		SessionID:      "s-1111",
		ClientID:       "alice",
		SymmetricNAT:   true,
		FingerprintB64: "3q2+7w==",
		StartedAt:      1723948800123,
		ReflexiveAddrs: []string{"203.0.113.7:41641", "203.0.113.7:41642"},
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `["s-1111","alice",true,"3q2+7w==",1723948800123,["203.0.113.7:41641","203.0.113.7:41642"]]`
	if string(data) != want {
		t.Fatalf("positional encoding:\n got %s\nwant %s", data, want)
	}

	var back PeerRecord
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.SessionID != rec.SessionID || back.ClientID != rec.ClientID ||
		back.SymmetricNAT != rec.SymmetricNAT || back.FingerprintB64 != rec.FingerprintB64 ||
		back.StartedAt != rec.StartedAt || len(back.ReflexiveAddrs) != 2 {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestPeerRecordNilAddrsEncodeAsEmptyArray(t *testing.T) {
	data, err := json.Marshal(PeerRecord{SessionID: "s", ClientID: "c"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.HasSuffix(string(data), `[]]`) {
		t.Fatalf("nil addrs should encode as [], got %s", data)
	}
}

func TestPeerRecordUnmarshalErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"not array", `{"sessionId":"x"}`},
		{"short arity", `["s","c",false,"fp",1]`},
		{"long arity", `["s","c",false,"fp",1,[],"extra"]`},
		{"bad symmetric type", `["s","c","yes","fp",1,[]]`},
		{"bad startedAt type", `["s","c",false,"fp","soon",[]]`},
		{"empty sessionId", `["","c",false,"fp",1,[]]`},
		{"empty clientId", `["s","",false,"fp",1,[]]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rec PeerRecord
			if err := json.Unmarshal([]byte(tc.in), &rec); err == nil {
				t.Fatalf("unmarshal %s: expected error", tc.in)
			}
		})
	}
}

func TestPackageRoundTrip(t *testing.T) {
	p := Package{To: "s-2", From: "s-1", Kind: KindOffer, Payload: "v=0\r\n..."}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `["s-2","s-1","offer","v=0\r\n..."]`
	if string(data) != want {
		t.Fatalf("positional encoding: got %s want %s", data, want)
	}

	var back Package
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", back, p)
	}
}

func TestPackageRejectsUnknownKind(t *testing.T) {
	var p Package
	if err := json.Unmarshal([]byte(`["a","b","ping","x"]`), &p); err == nil {
		t.Fatalf("expected error for kind %q", "ping")
	}
}

func TestParseRequestFirstPoll(t *testing.T) {
	q, err := ParseRequest([]byte(`{"r":"room1","k":"ctx-abc"}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if q.RoomID != "room1" || q.ContextID != "ctx-abc" {
		t.Fatalf("parsed request: %+v", q)
	}
	if q.Record != nil || q.Packages != nil || q.DeleteKey != "" {
		t.Fatalf("first poll should carry no record/packages/deleteKey: %+v", q)
	}
}

func TestParseRequestFull(t *testing.T) {
	body := `{"r":"room1","k":"ctx-abc","d":["s-1","alice",false,"fp",5,[]],"t":5,"x":120000,"p":[["s-2","s-1","ice","{}"]]}`
	q, err := ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if q.Record == nil || q.Record.ClientID != "alice" {
		t.Fatalf("record not decoded: %+v", q.Record)
	}
	if len(q.Packages) != 1 || q.Packages[0].Kind != KindICE {
		t.Fatalf("packages not decoded: %+v", q.Packages)
	}
	if q.ExpirationMs != 120000 {
		t.Fatalf("ExpirationMs: got %d want 120000", q.ExpirationMs)
	}
}

func TestParseRequestRejectsUnknownField(t *testing.T) {
	if _, err := ParseRequest([]byte(`{"r":"room1","k":"ctx","zz":1}`)); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestParseRequestRejectsTrailingData(t *testing.T) {
	if _, err := ParseRequest([]byte(`{"r":"room1","k":"ctx"}{"r":"x"}`)); err == nil {
		t.Fatalf("expected trailing-data error")
	}
}

func TestParseRequestRejectsMissingIDs(t *testing.T) {
	for _, body := range []string{`{"k":"ctx"}`, `{"r":"room1"}`} {
		if _, err := ParseRequest([]byte(body)); err == nil {
			t.Fatalf("ParseRequest(%s): expected error", body)
		}
	}
}

func TestRequestOmitsEmptyOptionalFields(t *testing.T) {
	data, err := json.Marshal(Request{RoomID: "room1", ContextID: "ctx"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"r":"room1","k":"ctx"}`; string(data) != want {
		t.Fatalf("first-poll encoding: got %s want %s", data, want)
	}
}

func TestParseResponse(t *testing.T) {
	body := `{"ps":[["s-2","bob",true,"fp",9,["198.51.100.2:9"]]],"pk":[["s-1","s-2","answer","v=0"]],"dk":"delkey"}`
	resp, err := ParseResponse([]byte(body))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].ClientID != "bob" {
		t.Fatalf("peers: %+v", resp.Peers)
	}
	if len(resp.Packages) != 1 || resp.Packages[0].Kind != KindAnswer {
		t.Fatalf("packages: %+v", resp.Packages)
	}
	if resp.DeleteKey != "delkey" {
		t.Fatalf("delete key: got %q", resp.DeleteKey)
	}
}

func TestParseResponseRejectsMalformedPeer(t *testing.T) {
	if _, err := ParseResponse([]byte(`{"ps":[["only-two","fields"]],"pk":[],"dk":""}`)); err == nil {
		t.Fatalf("expected arity error")
	}
}
