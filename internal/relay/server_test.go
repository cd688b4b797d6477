package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/peerlink/peerlink/internal/auth"
	"github.com/peerlink/peerlink/internal/ratelimit"
	"github.com/peerlink/peerlink/internal/wire"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func postExchange(t *testing.T, ts *httptest.Server, req wire.Request, headers map[string]string) (*http.Response, wire.Response) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, ts.URL+"/", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(httpReq)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded wire.Response
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, decoded
}

func TestServerExchangeRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	respA, decodedA := postExchange(t, ts, wire.Request{
		RoomID: "room", ContextID: "ctx-a", Record: testRecord("sess-a", "alice", 100),
	}, nil)
	if respA.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", respA.StatusCode)
	}
	if decodedA.DeleteKey == "" {
		t.Fatal("expected delete key")
	}

	respB, decodedB := postExchange(t, ts, wire.Request{
		RoomID: "room", ContextID: "ctx-b",
		Record: testRecord("sess-b", "bob", 200),
		Packages: []wire.Package{
			{To: "sess-a", From: "sess-b", Kind: wire.KindOffer, Payload: "v=0"},
		},
	}, nil)
	if respB.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", respB.StatusCode)
	}
	if len(decodedB.Peers) != 1 || decodedB.Peers[0].SessionID != "sess-a" {
		t.Fatalf("b sees %+v, want sess-a", decodedB.Peers)
	}

	_, decodedA2 := postExchange(t, ts, wire.Request{
		RoomID: "room", ContextID: "ctx-a", Record: testRecord("sess-a", "alice", 100),
	}, nil)
	if len(decodedA2.Packages) != 1 || decodedA2.Packages[0].Kind != wire.KindOffer {
		t.Fatalf("a got packages %+v, want one offer", decodedA2.Packages)
	}
}

func TestServerWireShapeIsPositional(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	postExchange(t, ts, wire.Request{
		RoomID: "room", ContextID: "ctx-a", Record: testRecord("sess-a", "alice", 100),
	}, nil)

	body, err := json.Marshal(wire.Request{RoomID: "room", ContextID: "ctx-b"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := ts.Client().Post(ts.URL+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var raw struct {
		Peers []json.RawMessage `json:"ps"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw.Peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(raw.Peers))
	}
	if !bytes.HasPrefix(raw.Peers[0], []byte(`["sess-a"`)) {
		t.Fatalf("peer record is not a positional array: %s", raw.Peers[0])
	}
}

func TestServerRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{MaxBodyBytes: 256})

	resp, err := ts.Client().Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", resp.StatusCode)
	}

	resp, err = ts.Client().Post(ts.URL+"/", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", resp.StatusCode)
	}

	resp, err = ts.Client().Post(ts.URL+"/", "application/json",
		strings.NewReader(`{"r":"room","k":"ctx","unknown":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want 400", resp.StatusCode)
	}

	big := strings.NewReader(`{"r":"room","k":"` + strings.Repeat("x", 300) + `"}`)
	resp, err = ts.Client().Post(ts.URL+"/", "application/json", big)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body status = %d, want 413", resp.StatusCode)
	}

	resp, err = ts.Client().Post(ts.URL+"/nope", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status = %d, want 404", resp.StatusCode)
	}
}

func TestServerAPIKeyAuth(t *testing.T) {
	verifier, err := auth.NewVerifier(auth.ModeAPIKey, "sekrit", "", time.Now)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	_, ts := newTestServer(t, ServerConfig{Verifier: verifier})

	resp, _ := postExchange(t, ts, wire.Request{RoomID: "room", ContextID: "ctx-a"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp, _ = postExchange(t, ts, wire.Request{RoomID: "room", ContextID: "ctx-a"},
		map[string]string{"Authorization": "Bearer sekrit"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestServerRoomTokenAuth(t *testing.T) {
	verifier, err := auth.NewVerifier(auth.ModeToken, "", "signing-secret", time.Now)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	_, ts := newTestServer(t, ServerConfig{Verifier: verifier})

	token, err := auth.MintToken("signing-secret", "room", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	resp, _ := postExchange(t, ts, wire.Request{RoomID: "room", ContextID: "ctx-a"},
		map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token status = %d, want 200", resp.StatusCode)
	}

	resp, _ = postExchange(t, ts, wire.Request{RoomID: "other-room", ContextID: "ctx-a"},
		map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong room status = %d, want 401", resp.StatusCode)
	}
}

func TestServerDeleteKeyOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	_, decoded := postExchange(t, ts, wire.Request{
		RoomID: "room", ContextID: "ctx-a", Record: testRecord("sess-a", "alice", 100),
	}, nil)

	resp, _ := postExchange(t, ts, wire.Request{
		RoomID: "room", ContextID: "ctx-a", DeleteKey: "wrong",
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong key status = %d, want 403", resp.StatusCode)
	}

	resp, _ = postExchange(t, ts, wire.Request{
		RoomID: "room", ContextID: "ctx-a", DeleteKey: decoded.DeleteKey,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
}

func TestServerWatchStream(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	postExchange(t, ts, wire.Request{
		RoomID: "watchroom", ContextID: "ctx-a", Record: testRecord("sess-a", "alice", 100),
	}, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/watch?r=watchroom"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial watch: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot watchEvent
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != "snapshot" || len(snapshot.Peers) != 1 {
		t.Fatalf("got %+v, want snapshot with one peer", snapshot)
	}

	postExchange(t, ts, wire.Request{
		RoomID: "watchroom", ContextID: "ctx-b", Record: testRecord("sess-b", "bob", 200),
	}, nil)

	var joined watchEvent
	if err := conn.ReadJSON(&joined); err != nil {
		t.Fatalf("read join: %v", err)
	}
	if joined.Type != string(EventJoin) || joined.SessionID != "sess-b" {
		t.Fatalf("got %+v, want join of sess-b", joined)
	}
}

func TestServerWatchRejectsMissingRoom(t *testing.T) {
	_, ts := newTestServer(t, ServerConfig{})

	resp, err := ts.Client().Get(ts.URL + "/watch")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServerRateLimitsRequests(t *testing.T) {
	mock := clock.NewMock()
	limiter := ratelimit.NewClientLimiter(mock, ratelimit.ClientConfig{
		RequestsPerSecond: 1,
		RequestBurst:      1,
	})
	_, ts := newTestServer(t, ServerConfig{Limiter: limiter, Clock: mock})

	resp, _ := postExchange(t, ts, wire.Request{RoomID: "room", ContextID: "ctx-a"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}
	resp, _ = postExchange(t, ts, wire.Request{RoomID: "room", ContextID: "ctx-a"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp.StatusCode)
	}

	mock.Add(time.Second)
	resp, _ = postExchange(t, ts, wire.Request{RoomID: "room", ContextID: "ctx-a"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after refill = %d, want 200", resp.StatusCode)
	}
}
