// Loopback end-to-end check: starts an in-process rendezvous relay, joins two
// instances to the same room over 127.0.0.1, and verifies discovery, the
// direct connection, and message exchange in both directions, including one
// payload large enough to be chunked. Prints PASS and exits 0 on success.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/peerlink/peerlink"
	"github.com/peerlink/peerlink/internal/relay"
)

const deadline = 60 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL %v\n", err)
		os.Exit(1)
	}
	fmt.Println("PASS")
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	rly := relay.NewServer(relay.ServerConfig{Logger: logger})
	mux := http.NewServeMux()
	rly.RegisterRoutes(mux)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	relayURL := "http://" + ln.Addr().String() + "/"
	fmt.Printf("relay listening on %s\n", relayURL)

	opts := peerlink.Options{
		RelayURL:                  relayURL,
		IncludeLoopbackCandidates: true,
		FastPollInterval:          100 * time.Millisecond,
		SlowPollInterval:          200 * time.Millisecond,
		ProbeTimeout:              5 * time.Second,
		ConnectTimeout:            30 * time.Second,
		Logger:                    logger,
	}

	alice, err := peerlink.New("alice", "loopback", opts)
	if err != nil {
		return err
	}
	defer alice.Close()
	bob, err := peerlink.New("bobby", "loopback", opts)
	if err != nil {
		return err
	}
	defer bob.Close()

	aliceUp := make(chan struct{})
	bobUp := make(chan struct{})
	alice.OnPeerConnect(func(peerlink.PeerInfo) { close(aliceUp) })
	bob.OnPeerConnect(func(peerlink.PeerInfo) { close(bobUp) })

	aliceGot := make(chan []byte, 4)
	bobGot := make(chan []byte, 4)
	alice.OnMessage(func(_ peerlink.PeerInfo, data []byte) { aliceGot <- data })
	bob.OnMessage(func(_ peerlink.PeerInfo, data []byte) { bobGot <- data })

	if err := alice.Start(ctx); err != nil {
		return fmt.Errorf("alice start: %w", err)
	}
	if err := bob.Start(ctx); err != nil {
		return fmt.Errorf("bob start: %w", err)
	}

	if err := await(ctx, aliceUp, "alice connect"); err != nil {
		return err
	}
	if err := await(ctx, bobUp, "bob connect"); err != nil {
		return err
	}
	fmt.Println("peers connected")

	if err := alice.Broadcast([]byte("hello from alice")); err != nil {
		return fmt.Errorf("alice broadcast: %w", err)
	}
	if err := expect(ctx, bobGot, []byte("hello from alice"), "bob receive"); err != nil {
		return err
	}

	if err := bob.Broadcast([]byte("hello from bob")); err != nil {
		return fmt.Errorf("bob broadcast: %w", err)
	}
	if err := expect(ctx, aliceGot, []byte("hello from bob"), "alice receive"); err != nil {
		return err
	}

	big := bytes.Repeat([]byte{0x7e}, 100_000)
	if err := alice.Broadcast(big); err != nil {
		return fmt.Errorf("alice broadcast large: %w", err)
	}
	if err := expect(ctx, bobGot, big, "bob receive large"); err != nil {
		return err
	}
	fmt.Println("messages exchanged")

	return nil
}

func await(ctx context.Context, ch <-chan struct{}, what string) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", what, ctx.Err())
	}
}

func expect(ctx context.Context, ch <-chan []byte, want []byte, what string) error {
	select {
	case got := <-ch:
		if !bytes.Equal(got, want) {
			return fmt.Errorf("%s: got %d bytes, want %d", what, len(got), len(want))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", what, ctx.Err())
	}
}
