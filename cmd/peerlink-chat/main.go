// Peerlink-chat is a terminal chat demo: every participant that joins the
// same room on the same relay gets a direct peer-to-peer connection to the
// others, and each typed line is broadcast over those connections. The relay
// only ever sees the handshake.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/peerlink/peerlink"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	relayURL := flag.String("relay", "", "Rendezvous relay URL (e.g. https://relay.example.com/)")
	room := flag.String("room", "", "Room to join")
	name := flag.String("name", "", "Display name (min 4 characters)")
	stun := flag.String("stun", "stun:stun.l.google.com:19302", "Comma-separated STUN URLs; empty for host candidates only")
	token := flag.String("token", "", "Bearer token for relays requiring auth")
	loopback := flag.Bool("loopback", false, "Allow loopback candidates (same-host demos)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	pterm.Info.Println(fmt.Sprintf("peerlink-chat — v%s", version))
	pterm.Println()

	if *relayURL == "" {
		pterm.Error.Println("missing -relay URL")
		os.Exit(1)
	}
	if *room == "" {
		*room = ask("Room to join")
	}
	if *name == "" {
		*name = ask("Your display name")
	}

	logLevel := slog.LevelError
	if *debugMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	inst, err := peerlink.New(*name, *room, peerlink.Options{
		RelayURL:                  *relayURL,
		ICEServers:                iceServers(*stun),
		AuthToken:                 *token,
		IncludeLoopbackCandidates: *loopback,
		Logger:                    logger,
	})
	if err != nil {
		pterm.Error.Printfln("setup failed: %v", err)
		os.Exit(1)
	}
	defer inst.Close()

	inst.OnPeerConnect(func(p peerlink.PeerInfo) {
		pterm.Success.Printfln("%s joined", p.ClientID)
	})
	inst.OnPeerClose(func(p peerlink.PeerInfo) {
		pterm.Warning.Printfln("%s left", p.ClientID)
	})
	inst.OnMessage(func(p peerlink.PeerInfo, data []byte) {
		pterm.Printfln("%s %s", pterm.Cyan("["+p.ClientID+"]"), string(data))
	})
	inst.OnError(func(err error) {
		if *debugMode {
			pterm.Debug.Printfln("%v", err)
		}
	})

	spinner, _ := pterm.DefaultSpinner.Start("probing network and joining room " + *room)
	if err := inst.Start(ctx); err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	spinner.Success("joined room " + *room + " — waiting for peers")
	pterm.Info.Println("type to chat, /peers to list peers, /quit to leave")
	pterm.Println()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			pterm.Println()
			pterm.Info.Println("leaving room")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				pterm.Info.Println("leaving room")
				return
			case line == "/peers":
				printPeers(inst)
			default:
				if err := inst.Broadcast([]byte(line)); err != nil {
					pterm.Warning.Printfln("send failed: %v", err)
				}
			}
		}
	}
}

func printPeers(inst *peerlink.Instance) {
	peers := inst.Peers()
	if len(peers) == 0 {
		pterm.Info.Println("no connected peers")
		return
	}
	rows := pterm.TableData{{"Name", "Session"}}
	for _, p := range peers {
		rows = append(rows, []string{p.ClientID, p.SessionID})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func iceServers(stun string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, u := range strings.Split(stun, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

func ask(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		raw = strings.TrimSpace(raw)
		if len(raw) >= peerlink.MinIdentifierLen {
			pterm.Println()
			return raw
		}
		pterm.Warning.Printfln("need at least %d characters", peerlink.MinIdentifierLen)
	}
}
