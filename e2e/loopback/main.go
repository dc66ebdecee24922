// Command loopback runs a full call against a local relay: it starts the
// HTTP/WebSocket server in-process, joins two peers to one room, places a
// call from one to the other, waits for the transport to connect and hangs
// up. Useful for smoke-testing a development environment end to end,
// including real media capture when devices are present.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/talkio/signaling-relay/internal/client"
	"github.com/talkio/signaling-relay/internal/config"
	"github.com/talkio/signaling-relay/internal/eventbus"
	"github.com/talkio/signaling-relay/internal/httpserver"
	"github.com/talkio/signaling-relay/internal/metrics"
	"github.com/talkio/signaling-relay/internal/presence"
	"github.com/talkio/signaling-relay/internal/relay"
	"github.com/talkio/signaling-relay/internal/session"
	"github.com/talkio/signaling-relay/internal/signaling"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Config{
		ListenAddr:           "127.0.0.1:0",
		WSIdleTimeout:        config.DefaultWSIdleTimeout,
		WSPingInterval:       config.DefaultWSPingInterval,
		MaxMessageBytes:      config.DefaultMaxMessageBytes,
		MaxMessagesPerSecond: config.DefaultMaxMessagesPerSecond,
		RingTimeout:          config.DefaultRingTimeout,
	}

	m := metrics.New()
	registry := presence.NewRegistry()
	sig := signaling.NewServer(cfg, registry, relay.New(registry, m, logger), m, logger)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{}, m, sig, nil)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Error("server exited", "err", err)
		}
	}()
	defer srv.Close()

	serverURL := "ws://" + ln.Addr().String() + "/ws"
	logger.Info("relay listening", "url", serverURL)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	alice, aliceEvents, err := connectPeer(ctx, serverURL, "alice", logger)
	if err != nil {
		return err
	}
	defer alice.Close()
	bob, bobEvents, err := connectPeer(ctx, serverURL, "bob", logger)
	if err != nil {
		return err
	}
	defer bob.Close()

	sessionID, err := alice.Call("bob")
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	logger.Info("call placed", "session_id", sessionID)

	if _, err := waitEvent(ctx, bobEvents, eventbus.KindIncomingCall); err != nil {
		return err
	}
	if err := bob.Accept("alice"); err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	if _, err := waitEvent(ctx, aliceEvents, eventbus.KindCallConnected); err != nil {
		return err
	}
	if _, err := waitEvent(ctx, bobEvents, eventbus.KindCallConnected); err != nil {
		return err
	}
	logger.Info("call connected on both sides")

	alice.EndCall("bob")
	ev, err := waitEvent(ctx, bobEvents, eventbus.KindCallEnded)
	if err != nil {
		return err
	}
	if ev.Reason != string(session.ReasonHangup) {
		return fmt.Errorf("unexpected end reason %q", ev.Reason)
	}
	logger.Info("call ended cleanly")
	return nil
}

func connectPeer(ctx context.Context, serverURL, userID string, logger *slog.Logger) (*client.Client, <-chan eventbus.Event, error) {
	c := client.New(client.Config{
		ServerURL:   serverURL,
		RoomID:      "loopback",
		UserID:      userID,
		RingTimeout: config.DefaultRingTimeout,
		Logger:      logger,
	})
	if err := c.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", userID, err)
	}
	events, _ := c.Events()
	return c, events, nil
}

func waitEvent(ctx context.Context, events <-chan eventbus.Event, kind eventbus.Kind) (eventbus.Event, error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return eventbus.Event{}, fmt.Errorf("event stream closed waiting for %q", kind)
			}
			if ev.Kind == kind {
				return ev, nil
			}
		case <-ctx.Done():
			return eventbus.Event{}, fmt.Errorf("timed out waiting for %q", kind)
		}
	}
}
