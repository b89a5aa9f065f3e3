package endpoint

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/silviot/live_translation_relay_go/pkg/bus"
	"github.com/silviot/live_translation_relay_go/pkg/negotiation"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
	"github.com/silviot/live_translation_relay_go/pkg/rendezvous"
)

func startHub(t *testing.T) (*bus.Hub, string) {
	t.Helper()
	hub := bus.NewHub(bus.HubConfig{})
	go hub.Run()

	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func joinRoom(t *testing.T, url, room string, role protocol.Role) *participant {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws := bus.NewWebSocket(bus.WebSocketConfig{URL: url + "?room=" + room, MinBackoff: 10 * time.Millisecond})
	if err := ws.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	p := newParticipant(t, ws, role)
	if err := p.ep.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return p
}

// TestCallThroughHub runs a full call over the WebSocket hub. A third
// endpoint in another room must never pair with either participant.
func TestCallThroughHub(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	hub, url := startHub(t)
	customer := joinRoom(t, url, "branch-1", protocol.RoleCustomer)
	agent := joinRoom(t, url, "branch-1", protocol.RoleAgent)
	stranger := joinRoom(t, url, "branch-2", protocol.RoleAgent)

	waitFor(t, time.Second, func() bool { return hub.ClientCount() == 3 })

	waitFor(t, 3*time.Second, func() bool {
		c, a := customer.ep.Snapshot(), agent.ep.Snapshot()
		return c.Peer.State == negotiation.StateStable && a.Peer.State == negotiation.StateStable &&
			c.Connected && a.Connected
	})

	customer.capturer.frames <- frame()
	waitFor(t, 2*time.Second, func() bool {
		return agent.sink.count() == 1 && len(agent.ep.Transcripts()) == 1
	})

	if s := stranger.ep.Snapshot(); s.Rendezvous != rendezvous.StateSearching || len(s.Transcripts) != 0 {
		t.Errorf("endpoint in another room paired: %+v", s)
	}
	if stranger.sink.count() != 0 {
		t.Error("audio leaked across rooms")
	}
}
