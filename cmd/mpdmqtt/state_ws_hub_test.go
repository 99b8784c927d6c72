package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// These hub tests exercise fanout and slow-client eviction without network
// I/O: clients carry a nil websocket.Conn and the hub guards against nil.

// newTestHub returns a hub with small buffers for deterministic tests.
func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(slog.Default(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func runHub(t *testing.T, hub *Hub) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for hub to stop")
		}
	})
	return cancel
}

func registerClient(t *testing.T, hub *Hub, name string, sendBuf int) *Client {
	t.Helper()
	c := &Client{
		hub:        hub,
		send:       make(chan []byte, sendBuf),
		remoteAddr: name,
		logger:     slog.Default(),
	}
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, name+" not registered in time")
	return c
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	runHub(t, hub)

	c1 := registerClient(t, hub, "c1", 4)
	c2 := registerClient(t, hub, "c2", 4)

	msg := []byte(`{"type":"state_changed","data":{"changed":{"player/volume":"40"}}}`)
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, string(got), string(msg))
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	runHub(t, hub)

	slow := registerClient(t, hub, "slow", 1)
	fast := registerClient(t, hub, "fast", 8)

	// Pre-fill the slow client's buffer to simulate it being stuck.
	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"connection","data":{"role":"mqtt","connected":false}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", string(got), string(msg))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	select {
	case <-slow.send:
	default:
	}

	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")

	if n := hub.Len(); n != 1 {
		t.Fatalf("expected 1 client left, got %d", n)
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	cancel := runHub(t, hub)

	c := registerClient(t, hub, "c", 4)
	cancel()

	waitUntil(t, 500*time.Millisecond, func() bool {
		select {
		case _, ok := <-c.send:
			return !ok
		default:
			return false
		}
	}, "expected send channel to be closed on shutdown")
}

func decodeEnvelope(t *testing.T, raw []byte) (string, map[string]any) {
	t.Helper()
	var env struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal %q: %v", string(raw), err)
	}
	return env.Type, env.Data
}

func TestBroadcaster_CoalescesStateChanges(t *testing.T) {
	hub := newTestHub(t, 8, 8)
	runHub(t, hub)
	c := registerClient(t, hub, "c", 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := make(chan StateBroadcast, 8)
	go RunBroadcaster(ctx, hub, src, slog.Default())

	snap := PlayerSnapshot{State: StatePlay, Volume: ptr(40)}
	src <- BroadcastStateChanged{Snapshot: snap, Changed: []TopicValue{{topicPlayerVolume, "40"}}, At: time.Now()}
	snap.Volume = ptr(42)
	src <- BroadcastStateChanged{Snapshot: snap, Changed: []TopicValue{{topicPlayerVolume, "42"}}, At: time.Now()}
	snap.Elapsed = 7
	src <- BroadcastStateChanged{Snapshot: snap, Changed: []TopicValue{{topicPlayerElapsed, "7"}}, At: time.Now()}

	select {
	case raw := <-c.send:
		typ, data := decodeEnvelope(t, raw)
		if typ != "state_changed" {
			t.Fatalf("type = %q, want state_changed", typ)
		}
		changed := data["changed"].(map[string]any)
		if changed["player/volume"] != "42" || changed["player/elapsed"] != "7" {
			t.Fatalf("unexpected changed set: %v", changed)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for coalesced state_changed")
	}

	select {
	case raw := <-c.send:
		t.Fatalf("expected a single coalesced frame, got another: %s", raw)
	case <-time.After(3 * wsCoalesceWindow):
	}
}

func TestBroadcaster_FlushesStateBeforeConnection(t *testing.T) {
	hub := newTestHub(t, 8, 8)
	runHub(t, hub)
	c := registerClient(t, hub, "c", 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := make(chan StateBroadcast, 8)
	go RunBroadcaster(ctx, hub, src, slog.Default())

	src <- BroadcastStateChanged{Snapshot: PlayerSnapshot{State: StateStop}, Changed: []TopicValue{{topicPlayerState, "stop"}}}
	src <- BroadcastConnection{Role: "mpd", Connected: false}

	var types []string
	for len(types) < 2 {
		select {
		case raw := <-c.send:
			typ, _ := decodeEnvelope(t, raw)
			types = append(types, typ)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for frames, got %v", types)
		}
	}
	if types[0] != "state_changed" || types[1] != "connection" {
		t.Fatalf("frame order = %v, want [state_changed connection]", types)
	}
}

func TestStateFeed_SendsStateInitOnConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, 8, 8)
	runHub(t, hub)

	events := make(chan Event)
	go answerStateRequests(ctx, events, StateSnapshot{
		Player:          &PlayerSnapshot{Title: ptr("Song A"), State: StatePlay},
		PlayerConnected: true,
		BrokerConnected: true,
	})

	srv := httptest.NewServer(NewStateFeed(slog.Default(), hub, events))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	typ, data := decodeEnvelope(t, raw)
	if typ != "state_init" {
		t.Fatalf("type = %q, want state_init", typ)
	}
	if data["mpd_connected"] != true || data["mqtt_connected"] != true {
		t.Fatalf("unexpected connection flags: %v", data)
	}
	song := data["song"].(map[string]any)
	if song["title"] != "Song A" {
		t.Fatalf("song title = %v, want Song A", song["title"])
	}

	// Later broadcasts reach the same client.
	waitUntil(t, 500*time.Millisecond, func() bool { return hub.Len() == 1 }, "feed client not registered")
	hub.BroadcastBytes([]byte(`{"type":"connection","data":{"role":"mpd","connected":false}}`))
	_, raw, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ, _ := decodeEnvelope(t, raw); typ != "connection" {
		t.Fatalf("type = %q, want connection", typ)
	}
}
