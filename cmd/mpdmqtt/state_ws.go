package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// This file implements:
//   - A Hub that tracks connected WebSocket clients
//   - Per-client write pumps so one slow client doesn't block others
//   - A broadcaster loop that turns daemon broadcasts into JSON frames
//
// Constraints:
//   - DaemonState stays daemon-owned; the initial snapshot on connect is
//     requested through the event loop.
//   - Slow clients are disconnected when their send buffer fills.
//
// Messages are JSON text frames with an envelope: {type, ts, data}.
//   - "state_init":    wireState, sent once on connect
//   - "state_changed": wireStateChanged, after every publish
//   - "connection":    wireConnection, when MPD or MQTT connects/drops
// ============================================================================

// wireSong is the current song as exposed on the feed.
type wireSong struct {
	File     *string `json:"file,omitempty"`
	Artist   *string `json:"artist,omitempty"`
	Album    *string `json:"album,omitempty"`
	Title    *string `json:"title,omitempty"`
	Track    *string `json:"track,omitempty"`
	Duration *int    `json:"duration,omitempty"`
}

// wirePlayer is the player status as exposed on the feed.
type wirePlayer struct {
	State   PlayState `json:"state"`
	Elapsed int       `json:"elapsed"`
	Volume  *int      `json:"volume,omitempty"`
	Repeat  bool      `json:"repeat"`
	Random  bool      `json:"random"`
	Single  bool      `json:"single"`
}

// wireState is the JSON form of StateSnapshot. Also used by the control socket.
type wireState struct {
	MPDConnected  bool        `json:"mpd_connected"`
	MQTTConnected bool        `json:"mqtt_connected"`
	SingleShot    string      `json:"single_shot"`
	Song          *wireSong   `json:"song,omitempty"`
	Player        *wirePlayer `json:"player,omitempty"`
	UpdatedAt     *time.Time  `json:"updated_at,omitempty"`
}

// wireStateChanged is the JSON `data` payload for "state_changed".
type wireStateChanged struct {
	Song    wireSong          `json:"song"`
	Player  wirePlayer        `json:"player"`
	Changed map[string]string `json:"changed"`
}

// wireConnection is the JSON `data` payload for "connection".
type wireConnection struct {
	Role      string `json:"role"`
	Connected bool   `json:"connected"`
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func toWireSong(s PlayerSnapshot) wireSong {
	return wireSong{
		File:     s.File,
		Artist:   s.Artist,
		Album:    s.Album,
		Title:    s.Title,
		Track:    s.Track,
		Duration: s.Duration,
	}
}

func toWirePlayer(s PlayerSnapshot) wirePlayer {
	return wirePlayer{
		State:   s.State,
		Elapsed: s.Elapsed,
		Volume:  s.Volume,
		Repeat:  s.Repeat,
		Random:  s.Random,
		Single:  s.Single,
	}
}

func toWireState(s StateSnapshot) wireState {
	out := wireState{
		MPDConnected:  s.PlayerConnected,
		MQTTConnected: s.BrokerConnected,
		SingleShot:    s.SingleShot.String(),
	}
	if s.Player != nil {
		song := toWireSong(*s.Player)
		player := toWirePlayer(*s.Player)
		out.Song = &song
		out.Player = &player
	}
	if !s.At.IsZero() {
		at := s.At.UTC()
		out.UpdatedAt = &at
	}
	return out
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size. Zero means 32.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size. Zero means 128.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		safeCloseChan(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		safeCloseChan(c.send)

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // ignore "close of closed channel"
	}()
	close(ch)
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// trySend queues msg without blocking. It reports false when the queue is
// full or the hub has already closed it.
func (c *Client) trySend(msg []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsCoalesceWindow is the maximum time window during which bursty state
// updates (rotary volume, seeks) are merged before broadcasting.
const wsCoalesceWindow = 50 * time.Millisecond

// closeStatus extracts a human-readable websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Debug("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Debug("ws "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump reads and discards incoming messages to detect disconnects and
// handle control frames. It exits on read error, then unregisters the client.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// StateFeed serves the websocket state feed.
type StateFeed struct {
	logger *slog.Logger
	hub    *Hub

	// Initial snapshots are requested through the daemon loop.
	events chan<- Event
}

func NewStateFeed(logger *slog.Logger, hub *Hub, events chan<- Event) *StateFeed {
	return &StateFeed{logger: logger, hub: hub, events: events}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades and registers a client, then sends state_init.
func (s *StateFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Register first so broadcasts that race the snapshot still reach it.
	s.hub.register <- client

	// The pumps must outlive the request context; net/http cancels it when
	// this handler returns.
	go client.writePump()
	go client.readPump()

	snap, err := requestState(r.Context(), s.events, time.Second)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", err)
		}
		return
	}

	now := time.Now().UTC()
	initMsg, err := json.Marshal(envelope{Type: "state_init", Ts: &now, Data: toWireState(snap)})
	if err != nil {
		s.logger.Warn("ws marshal state_init failed", "error", err)
		return
	}

	// If the client is already slow, disconnect.
	if !client.trySend(initMsg) {
		s.hub.unregister <- client
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads daemon broadcasts, marshals them and fans them out to
// all hub clients. Bursts of state_changed are merged: the latest snapshot
// wins and the changed topics accumulate, flushed at most once per
// wsCoalesceWindow. Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	var pending *wireStateChanged
	var pendingAt time.Time
	var timer *time.Timer
	var timerC <-chan time.Time

	send := func(typ string, at time.Time, data any) {
		if at.IsZero() {
			at = time.Now()
		}
		at = at.UTC()
		msg, err := json.Marshal(envelope{Type: typ, Ts: &at, Data: data})
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", typ)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flush := func() {
		if pending != nil {
			send("state_changed", pendingAt, pending)
			pending = nil
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case <-timerC:
			timer = nil
			timerC = nil
			flush()

		case b, ok := <-src:
			if !ok {
				flush()
				logger.Debug("ws broadcaster stopping (source ended)")
				return
			}

			switch ev := b.(type) {
			case BroadcastStateChanged:
				if pending == nil {
					pending = &wireStateChanged{Changed: make(map[string]string)}
				}
				pending.Song = toWireSong(ev.Snapshot)
				pending.Player = toWirePlayer(ev.Snapshot)
				for _, tv := range ev.Changed {
					pending.Changed[tv.Suffix] = tv.Value
				}
				pendingAt = ev.At
				if timer == nil {
					timer = time.NewTimer(wsCoalesceWindow)
					timerC = timer.C
				}

			case BroadcastConnection:
				// Keep ordering: state before the connection change.
				flush()
				send("connection", ev.At, wireConnection{Role: ev.Role, Connected: ev.Connected})
			}
		}
	}
}
