package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// fakeMPD: an in-memory MPD server; every dial yields a new fakePlayer
// connection sharing the same server state.
// ============================================================================

type fakeMPD struct {
	mu      sync.Mutex
	status  map[string]string
	song    map[string]string
	calls   []string
	conns   []*fakePlayer
	dialErr error

	// rejectNext makes the next control call fail with an ACK-style error.
	rejectNext error
}

func newFakeMPD() *fakeMPD {
	return &fakeMPD{
		status: map[string]string{
			"state":    "play",
			"repeat":   "0",
			"random":   "0",
			"single":   "0",
			"volume":   "50",
			"elapsed":  "12.4",
			"duration": "200.6",
		},
		song: map[string]string{
			"file":     "a.flac",
			"Artist":   "Artist A",
			"Album":    "Album A",
			"Title":    "Song A",
			"Track":    "1",
			"Time":     "201",
			"duration": "200.6",
		},
	}
}

func (m *fakeMPD) dial(context.Context) (Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	p := &fakePlayer{
		mpd:     m,
		changes: make(chan string, 16),
		errs:    make(chan error, 1),
	}
	m.conns = append(m.conns, p)
	return p, nil
}

func (m *fakeMPD) current() *fakePlayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) == 0 {
		return nil
	}
	return m.conns[len(m.conns)-1]
}

func (m *fakeMPD) dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *fakeMPD) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// set mutates server state and notifies the live connection, like another
// MPD client would.
func (m *fakeMPD) set(key, value string) {
	m.mu.Lock()
	m.status[key] = value
	m.mu.Unlock()
	m.notify("player")
}

func (m *fakeMPD) notify(subsystem string) {
	if p := m.current(); p != nil {
		select {
		case p.changes <- subsystem:
		default:
		}
	}
}

// endOfSong simulates the current song finishing: MPD stops when single is
// set and otherwise moves on.
func (m *fakeMPD) endOfSong() {
	m.mu.Lock()
	if m.status["single"] == "1" {
		m.status["state"] = "stop"
		m.status["elapsed"] = "0"
	} else {
		m.song["file"] = "b.flac"
		m.song["Title"] = "Song B"
		m.status["elapsed"] = "0"
	}
	m.mu.Unlock()
	m.notify("player")
}

// dropConnection breaks the live connection's idle channel.
func (m *fakeMPD) dropConnection() {
	if p := m.current(); p != nil {
		p.errs <- &UpstreamError{Op: "idle", Err: io.EOF}
	}
}

type fakePlayer struct {
	mpd     *fakeMPD
	changes chan string
	errs    chan error

	mu     sync.Mutex
	closed bool
}

func (p *fakePlayer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// do records a control call and applies fn to server state.
func (p *fakePlayer) do(name string, fn func(m *fakeMPD)) error {
	if p.isClosed() {
		return &UpstreamError{Op: name, Err: errors.New("connection closed")}
	}
	m := p.mpd
	m.mu.Lock()
	m.calls = append(m.calls, name)
	if err := m.rejectNext; err != nil {
		m.rejectNext = nil
		m.mu.Unlock()
		return &RejectedError{Op: name, Err: err}
	}
	if fn != nil {
		fn(m)
	}
	m.mu.Unlock()
	return nil
}

func (p *fakePlayer) read(which func(m *fakeMPD) map[string]string) (map[string]string, error) {
	if p.isClosed() {
		return nil, &UpstreamError{Op: "read", Err: errors.New("connection closed")}
	}
	p.mpd.mu.Lock()
	defer p.mpd.mu.Unlock()
	out := make(map[string]string)
	for k, v := range which(p.mpd) {
		out[k] = v
	}
	return out, nil
}

func (p *fakePlayer) Status() (map[string]string, error) {
	return p.read(func(m *fakeMPD) map[string]string { return m.status })
}

func (p *fakePlayer) CurrentSong() (map[string]string, error) {
	return p.read(func(m *fakeMPD) map[string]string { return m.song })
}

func (p *fakePlayer) Play() error {
	return p.do("play", func(m *fakeMPD) { m.status["state"] = "play" })
}

func (p *fakePlayer) Pause() error {
	return p.do("pause", func(m *fakeMPD) { m.status["state"] = "pause" })
}

func (p *fakePlayer) Stop() error {
	return p.do("stop", func(m *fakeMPD) { m.status["state"] = "stop" })
}

func (p *fakePlayer) Next() error {
	return p.do("next", func(m *fakeMPD) {
		m.song["file"] = "b.flac"
		m.song["Title"] = "Song B"
	})
}

func (p *fakePlayer) SetVolume(v int) error {
	return p.do("setvol "+strconv.Itoa(v), func(m *fakeMPD) { m.status["volume"] = strconv.Itoa(v) })
}

func (p *fakePlayer) SetRepeat(on bool) error {
	return p.do("repeat "+formatBool(on), func(m *fakeMPD) { m.status["repeat"] = formatBool(on) })
}

func (p *fakePlayer) SetRandom(on bool) error {
	return p.do("random "+formatBool(on), func(m *fakeMPD) { m.status["random"] = formatBool(on) })
}

func (p *fakePlayer) SetSingle(on bool) error {
	return p.do("single "+formatBool(on), func(m *fakeMPD) { m.status["single"] = formatBool(on) })
}

func (p *fakePlayer) Ping() error { return p.do("ping", nil) }

func (p *fakePlayer) Changes() <-chan string { return p.changes }
func (p *fakePlayer) Errors() <-chan error   { return p.errs }

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// ============================================================================
// fakeBrokerServer: an in-memory broker; every dial yields a new session.
// ============================================================================

type fakeBrokerServer struct {
	mu         sync.Mutex
	published  []Message
	retained   []bool
	sessions   []*fakeBroker
	failNext   int // number of upcoming publishes to reject
	subscribed []string
	dialErr    error

	// onPublish runs after each accepted publish with the running count.
	onPublish func(n int)
}

func (s *fakeBrokerServer) dial(context.Context) (Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	b := &fakeBroker{
		server: s,
		msgs:   make(chan Message, 16),
		lost:   make(chan error, 1),
	}
	s.sessions = append(s.sessions, b)
	return b, nil
}

func (s *fakeBrokerServer) current() *fakeBroker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) == 0 {
		return nil
	}
	return s.sessions[len(s.sessions)-1]
}

func (s *fakeBrokerServer) dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *fakeBrokerServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

// since returns publications from index i on.
func (s *fakeBrokerServer) since(i int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i > len(s.published) {
		return nil
	}
	return append([]Message(nil), s.published[i:]...)
}

// latest returns the last payload published on topic.
func (s *fakeBrokerServer) latest(topic string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.published) - 1; i >= 0; i-- {
		if s.published[i].Topic == topic {
			return s.published[i].Payload, true
		}
	}
	return "", false
}

// send delivers an incoming message on the live session.
func (s *fakeBrokerServer) send(topic, payload string) {
	if b := s.current(); b != nil {
		b.msgs <- Message{Topic: topic, Payload: payload}
	}
}

type fakeBroker struct {
	server *fakeBrokerServer
	msgs   chan Message
	lost   chan error

	mu     sync.Mutex
	closed bool
}

func (b *fakeBroker) Publish(ctx context.Context, topic, payload string, retain bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("not connected")
	}

	s := b.server
	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.published = append(s.published, Message{Topic: topic, Payload: payload})
	s.retained = append(s.retained, retain)
	n, hook := len(s.published), s.onPublish
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

func (b *fakeBroker) Subscribe(pattern string) error {
	b.server.mu.Lock()
	defer b.server.mu.Unlock()
	b.server.subscribed = append(b.server.subscribed, pattern)
	return nil
}

func (b *fakeBroker) Messages() <-chan Message { return b.msgs }
func (b *fakeBroker) Lost() <-chan error       { return b.lost }

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// ============================================================================
// Daemon harness
// ============================================================================

type harness struct {
	t      *testing.T
	mpd    *fakeMPD
	broker *fakeBrokerServer
	events chan Event
	bcasts chan StateBroadcast
	cancel context.CancelFunc
	done   chan error
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// shortSleep keeps failing dials from spinning while a test waits.
func shortSleep(ctx context.Context, _ time.Duration) error { return sleepCtx(ctx, time.Millisecond) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		t:      t,
		mpd:    newFakeMPD(),
		broker: &fakeBrokerServer{},
		events: make(chan Event, eventQueueSize),
		bcasts: make(chan StateBroadcast, 256),
	}
}

// start runs the daemon and waits for the initial full publish.
func (h *harness) start(retain bool) {
	h.t.Helper()
	h.run(retain)
	h.waitPublished(12, "initial full publish")
}

// run starts the daemon without waiting for either connection.
func (h *harness) run(retain bool) {
	h.t.Helper()

	sup := NewSupervisor(h.mpd.dial, SubscribedBroker(h.broker.dial, "mpd"), Backoff{Initial: time.Second, Max: 30 * time.Second}, testLogger())
	sup.sleep = shortSleep

	d := NewDaemon(DaemonConfig{TopicBase: "mpd", Retain: retain}, sup, h.events, h.bcasts, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- d.Run(ctx) }()

	h.t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timeout waiting for daemon to stop")
	}
	h.cancel = nil
}

func (h *harness) waitPublished(n int, msg string) {
	h.t.Helper()
	waitUntil(h.t, time.Second, func() bool { return h.broker.count() >= n }, fmt.Sprintf("%s: want %d publications", msg, n))
}

// waitTopic waits until topic's latest payload equals want.
func (h *harness) waitTopic(topic, want string) {
	h.t.Helper()
	waitUntil(h.t, time.Second, func() bool {
		got, ok := h.broker.latest(topic)
		return ok && got == want
	}, fmt.Sprintf("%s never became %q", topic, want))
}

// state round-trips through the loop. Since events are handled in order, it
// also acts as a barrier for everything queued before it.
func (h *harness) state() StateSnapshot {
	h.t.Helper()
	reply := make(chan StateSnapshot, 1)
	h.events <- RequestStateSnapshot{Reply: reply}
	select {
	case s := <-reply:
		return s
	case <-time.After(time.Second):
		h.t.Fatalf("timeout waiting for state snapshot")
		return StateSnapshot{}
	}
}

func (h *harness) command(topic, payload string) {
	h.events <- LocalCommand{Msg: CommandMessage{Topic: topic, Payload: payload}, Origin: "test"}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
