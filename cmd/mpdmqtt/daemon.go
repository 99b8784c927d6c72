package main

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// One goroutine owns both upstream connections, the last-known snapshots and
// the single-shot flag. Each iteration handles exactly one of:
//
//   - an MPD idle notification: capture, diff against what subscribers hold,
//     publish, remember
//   - a command (MQTT, control socket or input device): decode, apply, then
//     re-capture and publish the diff; "query" republishes everything
//   - a connection failure: drop the connection and start a supervisor wait
//     for a new one off the loop
//   - a connection handed back by the supervisor: republish everything
//   - a keepalive tick or a state snapshot request
//
// The loop keeps serving events while either connection is down: state
// requests see the connection flags, and commands are dropped while MPD is
// unreachable instead of piling up.
//
// Player calls complete before the re-capture that follows them, so a
// command's effect is always visible in the publish it triggers.
//
// Shutdown semantics:
//   - Exits when ctx is canceled; nothing is published after that
//   - Exits cleanly when the events channel is closed
//   - Both connections are closed on exit
// ============================================================================

// DaemonConfig holds the loop's settings.
type DaemonConfig struct {
	TopicBase string
	Retain    bool
	Keepalive time.Duration // MPD ping interval; 0 disables
}

type Daemon struct {
	cfg        DaemonConfig
	sup        *Supervisor
	events     <-chan Event
	broadcasts chan<- StateBroadcast
	logger     *slog.Logger

	state DaemonState
	now   func() time.Time

	// Supervisor waits run off the loop and hand connections back here.
	playerUp      chan Player
	brokerUp      chan Broker
	playerDialing bool
	brokerDialing bool
}

// NewDaemon builds the loop. broadcasts may be nil when no state feed runs.
func NewDaemon(cfg DaemonConfig, sup *Supervisor, events <-chan Event, broadcasts chan<- StateBroadcast, logger *slog.Logger) *Daemon {
	return &Daemon{
		cfg:        cfg,
		sup:        sup,
		events:     events,
		broadcasts: broadcasts,
		logger:     logger,
		state:      DaemonState{translator: NewTranslator(logger)},
		now:        time.Now,
		playerUp:   make(chan Player),
		brokerUp:   make(chan Broker),
	}
}

// commandFilter is the MQTT subscription covering <base>/CMD and everything
// below it.
func commandFilter(base string) string {
	return joinTopic(base, topicCmd+"/#")
}

// SubscribedBroker wraps dial so every new broker session is subscribed to
// the command topics before it is handed to the loop.
func SubscribedBroker(dial BrokerDialer, base string) BrokerDialer {
	return func(ctx context.Context) (Broker, error) {
		b, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		if err := b.Subscribe(commandFilter(base)); err != nil {
			_ = b.Close()
			return nil, err
		}
		return b, nil
	}
}

// Run processes events until ctx is canceled or the events channel closes.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer d.closeAll()
	defer cancel()

	var keepalive <-chan time.Time
	if d.cfg.Keepalive > 0 {
		t := time.NewTicker(d.cfg.Keepalive)
		defer t.Stop()
		keepalive = t.C
	}

	for {
		d.redial(ctx)

		// A nil channel never fires, so a missing connection simply drops
		// out of the select until the supervisor hands a new one back.
		st := &d.state
		var (
			changes    <-chan string
			playerErrs <-chan error
			messages   <-chan Message
			brokerLost <-chan error
			pingPlayer <-chan time.Time
		)
		if st.player != nil {
			changes = st.player.Changes()
			playerErrs = st.player.Errors()
			pingPlayer = keepalive
		}
		if st.broker != nil {
			messages = st.broker.Messages()
			brokerLost = st.broker.Lost()
		}

		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping (context canceled)")
			return nil

		case p := <-d.playerUp:
			d.playerDialing = false
			st.player = p
			st.observed = nil
			d.emit(BroadcastConnection{Role: "mpd", Connected: true, At: d.now()})
			d.resync(ctx)

		case b := <-d.brokerUp:
			d.brokerDialing = false
			st.broker = b
			d.emit(BroadcastConnection{Role: "mqtt", Connected: true, At: d.now()})
			d.resync(ctx)

		case name := <-changes:
			d.logger.Debug("mpd changed", "subsystem", name)
			d.refresh(ctx, false)

		case err := <-playerErrs:
			if err == nil {
				err = errors.New("idle stream ended")
			}
			d.dropPlayer(err)

		case msg := <-messages:
			d.handleBrokerMessage(ctx, msg)

		case err := <-brokerLost:
			d.dropBroker(&PublishError{Topic: "(session)", Err: err})

		case ev, ok := <-d.events:
			if !ok {
				d.logger.Info("daemon stopping (events channel closed)")
				return nil
			}
			d.handleEvent(ctx, ev)

		case <-pingPlayer:
			if err := st.player.Ping(); err != nil {
				d.dropPlayer(err)
			}
		}
	}
}

// redial starts a supervisor wait for every missing connection that is not
// already being dialed. The connection comes back through playerUp/brokerUp;
// one that arrives after Run has returned is closed.
func (d *Daemon) redial(ctx context.Context) {
	st := &d.state
	if st.player == nil && !d.playerDialing {
		d.playerDialing = true
		go handOver[Player](ctx, d.sup.EnsurePlayer, d.playerUp)
	}
	if st.broker == nil && !d.brokerDialing {
		d.brokerDialing = true
		go handOver[Broker](ctx, d.sup.EnsureBroker, d.brokerUp)
	}
}

func handOver[T interface{ Close() error }](ctx context.Context, ensure func(context.Context) (T, error), up chan<- T) {
	conn, err := ensure(ctx)
	if err != nil {
		return
	}
	select {
	case up <- conn:
	case <-ctx.Done():
		_ = conn.Close()
	}
}

// resync makes the next publish a full one and runs it right away.
func (d *Daemon) resync(ctx context.Context) {
	d.state.forgetPublished()
	d.refresh(ctx, true)
}

// refresh captures the player state and publishes what changed since the
// last successful publish (everything when full is set). Without a broker
// the capture still updates the loop's view; the publish waits for the
// resync that follows the broker's return.
func (d *Daemon) refresh(ctx context.Context, full bool) {
	st := &d.state
	if st.player == nil {
		return
	}

	snap, err := Capture(st.player)
	if err != nil {
		d.dropPlayer(err)
		return
	}
	st.translator.Observe(st.observed, snap)
	st.setCaptured(snap, d.now())

	if st.broker == nil {
		return
	}

	base := st.published
	if full {
		base = nil
	}
	values := Diff(base, snap)

	if err := Publish(ctx, st.broker, d.cfg.TopicBase, values, d.cfg.Retain); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.dropBroker(err)
		return
	}
	st.setPublished(snap)

	if len(values) > 0 {
		d.logger.Debug("published", "topics", len(values), "full", base == nil)
		d.emit(BroadcastStateChanged{Snapshot: snap, Changed: values, At: st.updatedAt})
	}
}

func (d *Daemon) handleBrokerMessage(ctx context.Context, msg Message) {
	rel, ok := relativeTopic(d.cfg.TopicBase, msg.Topic)
	if !ok {
		d.logger.Debug("ignoring message outside topic base", "topic", msg.Topic)
		return
	}
	d.handleCommand(ctx, CommandMessage{Topic: rel, Payload: msg.Payload}, "mqtt")
}

func (d *Daemon) handleEvent(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case LocalCommand:
		d.handleCommand(ctx, e.Msg, e.Origin)

	case InputCommand:
		d.applyCommand(ctx, e.Cmd, e.Origin)

	case RequestStateSnapshot:
		select {
		case e.Reply <- d.state.Snapshot():
		default:
			d.logger.Warn("state snapshot reply dropped")
		}

	default:
		d.logger.Warn("unknown event", "type", ev)
	}
}

func (d *Daemon) handleCommand(ctx context.Context, msg CommandMessage, origin string) {
	cmd, err := DecodeCommand(msg)
	if err != nil {
		d.logger.Warn("ignoring command", "origin", origin, "error", err)
		return
	}
	d.applyCommand(ctx, cmd, origin)
}

func (d *Daemon) applyCommand(ctx context.Context, cmd Command, origin string) {
	st := &d.state
	if st.player == nil {
		d.logger.Warn("mpd unavailable, dropping command", "origin", origin, "cmd", cmd.String())
		return
	}
	d.logger.Info("command", "origin", origin, "cmd", cmd.String())

	full, err := st.translator.Apply(st.player, cmd, st.observed)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidCommand):
		d.logger.Warn("ignoring command", "origin", origin, "error", err)
		return
	case needsPlayerReconnect(err):
		d.dropPlayer(err)
		return
	default:
		// Rejected by MPD; part of the command may still have applied.
		d.logger.Warn("command failed", "origin", origin, "cmd", cmd.String(), "error", err)
	}
	d.refresh(ctx, full)
}

// dropPlayer closes the player connection after a failure. The next loop
// iteration redials through the supervisor.
func (d *Daemon) dropPlayer(err error) {
	st := &d.state
	if st.player == nil {
		return
	}
	d.logger.Warn("mpd connection lost", "error", err)
	if cerr := st.player.Close(); cerr != nil {
		d.logger.Debug("mpd close", "error", cerr)
	}
	st.player = nil
	st.observed = nil
	st.forgetPublished()
	d.emit(BroadcastConnection{Role: "mpd", Connected: false, At: d.now()})
}

// dropBroker closes the broker connection after a failure. The next loop
// iteration redials through the supervisor.
func (d *Daemon) dropBroker(err error) {
	st := &d.state
	if st.broker == nil {
		return
	}
	d.logger.Warn("mqtt connection lost", "error", err)
	_ = st.broker.Close()
	st.broker = nil
	st.forgetPublished()
	d.emit(BroadcastConnection{Role: "mqtt", Connected: false, At: d.now()})
}

func (d *Daemon) closeAll() {
	st := &d.state
	if st.player != nil {
		_ = st.player.Close()
		st.player = nil
	}
	if st.broker != nil {
		_ = st.broker.Close()
		st.broker = nil
	}
}

// emit hands a broadcast to the state feed without ever blocking the loop.
func (d *Daemon) emit(b StateBroadcast) {
	if d.broadcasts == nil {
		return
	}
	select {
	case d.broadcasts <- b:
	default:
		d.logger.Debug("state broadcast dropped")
	}
}
