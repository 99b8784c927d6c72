package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Connection Supervisor
// ============================================================================
//
// The supervisor owns the reconnect policy for both upstreams. It retries a
// dial with bounded exponential backoff until it succeeds or ctx is canceled;
// it never gives up on its own. The daemon loop calls EnsurePlayer /
// EnsureBroker whenever it has no live connection for that role.
// ============================================================================

// Backoff is a bounded exponential delay: Initial, 2*Initial, ... capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = time.Second
	}
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// PlayerDialer opens a new player session.
type PlayerDialer func(ctx context.Context) (Player, error)

// BrokerDialer opens a new broker session.
type BrokerDialer func(ctx context.Context) (Broker, error)

type Supervisor struct {
	dialPlayer PlayerDialer
	dialBroker BrokerDialer
	backoff    Backoff
	logger     *slog.Logger

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSupervisor(dialPlayer PlayerDialer, dialBroker BrokerDialer, backoff Backoff, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		dialPlayer: dialPlayer,
		dialBroker: dialBroker,
		backoff:    backoff,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// EnsurePlayer dials MPD until it succeeds. The only error returned is ctx's.
func (s *Supervisor) EnsurePlayer(ctx context.Context) (Player, error) {
	return ensure(ctx, s, "mpd", s.dialPlayer)
}

// EnsureBroker dials the MQTT broker until it succeeds. The only error
// returned is ctx's.
func (s *Supervisor) EnsureBroker(ctx context.Context) (Broker, error) {
	return ensure(ctx, s, "mqtt", s.dialBroker)
}

func ensure[T any](ctx context.Context, s *Supervisor, role string, dial func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		conn, err := dial(ctx)
		if err == nil {
			if attempt > 0 {
				s.logger.Info("reconnected", "role", role, "attempts", attempt+1)
			} else {
				s.logger.Info("connected", "role", role)
			}
			return conn, nil
		}

		delay := s.backoff.Delay(attempt)
		s.logger.Warn("connection failed; retrying...", "role", role, "error", err, "attempt", attempt+1, "retry_in", delay)

		if err := s.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
