package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fhs/gompd/v2/mpd"
)

// Player is the MPD capability the daemon drives.
// This allows for fakes in tests.
type Player interface {
	StatusReader
	Controller

	// Ping keeps the command connection alive.
	Ping() error

	// Changes delivers idle subsystem names ("player", "mixer", "options").
	// Bursts may be coalesced; every delivery means "re-read state".
	Changes() <-chan string

	// Errors reports failures of the idle connection. Closed after Close.
	Errors() <-chan error

	Close() error
}

// idleSubsystems are the MPD idle subsystems that affect published topics.
var idleSubsystems = []string{"player", "mixer", "options"}

// mpdPlayer implements Player on top of gompd: one command connection plus
// one Watcher connection parked in "idle".
type mpdPlayer struct {
	mu      sync.Mutex
	client  *mpd.Client
	watcher *mpd.Watcher
	timeout time.Duration
	logger  *slog.Logger

	changes chan string
	errs    chan error
	done    chan struct{}
	closed  bool
}

// mpdAddress returns the network and address for host:port. A host that is
// an absolute path is a Unix socket.
func mpdAddress(host string, port int) (network, addr string) {
	if strings.HasPrefix(host, "/") {
		return "unix", host
	}
	return "tcp", net.JoinHostPort(host, strconv.Itoa(port))
}

// DialMPD opens the command and idle connections. The dial is bounded by
// cfg.TimeoutMS and by ctx.
func DialMPD(ctx context.Context, cfg MPDConfig, logger *slog.Logger) (Player, error) {
	network, addr := mpdAddress(cfg.Host, cfg.Port)
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond

	client, err := dialBounded(ctx, timeout, func() (*mpd.Client, error) {
		return mpd.Dial(network, addr)
	}, func(c *mpd.Client) { _ = c.Close() })
	if err != nil {
		return nil, &UpstreamError{Op: "dial " + addr, Err: err}
	}

	watcher, err := dialBounded(ctx, timeout, func() (*mpd.Watcher, error) {
		return mpd.NewWatcher(network, addr, "", idleSubsystems...)
	}, func(w *mpd.Watcher) { _ = w.Close() })
	if err != nil {
		_ = client.Close()
		return nil, &UpstreamError{Op: "idle " + addr, Err: err}
	}

	p := &mpdPlayer{
		client:  client,
		watcher: watcher,
		timeout: timeout,
		logger:  logger,
		changes: make(chan string, 16),
		errs:    make(chan error, 4),
		done:    make(chan struct{}),
	}
	go p.pumpWatcher()

	logger.Debug("mpd connected", "network", network, "addr", addr)
	return p, nil
}

// dialBounded runs dial in a goroutine so it can be abandoned on timeout or
// ctx cancellation. A late result is released with discard.
func dialBounded[T any](ctx context.Context, timeout time.Duration, dial func() (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := dial()
		ch <- result{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
	case <-timer.C:
	}

	go func() {
		if r := <-ch; r.err == nil {
			discard(r.v)
		}
	}()
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, context.DeadlineExceeded
}

// pumpWatcher forwards watcher output without ever blocking the watcher.
// A full changes buffer already holds a pending re-read, so drops are safe.
func (p *mpdPlayer) pumpWatcher() {
	defer close(p.errs)

	events := p.watcher.Event
	errs := p.watcher.Error
	for events != nil || errs != nil {
		select {
		case name, ok := <-events:
			if !ok {
				events = nil
				p.reportErr(errors.New("idle connection closed"))
				continue
			}
			select {
			case p.changes <- name:
			default:
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.reportErr(err)
		}
	}
}

func (p *mpdPlayer) reportErr(err error) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.errs <- &UpstreamError{Op: "idle", Err: err}:
	default:
	}
}

func (p *mpdPlayer) Changes() <-chan string { return p.changes }
func (p *mpdPlayer) Errors() <-chan error   { return p.errs }

// call runs fn against the command connection with the configured timeout.
// On timeout the connection is closed, which unblocks fn; the player must be
// redialed afterwards.
func (p *mpdPlayer) call(op string, fn func(c *mpd.Client) error) error {
	_, err := callResult(p, op, func(c *mpd.Client) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	return err
}

func callResult[T any](p *mpdPlayer, op string, fn func(c *mpd.Client) (T, error)) (T, error) {
	var zero T

	p.mu.Lock()
	c := p.client
	closed := p.closed
	p.mu.Unlock()
	if closed || c == nil {
		return zero, &UpstreamError{Op: op, Err: errors.New("connection closed")}
	}

	type result struct {
		v   T
		err error
	}
	resc := make(chan result, 1)
	go func() {
		v, err := fn(c)
		resc <- result{v, err}
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case r := <-resc:
		if r.err == nil {
			return r.v, nil
		}
		if isTransportErr(r.err) {
			return zero, &UpstreamError{Op: op, Err: r.err}
		}
		return zero, &RejectedError{Op: op, Err: r.err}
	case <-timer.C:
		_ = c.Close()
		return zero, &UpstreamError{Op: op, Err: fmt.Errorf("timed out after %s", p.timeout)}
	}
}

// isTransportErr reports whether err came from the socket rather than from
// MPD answering with an ACK.
func isTransportErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func (p *mpdPlayer) Status() (map[string]string, error) {
	return callResult(p, "status", func(c *mpd.Client) (map[string]string, error) {
		return c.Status()
	})
}

func (p *mpdPlayer) CurrentSong() (map[string]string, error) {
	return callResult(p, "currentsong", func(c *mpd.Client) (map[string]string, error) {
		return c.CurrentSong()
	})
}

func (p *mpdPlayer) Play() error {
	return p.call("play", func(c *mpd.Client) error { return c.Play(-1) })
}

func (p *mpdPlayer) Pause() error {
	return p.call("pause", func(c *mpd.Client) error { return c.Pause(true) })
}

func (p *mpdPlayer) Stop() error {
	return p.call("stop", func(c *mpd.Client) error { return c.Stop() })
}

func (p *mpdPlayer) Next() error {
	return p.call("next", func(c *mpd.Client) error { return c.Next() })
}

func (p *mpdPlayer) SetVolume(volume int) error {
	return p.call("setvol", func(c *mpd.Client) error { return c.SetVolume(volume) })
}

func (p *mpdPlayer) SetRepeat(on bool) error {
	return p.call("repeat", func(c *mpd.Client) error { return c.Repeat(on) })
}

func (p *mpdPlayer) SetRandom(on bool) error {
	return p.call("random", func(c *mpd.Client) error { return c.Random(on) })
}

func (p *mpdPlayer) SetSingle(on bool) error {
	return p.call("single", func(c *mpd.Client) error { return c.Single(on) })
}

func (p *mpdPlayer) Ping() error {
	return p.call("ping", func(c *mpd.Client) error { return c.Ping() })
}

// Close shuts both connections. Safe to call more than once.
func (p *mpdPlayer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	c, w := p.client, p.watcher
	p.mu.Unlock()

	var errs []error
	if err := w.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close watcher: %w", err))
	}
	if err := c.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}
	return errors.Join(errs...)
}
