package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ==============================
// Command messages (wire)
// ==============================

// CommandMessage is an incoming command: a topic relative to the topic base
// and its raw payload. The JSON form is used by the control socket.
type CommandMessage struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// Command topics relative to the topic base.
const (
	topicCmd       = "CMD"
	topicCmdVolume = "CMD/volume"
	topicCmdRepeat = "CMD/repeat"
	topicCmdRandom = "CMD/random"
)

// ==============================
// Commands (decoded)
// ==============================

// Command is a validated player command.
type Command interface {
	commandMarker()
	String() string
}

// CmdQuery forces a full republish without touching the player.
type CmdQuery struct{}

func (CmdQuery) commandMarker() {}
func (CmdQuery) String() string { return "CmdQuery()" }

// CmdPlay starts or resumes playback and disarms single-shot.
type CmdPlay struct{}

func (CmdPlay) commandMarker() {}
func (CmdPlay) String() string { return "CmdPlay()" }

// CmdPause pauses playback.
type CmdPause struct{}

func (CmdPause) commandMarker() {}
func (CmdPause) String() string { return "CmdPause()" }

// CmdStop stops playback immediately.
type CmdStop struct{}

func (CmdStop) commandMarker() {}
func (CmdStop) String() string { return "CmdStop()" }

// CmdStopAfter arms single-shot so playback stops at the end of the current song.
type CmdStopAfter struct{}

func (CmdStopAfter) commandMarker() {}
func (CmdStopAfter) String() string { return "CmdStopAfter()" }

// CmdNext advances to the next song and disarms single-shot.
type CmdNext struct{}

func (CmdNext) commandMarker() {}
func (CmdNext) String() string { return "CmdNext()" }

// CmdSetVolume sets the absolute volume (0..100).
type CmdSetVolume struct {
	Volume int
}

func (CmdSetVolume) commandMarker() {}
func (c CmdSetVolume) String() string {
	return fmt.Sprintf("CmdSetVolume(volume=%d)", c.Volume)
}

// CmdVolumeStep changes volume relative to the last observed value.
// Emitted by local input devices only; never decoded from the wire.
type CmdVolumeStep struct {
	Delta int
}

func (CmdVolumeStep) commandMarker() {}
func (c CmdVolumeStep) String() string {
	return fmt.Sprintf("CmdVolumeStep(delta=%d)", c.Delta)
}

// CmdTogglePause pauses when playing and plays otherwise.
// Emitted by local input devices only; never decoded from the wire.
type CmdTogglePause struct{}

func (CmdTogglePause) commandMarker() {}
func (CmdTogglePause) String() string { return "CmdTogglePause()" }

// CmdSetRepeat toggles repeat mode.
type CmdSetRepeat struct {
	On bool
}

func (CmdSetRepeat) commandMarker()   {}
func (c CmdSetRepeat) String() string { return fmt.Sprintf("CmdSetRepeat(on=%v)", c.On) }

// CmdSetRandom toggles random mode.
type CmdSetRandom struct {
	On bool
}

func (CmdSetRandom) commandMarker()   {}
func (c CmdSetRandom) String() string { return fmt.Sprintf("CmdSetRandom(on=%v)", c.On) }

// DecodeCommand validates msg against the recognized command set.
// Anything else yields an error matching ErrInvalidCommand.
func DecodeCommand(msg CommandMessage) (Command, error) {
	topic := strings.TrimSpace(msg.Topic)
	payload := strings.TrimSpace(msg.Payload)

	invalid := func(reason string) (Command, error) {
		return nil, &CommandError{Topic: topic, Payload: payload, Reason: reason}
	}

	switch topic {
	case topicCmd:
		switch payload {
		case "query":
			return CmdQuery{}, nil
		case "play":
			return CmdPlay{}, nil
		case "pause":
			return CmdPause{}, nil
		case "stop":
			return CmdStop{}, nil
		case "stop after":
			return CmdStopAfter{}, nil
		case "next":
			return CmdNext{}, nil
		default:
			return invalid("unknown command")
		}

	case topicCmdVolume:
		v, ok := parseVolume(payload)
		if !ok {
			return invalid("volume must be an integer 0-100")
		}
		return CmdSetVolume{Volume: v}, nil

	case topicCmdRepeat, topicCmdRandom:
		var on bool
		switch payload {
		case "0":
		case "1":
			on = true
		default:
			return invalid("payload must be 0 or 1")
		}
		if topic == topicCmdRepeat {
			return CmdSetRepeat{On: on}, nil
		}
		return CmdSetRandom{On: on}, nil

	default:
		return invalid("unknown topic")
	}
}

// parseVolume accepts a plain decimal string (no sign) in 0..100.
func parseVolume(s string) (int, bool) {
	if s == "" || len(s) > 3 {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil || v > 100 {
		return 0, false
	}
	return v, true
}

// ==============================
// Translator
// ==============================

// SingleShot is the stop-after-current-song flag.
type SingleShot int

const (
	Disarmed SingleShot = iota
	Armed
)

func (s SingleShot) String() string {
	if s == Armed {
		return "armed"
	}
	return "disarmed"
}

// Controller is the subset of the player commands are applied to.
type Controller interface {
	Play() error
	Pause() error
	Stop() error
	Next() error
	SetVolume(volume int) error
	SetRepeat(on bool) error
	SetRandom(on bool) error
	SetSingle(on bool) error
}

// Translator applies commands to the player and owns the single-shot flag.
//
// Not safe for concurrent use; it belongs to the daemon goroutine.
type Translator struct {
	flag          SingleShot
	stopRequested bool
	logger        *slog.Logger
}

func NewTranslator(logger *slog.Logger) *Translator {
	return &Translator{logger: logger}
}

// Flag returns the current single-shot state.
func (t *Translator) Flag() SingleShot { return t.flag }

// Apply executes cmd against p and reports whether the following publish
// must be a full republish. last is the most recent snapshot (may be nil)
// and is only consulted by the input-only commands.
//
// Flag transitions happen only once the corresponding player call succeeds,
// and before any playback call that follows it.
func (t *Translator) Apply(p Controller, cmd Command, last *PlayerSnapshot) (full bool, err error) {
	switch c := cmd.(type) {
	case CmdQuery:
		return true, nil

	case CmdPlay:
		if err := p.SetSingle(false); err != nil {
			return false, err
		}
		t.setFlag(Disarmed, "play")
		return false, p.Play()

	case CmdPause:
		return false, p.Pause()

	case CmdStop:
		t.stopRequested = true
		return false, p.Stop()

	case CmdStopAfter:
		if err := p.SetSingle(true); err != nil {
			return false, err
		}
		t.setFlag(Armed, "stop after")
		return false, nil

	case CmdNext:
		if err := p.SetSingle(false); err != nil {
			return false, err
		}
		t.setFlag(Disarmed, "next")
		return false, p.Next()

	case CmdSetVolume:
		return false, p.SetVolume(c.Volume)

	case CmdVolumeStep:
		if last == nil || last.Volume == nil {
			return false, &CommandError{Topic: topicCmdVolume, Payload: strconv.Itoa(c.Delta), Reason: "volume unknown"}
		}
		return false, p.SetVolume(clampVolume(*last.Volume + c.Delta))

	case CmdTogglePause:
		if last != nil && last.State == StatePlay {
			return t.Apply(p, CmdPause{}, last)
		}
		return t.Apply(p, CmdPlay{}, last)

	case CmdSetRepeat:
		return false, p.SetRepeat(c.On)

	case CmdSetRandom:
		return false, p.SetRandom(c.On)

	default:
		return false, &CommandError{Reason: fmt.Sprintf("unhandled command %T", cmd)}
	}
}

// Observe is called with every freshly captured snapshot and the one before it
// (nil after a reconnect). It reports a natural end of song while armed, and
// keeps the flag in line with the player's own single setting, which other
// MPD clients may change.
//
// A natural stop issues nothing: the player's native single mode already
// stopped playback.
func (t *Translator) Observe(prev *PlayerSnapshot, cur PlayerSnapshot) (naturalStop bool) {
	if prev != nil && prev.State == StatePlay && cur.State == StateStop && !t.stopRequested {
		if t.flag == Armed {
			naturalStop = true
			t.logger.Info("stopped after current song")
		} else {
			t.logger.Debug("playback ended")
		}
	}
	t.stopRequested = false

	observed := Disarmed
	if cur.Single {
		observed = Armed
	}
	if observed != t.flag {
		t.setFlag(observed, "observed")
	}
	return naturalStop
}

func (t *Translator) setFlag(next SingleShot, reason string) {
	if t.flag == next {
		return
	}
	t.logger.Debug("single-shot flag", "from", t.flag, "to", next, "reason", reason)
	t.flag = next
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
