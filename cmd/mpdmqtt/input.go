package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// InputMapper turns raw key and rotary events into player commands.
type InputMapper struct {
	VolumeStep       int
	RotaryWindow     time.Duration
	RotaryThreshold  int
	RotaryMultiplier int

	rotary *rotaryState
	now    func() time.Time
}

func NewInputMapper(cfg InputConfig) *InputMapper {
	return &InputMapper{
		VolumeStep:       cfg.VolumeStep,
		RotaryWindow:     time.Duration(cfg.RotaryWindowMS) * time.Millisecond,
		RotaryThreshold:  cfg.RotaryThreshold,
		RotaryMultiplier: cfg.RotaryMultiplier,
		rotary:           newRotaryState(),
		now:              time.Now,
	}
}

// Map returns the command for ev, if any.
func (m *InputMapper) Map(ev inputEvent) (Command, bool) {
	switch ev.Type {
	case EV_KEY:
		return m.mapKey(ev)
	case EV_REL:
		if ev.Code == REL_DIAL || ev.Code == REL_WHEEL {
			return m.mapRotary(ev.Value)
		}
	}
	return nil, false
}

func (m *InputMapper) mapKey(ev inputEvent) (Command, bool) {
	// Volume keys auto-repeat while held; transport keys act on press only.
	switch ev.Code {
	case KEY_VOLUMEUP:
		if ev.Value == evValuePress || ev.Value == evValueRepeat {
			return CmdVolumeStep{Delta: m.VolumeStep}, true
		}
		return nil, false
	case KEY_VOLUMEDOWN:
		if ev.Value == evValuePress || ev.Value == evValueRepeat {
			return CmdVolumeStep{Delta: -m.VolumeStep}, true
		}
		return nil, false
	}

	if ev.Value != evValuePress {
		return nil, false
	}
	switch ev.Code {
	case KEY_PLAYPAUSE:
		return CmdTogglePause{}, true
	case KEY_PLAYCD:
		return CmdPlay{}, true
	case KEY_PAUSECD:
		return CmdPause{}, true
	case KEY_STOPCD:
		return CmdStop{}, true
	case KEY_NEXTSONG:
		return CmdNext{}, true
	}
	return nil, false
}

// mapRotary scales detents by RotaryMultiplier once RotaryThreshold
// same-direction steps land inside RotaryWindow.
func (m *InputMapper) mapRotary(value int32) (Command, bool) {
	if value == 0 {
		return nil, false
	}
	direction := 1
	steps := int(value)
	if value < 0 {
		direction = -1
		steps = -steps
	}

	recent := m.rotary.addStep(direction, m.RotaryWindow, m.now())
	if m.RotaryThreshold > 0 && recent >= m.RotaryThreshold {
		steps *= m.RotaryMultiplier
	}
	return CmdVolumeStep{Delta: direction * steps * m.VolumeStep}, true
}

// runInput reads the given devices and feeds mapped commands into the daemon
// loop until ctx is canceled. A device failure stops input handling but not
// the daemon.
func runInput(ctx context.Context, devices []string, mapper *InputMapper, events chan<- Event, logger *slog.Logger) error {
	files := make([]*os.File, 0, len(devices))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, dev := range devices {
		f, err := os.Open(dev)
		if err != nil {
			return fmt.Errorf("open input device %s: %w (run as root or add user to 'input' group)", dev, err)
		}
		files = append(files, f)
	}

	raw := make(chan inputEvent, 64)
	readErr := make(chan error, 1)
	go readInputEventsEpoll(ctx, files, raw, readErr)

	logger.Info("input listening", "devices", devices)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("input reader stopped", "error", err)
			return nil

		case ev := <-raw:
			cmd, ok := mapper.Map(ev)
			if !ok {
				continue
			}
			select {
			case events <- InputCommand{Cmd: cmd, Origin: "input"}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
