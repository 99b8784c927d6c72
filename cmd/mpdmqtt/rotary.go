package main

import (
	"sync"
	"time"
)

// rotaryState tracks recent encoder activity for fast-spin detection.
//
// Thread-safe: the input goroutine records steps while tests inspect it.
type rotaryState struct {
	recentSteps []rotaryStep
	mu          sync.Mutex
}

// rotaryStep records a single encoder detent
type rotaryStep struct {
	timestamp time.Time
	direction int // +1 for up, -1 for down
}

func newRotaryState() *rotaryState {
	return &rotaryState{
		recentSteps: make([]rotaryStep, 0, 16),
	}
}

// addStep records a step at now and returns how many steps in the same
// direction fall within the last window (including this one).
func (r *rotaryState) addStep(direction int, window time.Duration, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-window)

	filtered := r.recentSteps[:0] // reuse underlying array
	for _, s := range r.recentSteps {
		if s.timestamp.After(cutoff) {
			filtered = append(filtered, s)
		}
	}

	filtered = append(filtered, rotaryStep{
		timestamp: now,
		direction: direction,
	})
	r.recentSteps = filtered

	sameDir := 0
	for _, s := range filtered {
		if s.direction == direction {
			sameDir++
		}
	}
	return sameDir
}
