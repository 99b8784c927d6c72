package main

import "time"

// DaemonState is everything the daemon loop carries across iterations.
//
// It is owned by the daemon goroutine; other goroutines only ever see the
// StateSnapshot copies it hands out.
type DaemonState struct {
	player Player
	broker Broker

	// observed is the last snapshot read from MPD. Reset when the player
	// connection is replaced. Feeds the translator's transition detection.
	observed *PlayerSnapshot

	// published is the snapshot subscribers are known to hold. Reset on any
	// reconnect or failed publish so the next cycle republishes everything.
	published *PlayerSnapshot

	translator *Translator
	updatedAt  time.Time
}

// Snapshot returns a copy safe to hand to other goroutines.
//
// Intended to be called only by the daemon goroutine (single-owner).
func (s *DaemonState) Snapshot() StateSnapshot {
	out := StateSnapshot{
		PlayerConnected: s.player != nil,
		BrokerConnected: s.broker != nil,
		SingleShot:      s.translator.Flag(),
		At:              s.updatedAt,
	}
	if s.observed != nil {
		snap := *s.observed
		out.Player = &snap
	}
	return out
}

// forgetPublished makes the next publish a full one.
func (s *DaemonState) forgetPublished() {
	s.published = nil
}

// setCaptured records a fresh snapshot as observed.
//
// Intended to be called only by the daemon goroutine (single-owner).
func (s *DaemonState) setCaptured(snap PlayerSnapshot, at time.Time) {
	s.observed = &snap
	s.updatedAt = at
}

// setPublished records that subscribers now hold snap.
func (s *DaemonState) setPublished(snap PlayerSnapshot) {
	s.published = &snap
}
