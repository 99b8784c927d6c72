package main

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// PlayState is MPD's playback state.
type PlayState string

const (
	StatePlay  PlayState = "play"
	StateStop  PlayState = "stop"
	StatePause PlayState = "pause"
)

// PlayerSnapshot is a point-in-time read of MPD status and current song.
//
// Snapshots are values: build a new one on every cycle, never mutate one that
// has been handed to Diff or to the state feed. Pointer fields are nil when
// MPD did not report them (no current song, no mixer, stream without tags).
type PlayerSnapshot struct {
	File     *string
	Artist   *string
	Album    *string
	Title    *string
	Track    *string
	Duration *int // seconds

	State   PlayState
	Elapsed int  // seconds
	Volume  *int // 0..100
	Repeat  bool
	Random  bool
	Single  bool
}

// TopicValue is one publication: a topic suffix under the topic base and its
// plain-text payload.
type TopicValue struct {
	Suffix string
	Value  string
}

// Topic suffixes, in publication order.
const (
	topicSongFile      = "song/file"
	topicSongArtist    = "song/artist"
	topicSongAlbum     = "song/album"
	topicSongTitle     = "song/title"
	topicSongTrack     = "song/track"
	topicSongTime      = "song/time"
	topicPlayerState   = "player/state"
	topicPlayerElapsed = "player/elapsed"
	topicPlayerVolume  = "player/volume"
	topicPlayerRepeat  = "player/repeat"
	topicPlayerRandom  = "player/random"
	topicPlayerSingle  = "player/single"
)

// StatusReader is the subset of the player needed to take a snapshot.
type StatusReader interface {
	Status() (map[string]string, error)
	CurrentSong() (map[string]string, error)
}

// Capture reads status then current song and builds a snapshot from the pair.
//
// Transport failures are reported as ErrUpstreamUnavailable; missing or
// unparsable required status fields as ErrMalformedResponse.
func Capture(p StatusReader) (PlayerSnapshot, error) {
	status, err := p.Status()
	if err != nil {
		return PlayerSnapshot{}, asUpstream("status", err)
	}
	song, err := p.CurrentSong()
	if err != nil {
		return PlayerSnapshot{}, asUpstream("currentsong", err)
	}
	return parseSnapshot(status, song)
}

func asUpstream(op string, err error) error {
	if errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrMalformedResponse) {
		return err
	}
	return &UpstreamError{Op: op, Err: err}
}

func parseSnapshot(status, song map[string]string) (PlayerSnapshot, error) {
	var s PlayerSnapshot

	state, ok := status["state"]
	if !ok {
		return s, &MalformedError{Field: "state"}
	}
	switch PlayState(state) {
	case StatePlay, StateStop, StatePause:
		s.State = PlayState(state)
	default:
		return s, &MalformedError{Field: "state", Value: state}
	}

	var err error
	if s.Repeat, err = parseFlag(status, "repeat"); err != nil {
		return s, err
	}
	if s.Random, err = parseFlag(status, "random"); err != nil {
		return s, err
	}

	single, ok := status["single"]
	if !ok {
		return s, &MalformedError{Field: "single"}
	}
	switch single {
	case "0":
		s.Single = false
	case "1", "oneshot":
		s.Single = true
	default:
		return s, &MalformedError{Field: "single", Value: single}
	}

	// No mixer: MPD omits volume or reports -1.
	if v, ok := status["volume"]; ok && v != "-1" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			return s, &MalformedError{Field: "volume", Value: v}
		}
		s.Volume = &n
	}

	if v, ok := status["elapsed"]; ok {
		n, err := roundSeconds(v)
		if err != nil {
			return s, &MalformedError{Field: "elapsed", Value: v}
		}
		s.Elapsed = n
	} else if v, ok := status["time"]; ok {
		// Legacy "elapsed:total" form.
		n, err := roundSeconds(strings.SplitN(v, ":", 2)[0])
		if err != nil {
			return s, &MalformedError{Field: "time", Value: v}
		}
		s.Elapsed = n
	}

	s.File = optString(song, "file")
	s.Artist = optString(song, "Artist")
	s.Album = optString(song, "Album")
	s.Title = optString(song, "Title")
	s.Track = optString(song, "Track")
	s.Duration = songDuration(status, song)

	return s, nil
}

func parseFlag(attrs map[string]string, key string) (bool, error) {
	v, ok := attrs[key]
	if !ok {
		return false, &MalformedError{Field: key}
	}
	switch v {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, &MalformedError{Field: key, Value: v}
	}
}

func optString(attrs map[string]string, key string) *string {
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	return &v
}

// songDuration prefers the song's fractional duration, then its integer Time,
// then the status duration. Unparsable values are treated as unknown.
func songDuration(status, song map[string]string) *int {
	for _, c := range []struct {
		attrs map[string]string
		key   string
	}{
		{song, "duration"},
		{song, "Time"},
		{status, "duration"},
	} {
		v, ok := c.attrs[c.key]
		if !ok {
			continue
		}
		if n, err := roundSeconds(v); err == nil {
			return &n
		}
	}
	return nil
}

func roundSeconds(v string) (int, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, strconv.ErrRange
	}
	return int(math.Round(f)), nil
}

// ============================================================================
// Serialization + diff
// ============================================================================

type topicField struct {
	suffix string
	value  string
	set    bool
}

// fields serializes s into the fixed topic order. Unset optional fields have
// set=false.
func (s PlayerSnapshot) fields() [12]topicField {
	return [12]topicField{
		strField(topicSongFile, s.File),
		strField(topicSongArtist, s.Artist),
		strField(topicSongAlbum, s.Album),
		strField(topicSongTitle, s.Title),
		strField(topicSongTrack, s.Track),
		intField(topicSongTime, s.Duration),
		{suffix: topicPlayerState, value: string(s.State), set: true},
		{suffix: topicPlayerElapsed, value: strconv.Itoa(s.Elapsed), set: true},
		intField(topicPlayerVolume, s.Volume),
		boolField(topicPlayerRepeat, s.Repeat),
		boolField(topicPlayerRandom, s.Random),
		boolField(topicPlayerSingle, s.Single),
	}
}

func strField(suffix string, v *string) topicField {
	if v == nil {
		return topicField{suffix: suffix}
	}
	return topicField{suffix: suffix, value: *v, set: true}
}

func intField(suffix string, v *int) topicField {
	if v == nil {
		return topicField{suffix: suffix}
	}
	return topicField{suffix: suffix, value: strconv.Itoa(*v), set: true}
}

func boolField(suffix string, v bool) topicField {
	return topicField{suffix: suffix, value: formatBool(v), set: true}
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// Diff returns the publications needed to move subscribers from old to cur.
//
// A nil old yields every set field of cur. Otherwise only fields whose
// serialized value changed are returned; a field that became unset is
// returned with an empty payload so subscribers drop the stale value.
// Output order is fixed.
func Diff(old *PlayerSnapshot, cur PlayerSnapshot) []TopicValue {
	next := cur.fields()

	var out []TopicValue
	if old == nil {
		for _, f := range next {
			if f.set {
				out = append(out, TopicValue{Suffix: f.suffix, Value: f.value})
			}
		}
		return out
	}

	prev := old.fields()
	for i, f := range next {
		p := prev[i]
		if f.set == p.set && f.value == p.value {
			continue
		}
		out = append(out, TopicValue{Suffix: f.suffix, Value: f.value})
	}
	return out
}
