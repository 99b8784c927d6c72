package main

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error taxonomy
// ============================================================================
//
// Every failure in the bridge falls into one of four kinds. Callers classify
// with errors.Is against the sentinels below; the typed errors carry context
// for logging.
//
//   - ErrUpstreamUnavailable: MPD connection down or timed out
//   - ErrPublishFailed:       broker connection down or publish rejected
//   - ErrMalformedResponse:   MPD returned missing/unparsable data
//   - ErrInvalidCommand:      command message not in the recognized set
// ============================================================================

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrPublishFailed       = errors.New("publish failed")
	ErrMalformedResponse   = errors.New("malformed response")
	ErrInvalidCommand      = errors.New("invalid command")
)

// UpstreamError reports a failed MPD call.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("mpd %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamUnavailable }

// RejectedError reports an MPD command that failed with a protocol-level
// error (an ACK) while the connection itself stayed healthy.
type RejectedError struct {
	Op  string
	Err error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("mpd %s rejected: %v", e.Op, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// PublishError reports a failed broker publish.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Is(target error) bool { return target == ErrPublishFailed }

// MalformedError reports a status or song field MPD returned in an unexpected shape.
type MalformedError struct {
	Field string
	Value string
}

func (e *MalformedError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("malformed response: missing %q", e.Field)
	}
	return fmt.Sprintf("malformed response: %s=%q", e.Field, e.Value)
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformedResponse }

// CommandError reports a command message that failed to decode.
type CommandError struct {
	Topic   string
	Payload string
	Reason  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("invalid command %s=%q: %s", e.Topic, e.Payload, e.Reason)
}

func (e *CommandError) Is(target error) bool { return target == ErrInvalidCommand }

// needsPlayerReconnect reports whether err means the MPD session can no longer
// be trusted. Malformed responses indicate protocol desync and are handled
// like a dropped connection.
func needsPlayerReconnect(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrMalformedResponse)
}
