package coordinator

import (
	"errors"
	"fmt"

	"github.com/cwbudde/algo-dsp/events"
)

// ErrAlreadyRegistered is returned by RegisterStream when the stream id is
// already known.
var ErrAlreadyRegistered = errors.New("coordinator: stream already registered")

// ErrUnknownStream is returned when a command references a stream id that
// is not currently tracked.
var ErrUnknownStream = errors.New("coordinator: unknown stream")

// ErrInternal marks a condition that should not occur.
var ErrInternal = errors.New("coordinator: internal error")

// CaptureFailedError reports that the host could not provide a usable
// capture handle for a RegisterStream call.
type CaptureFailedError struct {
	Stream events.StreamID
	Reason string
}

func (e *CaptureFailedError) Error() string {
	return fmt.Sprintf("coordinator: capture failed for stream %q: %s", e.Stream, e.Reason)
}

// StreamGoneError reports that a stream's underlying source ended. The
// Coordinator reports such an end through the StreamEnded event, which
// carries only the reason string, and never returns this error from a
// command.
type StreamGoneError struct {
	Stream events.StreamID
	Reason string
}

func (e *StreamGoneError) Error() string {
	return fmt.Sprintf("coordinator: stream %q gone: %s", e.Stream, e.Reason)
}

// InvalidParameterError reports a value outside the allowed range where
// clamping would be ambiguous (commands that do clamp, like SetGain, never
// return this — see §7 propagation policy).
type InvalidParameterError struct {
	Field  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("coordinator: invalid parameter %q: %s", e.Field, e.Reason)
}
