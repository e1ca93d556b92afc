// Package events defines the value types and wire events exchanged between
// the coordinator and its clients: stream identifiers, the domain settings
// records for the shared limiter and the auto-balance loop, and the tagged
// events a Bus publishes as streams are registered, measured, and retired.
//
// These types live outside the coordinator package so that both the
// coordinator and the stream package can depend on them without an import
// cycle.
package events

// StreamID identifies a registered audio stream. Callers choose their own
// IDs (e.g. a participant or channel name) at registration time.
type StreamID string

// LimiterSettings is the copy-on-write settings record for the shared peak
// limiter sitting after the mix bus.
type LimiterSettings struct {
	Enabled     bool
	ThresholdDB float64
	KneeDB      float64
	Ratio       float64
	AttackMs    float64
	ReleaseMs   float64
}

// DefaultLimiterSettings returns the limiter's out-of-the-box configuration:
// enabled, 0 dBFS ceiling, fast peak-catching attack, moderate release.
func DefaultLimiterSettings() LimiterSettings {
	return LimiterSettings{
		Enabled:     true,
		ThresholdDB: 0.0,
		KneeDB:      2.0,
		Ratio:       20.0,
		AttackMs:    1.0,
		ReleaseMs:   100.0,
	}
}

// AutoBalanceSettings is the copy-on-write settings record for the periodic
// gain-balancing loop.
type AutoBalanceSettings struct {
	Enabled    bool
	TargetLUFS float64
}

// DefaultAutoBalanceSettings returns auto-balance disabled, targeting -23
// LUFS (EBU R128 program loudness) when enabled.
func DefaultAutoBalanceSettings() AutoBalanceSettings {
	return AutoBalanceSettings{
		Enabled:    false,
		TargetLUFS: -23.0,
	}
}

// CaptureErrorKind enumerates the reasons a stream's capture can fail.
type CaptureErrorKind int

const (
	CaptureErrorUnknown CaptureErrorKind = iota
	CaptureErrorDeviceLost
	CaptureErrorFormatUnsupported
	CaptureErrorTimeout
)

func (k CaptureErrorKind) String() string {
	switch k {
	case CaptureErrorDeviceLost:
		return "device_lost"
	case CaptureErrorFormatUnsupported:
		return "format_unsupported"
	case CaptureErrorTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Event is the tagged union of everything a Bus can publish. Concrete event
// types implement it by naming themselves.
type Event interface {
	EventName() string
}

// LoudnessUpdate carries a stream's periodic loudness snapshot.
type LoudnessUpdate struct {
	Stream     StreamID
	Momentary  float64
	ShortTerm  float64
	Integrated float64
	BlockCount uint32
}

func (LoudnessUpdate) EventName() string { return "loudness_update" }

// CaptureStarted marks a stream's transition into Capturing.
type CaptureStarted struct {
	Stream     StreamID
	SampleRate float64
}

func (CaptureStarted) EventName() string { return "capture_started" }

// CaptureStopped marks a stream's transition back to Idle via Stop.
type CaptureStopped struct {
	Stream StreamID
}

func (CaptureStopped) EventName() string { return "capture_stopped" }

// CaptureError marks a stream's transition into Error.
type CaptureError struct {
	Stream StreamID
	Kind   CaptureErrorKind
}

func (CaptureError) EventName() string { return "capture_error" }

// StreamEnded marks a stream's removal from the coordinator after its
// source ended, whether signaled by the host or found by stale-stream
// cleanup. Explicit unregistration publishes CaptureStopped instead.
type StreamEnded struct {
	Stream StreamID
	Reason string
}

func (StreamEnded) EventName() string { return "stream_ended" }

// GainUpdated reports a stream's gain after a SetGain call, whether
// operator-issued or produced by the auto-balance loop.
type GainUpdated struct {
	Stream StreamID
	GainDB float64
}

func (GainUpdated) EventName() string { return "gain_updated" }

// LimiterUpdated reports the shared limiter's settings after a change.
type LimiterUpdated struct {
	Limiter LimiterSettings
}

func (LimiterUpdated) EventName() string { return "limiter_updated" }

// MeasurementsReset reports that a stream's loudness history was cleared.
type MeasurementsReset struct {
	Stream StreamID
}

func (MeasurementsReset) EventName() string { return "measurements_reset" }

// AutoBalanceUpdated reports the auto-balance loop's settings after a change.
type AutoBalanceUpdated struct {
	AutoBalance AutoBalanceSettings
}

func (AutoBalanceUpdated) EventName() string { return "auto_balance_updated" }

func (id StreamID) String() string { return string(id) }
