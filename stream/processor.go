// Package stream wraps one capture source with a complete per-stream DSP
// chain: a K-weighting filter pair, a Block Loudness Engine, and a
// pre-fader gain stage, and exposes the small state machine the Coordinator
// drives.
package stream

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cwbudde/algo-dsp/dsp/core"
	"github.com/cwbudde/algo-dsp/measure/loudness"
)

// State is a Stream Processor's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateCapturing
	StateError
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateError:
		return "error"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	minGainDB    = -60.0
	maxGainFloor = -20.0
	maxGainCeil  = 20.0
	muteGainDB   = -100.0
)

// Source is a capture handle the host provides at Start. It reports its own
// format; the Processor normalizes channel count to stereo.
type Source interface {
	SampleRate() float64
	Channels() int
}

// Processor is one registered stream's complete DSP chain: capture state,
// gain stage, and loudness measurement engine. Ingest runs on the
// real-time audio thread; every other method is called from the control
// thread and only ever touches atomics or the (non-hot-path) engine reset.
type Processor struct {
	mu    sync.Mutex
	state State

	engine *loudness.Engine

	gainDB    *atomicFloat64
	maxGainDB *atomicFloat64
	muted     atomic.Bool

	latest atomic.Pointer[loudness.LoudnessReading]
}

// NewProcessor builds an idle Processor. The loudness engine is created
// lazily at Start once the source's sample rate is known.
func NewProcessor() *Processor {
	p := &Processor{
		state:     StateIdle,
		gainDB:    newAtomicFloat64(0),
		maxGainDB: newAtomicFloat64(0),
	}

	reading := loudness.LoudnessReading{
		Momentary:  math.Inf(-1),
		ShortTerm:  math.Inf(-1),
		Integrated: math.Inf(-1),
	}
	p.latest.Store(&reading)

	return p
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Start transitions Idle -> Starting -> Capturing, building a stereo
// Block Loudness Engine at the source's sample rate (mono sources are
// duplicated to stereo, per §4.3).
func (p *Processor) Start(source Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return fmt.Errorf("stream: Start called in state %s, want %s", p.state, StateIdle)
	}

	p.state = StateStarting

	sampleRate := source.SampleRate()
	if sampleRate <= 0 {
		p.state = StateError
		return fmt.Errorf("stream: invalid source sample rate %v", sampleRate)
	}

	p.engine = loudness.NewEngine(sampleRate, 2)
	p.state = StateCapturing

	return nil
}

// Stop tears down capture. Idempotent: calling it from Idle or Stopping is
// a no-op success.
func (p *Processor) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateIdle, StateStopping:
		return nil
	}

	p.state = StateStopping
	p.state = StateIdle

	return nil
}

// Fail transitions the Processor into Error, for use when the host reports
// a capture failure or the source ends unexpectedly mid-capture.
func (p *Processor) Fail() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = StateError
}

// SampleRate reports the engine's sample rate, or 0 if not yet started.
func (p *Processor) SampleRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.engine == nil {
		return 0
	}

	return p.engine.SampleRate()
}

// GainDB returns the currently applied gain in dB.
func (p *Processor) GainDB() float64 { return p.gainDB.Load() }

// MaxGainDB returns the currently configured gain ceiling in dB.
func (p *Processor) MaxGainDB() float64 { return p.maxGainDB.Load() }

// SetGain clamps db into [-60, maxGainDB] and stores it atomically for the
// audio thread's gain stage to pick up at the next sample boundary. It
// returns the applied (possibly clamped) value.
func (p *Processor) SetGain(db float64) float64 {
	applied := core.Clamp(db, minGainDB, p.maxGainDB.Load())
	p.gainDB.Store(applied)

	return applied
}

// SetMaxGain clamps db into [-20, +20] and re-clamps the current gain if it
// now exceeds the new ceiling. It returns (appliedMaxGainDB, appliedGainDB).
func (p *Processor) SetMaxGain(db float64) (float64, float64) {
	appliedMax := core.Clamp(db, maxGainFloor, maxGainCeil)
	p.maxGainDB.Store(appliedMax)

	current := p.gainDB.Load()
	if current > appliedMax {
		current = core.Clamp(current, minGainDB, appliedMax)
		p.gainDB.Store(current)
	}

	return appliedMax, current
}

// SetMuted forces the analyzed/applied gain to -100 dB without disturbing
// the stored gain value, for solo muting. Clearing mute restores the
// previously set gain automatically since GainDB() is unaffected by it.
func (p *Processor) SetMuted(muted bool) { p.muted.Store(muted) }

// Muted reports whether solo muting is currently applied.
func (p *Processor) Muted() bool { return p.muted.Load() }

// EffectiveGainDB returns the gain the playback branch should actually
// apply: -100 dB while muted, GainDB() otherwise.
func (p *Processor) EffectiveGainDB() float64 {
	if p.muted.Load() {
		return muteGainDB
	}

	return p.gainDB.Load()
}

// EffectiveGainLinear returns EffectiveGainDB converted to a linear
// multiplier (10^(db/20)), ready to apply to the playback branch.
func (p *Processor) EffectiveGainLinear() float64 {
	return core.DBToLinear(p.EffectiveGainDB())
}

// ResetMeasurements clears the loudness engine's histories and counters.
func (p *Processor) ResetMeasurements() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.engine == nil {
		return
	}

	p.engine.Reset()

	reading := loudness.LoudnessReading{
		Momentary:  math.Inf(-1),
		ShortTerm:  math.Inf(-1),
		Integrated: math.Inf(-1),
	}
	p.latest.Store(&reading)
}

// LatestReading returns the last snapshot published at an update tick.
func (p *Processor) LatestReading() loudness.LoudnessReading {
	return *p.latest.Load()
}

// Ingest feeds one multi-channel frame (mono duplicated to stereo by the
// caller via NormalizeFrame) through the analysis branch. It runs on the
// real-time audio thread: no locking, no allocation beyond what the engine
// itself pre-allocated at Start.
func (p *Processor) Ingest(frame []float64) (updateDue bool, reading loudness.LoudnessReading) {
	engine := p.engine
	if engine == nil {
		return false, p.LatestReading()
	}

	_, updateDue = engine.ProcessSample(frame)
	if updateDue {
		r := engine.LatestReading()
		p.latest.Store(&r)

		return true, r
	}

	return false, p.LatestReading()
}

// RenderFrame applies the current effective gain (muted-aware) to in and
// writes the result into out, for the playback branch (§4.3: "source →
// gain → limiter-input"). It runs on the audio thread: no locking, no
// allocation. The analysis branch (Ingest) is unaffected by this gain.
func (p *Processor) RenderFrame(in, out []float64) {
	gain := p.EffectiveGainLinear()
	for i := range out {
		if i < len(in) {
			out[i] = in[i] * gain
		} else {
			out[i] = 0
		}
	}
}

// NormalizeFrame expands a mono sample into a stereo frame, or passes a
// stereo frame through unchanged, per §4.3's "channel count is normalized
// to stereo (mono duplicated)".
func NormalizeFrame(in []float64, out []float64) []float64 {
	switch len(in) {
	case 1:
		out[0] = in[0]
		out[1] = in[0]
	default:
		out[0] = in[0]
		out[1] = in[1]
	}

	return out
}
