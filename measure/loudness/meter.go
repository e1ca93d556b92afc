// Package loudness implements the ITU-R BS.1770 Block Loudness Engine:
// per-stream K-weighted block energy measurement with momentary,
// short-term and gated-integrated loudness derived from it.
package loudness

import (
	"math"

	"github.com/cwbudde/algo-dsp/dsp/filter/kweight"
)

const (
	// blockDurationSeconds and hopFraction define the 400 ms / 100 ms
	// sliding window (75% overlap) mandated by BS.1770-4.
	blockDurationSeconds = 0.400
	hopFraction          = 0.25
	minBlockSamples      = 128

	updateIntervalSeconds = 0.1
	minUpdateSamples      = 128

	absoluteGateLUFS    = -70.0
	relativeGateDeltaLU = -10.0

	shortTermWindowSeconds = 3.0
	integratedHistoryCap   = 600
)

// LoudnessReading is a snapshot of a stream's momentary, short-term and
// integrated loudness, along with the number of blocks measured so far.
// Momentary, ShortTerm and Integrated are math.Inf(-1) when below the
// absolute gate or not yet measurable.
type LoudnessReading struct {
	Momentary  float64
	ShortTerm  float64
	Integrated float64
	BlockCount uint32
}

// Engine is the per-stream Block Loudness Engine: it ingests raw samples,
// K-weights them with its own filter pair, maintains sliding-window sums of squares per channel, emits
// block loudness values at the hop rate, and derives momentary,
// short-term and gated-integrated loudness from the resulting histories.
//
// Engine is not safe for concurrent use; callers run it on a single
// audio-rendering thread and read snapshots via LatestReading/Reading.
type Engine struct {
	sampleRate float64
	channels   int
	weights    []float64

	kPair *kweight.Pair

	blockSizeSamples      int
	hopSizeSamples        int
	updateIntervalSamples int
	shortTermCap          int

	ring       [][]float64
	ringIndex  int
	ringFilled int
	runningSum []float64

	samplesSinceBlock  int
	samplesSinceUpdate int

	momentary         float64
	shortTermHistory  []float64
	integratedHistory []float64
	blockCount        uint32

	latest LoudnessReading
}

// NewEngine builds a Block Loudness Engine for channels channels
// (1 = mono, 2 = stereo; ITU-R BS.1770 stereo/mono channel weights are
// both 1.0 — surround weighting is out of scope) at sampleRate.
func NewEngine(sampleRate float64, channels int) *Engine {
	if channels < 1 {
		channels = 1
	}

	e := &Engine{
		sampleRate: sampleRate,
		channels:   channels,
		weights:    make([]float64, channels),
		kPair:      kweight.NewPair(sampleRate, channels),
	}

	for i := range e.weights {
		e.weights[i] = 1.0
	}

	e.blockSizeSamples = max(int(math.Round(blockDurationSeconds*sampleRate)), minBlockSamples)
	e.hopSizeSamples = max(int(math.Round(float64(e.blockSizeSamples)*hopFraction)), 1)
	e.updateIntervalSamples = max(int(math.Round(updateIntervalSeconds*sampleRate)), minUpdateSamples)
	e.shortTermCap = int(math.Ceil((shortTermWindowSeconds * 1000) / (float64(e.hopSizeSamples) / sampleRate * 1000)))

	e.ring = make([][]float64, channels)
	for i := range e.ring {
		e.ring[i] = make([]float64, e.blockSizeSamples)
	}

	e.runningSum = make([]float64, channels)

	e.Reset()

	return e
}

// SampleRate returns the configured sample rate.
func (e *Engine) SampleRate() float64 { return e.sampleRate }

// Channels returns the configured channel count.
func (e *Engine) Channels() int { return e.channels }

// BlockSizeSamples returns the 400 ms window length in samples.
func (e *Engine) BlockSizeSamples() int { return e.blockSizeSamples }

// HopSizeSamples returns the 100 ms hop length in samples.
func (e *Engine) HopSizeSamples() int { return e.hopSizeSamples }

// Reset zeroes filter states, ring buffers, running sums, both
// histories, and all counters, per §4.2.
func (e *Engine) Reset() {
	e.kPair.Reset()

	for i := range e.ring {
		for j := range e.ring[i] {
			e.ring[i][j] = 0
		}

		e.runningSum[i] = 0
	}

	e.ringIndex = 0
	e.ringFilled = 0
	e.samplesSinceBlock = 0
	e.samplesSinceUpdate = 0

	e.momentary = math.Inf(-1)
	e.shortTermHistory = e.shortTermHistory[:0]
	e.integratedHistory = e.integratedHistory[:0]
	e.blockCount = 0

	e.latest = LoudnessReading{
		Momentary:  math.Inf(-1),
		ShortTerm:  math.Inf(-1),
		Integrated: math.Inf(-1),
	}
}

// ProcessSample ingests one multi-channel frame (len(frame) >= Channels()).
// It returns whether a block was emitted this sample and whether a
// ~10 Hz update tick elapsed (the caller should call Reading() and
// publish when updateDue is true).
func (e *Engine) ProcessSample(frame []float64) (blockEmitted, updateDue bool) {
	for i := 0; i < e.channels; i++ {
		y := e.kPair.ProcessSample(i, frame[i])
		y2 := y * y

		old := e.ring[i][e.ringIndex]
		e.runningSum[i] += y2 - old
		e.ring[i][e.ringIndex] = y2
	}

	e.ringIndex++
	if e.ringIndex >= e.blockSizeSamples {
		e.ringIndex = 0
	}

	if e.ringFilled < e.blockSizeSamples {
		e.ringFilled++
	}

	e.samplesSinceBlock++
	e.samplesSinceUpdate++

	// During warm-up the hop counter is held just below one hop, so the
	// first block is emitted on the sample that fills the ring and no
	// backlog of blocks builds up before it.
	if e.ringFilled < e.blockSizeSamples && e.samplesSinceBlock >= e.hopSizeSamples {
		e.samplesSinceBlock = e.hopSizeSamples - 1
	}

	if e.samplesSinceBlock >= e.hopSizeSamples && e.ringFilled >= e.blockSizeSamples {
		e.emitBlock()
		e.samplesSinceBlock -= e.hopSizeSamples

		blockEmitted = true
	}

	if e.samplesSinceUpdate >= e.updateIntervalSamples {
		e.samplesSinceUpdate -= e.updateIntervalSamples
		e.latest = e.Reading()

		updateDue = true
	}

	return blockEmitted, updateDue
}

// ProcessBlock ingests a block of interleaved samples, Channels() per frame.
func (e *Engine) ProcessBlock(interleaved []float64) {
	frame := make([]float64, e.channels)
	for i := 0; i+e.channels <= len(interleaved); i += e.channels {
		copy(frame, interleaved[i:i+e.channels])
		e.ProcessSample(frame)
	}
}

func (e *Engine) emitBlock() {
	sum := 0.0

	for i := 0; i < e.channels; i++ {
		meanSq := e.runningSum[i] / float64(e.blockSizeSamples)
		sum += e.weights[i] * meanSq
	}

	level := math.Inf(-1)
	if sum > 0 {
		level = -0.691 + 10.0*math.Log10(sum)
	}

	e.momentary = level

	e.shortTermHistory = append(e.shortTermHistory, level)
	if len(e.shortTermHistory) > e.shortTermCap {
		e.shortTermHistory = e.shortTermHistory[len(e.shortTermHistory)-e.shortTermCap:]
	}

	if level > absoluteGateLUFS {
		e.integratedHistory = append(e.integratedHistory, level)
		if len(e.integratedHistory) > integratedHistoryCap {
			e.integratedHistory = e.integratedHistory[len(e.integratedHistory)-integratedHistoryCap:]
		}
	}

	e.blockCount++
}

// Momentary returns the most recent block loudness in LUFS, or -Inf if
// no block has been emitted yet.
func (e *Engine) Momentary() float64 { return e.momentary }

// ShortTerm returns the energy average of short-term history entries
// above the absolute gate, or -Inf if none pass the gate.
func (e *Engine) ShortTerm() float64 {
	return gatedEnergyAverage(e.shortTermHistory, absoluteGateLUFS)
}

// Integrated returns the doubly gated (absolute then relative) integrated
// loudness over the full history, per §4.2.
func (e *Engine) Integrated() float64 {
	absGated := gateAbove(e.integratedHistory, absoluteGateLUFS)
	if len(absGated) == 0 {
		return math.Inf(-1)
	}

	p1 := meanPower(absGated)
	relThreshold := 10.0*math.Log10(p1) + relativeGateDeltaLU

	relGated := gateAbove(absGated, relThreshold)
	if len(relGated) == 0 {
		return math.Inf(-1)
	}

	return 10.0 * math.Log10(meanPower(relGated))
}

// BlockCount returns the total number of blocks emitted since the last Reset.
func (e *Engine) BlockCount() uint32 { return e.blockCount }

// Reading computes a fresh LoudnessReading snapshot.
func (e *Engine) Reading() LoudnessReading {
	return LoudnessReading{
		Momentary:  e.Momentary(),
		ShortTerm:  e.ShortTerm(),
		Integrated: e.Integrated(),
		BlockCount: e.blockCount,
	}
}

// LatestReading returns the last snapshot computed at an update tick
// (see ProcessSample's updateDue return value), without recomputing.
func (e *Engine) LatestReading() LoudnessReading { return e.latest }

func gateAbove(values []float64, threshold float64) []float64 {
	out := make([]float64, 0, len(values))

	for _, v := range values {
		if v > threshold {
			out = append(out, v)
		}
	}

	return out
}

func gatedEnergyAverage(values []float64, threshold float64) float64 {
	gated := gateAbove(values, threshold)
	if len(gated) == 0 {
		return math.Inf(-1)
	}

	return 10.0 * math.Log10(meanPower(gated))
}

func meanPower(levelsDB []float64) float64 {
	sum := 0.0
	for _, l := range levelsDB {
		sum += math.Pow(10, l/10.0)
	}

	return sum / float64(len(levelsDB))
}
