// Package mix implements the shared output stage of the playback path
// described in §2: per-stream gained frames are summed and the result is
// run through the shared Limiter before reaching the host's output sink.
// Unlike the analysis branch (measure/loudness via stream.Processor.Ingest),
// this path is audible and carries no measurement responsibility.
package mix

import (
	"github.com/cwbudde/algo-dsp/dsp/buffer"
	"github.com/cwbudde/algo-dsp/dsp/effects/dynamics"
)

// Bus sums multiple streams' gained frames and applies the shared Limiter
// to the result. It runs on the audio thread: Render allocates nothing on
// the steady-state path, reusing a pooled scratch buffer sized to the
// channel count.
type Bus struct {
	limiter  *dynamics.Limiter
	pool     *buffer.Pool
	channels int
}

// NewBus returns a Bus that mixes down to channels channels through
// limiter.
func NewBus(limiter *dynamics.Limiter, channels int) *Bus {
	if channels < 1 {
		channels = 1
	}

	return &Bus{limiter: limiter, pool: buffer.NewPool(), channels: channels}
}

// Render sums frames (each already gain-adjusted by its source
// stream.Processor.RenderFrame) and writes the limited mix into out. out
// must have length Channels(). frames with fewer than Channels() entries
// contribute zero on the missing channels.
func (b *Bus) Render(frames [][]float64, out []float64) {
	scratch := b.pool.Get(b.channels)
	defer b.pool.Put(scratch)

	sum := scratch.Samples()

	for _, frame := range frames {
		n := len(frame)
		if n > b.channels {
			n = b.channels
		}

		for i := 0; i < n; i++ {
			sum[i] += frame[i]
		}
	}

	for i := 0; i < b.channels && i < len(out); i++ {
		out[i] = b.limiter.ProcessSample(sum[i])
	}
}

// Channels returns the configured output channel count.
func (b *Bus) Channels() int { return b.channels }
