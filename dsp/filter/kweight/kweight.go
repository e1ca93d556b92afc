// Package kweight implements the ITU-R BS.1770 K-weighting filter pair:
// a high-shelf stage followed by a high-pass stage, cascaded per channel.
package kweight

import (
	"math"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
)

const (
	shelfFreqHz = 1500.0
	shelfGainDB = 4.0
	hpfFreqHz   = 38.0

	// referenceSampleRate is the rate the BS.1770 reference coefficients
	// below were designed for.
	referenceSampleRate = 48000.0
	sampleRateEpsilon   = 1e-6
)

// Q matches the legacy meter's shelf/hpf design Q (Butterworth, 1/sqrt(2)).
var filterQ = 1.0 / math.Sqrt2

// ReferenceCoefficients returns the {high-shelf, high-pass} coefficient pair
// for sampleRate. At 48 kHz it returns the literal BS.1770 reference
// coefficients verbatim; at other rates it re-derives them via the RBJ
// cookbook formulas and the bilinear transform, matching the reference
// filter's shape (+4 dB shelf at 1.5 kHz, ~38 Hz high-pass).
func ReferenceCoefficients(sampleRate float64) (shelf, hpf biquad.Coefficients) {
	if math.Abs(sampleRate-referenceSampleRate) < sampleRateEpsilon {
		return biquad.Coefficients{
				B0: 1.53512485958697,
				B1: -2.69169618940638,
				B2: 1.19839281085285,
				A1: -1.69065929318241,
				A2: 0.73248077421585,
			}, biquad.Coefficients{
				B0: 1.0,
				B1: -2.0,
				B2: 1.0,
				A1: -1.99004745483398,
				A2: 0.99007225036621,
			}
	}

	shelf = design.HighShelf(shelfFreqHz, shelfGainDB, filterQ, sampleRate)
	hpf = design.Highpass(hpfFreqHz, filterQ, sampleRate)

	return shelf, hpf
}

// Pair is a K-weighting filter pair (high-shelf then high-pass) replicated
// across a fixed number of channels, each with independent filter state.
type Pair struct {
	sampleRate float64
	chains     []*biquad.Chain
}

// NewPair builds a K-weighting pair for channels channels at sampleRate.
func NewPair(sampleRate float64, channels int) *Pair {
	shelf, hpf := ReferenceCoefficients(sampleRate)

	chains := make([]*biquad.Chain, channels)
	for i := range chains {
		chains[i] = biquad.NewChain([]biquad.Coefficients{shelf, hpf})
	}

	return &Pair{sampleRate: sampleRate, chains: chains}
}

// Channels returns the number of channels this pair was built for.
func (p *Pair) Channels() int { return len(p.chains) }

// SampleRate returns the sample rate this pair's coefficients were derived for.
func (p *Pair) SampleRate() float64 { return p.sampleRate }

// ProcessSample filters one sample on the given channel through the
// high-shelf then high-pass cascade.
func (p *Pair) ProcessSample(channel int, x float64) float64 {
	return p.chains[channel].ProcessSample(x)
}

// Reset zeroes both delay-line state words per stage, per channel.
func (p *Pair) Reset() {
	for _, c := range p.chains {
		c.Reset()
	}
}
