package mix

import (
	"math"
	"testing"

	"github.com/cwbudde/algo-dsp/dsp/effects/dynamics"
)

func newTestLimiter(t *testing.T) *dynamics.Limiter {
	t.Helper()

	l, err := dynamics.NewLimiter(48000)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}

	return l
}

func TestBus_RenderSumsFramesWhenBypassed(t *testing.T) {
	l := newTestLimiter(t)
	b := NewBus(l, 2)

	out := make([]float64, 2)
	b.Render([][]float64{{0.1, 0.2}, {0.3, 0.4}}, out)

	if math.Abs(out[0]-0.4) > 1e-9 || math.Abs(out[1]-0.6) > 1e-9 {
		t.Fatalf("out = %v, want [0.4 0.6] (bypassed limiter, simple sum)", out)
	}
}

func TestBus_RenderReusesScratchWithoutCrossContamination(t *testing.T) {
	l := newTestLimiter(t)
	b := NewBus(l, 2)

	out := make([]float64, 2)

	b.Render([][]float64{{1, 1}}, out)
	b.Render([][]float64{{0, 0}}, out)

	if out[0] != 0 || out[1] != 0 {
		t.Fatalf("out = %v, want [0 0] (pooled scratch must not leak prior sums)", out)
	}
}

func TestBus_RenderAppliesActiveLimiting(t *testing.T) {
	l := newTestLimiter(t)
	if err := l.SetEnabled(true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	// Enabling keeps the bypass parameters (ratio 1:1); set a limiting ratio.
	if err := l.SetRatio(20); err != nil {
		t.Fatalf("SetRatio: %v", err)
	}
	if err := l.SetThreshold(-6); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	if err := l.SetAttack(0); err != nil {
		t.Fatalf("SetAttack: %v", err)
	}

	b := NewBus(l, 1)
	out := make([]float64, 1)

	// Drive the envelope to steady state with a loud constant input.
	for i := 0; i < 1000; i++ {
		b.Render([][]float64{{1.0}}, out)
	}

	if out[0] >= 1.0 {
		t.Fatalf("out = %v, want attenuated below unity once limiting engages", out[0])
	}
}
