package dynamics

// Bypass parameters: with these settings the gain computer always returns
// unity, so ProcessSample degenerates to a pass-through while the node
// remains wired into the signal graph.
const (
	limiterBypassThresholdDB = 0.0
	limiterBypassKneeDB      = 40.0
	limiterBypassRatio       = 1.0
	limiterBypassAttackMs    = 0.0
	limiterBypassReleaseMs   = 250.0
)

// Limiter is a shared peak limiter placed on a summed output. It is a
// feedforward soft-knee compressor whose parameters default to a
// transparent bypass configuration, so enabling/disabling it is a pure
// parameter flip rather than a graph change.
type Limiter struct {
	core    *dynamicsCore
	enabled bool
}

// NewLimiter returns a Limiter at sampleRate (Hz), initialized disabled
// (bypass parameters).
func NewLimiter(sampleRate float64) (*Limiter, error) {
	core, err := newDynamicsCore(dynamicsCoreConfig{
		sampleRate:   sampleRate,
		topology:     DynamicsTopologyFeedforward,
		detectorMode: DetectorModePeak,
		thresholdDB:  limiterBypassThresholdDB,
		ratio:        limiterBypassRatio,
		kneeDB:       limiterBypassKneeDB,
		attackMs:     limiterBypassAttackMs,
		releaseMs:    limiterBypassReleaseMs,
		rmsWindowMs:  minDynamicsRMSTimeMs,
		autoMakeup:   false,
	})
	if err != nil {
		return nil, err
	}

	return &Limiter{core: core}, nil
}

// SetEnabled toggles the limiter between active limiting and transparent
// bypass. Disabling resets threshold/knee/ratio/attack/release to the
// bypass values specified by the enclosing system; callers that re-enable
// must reapply their desired parameters.
func (l *Limiter) SetEnabled(enabled bool) error {
	l.enabled = enabled

	if enabled {
		return nil
	}

	if err := l.core.SetThreshold(limiterBypassThresholdDB); err != nil {
		return err
	}
	if err := l.core.SetKnee(limiterBypassKneeDB); err != nil {
		return err
	}
	if err := l.core.SetRatio(limiterBypassRatio); err != nil {
		return err
	}
	if err := l.core.SetAttack(limiterBypassAttackMs); err != nil {
		return err
	}

	return l.core.SetRelease(limiterBypassReleaseMs)
}

// Enabled reports whether the limiter is configured for active limiting.
func (l *Limiter) Enabled() bool { return l.enabled }

// SetThreshold sets the limiting threshold in dBFS.
func (l *Limiter) SetThreshold(dB float64) error { return l.core.SetThreshold(dB) }

// SetKnee sets the knee width in dB.
func (l *Limiter) SetKnee(dB float64) error { return l.core.SetKnee(dB) }

// SetRatio sets the compression ratio (typical limiting ratio is 20:1 or higher).
func (l *Limiter) SetRatio(ratio float64) error { return l.core.SetRatio(ratio) }

// SetAttack sets the attack time constant in milliseconds.
func (l *Limiter) SetAttack(ms float64) error { return l.core.SetAttack(ms) }

// SetRelease sets the release time constant in milliseconds.
func (l *Limiter) SetRelease(ms float64) error { return l.core.SetRelease(ms) }

// Threshold returns the current threshold in dBFS.
func (l *Limiter) Threshold() float64 { return l.core.cfg.thresholdDB }

// Knee returns the current knee width in dB.
func (l *Limiter) Knee() float64 { return l.core.cfg.kneeDB }

// Ratio returns the current compression ratio.
func (l *Limiter) Ratio() float64 { return l.core.cfg.ratio }

// Attack returns the current attack time constant in milliseconds.
func (l *Limiter) Attack() float64 { return l.core.cfg.attackMs }

// Release returns the current release time constant in milliseconds.
func (l *Limiter) Release() float64 { return l.core.cfg.releaseMs }

// ProcessSample processes one sample of the summed signal, feeding the
// sample as its own sidechain (the limiter protects the mix it detects).
func (l *Limiter) ProcessSample(x float64) float64 {
	out, _ := l.core.ProcessSample(x, x)
	return out
}

// ProcessInPlace filters buf in-place through the limiter, sample by sample.
func (l *Limiter) ProcessInPlace(buf []float64) {
	for i, x := range buf {
		buf[i] = l.ProcessSample(x)
	}
}

// Reset clears envelope and detector state without changing parameters.
func (l *Limiter) Reset() { l.core.Reset() }
