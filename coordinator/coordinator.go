// Package coordinator implements the multi-stream balancing core: it owns
// one Stream Processor per registered source, the shared limiter's
// settings, solo state, and the one-shot/continuous gain-balancing logic
// that drives streams toward a target integrated loudness.
package coordinator

import (
	"math"
	"sync"
	"time"

	"github.com/cwbudde/algo-dsp/dsp/core"
	"github.com/cwbudde/algo-dsp/dsp/effects/dynamics"
	"github.com/cwbudde/algo-dsp/events"
	"github.com/cwbudde/algo-dsp/measure/loudness"
	"github.com/cwbudde/algo-dsp/mix"
	"github.com/cwbudde/algo-dsp/persist"
	"github.com/cwbudde/algo-dsp/stream"
)

// minBlocksForReliableLUFS is the block_count floor below which a stream's
// integrated reading is considered too short to act on (§4.5, §8 scenario 6).
const minBlocksForReliableLUFS = 10

const (
	balanceCadence  = 500 * time.Millisecond
	cleanupCadence  = 5 * time.Second
	balanceMinGain  = -60.0
	balanceMaxGain  = 0.0
	muteBalanceGain = -100.0

	// defaultCaptureTimeout is §5's "reference: 5s" deadline for capture
	// initialization; RegisterStream reports CaptureError{Timeout} if the
	// host-provided Start call hasn't returned by then.
	defaultCaptureTimeout = 5 * time.Second
)

// HostChecker answers whether a registered stream's underlying source is
// still alive, for stale-stream cleanup.
type HostChecker interface {
	StreamExists(id events.StreamID) bool
}

// streamEntry pairs a Processor with the bookkeeping the Coordinator needs
// that does not belong on the Processor itself.
type streamEntry struct {
	proc *stream.Processor
}

// Coordinator owns the stream set, solo state, auto-balance settings, and
// the shared limiter. All of its methods run on the control thread; none
// of them touch the audio thread's hot path directly (they only write
// atomics owned by stream.Processor or dynamics.Limiter).
type Coordinator struct {
	mu sync.Mutex

	streams map[events.StreamID]*streamEntry
	solo    *events.StreamID

	autoBalance events.AutoBalanceSettings
	limiter     *dynamics.Limiter
	limiterCfg  events.LimiterSettings

	bus   *events.Bus
	store *persist.Store
	host  HostChecker

	captureTimeout time.Duration

	balanceStop chan struct{}
	cleanupStop chan struct{}
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithPersistence attaches a settings store; Settings saved at startup are
// loaded immediately.
func WithPersistence(store *persist.Store) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithHostChecker attaches the callback used for stale-stream cleanup.
func WithHostChecker(host HostChecker) Option {
	return func(c *Coordinator) { c.host = host }
}

// WithCaptureTimeout overrides the deadline RegisterStream waits for a
// capture source to start before reporting CaptureError{Timeout} (§5).
func WithCaptureTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.captureTimeout = d }
}

// New builds a Coordinator with a shared limiter running at sampleRate.
func New(sampleRate float64, bus *events.Bus, opts ...Option) (*Coordinator, error) {
	limiter, err := dynamics.NewLimiter(sampleRate)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		streams:        make(map[events.StreamID]*streamEntry),
		autoBalance:    events.DefaultAutoBalanceSettings(),
		limiter:        limiter,
		limiterCfg:     events.DefaultLimiterSettings(),
		bus:            bus,
		captureTimeout: defaultCaptureTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.store != nil {
		doc, err := c.store.Load()
		if err != nil {
			return nil, err
		}

		c.autoBalance = doc.AutoBalance
		c.limiterCfg = doc.Limiter
	}

	if err := c.applyLimiterSettings(c.limiterCfg); err != nil {
		return nil, err
	}

	if c.autoBalance.Enabled {
		c.startBalanceLoop()
	}

	if c.host != nil {
		c.startCleanupLoop()
	}

	return c, nil
}

// RegisterStream adds a new stream and starts its capture. The second
// registration of the same id fails with ErrAlreadyRegistered.
func (c *Coordinator) RegisterStream(id events.StreamID, source stream.Source) error {
	c.mu.Lock()

	if _, exists := c.streams[id]; exists {
		c.mu.Unlock()
		return ErrAlreadyRegistered
	}

	proc := stream.NewProcessor()
	c.mu.Unlock()

	startErr := make(chan error, 1)
	go func() { startErr <- proc.Start(source) }()

	select {
	case err := <-startErr:
		if err != nil {
			if c.bus != nil {
				c.bus.Publish(events.CaptureError{Stream: id, Kind: events.CaptureErrorDeviceLost})
			}

			return &CaptureFailedError{Stream: id, Reason: err.Error()}
		}
	case <-time.After(c.captureTimeout):
		if c.bus != nil {
			c.bus.Publish(events.CaptureError{Stream: id, Kind: events.CaptureErrorTimeout})
		}

		return &CaptureFailedError{Stream: id, Reason: "capture start timed out"}
	}

	c.mu.Lock()
	c.streams[id] = &streamEntry{proc: proc}
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(events.CaptureStarted{Stream: id, SampleRate: source.SampleRate()})
	}

	return nil
}

// UnregisterStream stops and removes a stream. Unknown ids are a no-op
// success, matching Stop's idempotence at the Processor level.
func (c *Coordinator) UnregisterStream(id events.StreamID) error {
	c.mu.Lock()
	entry, exists := c.streams[id]
	if !exists {
		c.mu.Unlock()
		return nil
	}

	delete(c.streams, id)
	if c.solo != nil && *c.solo == id {
		c.solo = nil
		c.unmuteAllLocked()
	}
	c.mu.Unlock()

	_ = entry.proc.Stop()

	if c.bus != nil {
		c.bus.Publish(events.CaptureStopped{Stream: id})
	}

	return nil
}

// NotifyStreamEnded handles a host-pushed termination signal for a stream
// whose underlying source ended on its own (track stop, host shutdown):
// it self-cleans the stream and publishes StreamEnded{reason}, per §4.3's
// "an externally signaled stream-ended event transitions to Idle and
// publishes StreamEnded{reason}." Unlike UnregisterStream (an operator
// command, which publishes CaptureStopped), this path always reports
// reason, not an explicit unregistration. Unknown ids are a no-op.
func (c *Coordinator) NotifyStreamEnded(id events.StreamID, reason string) {
	c.mu.Lock()
	entry, exists := c.streams[id]
	if !exists {
		c.mu.Unlock()
		return
	}

	delete(c.streams, id)
	if c.solo != nil && *c.solo == id {
		c.solo = nil
		c.unmuteAllLocked()
	}
	c.mu.Unlock()

	_ = entry.proc.Stop()

	if c.bus != nil {
		c.bus.Publish(events.StreamEnded{Stream: id, Reason: reason})
	}
}

// SetGain applies a gain request to a stream, clamped per §4.3, and
// publishes GainUpdated with the applied value.
func (c *Coordinator) SetGain(id events.StreamID, db float64) (float64, error) {
	proc, err := c.lookup(id)
	if err != nil {
		return 0, err
	}

	applied := proc.SetGain(db)
	if c.bus != nil {
		c.bus.Publish(events.GainUpdated{Stream: id, GainDB: applied})
	}

	return applied, nil
}

// SetMaxGain applies a gain-ceiling request to a stream, clamped per §4.3.
func (c *Coordinator) SetMaxGain(id events.StreamID, db float64) (appliedMax, appliedGain float64, err error) {
	proc, err := c.lookup(id)
	if err != nil {
		return 0, 0, err
	}

	appliedMax, appliedGain = proc.SetMaxGain(db)
	if c.bus != nil {
		c.bus.Publish(events.GainUpdated{Stream: id, GainDB: appliedGain})
	}

	return appliedMax, appliedGain, nil
}

// IngestFrame feeds one multi-channel analysis frame into a stream's Block
// Loudness Engine (§2's analysis data flow); the host calls it once per
// sample (or per block, pre-split into frames) for every capturing stream.
// The processor lookup takes the same short map lock as SetGain; the
// engine's own per-sample loop inside Processor.Ingest stays lock-free and
// allocation-free. When the engine's ~10 Hz update tick elapses,
// IngestFrame publishes LoudnessUpdate on the bus, matching §6's cadence.
func (c *Coordinator) IngestFrame(id events.StreamID, frame []float64) {
	proc, err := c.lookup(id)
	if err != nil {
		return
	}

	updateDue, reading := proc.Ingest(frame)
	if !updateDue || c.bus == nil {
		return
	}

	c.bus.Publish(events.LoudnessUpdate{
		Stream:     id,
		Momentary:  reading.Momentary,
		ShortTerm:  reading.ShortTerm,
		Integrated: reading.Integrated,
		BlockCount: reading.BlockCount,
	})
}

// ResetMeasurements clears a stream's loudness history.
func (c *Coordinator) ResetMeasurements(id events.StreamID) error {
	proc, err := c.lookup(id)
	if err != nil {
		return err
	}

	proc.ResetMeasurements()

	if c.bus != nil {
		c.bus.Publish(events.MeasurementsReset{Stream: id})
	}

	return nil
}

// StreamSnapshot is a read-only view of one stream's current state,
// returned by GetStreams.
type StreamSnapshot struct {
	ID      events.StreamID
	State   stream.State
	GainDB  float64
	MaxGain float64
	Muted   bool
	Reading loudness.LoudnessReading
}

// GetStreams returns a snapshot of every tracked stream and the current
// solo id, if any.
func (c *Coordinator) GetStreams() ([]StreamSnapshot, *events.StreamID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]StreamSnapshot, 0, len(c.streams))
	for id, entry := range c.streams {
		r := entry.proc.LatestReading()
		out = append(out, StreamSnapshot{
			ID:      id,
			State:   entry.proc.State(),
			GainDB:  entry.proc.GainDB(),
			MaxGain: entry.proc.MaxGainDB(),
			Muted:   entry.proc.Muted(),
			Reading: r,
		})
	}

	return out, c.solo
}

// ToggleSolo sets or clears solo on id. Soloing again on the same id
// clears it and restores every stream's gain (the per-stream gain field
// is untouched by muting, so restoration is automatic).
func (c *Coordinator) ToggleSolo(id events.StreamID) (*events.StreamID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.streams[id]; !exists {
		return nil, ErrUnknownStream
	}

	if c.solo != nil && *c.solo == id {
		c.solo = nil
		c.unmuteAllLocked()

		return nil, nil
	}

	c.solo = &id
	for sid, entry := range c.streams {
		entry.proc.SetMuted(sid != id)
	}

	return c.solo, nil
}

// ClearSolo clears solo state unconditionally.
func (c *Coordinator) ClearSolo() *events.StreamID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.solo = nil
	c.unmuteAllLocked()

	return nil
}

func (c *Coordinator) unmuteAllLocked() {
	for _, entry := range c.streams {
		entry.proc.SetMuted(false)
	}
}

// SetAutoBalance updates the continuous-balance settings, starting or
// stopping the periodic loop as needed, and persists the change.
func (c *Coordinator) SetAutoBalance(enabled *bool, targetLUFS *float64) events.AutoBalanceSettings {
	c.mu.Lock()
	wasEnabled := c.autoBalance.Enabled

	if enabled != nil {
		c.autoBalance.Enabled = *enabled
	}
	if targetLUFS != nil {
		c.autoBalance.TargetLUFS = core.Clamp(*targetLUFS, balanceMinGain, balanceMaxGain)
	}
	cfg := c.autoBalance
	c.mu.Unlock()

	if cfg.Enabled && !wasEnabled {
		c.startBalanceLoop()
	} else if !cfg.Enabled && wasEnabled {
		c.stopBalanceLoop()
	}

	c.persist()

	if c.bus != nil {
		c.bus.Publish(events.AutoBalanceUpdated{AutoBalance: cfg})
	}

	return cfg
}

// BalanceNow runs a single one-shot balancing pass toward targetLUFS (or
// the configured auto-balance target, if targetLUFS is nil).
func (c *Coordinator) BalanceNow(targetLUFS *float64) {
	c.mu.Lock()
	target := c.autoBalance.TargetLUFS
	if targetLUFS != nil {
		target = core.Clamp(*targetLUFS, balanceMinGain, balanceMaxGain)
	}

	type candidate struct {
		id   events.StreamID
		proc *stream.Processor
	}

	candidates := make([]candidate, 0, len(c.streams))
	for id, entry := range c.streams {
		candidates = append(candidates, candidate{id: id, proc: entry.proc})
	}
	solo := c.solo
	c.mu.Unlock()

	for _, cand := range candidates {
		if cand.proc.State() != stream.StateCapturing {
			continue
		}

		if solo != nil && *solo != cand.id {
			cand.proc.SetMuted(true)
			continue
		}

		reading := cand.proc.LatestReading()
		if reading.BlockCount < minBlocksForReliableLUFS || math.IsInf(reading.Integrated, -1) {
			continue
		}

		required := target - reading.Integrated
		applied := core.Clamp(required, balanceMinGain, cand.proc.MaxGainDB())
		cand.proc.SetGain(applied)

		if c.bus != nil {
			c.bus.Publish(events.GainUpdated{Stream: cand.id, GainDB: applied})
		}
	}
}

// SetLimiter applies a partial settings update to the shared limiter and
// persists the result.
func (c *Coordinator) SetLimiter(patch events.LimiterSettings, fields LimiterFieldSet) (events.LimiterSettings, error) {
	c.mu.Lock()
	cfg := c.limiterCfg
	if fields.Has(FieldEnabled) {
		cfg.Enabled = patch.Enabled
	}
	if fields.Has(FieldThreshold) {
		cfg.ThresholdDB = patch.ThresholdDB
	}
	if fields.Has(FieldKnee) {
		cfg.KneeDB = patch.KneeDB
	}
	if fields.Has(FieldRatio) {
		cfg.Ratio = patch.Ratio
	}
	if fields.Has(FieldAttack) {
		cfg.AttackMs = patch.AttackMs
	}
	if fields.Has(FieldRelease) {
		cfg.ReleaseMs = patch.ReleaseMs
	}
	c.mu.Unlock()

	if err := c.applyLimiterSettings(cfg); err != nil {
		return events.LimiterSettings{}, err
	}

	c.mu.Lock()
	c.limiterCfg = cfg
	c.mu.Unlock()

	c.persist()

	if c.bus != nil {
		c.bus.Publish(events.LimiterUpdated{Limiter: cfg})
	}

	return cfg, nil
}

// GetLimiter returns the shared limiter's current settings.
func (c *Coordinator) GetLimiter() events.LimiterSettings {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.limiterCfg
}

// Limiter exposes the underlying dynamics processor so the playback path
// can run the mixed bus through it.
func (c *Coordinator) Limiter() *dynamics.Limiter {
	return c.limiter
}

// NewMixBus returns a mix.Bus bound to this Coordinator's shared limiter,
// ready to sum registered streams' gained frames (§2's "sum → shared
// limiter → output" playback path) down to channels channels.
func (c *Coordinator) NewMixBus(channels int) *mix.Bus {
	return mix.NewBus(c.limiter, channels)
}

func (c *Coordinator) applyLimiterSettings(cfg events.LimiterSettings) error {
	if err := c.limiter.SetEnabled(cfg.Enabled); err != nil {
		return err
	}

	if !cfg.Enabled {
		return nil
	}

	if err := c.limiter.SetThreshold(cfg.ThresholdDB); err != nil {
		return err
	}
	if err := c.limiter.SetKnee(cfg.KneeDB); err != nil {
		return err
	}
	if err := c.limiter.SetRatio(cfg.Ratio); err != nil {
		return err
	}
	if err := c.limiter.SetAttack(cfg.AttackMs); err != nil {
		return err
	}

	return c.limiter.SetRelease(cfg.ReleaseMs)
}

func (c *Coordinator) persist() {
	if c.store == nil {
		return
	}

	c.mu.Lock()
	doc := persist.Document{AutoBalance: c.autoBalance, Limiter: c.limiterCfg}
	c.mu.Unlock()

	_ = c.store.Save(doc)
}

func (c *Coordinator) lookup(id events.StreamID) (*stream.Processor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.streams[id]
	if !exists {
		return nil, ErrUnknownStream
	}

	return entry.proc, nil
}

func (c *Coordinator) startBalanceLoop() {
	c.stopBalanceLoop()

	stop := make(chan struct{})
	c.balanceStop = stop

	go func() {
		ticker := time.NewTicker(balanceCadence)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.BalanceNow(nil)
			}
		}
	}()
}

func (c *Coordinator) stopBalanceLoop() {
	if c.balanceStop != nil {
		close(c.balanceStop)
		c.balanceStop = nil
	}
}

func (c *Coordinator) startCleanupLoop() {
	stop := make(chan struct{})
	c.cleanupStop = stop

	go func() {
		ticker := time.NewTicker(cleanupCadence)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.cleanupStaleStreams()
			}
		}
	}()
}

func (c *Coordinator) cleanupStaleStreams() {
	c.mu.Lock()
	stale := make([]events.StreamID, 0)
	for id := range c.streams {
		if !c.host.StreamExists(id) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		c.NotifyStreamEnded(id, "stream gone")
	}
}

// Close stops both background loops. Stream processors themselves are not
// torn down; callers should UnregisterStream each one first if desired.
func (c *Coordinator) Close() {
	c.stopBalanceLoop()

	if c.cleanupStop != nil {
		close(c.cleanupStop)
		c.cleanupStop = nil
	}
}
