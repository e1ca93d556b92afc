package coordinator

import (
	"math"
	"testing"
	"time"

	"github.com/cwbudde/algo-dsp/events"
)

type fakeSource struct {
	sampleRate float64
}

func (s fakeSource) SampleRate() float64 { return s.sampleRate }
func (s fakeSource) Channels() int       { return 2 }

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()

	c, err := New(48000, events.NewBus())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return c
}

func registerAt(t *testing.T, c *Coordinator, id events.StreamID, gainDB, maxGainDB float64) {
	t.Helper()

	if err := c.RegisterStream(id, fakeSource{sampleRate: 48000}); err != nil {
		t.Fatalf("RegisterStream(%s): %v", id, err)
	}

	if maxGainDB != 0 {
		if _, _, err := c.SetMaxGain(id, maxGainDB); err != nil {
			t.Fatalf("SetMaxGain(%s): %v", id, err)
		}
	}

	if _, err := c.SetGain(id, gainDB); err != nil {
		t.Fatalf("SetGain(%s): %v", id, err)
	}
}

func gainOf(t *testing.T, c *Coordinator, id events.StreamID) float64 {
	t.Helper()

	snaps, _ := c.GetStreams()
	for _, s := range snaps {
		if s.ID == id {
			return s.GainDB
		}
	}

	t.Fatalf("stream %s not found", id)

	return 0
}

func TestRegisterStream_DuplicateIDFails(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	if err := c.RegisterStream("a", fakeSource{sampleRate: 48000}); err != nil {
		t.Fatalf("first RegisterStream: %v", err)
	}

	if err := c.RegisterStream("a", fakeSource{sampleRate: 48000}); err != ErrAlreadyRegistered {
		t.Fatalf("second RegisterStream err = %v, want ErrAlreadyRegistered", err)
	}
}

func TestUnregisterStream_UnknownIsNoop(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	if err := c.UnregisterStream("nope"); err != nil {
		t.Fatalf("UnregisterStream on unknown id: %v", err)
	}
}

func TestSetGain_ClampedToMaxGain(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	registerAt(t, c, "a", 0, 0)

	applied, err := c.SetGain("a", 100)
	if err != nil {
		t.Fatalf("SetGain: %v", err)
	}

	if applied != 0 {
		t.Fatalf("applied = %v, want 0 (clamped to default max_gain_db)", applied)
	}
}

// §8 scenario 4: balance convergence.
func TestBalanceNow_ClampedWhenMaxGainInsufficient(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	registerAt(t, c, "a", 0, 0)
	feedBlocks(t, c, "a", -30.0, minBlocksForReliableLUFS+5)

	target := -14.0
	c.BalanceNow(&target)

	if got := gainOf(t, c, "a"); got != 0 {
		t.Fatalf("applied gain = %v, want 0 (clamped, cannot reach target)", got)
	}
}

func TestBalanceNow_ReachesTargetWithinMaxGain(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	registerAt(t, c, "a", 0, 20)
	feedBlocks(t, c, "a", -30.0, minBlocksForReliableLUFS+5)

	target := -14.0
	c.BalanceNow(&target)

	if got := gainOf(t, c, "a"); math.Abs(got-16.0) > 0.3 {
		t.Fatalf("applied gain = %v, want ~16.0", got)
	}
}

// §8 scenario 6: warm-up guard.
func TestBalanceNow_SkipsStreamBelowWarmUpThreshold(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	registerAt(t, c, "a", 0, 20)
	feedBlocks(t, c, "a", -20.0, 5)

	target := -14.0
	c.BalanceNow(&target)

	if got := gainOf(t, c, "a"); got != 0 {
		t.Fatalf("applied gain = %v, want 0 (unchanged, warm-up not satisfied)", got)
	}
}

func TestBalanceNow_NoopWhenAllStreamsUnmeasurable(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	registerAt(t, c, "a", -3, 0)
	registerAt(t, c, "b", -6, 0)

	target := -14.0
	c.BalanceNow(&target)

	if got := gainOf(t, c, "a"); got != -3 {
		t.Fatalf("gain a = %v, want unchanged -3", got)
	}

	if got := gainOf(t, c, "b"); got != -6 {
		t.Fatalf("gain b = %v, want unchanged -6", got)
	}
}

// §8 scenario 5: solo restoration round-trip.
func TestToggleSolo_RestoresGainsOnSecondToggle(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	registerAt(t, c, "a", -3, 0)
	registerAt(t, c, "b", -6, 0)
	registerAt(t, c, "cc", 0, 0)

	if _, err := c.ToggleSolo("b"); err != nil {
		t.Fatalf("ToggleSolo(b): %v", err)
	}

	snaps, solo := c.GetStreams()
	if solo == nil || *solo != "b" {
		t.Fatalf("solo = %v, want b", solo)
	}

	for _, s := range snaps {
		wantMuted := s.ID != "b"
		if s.Muted != wantMuted {
			t.Fatalf("stream %s muted = %v, want %v", s.ID, s.Muted, wantMuted)
		}
	}

	if _, err := c.ToggleSolo("b"); err != nil {
		t.Fatalf("second ToggleSolo(b): %v", err)
	}

	snaps, solo = c.GetStreams()
	if solo != nil {
		t.Fatalf("solo = %v, want nil after clearing", solo)
	}

	want := map[events.StreamID]float64{"a": -3, "b": -6, "cc": 0}
	for _, s := range snaps {
		if s.Muted {
			t.Fatalf("stream %s still muted after clearing solo", s.ID)
		}

		if s.GainDB != want[s.ID] {
			t.Fatalf("stream %s gain = %v, want %v (restored)", s.ID, s.GainDB, want[s.ID])
		}
	}
}

func TestToggleSolo_UnknownStreamFails(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	if _, err := c.ToggleSolo("nope"); err != ErrUnknownStream {
		t.Fatalf("err = %v, want ErrUnknownStream", err)
	}
}

func TestSetAutoBalance_TargetClampedToRange(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	tooLow := -100.0
	cfg := c.SetAutoBalance(nil, &tooLow)
	if cfg.TargetLUFS != -60 {
		t.Fatalf("target = %v, want clamped to -60", cfg.TargetLUFS)
	}

	tooHigh := 100.0
	cfg = c.SetAutoBalance(nil, &tooHigh)
	if cfg.TargetLUFS != 0 {
		t.Fatalf("target = %v, want clamped to 0", cfg.TargetLUFS)
	}
}

func TestSetAutoBalance_ToggleLeavesGainsUntouched(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	registerAt(t, c, "a", -5, 0)

	enabled := true
	c.SetAutoBalance(&enabled, nil)

	disabled := false
	c.SetAutoBalance(&disabled, nil)

	if got := gainOf(t, c, "a"); got != -5 {
		t.Fatalf("gain = %v, want unchanged -5", got)
	}
}

func TestNotifyStreamEnded_RemovesStreamAndClearsSolo(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	registerAt(t, c, "a", 0, 0)
	registerAt(t, c, "b", 0, 0)

	if _, err := c.ToggleSolo("a"); err != nil {
		t.Fatalf("ToggleSolo: %v", err)
	}

	c.NotifyStreamEnded("a", "track stopped")

	snaps, solo := c.GetStreams()
	if solo != nil {
		t.Fatalf("solo = %v, want nil after soloed stream ended", solo)
	}

	for _, s := range snaps {
		if s.ID == "a" {
			t.Fatal("stream a should have been removed")
		}

		if s.Muted {
			t.Fatalf("stream %s still muted after solo holder ended", s.ID)
		}
	}
}

func TestNotifyStreamEnded_UnknownIsNoop(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	c.NotifyStreamEnded("nope", "whatever")
}

func TestSetLimiter_PartialUpdateOnlyTouchesNamedFields(t *testing.T) {
	c := newTestCoordinator(t)
	defer c.Close()

	before := c.GetLimiter()

	patch := events.LimiterSettings{ThresholdDB: -3}
	fields := NewLimiterFieldSet(FieldThreshold)

	after, err := c.SetLimiter(patch, fields)
	if err != nil {
		t.Fatalf("SetLimiter: %v", err)
	}

	if after.ThresholdDB != -3 {
		t.Fatalf("threshold = %v, want -3", after.ThresholdDB)
	}

	if after.KneeDB != before.KneeDB || after.Ratio != before.Ratio {
		t.Fatalf("untouched fields changed: before=%+v after=%+v", before, after)
	}
}

// feedBlocks drives the stream's loudness engine with a 1 kHz sine at
// approximately levelLUFS: one 400 ms warm-up window followed by n hops,
// so the engine emits n+1 blocks at that level.
func feedBlocks(t *testing.T, c *Coordinator, id events.StreamID, levelLUFS float64, n int) {
	t.Helper()

	c.mu.Lock()
	entry, ok := c.streams[id]
	c.mu.Unlock()

	if !ok {
		t.Fatalf("stream %s not registered", id)
	}

	// Amplitude of a 1 kHz sine, fed identically to both channels, whose
	// K-weighted block loudness is levelLUFS: the two channels' mean squares
	// sum to a^2, and the K-weighting gain at 1 kHz (about +0.691 dB)
	// cancels the -0.691 offset, so L = 20*log10(a).
	amplitude := amplitudeForLUFS(levelLUFS)

	sampleRate := 48000.0
	samplesPerBlock := entry.proc.SampleRate()
	if samplesPerBlock == 0 {
		samplesPerBlock = sampleRate
	}

	blockSamples := int(0.400*samplesPerBlock) + int(0.100*samplesPerBlock)*n

	frame := make([]float64, 2)

	step := 2 * math.Pi * 1000.0 / samplesPerBlock
	for i := 0; i < blockSamples; i++ {
		x := amplitude * math.Sin(step*float64(i))
		frame[0] = x
		frame[1] = x
		entry.proc.Ingest(frame)
	}
}

func amplitudeForLUFS(lufs float64) float64 {
	// L = 20*log10(a) for a 1 kHz stereo sine (see feedBlocks) => a = 10^(L/20)
	return math.Pow(10, lufs/20.0)
}

func TestCoordinator_IngestFramePublishesLoudnessUpdate(t *testing.T) {
	bus := events.NewBus()
	c, err := New(48000, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sub := bus.Subscribe(64)

	const id = events.StreamID("a")
	if err := c.RegisterStream(id, fakeSource{sampleRate: 48000}); err != nil {
		t.Fatalf("RegisterStream: %v", err)
	}
	drainSubscriber(sub)

	frame := []float64{0.1, 0.1}
	for i := 0; i < 4800; i++ {
		c.IngestFrame(id, frame)
	}

	var got *events.LoudnessUpdate
	for {
		select {
		case ev := <-sub:
			if lu, ok := ev.(events.LoudnessUpdate); ok {
				l := lu
				got = &l
			}
		default:
			goto done
		}
	}
done:
	if got == nil {
		t.Fatal("expected a LoudnessUpdate event after one update interval")
	}

	if got.Stream != id {
		t.Fatalf("Stream = %q, want %q", got.Stream, id)
	}
}

func TestCoordinator_IngestFrameUnknownStreamIsNoop(t *testing.T) {
	c := newTestCoordinator(t)

	frame := []float64{0.1, 0.1}
	c.IngestFrame(events.StreamID("missing"), frame)
}

func drainSubscriber(sub <-chan events.Event) {
	for {
		select {
		case <-sub:
		default:
			return
		}
	}
}

type slowSource struct {
	sampleRate float64
	delay      time.Duration
}

func (s slowSource) SampleRate() float64 {
	time.Sleep(s.delay)
	return s.sampleRate
}

func (s slowSource) Channels() int { return 2 }

func TestCoordinator_RegisterStreamTimesOut(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(8)

	c, err := New(48000, bus, WithCaptureTimeout(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const id = events.StreamID("slow")

	err = c.RegisterStream(id, slowSource{sampleRate: 48000, delay: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("expected a timeout error, got nil")
	}

	snaps, _ := c.GetStreams()
	for _, s := range snaps {
		if s.ID == id {
			t.Fatalf("stream %s should not be registered after a timed-out start", id)
		}
	}

	select {
	case ev := <-sub:
		ce, ok := ev.(events.CaptureError)
		if !ok {
			t.Fatalf("expected CaptureError, got %T", ev)
		}

		if ce.Kind != events.CaptureErrorTimeout {
			t.Fatalf("Kind = %v, want CaptureErrorTimeout", ce.Kind)
		}
	default:
		t.Fatal("expected a CaptureError event")
	}
}
