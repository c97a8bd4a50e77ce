package record

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbailey/voicemode-sub000/internal/audioio"
)

var testFormat = audioio.Format{SampleRate: 16000, FrameMillis: 30}

func speechFrames(t *testing.T, n int) [][]int16 {
	t.Helper()
	frames := make([][]int16, n)
	for i := range frames {
		frames[i] = audioio.Tone(testFormat, 8000)
	}
	return frames
}

func silenceFrames(t *testing.T, n int) [][]int16 {
	t.Helper()
	frames := make([][]int16, n)
	for i := range frames {
		frames[i] = audioio.Silence(testFormat)
	}
	return frames
}

func newTestSession(t *testing.T, cfg Config, script [][]int16) *Session {
	t.Helper()
	src := audioio.NewSyntheticSource(testFormat, script)
	return NewSession(cfg, src, zerolog.Nop())
}

// Five speech frames then silence at a 600ms threshold: the session must
// stop after exactly 20 more frames.
func TestSessionStopsAfterTrailingSilence(t *testing.T) {
	cfg := Config{
		SampleRate:       16000,
		FrameMillis:      30,
		Aggressiveness:   2,
		SilenceThreshold: 600 * time.Millisecond,
		MinDuration:      0,
		MaxDuration:      120 * time.Second,
		GracePeriod:      0,
	}
	s := newTestSession(t, cfg, speechFrames(t, 5))

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != 25 {
		t.Errorf("Frames = %d, want 25 (5 speech + 20 silence)", res.Frames)
	}
	if res.Speech != SpeechPresent {
		t.Errorf("Speech = %v, want present", res.Speech)
	}
	if res.Reason != ReasonSilence {
		t.Errorf("Reason = %v, want silence", res.Reason)
	}
	if res.Duration != 750*time.Millisecond {
		t.Errorf("Duration = %v, want 750ms", res.Duration)
	}
	if len(res.Samples) != 25*testFormat.SamplesPerFrame() {
		t.Errorf("Samples = %d, want %d", len(res.Samples), 25*testFormat.SamplesPerFrame())
	}
}

func TestSessionAllSilenceRunsToMax(t *testing.T) {
	cfg := Config{
		SampleRate:       16000,
		FrameMillis:      30,
		Aggressiveness:   2,
		SilenceThreshold: 300 * time.Millisecond,
		MinDuration:      0,
		MaxDuration:      600 * time.Millisecond,
		GracePeriod:      0,
	}
	s := newTestSession(t, cfg, nil) // synthetic source yields silence forever

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != 20 {
		t.Errorf("Frames = %d, want 20 (600ms at 30ms frames)", res.Frames)
	}
	if res.Speech != SpeechAbsent {
		t.Errorf("Speech = %v, want absent", res.Speech)
	}
	if res.Reason != ReasonMaxDuration {
		t.Errorf("Reason = %v, want max_duration", res.Reason)
	}
}

func TestSessionMinDurationFloor(t *testing.T) {
	cfg := Config{
		SampleRate:       16000,
		FrameMillis:      30,
		Aggressiveness:   2,
		SilenceThreshold: 150 * time.Millisecond,
		MinDuration:      900 * time.Millisecond,
		MaxDuration:      120 * time.Second,
		GracePeriod:      0,
	}
	s := newTestSession(t, cfg, speechFrames(t, 2))

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Duration < 900*time.Millisecond {
		t.Errorf("Duration = %v, must not undercut the 900ms minimum", res.Duration)
	}
	if res.Frames != 30 {
		t.Errorf("Frames = %d, want 30 (stop at the minimum boundary)", res.Frames)
	}
	if res.Reason != ReasonSilence {
		t.Errorf("Reason = %v, want silence", res.Reason)
	}
}

func TestSessionSpeechResetsSilenceRun(t *testing.T) {
	cfg := Config{
		SampleRate:       16000,
		FrameMillis:      30,
		Aggressiveness:   2,
		SilenceThreshold: 600 * time.Millisecond,
		MinDuration:      0,
		MaxDuration:      120 * time.Second,
		GracePeriod:      0,
	}
	var script [][]int16
	script = append(script, speechFrames(t, 5)...)
	script = append(script, silenceFrames(t, 10)...) // below threshold, must not stop
	script = append(script, speechFrames(t, 5)...)
	s := newTestSession(t, cfg, script)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != 40 {
		t.Errorf("Frames = %d, want 40 (5+10+5 scripted + 20 trailing silence)", res.Frames)
	}
}

func TestSessionGraceSkipsClassification(t *testing.T) {
	cfg := Config{
		SampleRate:       16000,
		FrameMillis:      30,
		Aggressiveness:   2,
		SilenceThreshold: 600 * time.Millisecond,
		MinDuration:      0,
		MaxDuration:      1200 * time.Millisecond,
		GracePeriod:      300 * time.Millisecond,
	}
	// Loud audio entirely inside the grace window must not count as speech,
	// so the session runs to the cap instead of silence-stopping at 30 frames.
	s := newTestSession(t, cfg, speechFrames(t, 10))

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != 40 {
		t.Errorf("Frames = %d, want 40 (grace audio ignored, ran to cap)", res.Frames)
	}
	if res.Speech != SpeechAbsent {
		t.Errorf("Speech = %v, want absent", res.Speech)
	}
}

func TestSessionFallbackOnUnsupportedFormat(t *testing.T) {
	cfg := Config{
		SampleRate:  44100, // classifier cannot handle this rate
		FrameMillis: 30,
		MaxDuration: 300 * time.Millisecond,
	}
	src := audioio.NewSyntheticSource(audioio.Format{SampleRate: 44100, FrameMillis: 30}, nil)
	s := NewSession(cfg, src, zerolog.Nop())

	if !s.Degraded() {
		t.Fatal("session should degrade for an unsupported sample rate")
	}

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != ReasonMaxDuration {
		t.Errorf("Reason = %v, want max_duration", res.Reason)
	}
	if res.Speech != SpeechUnknown {
		t.Errorf("Speech = %v, want unknown in degraded mode", res.Speech)
	}
	if !res.Degraded {
		t.Error("Result.Degraded should be true")
	}
	if res.Frames != 10 {
		t.Errorf("Frames = %d, want 10 (300ms fixed duration)", res.Frames)
	}
}

func TestSessionDisableVAD(t *testing.T) {
	cfg := Config{
		SampleRate:  16000,
		FrameMillis: 30,
		MaxDuration: 300 * time.Millisecond,
		DisableVAD:  true,
	}
	s := newTestSession(t, cfg, speechFrames(t, 100))

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != 10 {
		t.Errorf("Frames = %d, want 10 (fixed duration ignores speech)", res.Frames)
	}
	if res.Speech != SpeechUnknown {
		t.Errorf("Speech = %v, want unknown", res.Speech)
	}
}

// cancellingSource cancels the context once its script runs out, so the
// session observes cancellation at a deterministic frame count.
type cancellingSource struct {
	format audioio.Format
	frames [][]int16
	pos    int
	cancel context.CancelFunc
}

func (c *cancellingSource) ReadFrame(ctx context.Context) ([]int16, error) {
	if c.pos < len(c.frames) {
		f := c.frames[c.pos]
		c.pos++
		return f, nil
	}
	c.cancel()
	return nil, ctx.Err()
}

func (c *cancellingSource) Format() audioio.Format { return c.format }
func (c *cancellingSource) Close() error           { return nil }

func TestSessionCancelReturnsPartialFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &cancellingSource{format: testFormat, frames: speechFrames(t, 10), cancel: cancel}
	s := NewSession(Config{SampleRate: 16000, FrameMillis: 30, Aggressiveness: 2}, src, zerolog.Nop())

	out := <-s.Start(ctx)
	if out.Err != nil {
		t.Fatalf("Run: %v", out.Err)
	}
	if out.Result.Reason != ReasonCancelled {
		t.Errorf("Reason = %v, want cancelled", out.Result.Reason)
	}
	if out.Result.Frames != 10 {
		t.Errorf("Frames = %d, want the 10 captured before cancellation", out.Result.Frames)
	}
	if s.State() != StateCancelled {
		t.Errorf("State = %v, want cancelled", s.State())
	}
}

// failingSource returns a device error after its script runs out.
type failingSource struct {
	format audioio.Format
	frames [][]int16
	pos    int
}

func (f *failingSource) ReadFrame(ctx context.Context) ([]int16, error) {
	if f.pos < len(f.frames) {
		fr := f.frames[f.pos]
		f.pos++
		return fr, nil
	}
	return nil, errors.New("device gone")
}

func (f *failingSource) Format() audioio.Format { return f.format }
func (f *failingSource) Close() error           { return nil }

func TestSessionSourceErrorReturnsPartialFrames(t *testing.T) {
	src := &failingSource{format: testFormat, frames: silenceFrames(t, 3)}
	s := NewSession(Config{SampleRate: 16000, FrameMillis: 30, Aggressiveness: 2}, src, zerolog.Nop())

	res, err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run should surface the device error")
	}
	if res == nil {
		t.Fatal("partial result must accompany the error")
	}
	if res.Frames != 3 {
		t.Errorf("Frames = %d, want 3", res.Frames)
	}
	if res.Reason != ReasonSourceError {
		t.Errorf("Reason = %v, want source_error", res.Reason)
	}
}

func TestSessionMinCappedByMax(t *testing.T) {
	// MinDuration above MaxDuration must not extend the recording past the cap.
	cfg := Config{
		SampleRate:       16000,
		FrameMillis:      30,
		Aggressiveness:   2,
		SilenceThreshold: 150 * time.Millisecond,
		MinDuration:      10 * time.Second,
		MaxDuration:      300 * time.Millisecond,
		GracePeriod:      0,
	}
	s := newTestSession(t, cfg, speechFrames(t, 2))

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != 10 {
		t.Errorf("Frames = %d, want 10 (capped at MaxDuration)", res.Frames)
	}
}
