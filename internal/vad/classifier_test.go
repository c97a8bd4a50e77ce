package vad

import (
	"errors"
	"math"
	"testing"
)

func tone(n int, amplitude float64) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return frame
}

func TestNewRejectsUnsupportedConfig(t *testing.T) {
	cases := []Config{
		{SampleRate: 44100, FrameMillis: 30, Aggressiveness: 2},
		{SampleRate: 16000, FrameMillis: 25, Aggressiveness: 2},
		{SampleRate: 16000, FrameMillis: 30, Aggressiveness: 4},
		{SampleRate: 16000, FrameMillis: 30, Aggressiveness: -1},
	}
	for _, cfg := range cases {
		_, err := New(cfg)
		if err == nil {
			t.Errorf("New(%+v) should fail", cfg)
			continue
		}
		if !errors.Is(err, ErrUnsupportedConfig) {
			t.Errorf("New(%+v) error = %v, want ErrUnsupportedConfig", cfg, err)
		}
	}
}

func TestNewAcceptsSupportedConfigs(t *testing.T) {
	for _, rate := range []int{8000, 16000, 32000, 48000} {
		for _, ms := range []int{10, 20, 30} {
			c, err := New(Config{SampleRate: rate, FrameMillis: ms, Aggressiveness: 2})
			if err != nil {
				t.Errorf("New(%d Hz, %d ms): %v", rate, ms, err)
				continue
			}
			want := rate * ms / 1000
			if c.SamplesPerFrame() != want {
				t.Errorf("SamplesPerFrame(%d Hz, %d ms) = %d, want %d", rate, ms, c.SamplesPerFrame(), want)
			}
		}
	}
}

func TestIsSpeechSilenceFrame(t *testing.T) {
	c, err := New(Config{SampleRate: 16000, FrameMillis: 30, Aggressiveness: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	speech, err := c.IsSpeech(make([]int16, 480))
	if err != nil {
		t.Fatalf("IsSpeech: %v", err)
	}
	if speech {
		t.Error("all-zero frame classified as speech")
	}
}

func TestIsSpeechLoudFrame(t *testing.T) {
	c, err := New(Config{SampleRate: 16000, FrameMillis: 30, Aggressiveness: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	speech, err := c.IsSpeech(tone(480, 8000))
	if err != nil {
		t.Fatalf("IsSpeech: %v", err)
	}
	if !speech {
		t.Error("loud tone classified as silence at max aggressiveness")
	}
}

func TestIsSpeechRejectsWrongFrameLength(t *testing.T) {
	c, err := New(Config{SampleRate: 16000, FrameMillis: 30, Aggressiveness: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.IsSpeech(make([]int16, 100)); err == nil {
		t.Error("IsSpeech should reject a 100-sample frame when 480 expected")
	}
}

func TestAggressivenessMonotonic(t *testing.T) {
	// A borderline frame: once any level judges it silence, every higher
	// level must too.
	frame := tone(480, 480) // RMS around 340

	prevSpeech := true
	for agg := 0; agg <= 3; agg++ {
		c, err := New(Config{SampleRate: 16000, FrameMillis: 30, Aggressiveness: agg})
		if err != nil {
			t.Fatalf("New(agg=%d): %v", agg, err)
		}
		speech, err := c.IsSpeech(frame)
		if err != nil {
			t.Fatalf("IsSpeech(agg=%d): %v", agg, err)
		}
		if speech && !prevSpeech {
			t.Fatalf("aggressiveness %d judged speech after a lower level judged silence", agg)
		}
		prevSpeech = speech
	}
}

func TestStatsCounts(t *testing.T) {
	c, err := New(Config{SampleRate: 16000, FrameMillis: 30, Aggressiveness: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.IsSpeech(tone(480, 8000))
	c.IsSpeech(make([]int16, 480))
	c.IsSpeech(make([]int16, 480))

	stats := c.Stats()
	if stats.TotalFrames != 3 {
		t.Errorf("TotalFrames = %d, want 3", stats.TotalFrames)
	}
	if stats.SpeechFrames != 1 {
		t.Errorf("SpeechFrames = %d, want 1", stats.SpeechFrames)
	}
}
