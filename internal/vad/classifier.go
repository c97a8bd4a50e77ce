// Package vad provides per-frame voice-activity classification over 16-bit
// mono PCM. The decision is a pure function of the frame's RMS energy
// against an aggressiveness-selected threshold, so identical input always
// produces identical output.
package vad

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnsupportedConfig is returned by New for (sample rate, frame duration,
// aggressiveness) combinations the classifier cannot handle. Callers fall
// back to fixed-duration recording instead of failing the whole listen.
var ErrUnsupportedConfig = errors.New("unsupported classifier configuration")

// Aggressiveness 0 tolerates the most background noise; 3 classifies the
// most frames as silence, risking cut-off mid-sentence. Thresholds are RMS
// energy in the int16 sample domain and rise monotonically so a frame judged
// silence at level n is also silence at every level above n.
var rmsThresholds = [4]float64{250, 300, 375, 450}

var validSampleRates = map[int]bool{8000: true, 16000: true, 32000: true, 48000: true}
var validFrameMillis = map[int]bool{10: true, 20: true, 30: true}

// Config selects the classifier's operating point.
type Config struct {
	SampleRate     int // one of 8000, 16000, 32000, 48000
	FrameMillis    int // one of 10, 20, 30
	Aggressiveness int // 0..3, higher = more frames judged silence
}

// Classifier judges fixed-size PCM frames as speech or silence. It is not
// safe for concurrent use; each recording session owns its own instance.
type Classifier struct {
	samplesPerFrame int
	threshold       float64

	totalFrames  uint64
	speechFrames uint64
}

// New validates the configuration and builds a classifier.
func New(cfg Config) (*Classifier, error) {
	if !validSampleRates[cfg.SampleRate] {
		return nil, fmt.Errorf("%w: sample rate %d", ErrUnsupportedConfig, cfg.SampleRate)
	}
	if !validFrameMillis[cfg.FrameMillis] {
		return nil, fmt.Errorf("%w: frame duration %dms", ErrUnsupportedConfig, cfg.FrameMillis)
	}
	if cfg.Aggressiveness < 0 || cfg.Aggressiveness > 3 {
		return nil, fmt.Errorf("%w: aggressiveness %d", ErrUnsupportedConfig, cfg.Aggressiveness)
	}
	return &Classifier{
		samplesPerFrame: cfg.SampleRate * cfg.FrameMillis / 1000,
		threshold:       rmsThresholds[cfg.Aggressiveness],
	}, nil
}

// IsSpeech classifies one frame. The frame must be exactly one frame long
// for the configured format.
func (c *Classifier) IsSpeech(frame []int16) (bool, error) {
	if len(frame) != c.samplesPerFrame {
		return false, fmt.Errorf("frame has %d samples, want %d", len(frame), c.samplesPerFrame)
	}
	speech := rms(frame) >= c.threshold
	c.totalFrames++
	if speech {
		c.speechFrames++
	}
	return speech, nil
}

// rms computes root-mean-square energy in the int16 domain.
func rms(frame []int16) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// SamplesPerFrame returns the expected frame length.
func (c *Classifier) SamplesPerFrame() int { return c.samplesPerFrame }

// Threshold returns the active RMS threshold.
func (c *Classifier) Threshold() float64 { return c.threshold }

// Stats reports how many frames have been classified so far.
type Stats struct {
	TotalFrames  uint64
	SpeechFrames uint64
}

func (c *Classifier) Stats() Stats {
	return Stats{TotalFrames: c.totalFrames, SpeechFrames: c.speechFrames}
}
