// Package audioio defines the audio device boundary: PCM frame capture,
// playback, and listen cues. Real device adapters live outside the core;
// everything here works on 16-bit mono PCM.
package audioio

import (
	"context"
	"time"
)

// Format describes a PCM capture format: sample rate plus frame length.
type Format struct {
	SampleRate  int // Hz
	FrameMillis int // frame duration in milliseconds
}

// SamplesPerFrame returns the number of int16 samples in one frame.
func (f Format) SamplesPerFrame() int {
	return f.SampleRate * f.FrameMillis / 1000
}

// FrameDuration returns the frame length as a time.Duration.
func (f Format) FrameDuration() time.Duration {
	return time.Duration(f.FrameMillis) * time.Millisecond
}

// FrameSource delivers captured PCM frames one at a time. ReadFrame blocks
// until a full frame is available; it returns ctx.Err() when the context is
// cancelled. Close releases the underlying device handle and is safe to call
// after cancellation.
type FrameSource interface {
	ReadFrame(ctx context.Context) ([]int16, error)
	Format() Format
	Close() error
}

// Player plays encoded audio (WAV) and reports how long playback took.
type Player interface {
	Play(ctx context.Context, wav []byte) (time.Duration, error)
}

// Signaler emits the audible cues around the listen window. Implementations
// that play chimes live outside the core; NopSignaler is the default.
type Signaler interface {
	ListenStart(ctx context.Context) error
	ListenDone(ctx context.Context) error
}

// NopSignaler is a Signaler that does nothing.
type NopSignaler struct{}

func (NopSignaler) ListenStart(ctx context.Context) error { return nil }
func (NopSignaler) ListenDone(ctx context.Context) error  { return nil }
