package audioio

import (
	"context"
	"math"
	"sync"
	"time"
)

// Silence returns one all-zero frame for the format.
func Silence(f Format) []int16 {
	return make([]int16, f.SamplesPerFrame())
}

// Tone returns one frame of a 440Hz sine at the given peak amplitude.
func Tone(f Format, amplitude float64) []int16 {
	n := f.SamplesPerFrame()
	frame := make([]int16, n)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(f.SampleRate))
		frame[i] = int16(v)
	}
	return frame
}

// SyntheticSource replays a scripted sequence of frames, then silence
// forever. It never blocks on a device, which makes recording behavior
// fully deterministic: frame-count time, not wall-clock time. Used by tests
// and as the default capture device when no real microphone adapter is
// wired in.
type SyntheticSource struct {
	format Format
	frames [][]int16

	mu     sync.Mutex
	pos    int
	closed bool
}

// NewSyntheticSource builds a source that yields the scripted frames in
// order and all-zero frames once the script runs out.
func NewSyntheticSource(format Format, frames [][]int16) *SyntheticSource {
	return &SyntheticSource{format: format, frames: frames}
}

func (s *SyntheticSource) ReadFrame(ctx context.Context) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, context.Canceled
	}
	if s.pos < len(s.frames) {
		frame := s.frames[s.pos]
		s.pos++
		return frame, nil
	}
	return Silence(s.format), nil
}

func (s *SyntheticSource) Format() Format { return s.format }

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// SyntheticPlayer discards audio and reports the WAV's nominal duration,
// optionally sleeping for it to mimic real playback pacing.
type SyntheticPlayer struct {
	// Realtime makes Play sleep for the audio duration instead of
	// returning immediately.
	Realtime bool
}

func (p *SyntheticPlayer) Play(ctx context.Context, wav []byte) (time.Duration, error) {
	secs, err := WAVDuration(wav)
	if err != nil {
		return 0, err
	}
	d := time.Duration(secs * float64(time.Second))
	if p.Realtime {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return d, nil
}
