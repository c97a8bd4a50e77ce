package audioio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// arecordAvailable caches whether arecord is in PATH (checked once).
var arecordAvailable *bool

// CheckCapture reports whether the capture tool is available.
func CheckCapture() bool {
	if arecordAvailable != nil {
		return *arecordAvailable
	}
	_, err := exec.LookPath("arecord")
	avail := err == nil
	arecordAvailable = &avail
	return avail
}

// aplayAvailable caches whether aplay is in PATH (checked once).
var aplayAvailable *bool

// CheckPlayback reports whether the playback tool is available.
func CheckPlayback() bool {
	if aplayAvailable != nil {
		return *aplayAvailable
	}
	_, err := exec.LookPath("aplay")
	avail := err == nil
	aplayAvailable = &avail
	return avail
}

// DeviceSource reads raw signed 16-bit mono PCM from the default ALSA
// capture device via arecord. The process is bound to the context passed to
// NewDeviceSource, so cancelling it unblocks any in-flight ReadFrame.
type DeviceSource struct {
	format Format
	cmd    *exec.Cmd
	stdout io.ReadCloser
	buf    []byte

	mu     sync.Mutex
	closed bool
}

// NewDeviceSource starts the capture process for the given format.
func NewDeviceSource(ctx context.Context, f Format) (*DeviceSource, error) {
	if !CheckCapture() {
		return nil, fmt.Errorf("arecord not found in PATH")
	}

	cmd := exec.CommandContext(ctx, "arecord",
		"-q",
		"-f", "S16_LE",
		"-r", strconv.Itoa(f.SampleRate),
		"-c", "1",
		"-t", "raw",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start arecord: %w", err)
	}

	return &DeviceSource{
		format: f,
		cmd:    cmd,
		stdout: stdout,
		buf:    make([]byte, f.SamplesPerFrame()*2),
	}, nil
}

// ReadFrame blocks until one full frame arrives. A read failure caused by
// context cancellation is reported as the context error so callers can tell
// a cancelled capture from a broken device.
func (s *DeviceSource) ReadFrame(ctx context.Context) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.stdout, s.buf); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read capture frame: %w", err)
	}

	samples := make([]int16, s.format.SamplesPerFrame())
	for i := range samples {
		samples[i] = int16(uint16(s.buf[i*2]) | uint16(s.buf[i*2+1])<<8)
	}
	return samples, nil
}

func (s *DeviceSource) Format() Format { return s.format }

// Close kills the capture process and reaps it.
func (s *DeviceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.stdout.Close()
	s.cmd.Wait()
	return nil
}

// DevicePlayer plays WAV audio through the default ALSA device via aplay.
type DevicePlayer struct{}

// Play blocks until playback finishes and returns the audio duration.
func (DevicePlayer) Play(ctx context.Context, wav []byte) (time.Duration, error) {
	if !CheckPlayback() {
		return 0, fmt.Errorf("aplay not found in PATH")
	}

	cmd := exec.CommandContext(ctx, "aplay", "-q", "-t", "wav", "-")
	cmd.Stdin = bytes.NewReader(wav)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("aplay: %w", err)
	}
	secs, err := WAVDuration(wav)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// ChimeSignaler plays short generated tones through a Player to mark the
// start and end of the listening window.
type ChimeSignaler struct {
	Player Player
}

func (c ChimeSignaler) ListenStart(ctx context.Context) error {
	return c.chime(ctx, 880)
}

func (c ChimeSignaler) ListenDone(ctx context.Context) error {
	return c.chime(ctx, 660)
}

func (c ChimeSignaler) chime(ctx context.Context, freq float64) error {
	const (
		rate = 16000
		ms   = 120
	)
	n := rate * ms / 1000
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(6000 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	wav, err := EncodeWAV(samples, rate)
	if err != nil {
		return err
	}
	_, err = c.Player.Play(ctx, wav)
	return err
}
