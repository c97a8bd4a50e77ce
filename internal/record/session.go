// Package record drives microphone capture through a silence-detection
// state machine. A session owns one listen window: it pulls fixed-size PCM
// frames from a source, classifies each as speech or silence, and stops once
// the human has finished talking or a hard duration cap is reached.
//
// Time is counted in frames (frames captured × frame duration), never wall
// clock, so a session fed synthetic frames behaves identically to one fed
// by a real device.
package record

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbailey/voicemode-sub000/internal/audioio"
	"github.com/mbailey/voicemode-sub000/internal/metrics"
	"github.com/mbailey/voicemode-sub000/internal/vad"
)

// State is the session's position in its lifecycle.
type State int

const (
	StateInitializing State = iota
	StateGrace
	StateActive
	StateComplete
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateGrace:
		return "grace_period"
	case StateActive:
		return "active"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StopReason explains why a session stopped capturing.
type StopReason int

const (
	ReasonSilence StopReason = iota // trailing silence crossed the threshold
	ReasonMaxDuration               // hard cap reached
	ReasonCancelled                 // caller cancelled mid-capture
	ReasonSourceError               // device read failed mid-capture
)

func (r StopReason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonMaxDuration:
		return "max_duration"
	case ReasonCancelled:
		return "cancelled"
	case ReasonSourceError:
		return "source_error"
	default:
		return "unknown"
	}
}

// Speech is a three-valued verdict on whether the recording contains speech.
// Degraded sessions run without a classifier and cannot tell.
type Speech int

const (
	SpeechUnknown Speech = iota
	SpeechAbsent
	SpeechPresent
)

func (s Speech) String() string {
	switch s {
	case SpeechAbsent:
		return "absent"
	case SpeechPresent:
		return "present"
	default:
		return "unknown"
	}
}

// Config holds the per-session tunables. A zero SampleRate, FrameMillis,
// SilenceThreshold, or MaxDuration falls back to the default; MinDuration
// and GracePeriod of zero mean exactly that, since both are legitimate
// settings.
type Config struct {
	SampleRate       int           // default 16000
	FrameMillis      int           // default 30
	Aggressiveness   int           // 0..3, default 2
	SilenceThreshold time.Duration // default 1800ms of trailing silence
	MinDuration      time.Duration // default 1s, no silence-stop before this
	MaxDuration      time.Duration // default 120s hard cap
	GracePeriod      time.Duration // default 1s, classification suppressed
	DisableVAD       bool          // force fixed-duration capture
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		FrameMillis:      30,
		Aggressiveness:   2,
		SilenceThreshold: 1800 * time.Millisecond,
		MinDuration:      1 * time.Second,
		MaxDuration:      120 * time.Second,
		GracePeriod:      1 * time.Second,
	}
}

// normalized fills zero fields from defaults. Aggressiveness 0 is a valid
// setting, so it passes through untouched.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.FrameMillis == 0 {
		c.FrameMillis = d.FrameMillis
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = d.SilenceThreshold
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = d.MaxDuration
	}
	return c
}

// Result is what a finished session hands back. Samples always holds
// whatever was captured, even on cancellation; callers never get an empty
// result without a reason attached.
type Result struct {
	Samples  []int16
	Frames   int
	Duration time.Duration
	Speech   Speech
	Reason   StopReason
	Degraded bool // classifier unavailable; ran fixed-duration fallback
}

// Session captures one listen window. Create with NewSession, run once with
// Run or Start, then discard.
type Session struct {
	cfg    Config
	src    audioio.FrameSource
	clf    *vad.Classifier // nil in degraded fallback mode
	minDur time.Duration   // min(MinDuration, MaxDuration)
	log    zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewSession builds a session for the source. If the classifier rejects the
// configured format the session degrades to fixed-duration capture instead
// of failing: it will record for the full MaxDuration and report the speech
// verdict as unknown.
func NewSession(cfg Config, src audioio.FrameSource, log zerolog.Logger) *Session {
	cfg = cfg.normalized()

	s := &Session{
		cfg:    cfg,
		src:    src,
		minDur: cfg.MinDuration,
		log:    log,
		state:  StateInitializing,
	}
	if s.minDur > cfg.MaxDuration {
		s.minDur = cfg.MaxDuration
	}

	if cfg.DisableVAD {
		log.Info().Msg("vad disabled, recording fixed duration")
		return s
	}

	clf, err := vad.New(vad.Config{
		SampleRate:     cfg.SampleRate,
		FrameMillis:    cfg.FrameMillis,
		Aggressiveness: cfg.Aggressiveness,
	})
	if err != nil {
		log.Warn().Err(err).
			Int("sample_rate", cfg.SampleRate).
			Int("frame_ms", cfg.FrameMillis).
			Msg("classifier init failed, falling back to fixed-duration recording")
		return s
	}
	s.clf = clf
	return s
}

// State returns the session's current state. Safe to call from another
// goroutine while Run is in flight.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.log.Debug().Stringer("from", prev).Stringer("to", next).Msg("session state change")
}

// Degraded reports whether the session runs without a classifier.
func (s *Session) Degraded() bool { return s.clf == nil }

// Run captures frames until a stop condition fires or ctx is cancelled.
// It closes the source before returning so the device handle is released on
// every path. A cancelled session returns the frames captured so far with
// ReasonCancelled and a nil error; only source failures produce an error,
// and even then the partial result is returned alongside it.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	defer s.src.Close()

	frameDur := time.Duration(s.cfg.FrameMillis) * time.Millisecond

	var (
		samples      []int16
		frames       int
		elapsed      time.Duration
		silenceRun   time.Duration
		speechEver   bool
		speechFrames int
	)

	result := func(reason StopReason) *Result {
		verdict := SpeechUnknown
		if s.clf != nil {
			if speechEver {
				verdict = SpeechPresent
			} else {
				verdict = SpeechAbsent
			}
		}
		r := &Result{
			Samples:  samples,
			Frames:   frames,
			Duration: elapsed,
			Speech:   verdict,
			Reason:   reason,
			Degraded: s.clf == nil,
		}
		metrics.RecordingDuration.Observe(elapsed.Seconds())
		metrics.RecordingFramesTotal.WithLabelValues("speech").Add(float64(speechFrames))
		metrics.RecordingFramesTotal.WithLabelValues("silence").Add(float64(frames - speechFrames))
		s.log.Info().
			Stringer("reason", reason).
			Stringer("speech", verdict).
			Int("frames", frames).
			Dur("duration", elapsed).
			Bool("degraded", r.Degraded).
			Msg("recording stopped")
		return r
	}

	if s.clf != nil && s.cfg.GracePeriod > 0 {
		s.setState(StateGrace)
	} else {
		s.setState(StateActive)
	}

	for {
		if ctx.Err() != nil {
			s.setState(StateCancelled)
			return result(ReasonCancelled), nil
		}

		frame, err := s.src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.setState(StateCancelled)
				return result(ReasonCancelled), nil
			}
			s.setState(StateComplete)
			return result(ReasonSourceError), fmt.Errorf("read frame: %w", err)
		}

		samples = append(samples, frame...)
		frames++
		elapsed = time.Duration(frames) * frameDur

		switch {
		case s.clf == nil:
			// Fixed-duration fallback: no classification, no early stop.

		case s.State() == StateGrace:
			// Grace frames are captured but never classified, so a pause
			// before the human starts talking costs nothing.
			if elapsed >= s.cfg.GracePeriod {
				s.setState(StateActive)
			}

		default:
			speech, cerr := s.clf.IsSpeech(frame)
			if cerr != nil {
				s.log.Warn().Err(cerr).Int("frame", frames).Msg("frame classification failed")
				speech = false
			}
			if speech {
				speechEver = true
				speechFrames++
				silenceRun = 0
			} else {
				silenceRun += frameDur
			}

			// Trailing silence only ends the recording after speech has
			// been heard; an entirely silent window runs to the hard cap
			// so the human is never cut off before saying anything.
			if speechEver && elapsed >= s.minDur && silenceRun >= s.cfg.SilenceThreshold {
				s.setState(StateComplete)
				return result(ReasonSilence), nil
			}
		}

		if elapsed >= s.cfg.MaxDuration {
			s.setState(StateComplete)
			return result(ReasonMaxDuration), nil
		}
	}
}

// Outcome pairs a finished session's result with any source error.
type Outcome struct {
	Result *Result
	Err    error
}

// Start runs the session in its own goroutine and delivers the outcome on
// the returned channel, keeping blocking device reads off the caller's
// goroutine.
func (s *Session) Start(ctx context.Context) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		res, err := s.Run(ctx)
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}
