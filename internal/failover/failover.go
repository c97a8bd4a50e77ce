// Package failover runs speech operations against an ordered candidate
// list, skipping unhealthy providers and moving to the next candidate on
// error. Callers get the winning provider plus the full attempt log; when
// every candidate fails they get an ExhaustedError naming each one.
package failover

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbailey/voicemode-sub000/internal/metrics"
	"github.com/mbailey/voicemode-sub000/internal/provider"
)

const (
	DefaultSpeakTimeout      = 30 * time.Second
	DefaultTranscribeTimeout = 60 * time.Second
)

// Attempt records one candidate outcome. Err is nil on the attempt that
// succeeded, set to a "skipped" error for health-gated candidates.
type Attempt struct {
	Provider string `json:"provider"`
	Err      error  `json:"-"`
}

// Error is the attempt error as a string, for JSON diagnostics.
func (a Attempt) Error() string {
	if a.Err == nil {
		return ""
	}
	return a.Err.Error()
}

// ExhaustedError reports that every candidate was tried (or skipped) without
// success. Attempts preserves candidate order.
type ExhaustedError struct {
	Role     provider.Role
	Op       string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no %s providers available for %s", e.Role, e.Op)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("all %s providers failed for %s: %s", e.Role, e.Op, strings.Join(parts, "; "))
}

// Unwrap exposes the underlying attempt errors to errors.Is/As.
func (e *ExhaustedError) Unwrap() []error {
	var errs []error
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// HealthChecker is the registry surface the executor needs for its
// health gate.
type HealthChecker interface {
	CheckHealth(ctx context.Context, p *provider.Provider) provider.Health
}

// Options tunes per-attempt timeouts.
type Options struct {
	SpeakTimeout      time.Duration
	TranscribeTimeout time.Duration
	Log               zerolog.Logger
}

// Executor tries candidates sequentially. Each candidate is attempted at
// most once per call, so worst-case latency is bounded by the sum of
// per-attempt timeouts.
type Executor struct {
	health            HealthChecker
	speakTimeout      time.Duration
	transcribeTimeout time.Duration
	log               zerolog.Logger
}

// New builds an executor over the given health checker (normally the
// provider registry).
func New(health HealthChecker, opts Options) *Executor {
	if opts.SpeakTimeout == 0 {
		opts.SpeakTimeout = DefaultSpeakTimeout
	}
	if opts.TranscribeTimeout == 0 {
		opts.TranscribeTimeout = DefaultTranscribeTimeout
	}
	return &Executor{
		health:            health,
		speakTimeout:      opts.SpeakTimeout,
		transcribeTimeout: opts.TranscribeTimeout,
		log:               opts.Log,
	}
}

// SpeakResult carries synthesized audio plus which provider produced it.
type SpeakResult struct {
	Audio    []byte
	Provider *provider.Provider
	Attempts []Attempt
}

// Speak synthesizes text with the first healthy candidate that succeeds.
func (e *Executor) Speak(ctx context.Context, candidates []*provider.Provider, req provider.SynthesizeRequest) (*SpeakResult, error) {
	var audio []byte
	attempts, used, err := e.execute(ctx, "synthesize", provider.RoleTTS, e.speakTimeout, candidates,
		func(ctx context.Context, p *provider.Provider) error {
			out, err := p.Backend.Synthesize(ctx, req)
			if err != nil {
				return err
			}
			audio = out
			return nil
		})
	if err != nil {
		return nil, err
	}
	return &SpeakResult{Audio: audio, Provider: used, Attempts: attempts}, nil
}

// TranscribeResult carries the transcription plus which provider produced it.
type TranscribeResult struct {
	Transcription *provider.Transcription
	Provider      *provider.Provider
	Attempts      []Attempt
}

// Transcribe converts audio to text with the first healthy candidate that
// succeeds.
func (e *Executor) Transcribe(ctx context.Context, candidates []*provider.Provider, req provider.TranscribeRequest) (*TranscribeResult, error) {
	var result *provider.Transcription
	attempts, used, err := e.execute(ctx, "transcribe", provider.RoleSTT, e.transcribeTimeout, candidates,
		func(ctx context.Context, p *provider.Provider) error {
			out, err := p.Backend.Transcribe(ctx, req)
			if err != nil {
				return err
			}
			result = out
			return nil
		})
	if err != nil {
		return nil, err
	}
	return &TranscribeResult{Transcription: result, Provider: used, Attempts: attempts}, nil
}

// execute walks the candidate list in order. The successful attempt is
// recorded with a nil error so the log length equals the number of
// candidates visited.
func (e *Executor) execute(ctx context.Context, op string, role provider.Role, timeout time.Duration, candidates []*provider.Provider, attempt func(context.Context, *provider.Provider) error) ([]Attempt, *provider.Provider, error) {
	var attempts []Attempt

	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		if h := e.health.CheckHealth(ctx, p); h == provider.HealthUnhealthy {
			attempts = append(attempts, Attempt{Provider: p.Name, Err: fmt.Errorf("skipped: health check reports unhealthy")})
			metrics.ProviderAttemptsTotal.WithLabelValues(string(role), p.Name, "skipped").Inc()
			e.log.Debug().Str("op", op).Str("provider", p.Name).Msg("skipping unhealthy provider")
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := attempt(attemptCtx, p)
		cancel()

		if err == nil {
			attempts = append(attempts, Attempt{Provider: p.Name})
			metrics.ProviderAttemptsTotal.WithLabelValues(string(role), p.Name, "success").Inc()
			return attempts, p, nil
		}

		attempts = append(attempts, Attempt{Provider: p.Name, Err: err})
		metrics.ProviderAttemptsTotal.WithLabelValues(string(role), p.Name, "error").Inc()
		e.log.Warn().Err(err).Str("op", op).Str("provider", p.Name).Msg("provider attempt failed, trying next")
	}

	return nil, nil, &ExhaustedError{Role: role, Op: op, Attempts: attempts}
}
