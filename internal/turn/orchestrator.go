// Package turn runs one conversational exchange end to end: claim the
// conch, speak the prompt, open a listen window, transcribe what was heard,
// and hand the transcript back. Phases are validated by an explicit state
// machine; repeat/wait/cancel interrupts jump between them.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mbailey/voicemode-sub000/internal/audioio"
	"github.com/mbailey/voicemode-sub000/internal/exchange"
	"github.com/mbailey/voicemode-sub000/internal/failover"
	"github.com/mbailey/voicemode-sub000/internal/metrics"
	"github.com/mbailey/voicemode-sub000/internal/provider"
	"github.com/mbailey/voicemode-sub000/internal/record"
	"github.com/mbailey/voicemode-sub000/internal/store"
)

// DefaultPauseAfterSpeak is how long the orchestrator settles between the
// end of playback and the listen cue, so the microphone does not pick up
// the tail of the agent's own speech.
const DefaultPauseAfterSpeak = 300 * time.Millisecond

// ErrTurnInProgress is returned by Run when this process is already mid-turn.
var ErrTurnInProgress = errors.New("turn already in progress")

// TurnLock is the slice of the conch the orchestrator needs.
type TurnLock interface {
	Acquire(ctx context.Context, holderID string, wait bool) error
	Release(holderID string) error
	Refresh(holderID string) error
}

// SpeechExecutor performs speak and transcribe with failover across an
// ordered candidate list.
type SpeechExecutor interface {
	Speak(ctx context.Context, candidates []*provider.Provider, req provider.SynthesizeRequest) (*failover.SpeakResult, error)
	Transcribe(ctx context.Context, candidates []*provider.Provider, req provider.TranscribeRequest) (*failover.TranscribeResult, error)
}

// ProviderSource yields ordered provider candidates per role.
type ProviderSource interface {
	Discover(role provider.Role, explicit []string) []*provider.Provider
	Prewarm(ctx context.Context, candidates []*provider.Provider)
}

// SourceFactory opens a frame source bound to ctx. Cancelling ctx must
// unblock pending reads and release the device handle.
type SourceFactory func(ctx context.Context, f audioio.Format) (audioio.FrameSource, error)

// Deps wires the orchestrator's collaborators. Lock, Providers, Executor,
// Player, and Source are required; Signaler defaults to NopSignaler, and a
// nil Store or Exchanges disables saved audio or the conversation log.
type Deps struct {
	Lock      TurnLock
	Providers ProviderSource
	Executor  SpeechExecutor
	Player    audioio.Player
	Signaler  audioio.Signaler
	Source    SourceFactory
	Store     *store.Store
	Exchanges *exchange.Log
}

// Config holds the per-process turn defaults. Request fields override the
// listen-window parts per call.
type Config struct {
	HolderID        string        // conch identity; generated when empty
	LockWait        bool          // wait for a busy conch instead of failing fast
	PauseAfterSpeak time.Duration // settle time before the listen cue
	Record          record.Config // listen-window defaults
	Log             zerolog.Logger
}

// Request describes one turn. Message is required; everything else is
// optional, with nil pointers meaning "use the configured default".
type Request struct {
	Message      string
	Voice        string
	Speed        float64
	Language     string
	TTSProviders []string // explicit candidates for this call, names or URLs
	STTProviders []string

	WaitForResponse  *bool // default true; false speaks without listening
	Aggressiveness   *int
	SilenceThreshold *time.Duration
	MinDuration      *time.Duration
	MaxDuration      *time.Duration
	GracePeriod      *time.Duration
	DisableVAD       *bool
}

// AttemptInfo is one failover attempt, flattened for callers.
type AttemptInfo struct {
	Provider string `json:"provider"`
	Error    string `json:"error,omitempty"`
}

// Result is what a finished turn hands back. Transcript is empty when the
// turn was cancelled before transcription or nothing was heard.
type Result struct {
	TurnID     string
	Outcome    Outcome
	Message    string
	Transcript string
	Confidence float64

	Speech         string // present, absent, or unknown
	StopReason     string
	RecordDegraded bool

	TTSProvider string
	STTProvider string
	TTSAttempts []AttemptInfo
	STTAttempts []AttemptInfo

	SpeakDuration  time.Duration
	RecordDuration time.Duration
	Timings        map[string]time.Duration
	AudioFiles     []string
}

// Orchestrator runs turns one at a time for this process. The conch
// arbitrates across processes; the orchestrator's own mutex arbitrates
// within it.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	mu         sync.Mutex // held for the duration of one Run
	running    atomic.Bool
	interrupts chan Interrupt

	lmu       sync.Mutex
	listeners []PhaseListener

	machMu sync.Mutex
	mach   *machine
}

// New builds an orchestrator. Zero Config fields fall back to defaults.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.HolderID == "" {
		cfg.HolderID = "turn-" + uuid.NewString()[:8]
	}
	if cfg.PauseAfterSpeak <= 0 {
		cfg.PauseAfterSpeak = DefaultPauseAfterSpeak
	}
	base := record.DefaultConfig()
	if cfg.Record.SampleRate == 0 {
		cfg.Record.SampleRate = base.SampleRate
	}
	if cfg.Record.FrameMillis == 0 {
		cfg.Record.FrameMillis = base.FrameMillis
	}
	if deps.Signaler == nil {
		deps.Signaler = audioio.NopSignaler{}
	}
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		log:        cfg.Log.With().Str("component", "turn").Logger(),
		interrupts: make(chan Interrupt, 1),
	}
}

// AddListener registers a phase-change listener for subsequent turns.
func (o *Orchestrator) AddListener(l PhaseListener) {
	o.lmu.Lock()
	defer o.lmu.Unlock()
	o.listeners = append(o.listeners, l)
}

// Running reports whether a turn is in flight.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Phase returns the current phase, PhaseIdle when no turn is running.
func (o *Orchestrator) Phase() Phase {
	o.machMu.Lock()
	m := o.mach
	o.machMu.Unlock()
	if m == nil || !o.running.Load() {
		return PhaseIdle
	}
	return m.Phase()
}

// Interrupt delivers a control signal to the turn in flight. It reports
// false when no turn is running or a signal is already pending; signals are
// consumed while recording or transcribing.
func (o *Orchestrator) Interrupt(i Interrupt) bool {
	if !o.running.Load() {
		return false
	}
	select {
	case o.interrupts <- i:
		return true
	default:
		return false
	}
}

// Run executes one turn. It returns ErrTurnInProgress when called
// concurrently, the conch error when the lock cannot be claimed, and an
// exhaustion error when every provider fails; cancellation (interrupt or
// context) produces a Result with OutcomeCancelled, not an error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if !o.mu.TryLock() {
		return nil, ErrTurnInProgress
	}
	defer o.mu.Unlock()

	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}

	st := o.newTurnState(req)
	if err := o.deps.Lock.Acquire(ctx, o.cfg.HolderID, o.cfg.LockWait); err != nil {
		metrics.TurnsTotal.WithLabelValues("lock_busy").Inc()
		return nil, err
	}
	defer func() {
		if err := o.deps.Lock.Release(o.cfg.HolderID); err != nil {
			st.log.Warn().Err(err).Msg("conch release failed")
		}
	}()

	o.running.Store(true)
	defer o.running.Store(false)
	select { // discard any interrupt left over from a previous turn
	case <-o.interrupts:
	default:
	}

	o.lmu.Lock()
	listeners := make([]PhaseListener, len(o.listeners))
	copy(listeners, o.listeners)
	o.lmu.Unlock()
	m := newMachine(listeners)
	o.machMu.Lock()
	o.mach = m
	o.machMu.Unlock()

	st.log.Info().Str("message", snippet(req.Message)).Msg("turn started")

	next := PhaseSpeak
	for {
		if err := m.Transition(next, st.reason); err != nil {
			return nil, err
		}
		st.reason = ""
		if next == PhaseDone {
			break
		}
		cur := next
		phaseStart := time.Now()
		var err error
		switch cur {
		case PhaseSpeak:
			next, err = o.speak(ctx, st)
		case PhasePause:
			next, err = o.pause(ctx, st)
		case PhaseSignalListen:
			next, err = o.signalListen(ctx, st)
		case PhaseRecord:
			next, err = o.record(ctx, st)
		case PhaseSignalDone:
			next, err = o.signalDone(ctx, st)
		case PhaseTranscribe:
			next, err = o.transcribe(ctx, st)
		case PhasePostProcess:
			next, err = o.postProcess(st)
		}
		elapsed := time.Since(phaseStart)
		st.timings[cur.String()] += elapsed
		metrics.PhaseDuration.WithLabelValues(cur.String()).Observe(elapsed.Seconds())

		if err != nil {
			if ctx.Err() != nil {
				st.outcome = OutcomeCancelled
				st.log.Info().Str("phase", cur.String()).Msg("turn cancelled by caller")
				metrics.TurnsTotal.WithLabelValues(OutcomeCancelled.String()).Inc()
				return st.result(), nil
			}
			metrics.TurnsTotal.WithLabelValues("error").Inc()
			st.log.Error().Err(err).Str("phase", cur.String()).Msg("turn failed")
			return nil, fmt.Errorf("%s: %w", cur, err)
		}
		if err := o.deps.Lock.Refresh(o.cfg.HolderID); err != nil {
			st.log.Warn().Err(err).Msg("conch refresh failed")
		}
	}

	metrics.TurnsTotal.WithLabelValues(st.outcome.String()).Inc()
	st.log.Info().
		Str("outcome", st.outcome.String()).
		Str("transcript", snippet(st.transcript)).
		Msg("turn finished")
	return st.result(), nil
}

// turnState accumulates everything one turn produces as it moves through
// the phases.
type turnState struct {
	id              string
	req             Request
	log             zerolog.Logger
	recCfg          record.Config
	pause           time.Duration
	waitForResponse bool
	reason          string // annotation for the next phase transition

	cachedAudio   []byte
	ttsProvider   string
	ttsAttempts   []failover.Attempt
	speakDuration time.Duration

	recording   *record.Result
	transcript  string
	confidence  float64
	sttProvider string
	sttAttempts []failover.Attempt

	outcome    Outcome
	timings    map[string]time.Duration
	audioFiles []string
}

func (o *Orchestrator) newTurnState(req Request) *turnState {
	id := uuid.NewString()[:8]
	wait := true
	if req.WaitForResponse != nil {
		wait = *req.WaitForResponse
	}
	cfg := o.cfg.Record
	if req.Aggressiveness != nil {
		cfg.Aggressiveness = *req.Aggressiveness
	}
	if req.SilenceThreshold != nil {
		cfg.SilenceThreshold = *req.SilenceThreshold
	}
	if req.MinDuration != nil {
		cfg.MinDuration = *req.MinDuration
	}
	if req.MaxDuration != nil {
		cfg.MaxDuration = *req.MaxDuration
	}
	if req.GracePeriod != nil {
		cfg.GracePeriod = *req.GracePeriod
	}
	if req.DisableVAD != nil {
		cfg.DisableVAD = *req.DisableVAD
	}
	return &turnState{
		id:              id,
		req:             req,
		log:             o.log.With().Str("turn_id", id).Logger(),
		recCfg:          cfg,
		pause:           o.cfg.PauseAfterSpeak,
		waitForResponse: wait,
		timings:         make(map[string]time.Duration),
	}
}

func (st *turnState) result() *Result {
	r := &Result{
		TurnID:        st.id,
		Outcome:       st.outcome,
		Message:       st.req.Message,
		Transcript:    st.transcript,
		Confidence:    st.confidence,
		TTSProvider:   st.ttsProvider,
		STTProvider:   st.sttProvider,
		TTSAttempts:   attemptInfo(st.ttsAttempts),
		STTAttempts:   attemptInfo(st.sttAttempts),
		SpeakDuration: st.speakDuration,
		Timings:       st.timings,
		AudioFiles:    st.audioFiles,
	}
	if st.recording != nil {
		r.RecordDuration = st.recording.Duration
		r.Speech = st.recording.Speech.String()
		r.StopReason = st.recording.Reason.String()
		r.RecordDegraded = st.recording.Degraded
	}
	return r
}

func attemptInfo(attempts []failover.Attempt) []AttemptInfo {
	if len(attempts) == 0 {
		return nil
	}
	out := make([]AttemptInfo, len(attempts))
	for i, a := range attempts {
		out[i] = AttemptInfo{Provider: a.Provider, Error: a.Error()}
	}
	return out
}

// speak synthesizes the message (or replays the cached audio after a repeat
// request) and plays it.
func (o *Orchestrator) speak(ctx context.Context, st *turnState) (Phase, error) {
	if st.cachedAudio == nil {
		candidates := o.deps.Providers.Discover(provider.RoleTTS, st.req.TTSProviders)
		res, err := o.deps.Executor.Speak(ctx, candidates, provider.SynthesizeRequest{
			Text:  st.req.Message,
			Voice: st.req.Voice,
			Speed: st.req.Speed,
		})
		if err != nil {
			return 0, err
		}
		st.cachedAudio = res.Audio
		st.ttsProvider = res.Provider.Name
		st.ttsAttempts = res.Attempts
	} else {
		st.log.Debug().Msg("replaying cached speech")
	}

	d, err := o.deps.Player.Play(ctx, st.cachedAudio)
	if err != nil {
		return 0, fmt.Errorf("playback: %w", err)
	}
	st.speakDuration = d

	if !st.waitForResponse {
		st.outcome = OutcomeCompleted
		return PhasePostProcess, nil
	}
	return PhasePause, nil
}

// pause lets the audio device settle before the listen cue.
func (o *Orchestrator) pause(ctx context.Context, st *turnState) (Phase, error) {
	if st.pause > 0 {
		t := time.NewTimer(st.pause)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.C:
		}
	}
	return PhaseSignalListen, nil
}

// signalListen plays the listen-start cue. A failed cue is logged, not
// fatal; the listen window opens either way.
func (o *Orchestrator) signalListen(ctx context.Context, st *turnState) (Phase, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := o.deps.Signaler.ListenStart(ctx); err != nil {
		st.log.Warn().Err(err).Msg("listen-start cue failed")
	}
	return PhaseRecord, nil
}

// record opens the frame source and runs a recording session, watching for
// interrupts while it captures.
func (o *Orchestrator) record(ctx context.Context, st *turnState) (Phase, error) {
	format := audioio.Format{SampleRate: st.recCfg.SampleRate, FrameMillis: st.recCfg.FrameMillis}
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	src, err := o.deps.Source(sessionCtx, format)
	if err != nil {
		return 0, fmt.Errorf("open frame source: %w", err)
	}
	defer src.Close()

	sess := record.NewSession(st.recCfg, src, st.log)
	outcomeCh := sess.Start(sessionCtx)

	for {
		select {
		case out := <-outcomeCh:
			if out.Err != nil {
				return 0, fmt.Errorf("recording: %w", out.Err)
			}
			st.recording = out.Result
			if err := ctx.Err(); err != nil {
				// cancelled sessions end with a nil error and partial
				// samples; keep them and surface the cancellation
				return 0, err
			}
			return PhaseSignalDone, nil
		case i := <-o.interrupts:
			cancel()
			out := <-outcomeCh // session always delivers, even cancelled
			st.log.Info().Str("interrupt", i.String()).Msg("recording interrupted")
			switch i {
			case InterruptRepeat:
				st.recording = nil
				st.reason = "repeat requested"
				return PhaseSpeak, nil
			case InterruptWait:
				st.recording = nil
				st.reason = "wait requested"
				return PhasePause, nil
			default: // InterruptCancel
				if out.Result != nil {
					st.recording = out.Result
				}
				st.outcome = OutcomeCancelled
				st.reason = "cancelled"
				return PhasePostProcess, nil
			}
		}
	}
}

// signalDone plays the listen-done cue and decides whether transcription is
// worth doing. Absent speech skips it; an unknown verdict (degraded
// session) still transcribes.
func (o *Orchestrator) signalDone(ctx context.Context, st *turnState) (Phase, error) {
	if err := o.deps.Signaler.ListenDone(ctx); err != nil {
		st.log.Warn().Err(err).Msg("listen-done cue failed")
	}
	if st.recording == nil || len(st.recording.Samples) == 0 || st.recording.Speech == record.SpeechAbsent {
		st.outcome = OutcomeNoSpeech
		st.log.Info().Msg("no speech captured, skipping transcription")
		return PhasePostProcess, nil
	}
	return PhaseTranscribe, nil
}

// transcribe runs the failover executor in its own goroutine so interrupts
// can preempt a slow provider.
func (o *Orchestrator) transcribe(ctx context.Context, st *turnState) (Phase, error) {
	wav, err := audioio.EncodeWAV(st.recording.Samples, st.recCfg.SampleRate)
	if err != nil {
		return 0, fmt.Errorf("encode recording: %w", err)
	}

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type sttOutcome struct {
		res *failover.TranscribeResult
		err error
	}
	done := make(chan sttOutcome, 1)
	go func() {
		candidates := o.deps.Providers.Discover(provider.RoleSTT, st.req.STTProviders)
		res, err := o.deps.Executor.Transcribe(tctx, candidates, provider.TranscribeRequest{
			Audio:    wav,
			Language: st.req.Language,
		})
		done <- sttOutcome{res: res, err: err}
	}()

	for {
		select {
		case out := <-done:
			if out.err != nil {
				return 0, out.err
			}
			st.transcript = out.res.Transcription.Text
			st.confidence = out.res.Transcription.Confidence
			st.sttProvider = out.res.Provider.Name
			st.sttAttempts = out.res.Attempts
			return PhasePostProcess, nil
		case i := <-o.interrupts:
			cancel()
			st.log.Info().Str("interrupt", i.String()).Msg("transcription interrupted")
			switch i {
			case InterruptRepeat:
				st.recording = nil
				st.reason = "repeat requested"
				return PhaseSpeak, nil
			case InterruptWait:
				st.recording = nil
				st.reason = "wait requested"
				return PhasePause, nil
			default: // InterruptCancel
				st.outcome = OutcomeCancelled
				st.reason = "cancelled"
				return PhasePostProcess, nil
			}
		}
	}
}

// postProcess settles the outcome, persists audio when a store is wired,
// and appends the exchange log entries.
func (o *Orchestrator) postProcess(st *turnState) (Phase, error) {
	st.transcript = strings.TrimSpace(st.transcript)
	if st.outcome == outcomeUnset {
		if st.waitForResponse && st.transcript == "" {
			st.outcome = OutcomeNoSpeech
		} else {
			st.outcome = OutcomeCompleted
		}
	}

	var ttsFile, sttFile string
	if o.deps.Store != nil {
		now := time.Now()
		if len(st.cachedAudio) > 0 {
			path, err := o.deps.Store.Save(store.KeyFor(now, st.id, "tts"), st.cachedAudio)
			if err != nil {
				st.log.Warn().Err(err).Msg("saving synthesized audio failed")
			} else {
				ttsFile = path
				st.audioFiles = append(st.audioFiles, path)
			}
		}
		if st.recording != nil && len(st.recording.Samples) > 0 {
			wav, err := audioio.EncodeWAV(st.recording.Samples, st.recCfg.SampleRate)
			if err == nil {
				path, err := o.deps.Store.Save(store.KeyFor(now, st.id, "stt"), wav)
				if err != nil {
					st.log.Warn().Err(err).Msg("saving captured audio failed")
				} else {
					sttFile = path
					st.audioFiles = append(st.audioFiles, path)
				}
			}
		}
	}

	if o.deps.Exchanges != nil {
		tts := exchange.Entry{
			TurnID:      st.id,
			Type:        "tts",
			Text:        st.req.Message,
			Provider:    st.ttsProvider,
			Voice:       st.req.Voice,
			DurationSec: st.speakDuration.Seconds(),
			AudioFile:   ttsFile,
		}
		if err := o.deps.Exchanges.Append(tts); err != nil {
			st.log.Warn().Err(err).Msg("exchange log append failed")
		}
		if st.transcript != "" {
			stt := exchange.Entry{
				TurnID:      st.id,
				Type:        "stt",
				Text:        st.transcript,
				Provider:    st.sttProvider,
				DurationSec: st.recording.Duration.Seconds(),
				AudioFile:   sttFile,
			}
			if err := o.deps.Exchanges.Append(stt); err != nil {
				st.log.Warn().Err(err).Msg("exchange log append failed")
			}
		}
	}

	return PhaseDone, nil
}

// snippet shortens text for log lines.
func snippet(s string) string {
	const max = 60
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
