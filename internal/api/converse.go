package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mbailey/voicemode-sub000/internal/conch"
	"github.com/mbailey/voicemode-sub000/internal/failover"
	"github.com/mbailey/voicemode-sub000/internal/turn"
)

// TurnRunner runs conversation turns. Implemented by turn.Orchestrator.
type TurnRunner interface {
	Run(ctx context.Context, req turn.Request) (*turn.Result, error)
	Interrupt(i turn.Interrupt) bool
	Running() bool
	Phase() turn.Phase
}

type TurnHandler struct {
	turns TurnRunner
	log   zerolog.Logger
}

func NewTurnHandler(turns TurnRunner, log zerolog.Logger) *TurnHandler {
	return &TurnHandler{
		turns: turns,
		log:   log.With().Str("handler", "turn").Logger(),
	}
}

func (h *TurnHandler) Routes(r chi.Router) {
	r.Post("/converse", h.Converse)
	r.Post("/interrupt", h.Interrupt)
}

type converseRequest struct {
	Message      string   `json:"message"`
	Voice        string   `json:"voice,omitempty"`
	Speed        float64  `json:"speed,omitempty"`
	Language     string   `json:"language,omitempty"`
	TTSProviders []string `json:"tts_providers,omitempty"`
	STTProviders []string `json:"stt_providers,omitempty"`

	WaitForResponse    *bool `json:"wait_for_response,omitempty"`
	VADAggressiveness  *int  `json:"vad_aggressiveness,omitempty"`
	SilenceThresholdMS *int  `json:"silence_threshold_ms,omitempty"`
	MinDurationMS      *int  `json:"min_duration_ms,omitempty"`
	MaxDurationMS      *int  `json:"max_duration_ms,omitempty"`
	GracePeriodMS      *int  `json:"grace_period_ms,omitempty"`
	DisableVAD         *bool `json:"disable_vad,omitempty"`
}

type converseResponse struct {
	TurnID     string  `json:"turn_id"`
	Outcome    string  `json:"outcome"`
	Message    string  `json:"message"`
	Transcript string  `json:"transcript,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	Speech         string `json:"speech,omitempty"`
	StopReason     string `json:"stop_reason,omitempty"`
	RecordDegraded bool   `json:"record_degraded,omitempty"`

	TTSProvider string             `json:"tts_provider,omitempty"`
	STTProvider string             `json:"stt_provider,omitempty"`
	TTSAttempts []turn.AttemptInfo `json:"tts_attempts,omitempty"`
	STTAttempts []turn.AttemptInfo `json:"stt_attempts,omitempty"`

	SpeakSeconds  float64            `json:"speak_seconds,omitempty"`
	RecordSeconds float64            `json:"record_seconds,omitempty"`
	PhaseSeconds  map[string]float64 `json:"phase_seconds,omitempty"`
	AudioFiles    []string           `json:"audio_files,omitempty"`
}

func (h *TurnHandler) Converse(w http.ResponseWriter, r *http.Request) {
	var req converseRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		WriteError(w, http.StatusBadRequest, "message is required")
		return
	}

	result, err := h.turns.Run(r.Context(), turn.Request{
		Message:          req.Message,
		Voice:            req.Voice,
		Speed:            req.Speed,
		Language:         req.Language,
		TTSProviders:     req.TTSProviders,
		STTProviders:     req.STTProviders,
		WaitForResponse:  req.WaitForResponse,
		Aggressiveness:   req.VADAggressiveness,
		SilenceThreshold: msPtr(req.SilenceThresholdMS),
		MinDuration:      msPtr(req.MinDurationMS),
		MaxDuration:      msPtr(req.MaxDurationMS),
		GracePeriod:      msPtr(req.GracePeriodMS),
		DisableVAD:       req.DisableVAD,
	})
	if err != nil {
		status, msg := turnErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.log.Error().Err(err).Msg("turn failed")
		} else {
			h.log.Warn().Err(err).Msg("turn rejected")
		}
		WriteErrorDetail(w, status, msg, err.Error())
		return
	}

	resp := converseResponse{
		TurnID:         result.TurnID,
		Outcome:        result.Outcome.String(),
		Message:        result.Message,
		Transcript:     result.Transcript,
		Confidence:     result.Confidence,
		Speech:         result.Speech,
		StopReason:     result.StopReason,
		RecordDegraded: result.RecordDegraded,
		TTSProvider:    result.TTSProvider,
		STTProvider:    result.STTProvider,
		TTSAttempts:    result.TTSAttempts,
		STTAttempts:    result.STTAttempts,
		SpeakSeconds:   result.SpeakDuration.Seconds(),
		RecordSeconds:  result.RecordDuration.Seconds(),
		AudioFiles:     result.AudioFiles,
	}
	if len(result.Timings) > 0 {
		resp.PhaseSeconds = make(map[string]float64, len(result.Timings))
		for phase, d := range result.Timings {
			resp.PhaseSeconds[phase] = d.Seconds()
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

type interruptRequest struct {
	Action string `json:"action"`
}

type interruptResponse struct {
	Delivered bool   `json:"delivered"`
	Phase     string `json:"phase"`
}

func (h *TurnHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	var req interruptRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	in, err := turn.ParseInterrupt(req.Action)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.turns.Running() {
		WriteError(w, http.StatusConflict, "no turn in progress")
		return
	}

	delivered := h.turns.Interrupt(in)
	h.log.Info().
		Str("action", in.String()).
		Bool("delivered", delivered).
		Msg("interrupt requested")
	WriteJSON(w, http.StatusOK, interruptResponse{
		Delivered: delivered,
		Phase:     h.turns.Phase().String(),
	})
}

// turnErrorStatus maps turn failures to HTTP statuses: contention is 409,
// lock wait timeout 503, provider exhaustion 502.
func turnErrorStatus(err error) (int, string) {
	var busy *conch.BusyError
	var exhausted *failover.ExhaustedError
	switch {
	case errors.Is(err, turn.ErrTurnInProgress):
		return http.StatusConflict, "turn already in progress"
	case errors.As(err, &busy):
		return http.StatusConflict, "conch held by another process"
	case errors.Is(err, conch.ErrAcquireTimeout):
		return http.StatusServiceUnavailable, "timed out waiting for conch"
	case errors.As(err, &exhausted):
		return http.StatusBadGateway, "all providers failed"
	default:
		return http.StatusInternalServerError, "turn failed"
	}
}

func msPtr(v *int) *time.Duration {
	if v == nil {
		return nil
	}
	d := time.Duration(*v) * time.Millisecond
	return &d
}
