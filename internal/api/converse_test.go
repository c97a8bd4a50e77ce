package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mbailey/voicemode-sub000/internal/conch"
	"github.com/mbailey/voicemode-sub000/internal/failover"
	"github.com/mbailey/voicemode-sub000/internal/provider"
	"github.com/mbailey/voicemode-sub000/internal/turn"
)

type fakeRunner struct {
	mu         sync.Mutex
	reqs       []turn.Request
	interrupts []turn.Interrupt

	result  *turn.Result
	err     error
	running bool
	phase   turn.Phase
	deliver bool
}

func (f *fakeRunner) Run(ctx context.Context, req turn.Request) (*turn.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeRunner) Interrupt(i turn.Interrupt) bool {
	f.mu.Lock()
	f.interrupts = append(f.interrupts, i)
	f.mu.Unlock()
	return f.deliver
}

func (f *fakeRunner) Running() bool     { return f.running }
func (f *fakeRunner) Phase() turn.Phase { return f.phase }

func (f *fakeRunner) lastReq(t *testing.T) turn.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatal("no turn request captured")
	}
	return f.reqs[len(f.reqs)-1]
}

func turnRouter(f *fakeRunner) *chi.Mux {
	r := chi.NewRouter()
	NewTurnHandler(f, zerolog.Nop()).Routes(r)
	return r
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

func TestConverseMapsRequestAndResponse(t *testing.T) {
	f := &fakeRunner{
		result: &turn.Result{
			TurnID:      "t-1234",
			Outcome:     turn.OutcomeCompleted,
			Message:     "How are you?",
			Transcript:  "pretty good thanks",
			Confidence:  0.93,
			Speech:      "present",
			StopReason:  "silence_threshold",
			TTSProvider: "kokoro",
			STTProvider: "whisper",
			TTSAttempts: []turn.AttemptInfo{{Provider: "kokoro"}},
			STTAttempts: []turn.AttemptInfo{{Provider: "whisper"}},
			SpeakDuration:  1200 * time.Millisecond,
			RecordDuration: 2500 * time.Millisecond,
			Timings: map[string]time.Duration{
				"speak":  1200 * time.Millisecond,
				"record": 2500 * time.Millisecond,
			},
			AudioFiles: []string{"/tmp/a.wav"},
		},
	}

	body := `{
		"message": "How are you?",
		"voice": "nova",
		"speed": 1.25,
		"tts_providers": ["kokoro", "openai"],
		"wait_for_response": true,
		"vad_aggressiveness": 3,
		"silence_threshold_ms": 1200,
		"max_duration_ms": 30000
	}`
	rec := postJSON(t, turnRouter(f), "/converse", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	req := f.lastReq(t)
	if req.Message != "How are you?" {
		t.Errorf("Message = %q", req.Message)
	}
	if req.Voice != "nova" || req.Speed != 1.25 {
		t.Errorf("voice/speed = %q/%v", req.Voice, req.Speed)
	}
	if len(req.TTSProviders) != 2 || req.TTSProviders[0] != "kokoro" {
		t.Errorf("TTSProviders = %v", req.TTSProviders)
	}
	if req.WaitForResponse == nil || !*req.WaitForResponse {
		t.Error("WaitForResponse not mapped")
	}
	if req.Aggressiveness == nil || *req.Aggressiveness != 3 {
		t.Error("Aggressiveness not mapped")
	}
	if req.SilenceThreshold == nil || *req.SilenceThreshold != 1200*time.Millisecond {
		t.Errorf("SilenceThreshold = %v, want 1.2s", req.SilenceThreshold)
	}
	if req.MaxDuration == nil || *req.MaxDuration != 30*time.Second {
		t.Errorf("MaxDuration = %v, want 30s", req.MaxDuration)
	}
	if req.MinDuration != nil {
		t.Error("MinDuration should stay nil when omitted")
	}

	var resp converseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	if resp.TurnID != "t-1234" || resp.Outcome != "completed" {
		t.Errorf("turn_id/outcome = %q/%q", resp.TurnID, resp.Outcome)
	}
	if resp.Transcript != "pretty good thanks" || resp.Confidence != 0.93 {
		t.Errorf("transcript/confidence = %q/%v", resp.Transcript, resp.Confidence)
	}
	if resp.SpeakSeconds != 1.2 || resp.RecordSeconds != 2.5 {
		t.Errorf("speak/record seconds = %v/%v", resp.SpeakSeconds, resp.RecordSeconds)
	}
	if resp.PhaseSeconds["record"] != 2.5 {
		t.Errorf("phase_seconds = %v", resp.PhaseSeconds)
	}
	if len(resp.AudioFiles) != 1 {
		t.Errorf("audio_files = %v", resp.AudioFiles)
	}
}

func TestConverseValidation(t *testing.T) {
	t.Run("empty_message", func(t *testing.T) {
		f := &fakeRunner{}
		rec := postJSON(t, turnRouter(f), "/converse", `{"message": ""}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
		if len(f.reqs) != 0 {
			t.Error("runner should not be called")
		}
	})

	t.Run("whitespace_message", func(t *testing.T) {
		f := &fakeRunner{}
		rec := postJSON(t, turnRouter(f), "/converse", `{"message": "  \t "}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
		if len(f.reqs) != 0 {
			t.Error("runner should not be called")
		}
	})

	t.Run("malformed_body", func(t *testing.T) {
		f := &fakeRunner{}
		rec := postJSON(t, turnRouter(f), "/converse", `{bad`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestConverseErrorStatuses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"turn_in_progress", turn.ErrTurnInProgress, http.StatusConflict},
		{"conch_busy", &conch.BusyError{Holder: "other-proc"}, http.StatusConflict},
		{
			"conch_wait_timeout",
			fmt.Errorf("%w (held by other-proc)", conch.ErrAcquireTimeout),
			http.StatusServiceUnavailable,
		},
		{
			"providers_exhausted",
			fmt.Errorf("speak: %w", &failover.ExhaustedError{Role: provider.RoleTTS, Op: "speak"}),
			http.StatusBadGateway,
		},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeRunner{err: tt.err}
			rec := postJSON(t, turnRouter(f), "/converse", `{"message": "hi"}`)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var body ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("JSON decode: %v", err)
			}
			if body.Error == "" || body.Detail == "" {
				t.Errorf("error body incomplete: %+v", body)
			}
		})
	}
}

func TestInterruptEndpoint(t *testing.T) {
	t.Run("delivers_to_running_turn", func(t *testing.T) {
		f := &fakeRunner{running: true, deliver: true, phase: turn.PhaseRecord}
		rec := postJSON(t, turnRouter(f), "/interrupt", `{"action": "repeat"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp interruptResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("JSON decode: %v", err)
		}
		if !resp.Delivered || resp.Phase != "record" {
			t.Errorf("resp = %+v", resp)
		}
		if len(f.interrupts) != 1 || f.interrupts[0] != turn.InterruptRepeat {
			t.Errorf("interrupts = %v", f.interrupts)
		}
	})

	t.Run("no_turn_in_progress", func(t *testing.T) {
		f := &fakeRunner{running: false}
		rec := postJSON(t, turnRouter(f), "/interrupt", `{"action": "cancel"}`)
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
		if len(f.interrupts) != 0 {
			t.Error("interrupt should not reach the runner")
		}
	})

	t.Run("unknown_action", func(t *testing.T) {
		f := &fakeRunner{running: true}
		rec := postJSON(t, turnRouter(f), "/interrupt", `{"action": "barge-in"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("pending_slot_full", func(t *testing.T) {
		f := &fakeRunner{running: true, deliver: false, phase: turn.PhaseTranscribe}
		rec := postJSON(t, turnRouter(f), "/interrupt", `{"action": "wait"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp interruptResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("JSON decode: %v", err)
		}
		if resp.Delivered {
			t.Error("expected delivered=false when the pending slot is taken")
		}
	})
}
