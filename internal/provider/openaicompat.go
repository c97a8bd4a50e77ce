package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// OpenAICompat talks to any OpenAI-compatible speech server over HTTP:
// kokoro-style /v1/audio/speech for synthesis and whisper-style
// /v1/audio/transcriptions for transcription. This is how the local
// backends (kokoro, whisper.cpp, speaches) are reached.
type OpenAICompat struct {
	baseURL  string
	apiKey   string // optional; most local servers ignore auth
	ttsModel string
	sttModel string
	client   *http.Client
}

// OpenAICompatOpts configures an OpenAI-compatible client. Zero-value model
// fields leave model selection to the server.
type OpenAICompatOpts struct {
	APIKey   string
	TTSModel string
	STTModel string
	Timeout  time.Duration
}

// NewOpenAICompat builds a client for the given base URL
// (e.g. "http://127.0.0.1:8880").
func NewOpenAICompat(baseURL string, opts OpenAICompatOpts) *OpenAICompat {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &OpenAICompat{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   opts.APIKey,
		ttsModel: opts.TTSModel,
		sttModel: opts.STTModel,
		client:   &http.Client{Timeout: timeout},
	}
}

// speechRequest is the JSON body for /v1/audio/speech.
type speechRequest struct {
	Model          string  `json:"model,omitempty"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
	ResponseFormat string  `json:"response_format"`
}

// Synthesize renders text to WAV via POST /v1/audio/speech.
func (c *OpenAICompat) Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error) {
	body, err := json.Marshal(speechRequest{
		Model:          c.ttsModel,
		Input:          req.Text,
		Voice:          req.Voice,
		Speed:          req.Speed,
		ResponseFormat: "wav",
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speech API error (status %d): %s", resp.StatusCode, truncate(audio, 200))
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("speech API returned empty audio")
	}
	return audio, nil
}

// transcriptionResponse is the default json response format.
type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe sends WAV audio to POST /v1/audio/transcriptions as
// multipart/form-data. Only non-default parameters are sent, so this works
// with whisper.cpp, speaches, or any OpenAI-compatible endpoint.
func (c *OpenAICompat) Transcribe(ctx context.Context, req TranscribeRequest) (*Transcription, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}

	if c.sttModel != "" {
		w.WriteField("model", c.sttModel)
	}
	if req.Language != "" {
		w.WriteField("language", req.Language)
	}
	w.WriteField("response_format", "json")
	w.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/transcriptions", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcription API error (status %d): %s", resp.StatusCode, truncate(body, 200))
	}

	var result transcriptionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &Transcription{Text: result.Text}, nil
}

// Health probes GET /health with the caller's deadline.
func (c *OpenAICompat) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// truncate keeps error bodies readable in logs.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
