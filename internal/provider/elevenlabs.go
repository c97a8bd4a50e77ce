package provider

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbailey/voicemode-sub000/internal/audioio"
)

const (
	elevenLabsBaseURL  = "https://api.elevenlabs.io"
	elevenLabsTTSModel = "eleven_flash_v2_5"
	elevenLabsSTTModel = "scribe_v1"

	// Rachel, the stock ElevenLabs voice.
	elevenLabsDefaultVoice = "21m00Tcm4TlvDq8ikWAM"
)

// ElevenLabs is the hosted ElevenLabs backend. TTS returns pcm_16000 which is
// wrapped into WAV so the rest of the pipeline sees one format; STT uses the
// scribe speech-to-text endpoint.
type ElevenLabs struct {
	baseURL string
	apiKey  string
	voiceID string
	client  *http.Client
}

// ElevenLabsOpts overrides defaults. BaseURL exists for tests.
type ElevenLabsOpts struct {
	BaseURL string
	VoiceID string
	Timeout time.Duration
}

// NewElevenLabs creates a client for the ElevenLabs API.
func NewElevenLabs(apiKey string, opts ElevenLabsOpts) *ElevenLabs {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}
	voiceID := opts.VoiceID
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &ElevenLabs{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		voiceID: voiceID,
		client:  &http.Client{Timeout: timeout},
	}
}

// Synthesize renders text via the text-to-speech endpoint. The API is asked
// for pcm_16000 and the raw samples are wrapped into a WAV container.
func (el *ElevenLabs) Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error) {
	voiceID := el.voiceID
	if req.Voice != "" {
		voiceID = req.Voice
	}

	u, err := url.Parse(el.baseURL + "/v1/text-to-speech/" + voiceID)
	if err != nil {
		return nil, fmt.Errorf("build URL: %w", err)
	}
	q := u.Query()
	q.Set("output_format", "pcm_16000")
	u.RawQuery = q.Encode()

	payload := map[string]any{
		"model_id": elevenLabsTTSModel,
		"text":     req.Text,
	}
	if req.Speed > 0 {
		payload["voice_settings"] = map[string]any{"speed": req.Speed}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", el.apiKey)

	resp, err := el.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs API error (status %d): %s", resp.StatusCode, truncate(pcm, 200))
	}
	if len(pcm) < 2 {
		return nil, fmt.Errorf("elevenlabs returned empty audio")
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return audioio.EncodeWAV(samples, 16000)
}

// elevenLabsSTTResponse is the JSON response from the speech-to-text endpoint.
type elevenLabsSTTResponse struct {
	LanguageCode        string  `json:"language_code"`
	LanguageProbability float64 `json:"language_probability"`
	Text                string  `json:"text"`
}

// Transcribe sends WAV audio to the scribe speech-to-text endpoint.
func (el *ElevenLabs) Transcribe(ctx context.Context, req TranscribeRequest) (*Transcription, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}

	w.WriteField("model_id", elevenLabsSTTModel)

	lang := req.Language
	if lang == "" {
		lang = "en"
	}
	w.WriteField("language_code", lang)
	w.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, el.baseURL+"/v1/speech-to-text", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("xi-api-key", el.apiKey)

	resp, err := el.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs API error (status %d): %s", resp.StatusCode, truncate(body, 200))
	}

	var result elevenLabsSTTResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &Transcription{
		Text:       result.Text,
		Confidence: result.LanguageProbability,
	}, nil
}

// Health probes the authenticated user endpoint.
func (el *ElevenLabs) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, el.baseURL+"/v1/user", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", el.apiKey)

	resp, err := el.client.Do(httpReq)
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
