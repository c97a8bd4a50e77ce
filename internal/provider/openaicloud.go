package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultCloudTTSModel = openai.SpeechModelTTS1
	defaultCloudSTTModel = openai.AudioModelWhisper1
	defaultCloudVoice    = "alloy"
)

// OpenAICloud is the hosted OpenAI backend, reached through the official SDK.
// It serves both roles: TTS via the speech endpoint and STT via whisper.
type OpenAICloud struct {
	client   openai.Client
	ttsModel openai.SpeechModel
	sttModel openai.AudioModel
}

// OpenAICloudOpts overrides the default models. BaseURL points the SDK at an
// alternate OpenAI-compatible host while keeping SDK semantics.
type OpenAICloudOpts struct {
	BaseURL  string
	TTSModel string
	STTModel string
}

// NewOpenAICloud builds the cloud backend from an API key.
func NewOpenAICloud(apiKey string, opts OpenAICloudOpts) *OpenAICloud {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	c := &OpenAICloud{
		client:   openai.NewClient(clientOpts...),
		ttsModel: defaultCloudTTSModel,
		sttModel: defaultCloudSTTModel,
	}
	if opts.TTSModel != "" {
		c.ttsModel = openai.SpeechModel(opts.TTSModel)
	}
	if opts.STTModel != "" {
		c.sttModel = openai.AudioModel(opts.STTModel)
	}
	return c
}

// Synthesize renders text to WAV through the speech endpoint.
func (c *OpenAICloud) Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error) {
	voice := req.Voice
	if voice == "" {
		voice = defaultCloudVoice
	}

	params := openai.AudioSpeechNewParams{
		Model:          c.ttsModel,
		Input:          req.Text,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if req.Speed > 0 {
		params.Speed = openai.Float(req.Speed)
	}

	resp, err := c.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai speech API error (status %d): %s", resp.StatusCode, truncate(body, 200))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("openai speech returned empty audio")
	}
	return audio, nil
}

// Transcribe sends WAV audio to the whisper endpoint.
func (c *OpenAICloud) Transcribe(ctx context.Context, req TranscribeRequest) (*Transcription, error) {
	params := openai.AudioTranscriptionNewParams{
		Model: c.sttModel,
		File:  openai.File(bytes.NewReader(req.Audio), "audio.wav", "audio/wav"),
	}
	if req.Language != "" {
		params.Language = openai.String(req.Language)
	}

	result, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai transcription: %w", err)
	}
	return &Transcription{Text: result.Text}, nil
}

// Health lists models as a cheap authenticated reachability probe.
func (c *OpenAICloud) Health(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai models list: %w", err)
	}
	return nil
}
