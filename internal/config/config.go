package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Provider discovery. Base URLs given here are forced to the front of
	// the candidate order; cloud providers activate when their key is set.
	TTSBaseURLs []string `env:"VOICEMODE_TTS_BASE_URLS" envSeparator:","`
	STTBaseURLs []string `env:"VOICEMODE_STT_BASE_URLS" envSeparator:","`
	PreferLocal bool     `env:"VOICEMODE_PREFER_LOCAL" envDefault:"true"`

	OpenAIKey     string `env:"OPENAI_API_KEY"`
	ElevenLabsKey string `env:"ELEVENLABS_API_KEY"`

	// Listen window.
	SampleRate         int           `env:"VOICEMODE_SAMPLE_RATE" envDefault:"16000"`
	FrameDurationMS    int           `env:"VOICEMODE_FRAME_DURATION_MS" envDefault:"30"`
	VADAggressiveness  int           `env:"VOICEMODE_VAD_AGGRESSIVENESS" envDefault:"2"`
	SilenceThresholdMS int           `env:"VOICEMODE_SILENCE_THRESHOLD_MS" envDefault:"1800"`
	ListenMin          time.Duration `env:"VOICEMODE_LISTEN_MIN" envDefault:"1s"`
	ListenMax          time.Duration `env:"VOICEMODE_LISTEN_MAX" envDefault:"120s"`
	GracePeriod        time.Duration `env:"VOICEMODE_GRACE_PERIOD" envDefault:"1s"`
	DisableVAD         bool          `env:"VOICEMODE_DISABLE_VAD" envDefault:"false"`
	PauseAfterSpeak    time.Duration `env:"VOICEMODE_PAUSE_AFTER_SPEAK" envDefault:"300ms"`

	// Conch.
	LockDir          string        `env:"VOICEMODE_LOCK_DIR"`
	LockTTL          time.Duration `env:"VOICEMODE_LOCK_TTL" envDefault:"60s"`
	LockWait         bool          `env:"VOICEMODE_LOCK_WAIT" envDefault:"false"`
	LockWaitTimeout  time.Duration `env:"VOICEMODE_LOCK_WAIT_TIMEOUT" envDefault:"30s"`
	LockPollInterval time.Duration `env:"VOICEMODE_LOCK_POLL_INTERVAL" envDefault:"500ms"`

	// Provider health and failover.
	HealthTimeout     time.Duration `env:"VOICEMODE_HEALTH_TIMEOUT" envDefault:"3s"`
	HealthTTL         time.Duration `env:"VOICEMODE_HEALTH_TTL" envDefault:"5s"`
	SpeakTimeout      time.Duration `env:"VOICEMODE_SPEAK_TIMEOUT" envDefault:"30s"`
	TranscribeTimeout time.Duration `env:"VOICEMODE_TRANSCRIBE_TIMEOUT" envDefault:"60s"`

	// Persistence.
	SaveAudio   bool   `env:"VOICEMODE_SAVE_AUDIO" envDefault:"false"`
	AudioDir    string `env:"VOICEMODE_AUDIO_DIR" envDefault:"./audio"`
	ExchangeDir string `env:"VOICEMODE_EXCHANGE_LOG_DIR" envDefault:"./exchanges"`

	// Diagnostics server. The write timeout covers a full turn: listen max
	// plus both provider timeouts, with margin.
	HTTPAddr     string        `env:"VOICEMODE_HTTP_ADDR" envDefault:":2030"`
	ReadTimeout  time.Duration `env:"VOICEMODE_HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"VOICEMODE_HTTP_WRITE_TIMEOUT" envDefault:"300s"`
	IdleTimeout  time.Duration `env:"VOICEMODE_HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"VOICEMODE_AUTH_TOKEN"`
	LogLevel  string `env:"VOICEMODE_LOG_LEVEL" envDefault:"info"`
}

// SilenceThreshold returns the trailing-silence threshold as a duration.
func (c *Config) SilenceThreshold() time.Duration {
	return time.Duration(c.SilenceThresholdMS) * time.Millisecond
}

// Validate checks the tunables that have hard domains.
func (c *Config) Validate() error {
	if c.VADAggressiveness < 0 || c.VADAggressiveness > 3 {
		return fmt.Errorf("VOICEMODE_VAD_AGGRESSIVENESS must be 0-3, got %d", c.VADAggressiveness)
	}
	switch c.FrameDurationMS {
	case 10, 20, 30:
	default:
		return fmt.Errorf("VOICEMODE_FRAME_DURATION_MS must be 10, 20, or 30, got %d", c.FrameDurationMS)
	}
	switch c.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return fmt.Errorf("VOICEMODE_SAMPLE_RATE must be 8000, 16000, 32000, or 48000, got %d", c.SampleRate)
	}
	if c.SilenceThresholdMS <= 0 {
		return fmt.Errorf("VOICEMODE_SILENCE_THRESHOLD_MS must be positive, got %d", c.SilenceThresholdMS)
	}
	if c.ListenMax <= 0 {
		return fmt.Errorf("VOICEMODE_LISTEN_MAX must be positive, got %s", c.ListenMax)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("VOICEMODE_LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	LockDir     string
	AudioDir    string
	ExchangeDir string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.LockDir != "" {
		cfg.LockDir = overrides.LockDir
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}
	if overrides.ExchangeDir != "" {
		cfg.ExchangeDir = overrides.ExchangeDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
