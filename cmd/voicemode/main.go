package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mbailey/voicemode-sub000/internal/api"
	"github.com/mbailey/voicemode-sub000/internal/audioio"
	"github.com/mbailey/voicemode-sub000/internal/conch"
	"github.com/mbailey/voicemode-sub000/internal/config"
	"github.com/mbailey/voicemode-sub000/internal/exchange"
	"github.com/mbailey/voicemode-sub000/internal/failover"
	"github.com/mbailey/voicemode-sub000/internal/metrics"
	"github.com/mbailey/voicemode-sub000/internal/provider"
	"github.com/mbailey/voicemode-sub000/internal/record"
	"github.com/mbailey/voicemode-sub000/internal/store"
	"github.com/mbailey/voicemode-sub000/internal/turn"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flag.StringVar(&overrides.LockDir, "lock-dir", "", "conch lock directory")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "saved audio directory")
	flag.StringVar(&overrides.ExchangeDir, "exchange-dir", "", "exchange log directory")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("voicemode starting")

	if !audioio.CheckCapture() {
		log.Warn().Msg("arecord not found, microphone capture unavailable")
	}
	if !audioio.CheckPlayback() {
		log.Warn().Msg("aplay not found, speech playback unavailable")
	}

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Provider registry
	registry := provider.NewRegistry(provider.Options{
		TTSBaseURLs:   cfg.TTSBaseURLs,
		STTBaseURLs:   cfg.STTBaseURLs,
		PreferLocal:   cfg.PreferLocal,
		OpenAIKey:     cfg.OpenAIKey,
		ElevenLabsKey: cfg.ElevenLabsKey,
		HealthTimeout: cfg.HealthTimeout,
		HealthTTL:     cfg.HealthTTL,
		Log:           log.With().Str("component", "provider").Logger(),
	})

	// Failover executor
	executor := failover.New(registry, failover.Options{
		SpeakTimeout:      cfg.SpeakTimeout,
		TranscribeTimeout: cfg.TranscribeTimeout,
		Log:               log.With().Str("component", "failover").Logger(),
	})

	// Conch
	lock, err := conch.New(conch.Options{
		Dir:          cfg.LockDir,
		TTL:          cfg.LockTTL,
		PollInterval: cfg.LockPollInterval,
		WaitTimeout:  cfg.LockWaitTimeout,
		Log:          log.With().Str("component", "conch").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize conch")
	}

	// Persistence
	var audioStore *store.Store
	if cfg.SaveAudio {
		audioStore, err = store.New(cfg.AudioDir, log.With().Str("component", "store").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open audio store")
		}
	}
	var exchanges *exchange.Log
	if cfg.ExchangeDir != "" {
		exchanges, err = exchange.NewLog(cfg.ExchangeDir, log.With().Str("component", "exchange").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open exchange log")
		}
	}

	// Turn orchestrator
	player := audioio.DevicePlayer{}
	orch := turn.New(turn.Config{
		HolderID:        conch.DefaultHolderID(),
		LockWait:        cfg.LockWait,
		PauseAfterSpeak: cfg.PauseAfterSpeak,
		Record: record.Config{
			SampleRate:       cfg.SampleRate,
			FrameMillis:      cfg.FrameDurationMS,
			Aggressiveness:   cfg.VADAggressiveness,
			SilenceThreshold: cfg.SilenceThreshold(),
			MinDuration:      cfg.ListenMin,
			MaxDuration:      cfg.ListenMax,
			GracePeriod:      cfg.GracePeriod,
			DisableVAD:       cfg.DisableVAD,
		},
		Log: log,
	}, turn.Deps{
		Lock:      lock,
		Providers: registry,
		Executor:  executor,
		Player:    player,
		Signaler:  audioio.ChimeSignaler{Player: player},
		Source: func(ctx context.Context, f audioio.Format) (audioio.FrameSource, error) {
			return audioio.NewDeviceSource(ctx, f)
		},
		Store:     audioStore,
		Exchanges: exchanges,
	})

	// Live gauges read orchestrator, conch, and registry state at scrape time
	prometheus.MustRegister(metrics.NewCollector(orch, lock, registry))

	// HTTP server
	deps := api.Deps{Turns: orch, Providers: registry, Conch: lock}
	if exchanges != nil {
		deps.Exchanges = exchanges
	}
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, deps, version, startTime, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("voicemode stopped")
}
