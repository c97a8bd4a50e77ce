package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbailey/voicemode-sub000/internal/audioio"
	"github.com/mbailey/voicemode-sub000/internal/conch"
	"github.com/mbailey/voicemode-sub000/internal/config"
	"github.com/mbailey/voicemode-sub000/internal/provider"
)

// voicecheck probes the pieces a turn depends on and prints a report:
// capture and playback binaries, every discoverable provider per role,
// and the current conch holder. Exit status 1 when anything is broken
// enough to block a turn.
func main() {
	envFile := flag.String("env", "", "path to .env file")
	flag.Parse()

	cfg, err := config.Load(config.Overrides{EnvFile: *envFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false

	fmt.Println("Audio devices")
	fmt.Println("─────────────")
	if audioio.CheckCapture() {
		fmt.Println("  capture (arecord):  ok")
	} else {
		fmt.Println("  capture (arecord):  NOT FOUND")
		failed = true
	}
	if audioio.CheckPlayback() {
		fmt.Println("  playback (aplay):   ok")
	} else {
		fmt.Println("  playback (aplay):   NOT FOUND")
		failed = true
	}

	registry := provider.NewRegistry(provider.Options{
		TTSBaseURLs:   cfg.TTSBaseURLs,
		STTBaseURLs:   cfg.STTBaseURLs,
		PreferLocal:   cfg.PreferLocal,
		OpenAIKey:     cfg.OpenAIKey,
		ElevenLabsKey: cfg.ElevenLabsKey,
		HealthTimeout: cfg.HealthTimeout,
		HealthTTL:     cfg.HealthTTL,
		Log:           zerolog.Nop(),
	})

	for _, role := range []provider.Role{provider.RoleTTS, provider.RoleSTT} {
		fmt.Printf("\n%s providers\n", role)
		fmt.Println("─────────────")
		candidates := registry.Discover(role, nil)
		if len(candidates) == 0 {
			fmt.Println("  (none discovered)")
			failed = true
			continue
		}
		registry.Prewarm(ctx, candidates)
		anyHealthy := false
		for _, p := range candidates {
			health := registry.Health(p)
			fmt.Printf("  %-14s %-9s %s\n", p.Name, health, p.BaseURL)
			if health == provider.HealthHealthy {
				anyHealthy = true
			}
		}
		if !anyHealthy {
			failed = true
		}
	}

	fmt.Println("\nConch")
	fmt.Println("─────────────")
	lock, err := conch.New(conch.Options{
		Dir: cfg.LockDir,
		TTL: cfg.LockTTL,
		Log: zerolog.Nop(),
	})
	if err != nil {
		fmt.Printf("  error: %v\n", err)
		failed = true
	} else if info, err := lock.Info(); err != nil {
		fmt.Printf("  error: %v\n", err)
		failed = true
	} else if info.Held {
		fmt.Printf("  held by %s (pid %d), expires %s\n",
			info.HolderID, info.PID, info.ExpiresAt.Format(time.RFC3339))
	} else if info.Stale {
		fmt.Printf("  free (stale record left by %s, pid %d)\n", info.HolderID, info.PID)
	} else {
		fmt.Println("  free")
	}

	if failed {
		fmt.Println("\nvoicecheck: problems found")
		os.Exit(1)
	}
	fmt.Println("\nvoicecheck: all good")
}
