// Package provider models speech backends (TTS and STT), discovers
// candidates, and tracks their health. Selection ordering and the health
// cache live in Registry; the HTTP/SDK clients live in the backend types.
package provider

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// ErrUnsupportedOp is returned by single-role backends for the operation
// they do not serve.
var ErrUnsupportedOp = errors.New("operation not supported by this provider")

// Role is the service a provider performs.
type Role string

const (
	RoleTTS Role = "tts"
	RoleSTT Role = "stt"
)

// Kind distinguishes providers running on this machine from hosted ones.
type Kind string

const (
	KindLocal Kind = "local"
	KindCloud Kind = "cloud"
)

// Health is the cached result of the last liveness probe.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// SynthesizeRequest asks a TTS backend to render text as WAV audio.
type SynthesizeRequest struct {
	Text  string
	Voice string  // empty = backend default
	Speed float64 // 0 = backend default
}

// TranscribeRequest asks an STT backend to turn WAV audio into text.
type TranscribeRequest struct {
	Audio    []byte // WAV bytes
	Language string // empty = backend default
}

// Transcription is the common STT result shape across backends.
type Transcription struct {
	Text       string
	Confidence float64 // 0 when the backend reports none
}

// Backend is the minimal capability contract every speech provider
// implements: synthesize, transcribe, liveness. Providers that only serve
// one role return ErrUnsupportedOp from the other operation.
type Backend interface {
	Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error)
	Transcribe(ctx context.Context, req TranscribeRequest) (*Transcription, error)
	Health(ctx context.Context) error
}

// Provider is one registered speech backend candidate. Health state is not
// stored here; the Registry caches it keyed by name.
type Provider struct {
	Name         string
	Role         Role
	BaseURL      string
	Kind         Kind
	Capabilities []string
	Backend      Backend
}

// kindForURL classifies an endpoint by its host: loopback means local.
func kindForURL(raw string) Kind {
	u, err := url.Parse(raw)
	if err != nil {
		return KindCloud
	}
	host := u.Hostname()
	if host == "localhost" || strings.HasPrefix(host, "127.") || host == "::1" {
		return KindLocal
	}
	return KindCloud
}
