package provider

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbailey/voicemode-sub000/internal/metrics"
)

// Conventional local endpoints: kokoro serves TTS, a whisper.cpp style
// server handles STT. Both speak the OpenAI-compatible HTTP surface.
const (
	DefaultLocalTTSURL = "http://127.0.0.1:8880"
	DefaultLocalSTTURL = "http://127.0.0.1:2022"

	DefaultHealthTimeout = 3 * time.Second
	DefaultHealthTTL     = 5 * time.Second
)

// Options configures registry construction. Base URL lists come from the
// environment and take priority over built-in discovery; cloud providers are
// registered only when their API key is present.
type Options struct {
	TTSBaseURLs []string
	STTBaseURLs []string
	PreferLocal bool

	OpenAIKey     string
	ElevenLabsKey string

	HealthTimeout time.Duration
	HealthTTL     time.Duration

	Log zerolog.Logger
}

// Status is a point-in-time view of one provider for diagnostics.
type Status struct {
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	BaseURL   string    `json:"base_url"`
	Kind      Kind      `json:"kind"`
	Health    string    `json:"health"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// healthEntry is one cached health check result.
type healthEntry struct {
	health    Health
	checkedAt time.Time
	err       error
}

// Registry owns the per-role candidate lists and the shared health cache.
// The list order is the selection priority; Discover applies per-call
// overrides on top of it.
type Registry struct {
	preferLocal   bool
	healthTimeout time.Duration
	healthTTL     time.Duration
	log           zerolog.Logger

	mu        sync.Mutex
	providers map[Role][]*Provider
	health    map[string]healthEntry

	now func() time.Time
}

// NewRegistry builds the provider set from options. Environment-forced URLs
// are ordered first, then local defaults, then cloud providers; when
// PreferLocal is set, local providers sort before cloud within the
// non-forced tail.
func NewRegistry(opts Options) *Registry {
	if opts.HealthTimeout == 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.HealthTTL == 0 {
		opts.HealthTTL = DefaultHealthTTL
	}

	r := &Registry{
		preferLocal:   opts.PreferLocal,
		healthTimeout: opts.HealthTimeout,
		healthTTL:     opts.HealthTTL,
		log:           opts.Log,
		providers:     make(map[Role][]*Provider),
		health:        make(map[string]healthEntry),
		now:           time.Now,
	}

	for _, raw := range opts.TTSBaseURLs {
		if p := forcedProvider(RoleTTS, raw); p != nil {
			r.Register(p)
		}
	}
	for _, raw := range opts.STTBaseURLs {
		if p := forcedProvider(RoleSTT, raw); p != nil {
			r.Register(p)
		}
	}

	var tts, stt []*Provider
	tts = append(tts, &Provider{
		Name:    "kokoro",
		Role:    RoleTTS,
		BaseURL: DefaultLocalTTSURL,
		Kind:    KindLocal,
		Backend: NewOpenAICompat(DefaultLocalTTSURL, OpenAICompatOpts{}),
	})
	stt = append(stt, &Provider{
		Name:    "whisper",
		Role:    RoleSTT,
		BaseURL: DefaultLocalSTTURL,
		Kind:    KindLocal,
		Backend: NewOpenAICompat(DefaultLocalSTTURL, OpenAICompatOpts{}),
	})

	if opts.OpenAIKey != "" {
		backend := NewOpenAICloud(opts.OpenAIKey, OpenAICloudOpts{})
		tts = append(tts, &Provider{
			Name:    "openai",
			Role:    RoleTTS,
			BaseURL: "https://api.openai.com",
			Kind:    KindCloud,
			Backend: backend,
		})
		stt = append(stt, &Provider{
			Name:    "openai",
			Role:    RoleSTT,
			BaseURL: "https://api.openai.com",
			Kind:    KindCloud,
			Backend: backend,
		})
	}
	if opts.ElevenLabsKey != "" {
		backend := NewElevenLabs(opts.ElevenLabsKey, ElevenLabsOpts{})
		tts = append(tts, &Provider{
			Name:    "elevenlabs",
			Role:    RoleTTS,
			BaseURL: elevenLabsBaseURL,
			Kind:    KindCloud,
			Backend: backend,
		})
		stt = append(stt, &Provider{
			Name:    "elevenlabs",
			Role:    RoleSTT,
			BaseURL: elevenLabsBaseURL,
			Kind:    KindCloud,
			Backend: backend,
		})
	}

	if opts.PreferLocal {
		tts = sortLocalFirst(tts)
		stt = sortLocalFirst(stt)
	}
	for _, p := range tts {
		r.Register(p)
	}
	for _, p := range stt {
		r.Register(p)
	}
	return r
}

// Register appends a provider to the end of its role's candidate list.
func (r *Registry) Register(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Role] = append(r.providers[p.Role], p)
}

// Discover returns the ordered candidate list for a role. Explicit entries
// (provider names or base URLs, per-call overrides) are promoted to the
// front; the registry's own ordering follows as fallback. Unknown names are
// dropped with a warning; unknown URLs get an ad-hoc OpenAI-compatible
// provider so callers can point a single turn at an arbitrary endpoint.
func (r *Registry) Discover(role Role, explicit []string) []*Provider {
	r.mu.Lock()
	known := make([]*Provider, len(r.providers[role]))
	copy(known, r.providers[role])
	r.mu.Unlock()

	if len(explicit) == 0 {
		return known
	}

	var out []*Provider
	seen := make(map[*Provider]bool)
	for _, want := range explicit {
		p := matchProvider(known, want)
		if p == nil && strings.Contains(want, "://") {
			p = forcedProvider(role, want)
		}
		if p == nil {
			r.log.Warn().Str("role", string(role)).Str("provider", want).Msg("unknown provider in explicit selection, skipping")
			continue
		}
		if !seen[p] {
			out = append(out, p)
			seen[p] = true
		}
	}
	for _, p := range known {
		if !seen[p] {
			out = append(out, p)
			seen[p] = true
		}
	}
	return out
}

// CheckHealth returns the provider's health, probing the backend when the
// cached result is older than the TTL. The cache is keyed by provider name;
// concurrent checks race benignly (last write wins, health is advisory).
func (r *Registry) CheckHealth(ctx context.Context, p *Provider) Health {
	r.mu.Lock()
	entry, ok := r.health[p.Name]
	ttl := r.healthTTL
	now := r.now()
	r.mu.Unlock()

	if ok && now.Sub(entry.checkedAt) < ttl {
		return entry.health
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()
	err := p.Backend.Health(probeCtx)

	h := HealthHealthy
	result := "healthy"
	if err != nil {
		h = HealthUnhealthy
		result = "unhealthy"
		r.log.Debug().Err(err).Str("provider", p.Name).Msg("health check failed")
	}
	metrics.HealthChecksTotal.WithLabelValues(p.Name, result).Inc()

	r.mu.Lock()
	r.health[p.Name] = healthEntry{health: h, checkedAt: r.now(), err: err}
	r.mu.Unlock()
	return h
}

// Health returns the cached health without probing. Entries older than the
// TTL read as unknown.
func (r *Registry) Health(p *Provider) Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.health[p.Name]
	if !ok || r.now().Sub(entry.checkedAt) >= r.healthTTL {
		return HealthUnknown
	}
	return entry.health
}

// Prewarm checks every candidate concurrently and returns when all checks
// complete. Probes are independent, so fan-out keeps selection latency at
// one health timeout instead of one per candidate.
func (r *Registry) Prewarm(ctx context.Context, candidates []*Provider) {
	var wg sync.WaitGroup
	for _, p := range candidates {
		wg.Add(1)
		go func(p *Provider) {
			defer wg.Done()
			r.CheckHealth(ctx, p)
		}(p)
	}
	wg.Wait()
}

// Snapshot reports every registered provider with its cached health, for the
// diagnostics endpoint.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Status
	for _, role := range []Role{RoleTTS, RoleSTT} {
		for _, p := range r.providers[role] {
			st := Status{
				Name:    p.Name,
				Role:    p.Role,
				BaseURL: p.BaseURL,
				Kind:    p.Kind,
				Health:  HealthUnknown.String(),
			}
			if entry, ok := r.health[p.Name]; ok && r.now().Sub(entry.checkedAt) < r.healthTTL {
				st.Health = entry.health.String()
				st.CheckedAt = entry.checkedAt
				if entry.err != nil {
					st.LastError = entry.err.Error()
				}
			}
			out = append(out, st)
		}
	}
	return out
}

// Counts reports registered and fresh-healthy provider totals keyed by role
// name, for scrape-time gauges.
func (r *Registry) Counts() (registered, healthy map[string]int) {
	registered = make(map[string]int)
	healthy = make(map[string]int)
	for _, st := range r.Snapshot() {
		role := string(st.Role)
		registered[role]++
		if st.Health == HealthHealthy.String() {
			healthy[role]++
		}
	}
	return registered, healthy
}

// forcedProvider wraps an environment or per-call URL in an ad-hoc provider.
func forcedProvider(role Role, raw string) *Provider {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return &Provider{
		Name:    nameForURL(raw),
		Role:    role,
		BaseURL: raw,
		Kind:    kindForURL(raw),
		Backend: NewOpenAICompat(raw, OpenAICompatOpts{}),
	}
}

// matchProvider finds a known provider by name or base URL.
func matchProvider(known []*Provider, want string) *Provider {
	for _, p := range known {
		if p.Name == want || strings.TrimRight(p.BaseURL, "/") == strings.TrimRight(want, "/") {
			return p
		}
	}
	return nil
}

// nameForURL derives a stable provider name from a base URL.
func nameForURL(raw string) string {
	name := raw
	if i := strings.Index(name, "://"); i >= 0 {
		name = name[i+3:]
	}
	return strings.TrimRight(name, "/")
}

// sortLocalFirst stable-sorts local providers before cloud ones.
func sortLocalFirst(ps []*Provider) []*Provider {
	out := make([]*Provider, 0, len(ps))
	for _, p := range ps {
		if p.Kind == KindLocal {
			out = append(out, p)
		}
	}
	for _, p := range ps {
		if p.Kind != KindLocal {
			out = append(out, p)
		}
	}
	return out
}
