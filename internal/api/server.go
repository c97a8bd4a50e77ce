package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mbailey/voicemode-sub000/internal/config"
	"github.com/mbailey/voicemode-sub000/internal/metrics"
)

// Deps are the collaborators the HTTP surface exposes. A nil Exchanges
// leaves the exchange-log endpoint unregistered.
type Deps struct {
	Turns     TurnRunner
	Providers ProviderDirectory
	Conch     ConchSource
	Exchanges ExchangeReader
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, version string, startTime time.Time, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(metrics.InstrumentHandler)

	// Health and metrics — no auth
	health := NewHealthHandler(deps.Providers, deps.Conch, version, startTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		r.Route("/api/v1", func(r chi.Router) {
			NewTurnHandler(deps.Turns, log).Routes(r)
			NewProvidersHandler(deps.Providers).Routes(r)
			NewConchHandler(deps.Conch).Routes(r)
			if deps.Exchanges != nil {
				NewExchangesHandler(deps.Exchanges).Routes(r)
			}
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
