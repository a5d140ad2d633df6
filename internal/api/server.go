package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fleetlink/backplane/internal/config"
	"github.com/fleetlink/backplane/internal/eventlog"
	"github.com/fleetlink/backplane/internal/metrics"
	"github.com/fleetlink/backplane/internal/parts"
	"github.com/fleetlink/backplane/internal/realtime"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// Options carries the role's wired components. Nil fields skip the routes
// that need them, so the relay role runs the same server with only health
// and metrics.
type Options struct {
	Config    *config.Config
	Version   string
	StartTime time.Time
	Log       zerolog.Logger

	Broker   BrokerStatus
	KV       KVPinger
	Parts    *parts.Watcher
	Realtime *realtime.State
	Sink     *eventlog.Sink
}

func NewServer(opts Options) *Server {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)

	health := NewHealthHandler(opts.Broker, opts.KV, opts.Parts, opts.Realtime, opts.Version, opts.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(opts.Config.AuthToken))

		if opts.Realtime != nil {
			devices := NewDevicesHandler(opts.Realtime)
			r.Post("/realtime/devices/last-telemetries", devices.LastTelemetries)
			r.Post("/realtime/devices/last-ts", devices.LastTS)
		}
		if opts.Sink != nil {
			r.Get("/status-charts-v1", NewStatsChartsHandler(opts.Sink).ServeHTTP)
		}
		if opts.Parts != nil && opts.Sink != nil {
			ops := NewOpsHandler(opts.Parts, opts.Sink)
			r.Post("/clearCache", ops.ClearCache)
			r.Post("/log-getmac", ops.LogGetmac)
		}
	})

	return &Server{
		http: &http.Server{
			Addr:         opts.Config.HTTPAddr,
			Handler:      r,
			ReadTimeout:  opts.Config.ReadTimeout,
			WriteTimeout: opts.Config.WriteTimeout,
			IdleTimeout:  opts.Config.IdleTimeout,
		},
		log: opts.Log,
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

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
