// Package admin is the operational HTTP surface of a running engine: health,
// Prometheus metrics, agent schedule control, job submission and the run log.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aatumaykin/nexrun/internal/agents"
	"github.com/aatumaykin/nexrun/internal/jobs"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/runlog"
	"github.com/aatumaykin/nexrun/internal/runstate"
)

// AgentScheduler is the part of agents.Runner the surface drives.
type AgentScheduler interface {
	Trigger()
	Status(ctx context.Context) (*agents.State, error)
}

// Resumer continues a paused run.
type Resumer interface {
	Resume(ctx context.Context, runID string, result runstate.ToolResult) error
}

// Deps are the components behind the routes. Nil components disable their routes.
type Deps struct {
	Agents   AgentScheduler
	Jobs     *jobs.Service
	Runs     runlog.Repository
	Resumer  Resumer
	Gatherer prometheus.Gatherer
}

func NewRouter(deps Deps, log *logger.Logger) http.Handler {
	log = log.Component("admin")
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	if deps.Agents != nil {
		ah := &agentHandler{agents: deps.Agents, logger: log}
		r.Post("/agents/trigger", ah.Trigger)
		r.Get("/agents/state", ah.State)
	}

	if deps.Jobs != nil {
		jh := &jobHandler{jobs: deps.Jobs, logger: log}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jh.Create)
			r.Get("/", jh.List)
			r.Get("/{id}", jh.Get)
		})
	}

	if deps.Runs != nil {
		rh := &runHandler{runs: deps.Runs, resumer: deps.Resumer, logger: log}
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", rh.List)
			r.Get("/{id}", rh.Get)
			r.Delete("/{id}", rh.Delete)
			if deps.Resumer != nil {
				r.Post("/{id}/resume", rh.Resume)
			}
		})
	}

	return r
}

// Server runs the router until its context is cancelled.
type Server struct {
	http   *http.Server
	logger *logger.Logger
}

func NewServer(addr string, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log.Component("admin"),
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", logger.Field{Key: "addr", Value: s.http.Addr})
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("admin server stopped")
	return nil
}
