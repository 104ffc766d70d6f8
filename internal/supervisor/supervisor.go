// Package supervisor wires the process together in the order spec.md
// §4.11 (component C12) specifies: ids/clocks, the event bus, the
// trace-log registry, the TTL sweeper, then the Run-coordinator pool
// (here, the public Engine that creates a Run per call). Shutdown runs
// in reverse.
package supervisor

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/rlmd/internal/bus"
	"github.com/haasonsaas/rlmd/internal/clock"
	"github.com/haasonsaas/rlmd/internal/interp"
	"github.com/haasonsaas/rlmd/internal/llm"
	"github.com/haasonsaas/rlmd/internal/observability"
	"github.com/haasonsaas/rlmd/internal/prompt"
	"github.com/haasonsaas/rlmd/internal/sweeper"
	"github.com/haasonsaas/rlmd/internal/tracelog"
	"github.com/haasonsaas/rlmd/internal/tracestore"
	"github.com/haasonsaas/rlmd/pkg/models"
	"github.com/haasonsaas/rlmd/pkg/rlm"
)

// metricsSetter is implemented by tracestore.Store backends that
// support query instrumentation (SQLiteStore, PostgresStore). Type
// switch rather than a Store interface method, since in-process test
// stubs have no business implementing it.
type metricsSetter interface {
	SetMetrics(*observability.Metrics)
}

// Config carries the collaborators and tunables needed to assemble a
// process: the concrete LLM and interpreter adapters, an optional
// durable trace store, the system-prompt files, the base engine
// config, the sweeper's interval/TTL, and the process logger's format.
type Config struct {
	LLM         llm.Client
	Interp      interp.Interpreter
	Store       tracestore.Store
	PromptFiles prompt.Files
	EngineConfig *models.Config
	BusBufferSize int
	Sweeper     sweeper.Config
	Log         observability.LogConfig

	// Metrics is an optional pre-built Prometheus collector. Nil makes
	// New construct its own via observability.NewMetrics().
	Metrics *observability.Metrics

	// Trace configures the OTel tracer every worker shares. A zero
	// value (empty Endpoint) yields a no-op tracer.
	Trace observability.TraceConfig
}

// Supervisor holds every long-lived process component and the order
// they must start and stop in.
type Supervisor struct {
	logger       *observability.Logger
	bus          *bus.Bus
	registry     *tracelog.Registry
	sweeper      *sweeper.Sweeper
	engine       *rlm.Engine
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	traceShutdown func(context.Context) error
}

// New assembles every component in spec.md §4.11's startup order, but
// does not yet start the sweeper's timer loop — call Start for that.
func New(cfg Config) (*Supervisor, error) {
	logger := observability.NewLogger(cfg.Log)
	ctx := context.Background()
	logger.Info(ctx, "supervisor: clock and id primitives ready")

	b := bus.New(cfg.BusBufferSize)
	logger.Info(ctx, "supervisor: event bus started")

	var regOpts []tracelog.Option
	if cfg.Store != nil {
		regOpts = append(regOpts, tracelog.WithStore(cfg.Store))
	}
	registry := tracelog.New(b, regOpts...)
	logger.Info(ctx, "supervisor: trace-log registry started")

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if setter, ok := cfg.Store.(metricsSetter); ok {
		setter.SetMetrics(metrics)
	}

	tracer, traceShutdown := observability.NewTracer(cfg.Trace)
	logger.Info(ctx, "supervisor: tracer constructed", "endpoint", cfg.Trace.Endpoint)

	sweeperCfg := cfg.Sweeper
	sweeperCfg.Metrics = metrics
	sw, err := sweeper.New(registry, cfg.Store, sweeperCfg, clock.Real(), slog.Default())
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "supervisor: ttl sweeper constructed", "interval", cfg.Sweeper.Interval, "ttl", cfg.Sweeper.TTL)

	engine := rlm.New(rlm.Deps{
		LLM:         cfg.LLM,
		Interp:      cfg.Interp,
		Bus:         b,
		Clock:       clock.Real(),
		PromptFiles: cfg.PromptFiles,
		Metrics:     metrics,
		Tracer:      tracer,
	}, cfg.EngineConfig)
	logger.Info(ctx, "supervisor: run-coordinator pool ready")

	return &Supervisor{
		logger:        logger,
		bus:           b,
		registry:      registry,
		sweeper:       sw,
		engine:        engine,
		metrics:       metrics,
		tracer:        tracer,
		traceShutdown: traceShutdown,
	}, nil
}

// Start launches the background components (currently just the TTL
// sweeper's timer loop). ctx bounds their lifetime.
func (s *Supervisor) Start(ctx context.Context) {
	s.sweeper.Start(ctx)
	s.logger.Info(ctx, "supervisor: started")
}

// Engine returns the process's Public API facade (spec.md §4.9).
func (s *Supervisor) Engine() *rlm.Engine { return s.engine }

// Bus returns the process-wide event bus, for wiring an external
// telemetry subscriber (spec.md §6).
func (s *Supervisor) Bus() *bus.Bus { return s.bus }

// Registry returns the in-memory trace-log registry, for a dashboard
// or CLI trace command to read from.
func (s *Supervisor) Registry() *tracelog.Registry { return s.registry }

// Metrics returns the process's Prometheus collector, for wiring a
// promhttp.Handler onto an external HTTP mux.
func (s *Supervisor) Metrics() *observability.Metrics { return s.metrics }

// Tracer returns the process's OTel tracer, for instrumenting
// collaborators started outside the worker tree (e.g. a CLI command
// wrapping Engine.Run in its own span).
func (s *Supervisor) Tracer() *observability.Tracer { return s.tracer }

// Shutdown tears components down in the reverse of their startup
// order (spec.md §4.11): the sweeper first, then the trace-log
// registry's own background loops. Live runs started through Engine
// are the caller's responsibility to end first (via Engine.EndSession
// for interactive sessions; one-shot Run calls end on their own).
func (s *Supervisor) Shutdown() {
	s.sweeper.Stop()
	s.registry.Close()
	if s.traceShutdown != nil {
		if err := s.traceShutdown(context.Background()); err != nil {
			s.logger.Error(context.Background(), "supervisor: tracer shutdown failed", "error", err)
		}
	}
	s.logger.Info(context.Background(), "supervisor: shut down")
}
