// Package sweeper implements the TTL reaper described in spec.md
// §4.10 (component C11): a periodic timer that enumerates trace-log
// instances and the durable trace store, reaping anything older than
// a configured TTL.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/rlmd/internal/clock"
	"github.com/haasonsaas/rlmd/internal/observability"
	"github.com/haasonsaas/rlmd/internal/tracelog"
	"github.com/haasonsaas/rlmd/internal/tracestore"
)

// cronParser mirrors the parser configuration the rest of the
// teacher's scheduling code uses; the sweeper only ever feeds it
// "@every <interval>" descriptors.
var cronParser = cron.NewParser(
	cron.Second |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Config configures the sweeper's interval and retention window
// (spec.md §4.10's "default interval 5 min", "default TTL 1 h").
type Config struct {
	Interval time.Duration
	TTL      time.Duration

	// Metrics is an optional Prometheus collector. Nil disables
	// eviction-count recording without affecting sweep behavior.
	Metrics *observability.Metrics
}

// DefaultConfig returns spec.md §4.10's suggested defaults.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, TTL: time.Hour}
}

// Sweeper periodically reaps trace-log instances and, if a durable
// store is attached, expired rows there too.
type Sweeper struct {
	registry *tracelog.Registry
	store    tracestore.Store
	cfg      Config
	clk      clock.Clock
	logger   *slog.Logger
	schedule cron.Schedule

	done chan struct{}
	stop chan struct{}
}

// New constructs a Sweeper. store may be nil, in which case only the
// in-memory trace log is swept.
func New(registry *tracelog.Registry, store tracestore.Store, cfg Config, clk clock.Clock, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}

	schedule, err := cronParser.Parse(fmt.Sprintf("@every %s", cfg.Interval))
	if err != nil {
		return nil, fmt.Errorf("sweeper: invalid interval %s: %w", cfg.Interval, err)
	}

	return &Sweeper{
		registry: registry,
		store:    store,
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
		schedule: schedule,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}, nil
}

// Start launches the sweeper's timer loop. It returns immediately; the
// loop runs until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop requests the loop end and waits for it to do so.
func (s *Sweeper) Stop() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.stop)
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	next := s.schedule.Next(s.clk.Now())
	for {
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(wait):
			s.RunOnce(ctx)
			next = s.schedule.Next(s.clk.Now())
		}
	}
}

// RunOnce performs a single sweep pass: the in-memory trace log first,
// then (if attached) the durable store. Exported so the process
// supervisor can trigger an out-of-band sweep, and so tests can drive
// a pass without waiting on the timer.
func (s *Sweeper) RunOnce(ctx context.Context) {
	reaped := s.registry.Sweep(s.cfg.TTL)
	if len(reaped) > 0 {
		s.logger.Info("trace log swept", "count", len(reaped))
		for range reaped {
			s.cfg.Metrics.RecordSweeperEviction()
		}
	}

	if s.store == nil {
		return
	}
	cutoff := s.clk.Now().Add(-s.cfg.TTL)
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("durable trace store sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("durable trace store swept", "rows", n)
		for i := int64(0); i < n; i++ {
			s.cfg.Metrics.RecordSweeperEviction()
		}
	}
}
