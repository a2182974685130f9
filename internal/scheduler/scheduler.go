package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"WindowLedger/internal/engine"
	"WindowLedger/internal/observability"
	"WindowLedger/internal/trade"

	"github.com/rs/zerolog"
)

// Trigger opens one trading window across all eligible users.
type Trigger struct {
	WindowID string
	Market   trade.MarketData
}

// UserSource lists the users a window run should consider. The vault store
// satisfies it.
type UserSource interface {
	UIDs() []string
}

// Eligibility decides per user whether a window run should be dispatched.
// Returning false skips the user without recording anything; the engine's own
// minimum-balance check still applies to users that pass.
type Eligibility func(uid string) bool

type Config struct {
	// Workers bounds how many users settle concurrently per window.
	Workers int

	// RunTimeout bounds one user's whole window run, including lock wait.
	RunTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:    16,
		RunTimeout: 2 * time.Minute,
	}
}

// Scheduler fans one window trigger out across all eligible users through a
// bounded worker pool. Users settle in parallel; the engine serializes runs
// per user, so a trigger arriving while a user's previous window is still
// executing simply queues behind it.
type Scheduler struct {
	cfg      Config
	engine   *engine.Engine
	users    UserSource
	eligible Eligibility
	triggers <-chan Trigger
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func New(cfg Config, eng *engine.Engine, users UserSource, eligible Eligibility, triggers <-chan Trigger, metrics *observability.Metrics, logger zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultConfig().RunTimeout
	}
	if eligible == nil {
		eligible = func(string) bool { return true }
	}

	return &Scheduler{
		cfg:      cfg,
		engine:   eng,
		users:    users,
		eligible: eligible,
		triggers: triggers,
		metrics:  metrics,
		log:      logger,
	}
}

// Run consumes triggers until the context is cancelled. In-flight window runs
// for the current trigger are drained before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Int("workers", s.cfg.Workers).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case trig, ok := <-s.triggers:
			if !ok {
				s.log.Info().Msg("trigger channel closed, scheduler stopped")
				return nil
			}
			s.runTrigger(ctx, trig)
		}
	}
}

func (s *Scheduler) runTrigger(ctx context.Context, trig Trigger) {
	start := time.Now()
	uids := s.users.UIDs()

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	var dispatched int

	for _, uid := range uids {
		if !s.eligible(uid) {
			s.skip("ineligible")
			continue
		}
		if _, halted := s.engine.Halted(uid); halted {
			s.skip("halted")
			continue
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		dispatched++
		if s.metrics != nil {
			s.metrics.SchedulerDispatched.Inc()
		}

		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runUser(ctx, uid, trig)
		}(uid)
	}

	wg.Wait()

	if s.metrics != nil {
		s.metrics.SchedulerRunDur.Observe(time.Since(start).Seconds())
	}
	s.log.Info().Str("window", trig.WindowID).Int("users", len(uids)).
		Int("dispatched", dispatched).Dur("elapsed", time.Since(start)).
		Msg("window run complete")
}

func (s *Scheduler) runUser(ctx context.Context, uid string, trig Trigger) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	res, err := s.engine.RunWindow(runCtx, uid, trig.WindowID, trig.Market)
	if err != nil {
		if errors.Is(err, engine.ErrUserHalted) {
			s.skip("halted")
		}
		s.log.Error().Str("uid", uid).Str("window", trig.WindowID).Err(err).
			Msg("window run error")
		return
	}

	s.log.Debug().Str("uid", uid).Str("window", trig.WindowID).
		Str("status", res.Status.String()).Msg("window run finished")
}

func (s *Scheduler) skip(reason string) {
	if s.metrics != nil {
		s.metrics.SchedulerSkipped.WithLabelValues(reason).Inc()
	}
}
