// Package scheduler drives poll cycles on a fixed cadence. A single
// goroutine owns the loop, so overlapping cycles are impossible by
// construction: a slow cycle simply delays the next tick.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sunwatch/go-pvs/internal/config"
	"github.com/sunwatch/go-pvs/internal/domain"
)

// Poller is the single operation the scheduler drives.
type Poller interface {
	PollOnce(ctx context.Context) domain.PollResult
}

// Scheduler periodically invokes the poller until stopped. The effective
// interval is re-derived after every cycle: discovering storage hardware
// raises the floor mid-flight.
type Scheduler struct {
	cfg      *config.Config
	poller   Poller
	logger   zerolog.Logger
	interval func(hasStorage bool) time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler for the given poller.
func New(cfg *config.Config, poller Poller) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		poller:   poller,
		logger:   log.With().Str("component", "scheduler").Logger(),
		interval: cfg.ClampPollInterval,
	}
}

// Start launches the poll loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info().
		Dur("interval", s.interval(false)).
		Msg("Starting poll scheduler")

	go s.run(runCtx)
}

// Stop cancels the loop and waits for any in-flight cycle to wind down. An
// abandoned cycle publishes nothing partial; consumers only ever see
// complete snapshots.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info().Msg("Poll scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	hasStorage := false
	interval := s.interval(hasStorage)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		result := s.poller.PollOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		if !hasStorage && result.Snapshot != nil && result.Snapshot.HasStorage() {
			hasStorage = true
		}
		if next := s.interval(hasStorage); next != interval {
			s.logger.Info().
				Dur("old", interval).
				Dur("new", next).
				Bool("has_storage", hasStorage).
				Msg("Poll interval adjusted")
			interval = next
		}
		timer.Reset(interval)
	}
}
