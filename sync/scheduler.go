/*
scheduler.go - Background flush driver

PURPOSE:
  Periodically flushes the mutation queue while online, and flushes
  immediately on an offline-to-online transition. Both paths feed the same
  idempotent Flush; overlapping triggers collapse into the in-flight pass.

  Timing comes from the injected Clock, so tests drive the loop with a
  FakeClock instead of wall-clock timers.
*/
package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pharmstack/ledger-engine/ledger"
)

// Scheduler drives the engine in the background.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	clock    ledger.Clock
	log      zerolog.Logger

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewScheduler(engine *Engine, interval time.Duration, clock ledger.Clock, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		interval: interval,
		clock:    clock,
		log:      log.With().Str("component", "sync-scheduler").Logger(),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	s.log.Info().Dur("interval", s.interval).Msg("sync scheduler started")
}

// Stop terminates the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info().Msg("sync scheduler stopped")
}

// NotifyOnline requests an immediate flush, typically on an offline-to-online
// transition. Non-blocking; coalesces with a pending request.
func (s *Scheduler) NotifyOnline() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
			s.flush(ctx)
		case <-s.kick:
			s.flush(ctx)
		}
	}
}

func (s *Scheduler) flush(ctx context.Context) {
	report, err := s.engine.Flush(ctx)
	switch {
	case errors.Is(err, ledger.ErrOffline), errors.Is(err, ledger.ErrFlushInFlight):
		s.log.Debug().Err(err).Msg("flush skipped")
	case errors.Is(err, ledger.ErrSessionExpired):
		s.log.Error().Msg("session expired, sync paused until re-auth")
	case err != nil:
		s.log.Warn().Err(err).Msg("flush errored")
	default:
		if report.Synced > 0 || report.Failed > 0 {
			s.log.Info().
				Int("synced", report.Synced).
				Int("failed", report.Failed).
				Msg("background flush")
		}
	}
}
