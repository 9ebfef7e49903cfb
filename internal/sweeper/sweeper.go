// Package sweeper force-ends runs that outlive their auto-end budget. It
// runs on its own timer, bypasses the organizer guard, and reuses the
// engine's transition validator so the terminal-idempotency rules apply to
// it exactly as to user actions.
package sweeper

import (
	"context"
	"errors"
	"log"
	"time"

	"raidline/internal/domain"
	"raidline/internal/engine"
)

type Sweeper struct {
	Engine   engine.Engine
	Interval time.Duration
	Logger   *log.Logger
	Now      func() time.Time
}

func New(e engine.Engine, interval time.Duration) *Sweeper {
	return &Sweeper{Engine: e, Interval: interval}
}

func (s *Sweeper) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	if s.Engine.Now != nil {
		return s.Engine.Now()
	}
	return time.Now()
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce ends every over-budget run. Each run is processed in isolation:
// one failure is logged and skipped, never aborting the rest of the sweep.
// It returns the number of runs ended.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	expired, err := s.Engine.ListExpired(ctx, s.now())
	if err != nil {
		s.logger().Printf("sweeper: list expired runs: %v", err)
		return 0
	}
	ended := 0
	for _, run := range expired {
		res, err := s.Engine.Transition(ctx, run.ID, "sweeper", domain.StatusEnded, true)
		if errors.Is(err, engine.ErrAlreadyTerminal) {
			// Raced an organizer's own end; nothing left to do.
			continue
		}
		if err != nil {
			s.logger().Printf("sweeper: auto-end run %d: %v", run.ID, err)
			continue
		}
		if res.Status == domain.StatusEnded {
			ended++
		}
	}
	return ended
}
