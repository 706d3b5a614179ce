/*
scheduler.go - Automated penalty and interest accrual

PURPOSE:
  Periodically posts the daily overdue penalty and late submission interest
  accruals for every current version that may owe them.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each sweep asks the engine for accrual candidates and fans them out
    to a bounded errgroup
  - A failing version is logged and counted; it never aborts the sweep
  - AccruePenalties is idempotent per day, so overlapping sweeps or a
    sweep plus a manual run post nothing twice

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Workers: Versions accrued concurrently (default: 4)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAccrualScheduler(engine)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAccrualSweep endpoint (manual sweep)
  - compliance/penalty.go: accrual rules
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warp/compliance-engine/compliance"
	"github.com/warp/compliance-engine/generic"
	"github.com/warp/compliance-engine/logger"
)

// SweepReport summarizes one accrual sweep.
type SweepReport struct {
	AsOf          string   `json:"as_of"`
	Candidates    int      `json:"candidates"`
	Accrued       int      `json:"accrued"`
	EntriesPosted int      `json:"entries_posted"`
	Failed        []string `json:"failed,omitempty"`
}

// AccrualScheduler posts accruals on a fixed interval.
type AccrualScheduler struct {
	Engine        *compliance.Engine
	CheckInterval time.Duration
	Workers       int
	Enabled       bool
	Logger        zerolog.Logger

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAccrualScheduler creates a new scheduler.
func NewAccrualScheduler(engine *compliance.Engine) *AccrualScheduler {
	return &AccrualScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Workers:       4,
		Enabled:       true,
		Logger:        logger.WithComponent("scheduler"),
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (s *AccrualScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	s.Logger.Info().Dur("interval", s.CheckInterval).Int("workers", s.Workers).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *AccrualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info().Msg("stopped")
	}
}

func (s *AccrualScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunOnce(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunOnce accrues every candidate through today and returns the tally.
func (s *AccrualScheduler) RunOnce(ctx context.Context) SweepReport {
	asOf := generic.DayOf(s.now())
	report := SweepReport{AsOf: asOf.String()}

	ids, err := s.Engine.AccrualCandidates(ctx)
	if err != nil {
		s.Logger.Error().Err(err).Msg("listing accrual candidates")
		return report
	}
	report.Candidates = len(ids)

	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range ids {
		g.Go(func() error {
			result, err := s.Engine.AccruePenalties(gctx, id, asOf)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, string(id))
				s.Logger.Warn().Err(err).Str("version_id", string(id)).Msg("accrual failed")
				return nil
			}
			if len(result.Posted) > 0 {
				report.Accrued++
				report.EntriesPosted += len(result.Posted)
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.Accrued > 0 || len(report.Failed) > 0 {
		s.Logger.Info().
			Str("as_of", report.AsOf).
			Int("candidates", report.Candidates).
			Int("accrued", report.Accrued).
			Int("entries", report.EntriesPosted).
			Int("failed", len(report.Failed)).
			Msg("sweep completed")
	}
	return report
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *AccrualScheduler) NextRunTime() time.Time {
	return s.now().Add(s.CheckInterval)
}

func (s *AccrualScheduler) now() time.Time {
	if s.Engine.Clock != nil {
		return s.Engine.Clock()
	}
	return time.Now()
}
