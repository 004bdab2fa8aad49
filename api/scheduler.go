/*
scheduler.go - Background jobs

PURPOSE:
  Periodically runs the re-engagement rules and a detect-only ledger
  reconciliation. Both are safe to run from several processes at once:
  rule firings are gated by the dedupe store and reconciliation only reads.

DESIGN:
  - One goroutine, one ticker, jobs run sequentially per tick
  - Runs immediately on start
  - A failing job is logged and does not stop the others
  - Stop cancels an in-flight run through its context

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewScheduler(engagement, wallet)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - rules/engagement.go: RunOnce
  - wallet/reconcile.go: ReconcileAll
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/story-engine/rules"
	"github.com/warp/story-engine/wallet"
)

// Scheduler runs background jobs on a ticker.
type Scheduler struct {
	Engagement    *rules.Engagement // optional
	Wallet        *wallet.Wallet    // optional; drift is only reported
	CheckInterval time.Duration
	Enabled       bool
	Logger        *slog.Logger

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates a scheduler with a one hour interval.
func NewScheduler(engagement *rules.Engagement, w *wallet.Wallet) *Scheduler {
	return &Scheduler{
		Engagement:    engagement,
		Wallet:        w,
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger().Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run(ctx, s.ticker)

	s.logger().Info("scheduler started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.logger().Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow runs every job once.
func (s *Scheduler) RunNow(ctx context.Context) {
	if s.Engagement != nil {
		report, err := s.Engagement.RunOnce(ctx)
		if err != nil {
			s.logger().Warn("engagement run failed", "error", err)
		} else if report.Fired > 0 || report.Failed > 0 {
			s.logger().Info("engagement run",
				"users", report.Users, "fired", report.Fired,
				"suppressed", report.Suppressed, "failed", report.Failed)
		}
	}

	if s.Wallet != nil {
		drifted, err := s.Wallet.ReconcileAll(ctx, false)
		if err != nil {
			s.logger().Warn("reconciliation failed", "error", err)
			return
		}
		for _, d := range drifted {
			s.logger().Warn("ledger drift",
				"user_id", d.UserID, "counter", d.Counter, "ledger", d.LedgerSum, "drift", d.Drift)
		}
	}
}

// NextRunTime returns when the next scheduled run will occur.
func (s *Scheduler) NextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
