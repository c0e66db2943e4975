/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically triggers an incremental reconciliation run so conflict
  records follow visit changes without an operator.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Each tick starts one incremental run with the default join mode
  - A run that finds the lease held by another process is skipped, not
    retried; the next tick tries again
  - An unfinished run from this scheduler is resumed by id on the next tick

CONFIGURATION:
  - Interval: How often to run (default: 1 hour)
  - Enabled:  Whether scheduler is active

USAGE:
  scheduler := NewScheduler(orch, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: StartRun endpoint (manual runs)
  - orchestrator/orchestrator.go: Run
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/logger"
	"github.com/warp/conflict-engine/orchestrator"
)

// Scheduler triggers incremental runs on an interval.
type Scheduler struct {
	Orch     *orchestrator.Orchestrator
	Join     conflict.JoinMode
	Interval time.Duration
	Enabled  bool
	Log      *logger.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
	// resume holds the id of an unfinished run to continue on the next tick.
	resume string
}

// NewScheduler creates a new scheduler.
func NewScheduler(orch *orchestrator.Orchestrator, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Scheduler{
		Orch:     orch,
		Join:     conflict.JoinAsymmetric,
		Interval: time.Hour,
		Enabled:  true,
		Log:      log.With("component", "scheduler"),
	}
}

// Start begins the scheduler. A stopped scheduler can be started again.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Log.Info("scheduler started", "interval", s.Interval.String())
}

// Stop stops the scheduler and waits for an in-flight run to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	ticker, stop := s.ticker, s.stop
	s.ticker, s.stop = nil, nil
	s.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(stop)
		s.wg.Wait()
		s.Log.Info("scheduler stopped")
	}
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.reconcile(ctx)

	for {
		select {
		case <-ticker.C:
			s.reconcile(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate run (for testing/admin).
func (s *Scheduler) RunNow(ctx context.Context) (*orchestrator.RunResult, error) {
	return s.reconcile(ctx)
}

// NextRunTime returns when the next scheduled run will occur.
func (s *Scheduler) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun.IsZero() {
		return time.Now().Add(s.Interval)
	}
	return s.lastRun.Add(s.Interval)
}

func (s *Scheduler) reconcile(ctx context.Context) (*orchestrator.RunResult, error) {
	s.mu.Lock()
	s.lastRun = time.Now()
	req := orchestrator.RunRequest{RunID: s.resume, Mode: orchestrator.RunIncremental, Join: s.Join}
	s.mu.Unlock()

	res, err := s.Orch.Run(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, conflict.ErrLeaseHeld):
		s.Log.Info("run skipped, lease held elsewhere", "error", err)
		return res, err
	case err != nil:
		s.Log.Error("scheduled run failed", "error", err)
	case res.Status == orchestrator.StatusPartial:
		s.Log.Warn("scheduled run partial", "run_id", res.RunID, "resumable_chunks", len(res.ResumableChunks))
	default:
		s.Log.Info("scheduled run completed", "run_id", res.RunID,
			"inserted", res.Totals.Inserted, "updated", res.Totals.Updated, "cleaned", res.Totals.Cleaned)
	}

	s.resume = ""
	if res != nil && res.State != orchestrator.StateDone && len(res.ResumableChunks) > 0 {
		s.resume = res.RunID
	}
	return res, err
}
