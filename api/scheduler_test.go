package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/logger"
	"github.com/warp/conflict-engine/orchestrator"
)

func TestScheduler_RunNowRunsIncremental(t *testing.T) {
	// GIVEN: A seeded scenario
	s := newTestServer(t)
	s.seed(t, "overlapping-schedules")
	sched := NewScheduler(s.handler.Orch, logger.NewNop())

	// WHEN
	res, err := sched.RunNow(context.Background())

	// THEN: An incremental run picks up the freshly seeded visits
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunIncremental, res.Mode)
	assert.Equal(t, orchestrator.StatusCompleted, res.Status)
	assert.Equal(t, 6, res.Totals.Inserted)
}

func TestScheduler_LeaseHeldIsSkipped(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "overlapping-schedules")
	_, err := s.mem.Acquire(context.Background(), orchestrator.LeaseName, "other-node", "run-other", time.Minute)
	require.NoError(t, err)
	sched := NewScheduler(s.handler.Orch, logger.NewNop())

	_, err = sched.RunNow(context.Background())

	assert.True(t, errors.Is(err, conflict.ErrLeaseHeld))
	records, err := s.mem.ListRecords(context.Background(), conflict.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	// GIVEN: A scheduler with a long interval
	s := newTestServer(t)
	s.seed(t, "impossible-travel")
	sched := NewScheduler(s.handler.Orch, logger.NewNop())
	sched.Interval = time.Hour

	// WHEN: It starts
	sched.Start()

	// THEN: The first run happens without waiting for a tick
	require.Eventually(t, func() bool {
		runs, err := s.mem.ListRuns(context.Background(), 10)
		return err == nil && len(runs) == 1 && runs[0].State == orchestrator.StateDone
	}, 5*time.Second, 10*time.Millisecond)

	sched.Stop()
	assert.WithinDuration(t, time.Now().Add(time.Hour), sched.NextRunTime(), time.Minute)
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	s := newTestServer(t)
	sched := NewScheduler(s.handler.Orch, logger.NewNop())
	sched.Enabled = false

	sched.Start()
	sched.Stop()

	runs, err := s.mem.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestScheduler_RestartsAfterStop(t *testing.T) {
	// GIVEN: A scheduler that was started and stopped once
	s := newTestServer(t)
	s.seed(t, "impossible-travel")
	sched := NewScheduler(s.handler.Orch, logger.NewNop())
	sched.Start()
	require.Eventually(t, func() bool {
		runs, err := s.mem.ListRuns(context.Background(), 10)
		return err == nil && len(runs) == 1 && runs[0].State == orchestrator.StateDone
	}, 5*time.Second, 10*time.Millisecond)
	sched.Stop()

	// WHEN: It is started and stopped again
	sched.Start()
	require.Eventually(t, func() bool {
		runs, err := s.mem.ListRuns(context.Background(), 10)
		return err == nil && len(runs) == 2 &&
			runs[0].State == orchestrator.StateDone && runs[1].State == orchestrator.StateDone
	}, 5*time.Second, 10*time.Millisecond)

	// THEN: Both cycles ran and stopping twice more is harmless
	assert.NotPanics(t, sched.Stop)
	assert.NotPanics(t, sched.Stop)
}
