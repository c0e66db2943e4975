package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/conflict-engine/artifact"
	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/conflict/store"
	"github.com/warp/conflict-engine/logger"
	"github.com/warp/conflict-engine/orchestrator"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	testDay = conflict.NewDate(2025, time.March, 10)
	testNow = testDay.At(12, 0)
)

func testReference() *conflict.ReferenceData {
	return &conflict.ReferenceData{
		Settings: conflict.DefaultSettings(),
		Speeds: conflict.SpeedTable{
			{From: decimal.Zero, To: decimal.NewNullDecimal(decimal.NewFromInt(25)), MPH: decimal.NewFromInt(30)},
			{From: decimal.RequireFromString("25.01"), MPH: decimal.NewFromInt(40)},
		},
	}
}

func visit(id, ssn, provider string, startHour int) conflict.Visit {
	return conflict.Visit{
		VisitID:    conflict.VisitID(id),
		SSN:        ssn,
		ProviderID: provider,
		AgencyID:   "agency-" + provider,
		VisitDate:  testDay,
		Scheduled:  conflict.NewWindow(testDay.At(startHour, 0), testDay.At(startHour+1, 0)),
		UpdatedAt:  testNow.Add(-time.Hour),
	}
}

var ssns = []string{"111-00-0001", "111-00-0002", "111-00-0003"}

// seedThreeKeys stores one overlapping pair on each of three keys:
// "1A"/"1B", "2A"/"2B", "3A"/"3B".
func seedThreeKeys(t *testing.T, mem *store.Memory) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.SaveReference(ctx, testReference()))
	var visits []conflict.Visit
	for i, ssn := range ssns {
		n := string(rune('1' + i))
		visits = append(visits, visit(n+"A", ssn, "p1", 8), visit(n+"B", ssn, "p2", 8))
	}
	require.NoError(t, mem.SaveVisits(ctx, visits))
}

func allPairs() []conflict.PairID {
	var out []conflict.PairID
	for i := range ssns {
		n := string(rune('1' + i))
		a, b := conflict.VisitID(n+"A"), conflict.VisitID(n+"B")
		out = append(out, conflict.PairID{VisitID: a, ConVisitID: b}, conflict.PairID{VisitID: b, ConVisitID: a})
	}
	return out
}

func pid(a, b string) conflict.PairID {
	return conflict.PairID{VisitID: conflict.VisitID(a), ConVisitID: conflict.VisitID(b)}
}

func testConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.TargetRows = 2
	cfg.MaxKeysPerChunk = 1
	cfg.Workers = 2
	cfg.Retry = orchestrator.RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}
	cfg.Owner = "test-node"
	return cfg
}

func newOrchestrator(db orchestrator.DB, mem *store.Memory, cfg orchestrator.Config) *orchestrator.Orchestrator {
	o := orchestrator.New(db, mem, nil, cfg, logger.NewNop(), nil)
	o.Now = func() time.Time { return testNow }
	return o
}

func fullRun() orchestrator.RunRequest {
	return orchestrator.RunRequest{Mode: orchestrator.RunFull, Join: conflict.JoinAsymmetric}
}

// faultyDB fails the completion write of selected chunks a number of times,
// after the chunk's records were already written in the same transaction.
type faultyDB struct {
	orchestrator.DB

	mu       sync.Mutex
	failures map[int]int
	onSave   func(orchestrator.Chunk)
}

func (f *faultyDB) WithTx(ctx context.Context, fn func(orchestrator.Tx) error) error {
	return f.DB.WithTx(ctx, func(tx orchestrator.Tx) error {
		return fn(&faultyTx{Tx: tx, db: f})
	})
}

func (f *faultyDB) take(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[id] > 0 {
		f.failures[id]--
		return true
	}
	return false
}

type faultyTx struct {
	orchestrator.Tx
	db *faultyDB
}

func (t *faultyTx) SaveChunk(ctx context.Context, c orchestrator.Chunk) error {
	if c.Status == orchestrator.ChunkCompleted && t.db.take(c.ID) {
		return &conflict.TransientStoreError{Op: "save chunk", Err: errors.New("connection reset by peer")}
	}
	if err := t.Tx.SaveChunk(ctx, c); err != nil {
		return err
	}
	if t.db.onSave != nil {
		t.db.onSave(c)
	}
	return nil
}

// =============================================================================
// FULL RUNS
// =============================================================================

func TestRun_FullRunDetectsEveryPair(t *testing.T) {
	// GIVEN: Three keys with one overlapping pair each
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	o := newOrchestrator(mem, mem, testConfig())

	// WHEN: A full run executes
	res, err := o.Run(context.Background(), fullRun())

	// THEN: Three chunks, both orientations of every pair inserted as N
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, res.Status)
	assert.Equal(t, orchestrator.StateDone, res.State)
	assert.Len(t, res.Chunks, 3)
	assert.Equal(t, 6, res.Totals.Inserted)
	assert.Empty(t, res.ResumableChunks)

	for _, id := range allPairs() {
		rec, err := mem.GetRecord(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, rec, id.String())
		assert.Equal(t, conflict.StatusNew, rec.Status)
		assert.Equal(t, conflict.FlagYes, rec.Flags[conflict.RuleSameSchTime])
	}

	g, err := mem.GetGroup(context.Background(), conflict.NewConflictID(pid("1A", "1B")))
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, 2, g.Children)
	assert.Equal(t, conflict.StatusNew, g.Status)
}

func TestRun_SecondRunWritesNothing(t *testing.T) {
	// GIVEN: A completed full run
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	o := newOrchestrator(mem, mem, testConfig())
	_, err := o.Run(context.Background(), fullRun())
	require.NoError(t, err)
	before := mem.TotalWrites()

	// WHEN: The same run executes again over unchanged input
	res, err := o.Run(context.Background(), fullRun())

	// THEN: Every pair is unchanged and no record is written
	require.NoError(t, err)
	assert.Equal(t, 6, res.Totals.Unchanged)
	assert.Equal(t, 0, res.Totals.Writes())
	assert.Equal(t, before, mem.TotalWrites())
}

func TestRun_CompletedRunReturnsStoredResult(t *testing.T) {
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	o := newOrchestrator(mem, mem, testConfig())
	req := fullRun()
	req.RunID = "run-1"
	first, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	writes := mem.TotalWrites()

	again, err := o.Run(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, first.Totals, again.Totals)
	assert.Equal(t, orchestrator.StateDone, again.State)
	assert.Equal(t, writes, mem.TotalWrites())
}

func TestRun_ArchivesPlan(t *testing.T) {
	// GIVEN: A file archive
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	archive, err := artifact.NewFileArchive(t.TempDir())
	require.NoError(t, err)
	o := orchestrator.New(mem, mem, archive, testConfig(), logger.NewNop(), nil)
	o.Now = func() time.Time { return testNow }

	// WHEN: A run is planned
	req := fullRun()
	req.RunID = "run-archive"
	_, err = o.Run(context.Background(), req)
	require.NoError(t, err)

	// THEN: The plan document is stored under plans/<run_id>.json
	body, err := archive.Get(context.Background(), orchestrator.PlanKey("run-archive"))
	require.NoError(t, err)
	var doc orchestrator.PlanDocument
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "run-archive", doc.RunID)
	assert.Len(t, doc.Chunks, 3)
	assert.Equal(t, []string{"2025-03-10/111-00-0001"}, doc.Chunks[0].Keys)
}

// =============================================================================
// RETRY, PARTIAL RUNS AND RESUME
// =============================================================================

func TestRun_RetriedChunkWritesOnce(t *testing.T) {
	// GIVEN: Chunk 2 fails twice after writing its records
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	db := &faultyDB{DB: mem, failures: map[int]int{2: 2}}
	o := newOrchestrator(db, mem, testConfig())

	// WHEN: The run executes
	res, err := o.Run(context.Background(), fullRun())

	// THEN: It completes, chunk 2 took three attempts, and no pair was
	// written more than once
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, res.Status)
	require.Len(t, res.Chunks, 3)
	assert.Equal(t, 1, res.Chunks[0].Attempts)
	assert.Equal(t, 3, res.Chunks[1].Attempts)
	assert.Equal(t, 1, res.Chunks[2].Attempts)
	for _, id := range allPairs() {
		assert.Equal(t, 1, mem.Writes(id), id.String())
	}
	assert.Equal(t, 6, res.Totals.Inserted)
}

func TestRun_PartialRunResumes(t *testing.T) {
	// GIVEN: Chunk 2 keeps failing on every attempt
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	db := &faultyDB{DB: mem, failures: map[int]int{2: 10}}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	o := newOrchestrator(db, mem, cfg)

	req := fullRun()
	req.RunID = "run-partial"

	// WHEN: The run executes
	res, err := o.Run(context.Background(), req)

	// THEN: Chunks 1 and 3 are committed, chunk 2 is resumable
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusPartial, res.Status)
	assert.Equal(t, orchestrator.StateFailed, res.State)
	assert.Equal(t, []int{2}, res.ResumableChunks)
	assert.Equal(t, orchestrator.ChunkFailed, res.Chunks[1].Status)
	assert.Equal(t, 2, res.Chunks[1].Attempts)

	rec, err := mem.GetRecord(context.Background(), pid("2A", "2B"))
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = mem.GetRecord(context.Background(), pid("1A", "1B"))
	require.NoError(t, err)
	assert.NotNil(t, rec)

	// WHEN: The fault clears and the run is resumed
	db.mu.Lock()
	db.failures = nil
	db.mu.Unlock()
	resumed, err := o.Run(context.Background(), req)

	// THEN: Only chunk 2 is processed and the run completes
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, resumed.Status)
	assert.Empty(t, resumed.ResumableChunks)
	assert.Equal(t, 3, resumed.Chunks[1].Attempts)
	assert.Equal(t, 6, resumed.Totals.Inserted)
	for _, id := range allPairs() {
		assert.Equal(t, 1, mem.Writes(id), id.String())
	}
}

func TestRun_EveryChunkFailingFailsRun(t *testing.T) {
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	db := &faultyDB{DB: mem, failures: map[int]int{1: 10, 2: 10, 3: 10}}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	o := newOrchestrator(db, mem, cfg)

	res, err := o.Run(context.Background(), fullRun())

	require.Error(t, err)
	assert.Equal(t, orchestrator.StatusFailed, res.Status)
	assert.Equal(t, []int{1, 2, 3}, res.ResumableChunks)
	assert.Equal(t, 0, mem.TotalWrites())
}

func TestRun_CancellationStopsBetweenChunks(t *testing.T) {
	// GIVEN: A single worker and a context canceled once chunk 1 commits
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := &faultyDB{DB: mem, onSave: func(c orchestrator.Chunk) {
		if c.ID == 1 && c.Status == orchestrator.ChunkCompleted {
			cancel()
		}
	}}
	cfg := testConfig()
	cfg.Workers = 1
	o := newOrchestrator(db, mem, cfg)
	req := fullRun()
	req.RunID = "run-cancel"

	// WHEN: The run executes
	res, err := o.Run(ctx, req)

	// THEN: Chunk 1 finished, chunks 2 and 3 were never dispatched
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusPartial, res.Status)
	assert.Equal(t, orchestrator.ChunkCompleted, res.Chunks[0].Status)
	assert.Equal(t, []int{2, 3}, res.ResumableChunks)
	assert.Equal(t, 0, res.Chunks[1].Attempts)

	// WHEN: Resumed without cancellation
	db.onSave = nil
	resumed, err := o.Run(context.Background(), req)

	// THEN: The run completes
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, resumed.Status)
	assert.Equal(t, 6, resumed.Totals.Inserted)
}

func TestRun_RunFailedBeforePlanningIsPlannedOnRetry(t *testing.T) {
	// GIVEN: A run that failed before its chunk plan was stored
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveVisits(ctx, []conflict.Visit{
		visit("1A", ssns[0], "p1", 8), visit("1B", ssns[0], "p2", 8),
	}))
	o := newOrchestrator(mem, mem, testConfig())
	req := fullRun()
	req.RunID = "run-unplanned"
	_, err := o.Run(ctx, req)
	require.Error(t, err)
	stored, err := mem.GetRun(ctx, "run-unplanned")
	require.NoError(t, err)
	assert.False(t, stored.Planned)

	// WHEN: The speed table is stored and the same run id is retried
	require.NoError(t, mem.SaveReference(ctx, testReference()))
	res, err := o.Run(ctx, req)

	// THEN: The run is planned and processed rather than finished empty
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, res.Status)
	assert.Len(t, res.Chunks, 1)
	assert.Equal(t, 2, res.Totals.Inserted)
	rec, err := mem.GetRecord(ctx, pid("1A", "1B"))
	require.NoError(t, err)
	assert.NotNil(t, rec)

	stored, err = mem.GetRun(ctx, "run-unplanned")
	require.NoError(t, err)
	assert.True(t, stored.Planned)
	assert.Equal(t, orchestrator.StateDone, stored.State)
}

// =============================================================================
// LEASE AND CONFIGURATION
// =============================================================================

func TestRun_LeaseHeldByAnotherOwner(t *testing.T) {
	// GIVEN: Another node holds the run lease
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	_, err := mem.Acquire(context.Background(), orchestrator.LeaseName, "other-node", "run-other", time.Minute)
	require.NoError(t, err)
	o := newOrchestrator(mem, mem, testConfig())

	// WHEN: A run starts
	res, err := o.Run(context.Background(), fullRun())

	// THEN: It fails without touching any record
	require.Error(t, err)
	assert.True(t, errors.Is(err, conflict.ErrLeaseHeld))
	var held *conflict.LeaseHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "other-node", held.Owner)
	assert.Equal(t, orchestrator.StatusFailed, res.Status)
	assert.Equal(t, 0, mem.TotalWrites())
}

func TestRun_LeaseHeldBySameOwnerForAnotherRun(t *testing.T) {
	// GIVEN: This node holds the lease for a different run
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	_, err := mem.Acquire(context.Background(), orchestrator.LeaseName, "test-node", "run-other", time.Minute)
	require.NoError(t, err)
	o := newOrchestrator(mem, mem, testConfig())
	req := fullRun()
	req.RunID = "run-mine"

	// WHEN: A second run starts on the same node
	res, err := o.Run(context.Background(), req)

	// THEN: It is refused like any other contender
	require.Error(t, err)
	var held *conflict.LeaseHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "run-other", held.RunID)
	assert.Equal(t, orchestrator.StatusFailed, res.Status)
	assert.Equal(t, 0, mem.TotalWrites())
}

func TestRun_ReleasesLease(t *testing.T) {
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	o := newOrchestrator(mem, mem, testConfig())
	_, err := o.Run(context.Background(), fullRun())
	require.NoError(t, err)

	_, err = mem.Acquire(context.Background(), orchestrator.LeaseName, "other-node", "run-next", time.Minute)
	assert.NoError(t, err)
}

func TestRun_MissingSpeedTableFailsBeforeAnyChunk(t *testing.T) {
	// GIVEN: Visits but no reference data
	mem := store.NewMemory()
	require.NoError(t, mem.SaveVisits(context.Background(), []conflict.Visit{
		visit("1A", ssns[0], "p1", 8), visit("1B", ssns[0], "p2", 8),
	}))
	o := newOrchestrator(mem, mem, testConfig())

	// WHEN: A run starts
	res, err := o.Run(context.Background(), fullRun())

	// THEN: A configuration error fails the run, nothing was planned or written
	require.Error(t, err)
	assert.True(t, conflict.IsFatal(err))
	assert.Equal(t, orchestrator.StatusFailed, res.Status)
	assert.Empty(t, res.Chunks)
	assert.Equal(t, 0, mem.TotalWrites())

	stored, err := mem.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateFailed, stored.State)
}

func TestRun_RejectsUnknownMode(t *testing.T) {
	mem := store.NewMemory()
	o := newOrchestrator(mem, mem, testConfig())
	_, err := o.Run(context.Background(), orchestrator.RunRequest{Mode: "weekly"})
	assert.True(t, conflict.IsFatal(err))
}

// =============================================================================
// STALE CLEANUP
// =============================================================================

func seedOnePair(t *testing.T, mem *store.Memory) (*orchestrator.Orchestrator, conflict.Visit) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.SaveReference(ctx, testReference()))
	b := visit("B", ssns[0], "p2", 8)
	require.NoError(t, mem.SaveVisits(ctx, []conflict.Visit{visit("A", ssns[0], "p1", 8), b}))
	o := newOrchestrator(mem, mem, testConfig())
	_, err := o.Run(ctx, fullRun())
	require.NoError(t, err)
	return o, b
}

func incrementalRun() orchestrator.RunRequest {
	hours := 24
	return orchestrator.RunRequest{Mode: orchestrator.RunIncremental, Join: conflict.JoinAsymmetric, LookbackHours: &hours}
}

func TestRun_StalePairResolvedAfterVisitMoves(t *testing.T) {
	// GIVEN: A persisted A/B conflict
	mem := store.NewMemory()
	o, b := seedOnePair(t, mem)

	// WHEN: B moves to the afternoon and an incremental run executes
	b.Scheduled = conflict.NewWindow(testDay.At(13, 0), testDay.At(14, 0))
	b.UpdatedAt = testNow
	require.NoError(t, mem.SaveVisits(context.Background(), []conflict.Visit{b}))
	res, err := o.Run(context.Background(), incrementalRun())

	// THEN: Both orientations are resolved with flags reset, and so is the group
	require.NoError(t, err)
	assert.Equal(t, 2, res.Totals.Cleaned)
	for _, id := range []conflict.PairID{pid("A", "B"), pid("B", "A")} {
		rec, err := mem.GetRecord(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, conflict.StatusResolved, rec.Status)
		assert.Equal(t, conflict.NoFlags(), rec.Flags)
		assert.NotNil(t, rec.ResolvedAt)
	}
	g, err := mem.GetGroup(context.Background(), conflict.NewConflictID(pid("A", "B")))
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, conflict.StatusResolved, g.Status)
}

func TestRun_DeletedVisitMarksPairDeleted(t *testing.T) {
	// GIVEN: A persisted A/B conflict
	mem := store.NewMemory()
	o, b := seedOnePair(t, mem)

	// WHEN: B is deleted at the source
	b.Deleted = true
	b.UpdatedAt = testNow
	require.NoError(t, mem.SaveVisits(context.Background(), []conflict.Visit{b}))
	_, err := o.Run(context.Background(), incrementalRun())

	// THEN: Both orientations and their group are D
	require.NoError(t, err)
	rec, err := mem.GetRecord(context.Background(), pid("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusDeleted, rec.Status)
	g, err := mem.GetGroup(context.Background(), rec.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusDeleted, g.Status)
}

func TestRun_StaleDeletePolicyRemovesPair(t *testing.T) {
	mem := store.NewMemory()
	o, b := seedOnePair(t, mem)
	o.Config.StalePolicy = conflict.StaleDelete

	b.Scheduled = conflict.NewWindow(testDay.At(13, 0), testDay.At(14, 0))
	b.UpdatedAt = testNow
	require.NoError(t, mem.SaveVisits(context.Background(), []conflict.Visit{b}))
	_, err := o.Run(context.Background(), incrementalRun())

	require.NoError(t, err)
	rec, err := mem.GetRecord(context.Background(), pid("A", "B"))
	require.NoError(t, err)
	assert.Nil(t, rec)
	g, err := mem.GetGroup(context.Background(), conflict.NewConflictID(pid("A", "B")))
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestRun_WhitelistedPairSurvivesStaleCleanup(t *testing.T) {
	// GIVEN: A persisted conflict the analyst whitelisted
	mem := store.NewMemory()
	o, b := seedOnePair(t, mem)
	ctx := context.Background()
	for _, id := range []conflict.PairID{pid("A", "B"), pid("B", "A")} {
		rec, err := mem.GetRecord(ctx, id)
		require.NoError(t, err)
		rec.Status = conflict.StatusWhitelisted
		require.NoError(t, mem.SaveRecords(ctx, []conflict.Record{*rec}))
	}

	// WHEN: The conflict stops firing
	b.Scheduled = conflict.NewWindow(testDay.At(13, 0), testDay.At(14, 0))
	b.UpdatedAt = testNow
	require.NoError(t, mem.SaveVisits(ctx, []conflict.Visit{b}))
	res, err := o.Run(ctx, incrementalRun())

	// THEN: Nothing is cleaned and W stays
	require.NoError(t, err)
	assert.Equal(t, 0, res.Totals.Cleaned)
	rec, err := mem.GetRecord(ctx, pid("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusWhitelisted, rec.Status)
	assert.Equal(t, conflict.FlagYes, rec.Flags[conflict.RuleSameSchTime])
}

func TestRun_IncrementalSkipsUntouchedKeys(t *testing.T) {
	// GIVEN: Visits last updated three days ago
	mem := store.NewMemory()
	require.NoError(t, mem.SaveReference(context.Background(), testReference()))
	a, b := visit("A", ssns[0], "p1", 8), visit("B", ssns[0], "p2", 8)
	a.UpdatedAt = testNow.Add(-72 * time.Hour)
	b.UpdatedAt = testNow.Add(-72 * time.Hour)
	require.NoError(t, mem.SaveVisits(context.Background(), []conflict.Visit{a, b}))
	o := newOrchestrator(mem, mem, testConfig())

	// WHEN: An incremental run looks back 24 hours
	res, err := o.Run(context.Background(), incrementalRun())

	// THEN: Nothing is planned
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, res.Status)
	assert.Empty(t, res.Chunks)
	assert.Equal(t, 0, mem.TotalWrites())
}

func TestRun_StaleCleanupCountsPerChunk(t *testing.T) {
	// GIVEN: A persisted A/B conflict that stops firing
	mem := store.NewMemory()
	o, b := seedOnePair(t, mem)
	b.Scheduled = conflict.NewWindow(testDay.At(13, 0), testDay.At(14, 0))
	b.UpdatedAt = testNow
	require.NoError(t, mem.SaveVisits(context.Background(), []conflict.Visit{b}))

	// WHEN: An incremental run cleans it
	res, err := o.Run(context.Background(), incrementalRun())

	// THEN: The cleaning chunk carries the count, in the result and in storage
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, 2, res.Chunks[0].Counts.Cleaned)
	assert.Equal(t, 2, res.Totals.Cleaned)

	chunks, err := mem.ListChunks(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 2, chunks[0].Counts.Cleaned)
}

func TestRun_PartnerMovedToAnotherDateIsResolved(t *testing.T) {
	for _, tc := range []struct {
		name string
		req  orchestrator.RunRequest
	}{
		{"incremental", incrementalRun()},
		{"full", fullRun()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN: A persisted A/B conflict on testDay
			mem := store.NewMemory()
			o, b := seedOnePair(t, mem)

			// WHEN: B moves to the next day
			next := conflict.NewDate(2025, time.March, 11)
			b.VisitDate = next
			b.Scheduled = conflict.NewWindow(next.At(8, 0), next.At(9, 0))
			b.UpdatedAt = testNow
			require.NoError(t, mem.SaveVisits(context.Background(), []conflict.Visit{b}))
			res, err := o.Run(context.Background(), tc.req)

			// THEN: Both orientations left on the old key are resolved
			require.NoError(t, err)
			assert.Equal(t, 2, res.Totals.Cleaned)
			for _, id := range []conflict.PairID{pid("A", "B"), pid("B", "A")} {
				rec, err := mem.GetRecord(context.Background(), id)
				require.NoError(t, err)
				require.NotNil(t, rec)
				assert.Equal(t, conflict.StatusResolved, rec.Status, id.String())
			}
		})
	}
}

// =============================================================================
// MALFORMED INPUT
// =============================================================================

func TestRun_MalformedVisitIsSkipped(t *testing.T) {
	// GIVEN: A third visit on key 1 whose stored row could not be decoded
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	bad := visit("1C", ssns[0], "p3", 8)
	bad.Malformed = &conflict.DataIntegrityError{VisitID: "1C", Field: "SchStartTime", Reason: "cannot parse"}
	require.NoError(t, mem.SaveVisits(context.Background(), []conflict.Visit{bad}))
	o := newOrchestrator(mem, mem, testConfig())

	// WHEN: A full run executes
	res, err := o.Run(context.Background(), fullRun())

	// THEN: The chunk completes without it and every other pair is written
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, res.Status)
	assert.Equal(t, 6, res.Totals.Inserted)
	assert.Equal(t, 1, res.Totals.Skipped)
	rec, err := mem.GetRecord(context.Background(), pid("1A", "1C"))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRun_MalformedRecordIsLeftAlone(t *testing.T) {
	// GIVEN: A persisted A/B conflict whose A:B row could not be decoded
	mem := store.NewMemory()
	o, b := seedOnePair(t, mem)
	ctx := context.Background()
	rec, err := mem.GetRecord(ctx, pid("A", "B"))
	require.NoError(t, err)
	rec.Malformed = &conflict.DataIntegrityError{VisitID: "A", Field: "distance_miles", Reason: "cannot parse"}
	require.NoError(t, mem.SaveRecords(ctx, []conflict.Record{*rec}))

	// WHEN: The conflict stops firing
	b.Scheduled = conflict.NewWindow(testDay.At(13, 0), testDay.At(14, 0))
	b.UpdatedAt = testNow
	require.NoError(t, mem.SaveVisits(ctx, []conflict.Visit{b}))
	res, err := o.Run(ctx, incrementalRun())

	// THEN: The run completes, B:A is resolved and A:B is untouched
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Totals.Cleaned)

	got, err := mem.GetRecord(ctx, pid("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusNew, got.Status)
	got, err = mem.GetRecord(ctx, pid("B", "A"))
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusResolved, got.Status)
}

// =============================================================================
// IN-SERVICE
// =============================================================================

func inService(id, ssn, provider string, startHour int, updated time.Time) conflict.InServiceEvent {
	return conflict.InServiceEvent{
		EventID:    id,
		SSN:        ssn,
		ProviderID: provider,
		AgencyID:   "agency-" + provider,
		Window:     conflict.NewWindow(testDay.At(startHour, 0), testDay.At(startHour+1, 0)),
		UpdatedAt:  updated,
	}
}

func TestRun_InServiceEventPairsVisits(t *testing.T) {
	// GIVEN: An in-service for another provider overlapping 1A and 1B
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	ev := inService("E1", ssns[0], "p9", 8, testNow.Add(-time.Hour))
	require.NoError(t, mem.SaveInServiceEvents(context.Background(), []conflict.InServiceEvent{ev}))
	o := newOrchestrator(mem, mem, testConfig())

	// WHEN
	res, err := o.Run(context.Background(), fullRun())

	// THEN: Both orientations of each in-service pair are added to the visit pairs
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, res.Status)
	assert.Equal(t, 10, res.Totals.Inserted)
	for _, v := range []string{"1A", "1B"} {
		for _, id := range []conflict.PairID{
			{VisitID: conflict.VisitID(v), ConVisitID: ev.VisitID()},
			{VisitID: ev.VisitID(), ConVisitID: conflict.VisitID(v)},
		} {
			rec, err := mem.GetRecord(context.Background(), id)
			require.NoError(t, err)
			require.NotNil(t, rec, id.String())
			assert.True(t, rec.InService)
			assert.Equal(t, conflict.NoFlags(), rec.Flags)
			assert.Equal(t, conflict.StatusNew, rec.Status)
		}
	}
	rec, err := mem.GetRecord(context.Background(), pid("1A", "1B"))
	require.NoError(t, err)
	assert.False(t, rec.InService)

	// WHEN: The run repeats over unchanged input
	again, err := o.Run(context.Background(), fullRun())

	// THEN: Nothing is written
	require.NoError(t, err)
	assert.Equal(t, 10, again.Totals.Unchanged)
	assert.Equal(t, 0, again.Totals.Writes())
}

func TestRun_InServiceDisabledByConfig(t *testing.T) {
	mem := store.NewMemory()
	seedThreeKeys(t, mem)
	ev := inService("E1", ssns[0], "p9", 8, testNow.Add(-time.Hour))
	require.NoError(t, mem.SaveInServiceEvents(context.Background(), []conflict.InServiceEvent{ev}))
	cfg := testConfig()
	cfg.InService = false
	o := newOrchestrator(mem, mem, cfg)

	res, err := o.Run(context.Background(), fullRun())

	require.NoError(t, err)
	assert.Equal(t, 6, res.Totals.Inserted)
}

func TestRun_NewInServiceEventTouchesKey(t *testing.T) {
	// GIVEN: A persisted A/B conflict and an in-service saved afterwards
	mem := store.NewMemory()
	o, b := seedOnePair(t, mem)
	ctx := context.Background()
	ev := inService("E1", ssns[0], "p9", 8, testNow)
	require.NoError(t, mem.SaveInServiceEvents(ctx, []conflict.InServiceEvent{ev}))

	// WHEN: An incremental run executes
	res, err := o.Run(ctx, incrementalRun())

	// THEN: The key is reprocessed and the in-service pairs are inserted
	require.NoError(t, err)
	assert.Equal(t, 4, res.Totals.Inserted)

	// WHEN: B moves out of both overlaps
	b.Scheduled = conflict.NewWindow(testDay.At(13, 0), testDay.At(14, 0))
	b.UpdatedAt = testNow
	require.NoError(t, mem.SaveVisits(ctx, []conflict.Visit{b}))
	res, err = o.Run(ctx, incrementalRun())

	// THEN: The visit pair is resolved, in-service pairs are left for the analyst
	require.NoError(t, err)
	assert.Equal(t, 2, res.Totals.Cleaned)
	rec, err := mem.GetRecord(ctx, conflict.PairID{VisitID: "B", ConVisitID: ev.VisitID()})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, conflict.StatusNew, rec.Status)
	rec, err = mem.GetRecord(ctx, pid("A", "B"))
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusResolved, rec.Status)
}
