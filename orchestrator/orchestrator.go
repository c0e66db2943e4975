/*
orchestrator.go - Chunked, resumable reconciliation runs

PURPOSE:
  Drives one reconciliation run over the planning window: plans disjoint
  key chunks, processes each chunk in its own transaction on a bounded
  worker pool, retries failed chunks, and finally cleans up stale records
  once every chunk has committed.

STATE MACHINE:
  PLANNING -> PROCESSING -> FINALIZING -> DONE
  RESUMING -> PROCESSING   (RunID names an unfinished run)
  any      -> FAILED

PER-CHUNK TRANSACTION:
  load visits -> join -> evaluate -> load persisted records -> merge ->
  write -> refresh groups -> persist stale scope -> mark chunk completed

GUARANTEES:
  - A chunk commits entirely or not at all.
  - Completed chunks stay committed when others fail; the run is partial
    and the failed chunks are resumable.
  - Stale cleanup runs only after every chunk completed.
  - Cancellation stops dispatch between chunks; a chunk already running
    finishes.
  - One run at a time, guarded by a lease renewed between chunks.

SEE ALSO:
  - planner.go: Key packing and plan archive
  - retry.go: Per-chunk retry with exponential backoff
  - conflict/: Join, rules, merge, stale cleanup
*/
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/logger"
	"github.com/warp/conflict-engine/metrics"
	"github.com/warp/conflict-engine/observability"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config tunes planning, concurrency and cleanup.
type Config struct {
	TargetRows      int
	MaxKeysPerChunk int
	Workers         int
	Retry           RetryPolicy
	LeaseTTL        time.Duration
	LookbackYears   int
	LookforwardDays int
	// LookbackHours is the incremental window when a request names none.
	LookbackHours int
	StalePolicy   conflict.StalePolicy
	Merge         conflict.MergeOptions
	// Owner identifies this process on the run lease.
	Owner string
	// InService pairs visits with overlapping in-service events.
	InService bool
}

func DefaultConfig() Config {
	return Config{
		TargetRows:      5000,
		MaxKeysPerChunk: 500,
		Workers:         4,
		Retry:           RetryPolicy{MaxAttempts: 3, Initial: 500 * time.Millisecond, Max: 10 * time.Second},
		LeaseTTL:        5 * time.Minute,
		LookbackYears:   2,
		LookforwardDays: 45,
		LookbackHours:   36,
		StalePolicy:     conflict.StaleResolve,
		Merge:           conflict.DefaultMergeOptions(),
		Owner:           "conflict-engine",
		InService:       true,
	}
}

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// RunRequest starts a new run or resumes an unfinished one.
type RunRequest struct {
	// RunID resumes the named run when it exists. Empty starts a new run.
	RunID         string
	Mode          RunMode
	Join          conflict.JoinMode
	LookbackHours *int
}

// ChunkResult is the outcome of one chunk.
type ChunkResult struct {
	ID            int             `json:"id"`
	Keys          int             `json:"keys"`
	EstimatedRows int             `json:"estimated_rows"`
	Status        ChunkStatus     `json:"status"`
	Attempts      int             `json:"attempts"`
	Counts        conflict.Counts `json:"counts"`
	Error         string          `json:"error,omitempty"`
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID           string            `json:"run_id"`
	Status          RunStatus         `json:"status"`
	State           RunState          `json:"state"`
	Mode            RunMode           `json:"mode"`
	Join            conflict.JoinMode `json:"join"`
	Chunks          []ChunkResult     `json:"chunks"`
	Totals          conflict.Counts   `json:"totals"`
	ResumableChunks []int             `json:"resumable_chunks"`
	Elapsed         time.Duration     `json:"elapsed_ns"`
	Error           string            `json:"error,omitempty"`
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs reconciliation over a DB.
type Orchestrator struct {
	DB      DB
	Leaser  Leaser
	Archive Archive
	Config  Config
	Log     *logger.Logger
	Metrics *metrics.Registry
	Now     func() time.Time

	tracer trace.Tracer
}

// New creates an orchestrator. Archive may be nil.
func New(db DB, leaser Leaser, archive Archive, cfg Config, log *logger.Logger, reg *metrics.Registry) *Orchestrator {
	if log == nil {
		log = logger.NewNop()
	}
	if reg == nil {
		reg = metrics.New()
	}
	return &Orchestrator{
		DB:      db,
		Leaser:  leaser,
		Archive: archive,
		Config:  cfg,
		Log:     log,
		Metrics: reg,
		Now:     func() time.Time { return time.Now().UTC() },
		tracer:  observability.Tracer(),
	}
}

// Run executes or resumes a run. A run already DONE returns its stored result.
// The returned error is set whenever the result status is failed.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	started := o.Now()

	run, resuming, err := o.openRun(ctx, req, started)
	if err != nil {
		return nil, err
	}
	if run.State == StateDone {
		return o.Result(ctx, run.ID)
	}

	ctx, span := o.tracer.Start(ctx, "reconcile.run", trace.WithAttributes(
		attribute.String("run_id", run.ID),
		attribute.String("mode", string(run.Mode)),
		attribute.String("join", string(run.Join)),
	))
	defer span.End()

	log := o.Log.With("run_id", run.ID)
	o.Metrics.RunStarted()

	lease, err := o.Leaser.Acquire(ctx, LeaseName, o.Config.Owner, run.ID, o.Config.LeaseTTL)
	if err != nil {
		log.Warn("run lease unavailable", "error", err)
		o.Metrics.RunFinished(string(StatusFailed))
		span.SetStatus(codes.Error, err.Error())
		return &RunResult{RunID: run.ID, Status: StatusFailed, State: StateFailed, Mode: run.Mode, Join: run.Join, Error: err.Error()}, err
	}
	defer func() {
		if err := o.Leaser.Release(context.WithoutCancel(ctx), lease); err != nil {
			log.Warn("release run lease", "error", err)
		}
	}()

	res, err := o.execute(ctx, log, run, resuming, lease, started)
	o.Metrics.RunFinished(string(res.Status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// openRun loads the named run or builds a new one.
func (o *Orchestrator) openRun(ctx context.Context, req RunRequest, now time.Time) (Run, bool, error) {
	if req.RunID != "" {
		existing, err := o.DB.GetRun(ctx, req.RunID)
		switch {
		case err == nil && existing.State == StateDone:
			return *existing, false, nil
		case err == nil && existing.Planned:
			return *existing, true, nil
		case err == nil:
			// Failed before its plan was stored: start over from PLANNING
			// under the same id.
			run := *existing
			run.State = StatePlanning
			run.Status = StatusRunning
			run.Error = ""
			run.Totals = conflict.Counts{}
			run.FinishedAt = nil
			run.Owner = o.Config.Owner
			return run, false, nil
		case !errors.Is(err, conflict.ErrRunNotFound):
			return Run{}, false, err
		}
	}

	mode := req.Mode
	switch mode {
	case "":
		mode = RunIncremental
	case RunIncremental, RunFull:
	default:
		return Run{}, false, &conflict.ConfigurationError{Setting: "mode", Reason: fmt.Sprintf("unknown run mode %q", mode)}
	}
	join, err := conflict.ParseJoinMode(string(req.Join))
	if err != nil {
		return Run{}, false, &conflict.ConfigurationError{Setting: "join", Reason: err.Error()}
	}

	id := req.RunID
	if id == "" {
		id = uuid.NewString()
	}
	run := Run{
		ID:            id,
		Mode:          mode,
		Join:          join,
		LookbackHours: req.LookbackHours,
		Window:        conflict.PlanningWindow(conflict.DateOf(now), o.Config.LookbackYears, o.Config.LookforwardDays),
		State:         StatePlanning,
		Status:        StatusRunning,
		Owner:         o.Config.Owner,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if mode == RunIncremental {
		hours := o.Config.LookbackHours
		if req.LookbackHours != nil {
			hours = *req.LookbackHours
		}
		if hours < 0 {
			return Run{}, false, &conflict.ConfigurationError{Setting: "lookback_hours", Reason: "must not be negative"}
		}
		since := now.Add(-time.Duration(hours) * time.Hour)
		run.Since = &since
	}
	return run, false, nil
}

func (o *Orchestrator) execute(ctx context.Context, log *logger.Logger, run Run, resuming bool, lease *Lease, started time.Time) (*RunResult, error) {
	ref, err := o.loadReference(ctx)
	if err != nil {
		return o.fail(ctx, log, run, started, err)
	}

	var chunks []Chunk
	if resuming {
		run.State = StateResuming
		if err := o.saveRun(ctx, &run); err != nil {
			return o.fail(ctx, log, run, started, err)
		}
		chunks, err = o.DB.ListChunks(ctx, run.ID)
		if err != nil {
			return o.fail(ctx, log, run, started, err)
		}
		log.Info("resuming run", "chunks", len(chunks), "pending", len(pendingChunks(chunks)))
	} else {
		if err := o.saveRun(ctx, &run); err != nil {
			return o.fail(ctx, log, run, started, err)
		}
		chunks, err = o.plan(ctx, log, &run)
		if err != nil {
			return o.fail(ctx, log, run, started, err)
		}
	}

	run.State = StateProcessing
	run.Status = StatusRunning
	run.Error = ""
	if err := o.saveRun(ctx, &run); err != nil {
		return o.fail(ctx, log, run, started, err)
	}

	stopped := o.process(ctx, log, run, ref, pendingChunks(chunks), lease)

	chunks, err = o.DB.ListChunks(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		return o.fail(ctx, log, run, started, err)
	}
	run.Totals = totals(chunks)

	remaining := pendingChunks(chunks)
	if len(remaining) > 0 {
		run.State = StateFailed
		run.Status = StatusPartial
		if completedCount(chunks) == 0 {
			run.Status = StatusFailed
		}
		switch {
		case stopped != nil:
			run.Error = stopped.Error()
		default:
			run.Error = fmt.Sprintf("%d of %d chunks failed", len(remaining), len(chunks))
		}
		o.finish(context.WithoutCancel(ctx), log, &run, started)
		res := o.result(run, chunks)
		if run.Status == StatusFailed {
			return res, errors.New(run.Error)
		}
		return res, nil
	}

	run.State = StateFinalizing
	if err := o.saveRun(ctx, &run); err != nil {
		return o.fail(ctx, log, run, started, err)
	}
	if _, err := o.finalize(context.WithoutCancel(ctx), log, run, chunks); err != nil {
		return o.fail(ctx, log, run, started, err)
	}
	chunks, err = o.DB.ListChunks(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		return o.fail(ctx, log, run, started, err)
	}
	run.Totals = totals(chunks)

	run.State = StateDone
	run.Status = StatusCompleted
	o.finish(context.WithoutCancel(ctx), log, &run, started)
	return o.result(run, chunks), nil
}

func (o *Orchestrator) loadReference(ctx context.Context) (*conflict.ReferenceData, error) {
	ref, err := o.DB.LoadReference(ctx)
	if err != nil {
		return nil, fmt.Errorf("load reference data: %w", err)
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return ref, nil
}

// plan computes, persists and archives the chunk plan of a new run.
func (o *Orchestrator) plan(ctx context.Context, log *logger.Logger, run *Run) ([]Chunk, error) {
	p := Planner{Visits: o.DB, TargetRows: o.Config.TargetRows, MaxKeysPerChunk: o.Config.MaxKeysPerChunk}
	chunks, err := p.Plan(ctx, run.ID, run.Window, run.Since)
	if err != nil {
		return nil, err
	}
	err = o.DB.WithTx(ctx, func(tx Tx) error {
		if err := tx.SavePlan(ctx, run.ID, chunks); err != nil {
			return err
		}
		run.Planned = true
		run.UpdatedAt = o.Now()
		return tx.SaveRun(ctx, *run)
	})
	if err != nil {
		run.Planned = false
		return nil, fmt.Errorf("save plan: %w", err)
	}

	rows := 0
	for _, c := range chunks {
		rows += c.EstimatedRows
	}
	log.Info("run planned", "window", run.Window.String(), "chunks", len(chunks), "estimated_rows", rows)

	if o.Archive != nil {
		body, err := encodePlan(*run, chunks, o.Now())
		if err == nil {
			err = o.Archive.Put(ctx, PlanKey(run.ID), body)
		}
		if err != nil {
			log.Warn("archive plan", "error", err)
		}
	}
	return chunks, nil
}

// Plan computes the plan a new run would use without persisting anything.
func (o *Orchestrator) Plan(ctx context.Context, req RunRequest) (Run, []Chunk, error) {
	req.RunID = ""
	run, _, err := o.openRun(ctx, req, o.Now())
	if err != nil {
		return Run{}, nil, err
	}
	p := Planner{Visits: o.DB, TargetRows: o.Config.TargetRows, MaxKeysPerChunk: o.Config.MaxKeysPerChunk}
	chunks, err := p.Plan(ctx, run.ID, run.Window, run.Since)
	return run, chunks, err
}

// =============================================================================
// PROCESSING
// =============================================================================

// process runs chunks on the worker pool. It returns the reason dispatch
// stopped early, or nil when every chunk was dispatched.
func (o *Orchestrator) process(ctx context.Context, log *logger.Logger, run Run, ref *conflict.ReferenceData, chunks []Chunk, lease *Lease) error {
	workers := o.Config.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		lost    error
		stopped error
	)
	g.SetLimit(workers)
	work := context.WithoutCancel(ctx)

	// halt returns the reason no further chunk may start, once there is one.
	halt := func() error {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case stopped != nil:
		case ctx.Err() != nil:
			stopped = ctx.Err()
		case lost != nil:
			stopped = lost
		}
		return stopped
	}

	for _, c := range chunks {
		if halt() != nil {
			break
		}
		// Go blocks while every worker is busy, so the chunk checks again
		// once it holds a slot.
		g.Go(func() error {
			if halt() != nil {
				return nil
			}
			o.runChunk(work, log, run, ref, c)

			mu.Lock()
			defer mu.Unlock()
			if lost == nil {
				if err := o.Leaser.Renew(work, lease, o.Config.LeaseTTL); err != nil {
					log.Warn("renew run lease", "error", err)
					if errors.Is(err, conflict.ErrLeaseHeld) {
						lost = err
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if stopped != nil {
		log.Warn("dispatch stopped", "reason", stopped)
	}
	return stopped
}

// runChunk processes one chunk with retries and records a failure.
func (o *Orchestrator) runChunk(ctx context.Context, log *logger.Logger, run Run, ref *conflict.ReferenceData, c Chunk) {
	ctx, span := o.tracer.Start(ctx, "reconcile.chunk", trace.WithAttributes(
		attribute.String("run_id", run.ID),
		attribute.Int("chunk_id", c.ID),
		attribute.Int("keys", len(c.Keys)),
	))
	defer span.End()

	log = log.With("chunk_id", c.ID)
	prior := c.Attempts

	counts, attempts, err := retry(ctx, o.Config.Retry, func(attempt int) (conflict.Counts, error) {
		return o.processChunk(ctx, run, ref, c, prior+attempt)
	}, func(attempt int, err error, wait time.Duration) {
		o.Metrics.ChunkRetry()
		log.Warn("chunk attempt failed, retrying", "attempt", prior+attempt, "wait", wait, "error", err)
	})

	if err == nil {
		o.Metrics.ChunkCompleted(counts)
		log.Debug("chunk completed", "attempts", prior+attempts,
			"inserted", counts.Inserted, "updated", counts.Updated, "unchanged", counts.Unchanged)
		return
	}

	o.Metrics.ChunkFailed()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Error("chunk failed", "attempts", prior+attempts, "error", err)

	c.Status = ChunkFailed
	c.Attempts = prior + attempts
	c.Error = err.Error()
	if serr := o.DB.SaveChunk(ctx, c); serr != nil {
		log.Error("record chunk failure", "error", serr)
	}
}

// processChunk is one attempt at one chunk, inside one transaction.
func (o *Orchestrator) processChunk(ctx context.Context, run Run, ref *conflict.ReferenceData, c Chunk, attempt int) (conflict.Counts, error) {
	var counts conflict.Counts
	now := o.Now()
	merger := conflict.NewMerger(o.Config.Merge)
	merger.Now = func() time.Time { return now }

	err := o.DB.WithTx(ctx, func(tx Tx) error {
		population, err := tx.VisitsByKeys(ctx, c.Keys)
		if err != nil {
			return fmt.Errorf("load visits: %w", err)
		}
		changed := changedVisits(run, population)

		detections, jr := conflict.Detect(conflict.JoinInput{
			Changed:    changed,
			Population: population,
			Mode:       run.Join,
			Keys:       c.Keys,
		}, ref)
		for _, skipped := range jr.Skipped {
			o.Log.Warn("visit skipped", "run_id", run.ID, "chunk_id", c.ID, "error", skipped)
		}
		skipped := len(jr.Skipped)

		if o.Config.InService {
			events, err := tx.InServiceByKeys(ctx, c.Keys)
			if err != nil {
				return fmt.Errorf("load in-service events: %w", err)
			}
			found, bad := conflict.DetectInService(population, events, ref)
			for _, e := range bad {
				o.Log.Warn("in-service event skipped", "run_id", run.ID, "chunk_id", c.ID, "error", e)
			}
			detections = append(detections, found...)
			skipped += len(bad)
		}

		records, err := tx.RecordsByKeys(ctx, c.Keys)
		if err != nil {
			return fmt.Errorf("load records: %w", err)
		}
		persisted := make(map[conflict.PairID]conflict.Record, len(records))
		for _, r := range records {
			persisted[r.PairID] = r
		}

		plan := merger.Merge(detections, persisted)
		for _, e := range plan.Errors {
			o.Log.Warn("record not merged", "run_id", run.ID, "chunk_id", c.ID, "error", e)
		}
		writes := plan.Writes()
		if len(writes) > 0 {
			if err := tx.SaveRecords(ctx, writes); err != nil {
				return fmt.Errorf("save records: %w", err)
			}
		}

		groups := make([]conflict.ConflictID, 0, len(writes))
		for _, op := range plan.Ops {
			if op.Action == conflict.ActionInsert || op.Action == conflict.ActionUpdate {
				groups = append(groups, op.Record.ConflictID)
			}
		}
		if err := conflict.RefreshGroups(ctx, tx, groups, now); err != nil {
			return fmt.Errorf("refresh groups: %w", err)
		}

		detected := make(map[conflict.PairID]struct{}, len(detections))
		for _, d := range detections {
			detected[d.Pair.ID()] = struct{}{}
		}
		cands := conflict.FindStale(persisted, jr, detected)
		if err := tx.SaveStaleCandidates(ctx, run.ID, c.ID, cands); err != nil {
			return fmt.Errorf("save stale scope: %w", err)
		}

		counts = plan.Counts
		counts.Skipped = skipped

		done := c
		done.Status = ChunkCompleted
		done.Attempts = attempt
		done.Counts = counts
		done.Error = ""
		done.CompletedAt = &now
		return tx.SaveChunk(ctx, done)
	})
	return counts, err
}

// changedVisits selects V1: every visit in a full run, otherwise the visits
// updated since the run's lookback.
func changedVisits(run Run, population []conflict.Visit) []conflict.Visit {
	if run.Mode == RunFull || run.Since == nil {
		return population
	}
	var out []conflict.Visit
	for _, v := range population {
		if !v.UpdatedAt.Before(*run.Since) {
			out = append(out, v)
		}
	}
	return out
}

// =============================================================================
// FINALIZING
// =============================================================================

// finalize applies the stale policy to every chunk's stale scope and adds
// what it cleaned to that chunk's counts. A record written after its chunk
// completed is left alone.
func (o *Orchestrator) finalize(ctx context.Context, log *logger.Logger, run Run, chunks []Chunk) (conflict.Counts, error) {
	var total conflict.Counts
	now := o.Now()
	cleaner := conflict.NewStaleCleaner(o.Config.StalePolicy)
	cleaner.Now = func() time.Time { return now }

	for _, c := range chunks {
		cands, err := o.DB.StaleCandidates(ctx, run.ID, c.ID)
		if err != nil {
			return total, fmt.Errorf("load stale scope of chunk %d: %w", c.ID, err)
		}
		if len(cands) == 0 {
			continue
		}

		var counts conflict.Counts
		err = o.DB.WithTx(ctx, func(tx Tx) error {
			counts = conflict.Counts{}
			var touched []conflict.ConflictID
			for _, cand := range cands {
				rec, err := tx.GetRecord(ctx, cand.PairID)
				var die *conflict.DataIntegrityError
				if errors.As(err, &die) {
					log.Warn("stale record not cleaned", "chunk_id", c.ID, "error", err)
					counts.Errored++
					continue
				}
				if err != nil {
					return err
				}
				if rec == nil || (c.CompletedAt != nil && rec.UpdatedAt.After(*c.CompletedAt)) {
					continue
				}

				action, out, err := cleaner.Clean(*rec, cand)
				if err != nil {
					log.Warn("stale record not cleaned", "chunk_id", c.ID, "error", err)
					counts.Errored++
					continue
				}
				switch action {
				case conflict.StaleUpdate:
					if err := tx.SaveRecords(ctx, []conflict.Record{out}); err != nil {
						return err
					}
				case conflict.StaleRemove:
					if err := tx.DeleteRecord(ctx, cand.PairID); err != nil {
						return err
					}
				default:
					continue
				}
				counts.Cleaned++
				touched = append(touched, rec.ConflictID)
			}
			if err := conflict.RefreshGroups(ctx, tx, touched, now); err != nil {
				return err
			}
			done := c
			done.Counts.Add(counts)
			return tx.SaveChunk(ctx, done)
		})
		if err != nil {
			return total, fmt.Errorf("clean stale records of chunk %d: %w", c.ID, err)
		}
		o.Metrics.AddCounts(counts)
		total.Add(counts)
	}

	log.Info("stale records cleaned", "policy", string(cleaner.Policy), "cleaned", total.Cleaned)
	return total, nil
}

// =============================================================================
// RESULTS
// =============================================================================

// Result rebuilds the result of a stored run.
func (o *Orchestrator) Result(ctx context.Context, runID string) (*RunResult, error) {
	run, err := o.DB.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	chunks, err := o.DB.ListChunks(ctx, runID)
	if err != nil {
		return nil, err
	}
	return o.result(*run, chunks), nil
}

func (o *Orchestrator) result(run Run, chunks []Chunk) *RunResult {
	res := &RunResult{
		RunID:           run.ID,
		Status:          run.Status,
		State:           run.State,
		Mode:            run.Mode,
		Join:            run.Join,
		Chunks:          make([]ChunkResult, len(chunks)),
		Totals:          run.Totals,
		ResumableChunks: []int{},
		Elapsed:         run.Elapsed,
		Error:           run.Error,
	}
	for i, c := range chunks {
		res.Chunks[i] = ChunkResult{
			ID:            c.ID,
			Keys:          len(c.Keys),
			EstimatedRows: c.EstimatedRows,
			Status:        c.Status,
			Attempts:      c.Attempts,
			Counts:        c.Counts,
			Error:         c.Error,
		}
	}
	if run.State != StateDone {
		for _, c := range pendingChunks(chunks) {
			res.ResumableChunks = append(res.ResumableChunks, c.ID)
		}
	}
	return res
}

func (o *Orchestrator) fail(ctx context.Context, log *logger.Logger, run Run, started time.Time, cause error) (*RunResult, error) {
	run.State = StateFailed
	run.Status = StatusFailed
	run.Error = cause.Error()
	log.Error("run failed", "error", cause)
	o.finish(context.WithoutCancel(ctx), log, &run, started)

	chunks, err := o.DB.ListChunks(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		chunks = nil
	}
	return o.result(run, chunks), cause
}

func (o *Orchestrator) finish(ctx context.Context, log *logger.Logger, run *Run, started time.Time) {
	now := o.Now()
	run.Elapsed = now.Sub(started)
	run.FinishedAt = &now
	if err := o.saveRun(ctx, run); err != nil {
		log.Error("save run", "error", err)
	}
	log.Info("run finished", "state", run.State, "status", run.Status, "elapsed", run.Elapsed,
		"inserted", run.Totals.Inserted, "updated", run.Totals.Updated,
		"unchanged", run.Totals.Unchanged, "cleaned", run.Totals.Cleaned)
}

func (o *Orchestrator) saveRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = o.Now()
	return o.DB.SaveRun(ctx, *run)
}

func pendingChunks(chunks []Chunk) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if c.Status != ChunkCompleted {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func completedCount(chunks []Chunk) int {
	n := 0
	for _, c := range chunks {
		if c.Status == ChunkCompleted {
			n++
		}
	}
	return n
}

func totals(chunks []Chunk) conflict.Counts {
	var t conflict.Counts
	for _, c := range chunks {
		t.Add(c.Counts)
	}
	return t
}
