/*
store.go - Run, chunk and lease persistence for the chunk orchestrator

PURPOSE:
  A run is resumable only if its plan and per-chunk progress survive a
  process restart. This file defines what the orchestrator persists and the
  transactional surface it needs so that a chunk's merge, its stale scope and
  its completion mark commit together.

KEY INTERFACES:
  RunStore: Runs, chunk plans, chunk progress, stale candidates
  Tx:       conflict.Store + RunStore, valid inside one transaction
  DB:       Tx + WithTx
  Leaser:   The run lease (owner, run id, expiry)

SEE ALSO:
  - conflict/store.go: Visit, record and reference persistence
  - store/sqlstore: SQL implementation
  - conflict/store: In-memory implementation
*/
package orchestrator

import (
	"context"
	"time"

	"github.com/warp/conflict-engine/conflict"
)

// =============================================================================
// RUN MODEL
// =============================================================================

// RunMode selects which visits count as changed.
type RunMode string

const (
	// RunIncremental treats visits updated since the lookback as changed.
	RunIncremental RunMode = "incremental"
	// RunFull treats every visit in the planning window as changed.
	RunFull RunMode = "full"
)

// RunState is the orchestrator state machine position.
type RunState string

const (
	StatePlanning   RunState = "PLANNING"
	StateProcessing RunState = "PROCESSING"
	StateFinalizing RunState = "FINALIZING"
	StateDone       RunState = "DONE"
	StateFailed     RunState = "FAILED"
	StateResuming   RunState = "RESUMING"
)

// Terminal reports whether no further transition is expected without a resume.
func (s RunState) Terminal() bool { return s == StateDone || s == StateFailed }

// RunStatus is the user-visible outcome of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusPartial   RunStatus = "partial"
	StatusFailed    RunStatus = "failed"
)

// Run is the persisted header of one reconciliation run.
type Run struct {
	ID            string
	Mode          RunMode
	Join          conflict.JoinMode
	LookbackHours *int
	Window        conflict.DateRange
	Since         *time.Time
	State         RunState
	Status        RunStatus
	// Planned is set in the transaction that stores the chunk plan. Only a
	// planned run resumes; an unplanned one is planned again.
	Planned       bool
	Owner         string
	Totals        conflict.Counts
	Error         string
	Elapsed       time.Duration
	StartedAt     time.Time
	UpdatedAt     time.Time
	FinishedAt    *time.Time
}

// ChunkStatus tracks one chunk through processing.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// Chunk is a bounded, disjoint set of keys processed in one transaction.
type Chunk struct {
	RunID         string
	ID            int
	Keys          []conflict.Key
	EstimatedRows int
	Status        ChunkStatus
	Attempts      int
	Counts        conflict.Counts
	Error         string
	CompletedAt   *time.Time
}

// =============================================================================
// PERSISTENCE INTERFACES
// =============================================================================

// RunStore persists runs and their chunk plans.
type RunStore interface {
	// SaveRun upserts a run header.
	SaveRun(ctx context.Context, run Run) error

	// GetRun returns conflict.ErrRunNotFound for unknown ids.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// SavePlan stores the chunk plan of a run. Called once per run.
	SavePlan(ctx context.Context, runID string, chunks []Chunk) error

	// ListChunks returns the plan ordered by chunk id.
	ListChunks(ctx context.Context, runID string) ([]Chunk, error)

	// SaveChunk updates one chunk's progress.
	SaveChunk(ctx context.Context, chunk Chunk) error

	// SaveStaleCandidates replaces the stale scope of one chunk.
	SaveStaleCandidates(ctx context.Context, runID string, chunkID int, cands []conflict.StaleCandidate) error

	// StaleCandidates returns the stale scope of one chunk.
	StaleCandidates(ctx context.Context, runID string, chunkID int) ([]conflict.StaleCandidate, error)
}

// Tx is everything a chunk reads and writes inside its transaction.
type Tx interface {
	conflict.Store
	RunStore
}

// DB is a Tx that can open transactions.
type DB interface {
	Tx

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// =============================================================================
// LEASE
// =============================================================================

// LeaseName is the single lease guarding reconciliation runs.
const LeaseName = "conflict-reconciliation"

// Lease is a held run lease.
type Lease struct {
	Name      string
	Owner     string
	RunID     string
	ExpiresAt time.Time
}

// Leaser grants exclusive run leases. Acquire returns a *conflict.LeaseHeldError
// when another owner holds an unexpired lease.
type Leaser interface {
	Acquire(ctx context.Context, name, owner, runID string, ttl time.Duration) (*Lease, error)
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	Release(ctx context.Context, lease *Lease) error
}
