// Package metrics keeps process-wide reconciliation counters.
package metrics

import (
	"sync/atomic"

	"github.com/warp/conflict-engine/conflict"
)

// Registry holds monotonic counters. The zero value is ready to use.
type Registry struct {
	runsStarted   atomic.Int64
	runsCompleted atomic.Int64
	runsPartial   atomic.Int64
	runsFailed    atomic.Int64

	chunksCompleted atomic.Int64
	chunksFailed    atomic.Int64
	chunkRetries    atomic.Int64

	inserted  atomic.Int64
	updated   atomic.Int64
	unchanged atomic.Int64
	cleaned   atomic.Int64
	errored   atomic.Int64
	skipped   atomic.Int64
}

func New() *Registry { return &Registry{} }

// Snapshot is the JSON view of a Registry.
type Snapshot struct {
	RunsStarted     int64 `json:"runs_started"`
	RunsCompleted   int64 `json:"runs_completed"`
	RunsPartial     int64 `json:"runs_partial"`
	RunsFailed      int64 `json:"runs_failed"`
	ChunksCompleted int64 `json:"chunks_completed"`
	ChunksFailed    int64 `json:"chunks_failed"`
	ChunkRetries    int64 `json:"chunk_retries"`
	Inserted        int64 `json:"inserted"`
	Updated         int64 `json:"updated"`
	Unchanged       int64 `json:"unchanged"`
	Cleaned         int64 `json:"cleaned"`
	Errored         int64 `json:"errored"`
	Skipped         int64 `json:"skipped"`
}

func (r *Registry) RunStarted() { r.runsStarted.Add(1) }

// RunFinished counts a run by its final status.
func (r *Registry) RunFinished(status string) {
	switch status {
	case "completed":
		r.runsCompleted.Add(1)
	case "partial":
		r.runsPartial.Add(1)
	default:
		r.runsFailed.Add(1)
	}
}

func (r *Registry) ChunkCompleted(c conflict.Counts) {
	r.chunksCompleted.Add(1)
	r.AddCounts(c)
}

func (r *Registry) ChunkFailed() { r.chunksFailed.Add(1) }
func (r *Registry) ChunkRetry()  { r.chunkRetries.Add(1) }

func (r *Registry) AddCounts(c conflict.Counts) {
	r.inserted.Add(int64(c.Inserted))
	r.updated.Add(int64(c.Updated))
	r.unchanged.Add(int64(c.Unchanged))
	r.cleaned.Add(int64(c.Cleaned))
	r.errored.Add(int64(c.Errored))
	r.skipped.Add(int64(c.Skipped))
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		RunsStarted:     r.runsStarted.Load(),
		RunsCompleted:   r.runsCompleted.Load(),
		RunsPartial:     r.runsPartial.Load(),
		RunsFailed:      r.runsFailed.Load(),
		ChunksCompleted: r.chunksCompleted.Load(),
		ChunksFailed:    r.chunksFailed.Load(),
		ChunkRetries:    r.chunkRetries.Load(),
		Inserted:        r.inserted.Load(),
		Updated:         r.updated.Load(),
		Unchanged:       r.unchanged.Load(),
		Cleaned:         r.cleaned.Load(),
		Errored:         r.errored.Load(),
		Skipped:         r.skipped.Load(),
	}
}
