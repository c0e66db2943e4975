package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/conflict-engine/conflict"
)

// =============================================================================
// PLANNER - Greedy packing of (VisitDate, SSN) keys into bounded chunks
// =============================================================================

// Planner turns the keys in a planning window into a chunk plan.
type Planner struct {
	Visits          conflict.VisitStore
	TargetRows      int
	MaxKeysPerChunk int
}

// Plan estimates rows per key and packs the keys into chunks. since restricts
// the plan to keys with a visit updated at or after it.
func (p Planner) Plan(ctx context.Context, runID string, window conflict.DateRange, since *time.Time) ([]Chunk, error) {
	if !window.Valid() {
		return nil, &conflict.ConfigurationError{Setting: "planning window", Reason: fmt.Sprintf("invalid range %s", window)}
	}
	counts, err := p.Visits.KeyCounts(ctx, window, since)
	if err != nil {
		return nil, fmt.Errorf("estimate key sizes: %w", err)
	}

	groups := Pack(counts, p.TargetRows, p.MaxKeysPerChunk)
	chunks := make([]Chunk, len(groups))
	for i, g := range groups {
		c := Chunk{RunID: runID, ID: i + 1, Status: ChunkPending}
		for _, kc := range g {
			c.Keys = append(c.Keys, kc.Key)
			c.EstimatedRows += kc.Rows
		}
		chunks[i] = c
	}
	return chunks, nil
}

// Pack groups keys in order. A chunk closes when the next key would push it
// past targetRows or when it holds maxKeys keys. A single key larger than
// targetRows gets a chunk of its own. Non-positive bounds are ignored.
func Pack(counts []conflict.KeyCount, targetRows, maxKeys int) [][]conflict.KeyCount {
	var (
		out     [][]conflict.KeyCount
		current []conflict.KeyCount
		rows    int
	)
	for _, kc := range counts {
		full := maxKeys > 0 && len(current) >= maxKeys
		over := targetRows > 0 && rows+kc.Rows > targetRows
		if len(current) > 0 && (full || over) {
			out = append(out, current)
			current, rows = nil, 0
		}
		current = append(current, kc)
		rows += kc.Rows
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

// =============================================================================
// PLAN ARCHIVE
// =============================================================================

// Archive stores plan documents outside the database.
type Archive interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// PlanKey is the archive key of a run's plan.
func PlanKey(runID string) string { return "plans/" + runID + ".json" }

// PlanDocument is the archived form of a plan.
type PlanDocument struct {
	RunID     string              `json:"run_id"`
	Mode      RunMode             `json:"mode"`
	Join      conflict.JoinMode   `json:"join"`
	Window    [2]string           `json:"window"`
	Since     *time.Time          `json:"since,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	Chunks    []PlanDocumentChunk `json:"chunks"`
}

type PlanDocumentChunk struct {
	ID            int      `json:"id"`
	Keys          []string `json:"keys"`
	EstimatedRows int      `json:"estimated_rows"`
}

// NewPlanDocument renders a plan for archiving or display.
func NewPlanDocument(run Run, chunks []Chunk, now time.Time) PlanDocument {
	doc := PlanDocument{
		RunID:     run.ID,
		Mode:      run.Mode,
		Join:      run.Join,
		Window:    [2]string{run.Window.Start.String(), run.Window.End.String()},
		Since:     run.Since,
		CreatedAt: now,
		Chunks:    make([]PlanDocumentChunk, len(chunks)),
	}
	for i, c := range chunks {
		keys := make([]string, len(c.Keys))
		for j, k := range c.Keys {
			keys[j] = k.String()
		}
		doc.Chunks[i] = PlanDocumentChunk{ID: c.ID, Keys: keys, EstimatedRows: c.EstimatedRows}
	}
	return doc
}

func encodePlan(run Run, chunks []Chunk, now time.Time) ([]byte, error) {
	return json.MarshalIndent(NewPlanDocument(run, chunks, now), "", "  ")
}
