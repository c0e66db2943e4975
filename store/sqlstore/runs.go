package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/orchestrator"
)

// =============================================================================
// RUNS
// =============================================================================

const runColumns = `id, mode, join_mode, lookback_hours, window_start, window_end, since,
	state, status, owner, totals_json, error, elapsed_ns, started_at, updated_at, finished_at, planned`

// SaveRun upserts a run header. Chunks of an existing run are kept.
func (c *conn) SaveRun(ctx context.Context, run orchestrator.Run) error {
	totals, err := json.Marshal(run.Totals)
	if err != nil {
		return err
	}
	var lookback sql.NullInt64
	if run.LookbackHours != nil {
		lookback = sql.NullInt64{Int64: int64(*run.LookbackHours), Valid: true}
	}
	var start, end sql.NullString
	if !run.Window.Start.IsZero() {
		start = nullString(run.Window.Start.String())
		end = nullString(run.Window.End.String())
	}

	_, err = c.exec(ctx, `
		INSERT INTO reconciliation_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode = excluded.mode,
			join_mode = excluded.join_mode,
			lookback_hours = excluded.lookback_hours,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			since = excluded.since,
			state = excluded.state,
			status = excluded.status,
			owner = excluded.owner,
			totals_json = excluded.totals_json,
			error = excluded.error,
			elapsed_ns = excluded.elapsed_ns,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at,
			planned = excluded.planned
	`,
		run.ID, string(run.Mode), string(run.Join), lookback, start, end, nullTime(run.Since),
		string(run.State), string(run.Status), run.Owner, string(totals), run.Error,
		int64(run.Elapsed), conflict.FormatTimestamp(run.StartedAt), conflict.FormatTimestamp(run.UpdatedAt),
		nullTime(run.FinishedAt), boolInt(run.Planned),
	)
	return wrap("save run "+run.ID, err)
}

// GetRun returns conflict.ErrRunNotFound for unknown ids.
func (c *conn) GetRun(ctx context.Context, id string) (*orchestrator.Run, error) {
	runs, err := c.selectRuns(ctx, "SELECT "+runColumns+" FROM reconciliation_runs WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run %s: %w", id, conflict.ErrRunNotFound)
	}
	return &runs[0], nil
}

// ListRuns returns the most recent runs first.
func (c *conn) ListRuns(ctx context.Context, limit int) ([]orchestrator.Run, error) {
	query := "SELECT " + runColumns + " FROM reconciliation_runs ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return c.selectRuns(ctx, query)
}

func (c *conn) selectRuns(ctx context.Context, query string, args ...any) ([]orchestrator.Run, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, wrap("load runs", err)
	}
	defer rows.Close()

	var out []orchestrator.Run
	for rows.Next() {
		var (
			run                               orchestrator.Run
			mode, join, state, status, totals string
			lookback                          sql.NullInt64
			start, end, since, finished       sql.NullString
			elapsed                           int64
			startedAt, updatedAt              string
			planned                           int
		)
		if err := rows.Scan(&run.ID, &mode, &join, &lookback, &start, &end, &since,
			&state, &status, &run.Owner, &totals, &run.Error, &elapsed, &startedAt, &updatedAt, &finished, &planned); err != nil {
			return nil, wrap("scan run", err)
		}

		run.Mode = orchestrator.RunMode(mode)
		run.Join = conflict.JoinMode(join)
		run.State = orchestrator.RunState(state)
		run.Status = orchestrator.RunStatus(status)
		run.Elapsed = time.Duration(elapsed)
		run.Planned = planned != 0
		if lookback.Valid {
			h := int(lookback.Int64)
			run.LookbackHours = &h
		}
		if start.Valid && end.Valid {
			if run.Window.Start, err = conflict.ParseDate(start.String); err != nil {
				return nil, err
			}
			if run.Window.End, err = conflict.ParseDate(end.String); err != nil {
				return nil, err
			}
		}
		if err := json.Unmarshal([]byte(totals), &run.Totals); err != nil {
			return nil, fmt.Errorf("run %s totals: %w", run.ID, err)
		}
		if run.Since, err = parseNullTime(since); err != nil {
			return nil, err
		}
		if run.FinishedAt, err = parseNullTime(finished); err != nil {
			return nil, err
		}
		if run.StartedAt, err = conflict.ParseTimestamp(startedAt); err != nil {
			return nil, err
		}
		if run.UpdatedAt, err = conflict.ParseTimestamp(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, wrap("load runs", rows.Err())
}

// =============================================================================
// CHUNKS
// =============================================================================

type storedKey struct {
	Date string `json:"date"`
	SSN  string `json:"ssn"`
}

func encodeKeys(keys []conflict.Key) (string, error) {
	out := make([]storedKey, len(keys))
	for i, k := range keys {
		out[i] = storedKey{Date: k.Date.String(), SSN: k.SSN}
	}
	raw, err := json.Marshal(out)
	return string(raw), err
}

func decodeKeys(raw string) ([]conflict.Key, error) {
	var stored []storedKey
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, err
	}
	out := make([]conflict.Key, len(stored))
	for i, s := range stored {
		d, err := conflict.ParseDate(s.Date)
		if err != nil {
			return nil, err
		}
		out[i] = conflict.Key{Date: d, SSN: s.SSN}
	}
	return out, nil
}

// SavePlan stores the chunk plan of a run, replacing any previous plan.
func (c *conn) SavePlan(ctx context.Context, runID string, chunks []orchestrator.Chunk) error {
	return c.atomic(ctx, func(c *conn) error {
		if _, err := c.exec(ctx, "DELETE FROM stale_candidates WHERE run_id = ?", runID); err != nil {
			return wrap("clear plan", err)
		}
		if _, err := c.exec(ctx, "DELETE FROM run_chunks WHERE run_id = ?", runID); err != nil {
			return wrap("clear plan", err)
		}
		for _, ch := range chunks {
			ch.RunID = runID
			if err := c.SaveChunk(ctx, ch); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *conn) ListChunks(ctx context.Context, runID string) ([]orchestrator.Chunk, error) {
	rows, err := c.query(ctx, `
		SELECT run_id, chunk_id, keys_json, estimated_rows, status, attempts, counts_json, error, completed_at
		FROM run_chunks WHERE run_id = ? ORDER BY chunk_id
	`, runID)
	if err != nil {
		return nil, wrap("load chunks", err)
	}
	defer rows.Close()

	var out []orchestrator.Chunk
	for rows.Next() {
		var (
			ch                   orchestrator.Chunk
			keys, status, counts string
			completed            sql.NullString
		)
		if err := rows.Scan(&ch.RunID, &ch.ID, &keys, &ch.EstimatedRows, &status, &ch.Attempts,
			&counts, &ch.Error, &completed); err != nil {
			return nil, wrap("scan chunk", err)
		}
		ch.Status = orchestrator.ChunkStatus(status)
		if ch.Keys, err = decodeKeys(keys); err != nil {
			return nil, fmt.Errorf("chunk %s/%d keys: %w", runID, ch.ID, err)
		}
		if err := json.Unmarshal([]byte(counts), &ch.Counts); err != nil {
			return nil, fmt.Errorf("chunk %s/%d counts: %w", runID, ch.ID, err)
		}
		if ch.CompletedAt, err = parseNullTime(completed); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, wrap("load chunks", rows.Err())
}

// SaveChunk upserts one chunk's progress.
func (c *conn) SaveChunk(ctx context.Context, ch orchestrator.Chunk) error {
	keys, err := encodeKeys(ch.Keys)
	if err != nil {
		return err
	}
	counts, err := json.Marshal(ch.Counts)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `
		INSERT INTO run_chunks (run_id, chunk_id, keys_json, estimated_rows, status, attempts, counts_json, error, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, chunk_id) DO UPDATE SET
			keys_json = excluded.keys_json,
			estimated_rows = excluded.estimated_rows,
			status = excluded.status,
			attempts = excluded.attempts,
			counts_json = excluded.counts_json,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, ch.RunID, ch.ID, keys, ch.EstimatedRows, string(ch.Status), ch.Attempts, string(counts), ch.Error,
		nullTime(ch.CompletedAt))
	return wrap(fmt.Sprintf("save chunk %s/%d", ch.RunID, ch.ID), err)
}

// =============================================================================
// STALE CANDIDATES
// =============================================================================

// SaveStaleCandidates replaces the stale scope of one chunk.
func (c *conn) SaveStaleCandidates(ctx context.Context, runID string, chunkID int, cands []conflict.StaleCandidate) error {
	return c.atomic(ctx, func(c *conn) error {
		if _, err := c.exec(ctx, "DELETE FROM stale_candidates WHERE run_id = ? AND chunk_id = ?", runID, chunkID); err != nil {
			return wrap("clear stale scope", err)
		}
		for _, s := range cands {
			if _, err := c.exec(ctx, `
				INSERT INTO stale_candidates (run_id, chunk_id, visit_id, con_visit_id, visit_date, ssn, visit_deleted)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, runID, chunkID, string(s.VisitID), string(s.ConVisitID), s.Key.Date.String(), s.Key.SSN,
				boolInt(s.VisitDeleted)); err != nil {
				return wrap("save stale candidate "+s.PairID.String(), err)
			}
		}
		return nil
	})
}

func (c *conn) StaleCandidates(ctx context.Context, runID string, chunkID int) ([]conflict.StaleCandidate, error) {
	rows, err := c.query(ctx, `
		SELECT visit_id, con_visit_id, visit_date, ssn, visit_deleted
		FROM stale_candidates WHERE run_id = ? AND chunk_id = ?
		ORDER BY visit_id, con_visit_id
	`, runID, chunkID)
	if err != nil {
		return nil, wrap("load stale scope", err)
	}
	defer rows.Close()

	var out []conflict.StaleCandidate
	for rows.Next() {
		var (
			s          conflict.StaleCandidate
			visit, con string
			date       string
			deleted    int
		)
		if err := rows.Scan(&visit, &con, &date, &s.Key.SSN, &deleted); err != nil {
			return nil, wrap("scan stale candidate", err)
		}
		s.PairID = conflict.PairID{VisitID: conflict.VisitID(visit), ConVisitID: conflict.VisitID(con)}
		if s.Key.Date, err = conflict.ParseDate(date); err != nil {
			return nil, err
		}
		s.VisitDeleted = deleted != 0
		out = append(out, s)
	}
	return out, wrap("load stale scope", rows.Err())
}

// =============================================================================
// LEASE
// =============================================================================

// Acquire takes the run lease when it is free, expired, or already held by the
// same owner for the same run.
func (s *Store) Acquire(ctx context.Context, name, owner, runID string, ttl time.Duration) (*orchestrator.Lease, error) {
	now := time.Now()
	expires := now.Add(ttl)
	res, err := s.exec(ctx, `
		INSERT INTO run_leases (name, owner, run_id, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			run_id = excluded.run_id,
			expires_at = excluded.expires_at
		WHERE (run_leases.owner = excluded.owner AND run_leases.run_id = excluded.run_id)
			OR run_leases.expires_at < ?
	`, name, owner, runID, conflict.FormatTimestamp(expires), conflict.FormatTimestamp(now))
	if err != nil {
		return nil, wrap("acquire lease", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, wrap("acquire lease", err)
	} else if n == 0 {
		return nil, s.held(ctx, name)
	}
	return &orchestrator.Lease{Name: name, Owner: owner, RunID: runID, ExpiresAt: expires}, nil
}

// Renew extends a lease the caller still owns.
func (s *Store) Renew(ctx context.Context, lease *orchestrator.Lease, ttl time.Duration) error {
	expires := time.Now().Add(ttl)
	res, err := s.exec(ctx, "UPDATE run_leases SET expires_at = ? WHERE name = ? AND owner = ? AND run_id = ?",
		conflict.FormatTimestamp(expires), lease.Name, lease.Owner, lease.RunID)
	if err != nil {
		return wrap("renew lease", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return wrap("renew lease", err)
	} else if n == 0 {
		return s.held(ctx, lease.Name)
	}
	lease.ExpiresAt = expires
	return nil
}

// Release drops a lease the caller still owns.
func (s *Store) Release(ctx context.Context, lease *orchestrator.Lease) error {
	_, err := s.exec(ctx, "DELETE FROM run_leases WHERE name = ? AND owner = ? AND run_id = ?",
		lease.Name, lease.Owner, lease.RunID)
	return wrap("release lease", err)
}

func (s *Store) held(ctx context.Context, name string) error {
	lh := &conflict.LeaseHeldError{Name: name}
	var expires string
	err := s.queryRow(ctx, "SELECT owner, run_id, expires_at FROM run_leases WHERE name = ?", name).
		Scan(&lh.Owner, &lh.RunID, &expires)
	if err != nil && err != sql.ErrNoRows {
		return wrap("read lease", err)
	}
	if expires != "" {
		lh.ExpiresAt, _ = conflict.ParseTimestamp(expires)
	}
	return lh
}
