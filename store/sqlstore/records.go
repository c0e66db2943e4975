package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/warp/conflict-engine/conflict"
)

// =============================================================================
// RECORD STORE
// =============================================================================

var (
	recordSelect = "SELECT " + strings.Join(conflict.ColumnNames(), ", ") + " FROM conflict_records"
	recordUpsert = buildRecordUpsert()
)

func buildRecordUpsert() string {
	names := conflict.ColumnNames()
	sets := make([]string, 0, len(names))
	for _, n := range names {
		if n == "visit_id" || n == "con_visit_id" {
			continue
		}
		sets = append(sets, n+" = excluded."+n)
	}
	return "INSERT INTO conflict_records (" + strings.Join(names, ", ") + ") VALUES (" +
		placeholders(len(names)) + ") ON CONFLICT(visit_id, con_visit_id) DO UPDATE SET " +
		strings.Join(sets, ", ")
}

func (c *conn) RecordsByKeys(ctx context.Context, keys []conflict.Key) ([]conflict.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	clause, args, exact := keyFilter(keys)
	out, err := c.selectRecords(ctx, "load records", true, recordSelect+" WHERE "+clause+" ORDER BY visit_id, con_visit_id", args...)
	if err != nil || exact {
		return out, err
	}
	want := keySet(keys)
	kept := out[:0]
	for _, r := range out {
		if _, ok := want[r.Key.String()]; ok {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (c *conn) GetRecord(ctx context.Context, id conflict.PairID) (*conflict.Record, error) {
	out, err := c.selectRecords(ctx, "get record", false,
		recordSelect+" WHERE visit_id = ? AND con_visit_id = ?", string(id.VisitID), string(id.ConVisitID))
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

func (c *conn) RecordsByConflict(ctx context.Context, id conflict.ConflictID) ([]conflict.Record, error) {
	return c.selectRecords(ctx, "load conflict", true,
		recordSelect+" WHERE conflict_id = ? ORDER BY visit_id, con_visit_id", string(id))
}

// ListRecords returns records matching filter, newest first.
func (c *conn) ListRecords(ctx context.Context, f conflict.RecordFilter) ([]conflict.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Date != nil {
		where = append(where, "visit_date = ?")
		args = append(args, f.Date.String())
	}
	if f.SSN != "" {
		where = append(where, "ssn = ?")
		args = append(args, f.SSN)
	}
	if f.Status != "" {
		where = append(where, "status_flag = ?")
		args = append(args, string(f.Status))
	}

	query := recordSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, visit_id, con_visit_id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	out, err := c.selectRecords(ctx, "list records", false, query, args...)
	if err != nil {
		return nil, err
	}
	// Ties on updated_at order by the pair's display form.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].PairID.String() < out[j].PairID.String()
	})
	return out, nil
}

// SaveRecords upserts records keyed by (visit_id, con_visit_id).
func (c *conn) SaveRecords(ctx context.Context, records []conflict.Record) error {
	if len(records) == 0 {
		return nil
	}
	return c.atomic(ctx, func(c *conn) error {
		for i := range records {
			if _, err := c.exec(ctx, recordUpsert, records[i].Values()...); err != nil {
				return wrap("save record "+records[i].PairID.String(), err)
			}
		}
		return nil
	})
}

func (c *conn) DeleteRecord(ctx context.Context, id conflict.PairID) error {
	_, err := c.exec(ctx, "DELETE FROM conflict_records WHERE visit_id = ? AND con_visit_id = ?",
		string(id.VisitID), string(id.ConVisitID))
	return wrap("delete record "+id.String(), err)
}

// selectRecords runs a record query. With keepMalformed, a row that does not
// decode is returned with Malformed set instead of failing the query.
func (c *conn) selectRecords(ctx context.Context, op string, keepMalformed bool, query string, args ...any) ([]conflict.Record, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []conflict.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		var die *conflict.DataIntegrityError
		switch {
		case errors.As(err, &die) && keepMalformed:
			r.Malformed = die
		case err != nil:
			return nil, err
		}
		out = append(out, r)
	}
	return out, wrap(op, rows.Err())
}

func scanRecord(rows *sql.Rows) (conflict.Record, error) {
	var r conflict.Record
	raw := make([]sql.NullString, len(conflict.RecordColumns))
	dest := make([]any, len(raw))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return r, wrap("scan record", err)
	}
	// Every column is decoded so a malformed record still carries its pair
	// and key; the first failure is reported.
	var bad error
	for i, col := range conflict.RecordColumns {
		if err := col.Set(&r, raw[i].String, raw[i].Valid); err != nil && bad == nil {
			bad = &conflict.DataIntegrityError{
				VisitID: conflict.VisitID(raw[0].String),
				Field:   col.Name,
				Reason:  err.Error(),
			}
		}
	}
	return r, bad
}

// =============================================================================
// GROUPS
// =============================================================================

func (c *conn) GetGroup(ctx context.Context, id conflict.ConflictID) (*conflict.Group, error) {
	var (
		g               conflict.Group
		date, updatedAt string
		status          string
	)
	err := c.queryRow(ctx, `
		SELECT conflict_id, visit_date, ssn, status_flag, children, updated_at
		FROM conflict_groups WHERE conflict_id = ?
	`, string(id)).Scan((*string)(&g.ConflictID), &date, &g.Key.SSN, &status, &g.Children, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get group", err)
	}
	g.Status = conflict.Status(status)
	if g.Key.Date, err = conflict.ParseDate(date); err != nil {
		return nil, err
	}
	if g.UpdatedAt, err = conflict.ParseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *conn) SaveGroup(ctx context.Context, g conflict.Group) error {
	_, err := c.exec(ctx, `
		INSERT INTO conflict_groups (conflict_id, visit_date, ssn, status_flag, children, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conflict_id) DO UPDATE SET
			visit_date = excluded.visit_date,
			ssn = excluded.ssn,
			status_flag = excluded.status_flag,
			children = excluded.children,
			updated_at = excluded.updated_at
	`, string(g.ConflictID), g.Key.Date.String(), g.Key.SSN, string(g.Status), g.Children,
		conflict.FormatTimestamp(g.UpdatedAt))
	return wrap("save group", err)
}

func (c *conn) DeleteGroup(ctx context.Context, id conflict.ConflictID) error {
	_, err := c.exec(ctx, "DELETE FROM conflict_groups WHERE conflict_id = ?", string(id))
	return wrap("delete group", err)
}
