package sqlstore

import (
	"context"
	"time"

	"github.com/warp/conflict-engine/conflict"
)

// =============================================================================
// IN-SERVICE EVENTS
// =============================================================================

const inServiceColumns = `event_id, ssn, provider_id, agency_id, start_at, end_at, deleted, updated_at`

// InServiceByKeys returns every event touching keys, deleted ones included.
// A row that does not decode is skipped as a malformed event would be.
func (c *conn) InServiceByKeys(ctx context.Context, keys []conflict.Key) ([]conflict.InServiceEvent, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	minDate, maxDate := keys[0].Date, keys[0].Date
	ssns := make(map[string]struct{})
	for _, k := range keys {
		if k.Date.Before(minDate) {
			minDate = k.Date
		}
		if k.Date.After(maxDate) {
			maxDate = k.Date
		}
		ssns[k.SSN] = struct{}{}
	}
	args := []any{maxDate.String(), minDate.String()}
	for s := range ssns {
		args = append(args, s)
	}

	rows, err := c.query(ctx, "SELECT "+inServiceColumns+` FROM in_service_events
		WHERE first_date <= ? AND last_date >= ? AND ssn IN (`+placeholders(len(ssns))+`)
		ORDER BY event_id`, args...)
	if err != nil {
		return nil, wrap("load in-service events", err)
	}
	defer rows.Close()

	want := keySet(keys)
	var out []conflict.InServiceEvent
	for rows.Next() {
		var (
			e                   conflict.InServiceEvent
			start, end, updated string
			deleted             int
		)
		if err := rows.Scan(&e.EventID, &e.SSN, &e.ProviderID, &e.AgencyID, &start, &end, &deleted, &updated); err != nil {
			return nil, wrap("scan in-service event", err)
		}
		var perr error
		if e.Window.Start, perr = conflict.ParseTimestamp(start); perr != nil {
			continue
		}
		if e.Window.End, perr = conflict.ParseTimestamp(end); perr != nil {
			continue
		}
		e.UpdatedAt, _ = conflict.ParseTimestamp(updated)
		e.Deleted = deleted != 0
		for _, k := range e.Keys() {
			if _, ok := want[k.String()]; ok {
				out = append(out, e)
				break
			}
		}
	}
	return out, wrap("load in-service events", rows.Err())
}

// SaveInServiceEvents upserts events by event_id.
func (c *conn) SaveInServiceEvents(ctx context.Context, events []conflict.InServiceEvent) error {
	return c.atomic(ctx, func(c *conn) error {
		for _, e := range events {
			if err := e.Validate(); err != nil {
				return err
			}
			dates := e.Dates()
			_, err := c.exec(ctx, `
				INSERT INTO in_service_events (`+inServiceColumns+`, first_date, last_date)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(event_id) DO UPDATE SET
					ssn = excluded.ssn,
					provider_id = excluded.provider_id,
					agency_id = excluded.agency_id,
					start_at = excluded.start_at,
					end_at = excluded.end_at,
					deleted = excluded.deleted,
					updated_at = excluded.updated_at,
					first_date = excluded.first_date,
					last_date = excluded.last_date
			`,
				e.EventID, e.SSN, e.ProviderID, e.AgencyID,
				conflict.FormatTimestamp(e.Window.Start), conflict.FormatTimestamp(e.Window.End),
				boolInt(e.Deleted), conflict.FormatTimestamp(e.UpdatedAt),
				dates[0].String(), dates[len(dates)-1].String(),
			)
			if err != nil {
				return wrap("save in-service event "+e.EventID, err)
			}
		}
		return nil
	})
}

// inServiceKeysTouched marks the visit keys touched by an event updated
// since. Keys with no visit are left out.
func (c *conn) inServiceKeysTouched(ctx context.Context, window conflict.DateRange, since time.Time,
	counts map[string]conflict.KeyCount, touched map[string]bool) error {
	rows, err := c.query(ctx, `
		SELECT event_id, ssn, start_at, end_at
		FROM in_service_events
		WHERE updated_at >= ? AND first_date <= ? AND last_date >= ?
	`, conflict.FormatTimestamp(since), window.End.String(), window.Start.String())
	if err != nil {
		return wrap("find touched in-service keys", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e          conflict.InServiceEvent
			start, end string
		)
		if err := rows.Scan(&e.EventID, &e.SSN, &start, &end); err != nil {
			return wrap("scan in-service key", err)
		}
		var perr error
		if e.Window.Start, perr = conflict.ParseTimestamp(start); perr != nil {
			continue
		}
		if e.Window.End, perr = conflict.ParseTimestamp(end); perr != nil {
			continue
		}
		for _, k := range e.Keys() {
			if _, ok := counts[k.String()]; ok {
				touched[k.String()] = true
			}
		}
	}
	return wrap("find touched in-service keys", rows.Err())
}
