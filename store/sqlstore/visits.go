package sqlstore

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/warp/conflict-engine/conflict"
)

// tupleFilterLimit is the largest chunk selected by an exact key list.
const tupleFilterLimit = 100

// =============================================================================
// KEY FILTER
// =============================================================================

// keyFilter builds the WHERE clause selecting rows on keys. exact is false
// when the clause over-selects and rows must be re-filtered with keySet.
func keyFilter(keys []conflict.Key) (clause string, args []any, exact bool) {
	if len(keys) <= tupleFilterLimit {
		tuples := make([]string, len(keys))
		for i, k := range keys {
			tuples[i] = "(?, ?)"
			args = append(args, k.Date.String(), k.SSN)
		}
		return "(visit_date, ssn) IN (" + strings.Join(tuples, ", ") + ")", args, true
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
	sorted := make([]string, 0, len(ssns))
	for s := range ssns {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)

	args = append(args, minDate.String(), maxDate.String())
	for _, s := range sorted {
		args = append(args, s)
	}
	return "visit_date BETWEEN ? AND ? AND ssn IN (" + placeholders(len(sorted)) + ")", args, false
}

func keySet(keys []conflict.Key) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k.String()] = struct{}{}
	}
	return out
}

// =============================================================================
// VISIT STORE
// =============================================================================

const visitColumns = `visit_id, ssn, provider_id, agency_id, visit_date,
	sch_start, sch_end, visit_start, visit_end, lat, lon, zip_code, deleted, updated_at`

// KeyCounts returns the keys in window with their row counts. With since set,
// only keys with a visit updated at or after since are returned, plus the keys
// of live records touching such a visit, so a pair whose visit moved away is
// revisited on its old key, and the visit keys of events updated since.
func (c *conn) KeyCounts(ctx context.Context, window conflict.DateRange, since *time.Time) ([]conflict.KeyCount, error) {
	rows, err := c.query(ctx, `
		SELECT visit_date, ssn, COUNT(*), MAX(updated_at)
		FROM visits
		WHERE visit_date BETWEEN ? AND ?
		GROUP BY visit_date, ssn
	`, window.Start.String(), window.End.String())
	if err != nil {
		return nil, wrap("count visits", err)
	}
	defer rows.Close()

	counts := make(map[string]conflict.KeyCount)
	touched := make(map[string]bool)
	for rows.Next() {
		var (
			date, ssn, latest string
			n                 int
		)
		if err := rows.Scan(&date, &ssn, &n, &latest); err != nil {
			return nil, wrap("scan key count", err)
		}
		k, err := scanKey(date, ssn)
		if err != nil {
			return nil, err
		}
		counts[k.String()] = conflict.KeyCount{Key: k, Rows: n}
		if since == nil || latest >= conflict.FormatTimestamp(*since) {
			touched[k.String()] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("count visits", err)
	}

	if since != nil {
		if err := c.recordKeysTouched(ctx, window, *since, counts, touched); err != nil {
			return nil, err
		}
		if err := c.inServiceKeysTouched(ctx, window, *since, counts, touched); err != nil {
			return nil, err
		}
	}

	out := make([]conflict.KeyCount, 0, len(touched))
	for k := range touched {
		out = append(out, counts[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

// recordKeysTouched marks the keys of N/U records with a side updated since.
func (c *conn) recordKeysTouched(ctx context.Context, window conflict.DateRange, since time.Time,
	counts map[string]conflict.KeyCount, touched map[string]bool) error {
	rows, err := c.query(ctx, `
		SELECT DISTINCT r.visit_date, r.ssn
		FROM conflict_records r
		JOIN visits v ON v.visit_id = r.visit_id OR v.visit_id = r.con_visit_id
		WHERE r.status_flag IN ('N', 'U')
			AND r.visit_date BETWEEN ? AND ?
			AND v.updated_at >= ?
	`, window.Start.String(), window.End.String(), conflict.FormatTimestamp(since))
	if err != nil {
		return wrap("find touched record keys", err)
	}
	defer rows.Close()

	for rows.Next() {
		var date, ssn string
		if err := rows.Scan(&date, &ssn); err != nil {
			return wrap("scan record key", err)
		}
		k, err := scanKey(date, ssn)
		if err != nil {
			return err
		}
		if _, ok := counts[k.String()]; !ok {
			counts[k.String()] = conflict.KeyCount{Key: k}
		}
		touched[k.String()] = true
	}
	return wrap("find touched record keys", rows.Err())
}

func scanKey(date, ssn string) (conflict.Key, error) {
	d, err := conflict.ParseDate(date)
	if err != nil {
		return conflict.Key{}, err
	}
	return conflict.Key{Date: d, SSN: ssn}, nil
}

// VisitsByKeys returns every visit on keys, deleted ones included. A row
// that does not decode is returned with Malformed set and never aborts the
// load.
func (c *conn) VisitsByKeys(ctx context.Context, keys []conflict.Key) ([]conflict.Visit, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	clause, args, exact := keyFilter(keys)
	rows, err := c.query(ctx, "SELECT "+visitColumns+" FROM visits WHERE "+clause+" ORDER BY visit_id", args...)
	if err != nil {
		return nil, wrap("load visits", err)
	}
	defer rows.Close()

	want := keySet(keys)
	var out []conflict.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		if !exact {
			if _, ok := want[v.Key().String()]; !ok {
				continue
			}
		}
		out = append(out, v)
	}
	return out, wrap("load visits", rows.Err())
}

func (c *conn) GetVisit(ctx context.Context, id conflict.VisitID) (*conflict.Visit, error) {
	rows, err := c.query(ctx, "SELECT "+visitColumns+" FROM visits WHERE visit_id = ?", string(id))
	if err != nil {
		return nil, wrap("get visit", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, wrap("get visit", rows.Err())
	}
	v, err := scanVisit(rows)
	if err != nil {
		return nil, err
	}
	if v.Malformed != nil {
		return nil, v.Malformed
	}
	return &v, nil
}

// SaveVisits upserts visits by visit_id.
func (c *conn) SaveVisits(ctx context.Context, visits []conflict.Visit) error {
	return c.atomic(ctx, func(c *conn) error {
		for _, v := range visits {
			var lat, lon sql.NullFloat64
			if v.Location != nil {
				lat = sql.NullFloat64{Float64: v.Location.Lat, Valid: true}
				lon = sql.NullFloat64{Float64: v.Location.Lon, Valid: true}
			}
			_, err := c.exec(ctx, `
				INSERT INTO visits (`+visitColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(visit_id) DO UPDATE SET
					ssn = excluded.ssn,
					provider_id = excluded.provider_id,
					agency_id = excluded.agency_id,
					visit_date = excluded.visit_date,
					sch_start = excluded.sch_start,
					sch_end = excluded.sch_end,
					visit_start = excluded.visit_start,
					visit_end = excluded.visit_end,
					lat = excluded.lat,
					lon = excluded.lon,
					zip_code = excluded.zip_code,
					deleted = excluded.deleted,
					updated_at = excluded.updated_at
			`,
				string(v.VisitID), v.SSN, v.ProviderID, v.AgencyID, v.VisitDate.String(),
				windowBound(v.Scheduled.Start), windowBound(v.Scheduled.End),
				windowBound(v.Actual.Start), windowBound(v.Actual.End),
				lat, lon, v.ZipCode, boolInt(v.Deleted), conflict.FormatTimestamp(v.UpdatedAt),
			)
			if err != nil {
				return wrap("save visit "+string(v.VisitID), err)
			}
		}
		return nil
	})
}

func windowBound(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return nullTime(&t)
}

// scanVisit fails only when the row cannot be read at all. A stored value
// that does not parse comes back as a visit with Malformed set.
func scanVisit(rows *sql.Rows) (conflict.Visit, error) {
	var (
		v                                  conflict.Visit
		id, date, updated                  string
		schStart, schEnd, visStart, visEnd sql.NullString
		lat, lon                           sql.NullFloat64
		deleted                            int
	)
	err := rows.Scan(&id, &v.SSN, &v.ProviderID, &v.AgencyID, &date,
		&schStart, &schEnd, &visStart, &visEnd, &lat, &lon, &v.ZipCode, &deleted, &updated)
	if err != nil {
		return v, wrap("scan visit", err)
	}
	v.VisitID = conflict.VisitID(id)
	malformed := func(field string, err error) (conflict.Visit, error) {
		v.Malformed = &conflict.DataIntegrityError{VisitID: v.VisitID, Field: field, Reason: err.Error()}
		return v, nil
	}

	if v.VisitDate, err = conflict.ParseDate(date); err != nil {
		return malformed("VisitDate", err)
	}
	bounds := []struct {
		field string
		src   sql.NullString
		dst   *time.Time
	}{
		{"SchStartTime", schStart, &v.Scheduled.Start}, {"SchEndTime", schEnd, &v.Scheduled.End},
		{"VisitStartTime", visStart, &v.Actual.Start}, {"VisitEndTime", visEnd, &v.Actual.End},
	}
	for _, b := range bounds {
		t, err := parseNullTime(b.src)
		if err != nil {
			return malformed(b.field, err)
		}
		if t != nil {
			*b.dst = *t
		}
	}
	if lat.Valid && lon.Valid {
		v.Location = &conflict.Coordinates{Lat: lat.Float64, Lon: lon.Float64}
	}
	v.Deleted = deleted != 0
	if v.UpdatedAt, err = conflict.ParseTimestamp(updated); err != nil {
		return malformed("UpdatedAt", err)
	}
	return v, nil
}
