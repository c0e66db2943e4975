package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/conflict-engine/conflict"
)

// =============================================================================
// REFERENCE DATA
// =============================================================================

const (
	excludeAgency   = "agency"
	excludeProvider = "provider"
	excludeSSN      = "ssn"
)

// LoadReference reads settings, the speed table and exclusion lists.
// Missing settings fall back to conflict.DefaultSettings.
func (c *conn) LoadReference(ctx context.Context) (*conflict.ReferenceData, error) {
	ref := &conflict.ReferenceData{
		Settings:          conflict.DefaultSettings(),
		ExcludedAgencies:  conflict.StringSet{},
		ExcludedProviders: conflict.StringSet{},
		ExcludedSSNs:      conflict.StringSet{},
	}

	var (
		extra    string
		loadedAt sql.NullString
	)
	err := c.queryRow(ctx, "SELECT extra_distance_per, loaded_at FROM settings WHERE id = 1").Scan(&extra, &loadedAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, wrap("load settings", err)
	default:
		d, err := decimal.NewFromString(extra)
		if err != nil {
			return nil, &conflict.ConfigurationError{Setting: "ExtraDistancePer", Reason: err.Error()}
		}
		ref.Settings.ExtraDistancePer = d
		if t, err := parseNullTime(loadedAt); err == nil && t != nil {
			ref.LoadedAt = *t
		}
	}

	speeds, err := c.loadSpeeds(ctx)
	if err != nil {
		return nil, err
	}
	ref.Speeds = speeds

	rows, err := c.query(ctx, "SELECT kind, value FROM exclusions")
	if err != nil {
		return nil, wrap("load exclusions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, value string
		if err := rows.Scan(&kind, &value); err != nil {
			return nil, wrap("scan exclusion", err)
		}
		switch kind {
		case excludeAgency:
			ref.ExcludedAgencies[value] = struct{}{}
		case excludeProvider:
			ref.ExcludedProviders[value] = struct{}{}
		case excludeSSN:
			ref.ExcludedSSNs[value] = struct{}{}
		}
	}
	return ref, wrap("load exclusions", rows.Err())
}

func (c *conn) loadSpeeds(ctx context.Context) (conflict.SpeedTable, error) {
	rows, err := c.query(ctx, "SELECT from_miles, to_miles, mph FROM mph_bins ORDER BY bin_order")
	if err != nil {
		return nil, wrap("load speed table", err)
	}
	defer rows.Close()

	var out conflict.SpeedTable
	for rows.Next() {
		var (
			from, mph string
			to        sql.NullString
		)
		if err := rows.Scan(&from, &to, &mph); err != nil {
			return nil, wrap("scan speed bin", err)
		}
		bin, err := parseBin(from, to, mph)
		if err != nil {
			return nil, &conflict.ConfigurationError{Setting: "speed table", Reason: err.Error()}
		}
		out = append(out, bin)
	}
	return out, wrap("load speed table", rows.Err())
}

func parseBin(from string, to sql.NullString, mph string) (conflict.SpeedBin, error) {
	var (
		bin conflict.SpeedBin
		err error
	)
	if bin.From, err = decimal.NewFromString(from); err != nil {
		return bin, fmt.Errorf("from_miles %q: %w", from, err)
	}
	if to.Valid {
		d, err := decimal.NewFromString(to.String)
		if err != nil {
			return bin, fmt.Errorf("to_miles %q: %w", to.String, err)
		}
		bin.To = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	if bin.MPH, err = decimal.NewFromString(mph); err != nil {
		return bin, fmt.Errorf("mph %q: %w", mph, err)
	}
	return bin, nil
}

// SaveReference replaces all reference data.
func (c *conn) SaveReference(ctx context.Context, ref *conflict.ReferenceData) error {
	loadedAt := ref.LoadedAt
	if loadedAt.IsZero() {
		loadedAt = time.Now()
	}
	return c.atomic(ctx, func(c *conn) error {
		if _, err := c.exec(ctx, `
			INSERT INTO settings (id, extra_distance_per, loaded_at) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				extra_distance_per = excluded.extra_distance_per,
				loaded_at = excluded.loaded_at
		`, ref.Settings.ExtraDistancePer.String(), nullTime(&loadedAt)); err != nil {
			return wrap("save settings", err)
		}

		if _, err := c.exec(ctx, "DELETE FROM mph_bins"); err != nil {
			return wrap("clear speed table", err)
		}
		speeds := append(conflict.SpeedTable(nil), ref.Speeds...)
		sort.SliceStable(speeds, func(i, j int) bool { return speeds[i].From.LessThan(speeds[j].From) })
		for i, b := range speeds {
			var to sql.NullString
			if b.To.Valid {
				to = nullString(b.To.Decimal.String())
			}
			if _, err := c.exec(ctx,
				"INSERT INTO mph_bins (bin_order, from_miles, to_miles, mph) VALUES (?, ?, ?, ?)",
				i, b.From.String(), to, b.MPH.String()); err != nil {
				return wrap("save speed bin", err)
			}
		}

		if _, err := c.exec(ctx, "DELETE FROM exclusions"); err != nil {
			return wrap("clear exclusions", err)
		}
		for kind, set := range map[string]conflict.StringSet{
			excludeAgency:   ref.ExcludedAgencies,
			excludeProvider: ref.ExcludedProviders,
			excludeSSN:      ref.ExcludedSSNs,
		} {
			for _, v := range set.Sorted() {
				if _, err := c.exec(ctx, "INSERT INTO exclusions (kind, value) VALUES (?, ?)", kind, v); err != nil {
					return wrap("save exclusion", err)
				}
			}
		}
		return nil
	})
}
