package conflict

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FIELD MAP - Declared Record <-> storage column mapping
// =============================================================================

// TimestampLayout is the fixed-width UTC storage form of timestamps. Stored
// values compare correctly as strings.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string { return t.UTC().Format(TimestampLayout) }

// ParseTimestamp accepts TimestampLayout and any RFC 3339 form.
func ParseTimestamp(v string) (time.Time, error) { return time.Parse(time.RFC3339Nano, v) }

// Column maps one storage column to a Record field. Get returns the value to
// bind (string, int or nil). Set parses a scanned text value back.
type Column struct {
	Name string
	Get  func(r *Record) any
	Set  func(r *Record, v string, valid bool) error
}

// RecordColumns is the persisted layout of a conflict detail row, in order.
var RecordColumns = buildRecordColumns()

// RuleColumn names the storage column of each rule flag.
var RuleColumn = [RuleCount]string{
	RuleSameSchTime:                   "same_sch_time_flag",
	RuleSameVisitTime:                 "same_visit_time_flag",
	RuleSchAndVisitTimeSame:           "sch_and_visit_time_same_flag",
	RuleSchOverAnotherSchTime:         "sch_over_another_sch_time_flag",
	RuleVisitTimeOverAnotherVisitTime: "visit_time_over_another_visit_time_flag",
	RuleSchTimeOverVisitTime:          "sch_time_over_visit_time_flag",
	RuleDistance:                      "distance_flag",
}

// ColumnNames returns the names of RecordColumns.
func ColumnNames() []string {
	names := make([]string, len(RecordColumns))
	for i, c := range RecordColumns {
		names[i] = c.Name
	}
	return names
}

func buildRecordColumns() []Column {
	cols := []Column{
		textColumn("visit_id", func(r *Record) *string { return (*string)(&r.VisitID) }),
		textColumn("con_visit_id", func(r *Record) *string { return (*string)(&r.ConVisitID) }),
		textColumn("conflict_id", func(r *Record) *string { return (*string)(&r.ConflictID) }),
		{
			Name: "visit_date",
			Get:  func(r *Record) any { return r.Key.Date.String() },
			Set: func(r *Record, v string, _ bool) error {
				d, err := ParseDate(v)
				r.Key.Date = d
				return err
			},
		},
		textColumn("ssn", func(r *Record) *string { return &r.Key.SSN }),
		textColumn("provider_id", func(r *Record) *string { return &r.ProviderID }),
		textColumn("con_provider_id", func(r *Record) *string { return &r.ConProviderID }),
		textColumn("agency_id", func(r *Record) *string { return &r.AgencyID }),
		textColumn("con_agency_id", func(r *Record) *string { return &r.ConAgencyID }),
	}

	for rule := Rule(0); rule < RuleCount; rule++ {
		rule := rule
		cols = append(cols, textColumn(RuleColumn[rule], func(r *Record) *string { return (*string)(&r.Flags[rule]) }))
	}

	cols = append(cols,
		textColumn("status_flag", func(r *Record) *string { return (*string)(&r.Status) }),
		Column{
			Name: "in_service_flag",
			Get:  func(r *Record) any { return string(FlagOf(r.InService)) },
			Set: func(r *Record, v string, valid bool) error {
				f := Flag(v)
				if valid && !f.Valid() {
					return fmt.Errorf("in_service_flag: %q is not Y or N", v)
				}
				r.InService = f.IsSet()
				return nil
			},
		},
		decimalColumn("distance_miles", func(r *Record) *decimal.NullDecimal { return &r.Derived.DistanceMiles }),
		decimalColumn("eta_travel_minutes", func(r *Record) *decimal.NullDecimal { return &r.Derived.ETATravelMinutes }),
		decimalColumn("average_miles_per_hour", func(r *Record) *decimal.NullDecimal { return &r.Derived.AverageMilesPerHour }),
		Column{
			Name: "minute_diff_between_sch",
			Get:  func(r *Record) any { return r.Derived.MinuteDiffBetweenSch },
			Set: func(r *Record, v string, valid bool) error {
				if !valid {
					r.Derived.MinuteDiffBetweenSch = 0
					return nil
				}
				n, err := strconv.Atoi(v)
				if err != nil {
					return fmt.Errorf("minute_diff_between_sch: %w", err)
				}
				r.Derived.MinuteDiffBetweenSch = n
				return nil
			},
		},
		timeColumn("created_at", func(r *Record) *time.Time { return &r.CreatedAt }),
		timeColumn("updated_at", func(r *Record) *time.Time { return &r.UpdatedAt }),
		Column{
			Name: "resolved_at",
			Get: func(r *Record) any {
				if r.ResolvedAt == nil {
					return nil
				}
				return FormatTimestamp(*r.ResolvedAt)
			},
			Set: func(r *Record, v string, valid bool) error {
				if !valid || v == "" {
					r.ResolvedAt = nil
					return nil
				}
				t, err := ParseTimestamp(v)
				if err != nil {
					return fmt.Errorf("resolved_at: %w", err)
				}
				r.ResolvedAt = &t
				return nil
			},
		},
	)
	return cols
}

func textColumn(name string, field func(r *Record) *string) Column {
	return Column{
		Name: name,
		Get:  func(r *Record) any { return *field(r) },
		Set: func(r *Record, v string, _ bool) error {
			*field(r) = v
			return nil
		},
	}
}

func decimalColumn(name string, field func(r *Record) *decimal.NullDecimal) Column {
	return Column{
		Name: name,
		Get: func(r *Record) any {
			d := field(r)
			if !d.Valid {
				return nil
			}
			return d.Decimal.String()
		},
		Set: func(r *Record, v string, valid bool) error {
			if !valid {
				*field(r) = decimal.NullDecimal{}
				return nil
			}
			d, err := decimal.NewFromString(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*field(r) = decimal.NullDecimal{Decimal: d, Valid: true}
			return nil
		},
	}
}

func timeColumn(name string, field func(r *Record) *time.Time) Column {
	return Column{
		Name: name,
		Get:  func(r *Record) any { return FormatTimestamp(*field(r)) },
		Set: func(r *Record, v string, _ bool) error {
			t, err := ParseTimestamp(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*field(r) = t
			return nil
		},
	}
}

// Values returns the bind values of r in RecordColumns order.
func (r *Record) Values() []any {
	out := make([]any, len(RecordColumns))
	for i, c := range RecordColumns {
		out[i] = c.Get(r)
	}
	return out
}
