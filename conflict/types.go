/*
Package conflict provides the visit conflict detection and reconciliation engine.

PURPOSE:
  Detects scheduling conflicts between field visits (same subject, same date,
  different providers) and reconciles them against previously persisted
  conflict records without losing analyst dispositions. Everything in this
  package is storage-agnostic; persistence goes through the interfaces in
  store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Visit: One scheduled or delivered service event
  - Key: (VisitDate, SSN), the unit of joining and chunking
  - PairID: Ordered (VisitID, ConVisitID), the unit of detection
  - RuleFlags: Seven Y/N classifiers, one per rule
  - Record: The persisted conflict detail row for one ordered pair
  - Status: Disposition of a record (N/U/W/I plus R/D)

PIPELINE:
  PairJoiner (join.go) -> RuleEvaluator (rules.go, geo.go)
      -> Merger (merge.go) -> StaleCleaner (stale.go)

  The orchestrator package drives this pipeline chunk by chunk.

SEE ALSO:
  - rules.go: The seven rules as columnar mask operations
  - merge.go: Disposition-preserving conditional update
  - fieldmap.go: Record <-> storage column mapping
*/
package conflict

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type VisitID string
type ConflictID string

// Key is the (VisitDate, SSN) composite that joins visits and partitions work.
type Key struct {
	Date Date
	SSN  string
}

func (k Key) Equal(o Key) bool { return k.SSN == o.SSN && k.Date.Equal(o.Date) }

func (k Key) String() string { return k.Date.String() + "/" + k.SSN }

// Less orders keys by date, then SSN.
func (k Key) Less(o Key) bool {
	if !k.Date.Equal(o.Date) {
		return k.Date.Before(o.Date)
	}
	return k.SSN < o.SSN
}

// PairID is the ordered (VisitID, ConVisitID) pair. (A,B) and (B,A) are
// distinct records that share one ConflictID.
type PairID struct {
	VisitID    VisitID
	ConVisitID VisitID
}

// Mirror returns (ConVisitID, VisitID).
func (p PairID) Mirror() PairID { return PairID{VisitID: p.ConVisitID, ConVisitID: p.VisitID} }

// Canonical returns the orientation with the smaller VisitID first.
func (p PairID) Canonical() PairID {
	if p.ConVisitID < p.VisitID {
		return p.Mirror()
	}
	return p
}

func (p PairID) String() string { return string(p.VisitID) + ":" + string(p.ConVisitID) }

// =============================================================================
// FLAGS AND STATUS
// =============================================================================

// Flag is a stored Y/N value.
type Flag string

const (
	FlagYes Flag = "Y"
	FlagNo  Flag = "N"
)

func (f Flag) Valid() bool { return f == FlagYes || f == FlagNo }
func (f Flag) IsSet() bool { return f == FlagYes }

func FlagOf(b bool) Flag {
	if b {
		return FlagYes
	}
	return FlagNo
}

// Status is the disposition of a conflict record.
type Status string

const (
	StatusNew         Status = "N" // First detection, untouched
	StatusUpdated     Status = "U" // Changed by a reconciliation pass
	StatusWhitelisted Status = "W" // Analyst: accepted, never touched by the system
	StatusIgnored     Status = "I" // Analyst: ignored, never touched by the system
	StatusResolved    Status = "R" // No rule fires anymore
	StatusDeleted     Status = "D" // One side of the pair was deleted at the source
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusUpdated, StatusWhitelisted, StatusIgnored, StatusResolved, StatusDeleted:
		return true
	}
	return false
}

// IsAnalyst reports dispositions that reconciliation must preserve verbatim.
func (s Status) IsAnalyst() bool { return s == StatusWhitelisted || s == StatusIgnored }

// IsInactive reports records that no longer represent a live conflict.
func (s Status) IsInactive() bool { return s == StatusResolved || s == StatusDeleted }

// =============================================================================
// VISIT
// =============================================================================

// Coordinates is a provider location in decimal degrees.
type Coordinates struct {
	Lat float64
	Lon float64
}

// Visit is one scheduled or delivered service event.
type Visit struct {
	VisitID    VisitID
	SSN        string
	ProviderID string
	AgencyID   string
	VisitDate  Date
	Scheduled  Window
	Actual     Window
	Location   *Coordinates
	ZipCode    string
	Deleted    bool
	UpdatedAt  time.Time
	// Malformed is set by a store that could not decode the stored row.
	Malformed error `json:"-"`
}

func (v Visit) Key() Key { return Key{Date: v.VisitDate, SSN: v.SSN} }

// ScheduledOnly is a visit with no actual window.
func (v Visit) ScheduledOnly() bool { return !v.Actual.Populated() }

// Actualized is a visit with an actual window.
func (v Visit) Actualized() bool { return v.Actual.Populated() }

// Validate checks the structural invariants the rules depend on.
func (v Visit) Validate() error {
	switch {
	case v.Malformed != nil:
		return v.Malformed
	case v.VisitID == "":
		return &DataIntegrityError{VisitID: v.VisitID, Field: "VisitID", Reason: "missing"}
	case v.SSN == "" || v.VisitDate.IsZero():
		return &DataIntegrityError{VisitID: v.VisitID, Field: "VisitDate/SSN", Reason: "missing join key"}
	case v.Scheduled.Partial():
		return &DataIntegrityError{VisitID: v.VisitID, Field: "SchStartTime/SchEndTime", Reason: "half-populated window"}
	case v.Actual.Partial():
		return &DataIntegrityError{VisitID: v.VisitID, Field: "VisitStartTime/VisitEndTime", Reason: "half-populated window"}
	case v.Scheduled.Populated() && v.Scheduled.Start.After(v.Scheduled.End):
		return &DataIntegrityError{VisitID: v.VisitID, Field: "SchStartTime", Reason: "start after end"}
	case v.Actual.Populated() && v.Actual.Start.After(v.Actual.End):
		return &DataIntegrityError{VisitID: v.VisitID, Field: "VisitStartTime", Reason: "start after end"}
	case !v.Scheduled.Populated() && !v.Actual.Populated():
		return &DataIntegrityError{VisitID: v.VisitID, Field: "SchStartTime", Reason: "no scheduled or actual window"}
	}
	return nil
}

// Pair is a candidate (Visit, Con) produced by the joiner.
type Pair struct {
	Visit Visit
	Con   Visit
}

func (p Pair) ID() PairID { return PairID{VisitID: p.Visit.VisitID, ConVisitID: p.Con.VisitID} }

// =============================================================================
// RULE FLAGS
// =============================================================================

// Rule indexes one of the seven conflict classifiers.
type Rule int

const (
	RuleSameSchTime Rule = iota
	RuleSameVisitTime
	RuleSchAndVisitTimeSame
	RuleSchOverAnotherSchTime
	RuleVisitTimeOverAnotherVisitTime
	RuleSchTimeOverVisitTime
	RuleDistance

	RuleCount
)

var ruleNames = [RuleCount]string{
	"SameSchTime",
	"SameVisitTime",
	"SchAndVisitTimeSame",
	"SchOverAnotherSchTime",
	"VisitTimeOverAnotherVisitTime",
	"SchTimeOverVisitTime",
	"Distance",
}

func (r Rule) String() string {
	if r < 0 || r >= RuleCount {
		return fmt.Sprintf("Rule(%d)", int(r))
	}
	return ruleNames[r]
}

// RuleFlags holds one Flag per Rule. The zero value is invalid; use NoFlags.
type RuleFlags [RuleCount]Flag

func NoFlags() RuleFlags {
	var f RuleFlags
	for i := range f {
		f[i] = FlagNo
	}
	return f
}

// Any reports whether at least one rule fired.
func (f RuleFlags) Any() bool {
	for _, v := range f {
		if v == FlagYes {
			return true
		}
	}
	return false
}

// Valid reports whether every flag is Y or N.
func (f RuleFlags) Valid() bool {
	for _, v := range f {
		if !v.Valid() {
			return false
		}
	}
	return true
}

// Fired lists the rules set to Y.
func (f RuleFlags) Fired() []Rule {
	var out []Rule
	for i, v := range f {
		if v == FlagYes {
			out = append(out, Rule(i))
		}
	}
	return out
}

// =============================================================================
// RECORD - Persisted conflict detail row
// =============================================================================

// Derived holds the computed travel fields stored with each record.
type Derived struct {
	DistanceMiles        decimal.NullDecimal
	ETATravelMinutes     decimal.NullDecimal
	AverageMilesPerHour  decimal.NullDecimal
	MinuteDiffBetweenSch int
}

func (d Derived) Equal(o Derived) bool {
	return nullDecimalEqual(d.DistanceMiles, o.DistanceMiles) &&
		nullDecimalEqual(d.ETATravelMinutes, o.ETATravelMinutes) &&
		nullDecimalEqual(d.AverageMilesPerHour, o.AverageMilesPerHour) &&
		d.MinuteDiffBetweenSch == o.MinuteDiffBetweenSch
}

// Record is the durable conflict detail for one ordered pair.
type Record struct {
	PairID
	ConflictID    ConflictID
	Key           Key
	ProviderID    string
	ConProviderID string
	AgencyID      string
	ConAgencyID   string
	Flags         RuleFlags
	Derived       Derived
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
	// InService marks a pair of a visit and an in-service event.
	InService bool
	// Malformed is set when a stored row could not be decoded. Such a record
	// is never merged or resolved.
	Malformed error `json:"-"`
}

// SameContent reports whether two records would persist identically,
// ignoring timestamps.
func (r Record) SameContent(o Record) bool {
	return r.PairID == o.PairID &&
		r.ConflictID == o.ConflictID &&
		r.Key.Equal(o.Key) &&
		r.ProviderID == o.ProviderID &&
		r.ConProviderID == o.ConProviderID &&
		r.AgencyID == o.AgencyID &&
		r.ConAgencyID == o.ConAgencyID &&
		r.Flags == o.Flags &&
		r.Status == o.Status &&
		r.InService == o.InService &&
		r.Derived.Equal(o.Derived)
}

// Validate rejects persisted values outside the enumerated sets.
func (r Record) Validate() error {
	if r.Malformed != nil {
		return r.Malformed
	}
	if !r.Status.Valid() {
		return &ReconciliationConflictError{Pair: r.PairID, Field: "StatusFlag", Value: string(r.Status)}
	}
	for i, f := range r.Flags {
		if !f.Valid() {
			return &ReconciliationConflictError{Pair: r.PairID, Field: Rule(i).String() + "Flag", Value: string(f)}
		}
	}
	return nil
}

func nullDecimalEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.String() == b.Decimal.String()
}

// =============================================================================
// GROUP - Parent conflict row keyed by ConflictID
// =============================================================================

// Group is the pair-group level disposition shared by (A,B) and (B,A).
type Group struct {
	ConflictID ConflictID
	Key        Key
	Status     Status
	Children   int
	UpdatedAt  time.Time
}
