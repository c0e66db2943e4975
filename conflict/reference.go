package conflict

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REFERENCE DATA - Read once per run, immutable for the run's duration
// =============================================================================

// SpeedBin maps a distance range in miles to an average travel speed.
// An invalid To means the bin is open-ended.
type SpeedBin struct {
	From decimal.Decimal
	To   decimal.NullDecimal
	MPH  decimal.Decimal
}

// Contains is the inclusive From <= miles <= To test.
func (b SpeedBin) Contains(miles decimal.Decimal) bool {
	if miles.LessThan(b.From) {
		return false
	}
	return !b.To.Valid || miles.LessThanOrEqual(b.To.Decimal)
}

// SpeedTable is ordered by From; lookups take the first matching bin.
type SpeedTable []SpeedBin

// Lookup returns the mph of the first bin containing miles.
func (t SpeedTable) Lookup(miles decimal.Decimal) (decimal.Decimal, bool) {
	for _, b := range t {
		if b.Contains(miles) {
			return b.MPH, true
		}
	}
	return decimal.Zero, false
}

// Settings holds the scalar engine settings.
type Settings struct {
	// ExtraDistancePer multiplies straight-line distance to approximate
	// road distance. 1.0 means no inflation.
	ExtraDistancePer decimal.Decimal
}

// StringSet is a membership set of identifiers.
type StringSet map[string]struct{}

func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		if v != "" {
			s[v] = struct{}{}
		}
	}
	return s
}

func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Sorted returns the members in lexical order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ReferenceData is the lookup snapshot a run evaluates against.
type ReferenceData struct {
	Settings          Settings
	Speeds            SpeedTable
	ExcludedAgencies  StringSet
	ExcludedProviders StringSet
	ExcludedSSNs      StringSet
	LoadedAt          time.Time
}

// DefaultSettings is used when no settings row exists.
func DefaultSettings() Settings {
	return Settings{ExtraDistancePer: decimal.NewFromInt(1)}
}

// Validate returns a ConfigurationError when the snapshot cannot drive a run.
// It also sorts the speed table by From.
func (r *ReferenceData) Validate() error {
	if r == nil {
		return &ConfigurationError{Setting: "reference", Reason: "not loaded"}
	}
	if !r.Settings.ExtraDistancePer.IsPositive() {
		return &ConfigurationError{Setting: "ExtraDistancePer", Reason: "must be positive, got " + r.Settings.ExtraDistancePer.String()}
	}
	if len(r.Speeds) == 0 {
		return &ConfigurationError{Setting: "speed table", Reason: "no mph bins"}
	}
	sort.SliceStable(r.Speeds, func(i, j int) bool { return r.Speeds[i].From.LessThan(r.Speeds[j].From) })
	for i, b := range r.Speeds {
		if b.From.IsNegative() {
			return &ConfigurationError{Setting: "speed table", Reason: "negative From in bin " + b.From.String()}
		}
		if b.To.Valid && b.To.Decimal.LessThan(b.From) {
			return &ConfigurationError{Setting: "speed table", Reason: "To before From in bin " + b.From.String()}
		}
		if b.MPH.IsNegative() {
			return &ConfigurationError{Setting: "speed table", Reason: "negative mph in bin " + b.From.String()}
		}
		if !b.To.Valid && i != len(r.Speeds)-1 {
			return &ConfigurationError{Setting: "speed table", Reason: "open-ended bin must be last"}
		}
	}
	if r.ExcludedAgencies == nil {
		r.ExcludedAgencies = StringSet{}
	}
	if r.ExcludedProviders == nil {
		r.ExcludedProviders = StringSet{}
	}
	if r.ExcludedSSNs == nil {
		r.ExcludedSSNs = StringSet{}
	}
	return nil
}

// Excludes reports whether a visit is filtered out of conflict detection.
func (r *ReferenceData) Excludes(v Visit) bool {
	return r.ExcludedAgencies.Has(v.AgencyID) ||
		r.ExcludedProviders.Has(v.ProviderID) ||
		r.ExcludedSSNs.Has(v.SSN)
}
