/*
Package factory converts YAML documents into reference data and visits.

PURPOSE:
  Reference data (settings, the speed table and exclusion lists) and demo
  visit sets are maintained as documents rather than code. The factory
  parses them into conflict.ReferenceData and conflict.Visit values and
  renders them back for the API.

REFERENCE SCHEMA:
  extra_distance_per: 1.15
  mph_bins:
    - {from: 0, to: 5, mph: 15}
    - {from: 5.01, mph: 45}        # no "to": open-ended, must be last
  excluded_agencies: [agency-9]
  excluded_providers: []
  excluded_ssns: []

VISIT SCHEMA:
  - id: V1
    ssn: 111-00-0001
    provider_id: P1
    agency_id: A1
    date: 2025-03-10
    scheduled: {start: "08:00", end: "09:00"}
    actual: {start: "08:05", end: "09:02"}   # optional
    lat: 40.7128                             # optional, with lon
    lon: -74.0060
    zip: "10001"
    deleted: false

  Times are HH:MM on the visit date, UTC. An end before its start rolls
  to the next day.

USAGE:
  f := factory.New()
  ref, err := f.ParseReference(data)
  visits, err := f.ParseVisits(data, time.Now())

SEE ALSO:
  - conflict/reference.go: ReferenceData and validation
  - api/scenarios.go: Demo scenarios built from these documents
*/
package factory

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/conflict-engine/conflict"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// ReferenceDoc is the document form of conflict.ReferenceData.
type ReferenceDoc struct {
	ExtraDistancePer  string      `yaml:"extra_distance_per" json:"extra_distance_per"`
	MPHBins           []MPHBinDoc `yaml:"mph_bins" json:"mph_bins"`
	ExcludedAgencies  []string    `yaml:"excluded_agencies,omitempty" json:"excluded_agencies"`
	ExcludedProviders []string    `yaml:"excluded_providers,omitempty" json:"excluded_providers"`
	ExcludedSSNs      []string    `yaml:"excluded_ssns,omitempty" json:"excluded_ssns"`
}

// MPHBinDoc is one speed bin. An empty To is open-ended.
type MPHBinDoc struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to,omitempty" json:"to,omitempty"`
	MPH  string `yaml:"mph" json:"mph"`
}

// VisitDoc is the document form of conflict.Visit.
type VisitDoc struct {
	ID         string     `yaml:"id" json:"id"`
	SSN        string     `yaml:"ssn" json:"ssn"`
	ProviderID string     `yaml:"provider_id" json:"provider_id"`
	AgencyID   string     `yaml:"agency_id,omitempty" json:"agency_id,omitempty"`
	Date       string     `yaml:"date" json:"date"`
	Scheduled  *WindowDoc `yaml:"scheduled,omitempty" json:"scheduled,omitempty"`
	Actual     *WindowDoc `yaml:"actual,omitempty" json:"actual,omitempty"`
	Lat        *float64   `yaml:"lat,omitempty" json:"lat,omitempty"`
	Lon        *float64   `yaml:"lon,omitempty" json:"lon,omitempty"`
	Zip        string     `yaml:"zip,omitempty" json:"zip,omitempty"`
	Deleted    bool       `yaml:"deleted,omitempty" json:"deleted,omitempty"`
}

// InServiceDoc is the document form of conflict.InServiceEvent. The window
// ends on the start date unless EndDate is given.
type InServiceDoc struct {
	ID         string    `yaml:"id" json:"id" validate:"required"`
	SSN        string    `yaml:"ssn" json:"ssn" validate:"required"`
	ProviderID string    `yaml:"provider_id" json:"provider_id"`
	AgencyID   string    `yaml:"agency_id,omitempty" json:"agency_id,omitempty"`
	Date       string    `yaml:"date" json:"date" validate:"required"`
	EndDate    string    `yaml:"end_date,omitempty" json:"end_date,omitempty"`
	Window     WindowDoc `yaml:"window" json:"window"`
	Deleted    bool      `yaml:"deleted,omitempty" json:"deleted,omitempty"`
}

// WindowDoc is a start/end pair as HH:MM on the visit date.
type WindowDoc struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// DefaultReferenceYAML is the reference data used when none is configured.
const DefaultReferenceYAML = `
extra_distance_per: 1
mph_bins:
  - {from: 0, to: 1, mph: 10}
  - {from: 1.01, to: 5, mph: 20}
  - {from: 5.01, to: 25, mph: 30}
  - {from: 25.01, mph: 45}
`

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts documents to engine types.
type Factory struct{}

func New() *Factory {
	return &Factory{}
}

// ParseReference parses a YAML (or JSON) reference document. The result is
// validated; failures are conflict.ConfigurationError.
func (f *Factory) ParseReference(data []byte) (*conflict.ReferenceData, error) {
	var doc ReferenceDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &conflict.ConfigurationError{Setting: "reference", Reason: err.Error()}
	}
	return f.FromReferenceDoc(doc)
}

// FromReferenceDoc converts and validates a reference document.
func (f *Factory) FromReferenceDoc(doc ReferenceDoc) (*conflict.ReferenceData, error) {
	ref := &conflict.ReferenceData{
		Settings:          conflict.DefaultSettings(),
		ExcludedAgencies:  conflict.NewStringSet(doc.ExcludedAgencies...),
		ExcludedProviders: conflict.NewStringSet(doc.ExcludedProviders...),
		ExcludedSSNs:      conflict.NewStringSet(doc.ExcludedSSNs...),
	}
	if s := strings.TrimSpace(doc.ExtraDistancePer); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, &conflict.ConfigurationError{Setting: "extra_distance_per", Reason: err.Error()}
		}
		ref.Settings.ExtraDistancePer = d
	}
	for i, b := range doc.MPHBins {
		bin, err := parseBin(b)
		if err != nil {
			return nil, &conflict.ConfigurationError{Setting: fmt.Sprintf("mph_bins[%d]", i), Reason: err.Error()}
		}
		ref.Speeds = append(ref.Speeds, bin)
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return ref, nil
}

// ToReferenceDoc renders reference data as a document.
func (f *Factory) ToReferenceDoc(ref *conflict.ReferenceData) ReferenceDoc {
	doc := ReferenceDoc{
		ExtraDistancePer:  ref.Settings.ExtraDistancePer.String(),
		MPHBins:           make([]MPHBinDoc, 0, len(ref.Speeds)),
		ExcludedAgencies:  ref.ExcludedAgencies.Sorted(),
		ExcludedProviders: ref.ExcludedProviders.Sorted(),
		ExcludedSSNs:      ref.ExcludedSSNs.Sorted(),
	}
	for _, b := range ref.Speeds {
		bd := MPHBinDoc{From: b.From.String(), MPH: b.MPH.String()}
		if b.To.Valid {
			bd.To = b.To.Decimal.String()
		}
		doc.MPHBins = append(doc.MPHBins, bd)
	}
	return doc
}

// DefaultReference returns DefaultReferenceYAML parsed.
func (f *Factory) DefaultReference() *conflict.ReferenceData {
	ref, err := f.ParseReference([]byte(DefaultReferenceYAML))
	if err != nil {
		panic(err)
	}
	return ref
}

// ParseVisits parses a YAML (or JSON) list of visits, stamping each with
// updatedAt.
func (f *Factory) ParseVisits(data []byte, updatedAt time.Time) ([]conflict.Visit, error) {
	var docs []VisitDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse visits: %w", err)
	}
	out := make([]conflict.Visit, 0, len(docs))
	for _, d := range docs {
		v, err := f.FromVisitDoc(d, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FromVisitDoc converts one visit document. Malformed fields are
// conflict.DataIntegrityError.
func (f *Factory) FromVisitDoc(d VisitDoc, updatedAt time.Time) (conflict.Visit, error) {
	id := conflict.VisitID(d.ID)
	bad := func(field string, err error) error {
		return &conflict.DataIntegrityError{VisitID: id, Field: field, Reason: err.Error()}
	}
	if d.ID == "" {
		return conflict.Visit{}, bad("id", fmt.Errorf("required"))
	}
	if d.SSN == "" {
		return conflict.Visit{}, bad("ssn", fmt.Errorf("required"))
	}

	date, err := conflict.ParseDate(d.Date)
	if err != nil {
		return conflict.Visit{}, bad("date", err)
	}
	v := conflict.Visit{
		VisitID:    id,
		SSN:        d.SSN,
		ProviderID: d.ProviderID,
		AgencyID:   d.AgencyID,
		VisitDate:  date,
		ZipCode:    d.Zip,
		Deleted:    d.Deleted,
		UpdatedAt:  updatedAt,
	}
	if v.Scheduled, err = parseWindow(date, d.Scheduled); err != nil {
		return v, bad("scheduled", err)
	}
	if v.Actual, err = parseWindow(date, d.Actual); err != nil {
		return v, bad("actual", err)
	}
	if (d.Lat == nil) != (d.Lon == nil) {
		return v, bad("location", fmt.Errorf("lat and lon must be given together"))
	}
	if d.Lat != nil {
		v.Location = &conflict.Coordinates{Lat: *d.Lat, Lon: *d.Lon}
	}
	return v, nil
}

// FromInServiceDoc converts one in-service event document.
func (f *Factory) FromInServiceDoc(d InServiceDoc, updatedAt time.Time) (conflict.InServiceEvent, error) {
	e := conflict.InServiceEvent{
		EventID:    d.ID,
		SSN:        d.SSN,
		ProviderID: d.ProviderID,
		AgencyID:   d.AgencyID,
		Deleted:    d.Deleted,
		UpdatedAt:  updatedAt,
	}
	bad := func(field string, err error) error {
		return &conflict.DataIntegrityError{VisitID: e.VisitID(), Field: field, Reason: err.Error()}
	}
	start, err := conflict.ParseDate(d.Date)
	if err != nil {
		return e, bad("date", err)
	}
	end := start
	if d.EndDate != "" {
		if end, err = conflict.ParseDate(d.EndDate); err != nil {
			return e, bad("end_date", err)
		}
	}
	if e.Window.Start, err = parseClock(start, d.Window.Start); err != nil {
		return e, bad("window", err)
	}
	if e.Window.End, err = parseClock(end, d.Window.End); err != nil {
		return e, bad("window", err)
	}
	if d.EndDate == "" && !e.Window.End.IsZero() && e.Window.End.Before(e.Window.Start) {
		e.Window.End = e.Window.End.AddDate(0, 0, 1)
	}
	return e, nil
}

// ParseInService parses a YAML (or JSON) list of in-service events.
func (f *Factory) ParseInService(data []byte, updatedAt time.Time) ([]conflict.InServiceEvent, error) {
	var docs []InServiceDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse in-service events: %w", err)
	}
	out := make([]conflict.InServiceEvent, 0, len(docs))
	for _, d := range docs {
		e, err := f.FromInServiceDoc(d, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ToVisitDoc renders a visit as a document.
func (f *Factory) ToVisitDoc(v conflict.Visit) VisitDoc {
	d := VisitDoc{
		ID:         string(v.VisitID),
		SSN:        v.SSN,
		ProviderID: v.ProviderID,
		AgencyID:   v.AgencyID,
		Date:       v.VisitDate.String(),
		Scheduled:  formatWindow(v.Scheduled),
		Actual:     formatWindow(v.Actual),
		Zip:        v.ZipCode,
		Deleted:    v.Deleted,
	}
	if v.Location != nil {
		lat, lon := v.Location.Lat, v.Location.Lon
		d.Lat, d.Lon = &lat, &lon
	}
	return d
}

// =============================================================================
// HELPERS
// =============================================================================

func parseBin(b MPHBinDoc) (conflict.SpeedBin, error) {
	var (
		bin conflict.SpeedBin
		err error
	)
	if bin.From, err = decimal.NewFromString(b.From); err != nil {
		return bin, fmt.Errorf("from: %w", err)
	}
	if b.To != "" {
		to, err := decimal.NewFromString(b.To)
		if err != nil {
			return bin, fmt.Errorf("to: %w", err)
		}
		bin.To = decimal.NewNullDecimal(to)
	}
	if bin.MPH, err = decimal.NewFromString(b.MPH); err != nil {
		return bin, fmt.Errorf("mph: %w", err)
	}
	return bin, nil
}

func parseWindow(date conflict.Date, w *WindowDoc) (conflict.Window, error) {
	if w == nil {
		return conflict.Window{}, nil
	}
	start, err := parseClock(date, w.Start)
	if err != nil {
		return conflict.Window{}, err
	}
	end, err := parseClock(date, w.End)
	if err != nil {
		return conflict.Window{}, err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		end = end.AddDate(0, 0, 1)
	}
	return conflict.NewWindow(start, end), nil
}

func parseClock(date conflict.Date, hhmm string) (time.Time, error) {
	if hhmm == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: want HH:MM", hhmm)
	}
	return date.At(t.Hour(), t.Minute()), nil
}

func formatWindow(w conflict.Window) *WindowDoc {
	if w.Start.IsZero() && w.End.IsZero() {
		return nil
	}
	d := &WindowDoc{}
	if !w.Start.IsZero() {
		d.Start = w.Start.UTC().Format("15:04")
	}
	if !w.End.IsZero() {
		d.End = w.End.UTC().Format("15:04")
	}
	return d
}
