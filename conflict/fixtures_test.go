package conflict_test

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/conflict-engine/conflict"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testDay = conflict.NewDate(2025, time.March, 10)

func at(hour, minute int) time.Time { return testDay.At(hour, minute) }

func testReference() *conflict.ReferenceData {
	ref := &conflict.ReferenceData{
		Settings: conflict.DefaultSettings(),
		Speeds: conflict.SpeedTable{
			{From: decimal.Zero, To: decimal.NewNullDecimal(decimal.NewFromInt(25)), MPH: decimal.NewFromInt(30)},
			{From: decimal.RequireFromString("25.01"), To: decimal.NewNullDecimal(decimal.NewFromInt(100)), MPH: decimal.NewFromInt(40)},
			{From: decimal.RequireFromString("100.01"), MPH: decimal.NewFromInt(55)},
		},
	}
	if err := ref.Validate(); err != nil {
		panic(err)
	}
	return ref
}

// scheduled builds a scheduled-only visit.
func scheduled(id, provider string, start, end time.Time) conflict.Visit {
	return conflict.Visit{
		VisitID:    conflict.VisitID(id),
		SSN:        "111-22-3333",
		ProviderID: provider,
		AgencyID:   "agency-" + provider,
		VisitDate:  testDay,
		Scheduled:  conflict.NewWindow(start, end),
		UpdatedAt:  at(0, 0),
	}
}

// actual builds an actualized visit whose scheduled window equals its actual one.
func actual(id, provider string, start, end time.Time) conflict.Visit {
	v := scheduled(id, provider, start, end)
	v.Actual = conflict.NewWindow(start, end)
	return v
}

func located(v conflict.Visit, lat, lon float64, zip string) conflict.Visit {
	v.Location = &conflict.Coordinates{Lat: lat, Lon: lon}
	v.ZipCode = zip
	return v
}

func pair(a, b conflict.Visit) conflict.Pair { return conflict.Pair{Visit: a, Con: b} }

func flagsWith(rules ...conflict.Rule) conflict.RuleFlags {
	f := conflict.NoFlags()
	for _, r := range rules {
		f[r] = conflict.FlagYes
	}
	return f
}

func pid(a, b string) conflict.PairID {
	return conflict.PairID{VisitID: conflict.VisitID(a), ConVisitID: conflict.VisitID(b)}
}
