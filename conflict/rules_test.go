package conflict_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/conflict-engine/conflict"
)

// =============================================================================
// SINGLE-RULE CASES
// =============================================================================

func TestEvaluate_SameScheduledTime(t *testing.T) {
	// GIVEN: Two scheduled-only visits 8:00-9:00, different providers
	a := scheduled("A", "p1", at(8, 0), at(9, 0))
	b := scheduled("B", "p2", at(8, 0), at(9, 0))

	// WHEN: The pair is evaluated
	flags, _ := conflict.EvaluatePair(pair(a, b), testReference())

	// THEN: Only SameSchTime fires
	assert.Equal(t, flagsWith(conflict.RuleSameSchTime), flags)
}

func TestEvaluate_ActualOverlapWithDistanceGapNegative(t *testing.T) {
	// GIVEN: A actual 9:00-10:00 at (40,-75), B actual 9:30-10:30 at (41,-76)
	a := located(actual("A", "p1", at(9, 0), at(10, 0)), 40.0, -75.0, "19001")
	b := located(actual("B", "p2", at(9, 30), at(10, 30)), 41.0, -76.0, "18201")

	// WHEN: The pair is evaluated
	flags, derived := conflict.EvaluatePair(pair(a, b), testReference())

	// THEN: The visits overlap, and neither direction has a positive gap so
	// the distance rule cannot fire
	assert.Equal(t, flagsWith(conflict.RuleVisitTimeOverAnotherVisitTime), flags)
	require.True(t, derived.DistanceMiles.Valid)
	assert.InDelta(t, 86.80, derived.DistanceMiles.Decimal.InexactFloat64(), 0.01)
	assert.Equal(t, "40", derived.AverageMilesPerHour.Decimal.String())
	assert.InDelta(t, 130.2, derived.ETATravelMinutes.Decimal.InexactFloat64(), 0.05)
	assert.Equal(t, 0, derived.MinuteDiffBetweenSch)
}

func TestEvaluate_DistanceImpossibleTravel(t *testing.T) {
	// GIVEN: A 9:00-10:00 and B 10:30-11:30, ~87 miles apart in different zips
	a := located(actual("A", "p1", at(9, 0), at(10, 0)), 40.0, -75.0, "19001")
	b := located(actual("B", "p2", at(10, 30), at(11, 30)), 41.0, -76.0, "18201")

	// WHEN: The pair is evaluated
	flags, derived := conflict.EvaluatePair(pair(a, b), testReference())

	// THEN: 130 minutes of travel cannot fit in the 30 minute gap
	assert.Equal(t, flagsWith(conflict.RuleDistance), flags)
	assert.Equal(t, 30, derived.MinuteDiffBetweenSch)
}

func TestEvaluate_DistanceRequiresDifferentZip(t *testing.T) {
	// GIVEN: The impossible-travel pair, but both sides report the same zip
	a := located(actual("A", "p1", at(9, 0), at(10, 0)), 40.0, -75.0, "19001")
	b := located(actual("B", "p2", at(10, 30), at(11, 30)), 41.0, -76.0, "19001")

	// WHEN: The pair is evaluated
	flags, _ := conflict.EvaluatePair(pair(a, b), testReference())

	// THEN: Nothing fires
	assert.False(t, flags.Any())
}

func TestEvaluate_DistanceFeasibleTravel(t *testing.T) {
	// GIVEN: Same locations with a four hour gap
	a := located(actual("A", "p1", at(9, 0), at(10, 0)), 40.0, -75.0, "19001")
	b := located(actual("B", "p2", at(14, 0), at(15, 0)), 41.0, -76.0, "18201")

	// WHEN: The pair is evaluated
	flags, derived := conflict.EvaluatePair(pair(a, b), testReference())

	// THEN: Travel fits, no flag, gap recorded
	assert.False(t, flags.Any())
	assert.Equal(t, 240, derived.MinuteDiffBetweenSch)
}

func TestEvaluate_DistanceMissingCoordinates(t *testing.T) {
	// GIVEN: B has no location
	a := located(actual("A", "p1", at(9, 0), at(10, 0)), 40.0, -75.0, "19001")
	b := actual("B", "p2", at(10, 30), at(11, 30))

	// WHEN: The pair is evaluated
	flags, derived := conflict.EvaluatePair(pair(a, b), testReference())

	// THEN: No distance, no flag
	assert.False(t, flags.Any())
	assert.False(t, derived.DistanceMiles.Valid)
	assert.False(t, derived.ETATravelMinutes.Valid)
}

func TestEvaluate_TableOfRules(t *testing.T) {
	tests := []struct {
		name string
		a, b conflict.Visit
		want conflict.RuleFlags
	}{
		{
			name: "same actual time",
			a:    actual("A", "p1", at(8, 0), at(9, 0)),
			b:    actual("B", "p2", at(8, 0), at(9, 0)),
			want: flagsWith(conflict.RuleSameVisitTime),
		},
		{
			name: "scheduled equals actual",
			a:    scheduled("A", "p1", at(8, 0), at(9, 0)),
			b:    actual("B", "p2", at(8, 0), at(9, 0)),
			want: flagsWith(conflict.RuleSchAndVisitTimeSame),
		},
		{
			name: "scheduled overlaps scheduled",
			a:    scheduled("A", "p1", at(8, 0), at(9, 0)),
			b:    scheduled("B", "p2", at(8, 30), at(9, 30)),
			want: flagsWith(conflict.RuleSchOverAnotherSchTime),
		},
		{
			name: "scheduled overlaps actual",
			a:    scheduled("A", "p1", at(8, 0), at(9, 0)),
			b:    actual("B", "p2", at(8, 45), at(10, 0)),
			want: flagsWith(conflict.RuleSchTimeOverVisitTime),
		},
		{
			name: "touching windows do not overlap",
			a:    scheduled("A", "p1", at(8, 0), at(9, 0)),
			b:    scheduled("B", "p2", at(9, 0), at(10, 0)),
			want: conflict.NoFlags(),
		},
		{
			name: "disjoint windows",
			a:    actual("A", "p1", at(8, 0), at(9, 0)),
			b:    actual("B", "p2", at(13, 0), at(14, 0)),
			want: conflict.NoFlags(),
		},
		{
			name: "scheduled-only never compares with actual for rule 4",
			a:    scheduled("A", "p1", at(8, 0), at(9, 0)),
			b:    actual("B", "p2", at(13, 0), at(14, 0)),
			want: conflict.NoFlags(),
		},
	}

	ref := testReference()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := conflict.EvaluatePair(pair(tt.a, tt.b), ref)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// SYMMETRY
// =============================================================================

func TestEvaluate_SymmetricAcrossOrientations(t *testing.T) {
	// GIVEN: A mix of scheduled-only and actualized visits
	visits := []conflict.Visit{
		scheduled("A", "p1", at(8, 0), at(9, 0)),
		actual("B", "p2", at(8, 0), at(9, 0)),
		actual("C", "p3", at(8, 30), at(9, 30)),
		scheduled("D", "p4", at(8, 15), at(8, 45)),
		located(actual("E", "p5", at(11, 0), at(12, 0)), 40.0, -75.0, "19001"),
		located(actual("F", "p6", at(12, 20), at(13, 0)), 41.0, -76.0, "18201"),
	}
	var pairs []conflict.Pair
	for _, a := range visits {
		for _, b := range visits {
			if a.VisitID != b.VisitID {
				pairs = append(pairs, pair(a, b))
			}
		}
	}

	// WHEN: The whole batch is evaluated at once
	batch := conflict.NewPairBatch(pairs)
	ev := conflict.Evaluate(batch, testReference())

	// THEN: (A,B) and (B,A) always carry the same flags
	byID := make(map[conflict.PairID]conflict.RuleFlags)
	for i, p := range pairs {
		byID[p.ID()] = ev.Row(i)
	}
	for id, flags := range byID {
		assert.Equal(t, flags, byID[id.Mirror()], "pair %s", id)
	}
	assert.True(t, byID[pid("E", "F")][conflict.RuleDistance].IsSet())
}

func TestEvaluate_EmptyBatch(t *testing.T) {
	ev := conflict.Evaluate(conflict.NewPairBatch(nil), testReference())
	assert.Empty(t, ev.Derived)
}
