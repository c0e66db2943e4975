package conflict_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/conflict-engine/conflict"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func fixedMerger(opts conflict.MergeOptions, now time.Time) *conflict.Merger {
	m := conflict.NewMerger(opts)
	m.Now = func() time.Time { return now }
	return m
}

func detection(a, b conflict.Visit, rules ...conflict.Rule) conflict.Detection {
	return conflict.Detection{Pair: pair(a, b), Flags: flagsWith(rules...)}
}

func persisted(recs ...conflict.Record) map[conflict.PairID]conflict.Record {
	out := make(map[conflict.PairID]conflict.Record, len(recs))
	for _, r := range recs {
		out[r.PairID] = r
	}
	return out
}

var (
	visitA = scheduled("A", "p1", at(8, 0), at(9, 0))
	visitB = scheduled("B", "p2", at(8, 0), at(9, 0))
	t0     = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	t1     = t0.Add(24 * time.Hour)
)

func insertAll(t *testing.T, m *conflict.Merger, ds ...conflict.Detection) map[conflict.PairID]conflict.Record {
	plan := m.Merge(ds, nil)
	require.Empty(t, plan.Errors)
	return persisted(plan.Writes()...)
}

// =============================================================================
// INSERTS
// =============================================================================

func TestMerge_InsertNewRecord(t *testing.T) {
	// GIVEN: A fresh detection and nothing persisted
	m := fixedMerger(conflict.DefaultMergeOptions(), t0)

	// WHEN: Merged
	plan := m.Merge([]conflict.Detection{detection(visitA, visitB, conflict.RuleSameSchTime)}, nil)

	// THEN: One insert with status N and a deterministic ConflictID
	require.Len(t, plan.Ops, 1)
	op := plan.Ops[0]
	assert.Equal(t, conflict.ActionInsert, op.Action)
	assert.Equal(t, conflict.StatusNew, op.Record.Status)
	assert.Equal(t, conflict.NewConflictID(pid("A", "B")), op.Record.ConflictID)
	assert.Equal(t, t0, op.Record.CreatedAt)
	assert.Equal(t, 1, plan.Counts.Inserted)
}

func TestMerge_InsertAsUpdatedWhenConfigured(t *testing.T) {
	m := fixedMerger(conflict.MergeOptions{InsertStatus: conflict.StatusUpdated, SkipUnchanged: true}, t0)
	plan := m.Merge([]conflict.Detection{detection(visitA, visitB, conflict.RuleSameSchTime)}, nil)
	assert.Equal(t, conflict.StatusUpdated, plan.Ops[0].Record.Status)
}

func TestMerge_BothOrientationsShareConflictID(t *testing.T) {
	// GIVEN: (B,A) already persisted with a legacy, non-derived ConflictID
	m := fixedMerger(conflict.DefaultMergeOptions(), t0)
	mirror := conflict.Record{
		PairID: pid("B", "A"), ConflictID: "legacy-42", Key: visitA.Key(),
		Flags: flagsWith(conflict.RuleSameSchTime), Status: conflict.StatusNew,
	}

	// WHEN: (A,B) is detected for the first time
	plan := m.Merge([]conflict.Detection{detection(visitA, visitB, conflict.RuleSameSchTime)}, persisted(mirror))

	// THEN: It inherits the mirror's id
	assert.Equal(t, conflict.ConflictID("legacy-42"), plan.Ops[0].Record.ConflictID)
	assert.Equal(t, conflict.NewConflictID(pid("A", "B")), conflict.NewConflictID(pid("B", "A")))
}

// =============================================================================
// UPDATES
// =============================================================================

func TestMerge_FlagsOnlyTurnOn(t *testing.T) {
	// GIVEN: A persisted record with SameSchTime=Y
	m := fixedMerger(conflict.DefaultMergeOptions(), t0)
	db := insertAll(t, m, detection(visitA, visitB, conflict.RuleSameSchTime))

	// WHEN: A later pass sees only the overlap rule
	m.Now = func() time.Time { return t1 }
	plan := m.Merge([]conflict.Detection{detection(visitA, visitB, conflict.RuleSchOverAnotherSchTime)}, db)

	// THEN: Both flags are Y, status U, ConflictID unchanged
	require.Len(t, plan.Ops, 1)
	rec := plan.Ops[0].Record
	assert.Equal(t, conflict.ActionUpdate, plan.Ops[0].Action)
	assert.Equal(t, flagsWith(conflict.RuleSameSchTime, conflict.RuleSchOverAnotherSchTime), rec.Flags)
	assert.Equal(t, conflict.StatusUpdated, rec.Status)
	assert.Equal(t, db[pid("A", "B")].ConflictID, rec.ConflictID)
	assert.Equal(t, t1, rec.UpdatedAt)
	assert.Equal(t, t0, rec.CreatedAt)
}

func TestMerge_WhitelistedIsSticky(t *testing.T) {
	// GIVEN: A persisted record DistanceFlag=Y, StatusFlag=W
	m := fixedMerger(conflict.DefaultMergeOptions(), t0)
	rec := conflict.Record{
		PairID: pid("A", "B"), ConflictID: "c-1", Key: visitA.Key(),
		ProviderID: "p1", ConProviderID: "p2", AgencyID: "agency-p1", ConAgencyID: "agency-p2",
		Flags: flagsWith(conflict.RuleDistance), Status: conflict.StatusWhitelisted,
	}

	// WHEN: A new pass computes DistanceFlag=N but another rule fires
	plan := m.Merge([]conflict.Detection{detection(visitA, visitB, conflict.RuleSameSchTime)}, persisted(rec))

	// THEN: StatusFlag stays W and DistanceFlag stays Y
	got := plan.Ops[0].Record
	assert.Equal(t, conflict.StatusWhitelisted, got.Status)
	assert.Equal(t, conflict.FlagYes, got.Flags[conflict.RuleDistance])
	assert.Equal(t, conflict.FlagYes, got.Flags[conflict.RuleSameSchTime])
	assert.Equal(t, conflict.ConflictID("c-1"), got.ConflictID)
}

func TestMerge_ReactivatesResolvedRecord(t *testing.T) {
	// GIVEN: A record resolved by an earlier cleanup
	m := fixedMerger(conflict.DefaultMergeOptions(), t0)
	db := insertAll(t, m, detection(visitA, visitB, conflict.RuleSameSchTime))
	rec := db[pid("A", "B")]
	rec.Status = conflict.StatusResolved
	rec.ResolvedAt = &t0
	db[rec.PairID] = rec

	// WHEN: The same conflict is detected again
	plan := m.Merge([]conflict.Detection{detection(visitA, visitB, conflict.RuleSameSchTime)}, db)

	// THEN: It comes back as U
	assert.Equal(t, conflict.ActionUpdate, plan.Ops[0].Action)
	assert.Equal(t, conflict.StatusUpdated, plan.Ops[0].Record.Status)
	assert.Nil(t, plan.Ops[0].Record.ResolvedAt)
}

func TestMerge_InvalidPersistedStateIsSkipped(t *testing.T) {
	// GIVEN: A persisted record with StatusFlag=X
	m := fixedMerger(conflict.DefaultMergeOptions(), t0)
	bad := conflict.Record{PairID: pid("A", "B"), ConflictID: "c-1", Flags: conflict.NoFlags(), Status: "X"}
	good := detection(visitB, visitA, conflict.RuleSameSchTime)

	// WHEN: Both orientations are merged
	plan := m.Merge([]conflict.Detection{detection(visitA, visitB, conflict.RuleSameSchTime), good}, persisted(bad))

	// THEN: The bad record is reported, the other pair is still inserted
	require.Len(t, plan.Errors, 1)
	assert.True(t, errors.Is(plan.Errors[0], conflict.ErrReconciliationConflict))
	assert.Equal(t, 1, plan.Counts.Errored)
	require.Len(t, plan.Ops, 1)
	assert.Equal(t, conflict.ConflictID("c-1"), plan.Ops[0].Record.ConflictID)
}

// =============================================================================
// IDEMPOTENCE AND SKIP-UNCHANGED
// =============================================================================

func TestMerge_SecondPassWritesNothing(t *testing.T) {
	// GIVEN: A first pass already persisted
	m := fixedMerger(conflict.DefaultMergeOptions(), t0)
	ds := []conflict.Detection{
		detection(visitA, visitB, conflict.RuleSameSchTime),
		detection(visitB, visitA, conflict.RuleSameSchTime),
	}
	db := insertAll(t, m, ds...)

	// WHEN: The same detections are merged again
	m.Now = func() time.Time { return t1 }
	plan := m.Merge(ds, db)

	// THEN: Zero writes, both unchanged
	assert.Empty(t, plan.Writes())
	assert.Equal(t, 2, plan.Counts.Unchanged)
}

func TestMerge_SkipUnchangedDoesNotChangeFinalState(t *testing.T) {
	// GIVEN: The same persisted state merged with and without skipping
	ds := []conflict.Detection{detection(visitA, visitB, conflict.RuleSameSchTime)}
	db := insertAll(t, fixedMerger(conflict.DefaultMergeOptions(), t0), ds...)

	skip := fixedMerger(conflict.MergeOptions{InsertStatus: conflict.StatusNew, SkipUnchanged: true}, t1)
	rewrite := fixedMerger(conflict.MergeOptions{InsertStatus: conflict.StatusNew, SkipUnchanged: false}, t1)

	// WHEN: Each merges the unchanged detection
	skipPlan := skip.Merge(ds, db)
	rewritePlan := rewrite.Merge(ds, db)

	// THEN: Skip writes nothing, rewrite writes the identical row
	assert.Empty(t, skipPlan.Writes())
	require.Len(t, rewritePlan.Writes(), 1)
	assert.Equal(t, db[pid("A", "B")], rewritePlan.Writes()[0])
	assert.Equal(t, conflict.ActionRewrite, rewritePlan.Ops[0].Action)
}

func TestMerge_ConflictIDStableAcrossManyPasses(t *testing.T) {
	m := fixedMerger(conflict.DefaultMergeOptions(), t0)
	db := insertAll(t, m, detection(visitA, visitB, conflict.RuleSameSchTime))
	want := db[pid("A", "B")].ConflictID

	rules := []conflict.Rule{conflict.RuleSchOverAnotherSchTime, conflict.RuleDistance, conflict.RuleSameSchTime}
	for i, r := range rules {
		m.Now = func() time.Time { return t0.Add(time.Duration(i+1) * time.Hour) }
		plan := m.Merge([]conflict.Detection{detection(visitA, visitB, r)}, db)
		for _, w := range plan.Writes() {
			db[w.PairID] = w
		}
		assert.Equal(t, want, db[pid("A", "B")].ConflictID)
	}
}
