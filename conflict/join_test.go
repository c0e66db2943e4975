package conflict_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/conflict-engine/conflict"
)

func pairIDs(pairs []conflict.Pair) []conflict.PairID {
	out := make([]conflict.PairID, len(pairs))
	for i, p := range pairs {
		out[i] = p.ID()
	}
	return out
}

func TestJoin_FiltersSelfAndSameProvider(t *testing.T) {
	// GIVEN: A and B share a provider, C is another provider
	a := scheduled("A", "p1", at(8, 0), at(9, 0))
	b := scheduled("B", "p1", at(8, 0), at(9, 0))
	c := scheduled("C", "p2", at(8, 0), at(9, 0))
	visits := []conflict.Visit{a, b, c}

	// WHEN: Joined symmetrically
	res := conflict.Join(conflict.JoinInput{Changed: visits, Mode: conflict.JoinSymmetric}, testReference())

	// THEN: Only cross-provider pairs, both orientations
	assert.Equal(t, []conflict.PairID{pid("A", "C"), pid("B", "C"), pid("C", "A"), pid("C", "B")}, pairIDs(res.Pairs))
}

func TestJoin_DifferentKeysNeverPair(t *testing.T) {
	// GIVEN: Two visits on different subjects
	a := scheduled("A", "p1", at(8, 0), at(9, 0))
	b := scheduled("B", "p2", at(8, 0), at(9, 0))
	b.SSN = "999-99-9999"

	// WHEN: Joined
	res := conflict.Join(conflict.JoinInput{Changed: []conflict.Visit{a, b}, Mode: conflict.JoinSymmetric}, testReference())

	// THEN: No pairs
	assert.Empty(t, res.Pairs)
}

func TestJoin_AsymmetricFindsUnchangedPartner(t *testing.T) {
	// GIVEN: Only A changed; B is an unchanged visit on the same key
	a := scheduled("A", "p1", at(8, 0), at(9, 0))
	b := scheduled("B", "p2", at(8, 30), at(9, 30))

	// WHEN: Joined in both modes
	sym := conflict.Join(conflict.JoinInput{Changed: []conflict.Visit{a}, Population: []conflict.Visit{a, b}, Mode: conflict.JoinSymmetric}, testReference())
	asym := conflict.Join(conflict.JoinInput{Changed: []conflict.Visit{a}, Population: []conflict.Visit{a, b}, Mode: conflict.JoinAsymmetric}, testReference())

	// THEN: Symmetric misses the pair, asymmetric finds both orientations
	assert.Empty(t, sym.Pairs)
	assert.Equal(t, []conflict.PairID{pid("A", "B"), pid("B", "A")}, pairIDs(asym.Pairs))

	// AND: Symmetric does not claim to cover the unevaluated pair
	assert.False(t, sym.Covers(pid("A", "B")))
	assert.True(t, asym.Covers(pid("A", "B")))
}

func TestJoin_ModesAgreeOnSharedPairs(t *testing.T) {
	// GIVEN: Every visit changed (full rebuild)
	visits := []conflict.Visit{
		scheduled("A", "p1", at(8, 0), at(9, 0)),
		actual("B", "p2", at(8, 30), at(9, 30)),
		scheduled("C", "p3", at(8, 0), at(9, 0)),
	}
	ref := testReference()

	// WHEN: Detected in both modes
	sym, _ := conflict.Detect(conflict.JoinInput{Changed: visits, Mode: conflict.JoinSymmetric}, ref)
	asym, _ := conflict.Detect(conflict.JoinInput{Changed: visits, Population: visits, Mode: conflict.JoinAsymmetric}, ref)

	// THEN: Identical detections
	require.Len(t, sym, len(asym))
	for i := range sym {
		assert.Equal(t, sym[i].Pair.ID(), asym[i].Pair.ID())
		assert.Equal(t, sym[i].Flags, asym[i].Flags)
	}
}

func TestJoin_SkipsMalformedAndExcluded(t *testing.T) {
	// GIVEN: A malformed visit, an excluded agency, a deleted visit and a good pair
	bad := scheduled("BAD", "p9", at(10, 0), at(9, 0))
	excluded := scheduled("EX", "p8", at(8, 0), at(9, 0))
	deleted := scheduled("DEL", "p7", at(8, 0), at(9, 0))
	deleted.Deleted = true
	a := scheduled("A", "p1", at(8, 0), at(9, 0))
	b := scheduled("B", "p2", at(8, 0), at(9, 0))

	ref := testReference()
	ref.ExcludedAgencies = conflict.NewStringSet(excluded.AgencyID)

	// WHEN: Joined
	res := conflict.Join(conflict.JoinInput{
		Changed: []conflict.Visit{bad, excluded, deleted, a, b},
		Mode:    conflict.JoinSymmetric,
	}, ref)

	// THEN: Only A/B pair; the malformed visit is reported, the deleted one is in scope
	assert.Equal(t, []conflict.PairID{pid("A", "B"), pid("B", "A")}, pairIDs(res.Pairs))
	require.Len(t, res.Skipped, 1)
	assert.True(t, errors.Is(res.Skipped[0], conflict.ErrDataIntegrity))
	assert.Contains(t, res.Deleted, conflict.VisitID("DEL"))
	assert.True(t, res.Covers(pid("A", "DEL")))
	assert.True(t, res.TouchesDeleted(pid("DEL", "A")))
	assert.NotContains(t, res.Scope, conflict.VisitID("BAD"))
}
