/*
rules.go - Columnar rule evaluation over a batch of candidate pairs

PURPOSE:
  Classifies every candidate pair with the seven conflict rules. The batch
  is stored column-wise (one slice per field per side) and every rule is a
  composition of whole-column mask operations, so evaluation does not branch
  per row.

THE RULES:
  1. SameSchTime                   both scheduled-only, identical scheduled windows
  2. SameVisitTime                 both actualized, identical actual windows
  3. SchAndVisitTimeSame           scheduled window of one equals actual window of the other
  4. SchOverAnotherSchTime         both scheduled-only, strict overlap, not identical
  5. VisitTimeOverAnotherVisitTime both actualized, strict overlap, not identical
  6. SchTimeOverVisitTime          scheduled-only vs actualized, strict overlap, not identical
  7. Distance                      travel between the two locations cannot fit in the gap

  Overlap is strict: a.Start < b.End AND a.End > b.Start. Identical windows
  belong to the "same" rules only.

SYMMETRY:
  Rules 3 and 6 are checked in both directions and every other rule is
  symmetric in its operands, so (A,B) and (B,A) produce the same flags.

SEE ALSO:
  - geo.go: Distance and ETA used by rule 7
  - join.go: Builds the []Pair this file turns into a PairBatch
*/
package conflict

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MASKS - Whole-column boolean operations
// =============================================================================

type mask []bool

func and(ms ...mask) mask {
	out := make(mask, len(ms[0]))
	for i := range out {
		out[i] = true
	}
	for _, m := range ms {
		for i := range out {
			out[i] = out[i] && m[i]
		}
	}
	return out
}

func or(ms ...mask) mask {
	out := make(mask, len(ms[0]))
	for _, m := range ms {
		for i := range out {
			out[i] = out[i] || m[i]
		}
	}
	return out
}

func not(m mask) mask {
	out := make(mask, len(m))
	for i := range m {
		out[i] = !m[i]
	}
	return out
}

func timesEqual(a, b []time.Time) mask {
	out := make(mask, len(a))
	for i := range a {
		out[i] = a[i].Equal(b[i])
	}
	return out
}

func timesBefore(a, b []time.Time) mask {
	out := make(mask, len(a))
	for i := range a {
		out[i] = a[i].Before(b[i])
	}
	return out
}

func stringsDiffer(a, b []string) mask {
	out := make(mask, len(a))
	for i := range a {
		out[i] = a[i] == "" || b[i] == "" || a[i] != b[i]
	}
	return out
}

// sameWindow is (aStart == bStart) AND (aEnd == bEnd).
func sameWindow(aStart, aEnd, bStart, bEnd []time.Time) mask {
	return and(timesEqual(aStart, bStart), timesEqual(aEnd, bEnd))
}

// overlaps is aStart < bEnd AND aEnd > bStart.
func overlaps(aStart, aEnd, bStart, bEnd []time.Time) mask {
	return and(timesBefore(aStart, bEnd), timesBefore(bStart, aEnd))
}

// =============================================================================
// PAIR BATCH - Column-wise view of []Pair
// =============================================================================

// side holds one side's columns. Unset times are the zero time.
type side struct {
	SchStart, SchEnd []time.Time
	ActStart, ActEnd []time.Time
	HasSch, HasAct   mask
	HasLoc           mask
	Loc              []*Coordinates
	Zip              []string
}

func newSide(n int) side {
	return side{
		SchStart: make([]time.Time, n), SchEnd: make([]time.Time, n),
		ActStart: make([]time.Time, n), ActEnd: make([]time.Time, n),
		HasSch: make(mask, n), HasAct: make(mask, n), HasLoc: make(mask, n),
		Loc: make([]*Coordinates, n), Zip: make([]string, n),
	}
}

func (s side) set(i int, v Visit) {
	s.SchStart[i], s.SchEnd[i] = v.Scheduled.Start, v.Scheduled.End
	s.ActStart[i], s.ActEnd[i] = v.Actual.Start, v.Actual.End
	s.HasSch[i] = v.Scheduled.Populated()
	s.HasAct[i] = v.Actual.Populated()
	s.Loc[i] = v.Location
	s.HasLoc[i] = v.Location != nil
	s.Zip[i] = v.ZipCode
}

// PairBatch is the columnar input to Evaluate.
type PairBatch struct {
	Pairs []Pair
	V     side
	C     side
}

func NewPairBatch(pairs []Pair) *PairBatch {
	n := len(pairs)
	b := &PairBatch{Pairs: pairs, V: newSide(n), C: newSide(n)}
	for i, p := range pairs {
		b.V.set(i, p.Visit)
		b.C.set(i, p.Con)
	}
	return b
}

func (b *PairBatch) Len() int { return len(b.Pairs) }

// =============================================================================
// EVALUATION
// =============================================================================

// Evaluation is the per-row rule output of a batch.
type Evaluation struct {
	Flags   [RuleCount]mask
	Derived []Derived
}

// Row returns the flags of row i.
func (e *Evaluation) Row(i int) RuleFlags {
	var f RuleFlags
	for r := range f {
		f[r] = FlagOf(e.Flags[r][i])
	}
	return f
}

// Evaluate applies the seven rules to every row of the batch.
func Evaluate(b *PairBatch, ref *ReferenceData) *Evaluation {
	n := b.Len()
	ev := &Evaluation{Derived: make([]Derived, n)}
	if n == 0 {
		for r := range ev.Flags {
			ev.Flags[r] = mask{}
		}
		return ev
	}
	v, c := b.V, b.C

	schOnlyV := and(v.HasSch, not(v.HasAct))
	schOnlyC := and(c.HasSch, not(c.HasAct))
	actV, actC := v.HasAct, c.HasAct

	sameSch := sameWindow(v.SchStart, v.SchEnd, c.SchStart, c.SchEnd)
	sameAct := sameWindow(v.ActStart, v.ActEnd, c.ActStart, c.ActEnd)
	schVEqActC := sameWindow(v.SchStart, v.SchEnd, c.ActStart, c.ActEnd)
	actVEqSchC := sameWindow(v.ActStart, v.ActEnd, c.SchStart, c.SchEnd)

	ev.Flags[RuleSameSchTime] = and(schOnlyV, schOnlyC, sameSch)

	ev.Flags[RuleSameVisitTime] = and(actV, actC, sameAct)

	ev.Flags[RuleSchAndVisitTimeSame] = or(
		and(schOnlyV, actC, schVEqActC),
		and(actV, schOnlyC, actVEqSchC),
	)

	ev.Flags[RuleSchOverAnotherSchTime] = and(schOnlyV, schOnlyC,
		overlaps(v.SchStart, v.SchEnd, c.SchStart, c.SchEnd), not(sameSch))

	ev.Flags[RuleVisitTimeOverAnotherVisitTime] = and(actV, actC,
		overlaps(v.ActStart, v.ActEnd, c.ActStart, c.ActEnd), not(sameAct))

	ev.Flags[RuleSchTimeOverVisitTime] = or(
		and(schOnlyV, actC, overlaps(v.SchStart, v.SchEnd, c.ActStart, c.ActEnd), not(schVEqActC)),
		and(actV, schOnlyC, overlaps(c.SchStart, c.SchEnd, v.ActStart, v.ActEnd), not(actVEqSchC)),
	)

	ev.Flags[RuleDistance] = evaluateTravel(b, ref, ev.Derived)
	return ev
}

// evaluateTravel computes rule 7 and fills the derived travel columns.
func evaluateTravel(b *PairBatch, ref *ReferenceData, derived []Derived) mask {
	v, c := b.V, b.C
	n := b.Len()

	hasLoc := and(v.HasLoc, c.HasLoc)
	bothAct := and(v.HasAct, c.HasAct)

	miles, milesOK := Distances(v.Loc, c.Loc, ref.Settings.ExtraDistancePer)
	eta, mph, etaOK, mphOK := ExpectedMinutesBatch(miles, milesOK, ref.Speeds)

	// Gap from the end of one visit to the start of the other, in minutes.
	gapVC := minutesBetween(v.ActEnd, c.ActStart)
	gapCV := minutesBetween(c.ActEnd, v.ActStart)

	impossibleVC := and(positive(gapVC), greater(eta, gapVC))
	impossibleCV := and(positive(gapCV), greater(eta, gapCV))

	for i := 0; i < n; i++ {
		derived[i].DistanceMiles = decimal.NullDecimal{Decimal: miles[i], Valid: milesOK[i]}
		derived[i].AverageMilesPerHour = decimal.NullDecimal{Decimal: mph[i], Valid: mphOK[i]}
		derived[i].ETATravelMinutes = decimal.NullDecimal{Decimal: eta[i], Valid: etaOK[i]}
		derived[i].MinuteDiffBetweenSch = minutePositiveGap(gapVC[i], gapCV[i], bothAct[i])
	}

	return and(hasLoc, bothAct, stringsDiffer(v.Zip, c.Zip), etaOK, or(impossibleVC, impossibleCV))
}

func minutesBetween(from, to []time.Time) []decimal.Decimal {
	out := make([]decimal.Decimal, len(from))
	for i := range from {
		secs := int64(to[i].Sub(from[i]) / time.Second)
		out[i] = decimal.NewFromInt(secs).Div(sixty)
	}
	return out
}

func positive(xs []decimal.Decimal) mask {
	out := make(mask, len(xs))
	for i := range xs {
		out[i] = xs[i].IsPositive()
	}
	return out
}

func greater(a, b []decimal.Decimal) mask {
	out := make(mask, len(a))
	for i := range a {
		out[i] = a[i].GreaterThan(b[i])
	}
	return out
}

// minutePositiveGap is the smaller positive gap, the positive one, or 0.
func minutePositiveGap(a, b decimal.Decimal, valid bool) int {
	if !valid {
		return 0
	}
	switch {
	case a.IsPositive() && b.IsPositive():
		return int(decimal.Min(a, b).IntPart())
	case a.IsPositive():
		return int(a.IntPart())
	case b.IsPositive():
		return int(b.IntPart())
	}
	return 0
}

// EvaluatePair is the scalar form of Evaluate for a single pair.
func EvaluatePair(p Pair, ref *ReferenceData) (RuleFlags, Derived) {
	ev := Evaluate(NewPairBatch([]Pair{p}), ref)
	return ev.Row(0), ev.Derived[0]
}
