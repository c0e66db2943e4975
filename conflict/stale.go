package conflict

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// STALE CLEANER - Pair-precise deactivation of conflicts that stopped firing
// =============================================================================

// StalePolicy selects what happens to a stale record.
type StalePolicy string

const (
	// StaleResolve marks the record R and resets every flag to N.
	StaleResolve StalePolicy = "resolve"
	// StaleRetain marks the record R and keeps its flags.
	StaleRetain StalePolicy = "retain"
	// StaleDelete removes the exact pair.
	StaleDelete StalePolicy = "delete"
)

func ParseStalePolicy(s string) (StalePolicy, error) {
	switch StalePolicy(s) {
	case StaleResolve, StaleRetain, StaleDelete:
		return StalePolicy(s), nil
	case "":
		return StaleResolve, nil
	}
	return "", fmt.Errorf("unknown stale policy %q", s)
}

// StaleCandidate is a persisted pair in scope for cleanup that the current
// pass did not detect.
type StaleCandidate struct {
	PairID
	Key          Key
	VisitDeleted bool
}

// FindStale selects the persisted records the join covered but did not
// detect, plus those with a side that departed the record's key.
func FindStale(persisted map[PairID]Record, jr JoinResult, detected map[PairID]struct{}) []StaleCandidate {
	var out []StaleCandidate
	for id, rec := range persisted {
		if _, ok := detected[id]; ok {
			continue
		}
		if rec.Malformed != nil || rec.InService || rec.Status.IsAnalyst() || rec.Status.IsInactive() {
			continue
		}
		if !jr.Covers(id) && !jr.Departed(rec.Key, id) {
			continue
		}
		out = append(out, StaleCandidate{PairID: id, Key: rec.Key, VisitDeleted: jr.TouchesDeleted(id)})
	}
	sortCandidates(out)
	return out
}

func sortCandidates(cs []StaleCandidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].VisitID != cs[j].VisitID {
			return cs[i].VisitID < cs[j].VisitID
		}
		return cs[i].ConVisitID < cs[j].ConVisitID
	})
}

// StaleAction is the cleaner's decision for one candidate.
type StaleAction int

const (
	StaleSkip StaleAction = iota
	StaleUpdate
	StaleRemove
)

// StaleCleaner applies a StalePolicy to candidates.
type StaleCleaner struct {
	Policy StalePolicy
	Now    func() time.Time
}

func NewStaleCleaner(policy StalePolicy) *StaleCleaner {
	if policy == "" {
		policy = StaleResolve
	}
	return &StaleCleaner{Policy: policy, Now: func() time.Time { return time.Now().UTC() }}
}

// Clean decides what to do with the current record of a candidate.
// Analyst-held (W/I) and already inactive (R/D) records are never touched.
func (c *StaleCleaner) Clean(rec Record, cand StaleCandidate) (StaleAction, Record, error) {
	if err := rec.Validate(); err != nil {
		return StaleSkip, rec, err
	}
	if rec.Status.IsAnalyst() || rec.Status.IsInactive() {
		return StaleSkip, rec, nil
	}
	if c.Policy == StaleDelete {
		return StaleRemove, rec, nil
	}

	now := c.Now()
	out := rec
	out.Status = StatusResolved
	if cand.VisitDeleted {
		out.Status = StatusDeleted
	}
	if c.Policy == StaleResolve {
		out.Flags = NoFlags()
	}
	out.UpdatedAt = now
	out.ResolvedAt = &now
	return StaleUpdate, out, nil
}
