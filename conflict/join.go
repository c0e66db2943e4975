package conflict

import (
	"fmt"
	"sort"
)

// =============================================================================
// PAIR JOINER - Candidate pair generation per (VisitDate, SSN)
// =============================================================================

// JoinMode selects the comparison population.
type JoinMode string

const (
	// JoinSymmetric compares changed visits only with each other.
	JoinSymmetric JoinMode = "symmetric"
	// JoinAsymmetric compares changed visits with every visit on their keys.
	JoinAsymmetric JoinMode = "asymmetric"
)

func ParseJoinMode(s string) (JoinMode, error) {
	switch JoinMode(s) {
	case JoinSymmetric, JoinAsymmetric:
		return JoinMode(s), nil
	case "":
		return JoinAsymmetric, nil
	}
	return "", fmt.Errorf("unknown join mode %q", s)
}

// JoinInput is one chunk's visits.
type JoinInput struct {
	// Changed is V1: visits changed since the last reconciliation (or all
	// visits in a full rebuild).
	Changed []Visit
	// Population is every visit on the chunk keys. JoinAsymmetric compares
	// against it; both modes use it to tell which visits left a key.
	Population []Visit
	Mode       JoinMode
	// Keys are the keys Population was loaded for. When empty, the keys of
	// Changed and Population are used.
	Keys []Key
}

// JoinResult is the candidate set plus the scope the cleaner needs.
type JoinResult struct {
	Mode  JoinMode
	Pairs []Pair
	// Scope is every V1 visit id, deleted ones included. Persisted records
	// touching these ids are candidates for stale cleanup.
	Scope map[VisitID]struct{}
	// Deleted is the subset of Scope deleted at the source.
	Deleted map[VisitID]struct{}
	// Compared is every well-formed visit the join compared against, excluded
	// ones included.
	Compared map[VisitID]struct{}
	// Loaded maps every visit seen on the chunk keys, malformed and deleted
	// ones included, to its current key.
	Loaded map[VisitID]Key
	// Keys are the keys whose population was loaded.
	Keys map[Key]struct{}
	// Skipped holds a DataIntegrityError per malformed visit.
	Skipped []error
}

// Join builds the candidate pairs for one chunk. Pairs share (VisitDate, SSN),
// never pair a visit with itself, and never pair two visits of one provider.
// Both orientations of every candidate are returned, sorted by PairID.
func Join(in JoinInput, ref *ReferenceData) JoinResult {
	res := JoinResult{
		Mode:     in.Mode,
		Scope:    make(map[VisitID]struct{}),
		Deleted:  make(map[VisitID]struct{}),
		Compared: make(map[VisitID]struct{}),
		Loaded:   make(map[VisitID]Key),
		Keys:     make(map[Key]struct{}),
	}
	for _, k := range in.Keys {
		res.Keys[k] = struct{}{}
	}
	for _, vs := range [][]Visit{in.Population, in.Changed} {
		for _, v := range vs {
			res.Loaded[v.VisitID] = v.Key()
			if len(in.Keys) == 0 {
				res.Keys[v.Key()] = struct{}{}
			}
		}
	}

	v1 := make([]Visit, 0, len(in.Changed))
	for _, v := range in.Changed {
		if v.Deleted {
			res.Scope[v.VisitID] = struct{}{}
			res.Deleted[v.VisitID] = struct{}{}
			continue
		}
		if err := v.Validate(); err != nil {
			res.Skipped = append(res.Skipped, err)
			continue
		}
		res.Scope[v.VisitID] = struct{}{}
		res.Compared[v.VisitID] = struct{}{}
		if ref.Excludes(v) {
			continue
		}
		v1 = append(v1, v)
	}

	v2 := v1
	if in.Mode == JoinAsymmetric {
		v2 = make([]Visit, 0, len(in.Population))
		for _, v := range in.Population {
			if v.Deleted || v.Validate() != nil {
				continue
			}
			res.Compared[v.VisitID] = struct{}{}
			if ref.Excludes(v) {
				continue
			}
			v2 = append(v2, v)
		}
	}

	byKey := make(map[Key][]Visit)
	for _, v := range v2 {
		byKey[v.Key()] = append(byKey[v.Key()], v)
	}

	seen := make(map[PairID]struct{})
	add := func(a, b Visit) {
		p := Pair{Visit: a, Con: b}
		id := p.ID()
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		res.Pairs = append(res.Pairs, p)
	}

	for _, a := range v1 {
		for _, b := range byKey[a.Key()] {
			if a.VisitID == b.VisitID || a.ProviderID == b.ProviderID {
				continue
			}
			add(a, b)
			add(b, a)
		}
	}

	sort.Slice(res.Pairs, func(i, j int) bool {
		a, b := res.Pairs[i].ID(), res.Pairs[j].ID()
		if a.VisitID != b.VisitID {
			return a.VisitID < b.VisitID
		}
		return a.ConVisitID < b.ConVisitID
	})
	return res
}

// Covers reports whether this join evaluated the persisted pair id, so that
// its absence from the detections means no rule fires anymore. A pair with a
// deleted side is always covered. Otherwise one side must be in V1 and both
// sides must have been compared.
func (r JoinResult) Covers(id PairID) bool {
	if r.TouchesDeleted(id) {
		return true
	}
	_, inA := r.Scope[id.VisitID]
	_, inB := r.Scope[id.ConVisitID]
	_, cmpA := r.Compared[id.VisitID]
	_, cmpB := r.Compared[id.ConVisitID]
	return (inA || inB) && cmpA && cmpB
}

// Departed reports whether a side of a pair persisted on key is no longer on
// that key: it moved to another date or subject, or vanished from the source.
// Such a pair cannot fire any rule. Only keys whose population was loaded
// are judged.
func (r JoinResult) Departed(key Key, id PairID) bool {
	if _, ok := r.Keys[key]; !ok {
		return false
	}
	for _, v := range []VisitID{id.VisitID, id.ConVisitID} {
		if k, ok := r.Loaded[v]; !ok || !k.Equal(key) {
			return true
		}
	}
	return false
}

// TouchesDeleted reports whether either side of id was deleted at the source.
func (r JoinResult) TouchesDeleted(id PairID) bool {
	_, delA := r.Deleted[id.VisitID]
	_, delB := r.Deleted[id.ConVisitID]
	return delA || delB
}

// Detection is an evaluated pair with at least one rule set.
type Detection struct {
	Pair    Pair
	Flags   RuleFlags
	Derived Derived
	// InService marks a visit against an in-service event.
	InService bool
}

// Detect joins and evaluates in one step, returning only conflicting pairs.
func Detect(in JoinInput, ref *ReferenceData) ([]Detection, JoinResult) {
	jr := Join(in, ref)
	ev := Evaluate(NewPairBatch(jr.Pairs), ref)

	var out []Detection
	for i, p := range jr.Pairs {
		flags := ev.Row(i)
		if !flags.Any() {
			continue
		}
		out = append(out, Detection{Pair: p, Flags: flags, Derived: ev.Derived[i]})
	}
	return out, jr
}
