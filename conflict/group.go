package conflict

import (
	"context"
	"slices"
	"sort"
	"time"
)

// =============================================================================
// GROUP ROLLUP - Parent status derived from child detail records
// =============================================================================

// RollupStatus derives a group's status from its children.
//
//   - W/I on the group are analyst decisions and are kept.
//   - Every child D: the group is D. Every child R or D: the group is R.
//   - Any child U, or a previously inactive group with a live child: U.
//   - A new group starts at N.
func RollupStatus(current Status, children []Record) Status {
	if current.IsAnalyst() {
		return current
	}
	if len(children) == 0 {
		return StatusResolved
	}

	allInactive, allDeleted, anyUpdated := true, true, false
	for _, c := range children {
		if !c.Status.IsInactive() {
			allInactive = false
		}
		if c.Status != StatusDeleted {
			allDeleted = false
		}
		if c.Status == StatusUpdated {
			anyUpdated = true
		}
	}

	switch {
	case allDeleted:
		return StatusDeleted
	case allInactive:
		return StatusResolved
	case anyUpdated:
		return StatusUpdated
	case current == "":
		return StatusNew
	case current.IsInactive():
		return StatusUpdated
	}
	return current
}

// Rollup recomputes a group from its children. current is nil for a new group.
func Rollup(id ConflictID, current *Group, children []Record, now time.Time) Group {
	g := Group{ConflictID: id, UpdatedAt: now}
	var status Status
	if current != nil {
		g = *current
		status = current.Status
	}
	if len(children) > 0 {
		g.Key = children[0].Key
	}
	g.Children = len(children)
	next := RollupStatus(status, children)
	if current == nil || next != current.Status || g.Children != current.Children {
		g.UpdatedAt = now
	}
	g.Status = next
	return g
}

// RefreshGroups recomputes the groups of ids from their children and writes
// the ones that changed. Groups left without children are removed.
func RefreshGroups(ctx context.Context, s RecordStore, ids []ConflictID, now time.Time) error {
	uniq := make(map[ConflictID]struct{}, len(ids))
	ordered := make([]ConflictID, 0, len(ids))
	for _, id := range ids {
		if _, ok := uniq[id]; ok || id == "" {
			continue
		}
		uniq[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, id := range ordered {
		children, err := s.RecordsByConflict(ctx, id)
		if err != nil {
			return err
		}
		// A group with an undecodable child keeps its stored rollup.
		if slices.ContainsFunc(children, func(r Record) bool { return r.Malformed != nil }) {
			continue
		}
		current, err := s.GetGroup(ctx, id)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			if current != nil {
				if err := s.DeleteGroup(ctx, id); err != nil {
					return err
				}
			}
			continue
		}
		next := Rollup(id, current, children, now)
		if current != nil && sameGroup(*current, next) {
			continue
		}
		if err := s.SaveGroup(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

func sameGroup(a, b Group) bool {
	return a.ConflictID == b.ConflictID && a.Key.SSN == b.Key.SSN && a.Key.Date.Equal(b.Key.Date) &&
		a.Status == b.Status && a.Children == b.Children && a.UpdatedAt.Equal(b.UpdatedAt)
}

// =============================================================================
// DISPOSITIONS - Analyst decisions cascade from group to children
// =============================================================================

// ValidDisposition reports the statuses an analyst may set.
func ValidDisposition(s Status) bool {
	return s == StatusWhitelisted || s == StatusIgnored || s == StatusNew
}

// ApplyDisposition sets an analyst decision on a group and its children.
// W and I are copied to every child. N reopens the group: analyst-held
// children return to N and inactive children stay inactive.
func ApplyDisposition(g Group, children []Record, s Status, now time.Time) (Group, []Record, error) {
	if !ValidDisposition(s) {
		return g, nil, ErrInvalidDisposition
	}

	all := make([]Record, len(children))
	var changed []Record
	for i, c := range children {
		switch {
		case s.IsAnalyst():
			c.Status = s
		case c.Status.IsAnalyst():
			c.Status = StatusNew
		default:
			all[i] = c
			continue
		}
		c.UpdatedAt = now
		all[i] = c
		changed = append(changed, c)
	}

	if s.IsAnalyst() {
		g.Status = s
	} else {
		g.Status = RollupStatus("", all)
	}
	g.Children = len(children)
	g.UpdatedAt = now
	return g, changed, nil
}
