/*
merge.go - Disposition-preserving reconciliation of fresh detections

PURPOSE:
  Combines freshly evaluated conflicting pairs with the records already
  persisted for them and decides, per pair, whether to insert, update or
  leave the row alone.

MERGE RULES (existing record):
  - A rule flag persisted as Y stays Y; otherwise the fresh value is taken.
  - Derived travel fields and provider/agency ids take the fresh values.
  - StatusFlag becomes U when content changed or the record is reactivated
    from R/D. W and I are never changed.
  - ConflictID is copied forward.

CONFLICT IDS (new record):
  Own record, then the mirror record (B,A), then a UUIDv5 over the canonical
  pair. Both orientations of a pair therefore always share one ConflictID.

SKIP-UNCHANGED:
  A merged record identical to the persisted one is reported as Unchanged
  and produces no write. With SkipUnchanged off it is rewritten as-is, so
  the final persisted state is the same either way.

SEE ALSO:
  - stale.go: The other half of reconciliation (pairs that stopped conflicting)
  - group.go: Parent group status rollup
*/
package conflict

import (
	"time"

	"github.com/google/uuid"
)

// conflictNamespace seeds UUIDv5 conflict ids.
var conflictNamespace = uuid.MustParse("6f1c2a4e-9b7d-4c3e-8a21-4d0e7b9f3c52")

// NewConflictID derives the stable id of the unordered pair.
func NewConflictID(id PairID) ConflictID {
	c := id.Canonical()
	return ConflictID(uuid.NewSHA1(conflictNamespace, []byte(c.String())).String())
}

// =============================================================================
// COUNTS
// =============================================================================

// Counts tallies per-chunk outcomes.
type Counts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Cleaned   int `json:"cleaned"`
	Errored   int `json:"errored"`
	Skipped   int `json:"skipped"`
}

func (c *Counts) Add(o Counts) {
	c.Inserted += o.Inserted
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
	c.Cleaned += o.Cleaned
	c.Errored += o.Errored
	c.Skipped += o.Skipped
}

// Writes is the number of rows a chunk wrote.
func (c Counts) Writes() int { return c.Inserted + c.Updated + c.Cleaned }

// =============================================================================
// MERGER
// =============================================================================

type MergeAction int

const (
	ActionInsert MergeAction = iota
	ActionUpdate
	ActionUnchanged
	ActionRewrite
)

func (a MergeAction) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionUnchanged:
		return "unchanged"
	case ActionRewrite:
		return "rewrite"
	}
	return "unknown"
}

// Writes reports whether the action persists a row.
func (a MergeAction) Writes() bool { return a != ActionUnchanged }

// MergeOp is the decision for one pair.
type MergeOp struct {
	Action   MergeAction
	Record   Record
	Previous *Record
}

// MergePlan is the outcome of merging one chunk.
type MergePlan struct {
	Ops    []MergeOp
	Errors []error
	Counts Counts
}

// Writes returns the ops that persist a row.
func (p MergePlan) Writes() []Record {
	var out []Record
	for _, op := range p.Ops {
		if op.Action.Writes() {
			out = append(out, op.Record)
		}
	}
	return out
}

// MergeOptions configures insert status and write skipping.
type MergeOptions struct {
	// InsertStatus is N unless configured to U.
	InsertStatus  Status
	SkipUnchanged bool
}

func DefaultMergeOptions() MergeOptions {
	return MergeOptions{InsertStatus: StatusNew, SkipUnchanged: true}
}

// Merger reconciles detections against persisted records.
type Merger struct {
	Options MergeOptions
	Now     func() time.Time
}

func NewMerger(opts MergeOptions) *Merger {
	if opts.InsertStatus == "" {
		opts.InsertStatus = StatusNew
	}
	return &Merger{Options: opts, Now: func() time.Time { return time.Now().UTC() }}
}

// Merge decides the write for every detection. persisted holds the records on
// the chunk keys, mirrors included.
func (m *Merger) Merge(detections []Detection, persisted map[PairID]Record) MergePlan {
	var plan MergePlan
	now := m.Now()

	for _, d := range detections {
		fresh := recordFromDetection(d)

		prev, ok := persisted[fresh.PairID]
		if !ok {
			fresh.ConflictID = conflictIDFor(fresh.PairID, persisted)
			fresh.Status = m.Options.InsertStatus
			fresh.CreatedAt = now
			fresh.UpdatedAt = now
			plan.Ops = append(plan.Ops, MergeOp{Action: ActionInsert, Record: fresh})
			plan.Counts.Inserted++
			continue
		}

		if err := prev.Validate(); err != nil {
			plan.Errors = append(plan.Errors, err)
			plan.Counts.Errored++
			continue
		}

		merged := mergeRecord(prev, fresh, persisted)
		previous := prev
		if merged.SameContent(prev) {
			action := ActionUnchanged
			if !m.Options.SkipUnchanged {
				action = ActionRewrite
			}
			plan.Ops = append(plan.Ops, MergeOp{Action: action, Record: merged, Previous: &previous})
			plan.Counts.Unchanged++
			continue
		}

		merged.UpdatedAt = now
		plan.Ops = append(plan.Ops, MergeOp{Action: ActionUpdate, Record: merged, Previous: &previous})
		plan.Counts.Updated++
	}
	return plan
}

func mergeRecord(prev, fresh Record, persisted map[PairID]Record) Record {
	merged := prev
	merged.Key = fresh.Key
	merged.ProviderID, merged.ConProviderID = fresh.ProviderID, fresh.ConProviderID
	merged.AgencyID, merged.ConAgencyID = fresh.AgencyID, fresh.ConAgencyID
	merged.Derived = fresh.Derived
	merged.InService = prev.InService || fresh.InService
	if merged.ConflictID == "" {
		merged.ConflictID = conflictIDFor(prev.PairID, persisted)
	}

	for r := range merged.Flags {
		if prev.Flags[r] != FlagYes {
			merged.Flags[r] = fresh.Flags[r]
		}
	}

	if prev.Status.IsAnalyst() {
		return merged
	}
	if prev.Status.IsInactive() || !merged.SameContent(prev) {
		merged.Status = StatusUpdated
		merged.ResolvedAt = nil
	}
	return merged
}

func conflictIDFor(id PairID, persisted map[PairID]Record) ConflictID {
	if own, ok := persisted[id]; ok && own.ConflictID != "" {
		return own.ConflictID
	}
	if mirror, ok := persisted[id.Mirror()]; ok && mirror.ConflictID != "" {
		return mirror.ConflictID
	}
	return NewConflictID(id)
}

func recordFromDetection(d Detection) Record {
	return Record{
		PairID:        d.Pair.ID(),
		Key:           d.Pair.Visit.Key(),
		ProviderID:    d.Pair.Visit.ProviderID,
		ConProviderID: d.Pair.Con.ProviderID,
		AgencyID:      d.Pair.Visit.AgencyID,
		ConAgencyID:   d.Pair.Con.AgencyID,
		Flags:         d.Flags,
		Derived:       d.Derived,
		InService:     d.InService,
	}
}
