/*
store.go - Persistence interfaces for visits, conflict records and reference data

PURPOSE:
  Defines the boundary between the engine and the database. The engine only
  reads visits and reference data, and reads/writes conflict records and
  groups. Run bookkeeping (plans, chunk state, leases) lives in the
  orchestrator package.

KEY INTERFACES:
  VisitStore:     Source visits (read by key, written by the API/seeders)
  RecordStore:    Conflict detail rows and their parent groups
  InServiceStore: Caregiver in-service events
  ReferenceStore: Settings, speed table and exclusion lists
  Store:          All of the above

PAIR-PRECISE WRITES:
  Every record write and delete is keyed on the exact (VisitID, ConVisitID).
  There is deliberately no "delete by date range" method.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - conflict/store: In-memory for tests and demos

SEE ALSO:
  - orchestrator/store.go: Run and chunk persistence, transactions
*/
package conflict

import (
	"context"
	"time"
)

// KeyCount is the number of visit rows on one key, used for chunk sizing.
type KeyCount struct {
	Key  Key
	Rows int
}

// VisitStore provides source visits.
type VisitStore interface {
	// KeyCounts returns the distinct keys in window with their row counts,
	// ordered by key. With since set, only keys holding a visit updated at
	// or after since are returned, plus the keys of N/U records with a side
	// updated since and the visit keys an in-service event updated since
	// touches.
	KeyCounts(ctx context.Context, window DateRange, since *time.Time) ([]KeyCount, error)

	// VisitsByKeys returns every visit on the keys, deleted ones included.
	VisitsByKeys(ctx context.Context, keys []Key) ([]Visit, error)

	// GetVisit returns a visit or nil.
	GetVisit(ctx context.Context, id VisitID) (*Visit, error)

	// SaveVisits upserts visits by VisitID.
	SaveVisits(ctx context.Context, visits []Visit) error
}

// InServiceStore provides caregiver in-service events.
type InServiceStore interface {
	// InServiceByKeys returns the events touching any of the keys, deleted
	// ones included.
	InServiceByKeys(ctx context.Context, keys []Key) ([]InServiceEvent, error)

	// SaveInServiceEvents upserts events by EventID.
	SaveInServiceEvents(ctx context.Context, events []InServiceEvent) error
}

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	Date   *Date
	SSN    string
	Status Status
	Limit  int
}

// RecordStore persists conflict detail rows and their parent groups.
type RecordStore interface {
	// RecordsByKeys returns every record on the keys.
	RecordsByKeys(ctx context.Context, keys []Key) ([]Record, error)

	// GetRecord returns the record of one ordered pair, or nil.
	GetRecord(ctx context.Context, id PairID) (*Record, error)

	// RecordsByConflict returns both orientations (and any other children)
	// of a conflict group.
	RecordsByConflict(ctx context.Context, id ConflictID) ([]Record, error)

	// ListRecords returns records matching filter, newest first.
	ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error)

	// SaveRecords upserts records keyed by (VisitID, ConVisitID).
	SaveRecords(ctx context.Context, records []Record) error

	// DeleteRecord removes exactly one ordered pair.
	DeleteRecord(ctx context.Context, id PairID) error

	GetGroup(ctx context.Context, id ConflictID) (*Group, error)
	SaveGroup(ctx context.Context, g Group) error
	DeleteGroup(ctx context.Context, id ConflictID) error
}

// ReferenceStore provides the per-run reference snapshot.
type ReferenceStore interface {
	LoadReference(ctx context.Context) (*ReferenceData, error)
	SaveReference(ctx context.Context, ref *ReferenceData) error
}

// Store is the full engine persistence surface.
type Store interface {
	VisitStore
	InServiceStore
	RecordStore
	ReferenceStore
}
