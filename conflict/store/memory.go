// Package store provides an in-memory implementation of the engine and
// orchestrator persistence interfaces.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/orchestrator"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements orchestrator.DB and orchestrator.Leaser.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

type staleKey struct {
	RunID   string
	ChunkID int
}

type state struct {
	visits  map[conflict.VisitID]conflict.Visit
	events  map[string]conflict.InServiceEvent
	records map[conflict.PairID]conflict.Record
	groups  map[conflict.ConflictID]conflict.Group
	ref     *conflict.ReferenceData
	runs    map[string]orchestrator.Run
	chunks  map[string][]orchestrator.Chunk
	stale   map[staleKey][]conflict.StaleCandidate
	leases  map[string]orchestrator.Lease

	// writes counts committed record writes per pair.
	writes map[conflict.PairID]int
}

func newState() *state {
	return &state{
		visits:  make(map[conflict.VisitID]conflict.Visit),
		events:  make(map[string]conflict.InServiceEvent),
		records: make(map[conflict.PairID]conflict.Record),
		groups:  make(map[conflict.ConflictID]conflict.Group),
		runs:    make(map[string]orchestrator.Run),
		chunks:  make(map[string][]orchestrator.Chunk),
		stale:   make(map[staleKey][]conflict.StaleCandidate),
		leases:  make(map[string]orchestrator.Lease),
		writes:  make(map[conflict.PairID]int),
	}
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

func read[T any](m *Memory, fn func(s *state) (T, error)) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.s)
}

func (m *Memory) write(fn func(s *state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.s)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(orchestrator.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(m.s); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.visits {
		c.visits[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	c.ref = s.ref
	for k, v := range s.runs {
		c.runs[k] = v
	}
	for k, v := range s.chunks {
		c.chunks[k] = append([]orchestrator.Chunk(nil), v...)
	}
	for k, v := range s.stale {
		c.stale[k] = v
	}
	for k, v := range s.leases {
		c.leases[k] = v
	}
	for k, v := range s.writes {
		c.writes[k] = v
	}
	return c
}

// Writes returns the number of committed writes of one pair.
func (m *Memory) Writes(id conflict.PairID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.writes[id]
}

// TotalWrites returns the number of committed record writes.
func (m *Memory) TotalWrites() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, w := range m.s.writes {
		n += w
	}
	return n
}

// =============================================================================
// VISITS
// =============================================================================

func (m *Memory) KeyCounts(ctx context.Context, window conflict.DateRange, since *time.Time) ([]conflict.KeyCount, error) {
	return read(m, func(s *state) ([]conflict.KeyCount, error) { return s.KeyCounts(ctx, window, since) })
}

func (m *Memory) VisitsByKeys(ctx context.Context, keys []conflict.Key) ([]conflict.Visit, error) {
	return read(m, func(s *state) ([]conflict.Visit, error) { return s.VisitsByKeys(ctx, keys) })
}

func (m *Memory) GetVisit(ctx context.Context, id conflict.VisitID) (*conflict.Visit, error) {
	return read(m, func(s *state) (*conflict.Visit, error) { return s.GetVisit(ctx, id) })
}

func (m *Memory) SaveVisits(ctx context.Context, visits []conflict.Visit) error {
	return m.write(func(s *state) error { return s.SaveVisits(ctx, visits) })
}

func (s *state) KeyCounts(_ context.Context, window conflict.DateRange, since *time.Time) ([]conflict.KeyCount, error) {
	counts := make(map[conflict.Key]int)
	touched := make(map[conflict.Key]bool)
	for _, v := range s.visits {
		if !window.Contains(v.VisitDate) {
			continue
		}
		k := v.Key()
		counts[k]++
		if since == nil || !v.UpdatedAt.Before(*since) {
			touched[k] = true
		}
	}
	if since != nil {
		for _, r := range s.records {
			if r.Status.IsAnalyst() || r.Status.IsInactive() || !window.Contains(r.Key.Date) {
				continue
			}
			for _, id := range []conflict.VisitID{r.VisitID, r.ConVisitID} {
				if v, ok := s.visits[id]; ok && !v.UpdatedAt.Before(*since) {
					touched[r.Key] = true
				}
			}
		}
		for _, e := range s.events {
			if e.UpdatedAt.Before(*since) {
				continue
			}
			for _, k := range e.Keys() {
				if counts[k] > 0 {
					touched[k] = true
				}
			}
		}
	}

	out := make([]conflict.KeyCount, 0, len(touched))
	for k := range touched {
		out = append(out, conflict.KeyCount{Key: k, Rows: counts[k]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}

func (s *state) VisitsByKeys(_ context.Context, keys []conflict.Key) ([]conflict.Visit, error) {
	want := make(map[conflict.Key]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []conflict.Visit
	for _, v := range s.visits {
		if want[v.Key()] {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VisitID < out[j].VisitID })
	return out, nil
}

func (s *state) GetVisit(_ context.Context, id conflict.VisitID) (*conflict.Visit, error) {
	v, ok := s.visits[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *state) SaveVisits(_ context.Context, visits []conflict.Visit) error {
	for _, v := range visits {
		s.visits[v.VisitID] = v
	}
	return nil
}

// =============================================================================
// IN-SERVICE EVENTS
// =============================================================================

func (m *Memory) InServiceByKeys(ctx context.Context, keys []conflict.Key) ([]conflict.InServiceEvent, error) {
	return read(m, func(s *state) ([]conflict.InServiceEvent, error) { return s.InServiceByKeys(ctx, keys) })
}

func (m *Memory) SaveInServiceEvents(ctx context.Context, events []conflict.InServiceEvent) error {
	return m.write(func(s *state) error { return s.SaveInServiceEvents(ctx, events) })
}

func (s *state) InServiceByKeys(_ context.Context, keys []conflict.Key) ([]conflict.InServiceEvent, error) {
	want := make(map[conflict.Key]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []conflict.InServiceEvent
	for _, e := range s.events {
		for _, k := range e.Keys() {
			if want[k] {
				out = append(out, e)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (s *state) SaveInServiceEvents(_ context.Context, events []conflict.InServiceEvent) error {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	for _, e := range events {
		s.events[e.EventID] = e
	}
	return nil
}

// =============================================================================
// RECORDS AND GROUPS
// =============================================================================

func (m *Memory) RecordsByKeys(ctx context.Context, keys []conflict.Key) ([]conflict.Record, error) {
	return read(m, func(s *state) ([]conflict.Record, error) { return s.RecordsByKeys(ctx, keys) })
}

func (m *Memory) GetRecord(ctx context.Context, id conflict.PairID) (*conflict.Record, error) {
	return read(m, func(s *state) (*conflict.Record, error) { return s.GetRecord(ctx, id) })
}

func (m *Memory) RecordsByConflict(ctx context.Context, id conflict.ConflictID) ([]conflict.Record, error) {
	return read(m, func(s *state) ([]conflict.Record, error) { return s.RecordsByConflict(ctx, id) })
}

func (m *Memory) ListRecords(ctx context.Context, filter conflict.RecordFilter) ([]conflict.Record, error) {
	return read(m, func(s *state) ([]conflict.Record, error) { return s.ListRecords(ctx, filter) })
}

func (m *Memory) SaveRecords(ctx context.Context, records []conflict.Record) error {
	return m.write(func(s *state) error { return s.SaveRecords(ctx, records) })
}

func (m *Memory) DeleteRecord(ctx context.Context, id conflict.PairID) error {
	return m.write(func(s *state) error { return s.DeleteRecord(ctx, id) })
}

func (m *Memory) GetGroup(ctx context.Context, id conflict.ConflictID) (*conflict.Group, error) {
	return read(m, func(s *state) (*conflict.Group, error) { return s.GetGroup(ctx, id) })
}

func (m *Memory) SaveGroup(ctx context.Context, g conflict.Group) error {
	return m.write(func(s *state) error { return s.SaveGroup(ctx, g) })
}

func (m *Memory) DeleteGroup(ctx context.Context, id conflict.ConflictID) error {
	return m.write(func(s *state) error { return s.DeleteGroup(ctx, id) })
}

func (s *state) RecordsByKeys(_ context.Context, keys []conflict.Key) ([]conflict.Record, error) {
	want := make(map[conflict.Key]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []conflict.Record
	for _, r := range s.records {
		if want[r.Key] {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *state) GetRecord(_ context.Context, id conflict.PairID) (*conflict.Record, error) {
	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *state) RecordsByConflict(_ context.Context, id conflict.ConflictID) ([]conflict.Record, error) {
	var out []conflict.Record
	for _, r := range s.records {
		if r.ConflictID == id {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *state) ListRecords(_ context.Context, f conflict.RecordFilter) ([]conflict.Record, error) {
	var out []conflict.Record
	for _, r := range s.records {
		if f.Date != nil && !r.Key.Date.Equal(*f.Date) {
			continue
		}
		if f.SSN != "" && r.Key.SSN != f.SSN {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].PairID.String() < out[j].PairID.String()
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *state) SaveRecords(_ context.Context, records []conflict.Record) error {
	for _, r := range records {
		s.records[r.PairID] = r
		s.writes[r.PairID]++
	}
	return nil
}

func (s *state) DeleteRecord(_ context.Context, id conflict.PairID) error {
	if _, ok := s.records[id]; ok {
		delete(s.records, id)
		s.writes[id]++
	}
	return nil
}

func (s *state) GetGroup(_ context.Context, id conflict.ConflictID) (*conflict.Group, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *state) SaveGroup(_ context.Context, g conflict.Group) error {
	s.groups[g.ConflictID] = g
	return nil
}

func (s *state) DeleteGroup(_ context.Context, id conflict.ConflictID) error {
	delete(s.groups, id)
	return nil
}

func sortRecords(rs []conflict.Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].VisitID != rs[j].VisitID {
			return rs[i].VisitID < rs[j].VisitID
		}
		return rs[i].ConVisitID < rs[j].ConVisitID
	})
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (m *Memory) LoadReference(ctx context.Context) (*conflict.ReferenceData, error) {
	return read(m, func(s *state) (*conflict.ReferenceData, error) { return s.LoadReference(ctx) })
}

func (m *Memory) SaveReference(ctx context.Context, ref *conflict.ReferenceData) error {
	return m.write(func(s *state) error { return s.SaveReference(ctx, ref) })
}

func (s *state) LoadReference(_ context.Context) (*conflict.ReferenceData, error) {
	if s.ref == nil {
		return &conflict.ReferenceData{Settings: conflict.DefaultSettings()}, nil
	}
	cp := *s.ref
	cp.Speeds = append(conflict.SpeedTable(nil), s.ref.Speeds...)
	return &cp, nil
}

func (s *state) SaveReference(_ context.Context, ref *conflict.ReferenceData) error {
	cp := *ref
	cp.Speeds = append(conflict.SpeedTable(nil), ref.Speeds...)
	s.ref = &cp
	return nil
}

// =============================================================================
// RUNS AND CHUNKS
// =============================================================================

func (m *Memory) SaveRun(ctx context.Context, run orchestrator.Run) error {
	return m.write(func(s *state) error { return s.SaveRun(ctx, run) })
}

func (m *Memory) GetRun(ctx context.Context, id string) (*orchestrator.Run, error) {
	return read(m, func(s *state) (*orchestrator.Run, error) { return s.GetRun(ctx, id) })
}

func (m *Memory) ListRuns(ctx context.Context, limit int) ([]orchestrator.Run, error) {
	return read(m, func(s *state) ([]orchestrator.Run, error) { return s.ListRuns(ctx, limit) })
}

func (m *Memory) SavePlan(ctx context.Context, runID string, chunks []orchestrator.Chunk) error {
	return m.write(func(s *state) error { return s.SavePlan(ctx, runID, chunks) })
}

func (m *Memory) ListChunks(ctx context.Context, runID string) ([]orchestrator.Chunk, error) {
	return read(m, func(s *state) ([]orchestrator.Chunk, error) { return s.ListChunks(ctx, runID) })
}

func (m *Memory) SaveChunk(ctx context.Context, chunk orchestrator.Chunk) error {
	return m.write(func(s *state) error { return s.SaveChunk(ctx, chunk) })
}

func (m *Memory) SaveStaleCandidates(ctx context.Context, runID string, chunkID int, cands []conflict.StaleCandidate) error {
	return m.write(func(s *state) error { return s.SaveStaleCandidates(ctx, runID, chunkID, cands) })
}

func (m *Memory) StaleCandidates(ctx context.Context, runID string, chunkID int) ([]conflict.StaleCandidate, error) {
	return read(m, func(s *state) ([]conflict.StaleCandidate, error) { return s.StaleCandidates(ctx, runID, chunkID) })
}

func (s *state) SaveRun(_ context.Context, run orchestrator.Run) error {
	s.runs[run.ID] = run
	return nil
}

func (s *state) GetRun(_ context.Context, id string) (*orchestrator.Run, error) {
	r, ok := s.runs[id]
	if !ok {
		return nil, conflict.ErrRunNotFound
	}
	return &r, nil
}

func (s *state) ListRuns(_ context.Context, limit int) ([]orchestrator.Run, error) {
	out := make([]orchestrator.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *state) SavePlan(_ context.Context, runID string, chunks []orchestrator.Chunk) error {
	s.chunks[runID] = append([]orchestrator.Chunk(nil), chunks...)
	return nil
}

func (s *state) ListChunks(_ context.Context, runID string) ([]orchestrator.Chunk, error) {
	return append([]orchestrator.Chunk(nil), s.chunks[runID]...), nil
}

func (s *state) SaveChunk(_ context.Context, chunk orchestrator.Chunk) error {
	chunks := s.chunks[chunk.RunID]
	for i := range chunks {
		if chunks[i].ID == chunk.ID {
			chunks[i] = chunk
			return nil
		}
	}
	s.chunks[chunk.RunID] = append(chunks, chunk)
	return nil
}

func (s *state) SaveStaleCandidates(_ context.Context, runID string, chunkID int, cands []conflict.StaleCandidate) error {
	s.stale[staleKey{RunID: runID, ChunkID: chunkID}] = append([]conflict.StaleCandidate(nil), cands...)
	return nil
}

func (s *state) StaleCandidates(_ context.Context, runID string, chunkID int) ([]conflict.StaleCandidate, error) {
	return append([]conflict.StaleCandidate(nil), s.stale[staleKey{RunID: runID, ChunkID: chunkID}]...), nil
}

// =============================================================================
// LEASES
// =============================================================================

// Acquire grants the lease when it is free, expired, or already held by owner
// for runID.
func (m *Memory) Acquire(_ context.Context, name, owner, runID string, ttl time.Duration) (*orchestrator.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if cur, ok := m.s.leases[name]; ok && (cur.Owner != owner || cur.RunID != runID) && now.Before(cur.ExpiresAt) {
		return nil, &conflict.LeaseHeldError{Name: name, Owner: cur.Owner, RunID: cur.RunID, ExpiresAt: cur.ExpiresAt}
	}
	l := orchestrator.Lease{Name: name, Owner: owner, RunID: runID, ExpiresAt: now.Add(ttl)}
	m.s.leases[name] = l
	return &l, nil
}

func (m *Memory) Renew(_ context.Context, lease *orchestrator.Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.s.leases[lease.Name]
	if !ok || cur.Owner != lease.Owner || cur.RunID != lease.RunID {
		return &conflict.LeaseHeldError{Name: lease.Name, Owner: cur.Owner, RunID: cur.RunID, ExpiresAt: cur.ExpiresAt}
	}
	cur.ExpiresAt = time.Now().Add(ttl)
	m.s.leases[lease.Name] = cur
	lease.ExpiresAt = cur.ExpiresAt
	return nil
}

func (m *Memory) Release(_ context.Context, lease *orchestrator.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.s.leases[lease.Name]; ok && cur.Owner == lease.Owner && cur.RunID == lease.RunID {
		delete(m.s.leases, lease.Name)
	}
	return nil
}
