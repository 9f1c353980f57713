package keystore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Repository persists key records. Implementations must make Promote a
// single atomic step: either the pending key becomes active and the old
// active key becomes retiring, or nothing changes. Concurrent Promote
// calls must be serialized so two keys can never be active at once.
type Repository interface {
	// List returns every record that is not retired.
	List(ctx context.Context) ([]Record, error)
	// Insert stores a pending record and returns its assigned version.
	Insert(ctx context.Context, rec Record) (int64, error)
	// Promote activates a pending version and retires the current active
	// one at retireAt. Returns ErrNotPending if version is not pending.
	Promote(ctx context.Context, version int64, retireAt time.Time) error
	// Retire moves retiring records whose retire-at is not after now to
	// retired, purges their sealed seeds, and returns their versions.
	Retire(ctx context.Context, now time.Time) ([]int64, error)
}

// MemoryRepository is a process-local Repository used when no database
// is configured and in tests.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[int64]Record
	next    int64
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[int64]Record)}
}

// List returns non-retired records ordered by version.
func (m *MemoryRepository) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if rec.State == StateRetired {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Insert stores rec as pending under the next version number.
func (m *MemoryRepository) Insert(_ context.Context, rec Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	rec.Version = m.next
	rec.State = StatePending
	m.records[rec.Version] = cloneRecord(rec)
	return rec.Version, nil
}

// Promote activates version and retires the current active key.
func (m *MemoryRepository) Promote(_ context.Context, version int64, retireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.records[version]
	if !ok || target.State != StatePending {
		return ErrNotPending
	}
	for v, rec := range m.records {
		if rec.State == StateActive {
			at := retireAt
			rec.State = StateRetiring
			rec.RetireAt = &at
			m.records[v] = rec
		}
	}
	target.State = StateActive
	m.records[version] = target
	return nil
}

// Retire purges retiring keys whose deadline has passed.
func (m *MemoryRepository) Retire(_ context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var retired []int64
	for v, rec := range m.records {
		if rec.State != StateRetiring || rec.RetireAt == nil || rec.RetireAt.After(now) {
			continue
		}
		rec.State = StateRetired
		rec.SealedSeed = nil
		m.records[v] = rec
		retired = append(retired, v)
	}
	sort.Slice(retired, func(i, j int) bool { return retired[i] < retired[j] })
	return retired, nil
}

func cloneRecord(rec Record) Record {
	out := rec
	out.SealedSeed = append([]byte(nil), rec.SealedSeed...)
	out.PublicKey = append([]byte(nil), rec.PublicKey...)
	if rec.RetireAt != nil {
		at := *rec.RetireAt
		out.RetireAt = &at
	}
	return out
}
