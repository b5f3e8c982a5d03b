package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memKey struct{ bucket, key string }

// MemoryRepo is an in-process Repo. It backs tests and sessions that run
// without a database.
type MemoryRepo struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[memKey]*Record
}

// NewMemoryRepo creates an empty in-memory repo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		now:     time.Now,
		records: make(map[memKey]*Record),
	}
}

// SetClock overrides the time source used for TTL checks.
func (m *MemoryRepo) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryRepo) live(k memKey) (*Record, bool) {
	rec, ok := m.records[k]
	if !ok {
		return nil, false
	}
	if rec.Expired(m.now()) {
		delete(m.records, k)
		return nil, false
	}
	return rec, true
}

func (m *MemoryRepo) Get(ctx context.Context, bucket, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.live(memKey{bucket, key})
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryRepo) Put(ctx context.Context, rec *Record) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var version int64
	if cur, ok := m.live(memKey{rec.Bucket, rec.Key}); ok {
		version = cur.Version
	}
	return m.write(rec, version), nil
}

func (m *MemoryRepo) CompareAndSwap(ctx context.Context, rec *Record, expected int64) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var version int64
	if cur, ok := m.live(memKey{rec.Bucket, rec.Key}); ok {
		version = cur.Version
	}
	if version != expected {
		return nil, ErrConflict
	}
	return m.write(rec, version), nil
}

// write stores a copy of rec at version+1. Caller holds m.mu.
func (m *MemoryRepo) write(rec *Record, version int64) *Record {
	stored := rec.Clone()
	stored.Version = version + 1
	stored.UpdatedAt = m.now()
	m.records[memKey{rec.Bucket, rec.Key}] = stored
	return stored.Clone()
}

func (m *MemoryRepo) Update(ctx context.Context, bucket, key string, fn UpdateFunc) (*Record, error) {
	return casUpdate(ctx, m, bucket, key, fn)
}

func (m *MemoryRepo) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, memKey{bucket, key})
	return nil
}

func (m *MemoryRepo) List(ctx context.Context, bucket, owner string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for k := range m.records {
		if k.bucket != bucket {
			continue
		}
		rec, ok := m.live(k)
		if !ok || rec.Owner != owner {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryRepo) DueBefore(ctx context.Context, bucket, owner string, asOf time.Time) ([]*Record, error) {
	all, err := m.List(ctx, bucket, owner)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, rec := range all {
		if rec.DueAt.IsZero() || rec.DueAt.After(asOf) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *MemoryRepo) DeleteOwner(ctx context.Context, owner string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.records {
		if rec.Owner == owner {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepo) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}
