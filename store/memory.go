// Package store provides quota record backends for github.com/jassus213/go-admission.
//
// Supported backends:
//   - MemoryStore: in-memory store for single-instance applications and tests
//   - RedisStore: Redis-based store for distributed applications
//   - MongoStore: MongoDB collection with a TTL index
//   - PostgresStore: PostgreSQL table with a cleanup loop
//
// Every backend implements admission.Store and admission.Scanner. Conditional
// writes compare the stored version with the expected one atomically, so many
// processes can share a backend.
//
// Example usage:
//
//	ctx := context.Background()
//	st := store.NewMemory(ctx, time.Minute) // cleanup interval = 1 minute
//	ctrl := admission.NewController(st, policy.DefaultTable())
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	admission "github.com/jassus213/go-admission"
)

// MemoryStore is an in-memory implementation of admission.Store and admission.Scanner.
//
// It optionally runs a background cleanup goroutine to remove expired records.
//
// Note: MemoryStore is suitable for single-instance applications.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*admission.Record
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock used to decide record expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemory creates a new MemoryStore instance.
//
// ctx: a parent context used to manage the lifecycle of the background cleanup goroutine.
// cleanupInterval: interval at which expired records are removed. Pass 0 to disable cleanup.
//
// Example:
//
//	ctx := context.Background()
//	st := store.NewMemory(ctx, time.Minute)
func NewMemory(ctx context.Context, cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*admission.Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if cleanupInterval > 0 {
		go s.runCleanup(ctx, cleanupInterval)
	}

	return s
}

// Get returns a copy of the record stored under key.
func (s *MemoryStore) Get(ctx context.Context, key string) (*admission.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now().UnixMilli()) {
		return nil, admission.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// ConditionalPut stores a copy of rec if the current version equals expectedVersion.
// An expired record counts as version 0.
func (s *MemoryStore) ConditionalPut(ctx context.Context, rec *admission.Record, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if cur, ok := s.records[rec.Key]; ok && !cur.Expired(s.now().UnixMilli()) {
		current = cur.Version
	}
	if current != expectedVersion {
		return admission.ErrConflict
	}

	stored := rec.Clone()
	stored.Version = expectedVersion + 1
	s.records[rec.Key] = stored
	return nil
}

// Scan returns copies of the live records matching filter, ordered by key.
func (s *MemoryStore) Scan(ctx context.Context, filter admission.ScanFilter) ([]admission.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	nowMs := s.now().UnixMilli()
	out := make([]admission.Record, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Expired(nowMs) || !filter.Matches(rec) {
			continue
		}
		out = append(out, *rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// runCleanup periodically removes records whose TTL has passed.
func (s *MemoryStore) runCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.deleteExpired()
		case <-ctx.Done():
			return
		}
	}
}

func (s *MemoryStore) deleteExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()
	removed := 0
	for key, rec := range s.records {
		if rec.Expired(nowMs) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}
