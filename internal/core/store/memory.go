package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chorusrelay/chorus/internal/core"
)

// MemoryStore keeps counters and fingerprint records in process memory. It
// honours the same per-key locking contract as the persistent stores and is
// used by tests and by the "memory" store driver.
type MemoryStore struct {
	locks keyLocks

	mu           sync.RWMutex
	counters     map[string]core.CounterRecord
	fingerprints map[string]core.FingerprintRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters:     map[string]core.CounterRecord{},
		fingerprints: map[string]core.FingerprintRecord{},
	}
}

func (m *MemoryStore) ReadCounter(ctx context.Context, key string) (*core.CounterRecord, error) {
	if m == nil {
		return nil, errors.New("store is not initialized")
	}
	release := m.locks.acquire(counterLockKey(key), false)
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.counters[key]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (m *MemoryStore) UpdateCounter(ctx context.Context, key string, fn core.CounterMutator) error {
	if m == nil {
		return errors.New("store is not initialized")
	}
	if fn == nil {
		return errors.New("counter mutator is required")
	}
	release := m.locks.acquire(counterLockKey(key), true)
	defer release()

	m.mu.RLock()
	record, ok := m.counters[key]
	m.mu.RUnlock()

	var current *core.CounterRecord
	if ok {
		current = &record
	}

	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}
	stored := *next
	stored.Key = key

	m.mu.Lock()
	m.counters[key] = stored
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListCounters(ctx context.Context, q CounterQuery) ([]core.CounterRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := []core.CounterRecord{}
	for _, record := range m.counters {
		if q.Matches(record) {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Subject != records[j].Subject {
			return records[i].Subject < records[j].Subject
		}
		if records[i].Operation != records[j].Operation {
			return records[i].Operation < records[j].Operation
		}
		return records[i].WindowStart.Before(records[j].WindowStart)
	})
	return records, nil
}

func (m *MemoryStore) ResetCounters(ctx context.Context, q CounterQuery) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, record := range m.counters {
		if q.Matches(record) {
			delete(m.counters, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) SweepCounters(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, record := range m.counters {
		if record.UpdatedAt.Before(cutoff) {
			delete(m.counters, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) ReadFingerprint(ctx context.Context, key string) (*core.FingerprintRecord, error) {
	if m == nil {
		return nil, errors.New("store is not initialized")
	}
	release := m.locks.acquire(fingerprintLockKey(key), false)
	defer release()

	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.fingerprints[key]
	if !ok {
		return nil, nil
	}
	return cloneFingerprint(record), nil
}

func (m *MemoryStore) UpdateFingerprint(ctx context.Context, key string, fn core.FingerprintMutator) error {
	if m == nil {
		return errors.New("store is not initialized")
	}
	if fn == nil {
		return errors.New("fingerprint mutator is required")
	}
	release := m.locks.acquire(fingerprintLockKey(key), true)
	defer release()

	m.mu.RLock()
	record, ok := m.fingerprints[key]
	m.mu.RUnlock()

	var current *core.FingerprintRecord
	if ok {
		current = cloneFingerprint(record)
	}

	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}
	next.Key = key
	next.Compact()

	m.mu.Lock()
	m.fingerprints[key] = *cloneFingerprint(*next)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteFingerprint(ctx context.Context, key string) error {
	release := m.locks.acquire(fingerprintLockKey(key), true)
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fingerprints, key)
	return nil
}

func (m *MemoryStore) ListFingerprints(ctx context.Context) ([]core.FingerprintRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]core.FingerprintRecord, 0, len(m.fingerprints))
	for _, record := range m.fingerprints {
		records = append(records, *cloneFingerprint(record))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

func (m *MemoryStore) SweepFingerprints(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, record := range m.fingerprints {
		if record.UpdatedAt.Before(cutoff) {
			delete(m.fingerprints, key)
			removed++
		}
	}
	return removed, nil
}

func counterLockKey(key string) string {
	return "counter:" + strings.TrimSpace(key)
}

func fingerprintLockKey(key string) string {
	return "fingerprint:" + strings.TrimSpace(key)
}

func cloneFingerprint(record core.FingerprintRecord) *core.FingerprintRecord {
	clone := record
	clone.Attempts = append([]time.Time(nil), record.Attempts...)
	if record.BlockedUntil != nil {
		until := *record.BlockedUntil
		clone.BlockedUntil = &until
	}
	return &clone
}
