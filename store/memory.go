package store

import (
	"context"
	"sync"
	"time"

	"github.com/agentpay/agentpay/types"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps records in a process-local map. Suitable for tests
// and single-process deployments; terminal records do not survive a
// restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*types.SettlementRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*types.SettlementRecord)}
}

func (m *MemoryStore) Create(_ context.Context, record *types.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.ID]; exists {
		return types.Errorf(types.ErrStoreConflict, "record %s already exists", record.ID)
	}
	m.records[record.ID] = record.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*types.SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "record %s not found", id)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) CompareAndSet(_ context.Context, id string, expect types.Status, update Update) (*types.SettlementRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, false, types.Errorf(types.ErrNotFound, "record %s not found", id)
	}
	if rec.Status != expect {
		return rec.Clone(), false, nil
	}
	applyUpdate(rec, update)
	return rec.Clone(), true, nil
}

func (m *MemoryStore) SweepExpired(_ context.Context, now time.Time, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, rec := range m.records {
		if rec.Status == types.StatusProcessing && now.Sub(rec.CreatedAt) > ttl {
			delete(m.records, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }
