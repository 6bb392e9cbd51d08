package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txns map[string]*Transaction
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns: make(map[string]*Transaction),
	}
}

func (m *MemoryStore) Create(_ context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txns[txn.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, txn.ID)
	}
	m.txns[txn.ID] = txn.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return txn.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txns[txn.ID]; !ok {
		return fmt.Errorf("transaction %s: %w", txn.ID, ErrNotFound)
	}
	m.txns[txn.ID] = txn.clone()
	return nil
}

// ListByParty returns transactions where addr is the buyer or the farmer,
// newest first.
func (m *MemoryStore) ListByParty(_ context.Context, addr string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if strings.EqualFold(txn.BuyerAddr, addr) || strings.EqualFold(txn.FarmerAddr, addr) {
			result = append(result, txn.clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
