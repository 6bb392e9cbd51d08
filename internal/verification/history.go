package verification

import (
	"context"
	"sync"
	"time"
)

// ProofHistory remembers the hashes of approved proofs so a proof can never
// release funds twice. Implementations must be safe for concurrent use.
type ProofHistory interface {
	// Lookup returns the transaction that recorded hash, if any.
	Lookup(ctx context.Context, hash string) (txnID string, found bool, err error)
	// Record stores hash for txnID unless some transaction already holds it,
	// and returns the transaction that owns the hash afterwards.
	Record(ctx context.Context, txnID, hash string) (owner string, err error)
	// Hashes returns the hashes recorded for txnID in recording order.
	Hashes(ctx context.Context, txnID string) ([]string, error)
}

type historyEntry struct {
	txnID      string
	recordedAt time.Time
}

// MemoryHistory is an in-memory ProofHistory for demo/development mode.
// Entries are never pruned.
type MemoryHistory struct {
	mu     sync.RWMutex
	byHash map[string]historyEntry
	byTxn  map[string][]string
}

// NewMemoryHistory creates an empty in-memory proof history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		byHash: make(map[string]historyEntry),
		byTxn:  make(map[string][]string),
	}
}

func (h *MemoryHistory) Lookup(_ context.Context, hash string) (string, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.byHash[hash]
	return e.txnID, ok, nil
}

func (h *MemoryHistory) Record(_ context.Context, txnID, hash string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.byHash[hash]; ok {
		return e.txnID, nil
	}
	h.byHash[hash] = historyEntry{txnID: txnID, recordedAt: time.Now()}
	h.byTxn[txnID] = append(h.byTxn[txnID], hash)
	return txnID, nil
}

func (h *MemoryHistory) Hashes(_ context.Context, txnID string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, len(h.byTxn[txnID]))
	copy(out, h.byTxn[txnID])
	return out, nil
}
