package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kopa-agent/kopa/internal/metrics"
	"github.com/kopa-agent/kopa/internal/syncutil"
)

// StateStore holds each transaction's current state and audit trail.
// Append must only succeed when the stored state equals rec.From, so a
// store shared between processes never commits two transitions from the
// same state.
type StateStore interface {
	// Init creates the entry with the initial self-transition.
	// Returns ErrAlreadyExists if id is known.
	Init(ctx context.Context, rec StateTransition) error
	// Current returns the state of id, or ErrNotFound.
	Current(ctx context.Context, id string) (State, error)
	// Append sets the state to rec.To and records rec.
	// Returns ErrStateConflict if the stored state is not rec.From.
	Append(ctx context.Context, rec StateTransition) error
	// History returns the records for id in insertion order; empty if unknown.
	History(ctx context.Context, id string) ([]StateTransition, error)
}

// StateMachine is the authority on transaction state. Transitions for the
// same id are serialized; different ids proceed in parallel.
type StateMachine struct {
	store  StateStore
	locks  *syncutil.KeyedMutex
	now    func() time.Time
	logger *slog.Logger

	mu        sync.RWMutex
	observers []func(StateTransition)
}

// NewStateMachine creates a state machine over store.
func NewStateMachine(store StateStore) *StateMachine {
	return &StateMachine{
		store:  store,
		locks:  syncutil.NewKeyedMutex(),
		now:    time.Now,
		logger: slog.Default(),
	}
}

// WithClock overrides the time source for audit records.
func (m *StateMachine) WithClock(now func() time.Time) *StateMachine {
	m.now = now
	return m
}

// WithLogger sets the logger.
func (m *StateMachine) WithLogger(l *slog.Logger) *StateMachine {
	m.logger = l
	return m
}

// OnTransition registers fn to be called after every committed record,
// including the initial one. fn runs synchronously outside the id's lock.
func (m *StateMachine) OnTransition(fn func(StateTransition)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Initialize registers id in the created state.
func (m *StateMachine) Initialize(ctx context.Context, id, actor string) error {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}

	rec := StateTransition{
		TransactionID: id,
		From:          StateCreated,
		To:            StateCreated,
		Timestamp:     m.now(),
		TriggeredBy:   actor,
		Reason:        "Transaction initialized",
	}
	err = m.store.Init(ctx, rec)
	unlock()
	if err != nil {
		return err
	}

	m.notify(rec)
	return nil
}

// Transition moves id to the target state if the current state allows it.
// The check and the write happen under the id's lock.
func (m *StateMachine) Transition(ctx context.Context, id string, to State, actor, reason string) (*StateTransition, error) {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}

	rec, err := m.transitionLocked(ctx, id, to, actor, reason)
	unlock()
	if err != nil {
		return nil, err
	}

	m.logger.Info("state transition",
		"transactionId", id, "from", rec.From, "to", rec.To, "triggeredBy", actor, "reason", reason)
	metrics.StateTransitionsTotal.WithLabelValues(string(rec.From), string(rec.To)).Inc()
	m.notify(*rec)
	return rec, nil
}

func (m *StateMachine) transitionLocked(ctx context.Context, id string, to State, actor, reason string) (*StateTransition, error) {
	from, err := m.store.Current(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s for transaction %s", ErrInvalidTransition, from, to, id)
	}

	rec := StateTransition{
		TransactionID: id,
		From:          from,
		To:            to,
		Timestamp:     m.now(),
		TriggeredBy:   actor,
		Reason:        reason,
	}
	if err := m.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record transition: %w", err)
	}
	return &rec, nil
}

// CurrentState returns the state of id, or ErrNotFound.
func (m *StateMachine) CurrentState(ctx context.Context, id string) (State, error) {
	return m.store.Current(ctx, id)
}

// History returns the audit trail of id in order. Unknown ids yield an empty slice.
func (m *StateMachine) History(ctx context.Context, id string) ([]StateTransition, error) {
	h, err := m.store.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = []StateTransition{}
	}
	return h, nil
}

func (m *StateMachine) notify(rec StateTransition) {
	m.mu.RLock()
	observers := m.observers
	m.mu.RUnlock()

	for _, fn := range observers {
		fn(rec)
	}
}

// MemoryStateStore is an in-memory StateStore for demo/development mode.
type MemoryStateStore struct {
	mu      sync.RWMutex
	current map[string]State
	history map[string][]StateTransition
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		current: make(map[string]State),
		history: make(map[string][]StateTransition),
	}
}

func (s *MemoryStateStore) Init(_ context.Context, rec StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.current[rec.TransactionID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.TransactionID)
	}
	s.current[rec.TransactionID] = rec.To
	s.history[rec.TransactionID] = []StateTransition{rec}
	return nil
}

func (s *MemoryStateStore) Current(_ context.Context, id string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.current[id]
	if !ok {
		return "", fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return st, nil
}

func (s *MemoryStateStore) Append(_ context.Context, rec StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.current[rec.TransactionID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", rec.TransactionID, ErrNotFound)
	}
	if st != rec.From {
		return ErrStateConflict
	}
	s.current[rec.TransactionID] = rec.To
	s.history[rec.TransactionID] = append(s.history[rec.TransactionID], rec)
	return nil
}

func (s *MemoryStateStore) History(_ context.Context, id string) ([]StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[id]
	out := make([]StateTransition, len(h))
	copy(out, h)
	return out, nil
}
