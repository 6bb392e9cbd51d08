package escrow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine() *StateMachine {
	return NewStateMachine(NewMemoryStateStore()).WithClock(fixedClock)
}

func TestCanTransition(t *testing.T) {
	allowed := map[State][]State{
		StateCreated:             {StateEscrowCreated, StateFailed},
		StateEscrowCreated:       {StateVerificationPending, StateFailed},
		StateVerificationPending: {StateSettlementPending, StateRefunded, StateFailed},
		StateSettlementPending:   {StateCompleted, StateFailed},
	}
	all := []State{
		StateCreated, StateEscrowCreated, StateVerificationPending, StateSettlementPending,
		StateCompleted, StateRefunded, StateFailed,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStateIsTerminal(t *testing.T) {
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateRefunded.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateCreated.IsTerminal())
	assert.False(t, StateSettlementPending.IsTerminal())
	assert.False(t, State("bogus").IsTerminal())
	assert.False(t, State("bogus").Valid())
}

func TestStateMachine_InitializeRecordsSelfTransition(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()

	require.NoError(t, m.Initialize(ctx, "txn-1", "coordinator"))

	state, err := m.CurrentState(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, state)

	h, err := m.History(ctx, "txn-1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, StateCreated, h[0].From)
	assert.Equal(t, StateCreated, h[0].To)
	assert.Equal(t, "Transaction initialized", h[0].Reason)
	assert.Equal(t, testNow, h[0].Timestamp)
}

func TestStateMachine_InitializeTwice(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()

	require.NoError(t, m.Initialize(ctx, "txn-1", "coordinator"))
	assert.ErrorIs(t, m.Initialize(ctx, "txn-1", "coordinator"), ErrAlreadyExists)
}

func TestStateMachine_Transition(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()
	require.NoError(t, m.Initialize(ctx, "txn-1", "coordinator"))

	rec, err := m.Transition(ctx, "txn-1", StateEscrowCreated, "coordinator", "held")
	require.NoError(t, err)
	assert.Equal(t, StateCreated, rec.From)
	assert.Equal(t, StateEscrowCreated, rec.To)
	assert.Equal(t, "held", rec.Reason)

	_, err = m.Transition(ctx, "txn-1", StateCompleted, "coordinator", "skip")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	state, err := m.CurrentState(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, StateEscrowCreated, state)

	h, err := m.History(ctx, "txn-1")
	require.NoError(t, err)
	assert.Len(t, h, 2)
}

func TestStateMachine_TerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()
	require.NoError(t, m.Initialize(ctx, "txn-1", "coordinator"))
	_, err := m.Transition(ctx, "txn-1", StateFailed, "coordinator", "boom")
	require.NoError(t, err)

	for _, to := range []State{StateCreated, StateEscrowCreated, StateCompleted, StateFailed} {
		_, err := m.Transition(ctx, "txn-1", to, "coordinator", "")
		assert.ErrorIs(t, err, ErrInvalidTransition, "failed -> %s", to)
	}
}

func TestStateMachine_UnknownTransaction(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()

	_, err := m.CurrentState(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Transition(ctx, "nope", StateEscrowCreated, "coordinator", "")
	assert.ErrorIs(t, err, ErrNotFound)

	h, err := m.History(ctx, "nope")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Empty(t, h)
}

func TestStateMachine_ConcurrentTransitionsCommitOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()
	require.NoError(t, m.Initialize(ctx, "txn-1", "coordinator"))

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Transition(ctx, "txn-1", StateEscrowCreated, "coordinator", ""); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	h, err := m.History(ctx, "txn-1")
	require.NoError(t, err)
	assert.Len(t, h, 2)
}

func TestStateMachine_ObserversSeeEveryRecord(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine()

	var mu sync.Mutex
	var seen []State
	m.OnTransition(func(rec StateTransition) {
		mu.Lock()
		seen = append(seen, rec.To)
		mu.Unlock()
	})

	require.NoError(t, m.Initialize(ctx, "txn-1", "coordinator"))
	_, err := m.Transition(ctx, "txn-1", StateEscrowCreated, "coordinator", "")
	require.NoError(t, err)
	_, err = m.Transition(ctx, "txn-1", StateCompleted, "coordinator", "")
	require.Error(t, err)

	assert.Equal(t, []State{StateCreated, StateEscrowCreated}, seen)
}

func TestMemoryStateStore_AppendConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStateStore()
	require.NoError(t, s.Init(ctx, StateTransition{TransactionID: "txn-1", From: StateCreated, To: StateCreated}))

	err := s.Append(ctx, StateTransition{TransactionID: "txn-1", From: StateEscrowCreated, To: StateVerificationPending})
	assert.ErrorIs(t, err, ErrStateConflict)

	h, err := s.History(ctx, "txn-1")
	require.NoError(t, err)
	h[0].Reason = "mutated"
	h2, err := s.History(ctx, "txn-1")
	require.NoError(t, err)
	assert.Empty(t, h2[0].Reason)
}
