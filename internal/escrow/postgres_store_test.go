//go:build integration

package escrow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kopa-agent/kopa/internal/testutil"
	"github.com/kopa-agent/kopa/internal/verification"
)

func TestPostgresStore_CreateGetUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresStore(db)

	txn := testTxn("txn-pg-1", buyerAddr, "0x2222222222222222222222222222222222222222", testNow)
	txn.Conditions.Requirements = []string{"batchId"}
	require.NoError(t, s.Create(ctx, txn))
	assert.ErrorIs(t, s.Create(ctx, txn), ErrAlreadyExists)

	got, err := s.Get(ctx, "txn-pg-1")
	require.NoError(t, err)
	assert.Equal(t, "1000000", got.Amount)
	assert.Equal(t, StateCreated, got.State)
	assert.Equal(t, []string{"batchId"}, got.Conditions.Requirements)
	assert.True(t, got.CreatedAt.Equal(testNow))
	assert.Nil(t, got.Proof)
	assert.Nil(t, got.CompletedAt)

	proof := qrProof()
	completed := testNow.Add(time.Minute)
	got.State = StateCompleted
	got.HoldID = "hold-1"
	got.Proof = &proof
	got.Verdict = &verification.Verdict{TransactionID: got.ID, Approved: true, Timestamp: completed}
	got.SettlementRef = "0xabc"
	got.UpdatedAt = completed
	got.CompletedAt = &completed
	require.NoError(t, s.Update(ctx, got))

	again, err := s.Get(ctx, "txn-pg-1")
	require.NoError(t, err)
	assert.Equal(t, "hold-1", again.HoldID)
	assert.Equal(t, "0xabc", again.SettlementRef)
	require.NotNil(t, again.Proof)
	assert.Equal(t, "KOPA-QR-7731-AB", again.Proof.Data.QRCode)
	require.NotNil(t, again.Verdict)
	assert.True(t, again.Verdict.Approved)
	require.NotNil(t, again.CompletedAt)
	assert.True(t, again.CompletedAt.Equal(completed))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, testTxn("missing", buyerAddr, "0xb", testNow)), ErrNotFound)
}

func TestPostgresStore_ListByParty(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresStore(db)

	farmer := "0xAbCd000000000000000000000000000000000001"
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(ctx, testTxn(id, buyerAddr, farmer, testNow.Add(time.Duration(i)*time.Minute))))
	}

	got, err := s.ListByParty(ctx, farmer, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ID, "newest first")

	assert.Equal(t, farmer, got[0].FarmerAddr, "address case is preserved")

	got, err = s.ListByParty(ctx, buyerAddr, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPostgresStore_ListByPartyZeroLimitReturnsEverything(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresStore(db)

	const n = 101
	farmer := "0x4444444444444444444444444444444444444444"
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("txn-all-%03d", i)
		require.NoError(t, s.Create(ctx, testTxn(id, buyerAddr, farmer, testNow.Add(time.Duration(i)*time.Second))))
	}

	got, err := s.ListByParty(ctx, farmer, 0)
	require.NoError(t, err)
	require.Len(t, got, n)
	assert.Equal(t, "txn-all-000", got[n-1].ID, "oldest transaction included")
}

func TestPostgresStateStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	m := NewStateMachine(NewPostgresStateStore(db)).WithClock(fixedClock)

	require.NoError(t, m.Initialize(ctx, "txn-sm", "test"))
	assert.ErrorIs(t, m.Initialize(ctx, "txn-sm", "test"), ErrAlreadyExists)

	_, err := m.Transition(ctx, "txn-sm", StateCompleted, "test", "skip")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Transition(ctx, "txn-sm", StateEscrowCreated, "test", "hold"); err == nil {
				mu.Lock()
				committed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, committed)

	state, err := m.CurrentState(ctx, "txn-sm")
	require.NoError(t, err)
	assert.Equal(t, StateEscrowCreated, state)

	history, err := m.History(ctx, "txn-sm")
	require.NoError(t, err)
	assert.Equal(t, []State{StateCreated, StateEscrowCreated}, historyStates(history))
	assert.Equal(t, "hold", history[1].Reason)

	_, err = m.CurrentState(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_PostgresEndToEnd(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := NewPostgresStore(db)
	machine := NewStateMachine(NewPostgresStateStore(db)).WithClock(fixedClock)
	engine := verification.NewEngine(verification.NewPostgresHistory(db), nil, verification.WithClock(fixedClock))
	svc := NewService(store, machine, engine, newFakeGateway(), fastInvoker()).WithClock(fixedClock)

	key, farmer := newFarmer(t)
	txn, err := svc.Initialize(ctx, createRequest(farmer, testNow.Add(7*24*time.Hour), verification.KindQRScan))
	require.NoError(t, err)

	verdict, err := svc.ProcessDeliveryProof(ctx, txn.ID, signedProof(t, key, txn.ID, qrProof()))
	require.NoError(t, err)
	assert.True(t, verdict.Approved)

	status, err := svc.GetStatus(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, StateCompleted, status.Transaction.State)
	assert.NotEmpty(t, status.Transaction.SettlementRef)
	assert.Equal(t,
		[]State{StateCreated, StateEscrowCreated, StateVerificationPending, StateSettlementPending, StateCompleted},
		historyStates(status.History))
}
