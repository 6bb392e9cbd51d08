package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/kopa-agent/kopa/internal/circuitbreaker"
	"github.com/kopa-agent/kopa/internal/resilience"
	"github.com/kopa-agent/kopa/internal/retry"
	"github.com/kopa-agent/kopa/internal/verification"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

const buyerAddr = "0x1111111111111111111111111111111111111111"

// fakeGateway records calls and fails the first failN calls of each op.
type fakeGateway struct {
	mu      sync.Mutex
	calls   map[string]int
	failN   map[string]int
	err     error
	holds   map[string]string
	counter int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		calls: make(map[string]int),
		failN: make(map[string]int),
		holds: make(map[string]string),
		err:   errors.New("rail unavailable"),
	}
}

func (g *fakeGateway) failFirst(op string, n int) {
	g.mu.Lock()
	g.failN[op] = n
	g.mu.Unlock()
}

func (g *fakeGateway) callCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) step(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	if g.failN[op] > 0 {
		g.failN[op]--
		return g.err
	}
	return nil
}

func (g *fakeGateway) CreateHold(_ context.Context, req HoldRequest) (*HoldResult, error) {
	if err := g.step("create_hold"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	id := fmt.Sprintf("hold-%d", g.counter)
	g.holds[id] = req.TransactionID
	return &HoldResult{HoldID: id, TxHash: "0xhold" + id}, nil
}

func (g *fakeGateway) Release(_ context.Context, txnID, holdID string) (*SettlementResult, error) {
	return g.settle("release", txnID, holdID)
}

func (g *fakeGateway) Refund(_ context.Context, txnID, holdID string) (*SettlementResult, error) {
	return g.settle("refund", txnID, holdID)
}

func (g *fakeGateway) settle(op, txnID, holdID string) (*SettlementResult, error) {
	if err := g.step(op); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holds[holdID] != txnID {
		return nil, ErrHoldNotFound
	}
	return &SettlementResult{TxHash: "0x" + op + "-" + holdID, Timestamp: testNow}, nil
}

// stubVerifier returns a fixed verdict.
type stubVerifier struct {
	verdict verification.Verdict
	calls   int
}

func (s *stubVerifier) Verify(_ context.Context, txnID string, _ verification.DeliveryProof, _ verification.Conditions, _ verification.Binding) *verification.Verdict {
	s.calls++
	v := s.verdict
	v.TransactionID = txnID
	return &v
}

func fastInvoker() *resilience.Invoker {
	return resilience.New("payment", resilience.Config{
		Retry: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			Multiplier:   2,
			MaxDelay:     4 * time.Millisecond,
		},
		CallTimeout: time.Second,
		Breaker: circuitbreaker.Settings{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
		},
	})
}

type harness struct {
	svc     *Service
	store   *MemoryStore
	states  *StateMachine
	gateway *fakeGateway
	history *verification.MemoryHistory
}

func newHarness(t *testing.T, verifier Verifier) *harness {
	t.Helper()
	h := &harness{
		store:   NewMemoryStore(),
		states:  NewStateMachine(NewMemoryStateStore()).WithClock(fixedClock),
		gateway: newFakeGateway(),
		history: verification.NewMemoryHistory(),
	}
	if verifier == nil {
		verifier = verification.NewEngine(h.history, nil, verification.WithClock(fixedClock))
	}
	h.svc = NewService(h.store, h.states, verifier, h.gateway, fastInvoker()).WithClock(fixedClock)
	return h
}

func newFarmer(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func createRequest(farmer string, deadline time.Time, kind verification.ProofKind) CreateRequest {
	return CreateRequest{
		BuyerAddr:  buyerAddr,
		FarmerAddr: farmer,
		Amount:     "1000000",
		Conditions: verification.Conditions{
			ExpectedBy:   deadline,
			RequiredKind: kind,
		},
	}
}

func signedProof(t *testing.T, key *ecdsa.PrivateKey, txnID string, p verification.DeliveryProof) verification.DeliveryProof {
	t.Helper()
	sig, err := verification.SignProof(key, txnID, p)
	require.NoError(t, err)
	p.Signature = sig
	return p
}

func qrProof() verification.DeliveryProof {
	return verification.DeliveryProof{
		Kind:      verification.KindQRScan,
		Timestamp: testNow.Add(-time.Hour),
		Data:      verification.ProofData{QRCode: "KOPA-QR-7731-AB"},
	}
}

func historyStates(h []StateTransition) []State {
	out := make([]State, len(h))
	for i, rec := range h {
		out[i] = rec.To
	}
	return out
}
