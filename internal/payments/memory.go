// Package payments implements escrow.PaymentGateway over an in-memory
// ledger, Stripe manual-capture payment intents, and on-chain confirmation.
package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kopa-agent/kopa/internal/escrow"
	"github.com/kopa-agent/kopa/internal/idgen"
	"github.com/kopa-agent/kopa/internal/usdc"
)

type holdStatus int

const (
	holdActive holdStatus = iota
	holdReleased
	holdRefunded
)

type hold struct {
	txnID  string
	amount string
	status holdStatus
	result *escrow.SettlementResult
}

// MemoryGateway simulates a payment rail for demo/development mode. Holds,
// releases and refunds are idempotent per transaction and hold.
type MemoryGateway struct {
	mu     sync.Mutex
	holds  map[string]*hold
	byTxn  map[string]string
	blocks uint64
	now    func() time.Time
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		holds: make(map[string]*hold),
		byTxn: make(map[string]string),
		now:   time.Now,
	}
}

func (g *MemoryGateway) CreateHold(_ context.Context, req escrow.HoldRequest) (*escrow.HoldResult, error) {
	if _, err := usdc.ParseMinor(req.Amount); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.blocks++
	if id, ok := g.byTxn[req.TransactionID]; ok {
		return &escrow.HoldResult{HoldID: id, TxHash: txHash(), BlockNumber: g.blocks}, nil
	}

	id := idgen.WithPrefix("hold_")
	g.holds[id] = &hold{txnID: req.TransactionID, amount: req.Amount}
	g.byTxn[req.TransactionID] = id
	return &escrow.HoldResult{HoldID: id, TxHash: txHash(), BlockNumber: g.blocks}, nil
}

func (g *MemoryGateway) Release(_ context.Context, txnID, holdID string) (*escrow.SettlementResult, error) {
	return g.settle(txnID, holdID, holdReleased)
}

func (g *MemoryGateway) Refund(_ context.Context, txnID, holdID string) (*escrow.SettlementResult, error) {
	return g.settle(txnID, holdID, holdRefunded)
}

func (g *MemoryGateway) settle(txnID, holdID string, to holdStatus) (*escrow.SettlementResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.holds[holdID]
	if !ok || h.txnID != txnID {
		return nil, fmt.Errorf("%w: %s", escrow.ErrHoldNotFound, holdID)
	}
	switch h.status {
	case to:
		res := *h.result
		return &res, nil
	case holdActive:
	default:
		return nil, fmt.Errorf("%w: %s already settled", escrow.ErrHoldNotFound, holdID)
	}

	g.blocks++
	h.status = to
	h.result = &escrow.SettlementResult{
		TxHash:      txHash(),
		BlockNumber: g.blocks,
		Timestamp:   g.now(),
	}
	res := *h.result
	return &res, nil
}

func txHash() string {
	return "0x" + idgen.Hex(32)
}
