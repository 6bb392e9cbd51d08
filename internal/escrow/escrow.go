// Package escrow coordinates three-party escrow trades.
//
// Flow:
//  1. Buyer opens a transaction → payment rail places a hold on the buyer's funds
//  2. Farmer submits delivery proof → verification engine issues a verdict
//  3. Approved → hold released to the farmer (completed)
//  4. Rejected → hold refunded to the buyer (refunded)
//  5. Any unrecoverable error → failed
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kopa-agent/kopa/internal/verification"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("transaction already exists")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidState      = errors.New("invalid transaction state for this operation")
	ErrExternalCall      = errors.New("external call failed")
	ErrValidation        = errors.New("validation failed")

	// ErrHoldNotFound is returned by gateways for an unknown or already
	// consumed hold. It is never retried.
	ErrHoldNotFound = fmt.Errorf("hold %w", ErrNotFound)
	// ErrStateConflict is returned by a StateStore whose current state no
	// longer matches the transition's from-state.
	ErrStateConflict = errors.New("state changed concurrently")
)

// Transaction is the coordinator's record of one escrow trade.
type Transaction struct {
	ID            string                      `json:"id"`
	BuyerAddr     string                      `json:"buyerAddress"`
	FarmerAddr    string                      `json:"farmerAddress"`
	Amount        string                      `json:"amount"` // integer minor units, e.g. "1000000" = 1 USDC
	Conditions    verification.Conditions     `json:"deliveryConditions"`
	State         State                       `json:"state"`
	HoldID        string                      `json:"holdId,omitempty"`
	Proof         *verification.DeliveryProof `json:"deliveryProof,omitempty"`
	Verdict       *verification.Verdict       `json:"verificationResult,omitempty"`
	SettlementRef string                      `json:"settlementTxHash,omitempty"`
	RefundRef     string                      `json:"refundTxHash,omitempty"`
	CreatedAt     time.Time                   `json:"createdAt"`
	UpdatedAt     time.Time                   `json:"updatedAt"`
	CompletedAt   *time.Time                  `json:"completedAt,omitempty"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	return t.State.IsTerminal()
}

// clone returns a copy that shares no mutable state with t.
func (t *Transaction) clone() *Transaction {
	cp := *t
	cp.Conditions.Requirements = append([]string(nil), t.Conditions.Requirements...)
	if t.Proof != nil {
		p := *t.Proof
		cp.Proof = &p
	}
	if t.Verdict != nil {
		v := *t.Verdict
		v.Reasons = append([]string(nil), t.Verdict.Reasons...)
		cp.Verdict = &v
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

// Store persists transaction records. The StateMachine, not the Store, is
// authoritative for a transaction's state.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, txn *Transaction) error
	ListByParty(ctx context.Context, addr string, limit int) ([]*Transaction, error)
}

// HoldRequest asks the payment rail to lock the buyer's funds.
type HoldRequest struct {
	TransactionID string
	BuyerAddr     string
	FarmerAddr    string
	Amount        string
}

// HoldResult identifies a placed hold.
type HoldResult struct {
	HoldID      string `json:"holdId"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// SettlementResult describes a completed release or refund.
type SettlementResult struct {
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
}

// PaymentGateway moves escrowed funds. Release and Refund must be
// idempotent per hold: repeating a completed call returns the same result.
type PaymentGateway interface {
	CreateHold(ctx context.Context, req HoldRequest) (*HoldResult, error)
	Release(ctx context.Context, txnID, holdID string) (*SettlementResult, error)
	Refund(ctx context.Context, txnID, holdID string) (*SettlementResult, error)
}

// CreateRequest contains the parameters for opening an escrow transaction.
type CreateRequest struct {
	BuyerAddr  string                  `json:"buyerAddress" binding:"required"`
	FarmerAddr string                  `json:"farmerAddress" binding:"required"`
	Amount     string                  `json:"amount" binding:"required"`
	Conditions verification.Conditions `json:"deliveryConditions"`
}

// Status is a read-only snapshot of a transaction and its audit trail.
type Status struct {
	Transaction *Transaction      `json:"transaction"`
	State       State             `json:"state"`
	History     []StateTransition `json:"history"`
}
