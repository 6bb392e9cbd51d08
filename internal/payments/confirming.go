package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/kopa-agent/kopa/internal/chain"
	"github.com/kopa-agent/kopa/internal/escrow"
	"github.com/kopa-agent/kopa/internal/retry"
	"github.com/kopa-agent/kopa/internal/usdc"
)

// ChainReader is the on-chain view ConfirmingGateway needs.
type ChainReader interface {
	BalanceOf(ctx context.Context, addr string) (*big.Int, error)
	WaitForReceipt(ctx context.Context, txHash string) (*chain.Receipt, error)
}

// ConfirmingGateway wraps a rail that settles on chain. Holds are refused
// when the buyer's USDC balance is short, and every returned transaction is
// only reported once its receipt is mined.
type ConfirmingGateway struct {
	inner  escrow.PaymentGateway
	chain  ChainReader
	logger *slog.Logger
}

// NewConfirmingGateway wraps inner.
func NewConfirmingGateway(inner escrow.PaymentGateway, c ChainReader, logger *slog.Logger) *ConfirmingGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfirmingGateway{inner: inner, chain: c, logger: logger}
}

func (g *ConfirmingGateway) CreateHold(ctx context.Context, req escrow.HoldRequest) (*escrow.HoldResult, error) {
	want, err := usdc.ParseMinor(req.Amount)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	balance, err := g.chain.BalanceOf(ctx, req.BuyerAddr)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(want) < 0 {
		return nil, retry.Permanent(fmt.Errorf("%w: buyer holds %s USDC, needs %s",
			chain.ErrInsufficientBalance, usdc.Format(balance), usdc.Format(want)))
	}

	res, err := g.inner.CreateHold(ctx, req)
	if err != nil {
		return nil, err
	}
	receipt, err := g.confirm(ctx, "hold", res.TxHash)
	if err != nil {
		return nil, err
	}
	res.BlockNumber = receipt.BlockNumber
	return res, nil
}

func (g *ConfirmingGateway) Release(ctx context.Context, txnID, holdID string) (*escrow.SettlementResult, error) {
	res, err := g.inner.Release(ctx, txnID, holdID)
	if err != nil {
		return nil, err
	}
	return g.confirmSettlement(ctx, "release", res)
}

func (g *ConfirmingGateway) Refund(ctx context.Context, txnID, holdID string) (*escrow.SettlementResult, error) {
	res, err := g.inner.Refund(ctx, txnID, holdID)
	if err != nil {
		return nil, err
	}
	return g.confirmSettlement(ctx, "refund", res)
}

func (g *ConfirmingGateway) confirmSettlement(ctx context.Context, op string, res *escrow.SettlementResult) (*escrow.SettlementResult, error) {
	receipt, err := g.confirm(ctx, op, res.TxHash)
	if err != nil {
		return nil, err
	}
	res.BlockNumber = receipt.BlockNumber
	return res, nil
}

func (g *ConfirmingGateway) confirm(ctx context.Context, op, txHash string) (*chain.Receipt, error) {
	receipt, err := g.chain.WaitForReceipt(ctx, txHash)
	if err != nil {
		g.logger.Warn("transaction not confirmed", "op", op, "txHash", txHash, "error", err)
		err = fmt.Errorf("confirm %s %s: %w", op, txHash, err)
		if errors.Is(err, chain.ErrTransactionFailed) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	g.logger.Debug("transaction confirmed", "op", op, "txHash", txHash, "block", receipt.BlockNumber)
	return receipt, nil
}
