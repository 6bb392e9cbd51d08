package payments

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"

	"github.com/kopa-agent/kopa/internal/escrow"
	"github.com/kopa-agent/kopa/internal/retry"
	"github.com/kopa-agent/kopa/internal/usdc"
)

// ErrAmountPrecision is returned for USDC amounts finer than one cent.
var ErrAmountPrecision = errors.New("amount is not a whole number of cents")

const metaTransactionID = "transaction_id"

// minorPerCent converts USDC minor units (6 decimals) to cents.
var minorPerCent = big.NewInt(10_000)

// IntentAPI is the slice of the Stripe payment intent client in use.
type IntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeConfig configures StripeGateway.
type StripeConfig struct {
	SecretKey     string
	PaymentMethod string // e.g. "pm_card_visa" in test mode
	Currency      string
}

// StripeGateway holds funds as manual-capture payment intents. Release
// captures the intent and Refund cancels it; both are idempotent.
type StripeGateway struct {
	api           IntentAPI
	paymentMethod string
	currency      string
	now           func() time.Time
}

// StripeOption configures a StripeGateway.
type StripeOption func(*StripeGateway)

// WithIntentAPI replaces the Stripe client (useful for testing).
func WithIntentAPI(api IntentAPI) StripeOption {
	return func(g *StripeGateway) { g.api = api }
}

// NewStripeGateway creates a gateway backed by the Stripe API.
func NewStripeGateway(cfg StripeConfig, opts ...StripeOption) *StripeGateway {
	g := &StripeGateway{
		paymentMethod: cfg.PaymentMethod,
		currency:      cfg.Currency,
		now:           time.Now,
	}
	if g.currency == "" {
		g.currency = string(stripe.CurrencyUSD)
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.api == nil {
		g.api = &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.SecretKey}
	}
	return g
}

func (g *StripeGateway) CreateHold(ctx context.Context, req escrow.HoldRequest) (*escrow.HoldResult, error) {
	cents, err := toCents(req.Amount)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(cents),
		Currency:           stripe.String(g.currency),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Description:        stripe.String("Escrow hold for transaction " + req.TransactionID),
	}
	if g.paymentMethod != "" {
		params.PaymentMethod = stripe.String(g.paymentMethod)
		params.Confirm = stripe.Bool(true)
	}
	params.Context = ctx
	params.SetIdempotencyKey("kopa-hold-" + req.TransactionID)
	params.AddMetadata(metaTransactionID, req.TransactionID)
	params.AddMetadata("buyer_address", req.BuyerAddr)
	params.AddMetadata("farmer_address", req.FarmerAddr)

	pi, err := g.api.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return &escrow.HoldResult{HoldID: pi.ID, TxHash: pi.ID}, nil
}

func (g *StripeGateway) Release(ctx context.Context, txnID, holdID string) (*escrow.SettlementResult, error) {
	pi, err := g.lookup(ctx, txnID, holdID)
	if err != nil {
		return nil, err
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return g.result(pi), nil
	case stripe.PaymentIntentStatusCanceled:
		return nil, retry.Permanent(fmt.Errorf("%w: %s was refunded", escrow.ErrHoldNotFound, holdID))
	}

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("kopa-release-" + holdID)
	pi, err = g.api.Capture(holdID, params)
	if err != nil {
		return nil, classify(err)
	}
	return g.result(pi), nil
}

func (g *StripeGateway) Refund(ctx context.Context, txnID, holdID string) (*escrow.SettlementResult, error) {
	pi, err := g.lookup(ctx, txnID, holdID)
	if err != nil {
		return nil, err
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusCanceled:
		return g.result(pi), nil
	case stripe.PaymentIntentStatusSucceeded:
		return nil, retry.Permanent(fmt.Errorf("%w: %s was captured", escrow.ErrHoldNotFound, holdID))
	}

	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("kopa-refund-" + holdID)
	pi, err = g.api.Cancel(holdID, params)
	if err != nil {
		return nil, classify(err)
	}
	return g.result(pi), nil
}

// lookup fetches holdID and checks it belongs to txnID.
func (g *StripeGateway) lookup(ctx context.Context, txnID, holdID string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.Get(holdID, params)
	if err != nil {
		return nil, classify(err)
	}
	if pi.Metadata[metaTransactionID] != txnID {
		return nil, fmt.Errorf("%w: %s does not belong to transaction %s", escrow.ErrHoldNotFound, holdID, txnID)
	}
	return pi, nil
}

func (g *StripeGateway) result(pi *stripe.PaymentIntent) *escrow.SettlementResult {
	ref := pi.ID
	if pi.Status == stripe.PaymentIntentStatusSucceeded && pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		ref = pi.LatestCharge.ID
	}
	return &escrow.SettlementResult{TxHash: ref, Timestamp: g.now()}
}

// classify maps Stripe errors onto retry semantics. Missing resources and
// invalid requests will not succeed on retry.
func classify(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %v", escrow.ErrHoldNotFound, err)
	case se.Type == stripe.ErrorTypeInvalidRequest, se.Type == stripe.ErrorTypeCard:
		return retry.Permanent(err)
	}
	return err
}

func toCents(amount string) (int64, error) {
	minor, err := usdc.ParseMinor(amount)
	if err != nil {
		return 0, err
	}
	cents, rem := new(big.Int).QuoRem(minor, minorPerCent, new(big.Int))
	if rem.Sign() != 0 {
		return 0, fmt.Errorf("%w: %s", ErrAmountPrecision, amount)
	}
	if !cents.IsInt64() {
		return 0, usdc.ErrOutOfRange
	}
	return cents.Int64(), nil
}
