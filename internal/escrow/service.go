package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kopa-agent/kopa/internal/idgen"
	"github.com/kopa-agent/kopa/internal/metrics"
	"github.com/kopa-agent/kopa/internal/resilience"
	"github.com/kopa-agent/kopa/internal/retry"
	"github.com/kopa-agent/kopa/internal/syncutil"
	"github.com/kopa-agent/kopa/internal/traces"
	"github.com/kopa-agent/kopa/internal/usdc"
	"github.com/kopa-agent/kopa/internal/verification"
)

// actor is recorded as TriggeredBy on every transition the service makes.
const actor = "coordinator"

// Verifier produces verdicts for delivery proofs.
type Verifier interface {
	Verify(ctx context.Context, txnID string, p verification.DeliveryProof, c verification.Conditions, b verification.Binding) *verification.Verdict
}

// Service drives transactions through hold, verification and settlement
// or refund. Operations on the same transaction are serialized.
type Service struct {
	store    Store
	states   *StateMachine
	verifier Verifier
	gateway  PaymentGateway
	invoker  *resilience.Invoker
	locks    *syncutil.KeyedMutex
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a coordinator. Gateway calls go through invoker; a
// nil invoker gets the default retry and breaker settings.
func NewService(store Store, states *StateMachine, verifier Verifier, gateway PaymentGateway, invoker *resilience.Invoker) *Service {
	if invoker == nil {
		invoker = resilience.New("payment", resilience.DefaultConfig())
	}
	return &Service{
		store:    store,
		states:   states,
		verifier: verifier,
		gateway:  gateway,
		invoker:  invoker,
		locks:    syncutil.NewKeyedMutex(),
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Initialize opens a transaction and places the escrow hold. On any failure
// after registration the transaction is marked failed and the error returned.
func (s *Service) Initialize(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if err := validateCreate(req); err != nil {
		metrics.TransactionsInitializedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	id := idgen.New()
	ctx, span := traces.StartSpan(ctx, "escrow.initialize",
		traces.TransactionID(id),
		traces.PartyAddr("buyer", req.BuyerAddr),
		traces.PartyAddr("farmer", req.FarmerAddr),
		traces.Amount(req.Amount),
	)
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err := s.initialize(ctx, id, req)
	if err != nil {
		traces.RecordError(span, err)
		metrics.TransactionsInitializedTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.TransactionsInitializedTotal.WithLabelValues("success").Inc()
	s.logger.Info("transaction initialized",
		"transactionId", id, "holdId", txn.HoldID, "amount", usdc.FormatMinor(txn.Amount))
	return txn.clone(), nil
}

func (s *Service) initialize(ctx context.Context, id string, req CreateRequest) (*Transaction, error) {
	if err := s.states.Initialize(ctx, id, actor); err != nil {
		return nil, fmt.Errorf("failed to initialize transaction: %w", err)
	}

	now := s.now()
	txn := &Transaction{
		ID:         id,
		BuyerAddr:  req.BuyerAddr,
		FarmerAddr: req.FarmerAddr,
		Amount:     req.Amount,
		Conditions: req.Conditions,
		State:      StateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, txn); err != nil {
		return nil, s.fail(ctx, txn, "Initialization failed", fmt.Errorf("failed to store transaction: %w", err))
	}

	hold, err := callGateway(ctx, s, "create_hold", func(ctx context.Context) (*HoldResult, error) {
		return s.gateway.CreateHold(ctx, HoldRequest{
			TransactionID: id,
			BuyerAddr:     req.BuyerAddr,
			FarmerAddr:    req.FarmerAddr,
			Amount:        req.Amount,
		})
	})
	if err != nil {
		return nil, s.fail(ctx, txn, "Initialization failed", err)
	}

	txn.HoldID = hold.HoldID
	if err := s.advance(ctx, txn, StateEscrowCreated, "Escrow hold created successfully"); err != nil {
		return nil, s.fail(ctx, txn, "Initialization failed", err)
	}
	return txn, nil
}

// ProcessDeliveryProof verifies a proof for a transaction awaiting delivery
// and settles or refunds accordingly. The verdict is returned whenever the
// transaction reached completed or refunded.
func (s *Service) ProcessDeliveryProof(ctx context.Context, id string, proof verification.DeliveryProof) (*verification.Verdict, error) {
	if err := verification.ValidateFormat(proof); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	ctx, span := traces.StartSpan(ctx, "escrow.process_proof", traces.TransactionID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	verdict, err := s.processProof(ctx, id, proof)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(traces.Approved(verdict.Approved), traces.FraudScore(verdict.FraudScore))
	return verdict, nil
}

func (s *Service) processProof(ctx context.Context, id string, proof verification.DeliveryProof) (*verification.Verdict, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	state, err := s.states.CurrentState(ctx, id)
	if err != nil {
		return nil, err
	}
	if state != StateEscrowCreated {
		txn.State = state
		return nil, s.fail(ctx, txn, "Proof processing error",
			fmt.Errorf("%w: transaction %s is %s, expected %s", ErrInvalidState, id, state, StateEscrowCreated))
	}

	if err := s.advance(ctx, txn, StateVerificationPending, "Delivery proof submitted"); err != nil {
		return nil, s.fail(ctx, txn, "Proof processing error", err)
	}
	txn.Proof = &proof

	verdict := s.verifier.Verify(ctx, id, proof, txn.Conditions, verification.BoundTo(txn.FarmerAddr))
	txn.Verdict = verdict
	txn.UpdatedAt = s.now()
	s.persist(ctx, txn)

	if verdict.Approved {
		err = s.settle(ctx, txn)
	} else {
		reason := strings.Join(verdict.Reasons, ", ")
		if reason == "" {
			reason = "Verification failed"
		}
		err = s.refund(ctx, txn, reason)
	}
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// settle releases the hold to the farmer.
func (s *Service) settle(ctx context.Context, txn *Transaction) error {
	if txn.HoldID == "" {
		return s.fail(ctx, txn, "Settlement failed", fmt.Errorf("%w: transaction %s has no hold", ErrInvalidState, txn.ID))
	}
	if err := s.advance(ctx, txn, StateSettlementPending, "Settlement authorized"); err != nil {
		return s.fail(ctx, txn, "Settlement failed", err)
	}

	res, err := callGateway(ctx, s, "release", func(ctx context.Context) (*SettlementResult, error) {
		return s.gateway.Release(ctx, txn.ID, txn.HoldID)
	})
	if err != nil {
		return s.fail(ctx, txn, "Settlement failed", err)
	}

	now := s.now()
	txn.SettlementRef = res.TxHash
	txn.CompletedAt = &now
	if err := s.advance(ctx, txn, StateCompleted, "Settlement completed successfully"); err != nil {
		return s.fail(ctx, txn, "Settlement failed", err)
	}
	s.logger.Info("transaction completed", "transactionId", txn.ID, "settlementRef", res.TxHash)
	return nil
}

// refund returns the hold to the buyer, recording reason on the transition.
func (s *Service) refund(ctx context.Context, txn *Transaction, reason string) error {
	if txn.HoldID == "" {
		return s.fail(ctx, txn, "Refund failed", fmt.Errorf("%w: transaction %s has no hold", ErrInvalidState, txn.ID))
	}

	res, err := callGateway(ctx, s, "refund", func(ctx context.Context) (*SettlementResult, error) {
		return s.gateway.Refund(ctx, txn.ID, txn.HoldID)
	})
	if err != nil {
		return s.fail(ctx, txn, "Refund failed", err)
	}

	now := s.now()
	txn.RefundRef = res.TxHash
	txn.CompletedAt = &now
	if err := s.advance(ctx, txn, StateRefunded, reason); err != nil {
		return s.fail(ctx, txn, "Refund failed", err)
	}
	s.logger.Info("transaction refunded", "transactionId", txn.ID, "refundRef", res.TxHash, "reason", reason)
	return nil
}

// GetStatus returns the transaction, its authoritative state and audit trail.
func (s *Service) GetStatus(ctx context.Context, id string) (*Status, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := s.states.CurrentState(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := s.states.History(ctx, id)
	if err != nil {
		return nil, err
	}

	txn.State = state
	return &Status{Transaction: txn, State: state, History: history}, nil
}

// ListByParty returns transactions where addr is the buyer or the farmer,
// compared case-insensitively.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int) ([]*Transaction, error) {
	txns, err := s.store.ListByParty(ctx, addr, limit)
	if err != nil {
		return nil, err
	}
	for _, txn := range txns {
		if state, err := s.states.CurrentState(ctx, txn.ID); err == nil {
			txn.State = state
		}
	}
	if txns == nil {
		txns = []*Transaction{}
	}
	return txns, nil
}

// advance commits a transition and mirrors it onto txn.
func (s *Service) advance(ctx context.Context, txn *Transaction, to State, reason string) error {
	if _, err := s.states.Transition(ctx, txn.ID, to, actor, reason); err != nil {
		return err
	}
	txn.State = to
	txn.UpdatedAt = s.now()
	if to.IsTerminal() {
		metrics.TransactionDuration.WithLabelValues(string(to)).Observe(txn.UpdatedAt.Sub(txn.CreatedAt).Seconds())
	}
	s.persist(ctx, txn)
	return nil
}

// persist writes txn to the store. The state machine stays authoritative,
// so a failed write is logged rather than unwinding a committed transition.
func (s *Service) persist(ctx context.Context, txn *Transaction) {
	if err := s.store.Update(ctx, txn); err != nil {
		s.logger.Error("failed to persist transaction",
			"transactionId", txn.ID, "state", txn.State, "error", err)
	}
}

// fail marks txn failed on a best-effort basis and returns cause. Errors
// from the failed transition itself are logged and swallowed.
func (s *Service) fail(ctx context.Context, txn *Transaction, stage string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	s.logger.Error(strings.ToLower(stage), "transactionId", txn.ID, "error", cause)

	state, err := s.states.CurrentState(ctx, txn.ID)
	if err != nil || state.IsTerminal() {
		return cause
	}
	if err := s.advance(ctx, txn, StateFailed, fmt.Sprintf("%s: %v", stage, cause)); err != nil {
		s.logger.Warn("could not mark transaction failed", "transactionId", txn.ID, "error", err)
	}
	return cause
}

// callGateway routes one gateway operation through the service's invoker.
// Unknown holds are not retried; every failure is reported as ErrExternalCall.
func callGateway[T any](ctx context.Context, s *Service, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := resilience.Call(ctx, s.invoker, op, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if errors.Is(err, ErrHoldNotFound) {
			return v, retry.Permanent(err)
		}
		return v, err
	})
	if err != nil {
		return v, fmt.Errorf("%w: %w", ErrExternalCall, err)
	}
	return v, nil
}

func validateCreate(req CreateRequest) error {
	var problems []string

	if strings.TrimSpace(req.BuyerAddr) == "" {
		problems = append(problems, "buyer address is required")
	}
	if strings.TrimSpace(req.FarmerAddr) == "" {
		problems = append(problems, "farmer address is required")
	}
	if req.BuyerAddr != "" && strings.EqualFold(req.BuyerAddr, req.FarmerAddr) {
		problems = append(problems, "buyer and farmer must differ")
	}
	if _, err := usdc.ParseMinor(req.Amount); err != nil {
		problems = append(problems, err.Error())
	}
	if !req.Conditions.RequiredKind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown required proof type %q", req.Conditions.RequiredKind))
	}
	if req.Conditions.ExpectedBy.IsZero() {
		problems = append(problems, "expected delivery date is required")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
}
