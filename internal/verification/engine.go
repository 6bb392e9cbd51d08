package verification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kopa-agent/kopa/internal/metrics"
	"github.com/kopa-agent/kopa/internal/traces"
)

// Engine produces verdicts for delivery proofs.
type Engine struct {
	history  ProofHistory
	analyzer DocumentAnalyzer
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine. analyzer may be nil, in which case receipt
// proofs cannot be verified and are rejected.
func NewEngine(history ProofHistory, analyzer DocumentAnalyzer, opts ...Option) *Engine {
	e := &Engine{
		history:  history,
		analyzer: analyzer,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify runs fraud, authenticity and condition checks for a proof
// submitted against txnID. The proof is approved only if all three pass.
// Approved proofs are recorded in the history so they cannot be replayed.
// Verify never fails: internal errors yield a rejected verdict scored 100.
func (e *Engine) Verify(ctx context.Context, txnID string, p DeliveryProof, c Conditions, b Binding) (v *Verdict) {
	ctx, span := traces.StartSpan(ctx, "verification.verify", traces.TransactionID(txnID))
	defer span.End()

	now := e.now()
	defer func() {
		if r := recover(); r != nil {
			v = e.failure(txnID, now, fmt.Errorf("panic: %v", r))
		}
		span.SetAttributes(traces.Approved(v.Approved), traces.FraudScore(v.FraudScore))
		metrics.ObserveVerdict(v.Approved, v.FraudScore)
	}()

	v, err := e.verify(ctx, txnID, p, c, b, now)
	if err != nil {
		traces.RecordError(span, err)
		return e.failure(txnID, now, err)
	}

	if v.Approved {
		e.logger.Info("delivery proof approved", "transactionId", txnID, "fraudScore", v.FraudScore)
	} else {
		e.logger.Info("delivery proof rejected",
			"transactionId", txnID, "fraudScore", v.FraudScore, "reasons", joinReasons(v.Reasons))
	}
	return v
}

func (e *Engine) verify(ctx context.Context, txnID string, p DeliveryProof, c Conditions, b Binding, now time.Time) (*Verdict, error) {
	hash, err := HashProof(p)
	if err != nil {
		return nil, err
	}

	fraud, err := e.detectFraud(ctx, txnID, p, hash, now)
	if err != nil {
		return nil, err
	}

	auth, err := e.checkAuthenticity(ctx, txnID, p, b, now)
	if err != nil {
		return nil, err
	}

	unmet := evaluateConditions(p, c)

	v := &Verdict{
		TransactionID:  txnID,
		FraudScore:     fraud.score,
		SignatureValid: auth.signatureValid,
		Document:       auth.document,
		Timestamp:      now,
	}
	if fraud.fraudulent() {
		v.Reasons = append(v.Reasons, fraud.reasons...)
	}
	v.Reasons = append(v.Reasons, auth.reasons...)
	v.Reasons = append(v.Reasons, unmet...)
	v.Approved = len(v.Reasons) == 0

	if !v.Approved {
		return v, nil
	}

	owner, err := e.history.Record(ctx, txnID, hash)
	if err != nil {
		return nil, err
	}
	if owner != txnID {
		// Another transaction approved the same proof between Lookup and Record.
		v.Approved = false
		v.FraudScore = maxFraudScore
		v.Reasons = []string{fmt.Sprintf("Proof reused from transaction %s", owner)}
	}
	return v, nil
}

func (e *Engine) failure(txnID string, now time.Time, err error) *Verdict {
	e.logger.Error("verification failed", "transactionId", txnID, "error", err)
	return &Verdict{
		TransactionID: txnID,
		Approved:      false,
		FraudScore:    maxFraudScore,
		Reasons:       []string{fmt.Sprintf("Verification error: %v", err)},
		Timestamp:     now,
	}
}
