package verification

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// minDocumentConfidence is the lowest analyzer confidence accepted for a receipt.
const minDocumentConfidence = 70

// Binding states whose signature a proof must carry. A bound proof must be
// signed by the bound address; an unbound proof is not signature-checked.
type Binding struct {
	bound  bool
	signer string
}

// BoundTo requires proofs to be signed by addr.
func BoundTo(addr string) Binding {
	return Binding{bound: true, signer: addr}
}

// Unbound skips signature checking.
func Unbound() Binding {
	return Binding{}
}

// Bound reports whether a signer is required.
func (b Binding) Bound() bool { return b.bound }

// Signer returns the required signer address, empty when unbound.
func (b Binding) Signer() string { return b.signer }

type authenticityResult struct {
	reasons        []string
	signatureValid *bool
	document       *DocumentData
}

func (a authenticityResult) authentic() bool { return len(a.reasons) == 0 }

// checkAuthenticity verifies the proof carries its kind's payload, is not
// dated in the future, and is signed as the binding demands. Only analyzer
// failures are returned as errors; everything else becomes a reason.
func (e *Engine) checkAuthenticity(ctx context.Context, txnID string, p DeliveryProof, b Binding, now time.Time) (authenticityResult, error) {
	var a authenticityResult

	if p.Kind == "" || p.Timestamp.IsZero() {
		a.reasons = append(a.reasons, "Missing required proof fields")
		return a, nil
	}

	switch {
	case !p.Kind.Valid():
		a.reasons = append(a.reasons, "Invalid proof type")
	case missingPayload(p) != "":
		a.reasons = append(a.reasons, missingPayload(p))
	case p.Kind == KindReceipt:
		doc, reason, err := e.analyzeReceipt(ctx, p.Data.ReceiptImage)
		if err != nil {
			return a, err
		}
		a.document = doc
		if reason != "" {
			a.reasons = append(a.reasons, reason)
		}
	}

	if p.Timestamp.After(now) {
		a.reasons = append(a.reasons, "Proof timestamp is in the future")
	}

	switch {
	case p.Signature != "" && !IsValidSignatureFormat(p.Signature):
		a.reasons = append(a.reasons, "Invalid signature format")
		a.signatureValid = boolPtr(false)
	case p.Signature != "" && b.Bound():
		err := VerifySignature(ProofMessage(txnID, p), p.Signature, b.Signer())
		a.signatureValid = boolPtr(err == nil)
		if err != nil {
			e.logger.Debug("proof signature rejected", "transactionId", txnID, "error", err)
			a.reasons = append(a.reasons, "Signature verification failed - signer does not match farmer address")
		}
	case p.Signature == "" && b.Bound():
		a.reasons = append(a.reasons, "Signature required but not provided")
		a.signatureValid = boolPtr(false)
	}

	return a, nil
}

// analyzeReceipt returns the extracted document and, when the receipt is
// unusable, the rejection reason.
func (e *Engine) analyzeReceipt(ctx context.Context, image string) (*DocumentData, string, error) {
	if !ValidateImageFormat(image) {
		return nil, "Receipt analysis failed: invalid image format, expected base64 encoded JPEG, PNG, or WebP", nil
	}
	if e.analyzer == nil {
		return nil, "", ErrNoAnalyzer
	}

	doc, err := e.analyzer.Extract(ctx, image)
	if err != nil {
		return nil, "", fmt.Errorf("receipt analysis failed: %w", err)
	}
	if doc.Confidence < minDocumentConfidence {
		return doc, fmt.Sprintf("Receipt image quality too low (confidence: %d%%)", doc.Confidence), nil
	}
	return doc, "", nil
}

func boolPtr(b bool) *bool { return &b }

// joinReasons renders reasons for logs.
func joinReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}
