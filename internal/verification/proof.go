// Package verification decides whether a delivery proof releases escrowed
// funds: fraud scoring, proof authenticity and delivery conditions.
package verification

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProofKind identifies how delivery was evidenced.
type ProofKind string

const (
	KindQRScan       ProofKind = "qr_scan"      // scanned code at handover
	KindReceipt      ProofKind = "receipt"      // photographed receipt
	KindConfirmation ProofKind = "confirmation" // code confirmed by the buyer
)

// Valid reports whether k is a known proof kind.
func (k ProofKind) Valid() bool {
	switch k {
	case KindQRScan, KindReceipt, KindConfirmation:
		return true
	}
	return false
}

// ISOMillis is the timestamp layout used in proof hashes and signed messages.
const ISOMillis = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t the way proof hashes and signatures expect.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(ISOMillis)
}

// GeoPoint is a WGS84 coordinate in degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ProofData carries the kind-specific payload.
type ProofData struct {
	QRCode           string         `json:"qrCode,omitempty"`
	ReceiptImage     string         `json:"receiptImage,omitempty"`
	ConfirmationCode string         `json:"confirmationCode,omitempty"`
	Geolocation      *GeoPoint      `json:"geolocation,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// DeliveryProof is the counterparty's evidence of delivery.
type DeliveryProof struct {
	Kind      ProofKind `json:"proofType"`
	Timestamp time.Time `json:"timestamp"`
	Data      ProofData `json:"data"`
	Signature string    `json:"signature,omitempty"`
}

// Conditions are the delivery terms agreed at escrow creation.
type Conditions struct {
	ExpectedBy   time.Time `json:"expectedDeliveryDate"`
	RequiredKind ProofKind `json:"requiredProofType"`
	Requirements []string  `json:"additionalRequirements,omitempty"`
}

// DocumentData is what the document analyzer extracted from a receipt.
type DocumentData struct {
	MerchantName string   `json:"merchantName,omitempty"`
	Amount       string   `json:"amount,omitempty"`
	Date         string   `json:"date,omitempty"`
	Items        []string `json:"items,omitempty"`
	Confidence   int      `json:"confidence"`
}

// Verdict is the outcome of verifying one proof. Reasons is empty exactly
// when Approved is true.
type Verdict struct {
	TransactionID  string        `json:"transactionId"`
	Approved       bool          `json:"approved"`
	FraudScore     int           `json:"fraudScore"`
	Reasons        []string      `json:"reasons,omitempty"`
	SignatureValid *bool         `json:"signatureValid,omitempty"`
	Document       *DocumentData `json:"receiptData,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// ErrInvalidProof is returned by ValidateFormat.
var ErrInvalidProof = errors.New("invalid delivery proof")

// ValidateFormat checks that a proof is complete enough to be verified.
// It returns nil or an error wrapping ErrInvalidProof listing every problem.
func ValidateFormat(p DeliveryProof) error {
	var problems []string

	if p.Kind == "" {
		problems = append(problems, "missing proof type")
	} else if !p.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown proof type %q", p.Kind))
	}
	if p.Timestamp.IsZero() {
		problems = append(problems, "missing timestamp")
	}
	if msg := missingPayload(p); msg != "" {
		problems = append(problems, strings.ToLower(msg[:1])+msg[1:])
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidProof, strings.Join(problems, "; "))
}

// missingPayload returns the reason a proof lacks its kind's payload, or "".
func missingPayload(p DeliveryProof) string {
	switch p.Kind {
	case KindQRScan:
		if p.Data.QRCode == "" {
			return "Missing QR code for QR_SCAN proof type"
		}
	case KindReceipt:
		if p.Data.ReceiptImage == "" {
			return "Missing receipt image for RECEIPT proof type"
		}
	case KindConfirmation:
		if p.Data.ConfirmationCode == "" {
			return "Missing confirmation code for CONFIRMATION proof type"
		}
	}
	return ""
}
