package mcpserver

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kopa-agent/kopa/internal/escrow"
	"github.com/kopa-agent/kopa/internal/usdc"
	"github.com/kopa-agent/kopa/internal/verification"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client       *Client
	partyAddress string
	signer       *ecdsa.PrivateKey // nil when proofs are signed by the caller
}

// NewHandlers creates a new Handlers instance. A malformed signing key is an error.
func NewHandlers(client *Client, cfg Config) (*Handlers, error) {
	h := &Handlers{client: client, partyAddress: cfg.PartyAddress}
	if cfg.SigningKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SigningKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
		h.signer = key
	}
	return h, nil
}

// SignerAddress returns the address proofs are signed with, or "".
func (h *Handlers) SignerAddress() string {
	if h.signer == nil {
		return ""
	}
	return crypto.PubkeyToAddress(h.signer.PublicKey).Hex()
}

// HandleCreateEscrow opens a transaction and places the hold.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	farmer := req.GetString("farmer_address", "")
	amount := req.GetString("amount", "")
	kind := req.GetString("required_proof_type", "")
	if farmer == "" || amount == "" || kind == "" {
		return mcp.NewToolResultError("farmer_address, amount and required_proof_type are required"), nil
	}

	deadline, err := time.Parse(time.RFC3339, req.GetString("expected_delivery", ""))
	if err != nil {
		return mcp.NewToolResultError("expected_delivery must be an RFC 3339 timestamp"), nil
	}

	buyer := req.GetString("buyer_address", h.partyAddress)
	if buyer == "" {
		return mcp.NewToolResultError("buyer_address is required (no party address configured)"), nil
	}

	txn, err := h.client.CreateEscrow(ctx, escrow.CreateRequest{
		BuyerAddr:  buyer,
		FarmerAddr: farmer,
		Amount:     amount,
		Conditions: verification.Conditions{
			ExpectedBy:   deadline,
			RequiredKind: verification.ProofKind(kind),
			Requirements: splitRequirements(req.GetString("requirements", "")),
		},
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Escrow created.\n")
	fmt.Fprintf(&sb, "  Transaction ID: %s\n", txn.ID)
	fmt.Fprintf(&sb, "  State: %s\n", txn.State)
	fmt.Fprintf(&sb, "  Amount held: %s USDC\n", usdc.FormatMinor(txn.Amount))
	fmt.Fprintf(&sb, "  Hold: %s\n", txn.HoldID)
	fmt.Fprintf(&sb, "  Proof required: %s by %s\n", txn.Conditions.RequiredKind, txn.Conditions.ExpectedBy.Format(time.RFC3339))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSubmitDeliveryProof submits a proof and reports the verdict.
func (h *Handlers) HandleSubmitDeliveryProof(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txnID := req.GetString("transaction_id", "")
	if txnID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	proof := verification.DeliveryProof{
		Kind:      verification.ProofKind(req.GetString("proof_type", "")),
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Data: verification.ProofData{
			QRCode:           req.GetString("qr_code", ""),
			ReceiptImage:     req.GetString("receipt_image", ""),
			ConfirmationCode: req.GetString("confirmation_code", ""),
		},
		Signature: req.GetString("signature", ""),
	}
	if ts := req.GetString("timestamp", ""); ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return mcp.NewToolResultError("timestamp must be RFC 3339"), nil
		}
		proof.Timestamp = parsed
	}

	args := req.GetArguments()
	_, hasLat := args["latitude"]
	_, hasLon := args["longitude"]
	if hasLat != hasLon {
		return mcp.NewToolResultError("latitude and longitude must be given together"), nil
	}
	if hasLat {
		proof.Data.Geolocation = &verification.GeoPoint{
			Lat: req.GetFloat("latitude", 0),
			Lon: req.GetFloat("longitude", 0),
		}
	}

	if err := verification.ValidateFormat(proof); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if h.signer != nil {
		sig, err := verification.SignProof(h.signer, txnID, proof)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to sign proof: %v", err)), nil
		}
		proof.Signature = sig
	}

	res, err := h.client.SubmitProof(ctx, txnID, proof)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Proof submission failed: %v", err)), nil
	}

	return mcp.NewToolResultText(formatVerdict(txnID, res)), nil
}

// HandleGetEscrowStatus returns the state and history of a transaction.
func (h *Handlers) HandleGetEscrowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txnID := req.GetString("transaction_id", "")
	if txnID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	status, err := h.client.GetStatus(ctx, txnID)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "not_found" {
			return mcp.NewToolResultError(fmt.Sprintf("No escrow with ID %s", txnID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}

	return mcp.NewToolResultText(formatStatus(status)), nil
}

// HandleListPartyEscrows lists a party's transactions.
func (h *Handlers) HandleListPartyEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", h.partyAddress)
	if address == "" {
		return mcp.NewToolResultError("address is required (no party address configured)"), nil
	}
	limit := req.GetInt("limit", 20)

	txns, err := h.client.ListByParty(ctx, address, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	return mcp.NewToolResultText(formatTransactionList(address, txns)), nil
}

func splitRequirements(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func formatVerdict(txnID string, res *ProofResult) string {
	var sb strings.Builder
	if res.Verdict.Approved {
		sb.WriteString("Delivery verified. Funds released to the farmer.\n")
	} else {
		sb.WriteString("Delivery rejected. Funds refunded to the buyer.\n")
	}
	fmt.Fprintf(&sb, "  Transaction ID: %s\n", txnID)
	fmt.Fprintf(&sb, "  State: %s\n", res.State)
	fmt.Fprintf(&sb, "  Fraud score: %d/100\n", res.Verdict.FraudScore)
	if res.Verdict.SignatureValid != nil {
		fmt.Fprintf(&sb, "  Signature valid: %t\n", *res.Verdict.SignatureValid)
	}
	if len(res.Verdict.Reasons) > 0 {
		sb.WriteString("  Reasons:\n")
		for _, r := range res.Verdict.Reasons {
			fmt.Fprintf(&sb, "    - %s\n", r)
		}
	}
	return sb.String()
}

func formatStatus(st *escrow.Status) string {
	var sb strings.Builder
	txn := st.Transaction
	fmt.Fprintf(&sb, "Escrow %s: %s\n", txn.ID, st.State)
	fmt.Fprintf(&sb, "  Buyer:  %s\n", txn.BuyerAddr)
	fmt.Fprintf(&sb, "  Farmer: %s\n", txn.FarmerAddr)
	fmt.Fprintf(&sb, "  Amount: %s USDC\n", usdc.FormatMinor(txn.Amount))
	if txn.SettlementRef != "" {
		fmt.Fprintf(&sb, "  Settlement: %s\n", txn.SettlementRef)
	}
	if txn.RefundRef != "" {
		fmt.Fprintf(&sb, "  Refund: %s\n", txn.RefundRef)
	}
	if v := txn.Verdict; v != nil {
		fmt.Fprintf(&sb, "  Verdict: approved=%t fraud_score=%d\n", v.Approved, v.FraudScore)
	}
	if len(st.History) > 0 {
		sb.WriteString("\nHistory:\n")
		for _, rec := range st.History {
			fmt.Fprintf(&sb, "  %s  %s -> %s", rec.Timestamp.Format(time.RFC3339), rec.From, rec.To)
			if rec.Reason != "" {
				fmt.Fprintf(&sb, " (%s)", rec.Reason)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func formatTransactionList(address string, txns []*escrow.Transaction) string {
	if len(txns) == 0 {
		return fmt.Sprintf("No escrows found for %s.", address)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s) for %s:\n\n", len(txns), address)
	for i, t := range txns {
		role := "farmer"
		if strings.EqualFold(t.BuyerAddr, address) {
			role = "buyer"
		}
		fmt.Fprintf(&sb, "%d. %s  %s  %s USDC  (%s)\n", i+1, t.ID, t.State, usdc.FormatMinor(t.Amount), role)
	}
	return sb.String()
}
