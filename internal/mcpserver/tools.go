package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the KOPA MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Open a produce-delivery escrow. The buyer's funds are held by the payment rail "+
			"until the farmer submits proof of delivery. Returns the transaction ID to use with "+
			"submit_delivery_proof and get_escrow_status."),
	mcp.WithString("farmer_address",
		mcp.Required(),
		mcp.Description("Farmer's address that receives the funds (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in integer USDC minor units (6 decimals), e.g. '1000000' for 1 USDC")),
	mcp.WithString("expected_delivery",
		mcp.Required(),
		mcp.Description("Delivery deadline in RFC 3339 format (e.g. '2026-05-01T12:00:00Z')")),
	mcp.WithString("required_proof_type",
		mcp.Required(),
		mcp.Description("Evidence the farmer must provide"),
		mcp.Enum("qr_scan", "receipt", "confirmation")),
	mcp.WithString("buyer_address",
		mcp.Description("Buyer's address. Defaults to the configured party address.")),
	mcp.WithString("requirements",
		mcp.Description("Optional comma-separated extra delivery requirements")),
)

var ToolSubmitDeliveryProof = mcp.NewTool("submit_delivery_proof",
	mcp.WithDescription(
		"Submit the farmer's proof of delivery. The proof is checked for fraud, authenticity "+
			"and the agreed conditions; approved proofs release the funds to the farmer, rejected "+
			"ones refund the buyer. If a signing key is configured the proof is signed automatically."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID returned by create_escrow")),
	mcp.WithString("proof_type",
		mcp.Required(),
		mcp.Description("Kind of evidence"),
		mcp.Enum("qr_scan", "receipt", "confirmation")),
	mcp.WithString("qr_code",
		mcp.Description("Scanned code contents (qr_scan proofs)")),
	mcp.WithString("receipt_image",
		mcp.Description("Receipt photo as a base64 data URL (receipt proofs)")),
	mcp.WithString("confirmation_code",
		mcp.Description("Buyer-issued confirmation code (confirmation proofs)")),
	mcp.WithString("timestamp",
		mcp.Description("When the delivery happened, RFC 3339. Defaults to now.")),
	mcp.WithNumber("latitude",
		mcp.Description("Delivery latitude in degrees")),
	mcp.WithNumber("longitude",
		mcp.Description("Delivery longitude in degrees")),
	mcp.WithString("signature",
		mcp.Description("Farmer's 65-byte hex signature over the proof. Ignored when a signing key is configured.")),
)

var ToolGetEscrowStatus = mcp.NewTool("get_escrow_status",
	mcp.WithDescription(
		"Get an escrow transaction's current state, verdict and full state history."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID returned by create_escrow")),
)

var ToolListPartyEscrows = mcp.NewTool("list_party_escrows",
	mcp.WithDescription(
		"List escrow transactions where an address is the buyer or the farmer, newest first."),
	mcp.WithString("address",
		mcp.Description("Party address. Defaults to the configured party address.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)
