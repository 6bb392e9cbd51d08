package mcpserver

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kopa-agent/kopa/internal/escrow"
	"github.com/kopa-agent/kopa/internal/payments"
	"github.com/kopa-agent/kopa/internal/resilience"
	"github.com/kopa-agent/kopa/internal/verification"
)

const buyerAddr = "0x1111111111111111111111111111111111111111"

// --- Test helpers ---

// newAPI serves the real escrow API backed by in-memory collaborators.
func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := resilience.DefaultConfig()
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond

	svc := escrow.NewService(
		escrow.NewMemoryStore(),
		escrow.NewStateMachine(escrow.NewMemoryStateStore()),
		verification.NewEngine(verification.NewMemoryHistory(), nil),
		payments.NewMemoryGateway(),
		resilience.New("payment", cfg),
	)
	r := gin.New()
	escrow.NewHandler(svc).RegisterRoutes(r.Group("/v1"))

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

// newTestSetup returns handlers whose signing key belongs to the returned farmer address.
func newTestSetup(t *testing.T, apiURL string) (*Handlers, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h, err := NewHandlers(NewClient(Config{APIURL: apiURL}), Config{
		PartyAddress: buyerAddr,
		SigningKey:   "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
	})
	require.NoError(t, err)
	return h, h.SignerAddress()
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func createEscrow(t *testing.T, h *Handlers, farmer string) string {
	t.Helper()
	res, err := h.HandleCreateEscrow(context.Background(), makeRequest(map[string]any{
		"farmer_address":      farmer,
		"amount":              "1000000",
		"expected_delivery":   time.Now().Add(7 * 24 * time.Hour).UTC().Format(time.RFC3339),
		"required_proof_type": "qr_scan",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	client := h.client
	txns, err := client.ListByParty(context.Background(), buyerAddr, 1)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Contains(t, resultText(t, res), txns[0].ID)
	return txns[0].ID
}

// ============================================================
// Tool flows against the real API
// ============================================================

func TestCreateAndSubmit_SignedProofSettles(t *testing.T) {
	api := newAPI(t)
	h, farmer := newTestSetup(t, api.URL)

	id := createEscrow(t, h, farmer)

	res, err := h.HandleSubmitDeliveryProof(context.Background(), makeRequest(map[string]any{
		"transaction_id": id,
		"proof_type":     "qr_scan",
		"qr_code":        "KOPA-QR-7731-AB",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	text := resultText(t, res)
	assert.Contains(t, text, "Delivery verified")
	assert.Contains(t, text, "State: completed")
	assert.Contains(t, text, "Signature valid: true")

	res, err = h.HandleGetEscrowStatus(context.Background(), makeRequest(map[string]any{"transaction_id": id}))
	require.NoError(t, err)
	text = resultText(t, res)
	assert.Contains(t, text, "completed")
	assert.Contains(t, text, "Amount: 1.000000 USDC")
	assert.Contains(t, text, "settlement_pending -> completed")
}

func TestSubmit_UnsignedProofRefunds(t *testing.T) {
	api := newAPI(t)
	signed, farmer := newTestSetup(t, api.URL)
	id := createEscrow(t, signed, farmer)

	unsigned, err := NewHandlers(NewClient(Config{APIURL: api.URL}), Config{PartyAddress: buyerAddr})
	require.NoError(t, err)
	assert.Empty(t, unsigned.SignerAddress())

	res, err := unsigned.HandleSubmitDeliveryProof(context.Background(), makeRequest(map[string]any{
		"transaction_id": id,
		"proof_type":     "qr_scan",
		"qr_code":        "KOPA-QR-7731-AB",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	text := resultText(t, res)
	assert.Contains(t, text, "Delivery rejected")
	assert.Contains(t, text, "State: refunded")
	assert.Contains(t, text, "Signature required but not provided")
}

func TestListPartyEscrows(t *testing.T) {
	api := newAPI(t)
	h, farmer := newTestSetup(t, api.URL)
	id := createEscrow(t, h, farmer)

	res, err := h.HandleListPartyEscrows(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Found 1 escrow(s)")
	assert.Contains(t, text, id)
	assert.Contains(t, text, "(buyer)")

	res, err = h.HandleListPartyEscrows(context.Background(), makeRequest(map[string]any{"address": farmer}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "(farmer)")

	res, err = h.HandleListPartyEscrows(context.Background(), makeRequest(map[string]any{
		"address": "0x3333333333333333333333333333333333333333",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "No escrows found")
}

func TestGetEscrowStatus_NotFound(t *testing.T) {
	api := newAPI(t)
	h, _ := newTestSetup(t, api.URL)

	res, err := h.HandleGetEscrowStatus(context.Background(), makeRequest(map[string]any{"transaction_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "No escrow with ID missing")
}

func TestCreateEscrow_APIValidationError(t *testing.T) {
	api := newAPI(t)
	h, _ := newTestSetup(t, api.URL)

	res, err := h.HandleCreateEscrow(context.Background(), makeRequest(map[string]any{
		"farmer_address":      buyerAddr,
		"amount":              "1000000",
		"expected_delivery":   "2026-05-01T12:00:00Z",
		"required_proof_type": "qr_scan",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "API error (400)")
}

// ============================================================
// Argument validation (no API call)
// ============================================================

func TestHandlers_ArgumentErrors(t *testing.T) {
	h, err := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}), Config{})
	require.NoError(t, err)

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
		want string
	}{
		{"create missing fields", func() (*mcp.CallToolResult, error) {
			return h.HandleCreateEscrow(context.Background(), makeRequest(nil))
		}, "are required"},
		{"create bad deadline", func() (*mcp.CallToolResult, error) {
			return h.HandleCreateEscrow(context.Background(), makeRequest(map[string]any{
				"farmer_address": "0x2", "amount": "1", "required_proof_type": "qr_scan", "expected_delivery": "tomorrow",
			}))
		}, "RFC 3339"},
		{"create without buyer", func() (*mcp.CallToolResult, error) {
			return h.HandleCreateEscrow(context.Background(), makeRequest(map[string]any{
				"farmer_address": "0x2", "amount": "1", "required_proof_type": "qr_scan", "expected_delivery": "2026-05-01T12:00:00Z",
			}))
		}, "buyer_address is required"},
		{"submit without id", func() (*mcp.CallToolResult, error) {
			return h.HandleSubmitDeliveryProof(context.Background(), makeRequest(nil))
		}, "transaction_id is required"},
		{"submit half a location", func() (*mcp.CallToolResult, error) {
			return h.HandleSubmitDeliveryProof(context.Background(), makeRequest(map[string]any{
				"transaction_id": "t", "proof_type": "qr_scan", "qr_code": "KOPA-QR-1", "latitude": -1.29,
			}))
		}, "together"},
		{"submit malformed proof", func() (*mcp.CallToolResult, error) {
			return h.HandleSubmitDeliveryProof(context.Background(), makeRequest(map[string]any{
				"transaction_id": "t", "proof_type": "qr_scan",
			}))
		}, "invalid delivery proof"},
		{"status without id", func() (*mcp.CallToolResult, error) {
			return h.HandleGetEscrowStatus(context.Background(), makeRequest(nil))
		}, "transaction_id is required"},
		{"list without address", func() (*mcp.CallToolResult, error) {
			return h.HandleListPartyEscrows(context.Background(), makeRequest(nil))
		}, "address is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			require.NotNil(t, result)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandlers_UnreachableAPI(t *testing.T) {
	h, err := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}), Config{PartyAddress: buyerAddr})
	require.NoError(t, err)

	res, err := h.HandleListPartyEscrows(context.Background(), makeRequest(nil))
	assert.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "request failed")
}

func TestNewHandlers_InvalidSigningKey(t *testing.T) {
	_, err := NewHandlers(NewClient(Config{}), Config{SigningKey: "not-hex"})
	assert.ErrorContains(t, err, "invalid signing key")

	_, err = NewMCPServer(Config{APIURL: "http://localhost:8080", SigningKey: "0x12"})
	assert.Error(t, err)
}

// ============================================================
// Client
// ============================================================

func TestClient_APIError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetStatus(context.Background(), "t1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL, Timeout: 20 * time.Millisecond}).GetStatus(context.Background(), "t1")
	assert.ErrorContains(t, err, "request failed")
}

func TestNewMCPServer(t *testing.T) {
	s, err := NewMCPServer(Config{APIURL: "http://localhost:8080", PartyAddress: buyerAddr})
	require.NoError(t, err)
	require.NotNil(t, s)
}
