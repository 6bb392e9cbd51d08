package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kopa-agent/kopa/internal/escrow"
	"github.com/kopa-agent/kopa/internal/verification"
)

// Config holds the configuration for connecting to the KOPA API.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	PartyAddress string // Default buyer/party address for create and list tools
	SigningKey   string // Optional hex private key used to sign delivery proofs
	Timeout      time.Duration
}

// Client is a pure HTTP client for the KOPA escrow API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the KOPA API.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
	Body       string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Body)
}

// doRequest makes an HTTP request to the API and decodes the response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		_ = json.Unmarshal(respBody, apiErr)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateEscrow opens a transaction and places the hold.
func (c *Client) CreateEscrow(ctx context.Context, req escrow.CreateRequest) (*escrow.Transaction, error) {
	var resp struct {
		Transaction *escrow.Transaction `json:"transaction"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/escrow", nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Transaction == nil {
		return nil, fmt.Errorf("no transaction in response")
	}
	return resp.Transaction, nil
}

// ProofResult is the outcome of a submitted delivery proof.
type ProofResult struct {
	Verdict verification.Verdict `json:"verdict"`
	State   escrow.State         `json:"state"`
}

// SubmitProof submits a delivery proof for verification and settlement.
func (c *Client) SubmitProof(ctx context.Context, txnID string, proof verification.DeliveryProof) (*ProofResult, error) {
	var resp ProofResult
	path := "/v1/escrow/" + url.PathEscape(txnID) + "/proof"
	if err := c.doRequest(ctx, http.MethodPost, path, nil, proof, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStatus returns the transaction with its audit trail.
func (c *Client) GetStatus(ctx context.Context, txnID string) (*escrow.Status, error) {
	var resp escrow.Status
	if err := c.doRequest(ctx, http.MethodGet, "/v1/escrow/"+url.PathEscape(txnID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListByParty lists transactions where address is buyer or farmer.
func (c *Client) ListByParty(ctx context.Context, address string, limit int) ([]*escrow.Transaction, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Transactions []*escrow.Transaction `json:"transactions"`
	}
	path := "/v1/parties/" + url.PathEscape(address) + "/escrows"
	if err := c.doRequest(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}
