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
)

// Config holds the configuration for connecting to the Velora platform.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	AdminSecret  string // X-Admin-Secret for admin operations
	WorkerSecret string // X-Worker-Secret for triggering reconciliation
}

// VeloraClient is a pure HTTP client for the Velora platform API.
type VeloraClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewVeloraClient creates a new client for the Velora platform.
func NewVeloraClient(cfg Config) *VeloraClient {
	return &VeloraClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *VeloraClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if c.cfg.WorkerSecret != "" {
		req.Header.Set("X-Worker-Secret", c.cfg.WorkerSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetWallet returns a user's wallet balance.
func (c *VeloraClient) GetWallet(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+userID+"/wallet", nil, nil)
}

// GetEscrow fetches a single escrow by ref.
func (c *VeloraClient) GetEscrow(ctx context.Context, ref string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+ref, nil, nil)
}

// ListEscrows lists escrows where the user is payer or receiver.
func (c *VeloraClient) ListEscrows(ctx context.Context, userID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+userID+"/escrows", q, nil)
}

// GetSession fetches a session by ref.
func (c *VeloraClient) GetSession(ctx context.Context, ref string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+ref, nil, nil)
}

// ReleaseEscrow releases a held escrow, paying out the receiver.
func (c *VeloraClient) ReleaseEscrow(ctx context.Context, ref string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/escrows/"+ref+"/release", nil, nil)
}

// RefundEscrow refunds a held escrow to the payer.
func (c *VeloraClient) RefundEscrow(ctx context.Context, ref string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/escrows/"+ref+"/refund", nil, nil)
}

// ListDisputes lists disputes, optionally filtered by status.
func (c *VeloraClient) ListDisputes(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/disputes", q, nil)
}

// ResolveDispute closes an open dispute with a release or refund.
func (c *VeloraClient) ResolveDispute(ctx context.Context, escrowRef, resolution, note string) (json.RawMessage, error) {
	body := map[string]string{
		"resolution": resolution,
		"note":       note,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/escrows/"+escrowRef+"/resolve", nil, body)
}

// ConfirmPayment settles a pending external payment.
func (c *VeloraClient) ConfirmPayment(ctx context.Context, transactionRef, amount string) (json.RawMessage, error) {
	var body any
	if amount != "" {
		body = map[string]string{"amount": amount}
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/payments/"+transactionRef+"/confirm", nil, body)
}

// RunReconciliation triggers one reconciliation sweep.
func (c *VeloraClient) RunReconciliation(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/worker/run", nil, nil)
}

// WorkerStatus returns the reconciliation worker's last heartbeat.
func (c *VeloraClient) WorkerStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/worker/status", nil, nil)
}
