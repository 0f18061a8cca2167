// Package client is a thin HTTP client for the ledger gateway API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Token is sent as a bearer token; the audit lookup needs an operator one.
	Token string
}

// Stakeholder is the createStakeholder body. ContractID doubles as the
// wallet identity the gateway enrolls.
type Stakeholder struct {
	ContractID    string `json:"contractId"`
	UID           string `json:"uId"`
	Role          string `json:"rol"`
	WalletBalance string `json:"walletBalance"`
	Fees          string `json:"fees"`
}

type Transfer struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
	Amount string `json:"amount"`
}

type Settlement struct {
	RecordID       string `json:"recordId"`
	ContractIDFI   string `json:"contractIdFI"`
	ContractIDEMSP string `json:"contractIdEMSP"`
}

// CDR is a charge detail record keyed by its wire field names. Values are
// forwarded as-is, so json.Number keeps numeric literals intact.
type CDR map[string]any

// APIError is a non-2xx gateway answer.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway status=%d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("gateway status=%d code=%s: %s", e.Status, e.Code, e.Message)
}

// RequestOption adjusts an outgoing request.
type RequestOption func(*http.Request)

// WithIdempotencyKey lets the gateway reject a replayed submit.
func WithIdempotencyKey(key string) RequestOption {
	return func(r *http.Request) {
		if key = strings.TrimSpace(key); key != "" {
			r.Header.Set("Idempotency-Key", key)
		}
	}
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 35 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) EnrollAdmin(ctx context.Context) (string, error) {
	return c.submit(ctx, "/api/enrollAdminOrg1", struct{}{})
}

func (c *Client) CreateStakeholder(ctx context.Context, s Stakeholder, opts ...RequestOption) (string, error) {
	return c.submit(ctx, "/api/createStakeholder", s, opts...)
}

func (c *Client) Transfer(ctx context.Context, t Transfer, opts ...RequestOption) (string, error) {
	return c.submit(ctx, "/api/transfer", t, opts...)
}

func (c *Client) RegisterCDR(ctx context.Context, cdr CDR, opts ...RequestOption) (string, error) {
	return c.submit(ctx, "/api/registerCDR", cdr, opts...)
}

func (c *Client) SettlementCDR(ctx context.Context, s Settlement, opts ...RequestOption) (string, error) {
	return c.submit(ctx, "/api/settlementCDR", s, opts...)
}

// ProcessCDR registers and settles in one transaction; cdr must also carry
// contractIdFI and contractIdEMSP.
func (c *Client) ProcessCDR(ctx context.Context, cdr CDR, opts ...RequestOption) (string, error) {
	return c.submit(ctx, "/api/processCDR", cdr, opts...)
}

// Query returns the contract's raw answer for a record.
func (c *Client) Query(ctx context.Context, stakeholderID, recordID string) (string, error) {
	return c.evaluate(ctx, "/api/query/"+url.PathEscape(stakeholderID)+"/"+url.PathEscape(recordID))
}

func (c *Client) GetBalance(ctx context.Context, stakeholderID, contractID string) (string, error) {
	return c.evaluate(ctx, "/api/getBalance/"+url.PathEscape(stakeholderID)+"/"+url.PathEscape(contractID))
}

// Audit fetches one audit record by id.
func (c *Client) Audit(ctx context.Context, id string) (map[string]any, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/audit/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode audit record: %w", err)
	}
	return out, nil
}

func (c *Client) submit(ctx context.Context, path string, body any, opts ...RequestOption) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	out, err := c.do(ctx, http.MethodPost, path, raw, opts...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (c *Client) evaluate(ctx context.Context, path string) (string, error) {
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Response, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, opts ...RequestOption) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for _, opt := range opts {
		opt(req)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, apiError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func apiError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return &APIError{Status: status, Code: payload.Code, Message: payload.Error}
	}
	return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 35 * time.Second}
}
