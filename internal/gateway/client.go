// Package gateway implements the client for the external payment gateway's
// three-legged invoice protocol: credential acquisition, invoice creation and
// status queries. Every operation re-authenticates; credentials are not
// cached, so no stale-token coordination is needed.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/expont-mind/happy-academy-payments/internal/httputil"
)

// Config holds gateway connection settings.
type Config struct {
	BaseURL    string
	AppSecret  string
	TerminalID string
	Timeout    time.Duration
}

// Client talks to the payment gateway over HTTPS.
type Client struct {
	baseURL    string
	appSecret  string
	terminalID string
	httpClient *http.Client
}

// NewClient creates a gateway client with a bounded request timeout.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	if cfg.AppSecret == "" || cfg.TerminalID == "" {
		return nil, fmt.Errorf("gateway app secret and terminal id are required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		appSecret:  cfg.AppSecret,
		terminalID: cfg.TerminalID,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// CreateInvoiceRequest carries the inputs for invoice creation.
type CreateInvoiceRequest struct {
	Amount        int64
	Description   string
	TransactionID string
	CallbackURL   string
	ExpiresAt     time.Time
}

// Invoice is the gateway's handle for a payable request.
type Invoice struct {
	InvoiceID string `json:"invoice_id"`
	PayerLink string `json:"payer_link"`
	QRPayload string `json:"qr_payload"`
	QRImage   string `json:"qr_image"`
}

// StatusResult is the normalised outcome of a status query.
type StatusResult struct {
	Paid    bool
	Expired bool
	Raw     string
}

// CreateInvoice acquires a credential and creates an invoice upstream. It
// never retries; the caller decides recovery.
func (c *Client) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (Invoice, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		return Invoice{}, err
	}

	payload := map[string]interface{}{
		"amount":                  req.Amount,
		"description":             req.Description,
		"merchant_transaction_id": req.TransactionID,
		"callback_url":            req.CallbackURL,
		"expires_at":              req.ExpiresAt.UTC().Format(time.RFC3339),
	}

	resp, err := c.post(ctx, "/api/v1/invoices", token, payload)
	if err != nil {
		return Invoice{}, &InvoiceError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var upstream struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		body, _, _ := httputil.ReadAllWithLimit(resp.Body, 32<<10)
		_ = json.Unmarshal(body, &upstream)
		if upstream.Message == "" {
			upstream.Message = strings.TrimSpace(string(body))
		}
		return Invoice{}, &InvoiceError{StatusCode: resp.StatusCode, Code: upstream.Code, Message: upstream.Message}
	}

	var invoice Invoice
	body, err := httputil.ReadAllStrict(resp.Body, 1<<20)
	if err != nil {
		return Invoice{}, &InvoiceError{StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if err := json.Unmarshal(body, &invoice); err != nil {
		return Invoice{}, &InvoiceError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode invoice: %v", err)}
	}
	if invoice.InvoiceID == "" {
		return Invoice{}, &InvoiceError{StatusCode: resp.StatusCode, Message: "gateway returned no invoice id"}
	}
	return invoice, nil
}

// QueryStatus re-authenticates and asks the gateway for the current invoice
// status, identified by invoice id or QR payload.
func (c *Client) QueryStatus(ctx context.Context, reference string) (StatusResult, error) {
	token, err := c.authenticate(ctx)
	if err != nil {
		return StatusResult{}, &QueryError{Err: err}
	}

	resp, err := c.post(ctx, "/api/v1/invoices/status", token, map[string]string{"reference": reference})
	if err != nil {
		return StatusResult{}, &QueryError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _, _ := httputil.ReadAllWithLimit(resp.Body, 32<<10)
		return StatusResult{}, &QueryError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var upstream struct {
		Status string `json:"status"`
	}
	body, err := httputil.ReadAllStrict(resp.Body, 1<<20)
	if err != nil {
		return StatusResult{}, &QueryError{Err: err}
	}
	if err := json.Unmarshal(body, &upstream); err != nil {
		return StatusResult{}, &QueryError{Err: fmt.Errorf("decode status: %w", err)}
	}

	return NormalizeStatus(upstream.Status), nil
}

// NormalizeStatus folds the gateway's heterogeneous status vocabulary into
// the three-valued result: PAID/SUCCESS/COMPLETED mean paid, EXPIRED means
// expired, anything else is still pending.
func NormalizeStatus(raw string) StatusResult {
	result := StatusResult{Raw: raw}
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PAID", "SUCCESS", "COMPLETED":
		result.Paid = true
	case "EXPIRED":
		result.Expired = true
	}
	return result
}

// authenticate acquires a short-lived access credential using the static app
// secret and terminal id.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	payload := map[string]string{
		"app_secret":  c.appSecret,
		"terminal_id": c.terminalID,
	}

	resp, err := c.post(ctx, "/api/v1/auth/token", "", payload)
	if err != nil {
		return "", &AuthError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _, _ := httputil.ReadAllWithLimit(resp.Body, 32<<10)
		return "", &AuthError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var auth struct {
		Token string `json:"token"`
	}
	body, err := httputil.ReadAllStrict(resp.Body, 64<<10)
	if err != nil {
		return "", &AuthError{StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if err := json.Unmarshal(body, &auth); err != nil {
		return "", &AuthError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode token: %v", err)}
	}
	if auth.Token == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, Message: "gateway returned empty token"}
	}
	return auth.Token, nil
}

func (c *Client) post(ctx context.Context, path, token string, body interface{}) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}
