package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/expont-mind/happy-academy-payments/internal/app/services/payments"
	"github.com/expont-mind/happy-academy-payments/internal/app/storage/memory"
	"github.com/expont-mind/happy-academy-payments/internal/gateway"
)

type stubGateway struct {
	mu       sync.Mutex
	statuses map[string]gateway.StatusResult
	invoices int
}

func (s *stubGateway) CreateInvoice(_ context.Context, _ gateway.CreateInvoiceRequest) (gateway.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices++
	return gateway.Invoice{
		InvoiceID: fmt.Sprintf("inv-%d", s.invoices),
		PayerLink: "https://pay.example/x",
		QRPayload: fmt.Sprintf("qr-%d", s.invoices),
	}, nil
}

func (s *stubGateway) QueryStatus(_ context.Context, reference string) (gateway.StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.statuses[reference]; ok {
		return status, nil
	}
	return gateway.StatusResult{Raw: "NEW"}, nil
}

func newTestHandler(t *testing.T) (http.Handler, *stubGateway) {
	t.Helper()
	store := memory.New()
	gw := &stubGateway{statuses: make(map[string]gateway.StatusResult)}
	svc := payments.New(store, store, store, gw, nil)
	handler := NewHandler(svc, Options{UIRedirectURL: "https://app.example/checkout"}, nil)
	return handler, gw
}

func createTestInvoice(t *testing.T, handler http.Handler, txID string) createInvoiceResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"transaction_id": txID,
		"amount":         3000,
		"purchase_kind":  "topic_access",
		"topic_access": map[string]interface{}{
			"user_id":     "parent-1",
			"learner_ids": []string{"learner-1"},
			"topic_id":    "topic-math",
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/payments/invoices", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("create invoice status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp createInvoiceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestCreateInvoiceEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)

	resp := createTestInvoice(t, handler, "tx-1")
	if resp.InvoiceID == "" || resp.PayerLink == "" {
		t.Fatalf("incomplete response: %+v", resp)
	}
}

func TestCreateInvoiceEndpointRejectsBadPayload(t *testing.T) {
	handler, _ := newTestHandler(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", "{"},
		{"unknown field", `{"transaction_id":"tx","amount":100,"purchase_kind":"topic_access","bogus":1}`},
		{"zero amount", `{"transaction_id":"tx","amount":0,"purchase_kind":"topic_access","topic_access":{"user_id":"u","learner_ids":["l"],"topic_id":"t"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/payments/invoices", bytes.NewReader([]byte(tc.body)))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var errBody map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
				t.Fatalf("error body is not JSON: %v", err)
			}
			if errBody["message"] == "" {
				t.Fatalf("error body missing message: %v", errBody)
			}
		})
	}
}

func redirectResult(t *testing.T, rec *httptest.ResponseRecorder) url.Values {
	t.Helper()
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	return location.Query()
}

func TestCallbackRedirects(t *testing.T) {
	handler, gw := newTestHandler(t)

	paid := createTestInvoice(t, handler, "tx-paid")
	gw.statuses[paid.QRPayload] = gateway.StatusResult{Paid: true, Raw: "PAID"}
	expired := createTestInvoice(t, handler, "tx-expired")
	gw.statuses[expired.QRPayload] = gateway.StatusResult{Expired: true, Raw: "EXPIRED"}
	createTestInvoice(t, handler, "tx-open")

	cases := []struct {
		name       string
		query      string
		wantResult string
		wantReason string
	}{
		{"paid by invoice id", "invoice_id=" + paid.InvoiceID, "success", ""},
		{"duplicate callback", "transaction_id=tx-paid", "success", ""},
		{"expired", "transaction_id=tx-expired", "failed", "expired"},
		{"still open", "transaction_id=tx-open", "pending", "awaiting_payment"},
		{"unknown transaction", "transaction_id=tx-missing", "error", "unknown_transaction"},
		{"missing reference", "", "error", "missing_reference"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/payments/callback?"+tc.query, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			query := redirectResult(t, rec)
			if got := query.Get("payment"); got != tc.wantResult {
				t.Fatalf("payment = %q, want %q", got, tc.wantResult)
			}
			if got := query.Get("reason"); got != tc.wantReason {
				t.Fatalf("reason = %q, want %q", got, tc.wantReason)
			}
		})
	}
}

func TestCallbackRateLimit(t *testing.T) {
	store := memory.New()
	gw := &stubGateway{statuses: make(map[string]gateway.StatusResult)}
	svc := payments.New(store, store, store, gw, nil)
	handler := NewHandler(svc, Options{
		UIRedirectURL:         "https://app.example/checkout",
		CallbackRatePerSecond: 1,
		CallbackBurst:         2,
	}, nil)

	limited := false
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/payments/callback?transaction_id=tx-1", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Fatalf("expected at least one rate-limited response")
	}
}

func TestPendingCheckEndpoint(t *testing.T) {
	handler, gw := newTestHandler(t)

	paid := createTestInvoice(t, handler, "tx-paid")
	gw.statuses[paid.QRPayload] = gateway.StatusResult{Paid: true, Raw: "PAID"}
	createTestInvoice(t, handler, "tx-open")

	body := []byte(`{"user_id":"parent-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/payments/pending-check", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		CompletedPurchases []completedPurchase `json:"completed_purchases"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.CompletedPurchases) != 1 || resp.CompletedPurchases[0].TransactionID != "tx-paid" {
		t.Fatalf("completed = %+v, want only tx-paid", resp.CompletedPurchases)
	}

	// An empty user id is rejected rather than treated as "all users".
	req = httptest.NewRequest(http.MethodPost, "/payments/pending-check", bytes.NewReader([]byte(`{"user_id":""}`)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty user id status = %d, want 400", rec.Code)
	}
}

func TestInvoiceStatusEndpoint(t *testing.T) {
	handler, gw := newTestHandler(t)

	invoice := createTestInvoice(t, handler, "tx-1")
	gw.statuses[invoice.QRPayload] = gateway.StatusResult{Paid: true, Raw: "PAID"}

	body, _ := json.Marshal(map[string]string{"qr_payload": invoice.QRPayload})
	req := httptest.NewRequest(http.MethodPost, "/payments/invoice-status", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		IsPaid    bool   `json:"is_paid"`
		IsExpired bool   `json:"is_expired"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.IsPaid || resp.IsExpired || resp.Status != "PAID" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestGetTransactionEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	createTestInvoice(t, handler, "tx-1")

	req := httptest.NewRequest(http.MethodGet, "/payments/transactions/tx-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/payments/transactions/tx-missing", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing transaction status = %d, want 404", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
