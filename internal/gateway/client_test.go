package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		BaseURL:    server.URL,
		AppSecret:  "secret",
		TerminalID: "terminal-1",
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{AppSecret: "s", TerminalID: "t"})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "https://gw.example"})
	assert.Error(t, err)
}

func TestCreateInvoiceAuthenticatesPerCall(t *testing.T) {
	var authCalls int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "secret", payload["app_secret"])
		assert.Equal(t, "terminal-1", payload["terminal_id"])
		atomic.AddInt64(&authCalls, 1)
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	})
	mux.HandleFunc("/api/v1/invoices", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Invoice{
			InvoiceID: "inv-1",
			PayerLink: "https://pay.example/inv-1",
			QRPayload: "qr-data",
		})
	})

	client := newTestGateway(t, mux)
	ctx := context.Background()

	invoice, err := client.CreateInvoice(ctx, CreateInvoiceRequest{
		Amount:        3000,
		TransactionID: "tx-1",
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "inv-1", invoice.InvoiceID)

	_, err = client.CreateInvoice(ctx, CreateInvoiceRequest{Amount: 3000, TransactionID: "tx-2"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&authCalls), "credentials are acquired per call, never cached")
}

func TestCreateInvoiceAuthFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	})

	client := newTestGateway(t, mux)
	_, err := client.CreateInvoice(context.Background(), CreateInvoiceRequest{Amount: 100, TransactionID: "tx-1"})

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
}

func TestCreateInvoiceUpstreamError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	})
	mux.HandleFunc("/api/v1/invoices", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"code": "AMOUNT_TOO_SMALL", "message": "minimum is 100"})
	})

	client := newTestGateway(t, mux)
	_, err := client.CreateInvoice(context.Background(), CreateInvoiceRequest{Amount: 1, TransactionID: "tx-1"})

	var invErr *InvoiceError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "AMOUNT_TOO_SMALL", invErr.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, invErr.StatusCode)
}

func TestQueryStatusNormalisation(t *testing.T) {
	status := "PAID"
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	})
	mux.HandleFunc("/api/v1/invoices/status", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "qr-data", payload["reference"])
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	client := newTestGateway(t, mux)
	ctx := context.Background()

	result, err := client.QueryStatus(ctx, "qr-data")
	require.NoError(t, err)
	assert.True(t, result.Paid)

	status = "EXPIRED"
	result, err = client.QueryStatus(ctx, "qr-data")
	require.NoError(t, err)
	assert.True(t, result.Expired)

	status = "NEW"
	result, err = client.QueryStatus(ctx, "qr-data")
	require.NoError(t, err)
	assert.False(t, result.Paid)
	assert.False(t, result.Expired)
}

func TestQueryStatusFailureIsQueryError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	})
	mux.HandleFunc("/api/v1/invoices/status", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	})

	client := newTestGateway(t, mux)
	_, err := client.QueryStatus(context.Background(), "qr-data")

	var queryErr *QueryError
	require.ErrorAs(t, err, &queryErr)
}

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		raw     string
		paid    bool
		expired bool
	}{
		{"PAID", true, false},
		{"paid", true, false},
		{" Success ", true, false},
		{"COMPLETED", true, false},
		{"EXPIRED", false, true},
		{"NEW", false, false},
		{"CANCELLED", false, false},
		{"", false, false},
	}
	for _, tc := range cases {
		result := NormalizeStatus(tc.raw)
		assert.Equal(t, tc.paid, result.Paid, "raw=%q", tc.raw)
		assert.Equal(t, tc.expired, result.Expired, "raw=%q", tc.raw)
		assert.Equal(t, tc.raw, result.Raw)
	}
}
