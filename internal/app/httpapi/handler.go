// Package httpapi exposes the payment core's REST surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/gorilla/mux"

	"github.com/expont-mind/happy-academy-payments/internal/app/domain/payment"
	"github.com/expont-mind/happy-academy-payments/internal/app/metrics"
	"github.com/expont-mind/happy-academy-payments/internal/app/services/payments"
	"github.com/expont-mind/happy-academy-payments/internal/gateway"
	"github.com/expont-mind/happy-academy-payments/internal/middleware"
	"github.com/expont-mind/happy-academy-payments/pkg/logger"
)

// Options configures the HTTP handler.
type Options struct {
	// UIRedirectURL is the UI route the payment callback redirects to,
	// carrying payment/reason query parameters.
	UIRedirectURL string
	// CallbackRatePerSecond bounds per-client callback traffic; zero
	// disables rate limiting.
	CallbackRatePerSecond int
	CallbackBurst         int
}

type handler struct {
	payments    *payments.Service
	redirectURL string
	log         *logger.Logger
}

// NewHandler returns a router exposing the payment REST API.
func NewHandler(svc *payments.Service, opts Options, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{payments: svc, redirectURL: opts.UIRedirectURL, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/payments/invoices", h.createInvoice).Methods(http.MethodPost)
	r.HandleFunc("/payments/pending-check", h.pendingCheck).Methods(http.MethodPost)
	r.HandleFunc("/payments/invoice-status", h.invoiceStatus).Methods(http.MethodPost)
	r.HandleFunc("/payments/transactions/{id}", h.getTransaction).Methods(http.MethodGet)

	var callback http.Handler = http.HandlerFunc(h.callback)
	if opts.CallbackRatePerSecond > 0 {
		burst := opts.CallbackBurst
		if burst == 0 {
			burst = opts.CallbackRatePerSecond
		}
		callback = middleware.NewRateLimiter(opts.CallbackRatePerSecond, burst, log).Handler(callback)
	}
	r.Handle("/payments/callback", callback).Methods(http.MethodGet, http.MethodPost)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

// --- create invoice -----------------------------------------------------------

type createInvoiceRequest struct {
	TransactionID string                 `json:"transaction_id"`
	Amount        int64                  `json:"amount"`
	PurchaseKind  payment.PurchaseKind   `json:"purchase_kind"`
	Description   string                 `json:"description"`
	TopicAccess   *payment.TopicAccess   `json:"topic_access,omitempty"`
	PhysicalOrder *payment.PhysicalOrder `json:"physical_order,omitempty"`
}

type createInvoiceResponse struct {
	TransactionID string `json:"transaction_id"`
	InvoiceID     string `json:"invoice_id"`
	PayerLink     string `json:"payer_link,omitempty"`
	QRPayload     string `json:"qr_payload,omitempty"`
	QRImage       string `json:"qr_image,omitempty"`
	ExpiresAt     string `json:"expires_at"`
}

func (h *handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var payload createInvoiceRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.payments.CreateInvoice(r.Context(), payments.CreateInvoiceInput{
		TransactionID: payload.TransactionID,
		Amount:        payload.Amount,
		Kind:          payload.PurchaseKind,
		Description:   payload.Description,
		TopicAccess:   payload.TopicAccess,
		Order:         payload.PhysicalOrder,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, createInvoiceResponse{
		TransactionID: result.TransactionID,
		InvoiceID:     result.InvoiceID,
		PayerLink:     result.PayerLink,
		QRPayload:     result.QRPayload,
		QRImage:       result.QRImage,
		ExpiresAt:     result.ExpiresAt.Format(time.RFC3339),
	})
}

// --- callback -----------------------------------------------------------------

// callback handles the gateway's asynchronous payment notification and
// redirects the payer's browser to the UI with the reconciliation result.
// The response claims success only when the ledger holds a completed state.
func (h *handler) callback(w http.ResponseWriter, r *http.Request) {
	invoiceID := r.URL.Query().Get("invoice_id")
	transactionID := r.URL.Query().Get("transaction_id")
	if invoiceID == "" && transactionID == "" {
		h.redirect(w, r, "error", "missing_reference", "")
		return
	}

	var (
		outcome payments.Outcome
		err     error
	)
	if transactionID != "" {
		outcome, err = h.payments.Reconcile(r.Context(), transactionID)
	} else {
		var tx payment.Transaction
		outcome, tx, err = h.payments.ReconcileByInvoice(r.Context(), invoiceID)
		transactionID = tx.ID
	}

	switch {
	case errors.Is(err, payment.ErrNotFound):
		h.redirect(w, r, "error", "unknown_transaction", transactionID)
	case err != nil && outcome == payments.OutcomeCompleted:
		// Payment is recorded; fulfillment retry happens out of band.
		h.log.WithError(err).Warn("callback: fulfillment incomplete")
		h.redirect(w, r, "success", "", transactionID)
	case err != nil:
		h.log.WithError(err).Warn("callback: reconciliation failed")
		h.redirect(w, r, "error", "status_unavailable", transactionID)
	case outcome == payments.OutcomeCompleted, outcome == payments.OutcomeAlreadySettled:
		h.redirect(w, r, "success", "", transactionID)
	case outcome == payments.OutcomeExpired:
		h.redirect(w, r, "failed", "expired", transactionID)
	default:
		h.redirect(w, r, "pending", "awaiting_payment", transactionID)
	}
}

func (h *handler) redirect(w http.ResponseWriter, r *http.Request, result, reason, transactionID string) {
	query := neturl.Values{}
	query.Set("payment", result)
	if reason != "" {
		query.Set("reason", reason)
	}
	if transactionID != "" {
		query.Set("transaction_id", transactionID)
	}

	if h.redirectURL == "" {
		writeJSON(w, http.StatusOK, map[string]string{"payment": result, "reason": reason})
		return
	}
	http.Redirect(w, r, h.redirectURL+"?"+query.Encode(), http.StatusSeeOther)
}

// --- pending check ------------------------------------------------------------

type pendingCheckRequest struct {
	UserID string `json:"user_id"`
}

type completedPurchase struct {
	TransactionID string   `json:"transaction_id"`
	PurchaseKind  string   `json:"purchase_kind"`
	TopicID       string   `json:"topic_id,omitempty"`
	LearnerIDs    []string `json:"learner_ids,omitempty"`
	OrderCode     string   `json:"order_code,omitempty"`
}

func (h *handler) pendingCheck(w http.ResponseWriter, r *http.Request) {
	var payload pendingCheckRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}

	completed, err := h.payments.CheckPending(r.Context(), payload.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	purchases := make([]completedPurchase, 0, len(completed))
	for _, p := range completed {
		purchases = append(purchases, completedPurchase{
			TransactionID: p.TransactionID,
			PurchaseKind:  string(p.Kind),
			TopicID:       p.TopicID,
			LearnerIDs:    p.LearnerIDs,
			OrderCode:     p.OrderCode,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"completed_purchases": purchases})
}

// --- invoice status -----------------------------------------------------------

type invoiceStatusRequest struct {
	InvoiceID string `json:"invoice_id"`
	QRPayload string `json:"qr_payload"`
}

func (h *handler) invoiceStatus(w http.ResponseWriter, r *http.Request) {
	var payload invoiceStatusRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reference := payload.QRPayload
	if reference == "" {
		reference = payload.InvoiceID
	}
	if reference == "" {
		writeError(w, http.StatusBadRequest, errors.New("invoice_id or qr_payload is required"))
		return
	}

	status, err := h.payments.InvoiceStatus(r.Context(), reference)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"is_paid":    status.Paid,
		"is_expired": status.Expired,
		"status":     status.Raw,
	})
}

// --- transaction audit view ---------------------------------------------------

func (h *handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tx, err := h.payments.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": tx.ID,
		"invoice_id":     tx.InvoiceID,
		"amount":         tx.Amount,
		"purchase_kind":  tx.Kind,
		"status":         tx.Status,
		"created_at":     tx.CreatedAt,
		"expires_at":     tx.ExpiresAt,
	})
}

// --- helpers ------------------------------------------------------------------

func statusForError(err error) int {
	var authErr *gateway.AuthError
	var invoiceErr *gateway.InvoiceError
	var queryErr *gateway.QueryError
	switch {
	case errors.Is(err, payment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &authErr), errors.As(err, &invoiceErr), errors.As(err, &queryErr):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.Reader, target interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{
		"error":      http.StatusText(status),
		"message":    err.Error(),
		"statusCode": status,
	})
}
