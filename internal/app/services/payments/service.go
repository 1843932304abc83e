// Package payments implements invoice creation and the asynchronous
// reconciliation of gateway-reported payment status into exactly-once
// domain effects.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/expont-mind/happy-academy-payments/internal/app/domain/payment"
	"github.com/expont-mind/happy-academy-payments/internal/app/storage"
	"github.com/expont-mind/happy-academy-payments/internal/gateway"
	"github.com/expont-mind/happy-academy-payments/pkg/logger"
)

// DefaultInvoiceTTL is the horizon after which an unpaid invoice is no
// longer eligible for payment.
const DefaultInvoiceTTL = 24 * time.Hour

// InvoiceGateway is the slice of the payment gateway the service depends on.
type InvoiceGateway interface {
	CreateInvoice(ctx context.Context, req gateway.CreateInvoiceRequest) (gateway.Invoice, error)
	QueryStatus(ctx context.Context, reference string) (gateway.StatusResult, error)
}

// Notifier delivers best-effort outbound notifications. Failures never fail
// the caller's logical operation.
type Notifier interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// Service coordinates the ledger store, the gateway client and fulfillment.
type Service struct {
	transactions storage.TransactionStore
	grants       storage.GrantStore
	orders       storage.OrderStore
	gateway      InvoiceGateway
	notifier     Notifier
	log          *logger.Logger

	invoiceTTL      time.Duration
	callbackURL     string
	orderCodePrefix string
	now             func() time.Time
}

// New constructs a payments service.
func New(transactions storage.TransactionStore, grants storage.GrantStore, orders storage.OrderStore, gw InvoiceGateway, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("payments")
	}
	return &Service{
		transactions:    transactions,
		grants:          grants,
		orders:          orders,
		gateway:         gw,
		log:             log,
		invoiceTTL:      DefaultInvoiceTTL,
		orderCodePrefix: "HA",
		now:             time.Now,
	}
}

// WithNotifier sets the outbound notification sink.
func (s *Service) WithNotifier(n Notifier) { s.notifier = n }

// WithInvoiceTTL overrides the default invoice expiry horizon.
func (s *Service) WithInvoiceTTL(d time.Duration) {
	if d > 0 {
		s.invoiceTTL = d
	}
}

// WithCallbackURL sets the URL the gateway calls back on payment.
func (s *Service) WithCallbackURL(u string) { s.callbackURL = u }

// WithOrderCodePrefix overrides the human-facing order code prefix.
func (s *Service) WithOrderCodePrefix(p string) {
	if p != "" {
		s.orderCodePrefix = p
	}
}

// CreateInvoiceInput carries a checkout attempt.
type CreateInvoiceInput struct {
	TransactionID string
	Amount        int64
	Kind          payment.PurchaseKind
	Description   string
	TopicAccess   *payment.TopicAccess
	Order         *payment.PhysicalOrder
}

// CreateInvoiceResult is returned to the UI for redirect or QR display.
type CreateInvoiceResult struct {
	TransactionID string
	InvoiceID     string
	PayerLink     string
	QRPayload     string
	QRImage       string
	ExpiresAt     time.Time
}

// CreateInvoice creates an invoice upstream and persists the transaction as
// pending. Retrying with the same transaction id refreshes the gateway
// references without creating a second ledger row or re-arming fulfillment.
func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (CreateInvoiceResult, error) {
	now := s.now().UTC()
	tx := payment.Transaction{
		ID:          in.TransactionID,
		Amount:      in.Amount,
		Kind:        in.Kind,
		TopicAccess: in.TopicAccess,
		Order:       in.Order,
		Status:      payment.StatusPending,
		ExpiresAt:   now.Add(s.invoiceTTL),
	}
	if err := tx.Validate(); err != nil {
		return CreateInvoiceResult{}, err
	}

	invoice, err := s.gateway.CreateInvoice(ctx, gateway.CreateInvoiceRequest{
		Amount:        in.Amount,
		Description:   in.Description,
		TransactionID: in.TransactionID,
		CallbackURL:   s.callbackURL,
		ExpiresAt:     tx.ExpiresAt,
	})
	if err != nil {
		return CreateInvoiceResult{}, err
	}

	tx.InvoiceID = invoice.InvoiceID
	tx.QRPayload = invoice.QRPayload

	stored, err := s.transactions.UpsertPending(ctx, tx)
	if err != nil {
		return CreateInvoiceResult{}, fmt.Errorf("persist transaction %s: %w", tx.ID, err)
	}

	return CreateInvoiceResult{
		TransactionID: stored.ID,
		InvoiceID:     invoice.InvoiceID,
		PayerLink:     invoice.PayerLink,
		QRPayload:     invoice.QRPayload,
		QRImage:       invoice.QRImage,
		ExpiresAt:     stored.ExpiresAt,
	}, nil
}

// GetTransaction returns the ledger record for auditing.
func (s *Service) GetTransaction(ctx context.Context, id string) (payment.Transaction, error) {
	return s.transactions.GetTransaction(ctx, id)
}

// InvoiceStatus performs a direct synchronous status check against the
// gateway, independent of reconciliation.
func (s *Service) InvoiceStatus(ctx context.Context, reference string) (gateway.StatusResult, error) {
	return s.gateway.QueryStatus(ctx, reference)
}
