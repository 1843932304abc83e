// Package supabase implements the storage interfaces over the Supabase REST
// API, for deployments that keep the product's managed backend as the system
// of record.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/expont-mind/happy-academy-payments/internal/app/domain/payment"
	"github.com/expont-mind/happy-academy-payments/internal/app/storage"
	"github.com/expont-mind/happy-academy-payments/internal/database"
)

const (
	transactionsTable = "payment_transactions"
	grantsTable       = "topic_access_grants"
	ordersTable       = "purchase_orders"
)

// Store talks to Supabase tables mirroring the PostgreSQL schema.
type Store struct {
	client *database.Client
}

var _ storage.TransactionStore = (*Store)(nil)
var _ storage.GrantStore = (*Store)(nil)
var _ storage.OrderStore = (*Store)(nil)

// New creates a Store over the given Supabase client.
func New(client *database.Client) *Store {
	return &Store{client: client}
}

// unavailable tags a REST failure so callers can distinguish "could not
// determine outcome" from domain conditions like not-found.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(payment.ErrLedgerUnavailable, err))
}

type transactionRow struct {
	TransactionID string                 `json:"transaction_id"`
	InvoiceID     string                 `json:"invoice_id"`
	QRPayload     string                 `json:"qr_payload"`
	Amount        int64                  `json:"amount"`
	PurchaseKind  string                 `json:"purchase_kind"`
	TopicAccess   *payment.TopicAccess   `json:"topic_access"`
	OrderDetails  *payment.PhysicalOrder `json:"order_details"`
	Status        string                 `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
}

func (r transactionRow) toDomain() payment.Transaction {
	return payment.Transaction{
		ID:          r.TransactionID,
		InvoiceID:   r.InvoiceID,
		QRPayload:   r.QRPayload,
		Amount:      r.Amount,
		Kind:        payment.PurchaseKind(r.PurchaseKind),
		TopicAccess: r.TopicAccess,
		Order:       r.OrderDetails,
		Status:      payment.Status(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

// --- TransactionStore ---------------------------------------------------------

func (s *Store) UpsertPending(ctx context.Context, tx payment.Transaction) (payment.Transaction, error) {
	existing, err := s.GetTransaction(ctx, tx.ID)
	switch {
	case err == nil && existing.Status != payment.StatusPending:
		// Terminal rows are never refreshed.
		return existing, nil

	case err == nil:
		patch := map[string]interface{}{
			"invoice_id": tx.InvoiceID,
			"qr_payload": tx.QRPayload,
			"expires_at": tx.ExpiresAt.UTC(),
			"updated_at": time.Now().UTC(),
		}
		query := fmt.Sprintf("transaction_id=eq.%s&status=eq.pending", neturl.QueryEscape(tx.ID))
		if _, err := s.client.Request(ctx, http.MethodPatch, transactionsTable, patch, query, ""); err != nil {
			return payment.Transaction{}, unavailable("refresh transaction", err)
		}
		return s.GetTransaction(ctx, tx.ID)

	case !errors.Is(err, payment.ErrNotFound):
		return payment.Transaction{}, err

	default:
		now := time.Now().UTC()
		row := transactionRow{
			TransactionID: tx.ID,
			InvoiceID:     tx.InvoiceID,
			QRPayload:     tx.QRPayload,
			Amount:        tx.Amount,
			PurchaseKind:  string(tx.Kind),
			TopicAccess:   tx.TopicAccess,
			OrderDetails:  tx.Order,
			Status:        string(payment.StatusPending),
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     tx.ExpiresAt.UTC(),
		}
		body, err := s.client.Request(ctx, http.MethodPost, transactionsTable, []transactionRow{row},
			"on_conflict=transaction_id", "return=representation,resolution=merge-duplicates")
		if err != nil {
			return payment.Transaction{}, unavailable("insert transaction", err)
		}
		var rows []transactionRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return payment.Transaction{}, fmt.Errorf("decode upsert response: %w", err)
		}
		if len(rows) == 0 {
			return s.GetTransaction(ctx, tx.ID)
		}
		return rows[0].toDomain(), nil
	}
}

func (s *Store) GetTransaction(ctx context.Context, id string) (payment.Transaction, error) {
	return s.getOne(ctx, fmt.Sprintf("transaction_id=eq.%s", neturl.QueryEscape(id)), id)
}

func (s *Store) GetTransactionByInvoice(ctx context.Context, invoiceID string) (payment.Transaction, error) {
	return s.getOne(ctx, fmt.Sprintf("invoice_id=eq.%s", neturl.QueryEscape(invoiceID)), invoiceID)
}

func (s *Store) getOne(ctx context.Context, query, ref string) (payment.Transaction, error) {
	var rows []transactionRow
	if err := s.client.Select(ctx, transactionsTable, query+"&limit=1", &rows); err != nil {
		return payment.Transaction{}, unavailable("get transaction", err)
	}
	if len(rows) == 0 {
		return payment.Transaction{}, fmt.Errorf("transaction %s: %w", ref, payment.ErrNotFound)
	}
	return rows[0].toDomain(), nil
}

func (s *Store) ListPendingUnexpired(ctx context.Context, userID string, now time.Time) ([]payment.Transaction, error) {
	query := fmt.Sprintf("status=eq.pending&expires_at=gt.%s", neturl.QueryEscape(now.UTC().Format(time.RFC3339)))
	if userID != "" {
		query += fmt.Sprintf("&topic_access->>user_id=eq.%s", neturl.QueryEscape(userID))
	}

	var rows []transactionRow
	if err := s.client.Select(ctx, transactionsTable, query, &rows); err != nil {
		return nil, unavailable("list pending transactions", err)
	}
	result := make([]payment.Transaction, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (s *Store) TransitionToCompleted(ctx context.Context, id string) (bool, error) {
	patch := map[string]interface{}{
		"status":     string(payment.StatusCompleted),
		"updated_at": time.Now().UTC(),
	}
	// The status=eq.pending filter makes the PATCH a compare-and-set: the
	// representation is empty when another caller already settled the row.
	query := fmt.Sprintf("transaction_id=eq.%s&status=eq.pending", neturl.QueryEscape(id))
	body, err := s.client.Request(ctx, http.MethodPatch, transactionsTable, patch, query, "return=representation")
	if err != nil {
		return false, unavailable("transition to completed", err)
	}
	var rows []transactionRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return false, fmt.Errorf("decode transition response: %w", err)
	}
	return len(rows) == 1, nil
}

func (s *Store) TransitionToExpired(ctx context.Context, id string) error {
	patch := map[string]interface{}{
		"status":     string(payment.StatusExpired),
		"updated_at": time.Now().UTC(),
	}
	query := fmt.Sprintf("transaction_id=eq.%s&status=eq.pending", neturl.QueryEscape(id))
	if _, err := s.client.Request(ctx, http.MethodPatch, transactionsTable, patch, query, ""); err != nil {
		return unavailable("transition to expired", err)
	}
	return nil
}

// --- GrantStore ---------------------------------------------------------------

type grantRow struct {
	LearnerID     string    `json:"learner_id"`
	TopicID       string    `json:"topic_id"`
	TransactionID string    `json:"transaction_id"`
	GrantedAt     time.Time `json:"granted_at"`
}

func (s *Store) InsertAccessGrant(ctx context.Context, grant payment.AccessGrant) error {
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now().UTC()
	}
	row := grantRow{
		LearnerID:     grant.LearnerID,
		TopicID:       grant.TopicID,
		TransactionID: grant.TransactionID,
		GrantedAt:     grant.GrantedAt,
	}
	if _, err := s.client.Request(ctx, http.MethodPost, grantsTable, []grantRow{row},
		"on_conflict=learner_id,topic_id", "resolution=ignore-duplicates"); err != nil {
		return unavailable("insert access grant", err)
	}
	return nil
}

func (s *Store) ListAccessGrants(ctx context.Context, learnerID string) ([]payment.AccessGrant, error) {
	query := ""
	if learnerID != "" {
		query = fmt.Sprintf("learner_id=eq.%s", neturl.QueryEscape(learnerID))
	}
	var rows []grantRow
	if err := s.client.Select(ctx, grantsTable, query, &rows); err != nil {
		return nil, unavailable("list access grants", err)
	}
	result := make([]payment.AccessGrant, 0, len(rows))
	for _, row := range rows {
		result = append(result, payment.AccessGrant{
			LearnerID:     row.LearnerID,
			TopicID:       row.TopicID,
			TransactionID: row.TransactionID,
			GrantedAt:     row.GrantedAt,
		})
	}
	return result, nil
}

// --- OrderStore ---------------------------------------------------------------

type orderRow struct {
	ID            string            `json:"id"`
	Code          string            `json:"code"`
	TransactionID string            `json:"transaction_id"`
	CouponID      string            `json:"coupon_id"`
	Phone         string            `json:"phone"`
	Delivery      map[string]string `json:"delivery"`
	Status        string            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (s *Store) CreateOrder(ctx context.Context, order payment.Order) (payment.Order, error) {
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	row := orderRow{
		ID:            order.ID,
		Code:          order.Code,
		TransactionID: order.TransactionID,
		CouponID:      order.CouponID,
		Phone:         order.Phone,
		Delivery:      order.Delivery,
		Status:        string(order.Status),
		CreatedAt:     order.CreatedAt,
	}
	// Ignore-duplicates keyed on transaction id: a repeated fulfillment
	// attempt resolves to the order created first.
	if _, err := s.client.Request(ctx, http.MethodPost, ordersTable, []orderRow{row},
		"on_conflict=transaction_id", "resolution=ignore-duplicates"); err != nil {
		return payment.Order{}, unavailable("create order", err)
	}
	return s.GetOrderByTransaction(ctx, order.TransactionID)
}

func (s *Store) GetOrderByTransaction(ctx context.Context, transactionID string) (payment.Order, error) {
	query := fmt.Sprintf("transaction_id=eq.%s&limit=1", neturl.QueryEscape(transactionID))
	var rows []orderRow
	if err := s.client.Select(ctx, ordersTable, query, &rows); err != nil {
		return payment.Order{}, unavailable("get order", err)
	}
	if len(rows) == 0 {
		return payment.Order{}, fmt.Errorf("order for transaction %s: %w", transactionID, payment.ErrNotFound)
	}
	row := rows[0]
	return payment.Order{
		ID:            row.ID,
		Code:          row.Code,
		TransactionID: row.TransactionID,
		CouponID:      row.CouponID,
		Phone:         row.Phone,
		Delivery:      row.Delivery,
		Status:        payment.OrderStatus(row.Status),
		CreatedAt:     row.CreatedAt,
	}, nil
}
