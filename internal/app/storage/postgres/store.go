// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/expont-mind/happy-academy-payments/internal/app/domain/payment"
	"github.com/expont-mind/happy-academy-payments/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. The
// pending->completed transition relies on a conditional UPDATE so that
// concurrent callers observe exactly one affected row.
type Store struct {
	db *sql.DB
}

var _ storage.TransactionStore = (*Store)(nil)
var _ storage.GrantStore = (*Store)(nil)
var _ storage.OrderStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const transactionColumns = `transaction_id, invoice_id, qr_payload, amount, purchase_kind, topic_access, order_details, status, created_at, updated_at, expires_at`

// --- TransactionStore ---------------------------------------------------------

func (s *Store) UpsertPending(ctx context.Context, tx payment.Transaction) (payment.Transaction, error) {
	now := time.Now().UTC()
	tx.Status = payment.StatusPending
	tx.CreatedAt = now
	tx.UpdatedAt = now

	topicJSON, orderJSON, err := marshalPayloads(tx)
	if err != nil {
		return payment.Transaction{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO payment_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (transaction_id) DO UPDATE
		SET invoice_id = EXCLUDED.invoice_id,
		    qr_payload = EXCLUDED.qr_payload,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = EXCLUDED.updated_at
		WHERE payment_transactions.status = 'pending'
		RETURNING `+transactionColumns+`
	`, tx.ID, tx.InvoiceID, tx.QRPayload, tx.Amount, tx.Kind, topicJSON, orderJSON,
		tx.Status, tx.CreatedAt, tx.UpdatedAt, tx.ExpiresAt)

	stored, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		// The record exists but is terminal; the refresh did not apply.
		return s.GetTransaction(ctx, tx.ID)
	}
	if err != nil {
		return payment.Transaction{}, unavailable("upsert transaction", err)
	}
	return stored, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (payment.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE transaction_id = $1
	`, id)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Transaction{}, fmt.Errorf("transaction %s: %w", id, payment.ErrNotFound)
	}
	if err != nil {
		return payment.Transaction{}, unavailable("get transaction", err)
	}
	return tx, nil
}

func (s *Store) GetTransactionByInvoice(ctx context.Context, invoiceID string) (payment.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE invoice_id = $1
	`, invoiceID)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Transaction{}, fmt.Errorf("invoice %s: %w", invoiceID, payment.ErrNotFound)
	}
	if err != nil {
		return payment.Transaction{}, unavailable("get transaction by invoice", err)
	}
	return tx, nil
}

func (s *Store) ListPendingUnexpired(ctx context.Context, userID string, now time.Time) ([]payment.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE status = 'pending'
		  AND expires_at > $1
		  AND ($2 = '' OR topic_access->>'user_id' = $2)
		ORDER BY created_at
	`, now, userID)
	if err != nil {
		return nil, unavailable("list pending transactions", err)
	}
	defer rows.Close()

	var result []payment.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, unavailable("list pending transactions", err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list pending transactions", err)
	}
	return result, nil
}

func (s *Store) TransitionToCompleted(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = 'completed', updated_at = $2
		WHERE transaction_id = $1 AND status = 'pending'
	`, id, time.Now().UTC())
	if err != nil {
		return false, unavailable("transition to completed", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, unavailable("transition to completed", err)
	}
	return rows == 1, nil
}

func (s *Store) TransitionToExpired(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = 'expired', updated_at = $2
		WHERE transaction_id = $1 AND status = 'pending'
	`, id, time.Now().UTC())
	if err != nil {
		return unavailable("transition to expired", err)
	}
	return nil
}

// --- GrantStore ---------------------------------------------------------------

func (s *Store) InsertAccessGrant(ctx context.Context, grant payment.AccessGrant) error {
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_access_grants (learner_id, topic_id, transaction_id, granted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (learner_id, topic_id) DO NOTHING
	`, grant.LearnerID, grant.TopicID, grant.TransactionID, grant.GrantedAt)
	if err != nil {
		return unavailable("insert access grant", err)
	}
	return nil
}

func (s *Store) ListAccessGrants(ctx context.Context, learnerID string) ([]payment.AccessGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT learner_id, topic_id, transaction_id, granted_at
		FROM topic_access_grants
		WHERE $1 = '' OR learner_id = $1
		ORDER BY granted_at
	`, learnerID)
	if err != nil {
		return nil, unavailable("list access grants", err)
	}
	defer rows.Close()

	var result []payment.AccessGrant
	for rows.Next() {
		var grant payment.AccessGrant
		if err := rows.Scan(&grant.LearnerID, &grant.TopicID, &grant.TransactionID, &grant.GrantedAt); err != nil {
			return nil, unavailable("list access grants", err)
		}
		result = append(result, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list access grants", err)
	}
	return result, nil
}

// --- OrderStore ---------------------------------------------------------------

func (s *Store) CreateOrder(ctx context.Context, order payment.Order) (payment.Order, error) {
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	deliveryJSON, err := json.Marshal(order.Delivery)
	if err != nil {
		return payment.Order{}, fmt.Errorf("marshal delivery: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO purchase_orders (id, code, transaction_id, coupon_id, phone, delivery, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transaction_id) DO NOTHING
	`, order.ID, order.Code, order.TransactionID, order.CouponID, order.Phone,
		deliveryJSON, order.Status, order.CreatedAt)
	if err != nil {
		return payment.Order{}, unavailable("create order", err)
	}

	// On conflict the insert was a no-op; either way the row keyed by the
	// transaction is the canonical order.
	return s.GetOrderByTransaction(ctx, order.TransactionID)
}

func (s *Store) GetOrderByTransaction(ctx context.Context, transactionID string) (payment.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, transaction_id, coupon_id, phone, delivery, status, created_at
		FROM purchase_orders
		WHERE transaction_id = $1
	`, transactionID)

	var (
		order       payment.Order
		deliveryRaw []byte
	)
	err := row.Scan(&order.ID, &order.Code, &order.TransactionID, &order.CouponID,
		&order.Phone, &deliveryRaw, &order.Status, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Order{}, fmt.Errorf("order for transaction %s: %w", transactionID, payment.ErrNotFound)
	}
	if err != nil {
		return payment.Order{}, unavailable("get order", err)
	}
	if len(deliveryRaw) > 0 {
		_ = json.Unmarshal(deliveryRaw, &order.Delivery)
	}
	return order, nil
}

// --- helpers ------------------------------------------------------------------

// unavailable tags a storage failure so callers can distinguish "could not
// determine outcome" from domain conditions like not-found.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(payment.ErrLedgerUnavailable, err))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (payment.Transaction, error) {
	var (
		tx        payment.Transaction
		invoiceID sql.NullString
		qrPayload sql.NullString
		topicRaw  []byte
		orderRaw  []byte
	)

	err := row.Scan(&tx.ID, &invoiceID, &qrPayload, &tx.Amount, &tx.Kind,
		&topicRaw, &orderRaw, &tx.Status, &tx.CreatedAt, &tx.UpdatedAt, &tx.ExpiresAt)
	if err != nil {
		return payment.Transaction{}, err
	}

	tx.InvoiceID = invoiceID.String
	tx.QRPayload = qrPayload.String

	if len(topicRaw) > 0 {
		tx.TopicAccess = &payment.TopicAccess{}
		if err := json.Unmarshal(topicRaw, tx.TopicAccess); err != nil {
			return payment.Transaction{}, fmt.Errorf("decode topic access payload: %w", err)
		}
	}
	if len(orderRaw) > 0 {
		tx.Order = &payment.PhysicalOrder{}
		if err := json.Unmarshal(orderRaw, tx.Order); err != nil {
			return payment.Transaction{}, fmt.Errorf("decode order payload: %w", err)
		}
	}
	return tx, nil
}

func marshalPayloads(tx payment.Transaction) ([]byte, []byte, error) {
	var topicJSON, orderJSON []byte
	var err error
	if tx.TopicAccess != nil {
		if topicJSON, err = json.Marshal(tx.TopicAccess); err != nil {
			return nil, nil, fmt.Errorf("marshal topic access payload: %w", err)
		}
	}
	if tx.Order != nil {
		if orderJSON, err = json.Marshal(tx.Order); err != nil {
			return nil, nil, fmt.Errorf("marshal order payload: %w", err)
		}
	}
	return topicJSON, orderJSON, nil
}
