// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expont-mind/happy-academy-payments/internal/app/domain/payment"
	"github.com/expont-mind/happy-academy-payments/internal/app/storage"
)

// Store is the in-memory implementation of all storage interfaces.
type Store struct {
	mu           sync.RWMutex
	transactions map[string]payment.Transaction
	byInvoice    map[string]string
	grants       map[grantKey]payment.AccessGrant
	orders       map[string]payment.Order // keyed by transaction id
}

type grantKey struct {
	learnerID string
	topicID   string
}

var _ storage.TransactionStore = (*Store)(nil)
var _ storage.GrantStore = (*Store)(nil)
var _ storage.OrderStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		transactions: make(map[string]payment.Transaction),
		byInvoice:    make(map[string]string),
		grants:       make(map[grantKey]payment.AccessGrant),
		orders:       make(map[string]payment.Order),
	}
}

// TransactionStore implementation ---------------------------------------------

func (s *Store) UpsertPending(_ context.Context, tx payment.Transaction) (payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.transactions[tx.ID]
	if ok {
		if existing.Status != payment.StatusPending {
			// Terminal records keep their state; the refreshed gateway
			// references are irrelevant once settled.
			return cloneTransaction(existing), nil
		}
		existing.InvoiceID = tx.InvoiceID
		existing.QRPayload = tx.QRPayload
		existing.ExpiresAt = tx.ExpiresAt
		existing.UpdatedAt = now
		s.transactions[tx.ID] = existing
		if tx.InvoiceID != "" {
			s.byInvoice[tx.InvoiceID] = tx.ID
		}
		return cloneTransaction(existing), nil
	}

	tx.Status = payment.StatusPending
	tx.CreatedAt = now
	tx.UpdatedAt = now
	tx.TopicAccess = cloneTopicAccess(tx.TopicAccess)
	tx.Order = cloneOrderPayload(tx.Order)
	s.transactions[tx.ID] = tx
	if tx.InvoiceID != "" {
		s.byInvoice[tx.InvoiceID] = tx.ID
	}
	return cloneTransaction(tx), nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (payment.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return payment.Transaction{}, fmt.Errorf("transaction %s: %w", id, payment.ErrNotFound)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) GetTransactionByInvoice(_ context.Context, invoiceID string) (payment.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byInvoice[invoiceID]
	if !ok {
		return payment.Transaction{}, fmt.Errorf("invoice %s: %w", invoiceID, payment.ErrNotFound)
	}
	return cloneTransaction(s.transactions[id]), nil
}

func (s *Store) ListPendingUnexpired(_ context.Context, userID string, now time.Time) ([]payment.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []payment.Transaction
	for _, tx := range s.transactions {
		if tx.Status != payment.StatusPending {
			continue
		}
		if !tx.ExpiresAt.After(now) {
			continue
		}
		if userID != "" && tx.RequestingUserID() != userID {
			continue
		}
		result = append(result, cloneTransaction(tx))
	}
	return result, nil
}

func (s *Store) TransitionToCompleted(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return false, fmt.Errorf("transaction %s: %w", id, payment.ErrNotFound)
	}
	if tx.Status != payment.StatusPending {
		return false, nil
	}
	tx.Status = payment.StatusCompleted
	tx.UpdatedAt = time.Now().UTC()
	s.transactions[id] = tx
	return true, nil
}

func (s *Store) TransitionToExpired(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, payment.ErrNotFound)
	}
	if tx.Status != payment.StatusPending {
		return nil
	}
	tx.Status = payment.StatusExpired
	tx.UpdatedAt = time.Now().UTC()
	s.transactions[id] = tx
	return nil
}

// GrantStore implementation ----------------------------------------------------

func (s *Store) InsertAccessGrant(_ context.Context, grant payment.AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey{learnerID: grant.LearnerID, topicID: grant.TopicID}
	if _, exists := s.grants[key]; exists {
		return nil
	}
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now().UTC()
	}
	s.grants[key] = grant
	return nil
}

func (s *Store) ListAccessGrants(_ context.Context, learnerID string) ([]payment.AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []payment.AccessGrant
	for key, grant := range s.grants {
		if learnerID == "" || key.learnerID == learnerID {
			result = append(result, grant)
		}
	}
	return result, nil
}

// OrderStore implementation ----------------------------------------------------

func (s *Store) CreateOrder(_ context.Context, order payment.Order) (payment.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orders[order.TransactionID]; ok {
		return cloneOrder(existing), nil
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.Delivery = cloneMap(order.Delivery)
	s.orders[order.TransactionID] = order
	return cloneOrder(order), nil
}

func (s *Store) GetOrderByTransaction(_ context.Context, transactionID string) (payment.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[transactionID]
	if !ok {
		return payment.Order{}, fmt.Errorf("order for transaction %s: %w", transactionID, payment.ErrNotFound)
	}
	return cloneOrder(order), nil
}

// clone helpers ----------------------------------------------------------------

func cloneTransaction(tx payment.Transaction) payment.Transaction {
	tx.TopicAccess = cloneTopicAccess(tx.TopicAccess)
	tx.Order = cloneOrderPayload(tx.Order)
	return tx
}

func cloneTopicAccess(p *payment.TopicAccess) *payment.TopicAccess {
	if p == nil {
		return nil
	}
	clone := *p
	clone.LearnerIDs = append([]string(nil), p.LearnerIDs...)
	return &clone
}

func cloneOrderPayload(p *payment.PhysicalOrder) *payment.PhysicalOrder {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Delivery = cloneMap(p.Delivery)
	return &clone
}

func cloneOrder(order payment.Order) payment.Order {
	order.Delivery = cloneMap(order.Delivery)
	return order
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
