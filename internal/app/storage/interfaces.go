package storage

import (
	"context"
	"time"

	"github.com/expont-mind/happy-academy-payments/internal/app/domain/payment"
)

// TransactionStore persists payment transactions. Implementations must make
// TransitionToCompleted an atomic compare-and-set so that concurrent callers
// for the same transaction observe exactly one true result.
type TransactionStore interface {
	// UpsertPending creates or refreshes a pending transaction keyed by its
	// id. A retry of "create invoice" overwrites the gateway references but
	// never resurrects a terminal record.
	UpsertPending(ctx context.Context, tx payment.Transaction) (payment.Transaction, error)

	GetTransaction(ctx context.Context, id string) (payment.Transaction, error)
	GetTransactionByInvoice(ctx context.Context, invoiceID string) (payment.Transaction, error)

	// ListPendingUnexpired returns pending transactions whose expiry lies
	// after now, optionally filtered by requesting user id.
	ListPendingUnexpired(ctx context.Context, userID string, now time.Time) ([]payment.Transaction, error)

	// TransitionToCompleted flips pending -> completed and reports whether
	// this call performed the transition.
	TransitionToCompleted(ctx context.Context, id string) (bool, error)

	// TransitionToExpired flips pending -> expired; no-op when not pending.
	TransitionToExpired(ctx context.Context, id string) error
}

// GrantStore persists topic access grants. Inserting an existing
// (learner, topic) pair must succeed without effect.
type GrantStore interface {
	InsertAccessGrant(ctx context.Context, grant payment.AccessGrant) error
	ListAccessGrants(ctx context.Context, learnerID string) ([]payment.AccessGrant, error)
}

// OrderStore persists physical orders. CreateOrder is keyed by the source
// transaction id: a second create for the same transaction returns the
// existing order instead of creating another.
type OrderStore interface {
	CreateOrder(ctx context.Context, order payment.Order) (payment.Order, error)
	GetOrderByTransaction(ctx context.Context, transactionID string) (payment.Order, error)
}
