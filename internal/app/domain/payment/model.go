// Package payment defines the domain model for invoice transactions,
// access grants and physical orders.
package payment

import (
	"errors"
	"fmt"
	"time"
)

// PurchaseKind selects which fulfillment effect a paid transaction triggers.
type PurchaseKind string

const (
	KindTopicAccess   PurchaseKind = "topic_access"
	KindPhysicalOrder PurchaseKind = "physical_order"
)

// Valid reports whether the kind is one of the known purchase kinds.
func (k PurchaseKind) Valid() bool {
	return k == KindTopicAccess || k == KindPhysicalOrder
}

// Status is the lifecycle state of a transaction. Transitions are monotonic:
// pending may move to completed or expired, terminal states never change.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// TopicAccess is the purchase payload for unlocking a learning topic.
// Serialised as JSON when persisted.
type TopicAccess struct {
	UserID     string   `json:"user_id"`
	LearnerIDs []string `json:"learner_ids"`
	TopicID    string   `json:"topic_id"`
}

// PhysicalOrder is the purchase payload for a goods order. Serialised as
// JSON when persisted.
type PhysicalOrder struct {
	CouponID string            `json:"coupon_id"`
	Phone    string            `json:"phone"`
	Delivery map[string]string `json:"delivery"`
}

// Transaction correlates one checkout attempt with one gateway invoice and
// exactly one eventual fulfillment outcome.
type Transaction struct {
	ID        string
	InvoiceID string
	QRPayload string
	Amount    int64
	Kind      PurchaseKind

	TopicAccess *TopicAccess
	Order       *PhysicalOrder

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// RequestingUserID returns the user the transaction belongs to, or empty for
// guest checkouts.
func (t Transaction) RequestingUserID() string {
	if t.TopicAccess != nil {
		return t.TopicAccess.UserID
	}
	return ""
}

// GatewayReference returns the token used to query invoice status upstream.
func (t Transaction) GatewayReference() string {
	if t.QRPayload != "" {
		return t.QRPayload
	}
	return t.InvoiceID
}

// Validate checks creation-time invariants.
func (t Transaction) Validate() error {
	if t.ID == "" {
		return errors.New("transaction id is required")
	}
	if t.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", t.Amount)
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("unknown purchase kind %q", t.Kind)
	}
	switch t.Kind {
	case KindTopicAccess:
		if t.TopicAccess == nil {
			return errors.New("topic access payload is required")
		}
		if t.TopicAccess.TopicID == "" {
			return errors.New("topic id is required")
		}
		if len(t.TopicAccess.LearnerIDs) == 0 {
			return errors.New("at least one learner id is required")
		}
	case KindPhysicalOrder:
		if t.Order == nil {
			return errors.New("order payload is required")
		}
		if t.Order.Phone == "" {
			return errors.New("contact phone is required")
		}
	}
	return nil
}

// AccessGrant records that a learner has been given access to a topic.
// Grants are keyed (learner, topic) and duplicate inserts are no-ops.
type AccessGrant struct {
	LearnerID     string
	TopicID       string
	TransactionID string
	GrantedAt     time.Time
}

// OrderStatus tracks delivery progress of a physical order, independent of
// the payment transaction status.
type OrderStatus string

const (
	OrderAwaitingFulfillment OrderStatus = "awaiting_fulfillment"
	OrderShipped             OrderStatus = "shipped"
	OrderDelivered           OrderStatus = "delivered"
)

// Order is the goods order created when a physical-order purchase is paid.
// Orders are keyed by the source transaction so repeated fulfillment attempts
// resolve to the same row.
type Order struct {
	ID            string
	Code          string
	TransactionID string
	CouponID      string
	Phone         string
	Delivery      map[string]string
	Status        OrderStatus
	CreatedAt     time.Time
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrLedgerUnavailable marks storage failures where the true outcome could
// not be determined. Callers retry on the next callback or sweep instead of
// inferring any transaction state.
var ErrLedgerUnavailable = errors.New("ledger unavailable")
