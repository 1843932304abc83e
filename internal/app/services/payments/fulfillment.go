package payments

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"github.com/expont-mind/happy-academy-payments/internal/app/domain/payment"
	"github.com/expont-mind/happy-academy-payments/internal/app/metrics"
)

// FulfillmentError reports that one or more domain-effect writes failed
// after payment was confirmed. Effects already applied are kept; retrying
// fulfillment for the same transaction is safe.
type FulfillmentError struct {
	TransactionID string
	Errs          []error
}

func (e *FulfillmentError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("fulfillment for transaction %s partially failed: %s", e.TransactionID, strings.Join(msgs, "; "))
}

// fulfill converts a confirmed payment into its domain effect. Both effects
// are duplicate-safe, so invoking fulfill twice for the same transaction
// produces the same end state as invoking it once.
func (s *Service) fulfill(ctx context.Context, tx payment.Transaction) error {
	var err error
	switch tx.Kind {
	case payment.KindTopicAccess:
		err = s.grantTopicAccess(ctx, tx)
	case payment.KindPhysicalOrder:
		err = s.createOrder(ctx, tx)
	default:
		err = fmt.Errorf("unknown purchase kind %q", tx.Kind)
	}
	metrics.RecordFulfillment(string(tx.Kind), err == nil)
	return err
}

// RetryFulfillment re-runs the domain effect for an already-completed
// transaction, the recovery path after a fulfillment failure.
func (s *Service) RetryFulfillment(ctx context.Context, transactionID string) error {
	tx, err := s.transactions.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx.Status != payment.StatusCompleted {
		return fmt.Errorf("transaction %s is %s, not completed", tx.ID, tx.Status)
	}
	return s.fulfill(ctx, tx)
}

func (s *Service) grantTopicAccess(ctx context.Context, tx payment.Transaction) error {
	access := tx.TopicAccess
	if access == nil {
		return fmt.Errorf("transaction %s has no topic access payload", tx.ID)
	}

	var failed []error
	granted := 0
	for _, learnerID := range access.LearnerIDs {
		grant := payment.AccessGrant{
			LearnerID:     learnerID,
			TopicID:       access.TopicID,
			TransactionID: tx.ID,
			GrantedAt:     s.now().UTC(),
		}
		// Duplicate grants are store-level no-ops; only genuine write
		// failures surface here. Learners already granted keep access.
		if err := s.grants.InsertAccessGrant(ctx, grant); err != nil {
			failed = append(failed, fmt.Errorf("grant topic %s to learner %s: %w", access.TopicID, learnerID, err))
			continue
		}
		granted++
	}

	if granted > 0 {
		s.notify(ctx, access.UserID, "Topic unlocked",
			fmt.Sprintf("Topic %s is now available for %d learner(s).", access.TopicID, granted))
	}
	if len(failed) > 0 {
		return &FulfillmentError{TransactionID: tx.ID, Errs: failed}
	}
	return nil
}

func (s *Service) createOrder(ctx context.Context, tx payment.Transaction) error {
	details := tx.Order
	if details == nil {
		return fmt.Errorf("transaction %s has no order payload", tx.ID)
	}

	order := payment.Order{
		ID:            uuid.NewString(),
		Code:          s.newOrderCode(),
		TransactionID: tx.ID,
		CouponID:      details.CouponID,
		Phone:         details.Phone,
		Delivery:      details.Delivery,
		Status:        payment.OrderAwaitingFulfillment,
		CreatedAt:     s.now().UTC(),
	}

	// The store resolves duplicates on transaction id, so a second
	// invocation returns the order created by the first.
	created, err := s.orders.CreateOrder(ctx, order)
	if err != nil {
		return &FulfillmentError{TransactionID: tx.ID, Errs: []error{fmt.Errorf("create order: %w", err)}}
	}

	s.notify(ctx, details.Phone, "Order received",
		fmt.Sprintf("Your order %s has been paid and is awaiting fulfillment.", created.Code))
	return nil
}

// newOrderCode generates a human-facing order code: short prefix plus a
// random numeric suffix. Not required to be unpredictable.
func (s *Service) newOrderCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return fmt.Sprintf("%s-%s", s.orderCodePrefix, uuid.NewString()[:6])
	}
	return fmt.Sprintf("%s-%06d", s.orderCodePrefix, n.Int64())
}

// notify delivers a best-effort notification; failures are logged and never
// propagate to the fulfillment outcome.
func (s *Service) notify(ctx context.Context, recipient, subject, body string) {
	if s.notifier == nil || recipient == "" {
		return
	}
	if err := s.notifier.Send(ctx, recipient, subject, body); err != nil {
		s.log.WithError(err).WithField("recipient", recipient).Warn("notification delivery failed")
	}
}
