package payments

import (
	"context"
	"fmt"

	"github.com/expont-mind/happy-academy-payments/internal/app/domain/payment"
	"github.com/expont-mind/happy-academy-payments/internal/app/metrics"
)

// Outcome is the result of one reconciliation attempt for one transaction.
type Outcome string

const (
	// OutcomePending means the gateway still reports the invoice unpaid.
	OutcomePending Outcome = "pending"
	// OutcomeCompleted means this attempt performed the pending->completed
	// transition and ran fulfillment.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAlreadySettled means the record was already terminal; no
	// fulfillment was invoked by this attempt.
	OutcomeAlreadySettled Outcome = "already_settled"
	// OutcomeExpired means the gateway confirmed expiry.
	OutcomeExpired Outcome = "expired"
	// OutcomeUnknown means the true status could not be determined; the
	// record is untouched and will be retried later.
	OutcomeUnknown Outcome = "unknown"
)

// Reconcile determines the true payment status of one transaction and drives
// at most one fulfillment. It is safe to call concurrently from a gateway
// callback and the sweep: the store's compare-and-set guarantees only one
// caller observes the pending->completed transition.
//
// A non-nil error alongside OutcomeCompleted is a *FulfillmentError: payment
// truth is already recorded and the failed effects are recovered by calling
// RetryFulfillment (or the next reconcile-independent retry), never by
// re-running payment confirmation.
func (s *Service) Reconcile(ctx context.Context, transactionID string) (Outcome, error) {
	tx, err := s.transactions.GetTransaction(ctx, transactionID)
	if err != nil {
		return OutcomeUnknown, err
	}

	status, err := s.gateway.QueryStatus(ctx, tx.GatewayReference())
	if err != nil {
		// Query failure means status unknown, never "not paid" or
		// "expired"; the record stays pending for the next attempt.
		metrics.RecordGatewayError("query_status")
		return OutcomeUnknown, err
	}

	switch {
	case status.Paid:
		performed, err := s.transactions.TransitionToCompleted(ctx, tx.ID)
		if err != nil {
			return OutcomeUnknown, fmt.Errorf("transition %s to completed: %w", tx.ID, err)
		}
		if !performed {
			// Another caller settled this transaction; fulfillment was
			// theirs to run. The row may also already be expired, in
			// which case the ledger truth wins over the gateway report.
			if current, err := s.transactions.GetTransaction(ctx, tx.ID); err == nil && current.Status == payment.StatusExpired {
				return OutcomeExpired, nil
			}
			metrics.RecordReconcile(string(OutcomeAlreadySettled))
			return OutcomeAlreadySettled, nil
		}
		metrics.RecordReconcile(string(OutcomeCompleted))
		if err := s.fulfill(ctx, tx); err != nil {
			// The ledger stays completed; fulfillment is duplicate-safe
			// and retried independently.
			s.log.WithError(err).WithField("transaction_id", tx.ID).Error("fulfillment failed after payment confirmation")
			return OutcomeCompleted, err
		}
		return OutcomeCompleted, nil

	case status.Expired:
		if err := s.transactions.TransitionToExpired(ctx, tx.ID); err != nil {
			return OutcomeUnknown, fmt.Errorf("transition %s to expired: %w", tx.ID, err)
		}
		metrics.RecordReconcile(string(OutcomeExpired))
		return OutcomeExpired, nil

	default:
		if tx.Status != payment.StatusPending {
			return OutcomeAlreadySettled, nil
		}
		metrics.RecordReconcile(string(OutcomePending))
		return OutcomePending, nil
	}
}

// ReconcileByInvoice resolves a gateway-assigned invoice id to the local
// transaction and reconciles it. Used by the callback entry point.
func (s *Service) ReconcileByInvoice(ctx context.Context, invoiceID string) (Outcome, payment.Transaction, error) {
	tx, err := s.transactions.GetTransactionByInvoice(ctx, invoiceID)
	if err != nil {
		return OutcomeUnknown, payment.Transaction{}, err
	}
	outcome, err := s.Reconcile(ctx, tx.ID)
	return outcome, tx, err
}

// CompletedPurchase describes a purchase settled during a pending-check run.
type CompletedPurchase struct {
	TransactionID string
	Kind          payment.PurchaseKind
	TopicID       string
	LearnerIDs    []string
	OrderCode     string
}

// CheckPending reconciles every pending unexpired transaction for a user,
// sequentially, tolerating per-record failure: one record's gateway error
// does not abort the rest. It returns the purchases completed by this run.
func (s *Service) CheckPending(ctx context.Context, userID string) ([]CompletedPurchase, error) {
	pending, err := s.transactions.ListPendingUnexpired(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}

	var completed []CompletedPurchase
	for _, tx := range pending {
		outcome, err := s.Reconcile(ctx, tx.ID)
		if err != nil && outcome != OutcomeCompleted {
			s.log.WithError(err).WithField("transaction_id", tx.ID).Warn("pending check: reconcile failed")
			continue
		}
		if outcome != OutcomeCompleted {
			continue
		}

		purchase := CompletedPurchase{TransactionID: tx.ID, Kind: tx.Kind}
		switch tx.Kind {
		case payment.KindTopicAccess:
			purchase.TopicID = tx.TopicAccess.TopicID
			purchase.LearnerIDs = tx.TopicAccess.LearnerIDs
		case payment.KindPhysicalOrder:
			if order, err := s.orders.GetOrderByTransaction(ctx, tx.ID); err == nil {
				purchase.OrderCode = order.Code
			}
		}
		completed = append(completed, purchase)
	}
	return completed, nil
}
