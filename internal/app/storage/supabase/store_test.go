package supabase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/expont-mind/happy-academy-payments/internal/app/domain/payment"
	"github.com/expont-mind/happy-academy-payments/internal/database"
)

func newTestStore(t *testing.T, handler http.Handler) *Store {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := database.NewClient(database.Config{URL: server.URL, ServiceKey: "service-key"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return New(client)
}

func completedRow(id string) transactionRow {
	now := time.Now().UTC()
	return transactionRow{
		TransactionID: id,
		InvoiceID:     "inv-1",
		Amount:        3000,
		PurchaseKind:  string(payment.KindTopicAccess),
		Status:        string(payment.StatusCompleted),
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func TestTransitionToCompletedReportsWinner(t *testing.T) {
	patched := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		query := r.URL.Query()
		if query.Get("transaction_id") != "eq.tx-1" || query.Get("status") != "eq.pending" {
			t.Errorf("query = %v, transition must filter on pending", query)
		}
		patched++
		if patched == 1 {
			// First caller wins and receives the updated row.
			json.NewEncoder(w).Encode([]transactionRow{completedRow("tx-1")})
			return
		}
		// The row is no longer pending; the filtered update matches nothing.
		w.Write([]byte("[]"))
	})

	store := newTestStore(t, handler)
	ctx := context.Background()

	performed, err := store.TransitionToCompleted(ctx, "tx-1")
	if err != nil || !performed {
		t.Fatalf("first transition: performed=%v err=%v", performed, err)
	}
	performed, err = store.TransitionToCompleted(ctx, "tx-1")
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if performed {
		t.Fatalf("second caller must lose the compare-and-set")
	}
}

func TestUpsertPendingKeepsTerminalRows(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("terminal rows must only be read, got %s %s", r.Method, r.URL)
		}
		json.NewEncoder(w).Encode([]transactionRow{completedRow("tx-1")})
	})

	store := newTestStore(t, handler)
	stored, err := store.UpsertPending(context.Background(), payment.Transaction{
		ID:        "tx-1",
		InvoiceID: "inv-9",
		Amount:    3000,
		Kind:      payment.KindTopicAccess,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if stored.Status != payment.StatusCompleted || stored.InvoiceID != "inv-1" {
		t.Fatalf("stored = %+v, terminal row must be returned unchanged", stored)
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("[]"))
	})

	store := newTestStore(t, handler)
	if _, err := store.GetTransaction(context.Background(), "tx-missing"); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestInsertAccessGrantUsesIgnoreDuplicates(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.URL.Query().Get("on_conflict"); got != "learner_id,topic_id" {
			t.Errorf("on_conflict = %q", got)
		}
		if got := r.Header.Get("Prefer"); got != "resolution=ignore-duplicates" {
			t.Errorf("prefer = %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("[]"))
	})

	store := newTestStore(t, handler)
	grant := payment.AccessGrant{LearnerID: "learner-1", TopicID: "topic-1", TransactionID: "tx-1"}
	if err := store.InsertAccessGrant(context.Background(), grant); err != nil {
		t.Fatalf("insert: %v", err)
	}
}
