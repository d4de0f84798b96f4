package fulfillment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []domain.PaymentNotifiedEvent
	err    error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, e domain.PaymentNotifiedEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, e)
	return nil
}

func TestReconciler_RunOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore(map[string]int{"A": 5})

	stuck := pendingOrder("stuck", "A")
	stuck.Status = domain.PaymentProcessing
	stuck.UpdatedAt = now.Add(-10 * time.Minute)
	store.addPending(stuck)

	busy := pendingOrder("busy", "A")
	busy.Status = domain.PaymentProcessing
	busy.UpdatedAt = now.Add(-time.Minute)
	store.addPending(busy)

	expired := pendingOrder("expired", "A")
	expired.ExpiresAt = now.Add(-time.Minute)
	store.addPending(expired)

	fresh := pendingOrder("fresh", "A")
	fresh.ExpiresAt = now.Add(time.Hour)
	store.addPending(fresh)

	done := pendingOrder("done", "A")
	done.Status = domain.PaymentVerified
	done.UpdatedAt = now.Add(-time.Hour)
	store.addPending(done)

	d := &recordingDispatcher{}
	r, err := NewReconciler(store, d, ReconcilerConfig{Interval: time.Minute, StaleAfter: 5 * time.Minute, BatchSize: 10}, discardLogger())
	require.NoError(t, err)
	r.now = func() time.Time { return now }

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var ids []string
	for _, e := range d.events {
		ids = append(ids, e.PaymentID)
		assert.Equal(t, domain.SourceReconciler, e.Source)
	}
	assert.ElementsMatch(t, []string{"stuck", "expired"}, ids)

	assert.Equal(t, domain.PaymentAwaiting, store.status("stuck"))
	assert.Equal(t, domain.PaymentProcessing, store.status("busy"))
	assert.Equal(t, domain.PaymentVerified, store.status("done"))
}

func TestReconciler_RetriesRolledBackPayments(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore(map[string]int{"A": 5})

	rolledBack := pendingOrder("rolled-back", "A")
	rolledBack.CreatedAt = now.Add(-5 * time.Minute)
	rolledBack.UpdatedAt = now.Add(-2 * time.Minute)
	store.addPending(rolledBack)

	justRolledBack := pendingOrder("just-rolled-back", "A")
	justRolledBack.CreatedAt = now.Add(-5 * time.Minute)
	justRolledBack.UpdatedAt = now.Add(-10 * time.Second)
	store.addPending(justRolledBack)

	untouched := pendingOrder("untouched", "A")
	untouched.CreatedAt = now.Add(-5 * time.Minute)
	untouched.UpdatedAt = untouched.CreatedAt
	store.addPending(untouched)

	d := &recordingDispatcher{}
	r, err := NewReconciler(store, d, ReconcilerConfig{StaleAfter: 5 * time.Minute, RetryAfter: time.Minute, BatchSize: 10}, discardLogger())
	require.NoError(t, err)
	r.now = func() time.Time { return now }

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "paid order retried well before its checkout expires")
	require.Len(t, d.events, 1)
	assert.Equal(t, "rolled-back", d.events[0].PaymentID)
}

func TestReconciler_DispatchesEachPaymentOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore(map[string]int{"A": 5})

	both := pendingOrder("both", "A")
	both.CreatedAt = now.Add(-time.Hour)
	both.UpdatedAt = now.Add(-10 * time.Minute)
	both.ExpiresAt = now.Add(-time.Minute)
	store.addPending(both)

	d := &recordingDispatcher{}
	r, err := NewReconciler(store, d, ReconcilerConfig{StaleAfter: 5 * time.Minute, RetryAfter: time.Minute, BatchSize: 10}, discardLogger())
	require.NoError(t, err)
	r.now = func() time.Time { return now }

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, d.events, 1)
}

func TestReconciler_DispatchFailure(t *testing.T) {
	now := time.Now()
	store := newMemStore(nil)
	expired := pendingOrder("expired", "A")
	expired.ExpiresAt = now.Add(-time.Minute)
	store.addPending(expired)

	r, err := NewReconciler(store, &recordingDispatcher{err: errors.New("queue full")}, ReconcilerConfig{StaleAfter: time.Minute, BatchSize: 10}, discardLogger())
	require.NoError(t, err)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.PaymentAwaiting, store.status("expired"))
}
