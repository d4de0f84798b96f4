package fulfillment

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-fulfillment/internal/cardcom"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/ledger"
	"github.com/joao-fontenele/storefront-fulfillment/internal/orders"
)

// --- Mock implementations ---

// memStore stands in for Postgres: pending orders, products and orders under
// one mutex, with Commit applied atomically like the real transaction.
type memStore struct {
	mu       sync.Mutex
	pending  map[string]*domain.PendingOrder
	stock    map[string]int
	orders   map[string]*domain.Order
	history  map[string][]domain.PaymentStatus
	getCalls atomic.Int32

	getErr       error
	inventoryErr error
	orderErr     error
	commitErr    error
	commitPanic  bool
	onCommit     func()
}

func newMemStore(stock map[string]int) *memStore {
	return &memStore{
		pending: make(map[string]*domain.PendingOrder),
		stock:   stock,
		orders:  make(map[string]*domain.Order),
		history: make(map[string][]domain.PaymentStatus),
	}
}

func (m *memStore) addPending(p domain.PendingOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == 0 {
		p.Status = domain.PaymentAwaiting
	}
	cp := p
	m.pending[p.PaymentID] = &cp
	m.history[p.PaymentID] = []domain.PaymentStatus{p.Status}
}

func (m *memStore) Get(_ context.Context, paymentID string) (*domain.PendingOrder, error) {
	m.getCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.pending[paymentID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) Transition(_ context.Context, paymentID string, from, to domain.PaymentStatus, response json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(paymentID, from, to, response)
}

func (m *memStore) transitionLocked(paymentID string, from, to domain.PaymentStatus, response json.RawMessage) (bool, error) {
	if !from.CanTransition(to) {
		return false, ledger.ErrInvalidTransition
	}
	p, ok := m.pending[paymentID]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	if response != nil {
		p.GatewayResponse = response
	}
	p.UpdatedAt = time.Now()
	m.history[paymentID] = append(m.history[paymentID], to)
	return true, nil
}

func (m *memStore) ListStale(_ context.Context, status domain.PaymentStatus, before time.Time, limit int) ([]domain.PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PendingOrder
	for _, p := range m.pending {
		ref := p.UpdatedAt
		if status == domain.PaymentAwaiting {
			ref = p.ExpiresAt
		}
		if p.Status == status && ref.Before(before) && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) ListReleased(_ context.Context, before time.Time, limit int) ([]domain.PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PendingOrder
	for _, p := range m.pending {
		if p.Status == domain.PaymentAwaiting && !p.UpdatedAt.Equal(p.CreatedAt) && p.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) Commit(_ context.Context, p *domain.PendingOrder, response json.RawMessage) (*domain.Order, error) {
	if m.onCommit != nil {
		m.onCommit()
	}
	if m.commitPanic {
		panic("commit exploded")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.commitErr != nil {
		return nil, m.commitErr
	}
	if m.inventoryErr != nil {
		return nil, &StepError{Step: StepInventory, Err: m.inventoryErr}
	}

	next := make(map[string]int, len(m.stock))
	for k, v := range m.stock {
		next[k] = v
	}
	var shortfall []domain.StockShortfall
	for _, item := range p.LineItems.Counts() {
		avail := next[item.ProductID]
		deducted := min(avail, item.Quantity)
		next[item.ProductID] = avail - deducted
		if deducted < item.Quantity {
			shortfall = append(shortfall, domain.StockShortfall{ProductID: item.ProductID, Requested: item.Quantity, Deducted: deducted})
		}
	}

	if m.orderErr != nil {
		return nil, &StepError{Step: StepOrder, Err: m.orderErr}
	}
	for _, o := range m.orders {
		if o.PaymentID == p.PaymentID {
			return nil, &StepError{Step: StepOrder, Err: orders.ErrDuplicate}
		}
	}

	if cur, ok := m.pending[p.PaymentID]; !ok || cur.Status != domain.PaymentProcessing {
		return nil, &StepError{Step: StepFinalize, Err: ErrClaimLost}
	}

	order := newOrder(p, shortfall)
	order.ID = uuid.NewString()

	m.stock = next
	m.orders[order.ID] = order
	_, _ = m.transitionLocked(p.PaymentID, domain.PaymentProcessing, domain.PaymentVerified, response)
	return order, nil
}

func (m *memStore) status(paymentID string) domain.PaymentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[paymentID].Status
}

func (m *memStore) stockOf(productID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[productID]
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memStore) transitions(paymentID string) []domain.PaymentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PaymentStatus(nil), m.history[paymentID]...)
}

type fakeVerifier struct {
	mu       sync.Mutex
	results  map[string]*cardcom.VerifyResult
	err      error
	delay    time.Duration
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func approvingVerifier() *fakeVerifier {
	return &fakeVerifier{results: map[string]*cardcom.VerifyResult{}}
}

func (v *fakeVerifier) Verify(_ context.Context, paymentID string) (*cardcom.VerifyResult, error) {
	v.calls.Add(1)
	n := v.inFlight.Add(1)
	defer v.inFlight.Add(-1)
	for {
		seen := v.maxSeen.Load()
		if n <= seen || v.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if v.delay > 0 {
		time.Sleep(v.delay)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	if r, ok := v.results[paymentID]; ok {
		return r, nil
	}
	return &cardcom.VerifyResult{Approved: true, Raw: json.RawMessage(`{"ResponseCode":0}`)}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []any
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, _ string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type failingGuard struct{}

func (failingGuard) Acquire(context.Context, string) (string, bool, error) {
	return "", false, errors.New("redis unavailable")
}

func (failingGuard) Release(context.Context, string, string) error { return nil }

// panickingGuard stands in for a broken guard implementation.
type panickingGuard struct{}

func (panickingGuard) Acquire(context.Context, string) (string, bool, error) {
	panic("guard exploded")
}

func (panickingGuard) Release(context.Context, string, string) error { return nil }
