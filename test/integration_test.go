//go:build integration

package test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/storefront-fulfillment/internal/cardcom"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/fulfillment"
	"github.com/joao-fontenele/storefront-fulfillment/internal/guard"
	"github.com/joao-fontenele/storefront-fulfillment/internal/inventory"
	"github.com/joao-fontenele/storefront-fulfillment/internal/ledger"
	"github.com/joao-fontenele/storefront-fulfillment/internal/messaging"
	"github.com/joao-fontenele/storefront-fulfillment/internal/orders"
	"github.com/joao-fontenele/storefront-fulfillment/internal/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedProduct(ctx context.Context, t *testing.T, pg *PostgresSetup, id string, qty int) {
	t.Helper()
	_, err := pg.DB.ExecContext(ctx, `
		INSERT INTO products (id, name, price, available_quantity) VALUES ($1, $1, 10, $2)
	`, id, qty)
	require.NoError(t, err)
}

func seedPending(ctx context.Context, t *testing.T, pg *PostgresSetup, paymentID string, items ...string) *domain.PendingOrder {
	t.Helper()
	p := &domain.PendingOrder{
		PaymentID:        paymentID,
		BuyerID:          "buyer-1",
		CorrelationToken: "ORDER-buyer-1-1",
		Shipping:         domain.ShippingInfo{Address: "Herzl 1", City: "Haifa", PostalCode: "3100000"},
		LineItems:        items,
		TotalAmount:      decimal.NewFromInt(30),
		Currency:         "ILS",
		PaymentURL:       "https://pay.example/" + paymentID,
		Status:           domain.PaymentAwaiting,
		GatewayResponse:  json.RawMessage(`{"ResponseCode":0}`),
		ExpiresAt:        time.Now().Add(30 * time.Minute),
	}
	require.NoError(t, ledger.NewRepository(pg.DB).Create(ctx, p))
	return p
}

func stockOf(ctx context.Context, t *testing.T, pg *PostgresSetup, id string) int {
	t.Helper()
	p, err := inventory.NewInventoryRepository(pg.DB).Get(ctx, id)
	require.NoError(t, err)
	return p.AvailableQuantity
}

func TestLedger_Transition(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	repo := ledger.NewRepository(pg.DB)
	seedPending(ctx, t, pg, "lp-ledger", "A", "A")

	got, err := repo.Get(ctx, "lp-ledger")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentAwaiting, got.Status)
	assert.Equal(t, domain.LineItems{"A", "A"}, got.LineItems)
	assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(30)))

	err = repo.Create(ctx, &domain.PendingOrder{PaymentID: "lp-ledger", BuyerID: "x", TotalAmount: decimal.NewFromInt(1), ExpiresAt: time.Now()})
	require.ErrorIs(t, err, ledger.ErrDuplicate)

	ok, err := repo.Transition(ctx, "lp-ledger", domain.PaymentAwaiting, domain.PaymentProcessing, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Transition(ctx, "lp-ledger", domain.PaymentAwaiting, domain.PaymentProcessing, nil)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	_, err = repo.Transition(ctx, "lp-ledger", domain.PaymentVerified, domain.PaymentAwaiting, nil)
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)

	got, err = repo.Get(ctx, "lp-ledger")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ResponseCode":0}`, string(got.GatewayResponse), "nil response keeps the stored one")

	stale, err := repo.ListStale(ctx, domain.PaymentProcessing, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "lp-ledger", stale[0].PaymentID)

	released, err := repo.ListReleased(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, released, "processing rows are not released")

	ok, err = repo.Transition(ctx, "lp-ledger", domain.PaymentProcessing, domain.PaymentAwaiting, nil)
	require.NoError(t, err)
	require.True(t, ok)

	released, err = repo.ListReleased(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, released, 1, "rolled back row is picked up before it expires")
	assert.Equal(t, "lp-ledger", released[0].PaymentID)

	_, err = repo.GetForBuyer(ctx, "lp-ledger", "someone-else")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestInventory_DecrementFloor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	repo := inventory.NewInventoryRepository(pg.DB)
	seedProduct(ctx, t, pg, "floor", 3)
	seedProduct(ctx, t, pg, "contended", 5)

	deducted, err := repo.DecrementFloor(ctx, "floor", 5, fulfillment.DefaultStockPolicy)
	require.NoError(t, err)
	assert.Equal(t, 3, deducted)
	assert.Equal(t, 0, stockOf(ctx, t, pg, "floor"))

	_, err = repo.DecrementFloor(ctx, "missing", 1, fulfillment.DefaultStockPolicy)
	require.ErrorIs(t, err, inventory.ErrNotFound)

	policy := retry.Policy{MaxAttempts: 50, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond, Jitter: 0.5}
	var (
		wg    sync.WaitGroup
		total atomic.Int64
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := repo.DecrementFloor(ctx, "contended", 1, policy)
			assert.NoError(t, err)
			total.Add(int64(n))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), total.Load(), "never more than the available stock")
	assert.Equal(t, 0, stockOf(ctx, t, pg, "contended"))

	p, err := repo.Restock(ctx, "contended", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, p.AvailableQuantity)
}

func TestTxCommitter_OrderFailureRestoresStock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	seedProduct(ctx, t, pg, "A", 5)
	p := seedPending(ctx, t, pg, "lp-dup", "A", "A")

	ok, err := ledger.NewRepository(pg.DB).Transition(ctx, p.PaymentID, domain.PaymentAwaiting, domain.PaymentProcessing, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// An order already exists for this payment, so the insert must fail.
	require.NoError(t, orders.NewOrderRepository(pg.DB).Create(ctx, &domain.Order{
		PaymentID:   p.PaymentID,
		BuyerID:     p.BuyerID,
		LineItems:   p.LineItems,
		TotalAmount: p.TotalAmount,
		Currency:    "ILS",
	}))

	committer := fulfillment.NewTxCommitter(pg.DB, fulfillment.DefaultStockPolicy, discardLogger())
	_, err = committer.Commit(ctx, p, json.RawMessage(`{"ResponseCode":0}`))

	var stepErr *fulfillment.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, fulfillment.StepOrder, stepErr.Step)
	require.ErrorIs(t, err, orders.ErrDuplicate)

	assert.Equal(t, 5, stockOf(ctx, t, pg, "A"), "stock deduction rolled back with the order insert")

	got, err := ledger.NewRepository(pg.DB).Get(ctx, p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentProcessing, got.Status, "finalize rolled back too")
}

func newCardComStub(t *testing.T, approve bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/LowProfile/GetLpResult" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		code := 0
		if !approve {
			code = 700
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ResponseCode": code, "Description": "stub"})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newService(t *testing.T, pg *PostgresSetup, g guard.Guard, gatewayURL string) *fulfillment.Service {
	t.Helper()
	client, err := cardcom.NewClient(cardcom.Config{
		BaseURL:        gatewayURL,
		TerminalNumber: "1000",
		APIName:        "test",
		Timeout:        5 * time.Second,
	}, http.DefaultClient, discardLogger())
	require.NoError(t, err)

	svc, err := fulfillment.NewService(g, ledger.NewRepository(pg.DB), client,
		fulfillment.NewTxCommitter(pg.DB, fulfillment.DefaultStockPolicy, discardLogger()), discardLogger())
	require.NoError(t, err)
	return svc
}

func TestFulfillment_DuplicateWebhooksAcrossProcesses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	seedProduct(ctx, t, pg, "A", 5)
	seedProduct(ctx, t, pg, "B", 2)
	seedPending(ctx, t, pg, "lp-p1", "A", "A", "B")

	gateway, _ := newCardComStub(t, true)

	// Separate guards stand in for two processes; only the conditional claim
	// in Postgres serialises them.
	services := []*fulfillment.Service{
		newService(t, pg, guard.NewMemory(time.Minute, discardLogger()), gateway.URL),
		newService(t, pg, guard.NewMemory(time.Minute, discardLogger()), gateway.URL),
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []fulfillment.Outcome
	)
	for _, svc := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Process(ctx, "lp-p1")
			assert.NoError(t, err)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Contains(t, outcomes, fulfillment.OutcomeVerified)

	order, err := orders.NewOrderRepository(pg.DB).GetByPaymentID(ctx, "lp-p1")
	require.NoError(t, err)
	assert.Equal(t, domain.LineItems{"A", "A", "B"}, order.LineItems)
	assert.Empty(t, order.Shortfall)

	assert.Equal(t, 3, stockOf(ctx, t, pg, "A"))
	assert.Equal(t, 1, stockOf(ctx, t, pg, "B"))

	got, err := ledger.NewRepository(pg.DB).Get(ctx, "lp-p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentVerified, got.Status)

	out, err := services[0].Process(ctx, "lp-p1")
	require.NoError(t, err)
	assert.Equal(t, fulfillment.OutcomeAlreadyFinal, out)
	assert.Equal(t, 3, stockOf(ctx, t, pg, "A"))
}

func TestFulfillment_DeclinedPaymentTouchesNothing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	seedProduct(ctx, t, pg, "A", 5)
	seedPending(ctx, t, pg, "lp-declined", "A")

	gateway, calls := newCardComStub(t, false)
	svc := newService(t, pg, guard.NewMemory(time.Minute, discardLogger()), gateway.URL)

	out, err := svc.Process(ctx, "lp-declined")
	require.NoError(t, err)
	assert.Equal(t, fulfillment.OutcomeDeclined, out)
	assert.Equal(t, int32(1), calls.Load())

	got, err := ledger.NewRepository(pg.DB).Get(ctx, "lp-declined")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, got.Status)
	assert.Equal(t, 5, stockOf(ctx, t, pg, "A"))

	_, err = orders.NewOrderRepository(pg.DB).GetByPaymentID(ctx, "lp-declined")
	require.ErrorIs(t, err, orders.ErrNotFound)
}

func TestRedisGuard(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client, cleanup := SetupRedis(ctx, t)
	defer cleanup()

	first := guard.NewRedis(client, "test:", time.Minute)
	second := guard.NewRedis(client, "test:", time.Minute)

	firstToken, ok, err := first.Acquire(ctx, "lp-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = second.Acquire(ctx, "lp-1")
	require.NoError(t, err)
	assert.False(t, ok, "held by the other process")

	require.NoError(t, second.Release(ctx, "lp-1", "not-the-holder"), "a foreign token is a no-op")
	_, ok, err = second.Acquire(ctx, "lp-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release(ctx, "lp-1", firstToken))
	_, ok, err = second.Acquire(ctx, "lp-1")
	require.NoError(t, err)
	assert.True(t, ok)

	short := guard.NewRedis(client, "test:", 50*time.Millisecond)
	staleToken, ok, err := short.Acquire(ctx, "lp-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, ok, err := first.Acquire(ctx, "lp-2")
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond, "expired lock is reclaimable")

	require.NoError(t, short.Release(ctx, "lp-2", staleToken), "expired holder releases late")
	exists, err := client.Exists(ctx, "test:lp-2").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "stale holder must not drop the new holder's lock")
}

func TestKafka_PaymentNotificationRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	brokers, cleanup := SetupKafka(ctx, t)
	defer cleanup()

	producer := messaging.NewProducer(brokers, fulfillment.TopicPaymentNotified)
	defer func() { _ = producer.Close() }()

	event := domain.PaymentNotifiedEvent{
		PaymentID:        "lp-kafka",
		CorrelationToken: "ORDER-buyer-1-1",
		Source:           domain.SourceWebhook,
		Timestamp:        time.Now().UTC().Truncate(time.Millisecond),
	}
	require.Eventually(t, func() bool {
		return fulfillment.NewKafkaDispatcher(producer).Dispatch(ctx, event) == nil
	}, 60*time.Second, time.Second, "topic auto-creation can take a few attempts")

	consumer := messaging.NewConsumer(brokers, fulfillment.TopicPaymentNotified, "integration-test",
		messaging.WithStartOffset(kafka.FirstOffset), messaging.WithLogger(discardLogger()))
	defer func() { _ = consumer.Close() }()

	consumeCtx, stop := context.WithCancel(ctx)
	received := make(chan domain.PaymentNotifiedEvent, 1)
	go func() {
		_ = consumer.Consume(consumeCtx, func(_ context.Context, payload []byte) error {
			var got domain.PaymentNotifiedEvent
			if err := json.Unmarshal(payload, &got); err != nil {
				return err
			}
			select {
			case received <- got:
			default:
			}
			return nil
		})
	}()
	defer stop()

	select {
	case got := <-received:
		assert.Equal(t, event.PaymentID, got.PaymentID)
		assert.Equal(t, event.CorrelationToken, got.CorrelationToken)
		assert.Equal(t, domain.SourceWebhook, got.Source)
	case <-ctx.Done():
		t.Fatal("timed out waiting for payment notification")
	}
}
