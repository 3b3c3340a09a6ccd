package payments_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/catalog"
	"github.com/ariefcatur/go-credential-orders/internal/clock"
	"github.com/ariefcatur/go-credential-orders/internal/events"
	"github.com/ariefcatur/go-credential-orders/internal/identity"
	"github.com/ariefcatur/go-credential-orders/internal/memstore"
	"github.com/ariefcatur/go-credential-orders/internal/orders"
	"github.com/ariefcatur/go-credential-orders/internal/payments"
	"github.com/shopspring/decimal"
)

var (
	buyer = identity.User{ID: "user-1", Username: "alice"}
	quiet = log.New(io.Discard, "", 0)
)

type recorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *recorder) Publish(_ context.Context, topic string, _ events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return nil
}

func (r *recorder) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type fixture struct {
	store    *memstore.Store
	clock    *clock.Manual
	orders   *orders.Service
	payments *payments.Service
	pub      *recorder
	product  catalog.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memstore.New(clk)
	pub := &recorder{}
	ord := orders.NewService(store, store, store, clk, orders.WithLogger(quiet), orders.WithPublisher(pub))
	pay := payments.NewService(store, ord, clk, payments.WithLogger(quiet), payments.WithPublisher(pub))

	p := store.AddProduct(catalog.Product{Name: "netflix", Price: decimal.RequireFromString("12.00"), Active: true})
	store.AddStock(p.ID, []byte("a"), []byte("b"), []byte("c"))
	return &fixture{store: store, clock: clk, orders: ord, payments: pay, pub: pub, product: p}
}

// paidFlow creates an order of qty items with a payment attached to txID.
func (f *fixture) paidFlow(t *testing.T, qty int, txID string) (orders.Order, payments.Payment) {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.CreateOrder(ctx, buyer, map[string]int{f.product.ID: qty})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	p, err := f.payments.CreatePayment(ctx, o.ID, "card", 0)
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if txID != "" {
		if p, err = f.payments.AttachTransaction(ctx, p.ID, txID); err != nil {
			t.Fatalf("AttachTransaction: %v", err)
		}
	}
	return o, p
}

func (f *fixture) order(t *testing.T, id string) orders.Order {
	t.Helper()
	o, err := f.orders.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	return o
}

func TestCreatePayment(t *testing.T) {
	f := newFixture(t)
	o, p := f.paidFlow(t, 2, "")

	if p.Status != payments.StatusPending {
		t.Fatalf("expected PENDING, got %s", p.Status)
	}
	if !p.Amount.Equal(o.Total) {
		t.Fatalf("expected amount %s, got %s", o.Total, p.Amount)
	}
	if len(p.Reference) < len("PAY-") || p.Reference[:4] != "PAY-" {
		t.Fatalf("unexpected reference %q", p.Reference)
	}
	if want := f.clock.Now().Add(payments.DefaultExpiration); !p.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, p.ExpiresAt)
	}
	if f.pub.count(events.TopicPaymentCreated) != 1 {
		t.Fatalf("expected one payment.created event")
	}

	_, err := f.payments.CreatePayment(context.Background(), o.ID, "card", time.Minute)
	if !errors.Is(err, payments.ErrPaymentAlreadyExists) {
		t.Fatalf("expected ErrPaymentAlreadyExists, got %v", err)
	}
}

func TestCreatePayment_RejectsClosedOrMissingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.orders.CreateOrder(ctx, buyer, map[string]int{f.product.ID: 1})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := f.orders.CancelOrder(ctx, o.ID, ""); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if _, err := f.payments.CreatePayment(ctx, o.ID, "card", 0); !errors.Is(err, orders.ErrInvalidOrderStatus) {
		t.Fatalf("expected ErrInvalidOrderStatus, got %v", err)
	}
	if _, err := f.payments.CreatePayment(ctx, "missing", "card", 0); !errors.Is(err, orders.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := f.payments.CreatePayment(ctx, o.ID, " ", 0); !errors.Is(err, payments.ErrInvalidPayment) {
		t.Fatalf("expected ErrInvalidPayment for empty method, got %v", err)
	}
}

func TestAttachTransaction_MovesOrderToProcessing(t *testing.T) {
	f := newFixture(t)
	o, p := f.paidFlow(t, 1, "tx-1")

	if p.Status != payments.StatusProcessing || p.TransactionID != "tx-1" {
		t.Fatalf("expected PROCESSING with tx-1, got %s %q", p.Status, p.TransactionID)
	}
	if got := f.order(t, o.ID).Status; got != orders.StatusProcessing {
		t.Fatalf("expected order PROCESSING, got %s", got)
	}

	again, err := f.payments.AttachTransaction(context.Background(), p.ID, "tx-1")
	if err != nil || again.Version != p.Version {
		t.Fatalf("expected re-attach to be a no-op, got %v version %d", err, again.Version)
	}
	if _, err := f.payments.AttachTransaction(context.Background(), p.ID, "tx-2"); !errors.Is(err, payments.ErrInvalidPayment) {
		t.Fatalf("expected ErrInvalidPayment for a second transaction, got %v", err)
	}
}

func TestProcessWebhook_SuccessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _ := f.paidFlow(t, 2, "tx-1")
	raw := []byte(`{"transaction_id":"tx-1","status":"settlement"}`)

	p, err := f.payments.ProcessWebhook(ctx, "tx-1", "settlement", raw)
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if p.Status != payments.StatusCompleted || p.PaidAt == nil {
		t.Fatalf("expected COMPLETED with paid_at, got %s", p.Status)
	}
	if string(p.GatewayPayload) != string(raw) {
		t.Fatalf("expected raw payload stored, got %q", p.GatewayPayload)
	}
	if got := f.order(t, o.ID).Status; got != orders.StatusCompleted {
		t.Fatalf("expected order COMPLETED, got %s", got)
	}

	replay, err := f.payments.ProcessWebhook(ctx, "tx-1", "SUCCESS", raw)
	if err != nil {
		t.Fatalf("expected replay to succeed, got %v", err)
	}
	if replay.Version != p.Version {
		t.Fatalf("expected replay to leave payment untouched, version %d -> %d", p.Version, replay.Version)
	}
	if n := f.pub.count(events.OrderTopic("COMPLETED")); n != 1 {
		t.Fatalf("expected one order.completed event, got %d", n)
	}
	items, _ := f.store.Items(ctx, o.StockItemIDs())
	for _, it := range items {
		if !it.Sold {
			t.Fatalf("expected item %s sold once", it.ID)
		}
	}
}

func TestProcessWebhook_SuccessFromPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, p := f.paidFlow(t, 1, "")

	// A gateway that skips the processing callback still settles the payment.
	attached := p
	attached.TransactionID = "tx-direct"
	attached.Version++
	if err := f.store.UpdatePayment(ctx, attached, p.Version); err != nil {
		t.Fatalf("UpdatePayment: %v", err)
	}

	got, err := f.payments.ProcessWebhook(ctx, "tx-direct", "paid", nil)
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if got.Status != payments.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if s := f.order(t, o.ID).Status; s != orders.StatusCompleted {
		t.Fatalf("expected order COMPLETED, got %s", s)
	}
}

func TestProcessWebhook_FailureReleasesStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _ := f.paidFlow(t, 3, "tx-1")

	p, err := f.payments.ProcessWebhook(ctx, "tx-1", "deny", []byte(`{"transaction_id":"tx-1","status":"deny","status_message":"insufficient funds"}`))
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if p.Status != payments.StatusFailed || p.FailureReason != "insufficient funds" {
		t.Fatalf("expected FAILED with gateway reason, got %s %q", p.Status, p.FailureReason)
	}
	got := f.order(t, o.ID)
	if got.Status != orders.StatusFailed {
		t.Fatalf("expected order FAILED, got %s", got.Status)
	}
	if n, _ := f.store.CountAvailable(ctx, f.product.ID); n != 3 {
		t.Fatalf("expected stock back, got %d available", n)
	}

	if _, err := f.payments.ProcessWebhook(ctx, "tx-1", "expired", nil); err != nil {
		t.Fatalf("expected repeated failure to be a no-op, got %v", err)
	}
}

func TestProcessWebhook_ConflictingTerminalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, _ := f.paidFlow(t, 1, "tx-1")

	if _, err := f.payments.ProcessWebhook(ctx, "tx-1", "success", nil); err != nil {
		t.Fatalf("success: %v", err)
	}
	_, err := f.payments.ProcessWebhook(ctx, "tx-1", "failed", nil)
	if !errors.Is(err, payments.ErrWebhookConflict) {
		t.Fatalf("expected ErrWebhookConflict, got %v", err)
	}
	if got := f.order(t, o.ID).Status; got != orders.StatusCompleted {
		t.Fatalf("expected order to stay COMPLETED, got %s", got)
	}
	p, _ := f.payments.FindPaymentByOrderID(ctx, o.ID)
	if p.Status != payments.StatusCompleted {
		t.Fatalf("expected payment to stay COMPLETED, got %s", p.Status)
	}
}

func TestProcessWebhook_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidFlow(t, 1, "tx-1")

	if _, err := f.payments.ProcessWebhook(ctx, "tx-1", "weird", nil); !errors.Is(err, payments.ErrInvalidPaymentStatus) {
		t.Fatalf("expected ErrInvalidPaymentStatus, got %v", err)
	}
	if _, err := f.payments.ProcessWebhook(ctx, "tx-unknown", "success", nil); !errors.Is(err, payments.ErrWebhookProcessing) {
		t.Fatalf("expected ErrWebhookProcessing, got %v", err)
	}
	if _, err := f.payments.ProcessWebhook(ctx, "", "success", nil); !errors.Is(err, payments.ErrWebhookProcessing) {
		t.Fatalf("expected ErrWebhookProcessing for empty id, got %v", err)
	}
}

func TestProcessWebhook_CancelledOrderCannotComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, p := f.paidFlow(t, 1, "tx-1")

	if _, err := f.orders.CancelOrder(ctx, o.ID, "user gave up"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	_, err := f.payments.ProcessWebhook(ctx, "tx-1", "success", nil)
	if !errors.Is(err, payments.ErrWebhookConflict) {
		t.Fatalf("expected ErrWebhookConflict, got %v", err)
	}
	got, _ := f.payments.FindPaymentByID(ctx, p.ID)
	if got.Status != payments.StatusProcessing {
		t.Fatalf("expected payment rolled back to PROCESSING, got %s", got.Status)
	}
}

func TestCancelPayment_CancelsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, p := f.paidFlow(t, 2, "")

	got, err := f.payments.CancelPayment(ctx, p.ID, "abandoned")
	if err != nil {
		t.Fatalf("CancelPayment: %v", err)
	}
	if got.Status != payments.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if s := f.order(t, o.ID).Status; s != orders.StatusCancelled {
		t.Fatalf("expected order CANCELLED, got %s", s)
	}
	if n, _ := f.store.CountAvailable(ctx, f.product.ID); n != 3 {
		t.Fatalf("expected stock back, got %d", n)
	}
	if _, err := f.payments.CancelPayment(ctx, p.ID, ""); !errors.Is(err, payments.ErrInvalidPaymentStatus) {
		t.Fatalf("expected ErrInvalidPaymentStatus, got %v", err)
	}
}

func TestRefundPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, p := f.paidFlow(t, 1, "tx-1")

	if _, err := f.payments.RefundPayment(ctx, p.ID, decimal.NewFromInt(1), ""); !errors.Is(err, payments.ErrInvalidPaymentStatus) {
		t.Fatalf("expected unpaid payment not refundable, got %v", err)
	}
	if _, err := f.payments.ProcessWebhook(ctx, "tx-1", "captured", nil); err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if _, err := f.payments.RefundPayment(ctx, p.ID, decimal.NewFromInt(100), ""); !errors.Is(err, payments.ErrInvalidPayment) {
		t.Fatalf("expected over-refund rejected, got %v", err)
	}

	got, err := f.payments.RefundPayment(ctx, p.ID, decimal.RequireFromString("5.00"), "partial goodwill")
	if err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	if got.Status != payments.StatusRefunded || !got.RefundAmount.Equal(decimal.NewFromInt(5)) || got.RefundedAt == nil {
		t.Fatalf("unexpected refund state %s %s", got.Status, got.RefundAmount)
	}
	if s := f.order(t, o.ID).Status; s != orders.StatusCompleted {
		t.Fatalf("expected order to stay COMPLETED, got %s", s)
	}
	if _, err := f.payments.ProcessWebhook(ctx, "tx-1", "success", nil); err != nil {
		t.Fatalf("expected late success replay to be a no-op, got %v", err)
	}
	if _, err := f.payments.ProcessWebhook(ctx, "tx-1", "refunded", nil); err != nil {
		t.Fatalf("expected refund replay to be a no-op, got %v", err)
	}
}

func TestWebhookFlow_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _ := f.paidFlow(t, 2, "tx-a")
	if _, err := f.orders.CreateOrder(ctx, identity.User{ID: "user-2"}, map[string]int{f.product.ID: 2}); err == nil {
		t.Fatalf("expected second buyer refused while stock is held")
	}

	p, err := f.payments.HandleWebhook(ctx, []byte(`{"transaction_id":"tx-a","status":"success"}`))
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if p.OrderID != first.ID || p.Status != payments.StatusCompleted {
		t.Fatalf("unexpected payment %s %s", p.OrderID, p.Status)
	}
	if n, _ := f.store.CountAvailable(ctx, f.product.ID); n != 1 {
		t.Fatalf("expected 1 item left, got %d", n)
	}
	if _, err := f.payments.HandleWebhook(ctx, []byte(`{"status":"success"}`)); !errors.Is(err, payments.ErrWebhookProcessing) {
		t.Fatalf("expected ErrWebhookProcessing for missing transaction, got %v", err)
	}
}
