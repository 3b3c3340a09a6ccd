// Package memstore keeps catalog, stock, orders and payments in process
// memory. It backs STORAGE_DRIVER=memory and the service tests.
//
// Every operation runs under one mutex. WithTx holds that mutex for the
// whole callback and restores a snapshot when the callback fails, so a
// transaction is atomic and isolated from every other caller.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ariefcatur/go-credential-orders/internal/catalog"
	"github.com/ariefcatur/go-credential-orders/internal/clock"
	"github.com/ariefcatur/go-credential-orders/internal/orders"
	"github.com/ariefcatur/go-credential-orders/internal/payments"
	"github.com/ariefcatur/go-credential-orders/internal/stock"
)

type stockRec struct {
	item stock.Item
	seq  int64
}

type state struct {
	products map[string]catalog.Product
	stock    map[string]stockRec
	orders   map[string]orders.Order
	payments map[string]payments.Payment
}

func (s state) clone() state {
	c := state{
		products: make(map[string]catalog.Product, len(s.products)),
		stock:    make(map[string]stockRec, len(s.stock)),
		orders:   make(map[string]orders.Order, len(s.orders)),
		payments: make(map[string]payments.Payment, len(s.payments)),
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.stock {
		c.stock[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = copyOrder(v)
	}
	for k, v := range s.payments {
		c.payments[k] = copyPayment(v)
	}
	return c
}

type Store struct {
	mu    sync.Mutex
	clock clock.Clock
	seq   int64
	st    state
}

func New(clk clock.Clock) *Store {
	return &Store{
		clock: clk,
		st: state{
			products: map[string]catalog.Product{},
			stock:    map[string]stockRec{},
			orders:   map[string]orders.Order{},
			payments: map[string]payments.Payment{},
		},
	}
}

type txKey struct{}

type txState struct {
	store *Store
	hooks []func()
}

func (s *Store) txFrom(ctx context.Context) *txState {
	tx, _ := ctx.Value(txKey{}).(*txState)
	if tx != nil && tx.store == s {
		return tx
	}
	return nil
}

// lock takes the store mutex unless ctx already runs inside one of this
// store's transactions.
func (s *Store) lock(ctx context.Context) func() {
	if s.txFrom(ctx) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithTx runs fn atomically. Nested calls join the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	snapshot := s.st.clone()
	tx := &txState{store: s}
	err := fn(context.WithValue(ctx, txKey{}, tx))
	if err != nil {
		s.st = snapshot
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, h := range tx.hooks {
		h()
	}
	return nil
}

// AfterCommit defers fn until the outermost transaction commits.
func (s *Store) AfterCommit(ctx context.Context, fn func()) {
	if tx := s.txFrom(ctx); tx != nil {
		tx.hooks = append(tx.hooks, fn)
		return
	}
	fn()
}

func copyOrder(o orders.Order) orders.Order {
	o.Items = append([]orders.Item(nil), o.Items...)
	return o
}

func copyPayment(p payments.Payment) payments.Payment {
	p.GatewayPayload = append([]byte(nil), p.GatewayPayload...)
	return p
}

func sortStock(recs []stockRec) {
	sort.Slice(recs, func(a, b int) bool {
		if !recs[a].item.CreatedAt.Equal(recs[b].item.CreatedAt) {
			return recs[a].item.CreatedAt.Before(recs[b].item.CreatedAt)
		}
		return recs[a].seq < recs[b].seq
	})
}
