package memstore_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/catalog"
	"github.com/ariefcatur/go-credential-orders/internal/clock"
	"github.com/ariefcatur/go-credential-orders/internal/memstore"
	"github.com/ariefcatur/go-credential-orders/internal/stock"
	"github.com/shopspring/decimal"
)

func newStore(t *testing.T) (*memstore.Store, *clock.Manual, string) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := memstore.New(clk)
	p := s.AddProduct(catalog.Product{Name: "VPN", Price: decimal.NewFromInt(5), Active: true})
	s.AddStock(p.ID, []byte("a"), []byte("b"), []byte("c"))
	return s, clk, p.ID
}

func TestWithTx_RollbackRestoresState(t *testing.T) {
	s, _, productID := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.Reserve(ctx, productID, 2, time.Minute); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n, _ := s.CountAvailable(ctx, productID); n != 3 {
		t.Fatalf("expected rollback to restore 3 available, got %d", n)
	}
}

func TestWithTx_NestedJoinsAndHooksRunAfterCommit(t *testing.T) {
	s, _, productID := newStore(t)
	ctx := context.Background()

	var fired []string
	err := s.WithTx(ctx, func(ctx context.Context) error {
		s.AfterCommit(ctx, func() { fired = append(fired, "outer") })
		return s.WithTx(ctx, func(ctx context.Context) error {
			s.AfterCommit(ctx, func() { fired = append(fired, "inner") })
			if len(fired) != 0 {
				t.Errorf("hooks ran before commit")
			}
			_, err := s.Reserve(ctx, productID, 1, time.Minute)
			return err
		})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if strings.Join(fired, ",") != "outer,inner" {
		t.Fatalf("expected hooks in registration order, got %v", fired)
	}
}

func TestWithTx_HooksDroppedOnRollback(t *testing.T) {
	s, _, _ := newStore(t)
	fired := false
	_ = s.WithTx(context.Background(), func(ctx context.Context) error {
		s.AfterCommit(ctx, func() { fired = true })
		return errors.New("abort")
	})
	if fired {
		t.Fatalf("expected hook to be dropped on rollback")
	}
}

func TestAfterCommit_OutsideTxRunsNow(t *testing.T) {
	s, _, _ := newStore(t)
	fired := false
	s.AfterCommit(context.Background(), func() { fired = true })
	if !fired {
		t.Fatalf("expected hook to run immediately")
	}
}

func TestStock_MatchesAvailabilityRules(t *testing.T) {
	s, clk, productID := newStore(t)
	ctx := context.Background()

	held, err := s.Reserve(ctx, productID, 2, time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := s.Reserve(ctx, productID, 2, time.Minute); !errors.Is(err, stock.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if err := s.MarkSold(ctx, stock.IDs(held)); err != nil {
		t.Fatalf("MarkSold: %v", err)
	}
	if err := s.MarkSold(ctx, stock.IDs(held[:1])); !errors.Is(err, stock.ErrAlreadySold) {
		t.Fatalf("expected ErrAlreadySold, got %v", err)
	}

	last, err := s.Reserve(ctx, productID, 1, time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	clk.Advance(time.Minute)
	n, err := s.ReleaseExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired hold released, got %d, %v", n, err)
	}
	items, _ := s.Items(ctx, stock.IDs(last))
	if items[0].ReservedUntil != nil {
		t.Fatalf("expected reservation cleared")
	}
}

func TestLoadSeed(t *testing.T) {
	s := memstore.New(clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	seal := func(p string) ([]byte, error) { return []byte("sealed:" + p), nil }

	products, err := s.LoadSeed(strings.NewReader(`[
		{"name": "Game Key", "category": "games", "price": "19.99", "low_stock_threshold": 1, "credentials": ["K1", "K2"]},
		{"name": "Old Key", "price": "1.00", "inactive": true}
	]`), seal)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(products) != 2 || !products[0].Price.Equal(decimal.RequireFromString("19.99")) || products[1].Active {
		t.Fatalf("unexpected products: %+v", products)
	}
	if n, _ := s.CountAvailable(context.Background(), products[0].ID); n != 2 {
		t.Fatalf("expected 2 seeded items, got %d", n)
	}

	if _, err := s.LoadSeed(strings.NewReader(`[{"price": "1"}]`), seal); err == nil {
		t.Fatalf("expected nameless product to be rejected")
	}
}
