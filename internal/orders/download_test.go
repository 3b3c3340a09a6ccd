package orders_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/catalog"
	"github.com/ariefcatur/go-credential-orders/internal/clock"
	"github.com/ariefcatur/go-credential-orders/internal/credentials"
	"github.com/ariefcatur/go-credential-orders/internal/memstore"
	"github.com/ariefcatur/go-credential-orders/internal/orders"
	"github.com/shopspring/decimal"
)

func TestGetOrderDownloadInfo(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memstore.New(clk)
	box, err := credentials.New(bytes.Repeat([]byte{1}, credentials.KeySize))
	if err != nil {
		t.Fatalf("credentials.New: %v", err)
	}

	seal := func(s string) []byte {
		b, err := box.Encrypt(s)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		return b
	}
	p := store.AddProduct(catalog.Product{Name: "Netflix 1M", Price: decimal.NewFromInt(9), Active: true})
	store.AddStock(p.ID, seal("nf-one"), seal("nf-two"), seal("nf-three"))

	svc := orders.NewService(store, store, store, clk, orders.WithLogger(quiet))
	downloads := orders.NewDownloads(store, store, box)

	o, err := svc.CreateOrder(ctx, alice, map[string]int{p.ID: 2})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if _, err := downloads.GetOrderDownloadInfo(ctx, o.ID, alice); !errors.Is(err, orders.ErrInvalidOrderStatus) {
		t.Fatalf("expected pending order to withhold credentials, got %v", err)
	}

	if _, err := svc.MarkOrderAsCompleted(ctx, o.ID); err != nil {
		t.Fatalf("MarkOrderAsCompleted: %v", err)
	}

	if _, err := downloads.GetOrderDownloadInfo(ctx, o.ID, bob); !errors.Is(err, orders.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for another user, got %v", err)
	}
	if _, err := downloads.GetOrderDownloadInfo(ctx, "missing", alice); !errors.Is(err, orders.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	info, err := downloads.GetOrderDownloadInfo(ctx, o.ID, alice)
	if err != nil {
		t.Fatalf("GetOrderDownloadInfo: %v", err)
	}
	got := info["Netflix 1M"]
	if len(got) != 2 || got[0] != "nf-one" || got[1] != "nf-two" {
		t.Fatalf("expected the two oldest credentials, got %v", got)
	}
}
