// Package app assembles the services from configuration. Both binaries use
// it so the storage, cache and event wiring stay identical.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/ariefcatur/go-credential-orders/internal/catalog"
	"github.com/ariefcatur/go-credential-orders/internal/clock"
	"github.com/ariefcatur/go-credential-orders/internal/config"
	"github.com/ariefcatur/go-credential-orders/internal/events"
	kafkax "github.com/ariefcatur/go-credential-orders/internal/kafka"
	"github.com/ariefcatur/go-credential-orders/internal/memstore"
	"github.com/ariefcatur/go-credential-orders/internal/orders"
	"github.com/ariefcatur/go-credential-orders/internal/payments"
	"github.com/ariefcatur/go-credential-orders/internal/postgres"
	"github.com/ariefcatur/go-credential-orders/internal/redisx"
	"github.com/ariefcatur/go-credential-orders/internal/stock"
	"github.com/ariefcatur/go-credential-orders/migrations"
	"github.com/redis/go-redis/v9"
)

const producerBuffer = 1024

// StockStore is the stock surface shared by order placement, downloads and
// the reaper.
type StockStore interface {
	orders.StockStore
	orders.ItemReader
	stock.Sweeper
}

// Stores groups what the services need from storage. memstore.Store and the
// pgx repos both provide it.
type Stores struct {
	Orders   orders.Repository
	Stock    StockStore
	Catalog  orders.Catalog
	Payments payments.Repository
}

type App struct {
	Config   config.Config
	Clock    clock.Clock
	Stores   Stores
	Orders   *orders.Service
	Payments *payments.Service

	// Redis and Producer are nil when their address is not configured.
	Redis    *redis.Client
	Producer *kafkax.Producer

	// Memory is set when STORAGE_DRIVER=memory.
	Memory *memstore.Store

	closers []func()
}

// Build opens storage and the optional Redis and Kafka clients and wires the
// order and payment services on top of them.
func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*App, error) {
	a := &App{Config: cfg, Clock: clock.NewSystem()}

	if err := a.openStorage(ctx, logger); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisx.New(ctx, cfg.RedisAddr)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}

	var pub events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		a.Producer = kafkax.NewProducer(cfg.KafkaBrokers, producerBuffer)
		pub = a.Producer
	} else {
		logger.Printf("KAFKA_BROKERS empty, lifecycle events are not published")
	}

	orderOpts := []orders.Option{
		orders.WithReservationTTL(cfg.ReservationTTL),
		orders.WithPublisher(pub),
		orders.WithLogger(logger),
		orders.WithProducerName(cfg.ServiceName),
	}
	if a.Redis != nil {
		orderOpts = append(orderOpts, orders.WithStatusCache(redisx.NewStatusCache(a.Redis)))
	}
	a.Orders = orders.NewService(a.Stores.Orders, a.Stores.Stock, a.Stores.Catalog, a.Clock, orderOpts...)

	a.Payments = payments.NewService(a.Stores.Payments, a.Orders, a.Clock,
		payments.WithExpiration(cfg.PaymentExpiration),
		payments.WithPublisher(pub),
		payments.WithLogger(logger),
		payments.WithProducerName(cfg.ServiceName),
	)
	return a, nil
}

func (a *App) openStorage(ctx context.Context, logger *log.Logger) error {
	switch a.Config.StorageDriver {
	case config.DriverMemory:
		logger.Printf("storage=memory, data is lost on exit")
		store := memstore.New(a.Clock)
		a.Memory = store
		a.Stores = Stores{Orders: store, Stock: store, Catalog: store, Payments: store}
		return nil
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, a.Config.PostgresDSN, 10)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := migrations.Apply(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		a.Stores = Stores{
			Orders:   orders.NewRepo(pool),
			Stock:    stock.NewRepo(pool, a.Clock),
			Catalog:  catalog.NewRepo(pool),
			Payments: payments.NewRepo(pool),
		}
		return nil
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", a.Config.StorageDriver)
	}
}

// Reaper returns the reservation sweeper. With Redis configured only one
// instance sweeps per tick.
func (a *App) Reaper(logger *log.Logger) *stock.Reaper {
	opts := []stock.ReaperOption{stock.WithReaperLogger(logger)}
	if a.Redis != nil {
		opts = append(opts, stock.WithLocker(redisx.NewLocker(a.Redis)))
	}
	return stock.NewReaper(a.Stores.Stock, a.Config.ReaperInterval, opts...)
}

// Close releases clients in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
