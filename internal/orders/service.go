package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/catalog"
	"github.com/ariefcatur/go-credential-orders/internal/clock"
	"github.com/ariefcatur/go-credential-orders/internal/events"
	"github.com/ariefcatur/go-credential-orders/internal/identity"
	"github.com/ariefcatur/go-credential-orders/internal/lifecycle"
	"github.com/ariefcatur/go-credential-orders/internal/stock"
	"github.com/google/uuid"
)

const (
	DefaultReservationTTL = 30 * time.Minute
	MaxPageSize           = 100

	transitionAttempts   = 3
	numberAttempts       = 3
	compensationAttempts = 3
)

// Repository is the order persistence the service needs. WithTx joins an
// outer transaction already carried by ctx.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	AfterCommit(ctx context.Context, fn func())
	CreateOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]Order, int, error)
	UpdateOrder(ctx context.Context, o Order, expectedVersion int) error
	ReleaseItems(ctx context.Context, orderID string, at time.Time) ([]string, error)
}

type StockStore interface {
	CountAvailable(ctx context.Context, productID string) (int, error)
	Reserve(ctx context.Context, productID string, quantity int, ttl time.Duration) ([]stock.Item, error)
	Release(ctx context.Context, ids []string) error
	MarkSold(ctx context.Context, ids []string) error
}

type Catalog interface {
	GetProduct(ctx context.Context, id string) (catalog.Product, error)
}

// StatusCache mirrors order statuses for cheap polling.
type StatusCache interface {
	SetStatus(ctx context.Context, orderID, userID, status string) error
}

type Service struct {
	repo      Repository
	stock     StockStore
	catalog   Catalog
	clock     clock.Clock
	ttl       time.Duration
	publisher events.Publisher
	cache     StatusCache
	logger    *log.Logger
	producer  string
}

type Option func(*Service)

func WithReservationTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithStatusCache(c StatusCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithProducerName sets the producer field of emitted events.
func WithProducerName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.producer = name
		}
	}
}

func NewService(repo Repository, st StockStore, cat Catalog, clk clock.Clock, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		stock:     st,
		catalog:   cat,
		clock:     clk,
		ttl:       DefaultReservationTTL,
		publisher: events.Nop{},
		logger:    log.New(os.Stderr, "orders ", log.LstdFlags|log.LUTC),
		producer:  "orders",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder reserves quantities[productID] stock items per product and
// records a PENDING order holding them. Any failure after the first
// reservation releases everything reserved so far.
func (s *Service) CreateOrder(ctx context.Context, user identity.User, quantities map[string]int) (Order, error) {
	if user.ID == "" {
		return Order{}, fmt.Errorf("%w: missing user", ErrInvalidOrder)
	}
	if len(quantities) == 0 {
		return Order{}, fmt.Errorf("%w: no items", ErrInvalidOrder)
	}

	productIDs := make([]string, 0, len(quantities))
	for id := range quantities {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	products := make(map[string]catalog.Product, len(productIDs))
	for _, id := range productIDs {
		qty := quantities[id]
		if strings.TrimSpace(id) == "" {
			return Order{}, fmt.Errorf("%w: empty product id", ErrInvalidOrder)
		}
		if qty <= 0 {
			return Order{}, fmt.Errorf("%w: quantity %d for product %s", ErrInvalidOrder, qty, id)
		}
		p, err := s.catalog.GetProduct(ctx, id)
		if err != nil {
			return Order{}, err
		}
		if !p.Active {
			return Order{}, fmt.Errorf("%w: product %s is not for sale", ErrInvalidOrder, id)
		}
		available, err := s.stock.CountAvailable(ctx, id)
		if err != nil {
			return Order{}, err
		}
		if available < qty {
			return Order{}, &stock.InsufficientError{ProductID: id, Required: qty, Available: available}
		}
		products[id] = p
	}

	now := s.clock.Now()
	var reserved []string
	var lines []Item
	for _, id := range productIDs {
		items, err := s.stock.Reserve(ctx, id, quantities[id], s.ttl)
		if err != nil {
			return Order{}, s.compensate(ctx, reserved, err)
		}
		p := products[id]
		for _, it := range items {
			reserved = append(reserved, it.ID)
			lines = append(lines, Item{
				ID:          uuid.NewString(),
				ProductID:   id,
				StockItemID: it.ID,
				Price:       p.Price,
				ProductName: p.Name,
				Category:    p.Category,
				CreatedAt:   now,
			})
		}
	}

	o := Order{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Total:     sumPrices(lines),
		Status:    StatusPending,
		Items:     lines,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
	}

	var err error
	for i := 0; i < numberAttempts; i++ {
		o.Number = NewOrderNumber(now)
		if err = s.repo.CreateOrder(ctx, o); !errors.Is(err, ErrDuplicateOrderNumber) {
			break
		}
	}
	if err != nil {
		return Order{}, s.compensate(ctx, reserved, err)
	}

	s.logger.Printf("order created id=%s number=%s user=%s items=%d total=%s",
		o.ID, o.Number, o.UserID, len(o.Items), o.Total.StringFixed(2))
	s.publishCreated(ctx, o)
	s.cacheStatus(ctx, o)
	s.checkLowStock(ctx, productIDs, products)
	return o, nil
}

// compensate releases ids and returns cause untouched. Release runs even
// if ctx is already done.
func (s *Service) compensate(ctx context.Context, ids []string, cause error) error {
	if len(ids) == 0 {
		return cause
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	for i := 0; i < compensationAttempts; i++ {
		if err = s.stock.Release(rctx, ids); err == nil {
			return cause
		}
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}
	s.logger.Printf("compensating release failed items=%v cause=%v err=%v", ids, cause, err)
	return cause
}

// NewOrderNumber returns ORD-YYYYMMDD-XXXXXXXX.
func NewOrderNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "ORD-" + at.UTC().Format("20060102") + "-" + suffix
}

func (s *Service) CancelOrder(ctx context.Context, id, reason string) (Order, error) {
	return s.transition(ctx, id, StatusCancelled, reason, nil)
}

// CancelOrderByUser cancels an order on behalf of its owner.
func (s *Service) CancelOrderByUser(ctx context.Context, id string, user identity.User, reason string) (Order, error) {
	owner := func(o Order) error {
		if o.UserID != user.ID {
			return fmt.Errorf("%w: order %s", ErrAccessDenied, id)
		}
		return nil
	}
	return s.transition(ctx, id, StatusCancelled, reason, owner)
}

func (s *Service) MarkOrderAsProcessing(ctx context.Context, id string) (Order, error) {
	return s.transition(ctx, id, StatusProcessing, "", nil)
}

// MarkOrderAsCompleted sells every stock item of the order. The sale and
// the status change commit together.
func (s *Service) MarkOrderAsCompleted(ctx context.Context, id string) (Order, error) {
	return s.transition(ctx, id, StatusCompleted, "", nil)
}

func (s *Service) MarkOrderAsFailed(ctx context.Context, id, reason string) (Order, error) {
	return s.transition(ctx, id, StatusFailed, reason, nil)
}

func (s *Service) transition(ctx context.Context, id string, to Status, reason string, check func(Order) error) (Order, error) {
	var out Order
	var from Status
	err := lifecycle.RetryOnConflict(ctx, transitionAttempts, func() error {
		return s.repo.WithTx(ctx, func(txCtx context.Context) error {
			o, err := s.repo.GetOrder(txCtx, id)
			if err != nil {
				return err
			}
			if check != nil {
				if err := check(o); err != nil {
					return err
				}
			}
			if err := lifecycle.Guard(transitions, ErrInvalidOrderStatus, "order", id, o.Status, to); err != nil {
				return err
			}

			now := s.clock.Now()
			expected := o.Version
			from = o.Status
			o.Status = to
			o.Version++
			o.UpdatedAt = now
			switch to {
			case StatusCompleted:
				o.CompletedAt = &now
			case StatusCancelled:
				o.CancelReason = reason
			case StatusFailed:
				o.FailureReason = reason
			}
			if err := s.repo.UpdateOrder(txCtx, o, expected); err != nil {
				return err
			}
			if err := s.applyEffects(txCtx, &o, now); err != nil {
				return err
			}
			out = o
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrInvalidOrderStatus) {
			s.logger.Printf("rejected order transition id=%s to=%s err=%v", id, to, err)
		}
		return Order{}, err
	}

	s.repo.AfterCommit(ctx, func() {
		s.logger.Printf("order status changed id=%s from=%s to=%s", out.ID, from, out.Status)
		s.publishStatus(ctx, out, from, reason)
		s.cacheStatus(ctx, out)
	})
	return out, nil
}

func (s *Service) applyEffects(ctx context.Context, o *Order, now time.Time) error {
	switch o.Status {
	case StatusCompleted:
		live := o.LiveStockItemIDs()
		if len(live) != len(o.Items) {
			return fmt.Errorf("%w: order %s holds %d of %d items", ErrReservationLost, o.ID, len(live), len(o.Items))
		}
		return s.stock.MarkSold(ctx, live)
	case StatusCancelled, StatusFailed:
		ids, err := s.repo.ReleaseItems(ctx, o.ID, now)
		if err != nil {
			return err
		}
		for i := range o.Items {
			if o.Items[i].ReleasedAt == nil {
				o.Items[i].ReleasedAt = &now
			}
		}
		return s.stock.Release(ctx, ids)
	}
	return nil
}

func (s *Service) FindByID(ctx context.Context, id string) (Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// GetOrdersByUser pages through a user's orders, newest first. page is
// 1-based.
func (s *Service) GetOrdersByUser(ctx context.Context, userID string, page, size int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	list, total, err := s.repo.ListOrdersByUser(ctx, userID, size, (page-1)*size)
	if err != nil {
		return Page{}, err
	}
	return Page{Orders: list, Page: page, Size: size, Total: total}, nil
}

func (s *Service) checkLowStock(ctx context.Context, productIDs []string, products map[string]catalog.Product) {
	for _, id := range productIDs {
		p := products[id]
		if p.LowStockThreshold <= 0 {
			continue
		}
		n, err := s.stock.CountAvailable(ctx, id)
		if err != nil {
			s.logger.Printf("low stock check failed product=%s err=%v", id, err)
			continue
		}
		if n > p.LowStockThreshold {
			continue
		}
		s.logger.Printf("stock low product=%s available=%d threshold=%d", id, n, p.LowStockThreshold)
		s.publish(ctx, events.TopicStockLow, events.EventStockLow, id,
			events.StockLowPayload{ProductID: id, Available: n, Threshold: p.LowStockThreshold})
	}
}

func (s *Service) publishCreated(ctx context.Context, o Order) {
	items := make([]events.ItemPrice, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, events.ItemPrice{
			ProductID:   it.ProductID,
			StockItemID: it.StockItemID,
			Price:       it.Price.StringFixed(2),
		})
	}
	s.publish(ctx, events.TopicOrderCreated, events.EventOrderCreated, o.ID, events.OrderCreatedPayload{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		UserID:      o.UserID,
		Items:       items,
		Total:       o.Total.StringFixed(2),
	})
}

func (s *Service) publishStatus(ctx context.Context, o Order, from Status, reason string) {
	s.publish(ctx, events.OrderTopic(string(o.Status)), events.EventOrderStatusChange, o.ID, events.OrderStatusPayload{
		OrderID: o.ID,
		UserID:  o.UserID,
		From:    string(from),
		To:      string(o.Status),
		Reason:  reason,
	})
}

func (s *Service) publish(ctx context.Context, topic, eventType, correlationID string, payload any) {
	env, err := events.New(eventType, s.producer, correlationID, s.clock.Now(), payload)
	if err != nil {
		s.logger.Printf("build event failed type=%s err=%v", eventType, err)
		return
	}
	if err := s.publisher.Publish(ctx, topic, env); err != nil {
		s.logger.Printf("publish failed topic=%s correlation=%s err=%v", topic, correlationID, err)
	}
}

func (s *Service) cacheStatus(ctx context.Context, o Order) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetStatus(ctx, o.ID, o.UserID, string(o.Status)); err != nil {
		s.logger.Printf("cache order status failed id=%s err=%v", o.ID, err)
	}
}
