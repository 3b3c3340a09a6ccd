package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/clock"
	"github.com/ariefcatur/go-credential-orders/internal/events"
	"github.com/ariefcatur/go-credential-orders/internal/lifecycle"
	"github.com/ariefcatur/go-credential-orders/internal/orders"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const transitionAttempts = 3

type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	AfterCommit(ctx context.Context, fn func())
	CreatePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id string) (Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (Payment, error)
	GetPaymentByTransactionID(ctx context.Context, transactionID string) (Payment, error)
	UpdatePayment(ctx context.Context, p Payment, expectedVersion int) error
}

// Orders is the order lifecycle a payment drives. Calls made with a
// transactional ctx join that transaction.
type Orders interface {
	FindByID(ctx context.Context, id string) (orders.Order, error)
	MarkOrderAsProcessing(ctx context.Context, id string) (orders.Order, error)
	MarkOrderAsCompleted(ctx context.Context, id string) (orders.Order, error)
	MarkOrderAsFailed(ctx context.Context, id, reason string) (orders.Order, error)
	CancelOrder(ctx context.Context, id, reason string) (orders.Order, error)
}

type Service struct {
	repo       Repository
	orders     Orders
	clock      clock.Clock
	expiration time.Duration
	publisher  events.Publisher
	logger     *log.Logger
	producer   string
}

type Option func(*Service)

// WithExpiration sets the payment window used when CreatePayment gets none.
func WithExpiration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.expiration = d
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

func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithProducerName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.producer = name
		}
	}
}

func NewService(repo Repository, ord Orders, clk clock.Clock, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		orders:     ord,
		clock:      clk,
		expiration: DefaultExpiration,
		publisher:  events.Nop{},
		logger:     log.New(os.Stderr, "payments ", log.LstdFlags|log.LUTC),
		producer:   "payments",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePayment opens the single payment of an order for its total.
func (s *Service) CreatePayment(ctx context.Context, orderID, method string, expiration time.Duration) (Payment, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return Payment{}, fmt.Errorf("%w: missing payment method", ErrInvalidPayment)
	}
	if expiration <= 0 {
		expiration = s.expiration
	}

	var p Payment
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		o, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return err
		}
		if existing, err := s.repo.GetPaymentByOrderID(txCtx, o.ID); err == nil {
			return fmt.Errorf("%w: order %s has payment %s", ErrPaymentAlreadyExists, o.ID, existing.ID)
		} else if !errors.Is(err, ErrPaymentNotFound) {
			return err
		}
		if o.Status != orders.StatusPending && o.Status != orders.StatusProcessing {
			return fmt.Errorf("%w: order %s is %s", orders.ErrInvalidOrderStatus, orderID, o.Status)
		}

		now := s.clock.Now()
		p = Payment{
			ID:           uuid.NewString(),
			OrderID:      o.ID,
			Reference:    "PAY-" + uuid.NewString(),
			Method:       method,
			Amount:       o.Total,
			Status:       StatusPending,
			ExpiresAt:    now.Add(expiration),
			RefundAmount: decimal.Zero,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return s.repo.CreatePayment(txCtx, p)
	})
	if err != nil {
		return Payment{}, err
	}

	s.logger.Printf("payment created id=%s order=%s reference=%s amount=%s", p.ID, p.OrderID, p.Reference, p.Amount.StringFixed(2))
	s.publish(ctx, events.TopicPaymentCreated, events.EventPaymentCreated, p, "")
	return p, nil
}

func (s *Service) FindPaymentByID(ctx context.Context, id string) (Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

func (s *Service) FindPaymentByOrderID(ctx context.Context, orderID string) (Payment, error) {
	return s.repo.GetPaymentByOrderID(ctx, orderID)
}

// AttachTransaction records the gateway transaction of a payment and moves
// both the payment and its order to PROCESSING. Attaching the same id twice
// is a no-op.
func (s *Service) AttachTransaction(ctx context.Context, paymentID, transactionID string) (Payment, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return Payment{}, fmt.Errorf("%w: missing transaction id", ErrInvalidPayment)
	}
	return s.mutate(ctx, func(txCtx context.Context) (Payment, error) {
		return s.repo.GetPayment(txCtx, paymentID)
	}, func(txCtx context.Context, p *Payment) (bool, error) {
		if p.TransactionID == transactionID && p.Status != StatusPending {
			return false, nil
		}
		if p.TransactionID != "" && p.TransactionID != transactionID {
			return false, fmt.Errorf("%w: payment %s already has transaction %s", ErrInvalidPayment, p.ID, p.TransactionID)
		}
		if err := s.guard(p, StatusProcessing); err != nil {
			return false, err
		}
		p.TransactionID = transactionID
		p.Status = StatusProcessing
		return true, s.orderToProcessing(txCtx, p.OrderID)
	})
}

// ProcessWebhook applies a gateway callback for transactionID. Replays of
// an already applied outcome succeed without side effects.
func (s *Service) ProcessWebhook(ctx context.Context, transactionID, reportedStatus string, raw []byte) (Payment, error) {
	outcome, err := MapStatus(reportedStatus)
	if err != nil {
		s.logger.Printf("webhook rejected transaction=%s status=%q err=%v", transactionID, reportedStatus, err)
		return Payment{}, err
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return Payment{}, fmt.Errorf("%w: missing transaction id", ErrWebhookProcessing)
	}
	reason := reasonFrom(raw, reportedStatus)

	p, err := s.mutate(ctx, func(txCtx context.Context) (Payment, error) {
		p, err := s.repo.GetPaymentByTransactionID(txCtx, transactionID)
		if errors.Is(err, ErrPaymentNotFound) {
			return Payment{}, fmt.Errorf("%w: no payment for transaction %s", ErrWebhookProcessing, transactionID)
		}
		return p, err
	}, func(txCtx context.Context, p *Payment) (bool, error) {
		changed, err := s.applyOutcome(txCtx, p, outcome, reason)
		if changed {
			p.GatewayPayload = append([]byte(nil), raw...)
		}
		return changed, err
	})
	if err != nil {
		if errors.Is(err, ErrWebhookConflict) {
			s.logger.Printf("webhook conflict transaction=%s status=%q err=%v", transactionID, reportedStatus, err)
		}
		return Payment{}, err
	}
	return p, nil
}

// HandleWebhook parses a raw gateway callback and processes it.
func (s *Service) HandleWebhook(ctx context.Context, raw []byte) (Payment, error) {
	w, err := ParseWebhook(raw)
	if err != nil {
		return Payment{}, err
	}
	return s.ProcessWebhook(ctx, w.TransactionID, w.Status, raw)
}

func (s *Service) applyOutcome(ctx context.Context, p *Payment, outcome Outcome, reason string) (bool, error) {
	now := s.clock.Now()
	switch outcome {
	case OutcomeSuccess:
		switch p.Status {
		case StatusCompleted, StatusRefunded:
			return false, nil
		case StatusFailed, StatusCancelled:
			return false, fmt.Errorf("%w: payment %s is %s, gateway reports success", ErrWebhookConflict, p.ID, p.Status)
		case StatusPending:
			if err := s.guard(p, StatusProcessing); err != nil {
				return false, err
			}
			p.Status = StatusProcessing
		}
		if err := s.guard(p, StatusCompleted); err != nil {
			return false, err
		}
		p.Status = StatusCompleted
		p.PaidAt = &now
		if _, err := s.orders.MarkOrderAsCompleted(ctx, p.OrderID); err != nil {
			if errors.Is(err, orders.ErrInvalidOrderStatus) || errors.Is(err, orders.ErrReservationLost) {
				return false, fmt.Errorf("%w: order %s cannot complete: %v", ErrWebhookConflict, p.OrderID, err)
			}
			return false, err
		}
		return true, nil

	case OutcomeFailure:
		switch p.Status {
		case StatusFailed, StatusCancelled:
			return false, nil
		case StatusCompleted, StatusRefunded:
			return false, fmt.Errorf("%w: payment %s is %s, gateway reports failure", ErrWebhookConflict, p.ID, p.Status)
		}
		if err := s.guard(p, StatusFailed); err != nil {
			return false, err
		}
		p.Status = StatusFailed
		p.FailureReason = reason
		o, err := s.orders.FindByID(ctx, p.OrderID)
		if err != nil {
			return false, err
		}
		if !o.Status.Terminal() {
			if _, err := s.orders.MarkOrderAsFailed(ctx, p.OrderID, reason); err != nil {
				return false, err
			}
		}
		return true, nil

	case OutcomeProcessing:
		if p.Status != StatusPending {
			return false, nil
		}
		p.Status = StatusProcessing
		return true, s.orderToProcessing(ctx, p.OrderID)

	case OutcomeRefund:
		switch p.Status {
		case StatusRefunded:
			return false, nil
		case StatusCompleted:
			p.Status = StatusRefunded
			p.RefundAmount = p.Amount
			p.RefundReason = reason
			p.RefundedAt = &now
			return true, nil
		}
		return false, fmt.Errorf("%w: payment %s is %s, gateway reports refund", ErrWebhookConflict, p.ID, p.Status)
	}
	return false, fmt.Errorf("%w: unhandled outcome %d", ErrInvalidPaymentStatus, outcome)
}

// CancelPayment abandons an unpaid payment and cancels its order.
func (s *Service) CancelPayment(ctx context.Context, id, reason string) (Payment, error) {
	return s.mutate(ctx, func(txCtx context.Context) (Payment, error) {
		return s.repo.GetPayment(txCtx, id)
	}, func(txCtx context.Context, p *Payment) (bool, error) {
		if err := s.guard(p, StatusCancelled); err != nil {
			return false, err
		}
		p.Status = StatusCancelled
		p.FailureReason = reason
		o, err := s.orders.FindByID(txCtx, p.OrderID)
		if err != nil {
			return false, err
		}
		if !o.Status.Terminal() {
			if _, err := s.orders.CancelOrder(txCtx, p.OrderID, reason); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

// RefundPayment refunds up to the paid amount of a completed payment. The
// order stays COMPLETED; its credentials were already released.
func (s *Service) RefundPayment(ctx context.Context, id string, amount decimal.Decimal, reason string) (Payment, error) {
	if !amount.IsPositive() {
		return Payment{}, fmt.Errorf("%w: refund amount must be positive", ErrInvalidPayment)
	}
	return s.mutate(ctx, func(txCtx context.Context) (Payment, error) {
		return s.repo.GetPayment(txCtx, id)
	}, func(txCtx context.Context, p *Payment) (bool, error) {
		if amount.GreaterThan(p.Amount) {
			return false, fmt.Errorf("%w: refund %s exceeds paid %s", ErrInvalidPayment, amount.StringFixed(2), p.Amount.StringFixed(2))
		}
		if err := s.guard(p, StatusRefunded); err != nil {
			return false, err
		}
		now := s.clock.Now()
		p.Status = StatusRefunded
		p.RefundAmount = amount
		p.RefundReason = reason
		p.RefundedAt = &now
		return true, nil
	})
}

// mutate loads a payment, lets change modify it and, when change reports a
// modification, writes it under optimistic locking. Everything runs in one
// transaction and is retried on version conflicts.
func (s *Service) mutate(ctx context.Context,
	load func(ctx context.Context) (Payment, error),
	change func(ctx context.Context, p *Payment) (bool, error),
) (Payment, error) {
	var out Payment
	var from Status
	var changed bool
	err := lifecycle.RetryOnConflict(ctx, transitionAttempts, func() error {
		return s.repo.WithTx(ctx, func(txCtx context.Context) error {
			p, err := load(txCtx)
			if err != nil {
				return err
			}
			from = p.Status
			expected := p.Version
			changed, err = change(txCtx, &p)
			if err != nil {
				return err
			}
			if changed {
				p.Version++
				p.UpdatedAt = s.clock.Now()
				if err := s.repo.UpdatePayment(txCtx, p, expected); err != nil {
					return err
				}
			}
			out = p
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrInvalidPaymentStatus) {
			s.logger.Printf("rejected payment transition err=%v", err)
		}
		return Payment{}, err
	}
	if changed && out.Status != from {
		s.repo.AfterCommit(ctx, func() {
			s.logger.Printf("payment status changed id=%s order=%s from=%s to=%s", out.ID, out.OrderID, from, out.Status)
			reason := out.FailureReason
			if out.Status == StatusRefunded {
				reason = out.RefundReason
			}
			s.publish(ctx, events.PaymentTopic(string(out.Status)), events.EventPaymentStatus, out, reason)
		})
	}
	return out, nil
}

func (s *Service) guard(p *Payment, to Status) error {
	return lifecycle.Guard(transitions, ErrInvalidPaymentStatus, "payment", p.ID, p.Status, to)
}

func (s *Service) orderToProcessing(ctx context.Context, orderID string) error {
	o, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != orders.StatusPending {
		return nil
	}
	_, err = s.orders.MarkOrderAsProcessing(ctx, orderID)
	return err
}

func (s *Service) publish(ctx context.Context, topic, eventType string, p Payment, reason string) {
	env, err := events.New(eventType, s.producer, p.OrderID, s.clock.Now(), events.PaymentPayload{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		Reference:     p.Reference,
		Status:        string(p.Status),
		Amount:        p.Amount.StringFixed(2),
		TransactionID: p.TransactionID,
		Reason:        reason,
	})
	if err != nil {
		s.logger.Printf("build event failed type=%s err=%v", eventType, err)
		return
	}
	if err := s.publisher.Publish(ctx, topic, env); err != nil {
		s.logger.Printf("publish failed topic=%s payment=%s err=%v", topic, p.ID, err)
	}
}

// reasonFrom extracts the gateway's reason from raw, falling back to the
// reported status.
func reasonFrom(raw []byte, reported string) string {
	if w, err := ParseWebhook(raw); err == nil {
		if m := w.Message(); m != "" {
			return m
		}
	}
	return "gateway reported " + strings.ToLower(strings.TrimSpace(reported))
}
