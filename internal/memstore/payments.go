package memstore

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-credential-orders/internal/lifecycle"
	"github.com/ariefcatur/go-credential-orders/internal/payments"
)

func (s *Store) CreatePayment(ctx context.Context, p payments.Payment) error {
	defer s.lock(ctx)()

	for _, existing := range s.st.payments {
		if existing.OrderID == p.OrderID {
			return fmt.Errorf("%w: order %s", payments.ErrPaymentAlreadyExists, p.OrderID)
		}
		if existing.Reference == p.Reference {
			return fmt.Errorf("duplicate payment reference %s", p.Reference)
		}
	}
	s.st.payments[p.ID] = copyPayment(p)
	return nil
}

func (s *Store) findPayment(match func(payments.Payment) bool, what string) (payments.Payment, error) {
	for _, p := range s.st.payments {
		if match(p) {
			return copyPayment(p), nil
		}
	}
	return payments.Payment{}, fmt.Errorf("%w: %s", payments.ErrPaymentNotFound, what)
}

func (s *Store) GetPayment(ctx context.Context, id string) (payments.Payment, error) {
	defer s.lock(ctx)()
	return s.findPayment(func(p payments.Payment) bool { return p.ID == id }, "id="+id)
}

func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (payments.Payment, error) {
	defer s.lock(ctx)()
	return s.findPayment(func(p payments.Payment) bool { return p.OrderID == orderID }, "order_id="+orderID)
}

func (s *Store) GetPaymentByTransactionID(ctx context.Context, transactionID string) (payments.Payment, error) {
	defer s.lock(ctx)()
	if transactionID == "" {
		return payments.Payment{}, fmt.Errorf("%w: empty transaction id", payments.ErrPaymentNotFound)
	}
	return s.findPayment(func(p payments.Payment) bool { return p.TransactionID == transactionID }, "transaction_id="+transactionID)
}

func (s *Store) UpdatePayment(ctx context.Context, p payments.Payment, expectedVersion int) error {
	defer s.lock(ctx)()

	cur, ok := s.st.payments[p.ID]
	if !ok {
		return fmt.Errorf("%w: id=%s", payments.ErrPaymentNotFound, p.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: payment %s", lifecycle.ErrVersionConflict, p.ID)
	}
	if p.TransactionID != "" {
		for id, other := range s.st.payments {
			if id != p.ID && other.TransactionID == p.TransactionID {
				return fmt.Errorf("%w: transaction %s belongs to another payment", payments.ErrInvalidPayment, p.TransactionID)
			}
		}
	}
	s.st.payments[p.ID] = copyPayment(p)
	return nil
}
