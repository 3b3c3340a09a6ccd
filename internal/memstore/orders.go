package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/lifecycle"
	"github.com/ariefcatur/go-credential-orders/internal/orders"
)

func (s *Store) CreateOrder(ctx context.Context, o orders.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.lock(ctx)()

	for _, existing := range s.st.orders {
		if existing.Number == o.Number {
			return fmt.Errorf("%w: %s", orders.ErrDuplicateOrderNumber, o.Number)
		}
	}

	taken := make(map[string]bool, len(o.Items))
	for _, it := range o.Items {
		taken[it.StockItemID] = true
	}
	for id, other := range s.st.orders {
		detached := false
		for i, it := range other.Items {
			if it.ReleasedAt == nil && taken[it.StockItemID] {
				at := o.CreatedAt
				other.Items[i].ReleasedAt = &at
				detached = true
			}
		}
		if detached {
			s.st.orders[id] = other
		}
	}

	s.st.orders[o.ID] = copyOrder(o)
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	defer s.lock(ctx)()

	o, ok := s.st.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, id)
	}
	return copyOrder(o), nil
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]orders.Order, int, error) {
	defer s.lock(ctx)()

	var all []orders.Order
	for _, o := range s.st.orders {
		if o.UserID == userID {
			all = append(all, o)
		}
	}
	sort.Slice(all, func(a, b int) bool {
		if !all[a].CreatedAt.Equal(all[b].CreatedAt) {
			return all[a].CreatedAt.After(all[b].CreatedAt)
		}
		return all[a].ID > all[b].ID
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]orders.Order, 0, end-offset)
	for _, o := range all[offset:end] {
		out = append(out, copyOrder(o))
	}
	return out, total, nil
}

func (s *Store) UpdateOrder(ctx context.Context, o orders.Order, expectedVersion int) error {
	defer s.lock(ctx)()

	cur, ok := s.st.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: %s", orders.ErrOrderNotFound, o.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: order %s", lifecycle.ErrVersionConflict, o.ID)
	}
	cur.Status = o.Status
	cur.CancelReason = o.CancelReason
	cur.FailureReason = o.FailureReason
	cur.CompletedAt = o.CompletedAt
	cur.UpdatedAt = o.UpdatedAt
	cur.Version = o.Version
	s.st.orders[o.ID] = cur
	return nil
}

func (s *Store) ReleaseItems(ctx context.Context, orderID string, at time.Time) ([]string, error) {
	defer s.lock(ctx)()

	o, ok := s.st.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orders.ErrOrderNotFound, orderID)
	}
	var ids []string
	for i, it := range o.Items {
		if it.ReleasedAt == nil {
			o.Items[i].ReleasedAt = &at
			ids = append(ids, it.StockItemID)
		}
	}
	s.st.orders[orderID] = o
	return ids, nil
}
