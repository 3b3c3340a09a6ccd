package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/stock"
	"github.com/google/uuid"
)

// AddStock adds one unsold item per credential payload and returns their
// ids in allocation order.
func (s *Store) AddStock(productID string, credentials ...[]byte) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	ids := make([]string, 0, len(credentials))
	for _, c := range credentials {
		s.seq++
		it := stock.Item{
			ID:         uuid.NewString(),
			ProductID:  productID,
			Credential: append([]byte(nil), c...),
			CreatedAt:  now,
		}
		s.st.stock[it.ID] = stockRec{item: it, seq: s.seq}
		ids = append(ids, it.ID)
	}
	return ids
}

func (s *Store) available(productID string, now time.Time) []stockRec {
	var out []stockRec
	for _, r := range s.st.stock {
		if r.item.ProductID == productID && r.item.Available(now) {
			out = append(out, r)
		}
	}
	sortStock(out)
	return out
}

func (s *Store) CountAvailable(ctx context.Context, productID string) (int, error) {
	defer s.lock(ctx)()
	return len(s.available(productID, s.clock.Now())), nil
}

func (s *Store) Reserve(ctx context.Context, productID string, quantity int, ttl time.Duration) ([]stock.Item, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", stock.ErrInvalidQuantity, quantity)
	}
	defer s.lock(ctx)()

	now := s.clock.Now()
	avail := s.available(productID, now)
	if len(avail) < quantity {
		return nil, &stock.InsufficientError{ProductID: productID, Required: quantity, Available: len(avail)}
	}

	until := now.Add(ttl)
	out := make([]stock.Item, 0, quantity)
	for _, r := range avail[:quantity] {
		r.item.ReservedUntil = &until
		s.st.stock[r.item.ID] = r
		out = append(out, r.item)
	}
	return out, nil
}

func (s *Store) Release(ctx context.Context, ids []string) error {
	defer s.lock(ctx)()

	for _, id := range ids {
		r, ok := s.st.stock[id]
		if !ok || r.item.Sold {
			continue
		}
		r.item.ReservedUntil = nil
		s.st.stock[id] = r
	}
	return nil
}

func (s *Store) MarkSold(ctx context.Context, ids []string) error {
	defer s.lock(ctx)()

	for _, id := range ids {
		r, ok := s.st.stock[id]
		if !ok {
			return fmt.Errorf("%w: unknown stock item %s", stock.ErrAlreadySold, id)
		}
		if r.item.Sold {
			return fmt.Errorf("%w: %s", stock.ErrAlreadySold, id)
		}
	}
	now := s.clock.Now()
	for _, id := range ids {
		r := s.st.stock[id]
		r.item.Sold = true
		r.item.SoldAt = &now
		r.item.ReservedUntil = nil
		s.st.stock[id] = r
	}
	return nil
}

func (s *Store) ReleaseExpired(ctx context.Context) (int64, error) {
	defer s.lock(ctx)()

	now := s.clock.Now()
	var n int64
	for id, r := range s.st.stock {
		if r.item.Sold || r.item.ReservedUntil == nil || r.item.ReservedUntil.After(now) {
			continue
		}
		r.item.ReservedUntil = nil
		s.st.stock[id] = r
		n++
	}
	return n, nil
}

func (s *Store) Items(ctx context.Context, ids []string) ([]stock.Item, error) {
	defer s.lock(ctx)()

	out := make([]stock.Item, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.st.stock[id]; ok {
			out = append(out, r.item)
		}
	}
	stock.SortFIFO(out)
	return out, nil
}
