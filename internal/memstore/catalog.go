package memstore

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-credential-orders/internal/catalog"
	"github.com/google/uuid"
)

// AddProduct stores p, assigning an id when it has none.
func (s *Store) AddProduct(p catalog.Product) catalog.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock.Now()
	}
	s.st.products[p.ID] = p
	return p
}

func (s *Store) GetProduct(ctx context.Context, id string) (catalog.Product, error) {
	defer s.lock(ctx)()

	p, ok := s.st.products[id]
	if !ok {
		return catalog.Product{}, fmt.Errorf("%w: %s", catalog.ErrProductNotFound, id)
	}
	return p, nil
}
