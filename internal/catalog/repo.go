package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-credential-orders/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{DB: pool}
}

func (r *Repo) GetProduct(ctx context.Context, productID string) (Product, error) {
	const query = `
SELECT id, name, category, price, low_stock_threshold, active, created_at
FROM products
WHERE id = $1`

	var p Product
	err := postgres.Q(ctx, r.DB).QueryRow(ctx, query, productID).
		Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.LowStockThreshold, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || postgres.IsInvalidUUID(err) {
			return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}
