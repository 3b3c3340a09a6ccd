package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/clock"
	"github.com/ariefcatur/go-credential-orders/internal/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the Postgres stock store. Exclusivity lives in the statements
// themselves so any number of service instances can share the table.
type Repo struct {
	DB    *pgxpool.Pool
	Clock clock.Clock
}

func NewRepo(pool *pgxpool.Pool, clk clock.Clock) *Repo {
	return &Repo{DB: pool, Clock: clk}
}

const itemColumns = `id, product_id, credential, sold, reserved_until, sold_at, created_at`

func (r *Repo) CountAvailable(ctx context.Context, productID string) (int, error) {
	const query = `
SELECT COUNT(*)
FROM stock_items
WHERE product_id = $1
  AND sold = FALSE
  AND (reserved_until IS NULL OR reserved_until <= $2)`

	var n int
	if err := postgres.Q(ctx, r.DB).QueryRow(ctx, query, productID, r.Clock.Now()).Scan(&n); err != nil {
		if postgres.IsInvalidUUID(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("count available: %w", err)
	}
	return n, nil
}

// Reserve holds quantity available items, oldest first, until now+ttl.
// Either all of them are reserved or none is.
func (r *Repo) Reserve(ctx context.Context, productID string, quantity int, ttl time.Duration) ([]Item, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	now := r.Clock.Now()
	until := now.Add(ttl)

	// SKIP LOCKED keeps concurrent reservers off each other's rows; the
	// predicate is re-checked on the locked row version.
	const stmt = `
WITH picked AS (
	SELECT id
	FROM stock_items
	WHERE product_id = $1
	  AND sold = FALSE
	  AND (reserved_until IS NULL OR reserved_until <= $2)
	ORDER BY created_at, id
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE stock_items s
SET reserved_until = $4
FROM picked
WHERE s.id = picked.id
RETURNING s.id, s.product_id, s.credential, s.sold, s.reserved_until, s.sold_at, s.created_at`

	var items []Item
	err := postgres.WithTx(ctx, r.DB, func(txCtx context.Context) error {
		rows, err := postgres.Q(txCtx, r.DB).Query(txCtx, stmt, productID, now, quantity, until)
		if err != nil {
			if postgres.IsInvalidUUID(err) {
				return &InsufficientError{ProductID: productID, Required: quantity}
			}
			return fmt.Errorf("reserve stock: %w", err)
		}
		items, err = scanItems(rows)
		if err != nil {
			return err
		}
		if len(items) < quantity {
			return &InsufficientError{ProductID: productID, Required: quantity, Available: len(items)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortFIFO(items)
	return items, nil
}

// Release clears reservations. Sold items are left alone.
func (r *Repo) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const stmt = `UPDATE stock_items SET reserved_until = NULL WHERE id = ANY($1::text[]::uuid[]) AND sold = FALSE`
	if _, err := postgres.Q(ctx, r.DB).Exec(ctx, stmt, ids); err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	return nil
}

// MarkSold sells every item in ids or none of them.
func (r *Repo) MarkSold(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const stmt = `
UPDATE stock_items
SET sold = TRUE, reserved_until = NULL, sold_at = $2
WHERE id = ANY($1::text[]::uuid[]) AND sold = FALSE`

	return postgres.WithTx(ctx, r.DB, func(txCtx context.Context) error {
		tag, err := postgres.Q(txCtx, r.DB).Exec(txCtx, stmt, ids, r.Clock.Now())
		if err != nil {
			return fmt.Errorf("mark sold: %w", err)
		}
		if tag.RowsAffected() != int64(len(ids)) {
			return fmt.Errorf("%w: %d of %d items sellable", ErrAlreadySold, tag.RowsAffected(), len(ids))
		}
		return nil
	})
}

func (r *Repo) ReleaseExpired(ctx context.Context) (int64, error) {
	const stmt = `
UPDATE stock_items
SET reserved_until = NULL
WHERE sold = FALSE
  AND reserved_until IS NOT NULL
  AND reserved_until <= $1`

	tag, err := postgres.Q(ctx, r.DB).Exec(ctx, stmt, r.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("release expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repo) Items(ctx context.Context, ids []string) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := postgres.Q(ctx, r.DB).Query(ctx,
		`SELECT `+itemColumns+` FROM stock_items WHERE id = ANY($1::text[]::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("get stock items: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	SortFIFO(items)
	return items, nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

func scanItems(rows rowScanner) ([]Item, error) {
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.ProductID, &it.Credential, &it.Sold, &it.ReservedUntil, &it.SoldAt, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stock item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock items: %w", err)
	}
	return out, nil
}
