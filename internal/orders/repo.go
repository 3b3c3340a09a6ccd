package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/lifecycle"
	"github.com/ariefcatur/go-credential-orders/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{DB: pool}
}

func (r *Repo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return postgres.WithTx(ctx, r.DB, fn)
}

func (r *Repo) AfterCommit(ctx context.Context, fn func()) {
	postgres.AfterCommit(ctx, fn)
}

// CreateOrder inserts the order with its items. Live allocations held by
// other orders on the same stock items are detached first: the caller only
// gets here after reserving those items, so the older holds have lapsed.
func (r *Repo) CreateOrder(ctx context.Context, o Order) error {
	return r.WithTx(ctx, func(txCtx context.Context) error {
		q := postgres.Q(txCtx, r.DB)

		_, err := q.Exec(txCtx, `
			INSERT INTO orders(id, user_id, order_number, total, status, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			o.ID, o.UserID, o.Number, o.Total, string(o.Status), o.Version, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			if postgres.IsUniqueViolation(err) && postgres.ConstraintName(err) == "orders_order_number_key" {
				return fmt.Errorf("%w: %s", ErrDuplicateOrderNumber, o.Number)
			}
			return fmt.Errorf("insert order: %w", err)
		}

		if _, err := q.Exec(txCtx, `
			UPDATE order_items SET released_at = $2
			WHERE stock_item_id = ANY($1::text[]::uuid[]) AND released_at IS NULL`,
			o.StockItemIDs(), o.CreatedAt); err != nil {
			return fmt.Errorf("detach stale allocations: %w", err)
		}

		for _, it := range o.Items {
			_, err := q.Exec(txCtx, `
				INSERT INTO order_items(id, order_id, product_id, stock_item_id, price, product_name, category, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				it.ID, o.ID, it.ProductID, it.StockItemID, it.Price, it.ProductName, it.Category, it.CreatedAt)
			if err != nil {
				if postgres.IsUniqueViolation(err) {
					return fmt.Errorf("%w: stock item %s", ErrReservationLost, it.StockItemID)
				}
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		return nil
	})
}

const orderColumns = `id, user_id, order_number, total, status, cancel_reason, failure_reason,
	version, created_at, updated_at, completed_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.UserID, &o.Number, &o.Total, &status, &o.CancelReason, &o.FailureReason,
		&o.Version, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt)
	o.Status = Status(status)
	return o, err
}

func (r *Repo) GetOrder(ctx context.Context, id string) (Order, error) {
	if !postgres.ValidUUID(id) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	q := postgres.Q(ctx, r.DB)
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || postgres.IsInvalidUUID(err) {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return Order{}, fmt.Errorf("get order: %w", err)
	}

	items, err := r.itemsFor(ctx, []string{o.ID})
	if err != nil {
		return Order{}, err
	}
	o.Items = items[o.ID]
	return o, nil
}

func (r *Repo) ListOrdersByUser(ctx context.Context, userID string, limit, offset int) ([]Order, int, error) {
	q := postgres.Q(ctx, r.DB)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	var ids []string
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	items, err := r.itemsFor(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, total, nil
}

func (r *Repo) itemsFor(ctx context.Context, orderIDs []string) (map[string][]Item, error) {
	out := make(map[string][]Item, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := postgres.Q(ctx, r.DB).Query(ctx, `
		SELECT id, order_id, product_id, stock_item_id, price, product_name, category, released_at, created_at
		FROM order_items
		WHERE order_id = ANY($1::text[]::uuid[])
		ORDER BY created_at, id`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.StockItemID, &it.Price,
			&it.ProductName, &it.Category, &it.ReleasedAt, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

// UpdateOrder writes the mutable fields of o if the stored version still
// equals expectedVersion.
func (r *Repo) UpdateOrder(ctx context.Context, o Order, expectedVersion int) error {
	tag, err := postgres.Q(ctx, r.DB).Exec(ctx, `
		UPDATE orders
		SET status = $2, cancel_reason = $3, failure_reason = $4, completed_at = $5,
		    updated_at = $6, version = $7
		WHERE id = $1 AND version = $8`,
		o.ID, string(o.Status), o.CancelReason, o.FailureReason, o.CompletedAt,
		o.UpdatedAt, o.Version, expectedVersion)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", lifecycle.ErrVersionConflict, o.ID)
	}
	return nil
}

// ReleaseItems ends the order's live allocations and returns their stock
// item ids.
func (r *Repo) ReleaseItems(ctx context.Context, orderID string, at time.Time) ([]string, error) {
	rows, err := postgres.Q(ctx, r.DB).Query(ctx, `
		UPDATE order_items SET released_at = $2
		WHERE order_id = $1 AND released_at IS NULL
		RETURNING stock_item_id`, orderID, at)
	if err != nil {
		return nil, fmt.Errorf("release order items: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("release order items: %w", err)
	}
	return ids, nil
}
