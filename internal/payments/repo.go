package payments

import (
	"context"
	"errors"
	"fmt"

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

func (r *Repo) CreatePayment(ctx context.Context, p Payment) error {
	_, err := postgres.Q(ctx, r.DB).Exec(ctx, `
		INSERT INTO payments(id, order_id, reference, method, amount, status, expires_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.OrderID, p.Reference, p.Method, p.Amount, string(p.Status), p.ExpiresAt, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) && postgres.ConstraintName(err) == "payments_order_id_key" {
			return fmt.Errorf("%w: order %s", ErrPaymentAlreadyExists, p.OrderID)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

const paymentColumns = `id, order_id, reference, method, amount, status, transaction_id, expires_at, paid_at,
	failure_reason, refund_amount, refund_reason, refunded_at, gateway_payload, version, created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var status string
	var txID *string
	err := row.Scan(&p.ID, &p.OrderID, &p.Reference, &p.Method, &p.Amount, &status, &txID, &p.ExpiresAt, &p.PaidAt,
		&p.FailureReason, &p.RefundAmount, &p.RefundReason, &p.RefundedAt, &p.GatewayPayload, &p.Version,
		&p.CreatedAt, &p.UpdatedAt)
	p.Status = Status(status)
	if txID != nil {
		p.TransactionID = *txID
	}
	return p, err
}

// getBy reads one payment. Inside a transaction the row is locked until
// commit, so concurrent changes to the same payment apply one after another.
func (r *Repo) getBy(ctx context.Context, column, value string, isUUID bool) (Payment, error) {
	if isUUID && !postgres.ValidUUID(value) {
		return Payment{}, fmt.Errorf("%w: %s=%s", ErrPaymentNotFound, column, value)
	}
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE ` + column + ` = $1`
	if postgres.InTx(ctx) {
		query += ` FOR UPDATE`
	}
	p, err := scanPayment(postgres.Q(ctx, r.DB).QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || postgres.IsInvalidUUID(err) {
			return Payment{}, fmt.Errorf("%w: %s=%s", ErrPaymentNotFound, column, value)
		}
		return Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (r *Repo) GetPayment(ctx context.Context, id string) (Payment, error) {
	return r.getBy(ctx, "id", id, true)
}

func (r *Repo) GetPaymentByOrderID(ctx context.Context, orderID string) (Payment, error) {
	return r.getBy(ctx, "order_id", orderID, true)
}

func (r *Repo) GetPaymentByTransactionID(ctx context.Context, transactionID string) (Payment, error) {
	return r.getBy(ctx, "transaction_id", transactionID, false)
}

// UpdatePayment writes the mutable fields of p if the stored version still
// equals expectedVersion.
func (r *Repo) UpdatePayment(ctx context.Context, p Payment, expectedVersion int) error {
	var txID *string
	if p.TransactionID != "" {
		txID = &p.TransactionID
	}
	tag, err := postgres.Q(ctx, r.DB).Exec(ctx, `
		UPDATE payments
		SET status = $2, transaction_id = $3, paid_at = $4, failure_reason = $5,
		    refund_amount = $6, refund_reason = $7, refunded_at = $8, gateway_payload = $9,
		    updated_at = $10, version = $11
		WHERE id = $1 AND version = $12`,
		p.ID, string(p.Status), txID, p.PaidAt, p.FailureReason,
		p.RefundAmount, p.RefundReason, p.RefundedAt, p.GatewayPayload,
		p.UpdatedAt, p.Version, expectedVersion)
	if err != nil {
		if postgres.IsUniqueViolation(err) && postgres.ConstraintName(err) == "payments_transaction_id_key" {
			return fmt.Errorf("%w: transaction %s belongs to another payment", ErrInvalidPayment, p.TransactionID)
		}
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: payment %s", lifecycle.ErrVersionConflict, p.ID)
	}
	return nil
}
