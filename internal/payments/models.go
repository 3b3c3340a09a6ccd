package payments

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentAlreadyExists = errors.New("payment already exists")
	ErrInvalidPayment       = errors.New("invalid payment")
	ErrInvalidPaymentStatus = errors.New("invalid payment status")
	// ErrWebhookProcessing means the callback could not be applied yet; the
	// gateway is expected to retry.
	ErrWebhookProcessing = errors.New("webhook processing failed")
	// ErrWebhookConflict means the callback contradicts a settled payment and
	// needs manual reconciliation.
	ErrWebhookConflict = errors.New("webhook conflicts with payment state")
)

const DefaultExpiration = 15 * time.Minute

type Payment struct {
	ID             string
	OrderID        string
	Reference      string
	Method         string
	Amount         decimal.Decimal
	Status         Status
	TransactionID  string
	ExpiresAt      time.Time
	PaidAt         *time.Time
	FailureReason  string
	RefundAmount   decimal.Decimal
	RefundReason   string
	RefundedAt     *time.Time
	GatewayPayload []byte
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
