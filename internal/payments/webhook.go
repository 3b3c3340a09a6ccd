package payments

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome is what a gateway status string means for a payment.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailure
	OutcomeProcessing
	OutcomeRefund
)

var gatewayStatuses = map[string]Outcome{
	"success":    OutcomeSuccess,
	"succeeded":  OutcomeSuccess,
	"paid":       OutcomeSuccess,
	"completed":  OutcomeSuccess,
	"settlement": OutcomeSuccess,
	"capture":    OutcomeSuccess,
	"captured":   OutcomeSuccess,

	"failed":    OutcomeFailure,
	"failure":   OutcomeFailure,
	"deny":      OutcomeFailure,
	"denied":    OutcomeFailure,
	"expire":    OutcomeFailure,
	"expired":   OutcomeFailure,
	"cancel":    OutcomeFailure,
	"cancelled": OutcomeFailure,
	"canceled":  OutcomeFailure,

	"pending":    OutcomeProcessing,
	"processing": OutcomeProcessing,

	"refund":   OutcomeRefund,
	"refunded": OutcomeRefund,
}

// MapStatus maps a gateway status, case-insensitively, to an Outcome.
func MapStatus(reported string) (Outcome, error) {
	o, ok := gatewayStatuses[strings.ToLower(strings.TrimSpace(reported))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown gateway status %q", ErrInvalidPaymentStatus, reported)
	}
	return o, nil
}

// Webhook is the gateway callback body.
type Webhook struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`
}

// ParseWebhook decodes raw and checks the required fields.
func ParseWebhook(raw []byte) (Webhook, error) {
	var w Webhook
	if err := json.Unmarshal(raw, &w); err != nil {
		return Webhook{}, fmt.Errorf("%w: decode body: %v", ErrWebhookProcessing, err)
	}
	w.TransactionID = strings.TrimSpace(w.TransactionID)
	if w.TransactionID == "" {
		return Webhook{}, fmt.Errorf("%w: missing transaction_id", ErrWebhookProcessing)
	}
	if strings.TrimSpace(w.Status) == "" {
		return Webhook{}, fmt.Errorf("%w: missing status", ErrWebhookProcessing)
	}
	return w, nil
}

// Message is the first human readable reason the gateway gave.
func (w Webhook) Message() string {
	for _, s := range []string{w.Reason, w.FailureReason, w.StatusMessage} {
		if s != "" {
			return s
		}
	}
	return ""
}
