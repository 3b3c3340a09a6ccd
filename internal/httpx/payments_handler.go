package httpx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/orders"
	"github.com/ariefcatur/go-credential-orders/internal/payments"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type PaymentService interface {
	CreatePayment(ctx context.Context, orderID, method string, expiration time.Duration) (payments.Payment, error)
	FindPaymentByID(ctx context.Context, id string) (payments.Payment, error)
	AttachTransaction(ctx context.Context, paymentID, transactionID string) (payments.Payment, error)
	CancelPayment(ctx context.Context, id, reason string) (payments.Payment, error)
	RefundPayment(ctx context.Context, id string, amount decimal.Decimal, reason string) (payments.Payment, error)
	ProcessWebhook(ctx context.Context, transactionID, reportedStatus string, raw []byte) (payments.Payment, error)
}

type OrderFinder interface {
	FindByID(ctx context.Context, id string) (orders.Order, error)
}

type PaymentsHandler struct {
	Payments PaymentService
	Orders   OrderFinder
	// WebhookSecret signs gateway callbacks: X-Signature is
	// hex(HMAC-SHA256(body)). Without a secret every callback is refused.
	WebhookSecret []byte
	Logger        *log.Logger
}

// Register mounts the customer payment routes.
func (h *PaymentsHandler) Register(r chi.Router) {
	h.ensureLogger()
	r.Post("/orders/{id}/payments", h.createPayment)
	r.Get("/payments/{id}", h.getPayment)
	r.Post("/payments/{id}/transaction", h.attachTransaction)
	r.Post("/payments/{id}/cancel", h.cancelPayment)
}

// RegisterAdmin mounts operator routes. The caller mounts them behind
// RequireRole(identity.RoleAdmin).
func (h *PaymentsHandler) RegisterAdmin(r chi.Router) {
	h.ensureLogger()
	r.Post("/admin/payments/{id}/refund", h.refundPayment)
}

// RegisterWebhook mounts the gateway callback, which carries no bearer token.
func (h *PaymentsHandler) RegisterWebhook(r chi.Router) {
	h.ensureLogger()
	r.Post("/webhooks/payments", h.webhook)
}

func (h *PaymentsHandler) ensureLogger() {
	if h.Logger == nil {
		h.Logger = log.New(os.Stderr, "http ", log.LstdFlags|log.LUTC)
	}
}

type paymentResp struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"order_id"`
	Reference     string     `json:"reference"`
	Method        string     `json:"method"`
	Amount        string     `json:"amount"`
	Status        string     `json:"status"`
	TransactionID string     `json:"transaction_id,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	RefundAmount  string     `json:"refund_amount,omitempty"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
}

func toPaymentResp(p payments.Payment) paymentResp {
	out := paymentResp{
		ID:            p.ID,
		OrderID:       p.OrderID,
		Reference:     p.Reference,
		Method:        p.Method,
		Amount:        p.Amount.StringFixed(2),
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		ExpiresAt:     p.ExpiresAt,
		PaidAt:        p.PaidAt,
		FailureReason: p.FailureReason,
		RefundedAt:    p.RefundedAt,
	}
	if p.RefundAmount.IsPositive() {
		out.RefundAmount = p.RefundAmount.StringFixed(2)
	}
	return out
}

// owns checks that orderID belongs to the caller.
func (h *PaymentsHandler) owns(w http.ResponseWriter, r *http.Request, orderID string) bool {
	user, ok := currentUser(w, r)
	if !ok {
		return false
	}
	o, err := h.Orders.FindByID(r.Context(), orderID)
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return false
	}
	if o.UserID != user.ID {
		writeError(w, http.StatusForbidden, codeForbidden, orders.ErrAccessDenied.Error())
		return false
	}
	return true
}

// ownedPayment loads the payment in the URL and checks its order belongs to
// the caller.
func (h *PaymentsHandler) ownedPayment(w http.ResponseWriter, r *http.Request) (payments.Payment, bool) {
	p, err := h.Payments.FindPaymentByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return payments.Payment{}, false
	}
	if !h.owns(w, r, p.OrderID) {
		return payments.Payment{}, false
	}
	return p, true
}

func (h *PaymentsHandler) createPayment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if !h.owns(w, r, orderID) {
		return
	}
	var req struct {
		Method            string `json:"method"`
		ExpirationMinutes int    `json:"expiration_minutes"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid json")
		return
	}
	p, err := h.Payments.CreatePayment(r.Context(), orderID, req.Method, time.Duration(req.ExpirationMinutes)*time.Minute)
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResp(p))
}

func (h *PaymentsHandler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedPayment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResp(p))
}

func (h *PaymentsHandler) attachTransaction(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedPayment(w, r)
	if !ok {
		return
	}
	var req struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid json")
		return
	}
	p, err := h.Payments.AttachTransaction(r.Context(), p.ID, req.TransactionID)
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResp(p))
}

func (h *PaymentsHandler) cancelPayment(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedPayment(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid json")
			return
		}
	}
	p, err := h.Payments.CancelPayment(r.Context(), p.ID, req.Reason)
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResp(p))
}

func (h *PaymentsHandler) refundPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Reason string          `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid json")
		return
	}
	p, err := h.Payments.RefundPayment(r.Context(), id, req.Amount, req.Reason)
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResp(p))
}

func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "unreadable body")
		return
	}
	if len(h.WebhookSecret) == 0 || !validSignature(h.WebhookSecret, raw, r.Header.Get("X-Signature")) {
		writeError(w, http.StatusUnauthorized, codeInvalidSignature, "invalid signature")
		return
	}

	cb, err := payments.ParseWebhook(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, err.Error())
		return
	}
	p, err := h.Payments.ProcessWebhook(r.Context(), cb.TransactionID, cb.Status, raw)
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"payment_id": p.ID, "status": string(p.Status)})
}

func validSignature(secret, body []byte, got string) bool {
	want, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil))
}
