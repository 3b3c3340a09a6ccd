package httpx

import (
	"errors"
	"log"
	"net/http"

	"github.com/ariefcatur/go-credential-orders/internal/catalog"
	"github.com/ariefcatur/go-credential-orders/internal/lifecycle"
	"github.com/ariefcatur/go-credential-orders/internal/orders"
	"github.com/ariefcatur/go-credential-orders/internal/payments"
	"github.com/ariefcatur/go-credential-orders/internal/stock"
)

const (
	codeInvalidRequestBody   = "invalid_request_body"
	codeUnauthorized         = "unauthorized"
	codeForbidden            = "forbidden"
	codeNotFound             = "not_found"
	codeInsufficientStock    = "insufficient_stock"
	codeInvalidOrder         = "invalid_order"
	codeInvalidOrderStatus   = "invalid_order_status"
	codeInvalidPayment       = "invalid_payment"
	codeInvalidPaymentStatus = "invalid_payment_status"
	codePaymentExists        = "payment_already_exists"
	codeWebhookProcessing    = "webhook_processing"
	codeWebhookConflict      = "webhook_conflict"
	codeInvalidSignature     = "invalid_signature"
	codeConflict             = "conflict"
	codeInternalError        = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{stock.ErrInsufficientStock, http.StatusConflict, codeInsufficientStock},
	{orders.ErrInvalidOrder, http.StatusBadRequest, codeInvalidOrder},
	{orders.ErrInvalidOrderStatus, http.StatusBadRequest, codeInvalidOrderStatus},
	{orders.ErrAccessDenied, http.StatusForbidden, codeForbidden},
	{orders.ErrOrderNotFound, http.StatusNotFound, codeNotFound},
	{orders.ErrReservationLost, http.StatusConflict, codeConflict},
	{catalog.ErrProductNotFound, http.StatusNotFound, codeNotFound},
	{payments.ErrPaymentNotFound, http.StatusNotFound, codeNotFound},
	{payments.ErrPaymentAlreadyExists, http.StatusConflict, codePaymentExists},
	{payments.ErrInvalidPayment, http.StatusBadRequest, codeInvalidPayment},
	{payments.ErrInvalidPaymentStatus, http.StatusBadRequest, codeInvalidPaymentStatus},
	{payments.ErrWebhookConflict, http.StatusConflict, codeWebhookConflict},
	{payments.ErrWebhookProcessing, http.StatusUnprocessableEntity, codeWebhookProcessing},
	{lifecycle.ErrVersionConflict, http.StatusConflict, codeConflict},
	{stock.ErrAlreadySold, http.StatusConflict, codeConflict},
}

// writeServiceError maps a service error to its status. Unknown errors are
// logged and hidden behind a 500.
func writeServiceError(w http.ResponseWriter, logger *log.Logger, err error) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			writeError(w, e.status, e.code, err.Error())
			return
		}
	}
	logger.Printf("internal error: %v", err)
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
