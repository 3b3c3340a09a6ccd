package httpx

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/identity"
	"github.com/ariefcatur/go-credential-orders/internal/orders"
	"github.com/ariefcatur/go-credential-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
)

type OrderService interface {
	CreateOrder(ctx context.Context, user identity.User, quantities map[string]int) (orders.Order, error)
	FindByID(ctx context.Context, id string) (orders.Order, error)
	GetOrdersByUser(ctx context.Context, userID string, page, size int) (orders.Page, error)
	CancelOrderByUser(ctx context.Context, id string, user identity.User, reason string) (orders.Order, error)
}

type DownloadService interface {
	GetOrderDownloadInfo(ctx context.Context, orderID string, user identity.User) (map[string][]string, error)
}

type StatusReader interface {
	GetStatus(ctx context.Context, orderID string) (redisx.CachedStatus, bool, error)
}

type OrdersHandler struct {
	Orders    OrderService
	Downloads DownloadService
	Cache     StatusReader // optional
	Logger    *log.Logger
}

func (h *OrdersHandler) Register(r chi.Router) {
	if h.Logger == nil {
		h.Logger = log.New(os.Stderr, "http ", log.LstdFlags|log.LUTC)
	}
	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Get("/orders/{id}/download", h.download)
}

type createOrderReq struct {
	Items []struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	} `json:"items"`
}

type orderItemResp struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Category    string `json:"category,omitempty"`
	Price       string `json:"price"`
}

type orderResp struct {
	ID            string          `json:"id"`
	OrderNumber   string          `json:"order_number"`
	Status        string          `json:"status"`
	Total         string          `json:"total"`
	Items         []orderItemResp `json:"items"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func toOrderResp(o orders.Order) orderResp {
	items := make([]orderItemResp, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResp{
			ID:          it.ID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Category:    it.Category,
			Price:       it.Price.StringFixed(2),
		})
	}
	return orderResp{
		ID:            o.ID,
		OrderNumber:   o.Number,
		Status:        string(o.Status),
		Total:         o.Total.StringFixed(2),
		Items:         items,
		CancelReason:  o.CancelReason,
		FailureReason: o.FailureReason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
		CompletedAt:   o.CompletedAt,
	}
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req createOrderReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid json")
		return
	}

	quantities := make(map[string]int, len(req.Items))
	for _, it := range req.Items {
		if it.Quantity <= 0 {
			writeError(w, http.StatusBadRequest, codeInvalidOrder,
				fmt.Sprintf("invalid quantity %d for product %s", it.Quantity, it.ProductID))
			return
		}
		quantities[it.ProductID] += it.Quantity
	}

	o, err := h.Orders.CreateOrder(r.Context(), user, quantities)
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResp(o))
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	p, err := h.Orders.GetOrdersByUser(r.Context(), user.ID, page, size)
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	out := make([]orderResp, 0, len(p.Orders))
	for _, o := range p.Orders {
		out = append(out, toOrderResp(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": out,
		"page":   p.Page,
		"size":   p.Size,
		"total":  p.Total,
	})
}

// ownedOrder loads the order and checks it belongs to the caller.
func (h *OrdersHandler) ownedOrder(w http.ResponseWriter, r *http.Request) (orders.Order, bool) {
	user, ok := currentUser(w, r)
	if !ok {
		return orders.Order{}, false
	}
	o, err := h.Orders.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return orders.Order{}, false
	}
	if o.UserID != user.ID {
		writeError(w, http.StatusForbidden, codeForbidden, orders.ErrAccessDenied.Error())
		return orders.Order{}, false
	}
	return o, true
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

// getOrderStatus answers from the Redis cache when the entry belongs to the
// caller and falls back to the database otherwise.
func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.Cache != nil {
		user, ok := currentUser(w, r)
		if !ok {
			return
		}
		cs, hit, err := h.Cache.GetStatus(r.Context(), id)
		if err != nil {
			h.Logger.Printf("status cache read failed id=%s err=%v", id, err)
		} else if hit && cs.UserID == user.ID {
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": cs.Status, "cached": true})
			return
		}
	}
	o, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": o.ID, "status": o.Status, "cached": false})
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
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
	o, err := h.Orders.CancelOrderByUser(r.Context(), chi.URLParam(r, "id"), user, req.Reason)
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) download(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	info, err := h.Downloads.GetOrderDownloadInfo(r.Context(), chi.URLParam(r, "id"), user)
	if err != nil {
		writeServiceError(w, h.Logger, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{"credentials": info})
}
