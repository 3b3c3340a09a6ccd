package httpx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/catalog"
	"github.com/ariefcatur/go-credential-orders/internal/clock"
	"github.com/ariefcatur/go-credential-orders/internal/credentials"
	"github.com/ariefcatur/go-credential-orders/internal/identity"
	"github.com/ariefcatur/go-credential-orders/internal/memstore"
	"github.com/ariefcatur/go-credential-orders/internal/orders"
	"github.com/ariefcatur/go-credential-orders/internal/payments"
	"github.com/ariefcatur/go-credential-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

var (
	jwtSecret     = []byte("test-secret")
	webhookSecret = []byte("hook-secret")
)

// operator is the subject whose test token carries the admin role.
const operator = "ops"

type api struct {
	t       *testing.T
	handler http.Handler
	product catalog.Product
}

func newAPI(t *testing.T) *api {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memstore.New(clk)
	box, err := credentials.New(bytes.Repeat([]byte{3}, credentials.KeySize))
	if err != nil {
		t.Fatalf("credentials.New: %v", err)
	}

	p := store.AddProduct(catalog.Product{Name: "Game Key", Price: decimal.RequireFromString("20.00"), Active: true})
	for _, c := range []string{"KEY-1", "KEY-2"} {
		sealed, err := box.Encrypt(c)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		store.AddStock(p.ID, sealed)
	}

	ord := orders.NewService(store, store, store, clk, orders.WithLogger(quiet))
	pay := payments.NewService(store, ord, clk, payments.WithLogger(quiet))

	oh := &OrdersHandler{Orders: ord, Downloads: orders.NewDownloads(store, store, box), Logger: quiet}
	ph := &PaymentsHandler{Payments: pay, Orders: ord, WebhookSecret: webhookSecret, Logger: quiet}

	r := NewRouter()
	ph.RegisterWebhook(r)
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(jwtSecret))
		oh.Register(r)
		ph.Register(r)
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(identity.RoleAdmin))
			ph.RegisterAdmin(r)
		})
	})
	return &api{t: t, handler: r, product: p}
}

func token(t *testing.T, sub string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":      sub,
		"username": sub + "-name",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	if sub == operator {
		claims["role"] = identity.RoleAdmin
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func sign(body string) string {
	mac := hmac.New(sha256.New, webhookSecret)
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *api) do(method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	a.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(a.t, user))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestAuthenticate(t *testing.T) {
	a := newAPI(t)

	expectStatus(t, a.do(http.MethodGet, "/orders", "", ""), http.StatusUnauthorized)
	expectStatus(t, a.do(http.MethodGet, "/orders", "", "", "Authorization", "Bearer garbage"), http.StatusUnauthorized)

	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte("other"))
	expectStatus(t, a.do(http.MethodGet, "/orders", "", "", "Authorization", "Bearer "+forged), http.StatusUnauthorized)

	expectStatus(t, a.do(http.MethodGet, "/orders", "alice", ""), http.StatusOK)
	expectStatus(t, a.do(http.MethodGet, "/healthz", "", ""), http.StatusOK)
}

func TestCreateOrder_StatusCodes(t *testing.T) {
	a := newAPI(t)

	tests := []struct {
		name string
		body string
		want int
		code string
	}{
		{"invalid json", `{"items":`, http.StatusBadRequest, codeInvalidRequestBody},
		{"empty", `{"items":[]}`, http.StatusBadRequest, codeInvalidOrder},
		{"unknown product", `{"items":[{"product_id":"nope","quantity":1}]}`, http.StatusNotFound, codeNotFound},
		{"too many", `{"items":[{"product_id":"` + a.product.ID + `","quantity":3}]}`, http.StatusConflict, codeInsufficientStock},
		{"non positive line", `{"items":[{"product_id":"` + a.product.ID + `","quantity":-1},{"product_id":"` + a.product.ID + `","quantity":2}]}`, http.StatusBadRequest, codeInvalidOrder},
		{"ok", `{"items":[{"product_id":"` + a.product.ID + `","quantity":1}]}`, http.StatusCreated, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.do(http.MethodPost, "/orders", "alice", tc.body)
			expectStatus(t, rec, tc.want)
			if tc.code != "" {
				if got := decode[errorResponse](t, rec).Code; got != tc.code {
					t.Fatalf("expected code %q, got %q", tc.code, got)
				}
			}
		})
	}
}

func TestOrderAccessIsOwnerOnly(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodPost, "/orders", "alice", `{"items":[{"product_id":"`+a.product.ID+`","quantity":1}]}`)
	expectStatus(t, rec, http.StatusCreated)
	o := decode[orderResp](t, rec)

	expectStatus(t, a.do(http.MethodGet, "/orders/"+o.ID, "bob", ""), http.StatusForbidden)
	expectStatus(t, a.do(http.MethodPost, "/orders/"+o.ID+"/cancel", "bob", ""), http.StatusForbidden)
	expectStatus(t, a.do(http.MethodGet, "/orders/"+o.ID, "alice", ""), http.StatusOK)

	status := decode[map[string]any](t, a.do(http.MethodGet, "/orders/"+o.ID+"/status", "alice", ""))
	if status["status"] != "PENDING" {
		t.Fatalf("expected PENDING status, got %v", status["status"])
	}

	rec = a.do(http.MethodPost, "/orders/"+o.ID+"/cancel", "alice", `{"reason":"oops"}`)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[orderResp](t, rec); got.Status != "CANCELLED" || got.CancelReason != "oops" {
		t.Fatalf("unexpected cancel response %+v", got)
	}
	expectStatus(t, a.do(http.MethodPost, "/orders/"+o.ID+"/cancel", "alice", ""), http.StatusBadRequest)
}

func TestPaymentAndWebhookFlow(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodPost, "/orders", "alice", `{"items":[{"product_id":"`+a.product.ID+`","quantity":2}]}`)
	expectStatus(t, rec, http.StatusCreated)
	o := decode[orderResp](t, rec)

	expectStatus(t, a.do(http.MethodGet, "/orders/"+o.ID+"/download", "alice", ""), http.StatusBadRequest)

	rec = a.do(http.MethodPost, "/orders/"+o.ID+"/payments", "alice", `{"method":"card"}`)
	expectStatus(t, rec, http.StatusCreated)
	p := decode[paymentResp](t, rec)
	if p.Amount != "40.00" || p.Status != "PENDING" {
		t.Fatalf("unexpected payment %+v", p)
	}
	expectStatus(t, a.do(http.MethodPost, "/orders/"+o.ID+"/payments", "alice", `{"method":"card"}`), http.StatusConflict)
	expectStatus(t, a.do(http.MethodGet, "/payments/"+p.ID, "bob", ""), http.StatusForbidden)

	rec = a.do(http.MethodPost, "/payments/"+p.ID+"/transaction", "alice", `{"transaction_id":"gw-1"}`)
	expectStatus(t, rec, http.StatusOK)

	body := `{"transaction_id":"gw-1","status":"settlement"}`
	expectStatus(t, a.do(http.MethodPost, "/webhooks/payments", "", body, "X-Signature", "00"), http.StatusUnauthorized)
	expectStatus(t, a.do(http.MethodPost, "/webhooks/payments", "", body, "X-Signature", sign(body)), http.StatusOK)
	expectStatus(t, a.do(http.MethodPost, "/webhooks/payments", "", body, "X-Signature", sign(body)), http.StatusOK)

	failed := `{"transaction_id":"gw-1","status":"failed"}`
	expectStatus(t, a.do(http.MethodPost, "/webhooks/payments", "", failed, "X-Signature", sign(failed)), http.StatusConflict)

	unknown := `{"transaction_id":"gw-404","status":"success"}`
	expectStatus(t, a.do(http.MethodPost, "/webhooks/payments", "", unknown, "X-Signature", sign(unknown)), http.StatusUnprocessableEntity)

	weird := `{"transaction_id":"gw-1","status":"teleported"}`
	expectStatus(t, a.do(http.MethodPost, "/webhooks/payments", "", weird, "X-Signature", sign(weird)), http.StatusBadRequest)

	expectStatus(t, a.do(http.MethodGet, "/orders/"+o.ID+"/download", "bob", ""), http.StatusForbidden)
	rec = a.do(http.MethodGet, "/orders/"+o.ID+"/download", "alice", "")
	expectStatus(t, rec, http.StatusOK)
	got := decode[struct {
		Credentials map[string][]string `json:"credentials"`
	}](t, rec)
	keys := got.Credentials["Game Key"]
	if len(keys) != 2 || keys[0] != "KEY-1" || keys[1] != "KEY-2" {
		t.Fatalf("unexpected credentials %v", got.Credentials)
	}

	refund := `{"amount":"15.00","reason":"late"}`
	expectStatus(t, a.do(http.MethodPost, "/payments/"+p.ID+"/refund", "alice", refund), http.StatusNotFound)
	expectStatus(t, a.do(http.MethodPost, "/admin/payments/"+p.ID+"/refund", "alice", refund), http.StatusForbidden)
	rec = a.do(http.MethodPost, "/admin/payments/"+p.ID+"/refund", operator, refund)
	expectStatus(t, rec, http.StatusOK)
	if r := decode[paymentResp](t, rec); r.Status != "REFUNDED" || r.RefundAmount != "15.00" {
		t.Fatalf("unexpected refund %+v", r)
	}
}

func TestWebhook_RequiresSignature(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodPost, "/orders", "mallory", `{"items":[{"product_id":"`+a.product.ID+`","quantity":1}]}`)
	expectStatus(t, rec, http.StatusCreated)
	o := decode[orderResp](t, rec)
	rec = a.do(http.MethodPost, "/orders/"+o.ID+"/payments", "mallory", `{"method":"card"}`)
	expectStatus(t, rec, http.StatusCreated)
	p := decode[paymentResp](t, rec)
	expectStatus(t, a.do(http.MethodPost, "/payments/"+p.ID+"/transaction", "mallory", `{"transaction_id":"my-own-tx"}`), http.StatusOK)

	body := `{"transaction_id":"my-own-tx","status":"success"}`
	expectStatus(t, a.do(http.MethodPost, "/webhooks/payments", "", body), http.StatusUnauthorized)
	expectStatus(t, a.do(http.MethodGet, "/orders/"+o.ID+"/download", "mallory", ""), http.StatusBadRequest)

	// Without a configured secret nothing is accepted, not even a body
	// signed with the empty key.
	ph := &PaymentsHandler{Logger: log.New(io.Discard, "", 0)}
	r := NewRouter()
	ph.RegisterWebhook(r)
	unset := &api{t: t, handler: r}
	mac := hmac.New(sha256.New, nil)
	mac.Write([]byte(body))
	emptyKeySig := hex.EncodeToString(mac.Sum(nil))
	expectStatus(t, unset.do(http.MethodPost, "/webhooks/payments", "", body), http.StatusUnauthorized)
	expectStatus(t, unset.do(http.MethodPost, "/webhooks/payments", "", body, "X-Signature", emptyKeySig), http.StatusUnauthorized)
}

func TestValidSignature(t *testing.T) {
	if !validSignature(webhookSecret, []byte("x"), sign("x")) {
		t.Fatalf("expected matching signature to pass")
	}
	if validSignature(webhookSecret, []byte("y"), sign("x")) {
		t.Fatalf("expected signature of other body to fail")
	}
	if validSignature(webhookSecret, []byte("x"), "zz") {
		t.Fatalf("expected non hex signature to fail")
	}
}

type fakeStatusCache map[string]redisx.CachedStatus

func (c fakeStatusCache) GetStatus(_ context.Context, id string) (redisx.CachedStatus, bool, error) {
	cs, ok := c[id]
	return cs, ok, nil
}

type findOnly struct {
	OrderService
	order orders.Order
}

func (f findOnly) FindByID(context.Context, string) (orders.Order, error) { return f.order, nil }

func TestOrderStatus_CacheServesOwnerOnly(t *testing.T) {
	quiet := log.New(io.Discard, "", 0)
	oh := &OrdersHandler{
		Orders: findOnly{order: orders.Order{ID: "o-1", UserID: "alice", Status: orders.StatusProcessing}},
		Cache:  fakeStatusCache{"o-1": {UserID: "alice", Status: "COMPLETED"}},
		Logger: quiet,
	}
	r := NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(jwtSecret))
		oh.Register(r)
	})
	a := &api{t: t, handler: r}

	got := decode[map[string]any](t, a.do(http.MethodGet, "/orders/o-1/status", "alice", ""))
	if got["status"] != "COMPLETED" || got["cached"] != true {
		t.Fatalf("expected cached status for the owner, got %v", got)
	}
	expectStatus(t, a.do(http.MethodGet, "/orders/o-1/status", "bob", ""), http.StatusForbidden)
}
