package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"comandero/backend/internal/closing"
	"comandero/backend/internal/domain"
	"comandero/backend/internal/service"
	"comandero/backend/internal/store/memory"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()

	product, err := repo.CreateProduct(ctx, domain.Product{
		SKU:        "SKU-LOMO",
		Name:       "Lomo Saltado",
		Category:   "kitchen",
		PriceNet:   decimal.RequireFromString("21.19"),
		PriceGross: decimal.RequireFromString("25.00"),
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if _, err := repo.ReceiveBatch(ctx, domain.BarcodeBatch{ProductID: product.ID, Code: "7751234567890", Quantity: 100}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	for _, u := range []domain.UserAccount{
		{Username: "admin", Password: "admin-secret", Role: "admin", Active: true},
		{Username: "caja1", Password: "caja-secret", Role: "cashier", Active: true},
	} {
		if err := repo.CreateUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.Username, err)
		}
	}

	logger := quietLogger()
	svc := service.New(repo, logger, service.Options{})
	calc := closing.NewCalculator(repo, logger, decimal.RequireFromString("0.50"), time.UTC)
	sched := closing.NewScheduler(calc, logger, time.UTC, 23, 59, 20)
	auth := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, repo)
	api := New(svc, auth, sched, calc, nil, logger, "http://localhost:5173")
	return api, api.Handler()
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func csrfToken(t *testing.T, handler http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token: status %d", rec.Code)
	}
	var resp struct {
		Token string `json:"csrf_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}
	return resp.Token
}

func authedRequest(t *testing.T, handler http.Handler, method, path, token, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	_, handler := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status %d", rec.Code)
	}
}

func TestLoginAndCreateSale(t *testing.T) {
	_, handler := newTestAPI(t)
	token := login(t, handler, "admin", "admin-secret")
	csrf := csrfToken(t, handler)

	rec := authedRequest(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{Code: "7751234567890", Quantity: 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: status %d body %s", rec.Code, rec.Body.String())
	}

	var resp domain.CreateSaleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode sale response: %v", err)
	}
	if !resp.Sale.TotalGross.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("total: want 50.00, got %s", resp.Sale.TotalGross)
	}

	getRec := authedRequest(t, handler, http.MethodGet, "/api/v1/sales/"+resp.Sale.ID, token, "", nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get sale: status %d", getRec.Code)
	}
}

func TestMissingBearerRejected(t *testing.T) {
	_, handler := newTestAPI(t)
	csrf := csrfToken(t, handler)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", rec.Code)
	}
}

func TestCSRFRequiredForMutations(t *testing.T) {
	_, handler := newTestAPI(t)
	token := login(t, handler, "admin", "admin-secret")

	rec := authedRequest(t, handler, http.MethodPost, "/api/v1/sales", token, "", domain.CreateSaleRequest{
		PaymentMethod: "cash",
		Lines:         []domain.SaleLineRequest{{Code: "7751234567890", Quantity: 1}},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("mutation without CSRF token: want 403, got %d", rec.Code)
	}
}

func TestCashierCannotReceiveBatches(t *testing.T) {
	_, handler := newTestAPI(t)
	token := login(t, handler, "caja1", "caja-secret")
	csrf := csrfToken(t, handler)

	rec := authedRequest(t, handler, http.MethodPost, "/api/v1/batches", token, csrf, domain.BarcodeBatch{
		ProductID: "whatever",
		Code:      "123",
		Quantity:  5,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cashier on admin route: want 403, got %d", rec.Code)
	}
}

func TestAdminOnlyOperationMapsToForbidden(t *testing.T) {
	_, handler := newTestAPI(t)
	token := login(t, handler, "caja1", "caja-secret")
	csrf := csrfToken(t, handler)

	// The comanda routes admit cashiers, so this 403 comes from the
	// service-level admin gate rather than the route role check.
	rec := authedRequest(t, handler, http.MethodDelete, "/api/v1/comandas/cmd-123", token, csrf, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cashier delete: want 403, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestInvalidSalePayloadRejected(t *testing.T) {
	_, handler := newTestAPI(t)
	token := login(t, handler, "admin", "admin-secret")
	csrf := csrfToken(t, handler)

	rec := authedRequest(t, handler, http.MethodPost, "/api/v1/sales", token, csrf, map[string]any{
		"payment_method": "cash",
		"lines":          []any{},
		"bogus_field":    true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: want 400, got %d", rec.Code)
	}
}

func TestSaleMethodNotAllowed(t *testing.T) {
	_, handler := newTestAPI(t)
	token := login(t, handler, "admin", "admin-secret")

	rec := authedRequest(t, handler, http.MethodGet, "/api/v1/sales", token, "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("want 405, got %d", rec.Code)
	}
}

func TestComandaLookupByTable(t *testing.T) {
	_, handler := newTestAPI(t)
	token := login(t, handler, "admin", "admin-secret")
	csrf := csrfToken(t, handler)

	listRec := authedRequest(t, handler, http.MethodGet, "/api/v1/products", token, "", nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list products: %d", listRec.Code)
	}
	var listResp struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode products: %v", err)
	}
	if len(listResp.Products) == 0 {
		t.Fatalf("expected a seeded product")
	}

	saveRec := authedRequest(t, handler, http.MethodPut, "/api/v1/tables/7", token, csrf, domain.TableSaveRequest{
		Items: []domain.CartItem{{ProductID: listResp.Products[0].ID, Quantity: 2}},
	})
	if saveRec.Code != http.StatusOK {
		t.Fatalf("save table: %d body %s", saveRec.Code, saveRec.Body.String())
	}

	getRec := authedRequest(t, handler, http.MethodGet, "/api/v1/comandas/table/7", token, "", nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("comanda by table: %d body %s", getRec.Code, getRec.Body.String())
	}
	var getResp struct {
		Comanda domain.Comanda `json:"comanda"`
	}
	if err := json.Unmarshal(getRec.Body.Bytes(), &getResp); err != nil {
		t.Fatalf("decode comanda: %v", err)
	}
	if getResp.Comanda.Number != 7 || getResp.Comanda.Type != domain.ComandaDineIn {
		t.Fatalf("want dine-in ticket for table 7, got number=%d type=%s", getResp.Comanda.Number, getResp.Comanda.Type)
	}

	emptyRec := authedRequest(t, handler, http.MethodGet, "/api/v1/comandas/table/3", token, "", nil)
	if emptyRec.Code != http.StatusNotFound {
		t.Fatalf("idle table: want 404, got %d", emptyRec.Code)
	}

	badRec := authedRequest(t, handler, http.MethodGet, "/api/v1/comandas/table/99", token, "", nil)
	if badRec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range table: want 400, got %d", badRec.Code)
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	_, handler := newTestAPI(t)
	token := login(t, handler, "admin", "admin-secret")
	csrf := csrfToken(t, handler)

	statusRec := authedRequest(t, handler, http.MethodGet, "/api/v1/scheduler/status", token, "", nil)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("scheduler status: %d", statusRec.Code)
	}

	runRec := authedRequest(t, handler, http.MethodPost, "/api/v1/scheduler/run-for-date", token, csrf, map[string]string{"date": "2026-03-14"})
	if runRec.Code != http.StatusOK {
		t.Fatalf("run-for-date: %d body %s", runRec.Code, runRec.Body.String())
	}
	var runResp struct {
		Run closing.RunRecord `json:"run"`
	}
	if err := json.Unmarshal(runRec.Body.Bytes(), &runResp); err != nil {
		t.Fatalf("decode run response: %v", err)
	}
	if runResp.Run.Reason != closing.ReasonNoSales {
		t.Fatalf("empty day: want no_sales, got %s", runResp.Run.Reason)
	}

	logRec := authedRequest(t, handler, http.MethodGet, "/api/v1/scheduler/log", token, "", nil)
	if logRec.Code != http.StatusOK {
		t.Fatalf("scheduler log: %d", logRec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	_, handler := newTestAPI(t)

	var last int
	for i := 0; i < 6; i++ {
		body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: fmt.Sprintf("wrong-%d", i)})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "10.0.0.9:4242"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("sixth attempt: want 429, got %d", last)
	}
}
