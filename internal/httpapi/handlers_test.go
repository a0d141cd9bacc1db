package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"retailpos/backend/internal/cache"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/service"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/store/memory"
)

// newTestAPI builds a full API with the seeded in-memory store, a real
// AuthManager and a real Service so tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopReportCache{}, time.Minute)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

// doJSON sends an authenticated JSON request, adding a CSRF token for mutations.
func doJSON(t *testing.T, api *API, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method != http.MethodGet {
		req.Header.Set("X-CSRF-Token", fetchCSRFToken(t, api))
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.LoginResponse
	decodeBody(t, rec, &body)
	if body.AccessToken == "" {
		t.Fatalf("expected access_token in response, got %+v", body)
	}
	if body.User.Username != "admin" || body.User.Permissions != domain.PermAll {
		t.Fatalf("expected admin user with all permissions, got %+v", body.User)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Products []domain.Product `json:"products"`
	}
	decodeBody(t, rec, &body)
	if len(body.Products) != 6 {
		t.Fatalf("expected 6 seeded products, got %d", len(body.Products))
	}
}

func TestCashierCannotCreateProduct(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{Name: "Gum", PriceCents: 100})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCashierCannotReadReports(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/reports/low-stock", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRecordSaleAndFetchDetail(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/transactions", token, domain.SaleRequest{
		Items: []domain.SaleLine{
			{ProductID: 1, Quantity: 2, PriceCents: 500},
			{Name: "Carrier bag", Quantity: 1, PriceCents: 100},
		},
		Payments: []domain.Payment{{Method: domain.PaymentCash, AmountCents: 1100}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var created domain.SaleResponse
	decodeBody(t, rec, &created)
	if created.Sale.FinalTotalCents != 1100 || created.Sale.Status != domain.SaleStatusClosed {
		t.Fatalf("unexpected sale %+v", created.Sale)
	}

	detail := doJSON(t, api, http.MethodGet, "/api/v1/transactions/"+strconv.FormatInt(created.Sale.ID, 10), token, nil)
	if detail.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", detail.Code, detail.Body.String())
	}
	var fetched domain.SaleResponse
	decodeBody(t, detail, &fetched)
	if len(fetched.Sale.Items) != 2 || fetched.Sale.UserID != created.Sale.UserID {
		t.Fatalf("unexpected sale detail %+v", fetched.Sale)
	}

	missing := doJSON(t, api, http.MethodGet, "/api/v1/transactions/9999", token, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
	bad := doJSON(t, api, http.MethodGet, "/api/v1/transactions/abc", token, nil)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-numeric id, got %d", bad.Code)
	}
}

func TestRecordSaleStatusCodes(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	unknown := doJSON(t, api, http.MethodPost, "/api/v1/transactions", token, domain.SaleRequest{
		Items:    []domain.SaleLine{{ProductID: 999, Quantity: 1, PriceCents: 100}},
		Payments: []domain.Payment{{Method: domain.PaymentCard, AmountCents: 100}},
	})
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d", unknown.Code)
	}

	invalid := doJSON(t, api, http.MethodPost, "/api/v1/transactions", token, domain.SaleRequest{
		Items: []domain.SaleLine{{ProductID: 1, Quantity: 1, PriceCents: 500}},
	})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without payments, got %d", invalid.Code)
	}

	unknownField := doJSON(t, api, http.MethodPost, "/api/v1/transactions", token, map[string]any{"cart": []int{1}})
	if unknownField.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown field, got %d", unknownField.Code)
	}
}

func TestInventoryCountOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/inventory/counts/start", token, domain.InventoryCountStartRequest{CountType: "CATEGORY", CountScope: "Beverages"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var started domain.InventoryCountResponse
	decodeBody(t, rec, &started)
	if len(started.InventoryCount.Items) != 3 {
		t.Fatalf("expected 3 beverage items, got %d", len(started.InventoryCount.Items))
	}

	again := doJSON(t, api, http.MethodPost, "/api/v1/inventory/counts/start", token, domain.InventoryCountStartRequest{CountType: "ALL"})
	if again.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second count, got %d", again.Code)
	}

	item := started.InventoryCount.Items[0]
	counted := item.ExpectedQuantity - 2
	update := doJSON(t, api, http.MethodPut, fmt.Sprintf("/api/v1/inventory/count-items/%d", item.ID), token, domain.CountItemUpdateRequest{CountedQuantity: &counted})
	if update.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", update.Code, update.Body.String())
	}

	finalizePath := fmt.Sprintf("/api/v1/inventory/counts/%d/finalize", started.InventoryCount.ID)
	final := doJSON(t, api, http.MethodPost, finalizePath, token, nil)
	if final.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", final.Code, final.Body.String())
	}
	var result domain.InventoryFinalizeResponse
	decodeBody(t, final, &result)
	if result.TotalVarianceValueCents != -2*item.CostCents {
		t.Fatalf("expected variance value %d, got %d", -2*item.CostCents, result.TotalVarianceValueCents)
	}

	twice := doJSON(t, api, http.MethodPost, finalizePath, token, nil)
	if twice.Code != http.StatusConflict {
		t.Fatalf("expected 409 finalizing twice, got %d", twice.Code)
	}
	active := doJSON(t, api, http.MethodGet, "/api/v1/inventory/counts/active", token, nil)
	if active.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an active count, got %d", active.Code)
	}
}

func TestShiftCloseOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	missing := doJSON(t, api, http.MethodPost, "/api/v1/shifts/close", token, map[string]any{"actual_cash_cents": 100})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without actual card amount, got %d", missing.Code)
	}

	rec := doJSON(t, api, http.MethodPost, "/api/v1/shifts/close", token, map[string]any{"actual_cash_cents": 0, "actual_card_cents": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.ShiftResponse
	decodeBody(t, rec, &resp)
	if resp.Shift.Status != domain.ShiftStatusClosed || resp.Shift.Username != "cashier" {
		t.Fatalf("unexpected shift %+v", resp.Shift)
	}
}

func TestReportsOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	noDates := doJSON(t, api, http.MethodGet, "/api/v1/reports/summary", token, nil)
	if noDates.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without dates, got %d", noDates.Code)
	}

	summary := doJSON(t, api, http.MethodGet, "/api/v1/reports/summary?start_date=2026-01-01&end_date=2026-01-31", token, nil)
	if summary.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", summary.Code, summary.Body.String())
	}

	lowStock := doJSON(t, api, http.MethodGet, "/api/v1/reports/low-stock", token, nil)
	if lowStock.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", lowStock.Code)
	}
	var low domain.LowStockResponse
	decodeBody(t, lowStock, &low)
	if len(low.Items) != 2 || low.Items[0].Name != "Instant Coffee Sachet" {
		t.Fatalf("expected coffee and soap below minimum, got %+v", low.Items)
	}

	sold := doJSON(t, api, http.MethodGet, "/api/v1/reports/sold-products?page=1&perPage=10", token, nil)
	if sold.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", sold.Code)
	}

	history := doJSON(t, api, http.MethodGet, "/api/v1/products/404/history", token, nil)
	if history.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product history, got %d", history.Code)
	}
}

func TestHandleUsersCreatesCashier(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/users", token, domain.UserCreateRequest{Username: "night01", Password: "secret1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	loginAs(t, api, "night01", "secret1")

	dup := doJSON(t, api, http.MethodPost, "/api/v1/users", token, domain.UserCreateRequest{Username: "night01", Password: "secret1"})
	if dup.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate username, got %d", dup.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/returns", token, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", store.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("row: %w", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("dup: %w", store.ErrConflict), http.StatusConflict},
		{service.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("%w: sell", service.ErrForbidden), http.StatusForbidden},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestInternalErrorsAreNotEchoed(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, errors.New("pq: relation \"transactions\" does not exist"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != "internal server error" {
		t.Fatalf("expected generic message, got %q", body["error"])
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes.
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}

func TestPurchaseHistoryOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/suppliers", token, domain.SupplierCreateRequest{Name: "Acme Drinks"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Supplier domain.Supplier `json:"supplier"`
	}
	decodeBody(t, rec, &created)

	rec = doJSON(t, api, http.MethodPost, "/api/v1/purchases", token, domain.PurchaseRequest{
		SupplierID: created.Supplier.ID,
		Items:      []domain.PurchaseLine{{ProductID: 1, Quantity: 24, CostPriceCents: 250}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var purchase domain.PurchaseResponse
	decodeBody(t, rec, &purchase)

	list := doJSON(t, api, http.MethodGet, "/api/v1/purchases", token, nil)
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", list.Code, list.Body.String())
	}
	var listed struct {
		Purchases []domain.PurchaseSummary `json:"purchases"`
	}
	decodeBody(t, list, &listed)
	if len(listed.Purchases) != 1 || listed.Purchases[0].SupplierName != "Acme Drinks" || listed.Purchases[0].TotalAmountCents != 6000 {
		t.Fatalf("unexpected purchase list %+v", listed.Purchases)
	}

	search := doJSON(t, api, http.MethodGet, "/api/v1/purchases/search?type=productBarcode&term=1001", token, nil)
	if search.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", search.Code, search.Body.String())
	}
	var found struct {
		Purchases []domain.PurchaseSummary `json:"purchases"`
	}
	decodeBody(t, search, &found)
	if len(found.Purchases) != 1 || found.Purchases[0].ID != purchase.Purchase.ID {
		t.Fatalf("expected the purchase by barcode, got %+v", found.Purchases)
	}

	badType := doJSON(t, api, http.MethodGet, "/api/v1/purchases/search?type=color&term=red", token, nil)
	if badType.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown search type, got %d", badType.Code)
	}

	detail := doJSON(t, api, http.MethodGet, "/api/v1/purchases/"+strconv.FormatInt(purchase.Purchase.ID, 10), token, nil)
	if detail.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", detail.Code, detail.Body.String())
	}
	var fetched struct {
		Purchase domain.PurchaseDetail `json:"purchase"`
	}
	decodeBody(t, detail, &fetched)
	if len(fetched.Purchase.Items) != 1 || fetched.Purchase.Items[0].ProductName != "Mineral Water 600ml" || fetched.Purchase.Items[0].Quantity != 24 {
		t.Fatalf("unexpected purchase detail %+v", fetched.Purchase)
	}

	if missing := doJSON(t, api, http.MethodGet, "/api/v1/purchases/9999", token, nil); missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}

	cashier := loginAs(t, api, "cashier", "cashier123")
	if denied := doJSON(t, api, http.MethodGet, "/api/v1/purchases", cashier, nil); denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", denied.Code)
	}
}

func TestTransactionSearchAndLedgerOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodPost, "/api/v1/transactions", token, domain.SaleRequest{
		Items:    []domain.SaleLine{{ProductID: 2, Quantity: 1, PriceCents: 900}},
		Payments: []domain.Payment{{Method: domain.PaymentCash, AmountCents: 900}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created domain.SaleResponse
	decodeBody(t, rec, &created)

	search := doJSON(t, api, http.MethodGet, "/api/v1/transactions/search?id="+strconv.FormatInt(created.Sale.ID, 10), token, nil)
	if search.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", search.Code, search.Body.String())
	}
	var found struct {
		Sales []domain.Sale `json:"sales"`
	}
	decodeBody(t, search, &found)
	if len(found.Sales) != 1 || found.Sales[0].ID != created.Sale.ID || len(found.Sales[0].Items) != 1 {
		t.Fatalf("unexpected search result %+v", found.Sales)
	}

	for _, path := range []string{
		"/api/v1/transactions/search?id=abc",
		"/api/v1/transactions/search?start_date=2026-03-01",
		"/api/v1/transactions/search?start_date=03/01/2026&end_date=03/02/2026",
	} {
		if bad := doJSON(t, api, http.MethodGet, path, token, nil); bad.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, bad.Code)
		}
	}

	ledger := doJSON(t, api, http.MethodGet, "/api/v1/all-transactions?limit=10", token, nil)
	if ledger.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", ledger.Code, ledger.Body.String())
	}
	var entries struct {
		Entries []domain.LedgerEntry `json:"entries"`
	}
	decodeBody(t, ledger, &entries)
	if len(entries.Entries) != 1 || entries.Entries[0].Type != domain.LedgerSale || entries.Entries[0].AmountCents != 900 {
		t.Fatalf("unexpected ledger %+v", entries.Entries)
	}

	cashier := loginAs(t, api, "cashier", "cashier123")
	if denied := doJSON(t, api, http.MethodGet, "/api/v1/all-transactions", cashier, nil); denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", denied.Code)
	}
}

func TestSoldProductsHugePageIsRejected(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, api, http.MethodGet, "/api/v1/reports/sold-products?page=288230376151711745&perPage=50", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an overflowing page, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}
