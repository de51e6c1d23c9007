// backend/src/handlers/market_handler_test.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/username/parachute/backend/src/ledger"
	"github.com/username/parachute/backend/src/logger"
	"github.com/username/parachute/backend/src/models"
	"github.com/username/parachute/backend/src/services"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

// stubMarket satisfies services.MarketService with canned results so handler
// behavior can be tested without a database.
type stubMarket struct {
	option     models.Option
	payout     decimal.Decimal
	err        error
	cashCalls  []bool
	lastCaller int64
}

func (s *stubMarket) Ask(ctx context.Context, writer int64, assetAmount, strike, premium decimal.Decimal, expiry int64) (models.Option, error) {
	s.lastCaller = writer
	return s.option, s.err
}

func (s *stubMarket) BulkAsk(ctx context.Context, writer int64, assetAmounts, strikes, premiums []decimal.Decimal, expiries []int64) ([]models.Option, error) {
	s.lastCaller = writer
	if s.err != nil {
		return nil, s.err
	}
	return []models.Option{s.option}, nil
}

func (s *stubMarket) Cancel(ctx context.Context, caller, id int64) error {
	s.lastCaller = caller
	return s.err
}

func (s *stubMarket) Buy(ctx context.Context, buyer, id int64) error {
	s.lastCaller = buyer
	return s.err
}

func (s *stubMarket) Exercise(ctx context.Context, caller, id int64) error {
	s.lastCaller = caller
	return s.err
}

func (s *stubMarket) CashClose(ctx context.Context, caller, id int64, cashSettle bool) (decimal.Decimal, error) {
	s.lastCaller = caller
	s.cashCalls = append(s.cashCalls, cashSettle)
	return s.payout, s.err
}

func (s *stubMarket) ReturnExpired(ctx context.Context, caller, id int64) error {
	s.lastCaller = caller
	return s.err
}

func (s *stubMarket) GetOption(id int64) (models.Option, error) { return s.option, s.err }
func (s *stubMarket) ListActive() []models.Option               { return []models.Option{s.option} }
func (s *stubMarket) ListOwned(holder int64) []models.Option    { return nil }

func (s *stubMarket) FindByTerms(assetAmount, strike, premium decimal.Decimal, expiry int64) []models.Option {
	return nil
}

func (s *stubMarket) Spot(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(8), s.err
}

func (s *stubMarket) OptionEvents(ctx context.Context, optionID int64) ([]models.OptionEvent, error) {
	return nil, s.err
}

func (s *stubMarket) RecentEvents(ctx context.Context, limit int) ([]models.OptionEvent, error) {
	return nil, s.err
}

// marketRouter mounts the market routes the way main does, with a fixed
// authenticated user instead of the JWT middleware.
func marketRouter(stub *stubMarket, userID int64) http.Handler {
	h := NewMarketHandler(stub)
	r := chi.NewRouter()
	if userID != 0 {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctx := context.WithValue(req.Context(), userIDContextKey, userID)
				next.ServeHTTP(w, req.WithContext(ctx))
			})
		})
	}
	r.Post("/options", h.HandleAsk)
	r.Post("/options/bulk", h.HandleBulkAsk)
	r.Post("/options/{id}/cancel", h.HandleCancel)
	r.Post("/options/{id}/buy", h.HandleBuy)
	r.Post("/options/{id}/exercise", h.HandleExercise)
	r.Post("/options/{id}/cash-close", h.HandleCashClose)
	r.Post("/options/{id}/reclaim", h.HandleReclaim)
	r.Get("/options/{id}", h.HandleGetOption)
	r.Get("/options", h.HandleListActive)
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHandleAskCreatesOption(t *testing.T) {
	stub := &stubMarket{option: models.Option{ID: 7, Writer: 42, IsOpenForSale: true}}
	router := marketRouter(stub, 42)

	rr := doJSON(t, router, http.MethodPost, "/options",
		`{"asset_amount":"10","strike":"5","premium":"2","expiry":2000000000}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", rr.Code, rr.Body)
	}
	if stub.lastCaller != 42 {
		t.Fatalf("writer = %d, want the authenticated user", stub.lastCaller)
	}
	var opt models.Option
	if err := json.Unmarshal(rr.Body.Bytes(), &opt); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if opt.ID != 7 {
		t.Fatalf("option id = %d, want 7", opt.ID)
	}
}

func TestHandleAskRequiresAuth(t *testing.T) {
	router := marketRouter(&stubMarket{}, 0)
	rr := doJSON(t, router, http.MethodPost, "/options", `{"asset_amount":"10"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestMarketErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
		{services.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED"},
		{services.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{services.ErrInvalidState, http.StatusConflict, "INVALID_STATE"},
		{services.ErrExpired, http.StatusConflict, "EXPIRED"},
		{services.ErrNotYetExpired, http.StatusConflict, "NOT_YET_EXPIRED"},
		{services.ErrOracleUnavailable, http.StatusServiceUnavailable, "ORACLE_UNAVAILABLE"},
		{ledger.ErrInsufficientBalance, http.StatusConflict, "INSUFFICIENT_BALANCE"},
		{ledger.ErrInsufficientAllowance, http.StatusConflict, "INSUFFICIENT_ALLOWANCE"},
	}
	for _, tc := range cases {
		router := marketRouter(&stubMarket{err: tc.err}, 42)
		rr := doJSON(t, router, http.MethodPost, "/options/1/buy", "")
		if rr.Code != tc.status {
			t.Errorf("%v: status = %d, want %d", tc.err, rr.Code, tc.status)
			continue
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Errorf("%v: decoding body: %v", tc.err, err)
			continue
		}
		if body["code"] != tc.code {
			t.Errorf("%v: code = %q, want %q", tc.err, body["code"], tc.code)
		}
	}
}

func TestUnknownErrorIsOpaque500(t *testing.T) {
	router := marketRouter(&stubMarket{err: errors.New("disk on fire")}, 42)
	rr := doJSON(t, router, http.MethodPost, "/options/1/exercise", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "disk on fire") {
		t.Fatal("internal error detail leaked to the client")
	}
}

func TestHandleCashCloseDefaultsToCash(t *testing.T) {
	stub := &stubMarket{payout: decimal.NewFromInt(30)}
	router := marketRouter(stub, 42)

	// Empty body selects cash settlement.
	rr := doJSON(t, router, http.MethodPost, "/options/3/cash-close", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rr.Code, rr.Body)
	}
	// Explicit physical mode.
	rr = doJSON(t, router, http.MethodPost, "/options/3/cash-close", `{"cash":false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if len(stub.cashCalls) != 2 || !stub.cashCalls[0] || stub.cashCalls[1] {
		t.Fatalf("cash flags = %v, want [true false]", stub.cashCalls)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["payout"] != "30" {
		t.Fatalf("payout = %v, want \"30\"", body["payout"])
	}
}

func TestInvalidOptionIDIs400(t *testing.T) {
	router := marketRouter(&stubMarket{}, 42)
	for _, path := range []string{"/options/abc/buy", "/options/abc/cancel", "/options/abc/reclaim"} {
		rr := doJSON(t, router, http.MethodPost, path, "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rr.Code)
		}
	}
}
