// backend/src/handlers/market_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/username/parachute/backend/src/ledger"
	"github.com/username/parachute/backend/src/logger"
	"github.com/username/parachute/backend/src/services"
	"github.com/username/parachute/backend/src/utils"
)

type MarketHandler struct {
	market services.MarketService
}

func NewMarketHandler(market services.MarketService) *MarketHandler {
	return &MarketHandler{market: market}
}

type askRequest struct {
	AssetAmount decimal.Decimal `json:"asset_amount"`
	Strike      decimal.Decimal `json:"strike"`
	Premium     decimal.Decimal `json:"premium"`
	Expiry      int64           `json:"expiry"`
}

type bulkAskRequest struct {
	AssetAmounts []decimal.Decimal `json:"asset_amounts"`
	Strikes      []decimal.Decimal `json:"strikes"`
	Premiums     []decimal.Decimal `json:"premiums"`
	Expiries     []int64           `json:"expiries"`
}

// writeMarketError maps market error kinds onto HTTP statuses and stable
// machine codes.
func writeMarketError(w http.ResponseWriter, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		status, code = http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, services.ErrUnauthorized):
		status, code = http.StatusForbidden, "UNAUTHORIZED"
	case errors.Is(err, services.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, services.ErrInvalidState):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, services.ErrExpired):
		status, code = http.StatusConflict, "EXPIRED"
	case errors.Is(err, services.ErrNotYetExpired):
		status, code = http.StatusConflict, "NOT_YET_EXPIRED"
	case errors.Is(err, services.ErrOracleUnavailable):
		status, code = http.StatusServiceUnavailable, "ORACLE_UNAVAILABLE"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status, code = http.StatusConflict, "INSUFFICIENT_BALANCE"
	case errors.Is(err, ledger.ErrInsufficientAllowance):
		status, code = http.StatusConflict, "INSUFFICIENT_ALLOWANCE"
	default:
		logger.L.Error("Market operation failed", "error", err)
		utils.SendJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func optionIDFromURL(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (h *MarketHandler) HandleAsk(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		sendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	opt, err := h.market.Ask(r.Context(), userID, req.AssetAmount, req.Strike, req.Premium, req.Expiry)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, opt)
}

func (h *MarketHandler) HandleBulkAsk(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		sendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	var req bulkAskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	opts, err := h.market.BulkAsk(r.Context(), userID, req.AssetAmounts, req.Strikes, req.Premiums, req.Expiries)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, opts)
}

func (h *MarketHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		sendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	id, err := optionIDFromURL(r)
	if err != nil {
		sendJSONError(w, "Invalid option id", http.StatusBadRequest)
		return
	}
	if err := h.market.Cancel(r.Context(), userID, id); err != nil {
		writeMarketError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MarketHandler) HandleBuy(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		sendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	id, err := optionIDFromURL(r)
	if err != nil {
		sendJSONError(w, "Invalid option id", http.StatusBadRequest)
		return
	}
	if err := h.market.Buy(r.Context(), userID, id); err != nil {
		writeMarketError(w, err)
		return
	}
	opt, err := h.market.GetOption(id)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, opt)
}

func (h *MarketHandler) HandleExercise(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		sendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	id, err := optionIDFromURL(r)
	if err != nil {
		sendJSONError(w, "Invalid option id", http.StatusBadRequest)
		return
	}
	if err := h.market.Exercise(r.Context(), userID, id); err != nil {
		writeMarketError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MarketHandler) HandleCashClose(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		sendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	id, err := optionIDFromURL(r)
	if err != nil {
		sendJSONError(w, "Invalid option id", http.StatusBadRequest)
		return
	}

	// Cash settlement unless the caller explicitly selects the physical mode.
	req := struct {
		Cash *bool `json:"cash"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		sendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	cashSettle := req.Cash == nil || *req.Cash

	payout, err := h.market.CashClose(r.Context(), userID, id, cashSettle)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"option_id": id,
		"cash":      cashSettle,
		"payout":    payout,
	})
}

func (h *MarketHandler) HandleReclaim(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		sendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	id, err := optionIDFromURL(r)
	if err != nil {
		sendJSONError(w, "Invalid option id", http.StatusBadRequest)
		return
	}
	if err := h.market.ReturnExpired(r.Context(), userID, id); err != nil {
		writeMarketError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MarketHandler) HandleGetOption(w http.ResponseWriter, r *http.Request) {
	id, err := optionIDFromURL(r)
	if err != nil {
		sendJSONError(w, "Invalid option id", http.StatusBadRequest)
		return
	}
	opt, err := h.market.GetOption(id)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, opt)
}

func (h *MarketHandler) HandleListActive(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, h.market.ListActive())
}

func (h *MarketHandler) HandleListOwned(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		sendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	utils.WriteJSON(w, http.StatusOK, h.market.ListOwned(userID))
}

// HandleSearch finds open asks matching all four terms exactly.
func (h *MarketHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	assetAmount, err := decimal.NewFromString(q.Get("asset_amount"))
	if err != nil {
		sendJSONError(w, "Invalid asset_amount", http.StatusBadRequest)
		return
	}
	strike, err := decimal.NewFromString(q.Get("strike"))
	if err != nil {
		sendJSONError(w, "Invalid strike", http.StatusBadRequest)
		return
	}
	premium, err := decimal.NewFromString(q.Get("premium"))
	if err != nil {
		sendJSONError(w, "Invalid premium", http.StatusBadRequest)
		return
	}
	expiry, err := strconv.ParseInt(q.Get("expiry"), 10, 64)
	if err != nil {
		sendJSONError(w, "Invalid expiry", http.StatusBadRequest)
		return
	}
	utils.WriteJSON(w, http.StatusOK, h.market.FindByTerms(assetAmount, strike, premium, expiry))
}

func (h *MarketHandler) HandleSpot(w http.ResponseWriter, r *http.Request) {
	spot, err := h.market.Spot(r.Context())
	if err != nil {
		writeMarketError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{"spot": spot})
}

func (h *MarketHandler) HandleOptionEvents(w http.ResponseWriter, r *http.Request) {
	id, err := optionIDFromURL(r)
	if err != nil {
		sendJSONError(w, "Invalid option id", http.StatusBadRequest)
		return
	}
	events, err := h.market.OptionEvents(r.Context(), id)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, events)
}

func (h *MarketHandler) HandleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.market.RecentEvents(r.Context(), limit)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, events)
}
