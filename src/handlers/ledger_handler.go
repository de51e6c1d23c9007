// backend/src/handlers/ledger_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/username/parachute/backend/src/config"
	"github.com/username/parachute/backend/src/database"
	"github.com/username/parachute/backend/src/ledger"
	"github.com/username/parachute/backend/src/logger"
	"github.com/username/parachute/backend/src/utils"
)

// LedgerHandler exposes the token ledger: balances, allowances towards the
// market custody account, and the admin faucet/reserve plumbing.
type LedgerHandler struct {
	tokens ledger.TokenLedger
	pairs  *ledger.SQLPairFactory
}

func NewLedgerHandler(tokens ledger.TokenLedger, pairs *ledger.SQLPairFactory) *LedgerHandler {
	return &LedgerHandler{tokens: tokens, pairs: pairs}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, ledger.ErrUnknownToken):
		status, code = http.StatusBadRequest, "UNKNOWN_TOKEN"
	case errors.Is(err, ledger.ErrNegativeAmount):
		status, code = http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status, code = http.StatusConflict, "INSUFFICIENT_BALANCE"
	case errors.Is(err, ledger.ErrInsufficientAllowance):
		status, code = http.StatusConflict, "INSUFFICIENT_ALLOWANCE"
	case errors.Is(err, ledger.ErrPairNotFound):
		status, code = http.StatusNotFound, "PAIR_NOT_FOUND"
	default:
		logger.L.Error("Ledger operation failed", "error", err)
		utils.SendJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	utils.WriteJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

// configuredTokens lists the four ledgers the market operates against.
func configuredTokens() []string {
	return []string{
		config.Cfg.AssetToken,
		config.Cfg.PaymentToken,
		config.Cfg.SPTToken,
		config.Cfg.WETHToken,
	}
}

// HandleGetBalances returns the caller's balance and custody allowance for
// every configured token.
func (h *LedgerHandler) HandleGetBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		sendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	type tokenPosition struct {
		Token            string          `json:"token"`
		Balance          decimal.Decimal `json:"balance"`
		CustodyAllowance decimal.Decimal `json:"custody_allowance"`
	}
	positions := make([]tokenPosition, 0, 4)
	for _, token := range configuredTokens() {
		balance, err := h.tokens.BalanceOf(r.Context(), database.DB, token, userID)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		allowance, err := h.tokens.Allowance(r.Context(), database.DB, token, userID, ledger.CustodyAccount)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		positions = append(positions, tokenPosition{Token: token, Balance: balance, CustodyAllowance: allowance})
	}
	utils.WriteJSON(w, http.StatusOK, positions)
}

// HandleApprove grants the market custody account spending rights over the
// caller's tokens. Writers approve the asset before asking; holders approve
// the payment currency before exercising.
func (h *LedgerHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		sendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	var req struct {
		Token  string          `json:"token"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.tokens.Approve(r.Context(), database.DB, req.Token, userID, ledger.CustodyAccount, req.Amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	logger.FromContext(r.Context()).Info("Allowance set", "token", req.Token, "amount", req.Amount)
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"token":   req.Token,
		"owner":   userID,
		"spender": ledger.CustodyAccount,
		"amount":  req.Amount,
	})
}

// HandleFaucet mints tokens to an account. Admin only; this backend plays
// the token issuer.
func (h *LedgerHandler) HandleFaucet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token   string          `json:"token"`
		Account int64           `json:"account"`
		Amount  decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.tokens.Mint(r.Context(), database.DB, req.Token, req.Account, req.Amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	logger.FromContext(r.Context()).Info("Faucet mint", "token", req.Token, "account", req.Account, "amount", req.Amount)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetReserves overwrites a liquidity pool's reserves. Admin only; the
// pools are the price source for cash settlement.
func (h *LedgerHandler) HandleSetReserves(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenA   string          `json:"token_a"`
		TokenB   string          `json:"token_b"`
		ReserveA decimal.Decimal `json:"reserve_a"`
		ReserveB decimal.Decimal `json:"reserve_b"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.pairs.SetReserves(r.Context(), database.DB, req.TokenA, req.TokenB, req.ReserveA, req.ReserveB); err != nil {
		writeLedgerError(w, err)
		return
	}
	logger.FromContext(r.Context()).Info("Pool reserves set",
		"tokenA", req.TokenA, "tokenB", req.TokenB, "reserveA", req.ReserveA, "reserveB", req.ReserveB)
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetAdminStats reports aggregate market counters.
func (h *LedgerHandler) HandleGetAdminStats(w http.ResponseWriter, r *http.Request) {
	var users, openOptions, closedOptions, events int64
	row := database.DB.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM users`)
	if err := row.Scan(&users); err != nil {
		writeLedgerError(w, err)
		return
	}
	row = database.DB.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM options WHERE is_closed = 0`)
	if err := row.Scan(&openOptions); err != nil {
		writeLedgerError(w, err)
		return
	}
	row = database.DB.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM options WHERE is_closed = 1`)
	if err := row.Scan(&closedOptions); err != nil {
		writeLedgerError(w, err)
		return
	}
	row = database.DB.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM option_events`)
	if err := row.Scan(&events); err != nil {
		writeLedgerError(w, err)
		return
	}

	custody := make(map[string]decimal.Decimal, 4)
	for _, token := range configuredTokens() {
		balance, err := h.tokens.BalanceOf(r.Context(), database.DB, token, ledger.CustodyAccount)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		custody[token] = balance
	}

	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"users":            users,
		"open_options":     openOptions,
		"closed_options":   closedOptions,
		"events":           events,
		"custody_balances": custody,
	})
}
