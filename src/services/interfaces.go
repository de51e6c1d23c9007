// backend/src/services/interfaces.go
package services

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/username/parachute/backend/src/ledger"
	"github.com/username/parachute/backend/src/models"
)

// Market error kinds. Handlers map these onto HTTP statuses and stable
// machine codes so API clients can tell "too late to exercise" from "not
// your option".
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("caller not authorized for this option")
	ErrInvalidState      = errors.New("option not in required state")
	ErrExpired           = errors.New("option expired")
	ErrNotYetExpired     = errors.New("option not yet expired")
	ErrNotFound          = errors.New("option not found")
	ErrOracleUnavailable = errors.New("price oracle unavailable")
)

// MarketService is the options lifecycle state machine. Every mutating call
// is atomic: the registry row, the escrow movement and the audit event
// commit together or the call fails with no effect.
type MarketService interface {
	Ask(ctx context.Context, writer int64, assetAmount, strike, premium decimal.Decimal, expiry int64) (models.Option, error)
	BulkAsk(ctx context.Context, writer int64, assetAmounts, strikes, premiums []decimal.Decimal, expiries []int64) ([]models.Option, error)
	Cancel(ctx context.Context, caller, id int64) error
	Buy(ctx context.Context, buyer, id int64) error
	Exercise(ctx context.Context, caller, id int64) error
	// CashClose settles with cash when cashSettle is true, otherwise it is
	// the physical path with the cash flag recorded as false. Returns the
	// payout paid to the holder (zero for physical or out-of-the-money).
	CashClose(ctx context.Context, caller, id int64, cashSettle bool) (decimal.Decimal, error)
	ReturnExpired(ctx context.Context, caller, id int64) error

	GetOption(id int64) (models.Option, error)
	ListActive() []models.Option
	ListOwned(holder int64) []models.Option
	FindByTerms(assetAmount, strike, premium decimal.Decimal, expiry int64) []models.Option
	Spot(ctx context.Context) (decimal.Decimal, error)
	OptionEvents(ctx context.Context, optionID int64) ([]models.OptionEvent, error)
	RecentEvents(ctx context.Context, limit int) ([]models.OptionEvent, error)
}

// PriceOracle reads the spot exchange rate (payment currency per unit of
// base asset) from the configured liquidity pools.
type PriceOracle interface {
	SpotPrice(ctx context.Context, q ledger.DBTX) (decimal.Decimal, error)
	// CashCloseEnabled reports whether a price route was resolved at
	// construction time.
	CashCloseEnabled() bool
}
