// backend/src/ledger/ledger.go
package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
)

// CustodyAccount is the market's own account: escrowed collateral sits here
// between ask and settlement, and users approve it as the spender.
const CustodyAccount int64 = 0

var (
	ErrUnknownToken          = errors.New("unknown token")
	ErrNegativeAmount        = errors.New("amount must not be negative")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrPairNotFound          = errors.New("liquidity pair not found")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so ledger movements can join
// whatever transaction the caller is running.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TokenLedger is the fungible-token collaborator consumed by escrow and
// settlement: standard balance/transfer/approve semantics, each call
// all-or-nothing. Burn is the SPT premium sink; Mint is the faucet path.
type TokenLedger interface {
	BalanceOf(ctx context.Context, q DBTX, token string, account int64) (decimal.Decimal, error)
	Transfer(ctx context.Context, q DBTX, token string, from, to int64, amount decimal.Decimal) error
	TransferFrom(ctx context.Context, q DBTX, token string, owner, spender, to int64, amount decimal.Decimal) error
	Approve(ctx context.Context, q DBTX, token string, owner, spender int64, amount decimal.Decimal) error
	Allowance(ctx context.Context, q DBTX, token string, owner, spender int64) (decimal.Decimal, error)
	Mint(ctx context.Context, q DBTX, token string, to int64, amount decimal.Decimal) error
	Burn(ctx context.Context, q DBTX, token string, owner int64, amount decimal.Decimal) error
}

// LiquidityPair exposes a two-asset pool's reserves for price reads.
type LiquidityPair interface {
	Token0() string
	Token1() string
	GetReserves(ctx context.Context, q DBTX) (reserve0, reserve1 decimal.Decimal, err error)
}

// PairFactory resolves pairs by token, once at market construction.
type PairFactory interface {
	GetPair(ctx context.Context, q DBTX, tokenA, tokenB string) (LiquidityPair, error)
}
