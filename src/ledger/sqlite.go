// backend/src/ledger/sqlite.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SQLLedger keeps every token ledger in the tokens/balances/allowances
// tables. Amounts are stored as decimal strings; all arithmetic happens in
// Go so no precision is lost to SQLite's float affinity.
type SQLLedger struct{}

func NewSQLLedger() *SQLLedger {
	return &SQLLedger{}
}

// EnsureToken registers a token ledger if it does not exist yet. Called at
// startup for the four configured tokens.
func (l *SQLLedger) EnsureToken(ctx context.Context, q DBTX, symbol, name string, decimals int) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tokens (symbol, name, decimals) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO NOTHING`, symbol, name, decimals)
	return err
}

func (l *SQLLedger) tokenExists(ctx context.Context, q DBTX, token string) error {
	var symbol string
	err := q.QueryRowContext(ctx, `SELECT symbol FROM tokens WHERE symbol = ?`, token).Scan(&symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	return err
}

func (l *SQLLedger) BalanceOf(ctx context.Context, q DBTX, token string, account int64) (decimal.Decimal, error) {
	if err := l.tokenExists(ctx, q, token); err != nil {
		return decimal.Zero, err
	}
	var amountStr string
	err := q.QueryRowContext(ctx, `
		SELECT amount FROM balances WHERE token = ? AND account = ?`, token, account).Scan(&amountStr)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(amountStr)
}

func (l *SQLLedger) setBalance(ctx context.Context, q DBTX, token string, account int64, amount decimal.Decimal) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO balances (token, account, amount) VALUES (?, ?, ?)
		ON CONFLICT(token, account) DO UPDATE SET amount = excluded.amount`,
		token, account, amount.String())
	return err
}

func (l *SQLLedger) Transfer(ctx context.Context, q DBTX, token string, from, to int64, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	balance, err := l.BalanceOf(ctx, q, token, from)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: %s account %d has %s, needs %s", ErrInsufficientBalance, token, from, balance, amount)
	}
	if from == to || amount.IsZero() {
		return nil
	}
	if err := l.setBalance(ctx, q, token, from, balance.Sub(amount)); err != nil {
		return err
	}
	toBalance, err := l.BalanceOf(ctx, q, token, to)
	if err != nil {
		return err
	}
	return l.setBalance(ctx, q, token, to, toBalance.Add(amount))
}

func (l *SQLLedger) Allowance(ctx context.Context, q DBTX, token string, owner, spender int64) (decimal.Decimal, error) {
	if err := l.tokenExists(ctx, q, token); err != nil {
		return decimal.Zero, err
	}
	var amountStr string
	err := q.QueryRowContext(ctx, `
		SELECT amount FROM allowances WHERE token = ? AND owner = ? AND spender = ?`,
		token, owner, spender).Scan(&amountStr)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(amountStr)
}

func (l *SQLLedger) Approve(ctx context.Context, q DBTX, token string, owner, spender int64, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	if err := l.tokenExists(ctx, q, token); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO allowances (token, owner, spender, amount) VALUES (?, ?, ?, ?)
		ON CONFLICT(token, owner, spender) DO UPDATE SET amount = excluded.amount`,
		token, owner, spender, amount.String())
	return err
}

// TransferFrom spends the owner's allowance granted to spender, then moves
// the funds. The allowance decreases by the transferred amount.
func (l *SQLLedger) TransferFrom(ctx context.Context, q DBTX, token string, owner, spender, to int64, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	allowance, err := l.Allowance(ctx, q, token, owner, spender)
	if err != nil {
		return err
	}
	if allowance.LessThan(amount) {
		return fmt.Errorf("%w: %s owner %d approved %s to spender %d, needs %s",
			ErrInsufficientAllowance, token, owner, allowance, spender, amount)
	}
	if err := l.Transfer(ctx, q, token, owner, to, amount); err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE allowances SET amount = ? WHERE token = ? AND owner = ? AND spender = ?`,
		allowance.Sub(amount).String(), token, owner, spender)
	return err
}

func (l *SQLLedger) Mint(ctx context.Context, q DBTX, token string, to int64, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	if err := l.tokenExists(ctx, q, token); err != nil {
		return err
	}
	balance, err := l.BalanceOf(ctx, q, token, to)
	if err != nil {
		return err
	}
	if err := l.setBalance(ctx, q, token, to, balance.Add(amount)); err != nil {
		return err
	}
	return l.bumpSupply(ctx, q, token, "total_supply", amount)
}

// Burn destroys the owner's tokens outright. The SPT premium on every
// purchase goes through here: consumed, paid to no one.
func (l *SQLLedger) Burn(ctx context.Context, q DBTX, token string, owner int64, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	balance, err := l.BalanceOf(ctx, q, token, owner)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: %s account %d has %s, burning %s", ErrInsufficientBalance, token, owner, balance, amount)
	}
	if err := l.setBalance(ctx, q, token, owner, balance.Sub(amount)); err != nil {
		return err
	}
	return l.bumpSupply(ctx, q, token, "total_burned", amount)
}

func (l *SQLLedger) bumpSupply(ctx context.Context, q DBTX, token, column string, amount decimal.Decimal) error {
	var currentStr string
	query := fmt.Sprintf(`SELECT %s FROM tokens WHERE symbol = ?`, column)
	if err := q.QueryRowContext(ctx, query, token).Scan(&currentStr); err != nil {
		return err
	}
	current, err := decimal.NewFromString(currentStr)
	if err != nil {
		return err
	}
	update := fmt.Sprintf(`UPDATE tokens SET %s = ? WHERE symbol = ?`, column)
	_, err = q.ExecContext(ctx, update, current.Add(amount).String(), token)
	return err
}

// orderTokens puts a token pair into canonical storage order.
func orderTokens(tokenA, tokenB string) (string, string) {
	if strings.Compare(tokenA, tokenB) > 0 {
		return tokenB, tokenA
	}
	return tokenA, tokenB
}

// SQLPairFactory resolves liquidity pairs stored in the pairs table.
type SQLPairFactory struct{}

func NewSQLPairFactory() *SQLPairFactory {
	return &SQLPairFactory{}
}

func (f *SQLPairFactory) GetPair(ctx context.Context, q DBTX, tokenA, tokenB string) (LiquidityPair, error) {
	token0, token1 := orderTokens(tokenA, tokenB)
	var exists string
	err := q.QueryRowContext(ctx, `
		SELECT token0 FROM pairs WHERE token0 = ? AND token1 = ?`, token0, token1).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrPairNotFound, tokenA, tokenB)
	}
	if err != nil {
		return nil, err
	}
	return &sqlPair{token0: token0, token1: token1}, nil
}

// CreatePair registers an empty pool for the two tokens if none exists.
func (f *SQLPairFactory) CreatePair(ctx context.Context, q DBTX, tokenA, tokenB string) error {
	token0, token1 := orderTokens(tokenA, tokenB)
	_, err := q.ExecContext(ctx, `
		INSERT INTO pairs (token0, token1) VALUES (?, ?)
		ON CONFLICT(token0, token1) DO NOTHING`, token0, token1)
	return err
}

// SetReserves overwrites a pool's reserves. Admin/testnet plumbing: a real
// pool's reserves move with swaps, this backend just needs a price source.
func (f *SQLPairFactory) SetReserves(ctx context.Context, q DBTX, tokenA, tokenB string, reserveA, reserveB decimal.Decimal) error {
	if reserveA.IsNegative() || reserveB.IsNegative() {
		return ErrNegativeAmount
	}
	token0, token1 := orderTokens(tokenA, tokenB)
	reserve0, reserve1 := reserveA, reserveB
	if token0 != tokenA {
		reserve0, reserve1 = reserveB, reserveA
	}
	res, err := q.ExecContext(ctx, `
		UPDATE pairs SET reserve0 = ?, reserve1 = ? WHERE token0 = ? AND token1 = ?`,
		reserve0.String(), reserve1.String(), token0, token1)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrPairNotFound, tokenA, tokenB)
	}
	return nil
}

type sqlPair struct {
	token0 string
	token1 string
}

func (p *sqlPair) Token0() string { return p.token0 }
func (p *sqlPair) Token1() string { return p.token1 }

func (p *sqlPair) GetReserves(ctx context.Context, q DBTX) (decimal.Decimal, decimal.Decimal, error) {
	var r0Str, r1Str string
	err := q.QueryRowContext(ctx, `
		SELECT reserve0, reserve1 FROM pairs WHERE token0 = ? AND token1 = ?`,
		p.token0, p.token1).Scan(&r0Str, &r1Str)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s/%s", ErrPairNotFound, p.token0, p.token1)
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	reserve0, err := decimal.NewFromString(r0Str)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	reserve1, err := decimal.NewFromString(r1Str)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return reserve0, reserve1, nil
}
