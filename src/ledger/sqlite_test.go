// backend/src/ledger/sqlite_test.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile("../../db/migrations/000001_init.up.sql")
	if err != nil {
		t.Fatalf("reading schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("applying schema: %v", err)
	}
	return db
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parsing decimal %q: %v", s, err)
	}
	return d
}

func newFundedLedger(t *testing.T, db *sql.DB, token string, account int64, amount string) *SQLLedger {
	t.Helper()
	ctx := context.Background()
	l := NewSQLLedger()
	if err := l.EnsureToken(ctx, db, token, token, 18); err != nil {
		t.Fatalf("ensure token: %v", err)
	}
	if err := l.Mint(ctx, db, token, account, mustDec(t, amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return l
}

func TestTransferMovesExactAmounts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	l := newFundedLedger(t, db, "PAR", 1, "100.5")

	if err := l.Transfer(ctx, db, "PAR", 1, 2, mustDec(t, "40.25")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	from, _ := l.BalanceOf(ctx, db, "PAR", 1)
	to, _ := l.BalanceOf(ctx, db, "PAR", 2)
	if !from.Equal(mustDec(t, "60.25")) || !to.Equal(mustDec(t, "40.25")) {
		t.Fatalf("balances after transfer: from=%s to=%s", from, to)
	}

	err := l.Transfer(ctx, db, "PAR", 1, 2, mustDec(t, "60.26"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraw: got %v, want ErrInsufficientBalance", err)
	}
	if err := l.Transfer(ctx, db, "PAR", 1, 2, decimal.NewFromInt(-1)); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("negative transfer: got %v, want ErrNegativeAmount", err)
	}
	if err := l.Transfer(ctx, db, "NOPE", 1, 2, decimal.NewFromInt(1)); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("unknown token: got %v, want ErrUnknownToken", err)
	}
}

func TestTransferFromSpendsAllowance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	l := newFundedLedger(t, db, "USDC", 1, "100")

	if err := l.Approve(ctx, db, "USDC", 1, CustodyAccount, mustDec(t, "30")); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.TransferFrom(ctx, db, "USDC", 1, CustodyAccount, 2, mustDec(t, "20")); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	remaining, _ := l.Allowance(ctx, db, "USDC", 1, CustodyAccount)
	if !remaining.Equal(mustDec(t, "10")) {
		t.Fatalf("allowance after spend = %s, want 10", remaining)
	}

	err := l.TransferFrom(ctx, db, "USDC", 1, CustodyAccount, 2, mustDec(t, "11"))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("over-allowance: got %v, want ErrInsufficientAllowance", err)
	}
	// Allowance present but balance gone: the balance check still applies.
	if err := l.Transfer(ctx, db, "USDC", 1, 3, mustDec(t, "80")); err != nil {
		t.Fatalf("drain: %v", err)
	}
	err = l.TransferFrom(ctx, db, "USDC", 1, CustodyAccount, 2, mustDec(t, "10"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("allowance without balance: got %v, want ErrInsufficientBalance", err)
	}
}

func TestBurnTracksSupply(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	l := newFundedLedger(t, db, "SPT", 1, "50")

	if err := l.Burn(ctx, db, "SPT", 1, mustDec(t, "20")); err != nil {
		t.Fatalf("burn: %v", err)
	}
	balance, _ := l.BalanceOf(ctx, db, "SPT", 1)
	if !balance.Equal(mustDec(t, "30")) {
		t.Fatalf("balance after burn = %s, want 30", balance)
	}

	var supply, burned string
	err := db.QueryRow(`SELECT total_supply, total_burned FROM tokens WHERE symbol = 'SPT'`).Scan(&supply, &burned)
	if err != nil {
		t.Fatalf("reading supply: %v", err)
	}
	if supply != "50" || burned != "20" {
		t.Fatalf("supply=%s burned=%s, want 50/20", supply, burned)
	}

	if err := l.Burn(ctx, db, "SPT", 1, mustDec(t, "31")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over-burn: got %v, want ErrInsufficientBalance", err)
	}
}

func TestPairFactoryCanonicalOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	l := NewSQLLedger()
	for _, sym := range []string{"PAR", "WETH"} {
		if err := l.EnsureToken(ctx, db, sym, sym, 18); err != nil {
			t.Fatalf("ensure %s: %v", sym, err)
		}
	}
	f := NewSQLPairFactory()

	// Registered in one order, resolved in the other.
	if err := f.CreatePair(ctx, db, "WETH", "PAR"); err != nil {
		t.Fatalf("create pair: %v", err)
	}
	pair, err := f.GetPair(ctx, db, "PAR", "WETH")
	if err != nil {
		t.Fatalf("get pair: %v", err)
	}
	if pair.Token0() != "PAR" || pair.Token1() != "WETH" {
		t.Fatalf("canonical order = %s/%s, want PAR/WETH", pair.Token0(), pair.Token1())
	}

	// Reserves given as (WETH, PAR) must land on the right columns.
	if err := f.SetReserves(ctx, db, "WETH", "PAR", mustDec(t, "10"), mustDec(t, "1000")); err != nil {
		t.Fatalf("set reserves: %v", err)
	}
	r0, r1, err := pair.GetReserves(ctx, db)
	if err != nil {
		t.Fatalf("get reserves: %v", err)
	}
	if !r0.Equal(mustDec(t, "1000")) || !r1.Equal(mustDec(t, "10")) {
		t.Fatalf("reserves = %s/%s, want 1000/10", r0, r1)
	}

	if _, err := f.GetPair(ctx, db, "PAR", "USDC"); !errors.Is(err, ErrPairNotFound) {
		t.Fatalf("missing pair: got %v, want ErrPairNotFound", err)
	}
	if err := f.SetReserves(ctx, db, "PAR", "USDC", mustDec(t, "1"), mustDec(t, "1")); !errors.Is(err, ErrPairNotFound) {
		t.Fatalf("set reserves on missing pair: got %v, want ErrPairNotFound", err)
	}
}
