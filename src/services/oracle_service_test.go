// backend/src/services/oracle_service_test.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/username/parachute/backend/src/ledger"
)

func newOracleDB(t *testing.T) (*sql.DB, *ledger.SQLPairFactory) {
	t.Helper()
	db := newTestDB(t)
	ctx := context.Background()
	tokens := ledger.NewSQLLedger()
	for _, sym := range []string{"PAR", "USDC", "WETH"} {
		if err := tokens.EnsureToken(ctx, db, sym, sym, 18); err != nil {
			t.Fatalf("ensure token %s: %v", sym, err)
		}
	}
	return db, ledger.NewSQLPairFactory()
}

func setPool(t *testing.T, db *sql.DB, f *ledger.SQLPairFactory, tokenA, tokenB, reserveA, reserveB string) {
	t.Helper()
	ctx := context.Background()
	if err := f.CreatePair(ctx, db, tokenA, tokenB); err != nil {
		t.Fatalf("create pair %s/%s: %v", tokenA, tokenB, err)
	}
	if err := f.SetReserves(ctx, db, tokenA, tokenB, dec(t, reserveA), dec(t, reserveB)); err != nil {
		t.Fatalf("set reserves %s/%s: %v", tokenA, tokenB, err)
	}
}

func TestOraclePrefersDirectPair(t *testing.T) {
	db, f := newOracleDB(t)
	ctx := context.Background()
	// 100 PAR against 800 USDC: one PAR is worth 8.
	setPool(t, db, f, "PAR", "USDC", "100", "800")

	oracle := NewOracleService(ctx, db, f, "PAR", "USDC", "WETH")
	if !oracle.CashCloseEnabled() {
		t.Fatal("direct pair present, cash close must be enabled")
	}
	spot, err := oracle.SpotPrice(ctx, db)
	if err != nil {
		t.Fatalf("spot: %v", err)
	}
	if !spot.Equal(dec(t, "8")) {
		t.Fatalf("spot = %s, want 8", spot)
	}
}

// The reserve ratio must be oriented by token identity, not storage order:
// USDC sorts after PAR, so the same pool quoted for USDC must invert.
func TestOracleOrientsByToken(t *testing.T) {
	db, f := newOracleDB(t)
	ctx := context.Background()
	setPool(t, db, f, "USDC", "PAR", "800", "100")

	oracle := NewOracleService(ctx, db, f, "PAR", "USDC", "WETH")
	spot, err := oracle.SpotPrice(ctx, db)
	if err != nil {
		t.Fatalf("spot: %v", err)
	}
	if !spot.Equal(dec(t, "8")) {
		t.Fatalf("spot = %s, want 8", spot)
	}
}

func TestOracleRoutesThroughWrappedNative(t *testing.T) {
	db, f := newOracleDB(t)
	ctx := context.Background()
	// 1 PAR = 0.004 WETH, 1 USDC = 0.0005 WETH => 1 PAR = 8 USDC.
	setPool(t, db, f, "PAR", "WETH", "1000", "4")
	setPool(t, db, f, "USDC", "WETH", "10000", "5")

	oracle := NewOracleService(ctx, db, f, "PAR", "USDC", "WETH")
	if !oracle.CashCloseEnabled() {
		t.Fatal("both legs present, cash close must be enabled")
	}
	spot, err := oracle.SpotPrice(ctx, db)
	if err != nil {
		t.Fatalf("spot: %v", err)
	}
	if !spot.Equal(dec(t, "8")) {
		t.Fatalf("routed spot = %s, want 8", spot)
	}
}

func TestOracleWithoutPairsDisablesCashClose(t *testing.T) {
	db, f := newOracleDB(t)
	ctx := context.Background()

	oracle := NewOracleService(ctx, db, f, "PAR", "USDC", "WETH")
	if oracle.CashCloseEnabled() {
		t.Fatal("no pairs registered, cash close must stay disabled")
	}
	if _, err := oracle.SpotPrice(ctx, db); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("spot without pairs: got %v, want ErrOracleUnavailable", err)
	}

	// One leg alone is not a route.
	setPool(t, db, f, "PAR", "WETH", "1000", "4")
	oracle = NewOracleService(ctx, db, f, "PAR", "USDC", "WETH")
	if oracle.CashCloseEnabled() {
		t.Fatal("single leg must not enable cash close")
	}
}

func TestOracleRejectsEmptyPool(t *testing.T) {
	db, f := newOracleDB(t)
	ctx := context.Background()
	if err := f.CreatePair(ctx, db, "PAR", "USDC"); err != nil {
		t.Fatalf("create pair: %v", err)
	}

	// The pair resolves, but zero reserves cannot quote.
	oracle := NewOracleService(ctx, db, f, "PAR", "USDC", "WETH")
	if !oracle.CashCloseEnabled() {
		t.Fatal("registered pair must enable cash close even before liquidity arrives")
	}
	if _, err := oracle.SpotPrice(ctx, db); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("spot on empty pool: got %v, want ErrOracleUnavailable", err)
	}
}
