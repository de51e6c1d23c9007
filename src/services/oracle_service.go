// backend/src/services/oracle_service.go
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/username/parachute/backend/src/ledger"
	"github.com/username/parachute/backend/src/logger"
)

// OracleService derives the asset spot price from AMM reserve ratios. Pair
// resolution happens once, at construction: either a direct asset/payment
// pool, or a route through the wrapped native token using an asset/WETH and
// a payment/WETH pool. If neither layout exists, cash settlement stays
// disabled for the life of the process.
//
// No time-weighting or staleness protection: the price is whatever the pool
// says at read time.
type OracleService struct {
	asset   string
	payment string
	weth    string

	direct      ledger.LiquidityPair // asset/payment, preferred
	assetPair   ledger.LiquidityPair // asset/weth
	paymentPair ledger.LiquidityPair // payment/weth
}

func NewOracleService(ctx context.Context, q ledger.DBTX, factory ledger.PairFactory, asset, payment, weth string) *OracleService {
	s := &OracleService{asset: asset, payment: payment, weth: weth}

	direct, err := factory.GetPair(ctx, q, asset, payment)
	if err == nil {
		s.direct = direct
		logger.L.Info("Oracle resolved direct pair", "asset", asset, "payment", payment)
		return s
	}
	if !errors.Is(err, ledger.ErrPairNotFound) {
		logger.L.Error("Oracle direct pair lookup failed", "error", err)
	}

	assetPair, errA := factory.GetPair(ctx, q, asset, weth)
	paymentPair, errB := factory.GetPair(ctx, q, payment, weth)
	if errA == nil && errB == nil {
		s.assetPair = assetPair
		s.paymentPair = paymentPair
		logger.L.Info("Oracle routing through wrapped native token", "asset", asset, "payment", payment, "weth", weth)
	} else {
		logger.L.Warn("No usable liquidity pairs; cash settlement disabled", "asset", asset, "payment", payment)
	}
	return s
}

func (s *OracleService) CashCloseEnabled() bool {
	return s.direct != nil || (s.assetPair != nil && s.paymentPair != nil)
}

// SpotPrice returns the payment-currency price of one unit of the base
// asset. A zero reserve anywhere on the route means the pool cannot quote
// and the read fails with ErrOracleUnavailable.
func (s *OracleService) SpotPrice(ctx context.Context, q ledger.DBTX) (decimal.Decimal, error) {
	if s.direct != nil {
		return s.priceOf(ctx, q, s.direct, s.asset)
	}
	if s.assetPair == nil || s.paymentPair == nil {
		return decimal.Zero, ErrOracleUnavailable
	}
	wethPerAsset, err := s.priceOf(ctx, q, s.assetPair, s.asset)
	if err != nil {
		return decimal.Zero, err
	}
	wethPerPayment, err := s.priceOf(ctx, q, s.paymentPair, s.payment)
	if err != nil {
		return decimal.Zero, err
	}
	return wethPerAsset.Div(wethPerPayment), nil
}

// priceOf reads a pair's reserves and returns the counter-token price of
// one unit of base, orienting the ratio by token0/token1.
func (s *OracleService) priceOf(ctx context.Context, q ledger.DBTX, pair ledger.LiquidityPair, base string) (decimal.Decimal, error) {
	reserve0, reserve1, err := pair.GetReserves(ctx, q)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if reserve0.IsZero() || reserve1.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: pair %s/%s has no liquidity", ErrOracleUnavailable, pair.Token0(), pair.Token1())
	}
	if pair.Token0() == base {
		return reserve1.Div(reserve0), nil
	}
	return reserve0.Div(reserve1), nil
}
