// backend/src/services/market_service.go
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/username/parachute/backend/src/ledger"
	"github.com/username/parachute/backend/src/logger"
	"github.com/username/parachute/backend/src/models"
	"github.com/username/parachute/backend/src/registry"
)

// MarketConfig names the four token ledgers the market operates against.
// Fixed at construction, immutable thereafter.
type MarketConfig struct {
	Asset   string
	Payment string
	SPT     string
	WETH    string
}

// Market implements MarketService. One mutex serializes every mutating
// operation; within an operation the option row, the escrow transfers and
// the audit event share a single SQL transaction. The in-memory book is
// touched only after commit, so a failed transfer leaves no trace anywhere.
//
// Status flags are written before any ledger movement inside the
// transaction, so escrow code always observes the post-transition state.
type Market struct {
	mu     sync.Mutex
	db     *sql.DB
	tokens ledger.TokenLedger
	oracle PriceOracle
	book   *registry.Book
	cfg    MarketConfig
	now    func() time.Time
}

func NewMarket(db *sql.DB, tokens ledger.TokenLedger, oracle PriceOracle, cfg MarketConfig) (*Market, error) {
	m := &Market{
		db:     db,
		tokens: tokens,
		oracle: oracle,
		book:   registry.NewBook(),
		cfg:    cfg,
		now:    time.Now,
	}
	if err := m.restoreBook(context.Background()); err != nil {
		return nil, fmt.Errorf("restoring option book: %w", err)
	}
	logger.L.Info("Option book restored", "options", m.book.MaxID(), "active", m.book.ActiveCount())
	return m, nil
}

func (m *Market) restoreBook(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, writer, asset_amount, strike, derived_value, premium, expiry,
		       is_owned, is_open_for_sale, holder, is_closed, created_at
		FROM options ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var opts []models.Option
	for rows.Next() {
		opt, err := scanOption(rows)
		if err != nil {
			return err
		}
		opts = append(opts, opt)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return m.book.Restore(opts)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOption(row rowScanner) (models.Option, error) {
	var opt models.Option
	var assetAmount, strike, derived, premium string
	err := row.Scan(
		&opt.ID, &opt.Writer, &assetAmount, &strike, &derived, &premium, &opt.Expiry,
		&opt.IsOwned, &opt.IsOpenForSale, &opt.Holder, &opt.IsClosed, &opt.CreatedAt,
	)
	if err != nil {
		return models.Option{}, err
	}
	if opt.AssetAmount, err = decimal.NewFromString(assetAmount); err != nil {
		return models.Option{}, err
	}
	if opt.Strike, err = decimal.NewFromString(strike); err != nil {
		return models.Option{}, err
	}
	if opt.DerivedValue, err = decimal.NewFromString(derived); err != nil {
		return models.Option{}, err
	}
	if opt.Premium, err = decimal.NewFromString(premium); err != nil {
		return models.Option{}, err
	}
	return opt, nil
}

// validateTerms enforces the creation constraints: positive collateral and
// premium, non-negative strike, expiry strictly in the future.
func validateTerms(assetAmount, strike, premium decimal.Decimal, expiry int64, now time.Time) error {
	if !assetAmount.IsPositive() {
		return fmt.Errorf("%w: asset amount must be positive", ErrInvalidInput)
	}
	if !premium.IsPositive() {
		return fmt.Errorf("%w: premium must be positive", ErrInvalidInput)
	}
	if strike.IsNegative() {
		return fmt.Errorf("%w: strike must not be negative", ErrInvalidInput)
	}
	if expiry <= now.Unix() {
		return fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}
	return nil
}

// Ask writes a new covered call: the record is stored open-for-sale and the
// collateral is pulled from the writer into custody, atomically.
func (m *Market) Ask(ctx context.Context, writer int64, assetAmount, strike, premium decimal.Decimal, expiry int64) (models.Option, error) {
	opts, err := m.BulkAsk(ctx, writer,
		[]decimal.Decimal{assetAmount}, []decimal.Decimal{strike}, []decimal.Decimal{premium}, []int64{expiry})
	if err != nil {
		return models.Option{}, err
	}
	return opts[0], nil
}

// BulkAsk creates a batch of asks as an ordered sequence of independent
// creations. A single invalid entry or failed escrow pull fails the whole
// batch; no option from it survives.
func (m *Market) BulkAsk(ctx context.Context, writer int64, assetAmounts, strikes, premiums []decimal.Decimal, expiries []int64) ([]models.Option, error) {
	n := len(assetAmounts)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	if len(strikes) != n || len(premiums) != n || len(expiries) != n {
		return nil, fmt.Errorf("%w: batch arrays must have equal length", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	for i := 0; i < n; i++ {
		if err := validateTerms(assetAmounts[i], strikes[i], premiums[i], expiries[i], now); err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	created := make([]models.Option, 0, n)
	for i := 0; i < n; i++ {
		opt := models.Option{
			Writer:        writer,
			AssetAmount:   assetAmounts[i],
			Strike:        strikes[i],
			DerivedValue:  strikes[i].Mul(assetAmounts[i]),
			Premium:       premiums[i],
			Expiry:        expiries[i],
			IsOpenForSale: true,
			Holder:        writer,
			CreatedAt:     now,
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO options (writer, asset_amount, strike, derived_value, premium, expiry,
			                     is_owned, is_open_for_sale, holder, is_closed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, FALSE, TRUE, ?, FALSE, ?)`,
			opt.Writer, opt.AssetAmount.String(), opt.Strike.String(), opt.DerivedValue.String(),
			opt.Premium.String(), opt.Expiry, opt.Holder, opt.CreatedAt)
		if err != nil {
			return nil, err
		}
		if opt.ID, err = res.LastInsertId(); err != nil {
			return nil, err
		}

		// Escrow pull: collateral moves from the writer into custody.
		if err := m.tokens.TransferFrom(ctx, tx, m.cfg.Asset, writer, ledger.CustodyAccount, ledger.CustodyAccount, opt.AssetAmount); err != nil {
			return nil, err
		}

		payload, _ := json.Marshal(map[string]any{
			"asset_amount": opt.AssetAmount,
			"strike":       opt.Strike,
			"premium":      opt.Premium,
			"expiry":       opt.Expiry,
		})
		if err := insertEvent(ctx, tx, opt.ID, models.EventCreated, nil, string(payload), now); err != nil {
			return nil, err
		}
		created = append(created, opt)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, opt := range created {
		if err := m.book.Insert(opt); err != nil {
			logger.L.Error("Book insert failed after commit", "optionID", opt.ID, "error", err)
		}
	}
	logger.L.Info("Asks created", "writer", writer, "count", n, "firstID", created[0].ID)
	return created, nil
}

// Cancel withdraws an unsold ask and returns the collateral to the writer.
func (m *Market) Cancel(ctx context.Context, caller, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookup(id)
	if err != nil {
		return err
	}
	if rec.Writer != caller {
		return fmt.Errorf("%w: only the writer may cancel", ErrUnauthorized)
	}
	if !rec.IsOpenForSale || rec.IsClosed {
		return fmt.Errorf("%w: option %d is not open for sale", ErrInvalidState, id)
	}

	now := m.now()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE options SET is_open_for_sale = FALSE, is_closed = TRUE WHERE id = ?`, id); err != nil {
		return err
	}
	if err := m.tokens.Transfer(ctx, tx, m.cfg.Asset, ledger.CustodyAccount, rec.Writer, rec.AssetAmount); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, id, models.EventCancelled, nil, "", now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if err := m.book.CloseOpen(id); err != nil {
		logger.L.Error("Book close failed after commit", "optionID", id, "error", err)
	}
	logger.L.Info("Ask cancelled", "optionID", id, "writer", caller)
	return nil
}

// Buy acquires an open ask. The premium is charged by burning the buyer's
// special-purpose tokens: consumed, not paid to the writer.
func (m *Market) Buy(ctx context.Context, buyer, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !rec.IsOpenForSale || rec.IsClosed {
		return fmt.Errorf("%w: option %d is not open for sale", ErrInvalidState, id)
	}

	now := m.now()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE options SET is_open_for_sale = FALSE, is_owned = TRUE, holder = ? WHERE id = ?`, buyer, id); err != nil {
		return err
	}
	if err := m.tokens.Burn(ctx, tx, m.cfg.SPT, buyer, rec.Premium); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, id, models.EventPurchased, nil, "", now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if err := m.book.MarkBought(id, buyer); err != nil {
		logger.L.Error("Book purchase update failed after commit", "optionID", id, "error", err)
	}
	logger.L.Info("Option purchased", "optionID", id, "buyer", buyer, "premiumBurned", rec.Premium)
	return nil
}

// Exercise takes physical delivery: the holder pays strike * assetAmount in
// payment currency to the writer and receives the escrowed asset.
func (m *Market) Exercise(ctx context.Context, caller, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settlePhysical(ctx, caller, id)
}

func (m *Market) settlePhysical(ctx context.Context, caller, id int64) error {
	rec, now, err := m.holderSettlementGuards(caller, id)
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE options SET is_closed = TRUE WHERE id = ?`, id); err != nil {
		return err
	}
	cost := rec.Strike.Mul(rec.AssetAmount)
	if err := m.tokens.TransferFrom(ctx, tx, m.cfg.Payment, rec.Holder, ledger.CustodyAccount, rec.Writer, cost); err != nil {
		return err
	}
	if err := m.tokens.Transfer(ctx, tx, m.cfg.Asset, ledger.CustodyAccount, rec.Holder, rec.AssetAmount); err != nil {
		return err
	}
	cash := false
	if err := insertEvent(ctx, tx, id, models.EventExercised, &cash, "", now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if err := m.book.CloseOwned(id); err != nil {
		logger.L.Error("Book close failed after commit", "optionID", id, "error", err)
	}
	logger.L.Info("Option exercised", "optionID", id, "holder", rec.Holder, "cost", cost)
	return nil
}

// CashClose settles an owned option before expiry. With cashSettle the
// payout is the in-the-money value (spot - strike) * assetAmount, clamped
// at zero, paid by the writer to the holder in payment currency while the
// collateral returns to the writer. Without cashSettle this is the
// physical path, recorded with cashFlag=false.
func (m *Market) CashClose(ctx context.Context, caller, id int64, cashSettle bool) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !cashSettle {
		return decimal.Zero, m.settlePhysical(ctx, caller, id)
	}

	rec, now, err := m.holderSettlementGuards(caller, id)
	if err != nil {
		return decimal.Zero, err
	}
	if !m.oracle.CashCloseEnabled() {
		return decimal.Zero, ErrOracleUnavailable
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE options SET is_closed = TRUE WHERE id = ?`, id); err != nil {
		return decimal.Zero, err
	}

	spot, err := m.oracle.SpotPrice(ctx, tx)
	if err != nil {
		return decimal.Zero, err
	}
	payout := spot.Sub(rec.Strike).Mul(rec.AssetAmount)
	if payout.IsNegative() {
		payout = decimal.Zero // out of the money
	}
	if payout.IsPositive() {
		if err := m.tokens.TransferFrom(ctx, tx, m.cfg.Payment, rec.Writer, ledger.CustodyAccount, rec.Holder, payout); err != nil {
			return decimal.Zero, err
		}
	}
	if err := m.tokens.Transfer(ctx, tx, m.cfg.Asset, ledger.CustodyAccount, rec.Writer, rec.AssetAmount); err != nil {
		return decimal.Zero, err
	}
	cash := true
	payload, _ := json.Marshal(map[string]any{"spot": spot, "payout": payout})
	if err := insertEvent(ctx, tx, id, models.EventExercised, &cash, string(payload), now); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, err
	}
	if err := m.book.CloseOwned(id); err != nil {
		logger.L.Error("Book close failed after commit", "optionID", id, "error", err)
	}
	logger.L.Info("Option cash-closed", "optionID", id, "holder", rec.Holder, "spot", spot, "payout", payout)
	return payout, nil
}

// holderSettlementGuards shares the checks for exercise and cash close:
// owned, unsettled, caller is the holder, not past expiry. The instant
// equal to expiry is the holder's last legal moment.
func (m *Market) holderSettlementGuards(caller, id int64) (models.Option, time.Time, error) {
	now := m.now()
	rec, err := m.lookup(id)
	if err != nil {
		return models.Option{}, now, err
	}
	if !rec.HeldUnsettled() {
		return models.Option{}, now, fmt.Errorf("%w: option %d is not held unsettled", ErrInvalidState, id)
	}
	if rec.Holder != caller {
		return models.Option{}, now, fmt.Errorf("%w: only the holder may settle", ErrUnauthorized)
	}
	if now.Unix() > rec.Expiry {
		return models.Option{}, now, fmt.Errorf("%w: option %d expired at %d", ErrExpired, id, rec.Expiry)
	}
	return rec, now, nil
}

// ReturnExpired releases the collateral of an unexercised option back to
// its writer once expiry has passed. Callable by anyone.
func (m *Market) ReturnExpired(ctx context.Context, caller, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !rec.HeldUnsettled() {
		return fmt.Errorf("%w: option %d is not held unsettled", ErrInvalidState, id)
	}
	if now.Unix() <= rec.Expiry {
		return fmt.Errorf("%w: option %d expires at %d", ErrNotYetExpired, id, rec.Expiry)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE options SET is_closed = TRUE WHERE id = ?`, id); err != nil {
		return err
	}
	if err := m.tokens.Transfer(ctx, tx, m.cfg.Asset, ledger.CustodyAccount, rec.Writer, rec.AssetAmount); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, id, models.EventReclaimed, nil, "", now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if err := m.book.CloseOwned(id); err != nil {
		logger.L.Error("Book close failed after commit", "optionID", id, "error", err)
	}
	logger.L.Info("Expired option reclaimed", "optionID", id, "caller", caller, "writer", rec.Writer)
	return nil
}

func (m *Market) lookup(id int64) (models.Option, error) {
	rec, err := m.book.Lookup(id)
	if errors.Is(err, registry.ErrNotFound) {
		return models.Option{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return rec, err
}

func (m *Market) GetOption(id int64) (models.Option, error) {
	return m.lookup(id)
}

func (m *Market) ListActive() []models.Option {
	return m.book.ActiveOptions()
}

func (m *Market) ListOwned(holder int64) []models.Option {
	return m.book.OwnedOptions(holder)
}

func (m *Market) FindByTerms(assetAmount, strike, premium decimal.Decimal, expiry int64) []models.Option {
	ids := m.book.FindByTerms(assetAmount, strike, premium, expiry)
	out := make([]models.Option, 0, len(ids))
	for _, id := range ids {
		if rec, err := m.book.Lookup(id); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

func (m *Market) Spot(ctx context.Context) (decimal.Decimal, error) {
	return m.oracle.SpotPrice(ctx, m.db)
}

func insertEvent(ctx context.Context, tx *sql.Tx, optionID int64, kind string, cashSettled *bool, payload string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO option_events (id, option_id, kind, cash_settled, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), optionID, kind, cashSettled, payload, now)
	return err
}

func (m *Market) OptionEvents(ctx context.Context, optionID int64) ([]models.OptionEvent, error) {
	return m.queryEvents(ctx, `
		SELECT id, option_id, kind, cash_settled, payload, created_at
		FROM option_events WHERE option_id = ? ORDER BY created_at, id`, optionID)
}

func (m *Market) RecentEvents(ctx context.Context, limit int) ([]models.OptionEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return m.queryEvents(ctx, `
		SELECT id, option_id, kind, cash_settled, payload, created_at
		FROM option_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (m *Market) queryEvents(ctx context.Context, query string, args ...any) ([]models.OptionEvent, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.OptionEvent
	for rows.Next() {
		var ev models.OptionEvent
		var cash sql.NullBool
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.OptionID, &ev.Kind, &cash, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if cash.Valid {
			v := cash.Bool
			ev.CashSettled = &v
		}
		ev.Payload = payload.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
