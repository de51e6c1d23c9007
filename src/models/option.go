// backend/src/models/option.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Option represents a single covered call written against the base asset.
// The identifier is assigned once at creation and never reused; the status
// flags only ever move forward (open -> owned -> closed, or open -> closed
// on cancellation).
type Option struct {
	ID          int64           `json:"id"`
	Writer      int64           `json:"writer"`
	AssetAmount decimal.Decimal `json:"asset_amount"`
	Strike      decimal.Decimal `json:"strike"` // payment currency per unit of asset
	// DerivedValue is the total purchase cost of physical delivery
	// (strike * asset_amount). Display/consistency value only; settlement
	// math never reads it back.
	DerivedValue  decimal.Decimal `json:"derived_value"`
	Premium       decimal.Decimal `json:"premium"`
	Expiry        int64           `json:"expiry"` // unix seconds
	IsOwned       bool            `json:"is_owned"`
	IsOpenForSale bool            `json:"is_open_for_sale"`
	Holder        int64           `json:"holder"`
	IsClosed      bool            `json:"is_closed"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Live reports whether the option still has collateral in custody.
func (o *Option) Live() bool {
	return !o.IsClosed
}

// HeldUnsettled reports whether the option has been bought and not yet
// exercised, cash-closed or reclaimed.
func (o *Option) HeldUnsettled() bool {
	return o.IsOwned && !o.IsClosed
}

// Event kinds recorded in the option_events audit log.
const (
	EventCreated   = "created"
	EventCancelled = "cancelled"
	EventPurchased = "purchased"
	EventExercised = "exercised" // cash_settled column distinguishes cash vs physical
	EventReclaimed = "reclaimed"
)

// OptionEvent is one audit-log entry for an option. Events are append-only
// and written in the same transaction as the state change they describe.
type OptionEvent struct {
	ID          string    `json:"id"`
	OptionID    int64     `json:"option_id"`
	Kind        string    `json:"kind"`
	CashSettled *bool     `json:"cash_settled,omitempty"`
	Payload     string    `json:"payload,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
