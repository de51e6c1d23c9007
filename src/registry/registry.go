// backend/src/registry/registry.go
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/username/parachute/backend/src/models"
)

var (
	ErrNotFound       = errors.New("option not found")
	ErrDuplicateID    = errors.New("option id already registered")
	ErrNonMonotonicID = errors.New("option id not greater than last assigned id")
)

// Book is the in-memory view of the option registry: an arena of records
// keyed by ID plus the two derived indexes the market queries on every
// operation. SQLite remains the durable copy; the Book is rebuilt from it
// at startup and mutated only after the corresponding transaction commits.
//
// The active-order index is a slice with a position map so removal is
// constant-time swap-and-pop. Order across removals is not preserved, but
// an ID appears at most once and never reappears after removal.
type Book struct {
	mu        sync.RWMutex
	records   map[int64]*models.Option
	active    []int64
	activePos map[int64]int
	owned     map[int64]map[int64]struct{} // holder -> set of option IDs
	maxID     int64
}

func NewBook() *Book {
	return &Book{
		records:   make(map[int64]*models.Option),
		activePos: make(map[int64]int),
		owned:     make(map[int64]map[int64]struct{}),
	}
}

// Insert registers a freshly created option. IDs must arrive in strictly
// increasing order; they are allocated by the options table and never reused.
func (b *Book) Insert(opt models.Option) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.insertLocked(opt)
}

func (b *Book) insertLocked(opt models.Option) error {
	if _, exists := b.records[opt.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, opt.ID)
	}
	if opt.ID <= b.maxID {
		return fmt.Errorf("%w: got %d after %d", ErrNonMonotonicID, opt.ID, b.maxID)
	}
	rec := opt
	b.records[opt.ID] = &rec
	b.maxID = opt.ID

	if rec.IsOpenForSale && !rec.IsClosed {
		b.activePos[rec.ID] = len(b.active)
		b.active = append(b.active, rec.ID)
	}
	if rec.HeldUnsettled() {
		b.addOwnedLocked(rec.Holder, rec.ID)
	}
	return nil
}

// Restore rebuilds the book from the durable option rows. Records may be in
// any state; indexes are derived from the flags.
func (b *Book) Restore(opts []models.Option) error {
	sorted := make([]models.Option, len(opts))
	copy(sorted, opts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, opt := range sorted {
		if err := b.insertLocked(opt); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns a copy of the record, so callers cannot mutate the arena.
func (b *Book) Lookup(id int64) (models.Option, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[id]
	if !ok {
		return models.Option{}, ErrNotFound
	}
	return *rec, nil
}

// ActiveIDs returns the current active-order index contents, in index order.
func (b *Book) ActiveIDs() []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]int64, len(b.active))
	copy(out, b.active)
	return out
}

// ActiveOptions returns copies of every currently open, unsold ask.
func (b *Book) ActiveOptions() []models.Option {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Option, 0, len(b.active))
	for _, id := range b.active {
		out = append(out, *b.records[id])
	}
	return out
}

// FindByTerms scans the active-order index for open asks matching all four
// fields exactly. The result follows index order; it may be empty.
func (b *Book) FindByTerms(assetAmount, strike, premium decimal.Decimal, expiry int64) []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []int64
	for _, id := range b.active {
		rec := b.records[id]
		if rec.AssetAmount.Equal(assetAmount) &&
			rec.Strike.Equal(strike) &&
			rec.Premium.Equal(premium) &&
			rec.Expiry == expiry {
			out = append(out, id)
		}
	}
	return out
}

// OwnedBy returns the IDs currently held (bought, unsettled) by the account,
// sorted ascending for stable listings.
func (b *Book) OwnedBy(holder int64) []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.owned[holder]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OwnedOptions returns copies of the holder's unsettled options, sorted by ID.
func (b *Book) OwnedOptions(holder int64) []models.Option {
	ids := b.OwnedBy(holder)
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Option, 0, len(ids))
	for _, id := range ids {
		out = append(out, *b.records[id])
	}
	return out
}

// MarkBought flips an open ask to owned-unexercised: off the active index,
// onto the buyer's ownership index.
func (b *Book) MarkBought(id, buyer int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return ErrNotFound
	}
	if err := b.removeFromActiveLocked(id); err != nil {
		return err
	}
	rec.IsOpenForSale = false
	rec.IsOwned = true
	rec.Holder = buyer
	b.addOwnedLocked(buyer, id)
	return nil
}

// CloseOpen terminates an open, unsold ask (cancellation).
func (b *Book) CloseOpen(id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return ErrNotFound
	}
	if err := b.removeFromActiveLocked(id); err != nil {
		return err
	}
	rec.IsOpenForSale = false
	rec.IsClosed = true
	return nil
}

// CloseOwned terminates a held option (exercise, cash close or expiry
// reclaim) and clears it from the holder's ownership index.
func (b *Book) CloseOwned(id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.IsClosed = true
	if set, ok := b.owned[rec.Holder]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(b.owned, rec.Holder)
		}
	}
	return nil
}

// removeFromActiveLocked is internal bookkeeping: absence here means the
// caller skipped a state check, not bad user input.
func (b *Book) removeFromActiveLocked(id int64) error {
	pos, ok := b.activePos[id]
	if !ok {
		return fmt.Errorf("option %d absent from active-order index", id)
	}
	last := len(b.active) - 1
	if pos != last {
		moved := b.active[last]
		b.active[pos] = moved
		b.activePos[moved] = pos
	}
	b.active = b.active[:last]
	delete(b.activePos, id)
	return nil
}

func (b *Book) addOwnedLocked(holder, id int64) {
	set, ok := b.owned[holder]
	if !ok {
		set = make(map[int64]struct{})
		b.owned[holder] = set
	}
	set[id] = struct{}{}
}

// ActiveCount reports the size of the active-order index.
func (b *Book) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.active)
}

// MaxID reports the highest option ID ever registered.
func (b *Book) MaxID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxID
}
