// backend/src/registry/registry_test.go
package registry

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/username/parachute/backend/src/models"
)

func openAsk(id, writer int64) models.Option {
	return models.Option{
		ID:            id,
		Writer:        writer,
		AssetAmount:   decimal.NewFromInt(10),
		Strike:        decimal.NewFromInt(5),
		Premium:       decimal.NewFromInt(1),
		Expiry:        2_000_000_000,
		IsOpenForSale: true,
		Holder:        writer,
	}
}

func TestInsertRejectsDuplicateAndNonMonotonicIDs(t *testing.T) {
	b := NewBook()
	if err := b.Insert(openAsk(1, 7)); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := b.Insert(openAsk(1, 7)); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate insert: got %v, want ErrDuplicateID", err)
	}
	if err := b.Insert(openAsk(5, 7)); err != nil {
		t.Fatalf("insert 5: %v", err)
	}
	// IDs never go backwards even across a gap left by the table.
	if err := b.Insert(openAsk(3, 7)); !errors.Is(err, ErrNonMonotonicID) {
		t.Fatalf("backwards insert: got %v, want ErrNonMonotonicID", err)
	}
	if b.MaxID() != 5 {
		t.Fatalf("MaxID = %d, want 5", b.MaxID())
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	b := NewBook()
	if err := b.Insert(openAsk(1, 7)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec, err := b.Lookup(1)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	rec.IsClosed = true

	again, err := b.Lookup(1)
	if err != nil {
		t.Fatalf("lookup again: %v", err)
	}
	if again.IsClosed {
		t.Fatal("mutating a Lookup result leaked into the arena")
	}
	if _, err := b.Lookup(99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup missing: got %v, want ErrNotFound", err)
	}
}

// Removal from the middle of the active-order index swaps the last entry
// into the hole. The removed ID must be gone, every other ID still present
// exactly once, and positions consistent.
func TestActiveIndexSwapAndPop(t *testing.T) {
	b := NewBook()
	for id := int64(1); id <= 12; id++ {
		if err := b.Insert(openAsk(id, id%3)); err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}
	if err := b.CloseOpen(7); err != nil {
		t.Fatalf("close 7: %v", err)
	}

	ids := b.ActiveIDs()
	if len(ids) != 11 {
		t.Fatalf("active count = %d, want 11", len(ids))
	}
	seen := make(map[int64]bool)
	for _, id := range ids {
		if id == 7 {
			t.Fatal("closed option 7 still in active index")
		}
		if seen[id] {
			t.Fatalf("id %d appears twice in active index", id)
		}
		seen[id] = true
	}
	// The last ID (12) takes the vacated slot.
	if ids[6] != 12 {
		t.Fatalf("slot 6 holds %d, want 12 swapped in", ids[6])
	}

	// A second close of the same option must not disturb the index.
	if err := b.CloseOpen(7); err == nil {
		t.Fatal("closing 7 twice should fail")
	}
	if b.ActiveCount() != 11 {
		t.Fatalf("active count after double close = %d, want 11", b.ActiveCount())
	}
}

func TestMarkBoughtMovesBetweenIndexes(t *testing.T) {
	b := NewBook()
	if err := b.Insert(openAsk(1, 7)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := b.MarkBought(1, 42); err != nil {
		t.Fatalf("mark bought: %v", err)
	}

	if b.ActiveCount() != 0 {
		t.Fatalf("active count = %d, want 0 after purchase", b.ActiveCount())
	}
	owned := b.OwnedBy(42)
	if len(owned) != 1 || owned[0] != 1 {
		t.Fatalf("OwnedBy(42) = %v, want [1]", owned)
	}
	rec, err := b.Lookup(1)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.IsOpenForSale || !rec.IsOwned || rec.Holder != 42 {
		t.Fatalf("post-purchase record = %+v", rec)
	}
	if rec.IsOwned && rec.IsOpenForSale {
		t.Fatal("owned and open-for-sale at the same time")
	}

	if err := b.CloseOwned(1); err != nil {
		t.Fatalf("close owned: %v", err)
	}
	if got := b.OwnedBy(42); len(got) != 0 {
		t.Fatalf("OwnedBy(42) after settlement = %v, want empty", got)
	}
	rec, _ = b.Lookup(1)
	if !rec.IsClosed {
		t.Fatal("settled option not closed")
	}
}

func TestFindByTermsMatchesAllFourFields(t *testing.T) {
	b := NewBook()
	base := openAsk(1, 7)
	if err := b.Insert(base); err != nil {
		t.Fatalf("insert: %v", err)
	}
	other := openAsk(2, 7)
	other.Strike = decimal.NewFromInt(6)
	if err := b.Insert(other); err != nil {
		t.Fatalf("insert: %v", err)
	}
	twin := openAsk(3, 9)
	if err := b.Insert(twin); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got := b.FindByTerms(base.AssetAmount, base.Strike, base.Premium, base.Expiry)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("FindByTerms = %v, want [1 3]", got)
	}
	// Decimal equality is value equality, not representation equality.
	got = b.FindByTerms(decimal.RequireFromString("10.00"), base.Strike, base.Premium, base.Expiry)
	if len(got) != 2 {
		t.Fatalf("FindByTerms with rescaled amount = %v, want 2 matches", got)
	}
	if got := b.FindByTerms(base.AssetAmount, decimal.NewFromInt(99), base.Premium, base.Expiry); len(got) != 0 {
		t.Fatalf("FindByTerms wrong strike = %v, want empty", got)
	}
}

func TestRestoreRebuildsIndexesFromFlags(t *testing.T) {
	closed := openAsk(2, 7)
	closed.IsOpenForSale = false
	closed.IsClosed = true

	held := openAsk(3, 7)
	held.IsOpenForSale = false
	held.IsOwned = true
	held.Holder = 42

	// Deliberately unsorted input.
	b := NewBook()
	if err := b.Restore([]models.Option{held, openAsk(1, 7), closed}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if b.MaxID() != 3 {
		t.Fatalf("MaxID = %d, want 3", b.MaxID())
	}
	if ids := b.ActiveIDs(); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("active after restore = %v, want [1]", ids)
	}
	if owned := b.OwnedBy(42); len(owned) != 1 || owned[0] != 3 {
		t.Fatalf("owned after restore = %v, want [3]", owned)
	}
	if _, err := b.Lookup(2); err != nil {
		t.Fatalf("closed record must still be resolvable: %v", err)
	}
}
