package mempool

import (
	"testing"

	"neonode.dev/node/consensus"
)

func validTx(hash byte, fee int64, size uint32) consensus.Tx {
	var h consensus.Hash256
	h[0] = hash
	return consensus.Tx{
		Hash:            h,
		Version:         0,
		Size:            size,
		NetworkFee:      fee,
		ValidUntilBlock: 1000,
		Script:          []byte{0x01},
		Witnesses:       []consensus.Witness{{}},
	}
}

func TestAddRejectsInvalidStructure(t *testing.T) {
	p, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bad := validTx(1, 1, 0) // Size == 0 is structurally invalid
	ok, err := p.Add(bad)
	if ok || err == nil {
		t.Fatalf("Add(bad) = (%v, %v), want (false, non-nil)", ok, err)
	}
	if p.Has(bad.Hash) {
		t.Fatalf("invalid tx must not be admitted")
	}
}

func TestAddDedupesAndRejectedCacheSticks(t *testing.T) {
	p, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tx := validTx(2, 100, 250)
	ok, err := p.Add(tx)
	if !ok || err != nil {
		t.Fatalf("first Add = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = p.Add(tx)
	if ok || err != nil {
		t.Fatalf("duplicate Add = (%v, %v), want (false, nil)", ok, err)
	}

	p.Reject(tx.Hash)
	p.NotifyAdded([]consensus.Hash256{tx.Hash})
	ok, err = p.Add(tx)
	if ok || err != nil {
		t.Fatalf("Add after Reject = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestSelectDeterministicFeeThenHashOrder(t *testing.T) {
	p, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Two txs share a fee; ordering among equal fees must fall back to hash.
	low := validTx(0x01, 50, 100)
	high := validTx(0x02, 200, 100)
	tiedA := validTx(0x10, 100, 100)
	tiedB := validTx(0x20, 100, 100)
	for _, tx := range []consensus.Tx{low, high, tiedA, tiedB} {
		if _, err := p.Add(tx); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	got := p.Select(10, 0, 0)
	want := []consensus.Hash256{high.Hash, tiedA.Hash, tiedB.Hash, low.Hash}
	if len(got) != len(want) {
		t.Fatalf("Select len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Select()[%d] = %x, want %x", i, got[i], want[i])
		}
	}
}

func TestSelectRespectsCountSizeAndFeeBudgets(t *testing.T) {
	p, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := validTx(1, 500, 600)
	b := validTx(2, 400, 600)
	c := validTx(3, 300, 600)
	for _, tx := range []consensus.Tx{a, b, c} {
		if _, err := p.Add(tx); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if got := p.Select(1, 0, 0); len(got) != 1 || got[0] != a.Hash {
		t.Fatalf("Select(maxCount=1) = %v, want [a]", got)
	}

	// sizeBudget=600 admits only the first candidate under the running total.
	got := p.Select(10, 600, 0)
	if len(got) != 1 || got[0] != a.Hash {
		t.Fatalf("Select(sizeBudget=600) = %v, want [a]", got)
	}

	// feeBudget excludes anything that would push the running fee over it.
	got = p.Select(10, 0, 500)
	if len(got) != 1 || got[0] != a.Hash {
		t.Fatalf("Select(feeBudget=500) = %v, want [a]", got)
	}
}

func TestSelectResultsResolveViaGet(t *testing.T) {
	// §4.5: select's results must also resolve via get within the round.
	p, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tx := validTx(9, 10, 10)
	if _, err := p.Add(tx); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for _, h := range p.Select(10, 0, 0) {
		got, ok := p.Get(h)
		if !ok {
			t.Fatalf("Get(%x) after Select: not found", h)
		}
		if got.Hash != h {
			t.Fatalf("Get(%x) returned mismatched tx", h)
		}
	}
}

func TestNotifyAddedRemovesFromPool(t *testing.T) {
	p, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tx := validTx(7, 10, 10)
	if _, err := p.Add(tx); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !p.Has(tx.Hash) {
		t.Fatalf("expected tx present before NotifyAdded")
	}
	p.NotifyAdded([]consensus.Hash256{tx.Hash})
	if p.Has(tx.Hash) {
		t.Fatalf("expected tx removed after NotifyAdded")
	}
	if p.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", p.Size())
	}
}

func TestHashesReturnsAllPending(t *testing.T) {
	p, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	txs := []consensus.Tx{validTx(1, 1, 1), validTx(2, 2, 2), validTx(3, 3, 3)}
	for _, tx := range txs {
		if _, err := p.Add(tx); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	got := p.Hashes()
	if len(got) != len(txs) {
		t.Fatalf("Hashes() len = %d, want %d", len(got), len(txs))
	}
}
