package consensus

import "testing"

func hashOf(b byte) Hash256 {
	var h Hash256
	h[0] = b
	return h
}

func TestMerkleRootSingle(t *testing.T) {
	h := hashOf(1)
	root, err := MerkleRoot([]Hash256{h})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if root != h {
		t.Fatalf("single-leaf root should equal the leaf, got %x want %x", root, h)
	}
}

func TestMerkleRootOddDuplicatesLast(t *testing.T) {
	three := []Hash256{hashOf(1), hashOf(2), hashOf(3)}
	four := []Hash256{hashOf(1), hashOf(2), hashOf(3), hashOf(3)}
	rootThree, err := MerkleRoot(three)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rootFour, err := MerkleRoot(four)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rootThree != rootFour {
		t.Fatalf("odd-level duplicate-last rule violated: %x != %x", rootThree, rootFour)
	}
}

func TestMerkleRootEmptyRejected(t *testing.T) {
	if _, err := MerkleRoot(nil); err == nil {
		t.Fatalf("expected error for empty hash list")
	}
}

func TestMerkleRootDeterministic(t *testing.T) {
	hashes := []Hash256{hashOf(1), hashOf(2), hashOf(3), hashOf(4), hashOf(5)}
	r1, err := MerkleRoot(hashes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := MerkleRoot(hashes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r1 != r2 {
		t.Fatalf("merkle root must be deterministic")
	}
}
