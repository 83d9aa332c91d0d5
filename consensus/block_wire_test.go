package consensus

import (
	"reflect"
	"testing"
)

func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	tx := sampleTx()
	h := sampleHeader()
	root, err := MerkleRoot([]Hash256{tx.Hash})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.MerkleRoot = root
	b := Block{Header: h, Transactions: []Tx{tx}}

	enc := EncodeBlock(b)
	got, err := DecodeBlock(enc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got.Header, b.Header) {
		t.Fatalf("header mismatch")
	}
	if len(got.Transactions) != 1 || got.Transactions[0].Hash != tx.Hash {
		t.Fatalf("transactions mismatch: %+v", got.Transactions)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("decoded block should validate: %v", err)
	}
}

func TestBlockValidateRejectsOversize(t *testing.T) {
	tx := sampleTx()
	tx.Script = make([]byte, MaxTxSize-64)
	tx.Hash = ComputeTxHash(tx)
	h := sampleHeader()
	root, err := MerkleRoot([]Hash256{tx.Hash})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.MerkleRoot = root
	b := Block{Header: h, Transactions: []Tx{tx, tx, tx, tx, tx, tx, tx, tx, tx, tx, tx}}
	// MerkleRoot over repeated identical hashes is still deterministic but
	// won't equal the single-tx root above; rebuild it to keep the test
	// focused on the size check rather than an incidental merkle failure.
	hashes := make([]Hash256, len(b.Transactions))
	for i := range b.Transactions {
		hashes[i] = tx.Hash
	}
	root, err = MerkleRoot(hashes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Header.MerkleRoot = root

	if b.SerializedSize() <= MaxBlockSize {
		t.Fatalf("test fixture did not exceed MaxBlockSize (%d)", b.SerializedSize())
	}
	if err := b.Validate(); err == nil {
		t.Fatalf("oversize block should be rejected")
	}
}
