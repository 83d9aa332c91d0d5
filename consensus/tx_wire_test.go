package consensus

import "testing"

func sampleTx() Tx {
	t := Tx{
		Version:         0,
		SystemFee:       100,
		NetworkFee:      50,
		ValidUntilBlock: 1000,
		Script:          []byte{0x51, 0x52},
		Signers:         []Signer{{Account: Hash160{1, 2, 3}, Scopes: 1}},
		Conflicts:       []ConflictAttribute{{Hash: hashOf(3)}},
		Witnesses:       []Witness{{InvocationScript: []byte{0x0c, 0x40}, VerificationScript: []byte{0x51}}},
	}
	t.Hash = ComputeTxHash(t)
	t.Size = uint32(len(EncodeTx(t)))
	return t
}

func TestTxEncodeDecodeRoundTrip(t *testing.T) {
	tx := sampleTx()
	enc := EncodeTx(tx)
	got, used, err := DecodeTx(enc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != len(enc) {
		t.Fatalf("consumed %d, want %d", used, len(enc))
	}
	if got.Hash != tx.Hash {
		t.Fatalf("hash mismatch: got %s want %s", got.Hash, tx.Hash)
	}
	if got.Version != tx.Version || got.SystemFee != tx.SystemFee || got.NetworkFee != tx.NetworkFee {
		t.Fatalf("field mismatch: %+v vs %+v", got, tx)
	}
	if len(got.Signers) != 1 || got.Signers[0].Account != tx.Signers[0].Account {
		t.Fatalf("signers mismatch: %+v", got.Signers)
	}
	if len(got.Witnesses) != 1 {
		t.Fatalf("witnesses mismatch: %+v", got.Witnesses)
	}
}

func TestTxHashExcludesWitnesses(t *testing.T) {
	tx := sampleTx()
	h1 := ComputeTxHash(tx)
	tx.Witnesses[0].InvocationScript = []byte{0xff, 0xff, 0xff}
	h2 := ComputeTxHash(tx)
	if h1 != h2 {
		t.Fatalf("tx hash must not depend on witnesses")
	}
}

func TestTxValidateStructureRejectsBadVersion(t *testing.T) {
	tx := sampleTx()
	tx.Version = 1
	if err := tx.ValidateStructure(); err == nil {
		t.Fatalf("expected version rejection")
	}
}

func TestDecodeTxRejectsTooManySigners(t *testing.T) {
	tx := sampleTx()
	for i := 0; i < MaxSigners+1; i++ {
		tx.Signers = append(tx.Signers, Signer{Account: Hash160{byte(i)}})
	}
	enc := EncodeTx(tx)
	if _, _, err := DecodeTx(enc); err == nil {
		t.Fatalf("expected signer-count rejection")
	}
}
