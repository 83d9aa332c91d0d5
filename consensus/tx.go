package consensus

// Signer is a transaction signer entry; opaque beyond the script hash it
// authorizes, since consensus never interprets witness/account semantics.
type Signer struct {
	Account Hash160
	Scopes  byte
}

// ConflictAttribute names a transaction hash this transaction conflicts
// with (§3 "attributes (Conflicts list)").
type ConflictAttribute struct {
	Hash Hash256
}

// Tx is the opaque transaction shape consensus needs: everything §3 names
// and nothing else. Full script/VM semantics belong to the external
// ledger.
type Tx struct {
	Hash            Hash256
	Version         uint8
	Size            uint32
	SystemFee       int64
	NetworkFee      int64
	ValidUntilBlock uint32
	Script          []byte
	Signers         []Signer
	Conflicts       []ConflictAttribute
	Witnesses       []Witness
}

const MaxTxSize = 100 * 1024 // 100 KiB (§4.3 Tx message validation).

// ValidateStructure applies the transaction-sequence checks from §4.3 that
// do not require chain height context.
func (t Tx) ValidateStructure() error {
	if t.Version != 0 {
		return Protocolf("tx: version must be 0")
	}
	if t.Size == 0 || t.Size > MaxTxSize {
		return Protocolf("tx: size out of bounds")
	}
	if len(t.Script) == 0 {
		return Protocolf("tx: script must be non-empty")
	}
	if len(t.Witnesses) == 0 {
		return Protocolf("tx: witnesses must be non-empty")
	}
	if t.SystemFee < 0 {
		return Protocolf("tx: system_fee must be non-negative")
	}
	if t.NetworkFee < 0 {
		return Protocolf("tx: network_fee must be non-negative")
	}
	return nil
}

// ValidateAgainstHeight applies the height-dependent check from §4.3.
func (t Tx) ValidateAgainstHeight(localHeight uint32) error {
	if t.ValidUntilBlock <= localHeight {
		return Protocolf("tx: valid_until_block %d not greater than local height %d", t.ValidUntilBlock, localHeight)
	}
	return nil
}
