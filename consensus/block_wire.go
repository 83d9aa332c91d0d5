package consensus

import "fmt"

// EncodeBlock renders the §5.1 wire shape: the canonical header (witness
// included) followed by var_uint(tx_count) and each transaction's full
// EncodeTx blob, var_bytes-wrapped. This is the shape exchanged over the
// Block command during sync (§6.2); consensus itself only ever needs
// transaction hashes (§4.4.6) and reaches them via Block.Transactions[i].Hash.
func EncodeBlock(b Block) []byte {
	out := EncodeBlockHeader(b.Header, true)
	out = append(out, EncodeVarUint(uint64(len(b.Transactions)))...)
	for _, tx := range b.Transactions {
		out = append(out, EncodeVarBytes(EncodeTx(tx))...)
	}
	return out
}

const maxTxBlobBytes = MaxTxSize

// DecodeBlock parses a full Block blob (§5.1, §6.2 "Block blob: §3
// invariants + merkle check"). It does not itself call Validate; callers
// apply §3's invariants (including the MaxBlockSize bound) separately.
func DecodeBlock(b []byte) (Block, error) {
	header, used, err := DecodeBlockHeader(b)
	if err != nil {
		return Block{}, fmt.Errorf("block: header: %w", err)
	}
	off := used
	count, n, err := DecodeVarUint(b[off:])
	if err != nil {
		return Block{}, fmt.Errorf("block: tx count: %w", err)
	}
	off += n
	txs := make([]Tx, count)
	for i := range txs {
		raw, n, err := DecodeVarBytes(b[off:], maxTxBlobBytes)
		if err != nil {
			return Block{}, fmt.Errorf("block: tx %d: %w", i, err)
		}
		off += n
		tx, used2, err := DecodeTx(raw)
		if err != nil {
			return Block{}, fmt.Errorf("block: tx %d: %w", i, err)
		}
		if used2 != len(raw) {
			return Block{}, fmt.Errorf("block: tx %d: trailing bytes", i)
		}
		txs[i] = tx
	}
	if off != len(b) {
		return Block{}, fmt.Errorf("block: trailing bytes")
	}
	return Block{Header: header, Transactions: txs}, nil
}

// SerializedSize reports the encoded byte length, for the §3 MaxBlockSize
// invariant.
func (b Block) SerializedSize() int {
	return len(EncodeBlock(b))
}
