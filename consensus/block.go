package consensus

import "fmt"

// Witness carries the invocation/verification script pair that authorizes a
// header or transaction, matching the Neo-N3 witness shape.
type Witness struct {
	InvocationScript   []byte
	VerificationScript []byte
}

// BlockHeader is the canonical consensus header (§3). prev_hash is the zero
// sentinel iff index == 0; merkle_root and next_consensus must be non-zero;
// a witness must be present once the header is finalized.
type BlockHeader struct {
	Version        uint32
	PrevHash       Hash256
	MerkleRoot     Hash256
	TimestampMS    uint64
	Nonce          uint64
	Index          uint32
	PrimaryIndex   uint8
	NextConsensus  Hash160
	Witness        Witness
}

// Validate checks the structural invariants from §3 that do not require
// chain context (linkage/index-sequencing is the Sync Engine's job, §4.3).
func (h BlockHeader) Validate() error {
	if h.Index == 0 && !h.PrevHash.IsZero() {
		return Protocolf("genesis header must have zero prev_hash")
	}
	if h.Index != 0 && h.PrevHash.IsZero() {
		return Protocolf("non-genesis header must have non-zero prev_hash")
	}
	if h.MerkleRoot.IsZero() {
		return Protocolf("header: merkle_root must be non-zero")
	}
	if h.NextConsensus.IsZero() {
		return Protocolf("header: next_consensus must be non-zero")
	}
	if len(h.Witness.VerificationScript) == 0 {
		return Protocolf("header: witness must be present")
	}
	return nil
}

// MaxBlockSize is the default serialized-size cap for a block (§3).
const MaxBlockSize = 1 << 20 // 1 MiB

// Block pairs a header with its transactions. Consensus only ever needs
// transaction hashes (§4.4.6); full bodies, when carried (e.g. over the
// wire Block message during sync), are full Tx values.
type Block struct {
	Header       BlockHeader
	Transactions []Tx
}

func (b Block) Validate() error {
	if err := b.Header.Validate(); err != nil {
		return err
	}
	if len(b.Transactions) == 0 {
		return Protocolf("block: transactions must be non-empty")
	}
	hashes := make([]Hash256, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash
	}
	root, err := MerkleRoot(hashes)
	if err != nil {
		return err
	}
	if root != b.Header.MerkleRoot {
		return Protocolf("block: merkle root mismatch")
	}
	if b.SerializedSize() > MaxBlockSize {
		return Protocolf("block: serialized size exceeds MAX_BLOCK_SIZE")
	}
	return nil
}

// EncodeBlockHeader produces the canonical header preimage used both for
// wire transport and for hashing (§4.4.5, §3):
// version || prev_hash || merkle_root || timestamp_ms || nonce || index ||
// primary_index || next_consensus, followed by the witness when present.
func EncodeBlockHeader(h BlockHeader, includeWitness bool) []byte {
	out := make([]byte, 0, 4+32+32+8+8+4+1+20)
	out = appendU32(out, h.Version)
	out = append(out, h.PrevHash[:]...)
	out = append(out, h.MerkleRoot[:]...)
	out = appendU64(out, h.TimestampMS)
	out = appendU64(out, h.Nonce)
	out = appendU32(out, h.Index)
	out = append(out, h.PrimaryIndex)
	out = append(out, h.NextConsensus[:]...)
	if includeWitness {
		out = append(out, EncodeVarBytes(h.Witness.InvocationScript)...)
		out = append(out, EncodeVarBytes(h.Witness.VerificationScript)...)
	}
	return out
}

const maxWitnessScriptBytes = 65536

func DecodeBlockHeader(b []byte) (BlockHeader, int, error) {
	const fixedLen = 4 + 32 + 32 + 8 + 8 + 4 + 1 + 20
	if len(b) < fixedLen {
		return BlockHeader{}, 0, Protocolf("header: truncated")
	}
	var h BlockHeader
	off := 0
	h.Version, off = readU32(b, off)
	copy(h.PrevHash[:], b[off:off+32])
	off += 32
	copy(h.MerkleRoot[:], b[off:off+32])
	off += 32
	h.TimestampMS, off = readU64(b, off)
	h.Nonce, off = readU64(b, off)
	h.Index, off = readU32(b, off)
	h.PrimaryIndex = b[off]
	off++
	copy(h.NextConsensus[:], b[off:off+20])
	off += 20

	inv, used, err := DecodeVarBytes(b[off:], maxWitnessScriptBytes)
	if err != nil {
		return BlockHeader{}, 0, fmt.Errorf("header: invocation script: %w", err)
	}
	off += used
	ver, used, err := DecodeVarBytes(b[off:], maxWitnessScriptBytes)
	if err != nil {
		return BlockHeader{}, 0, fmt.Errorf("header: verification script: %w", err)
	}
	off += used
	h.Witness = Witness{InvocationScript: inv, VerificationScript: ver}
	return h, off, nil
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU64(b []byte, v uint64) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func readU32(b []byte, off int) (uint32, int) {
	v := uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
	return v, off + 4
}

func readU64(b []byte, off int) (uint64, int) {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[off+i]) << (8 * i)
	}
	return v, off + 8
}
