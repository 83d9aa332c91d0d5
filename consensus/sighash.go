package consensus

import (
	"crypto/sha256"
	"encoding/binary"
)

// BlockHeaderHash is the header hash from §4.4.5: a single SHA-256 over the
// canonical header fields, witness excluded.
func BlockHeaderHash(h BlockHeader) Hash256 {
	preimage := EncodeBlockHeader(h, false)
	return sha256.Sum256(preimage)
}

// LittleEndianU32 renders a u32 in little-endian, as required by every
// "LE(x)" construction in the wire protocol (network magic, block index
// bounds).
func LittleEndianU32(v uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v)
	return out
}

// BlockSignData is the data a Commit signature covers: LE(network_magic) ||
// block_hash (§4.4.1 step 6, §4.4.4).
func BlockSignData(networkMagic uint32, blockHash Hash256) []byte {
	out := make([]byte, 0, 4+32)
	out = append(out, LittleEndianU32(networkMagic)...)
	out = append(out, blockHash[:]...)
	return out
}
