package dbft

import (
	"crypto/sha256"
	"fmt"

	"neonode.dev/node/consensus"
)

// dbftCategory is the ExtensiblePayload category this engine produces and
// accepts ("dBFT" per the glossary).
const dbftCategory = "dBFT"

// ExtensiblePayload is the on-wire envelope carrying every signed consensus
// message (§4.4.2, glossary). valid_block_start is always 0 for this
// engine; valid_block_end is the proposing block_index.
type ExtensiblePayload struct {
	ValidBlockStart uint32
	ValidBlockEnd   uint32
	Sender          consensus.Hash160
	Data            []byte // inner message bytes (MessageType-prefixed, see messages.go)
	Witness         consensus.Witness
}

// payloadUnsignedBytes builds the preimage §4.4.2 hashes:
// varstring("dBFT") || u32_le(valid_block_start) || u32_le(valid_block_end)
// || sender(20B) || var_bytes(inner_message_bytes).
func payloadUnsignedBytes(p ExtensiblePayload) []byte {
	out := make([]byte, 0, 16+len(p.Data))
	out = append(out, consensus.EncodeVarBytes([]byte(dbftCategory))...)
	out = append(out, consensus.LittleEndianU32(p.ValidBlockStart)...)
	out = append(out, consensus.LittleEndianU32(p.ValidBlockEnd)...)
	out = append(out, p.Sender[:]...)
	out = append(out, consensus.EncodeVarBytes(p.Data)...)
	return out
}

// PayloadHash computes H_payload (§4.4.2).
func PayloadHash(p ExtensiblePayload) consensus.Hash256 {
	return sha256.Sum256(payloadUnsignedBytes(p))
}

// PayloadSignData is the data a payload witness signature covers:
// LE(network_magic) || H_payload.
func PayloadSignData(networkMagic uint32, payloadHash consensus.Hash256) []byte {
	out := make([]byte, 0, 4+32)
	out = append(out, consensus.LittleEndianU32(networkMagic)...)
	out = append(out, payloadHash[:]...)
	return out
}

const maxExtensiblePayloadDataBytes = 1 << 20 // generous; inner messages are small.

// EncodeExtensiblePayload serializes the full wire envelope, witness
// included, for transport over the Extensible("dBFT") command (§6.2).
func EncodeExtensiblePayload(p ExtensiblePayload) []byte {
	out := make([]byte, 0, 8+20+len(p.Data)+64)
	out = append(out, consensus.LittleEndianU32(p.ValidBlockStart)...)
	out = append(out, consensus.LittleEndianU32(p.ValidBlockEnd)...)
	out = append(out, p.Sender[:]...)
	out = append(out, consensus.EncodeVarBytes(p.Data)...)
	out = append(out, consensus.EncodeVarBytes(p.Witness.InvocationScript)...)
	out = append(out, consensus.EncodeVarBytes(p.Witness.VerificationScript)...)
	return out
}

func DecodeExtensiblePayload(b []byte) (ExtensiblePayload, error) {
	const fixed = 4 + 4 + 20
	if len(b) < fixed {
		return ExtensiblePayload{}, fmt.Errorf("dbft: extensible payload: truncated")
	}
	var p ExtensiblePayload
	off := 0
	var v uint32
	v, off = readU32(b, off)
	p.ValidBlockStart = v
	v, off = readU32(b, off)
	p.ValidBlockEnd = v
	copy(p.Sender[:], b[off:off+20])
	off += 20

	data, used, err := consensus.DecodeVarBytes(b[off:], maxExtensiblePayloadDataBytes)
	if err != nil {
		return ExtensiblePayload{}, fmt.Errorf("dbft: extensible payload: data: %w", err)
	}
	off += used
	p.Data = data

	inv, used, err := consensus.DecodeVarBytes(b[off:], maxExtensiblePayloadDataBytes)
	if err != nil {
		return ExtensiblePayload{}, fmt.Errorf("dbft: extensible payload: invocation script: %w", err)
	}
	off += used
	ver, used, err := consensus.DecodeVarBytes(b[off:], maxExtensiblePayloadDataBytes)
	if err != nil {
		return ExtensiblePayload{}, fmt.Errorf("dbft: extensible payload: verification script: %w", err)
	}
	off += used
	p.Witness = consensus.Witness{InvocationScript: inv, VerificationScript: ver}
	if off != len(b) {
		return ExtensiblePayload{}, fmt.Errorf("dbft: extensible payload: trailing bytes")
	}
	return p, nil
}

func readU32(b []byte, off int) (uint32, int) {
	v := uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
	return v, off + 4
}
