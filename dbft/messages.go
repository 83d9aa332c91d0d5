package dbft

import (
	"fmt"

	"neonode.dev/node/consensus"
)

// MessageType tags the inner message carried by an ExtensiblePayload's Data.
type MessageType byte

const (
	MsgPrepareRequest MessageType = iota + 1
	MsgPrepareResponse
	MsgCommit
	MsgChangeView
	MsgRecoveryRequest
	MsgRecoveryResponse
)

// PrepareRequest is the primary's proposal for round (H, V) (§4.4.3). Every
// consensus message names the view it belongs to so a receiver can apply
// the §4.4.2 cross-round "WrongView" check without consulting anything but
// the message itself.
type PrepareRequest struct {
	ViewNumber        uint8
	Version           uint32
	PrevHash          consensus.Hash256
	TimestampMS       uint64
	Nonce             uint64
	TransactionHashes []consensus.Hash256
}

// PrepareResponse references the PrepareRequest's payload hash (§4.4.4).
type PrepareResponse struct {
	ViewNumber      uint8
	PreparationHash consensus.Hash256
}

// Commit carries a 64-byte ECDSA secp256r1 signature over the block hash
// (§4.4.4).
type Commit struct {
	ViewNumber uint8
	Signature  []byte
}

// ChangeView is a validator's vote to move to a new view (§4.4.4).
type ChangeView struct {
	NewView     uint8
	Reason      ChangeViewReason
	TimestampMS uint64
}

// RecoveryRequest asks peers for their state for (block_index, view_number)
// (§4.4.7).
type RecoveryRequest struct {
	BlockIndex  uint32
	ViewNumber  uint8
	TimestampMS uint64
}

// RecoveryResponse bundles everything the responder holds for a round
// (§4.4.7): the PrepareRequest if any, every PrepareResponse, every Commit,
// every ChangeView currently held.
type RecoveryResponse struct {
	BlockIndex        uint32
	ViewNumber        uint8
	HasPrepareRequest bool
	PrepareRequest    PrepareRequest
	PrepareResponses  map[uint8][]byte
	Commits           map[uint8][]byte
	ChangeViews       map[uint8]ChangeViewEntry
}

const maxTxHashes = 65535

func encodeInner(msgType MessageType, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(msgType))
	out = append(out, body...)
	return out
}

func EncodePrepareRequest(m PrepareRequest) []byte {
	body := make([]byte, 0, 1+4+32+8+8+9+len(m.TransactionHashes)*32)
	body = append(body, m.ViewNumber)
	body = append(body, consensus.LittleEndianU32(m.Version)...)
	body = append(body, m.PrevHash[:]...)
	body = appendU64(body, m.TimestampMS)
	body = appendU64(body, m.Nonce)
	body = append(body, consensus.EncodeVarUint(uint64(len(m.TransactionHashes)))...)
	for _, h := range m.TransactionHashes {
		body = append(body, h[:]...)
	}
	return encodeInner(MsgPrepareRequest, body)
}

// DecodePrepareRequest parses the fixed+variable prepare-request body and
// returns the number of bytes consumed, so embedders (RecoveryResponse) can
// parse it as a prefix of a longer buffer. Standalone callers should check
// that the returned count equals len(body).
func DecodePrepareRequest(body []byte) (PrepareRequest, int, error) {
	if len(body) < 1+4+32+8+8 {
		return PrepareRequest{}, 0, fmt.Errorf("dbft: prepare request: truncated")
	}
	var m PrepareRequest
	off := 0
	m.ViewNumber = body[off]
	off++
	var v32 uint32
	v32, off = readU32(body, off)
	m.Version = v32
	copy(m.PrevHash[:], body[off:off+32])
	off += 32
	m.TimestampMS, off = readU64(body, off)
	m.Nonce, off = readU64(body, off)
	count, used, err := consensus.DecodeVarUint(body[off:])
	if err != nil {
		return PrepareRequest{}, 0, err
	}
	if count > maxTxHashes {
		return PrepareRequest{}, 0, fmt.Errorf("dbft: prepare request: too many tx hashes")
	}
	off += used
	if len(body)-off < int(count)*32 {
		return PrepareRequest{}, 0, fmt.Errorf("dbft: prepare request: truncated tx hashes")
	}
	m.TransactionHashes = make([]consensus.Hash256, count)
	for i := range m.TransactionHashes {
		copy(m.TransactionHashes[i][:], body[off:off+32])
		off += 32
	}
	return m, off, nil
}

func EncodePrepareResponse(m PrepareResponse) []byte {
	body := make([]byte, 0, 1+32)
	body = append(body, m.ViewNumber)
	body = append(body, m.PreparationHash[:]...)
	return encodeInner(MsgPrepareResponse, body)
}

func DecodePrepareResponse(body []byte) (PrepareResponse, error) {
	if len(body) != 1+32 {
		return PrepareResponse{}, fmt.Errorf("dbft: prepare response: bad length")
	}
	var m PrepareResponse
	m.ViewNumber = body[0]
	copy(m.PreparationHash[:], body[1:])
	return m, nil
}

func EncodeCommit(m Commit) []byte {
	body := make([]byte, 0, 1+len(m.Signature))
	body = append(body, m.ViewNumber)
	body = append(body, m.Signature...)
	return encodeInner(MsgCommit, body)
}

func DecodeCommit(body []byte) (Commit, error) {
	if len(body) != 1+64 {
		return Commit{}, fmt.Errorf("dbft: commit: signature must be 64 bytes")
	}
	return Commit{ViewNumber: body[0], Signature: append([]byte(nil), body[1:]...)}, nil
}

func EncodeChangeView(m ChangeView) []byte {
	body := make([]byte, 0, 1+1+8)
	body = append(body, m.NewView, byte(m.Reason))
	body = appendU64(body, m.TimestampMS)
	return encodeInner(MsgChangeView, body)
}

func DecodeChangeView(body []byte) (ChangeView, error) {
	if len(body) != 10 {
		return ChangeView{}, fmt.Errorf("dbft: change view: bad length")
	}
	ts, _ := readU64(body, 2)
	return ChangeView{NewView: body[0], Reason: ChangeViewReason(body[1]), TimestampMS: ts}, nil
}

func EncodeRecoveryRequest(m RecoveryRequest) []byte {
	body := make([]byte, 0, 4+1+8)
	body = append(body, consensus.LittleEndianU32(m.BlockIndex)...)
	body = append(body, m.ViewNumber)
	body = appendU64(body, m.TimestampMS)
	return encodeInner(MsgRecoveryRequest, body)
}

func DecodeRecoveryRequest(body []byte) (RecoveryRequest, error) {
	if len(body) != 13 {
		return RecoveryRequest{}, fmt.Errorf("dbft: recovery request: bad length")
	}
	idx, off := readU32(body, 0)
	view := body[off]
	off++
	ts, _ := readU64(body, off)
	return RecoveryRequest{BlockIndex: idx, ViewNumber: view, TimestampMS: ts}, nil
}

func appendU64(b []byte, v uint64) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

func readU64(b []byte, off int) (uint64, int) {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[off+i]) << (8 * i)
	}
	return v, off + 8
}
