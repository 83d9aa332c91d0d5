package p2p

import (
	"fmt"

	"neonode.dev/node/consensus"
)

const (
	// MaxHeadersPerMessage is the §4.1/§6.2 Headers container cap.
	MaxHeadersPerMessage = 2000
	// MaxLocatorHashes is the §4.1/§6.2 GetHeaders locator cap.
	MaxLocatorHashes = 100
)

// GetHeadersPayload requests headers from the peer's chain starting after
// the first locator hash it recognizes (§4.3 step 2). A zero stop hash
// means "as many as fit in one Headers message".
type GetHeadersPayload struct {
	Locator []consensus.Hash256
	Stop    consensus.Hash256
}

func EncodeGetHeadersPayload(p GetHeadersPayload) ([]byte, error) {
	if len(p.Locator) == 0 || len(p.Locator) > MaxLocatorHashes {
		return nil, fmt.Errorf("p2p: getheaders: locator must hold 1..%d hashes", MaxLocatorHashes)
	}
	out := make([]byte, 0, 9+len(p.Locator)*32+32)
	out = append(out, consensus.EncodeVarUint(uint64(len(p.Locator)))...)
	for _, h := range p.Locator {
		out = append(out, h[:]...)
	}
	out = append(out, p.Stop[:]...)
	return out, nil
}

func DecodeGetHeadersPayload(b []byte) (GetHeadersPayload, error) {
	count, used, err := consensus.DecodeVarUint(b)
	if err != nil {
		return GetHeadersPayload{}, fmt.Errorf("p2p: getheaders: %w", err)
	}
	if count < 1 || count > MaxLocatorHashes {
		return GetHeadersPayload{}, fmt.Errorf("p2p: getheaders: locator must hold 1..%d hashes", MaxLocatorHashes)
	}
	off := used
	need := off + int(count)*32 + 32
	if len(b) != need {
		return GetHeadersPayload{}, fmt.Errorf("p2p: getheaders: length mismatch")
	}
	locator := make([]consensus.Hash256, count)
	for i := range locator {
		copy(locator[i][:], b[off:off+32])
		off += 32
	}
	var stop consensus.Hash256
	copy(stop[:], b[off:off+32])
	if !stop.IsZero() && locator[0].IsZero() {
		return GetHeadersPayload{}, fmt.Errorf("p2p: getheaders: all-zero start with non-zero stop rejected")
	}
	return GetHeadersPayload{Locator: locator, Stop: stop}, nil
}

// HeadersPayload carries up to MaxHeadersPerMessage headers (§6.2).
type HeadersPayload struct {
	Headers []consensus.BlockHeader
}

func EncodeHeadersPayload(p HeadersPayload) ([]byte, error) {
	if len(p.Headers) > MaxHeadersPerMessage {
		return nil, fmt.Errorf("p2p: headers: count exceeds %d", MaxHeadersPerMessage)
	}
	out := make([]byte, 0, 9+len(p.Headers)*145)
	out = append(out, consensus.EncodeVarUint(uint64(len(p.Headers)))...)
	for _, h := range p.Headers {
		hb := consensus.EncodeBlockHeader(h, true)
		out = append(out, consensus.EncodeVarBytes(hb)...)
	}
	return out, nil
}

const maxHeaderBytes = 1 << 16

func DecodeHeadersPayload(b []byte) (HeadersPayload, error) {
	count, used, err := consensus.DecodeVarUint(b)
	if err != nil {
		return HeadersPayload{}, fmt.Errorf("p2p: headers: %w", err)
	}
	if count > MaxHeadersPerMessage {
		return HeadersPayload{}, fmt.Errorf("p2p: headers: count exceeds %d", MaxHeadersPerMessage)
	}
	off := used
	headers := make([]consensus.BlockHeader, 0, count)
	for i := uint64(0); i < count; i++ {
		raw, n, err := consensus.DecodeVarBytes(b[off:], maxHeaderBytes)
		if err != nil {
			return HeadersPayload{}, fmt.Errorf("p2p: headers: entry %d: %w", i, err)
		}
		off += n
		h, used2, err := consensus.DecodeBlockHeader(raw)
		if err != nil {
			return HeadersPayload{}, fmt.Errorf("p2p: headers: entry %d: %w", i, err)
		}
		if used2 != len(raw) {
			return HeadersPayload{}, fmt.Errorf("p2p: headers: entry %d: trailing bytes", i)
		}
		headers = append(headers, h)
	}
	if off != len(b) {
		return HeadersPayload{}, fmt.Errorf("p2p: headers: trailing bytes")
	}
	return HeadersPayload{Headers: headers}, nil
}

// GetBlockByIndexPayload requests a contiguous run of blocks by index
// (§4.3 step 3). Index-based sync is used exclusively; the hash-range
// GetBlocks alternative the protocol also allows is not implemented.
type GetBlockByIndexPayload struct {
	Start uint32
	Count uint16
}

const MaxBlocksPerRequest = 500

func EncodeGetBlockByIndexPayload(p GetBlockByIndexPayload) ([]byte, error) {
	if p.Count < 1 || p.Count > MaxBlocksPerRequest {
		return nil, fmt.Errorf("p2p: getblockbyindex: count must be 1..%d", MaxBlocksPerRequest)
	}
	out := make([]byte, 0, 6)
	out = append(out, consensus.LittleEndianU32(p.Start)...)
	out = append(out, byte(p.Count), byte(p.Count>>8))
	return out, nil
}

func DecodeGetBlockByIndexPayload(b []byte) (GetBlockByIndexPayload, error) {
	if len(b) != 6 {
		return GetBlockByIndexPayload{}, fmt.Errorf("p2p: getblockbyindex: bad length")
	}
	start := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	count := uint16(b[4]) | uint16(b[5])<<8
	if count < 1 || count > MaxBlocksPerRequest {
		return GetBlockByIndexPayload{}, fmt.Errorf("p2p: getblockbyindex: count must be 1..%d", MaxBlocksPerRequest)
	}
	return GetBlockByIndexPayload{Start: start, Count: count}, nil
}
