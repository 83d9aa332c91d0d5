package dbft

import (
	"fmt"
	"sort"

	"neonode.dev/node/consensus"
)

const maxRecoveryEntries = 255

// EncodeRecoveryResponse serializes a RecoveryResponse. Maps are encoded in
// ascending validator_index order so encode/decode round-trips are
// byte-stable, matching the map-iteration-is-unordered caution every Go
// style guide in the corpus follows for wire code.
func EncodeRecoveryResponse(m RecoveryResponse) []byte {
	body := make([]byte, 0, 256)
	body = append(body, consensus.LittleEndianU32(m.BlockIndex)...)
	body = append(body, m.ViewNumber)

	if m.HasPrepareRequest {
		body = append(body, 1)
		body = append(body, EncodePrepareRequest(m.PrepareRequest)...)
	} else {
		body = append(body, 0)
	}

	body = append(body, encodeSigMap(m.PrepareResponses)...)
	body = append(body, encodeSigMap(m.Commits)...)
	body = append(body, encodeChangeViewMap(m.ChangeViews)...)
	return encodeInner(MsgRecoveryResponse, body)
}

func sortedIndices[V any](m map[uint8]V) []uint8 {
	out := make([]uint8, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func encodeSigMap(m map[uint8][]byte) []byte {
	idxs := sortedIndices(m)
	out := append([]byte{}, byte(len(idxs)))
	for _, idx := range idxs {
		sig := m[idx]
		out = append(out, idx, byte(len(sig)))
		out = append(out, sig...)
	}
	return out
}

func decodeSigMap(b []byte) (map[uint8][]byte, int, error) {
	if len(b) < 1 {
		return nil, 0, fmt.Errorf("dbft: recovery: truncated sig map count")
	}
	n := int(b[0])
	off := 1
	out := make(map[uint8][]byte, n)
	for i := 0; i < n; i++ {
		if len(b)-off < 2 {
			return nil, 0, fmt.Errorf("dbft: recovery: truncated sig entry")
		}
		idx := b[off]
		sigLen := int(b[off+1])
		off += 2
		if len(b)-off < sigLen {
			return nil, 0, fmt.Errorf("dbft: recovery: truncated sig bytes")
		}
		out[idx] = append([]byte(nil), b[off:off+sigLen]...)
		off += sigLen
	}
	return out, off, nil
}

func encodeChangeViewMap(m map[uint8]ChangeViewEntry) []byte {
	idxs := sortedIndices(m)
	out := append([]byte{}, byte(len(idxs)))
	for _, idx := range idxs {
		e := m[idx]
		out = append(out, idx, e.NewView, byte(e.Reason))
		out = appendU64(out, e.TimestampMS)
	}
	return out
}

func decodeChangeViewMap(b []byte) (map[uint8]ChangeViewEntry, int, error) {
	if len(b) < 1 {
		return nil, 0, fmt.Errorf("dbft: recovery: truncated change view count")
	}
	n := int(b[0])
	off := 1
	out := make(map[uint8]ChangeViewEntry, n)
	for i := 0; i < n; i++ {
		if len(b)-off < 11 {
			return nil, 0, fmt.Errorf("dbft: recovery: truncated change view entry")
		}
		idx := b[off]
		newView := b[off+1]
		reason := ChangeViewReason(b[off+2])
		ts, _ := readU64(b, off+3)
		out[idx] = ChangeViewEntry{NewView: newView, Reason: reason, TimestampMS: ts}
		off += 11
	}
	return out, off, nil
}

func DecodeRecoveryResponse(body []byte) (RecoveryResponse, error) {
	if len(body) < 6 {
		return RecoveryResponse{}, fmt.Errorf("dbft: recovery response: truncated")
	}
	var m RecoveryResponse
	off := 0
	m.BlockIndex, off = readU32(body, off)
	m.ViewNumber = body[off]
	off++
	hasPR := body[off]
	off++
	if hasPR == 1 {
		pr, used, err := DecodePrepareRequest(body[off:])
		if err != nil {
			return RecoveryResponse{}, fmt.Errorf("dbft: recovery response: prepare request: %w", err)
		}
		m.HasPrepareRequest = true
		m.PrepareRequest = pr
		off += used
	} else if hasPR != 0 {
		return RecoveryResponse{}, fmt.Errorf("dbft: recovery response: bad has_prepare_request flag")
	}

	pr, used, err := decodeSigMap(body[off:])
	if err != nil {
		return RecoveryResponse{}, fmt.Errorf("dbft: recovery response: prepare responses: %w", err)
	}
	off += used
	m.PrepareResponses = pr

	commits, used, err := decodeSigMap(body[off:])
	if err != nil {
		return RecoveryResponse{}, fmt.Errorf("dbft: recovery response: commits: %w", err)
	}
	off += used
	m.Commits = commits

	cvs, used, err := decodeChangeViewMap(body[off:])
	if err != nil {
		return RecoveryResponse{}, fmt.Errorf("dbft: recovery response: change views: %w", err)
	}
	off += used
	m.ChangeViews = cvs

	if off != len(body) {
		return RecoveryResponse{}, fmt.Errorf("dbft: recovery response: trailing bytes")
	}
	return m, nil
}
