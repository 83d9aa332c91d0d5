package dbft

import (
	"fmt"

	"neonode.dev/node/consensus"
)

// RoundSnapshotVersion is the leading byte of every persisted ConsensusRound
// (§6.3): "a leading byte encodes the serialization version; unknown
// versions cause the engine to start fresh... rather than panic."
const RoundSnapshotVersion = 1

// StoreKey is the §6.3 fixed key the round snapshot is written under.
const StoreKey = 0xF4

const (
	flagPrepareRequestReceived = 1 << 0
	flagPrepareResponseSent    = 1 << 1
	flagCommitSent             = 1 << 2
	flagChangeViewSent         = 1 << 3
	flagRecoveryRequestSent    = 1 << 4
	flagHasProposedBlockHash   = 1 << 5
	flagHasPreparationHash     = 1 << 6
)

// EncodeRoundSnapshot serializes r into the §6.3 versioned form. It is the
// one thing the engine hands to a RoundStore at commit time; restart
// recovery is DecodeRoundSnapshot's job.
func EncodeRoundSnapshot(r *Round) []byte {
	out := make([]byte, 0, 256)
	out = append(out, RoundSnapshotVersion)
	out = append(out, consensus.LittleEndianU32(r.BlockIndex)...)
	out = append(out, r.ViewNumber, byte(r.Phase))
	out = append(out, r.PrevHash[:]...)
	out = append(out, consensus.LittleEndianU32(r.Version)...)
	out = appendU64(out, r.ProposedTimestampMS)
	out = appendU64(out, r.Nonce)

	out = append(out, consensus.EncodeVarUint(uint64(len(r.ProposedTxHashes)))...)
	for _, h := range r.ProposedTxHashes {
		out = append(out, h[:]...)
	}

	var flags byte
	if r.PrepareRequestReceived {
		flags |= flagPrepareRequestReceived
	}
	if r.PrepareResponseSent {
		flags |= flagPrepareResponseSent
	}
	if r.CommitSent {
		flags |= flagCommitSent
	}
	if r.ChangeViewSent {
		flags |= flagChangeViewSent
	}
	if r.RecoveryRequestSent {
		flags |= flagRecoveryRequestSent
	}
	if r.ProposedBlockHash != nil {
		flags |= flagHasProposedBlockHash
	}
	if r.PreparationHash != nil {
		flags |= flagHasPreparationHash
	}
	out = append(out, flags)
	if r.ProposedBlockHash != nil {
		out = append(out, r.ProposedBlockHash[:]...)
	}
	if r.PreparationHash != nil {
		out = append(out, r.PreparationHash[:]...)
	}

	out = append(out, encodeSigMap(r.PrepareResponses)...)
	out = append(out, encodeSigMap(r.Commits)...)
	out = append(out, encodeChangeViewMap(r.ChangeViews)...)
	out = append(out, encodeHashSet(r.SeenPayloadHashes)...)
	out = append(out, encodeLastSeenMap(r.LastSeenMessagePerValidator)...)
	return out
}

// DecodeRoundSnapshot restores a Round from its §6.3 serialization. An
// unrecognized leading version byte is reported so the caller can start
// fresh with a warning instead of treating it as corruption.
func DecodeRoundSnapshot(b []byte) (*Round, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("dbft: round snapshot: empty")
	}
	if b[0] != RoundSnapshotVersion {
		return nil, fmt.Errorf("dbft: round snapshot: unsupported version %d", b[0])
	}
	off := 1
	if len(b)-off < 4+1+1+32+4+8+8 {
		return nil, fmt.Errorf("dbft: round snapshot: truncated header")
	}
	r := &Round{}
	r.BlockIndex, off = readU32(b, off)
	r.ViewNumber = b[off]
	off++
	r.Phase = Phase(b[off])
	off++
	copy(r.PrevHash[:], b[off:off+32])
	off += 32
	r.Version, off = readU32(b, off)
	r.ProposedTimestampMS, off = readU64(b, off)
	r.Nonce, off = readU64(b, off)

	count, used, err := consensus.DecodeVarUint(b[off:])
	if err != nil {
		return nil, fmt.Errorf("dbft: round snapshot: tx hashes: %w", err)
	}
	off += used
	if len(b)-off < int(count)*32 {
		return nil, fmt.Errorf("dbft: round snapshot: truncated tx hashes")
	}
	r.ProposedTxHashes = make([]consensus.Hash256, count)
	for i := range r.ProposedTxHashes {
		copy(r.ProposedTxHashes[i][:], b[off:off+32])
		off += 32
	}

	if len(b)-off < 1 {
		return nil, fmt.Errorf("dbft: round snapshot: truncated flags")
	}
	flags := b[off]
	off++
	r.PrepareRequestReceived = flags&flagPrepareRequestReceived != 0
	r.PrepareResponseSent = flags&flagPrepareResponseSent != 0
	r.CommitSent = flags&flagCommitSent != 0
	r.ChangeViewSent = flags&flagChangeViewSent != 0
	r.RecoveryRequestSent = flags&flagRecoveryRequestSent != 0

	if flags&flagHasProposedBlockHash != 0 {
		if len(b)-off < 32 {
			return nil, fmt.Errorf("dbft: round snapshot: truncated proposed block hash")
		}
		var h consensus.Hash256
		copy(h[:], b[off:off+32])
		r.ProposedBlockHash = &h
		off += 32
	}
	if flags&flagHasPreparationHash != 0 {
		if len(b)-off < 32 {
			return nil, fmt.Errorf("dbft: round snapshot: truncated preparation hash")
		}
		var h consensus.Hash256
		copy(h[:], b[off:off+32])
		r.PreparationHash = &h
		off += 32
	}

	r.PrepareResponses, used, err = decodeSigMap(b[off:])
	if err != nil {
		return nil, fmt.Errorf("dbft: round snapshot: prepare responses: %w", err)
	}
	off += used
	r.Commits, used, err = decodeSigMap(b[off:])
	if err != nil {
		return nil, fmt.Errorf("dbft: round snapshot: commits: %w", err)
	}
	off += used
	r.ChangeViews, used, err = decodeChangeViewMap(b[off:])
	if err != nil {
		return nil, fmt.Errorf("dbft: round snapshot: change views: %w", err)
	}
	off += used
	r.SeenPayloadHashes, used, err = decodeHashSet(b[off:])
	if err != nil {
		return nil, fmt.Errorf("dbft: round snapshot: seen payload hashes: %w", err)
	}
	off += used
	r.LastSeenMessagePerValidator, used, err = decodeLastSeenMap(b[off:])
	if err != nil {
		return nil, fmt.Errorf("dbft: round snapshot: last seen: %w", err)
	}
	off += used
	if off != len(b) {
		return nil, fmt.Errorf("dbft: round snapshot: trailing bytes")
	}
	return r, nil
}

func encodeHashSet(m map[consensus.Hash256]struct{}) []byte {
	out := consensus.EncodeVarUint(uint64(len(m)))
	hashes := make([]consensus.Hash256, 0, len(m))
	for h := range m {
		hashes = append(hashes, h)
	}
	// Deterministic byte-stable order, matching the sig/change-view maps.
	for i := 1; i < len(hashes); i++ {
		for j := i; j > 0 && lessHash(hashes[j], hashes[j-1]); j-- {
			hashes[j], hashes[j-1] = hashes[j-1], hashes[j]
		}
	}
	for _, h := range hashes {
		out = append(out, h[:]...)
	}
	return out
}

func lessHash(a, b consensus.Hash256) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func decodeHashSet(b []byte) (map[consensus.Hash256]struct{}, int, error) {
	count, used, err := consensus.DecodeVarUint(b)
	if err != nil {
		return nil, 0, err
	}
	off := used
	if len(b)-off < int(count)*32 {
		return nil, 0, fmt.Errorf("dbft: hash set: truncated")
	}
	out := make(map[consensus.Hash256]struct{}, count)
	for i := uint64(0); i < count; i++ {
		var h consensus.Hash256
		copy(h[:], b[off:off+32])
		out[h] = struct{}{}
		off += 32
	}
	return out, off, nil
}

func encodeLastSeenMap(m map[uint8]uint32) []byte {
	idxs := sortedIndices(m)
	out := append([]byte{}, byte(len(idxs)))
	for _, idx := range idxs {
		out = append(out, idx)
		out = append(out, consensus.LittleEndianU32(m[idx])...)
	}
	return out
}

func decodeLastSeenMap(b []byte) (map[uint8]uint32, int, error) {
	if len(b) < 1 {
		return nil, 0, fmt.Errorf("dbft: last seen map: truncated count")
	}
	n := int(b[0])
	off := 1
	out := make(map[uint8]uint32, n)
	for i := 0; i < n; i++ {
		if len(b)-off < 5 {
			return nil, 0, fmt.Errorf("dbft: last seen map: truncated entry")
		}
		idx := b[off]
		off++
		v, newOff := readU32(b, off)
		out[idx] = v
		off = newOff
	}
	return out, off, nil
}
