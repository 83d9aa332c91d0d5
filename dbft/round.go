package dbft

import (
	"time"

	"neonode.dev/node/consensus"
)

// Phase is the per-round state machine position (§3 ConsensusRound, §4.4.1).
type Phase int

const (
	PhaseWaitingRequest Phase = iota
	PhaseWaitingResponses
	PhaseWaitingCommits
	PhaseBlockCommitted
	PhaseViewChanging
)

func (p Phase) String() string {
	switch p {
	case PhaseWaitingRequest:
		return "waiting_request"
	case PhaseWaitingResponses:
		return "waiting_responses"
	case PhaseWaitingCommits:
		return "waiting_commits"
	case PhaseBlockCommitted:
		return "block_committed"
	case PhaseViewChanging:
		return "view_changing"
	default:
		return "unknown"
	}
}

// ChangeViewEntry records one validator's vote to move to a new view.
type ChangeViewEntry struct {
	NewView     uint8
	Reason      ChangeViewReason
	TimestampMS uint64
}

type ChangeViewReason uint8

const (
	ReasonTimeout ChangeViewReason = iota
	ReasonTxNotFound
	ReasonTxInvalid
	ReasonTxRejectedByPolicy
	ReasonBlockRejectedByPolicy
)

// Round is the mutable per-(block_index,view_number) record from §3. It is
// owned exclusively by the Engine's single-threaded loop; nothing outside
// dbft ever mutates it directly.
type Round struct {
	BlockIndex uint32
	ViewNumber uint8
	Phase      Phase

	PrevHash            consensus.Hash256
	Version             uint32
	ProposedTimestampMS uint64
	Nonce               uint64
	ProposedTxHashes    []consensus.Hash256
	ProposedBlockHash   *consensus.Hash256
	PreparationHash     *consensus.Hash256

	PrepareRequestReceived bool
	PrepareResponseSent    bool
	CommitSent             bool
	ChangeViewSent         bool
	RecoveryRequestSent    bool

	PrepareResponses map[uint8][]byte // validator_index -> signature_bytes
	Commits          map[uint8][]byte // validator_index -> block_signature_bytes
	ChangeViews      map[uint8]ChangeViewEntry

	SeenPayloadHashes        map[consensus.Hash256]struct{}
	LastSeenMessagePerValidator map[uint8]uint32

	RoundStartedAt time.Time
}

// NewRound resets round state for (blockIndex, 0) with a known prev_hash.
// Subsequent view changes mutate ViewNumber and clear per-view bookkeeping
// via ResetForView, never allocating a new Round object mid-block (§4.4.4:
// "reset the round, but NOT the block").
func NewRound(blockIndex uint32, prevHash consensus.Hash256, now time.Time) *Round {
	r := &Round{
		BlockIndex: blockIndex,
		PrevHash:   prevHash,
	}
	r.ResetForView(0, now)
	return r
}

// ResetForView implements §4.4.1 step 1 for a view change: phase back to
// WaitingRequest, per-round maps cleared, seen_payload_hashes cleared,
// round_started_at reset. The block index and prev_hash are untouched.
func (r *Round) ResetForView(view uint8, now time.Time) {
	r.ViewNumber = view
	r.Phase = PhaseWaitingRequest
	r.ProposedTimestampMS = 0
	r.Nonce = 0
	r.ProposedTxHashes = nil
	r.ProposedBlockHash = nil
	r.PreparationHash = nil
	r.PrepareRequestReceived = false
	r.PrepareResponseSent = false
	r.CommitSent = false
	r.ChangeViewSent = false
	r.RecoveryRequestSent = false
	r.PrepareResponses = make(map[uint8][]byte)
	r.Commits = make(map[uint8][]byte)
	r.ChangeViews = make(map[uint8]ChangeViewEntry)
	r.SeenPayloadHashes = make(map[consensus.Hash256]struct{})
	if r.LastSeenMessagePerValidator == nil {
		r.LastSeenMessagePerValidator = make(map[uint8]uint32)
	}
	r.RoundStartedAt = now
}

func (r *Round) SeenPayload(h consensus.Hash256) bool {
	_, ok := r.SeenPayloadHashes[h]
	return ok
}

func (r *Round) RecordPayload(h consensus.Hash256) {
	r.SeenPayloadHashes[h] = struct{}{}
}

func (r *Round) RecordLastSeen(validatorIndex uint8, blockIndex uint32) {
	r.LastSeenMessagePerValidator[validatorIndex] = blockIndex
}
