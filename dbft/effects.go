package dbft

import "neonode.dev/node/consensus"

// Event is one of the three effect kinds the engine emits (§4.4, §6.5
// ConsensusEvent). The host pumps events out of the engine and executes
// them; the engine never performs I/O itself.
type Event struct {
	Broadcast      *ExtensiblePayload
	RequestMempool *RequestMempoolTxSet
	BlockCommitted *BlockCommittedData
	ViewChanged    *ViewChanged
	Fatal          *FatalError
}

// FatalError is §4.4.9's "Local persistence of context fails" outcome: the
// engine refuses to broadcast Commit and surfaces this to the host instead
// of silently retrying, since a missed persist risks a double-vote on
// restart.
type FatalError struct {
	Reason string
}

type RequestMempoolTxSet struct {
	Max int
}

type ViewChanged struct {
	From uint8
	To   uint8
}

// SignatureEntry is one (validator_index, signature) pair, sorted by index
// in BlockCommittedData.Signatures (§4.4.6).
type SignatureEntry struct {
	ValidatorIndex uint8
	Signature      []byte
}

// BlockCommittedData is the finalization output (§4.4.6). The host is
// responsible for fetching transaction bodies, building the multi-sig
// witness, persisting to the ledger, and broadcasting Inv{Block}.
type BlockCommittedData struct {
	Index              uint32
	TimestampMS        uint64
	Nonce              uint64
	PrimaryIndex       uint8
	TransactionHashes  []consensus.Hash256
	Signatures         []SignatureEntry
	ValidatorPubKeys   [][]byte
	RequiredSignatures int
}
