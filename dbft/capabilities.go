package dbft

import "neonode.dev/node/consensus"

// MempoolAdapter is the narrow C5 trait the engine is given instead of a
// mempool reference (§4.5): Select feeds the Propose step, Get backs the
// non-primary availability check in §4.4.3, NotifyAdded is fired once a
// block's transactions are known persisted. Select and Get must agree:
// every hash Select returns must also resolve via Get for the rest of the
// round (§4.5 "avoids mid-round races").
type MempoolAdapter interface {
	Select(maxCount int, sizeBudget int, feeBudget int64) []consensus.Hash256
	Get(hash consensus.Hash256) (consensus.Tx, bool)
	NotifyAdded(hashes []consensus.Hash256)
}

// Ledger is the narrow C4-facing slice of the §6.4 ledger contract: just
// enough to seed a new round (previous header, current height) without
// handing the engine a full node reference (§9 "cyclic references").
type Ledger interface {
	Height() uint32
	BestBlockHash() consensus.Hash256
	GetHeader(index uint32) (consensus.BlockHeader, bool)
}

// RoundStore is the §6.3 single-key persistence capability: the engine
// hands it an already-serialized snapshot and expects put_sync semantics
// (durable before the call returns). LoadRound returns the last persisted
// snapshot (or ok=false if none was ever written), letting Start restore
// in-flight voting state instead of always seeding a fresh round (§4.4.8:
// "on restart with a matching stored (H,V), the engine restores the round
// ... without double-voting"). The concrete bbolt-backed implementation
// lives outside this package so dbft never imports a storage engine
// directly.
type RoundStore interface {
	PersistRound(snapshot []byte) error
	LoadRound() (snapshot []byte, ok bool, err error)
}
