package sync

import (
	"neonode.dev/node/consensus"
	"neonode.dev/node/p2p"
)

// Ledger is the full §6.4 contract: block persistence, UTXO/state
// commitment and merkle computation are external; the Sync Engine only
// ever reaches it through this narrow surface.
type Ledger interface {
	Height() uint32
	BestBlockHash() consensus.Hash256
	GetBlock(index uint32) (consensus.Block, bool)
	GetHeader(index uint32) (consensus.BlockHeader, bool)
	ContainsTx(hash consensus.Hash256) bool
	PersistBlock(b consensus.Block) error
	ValidateTx(tx consensus.Tx) error
}

// TxPool is the narrow slice of the C5 Mempool Adapter the Sync Engine
// needs for inbound Tx messages (§4.3 "forward to mempool adapter").
type TxPool interface {
	Add(tx consensus.Tx) (bool, error)
	Has(hash consensus.Hash256) bool
}

// Sender is the capability the Sync Engine is given instead of a Hub
// reference (§9 "cyclic references" — small injected traits rather than a
// full node handle). *net.Hub satisfies this structurally.
type Sender interface {
	SendTo(addr string, cmd p2p.Command, payload []byte) error
	Broadcast(cmd p2p.Command, payload []byte)
}

// PeerPenalizer lets the engine account a peer-driven failure (a timed-out
// or invalid response) against that peer's ban score without holding a
// *p2p.Peer reference directly.
type PeerPenalizer interface {
	Penalize(addr string, delta int)
	Disconnect(addr string)
}
