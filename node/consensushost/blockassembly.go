package consensushost

import (
	"time"

	"go.uber.org/zap"

	"neonode.dev/node/consensus"
	"neonode.dev/node/dbft"
	"neonode.dev/node/p2p"
)

// handleBlockCommitted assembles the finalized block from the engine's
// committed signatures and the mempool's transaction bodies, persists it,
// and relays it (§4.4.6). The returned events are the engine's reaction to
// NotifyBlockPersisted, fed back into the same processing pass.
func (h *Host) handleBlockCommitted(data *dbft.BlockCommittedData, now time.Time) []dbft.Event {
	block, err := h.assembleBlock(data, now)
	if err != nil {
		h.logger.Error("assemble committed block", zap.Error(err))
		return nil
	}
	if err := h.ledger.PersistBlock(block); err != nil {
		h.logger.Error("persist committed block", zap.Uint32("index", data.Index), zap.Error(err))
		return nil
	}
	h.mempool.NotifyAdded(data.TransactionHashes)

	hash := consensus.BlockHeaderHash(block.Header)
	h.relayBlock(hash)

	return h.engine.NotifyBlockPersisted(hash, now)
}

// assembleBlock builds the full wire block: header (with the committee
// multi-sig witness) plus the transaction bodies the mempool adapter
// guarantees are still resolvable (§4.5 "Select and Get must agree").
func (h *Host) assembleBlock(data *dbft.BlockCommittedData, now time.Time) (consensus.Block, error) {
	sortedPubKeys := consensus.SortPubKeys(data.ValidatorPubKeys)
	script, err := consensus.MultiSigScript(data.RequiredSignatures, sortedPubKeys)
	if err != nil {
		return consensus.Block{}, err
	}
	invocation := multiSigInvocationScript(data, sortedPubKeys)
	nextConsensus := consensus.ScriptHash160(script)

	txs := make([]consensus.Tx, 0, len(data.TransactionHashes))
	for _, hash := range data.TransactionHashes {
		tx, ok := h.mempool.Get(hash)
		if !ok {
			return consensus.Block{}, errMissingTx(hash)
		}
		txs = append(txs, tx)
	}
	merkleRoot, err := consensus.MerkleRoot(data.TransactionHashes)
	if err != nil {
		return consensus.Block{}, err
	}

	header := consensus.BlockHeader{
		Version:       0,
		PrevHash:      h.ledger.BestBlockHash(),
		MerkleRoot:    merkleRoot,
		TimestampMS:   data.TimestampMS,
		Nonce:         data.Nonce,
		Index:         data.Index,
		PrimaryIndex:  data.PrimaryIndex,
		NextConsensus: nextConsensus,
		Witness: consensus.Witness{
			InvocationScript:   invocation,
			VerificationScript: script,
		},
	}
	return consensus.Block{Header: header, Transactions: txs}, nil
}

// multiSigInvocationScript orders signatures to match sortedPubKeys, the
// order CheckMultisig requires (§4.4.5/§4.4.6).
func multiSigInvocationScript(data *dbft.BlockCommittedData, sortedPubKeys [][]byte) []byte {
	position := make(map[string]int, len(sortedPubKeys))
	for i, pk := range sortedPubKeys {
		position[string(pk)] = i
	}
	type ordered struct {
		pos int
		sig []byte
	}
	items := make([]ordered, 0, len(data.Signatures))
	for _, s := range data.Signatures {
		pk := data.ValidatorPubKeys[s.ValidatorIndex]
		items = append(items, ordered{pos: position[string(pk)], sig: s.Signature})
	}
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j-1].pos > items[j].pos; j-- {
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
	out := make([]byte, 0, len(items)*66)
	for _, it := range items {
		out = append(out, 0x0C, byte(len(it.sig)))
		out = append(out, it.sig...)
	}
	return out
}

func (h *Host) relayBlock(hash consensus.Hash256) {
	payload, err := p2p.EncodeInvPayload(p2p.InvPayload{Items: []p2p.InvVector{{Type: p2p.InvTypeBlock, Hash: hash}}})
	if err != nil {
		return
	}
	h.sender.Broadcast(p2p.CmdInv, payload)
}

type errMissingTx consensus.Hash256

func (e errMissingTx) Error() string {
	return "consensushost: committed tx not found in mempool adapter"
}
