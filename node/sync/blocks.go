package sync

import (
	"time"

	"neonode.dev/node/consensus"
	"neonode.dev/node/events"
	"neonode.dev/node/p2p"
)

// maxInFlightBlockRequests bounds how many GetBlockByIndex batches may be
// outstanding at once, spread across peers (§4.3 step 3 "pipelined").
const maxInFlightBlockRequests = 4

// fillBlockPipelineLocked keeps up to maxInFlightBlockRequests batches in
// flight, advancing the request cursor past heights already covered by the
// reorder buffer (§4.3 step 3). Called with e.mu held.
func (e *Engine) fillBlockPipelineLocked(now time.Time) {
	for e.pending.len() < maxInFlightBlockRequests {
		for e.blockBuf.has(e.nextReqHeight) {
			e.nextReqHeight++
		}
		target := e.peers.bestKnownHeight()
		if e.nextReqHeight > target {
			return
		}
		remaining := target - e.nextReqHeight + 1
		batch := uint16(e.cfg.MaxBlocksPerRequest)
		if remaining < uint32(batch) {
			batch = uint16(remaining)
		}
		if batch > p2p.MaxBlocksPerRequest {
			batch = p2p.MaxBlocksPerRequest
		}
		exclude := e.busyPeersLocked()
		addr, ok := e.peers.selectServingPeer(now, e.cfg.RequestTimeout, e.nextReqHeight+uint32(batch)-1, exclude)
		if !ok {
			return
		}
		payload, err := p2p.EncodeGetBlockByIndexPayload(p2p.GetBlockByIndexPayload{Start: e.nextReqHeight, Count: batch})
		if err != nil {
			return
		}
		if err := e.sender.SendTo(addr, p2p.CmdGetBlockByIndex, payload); err != nil {
			e.peers.markFailure(addr, now)
			return
		}
		e.pending.add(e.nextReqHeight, int(batch), addr, now)
		e.nextReqHeight += uint32(batch)
	}
}

// busyPeersLocked returns the set of peers already serving an in-flight
// block request, so fillBlockPipelineLocked spreads batches across peers
// rather than piling them onto one.
func (e *Engine) busyPeersLocked() map[string]struct{} {
	out := make(map[string]struct{})
	for _, req := range e.pending.all() {
		if req.Height != headerRequestHeight {
			out[req.TargetPeer] = struct{}{}
		}
	}
	return out
}

// scanBlockTimeoutsLocked retries or abandons tardy block-range requests
// (§4.3 step 5).
func (e *Engine) scanBlockTimeoutsLocked(now time.Time) {
	for _, req := range e.pending.all() {
		if req.Height == headerRequestHeight {
			continue
		}
		if now.Sub(req.IssuedAt) <= e.cfg.RequestTimeout {
			continue
		}
		e.peers.markFailure(req.TargetPeer, now)
		if e.penalty != nil {
			e.penalty.Penalize(req.TargetPeer, 5)
		}
		e.pending.remove(req.Height)
		if req.RetryCount >= uint32(e.cfg.MaxRetryAttempts) {
			e.fail("block range request exhausted retries")
			return
		}
		exclude := map[string]struct{}{req.TargetPeer: {}}
		addr, ok := e.peers.selectServingPeer(now, e.cfg.RequestTimeout, req.Height+uint32(req.Count)-1, exclude)
		if !ok {
			continue
		}
		payload, err := p2p.EncodeGetBlockByIndexPayload(p2p.GetBlockByIndexPayload{Start: req.Height, Count: uint16(req.Count)})
		if err != nil {
			continue
		}
		if err := e.sender.SendTo(addr, p2p.CmdGetBlockByIndex, payload); err != nil {
			e.peers.markFailure(addr, now)
			continue
		}
		retried := e.pending.add(req.Height, req.Count, addr, now)
		retried.RetryCount = req.RetryCount + 1
	}
}

// findPendingCoveringLocked returns the in-flight block batch that claims
// index, if any, so receipt bookkeeping can shrink it toward completion.
func (e *Engine) findPendingCoveringLocked(index uint32) *SyncRequest {
	for _, req := range e.pending.all() {
		if req.Height == headerRequestHeight {
			continue
		}
		if index >= req.Height && index < req.Height+uint32(req.Count) {
			return req
		}
	}
	return nil
}

// drainBufferLocked commits every contiguous buffered block starting at
// local_height+1 (§4.3 step 4).
func (e *Engine) drainBufferLocked(now time.Time) {
	for {
		want := e.ledger.Height() + 1
		item, ok := e.blockBuf.popIfNext(want)
		if !ok {
			return
		}
		if err := e.commitBlockLocked(item.block, item.from, now); err != nil {
			e.fail(err.Error())
			return
		}
	}
}

// commitBlockLocked validates and persists one block, then relays its
// inventory to the rest of the mesh (§4.3 step 4, "relay policy").
func (e *Engine) commitBlockLocked(b consensus.Block, from string, now time.Time) error {
	if err := b.Validate(); err != nil {
		if e.penalty != nil {
			e.penalty.Penalize(from, 50)
		}
		return err
	}
	if b.Header.PrevHash != e.ledger.BestBlockHash() {
		if e.penalty != nil {
			e.penalty.Penalize(from, 50)
		}
		return consensus.Protocolf("sync: block %d prev_hash does not chain from current best block", b.Header.Index)
	}
	if queued, ok := e.ledgerOrQueueHeader(b.Header.Index); ok {
		if consensus.BlockHeaderHash(b.Header) != consensus.BlockHeaderHash(queued) {
			if e.penalty != nil {
				e.penalty.Penalize(from, 50)
			}
			return consensus.Protocolf("sync: block %d does not match its validated header", b.Header.Index)
		}
	}
	if err := e.ledger.PersistBlock(b); err != nil {
		return err
	}
	hash := consensus.BlockHeaderHash(b.Header)
	e.headerQ.drainBefore(b.Header.Index + 1)
	if req := e.findPendingCoveringLocked(b.Header.Index); req != nil {
		req.Count--
		if req.Count <= 0 {
			e.pending.remove(req.Height)
		}
	}
	e.relayLocked(hash, p2p.InvTypeBlock, now)
	e.bus.Publish(events.SyncEvent{Kind: events.SyncBlocksProgress, Height: b.Header.Index})
	return nil
}

// relayLocked re-announces hash to the mesh unless it was relayed within
// cfg.RelayRecencyWindow (§4.3 "don't re-relay within 2s").
func (e *Engine) relayLocked(hash consensus.Hash256, typ p2p.InvType, now time.Time) {
	if last, ok := e.recentRelay.Get(hash); ok && now.Sub(last) < e.cfg.RelayRecencyWindow {
		return
	}
	e.recentRelay.Add(hash, now)
	payload, err := p2p.EncodeInvPayload(p2p.InvPayload{Items: []p2p.InvVector{{Type: typ, Hash: hash}}})
	if err != nil {
		return
	}
	e.sender.Broadcast(p2p.CmdInv, payload)
}

// OnBlock handles an inbound Block message: persist in order, or buffer it
// for later if it arrives ahead of the ledger (§4.3 step 4).
func (e *Engine) OnBlock(addr string, raw []byte, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := consensus.DecodeBlock(raw)
	if err != nil {
		e.peers.markFailure(addr, now)
		if e.penalty != nil {
			e.penalty.Penalize(addr, 20)
		}
		return err
	}

	want := e.ledger.Height() + 1
	switch {
	case b.Header.Index < want:
		// Stale retransmit; already committed.
		return nil
	case b.Header.Index == want:
		if err := e.commitBlockLocked(b, addr, now); err != nil {
			e.fail(err.Error())
			return err
		}
		e.drainBufferLocked(now)
	default:
		if !e.blockBuf.add(b.Header.Index, b, addr) {
			e.logger.Debug("block buffer full, dropping out-of-order block")
		}
	}
	return nil
}

// OnTx handles an inbound Tx message: validate, forward to the mempool
// adapter, and relay on first acceptance (§4.3 "forward to mempool
// adapter").
func (e *Engine) OnTx(addr string, raw []byte, now time.Time) error {
	tx, _, err := consensus.DecodeTx(raw)
	if err != nil {
		if e.penalty != nil {
			e.penalty.Penalize(addr, 20)
		}
		return err
	}
	if err := tx.ValidateStructure(); err != nil {
		if e.penalty != nil {
			e.penalty.Penalize(addr, 20)
		}
		return err
	}
	if e.ledger.ContainsTx(tx.Hash) {
		return nil
	}
	if err := e.ledger.ValidateTx(tx); err != nil {
		return nil
	}
	accepted, err := e.pool.Add(tx)
	if err != nil || !accepted {
		return err
	}

	e.mu.Lock()
	e.relayLocked(tx.Hash, p2p.InvTypeTx, now)
	e.mu.Unlock()
	return nil
}

// ServeBlockByIndex answers an inbound GetBlockByIndex request (§6.2).
func (e *Engine) ServeBlockByIndex(req p2p.GetBlockByIndexPayload) ([]consensus.Block, error) {
	var out []consensus.Block
	for i := uint32(0); i < uint32(req.Count); i++ {
		b, ok := e.ledger.GetBlock(req.Start + i)
		if !ok {
			break
		}
		out = append(out, b)
	}
	return out, nil
}

// OnInv handles an inbound Inv announcement: request the items we don't
// already hold (§6.2). Every Inv, whatever its item types, first nudges
// the peer's LastMessageAt so it isn't mistaken for idle.
func (e *Engine) OnInv(addr string, items []p2p.InvVector, now time.Time) ([]p2p.InvVector, error) {
	e.mu.Lock()
	e.peers.updateBestHeight(addr, 0, now)
	e.mu.Unlock()

	var want []p2p.InvVector
	for _, it := range items {
		switch it.Type {
		case p2p.InvTypeTx:
			if !e.ledger.ContainsTx(it.Hash) && !e.pool.Has(it.Hash) {
				want = append(want, it)
			}
		case p2p.InvTypeBlock:
			if _, ok := e.recentRelay.Get(it.Hash); !ok {
				want = append(want, it)
			}
		}
	}
	return want, nil
}
