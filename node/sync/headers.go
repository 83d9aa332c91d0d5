package sync

import (
	"time"

	"go.uber.org/zap"

	"neonode.dev/node/consensus"
	"neonode.dev/node/events"
	"neonode.dev/node/p2p"
)

// headerRequestHeight is the fixed pending-request key used for the single
// outstanding GetHeaders call; headers are requested one batch at a time
// from one peer (§4.3 step 2), unlike the pipelined block phase.
const headerRequestHeight = ^uint32(0)

// locatorHashLocked returns the hash the next GetHeaders locator should start
// from: the last queued header's hash if the header queue is non-empty,
// else the ledger's current best hash.
func (e *Engine) locatorHashLocked() consensus.Hash256 {
	if idx, ok := e.headerQ.highestIndex(); ok {
		if h, ok := e.ledgerOrQueueHeader(idx); ok {
			return consensus.BlockHeaderHash(h)
		}
	}
	return e.ledger.BestBlockHash()
}

func (e *Engine) ledgerOrQueueHeader(index uint32) (consensus.BlockHeader, bool) {
	for i := len(e.headerQ.headers) - 1; i >= 0; i-- {
		if e.headerQ.headers[i].Index == index {
			return e.headerQ.headers[i], true
		}
	}
	return e.ledger.GetHeader(index)
}

// requestHeadersLocked issues one GetHeaders request to the best serving
// peer (§4.3 step 2). Called with e.mu held.
func (e *Engine) requestHeadersLocked(now time.Time) {
	if e.headerQ.full() {
		return
	}
	if _, inFlight := e.pending.get(headerRequestHeight); inFlight {
		return
	}
	addr, ok := e.peers.selectServingPeer(now, e.cfg.RequestTimeout, e.ledger.Height()+1, nil)
	if !ok {
		return
	}
	locator := e.locatorHashLocked()
	payload, err := p2p.EncodeGetHeadersPayload(p2p.GetHeadersPayload{
		Locator: []consensus.Hash256{locator},
		Stop:    consensus.Hash256{},
	})
	if err != nil {
		e.logger.Error("encode getheaders", zap.Error(err))
		return
	}
	if err := e.sender.SendTo(addr, p2p.CmdGetHeaders, payload); err != nil {
		e.peers.markFailure(addr, now)
		return
	}
	e.pending.add(headerRequestHeight, 0, addr, now)
}

// scanHeaderTimeoutLocked implements §4.3 step 5 for the header phase:
// abandon a tardy peer and retry with another.
func (e *Engine) scanHeaderTimeoutLocked(now time.Time) {
	req, ok := e.pending.get(headerRequestHeight)
	if !ok {
		e.requestHeadersLocked(now)
		return
	}
	if now.Sub(req.IssuedAt) <= e.cfg.RequestTimeout {
		return
	}
	req.TimedOut = true
	req.RetryCount++
	e.peers.markFailure(req.TargetPeer, now)
	if e.penalty != nil {
		e.penalty.Penalize(req.TargetPeer, 5)
	}
	e.pending.remove(headerRequestHeight)
	if req.RetryCount <= uint32(e.cfg.MaxRetryAttempts) {
		time.AfterFunc(e.cfg.RetryDelay*time.Duration(req.RetryCount), func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.state == StateSyncingHeaders {
				e.requestHeadersLocked(time.Now())
			}
		})
	}
}

// OnHeaders validates an inbound Headers batch (§4.3 step 2, §8 invariant
//5) and advances the header queue. Invalid headers penalize the source and
// abort the whole batch; the caller (Dispatcher) surfaces the error as a
// ban-score event.
func (e *Engine) OnHeaders(addr string, headers []consensus.BlockHeader, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.pending.get(headerRequestHeight); !ok {
		// Unsolicited headers are tolerated (could be a late retry
		// response); just try to extend the queue with whatever links.
	}
	e.pending.remove(headerRequestHeight)

	if len(headers) == 0 {
		e.bus.Publish(events.SyncEvent{Kind: events.SyncHeadersProgress, Height: e.ledger.Height()})
		return nil
	}

	prevIndex, havePrev := e.headerQ.highestIndex()
	var prevHash consensus.Hash256
	var havePrevHash bool
	if havePrev {
		if h, ok := e.ledgerOrQueueHeader(prevIndex); ok {
			prevHash = consensus.BlockHeaderHash(h)
			havePrevHash = true
		}
	} else if h, ok := e.ledger.GetHeader(e.ledger.Height()); ok {
		prevHash = consensus.BlockHeaderHash(h)
		prevIndex = h.Index
		havePrevHash = true
	}

	for _, h := range headers {
		if err := h.Validate(); err != nil {
			e.peers.markFailure(addr, now)
			if e.penalty != nil {
				e.penalty.Penalize(addr, 20)
			}
			return err
		}
		if havePrevHash {
			if h.Index != prevIndex+1 || h.PrevHash != prevHash {
				e.peers.markFailure(addr, now)
				if e.penalty != nil {
					e.penalty.Penalize(addr, 50)
				}
				return consensus.Protocolf("sync: headers: non-contiguous chain at index %d", h.Index)
			}
		}
		if !e.headerQ.push(h) {
			break
		}
		prevIndex = h.Index
		prevHash = consensus.BlockHeaderHash(h)
		havePrevHash = true
	}

	e.bus.Publish(events.SyncEvent{Kind: events.SyncHeadersProgress, Height: prevIndex})

	if len(headers) < p2p.MaxHeadersPerMessage || e.headerQ.full() {
		e.state = StateSyncingBlocks
		e.nextReqHeight = e.ledger.Height() + 1
	} else {
		e.requestHeadersLocked(now)
	}
	return nil
}

// ServeHeaders answers an inbound GetHeaders request from the ledger
// (§6.2, §4.6: the Dispatcher routes the OnGetHeaders callback here since
// the Sync Engine is the component that knows the local chain's shape for
// catch-up purposes).
func (e *Engine) ServeHeaders(req p2p.GetHeadersPayload) ([]consensus.BlockHeader, error) {
	if len(req.Locator) == 0 {
		return nil, consensus.Protocolf("sync: getheaders: empty locator")
	}
	start := uint32(0)
	for idx := e.ledger.Height(); ; idx-- {
		if h, ok := e.ledger.GetHeader(idx); ok && consensus.BlockHeaderHash(h) == req.Locator[0] {
			start = idx + 1
			break
		}
		if idx == 0 {
			break
		}
	}
	var out []consensus.BlockHeader
	for idx := start; idx <= e.ledger.Height() && len(out) < p2p.MaxHeadersPerMessage; idx++ {
		h, ok := e.ledger.GetHeader(idx)
		if !ok {
			break
		}
		out = append(out, h)
		if !req.Stop.IsZero() && consensus.BlockHeaderHash(h) == req.Stop {
			break
		}
	}
	return out, nil
}
