// Package consensushost implements C4: the single task that owns the dBFT
// Engine and every mutation of ConsensusRound (§5 "C4 runs as one task; all
// mutation happens there. Other tasks enqueue events via a bounded
// channel"). The engine itself never performs I/O; this package pumps its
// effects out to the network, the mempool adapter and the ledger.
package consensushost

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"neonode.dev/node/consensus"
	"neonode.dev/node/dbft"
	"neonode.dev/node/events"
	"neonode.dev/node/p2p"
)

// inboxCapacity is the §5 "bounded channel (capacity ≥ 256)" floor.
const inboxCapacity = 256

// tickInterval drives Engine.Tick frequently enough that view-timeout and
// recovery-timeout deadlines (seconds-scale, §4.4.4/§4.4.7) are caught
// promptly without busy-looping.
const tickInterval = 200 * time.Millisecond

// Ledger is the broader §6.4 surface the host needs beyond what it hands
// the engine (dbft.Ledger): assembling and persisting the finalized block.
type Ledger interface {
	dbft.Ledger
	PersistBlock(b consensus.Block) error
}

// Sender is the capability the host is given instead of a Hub reference
// (§9 "cyclic references"); *net.Hub satisfies this structurally.
type Sender interface {
	Broadcast(cmd p2p.Command, payload []byte)
}

// Mempool is dbft.MempoolAdapter re-exported under the host's own name so
// callers don't need to import dbft just to build a Host.
type Mempool = dbft.MempoolAdapter

type task func(now time.Time) ([]dbft.Event, error)

// Host pumps dbft.Engine effects and is the sole caller into it, per §5's
// single-writer rule.
type Host struct {
	engine  *dbft.Engine
	ledger  Ledger
	mempool Mempool
	sender  Sender
	bus     *events.Bus[events.ConsensusEvent]
	logger  *zap.Logger

	inbox chan task
	done  chan struct{}
}

func New(engine *dbft.Engine, ledger Ledger, mempool Mempool, sender Sender, bus *events.Bus[events.ConsensusEvent], logger *zap.Logger) (*Host, error) {
	if engine == nil || ledger == nil || mempool == nil || sender == nil {
		return nil, fmt.Errorf("consensushost: engine, ledger, mempool and sender are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus[events.ConsensusEvent]()
	}
	return &Host{
		engine:  engine,
		ledger:  ledger,
		mempool: mempool,
		sender:  sender,
		bus:     bus,
		logger:  logger.Named("consensushost"),
		inbox:   make(chan task, inboxCapacity),
		done:    make(chan struct{}),
	}, nil
}

func (h *Host) Events() *events.Bus[events.ConsensusEvent] { return h.bus }

// Run is the C4 task loop (§5). It owns the engine exclusively until stop
// is closed.
func (h *Host) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	h.submitAndProcess(func(now time.Time) ([]dbft.Event, error) {
		return h.engine.Start(now), nil
	})

	for {
		select {
		case <-stop:
			close(h.done)
			return
		case <-ticker.C:
			h.submitAndProcess(func(now time.Time) ([]dbft.Event, error) {
				return h.engine.Tick(now), nil
			})
		case t := <-h.inbox:
			h.run(t)
		}
	}
}

// Done reports when Run has returned.
func (h *Host) Done() <-chan struct{} { return h.done }

func (h *Host) submitAndProcess(t task) {
	h.run(t)
}

func (h *Host) run(t task) {
	now := time.Now()
	evs, err := t(now)
	if err != nil {
		h.logger.Warn("task failed", zap.Error(err))
		return
	}
	h.processEvents(evs, now)
}

// enqueue hands a task to the single owning goroutine, blocking only if
// the inbox is fully saturated (§5's capacity floor makes that rare).
func (h *Host) enqueue(t task) {
	select {
	case h.inbox <- t:
	case <-h.done:
	}
}

// HandleExtensible decodes and routes an inbound consensus payload
// (§4.4.2, Dispatcher's OnExtensible). It never blocks the caller's
// goroutine on engine internals — only on inbox capacity.
func (h *Host) HandleExtensible(raw []byte) {
	h.enqueue(func(now time.Time) ([]dbft.Event, error) {
		payload, err := dbft.DecodeExtensiblePayload(raw)
		if err != nil {
			return nil, fmt.Errorf("consensushost: decode payload: %w", err)
		}
		return h.engine.HandleMessage(payload, now)
	})
}

// NotifyBlockPersisted tells the engine a block it finalized is now
// durable (§4.4.6), advancing it to the next round.
func (h *Host) NotifyBlockPersisted(blockHash consensus.Hash256) {
	h.enqueue(func(now time.Time) ([]dbft.Event, error) {
		return h.engine.NotifyBlockPersisted(blockHash, now), nil
	})
}

// processEvents executes effects breadth-first: a RequestMempoolTxSet
// effect is resolved synchronously and its follow-on events are processed
// in the same pass, matching the engine's own single-threaded expectations.
func (h *Host) processEvents(evs []dbft.Event, now time.Time) {
	queue := append([]dbft.Event{}, evs...)
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		switch {
		case ev.Broadcast != nil:
			h.handleBroadcast(ev.Broadcast)
		case ev.RequestMempool != nil:
			queue = append(queue, h.handleRequestMempool(ev.RequestMempool, now)...)
		case ev.BlockCommitted != nil:
			queue = append(queue, h.handleBlockCommitted(ev.BlockCommitted, now)...)
		case ev.ViewChanged != nil:
			h.publishViewChanged(ev.ViewChanged)
		case ev.Fatal != nil:
			h.handleFatal(ev.Fatal)
		}

		if ce, ok := events.FromEffect(ev); ok {
			h.bus.Publish(ce)
		}
	}
}

func (h *Host) handleBroadcast(p *dbft.ExtensiblePayload) {
	h.sender.Broadcast(p2p.CmdExtensible, dbft.EncodeExtensiblePayload(*p))
}

func (h *Host) handleRequestMempool(req *dbft.RequestMempoolTxSet, now time.Time) []dbft.Event {
	hashes := h.mempool.Select(req.Max, maxPrimaryProposalBytes, maxPrimaryProposalFee)
	return h.engine.HandleMempoolTxSet(hashes, now)
}

func (h *Host) publishViewChanged(vc *dbft.ViewChanged) {
	h.logger.Info("view changed", zap.Uint8("from", vc.From), zap.Uint8("to", vc.To))
}

func (h *Host) handleFatal(f *dbft.FatalError) {
	h.logger.Error("consensus fatal", zap.String("reason", f.Reason))
}

// maxPrimaryProposalBytes and maxPrimaryProposalFee bound a primary's own
// proposal the same way any relayed block would be bounded (§3
// MaxBlockSize, headroom left for the header and witness).
const (
	maxPrimaryProposalBytes = consensus.MaxBlockSize - 4096
	maxPrimaryProposalFee   = int64(1) << 62
)
