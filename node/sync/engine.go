package sync

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"neonode.dev/node/consensus"
	"neonode.dev/node/events"
)

// relayRecencyCacheSize bounds the "don't re-relay a freshly-persisted
// block within 2s" filter (§4.3 "Relay policy").
const relayRecencyCacheSize = 4096

// Engine is C3: it drives chain catch-up and, once synchronized, keeps
// serving peer requests and relaying freshly-persisted blocks/transactions.
// It is not required to be side-effect free the way the Consensus Engine
// is (§4.4): §4.3 describes it issuing requests and committing directly,
// so it calls its injected Sender/Ledger/TxPool capabilities as it goes
// rather than returning a list of effects.
type Engine struct {
	cfg     Config
	ledger  Ledger
	pool    TxPool
	sender  Sender
	penalty PeerPenalizer
	bus     *events.Bus[events.SyncEvent]
	logger  *zap.Logger

	mu       sync.Mutex
	state    State
	peers    *peerTable
	headerQ  *headerQueue
	pending  *pendingRequests
	blockBuf *blockBuffer

	recentRelay *lru.Cache[consensus.Hash256, time.Time]

	// nextReqHeight is the cursor for the next not-yet-requested block
	// height in the pipeline (§4.3 step 3).
	nextReqHeight uint32
}

func New(cfg Config, ledger Ledger, pool TxPool, sender Sender, penalty PeerPenalizer, bus *events.Bus[events.SyncEvent], logger *zap.Logger) (*Engine, error) {
	if ledger == nil || pool == nil || sender == nil {
		return nil, fmt.Errorf("sync: engine: ledger, pool and sender are required")
	}
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus[events.SyncEvent]()
	}
	recent, err := lru.New[consensus.Hash256, time.Time](relayRecencyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:         cfg,
		ledger:      ledger,
		pool:        pool,
		sender:      sender,
		penalty:     penalty,
		bus:         bus,
		logger:      logger.Named("sync"),
		state:       StateIdle,
		peers:       newPeerTable(),
		headerQ:     newHeaderQueue(cfg.HeaderQueueCap),
		pending:     newPendingRequests(),
		blockBuf:    newBlockBuffer(cfg.BlockBufferCap),
		recentRelay: recent,
	}, nil
}

func (e *Engine) Events() *events.Bus[events.SyncEvent] { return e.bus }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OnPeerConnected registers a peer's advertised height (§3 PeerState,
// §4.3 step 1).
func (e *Engine) OnPeerConnected(addr string, startHeight uint32, now time.Time) {
	e.mu.Lock()
	e.peers.add(addr, startHeight, now)
	e.mu.Unlock()
	e.maybeStart(now)
}

func (e *Engine) OnPeerDisconnected(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers.remove(addr)
	for _, req := range e.pending.all() {
		if req.TargetPeer == addr {
			req.TimedOut = true
		}
	}
}

// maybeStart implements §4.3 step 1: if best_known_height > local_height
// and state == Idle, begin the header phase.
func (e *Engine) maybeStart(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return
	}
	target := e.peers.bestKnownHeight()
	if target <= e.ledger.Height() {
		return
	}
	e.state = StateSyncingHeaders
	e.bus.Publish(events.SyncEvent{Kind: events.SyncStarted, Height: target})
	e.requestHeadersLocked(now)
}

// Tick drives retry/backoff scanning and state transitions (§4.3 steps 5-6).
// Safe to call on any cadence.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateIdle:
		e.mu.Unlock()
		e.maybeStart(now)
		e.mu.Lock()
		return
	case StateSyncingHeaders:
		e.scanHeaderTimeoutLocked(now)
	case StateSyncingBlocks:
		e.scanBlockTimeoutsLocked(now)
		e.fillBlockPipelineLocked(now)
		e.drainBufferLocked(now)
		if e.ledger.Height() >= e.peers.bestKnownHeight() {
			e.state = StateSynchronized
			e.bus.Publish(events.SyncEvent{Kind: events.SyncCompleted, Height: e.ledger.Height()})
		}
	case StateSynchronized:
		if e.peers.bestKnownHeight() > e.ledger.Height() {
			e.state = StateSyncingHeaders
			e.bus.Publish(events.SyncEvent{Kind: events.SyncStarted, Height: e.peers.bestKnownHeight()})
			e.requestHeadersLocked(now)
		}
	}
}

func (e *Engine) fail(reason string) {
	e.state = StateFailed
	e.bus.Publish(events.SyncEvent{Kind: events.SyncFailed, Err: fmt.Errorf("sync: %s", reason)})
}
