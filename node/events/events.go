// Package events defines the three broadcast event taxonomies from §6.5:
// NodeEvent, SyncEvent and ConsensusEvent. Each has its own Bus so a slow
// consumer of one stream never backs up another.
package events

import (
	"sync"

	"neonode.dev/node/dbft"
)

// NodeEventKind tags a NodeEvent variant (§6.5).
type NodeEventKind int

const (
	NodeStarted NodeEventKind = iota
	NodeStopped
	NodePeerConnected
	NodePeerDisconnected
	NodeMessageReceived
	NodeMessageSent
	NodeNetworkError
)

type NodeEvent struct {
	Kind NodeEventKind
	Peer string
	Err  error
}

// SyncEventKind tags a SyncEvent variant (§6.5).
type SyncEventKind int

const (
	SyncStarted SyncEventKind = iota
	SyncHeadersProgress
	SyncBlocksProgress
	SyncCompleted
	SyncFailed
	SyncNewBestHeight
)

type SyncEvent struct {
	Kind   SyncEventKind
	Height uint32
	Err    error
}

// ConsensusEventKind tags a ConsensusEvent variant (§6.5), mirroring
// dbft.Event's effect shapes one-for-one so the host can republish engine
// output without re-deriving a separate taxonomy.
type ConsensusEventKind int

const (
	ConsensusBroadcastMessage ConsensusEventKind = iota
	ConsensusRequestMempoolTxSet
	ConsensusBlockCommitted
	ConsensusViewChanged
)

type ConsensusEvent struct {
	Kind           ConsensusEventKind
	Broadcast      *dbft.ExtensiblePayload
	RequestMempool *dbft.RequestMempoolTxSet
	BlockCommitted *dbft.BlockCommittedData
	ViewChanged    *dbft.ViewChanged
}

// FromEffect maps one dbft.Event onto its ConsensusEvent form, or (zero,
// false) for a Fatal effect, which the host handles directly rather than
// broadcasting (§4.4.9: persistence failures are process-level concerns,
// not subscriber notifications).
func FromEffect(ev dbft.Event) (ConsensusEvent, bool) {
	switch {
	case ev.Broadcast != nil:
		return ConsensusEvent{Kind: ConsensusBroadcastMessage, Broadcast: ev.Broadcast}, true
	case ev.RequestMempool != nil:
		return ConsensusEvent{Kind: ConsensusRequestMempoolTxSet, RequestMempool: ev.RequestMempool}, true
	case ev.BlockCommitted != nil:
		return ConsensusEvent{Kind: ConsensusBlockCommitted, BlockCommitted: ev.BlockCommitted}, true
	case ev.ViewChanged != nil:
		return ConsensusEvent{Kind: ConsensusViewChanged, ViewChanged: ev.ViewChanged}, true
	default:
		return ConsensusEvent{}, false
	}
}

// subscriberQueueSize bounds each subscriber's backlog; while a subscriber
// is this far behind, Publish drops new events for it (it stays
// subscribed) rather than stalling the publisher (§6.5 "per-subscriber
// lag/drop policy").
const subscriberQueueSize = 256

// Bus is a generic multi-consumer broadcaster with a per-subscriber bounded
// queue: a slow subscriber loses events rather than blocking every other
// subscriber or the publisher.
type Bus[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a channel of future events and an unsubscribe func.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan T, subscriberQueueSize)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish fans event out to every current subscriber, dropping it for any
// subscriber whose queue is full.
func (b *Bus[T]) Publish(event T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
