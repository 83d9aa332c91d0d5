package sync

import (
	"container/heap"
	"time"

	"github.com/google/uuid"

	"neonode.dev/node/consensus"
)

// SyncRequest is the §3 per-in-flight-request record: one outstanding
// GetBlockByIndex (or, during the header phase, the single outstanding
// GetHeaders) call. CorrelationID is a fresh UUID for each issued request
// (a retry gets a new one); it is not compared against anything, and
// responses are matched to requests by block index only.
type SyncRequest struct {
	CorrelationID uuid.UUID
	Height        uint32
	Count         int
	TargetPeer    string
	IssuedAt      time.Time
	RetryCount    uint32
	TimedOut      bool
}

// pendingRequests tracks in-flight block-range requests keyed by their
// starting height; the Sync Engine is the sole mutator (§3).
type pendingRequests struct {
	byHeight map[uint32]*SyncRequest
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{byHeight: make(map[uint32]*SyncRequest)}
}

func (p *pendingRequests) add(height uint32, count int, peer string, now time.Time) *SyncRequest {
	req := &SyncRequest{
		CorrelationID: uuid.New(),
		Height:        height,
		Count:         count,
		TargetPeer:    peer,
		IssuedAt:      now,
	}
	p.byHeight[height] = req
	return req
}

func (p *pendingRequests) remove(height uint32) {
	delete(p.byHeight, height)
}

func (p *pendingRequests) get(height uint32) (*SyncRequest, bool) {
	r, ok := p.byHeight[height]
	return r, ok
}

func (p *pendingRequests) all() []*SyncRequest {
	out := make([]*SyncRequest, 0, len(p.byHeight))
	for _, r := range p.byHeight {
		out = append(out, r)
	}
	return out
}

func (p *pendingRequests) len() int { return len(p.byHeight) }

// blockItem is one out-of-order block awaiting its turn to commit (§4.3
// step 4: "buffered in a priority queue keyed by index").
type blockItem struct {
	index uint32
	block consensus.Block
	from  string
}

// blockHeap is a min-heap over blockItem.index, implementing
// container/heap.Interface.
type blockHeap []blockItem

func (h blockHeap) Len() int            { return len(h) }
func (h blockHeap) Less(i, j int) bool  { return h[i].index < h[j].index }
func (h blockHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *blockHeap) Push(x interface{}) { *h = append(*h, x.(blockItem)) }
func (h *blockHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// blockBuffer is the bounded (default 512, §5 Memory) reorder buffer for
// blocks that arrive ahead of the ledger's next expected index.
type blockBuffer struct {
	cap     int
	heap    blockHeap
	indexed map[uint32]struct{}
}

func newBlockBuffer(cap int) *blockBuffer {
	return &blockBuffer{cap: cap, indexed: make(map[uint32]struct{})}
}

func (b *blockBuffer) has(index uint32) bool {
	_, ok := b.indexed[index]
	return ok
}

// add returns false without mutating the buffer if it is already at
// capacity and index is not already present (§5 "no unbounded queues").
func (b *blockBuffer) add(index uint32, block consensus.Block, from string) bool {
	if b.has(index) {
		return true
	}
	if len(b.heap) >= b.cap {
		return false
	}
	heap.Push(&b.heap, blockItem{index: index, block: block, from: from})
	b.indexed[index] = struct{}{}
	return true
}

// popIfNext returns and removes the lowest-indexed buffered block only if
// it equals wantIndex (§4.3 step 4: "when top-of-queue equals
// local_height+1, persist").
func (b *blockBuffer) popIfNext(wantIndex uint32) (blockItem, bool) {
	if len(b.heap) == 0 || b.heap[0].index != wantIndex {
		return blockItem{}, false
	}
	item := heap.Pop(&b.heap).(blockItem)
	delete(b.indexed, item.index)
	return item, true
}

func (b *blockBuffer) len() int { return len(b.heap) }
