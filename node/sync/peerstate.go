package sync

import (
	"sync"
	"time"
)

// PeerState is the §3 per-peer sync bookkeeping: advertised height and
// recent-response tardiness, used to pick a serving peer (§4.3 step 2:
// "highest start_height whose recent responses are not tardy").
type PeerState struct {
	Addr          string
	StartHeight   uint32
	BestHeight    uint32 // Set to StartHeight on connect; the only caller of updateBestHeight passes 0, so it does not rise after that.
	ConnectedAt   time.Time
	LastMessageAt time.Time
	LastFailureAt time.Time
	InFlight      int
}

func (p *PeerState) tardy(now time.Time, timeout time.Duration) bool {
	return !p.LastFailureAt.IsZero() && now.Sub(p.LastFailureAt) < timeout
}

// peerTable owns the live PeerState map; the Sync Engine is its only
// mutator (§3 "the Sync Engine owns pending-request state").
type peerTable struct {
	mu    sync.Mutex
	peers map[string]*PeerState
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*PeerState)}
}

func (t *peerTable) add(addr string, startHeight uint32, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[addr] = &PeerState{
		Addr:          addr,
		StartHeight:   startHeight,
		BestHeight:    startHeight,
		ConnectedAt:   now,
		LastMessageAt: now,
	}
}

func (t *peerTable) remove(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, addr)
}

// updateBestHeight records activity from a peer and raises BestHeight if
// height exceeds it. Its one caller, OnInv, passes height 0 (Inv items
// carry no height), so in practice it only refreshes LastMessageAt.
func (t *peerTable) updateBestHeight(addr string, height uint32, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	if !ok {
		return
	}
	p.LastMessageAt = now
	if height > p.BestHeight {
		p.BestHeight = height
	}
}

func (t *peerTable) markFailure(addr string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[addr]; ok {
		p.LastFailureAt = now
	}
}

// bestKnownHeight is the §3 "max across peers" derived quantity.
func (t *peerTable) bestKnownHeight() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best uint32
	for _, p := range t.peers {
		if p.BestHeight > best {
			best = p.BestHeight
		}
	}
	return best
}

// selectServingPeer returns the highest-height peer whose recent responses
// are not tardy (§4.3 step 2), excluding any address in exclude.
func (t *peerTable) selectServingPeer(now time.Time, timeout time.Duration, minHeight uint32, exclude map[string]struct{}) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best *PeerState
	for addr, p := range t.peers {
		if _, skip := exclude[addr]; skip {
			continue
		}
		if p.BestHeight < minHeight {
			continue
		}
		if p.tardy(now, timeout) {
			continue
		}
		if best == nil || p.BestHeight > best.BestHeight {
			best = p
		}
	}
	if best == nil {
		return "", false
	}
	return best.Addr, true
}

func (t *peerTable) snapshot() []PeerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerState, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}
