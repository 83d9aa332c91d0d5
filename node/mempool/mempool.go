// Package mempool implements the C5 Mempool Adapter (§4.5): a narrow
// selection/lookup surface the dBFT Engine is handed instead of owning
// transaction storage itself.
package mempool

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"neonode.dev/node/consensus"
)

// RejectedCacheSize bounds the recently-rejected-transaction recency
// filter: large enough to absorb one gossip storm's worth of duplicate
// announcements without growing unbounded.
const RejectedCacheSize = 8192

// Pool is the concrete MempoolAdapter (§4.5) plus the add/remove surface
// the Dispatcher and Sync Engine use to feed it. Selection is
// deterministic fee-then-hash order so repeated calls within a round never
// race with each other (§4.5 "select's results also resolve via get").
type Pool struct {
	logger *zap.Logger

	mu  sync.RWMutex
	txs map[consensus.Hash256]consensus.Tx

	rejected *lru.Cache[consensus.Hash256, struct{}]
}

func New(logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rejected, err := lru.New[consensus.Hash256, struct{}](RejectedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Pool{
		logger:   logger.Named("mempool"),
		txs:      make(map[consensus.Hash256]consensus.Tx),
		rejected: rejected,
	}, nil
}

// Add validates and admits a transaction (§4.3 Tx message validation,
// §6.4 validate_tx delegated to the ledger by the caller before Add is
// reached). Returns false without error if the hash is already present or
// was recently rejected, so callers do not re-log a flood of duplicates.
func (p *Pool) Add(tx consensus.Tx) (bool, error) {
	if err := tx.ValidateStructure(); err != nil {
		p.rejected.Add(tx.Hash, struct{}{})
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.txs[tx.Hash]; exists {
		return false, nil
	}
	if _, wasRejected := p.rejected.Get(tx.Hash); wasRejected {
		return false, nil
	}
	p.txs[tx.Hash] = tx
	return true, nil
}

// Reject records a hash the ledger bounced (invalid witness, conflict,
// policy) so a retransmission within the recency window is dropped
// without re-validating.
func (p *Pool) Reject(hash consensus.Hash256) {
	p.rejected.Add(hash, struct{}{})
}

func (p *Pool) Has(hash consensus.Hash256) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[hash]
	return ok
}

// Get implements dbft.MempoolAdapter.
func (p *Pool) Get(hash consensus.Hash256) (consensus.Tx, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tx, ok := p.txs[hash]
	return tx, ok
}

// Select implements dbft.MempoolAdapter: deterministic fee-then-hash
// ordering (§4.5), capped by count, serialized-size and total-fee budgets.
func (p *Pool) Select(maxCount int, sizeBudget int, feeBudget int64) []consensus.Hash256 {
	p.mu.RLock()
	candidates := make([]consensus.Tx, 0, len(p.txs))
	for _, tx := range p.txs {
		candidates = append(candidates, tx)
	}
	p.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := candidates[i].NetworkFee, candidates[j].NetworkFee
		if fi != fj {
			return fi > fj
		}
		return lessHash(candidates[i].Hash, candidates[j].Hash)
	})

	out := make([]consensus.Hash256, 0, maxCount)
	var usedSize int
	var usedFee int64
	for _, tx := range candidates {
		if len(out) >= maxCount {
			break
		}
		if sizeBudget > 0 && usedSize+int(tx.Size) > sizeBudget {
			continue
		}
		if feeBudget > 0 && usedFee+tx.NetworkFee > feeBudget {
			continue
		}
		out = append(out, tx.Hash)
		usedSize += int(tx.Size)
		usedFee += tx.NetworkFee
	}
	return out
}

// NotifyAdded implements dbft.MempoolAdapter: drop committed transactions
// from the pool once their block is persisted.
func (p *Pool) NotifyAdded(hashes []consensus.Hash256) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		delete(p.txs, h)
	}
}

// Size returns the current pending-transaction count, for metrics/logging.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns every pending transaction hash, for serving Mempool
// requests (§4.1 CmdMempool).
func (p *Pool) Hashes() []consensus.Hash256 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]consensus.Hash256, 0, len(p.txs))
	for h := range p.txs {
		out = append(out, h)
	}
	return out
}

func lessHash(a, b consensus.Hash256) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
