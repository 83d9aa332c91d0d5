// Package dispatcher implements C6 (§4.1 "maps MessageCommand -> handler
// via a static table"): it is the concrete p2p.Handler every Hub peer
// session calls into, routing chain-sync messages to the Sync Engine,
// consensus messages to the Consensus Host, and peer-management messages
// to the address book, per §4.1's routing table.
package dispatcher

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"neonode.dev/node/consensus"
	"neonode.dev/node/events"
	"neonode.dev/node/p2p"
)

// maxAddrsServed caps one GetAddr reply (§4.2), comfortably under
// p2p.MaxAddrEntries so a reply never needs chunking.
const maxAddrsServed = 200

// SyncEngine is the slice of *sync.Engine the Dispatcher drives (§4.3,
// §9 "small capability traits... rather than passing full node
// references").
type SyncEngine interface {
	OnPeerConnected(addr string, startHeight uint32, now time.Time)
	OnPeerDisconnected(addr string)
	OnHeaders(addr string, headers []consensus.BlockHeader, now time.Time) error
	ServeHeaders(req p2p.GetHeadersPayload) ([]consensus.BlockHeader, error)
	OnBlock(addr string, raw []byte, now time.Time) error
	OnTx(addr string, raw []byte, now time.Time) error
	ServeBlockByIndex(req p2p.GetBlockByIndexPayload) ([]consensus.Block, error)
	OnInv(addr string, items []p2p.InvVector, now time.Time) ([]p2p.InvVector, error)
}

// ConsensusHost is the slice of *consensushost.Host the Dispatcher needs
// (§4.4.2).
type ConsensusHost interface {
	HandleExtensible(raw []byte)
}

// Mempool is the slice of *mempool.Pool the Dispatcher needs to serve
// CmdMempool and CmdGetData (§4.1, §4.5).
type Mempool interface {
	Get(hash consensus.Hash256) (consensus.Tx, bool)
	Hashes() []consensus.Hash256
}

// Ledger is the dispatcher's own slice of §6.4's "get_block(height|hash)"
// contract: hash-keyed lookup for serving GetData replies, which the
// narrower per-component Ledger traits (sync.Ledger, dbft.Ledger) never
// need since sync exclusively requests by index (§9 resolved open
// question).
type Ledger interface {
	GetBlockByHash(hash consensus.Hash256) (consensus.Block, bool)
}

// AddrBook is the persistence slice the Dispatcher needs for gossip
// (§4.2); *store.DB satisfies this structurally.
type AddrBook interface {
	PutAddr(key string, encoded []byte) error
	EachAddr(fn func(key string, encoded []byte) error) error
}

// Hub is the capability surface the Dispatcher needs back from the
// network layer (§9 "small capability traits... rather than passing full
// node references"); *net.Hub satisfies this structurally.
type Hub interface {
	PeerByAddr(addr string) (*p2p.Peer, bool)
	ShouldGossip(addr string, now time.Time) bool
}

// Dispatcher implements p2p.Handler.
type Dispatcher struct {
	hub    Hub
	sync   SyncEngine
	host   ConsensusHost
	pool   Mempool
	ledger Ledger
	addrs  AddrBook
	logger *zap.Logger
}

func New(hub Hub, syncEngine SyncEngine, host ConsensusHost, pool Mempool, ledger Ledger, addrs AddrBook, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		hub:    hub,
		sync:   syncEngine,
		host:   host,
		pool:   pool,
		ledger: ledger,
		addrs:  addrs,
		logger: logger.Named("dispatcher"),
	}
}

var _ p2p.Handler = (*Dispatcher)(nil)

// OnGetAddr serves a sample of the address book (§4.2).
func (d *Dispatcher) OnGetAddr(p *p2p.Peer) ([]p2p.NetAddr, error) {
	var out []p2p.NetAddr
	err := d.addrs.EachAddr(func(key string, encoded []byte) error {
		if len(out) >= maxAddrsServed {
			return nil
		}
		a, err := p2p.DecodeNetAddr(encoded)
		if err != nil {
			d.logger.Debug("drop malformed stored addr", zap.String("key", key), zap.Error(err))
			return nil
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// OnAddr persists gossiped addresses that are routable and not already
// known recently (§4.2 "reject loopback/private", address gossip recency
// filter).
func (d *Dispatcher) OnAddr(p *p2p.Peer, addrs []p2p.NetAddr) error {
	now := time.Now()
	for _, a := range addrs {
		if !p2p.IsRoutable(a.Addr()) || a.Port == 0 {
			continue
		}
		key := net.JoinHostPort(a.Addr().String(), strconv.Itoa(int(a.Port)))
		if !d.hub.ShouldGossip(key, now) {
			continue
		}
		if err := d.addrs.PutAddr(key, p2p.EncodeNetAddr(a)); err != nil {
			d.logger.Warn("persist gossiped addr", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// OnGetHeaders delegates to the Sync Engine (§4.3 step 6, §6.2).
func (d *Dispatcher) OnGetHeaders(p *p2p.Peer, req p2p.GetHeadersPayload) ([]consensus.BlockHeader, error) {
	return d.sync.ServeHeaders(req)
}

// OnHeaders delegates to the Sync Engine (§4.3 step 2).
func (d *Dispatcher) OnHeaders(p *p2p.Peer, headers []consensus.BlockHeader) error {
	return d.sync.OnHeaders(p.Addr(), headers, time.Now())
}

// OnGetBlockByIndex delegates to the Sync Engine and wire-encodes the
// resulting bodies, since p2p.Handler hands the Peer raw payload bytes to
// send (§6.2).
func (d *Dispatcher) OnGetBlockByIndex(p *p2p.Peer, req p2p.GetBlockByIndexPayload) ([][]byte, error) {
	blocks, err := d.sync.ServeBlockByIndex(req)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(blocks))
	for i, b := range blocks {
		out[i] = consensus.EncodeBlock(b)
	}
	return out, nil
}

// OnInv asks the Sync Engine which announced items are new, then pulls
// them with GetData (§4.3 step 4, §6.2).
func (d *Dispatcher) OnInv(p *p2p.Peer, items []p2p.InvVector) error {
	want, err := d.sync.OnInv(p.Addr(), items, time.Now())
	if err != nil {
		return err
	}
	if len(want) == 0 {
		return nil
	}
	for start := 0; start < len(want); start += p2p.MaxInventoryItems {
		end := start + p2p.MaxInventoryItems
		if end > len(want) {
			end = len(want)
		}
		payload, err := p2p.EncodeInvPayload(p2p.InvPayload{Items: want[start:end]})
		if err != nil {
			continue
		}
		if err := p.Send(p2p.CmdGetData, payload); err != nil {
			d.logger.Debug("send getdata", zap.String("peer", p.Addr()), zap.Error(err))
			return nil
		}
	}
	return nil
}

// OnGetData serves tx bodies from the mempool and block bodies from the
// ledger, replying NotFound for anything neither holds (§6.2).
func (d *Dispatcher) OnGetData(p *p2p.Peer, items []p2p.InvVector) error {
	var notFound []p2p.InvVector
	for _, it := range items {
		switch it.Type {
		case p2p.InvTypeTx:
			tx, ok := d.pool.Get(it.Hash)
			if !ok {
				notFound = append(notFound, it)
				continue
			}
			if err := p.Send(p2p.CmdTx, consensus.EncodeTx(tx)); err != nil {
				return nil
			}
		case p2p.InvTypeBlock:
			b, ok := d.ledger.GetBlockByHash(it.Hash)
			if !ok {
				notFound = append(notFound, it)
				continue
			}
			if err := p.Send(p2p.CmdBlock, consensus.EncodeBlock(b)); err != nil {
				return nil
			}
		default:
			notFound = append(notFound, it)
		}
	}
	if len(notFound) == 0 {
		return nil
	}
	payload, err := p2p.EncodeInvPayload(p2p.InvPayload{Items: notFound})
	if err != nil {
		return nil
	}
	_ = p.Send(p2p.CmdNotFound, payload)
	return nil
}

// OnNotFound just logs: the requester's retry/timeout bookkeeping (§4.3
// step 5) already covers a peer that never answers.
func (d *Dispatcher) OnNotFound(p *p2p.Peer, items []p2p.InvVector) error {
	d.logger.Debug("peer reported not found", zap.String("peer", p.Addr()), zap.Int("count", len(items)))
	return nil
}

// OnTx delegates to the Sync Engine (§4.3 "forward to mempool adapter").
func (d *Dispatcher) OnTx(p *p2p.Peer, raw []byte) error {
	return d.sync.OnTx(p.Addr(), raw, time.Now())
}

// OnBlock delegates to the Sync Engine (§4.3 step 4).
func (d *Dispatcher) OnBlock(p *p2p.Peer, raw []byte) error {
	return d.sync.OnBlock(p.Addr(), raw, time.Now())
}

// OnExtensible hands the raw consensus payload to the Consensus Host's
// single-writer inbox (§4.4.2, §5). Decode/validation failures surface
// inside the host's own task loop rather than here, so a malformed
// payload never costs the sender a ban-score hit it didn't earn from this
// call alone.
func (d *Dispatcher) OnExtensible(p *p2p.Peer, raw []byte) error {
	d.host.HandleExtensible(raw)
	return nil
}

// OnMempool serves the full set of pending transaction hashes (§4.1
// CmdMempool).
func (d *Dispatcher) OnMempool(p *p2p.Peer) ([]consensus.Hash256, error) {
	return d.pool.Hashes(), nil
}

// HandlePeerConnected seeds the Sync Engine with a newly-connected peer's
// advertised height (§3 PeerState, §4.3 step 1). It is driven by Run, not
// called from inside p2p.Handler: connection lifecycle reaches the
// Dispatcher only through the Hub's NodeEvent bus (§6.5), since
// p2p.Handler itself has no connect/disconnect hook.
func (d *Dispatcher) HandlePeerConnected(addr string, now time.Time) {
	peer, ok := d.hub.PeerByAddr(addr)
	if !ok {
		return
	}
	d.sync.OnPeerConnected(addr, peer.PeerVersion.StartHeight, now)
}

// HandlePeerDisconnected tells the Sync Engine a peer session ended, so
// its in-flight requests can be retargeted (§4.3 step 5).
func (d *Dispatcher) HandlePeerDisconnected(addr string) {
	d.sync.OnPeerDisconnected(addr)
}

// Run subscribes to the Hub's NodeEvent bus and forwards connect/disconnect
// notifications to the Sync Engine until stop is closed (§6.5).
func (d *Dispatcher) Run(bus *events.Bus[events.NodeEvent], stop <-chan struct{}) {
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-stop:
			return
		case ev := <-ch:
			switch ev.Kind {
			case events.NodePeerConnected:
				d.HandlePeerConnected(ev.Peer, time.Now())
			case events.NodePeerDisconnected:
				d.HandlePeerDisconnected(ev.Peer)
			}
		}
	}
}
