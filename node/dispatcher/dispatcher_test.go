package dispatcher

import (
	"net"
	"testing"
	"time"

	"neonode.dev/node/consensus"
	"neonode.dev/node/p2p"
)

func newTestPeer(t *testing.T) *p2p.Peer {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	p, err := p2p.NewPeer(server, p2p.PeerRoleInbound, p2p.PeerConfig{})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	return p
}

type fakeHub struct {
	byAddr map[string]*p2p.Peer
	seen   map[string]bool
}

func newFakeHub() *fakeHub {
	return &fakeHub{byAddr: make(map[string]*p2p.Peer), seen: make(map[string]bool)}
}

func (h *fakeHub) PeerByAddr(addr string) (*p2p.Peer, bool) {
	p, ok := h.byAddr[addr]
	return p, ok
}

func (h *fakeHub) ShouldGossip(addr string, now time.Time) bool {
	if h.seen[addr] {
		return false
	}
	h.seen[addr] = true
	return true
}

type fakeAddrBook struct {
	entries map[string][]byte
}

func newFakeAddrBook() *fakeAddrBook { return &fakeAddrBook{entries: make(map[string][]byte)} }

func (b *fakeAddrBook) PutAddr(key string, encoded []byte) error {
	b.entries[key] = encoded
	return nil
}

func (b *fakeAddrBook) EachAddr(fn func(key string, encoded []byte) error) error {
	for k, v := range b.entries {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

type fakeLedger struct {
	byHash map[consensus.Hash256]consensus.Block
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{byHash: make(map[consensus.Hash256]consensus.Block)}
}

func (l *fakeLedger) GetBlockByHash(hash consensus.Hash256) (consensus.Block, bool) {
	b, ok := l.byHash[hash]
	return b, ok
}

type fakeMempool struct {
	txs map[consensus.Hash256]consensus.Tx
}

func newFakeMempool() *fakeMempool { return &fakeMempool{txs: make(map[consensus.Hash256]consensus.Tx)} }

func (m *fakeMempool) Get(hash consensus.Hash256) (consensus.Tx, bool) {
	tx, ok := m.txs[hash]
	return tx, ok
}

func (m *fakeMempool) Hashes() []consensus.Hash256 {
	out := make([]consensus.Hash256, 0, len(m.txs))
	for h := range m.txs {
		out = append(out, h)
	}
	return out
}

type fakeSyncEngine struct {
	connectedAddr   string
	connectedHeight uint32
	disconnected    string
}

func (s *fakeSyncEngine) OnPeerConnected(addr string, startHeight uint32, now time.Time) {
	s.connectedAddr = addr
	s.connectedHeight = startHeight
}

func (s *fakeSyncEngine) OnPeerDisconnected(addr string) { s.disconnected = addr }

func (s *fakeSyncEngine) OnHeaders(addr string, headers []consensus.BlockHeader, now time.Time) error {
	return nil
}

func (s *fakeSyncEngine) ServeHeaders(req p2p.GetHeadersPayload) ([]consensus.BlockHeader, error) {
	return nil, nil
}

func (s *fakeSyncEngine) OnBlock(addr string, raw []byte, now time.Time) error { return nil }
func (s *fakeSyncEngine) OnTx(addr string, raw []byte, now time.Time) error    { return nil }

func (s *fakeSyncEngine) ServeBlockByIndex(req p2p.GetBlockByIndexPayload) ([]consensus.Block, error) {
	return nil, nil
}

func (s *fakeSyncEngine) OnInv(addr string, items []p2p.InvVector, now time.Time) ([]p2p.InvVector, error) {
	return items, nil
}

type fakeConsensusHost struct {
	handled [][]byte
}

func (h *fakeConsensusHost) HandleExtensible(raw []byte) {
	h.handled = append(h.handled, raw)
}

func newTestDispatcher() (*Dispatcher, *fakeHub, *fakeMempool, *fakeSyncEngine, *fakeAddrBook) {
	hub := newFakeHub()
	pool := newFakeMempool()
	syncEngine := &fakeSyncEngine{}
	addrs := newFakeAddrBook()
	d := New(hub, syncEngine, &fakeConsensusHost{}, pool, newFakeLedger(), addrs, nil)
	return d, hub, pool, syncEngine, addrs
}

func TestOnMempoolReturnsPendingHashes(t *testing.T) {
	d, _, pool, _, _ := newTestDispatcher()
	tx := consensus.Tx{Script: []byte{1}, Witnesses: []consensus.Witness{{VerificationScript: []byte{1}}}}
	tx.Hash = consensus.ComputeTxHash(tx)
	pool.txs[tx.Hash] = tx

	hashes, err := d.OnMempool(newTestPeer(t))
	if err != nil {
		t.Fatalf("OnMempool: %v", err)
	}
	if len(hashes) != 1 || hashes[0] != tx.Hash {
		t.Fatalf("hashes = %v, want [%v]", hashes, tx.Hash)
	}
}

func TestOnGetDataServesKnownTxAndReportsNotFound(t *testing.T) {
	d, _, pool, _, _ := newTestDispatcher()
	tx := consensus.Tx{Script: []byte{9}, Witnesses: []consensus.Witness{{VerificationScript: []byte{1}}}}
	tx.Hash = consensus.ComputeTxHash(tx)
	pool.txs[tx.Hash] = tx
	missing := consensus.Hash256{0xAA}

	p := newTestPeer(t)
	err := d.OnGetData(p, []p2p.InvVector{
		{Type: p2p.InvTypeTx, Hash: tx.Hash},
		{Type: p2p.InvTypeTx, Hash: missing},
	})
	if err != nil {
		t.Fatalf("OnGetData: %v", err)
	}
}

func TestOnAddrPersistsRoutableNewAddressesOnly(t *testing.T) {
	d, _, _, _, addrs := newTestDispatcher()
	p := newTestPeer(t)

	routable := p2p.NetAddr{Port: 10333}
	copy(routable.IP[:], net.ParseIP("8.8.8.8").To16())
	private := p2p.NetAddr{Port: 10333}
	copy(private.IP[:], net.ParseIP("192.168.1.5").To16())

	if err := d.OnAddr(p, []p2p.NetAddr{routable, private}); err != nil {
		t.Fatalf("OnAddr: %v", err)
	}
	if len(addrs.entries) != 1 {
		t.Fatalf("entries = %d, want 1 (private address must be rejected)", len(addrs.entries))
	}
}

func TestOnGetAddrServesStoredEntries(t *testing.T) {
	d, _, _, _, addrs := newTestDispatcher()
	a := p2p.NetAddr{Port: 20333}
	copy(a.IP[:], net.ParseIP("1.2.3.4").To16())
	if err := addrs.PutAddr("1.2.3.4:20333", p2p.EncodeNetAddr(a)); err != nil {
		t.Fatalf("PutAddr: %v", err)
	}

	result, err := d.OnGetAddr(newTestPeer(t))
	if err != nil {
		t.Fatalf("OnGetAddr: %v", err)
	}
	if len(result) != 1 || result[0].Port != 20333 {
		t.Fatalf("addrs = %+v, want one entry with port 20333", result)
	}
}

func TestHandlePeerConnectedSeedsSyncEngine(t *testing.T) {
	d, hub, _, syncEngine, _ := newTestDispatcher()
	p := newTestPeer(t)
	p.PeerVersion.StartHeight = 42
	hub.byAddr[p.Addr()] = p

	d.HandlePeerConnected(p.Addr(), time.Now())

	if syncEngine.connectedAddr != p.Addr() || syncEngine.connectedHeight != 42 {
		t.Fatalf("sync engine not seeded: addr=%q height=%d", syncEngine.connectedAddr, syncEngine.connectedHeight)
	}
}

func TestHandlePeerConnectedIgnoresUnknownAddr(t *testing.T) {
	d, _, _, syncEngine, _ := newTestDispatcher()
	d.HandlePeerConnected("nope", time.Now())
	if syncEngine.connectedAddr != "" {
		t.Fatalf("sync engine should not have been seeded for an unknown peer")
	}
}

func TestOnExtensibleForwardsToConsensusHost(t *testing.T) {
	hub := newFakeHub()
	host := &fakeConsensusHost{}
	d := New(hub, &fakeSyncEngine{}, host, newFakeMempool(), newFakeLedger(), newFakeAddrBook(), nil)

	raw := []byte{1, 2, 3}
	if err := d.OnExtensible(newTestPeer(t), raw); err != nil {
		t.Fatalf("OnExtensible: %v", err)
	}
	if len(host.handled) != 1 || string(host.handled[0]) != string(raw) {
		t.Fatalf("host.handled = %v, want [%v]", host.handled, raw)
	}
}
