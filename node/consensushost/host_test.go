package consensushost

import (
	"testing"
	"time"

	"neonode.dev/node/consensus"
	"neonode.dev/node/crypto"
	"neonode.dev/node/dbft"
	"neonode.dev/node/events"
	"neonode.dev/node/p2p"
)

// fakeLedger's methods are only ever called from the host's own
// single-writer goroutine (§5), so no locking is needed here.
type fakeLedger struct {
	height uint32
	best   consensus.Hash256

	persisted []consensus.Block
}

func (f *fakeLedger) Height() uint32                  { return f.height }
func (f *fakeLedger) BestBlockHash() consensus.Hash256 { return f.best }
func (f *fakeLedger) GetHeader(index uint32) (consensus.BlockHeader, bool) {
	return consensus.BlockHeader{}, false
}
func (f *fakeLedger) PersistBlock(b consensus.Block) error {
	f.persisted = append(f.persisted, b)
	return nil
}

type fakeMempool struct {
	txs map[consensus.Hash256]consensus.Tx
}

func (m *fakeMempool) Select(maxCount, sizeBudget int, feeBudget int64) []consensus.Hash256 {
	out := make([]consensus.Hash256, 0, len(m.txs))
	for h := range m.txs {
		out = append(out, h)
	}
	if len(out) > maxCount {
		out = out[:maxCount]
	}
	return out
}

func (m *fakeMempool) Get(hash consensus.Hash256) (consensus.Tx, bool) {
	tx, ok := m.txs[hash]
	return tx, ok
}

func (m *fakeMempool) NotifyAdded(hashes []consensus.Hash256) {
	for _, h := range hashes {
		delete(m.txs, h)
	}
}

type fakeSender struct {
	sent []p2p.Command
}

func (s *fakeSender) Broadcast(cmd p2p.Command, payload []byte) {
	s.sent = append(s.sent, cmd)
}

type fakeStore struct {
	snapshots [][]byte
}

func (s *fakeStore) PersistRound(snapshot []byte) error {
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *fakeStore) LoadRound() ([]byte, bool, error) {
	if len(s.snapshots) == 0 {
		return nil, false, nil
	}
	return s.snapshots[len(s.snapshots)-1], true, nil
}

// singleValidatorCommittee builds an N=1 committee: the local validator is
// always primary, so Engine.Start deterministically proposes as soon as the
// mempool adapter has a transaction to offer (dbft.Engine.HandleMempoolTxSet).
func singleValidatorCommittee(t *testing.T) (*consensus.ValidatorSet, *crypto.DevSigner) {
	t.Helper()
	var scriptHash [20]byte
	scriptHash[0] = 1
	signer := crypto.NewDevSigner()
	pub, err := signer.AddKey(scriptHash)
	if err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	vs, err := consensus.NewValidatorSet([]consensus.Validator{{Index: 0, PubKey: pub, ScriptHash: scriptHash}})
	if err != nil {
		t.Fatalf("NewValidatorSet: %v", err)
	}
	return vs, signer
}

func testTx(b byte) consensus.Tx {
	tx := consensus.Tx{
		Script:     []byte{b},
		Witnesses:  []consensus.Witness{{VerificationScript: []byte{1}}},
		NetworkFee: 1,
	}
	tx.Hash = consensus.ComputeTxHash(tx)
	return tx
}

func newTestHost(t *testing.T) (*Host, *fakeSender, *fakeMempool) {
	t.Helper()
	vs, signer := singleValidatorCommittee(t)
	ledger := &fakeLedger{}
	tx := testTx(7)
	mempool := &fakeMempool{txs: map[consensus.Hash256]consensus.Tx{tx.Hash: tx}}
	store := &fakeStore{}

	engine, err := dbft.NewEngine(dbft.DefaultConfig(0x4e454f33), vs, 0, signer, store, mempool, ledger, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	sender := &fakeSender{}
	host, err := New(engine, ledger, mempool, sender, events.NewBus[events.ConsensusEvent](), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return host, sender, mempool
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	if _, err := New(nil, nil, nil, nil, nil, nil); err == nil {
		t.Fatal("New(all nil) should fail")
	}
}

func TestRunBroadcastsPrepareRequestAsPrimary(t *testing.T) {
	host, sender, _ := newTestHost(t)
	ch, unsubscribe := host.Events().Subscribe()
	defer unsubscribe()

	stop := make(chan struct{})
	defer close(stop)
	go host.Run(stop)

	select {
	case ev := <-ch:
		if ev.Kind != events.ConsensusRequestMempoolTxSet {
			t.Fatalf("first event kind = %v, want ConsensusRequestMempoolTxSet", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the mempool request event")
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.ConsensusBroadcastMessage {
			t.Fatalf("second event kind = %v, want ConsensusBroadcastMessage", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a broadcast event")
	}

	if len(sender.sent) == 0 || sender.sent[0] != p2p.CmdExtensible {
		t.Fatalf("sender.sent = %v, want a leading CmdExtensible", sender.sent)
	}
}

func TestHandleExtensibleWithMalformedPayloadIsIgnored(t *testing.T) {
	host, _, _ := newTestHost(t)
	stop := make(chan struct{})
	defer close(stop)
	go host.Run(stop)

	host.HandleExtensible([]byte{0xFF, 0xFF, 0xFF})

	// A malformed payload must not crash the single-writer task; a
	// subsequent NotifyBlockPersisted still has to be processed normally.
	host.NotifyBlockPersisted(consensus.Hash256{})
}
