package dbft

import (
	"testing"
	"time"

	"neonode.dev/node/consensus"
	"neonode.dev/node/crypto"
)

type fakeMempool struct {
	txs []consensus.Tx
}

func (m *fakeMempool) Select(maxCount, sizeBudget int, feeBudget int64) []consensus.Hash256 {
	out := make([]consensus.Hash256, 0, len(m.txs))
	for _, tx := range m.txs {
		out = append(out, tx.Hash)
	}
	if len(out) > maxCount {
		out = out[:maxCount]
	}
	return out
}

func (m *fakeMempool) Get(hash consensus.Hash256) (consensus.Tx, bool) {
	for _, tx := range m.txs {
		if tx.Hash == hash {
			return tx, true
		}
	}
	return consensus.Tx{}, false
}

func (m *fakeMempool) NotifyAdded(hashes []consensus.Hash256) {}

type fakeLedger struct {
	height uint32
	best   consensus.Hash256
}

func (l *fakeLedger) Height() uint32                 { return l.height }
func (l *fakeLedger) BestBlockHash() consensus.Hash256 { return l.best }
func (l *fakeLedger) GetHeader(index uint32) (consensus.BlockHeader, bool) {
	return consensus.BlockHeader{}, false
}

type fakeStore struct {
	snapshots [][]byte
	failNext  bool
}

func (s *fakeStore) PersistRound(snapshot []byte) error {
	if s.failNext {
		s.failNext = false
		return errPersistFailed
	}
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

// LoadRound returns the most recently persisted snapshot, mirroring the
// single-key put_sync/get semantics of the real bbolt-backed store: a
// restart only ever sees the last value written.
func (s *fakeStore) LoadRound() ([]byte, bool, error) {
	if len(s.snapshots) == 0 {
		return nil, false, nil
	}
	return s.snapshots[len(s.snapshots)-1], true, nil
}

var errPersistFailed = &consensus.Error{Kind: consensus.KindStorageFatal, Msg: "injected failure"}

func txHash(b byte) consensus.Hash256 {
	var h consensus.Hash256
	h[0] = b
	return h
}

// committee builds an N-validator set, each with its own DevSigner key, and
// returns the ValidatorSet plus one Signer per index.
func committee(t *testing.T, n int) (*consensus.ValidatorSet, []*crypto.DevSigner) {
	t.Helper()
	validators := make([]consensus.Validator, n)
	signers := make([]*crypto.DevSigner, n)
	for i := 0; i < n; i++ {
		var scriptHash [20]byte
		scriptHash[0] = byte(i + 1)
		s := crypto.NewDevSigner()
		pub, err := s.AddKey(scriptHash)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		validators[i] = consensus.Validator{Index: uint8(i), PubKey: pub, ScriptHash: scriptHash}
		signers[i] = s
	}
	vs, err := consensus.NewValidatorSet(validators)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return vs, signers
}

func newTestEngine(t *testing.T, vs *consensus.ValidatorSet, signers []*crypto.DevSigner, idx uint8, mempool MempoolAdapter, ledger Ledger, store RoundStore) *Engine {
	t.Helper()
	cfg := DefaultConfig(0x4e454f33)
	e, err := NewEngine(cfg, vs, idx, signers[idx], store, mempool, ledger, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e
}

// TestSingleValidatorHappyPathCommits exercises S1: a single-validator
// committee (N=1, M=1) is both primary and the only signer, so proposing
// should drive straight through to BlockCommitted in one pass.
func TestSingleValidatorHappyPathCommits(t *testing.T) {
	vs, signers := committee(t, 1)
	mempool := &fakeMempool{txs: []consensus.Tx{{Hash: txHash(1), SystemFee: 10}}}
	ledger := &fakeLedger{}
	store := &fakeStore{}
	e := newTestEngine(t, vs, signers, 0, mempool, ledger, store)

	now := time.Unix(1700000000, 0)
	events := e.Start(now)
	sawRequestMempool := false
	for _, ev := range events {
		if ev.RequestMempool != nil {
			sawRequestMempool = true
		}
	}
	if !sawRequestMempool {
		t.Fatalf("primary must request a mempool tx set on round start")
	}

	events = e.HandleMempoolTxSet([]consensus.Hash256{txHash(1)}, now)
	var committed *BlockCommittedData
	for _, ev := range events {
		if ev.BlockCommitted != nil {
			committed = ev.BlockCommitted
		}
	}
	if committed == nil {
		t.Fatalf("single-validator round must commit immediately, got events: %+v", events)
	}
	if committed.Index != 1 {
		t.Fatalf("expected block index 1, got %d", committed.Index)
	}
	if len(committed.Signatures) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(committed.Signatures))
	}
	if len(store.snapshots) != 1 {
		t.Fatalf("expected one persisted round snapshot before commit broadcast, got %d", len(store.snapshots))
	}
}

// TestFourValidatorQuorumCommitsOnThirdVote exercises the M=3-of-4 quorum
// boundary: the second PrepareResponse (the third vote, counting the
// primary's implicit one) must be what tips the round into WaitingCommits,
// not the first.
func TestFourValidatorQuorumCommitsOnThirdVote(t *testing.T) {
	vs, signers := committee(t, 4)
	if vs.M() != 3 {
		t.Fatalf("expected M=3 for N=4, got %d", vs.M())
	}
	mempool := &fakeMempool{txs: []consensus.Tx{{Hash: txHash(1)}}}
	ledger := &fakeLedger{}

	engines := make([]*Engine, 4)
	for i := range engines {
		engines[i] = newTestEngine(t, vs, signers, uint8(i), mempool, ledger, &fakeStore{})
	}

	now := time.Unix(1700000000, 0)
	for _, e := range engines {
		e.Start(now)
	}
	primary := consensus.Primary(1, 0, 4)

	events := engines[primary].HandleMempoolTxSet([]consensus.Hash256{txHash(1)}, now)
	var prepareReqPayload *ExtensiblePayload
	for _, ev := range events {
		if ev.Broadcast != nil {
			prepareReqPayload = ev.Broadcast
		}
	}
	if prepareReqPayload == nil {
		t.Fatalf("primary must broadcast a prepare request")
	}

	var responses []*ExtensiblePayload
	for i, e := range engines {
		if uint8(i) == primary {
			continue
		}
		evs, err := e.HandleMessage(*prepareReqPayload, now)
		if err != nil {
			t.Fatalf("validator %d rejected prepare request: %v", i, err)
		}
		for _, ev := range evs {
			if ev.Broadcast != nil {
				responses = append(responses, ev.Broadcast)
			}
		}
	}
	if len(responses) != 3 {
		t.Fatalf("expected 3 non-primary prepare responses, got %d", len(responses))
	}

	// Feed responses to the primary one at a time; commit must not happen
	// before the quorum (2 explicit + 1 implicit = 3 = M) is reached.
	committedAt := -1
	for i, resp := range responses {
		evs, err := engines[primary].HandleMessage(*resp, now)
		if err != nil {
			t.Fatalf("primary rejected prepare response: %v", err)
		}
		for _, ev := range evs {
			if ev.Broadcast != nil {
				// This is the primary's own Commit broadcast.
				committedAt = i
			}
		}
	}
	if committedAt != 1 {
		t.Fatalf("expected commit phase to begin on the second prepare response (1 implicit + 2 explicit = M), got index %d", committedAt)
	}
}

// TestDuplicatePayloadDroppedSilently covers §8's message-dedup invariant.
func TestDuplicatePayloadDroppedSilently(t *testing.T) {
	vs, signers := committee(t, 4)
	mempool := &fakeMempool{txs: []consensus.Tx{{Hash: txHash(1)}}}
	ledger := &fakeLedger{}
	engines := make([]*Engine, 4)
	for i := range engines {
		engines[i] = newTestEngine(t, vs, signers, uint8(i), mempool, ledger, &fakeStore{})
		engines[i].Start(time.Unix(1700000000, 0))
	}
	primary := consensus.Primary(1, 0, 4)
	now := time.Unix(1700000000, 0)
	events := engines[primary].HandleMempoolTxSet([]consensus.Hash256{txHash(1)}, now)
	var req *ExtensiblePayload
	for _, ev := range events {
		if ev.Broadcast != nil {
			req = ev.Broadcast
		}
	}
	other := (primary + 1) % 4
	first, err := engines[other].HandleMessage(*req, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) == 0 {
		t.Fatalf("first delivery should produce events")
	}
	second, err := engines[other].HandleMessage(*req, now)
	if err != nil {
		t.Fatalf("duplicate payload must be dropped silently, not rejected: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("duplicate payload must produce no events, got %+v", second)
	}
}

// TestViewTimeoutEmitsChangeView covers the Timeout->ChangeView transition
// from §4.4.1 step 8.
func TestViewTimeoutEmitsChangeView(t *testing.T) {
	vs, signers := committee(t, 4)
	mempool := &fakeMempool{}
	ledger := &fakeLedger{}
	e := newTestEngine(t, vs, signers, 0, mempool, ledger, &fakeStore{})
	start := time.Unix(1700000000, 0)
	e.Start(start)

	late := start.Add(e.cfg.ViewTimeout(0) + time.Second)
	events := e.Tick(late)
	var changedView bool
	for _, ev := range events {
		if ev.Broadcast != nil {
			changedView = true
		}
	}
	if !changedView {
		t.Fatalf("expected a ChangeView broadcast after the view timeout elapses")
	}
	if !e.round.ChangeViewSent {
		t.Fatalf("round must record that a change view vote was sent")
	}

	// A second tick before quorum must not emit a duplicate vote.
	events = e.Tick(late.Add(time.Millisecond))
	for _, ev := range events {
		if ev.Broadcast != nil {
			t.Fatalf("must not re-broadcast ChangeView once already sent for this view")
		}
	}
}

// TestChangeViewQuorumAdvancesRound covers the >=M-agreement view
// transition from §4.4.4, resetting the round but not the block.
func TestChangeViewQuorumAdvancesRound(t *testing.T) {
	vs, signers := committee(t, 4)
	mempool := &fakeMempool{}
	ledger := &fakeLedger{}
	engines := make([]*Engine, 4)
	now := time.Unix(1700000000, 0)
	for i := range engines {
		engines[i] = newTestEngine(t, vs, signers, uint8(i), mempool, ledger, &fakeStore{})
		engines[i].Start(now)
	}

	target := engines[0]
	blockIndex := target.round.BlockIndex
	for i := 1; i < 4; i++ {
		msg := ChangeView{NewView: 1, Reason: ReasonTimeout, TimestampMS: uint64(now.UnixMilli())}
		wrapped := signedPayload(t, signers[i], vs, uint8(i), blockIndex, EncodeChangeView(msg))
		if _, err := target.HandleMessage(*wrapped, now); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if target.round.ViewNumber != 1 {
		t.Fatalf("expected view transition to 1 after quorum, got %d", target.round.ViewNumber)
	}
	if target.round.BlockIndex != blockIndex {
		t.Fatalf("view change must not alter the block index")
	}
}

// TestRestartAfterCommitDoesNotDoubleVote covers S4 and §8 invariant 1: a
// validator that crashes right after persisting its own Commit must not
// broadcast a second one on restart, even though the in-memory round (and
// the rest of the network's quorum) never got to see it.
func TestRestartAfterCommitDoesNotDoubleVote(t *testing.T) {
	vs, signers := committee(t, 4)
	mempool := &fakeMempool{txs: []consensus.Tx{{Hash: txHash(1)}}}
	ledger := &fakeLedger{}
	store := &fakeStore{}

	engines := make([]*Engine, 4)
	for i := range engines {
		s := RoundStore(store)
		if uint8(i) != consensus.Primary(1, 0, 4) {
			s = &fakeStore{}
		}
		engines[i] = newTestEngine(t, vs, signers, uint8(i), mempool, ledger, s)
	}

	now := time.Unix(1700000000, 0)
	for _, e := range engines {
		e.Start(now)
	}
	primary := consensus.Primary(1, 0, 4)

	events := engines[primary].HandleMempoolTxSet([]consensus.Hash256{txHash(1)}, now)
	var prepareReqPayload *ExtensiblePayload
	for _, ev := range events {
		if ev.Broadcast != nil {
			prepareReqPayload = ev.Broadcast
		}
	}
	if prepareReqPayload == nil {
		t.Fatalf("primary must broadcast a prepare request")
	}

	var responses []*ExtensiblePayload
	for i, e := range engines {
		if uint8(i) == primary {
			continue
		}
		evs, err := e.HandleMessage(*prepareReqPayload, now)
		if err != nil {
			t.Fatalf("validator %d rejected prepare request: %v", i, err)
		}
		for _, ev := range evs {
			if ev.Broadcast != nil {
				responses = append(responses, ev.Broadcast)
			}
		}
	}

	// Feed only the two responses needed (2 explicit + 1 implicit = M=3) to
	// drive the primary into the commit phase and persist its own vote.
	var sawCommitBroadcast bool
	for _, resp := range responses[:2] {
		evs, err := engines[primary].HandleMessage(*resp, now)
		if err != nil {
			t.Fatalf("primary rejected prepare response: %v", err)
		}
		for _, ev := range evs {
			if ev.Broadcast != nil && len(ev.Broadcast.Data) > 0 && ev.Broadcast.Data[0] == byte(MsgCommit) {
				sawCommitBroadcast = true
			}
		}
	}
	if !sawCommitBroadcast {
		t.Fatalf("primary must have broadcast its own Commit before the simulated crash")
	}
	if len(store.snapshots) != 1 {
		t.Fatalf("expected exactly one persisted snapshot before the crash, got %d", len(store.snapshots))
	}
	if !engines[primary].round.CommitSent {
		t.Fatalf("primary's own round must record CommitSent before the crash")
	}

	// Simulate a crash and restart: a brand new Engine backed by the same
	// store, never having seen the in-memory round that crashed.
	restarted := newTestEngine(t, vs, signers, primary, mempool, ledger, store)
	restartEvents := restarted.Start(now.Add(time.Minute))

	for _, ev := range restartEvents {
		if ev.Broadcast != nil && len(ev.Broadcast.Data) > 0 && ev.Broadcast.Data[0] == byte(MsgCommit) {
			t.Fatalf("restart must never re-broadcast Commit")
		}
	}
	if len(store.snapshots) != 1 {
		t.Fatalf("restart must not persist a new snapshot when restoring, got %d total", len(store.snapshots))
	}
	if !restarted.round.CommitSent {
		t.Fatalf("restored round must carry over CommitSent=true")
	}
	if _, ok := restarted.round.Commits[primary]; !ok {
		t.Fatalf("restored round must carry over the local validator's own commit signature")
	}

	var sawRecoveryRequest bool
	for _, ev := range restartEvents {
		if ev.Broadcast != nil && len(ev.Broadcast.Data) > 0 && ev.Broadcast.Data[0] == byte(MsgRecoveryRequest) {
			sawRecoveryRequest = true
		}
	}
	if !sawRecoveryRequest {
		t.Fatalf("restart must still send exactly one RecoveryRequest")
	}
}

// signedPayload builds a correctly-signed ExtensiblePayload for validator
// idx's script hash, bypassing Engine internals so cross-engine wire
// handling can be tested directly.
func signedPayload(t *testing.T, signer *crypto.DevSigner, vs *consensus.ValidatorSet, idx uint8, blockIndex uint32, inner []byte) *ExtensiblePayload {
	t.Helper()
	v, ok := vs.At(idx)
	if !ok {
		t.Fatalf("validator %d not found", idx)
	}
	p := ExtensiblePayload{ValidBlockEnd: blockIndex, Sender: v.ScriptHash, Data: inner}
	h := PayloadHash(p)
	sig, err := signer.Sign(PayloadSignData(0x4e454f33, h), v.ScriptHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Witness = consensus.Witness{InvocationScript: append([]byte{invocationPushData1, 64}, sig...), VerificationScript: append([]byte(nil), v.PubKey...)}
	return &p
}
