package dbft

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"neonode.dev/node/consensus"
	"neonode.dev/node/crypto"
)

// single-sig invocation script marker used on every payload and commit
// witness this engine produces: a raw PUSHDATA(64) of the ECDSA signature.
// The engine never executes a VM, so this is the one shape it both
// produces and recognizes (§4.4.2 "the witness invocation script contains
// one ECDSA secp256r1 signature").
const invocationPushData1 = 0x0C

// Engine is the single-threaded dBFT 2.0 state machine (§4.4, "the hard
// core"). It consumes ProtocolMessage/Tick/MempoolTxSet events and returns
// Broadcast/RequestMempoolTxSet/BlockCommitted/ViewChanged/Fatal effects;
// it never performs I/O. The host (Dispatcher) owns pumping events in and
// executing effects out.
type Engine struct {
	cfg Config
	vs  *consensus.ValidatorSet

	localIndex      uint8
	localScriptHash consensus.Hash160

	signer  crypto.Signer
	store   RoundStore
	mempool MempoolAdapter
	ledger  Ledger
	logger  *zap.Logger

	round *Round
}

// NewEngine wires the capability traits named in §9 "cyclic references"
// instead of a full node reference.
func NewEngine(cfg Config, vs *consensus.ValidatorSet, localIndex uint8, signer crypto.Signer, store RoundStore, mempool MempoolAdapter, ledger Ledger, logger *zap.Logger) (*Engine, error) {
	v, ok := vs.At(localIndex)
	if !ok {
		return nil, fmt.Errorf("dbft: engine: local validator index %d out of range", localIndex)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:             cfg,
		vs:              vs,
		localIndex:      localIndex,
		localScriptHash: v.ScriptHash,
		signer:          signer,
		store:           store,
		mempool:         mempool,
		ledger:          ledger,
		logger:          logger.With(zap.Uint8("validator_index", localIndex)),
	}, nil
}

// Round exposes the live round for read-only inspection (metrics, tests).
func (e *Engine) Round() *Round { return e.round }

func (e *Engine) primary() uint8 {
	return consensus.Primary(e.round.BlockIndex, e.round.ViewNumber, e.vs.N())
}

func (e *Engine) isPrimary() bool { return e.round != nil && e.primary() == e.localIndex }

// Start seeds the round for the ledger's current height (§4.4.1 step 1),
// restoring it from the last persisted snapshot when one matches the
// target block index instead of always building fresh (§4.4.8: "on
// restart with a matching stored (H, V), the engine restores the round,
// then broadcasts a RecoveryRequest ... without double-voting"). Either
// way, per §4.4.7, exactly one RecoveryRequest is sent on startup.
func (e *Engine) Start(now time.Time) []Event {
	height := e.ledger.Height()
	prevHash := e.ledger.BestBlockHash()
	targetIndex := height + 1

	if restored := e.tryRestoreRound(targetIndex); restored != nil {
		e.round = restored
		// The stored flag reflects whether the pre-crash round had already
		// requested recovery; restart always needs a fresh one to
		// rediscover peer state, so it is not treated as already sent.
		e.round.RecoveryRequestSent = false
		return e.sendRecoveryRequest(now)
	}

	e.round = NewRound(targetIndex, prevHash, now)

	var events []Event
	events = append(events, e.beginView(now)...)
	events = append(events, e.sendRecoveryRequest(now)...)
	return events
}

// tryRestoreRound loads the last persisted round snapshot and returns it
// only if it still targets the block the ledger expects next; a snapshot
// for an already-persisted or otherwise mismatched block index is stale
// and ignored (§4.4.8, §6.3: "unknown versions cause the engine to start
// fresh ... rather than panic" — the same fail-open posture extends to a
// snapshot that decodes fine but no longer applies).
func (e *Engine) tryRestoreRound(targetIndex uint32) *Round {
	if e.store == nil {
		return nil
	}
	snapshot, ok, err := e.store.LoadRound()
	if err != nil {
		e.logger.Warn("failed to load persisted round; starting fresh", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	restored, err := DecodeRoundSnapshot(snapshot)
	if err != nil {
		e.logger.Warn("failed to decode persisted round; starting fresh", zap.Error(err))
		return nil
	}
	if restored.BlockIndex != targetIndex {
		e.logger.Info("persisted round targets a different block; starting fresh",
			zap.Uint32("persisted_block_index", restored.BlockIndex),
			zap.Uint32("target_block_index", targetIndex))
		return nil
	}
	e.logger.Info("restored in-flight round from persisted snapshot",
		zap.Uint32("block_index", restored.BlockIndex),
		zap.Uint8("view_number", restored.ViewNumber),
		zap.Bool("commit_sent", restored.CommitSent))
	return restored
}

// beginView emits the Propose effect when the local validator is primary
// for the round's current view (§4.4.1 steps 2-3).
func (e *Engine) beginView(now time.Time) []Event {
	if !e.isPrimary() {
		return nil
	}
	return []Event{{RequestMempool: &RequestMempoolTxSet{Max: e.cfg.MaxTxsPerBlock}}}
}

// Tick drives the view-timeout and recovery-trigger checks (§4.4.1 step 8,
// §4.4.7). The host calls this on a regular cadence; it is always safe to
// call more often than needed.
func (e *Engine) Tick(now time.Time) []Event {
	if e.round == nil || e.round.Phase == PhaseBlockCommitted {
		return nil
	}
	if now.Sub(e.round.RoundStartedAt) > e.cfg.ViewTimeout(e.round.ViewNumber) {
		return e.emitChangeView(ReasonTimeout, now)
	}
	if e.shouldRequestRecovery() {
		return e.sendRecoveryRequest(now)
	}
	return nil
}

// shouldRequestRecovery implements "more_than_F_validators_committed_or_lost"
// from §4.4.7. A validator counts if it has a commit recorded this round, or
// if it is lost: not seen for the current block, or its last-seen block
// index trails the current height by LostThresholdBlocks. Missed rounds are
// not tracked (the Engine keeps no cross-round history), so
// Config.LostValidatorRounds is not read here.
func (e *Engine) shouldRequestRecovery() bool {
	if e.round.CommitSent || e.round.RecoveryRequestSent {
		return false
	}
	committedOrLost := 0
	for _, v := range e.vs.All() {
		if _, committed := e.round.Commits[v.Index]; committed {
			committedOrLost++
			continue
		}
		lastSeen, seen := e.round.LastSeenMessagePerValidator[v.Index]
		if !seen || e.round.BlockIndex-lastSeen >= e.cfg.LostThresholdBlocks {
			committedOrLost++
		}
	}
	return committedOrLost > e.vs.F()
}

func (e *Engine) sendRecoveryRequest(now time.Time) []Event {
	if e.round.RecoveryRequestSent {
		return nil
	}
	msg := RecoveryRequest{BlockIndex: e.round.BlockIndex, ViewNumber: e.round.ViewNumber, TimestampMS: uint64(now.UnixMilli())}
	wrapped, err := e.buildAndSignPayload(EncodeRecoveryRequest(msg), now)
	if err != nil {
		e.logger.Warn("failed to sign recovery request", zap.Error(err))
		return nil
	}
	e.round.RecoveryRequestSent = true
	return []Event{{Broadcast: wrapped}}
}

// HandleMempoolTxSet is the response to a RequestMempoolTxSet effect
// (§4.4.1 step 4). It is a no-op once a PrepareRequest has already been
// built for this round (never double-proposes).
func (e *Engine) HandleMempoolTxSet(hashes []consensus.Hash256, now time.Time) []Event {
	if e.round == nil || !e.isPrimary() || e.round.PrepareRequestReceived {
		return nil
	}
	if len(hashes) == 0 {
		// Nothing to propose yet; the round times out to ChangeView if the
		// mempool stays empty, same as a silent primary.
		return nil
	}
	if len(hashes) > e.cfg.MaxTxsPerBlock {
		hashes = hashes[:e.cfg.MaxTxsPerBlock]
	}

	prevTimestamp := e.prevBlockTimestamp()
	nowMS := uint64(now.UnixMilli())
	ts := nowMS
	if prevTimestamp+1 > ts {
		ts = prevTimestamp + 1
	}

	req := PrepareRequest{
		ViewNumber:        e.round.ViewNumber,
		Version:           0,
		PrevHash:          e.round.PrevHash,
		TimestampMS:       ts,
		Nonce:             randomNonce(),
		TransactionHashes: append([]consensus.Hash256(nil), hashes...),
	}
	wrapped, err := e.buildAndSignPayload(EncodePrepareRequest(req), now)
	if err != nil {
		e.logger.Warn("failed to sign prepare request", zap.Error(err))
		return nil
	}

	blockHash, err := e.blockHashFor(req.Version, req.PrevHash, req.TimestampMS, req.Nonce, req.TransactionHashes)
	if err != nil {
		e.logger.Warn("failed to compute proposed block hash", zap.Error(err))
		return nil
	}

	e.round.PrepareRequestReceived = true
	e.round.Phase = PhaseWaitingResponses
	e.round.Version = req.Version
	e.round.ProposedTimestampMS = req.TimestampMS
	e.round.Nonce = req.Nonce
	e.round.ProposedTxHashes = req.TransactionHashes
	e.round.ProposedBlockHash = &blockHash
	payloadHash := PayloadHash(*wrapped)
	e.round.PreparationHash = &payloadHash
	e.round.RecordPayload(payloadHash)

	events := []Event{{Broadcast: wrapped}}
	events = append(events, e.checkPrepareQuorum(now)...)
	return events
}

func (e *Engine) prevBlockTimestamp() uint64 {
	if e.round.BlockIndex == 0 {
		return 0
	}
	if h, ok := e.ledger.GetHeader(e.round.BlockIndex - 1); ok {
		return h.TimestampMS
	}
	return 0
}

func (e *Engine) blockHashFor(version uint32, prevHash consensus.Hash256, timestampMS, nonce uint64, txHashes []consensus.Hash256) (consensus.Hash256, error) {
	root, err := consensus.MerkleRoot(txHashes)
	if err != nil {
		return consensus.Hash256{}, err
	}
	nextConsensus, err := consensus.NextConsensus(e.vs)
	if err != nil {
		return consensus.Hash256{}, err
	}
	header := consensus.BlockHeader{
		Version:       version,
		PrevHash:      prevHash,
		MerkleRoot:    root,
		TimestampMS:   timestampMS,
		Nonce:         nonce,
		Index:         e.round.BlockIndex,
		PrimaryIndex:  e.primary(),
		NextConsensus: nextConsensus,
	}
	return consensus.BlockHeaderHash(header), nil
}

// HandleMessage processes one verified-on-the-wire ExtensiblePayload
// (§4.4.2). A non-nil error means the sender should be penalized by the
// caller (the error's Kind says how); nil,nil means the message was
// accepted or silently dropped with no further action needed.
func (e *Engine) HandleMessage(payload ExtensiblePayload, now time.Time) ([]Event, error) {
	if e.round == nil {
		return nil, fmt.Errorf("dbft: engine: not started")
	}
	H := e.round.BlockIndex

	if payload.ValidBlockEnd != H {
		// Future and stale messages are both dropped silently; this engine
		// only ever holds state for the current (H, V) (§4.4.2).
		return nil, nil
	}

	payloadHash := PayloadHash(payload)
	if e.round.SeenPayload(payloadHash) {
		return nil, nil
	}

	vIdx, ok := e.indexForScriptHash(payload.Sender)
	if !ok {
		return nil, consensus.PeerPolicyf("extensible payload sender is not a known validator").WithRound(H, e.round.ViewNumber)
	}

	sig, err := extractSignature(payload.Witness.InvocationScript)
	if err != nil {
		return nil, consensus.Protocolf("extensible payload witness: %v", err).WithRound(H, e.round.ViewNumber)
	}
	validator, _ := e.vs.At(vIdx)
	if !crypto.VerifySignature(validator.PubKey, sig, PayloadSignData(e.cfg.NetworkMagic, payloadHash)) {
		return nil, consensus.ConsensusStatef("invalid extensible payload signature").WithRound(H, e.round.ViewNumber)
	}

	e.round.RecordPayload(payloadHash)
	e.round.RecordLastSeen(vIdx, payload.ValidBlockEnd)

	msgType, msg, err := DecodeInnerMessage(payload.Data)
	if err != nil {
		return nil, consensus.Protocolf("inner message: %v", err).WithRound(H, e.round.ViewNumber).WithMessageKind("unknown")
	}

	switch msgType {
	case MsgPrepareRequest:
		return e.handlePrepareRequest(vIdx, payloadHash, msg.(PrepareRequest), now)
	case MsgPrepareResponse:
		return e.handlePrepareResponse(vIdx, sig, msg.(PrepareResponse), now)
	case MsgCommit:
		return e.handleCommit(vIdx, msg.(Commit), now)
	case MsgChangeView:
		return e.handleChangeView(vIdx, msg.(ChangeView), now)
	case MsgRecoveryRequest:
		return e.handleRecoveryRequest(msg.(RecoveryRequest), now)
	case MsgRecoveryResponse:
		return e.handleRecoveryResponse(msg.(RecoveryResponse), now)
	default:
		return nil, nil
	}
}

func (e *Engine) indexForScriptHash(sender consensus.Hash160) (uint8, bool) {
	for _, v := range e.vs.All() {
		if v.ScriptHash == sender {
			return v.Index, true
		}
	}
	return 0, false
}

func extractSignature(script []byte) ([]byte, error) {
	if len(script) != 2+64 || script[0] != invocationPushData1 || script[1] != 64 {
		return nil, fmt.Errorf("witness invocation script is not a single 64-byte signature push")
	}
	return append([]byte(nil), script[2:]...), nil
}

func (e *Engine) handlePrepareRequest(vIdx uint8, payloadHash consensus.Hash256, m PrepareRequest, now time.Time) ([]Event, error) {
	H, V := e.round.BlockIndex, e.round.ViewNumber
	if vIdx != e.primary() {
		return nil, consensus.ConsensusStatef("prepare request from non-primary validator %d", vIdx).WithRound(H, V).WithMessageKind("PrepareRequest")
	}
	if m.ViewNumber != V {
		return nil, consensus.ConsensusStatef("wrong view: expected %d got %d", V, m.ViewNumber).WithRound(H, V).WithMessageKind("PrepareRequest")
	}
	if e.round.PrepareRequestReceived {
		return nil, nil
	}
	if m.PrevHash != e.round.PrevHash {
		return nil, consensus.Protocolf("prepare request: prev_hash mismatch").WithRound(H, V).WithMessageKind("PrepareRequest")
	}
	prevTimestamp := e.prevBlockTimestamp()
	if m.TimestampMS <= prevTimestamp {
		return nil, consensus.Protocolf("prepare request: timestamp not increasing").WithRound(H, V).WithMessageKind("PrepareRequest")
	}
	maxSkewMS := uint64(8) * uint64(e.cfg.ExpectedBlockTime.Milliseconds())
	if m.TimestampMS > uint64(now.UnixMilli())+maxSkewMS {
		return nil, consensus.Protocolf("prepare request: timestamp too far ahead").WithRound(H, V).WithMessageKind("PrepareRequest")
	}
	if len(m.TransactionHashes) > e.cfg.MaxTxsPerBlock {
		return nil, consensus.Protocolf("prepare request: too many transaction hashes").WithRound(H, V).WithMessageKind("PrepareRequest")
	}

	e.round.PrepareRequestReceived = true
	e.round.Phase = PhaseWaitingResponses
	e.round.Version = m.Version
	e.round.ProposedTimestampMS = m.TimestampMS
	e.round.Nonce = m.Nonce
	e.round.ProposedTxHashes = append([]consensus.Hash256(nil), m.TransactionHashes...)
	e.round.PreparationHash = &payloadHash

	if blockHash, err := e.blockHashFor(m.Version, m.PrevHash, m.TimestampMS, m.Nonce, m.TransactionHashes); err == nil {
		e.round.ProposedBlockHash = &blockHash
	}

	missing := false
	var totalSystemFee int64
	for _, txh := range m.TransactionHashes {
		tx, ok := e.mempool.Get(txh)
		if !ok {
			missing = true
			break
		}
		totalSystemFee += tx.SystemFee
	}
	if missing {
		return e.emitChangeView(ReasonTxNotFound, now), nil
	}

	events := e.sendOwnPrepareResponse(now)
	return events, nil
}

// sendOwnPrepareResponse broadcasts a PrepareResponse referencing the
// currently recorded preparation hash, once (§8 invariant 1: no
// double-vote).
func (e *Engine) sendOwnPrepareResponse(now time.Time) []Event {
	if e.round.PrepareResponseSent || e.round.PreparationHash == nil {
		return nil
	}
	resp := PrepareResponse{ViewNumber: e.round.ViewNumber, PreparationHash: *e.round.PreparationHash}
	wrapped, err := e.buildAndSignPayload(EncodePrepareResponse(resp), now)
	if err != nil {
		e.logger.Warn("failed to sign prepare response", zap.Error(err))
		return nil
	}
	sig, _ := extractSignature(wrapped.Witness.InvocationScript)
	e.round.PrepareResponseSent = true
	e.round.PrepareResponses[e.localIndex] = sig

	events := []Event{{Broadcast: wrapped}}
	events = append(events, e.checkPrepareQuorum(now)...)
	return events
}

// prepareQuorumMet implements §4.4.1 step 5's "+1": the primary's own vote
// is implicit in having sent the PrepareRequest; a non-primary's own vote
// is explicit and already stored in PrepareResponses once sent.
func (e *Engine) prepareQuorumMet() bool {
	n := len(e.round.PrepareResponses)
	if e.isPrimary() && e.round.PrepareRequestReceived {
		n++
	}
	return n >= e.vs.M()
}

func (e *Engine) checkPrepareQuorum(now time.Time) []Event {
	if e.round.Phase != PhaseWaitingResponses || !e.prepareQuorumMet() {
		return nil
	}
	return e.enterCommitPhase(now)
}

// enterCommitPhase implements §4.4.1 step 6: persist before broadcasting
// Commit, so a crash between persist and broadcast never double-votes on
// restart, and a failed persist never broadcasts at all (§4.4.9).
func (e *Engine) enterCommitPhase(now time.Time) []Event {
	if e.round.CommitSent || e.round.ProposedBlockHash == nil {
		return nil
	}
	signData := consensus.BlockSignData(e.cfg.NetworkMagic, *e.round.ProposedBlockHash)
	sig, err := e.signer.Sign(signData, e.localScriptHash)
	if err != nil {
		e.logger.Error("failed to sign commit", zap.Error(err))
		return nil
	}

	// CommitSent and the local signature must be part of the round before
	// it is persisted, not after: the snapshot on disk is what Start
	// restores from on the next boot, and if it still showed CommitSent
	// false a restart after this point would re-collect quorum and
	// broadcast a second Commit (§4.4.8, §8 invariant 1).
	e.round.Phase = PhaseWaitingCommits
	e.round.CommitSent = true
	e.round.Commits[e.localIndex] = sig
	if err := e.store.PersistRound(EncodeRoundSnapshot(e.round)); err != nil {
		e.logger.Error("persisting round before commit failed", zap.Error(err))
		return []Event{{Fatal: &FatalError{Reason: fmt.Sprintf("persist round: %v", err)}}}
	}

	commitMsg := Commit{ViewNumber: e.round.ViewNumber, Signature: sig}
	wrapped, err := e.buildAndSignPayload(EncodeCommit(commitMsg), now)
	if err != nil {
		e.logger.Warn("failed to sign commit payload", zap.Error(err))
		return nil
	}

	events := []Event{{Broadcast: wrapped}}
	events = append(events, e.checkCommitQuorum(now)...)
	return events
}

func (e *Engine) handlePrepareResponse(vIdx uint8, outerSig []byte, m PrepareResponse, now time.Time) ([]Event, error) {
	H, V := e.round.BlockIndex, e.round.ViewNumber
	if m.ViewNumber != V {
		return nil, consensus.ConsensusStatef("wrong view: expected %d got %d", V, m.ViewNumber).WithRound(H, V).WithMessageKind("PrepareResponse")
	}
	if !e.round.PrepareRequestReceived || e.round.PreparationHash == nil {
		return nil, consensus.ConsensusStatef("prepare response before prepare request").WithRound(H, V).WithMessageKind("PrepareResponse")
	}
	if m.PreparationHash != *e.round.PreparationHash {
		return nil, consensus.ConsensusStatef("prepare response: preparation hash mismatch").WithRound(H, V).WithMessageKind("PrepareResponse")
	}
	if vIdx == e.localIndex {
		return nil, nil
	}
	if _, exists := e.round.PrepareResponses[vIdx]; exists {
		return nil, nil
	}
	e.round.PrepareResponses[vIdx] = outerSig
	return e.checkPrepareQuorum(now), nil
}

func (e *Engine) handleCommit(vIdx uint8, m Commit, now time.Time) ([]Event, error) {
	H, V := e.round.BlockIndex, e.round.ViewNumber
	if m.ViewNumber != V {
		return nil, consensus.ConsensusStatef("wrong view: expected %d got %d", V, m.ViewNumber).WithRound(H, V).WithMessageKind("Commit")
	}
	if e.round.ProposedBlockHash == nil {
		return nil, consensus.ConsensusStatef("commit before prepare request").WithRound(H, V).WithMessageKind("Commit")
	}
	if _, exists := e.round.Commits[vIdx]; exists {
		return nil, nil
	}
	validator, _ := e.vs.At(vIdx)
	signData := consensus.BlockSignData(e.cfg.NetworkMagic, *e.round.ProposedBlockHash)
	if !crypto.VerifySignature(validator.PubKey, m.Signature, signData) {
		return nil, consensus.ConsensusStatef("invalid commit signature from validator %d", vIdx).WithRound(H, V).WithMessageKind("Commit")
	}
	e.round.Commits[vIdx] = m.Signature
	if e.round.Phase == PhaseWaitingResponses {
		e.round.Phase = PhaseWaitingCommits
	}
	return e.checkCommitQuorum(now), nil
}

func (e *Engine) checkCommitQuorum(now time.Time) []Event {
	if e.round.Phase == PhaseBlockCommitted || len(e.round.Commits) < e.vs.M() {
		return nil
	}
	return e.finalize(now)
}

// finalize assembles §4.4.6's BlockCommittedData. It is idempotent: once
// Phase is BlockCommitted, it never emits a second BlockCommitted for the
// same round (§8 invariant 2 relies on this).
func (e *Engine) finalize(now time.Time) []Event {
	if e.round.Phase == PhaseBlockCommitted {
		return nil
	}
	e.round.Phase = PhaseBlockCommitted

	m := e.vs.M()
	idxs := sortedIndices(e.round.Commits)
	if len(idxs) > m {
		idxs = idxs[:m]
	}
	sigs := make([]SignatureEntry, len(idxs))
	for i, idx := range idxs {
		sigs[i] = SignatureEntry{ValidatorIndex: idx, Signature: e.round.Commits[idx]}
	}
	pubkeys := make([][]byte, e.vs.N())
	for _, v := range e.vs.All() {
		pubkeys[v.Index] = v.PubKey
	}

	data := &BlockCommittedData{
		Index:              e.round.BlockIndex,
		TimestampMS:        e.round.ProposedTimestampMS,
		Nonce:              e.round.Nonce,
		PrimaryIndex:       e.primary(),
		TransactionHashes:  e.round.ProposedTxHashes,
		Signatures:         sigs,
		ValidatorPubKeys:   pubkeys,
		RequiredSignatures: m,
	}
	return []Event{{BlockCommitted: data}}
}

// NotifyBlockPersisted advances the engine to (H+1, 0) once the host has
// durably persisted the committed block (§4.4.6 "the engine returns to
// Reset for (H+1, 0)").
func (e *Engine) NotifyBlockPersisted(blockHash consensus.Hash256, now time.Time) []Event {
	if e.round == nil || e.round.Phase != PhaseBlockCommitted {
		return nil
	}
	e.mempool.NotifyAdded(e.round.ProposedTxHashes)
	e.round = NewRound(e.round.BlockIndex+1, blockHash, now)
	return e.beginView(now)
}

func (e *Engine) handleChangeView(vIdx uint8, m ChangeView, now time.Time) ([]Event, error) {
	H, V := e.round.BlockIndex, e.round.ViewNumber
	if m.NewView <= V {
		return nil, consensus.ConsensusStatef("change view: new_view %d does not exceed current %d", m.NewView, V).WithRound(H, V).WithMessageKind("ChangeView")
	}
	if existing, exists := e.round.ChangeViews[vIdx]; exists && existing.NewView >= m.NewView {
		return nil, nil
	}
	e.round.ChangeViews[vIdx] = ChangeViewEntry{NewView: m.NewView, Reason: m.Reason, TimestampMS: m.TimestampMS}
	return e.checkChangeViewQuorum(now), nil
}

func (e *Engine) checkChangeViewQuorum(now time.Time) []Event {
	counts := make(map[uint8]int)
	for _, cv := range e.round.ChangeViews {
		counts[cv.NewView]++
	}
	for newView, count := range counts {
		if count >= e.vs.M() {
			return e.performViewChange(newView, now)
		}
	}
	return nil
}

// performViewChange implements §4.4.1 step 1 / §4.4.4's "reset the round
// (but NOT the block)".
func (e *Engine) performViewChange(newView uint8, now time.Time) []Event {
	oldView := e.round.ViewNumber
	e.round.ResetForView(newView, now)
	events := []Event{{ViewChanged: &ViewChanged{From: oldView, To: newView}}}
	events = append(events, e.beginView(now)...)
	return events
}

// emitChangeView broadcasts a single ChangeView vote for this round/view
// (§4.4.4). At most one is sent per view (§8 invariant 3: view
// monotonicity follows from never retracting a vote).
func (e *Engine) emitChangeView(reason ChangeViewReason, now time.Time) []Event {
	if e.round.ChangeViewSent {
		return nil
	}
	newView := e.round.ViewNumber + 1
	msg := ChangeView{NewView: newView, Reason: reason, TimestampMS: uint64(now.UnixMilli())}
	wrapped, err := e.buildAndSignPayload(EncodeChangeView(msg), now)
	if err != nil {
		e.logger.Warn("failed to sign change view", zap.Error(err))
		return nil
	}
	e.round.ChangeViewSent = true
	e.round.ChangeViews[e.localIndex] = ChangeViewEntry{NewView: newView, Reason: reason, TimestampMS: msg.TimestampMS}

	events := []Event{{Broadcast: wrapped}}
	events = append(events, e.checkChangeViewQuorum(now)...)
	return events
}

// handleRecoveryRequest serves §4.4.7's "Serving" flow: reply only when
// the requester's view does not exceed ours for the same block.
func (e *Engine) handleRecoveryRequest(m RecoveryRequest, now time.Time) ([]Event, error) {
	if m.BlockIndex != e.round.BlockIndex || m.ViewNumber > e.round.ViewNumber {
		return nil, nil
	}
	resp := RecoveryResponse{
		BlockIndex:        e.round.BlockIndex,
		ViewNumber:        e.round.ViewNumber,
		HasPrepareRequest: e.round.PrepareRequestReceived,
		PrepareResponses:  copySigMap(e.round.PrepareResponses),
		Commits:           copySigMap(e.round.Commits),
		ChangeViews:       copyChangeViewMap(e.round.ChangeViews),
	}
	if resp.HasPrepareRequest {
		resp.PrepareRequest = PrepareRequest{
			ViewNumber:        e.round.ViewNumber,
			Version:           e.round.Version,
			PrevHash:          e.round.PrevHash,
			TimestampMS:       e.round.ProposedTimestampMS,
			Nonce:             e.round.Nonce,
			TransactionHashes: e.round.ProposedTxHashes,
		}
	}
	wrapped, err := e.buildAndSignPayload(EncodeRecoveryResponse(resp), now)
	if err != nil {
		e.logger.Warn("failed to sign recovery response", zap.Error(err))
		return nil, nil
	}
	return []Event{{Broadcast: wrapped}}, nil
}

// handleRecoveryResponse implements §4.4.7's "Applying" flow: merge
// foreign state into local maps, then evaluate the three jump conditions in
// order. Held PrepareResponses and Commits are never replaced; a recovered
// ChangeView replaces a held one only when it names a higher view. Recovered
// Commit signatures are verified against the proposed block hash before they
// are merged; the recovered PrepareRequest, PrepareResponse signatures and
// ChangeView entries are merged without signature verification, and the
// seen-payload set is not consulted.
func (e *Engine) handleRecoveryResponse(m RecoveryResponse, now time.Time) ([]Event, error) {
	if m.BlockIndex != e.round.BlockIndex {
		return nil, nil
	}

	if m.HasPrepareRequest && !e.round.PrepareRequestReceived && m.PrepareRequest.ViewNumber == e.round.ViewNumber {
		req := m.PrepareRequest
		if blockHash, err := e.blockHashFor(req.Version, req.PrevHash, req.TimestampMS, req.Nonce, req.TransactionHashes); err == nil {
			e.round.PrepareRequestReceived = true
			e.round.Version = req.Version
			e.round.ProposedTimestampMS = req.TimestampMS
			e.round.Nonce = req.Nonce
			e.round.ProposedTxHashes = req.TransactionHashes
			e.round.ProposedBlockHash = &blockHash
			if e.round.Phase == PhaseWaitingRequest {
				e.round.Phase = PhaseWaitingResponses
			}
		}
	}

	for idx, sig := range m.PrepareResponses {
		if _, exists := e.round.PrepareResponses[idx]; !exists {
			e.round.PrepareResponses[idx] = sig
		}
	}
	if e.round.ProposedBlockHash != nil {
		signData := consensus.BlockSignData(e.cfg.NetworkMagic, *e.round.ProposedBlockHash)
		for idx, sig := range m.Commits {
			if _, exists := e.round.Commits[idx]; exists {
				continue
			}
			validator, ok := e.vs.At(idx)
			if ok && crypto.VerifySignature(validator.PubKey, sig, signData) {
				e.round.Commits[idx] = sig
			}
		}
	}
	for idx, cv := range m.ChangeViews {
		if existing, exists := e.round.ChangeViews[idx]; !exists || cv.NewView > existing.NewView {
			e.round.ChangeViews[idx] = cv
		}
	}

	var events []Event
	switch {
	case len(e.round.Commits) >= e.vs.M() && !e.round.CommitSent:
		events = append(events, e.finalize(now)...)
	case len(e.round.PrepareResponses) >= e.vs.M() && !e.round.CommitSent && e.round.ProposedBlockHash != nil:
		events = append(events, e.enterCommitPhase(now)...)
	case !e.round.PrepareResponseSent && e.round.PreparationHash != nil:
		if len(e.round.PrepareResponses)+1 >= e.vs.M() {
			events = append(events, e.sendOwnPrepareResponse(now)...)
		}
	}
	return events, nil
}

func copySigMap(m map[uint8][]byte) map[uint8][]byte {
	out := make(map[uint8][]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyChangeViewMap(m map[uint8]ChangeViewEntry) map[uint8]ChangeViewEntry {
	out := make(map[uint8]ChangeViewEntry, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// buildAndSignPayload wraps inner bytes into a signed ExtensiblePayload
// (§4.4.8: "All outbound payloads are ExtensiblePayload-wrapped, signed
// over LE(magic) || H_payload"). The verification script carries only the
// raw compressed pubkey: this engine never executes a VM, so there is no
// real verification script to build, only the signer's identity to record.
func (e *Engine) buildAndSignPayload(inner []byte, now time.Time) (*ExtensiblePayload, error) {
	p := ExtensiblePayload{
		ValidBlockStart: 0,
		ValidBlockEnd:   e.round.BlockIndex,
		Sender:          e.localScriptHash,
		Data:            inner,
	}
	h := PayloadHash(p)
	if !e.signer.CanSign(e.localScriptHash) {
		return nil, fmt.Errorf("signer cannot sign for local script hash")
	}
	sig, err := e.signer.Sign(PayloadSignData(e.cfg.NetworkMagic, h), e.localScriptHash)
	if err != nil {
		return nil, err
	}
	if len(sig) != 64 {
		return nil, fmt.Errorf("signer returned %d-byte signature, want 64", len(sig))
	}
	local, _ := e.vs.At(e.localIndex)
	invocation := append([]byte{invocationPushData1, 64}, sig...)
	p.Witness = consensus.Witness{InvocationScript: invocation, VerificationScript: append([]byte(nil), local.PubKey...)}
	return &p, nil
}

func randomNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	v := binary.LittleEndian.Uint64(b[:])
	if v == 0 {
		v = 1
	}
	return v
}
