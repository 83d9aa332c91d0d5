package consensus

import "fmt"

// Kind is the error taxonomy from the error-handling design: a small,
// closed set of categories, not a type per failure. Every locally-handled
// error fits one of these; only StorageFatal is expected to reach the
// process boundary.
type Kind string

const (
	KindProtocol       Kind = "protocol"        // wire framing, checksum, oversize, unknown command.
	KindPeerPolicy     Kind = "peer_policy"      // quota breach, timeout, score floor.
	KindConsensusState Kind = "consensus_state"  // wrong block/view, duplicate, bad signature/structure.
	KindRecoveryNeeded Kind = "recovery_needed"  // inferred state divergence.
	KindStorageFatal   Kind = "storage_fatal"    // context/ledger persistence failure.
	KindExternalOp     Kind = "external_op"      // ledger validation/persistence typed error.
)

// Error carries enough context to be actionable in logs: which peer, which
// round, and what went wrong.
type Error struct {
	Kind        Kind
	Msg         string
	Peer        string // optional; empty when not peer-attributable.
	BlockIndex  uint32
	HasBlock    bool
	ViewNumber  uint8
	HasView     bool
	MessageKind string // optional; e.g. "PrepareRequest", "Headers".
}

func (e *Error) Error() string {
	s := fmt.Sprintf("consensus: %s: %s", e.Kind, e.Msg)
	if e.Peer != "" {
		s += fmt.Sprintf(" peer=%s", e.Peer)
	}
	if e.HasBlock {
		s += fmt.Sprintf(" block=%d", e.BlockIndex)
	}
	if e.HasView {
		s += fmt.Sprintf(" view=%d", e.ViewNumber)
	}
	if e.MessageKind != "" {
		s += fmt.Sprintf(" kind=%s", e.MessageKind)
	}
	return s
}

func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func (e *Error) WithPeer(peer string) *Error {
	e.Peer = peer
	return e
}

func (e *Error) WithRound(blockIndex uint32, view uint8) *Error {
	e.BlockIndex = blockIndex
	e.HasBlock = true
	e.ViewNumber = view
	e.HasView = true
	return e
}

func (e *Error) WithMessageKind(kind string) *Error {
	e.MessageKind = kind
	return e
}

func Protocolf(format string, args ...any) *Error {
	return NewError(KindProtocol, fmt.Sprintf(format, args...))
}

func PeerPolicyf(format string, args ...any) *Error {
	return NewError(KindPeerPolicy, fmt.Sprintf(format, args...))
}

func ConsensusStatef(format string, args ...any) *Error {
	return NewError(KindConsensusState, fmt.Sprintf(format, args...))
}

func StorageFatalf(format string, args ...any) *Error {
	return NewError(KindStorageFatal, fmt.Sprintf(format, args...))
}

func ExternalOpf(format string, args ...any) *Error {
	return NewError(KindExternalOp, fmt.Sprintf(format, args...))
}
