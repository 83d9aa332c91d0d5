package p2p

import (
	"fmt"
	"net"
	"time"
)

// HandshakeState is the per-connection state machine from §4.1.
type HandshakeState int

const (
	StateAwaitVersion HandshakeState = iota
	StateAwaitVerack
	StateReady
	StateClosing
)

// HandshakeTimeout is HANDSHAKE_TIMEOUT (§5).
const HandshakeTimeout = 10 * time.Second

// HandshakeResult is what a completed handshake yields to the Peer Session.
type HandshakeResult struct {
	PeerVersion VersionPayload
}

// Handshake drives the version/verack exchange from §4.1 over conn. inbound
// selects whether this side sends its Version before or after receiving the
// peer's (§4.1: "Reply with local Version (if inbound) then Verack").
// localNonce is ours.Nonce; it is also used for the self-connection check.
func Handshake(conn net.Conn, magic uint32, ours VersionPayload, inbound bool, localHeight uint32, localNonce uint64) (*HandshakeResult, error) {
	if conn == nil {
		return nil, fmt.Errorf("p2p: handshake: nil conn")
	}
	state := StateAwaitVersion

	if !inbound {
		if err := sendVersion(conn, magic, ours); err != nil {
			return nil, err
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	peerVersion, err := awaitVersion(conn, magic, localHeight, localNonce)
	if err != nil {
		return nil, err
	}
	state = StateAwaitVerack

	if inbound {
		if err := sendVersion(conn, magic, ours); err != nil {
			return nil, err
		}
	}
	if err := WriteEnvelope(conn, magic, CmdVerack, 0, nil); err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	if err := awaitVerack(conn, magic); err != nil {
		return nil, err
	}
	state = StateReady
	_ = state
	_ = conn.SetReadDeadline(time.Time{})

	return &HandshakeResult{PeerVersion: peerVersion}, nil
}

func sendVersion(conn net.Conn, magic uint32, v VersionPayload) error {
	payload, err := EncodeVersionPayload(v)
	if err != nil {
		return fmt.Errorf("p2p: handshake: encode version: %w", err)
	}
	return WriteEnvelope(conn, magic, CmdVersion, 0, payload)
}

func awaitVersion(conn net.Conn, magic uint32, localHeight uint32, localNonce uint64) (VersionPayload, error) {
	env, err := ReadEnvelope(conn, magic)
	if err != nil {
		return VersionPayload{}, fmt.Errorf("p2p: handshake: %w", err)
	}
	if env.Command != CmdVersion {
		return VersionPayload{}, fmt.Errorf("p2p: handshake: expected version, got %s", env.Command)
	}
	v, err := DecodeVersionPayload(env.Payload)
	if err != nil {
		return VersionPayload{}, fmt.Errorf("p2p: handshake: %w", err)
	}
	if err := v.Validate(uint64(time.Now().UnixMilli())); err != nil {
		return VersionPayload{}, fmt.Errorf("p2p: handshake: %w", err)
	}
	if v.Nonce == localNonce {
		return VersionPayload{}, fmt.Errorf("p2p: handshake: self-connection (matching nonce)")
	}
	if uint64(v.StartHeight) > uint64(localHeight)+MaxStartHeightAhead {
		return VersionPayload{}, fmt.Errorf("p2p: handshake: start_height too far ahead")
	}
	return v, nil
}

func awaitVerack(conn net.Conn, magic uint32) error {
	env, err := ReadEnvelope(conn, magic)
	if err != nil {
		return fmt.Errorf("p2p: handshake: %w", err)
	}
	if env.Command != CmdVerack {
		return fmt.Errorf("p2p: handshake: expected verack, got %s", env.Command)
	}
	if len(env.Payload) != 0 {
		return fmt.Errorf("p2p: handshake: verack payload must be empty")
	}
	return nil
}
