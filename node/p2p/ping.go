package p2p

import (
	"encoding/binary"
	"fmt"
)

// PingInterval is PING_INTERVAL (§4.1, §5): how often a session sends a
// liveness probe. PeerConfig.setDefaults turns it into the time.Duration
// default, and Peer.keepaliveLoop disconnects when no Pong has arrived
// within 2*PingInterval.
const PingInterval = 30 // seconds

type PingPayload struct {
	Nonce uint64
}

func EncodePingPayload(p PingPayload) ([]byte, error) {
	if p.Nonce == 0 {
		return nil, fmt.Errorf("p2p: ping: nonce must be non-zero")
	}
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], p.Nonce)
	return out[:], nil
}

func DecodePingPayload(b []byte) (*PingPayload, error) {
	if len(b) != 8 {
		return nil, fmt.Errorf("p2p: ping: invalid payload length")
	}
	n := binary.LittleEndian.Uint64(b)
	if n == 0 {
		return nil, fmt.Errorf("p2p: ping: nonce must be non-zero")
	}
	return &PingPayload{Nonce: n}, nil
}

type PongPayload struct {
	Nonce uint64
}

func EncodePongPayload(p PongPayload) ([]byte, error) {
	return EncodePingPayload(PingPayload{Nonce: p.Nonce})
}

func DecodePongPayload(b []byte) (*PongPayload, error) {
	pp, err := DecodePingPayload(b)
	if err != nil {
		return nil, fmt.Errorf("p2p: pong: %w", err)
	}
	return &PongPayload{Nonce: pp.Nonce}, nil
}
