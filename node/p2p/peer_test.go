package p2p

import (
	"net"
	"testing"
	"time"

	"neonode.dev/node/consensus"
)

// noopHandler answers every callback with an empty, successful result; it
// exercises the dispatch plumbing without asserting on business logic.
type noopHandler struct{}

func (noopHandler) OnGetAddr(p *Peer) ([]NetAddr, error) { return nil, nil }
func (noopHandler) OnAddr(p *Peer, addrs []NetAddr) error { return nil }
func (noopHandler) OnGetHeaders(p *Peer, req GetHeadersPayload) ([]consensus.BlockHeader, error) {
	return nil, nil
}
func (noopHandler) OnHeaders(p *Peer, headers []consensus.BlockHeader) error { return nil }
func (noopHandler) OnGetBlockByIndex(p *Peer, req GetBlockByIndexPayload) ([][]byte, error) {
	return nil, nil
}
func (noopHandler) OnInv(p *Peer, items []InvVector) error      { return nil }
func (noopHandler) OnGetData(p *Peer, items []InvVector) error  { return nil }
func (noopHandler) OnNotFound(p *Peer, items []InvVector) error { return nil }
func (noopHandler) OnTx(p *Peer, raw []byte) error              { return nil }
func (noopHandler) OnBlock(p *Peer, raw []byte) error           { return nil }
func (noopHandler) OnExtensible(p *Peer, raw []byte) error      { return nil }
func (noopHandler) OnMempool(p *Peer) ([]consensus.Hash256, error) {
	return nil, nil
}

const testMagic = 0x334F454E

func testVersion(nonce uint64) VersionPayload {
	return VersionPayload{
		Version:     0,
		TimestampMS: uint64(time.Now().UnixMilli()),
		Port:        10333,
		Nonce:       nonce,
		UserAgent:   "test",
		StartHeight: 0,
		Relay:       true,
	}
}

// remoteHandshake drives the far side of the wire handshake against an
// inbound Peer: send our Version, then consume the Peer's Version+Verack,
// then reply with our own Verack.
func remoteHandshake(t *testing.T, conn net.Conn, nonce uint64) {
	t.Helper()
	if err := WriteEnvelope(conn, testMagic, CmdVersion, 0, mustEncodeVersion(t, testVersion(nonce))); err != nil {
		t.Fatalf("write version: %v", err)
	}
	if env, err := ReadEnvelope(conn, testMagic); err != nil || env.Command != CmdVersion {
		t.Fatalf("expected version from peer, got %+v err=%v", env, err)
	}
	if env, err := ReadEnvelope(conn, testMagic); err != nil || env.Command != CmdVerack {
		t.Fatalf("expected verack from peer, got %+v err=%v", env, err)
	}
	if err := WriteEnvelope(conn, testMagic, CmdVerack, 0, nil); err != nil {
		t.Fatalf("write verack: %v", err)
	}
}

func mustEncodeVersion(t *testing.T, v VersionPayload) []byte {
	t.Helper()
	b, err := EncodeVersionPayload(v)
	if err != nil {
		t.Fatalf("EncodeVersionPayload: %v", err)
	}
	return b
}

func newTestPeerPair(t *testing.T) (peer *Peer, remote net.Conn, run func(h Handler) <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })

	p, err := NewPeer(server, PeerRoleInbound, PeerConfig{
		Magic:        testMagic,
		OurVersion:   testVersion(999),
		PingInterval: time.Hour, // disable keepalive noise in these tests
	})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	run = func(h Handler) <-chan error {
		done := make(chan error, 1)
		go func() { done <- p.Run(make(chan struct{}), h) }()
		return done
	}
	return p, client, run
}

func TestPeerHandshakeReachesReady(t *testing.T) {
	p, remote, run := newTestPeerPair(t)
	done := run(noopHandler{})

	remoteHandshake(t, remote, 1)

	// Drive a GetAddr round trip to confirm the session is Ready and
	// dispatching through the handler.
	if err := WriteEnvelope(remote, testMagic, CmdGetAddr, 0, nil); err != nil {
		t.Fatalf("write getaddr: %v", err)
	}
	env, err := ReadEnvelope(remote, testMagic)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if env.Command != CmdAddr {
		t.Fatalf("expected addr reply, got %s", env.Command)
	}

	_ = remote.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after remote close")
	}
	_ = p
}

func TestPeerPingPong(t *testing.T) {
	_, remote, run := newTestPeerPair(t)
	done := run(noopHandler{})
	remoteHandshake(t, remote, 2)

	ping, err := EncodePingPayload(PingPayload{Nonce: 42})
	if err != nil {
		t.Fatalf("EncodePingPayload: %v", err)
	}
	if err := WriteEnvelope(remote, testMagic, CmdPing, 0, ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	env, err := ReadEnvelope(remote, testMagic)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if env.Command != CmdPong {
		t.Fatalf("expected pong, got %s", env.Command)
	}
	pong, err := DecodePongPayload(env.Payload)
	if err != nil {
		t.Fatalf("DecodePongPayload: %v", err)
	}
	if pong.Nonce != 42 {
		t.Fatalf("pong nonce = %d, want 42", pong.Nonce)
	}

	_ = remote.Close()
	<-done
}

func TestSendBackpressure(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p, err := NewPeer(server, PeerRoleInbound, PeerConfig{
		Magic:             testMagic,
		OurVersion:        testVersion(3),
		OutboundQueueSize: 1,
	})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}

	// No writer goroutine is draining the outbound queue (Run was never
	// called), so the first Send fills the one-slot channel and the
	// second must fail fast with ErrBackpressure rather than blocking.
	if err := p.Send(CmdPing, []byte{1}); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := p.Send(CmdPing, []byte{2}); err != ErrBackpressure {
		t.Fatalf("second Send = %v, want ErrBackpressure", err)
	}
}

func TestBanScoreThresholdDisconnects(t *testing.T) {
	_, remote, run := newTestPeerPair(t)
	done := run(noopHandler{})
	remoteHandshake(t, remote, 4)

	// Each malformed Inv payload (empty, so the var_uint count can't be
	// decoded) adds ban score 10 (§6.2); BanThreshold is 100, so the 10th
	// one must push the session past the threshold and close it.
	for i := 0; i < 10; i++ {
		if err := WriteEnvelope(remote, testMagic, CmdInv, 0, nil); err != nil {
			t.Fatalf("write malformed inv #%d: %v", i, err)
		}
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("Run returned nil, want a ban/protocol error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after repeated malformed messages")
	}
}
