package p2p

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"neonode.dev/node/consensus"
)

// OutboundQueueSize is the default bounded outbound queue capacity (§4.1
// "Write discipline").
const OutboundQueueSize = 1000

// QuotaWindow is the §4.1 "per 10-second window" over which per-peer
// quotas are measured.
const QuotaWindow = 10 * time.Second

const (
	MaxPayloadBytesPerWindow   = 8 << 20
	MaxInventoryItemsPerWindow = 4000
	MaxGetDataPerWindow        = 2000
)

// ErrBackpressure is returned by Send when the outbound queue is full
// (§4.1 "send fails fast with Backpressure when the queue is full").
var ErrBackpressure = errors.New("p2p: peer: outbound queue full")

// DisconnectReason labels why a session ended, carried on PeerDisconnected.
type DisconnectReason string

const (
	ReasonProtocolViolation DisconnectReason = "protocol_violation"
	ReasonQuotaExceeded     DisconnectReason = "quota_exceeded"
	ReasonLivenessTimeout   DisconnectReason = "liveness_timeout"
	ReasonBanned            DisconnectReason = "banned"
	ReasonLocalShutdown     DisconnectReason = "local_shutdown"
	ReasonRemoteClosed      DisconnectReason = "remote_closed"
)

// Handler is the upstream dispatch surface a Peer Session calls into once a
// message passes framing and containment checks (§4.1 "dispatches to
// upstream handlers"). Implementations never block for long: the read loop
// is single-threaded per peer.
type Handler interface {
	OnGetAddr(p *Peer) ([]NetAddr, error)
	OnAddr(p *Peer, addrs []NetAddr) error
	OnGetHeaders(p *Peer, req GetHeadersPayload) ([]consensus.BlockHeader, error)
	OnHeaders(p *Peer, headers []consensus.BlockHeader) error
	OnGetBlockByIndex(p *Peer, req GetBlockByIndexPayload) ([][]byte, error)
	OnInv(p *Peer, items []InvVector) error
	OnGetData(p *Peer, items []InvVector) error
	OnNotFound(p *Peer, items []InvVector) error
	OnTx(p *Peer, raw []byte) error
	OnBlock(p *Peer, raw []byte) error
	OnExtensible(p *Peer, raw []byte) error
	OnMempool(p *Peer) ([]consensus.Hash256, error)
}

// EventSink receives the NodeEvent-shaped notifications a Peer Session
// publishes (§4.1, §7 NodeEvent variants); the Hub supplies the concrete
// broadcaster.
type EventSink interface {
	PeerConnected(p *Peer)
	PeerDisconnected(addr string, reason DisconnectReason)
	MessageReceived(addr string, cmd Command)
	MessageSent(addr string, cmd Command)
	NetworkError(addr string, err error)
}

// PeerConfig parameterizes a session. Magic and OurVersion are required;
// the rest fall back to their package defaults.
type PeerConfig struct {
	Magic       uint32
	OurVersion  VersionPayload
	LocalHeight uint32
	LocalNonce  uint64

	OutboundQueueSize int
	PingInterval      time.Duration
	IdleTimeout       time.Duration

	Logger *zap.Logger
	Events EventSink
}

func (c *PeerConfig) setDefaults() {
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = OutboundQueueSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = PingInterval * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// quotaCounter tracks one §4.1 quota over the current 10-second window.
type quotaCounter struct {
	windowStart time.Time
	count       int64
}

func (q *quotaCounter) add(now time.Time, n int64) int64 {
	if now.Sub(q.windowStart) >= QuotaWindow {
		q.windowStart = now
		q.count = 0
	}
	q.count += n
	return q.count
}

// Peer is one C1 session: a TCP connection in the Ready state, its ban
// score, outbound queue and quota counters. The Hub holds Peers in its
// table; Peer itself never reaches back into the Hub (§ "cyclic
// references" — send-only toward the Hub via events).
type Peer struct {
	conn   net.Conn
	addr   string
	role   PeerRole
	cfg    PeerConfig
	logger *zap.Logger

	PeerVersion VersionPayload

	ban BanScore

	outbound chan *outboundMsg
	closing  atomic.Bool
	ready    atomic.Bool

	mu           sync.Mutex
	bytesQuota   quotaCounter
	invQuota     quotaCounter
	getDataQuota quotaCounter

	pingNonce    uint64
	pingOutstanding atomic.Bool
	lastPong     atomic.Int64 // unix nanos

	done chan struct{}
}

type PeerRole int

const (
	PeerRoleUnknown PeerRole = iota
	PeerRoleInbound
	PeerRoleOutbound
)

type outboundMsg struct {
	cmd     Command
	payload []byte
}

// NewPeer wraps an accepted or dialed connection. The caller still must
// call Run to drive the handshake and read/dispatch loop.
func NewPeer(conn net.Conn, role PeerRole, cfg PeerConfig) (*Peer, error) {
	if conn == nil {
		return nil, fmt.Errorf("p2p: peer: nil conn")
	}
	cfg.setDefaults()
	p := &Peer{
		conn:     conn,
		addr:     conn.RemoteAddr().String(),
		role:     role,
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("peer", conn.RemoteAddr().String())),
		outbound: make(chan *outboundMsg, cfg.OutboundQueueSize),
		done:     make(chan struct{}),
	}
	now := time.Now()
	p.bytesQuota.windowStart = now
	p.invQuota.windowStart = now
	p.getDataQuota.windowStart = now
	return p, nil
}

// Addr returns the remote address string used to key this peer in the Hub.
func (p *Peer) Addr() string { return p.addr }

// Send enqueues a message for the writer goroutine. It never blocks: a
// full queue is Backpressure, which the caller (usually the Hub) accounts
// against the peer or simply drops.
func (p *Peer) Send(cmd Command, payload []byte) error {
	if p.closing.Load() {
		return fmt.Errorf("p2p: peer: closing")
	}
	select {
	case p.outbound <- &outboundMsg{cmd: cmd, payload: payload}:
		return nil
	default:
		return ErrBackpressure
	}
}

// Run performs the handshake then drives the write and read loops until
// either fails or stop is closed. It always returns with the connection
// closed and a PeerDisconnected event published.
func (p *Peer) Run(stop <-chan struct{}, h Handler) error {
	if h == nil {
		return fmt.Errorf("p2p: peer: nil handler")
	}
	reason := ReasonRemoteClosed
	defer func() {
		p.closing.Store(true)
		close(p.done)
		_ = p.conn.Close()
		if p.cfg.Events != nil {
			p.cfg.Events.PeerDisconnected(p.addr, reason)
		}
	}()

	res, err := Handshake(p.conn, p.cfg.Magic, p.cfg.OurVersion, p.role == PeerRoleInbound, p.cfg.LocalHeight, p.cfg.LocalNonce)
	if err != nil {
		reason = ReasonProtocolViolation
		return fmt.Errorf("p2p: peer: handshake: %w", err)
	}
	p.PeerVersion = res.PeerVersion
	p.ready.Store(true)
	if p.cfg.Events != nil {
		p.cfg.Events.PeerConnected(p)
	}
	p.lastPong.Store(time.Now().UnixNano())

	go p.writeLoop()
	go p.keepaliveLoop()

	go func() {
		select {
		case <-stop:
			_ = p.conn.Close()
		case <-p.done:
		}
	}()

	for {
		if p.cfg.IdleTimeout > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.IdleTimeout))
		}
		env, rerr := ReadEnvelope(p.conn, p.cfg.Magic)
		if rerr != nil {
			reason = ReasonProtocolViolation
			return fmt.Errorf("p2p: peer: read: %w", rerr)
		}

		now := time.Now()
		p.mu.Lock()
		bytesUsed := p.bytesQuota.add(now, int64(len(env.Payload)))
		p.mu.Unlock()
		if bytesUsed > MaxPayloadBytesPerWindow {
			reason = ReasonQuotaExceeded
			return fmt.Errorf("p2p: peer: payload byte quota exceeded")
		}

		if p.cfg.Events != nil {
			p.cfg.Events.MessageReceived(p.addr, env.Command)
		}

		if p.ban.ShouldThrottle(now) {
			time.Sleep(ThrottleDelay)
		}

		if err := p.dispatch(env, h, now); err != nil {
			var prot *protocolError
			if errors.As(err, &prot) {
				reason = ReasonProtocolViolation
				return err
			}
			reason = ReasonProtocolViolation
			return err
		}
		if p.ban.ShouldBan(now) {
			reason = ReasonBanned
			return fmt.Errorf("p2p: peer: banned (score=%d)", p.ban.Score(now))
		}
	}
}

// protocolError marks a dispatch error that must be fatal to the session
// regardless of ban score, distinguishing it from a merely-penalized one.
type protocolError struct{ err error }

func (e *protocolError) Error() string { return e.err.Error() }
func (e *protocolError) Unwrap() error { return e.err }

func (p *Peer) penalize(now time.Time, delta int) {
	p.ban.Add(now, delta)
}

// Penalize lets external components (the Sync Engine, the Dispatcher)
// account a peer-driven failure against this session's ban score without
// reaching into its internals (§4.2 scoring, §9 "cyclic references").
func (p *Peer) Penalize(delta int) {
	p.penalize(time.Now(), delta)
}

// dispatch decodes and routes one already-framed message. Decode failures
// and handler-reported violations add ban score per §6.2/§8; they never
// panic and never block on Send beyond the outbound queue's own
// backpressure.
func (p *Peer) dispatch(env *Envelope, h Handler, now time.Time) error {
	switch env.Command {
	case CmdPing:
		pp, err := DecodePingPayload(env.Payload)
		if err != nil {
			p.penalize(now, 10)
			return nil
		}
		pong, _ := EncodePongPayload(PongPayload{Nonce: pp.Nonce})
		return p.trySend(CmdPong, pong)

	case CmdPong:
		pp, err := DecodePongPayload(env.Payload)
		if err != nil {
			p.penalize(now, 10)
			return nil
		}
		if pp.Nonce == p.pingNonce && p.pingOutstanding.Load() {
			p.pingOutstanding.Store(false)
			p.lastPong.Store(now.UnixNano())
		}
		return nil

	case CmdGetAddr:
		addrs, err := h.OnGetAddr(p)
		if err != nil {
			return nil
		}
		payload, err := EncodeAddrPayload(AddrPayload{Addrs: addrs})
		if err != nil {
			return nil
		}
		return p.trySend(CmdAddr, payload)

	case CmdAddr:
		ap, err := DecodeAddrPayload(env.Payload)
		if err != nil {
			p.penalize(now, 10)
			return nil
		}
		if err := h.OnAddr(p, ap.Addrs); err != nil {
			p.penalize(now, 5)
		}
		return nil

	case CmdGetHeaders:
		req, err := DecodeGetHeadersPayload(env.Payload)
		if err != nil {
			p.penalize(now, 10)
			return nil
		}
		headers, err := h.OnGetHeaders(p, req)
		if err != nil {
			return nil
		}
		payload, err := EncodeHeadersPayload(HeadersPayload{Headers: headers})
		if err != nil {
			return nil
		}
		return p.trySend(CmdHeaders, payload)

	case CmdHeaders:
		hp, err := DecodeHeadersPayload(env.Payload)
		if err != nil {
			p.penalize(now, 100)
			return nil
		}
		if err := h.OnHeaders(p, hp.Headers); err != nil {
			p.penalize(now, 100)
		}
		return nil

	case CmdGetBlockByIndex:
		req, err := DecodeGetBlockByIndexPayload(env.Payload)
		if err != nil {
			p.penalize(now, 10)
			return nil
		}
		if req.Start > p.cfg.LocalHeight+MaxStartHeightAhead {
			p.penalize(now, 10)
			return nil
		}
		blocks, err := h.OnGetBlockByIndex(p, req)
		if err != nil {
			return nil
		}
		for _, b := range blocks {
			if err := p.trySend(CmdBlock, b); err != nil {
				return nil
			}
		}
		return nil

	case CmdInv:
		ip, err := DecodeInvPayload(env.Payload)
		if err != nil {
			p.penalize(now, 10)
			return nil
		}
		p.mu.Lock()
		invUsed := p.invQuota.add(now, int64(len(ip.Items)))
		p.mu.Unlock()
		if invUsed > MaxInventoryItemsPerWindow {
			return &protocolError{fmt.Errorf("p2p: peer: inventory quota exceeded")}
		}
		if err := h.OnInv(p, ip.Items); err != nil {
			p.penalize(now, 5)
		}
		return nil

	case CmdGetData:
		ip, err := DecodeInvPayload(env.Payload)
		if err != nil {
			p.penalize(now, 10)
			return nil
		}
		p.mu.Lock()
		gdUsed := p.getDataQuota.add(now, int64(len(ip.Items)))
		p.mu.Unlock()
		if gdUsed > MaxGetDataPerWindow {
			return &protocolError{fmt.Errorf("p2p: peer: getdata quota exceeded")}
		}
		if err := h.OnGetData(p, ip.Items); err != nil {
			p.penalize(now, 2)
		}
		return nil

	case CmdNotFound:
		ip, err := DecodeInvPayload(env.Payload)
		if err != nil {
			p.penalize(now, 10)
			return nil
		}
		_ = h.OnNotFound(p, ip.Items)
		return nil

	case CmdTx:
		if err := h.OnTx(p, env.Payload); err != nil {
			p.penalize(now, 5)
		}
		return nil

	case CmdBlock:
		if err := h.OnBlock(p, env.Payload); err != nil {
			p.penalize(now, 100)
		}
		return nil

	case CmdExtensible:
		if err := h.OnExtensible(p, env.Payload); err != nil {
			p.penalize(now, 20)
		}
		return nil

	case CmdMempool:
		hashes, err := h.OnMempool(p)
		if err != nil {
			return nil
		}
		items := make([]InvVector, len(hashes))
		for i, hh := range hashes {
			items[i] = InvVector{Type: InvTypeTx, Hash: hh}
		}
		payload, err := EncodeInvPayload(InvPayload{Items: items})
		if err != nil {
			return nil
		}
		return p.trySend(CmdInv, payload)

	case CmdVersion, CmdVerack:
		// Only valid during the handshake (§6.2); seeing one in Ready is a
		// protocol violation.
		return &protocolError{fmt.Errorf("p2p: peer: unexpected %s after handshake", env.Command)}

	default:
		p.logger.Debug("unknown command", zap.Uint8("command", byte(env.Command)))
		return nil
	}
}

// trySend enqueues an outgoing reply, swallowing Backpressure: a slow peer
// loses a reply rather than stalling the read loop.
func (p *Peer) trySend(cmd Command, payload []byte) error {
	if err := p.Send(cmd, payload); err != nil && !errors.Is(err, ErrBackpressure) {
		return err
	}
	return nil
}

func (p *Peer) writeLoop() {
	for {
		select {
		case msg := <-p.outbound:
			if err := WriteEnvelope(p.conn, p.cfg.Magic, msg.cmd, 0, msg.payload); err != nil {
				if p.cfg.Events != nil {
					p.cfg.Events.NetworkError(p.addr, err)
				}
				_ = p.conn.Close()
				return
			}
			if p.cfg.Events != nil {
				p.cfg.Events.MessageSent(p.addr, msg.cmd)
			}
		case <-p.done:
			return
		}
	}
}

// keepaliveLoop implements §4.1 "Keepalive": a Ping every PingInterval,
// disconnect if no matching Pong arrives within 2*PingInterval.
func (p *Peer) keepaliveLoop() {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			missedDeadline := time.Unix(0, p.lastPong.Load()).Add(2 * p.cfg.PingInterval)
			if p.pingOutstanding.Load() && now.After(missedDeadline) {
				_ = p.conn.Close()
				return
			}
			p.pingNonce = uint64(now.UnixNano())
			if p.pingNonce == 0 {
				p.pingNonce = 1
			}
			payload, err := EncodePingPayload(PingPayload{Nonce: p.pingNonce})
			if err != nil {
				continue
			}
			p.pingOutstanding.Store(true)
			_ = p.trySend(CmdPing, payload)
		case <-p.done:
			return
		}
	}
}
