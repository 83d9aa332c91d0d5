// Package net implements the C2 Network Hub (§4.2): the peer table and
// connection lifecycle manager sitting above the per-peer p2p sessions.
package net

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"neonode.dev/node/events"
	"neonode.dev/node/p2p"
)

// DefaultMaxPeers is the committee-scale default connection limit (§4.2).
const DefaultMaxPeers = 64

// recentAddrCacheSize bounds the "don't re-gossip the same address every
// few seconds" recency filter (§4.2 address gossip).
const recentAddrCacheSize = 4096

// Config parameterizes a Hub.
type Config struct {
	Magic        uint32
	OurVersion   p2p.VersionPayload
	LocalHeight  func() uint32
	LocalNonce   uint64
	MaxPeers     int
	DialTimeout  time.Duration
	IdleTimeout  time.Duration
	PingInterval time.Duration
	Logger       *zap.Logger
}

func (c *Config) setDefaults() {
	if c.MaxPeers <= 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.LocalHeight == nil {
		c.LocalHeight = func() uint32 { return 0 }
	}
}

// entry is one connected peer's table record.
type entry struct {
	peer      *p2p.Peer
	sessionID uuid.UUID
	stop      chan struct{}
}

// Hub is C2: it owns the peer table (§4.2 "fine-grained parallel per-peer
// I/O tasks + RWMutex-serialized peer-table mutation", §5) and a recency
// filter for gossiped addresses; the persistent address book lives in
// store.DB. It does not interpret application messages itself — Handler
// (usually the Dispatcher) is handed to every Peer it spawns.
type Hub struct {
	cfg     Config
	logger  *zap.Logger
	handler p2p.Handler

	nodeEvents *events.Bus[events.NodeEvent]

	mu    sync.RWMutex
	peers map[string]*entry

	recentAddrs *lru.Cache[string, time.Time]

	listener net.Listener
	shutdown atomic.Bool
}

func New(cfg Config, handler p2p.Handler, nodeEvents *events.Bus[events.NodeEvent]) (*Hub, error) {
	if handler == nil {
		return nil, fmt.Errorf("net: hub: nil handler")
	}
	cfg.setDefaults()
	recent, err := lru.New[string, time.Time](recentAddrCacheSize)
	if err != nil {
		return nil, err
	}
	if nodeEvents == nil {
		nodeEvents = events.NewBus[events.NodeEvent]()
	}
	return &Hub{
		cfg:         cfg,
		logger:      cfg.Logger.Named("net"),
		handler:     handler,
		nodeEvents:  nodeEvents,
		peers:       make(map[string]*entry),
		recentAddrs: recent,
	}, nil
}

// Events exposes the NodeEvent bus for subscribers (§6.5).
func (h *Hub) Events() *events.Bus[events.NodeEvent] { return h.nodeEvents }

// Listen starts accepting inbound connections on addr until ctx is
// cancelled or Shutdown is called.
func (h *Hub) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("net: hub: listen: %w", err)
	}
	h.listener = ln
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go h.acceptLoop(ctx, ln)
	return nil
}

func (h *Hub) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if h.shutdown.Load() {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			h.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		if h.PeerCount() >= h.cfg.MaxPeers {
			_ = conn.Close()
			continue
		}
		go h.adopt(conn, p2p.PeerRoleInbound)
	}
}

// Dial connects outbound to addr (§4.2 "outbound dialing").
func (h *Hub) Dial(ctx context.Context, addr string) error {
	if h.PeerCount() >= h.cfg.MaxPeers {
		return fmt.Errorf("net: hub: at max peers")
	}
	d := net.Dialer{Timeout: h.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("net: hub: dial %s: %w", addr, err)
	}
	go h.adopt(conn, p2p.PeerRoleOutbound)
	return nil
}

func (h *Hub) adopt(conn net.Conn, role p2p.PeerRole) {
	pc := p2p.PeerConfig{
		Magic:        h.cfg.Magic,
		OurVersion:   h.cfg.OurVersion,
		LocalHeight:  h.cfg.LocalHeight(),
		LocalNonce:   h.cfg.LocalNonce,
		PingInterval: h.cfg.PingInterval,
		IdleTimeout:  h.cfg.IdleTimeout,
		Logger:       h.logger,
		Events:       hubEventSink{h},
	}
	peer, err := p2p.NewPeer(conn, role, pc)
	if err != nil {
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	if _, exists := h.peers[peer.Addr()]; exists {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	e := &entry{peer: peer, sessionID: uuid.New(), stop: make(chan struct{})}
	h.peers[peer.Addr()] = e
	h.mu.Unlock()

	h.logger.Info("peer session starting", zap.String("addr", peer.Addr()), zap.String("session", e.sessionID.String()), zap.String("role", roleName(role)))
	if err := peer.Run(e.stop, h.handler); err != nil {
		h.logger.Debug("peer session ended", zap.String("addr", peer.Addr()), zap.Error(err))
	}

	h.mu.Lock()
	delete(h.peers, peer.Addr())
	h.mu.Unlock()
}

func roleName(r p2p.PeerRole) string {
	if r == p2p.PeerRoleOutbound {
		return "outbound"
	}
	return "inbound"
}

// PeerCount returns the number of currently-tracked sessions.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// PeerByAddr looks up a connected peer session by address, for callers
// (the Dispatcher) that need its post-handshake VersionPayload.
func (h *Hub) PeerByAddr(addr string) (*p2p.Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.peers[addr]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

// Peers returns a snapshot of connected peers; Hub.Broadcast uses it for
// fan-out.
func (h *Hub) Peers() []*p2p.Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*p2p.Peer, 0, len(h.peers))
	for _, e := range h.peers {
		out = append(out, e.peer)
	}
	return out
}

// SendTo delivers a message to one peer by address (§4.2 send_to).
func (h *Hub) SendTo(addr string, cmd p2p.Command, payload []byte) error {
	h.mu.RLock()
	e, ok := h.peers[addr]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("net: hub: unknown peer %s", addr)
	}
	return e.peer.Send(cmd, payload)
}

// Broadcast sends a message to every connected peer (§4.2 broadcast),
// swallowing individual Backpressure errors: one slow peer never blocks
// the others.
func (h *Hub) Broadcast(cmd p2p.Command, payload []byte) {
	for _, p := range h.Peers() {
		_ = p.Send(cmd, payload)
	}
}

// BroadcastInv groups items by type and sends them, each capped at
// p2p.MaxInventoryItems per message (§4.2 broadcast_inv).
func (h *Hub) BroadcastInv(items []p2p.InvVector) {
	grouped := p2p.GroupByType(items)
	for _, group := range grouped {
		for start := 0; start < len(group); start += p2p.MaxInventoryItems {
			end := start + p2p.MaxInventoryItems
			if end > len(group) {
				end = len(group)
			}
			payload, err := p2p.EncodeInvPayload(p2p.InvPayload{Items: group[start:end]})
			if err != nil {
				continue
			}
			h.Broadcast(p2p.CmdInv, payload)
		}
	}
}

// Penalize adjusts a connected peer's ban score (§4.2), for callers (the
// Sync Engine, the Dispatcher) that observe a peer-driven failure but hold
// only the peer's address.
func (h *Hub) Penalize(addr string, delta int) {
	h.mu.RLock()
	e, ok := h.peers[addr]
	h.mu.RUnlock()
	if !ok {
		return
	}
	e.peer.Penalize(delta)
}

// Disconnect closes one peer's session by address.
func (h *Hub) Disconnect(addr string) {
	h.mu.RLock()
	e, ok := h.peers[addr]
	h.mu.RUnlock()
	if !ok {
		return
	}
	close(e.stop)
}

// ShouldGossip reports whether addr was NOT announced within the recency
// window, recording it as announced as a side effect (§4.2 address gossip
// recency filter).
func (h *Hub) ShouldGossip(addr string, now time.Time) bool {
	if last, ok := h.recentAddrs.Get(addr); ok && now.Sub(last) < 24*time.Hour {
		return false
	}
	h.recentAddrs.Add(addr, now)
	return true
}

// Shutdown closes the listener and every peer session (§4.2).
func (h *Hub) Shutdown() {
	h.shutdown.Store(true)
	if h.listener != nil {
		_ = h.listener.Close()
	}
	h.mu.RLock()
	stops := make([]chan struct{}, 0, len(h.peers))
	for _, e := range h.peers {
		stops = append(stops, e.stop)
	}
	h.mu.RUnlock()
	for _, s := range stops {
		select {
		case <-s:
		default:
			close(s)
		}
	}
}

// hubEventSink adapts Hub to p2p.EventSink, republishing onto the NodeEvent
// bus (§6.5).
type hubEventSink struct{ h *Hub }

func (s hubEventSink) PeerConnected(p *p2p.Peer) {
	s.h.nodeEvents.Publish(events.NodeEvent{Kind: events.NodePeerConnected, Peer: p.Addr()})
}

func (s hubEventSink) PeerDisconnected(addr string, reason p2p.DisconnectReason) {
	s.h.nodeEvents.Publish(events.NodeEvent{Kind: events.NodePeerDisconnected, Peer: addr})
}

func (s hubEventSink) MessageReceived(addr string, cmd p2p.Command) {
	s.h.nodeEvents.Publish(events.NodeEvent{Kind: events.NodeMessageReceived, Peer: addr})
}

func (s hubEventSink) MessageSent(addr string, cmd p2p.Command) {
	s.h.nodeEvents.Publish(events.NodeEvent{Kind: events.NodeMessageSent, Peer: addr})
}

func (s hubEventSink) NetworkError(addr string, err error) {
	s.h.nodeEvents.Publish(events.NodeEvent{Kind: events.NodeNetworkError, Peer: addr, Err: err})
}
