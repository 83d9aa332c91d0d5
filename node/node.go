package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"neonode.dev/node/consensus"
	"neonode.dev/node/consensushost"
	"neonode.dev/node/crypto"
	"neonode.dev/node/dbft"
	"neonode.dev/node/dispatcher"
	"neonode.dev/node/events"
	"neonode.dev/node/mempool"
	neonet "neonode.dev/node/net"
	"neonode.dev/node/p2p"
	"neonode.dev/node/store"
	"neonode.dev/node/sync"
)

// syncTickInterval drives Engine.Tick: the request-timeout scale is tens
// of seconds (sync.DefaultConfig's RequestTimeout), so a 1s cadence is
// frequent enough without busy-looping.
const syncTickInterval = 1 * time.Second

// networkMagics fixes the wire magic per named network (§4.1 Envelope
// "magic"). ValidateConfig accepts any non-empty Config.Network; New
// rejects a name that is not one of these three.
var networkMagics = map[string]uint32{
	"mainnet": 0x4E454F4D, // "NEOM"
	"testnet": 0x4E454F54, // "NEOT"
	"devnet":  0x4E454F44, // "NEOD"
}

// Ledger is the assembled node's view of §6.4's external contract: the
// union of every component's own narrow ledger trait (sync.Ledger and
// dispatcher.Ledger), which already structurally covers dbft.Ledger and
// consensushost.Ledger's smaller subsets. The ledger/store itself is
// external (§1 "is also external"); the node only ever holds it through
// this interface.
type Ledger interface {
	sync.Ledger
	dispatcher.Ledger
}

// Deps are the collaborators Config and the network magic alone cannot
// supply: the ledger, the committee's public key material, and this
// validator's own signer (§4.4.8, §9 "small capability traits").
type Deps struct {
	Ledger     Ledger
	Validators *consensus.ValidatorSet
	LocalIndex uint8
	Signer     crypto.Signer
	Logger     *zap.Logger
}

// hubRef breaks the Hub/Dispatcher construction cycle (§9 "cyclic
// references... injecting small capability traits rather than passing
// full node references"): net.Hub requires a non-nil Handler up front,
// but the Sync Engine, Consensus Host and Dispatcher all need a Sender
// capability before the Hub can exist. Each is handed this indirection
// instead, and the real *net.Hub is attached once built; every call
// after that point forwards straight through.
type hubRef struct {
	hub *neonet.Hub
}

func (r *hubRef) SendTo(addr string, cmd p2p.Command, payload []byte) error {
	if r.hub == nil {
		return fmt.Errorf("node: hub not yet attached")
	}
	return r.hub.SendTo(addr, cmd, payload)
}

func (r *hubRef) Broadcast(cmd p2p.Command, payload []byte) {
	if r.hub != nil {
		r.hub.Broadcast(cmd, payload)
	}
}

func (r *hubRef) Penalize(addr string, delta int) {
	if r.hub != nil {
		r.hub.Penalize(addr, delta)
	}
}

func (r *hubRef) Disconnect(addr string) {
	if r.hub != nil {
		r.hub.Disconnect(addr)
	}
}

func (r *hubRef) PeerByAddr(addr string) (*p2p.Peer, bool) {
	if r.hub == nil {
		return nil, false
	}
	return r.hub.PeerByAddr(addr)
}

func (r *hubRef) ShouldGossip(addr string, now time.Time) bool {
	return r.hub != nil && r.hub.ShouldGossip(addr, now)
}

// Node wires together C1-C6 (§2): the peer hub, the sync engine, the
// mempool adapter, the consensus host and the dispatcher that routes
// between them. It owns none of their concerns itself — it only
// constructs them with the capabilities §9 says they should depend on
// instead of full references to each other.
type Node struct {
	cfg    Config
	logger *zap.Logger

	db      *store.DB
	hub     *neonet.Hub
	pool    *mempool.Pool
	syncEng *sync.Engine
	host    *consensushost.Host
	disp    *dispatcher.Dispatcher

	stop chan struct{}
}

// New validates cfg, opens the on-disk store, and constructs every
// component. It performs no network I/O; call Run to start listening,
// dialing and driving the background tasks.
func New(cfg Config, deps Deps) (*Node, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("node: ledger is required")
	}
	if deps.Validators == nil {
		return nil, fmt.Errorf("node: validator set is required")
	}
	if deps.Signer == nil {
		return nil, fmt.Errorf("node: signer is required")
	}
	magic, ok := networkMagics[cfg.Network]
	if !ok {
		return nil, fmt.Errorf("node: unknown network %q", cfg.Network)
	}
	if _, ok := deps.Validators.At(deps.LocalIndex); !ok {
		return nil, fmt.Errorf("node: local validator index %d out of range", deps.LocalIndex)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	pool, err := mempool.New(logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	nodeEvents := events.NewBus[events.NodeEvent]()
	syncBus := events.NewBus[events.SyncEvent]()
	consensusBus := events.NewBus[events.ConsensusEvent]()

	ref := &hubRef{}

	dEngine, err := dbft.NewEngine(dbft.DefaultConfig(magic), deps.Validators, deps.LocalIndex, deps.Signer, db, pool, deps.Ledger, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node: build consensus engine: %w", err)
	}

	host, err := consensushost.New(dEngine, deps.Ledger, pool, ref, consensusBus, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node: build consensus host: %w", err)
	}

	syncEng, err := sync.New(sync.DefaultConfig(), deps.Ledger, pool, ref, ref, syncBus, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node: build sync engine: %w", err)
	}

	localNonce, err := randomNonce()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node: generate local nonce: %w", err)
	}
	_, portStr, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node: bind_addr: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node: bind_addr port: %w", err)
	}

	disp := dispatcher.New(ref, syncEng, host, pool, deps.Ledger, db, logger)

	ourVersion := p2p.VersionPayload{
		Version:     0,
		Services:    0,
		TimestampMS: uint64(time.Now().UnixMilli()),
		Port:        uint16(port),
		Nonce:       localNonce,
		UserAgent:   "/neonode:0.1.0/",
		StartHeight: deps.Ledger.Height(),
		Relay:       true,
	}
	hub, err := neonet.New(neonet.Config{
		Magic:       magic,
		OurVersion:  ourVersion,
		LocalHeight: deps.Ledger.Height,
		LocalNonce:  localNonce,
		MaxPeers:    cfg.MaxPeers,
		Logger:      logger,
	}, disp, nodeEvents)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node: build hub: %w", err)
	}

	ref.hub = hub

	return &Node{
		cfg:     cfg,
		logger:  logger.Named("node"),
		db:      db,
		hub:     hub,
		pool:    pool,
		syncEng: syncEng,
		host:    host,
		disp:    disp,
		stop:    make(chan struct{}),
	}, nil
}

// Hub exposes the network hub for callers that need to Dial seed peers.
func (n *Node) Hub() *neonet.Hub { return n.hub }

// Pool exposes the mempool adapter for callers that submit local
// transactions.
func (n *Node) Pool() *mempool.Pool { return n.pool }

// SyncEvents, ConsensusEvents and NodeEvents expose the three §6.5
// out-of-band subscriber streams.
func (n *Node) SyncEvents() *events.Bus[events.SyncEvent]           { return n.syncEng.Events() }
func (n *Node) ConsensusEvents() *events.Bus[events.ConsensusEvent] { return n.host.Events() }
func (n *Node) NodeEvents() *events.Bus[events.NodeEvent]           { return n.hub.Events() }

// Run starts listening, the consensus host's single-writer task loop, the
// sync engine's tick loop and the dispatcher's peer-lifecycle forwarder.
// It blocks until ctx-equivalent Shutdown is called.
func (n *Node) Run() error {
	ctx := context.Background()
	if err := n.hub.Listen(ctx, n.cfg.BindAddr); err != nil {
		return err
	}
	for _, addr := range n.cfg.Peers {
		if err := n.hub.Dial(ctx, addr); err != nil {
			n.logger.Warn("dial seed peer failed", zap.String("addr", addr), zap.Error(err))
		}
	}

	go n.host.Run(n.stop)
	go n.disp.Run(n.hub.Events(), n.stop)
	go n.tickSyncLoop()

	<-n.stop
	return nil
}

func (n *Node) tickSyncLoop() {
	ticker := time.NewTicker(syncTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case now := <-ticker.C:
			n.syncEng.Tick(now)
		}
	}
}

// Shutdown stops every background task and closes the store.
func (n *Node) Shutdown() error {
	select {
	case <-n.stop:
	default:
		close(n.stop)
	}
	n.hub.Shutdown()
	return n.db.Close()
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
