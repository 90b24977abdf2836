package net

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/monas/monas-state-node/src/peers"
	"github.com/sirupsen/logrus"
)

// EngineConfig tunes the peer network engine.
type EngineConfig struct {
	// Replication is the number of closest peers a lookup returns and
	// provider records are stored on.
	Replication int

	// Alpha is the number of concurrent requests per lookup round.
	Alpha int

	// GossipTTL is the number of hops a gossip message travels.
	GossipTTL int

	// MaxFailures evicts a peer after that many consecutive failures.
	MaxFailures int

	// SeenTTL is how long a gossip message id is remembered.
	SeenTTL time.Duration

	// SubscriptionBuffer is the capacity of subscription channels. Messages
	// are dropped for slow subscribers.
	SubscriptionBuffer int

	// MaxWorkers bounds the goroutines answering inbound requests.
	MaxWorkers int32
}

// DefaultEngineConfig ...
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Replication:        20,
		Alpha:              3,
		GossipTTL:          6,
		MaxFailures:        peers.DefaultMaxFailures,
		SeenTTL:            10 * time.Minute,
		SubscriptionBuffer: 64,
		MaxWorkers:         64,
	}
}

/*
Engine implements PeerNetwork on top of a Transport.

A single goroutine, the loop, owns the routing table, the provider records,
the gossip seen-cache and the subscriptions. Public methods hand closures to
the loop and wait for them to run; network round-trips happen outside the
loop and report what they learned back through the same channel. Inbound
RPCs about routing and gossip are answered by the loop itself, the others
by the RequestHandler in worker goroutines.
*/
type Engine struct {
	self    peers.Peer
	trans   Transport
	conf    EngineConfig
	handler RequestHandler

	// owned by the loop
	table     *peers.Table
	providers map[string]map[string]peers.Peer
	seen      map[string]time.Time
	subs      map[string][]chan GossipMessage

	cmdCh chan func()

	wg      sync.WaitGroup
	wgCount int32

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	logger *logrus.Entry
}

// NewEngine creates an engine for the local node self. An empty
// self.NetAddr is replaced by the transport's advertise address.
func NewEngine(self peers.Peer, trans Transport, conf EngineConfig, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	def := DefaultEngineConfig()
	if conf.Replication <= 0 {
		conf.Replication = def.Replication
	}
	if conf.Alpha <= 0 {
		conf.Alpha = def.Alpha
	}
	if conf.GossipTTL <= 0 {
		conf.GossipTTL = def.GossipTTL
	}
	if conf.SeenTTL <= 0 {
		conf.SeenTTL = def.SeenTTL
	}
	if conf.SubscriptionBuffer <= 0 {
		conf.SubscriptionBuffer = def.SubscriptionBuffer
	}
	if conf.MaxWorkers <= 0 {
		conf.MaxWorkers = def.MaxWorkers
	}

	if self.NetAddr == "" {
		self.NetAddr = trans.AdvertiseAddr()
	}

	return &Engine{
		self:       self,
		trans:      trans,
		conf:       conf,
		table:      peers.NewTable(self.ID, conf.MaxFailures),
		providers:  make(map[string]map[string]peers.Peer),
		seen:       make(map[string]time.Time),
		subs:       make(map[string][]chan GossipMessage),
		cmdCh:      make(chan func()),
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}
}

// SetRequestHandler must be called before Run.
func (e *Engine) SetRequestHandler(h RequestHandler) {
	e.handler = h
}

// LocalPeerID implements PeerNetwork.
func (e *Engine) LocalPeerID() string {
	return e.self.ID
}

// Self returns the local peer as advertised to others.
func (e *Engine) Self() peers.Peer {
	return e.self
}

// RunAsync starts the transport listener and the loop in the background.
func (e *Engine) RunAsync() {
	go e.trans.Listen()
	go e.Run()
}

// Run is the engine loop. It returns after Shutdown.
func (e *Engine) Run() {
	e.logger.WithFields(logrus.Fields{
		"id":   e.self.ID,
		"addr": e.self.NetAddr,
	}).Debug("Peer network engine running")

	pruneTicker := time.NewTicker(e.conf.SeenTTL / 2)
	defer pruneTicker.Stop()

	rpcCh := e.trans.Consumer()

	for {
		select {
		case fn := <-e.cmdCh:
			fn()
		case rpc := <-rpcCh:
			e.processRPC(rpc)
		case <-pruneTicker.C:
			e.pruneSeen(time.Now())
		case <-e.shutdownCh:
			e.closeSubscriptions()
			return
		}
	}
}

// Shutdown stops the loop, waits for the workers and closes the transport.
func (e *Engine) Shutdown() {
	e.shutdownLock.Lock()
	if e.shutdown {
		e.shutdownLock.Unlock()
		return
	}
	e.shutdown = true
	close(e.shutdownCh)
	e.shutdownLock.Unlock()

	e.logger.Debug("Shutting down peer network engine")

	// no worker is added once shutdown is set
	e.wg.Wait()
	e.trans.Close()
}

// do runs fn on the loop and waits for it to complete.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		fn()
		close(done)
	}

	select {
	case e.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.shutdownCh:
		return ErrTransportShutdown
	}

	select {
	case <-done:
		return nil
	case <-e.shutdownCh:
		return ErrTransportShutdown
	}
}

// post hands fn to the loop without waiting for it.
func (e *Engine) post(fn func()) {
	select {
	case e.cmdCh <- fn:
	case <-e.shutdownCh:
	}
}

// call runs a blocking transport request, giving up when ctx is done. The
// transport itself bounds the request by its timeout.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goFunc runs f in a tracked worker. After Shutdown, or beyond MaxWorkers, f
// is dropped and false is returned.
func (e *Engine) goFunc(f func()) bool {
	e.shutdownLock.Lock()
	defer e.shutdownLock.Unlock()

	if e.shutdown || atomic.LoadInt32(&e.wgCount) >= e.conf.MaxWorkers {
		return false
	}
	e.wg.Add(1)
	atomic.AddInt32(&e.wgCount, 1)
	go func() {
		defer e.wg.Done()
		defer atomic.AddInt32(&e.wgCount, -1)
		f()
	}()
	return true
}

// learn adds peers to the routing table. Loop only.
func (e *Engine) learn(ps ...peers.Peer) {
	for _, p := range ps {
		p.ID = peers.NormalizeID(p.ID)
		if e.table.Add(p) {
			e.logger.WithFields(logrus.Fields{
				"peer": p.ID,
				"addr": p.NetAddr,
			}).Debug("Learned peer")
		}
	}
}

// reportSuccess records a successful exchange with p and the peers it told us
// about.
func (e *Engine) reportSuccess(p peers.Peer, learned ...peers.Peer) {
	e.post(func() {
		e.learn(append(learned, p)...)
		e.table.RecordSuccess(p.ID)
	})
}

// reportFailure records a failed request to p.
func (e *Engine) reportFailure(p peers.Peer, err error) {
	e.post(func() {
		if e.table.RecordFailure(p.ID) {
			e.logger.WithFields(logrus.Fields{
				"peer":  p.ID,
				"error": err,
			}).Debug("Evicted peer")
		}
	})
}

// resolve finds the peer with the given id in the routing table.
func (e *Engine) resolve(ctx context.Context, id string) (peers.Peer, error) {
	id = peers.NormalizeID(id)

	var (
		p  peers.Peer
		ok bool
	)
	if err := e.do(ctx, func() {
		p, ok = e.table.Get(id)
	}); err != nil {
		return peers.Peer{}, err
	}
	if !ok {
		return peers.Peer{}, ErrUnknownPeer
	}
	return p, nil
}

// KnownPeers returns a snapshot of the routing table.
func (e *Engine) KnownPeers(ctx context.Context) ([]peers.Peer, error) {
	var res []peers.Peer
	err := e.do(ctx, func() {
		res = e.table.All()
	})
	return res, err
}

// AddPeers seeds the routing table with peers whose ids are already known.
func (e *Engine) AddPeers(ctx context.Context, ps []peers.Peer) error {
	return e.do(ctx, func() {
		e.learn(ps...)
	})
}
