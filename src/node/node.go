package node

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/monas/monas-state-node/src/assignment"
	"github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/contentsync"
	"github.com/monas/monas-state-node/src/crdt"
	"github.com/monas/monas-state-node/src/directory"
	"github.com/monas/monas-state-node/src/events"
	"github.com/monas/monas-state-node/src/net"
	"github.com/monas/monas-state-node/src/registry"
	"github.com/monas/monas-state-node/src/reliable"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotRegistered is returned by operations that need the local node's
	// capacity before RegisterNode was called.
	ErrNotRegistered = errors.New("node not registered")

	// ErrUnknownContent is returned when no content network is known for a
	// content id.
	ErrUnknownContent = errors.New("unknown content")

	// ErrNotMember is returned when the local node is not a member of the
	// content network it tries to write to.
	ErrNotMember = errors.New("not a member of the content network")
)

// Node is a state node.
type Node struct {
	state

	conf *Config
	self string

	registry  *registry.Registry
	directory *directory.Directory
	store     *crdt.Store
	network   net.PeerNetwork
	sync      *contentsync.Service
	assigner  *assignment.Assigner
	publisher *reliable.Publisher

	// capacityLock serialises read-modify-write cycles on the local snapshot
	// and guards lastAnnounced
	capacityLock  sync.Mutex
	lastAnnounced uint64

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownCh chan struct{}

	start      time.Time
	syncRuns   int64
	syncErrors int64

	logger *logrus.Entry
}

// NewNode wires a node around its stores, the peer network and the reliable
// publisher. The node answers the network's direct requests once registered
// with SetRequestHandler by the caller.
func NewNode(
	conf *Config,
	reg *registry.Registry,
	dir *directory.Directory,
	store *crdt.Store,
	network net.PeerNetwork,
	publisher *reliable.Publisher,
	logger *logrus.Entry,
) *Node {

	if conf == nil {
		conf = DefaultConfig()
	}

	self := network.LocalPeerID()
	logger = logger.WithField("this_id", self)
	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		conf:       conf,
		self:       self,
		registry:   reg,
		directory:  dir,
		store:      store,
		network:    network,
		sync:       contentsync.NewService(store, dir, network, logger),
		assigner:   assignment.NewAssigner(self, dir, network, logger),
		publisher:  publisher,
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
		start:      time.Now(),
		logger:     logger,
	}
}

// ID returns the local node id.
func (n *Node) ID() string {
	return n.self
}

// Run subscribes to the event and operation topics and starts the background
// loops. The peer network must be running.
func (n *Node) Run() error {
	if n.getState() != Starting {
		return nil
	}

	topics := []string{events.SharedTopic}
	for _, t := range events.Types {
		topics = append(topics, events.Topic(t))
	}

	for _, topic := range topics {
		ch, err := n.network.Subscribe(topic)
		if err != nil {
			return err
		}
		n.goLoop(func() { n.consumeEvents(ch) })
	}

	opsCh, err := n.network.Subscribe(net.OperationsTopic)
	if err != nil {
		return err
	}
	n.goLoop(func() { n.consumeOperations(opsCh) })

	n.goLoop(n.doBackgroundWork)

	n.setState(Running)
	n.logger.WithField("topics", len(topics)+1).Debug("Node running")

	return nil
}

// Shutdown stops the background loops and waits for in-flight work. The
// caller owns, and closes, the network and the stores.
func (n *Node) Shutdown() {
	if n.getState() == Shutdown {
		return
	}
	n.logger.Debug("Shutdown")

	n.setState(Shutdown)
	n.cancel()
	close(n.shutdownCh)
	n.waitRoutines()
}

func (n *Node) doBackgroundWork() {
	syncTicker := time.NewTicker(n.conf.SyncInterval)
	defer syncTicker.Stop()
	retryTicker := time.NewTicker(n.conf.RetrySweepInterval)
	defer retryTicker.Stop()
	cleanupTicker := time.NewTicker(n.conf.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-syncTicker.C:
			n.syncAll()
		case <-retryTicker.C:
			if _, err := n.publisher.RetryPending(n.ctx); err != nil {
				n.logger.WithError(err).Error("RetryPending")
			}
		case <-cleanupTicker.C:
			stats, err := n.publisher.Cleanup()
			if err != nil {
				n.logger.WithError(err).Error("Cleanup")
				continue
			}
			n.logger.WithFields(logrus.Fields{
				"outbox_purged": stats.OutboxPurged,
				"inbox_purged":  stats.InboxPurged,
			}).Debug("Cleanup")
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) syncAll() {
	results, err := n.sync.SyncAllContent(n.ctx)
	if err != nil {
		n.logger.WithError(err).Error("SyncAllContent")
		return
	}

	applied := 0
	for _, r := range results {
		n.countSync(r.Result)
		applied += r.Result.OperationsApplied
	}

	if applied > 0 {
		n.logger.WithFields(logrus.Fields{
			"contents": len(results),
			"applied":  applied,
		}).Debug("Periodic sync")
	}
}

func (n *Node) countSync(res contentsync.SyncResult) {
	atomic.AddInt64(&n.syncRuns, 1)
	atomic.AddInt64(&n.syncErrors, int64(len(res.Errors)))
}

// consumeEvents handles the events received on one topic. Payloads that are
// not events are expected on a shared network and only logged.
func (n *Node) consumeEvents(ch <-chan net.GossipMessage) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n.processGossip(msg)
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) processGossip(msg net.GossipMessage) {
	ev, err := events.Unmarshal(msg.Data)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"topic":  msg.Topic,
			"source": msg.Source,
			"error":  err,
		}).Debug("Ignoring gossip payload")
		return
	}

	res, err := n.publisher.HandleReceived(n.ctx, ev, msg.Source, n.handleEvent)
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"type":   ev.Type(),
			"source": msg.Source,
			"error":  err,
		}).Error("Handling event")
		return
	}

	n.logger.WithFields(logrus.Fields{
		"type":   ev.Type(),
		"source": msg.Source,
		"result": res,
	}).Debug("Received event")
}

// consumeOperations applies broadcast operations of content this node holds.
func (n *Node) consumeOperations(ch <-chan net.GossipMessage) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			n.processOperation(msg)
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) processOperation(msg net.GossipMessage) {
	var b net.OperationBroadcast
	if err := common.Unmarshal(msg.Data, &b); err != nil {
		n.logger.WithError(err).Debug("Ignoring operation broadcast")
		return
	}

	known, err := n.store.Exists(b.GenesisCID)
	if err != nil {
		n.logger.WithError(err).Error("Exists")
		return
	}
	if !known {
		return
	}

	applied, err := n.store.ApplyOperations([]crdt.SerializedOperation{b.Operation})
	if err != nil {
		n.logger.WithFields(logrus.Fields{
			"content": b.GenesisCID,
			"source":  msg.Source,
			"error":   err,
		}).Debug("Rejected broadcast operation")
		return
	}
	if applied > 0 {
		n.logger.WithField("content", b.GenesisCID).Debug("Applied broadcast operation")
	}
}

// GetStats returns counters for the status endpoint.
func (n *Node) GetStats() map[string]string {
	s := map[string]string{
		"id":          n.self,
		"state":       n.getState().String(),
		"uptime":      time.Since(n.start).Round(time.Second).String(),
		"sync_runs":   strconv.FormatInt(atomic.LoadInt64(&n.syncRuns), 10),
		"sync_errors": strconv.FormatInt(atomic.LoadInt64(&n.syncErrors), 10),
	}

	if nodes, err := n.registry.ListNodes(); err == nil {
		s["nodes"] = strconv.Itoa(len(nodes))
	}
	if cids, err := n.directory.ListContentIDs(); err == nil {
		s["content_networks"] = strconv.Itoa(len(cids))
	}
	if contents, err := n.store.List(); err == nil {
		s["contents"] = strconv.Itoa(len(contents))
	}
	if snap, ok, err := n.registry.GetNode(n.self); err == nil && ok {
		s["total_capacity"] = strconv.FormatUint(snap.TotalCapacity, 10)
		s["available_capacity"] = strconv.FormatUint(snap.AvailableCapacity, 10)
	}
	if stats, err := n.publisher.Stats(); err == nil {
		s["outbox_pending"] = strconv.Itoa(stats.Pending)
		s["outbox_delivered"] = strconv.Itoa(stats.Delivered)
		s["inbox_processed"] = strconv.Itoa(stats.Processed)
	}

	return s
}
