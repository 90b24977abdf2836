package statenode

import (
	"context"
	"fmt"
	"sync"

	"github.com/monas/monas-state-node/src/config"
	"github.com/monas/monas-state-node/src/crdt"
	"github.com/monas/monas-state-node/src/crypto/keys"
	"github.com/monas/monas-state-node/src/directory"
	"github.com/monas/monas-state-node/src/kv"
	"github.com/monas/monas-state-node/src/net"
	"github.com/monas/monas-state-node/src/net/signal/wamp"
	"github.com/monas/monas-state-node/src/node"
	"github.com/monas/monas-state-node/src/peers"
	"github.com/monas/monas-state-node/src/registry"
	"github.com/monas/monas-state-node/src/reliable"
	"github.com/monas/monas-state-node/src/service"
	"github.com/sirupsen/logrus"
)

// StateNode is a configured state node with all its components: the
// database, the transport and peer network engine, the reliable publisher,
// the node itself and the optional HTTP service.
type StateNode struct {
	Config    *config.Config
	Store     *kv.Store
	Transport net.Transport
	Engine    *net.Engine
	Publisher *reliable.Publisher
	Node      *node.Node
	Service   *service.Service

	nodeID     string
	logger     *logrus.Entry
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

// NewStateNode ...
func NewStateNode(c *config.Config) *StateNode {
	return &StateNode{
		Config:     c,
		shutdownCh: make(chan struct{}),
	}
}

// Init builds every component from the configuration. Nothing runs yet.
func (s *StateNode) Init() error {
	s.logger = s.Config.Logger()

	if err := s.initKey(); err != nil {
		return err
	}

	if err := s.initStore(); err != nil {
		return err
	}

	if err := s.initTransport(); err != nil {
		return err
	}

	s.initEngine()
	s.initNode()
	s.initService()

	return nil
}

func (s *StateNode) initKey() error {
	if s.Config.Key == nil {
		key, created, err := keys.NewKeyfile(s.Config.Keyfile()).LoadOrGenerate()
		if err != nil {
			return fmt.Errorf("loading private key: %w", err)
		}
		if created {
			s.logger.WithField("path", s.Config.Keyfile()).Info("Created a new key")
		}
		s.Config.Key = key
	}

	s.nodeID = s.Config.NodeID
	if s.nodeID == "" {
		s.nodeID = keys.NodeID(s.Config.Key)
	}
	s.nodeID = peers.NormalizeID(s.nodeID)

	s.logger = s.logger.WithField("id", s.nodeID)
	return nil
}

func (s *StateNode) initStore() error {
	path := s.Config.DatabaseDir()

	s.logger.WithField("path", path).Debug("Opening database")

	store, err := kv.Open(path, true, s.logger)
	if err != nil {
		return err
	}

	s.Store = store
	return nil
}

func (s *StateNode) initTransport() error {
	var (
		trans net.Transport
		err   error
	)

	switch s.Config.Transport {
	case config.TCPTransport:
		trans, err = net.NewTCPTransport(
			s.Config.BindAddr,
			s.Config.AdvertiseAddr,
			s.Config.MaxPool,
			s.Config.TCPTimeout,
			s.logger,
		)
	case config.WebRTCTransport:
		var signal *wamp.Client
		signal, err = wamp.NewClient(
			s.Config.SignalAddr,
			s.Config.SignalRealm,
			s.nodeID,
			s.Config.CertFile(),
			s.Config.SignalSkipVerify,
			s.Config.TCPTimeout,
			s.logger,
		)
		if err != nil {
			return err
		}
		trans, err = net.NewWebRTCTransport(
			signal,
			s.Config.ICEServers(),
			s.Config.MaxPool,
			s.Config.TCPTimeout,
			s.logger,
		)
	case config.InmemTransport:
		_, trans = net.NewInmemTransport("", s.Config.TCPTimeout)
	default:
		return fmt.Errorf("unknown transport %q", s.Config.Transport)
	}

	if err != nil {
		return err
	}

	s.Transport = trans
	return nil
}

func (s *StateNode) initEngine() {
	conf := net.DefaultEngineConfig()
	if s.Config.GossipTTL > 0 {
		conf.GossipTTL = s.Config.GossipTTL
	}

	s.Engine = net.NewEngine(
		peers.NewPeer(s.nodeID, ""),
		s.Transport,
		conf,
		s.logger,
	)
}

func (s *StateNode) initNode() {
	pubConf := reliable.Config{
		MaxRetries:      s.Config.MaxRetries,
		RetryInterval:   s.Config.RetryInterval,
		OutboxRetention: s.Config.OutboxRetention,
		InboxRetention:  s.Config.InboxRetention,
	}

	s.Publisher = reliable.NewPublisher(
		reliable.NewOutbox(s.Store, s.logger),
		reliable.NewInbox(s.Store, s.logger),
		s.Engine,
		s.nodeID,
		pubConf,
		s.logger,
	)

	nodeConf := &node.Config{
		Replication:        s.Config.Replication,
		SyncInterval:       s.Config.SyncInterval,
		RetrySweepInterval: s.Config.RetrySweep,
		CleanupInterval:    s.Config.CleanupInterval,
	}

	s.Node = node.NewNode(
		nodeConf,
		registry.NewRegistry(s.Store, s.logger),
		directory.NewDirectory(s.Store, s.logger),
		crdt.NewStore(s.Store, s.logger),
		s.Engine,
		s.Publisher,
		s.logger,
	)

	s.Engine.SetRequestHandler(s.Node)
}

func (s *StateNode) initService() {
	if !s.Config.NoService {
		s.Service = service.NewService(s.Config.ServiceAddr, s.Node, s.logger)
	}
}

// RunAsync starts the engine and the node, joins the network and registers
// the node when a capacity is configured. It does not block.
func (s *StateNode) RunAsync(ctx context.Context) error {
	s.Engine.RunAsync()

	if err := s.Node.Run(); err != nil {
		return err
	}

	if err := s.bootstrap(ctx); err != nil {
		s.logger.WithError(err).Warn("Bootstrap")
	}

	if err := s.register(ctx); err != nil {
		return err
	}

	if s.Service != nil {
		go s.Service.Serve()
	}

	s.logger.WithFields(logrus.Fields{
		"transport": s.Config.Transport,
		"addr":      s.Engine.Self().NetAddr,
	}).Info("State node running")

	return nil
}

// Run calls RunAsync and blocks until Shutdown.
func (s *StateNode) Run(ctx context.Context) error {
	if err := s.RunAsync(ctx); err != nil {
		return err
	}
	<-s.shutdownCh
	return nil
}

// bootstrap contacts the configured addresses and the peers saved in
// peers.json.
func (s *StateNode) bootstrap(ctx context.Context) error {
	saved, err := peers.NewJSONPeers(s.Config.DataDir).Peers()
	if err != nil {
		s.logger.WithError(err).Warn("Reading peers.json")
	}

	saved = peers.ExcludePeer(saved, s.nodeID)
	if len(saved) > 0 {
		if err := s.Engine.AddPeers(ctx, saved); err != nil {
			return err
		}
	}

	addrs := append([]string{}, s.Config.Bootstrap...)
	for _, p := range saved {
		addrs = append(addrs, p.NetAddr)
	}

	return s.Engine.Bootstrap(ctx, addrs)
}

func (s *StateNode) register(ctx context.Context) error {
	if s.Config.Capacity == 0 {
		return nil
	}

	total, _, err := s.Node.LocalCapacity()
	if err != nil {
		return err
	}
	if total == s.Config.Capacity {
		return nil
	}

	_, err = s.Node.RegisterNode(ctx, s.Config.Capacity)
	return err
}

// Shutdown stops every component and saves the known peers to peers.json.
func (s *StateNode) Shutdown() {
	s.closeOnce.Do(func() {
		s.logger.Info("Shutting down")

		if s.Service != nil {
			s.Service.Shutdown()
		}

		s.Node.Shutdown()

		if known, err := s.Engine.KnownPeers(context.Background()); err == nil && len(known) > 0 {
			if err := peers.NewJSONPeers(s.Config.DataDir).Write(known); err != nil {
				s.logger.WithError(err).Warn("Saving peers.json")
			}
		}

		s.Engine.Shutdown()

		if err := s.Store.Close(); err != nil {
			s.logger.WithError(err).Error("Closing database")
		}

		close(s.shutdownCh)
	})
}
