package node

import (
	"context"
	"fmt"
	"time"

	"github.com/monas/monas-state-node/src/assignment"
	"github.com/monas/monas-state-node/src/contentsync"
	"github.com/monas/monas-state-node/src/directory"
	"github.com/monas/monas-state-node/src/events"
	"github.com/monas/monas-state-node/src/registry"
	"github.com/sirupsen/logrus"
)

func now() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

// emit applies ev locally, through the inbox so that echoes are ignored, and
// publishes it reliably to targets.
func (n *Node) emit(ctx context.Context, ev events.Event, targets []string) error {
	if _, err := n.publisher.HandleReceived(ctx, ev, n.self, n.handleEvent); err != nil {
		return fmt.Errorf("applying %s locally: %w", ev.Type(), err)
	}

	id, err := n.publisher.PublishReliably(ctx, ev, targets)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", ev.Type(), err)
	}

	n.logger.WithFields(logrus.Fields{
		"type":    ev.Type(),
		"id":      id,
		"targets": len(targets),
	}).Debug("Emitted event")

	return nil
}

// RegisterNode records the local node with the given capacity and announces
// it to the closest known peers.
func (n *Node) RegisterNode(ctx context.Context, capacity uint64) (registry.NodeSnapshot, error) {
	ev := &events.NodeCreated{
		NodeID:            n.self,
		TotalCapacity:     capacity,
		AvailableCapacity: capacity,
		Timestamp:         now(),
	}

	targets := []string{n.self}
	closest, err := n.network.FindClosestPeers(ctx, n.self, n.conf.Replication)
	if err != nil {
		n.logger.WithError(err).Warn("No peers to announce registration to")
	}
	targets = append(targets, closest...)

	if err := n.emit(ctx, ev, targets); err != nil {
		return registry.NodeSnapshot{}, err
	}

	n.logger.WithField("capacity", capacity).Info("Registered node")

	return registry.NodeSnapshot{
		NodeID:            n.self,
		TotalCapacity:     capacity,
		AvailableCapacity: capacity,
	}, nil
}

// CreateContent stores data as a new content item, forms its content network
// and replicates it to the other members.
func (n *Node) CreateContent(ctx context.Context, data []byte) (*events.ContentCreated, error) {
	genesis, err := n.store.Create(data, n.self)
	if err != nil {
		return nil, err
	}

	size := uint64(len(data))
	members := n.selectMembers(ctx, genesis, size)

	ev := &events.ContentCreated{
		ContentID:     genesis,
		CreatorNodeID: n.self,
		ContentSize:   size,
		MemberNodes:   members,
		Timestamp:     now(),
	}

	if err := n.network.Provide(ctx, genesis); err != nil {
		n.logger.WithError(err).Warn("Provide")
	}

	if err := n.emit(ctx, ev, members); err != nil {
		return nil, err
	}

	n.logPush(n.sync.PushToPeers(ctx, genesis))

	n.logger.WithFields(logrus.Fields{
		"content": genesis,
		"size":    size,
		"members": len(members),
	}).Info("Created content")

	return ev, nil
}

// selectMembers returns self and the closest peers that report enough free
// capacity for size bytes. Peers that do not answer are left out.
func (n *Node) selectMembers(ctx context.Context, key string, size uint64) []string {
	members := directory.ContentNetwork{}.Merge(n.self)

	closest, err := n.network.FindClosestPeers(ctx, key, n.conf.Replication)
	if err != nil {
		n.logger.WithError(err).Debug("FindClosestPeers")
		return members.MemberNodes
	}

	for _, p := range closest {
		if p == n.self {
			continue
		}
		resp, err := n.network.QueryCapacity(ctx, p)
		if err != nil {
			n.logger.WithField("peer", p).WithError(err).Debug("QueryCapacity")
			continue
		}
		if resp.AvailableCapacity >= size {
			members = members.Merge(p)
		}
	}

	return members.MemberNodes
}

// UpdateContent writes a new version of a content item the local node is a
// member of.
func (n *Node) UpdateContent(ctx context.Context, genesis string, data []byte) (*events.ContentUpdated, error) {
	network, ok, err := n.directory.GetNetwork(genesis)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownContent
	}
	if !network.HasMember(n.self) {
		return nil, ErrNotMember
	}

	version, err := n.store.Update(genesis, data, n.self)
	if err != nil {
		return nil, err
	}

	n.logPush(n.sync.PushToPeers(ctx, genesis))

	op, err := n.store.GetSerializedOperation(version)
	if err != nil {
		return nil, err
	}
	if err := n.sync.BroadcastOperation(ctx, genesis, op); err != nil {
		n.logger.WithError(err).Debug("BroadcastOperation")
	}

	ev := &events.ContentUpdated{
		ContentID:     genesis,
		UpdatedNodeID: n.self,
		Timestamp:     now(),
	}
	if err := n.emit(ctx, ev, network.MemberNodes); err != nil {
		return nil, err
	}

	n.logger.WithFields(logrus.Fields{
		"content": genesis,
		"version": version,
	}).Info("Updated content")

	return ev, nil
}

// RequestAssignment asks for a content item to replicate given the local
// available capacity. The decision is applied and published to the members of
// the chosen content network.
func (n *Node) RequestAssignment(ctx context.Context) (assignment.AssignmentResponse, error) {
	snap, ok, err := n.registry.GetNode(n.self)
	if err != nil {
		return assignment.AssignmentResponse{}, err
	}
	if !ok {
		return assignment.AssignmentResponse{}, ErrNotRegistered
	}

	req := assignment.AssignmentRequest{
		RequestingNodeID:  n.self,
		AvailableCapacity: snap.AvailableCapacity,
	}

	resp, evs, err := n.assigner.Assign(ctx, req)
	if err != nil {
		return assignment.AssignmentResponse{}, err
	}

	for _, ev := range evs {
		targets := append([]string{n.self}, n.contentPeers(ctx, events.ContentID(ev))...)
		if err := n.emit(ctx, ev, targets); err != nil {
			return resp, err
		}
	}

	n.logger.WithFields(logrus.Fields{
		"available": snap.AvailableCapacity,
		"assigned":  resp.AssignedContentID,
	}).Info("Assignment")

	return resp, nil
}

// AddManager adds nodeID to the network of a known content item.
func (n *Node) AddManager(ctx context.Context, contentID, nodeID string) (*events.ContentNetworkManagerAdded, error) {
	network, ok, err := n.directory.GetNetwork(contentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownContent
	}

	merged := network.Merge(nodeID)
	ev := &events.ContentNetworkManagerAdded{
		ContentID:   contentID,
		AddedNodeID: nodeID,
		MemberNodes: merged.MemberNodes,
		Timestamp:   now(),
	}

	if err := n.emit(ctx, ev, merged.MemberNodes); err != nil {
		return nil, err
	}

	return ev, nil
}

// SyncContent pulls the missing operations of a content item from its
// providers.
func (n *Node) SyncContent(ctx context.Context, contentID string) (contentsync.SyncResult, error) {
	res, err := n.sync.SyncFromPeers(ctx, contentID)
	if err != nil {
		return res, err
	}
	n.countSync(res)
	return res, nil
}

func (n *Node) logPush(res contentsync.PushResult, err error) {
	if err != nil {
		n.logger.WithError(err).Error("PushToPeers")
		return
	}
	for _, e := range res.Errors {
		n.logger.WithField("error", e).Debug("PushToPeers")
	}
}

// contentPeers returns the known members of a content network, or its
// providers when the directory has no record of it.
func (n *Node) contentPeers(ctx context.Context, contentID string) []string {
	network, ok, err := n.directory.GetNetwork(contentID)
	if err != nil {
		n.logger.WithError(err).Error("GetNetwork")
		return nil
	}
	if ok {
		return network.MemberNodes
	}

	providers, err := n.network.FindContentProviders(ctx, contentID)
	if err != nil {
		n.logger.WithError(err).Debug("FindContentProviders")
		return nil
	}
	return providers
}
