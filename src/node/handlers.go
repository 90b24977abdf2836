package node

import (
	"context"
	"fmt"

	"github.com/monas/monas-state-node/src/directory"
	"github.com/monas/monas-state-node/src/events"
	"github.com/monas/monas-state-node/src/registry"
	"github.com/sirupsen/logrus"
)

// handleEvent applies an event to the local stores. It is called once per
// event id, for local and remote events alike. An error makes the inbox
// forget the event so that a redelivery is processed again.
func (n *Node) handleEvent(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case *events.NodeCreated:
		return n.onNodeCreated(e)
	case *events.ContentCreated:
		return n.onContentCreated(e)
	case *events.ContentUpdated:
		return n.onContentUpdated(e)
	case *events.AssignmentDecided:
		return n.onAssignmentDecided(e)
	case *events.ContentNetworkManagerAdded:
		return n.onManagerAdded(e)
	case *events.ContentSyncRequested:
		return n.onSyncRequested(e)
	default:
		return fmt.Errorf("unhandled event type %T", ev)
	}
}

func (n *Node) onNodeCreated(e *events.NodeCreated) error {
	return n.registry.UpsertNode(registry.NodeSnapshot{
		NodeID:            e.NodeID,
		TotalCapacity:     e.TotalCapacity,
		AvailableCapacity: e.AvailableCapacity,
	})
}

func (n *Node) onContentCreated(e *events.ContentCreated) error {
	network, err := n.directory.SaveNetwork(directory.ContentNetwork{
		ContentID:   e.ContentID,
		MemberNodes: e.MemberNodes,
	})
	if err != nil {
		return err
	}

	if err := n.directory.IndexByCapacity(e.ContentID, e.ContentSize); err != nil {
		return err
	}

	if network.HasMember(n.self) {
		if err := n.allocate(e.ContentSize); err != nil {
			return err
		}
		if e.CreatorNodeID != n.self {
			n.replicate(e.ContentID)
		}
	}

	return nil
}

func (n *Node) onContentUpdated(e *events.ContentUpdated) error {
	network, err := n.directory.SaveNetwork(directory.ContentNetwork{ContentID: e.ContentID})
	if err != nil {
		return err
	}

	if network.HasMember(n.self) && e.UpdatedNodeID != n.self {
		n.replicate(e.ContentID)
	}

	return nil
}

func (n *Node) onAssignmentDecided(e *events.AssignmentDecided) error {
	network, err := n.directory.AddMember(e.ContentID, e.AssignedNodeID)
	if err != nil {
		return err
	}

	if e.AssignedNodeID != n.self {
		return nil
	}

	required, ok, err := n.directory.RequiredCapacity(e.ContentID)
	if err != nil {
		return err
	}
	if ok {
		if err := n.allocate(required); err != nil {
			return err
		}
	}

	source := syncSource(network, e.AssigningNodeID, n.self)

	n.spawn(func() {
		n.syncAndProvide(e.ContentID)

		if source == "" {
			return
		}
		req := &events.ContentSyncRequested{
			ContentID:        e.ContentID,
			RequestingNodeID: n.self,
			SourceNodeID:     source,
			Timestamp:        now(),
		}
		if _, err := n.publisher.PublishReliably(n.ctx, req, []string{source}); err != nil {
			n.logger.WithError(err).Error("Requesting sync")
		}
	})

	return nil
}

// syncSource picks the node asked to push an assigned content item: the
// assigning node when it is a member, otherwise the first other member.
func syncSource(network directory.ContentNetwork, assigning, self string) string {
	if assigning != self && network.HasMember(assigning) {
		return assigning
	}
	for _, m := range network.MemberNodes {
		if m != self {
			return m
		}
	}
	return ""
}

func (n *Node) onManagerAdded(e *events.ContentNetworkManagerAdded) error {
	network, err := n.directory.SaveNetwork(directory.ContentNetwork{
		ContentID:   e.ContentID,
		MemberNodes: e.MemberNodes,
	}.Merge(e.AddedNodeID))
	if err != nil {
		return err
	}

	if e.AddedNodeID == n.self && network.HasMember(n.self) {
		n.replicate(e.ContentID)
	}

	return nil
}

func (n *Node) onSyncRequested(e *events.ContentSyncRequested) error {
	if e.SourceNodeID != n.self {
		return nil
	}

	if _, err := n.directory.AddMember(e.ContentID, e.RequestingNodeID); err != nil {
		return err
	}

	n.spawn(func() {
		n.logPush(n.sync.PushToPeers(n.ctx, e.ContentID))
	})

	return nil
}

// replicate pulls a content item in the background and announces the local
// node as a provider once it holds it.
func (n *Node) replicate(contentID string) {
	n.spawn(func() { n.syncAndProvide(contentID) })
}

func (n *Node) syncAndProvide(contentID string) {
	res, err := n.SyncContent(n.ctx, contentID)
	if err != nil {
		n.logger.WithError(err).Error("SyncContent")
		return
	}

	n.logger.WithFields(logrus.Fields{
		"content":   contentID,
		"applied":   res.OperationsApplied,
		"providers": res.ProvidersContacted,
		"errors":    len(res.Errors),
	}).Debug("Replicate")

	exists, err := n.store.Exists(contentID)
	if err != nil || !exists {
		return
	}
	if err := n.network.Provide(n.ctx, contentID); err != nil {
		n.logger.WithError(err).Debug("Provide")
	}
}

// spawn runs f in the background unless the node is shutting down. When too
// many goroutines are running, f is dropped; the periodic sync catches up.
func (n *Node) spawn(f func()) {
	if n.getState() == Shutdown {
		return
	}
	if !n.goFunc(f) {
		n.logger.Debug("Too many background tasks, deferring to periodic sync")
	}
}

// allocate subtracts size from the local available capacity, saturating at
// zero. Nothing is recorded before the node is registered.
func (n *Node) allocate(size uint64) error {
	n.capacityLock.Lock()
	defer n.capacityLock.Unlock()

	snap, ok, err := n.registry.GetNode(n.self)
	if err != nil || !ok {
		return err
	}

	if size > snap.AvailableCapacity {
		snap.AvailableCapacity = 0
	} else {
		snap.AvailableCapacity -= size
	}

	if err := n.registry.UpsertNode(snap); err != nil {
		return err
	}

	n.spawn(n.announceCapacity)
	return nil
}

// announceCapacity republishes the local snapshot to the closest peers so
// that their registries follow allocations. The local registry is already
// current, so the announcement is only marked as seen here. Peers may still
// apply two announcements out of order.
func (n *Node) announceCapacity() {
	n.capacityLock.Lock()
	snap, ok, err := n.registry.GetNode(n.self)
	if err != nil || !ok {
		n.capacityLock.Unlock()
		return
	}
	ts := now()
	if ts <= n.lastAnnounced {
		ts = n.lastAnnounced + 1
	}
	n.lastAnnounced = ts
	n.capacityLock.Unlock()

	ev := &events.NodeCreated{
		NodeID:            snap.NodeID,
		TotalCapacity:     snap.TotalCapacity,
		AvailableCapacity: snap.AvailableCapacity,
		Timestamp:         ts,
	}

	seen := func(context.Context, events.Event) error { return nil }
	if _, err := n.publisher.HandleReceived(n.ctx, ev, n.self, seen); err != nil {
		n.logger.WithError(err).Error("Marking capacity announcement")
		return
	}

	closest, err := n.network.FindClosestPeers(n.ctx, n.self, n.conf.Replication)
	if err != nil {
		n.logger.WithError(err).Debug("No peers to announce capacity to")
		return
	}
	targets := make([]string, 0, len(closest))
	for _, p := range closest {
		if p != n.self {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return
	}

	if _, err := n.publisher.PublishReliably(n.ctx, ev, targets); err != nil {
		n.logger.WithError(err).Warn("Announcing capacity")
		return
	}

	n.logger.WithField("available", snap.AvailableCapacity).Debug("Announced capacity")
}
