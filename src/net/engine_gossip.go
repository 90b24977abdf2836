package net

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/crdt"
	"github.com/monas/monas-state-node/src/peers"
	"github.com/sirupsen/logrus"
)

// Publish implements PeerNetwork. The message is flooded to every known peer
// and relayed by them until its TTL runs out. It succeeds when at least one
// peer took it; nothing is known about the others.
func (e *Engine) Publish(ctx context.Context, topic string, data []byte) error {
	msg := &GossipRequest{
		From:      e.self,
		MessageID: uuid.New().String(),
		Origin:    e.self.ID,
		Topic:     topic,
		Data:      data,
		TTL:       e.conf.GossipTTL,
	}

	var targets []peers.Peer
	if err := e.do(ctx, func() {
		e.seen[msg.MessageID] = time.Now()
		targets = e.gossipTargets()
	}); err != nil {
		return err
	}

	if len(targets) == 0 {
		return ErrInsufficientPeers
	}

	sent, err := e.send(ctx, msg, targets)
	if sent == 0 {
		return err
	}
	return nil
}

// Subscribe implements PeerNetwork. The channel is closed on Shutdown.
func (e *Engine) Subscribe(topic string) (<-chan GossipMessage, error) {
	ch := make(chan GossipMessage, e.conf.SubscriptionBuffer)
	if err := e.do(context.Background(), func() {
		e.subs[topic] = append(e.subs[topic], ch)
	}); err != nil {
		return nil, err
	}
	return ch, nil
}

// BroadcastOperation implements PeerNetwork by publishing op on
// OperationsTopic.
func (e *Engine) BroadcastOperation(ctx context.Context, genesisCID string, op crdt.SerializedOperation) error {
	data, err := common.Marshal(OperationBroadcast{
		GenesisCID: genesisCID,
		Operation:  op,
	})
	if err != nil {
		return err
	}
	return e.Publish(ctx, OperationsTopic, data)
}

// forward relays a gossip message received from another node.
func (e *Engine) forward(msg *GossipRequest, targets []peers.Peer) {
	if len(targets) == 0 {
		return
	}
	if _, err := e.send(context.Background(), msg, targets); err != nil {
		e.logger.WithFields(logrus.Fields{
			"message": msg.MessageID,
			"error":   err,
		}).Debug("Gossip relay failed")
	}
}

// send delivers msg to all targets concurrently and returns how many took
// it, with the last error.
func (e *Engine) send(ctx context.Context, msg *GossipRequest, targets []peers.Peer) (int, error) {
	var (
		mu      sync.Mutex
		sent    int
		lastErr error
		wg      sync.WaitGroup
	)

	for _, p := range targets {
		wg.Add(1)
		go func(p peers.Peer) {
			defer wg.Done()

			var out GossipResponse
			err := e.call(ctx, func() error {
				return e.trans.Gossip(p.NetAddr, msg, &out)
			})
			if err != nil {
				e.reportFailure(p, err)
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			e.reportSuccess(p)

			mu.Lock()
			sent++
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	return sent, lastErr
}

// gossipTargets returns the known peers except the given ids. Loop only.
func (e *Engine) gossipTargets(except ...string) []peers.Peer {
	targets := e.table.All()
	for _, id := range except {
		targets = peers.ExcludePeer(targets, id)
	}
	return targets
}

// deliver hands msg to the subscribers of its topic, dropping it for those
// whose buffer is full. Loop only.
func (e *Engine) deliver(msg GossipMessage) {
	for _, ch := range e.subs[msg.Topic] {
		select {
		case ch <- msg:
		default:
			e.logger.WithFields(logrus.Fields{
				"topic":  msg.Topic,
				"source": msg.Source,
			}).Warn("Subscriber too slow, gossip message dropped")
		}
	}
}

// pruneSeen forgets message ids older than SeenTTL. Loop only.
func (e *Engine) pruneSeen(now time.Time) {
	for id, at := range e.seen {
		if now.Sub(at) > e.conf.SeenTTL {
			delete(e.seen, id)
		}
	}
}

func (e *Engine) closeSubscriptions() {
	for topic, chs := range e.subs {
		for _, ch := range chs {
			close(ch)
		}
		delete(e.subs, topic)
	}
}
