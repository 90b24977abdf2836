// Package reliable implements at-least-once delivery of domain events. The
// outbox persists every event with its target nodes before any delivery
// attempt and retries until each target is reached or the retry budget runs
// out. The inbox records processed event ids so that handlers run once per
// event even when gossip delivers it several times.
package reliable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/monas/monas-state-node/src/events"
	"github.com/sirupsen/logrus"
)

// Default values of Config.
const (
	DefaultMaxRetries      = 5
	DefaultRetryInterval   = 5 * time.Second
	DefaultOutboxRetention = 24 * time.Hour
	DefaultInboxRetention  = 7 * 24 * time.Hour
)

// Config controls retries and retention.
type Config struct {
	// MaxRetries is the number of retry sweeps an event may go through before
	// it is dropped.
	MaxRetries int

	// RetryInterval is the minimum time between two attempts for an event.
	RetryInterval time.Duration

	// OutboxRetention is how long delivered events are kept.
	OutboxRetention time.Duration

	// InboxRetention is how long processed event ids are kept.
	InboxRetention time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		MaxRetries:      DefaultMaxRetries,
		RetryInterval:   DefaultRetryInterval,
		OutboxRetention: DefaultOutboxRetention,
		InboxRetention:  DefaultInboxRetention,
	}
}

// Gossip is the part of the peer network used to deliver events.
type Gossip interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// RetryStats summarises one retry sweep.
type RetryStats struct {
	Retried   int
	Delivered int
	Dropped   int
}

// CleanupStats summarises one retention sweep.
type CleanupStats struct {
	OutboxPurged int
	InboxPurged  int
}

// Stats is a snapshot of the outbox and inbox sizes.
type Stats struct {
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Processed int `json:"processed"`
}

// Publisher ties the outbox, the inbox and the gossip network together. It
// does not schedule itself; RetryPending and Cleanup are driven by the node.
type Publisher struct {
	outbox      *Outbox
	inbox       *Inbox
	gossip      Gossip
	localNodeID string
	conf        Config

	// attempts serialises read-modify-write cycles on pending events.
	attempts sync.Mutex

	now    func() time.Time
	logger *logrus.Entry
}

// NewPublisher ...
func NewPublisher(outbox *Outbox, inbox *Inbox, gossip Gossip, localNodeID string, conf Config, logger *logrus.Entry) *Publisher {
	return &Publisher{
		outbox:      outbox,
		inbox:       inbox,
		gossip:      gossip,
		localNodeID: localNodeID,
		conf:        conf,
		now:         time.Now,
		logger:      logger.WithField("component", "publisher"),
	}
}

// SetClock replaces the clock. Used by tests.
func (p *Publisher) SetClock(now func() time.Time) {
	p.now = now
}

// PublishReliably persists ev with its targets and makes a first delivery
// attempt. It returns the outbox id of the event. A failed first attempt is
// not an error: the event stays pending for RetryPending.
func (p *Publisher) PublishReliably(ctx context.Context, ev events.Event, targets []string) (string, error) {
	pe := &PendingEvent{
		ID:               uuid.New().String(),
		Event:            events.Wrap(ev),
		RemainingTargets: dedupe(targets),
		CreatedAt:        millis(p.now()),
	}

	p.attempts.Lock()
	defer p.attempts.Unlock()

	if err := p.outbox.Save(pe); err != nil {
		return "", fmt.Errorf("persisting event: %w", err)
	}

	if _, err := p.attempt(ctx, pe); err != nil {
		return pe.ID, err
	}
	return pe.ID, nil
}

// attempt tries to reach every remaining target of pe, then persists the
// result. It returns true when the event is fully delivered.
func (p *Publisher) attempt(ctx context.Context, pe *PendingEvent) (bool, error) {
	remaining := []string{}
	remote := []string{}
	for _, t := range pe.RemainingTargets {
		if t == p.localNodeID {
			continue
		}
		remote = append(remote, t)
	}

	if len(remote) > 0 {
		if err := p.publish(ctx, pe); err != nil {
			// Gossip reaches every subscriber at once, so a failed publish
			// leaves every remote target pending.
			p.logger.WithFields(logrus.Fields{
				"id":      pe.ID,
				"type":    pe.Event.Type,
				"targets": len(remote),
				"error":   err,
			}).Debug("Publish failed")
			remaining = remote
		}
		// A successful publish counts as delivery to every remote target.
		// There is no per-recipient acknowledgement on gossip.
	}

	pe.RemainingTargets = remaining
	pe.LastAttemptAt = millis(p.now())

	if len(remaining) == 0 {
		if err := p.outbox.MarkDelivered(pe, p.now()); err != nil {
			return false, err
		}
		p.logger.WithFields(logrus.Fields{
			"id":      pe.ID,
			"type":    pe.Event.Type,
			"retries": pe.RetryCount,
		}).Debug("Event delivered")
		return true, nil
	}

	return false, p.outbox.Save(pe)
}

func (p *Publisher) publish(ctx context.Context, pe *PendingEvent) error {
	ev, err := pe.Event.Event()
	if err != nil {
		return err
	}
	data, err := events.Marshal(ev)
	if err != nil {
		return err
	}
	return p.gossip.Publish(ctx, events.Topic(ev.Type()), data)
}

// RetryPending re-attempts every pending event whose last attempt is older
// than the retry interval. Events that already used their retry budget are
// deleted and counted as dropped.
func (p *Publisher) RetryPending(ctx context.Context) (RetryStats, error) {
	stats := RetryStats{}

	p.attempts.Lock()
	defer p.attempts.Unlock()

	due, err := p.outbox.Due(p.now(), p.conf.RetryInterval)
	if err != nil {
		return stats, err
	}

	for _, pe := range due {
		if pe.RetryCount >= p.conf.MaxRetries {
			if err := p.outbox.Delete(pe.ID); err != nil {
				return stats, err
			}
			stats.Dropped++
			p.logger.WithFields(logrus.Fields{
				"id":        pe.ID,
				"type":      pe.Event.Type,
				"retries":   pe.RetryCount,
				"remaining": pe.RemainingTargets,
			}).Warn("Dropping undeliverable event")
			continue
		}

		pe.RetryCount++
		stats.Retried++

		delivered, err := p.attempt(ctx, pe)
		if err != nil {
			return stats, err
		}
		if delivered {
			stats.Delivered++
		}
	}

	if stats.Retried > 0 || stats.Dropped > 0 {
		p.logger.WithFields(logrus.Fields{
			"retried":   stats.Retried,
			"delivered": stats.Delivered,
			"dropped":   stats.Dropped,
		}).Debug("RetryPending")
	}

	return stats, nil
}

// ProcessReceived records an incoming event id. See Inbox.ProcessReceived.
func (p *Publisher) ProcessReceived(eventID, sourceNode string) (ProcessResult, error) {
	return p.inbox.ProcessReceived(eventID, sourceNode, p.now())
}

// HandleReceived runs handler for ev unless its id was already processed. If
// the handler fails, the id is forgotten so that a redelivery is handled
// again.
func (p *Publisher) HandleReceived(ctx context.Context, ev events.Event, sourceNode string, handler func(context.Context, events.Event) error) (ProcessResult, error) {
	id := events.ID(ev)

	res, err := p.ProcessReceived(id, sourceNode)
	if err != nil {
		return res, err
	}
	if res == AlreadyProcessed {
		p.logger.WithFields(logrus.Fields{
			"event_id": id,
			"type":     ev.Type(),
			"source":   sourceNode,
		}).Debug("Duplicate event")
		return res, nil
	}

	if err := handler(ctx, ev); err != nil {
		if ferr := p.inbox.Forget(id); ferr != nil {
			p.logger.WithError(ferr).Error("Forgetting failed event")
		}
		return res, err
	}
	return res, nil
}

// Cleanup purges delivered outbox records and inbox records past their
// retention.
func (p *Publisher) Cleanup() (CleanupStats, error) {
	now := p.now()

	outboxPurged, err := p.outbox.PurgeDelivered(now, p.conf.OutboxRetention)
	if err != nil {
		return CleanupStats{}, err
	}
	inboxPurged, err := p.inbox.Purge(now, p.conf.InboxRetention)
	if err != nil {
		return CleanupStats{OutboxPurged: outboxPurged}, err
	}

	return CleanupStats{
		OutboxPurged: outboxPurged,
		InboxPurged:  inboxPurged,
	}, nil
}

// Stats returns the current outbox and inbox sizes.
func (p *Publisher) Stats() (Stats, error) {
	pending, delivered, err := p.outbox.Counts()
	if err != nil {
		return Stats{}, err
	}
	processed, err := p.inbox.Count()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:   pending,
		Delivered: delivered,
		Processed: processed,
	}, nil
}

// Outbox returns the underlying outbox.
func (p *Publisher) Outbox() *Outbox {
	return p.outbox
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	res := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		res = append(res, id)
	}
	return res
}
