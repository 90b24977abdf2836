package reliable

import (
	"time"

	cm "github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/events"
	"github.com/monas/monas-state-node/src/kv"
	"github.com/sirupsen/logrus"
)

// PendingEvent is an event queued for delivery to a set of nodes. Times are
// milliseconds since the epoch; LastAttemptAt is 0 until the first attempt.
type PendingEvent struct {
	ID               string          `json:"id"`
	Event            events.Envelope `json:"event"`
	RemainingTargets []string        `json:"remaining_targets"`
	CreatedAt        int64           `json:"created_at"`
	RetryCount       int             `json:"retry_count"`
	LastAttemptAt    int64           `json:"last_attempt_at"`
}

// lastActivity is the reference time for the retry interval.
func (p *PendingEvent) lastActivity() int64 {
	if p.LastAttemptAt > 0 {
		return p.LastAttemptAt
	}
	return p.CreatedAt
}

// DeliveredEvent is the audit record of an event whose targets were all
// reached.
type DeliveredEvent struct {
	ID          string          `json:"id"`
	Event       events.Envelope `json:"event"`
	CreatedAt   int64           `json:"created_at"`
	DeliveredAt int64           `json:"delivered_at"`
	RetryCount  int             `json:"retry_count"`
}

// Outbox persists pending and delivered events in separate namespaces.
type Outbox struct {
	store  *kv.Store
	logger *logrus.Entry
}

// NewOutbox ...
func NewOutbox(store *kv.Store, logger *logrus.Entry) *Outbox {
	return &Outbox{
		store:  store,
		logger: logger,
	}
}

// Save writes a pending event.
func (o *Outbox) Save(pe *PendingEvent) error {
	return o.store.Put(kv.Key(kv.OutboxPendingPrefix, pe.ID), pe)
}

// Get returns a pending event. The boolean is false once the event left the
// pending namespace.
func (o *Outbox) Get(id string) (*PendingEvent, bool, error) {
	pe := new(PendingEvent)
	err := o.store.Get("PendingEvent", kv.Key(kv.OutboxPendingPrefix, id), pe)
	if cm.IsStore(err, cm.KeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return pe, true, nil
}

// Delete removes a pending event.
func (o *Outbox) Delete(id string) error {
	return o.store.Delete(kv.Key(kv.OutboxPendingPrefix, id))
}

// MarkDelivered moves a pending event to the delivered namespace in one
// transaction.
func (o *Outbox) MarkDelivered(pe *PendingEvent, at time.Time) error {
	rec := DeliveredEvent{
		ID:          pe.ID,
		Event:       pe.Event,
		CreatedAt:   pe.CreatedAt,
		DeliveredAt: millis(at),
		RetryCount:  pe.RetryCount,
	}
	return o.store.Update(func(txn *kv.Txn) error {
		if err := txn.Delete(kv.Key(kv.OutboxPendingPrefix, pe.ID)); err != nil {
			return err
		}
		return kv.PutTx(txn, kv.Key(kv.OutboxDeliveredPrefix, pe.ID), rec)
	})
}

// GetDelivered returns the delivered record of an event.
func (o *Outbox) GetDelivered(id string) (*DeliveredEvent, bool, error) {
	rec := new(DeliveredEvent)
	err := o.store.Get("DeliveredEvent", kv.Key(kv.OutboxDeliveredPrefix, id), rec)
	if cm.IsStore(err, cm.KeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Pending returns every pending event.
func (o *Outbox) Pending() ([]*PendingEvent, error) {
	return o.pendingWhere(func(*PendingEvent) bool { return true })
}

// Due returns the pending events whose last attempt, or creation if never
// attempted, is at least interval old.
func (o *Outbox) Due(now time.Time, interval time.Duration) ([]*PendingEvent, error) {
	cutoff := millis(now.Add(-interval))
	return o.pendingWhere(func(pe *PendingEvent) bool {
		return pe.lastActivity() <= cutoff
	})
}

func (o *Outbox) pendingWhere(keep func(*PendingEvent) bool) ([]*PendingEvent, error) {
	res := []*PendingEvent{}
	err := o.store.Scan([]byte(kv.OutboxPendingPrefix), func(key, value []byte) error {
		pe := new(PendingEvent)
		if err := cm.Unmarshal(value, pe); err != nil {
			o.logger.WithField("key", string(key)).Warn("Skipping corrupted pending event")
			return nil
		}
		if keep(pe) {
			res = append(res, pe)
		}
		return nil
	})
	return res, err
}

// PurgeDelivered deletes delivered records older than retention and returns
// how many were removed.
func (o *Outbox) PurgeDelivered(now time.Time, retention time.Duration) (int, error) {
	cutoff := millis(now.Add(-retention))

	stale := [][]byte{}
	err := o.store.Scan([]byte(kv.OutboxDeliveredPrefix), func(key, value []byte) error {
		var rec DeliveredEvent
		if err := cm.Unmarshal(value, &rec); err != nil || rec.DeliveredAt < cutoff {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(stale), deleteKeys(o.store, stale)
}

// Counts returns the number of pending and delivered events.
func (o *Outbox) Counts() (pending, delivered int, err error) {
	p, err := o.store.Keys([]byte(kv.OutboxPendingPrefix))
	if err != nil {
		return 0, 0, err
	}
	d, err := o.store.Keys([]byte(kv.OutboxDeliveredPrefix))
	if err != nil {
		return 0, 0, err
	}
	return len(p), len(d), nil
}

func deleteKeys(store *kv.Store, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	return store.Update(func(txn *kv.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
