package reliable

import (
	"time"

	cm "github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/kv"
	"github.com/sirupsen/logrus"
)

// ProcessResult tells whether an incoming event was seen before.
type ProcessResult int

const (
	// Processed means the event is new and was recorded.
	Processed ProcessResult = iota
	// AlreadyProcessed means the event was recorded earlier.
	AlreadyProcessed
)

func (r ProcessResult) String() string {
	switch r {
	case Processed:
		return "Processed"
	case AlreadyProcessed:
		return "AlreadyProcessed"
	default:
		return "Unknown"
	}
}

// ProcessedEventRecord is the deduplication witness of an incoming event.
type ProcessedEventRecord struct {
	EventID     string `json:"event_id"`
	ProcessedAt int64  `json:"processed_at"`
	SourceNode  string `json:"source_node"`
}

// Inbox records the ids of processed incoming events.
type Inbox struct {
	store  *kv.Store
	logger *logrus.Entry
}

// NewInbox ...
func NewInbox(store *kv.Store, logger *logrus.Entry) *Inbox {
	return &Inbox{
		store:  store,
		logger: logger,
	}
}

// ProcessReceived checks for and records eventID in a single transaction. Of
// two concurrent calls with the same id, the one whose commit conflicts
// reports AlreadyProcessed.
func (i *Inbox) ProcessReceived(eventID, sourceNode string, at time.Time) (ProcessResult, error) {
	key := kv.Key(kv.InboxPrefix, eventID)

	result := Processed
	err := i.store.Update(func(txn *kv.Txn) error {
		seen, err := kv.HasTx(txn, key)
		if err != nil {
			return err
		}
		if seen {
			result = AlreadyProcessed
			return nil
		}
		return kv.PutTx(txn, key, ProcessedEventRecord{
			EventID:     eventID,
			ProcessedAt: millis(at),
			SourceNode:  sourceNode,
		})
	})
	if cm.IsStore(err, cm.Conflict) {
		return AlreadyProcessed, nil
	}
	if err != nil {
		return Processed, err
	}
	return result, nil
}

// IsProcessed reports whether eventID was recorded.
func (i *Inbox) IsProcessed(eventID string) (bool, error) {
	var seen bool
	err := i.store.View(func(txn *kv.Txn) error {
		var err error
		seen, err = kv.HasTx(txn, kv.Key(kv.InboxPrefix, eventID))
		return err
	})
	return seen, err
}

// Get returns the record of eventID.
func (i *Inbox) Get(eventID string) (*ProcessedEventRecord, bool, error) {
	rec := new(ProcessedEventRecord)
	err := i.store.Get("ProcessedEventRecord", kv.Key(kv.InboxPrefix, eventID), rec)
	if cm.IsStore(err, cm.KeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Forget removes the record of eventID so that a redelivery is processed
// again.
func (i *Inbox) Forget(eventID string) error {
	return i.store.Delete(kv.Key(kv.InboxPrefix, eventID))
}

// Purge deletes records older than retention and returns how many were
// removed.
func (i *Inbox) Purge(now time.Time, retention time.Duration) (int, error) {
	cutoff := millis(now.Add(-retention))

	stale := [][]byte{}
	err := i.store.Scan([]byte(kv.InboxPrefix), func(key, value []byte) error {
		var rec ProcessedEventRecord
		if err := cm.Unmarshal(value, &rec); err != nil || rec.ProcessedAt < cutoff {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(stale), deleteKeys(i.store, stale)
}

// Count returns the number of records.
func (i *Inbox) Count() (int, error) {
	keys, err := i.store.Keys([]byte(kv.InboxPrefix))
	return len(keys), err
}
