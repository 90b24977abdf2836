// Package crdt is the append-only, content-addressed operation log of every
// content item a node knows about. Operations form a DAG per item; replicas
// holding the same set of operations agree on the item's latest value no
// matter in which order the operations arrived.
package crdt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	cm "github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/crypto"
	"github.com/monas/monas-state-node/src/kv"
	"github.com/sirupsen/logrus"
)

// Store keeps operations in the op/ namespace, with a gen/ index per content
// item and a genesis/ marker for listing.
type Store struct {
	store *kv.Store

	// writes serialises local writers so that an update's parents are the
	// frontier at commit time.
	writes sync.Mutex

	now    func() time.Time
	logger *logrus.Entry
}

// NewStore ...
func NewStore(store *kv.Store, logger *logrus.Entry) *Store {
	return &Store{
		store:  store,
		now:    time.Now,
		logger: logger.WithField("component", "crdt"),
	}
}

// SetClock replaces the clock used to timestamp local operations.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) timestamp() uint64 {
	return uint64(s.now().UnixNano() / int64(time.Millisecond))
}

// Create starts a new content item with data as its first value and returns
// its genesis id.
func (s *Store) Create(data []byte, author string) (string, error) {
	op := &Operation{
		Kind:      Create,
		Payload:   data,
		Author:    author,
		Timestamp: s.timestamp(),
	}

	s.writes.Lock()
	defer s.writes.Unlock()

	id, _, err := s.commit(op)
	if err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"genesis": id,
		"author":  author,
		"size":    len(data),
	}).Debug("Create")

	return id, nil
}

// Update appends a new value to an existing item and returns the id of the
// new version. Its parents are the item's current frontier.
func (s *Store) Update(genesis string, data []byte, author string) (string, error) {
	s.writes.Lock()
	defer s.writes.Unlock()

	d, err := s.loadDAG(genesis)
	if err != nil {
		return "", err
	}
	if len(d.ops) == 0 {
		return "", cm.NewStoreErr("Content", cm.KeyNotFound, genesis)
	}

	op := &Operation{
		Target:    genesis,
		Kind:      Update,
		Payload:   data,
		Author:    author,
		Timestamp: s.timestamp(),
		Parents:   d.heads(),
	}

	id, _, err := s.commit(op)
	if err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"genesis": genesis,
		"version": id,
		"parents": len(op.Parents),
	}).Debug("Update")

	return id, nil
}

func (s *Store) commit(op *Operation) (string, bool, error) {
	data, err := op.Marshal()
	if err != nil {
		return "", false, err
	}
	id := crypto.HashString(data)

	var added bool
	err = s.store.Update(func(txn *kv.Txn) error {
		var err error
		added, err = putOperationTx(txn, id, op.Genesis(id), data)
		return err
	})
	return id, added, err
}

func putOperationTx(txn *kv.Txn, id, genesis string, data []byte) (bool, error) {
	exists, err := kv.HasTx(txn, kv.Key(kv.OperationPrefix, id))
	if err != nil || exists {
		return false, err
	}

	if err := txn.Set(kv.Key(kv.OperationPrefix, id), data); err != nil {
		return false, err
	}
	if err := txn.Set(kv.Key(kv.GenesisOpsPrefix, genesis, id), []byte{}); err != nil {
		return false, err
	}
	if err := txn.Set(kv.Key(kv.GenesisPrefix, genesis), []byte{}); err != nil {
		return false, err
	}
	return true, nil
}

// GetLatest returns the current value of an item. The boolean is false when
// the item is unknown.
func (s *Store) GetLatest(genesis string) ([]byte, bool, error) {
	d, err := s.loadDAG(genesis)
	if err != nil {
		return nil, false, err
	}

	id, ok := d.latest()
	if !ok {
		return nil, false, nil
	}
	return d.ops[id].Payload, true, nil
}

// GetHistory returns the ids of all versions of an item, parents before
// children. The last entry is the sync cursor used when pulling from peers.
// An unknown item has an empty history.
func (s *Store) GetHistory(genesis string) ([]string, error) {
	d, err := s.loadDAG(genesis)
	if err != nil {
		return nil, err
	}
	return d.topological(), nil
}

// GetOperation returns a single operation by id.
func (s *Store) GetOperation(id string) (*Operation, error) {
	var data []byte
	err := s.store.View(func(txn *kv.Txn) error {
		var err error
		data, err = kv.GetRawTx(txn, "Operation", kv.Key(kv.OperationPrefix, id))
		return err
	})
	if err != nil {
		return nil, err
	}

	op := new(Operation)
	if err := op.Unmarshal(data); err != nil {
		return nil, cm.NewStoreErr("Operation", cm.Corrupted, id)
	}
	return op, nil
}

// GetVersion returns the payload written by operation id of item genesis. The
// boolean is false when the operation is unknown or belongs to another item.
func (s *Store) GetVersion(genesis, id string) ([]byte, bool, error) {
	op, err := s.GetOperation(id)
	if cm.IsStore(err, cm.KeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if op.Genesis(id) != genesis {
		return nil, false, nil
	}
	return op.Payload, true, nil
}

// GetSerializedOperation returns a single operation in its wire form, as
// broadcast to peers right after a local write.
func (s *Store) GetSerializedOperation(id string) (SerializedOperation, error) {
	var data []byte
	err := s.store.View(func(txn *kv.Txn) error {
		var err error
		data, err = kv.GetRawTx(txn, "Operation", kv.Key(kv.OperationPrefix, id))
		return err
	})
	if err != nil {
		return SerializedOperation{}, err
	}

	op := new(Operation)
	if err := op.Unmarshal(data); err != nil {
		return SerializedOperation{}, cm.NewStoreErr("Operation", cm.Corrupted, id)
	}

	return SerializedOperation{
		Data:       data,
		GenesisCID: op.Genesis(id),
		Author:     op.Author,
		Timestamp:  op.Timestamp,
	}, nil
}

// GetOperations returns the operations of an item that are not since or one of
// its ancestors, in history order. With an empty or unknown since, every
// operation is returned.
func (s *Store) GetOperations(genesis, since string) ([]SerializedOperation, error) {
	var res []SerializedOperation
	err := s.store.View(func(txn *kv.Txn) error {
		raw, err := loadRawTx(txn, genesis)
		if err != nil {
			return err
		}

		d, err := dagFromRaw(raw)
		if err != nil {
			return err
		}

		known := map[string]bool{}
		if _, ok := d.ops[since]; ok {
			known = d.ancestors(since)
		}

		for _, id := range d.topological() {
			if known[id] {
				continue
			}
			op := d.ops[id]
			res = append(res, SerializedOperation{
				Data:       raw[id],
				GenesisCID: genesis,
				Author:     op.Author,
				Timestamp:  op.Timestamp,
			})
		}
		return nil
	})
	return res, err
}

// ApplyOperations stores operations received from peers and returns how many
// were new. Known operations are skipped silently. Invalid operations are
// skipped and reported in the returned error after the valid ones are stored.
func (s *Store) ApplyOperations(ops []SerializedOperation) (int, error) {
	s.writes.Lock()
	defer s.writes.Unlock()

	applied := 0
	var invalid []string

	err := s.store.Update(func(txn *kv.Txn) error {
		for _, sop := range ops {
			_, id, err := decode(sop)
			if err != nil {
				invalid = append(invalid, err.Error())
				continue
			}

			added, err := putOperationTx(txn, id, sop.GenesisCID, sop.Data)
			if err != nil {
				return err
			}
			if added {
				applied++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if applied > 0 {
		s.logger.WithFields(logrus.Fields{
			"received": len(ops),
			"applied":  applied,
		}).Debug("ApplyOperations")
	}

	if len(invalid) > 0 {
		return applied, fmt.Errorf("%d invalid operations: %s", len(invalid), strings.Join(invalid, "; "))
	}
	return applied, nil
}

// Exists reports whether any operation of the item is known.
func (s *Store) Exists(genesis string) (bool, error) {
	var exists bool
	err := s.store.View(func(txn *kv.Txn) error {
		var err error
		exists, err = kv.HasTx(txn, kv.Key(kv.GenesisPrefix, genesis))
		return err
	})
	return exists, err
}

// List returns the genesis ids of all known items.
func (s *Store) List() ([]string, error) {
	return s.store.Keys([]byte(kv.GenesisPrefix))
}

func (s *Store) loadDAG(genesis string) (*dag, error) {
	var d *dag
	err := s.store.View(func(txn *kv.Txn) error {
		raw, err := loadRawTx(txn, genesis)
		if err != nil {
			return err
		}
		d, err = dagFromRaw(raw)
		return err
	})
	return d, err
}

func loadRawTx(txn *kv.Txn, genesis string) (map[string][]byte, error) {
	prefix := append(kv.Key(kv.GenesisOpsPrefix, genesis), '/')

	ids := []string{}
	err := kv.ScanTx(txn, prefix, func(key, _ []byte) error {
		ids = append(ids, string(key[len(prefix):]))
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw := make(map[string][]byte, len(ids))
	for _, id := range ids {
		data, err := kv.GetRawTx(txn, "Operation", kv.Key(kv.OperationPrefix, id))
		if err != nil {
			return nil, fmt.Errorf("operation indexed but missing: %w", err)
		}
		raw[id] = data
	}
	return raw, nil
}

func dagFromRaw(raw map[string][]byte) (*dag, error) {
	ops := make(map[string]*Operation, len(raw))
	for id, data := range raw {
		op := new(Operation)
		if err := op.Unmarshal(data); err != nil {
			return nil, cm.NewStoreErr("Operation", cm.Corrupted, id)
		}
		ops[id] = op
	}
	return newDAG(ops), nil
}
