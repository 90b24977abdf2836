// Package kv wraps the embedded badger database shared by all durable stores
// of a node. Each store owns a key prefix; values are canonical JSON.
package kv

import (
	"bytes"
	"errors"

	cm "github.com/monas/monas-state-node/src/common"
	"github.com/sirupsen/logrus"
)

// Store is a badger database handle plus the encoding helpers used by the
// registry, directory, operation log, outbox and inbox.
type Store struct {
	db     *db
	path   string
	logger *logrus.Entry
}

// Open opens an existing database or creates a new one in path. With
// syncWrites set, every commit is fsynced before returning.
func Open(path string, syncWrites bool, logger *logrus.Entry) (*Store, error) {
	handle, err := openDB(path, syncWrites, logger)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:     handle,
		path:   path,
		logger: logger,
	}, nil
}

// Path returns the database directory.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(txn *Txn) error) error {
	return s.db.View(fn)
}

// Update runs fn in a read-write transaction and commits it. A commit that
// lost a race against a concurrent transaction returns a Conflict StoreErr.
func (s *Store) Update(fn func(txn *Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, errConflict) {
		return cm.NewStoreErr("Txn", cm.Conflict, "")
	}
	return err
}

// Get decodes the value stored under key into out. A missing key returns a
// KeyNotFound StoreErr tagged with dataType.
func (s *Store) Get(dataType string, key []byte, out interface{}) error {
	return s.View(func(txn *Txn) error {
		return GetTx(txn, dataType, key, out)
	})
}

// Put encodes v and stores it under key.
func (s *Store) Put(key []byte, v interface{}) error {
	return s.Update(func(txn *Txn) error {
		return PutTx(txn, key, v)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key []byte) error {
	return s.Update(func(txn *Txn) error {
		return txn.Delete(key)
	})
}

// Scan calls fn for every key with the given prefix, in key order. Returning
// ErrStopScan from fn ends the scan without error.
func (s *Store) Scan(prefix []byte, fn func(key, value []byte) error) error {
	return s.View(func(txn *Txn) error {
		return ScanTx(txn, prefix, fn)
	})
}

// Keys returns every key with the given prefix, with the prefix stripped.
func (s *Store) Keys(prefix []byte) ([]string, error) {
	res := []string{}
	err := s.View(func(txn *Txn) error {
		it := newIterator(txn, true)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			res = append(res, string(k[len(prefix):]))
		}
		return nil
	})
	return res, err
}

// ErrStopScan ends a Scan early.
var ErrStopScan = errors.New("stop scan")

// GetTx is Get inside an existing transaction.
func GetTx(txn *Txn, dataType string, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return mapError(err, dataType, string(key))
	}

	val, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}

	if err := cm.Unmarshal(val, out); err != nil {
		return cm.NewStoreErr(dataType, cm.Corrupted, string(key))
	}
	return nil
}

// GetRawTx returns the undecoded value stored under key.
func GetRawTx(txn *Txn, dataType string, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, mapError(err, dataType, string(key))
	}
	return item.ValueCopy(nil)
}

// HasTx reports whether key exists.
func HasTx(txn *Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err == nil {
		return true, nil
	}
	if isDBKeyNotFound(err) {
		return false, nil
	}
	return false, err
}

// PutTx is Put inside an existing transaction.
func PutTx(txn *Txn, key []byte, v interface{}) error {
	val, err := cm.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, val)
}

// ScanTx is Scan inside an existing transaction.
func ScanTx(txn *Txn, prefix []byte, fn func(key, value []byte) error) error {
	it := newIterator(txn, false)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}

// ScanRangeTx iterates keys in [prefix+from, prefix+to) in key order.
func ScanRangeTx(txn *Txn, prefix, from, to []byte, fn func(key, value []byte) error) error {
	start := append(append([]byte{}, prefix...), from...)
	end := append(append([]byte{}, prefix...), to...)

	it := newIterator(txn, false)
	defer it.Close()

	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if bytes.Compare(item.Key(), end) >= 0 {
			break
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}

func isDBKeyNotFound(err error) bool {
	return errors.Is(err, errKeyNotFound)
}

func mapError(err error, name, key string) error {
	if err != nil {
		if isDBKeyNotFound(err) {
			return cm.NewStoreErr(name, cm.KeyNotFound, key)
		}
	}
	return err
}
