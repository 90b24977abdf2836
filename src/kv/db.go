//go:build !mobile
// +build !mobile

package kv

import (
	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"
)

// Txn is a badger transaction.
type Txn = badger.Txn

// Iterator is a badger iterator.
type Iterator = badger.Iterator

var (
	errKeyNotFound = badger.ErrKeyNotFound
	errConflict    = badger.ErrConflict
)

type db = badger.DB

func openDB(path string, syncWrites bool, logger *logrus.Entry) (*db, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(syncWrites).
		WithTruncate(true)

	if logger != nil {
		opts = opts.WithLogger(logger.WithField("ns", "badger"))
	}

	return badger.Open(opts)
}

func newIterator(txn *Txn, keysOnly bool) *Iterator {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = !keysOnly
	return txn.NewIterator(opts)
}
