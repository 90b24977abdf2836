//go:build mobile
// +build mobile

package kv

/*

Same as db.go but backed by a fork of badger that does not acquire a directory
lock, which fails on Android 6 and below because of an SELinux bug.

*/

import (
	"github.com/jonknight73/badger"
	badger_options "github.com/jonknight73/badger/options"
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
		WithTruncate(true).
		WithTableLoadingMode(badger_options.FileIO).
		WithValueLogLoadingMode(badger_options.FileIO)

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
