package kv

import (
	"fmt"
	"testing"

	cm "github.com/monas/monas-state-node/src/common"
	"github.com/sirupsen/logrus"
)

type record struct {
	Name  string
	Count int
}

func initStore(t *testing.T) *Store {
	store, err := Open(t.TempDir(), false, cm.NewTestEntry(t, logrus.InfoLevel))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetPut(t *testing.T) {
	store := initStore(t)

	var r record
	err := store.Get("record", Key(NodePrefix, "a"), &r)
	if !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound, got %v", err)
	}

	if err := store.Put(Key(NodePrefix, "a"), record{"a", 1}); err != nil {
		t.Fatal(err)
	}
	if err := store.Get("record", Key(NodePrefix, "a"), &r); err != nil {
		t.Fatal(err)
	}
	if r.Name != "a" || r.Count != 1 {
		t.Fatalf("got %#v", r)
	}

	if err := store.Delete(Key(NodePrefix, "a")); err != nil {
		t.Fatal(err)
	}
	if err := store.Get("record", Key(NodePrefix, "a"), &r); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound after delete, got %v", err)
	}
}

func TestScanPrefix(t *testing.T) {
	store := initStore(t)

	for i := 0; i < 5; i++ {
		if err := store.Put(Key(NodePrefix, fmt.Sprintf("n%d", i)), record{Count: i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Put(Key(NetworkPrefix, "other"), record{}); err != nil {
		t.Fatal(err)
	}

	keys, err := store.Keys([]byte(NodePrefix))
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 5 {
		t.Fatalf("expected 5 keys, got %v", keys)
	}
	if keys[0] != "n0" || keys[4] != "n4" {
		t.Fatalf("keys out of order: %v", keys)
	}

	count := 0
	err = store.Scan([]byte(NodePrefix), func(key, value []byte) error {
		count++
		if count == 2 {
			return ErrStopScan
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("scan should have stopped after 2, got %d", count)
	}
}

func TestCapacityKeyOrder(t *testing.T) {
	small := string(CapacityKey(9, "x"))
	big := string(CapacityKey(10, "a"))
	if small >= big {
		t.Fatalf("capacity keys should sort numerically: %s >= %s", small, big)
	}
	if string(CapacityKey(255, "c")) != CapacityPrefix+"00000000000000ff:c" {
		t.Fatalf("unexpected key %s", CapacityKey(255, "c"))
	}
}
