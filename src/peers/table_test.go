package peers

import (
	"bytes"
	"fmt"
	"testing"
)

func TestTableAdd(t *testing.T) {
	table := NewTable("self", 2)

	if table.Add(Peer{ID: "self", NetAddr: "x"}) {
		t.Fatal("self should not be added")
	}
	if table.Add(Peer{ID: "a"}) {
		t.Fatal("peers without address should not be added")
	}
	if !table.Add(Peer{ID: "a", NetAddr: "addr1"}) {
		t.Fatal("a should be new")
	}
	if table.Add(Peer{ID: "a", NetAddr: "addr2"}) {
		t.Fatal("a should not be new twice")
	}

	p, ok := table.Get("a")
	if !ok || p.NetAddr != "addr2" {
		t.Fatalf("address should be refreshed, got %#v", p)
	}
}

func TestTableEviction(t *testing.T) {
	table := NewTable("self", 2)
	table.Add(Peer{ID: "a", NetAddr: "addr"})

	if table.RecordFailure("a") {
		t.Fatal("one failure should not evict")
	}
	table.RecordSuccess("a")
	if table.RecordFailure("a") {
		t.Fatal("success should reset the failure count")
	}
	if !table.RecordFailure("a") {
		t.Fatal("second consecutive failure should evict")
	}
	if table.Len() != 0 {
		t.Fatalf("table should be empty, has %d", table.Len())
	}
}

func TestClosest(t *testing.T) {
	table := NewTable("self", 0)
	for i := 0; i < 10; i++ {
		table.Add(Peer{ID: fmt.Sprintf("node%d", i), NetAddr: fmt.Sprintf("addr%d", i)})
	}

	closest := table.Closest("content", 3)
	if len(closest) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(closest))
	}

	for i := 1; i < len(closest); i++ {
		prev := Distance(closest[i-1].ID, "content")
		cur := Distance(closest[i].ID, "content")
		if bytes.Compare(prev, cur) > 0 {
			t.Fatalf("peers not sorted by distance")
		}
	}

	all := table.Closest("content", 0)
	if len(all) != 10 {
		t.Fatalf("expected all 10 peers, got %d", len(all))
	}
	for _, p := range all[3:] {
		if bytes.Compare(Distance(p.ID, "content"), Distance(closest[2].ID, "content")) < 0 {
			t.Fatalf("%s is closer than the selected peers", p.ID)
		}
	}
}

func TestJSONPeers(t *testing.T) {
	dir := t.TempDir()
	store := NewJSONPeers(dir)

	list, err := store.Peers()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("missing file should yield no peers")
	}

	in := []Peer{NewPeer("0xabc", "127.0.0.1:1337"), NewPeer("0XDEF", "127.0.0.1:1338")}
	if err := store.Write(in); err != nil {
		t.Fatal(err)
	}

	out, err := store.Peers()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].ID != "0XABC" || out[1].NetAddr != "127.0.0.1:1338" {
		t.Fatalf("unexpected peers %#v", out)
	}
}
