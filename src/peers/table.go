package peers

import (
	"bytes"
	"sort"

	"github.com/monas/monas-state-node/src/crypto"
)

// DefaultMaxFailures is the number of consecutive failed requests after which
// a peer is evicted from the table.
const DefaultMaxFailures = 3

type entry struct {
	peer     Peer
	hash     []byte
	failures int
}

// Table is the routing table of the network engine. It is not safe for
// concurrent use; the engine's loop is its only user.
type Table struct {
	self        string
	entries     map[string]*entry
	maxFailures int
}

// NewTable creates an empty table. The local node, self, is never added.
func NewTable(self string, maxFailures int) *Table {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Table{
		self:        self,
		entries:     make(map[string]*entry),
		maxFailures: maxFailures,
	}
}

// Add inserts or refreshes a peer and reports whether it was new. A known
// peer's failure count is reset.
func (t *Table) Add(p Peer) bool {
	if p.ID == "" || p.ID == t.self || p.NetAddr == "" {
		return false
	}
	if e, ok := t.entries[p.ID]; ok {
		e.peer.NetAddr = p.NetAddr
		e.failures = 0
		return false
	}
	t.entries[p.ID] = &entry{
		peer: p,
		hash: crypto.SHA256([]byte(p.ID)),
	}
	return true
}

// Get returns the peer with the given id.
func (t *Table) Get(id string) (Peer, bool) {
	e, ok := t.entries[id]
	if !ok {
		return Peer{}, false
	}
	return e.peer, true
}

// Remove drops a peer.
func (t *Table) Remove(id string) {
	delete(t.entries, id)
}

// RecordFailure counts a failed request to id and evicts the peer when it
// reaches the limit. It reports whether the peer was evicted.
func (t *Table) RecordFailure(id string) bool {
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.failures++
	if e.failures >= t.maxFailures {
		delete(t.entries, id)
		return true
	}
	return false
}

// RecordSuccess resets the failure count of id.
func (t *Table) RecordSuccess(id string) {
	if e, ok := t.entries[id]; ok {
		e.failures = 0
	}
}

// Len returns the number of peers.
func (t *Table) Len() int {
	return len(t.entries)
}

// All returns every peer ordered by id.
func (t *Table) All() []Peer {
	res := make([]Peer, 0, len(t.entries))
	for _, e := range t.entries {
		res = append(res, e.peer)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Closest returns up to k peers closest to key. A k <= 0 returns all of them.
func (t *Table) Closest(key string, k int) []Peer {
	return SortByDistance(t.All(), key, k)
}

// KeyHash is the point of the key space a key maps to.
func KeyHash(key string) []byte {
	return crypto.SHA256([]byte(key))
}

// Distance is the XOR distance between the hashes of a peer id and a key.
func Distance(id, key string) []byte {
	a, b := KeyHash(id), KeyHash(key)
	d := make([]byte, len(a))
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// SortByDistance orders peers by distance to key, closest first, and keeps
// the first k. A k <= 0 keeps all of them. Duplicate ids are dropped.
func SortByDistance(peers []Peer, key string, k int) []Peer {
	type scored struct {
		peer Peer
		dist []byte
	}

	seen := make(map[string]bool, len(peers))
	list := make([]scored, 0, len(peers))
	for _, p := range peers {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		list = append(list, scored{p, Distance(p.ID, key)})
	}

	sort.Slice(list, func(i, j int) bool {
		return bytes.Compare(list[i].dist, list[j].dist) < 0
	})

	if k > 0 && len(list) > k {
		list = list[:k]
	}

	res := make([]Peer, len(list))
	for i, s := range list {
		res[i] = s.peer
	}
	return res
}
