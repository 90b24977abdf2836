package crdt

import (
	"container/heap"
	"sort"
)

// dag is the in-memory view of one content item's operations, rebuilt from
// the store on each read. Parents that are not present are ignored, so
// operations can be applied in any order.
type dag struct {
	ops      map[string]*Operation
	children map[string][]string
}

func newDAG(ops map[string]*Operation) *dag {
	d := &dag{
		ops:      ops,
		children: make(map[string][]string, len(ops)),
	}
	for id, op := range ops {
		for _, p := range op.Parents {
			if _, ok := ops[p]; ok {
				d.children[p] = append(d.children[p], id)
			}
		}
	}
	return d
}

// heads returns the operations no present operation points to, sorted by id.
func (d *dag) heads() []string {
	res := []string{}
	for id := range d.ops {
		if len(d.children[id]) == 0 {
			res = append(res, id)
		}
	}
	sort.Strings(res)
	return res
}

// latest is the head with the greatest (timestamp, author, id). Every replica
// holding the same set of operations picks the same one.
func (d *dag) latest() (string, bool) {
	best := ""
	for _, id := range d.heads() {
		if best == "" || d.after(id, best) {
			best = id
		}
	}
	return best, best != ""
}

func (d *dag) after(a, b string) bool {
	oa, ob := d.ops[a], d.ops[b]
	if oa.Timestamp != ob.Timestamp {
		return oa.Timestamp > ob.Timestamp
	}
	if oa.Author != ob.Author {
		return oa.Author > ob.Author
	}
	return a > b
}

// topological returns every operation id such that parents come before
// children. Among ready operations the one with the smallest (timestamp, id)
// goes first, which makes the order identical on every replica.
func (d *dag) topological() []string {
	indegree := make(map[string]int, len(d.ops))
	for id, op := range d.ops {
		n := 0
		for _, p := range op.Parents {
			if _, ok := d.ops[p]; ok {
				n++
			}
		}
		indegree[id] = n
	}

	ready := &readyQueue{dag: d}
	for id, n := range indegree {
		if n == 0 {
			heap.Push(ready, id)
		}
	}

	res := make([]string, 0, len(d.ops))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		res = append(res, id)
		for _, c := range d.children[id] {
			indegree[c]--
			if indegree[c] == 0 {
				heap.Push(ready, c)
			}
		}
	}
	return res
}

// ancestors returns id and every operation reachable from it through parent
// links.
func (d *dag) ancestors(id string) map[string]bool {
	seen := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if op, ok := d.ops[cur]; ok {
			stack = append(stack, op.Parents...)
		}
	}
	return seen
}

type readyQueue struct {
	dag *dag
	ids []string
}

func (q *readyQueue) Len() int { return len(q.ids) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.dag.ops[q.ids[i]], q.dag.ops[q.ids[j]]
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return q.ids[i] < q.ids[j]
}

func (q *readyQueue) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }

func (q *readyQueue) Push(x interface{}) { q.ids = append(q.ids, x.(string)) }

func (q *readyQueue) Pop() interface{} {
	old := q.ids
	n := len(old)
	x := old[n-1]
	q.ids = old[:n-1]
	return x
}
