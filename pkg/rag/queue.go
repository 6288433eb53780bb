package rag

import "container/heap"

// entry is a queued merge candidate. It is valid only while the edge it
// points to is still registered between a and b and still carries stamp.
type entry struct {
	weight float64
	a, b   uint64
	e      *edge
	stamp  uint64
}

// mergeQueue is a binary min-heap of merge candidates.
type mergeQueue []entry

func (q mergeQueue) Len() int { return len(q) }

func (q mergeQueue) Less(i, j int) bool {
	if q[i].weight != q[j].weight {
		return q[i].weight < q[j].weight
	}
	if q[i].a != q[j].a {
		return q[i].a < q[j].a
	}
	return q[i].b < q[j].b
}

func (q mergeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *mergeQueue) Push(x any) { *q = append(*q, x.(entry)) }

func (q *mergeQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = entry{}
	*q = old[:n-1]
	return it
}

// push queues the current state of the edge between a and b.
func (g *Graph) push(a, b uint64, e *edge) {
	if a > b {
		a, b = b, a
	}
	heap.Push(&g.queue, entry{weight: e.weight(), a: a, b: b, e: e, stamp: e.stamp})
}

// live reports whether a queued entry still describes a current edge.
func (g *Graph) live(it entry) bool {
	if _, ok := g.nodes[it.a]; !ok {
		return false
	}
	if _, ok := g.nodes[it.b]; !ok {
		return false
	}
	return g.adj[it.a][it.b] == it.e && it.e.stamp == it.stamp
}

// discardStale pops entries off the top of the queue until the minimum is
// live or the queue is empty.
func (g *Graph) discardStale() {
	for len(g.queue) > 0 && !g.live(g.queue[0]) {
		heap.Pop(&g.queue)
	}
}

// Peek returns the lowest-weight live merge candidate without removing it.
// Stale entries found on top of the queue are discarded. The second result
// is false when no live candidate remains.
func (g *Graph) Peek() (Edge, bool) {
	g.discardStale()
	if len(g.queue) == 0 {
		return Edge{}, false
	}
	it := g.queue[0]
	return Edge{A: it.a, B: it.b, Weight: it.weight}, true
}

// Pop removes and returns the lowest-weight live merge candidate.
func (g *Graph) Pop() (Edge, bool) {
	g.discardStale()
	if len(g.queue) == 0 {
		return Edge{}, false
	}
	it := heap.Pop(&g.queue).(entry)
	return Edge{A: it.a, B: it.b, Weight: it.weight}, true
}

// QueueLen returns the number of queued entries, stale ones included.
func (g *Graph) QueueLen() int { return len(g.queue) }

// RebuildMergeQueue discards every queued entry and queues exactly one
// entry per live edge.
func (g *Graph) RebuildMergeQueue() {
	q := make(mergeQueue, 0, g.nedges)
	for a, nbrs := range g.adj {
		for b, e := range nbrs {
			if a < b {
				q = append(q, entry{weight: e.weight(), a: a, b: b, e: e, stamp: e.stamp})
			}
		}
	}
	heap.Init(&q)
	g.queue = q
}
