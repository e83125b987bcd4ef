package indexer

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// txNode is one entry of the in-memory unexecuted graph. A node exists for
// every transaction that is not yet indexed or not yet downloaded. While
// alive it owns its adjacency sets; edges are back-references, never
// ownership.
type txNode struct {
	txid               string
	downloaded         bool
	hasCode            bool
	queuedForExecution bool
	upstream           mapset.Set[*txNode]
	downstream         mapset.Set[*txNode]
}

func newTxNode(txid string) *txNode {
	return &txNode{
		txid:       txid,
		upstream:   mapset.NewThreadUnsafeSet[*txNode](),
		downstream: mapset.NewThreadUnsafeSet[*txNode](),
	}
}

// graph tracks the unexecuted subgraph together with the materialised
// queuedForExecution flags and their counter. It is owned by the engine and
// only ever touched under the engine mutex.
type graph struct {
	nodes     map[string]*txNode
	numQueued int

	trust mapset.Set[string]
	ban   mapset.Set[string]

	onReady func(txid string)
}

func newGraph(onReady func(txid string)) *graph {
	return &graph{
		nodes:   make(map[string]*txNode),
		trust:   mapset.NewThreadUnsafeSet[string](),
		ban:     mapset.NewThreadUnsafeSet[string](),
		onReady: onReady,
	}
}

func (g *graph) node(txid string) *txNode {
	return g.nodes[txid]
}

// add returns the node for txid, creating it if absent.
func (g *graph) add(txid string) *txNode {
	n := g.nodes[txid]
	if n == nil {
		n = newTxNode(txid)
		g.nodes[txid] = n
	}
	return n
}

func (g *graph) addEdge(up, down *txNode) {
	up.downstream.Add(down)
	down.upstream.Add(up)
}

// remove destroys the node: adjacency back-references are cleared on both
// sides and the counter adjusted. Downstream readiness is the caller's
// responsibility, because the rules differ per operation.
func (g *graph) remove(n *txNode) {
	for _, up := range n.upstream.ToSlice() {
		up.downstream.Remove(n)
	}
	for _, down := range n.downstream.ToSlice() {
		down.upstream.Remove(n)
	}
	if n.queuedForExecution {
		g.numQueued--
	}
	n.queuedForExecution = false
	delete(g.nodes, n.txid)
}

// ready is the pure readiness predicate. An upstream transaction that is
// absent from the map counts as satisfied: either it is indexed or it was
// declared non-executable.
func (g *graph) ready(n *txNode) bool {
	if !n.downloaded {
		return false
	}
	if n.hasCode && !g.trust.Contains(n.txid) {
		return false
	}
	if g.ban.Contains(n.txid) {
		return false
	}

	blocked := false
	n.upstream.Each(func(up *txNode) bool {
		if !up.queuedForExecution {
			blocked = true
			return true
		}
		return false
	})
	return !blocked
}

// checkExecutability recomputes the readiness of n and, when the cached
// flag flips, propagates downstream. The recursion terminates because it
// walks a DAG in one direction and only continues across actual flips.
func (g *graph) checkExecutability(n *txNode) {
	g.setQueued(n, g.ready(n))
}

// forceExecutability installs a caller-supplied flag, skipping the
// predicate. Used during subgraph revocation to start a resurrected node
// not-ready.
func (g *graph) forceExecutability(n *txNode, queued bool) {
	g.setQueued(n, queued)
}

func (g *graph) setQueued(n *txNode, queued bool) {
	if n.queuedForExecution == queued {
		return
	}

	n.queuedForExecution = queued
	if queued {
		g.numQueued++
	} else {
		g.numQueued--
	}

	if queued && n.upstream.Cardinality() == 0 {
		g.onReady(n.txid)
	}

	for _, down := range n.downstream.ToSlice() {
		g.checkExecutability(down)
	}
}

// notifyIfRoot announces a node that just lost its last upstream edge while
// already flagged ready. Detaching a satisfied predecessor does not change
// the predicate, so checkExecutability alone would stay silent.
func (g *graph) notifyIfRoot(n *txNode) {
	if n.queuedForExecution && n.upstream.Cardinality() == 0 {
		g.onReady(n.txid)
	}
}

// recountQueued re-derives the counter from the flags. Debug assertions
// compare it with the incrementally maintained value.
func (g *graph) recountQueued() int {
	count := 0
	for _, n := range g.nodes {
		if n.queuedForExecution {
			count++
		}
	}
	return count
}
