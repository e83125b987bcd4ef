package indexer

import (
	"context"

	"github.com/runonbitcoin/indexer/internal/indexer/store"
)

// Trust permits txid to execute. Every untrusted code-bearing ancestor in
// the unexecuted graph is trusted along with it, in the same store
// transaction: trusting a leaf means trusting its dependency closure, and
// anything short of that leaves perpetually stuck nodes.
func (ix *Indexer) Trust(ctx context.Context, txid string) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	collected := ix.collectUntrustedClosure(txid)

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		for _, trustTxid := range collected {
			if err := tx.SetTrusted(trustTxid, true); err != nil {
				return err
			}
		}

		for _, trustTxid := range collected {
			ix.graph.trust.Add(trustTxid)
		}
		for _, trustTxid := range collected {
			if n := ix.graph.node(trustTxid); n != nil {
				ix.graph.checkExecutability(n)
			}
			ix.emit(func() { ix.events.OnTrustTransaction(trustTxid) })
		}
		return nil
	})
	return err
}

// collectUntrustedClosure returns txid followed by its untrusted
// code-bearing ancestors in BFS discovery order.
func (ix *Indexer) collectUntrustedClosure(txid string) []string {
	collected := []string{txid}
	seen := map[string]bool{txid: true}

	queue := []*txNode{}
	if n := ix.graph.node(txid); n != nil {
		queue = append(queue, n)
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		for _, up := range n.upstream.ToSlice() {
			if seen[up.txid] {
				continue
			}
			seen[up.txid] = true
			if up.hasCode && !ix.graph.trust.Contains(up.txid) {
				collected = append(collected, up.txid)
			}
			queue = append(queue, up)
		}
	}

	return collected
}

// Untrust revokes permission. Indexed state of txid and its descendants is
// cleared first, because it was produced under the revoked trust.
func (ix *Indexer) Untrust(ctx context.Context, txid string) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		if err := ix.unindexInTx(tx, txid, make(map[string]bool)); err != nil {
			return err
		}
		if err := tx.SetTrusted(txid, false); err != nil {
			return err
		}

		ix.graph.trust.Remove(txid)
		if n := ix.graph.node(txid); n != nil {
			ix.graph.checkExecutability(n)
		}
		ix.emit(func() { ix.events.OnUntrustTransaction(txid) })
		return nil
	})
	return err
}

// Ban prohibits txid from executing, overriding trust. Indexed state of
// txid and its descendants is cleared.
func (ix *Indexer) Ban(ctx context.Context, txid string) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		if err := ix.unindexInTx(tx, txid, make(map[string]bool)); err != nil {
			return err
		}
		if err := tx.InsertBan(txid); err != nil {
			return err
		}

		ix.graph.ban.Add(txid)
		if n := ix.graph.node(txid); n != nil {
			ix.graph.checkExecutability(n)
		}
		ix.emit(func() { ix.events.OnBanTransaction(txid) })
		return nil
	})
	return err
}

func (ix *Indexer) Unban(ctx context.Context, txid string) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		if err := tx.DeleteBan(txid); err != nil {
			return err
		}

		ix.graph.ban.Remove(txid)
		if n := ix.graph.node(txid); n != nil {
			ix.graph.checkExecutability(n)
		}
		ix.emit(func() { ix.events.OnUnbanTransaction(txid) })
		return nil
	})
	return err
}

func (ix *Indexer) IsTrusted(txid string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.graph.trust.Contains(txid)
}

func (ix *Indexer) IsBanned(txid string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.graph.ban.Contains(txid)
}

// GetAllUntrusted returns every unexecuted code-bearing transaction that
// is not trusted.
func (ix *Indexer) GetAllUntrusted() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var txids []string
	for txid, n := range ix.graph.nodes {
		if n.hasCode && !ix.graph.trust.Contains(txid) {
			txids = append(txids, txid)
		}
	}
	return txids
}

// GetTransactionUntrusted returns the transitive set of untrusted
// code-bearing ancestors of txid in the unexecuted graph, including the
// transaction itself when it qualifies.
func (ix *Indexer) GetTransactionUntrusted(txid string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var txids []string
	n := ix.graph.node(txid)
	if n == nil {
		return txids
	}
	if n.hasCode && !ix.graph.trust.Contains(txid) {
		txids = append(txids, txid)
	}

	seen := map[string]bool{txid: true}
	queue := []*txNode{n}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, up := range current.upstream.ToSlice() {
			if seen[up.txid] {
				continue
			}
			seen[up.txid] = true
			if up.hasCode && !ix.graph.trust.Contains(up.txid) {
				txids = append(txids, up.txid)
			}
			queue = append(queue, up)
		}
	}

	return txids
}
