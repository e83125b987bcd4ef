package indexer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/runonbitcoin/indexer/internal/indexer/store"
	"github.com/runonbitcoin/indexer/internal/parser"
)

var (
	ErrStoreNil           = errors.New("store cannot be nil")
	ErrEventsNil          = errors.New("events cannot be nil")
	ErrUnknownTransaction = errors.New("transaction is not known to the indexer")
	ErrCounterMismatch    = errors.New("queued-for-execution counter diverged from flags")
)

// ExecutionResult is the bundle an executor hands back after a successful
// replay. Cache keys are "jig://<location>" or "berry://<location>"; the
// annotation maps are keyed by location.
type ExecutionResult struct {
	Cache        map[string]json.RawMessage
	Classes      map[string]string
	Locks        map[string]string
	Scripthashes map[string]string
}

// Indexer is the transaction dependency engine: the persistent DAG of
// transactions, the in-memory unexecuted subgraph and the readiness
// scheduler. All mutators run under one mutex; the store transaction and
// the graph update of an operation are applied together, and events are
// dispatched only after the store transaction has committed.
type Indexer struct {
	logger *slog.Logger
	store  store.Store
	events Events
	graph  *graph

	mu      sync.Mutex
	pending []func()

	now             func() time.Time
	debugAssertions bool
}

func WithNow(nowFunc func() time.Time) func(*Indexer) {
	return func(ix *Indexer) {
		ix.now = nowFunc
	}
}

// WithDebugAssertions re-derives the queued counter from the flags after
// every mutation and panics on divergence.
func WithDebugAssertions() func(*Indexer) {
	return func(ix *Indexer) {
		ix.debugAssertions = true
	}
}

func New(logger *slog.Logger, storeI store.Store, events Events, opts ...func(*Indexer)) (*Indexer, error) {
	if storeI == nil {
		return nil, ErrStoreNil
	}
	if events == nil {
		return nil, ErrEventsNil
	}

	ix := &Indexer{
		logger: logger.With(slog.String("module", "indexer")),
		store:  storeI,
		events: events,
		now:    time.Now,
	}
	ix.graph = newGraph(func(txid string) {
		ix.emit(func() { ix.events.OnReadyToExecute(txid) })
	})

	for _, opt := range opts {
		opt(ix)
	}

	return ix, nil
}

// Start rebuilds the in-memory state from the store: the trust and ban
// sets, the unexecuted nodes and their edges, and the readiness flags.
// Ready roots are announced again; the executor tolerates duplicates.
func (ix *Indexer) Start(ctx context.Context) error {
	trusted, err := ix.store.GetTrusted(ctx)
	if err != nil {
		return err
	}
	banned, err := ix.store.GetBanned(ctx)
	if err != nil {
		return err
	}
	records, err := ix.store.GetUnexecuted(ctx)
	if err != nil {
		return err
	}
	edges, err := ix.store.GetUnexecutedEdges(ctx)
	if err != nil {
		return err
	}

	ix.mu.Lock()
	for _, txid := range trusted {
		ix.graph.trust.Add(txid)
	}
	for _, txid := range banned {
		ix.graph.ban.Add(txid)
	}
	for _, rec := range records {
		n := ix.graph.add(rec.Txid)
		n.downloaded = rec.Bytes != nil
		n.hasCode = rec.HasCode != nil && *rec.HasCode
	}
	for _, edge := range edges {
		up := ix.graph.node(edge.Up)
		down := ix.graph.node(edge.Down)
		if up != nil && down != nil {
			ix.graph.addEdge(up, down)
		}
	}
	for _, n := range ix.graph.nodes {
		ix.graph.checkExecutability(n)
	}
	ix.logger.Info("Rebuilt unexecuted graph",
		slog.Int("transactions", len(ix.graph.nodes)),
		slog.Int("queued", ix.graph.numQueued))
	ix.finish(nil)

	return nil
}

// emit queues an event for dispatch after the current operation commits.
func (ix *Indexer) emit(fn func()) {
	ix.pending = append(ix.pending, fn)
}

// finish releases the mutex and dispatches queued events in order. On
// error the queued events are dropped: the store transaction rolled back,
// so nothing they announce has happened.
func (ix *Indexer) finish(err error) {
	pending := ix.pending
	ix.pending = nil

	if err == nil && ix.debugAssertions {
		recounted := ix.graph.recountQueued()
		if recounted != ix.graph.numQueued {
			panic(errors.Join(ErrCounterMismatch,
				fmt.Errorf("counter: %d, flags: %d", ix.graph.numQueued, recounted)))
		}
	}

	ix.mu.Unlock()
	if err != nil {
		return
	}
	for _, fn := range pending {
		fn()
	}
}

// AddNew registers a transaction that has been observed but not yet
// downloaded. A no-op if the transaction is already present.
func (ix *Indexer) AddNew(ctx context.Context, txid string, height int64) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	if ix.graph.node(txid) != nil {
		return nil
	}

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		added, err := ix.addNewInTx(tx, txid, height)
		if err == nil && !added {
			return nil
		}
		return err
	})
	return err
}

// addNewInTx inserts the bare record and its graph node unless the
// transaction is already present. Runs inside the caller's transaction and
// under the engine mutex.
func (ix *Indexer) addNewInTx(tx store.Tx, txid string, height int64) (bool, error) {
	exists, err := tx.TxExists(txid)
	if err != nil || exists {
		return false, err
	}

	rec := &store.TxRecord{
		Txid:   txid,
		Height: height,
		Time:   ix.now().Unix(),
	}
	if err = tx.InsertTx(rec); err != nil {
		return false, err
	}

	ix.graph.add(txid)
	ix.emit(func() { ix.events.OnAddTransaction(txid) })
	return true, nil
}

// StoreParsedNonExecutable stores a downloaded transaction that carries no
// indexable metadata. The node leaves the unexecuted graph; former
// downstream neighbours drop the edge and re-evaluate, because a
// non-executable predecessor satisfies their upstream clause.
func (ix *Indexer) StoreParsedNonExecutable(ctx context.Context, txid string, rawTx []byte, inputs, outputs []string) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		if err := tx.SetTxDownloaded(txid, rawTx, false, false); err != nil {
			return err
		}
		if err := recordSpends(tx, txid, inputs, outputs); err != nil {
			return err
		}

		n := ix.graph.node(txid)
		if n == nil {
			return nil
		}
		n.downloaded = true
		downstream := n.downstream.ToSlice()
		ix.graph.remove(n)
		for _, down := range downstream {
			ix.graph.checkExecutability(down)
		}
		return nil
	})
	return err
}

// StoreParsedExecutable stores a downloaded transaction together with its
// declared dependencies. Unknown dependencies are registered via AddNew
// semantics; a dependency that is gone from the unexecuted graph without
// having been indexed is permanently unindexable and fails this
// transaction immediately.
func (ix *Indexer) StoreParsedExecutable(ctx context.Context, txid string, rawTx []byte, hasCode bool, deps, inputs, outputs []string) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	n := ix.graph.node(txid)
	if n == nil {
		return errors.Join(ErrUnknownTransaction, fmt.Errorf("txid: %s", txid))
	}

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		if err := tx.SetTxDownloaded(txid, rawTx, hasCode, true); err != nil {
			return err
		}
		if err := recordSpends(tx, txid, inputs, outputs); err != nil {
			return err
		}

		n.downloaded = true
		n.hasCode = hasCode

		failed, err := ix.wireDepsInTx(tx, n, deps)
		if err != nil || failed {
			return err
		}

		ix.graph.checkExecutability(n)
		return nil
	})
	return err
}

// wireDepsInTx records the dependency edges of n. Always (up=dep,
// down=n.txid); the engine never wires a self-edge. Returns failed=true
// when a dependency turned out permanently unindexable and n's execution
// was failed in place.
func (ix *Indexer) wireDepsInTx(tx store.Tx, n *txNode, deps []string) (bool, error) {
	for _, dep := range deps {
		if dep == n.txid {
			continue
		}

		if _, err := ix.addNewInTx(tx, dep, store.HeightUnknown); err != nil {
			return false, err
		}
		if err := tx.InsertDep(dep, n.txid); err != nil {
			return false, err
		}

		if depNode := ix.graph.node(dep); depNode != nil {
			ix.graph.addEdge(depNode, n)
			continue
		}

		rec, err := tx.GetTx(dep)
		if err != nil {
			return false, err
		}
		if !rec.Indexed {
			return true, ix.failExecutionInTx(tx, n.txid, make(map[string]bool))
		}
	}
	return false, nil
}

// StoreExecuted records a successful execution: the transaction becomes
// indexed, its jig and berry states are written, and downstream roots that
// were already ready are announced.
func (ix *Indexer) StoreExecuted(ctx context.Context, txid string, result *ExecutionResult) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		if err := tx.MarkTxExecuted(txid); err != nil {
			return err
		}
		if err := ix.writeStatesInTx(tx, result); err != nil {
			return err
		}

		n := ix.graph.node(txid)
		if n == nil {
			return nil
		}
		downstream := n.downstream.ToSlice()
		ix.graph.remove(n)
		for _, down := range downstream {
			ix.graph.notifyIfRoot(down)
		}
		return nil
	})
	return err
}

// writeStatesInTx persists the jig and berry states of an execution result
// and announces every new jig state once the transaction commits.
func (ix *Indexer) writeStatesInTx(tx store.Tx, result *ExecutionResult) error {
	if result == nil {
		return nil
	}

	for key, state := range result.Cache {
		if location, ok := strings.CutPrefix(key, "jig://"); ok {
			jig := &store.JigState{Location: location, State: string(state)}
			if class, ok := result.Classes[location]; ok {
				jig.Class = &class
			}
			if lock, ok := result.Locks[location]; ok {
				jig.Lock = &lock
			}
			if scripthash, ok := result.Scripthashes[location]; ok {
				jig.Scripthash = &scripthash
			}
			if err := tx.SetJig(jig); err != nil {
				return err
			}
			ix.emit(func() { ix.events.OnJigState(location) })
			continue
		}
		if location, ok := strings.CutPrefix(key, "berry://"); ok {
			if err := tx.SetBerry(&store.BerryState{Location: location, State: string(state)}); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetExecutionFailed records a permanent execution failure. When the
// stored bytes still parse as executable the failure poisons every
// downstream transaction; otherwise downstream roots are merely notified,
// so a spurious parse failure does not kill descendants that never needed
// this transaction to run.
func (ix *Indexer) SetExecutionFailed(ctx context.Context, txid string) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		return ix.failExecutionInTx(tx, txid, make(map[string]bool))
	})
	return err
}

func (ix *Indexer) failExecutionInTx(tx store.Tx, txid string, visited map[string]bool) error {
	if visited[txid] {
		return nil
	}
	visited[txid] = true

	rec, err := tx.GetTx(txid)
	if err != nil {
		return err
	}
	if err = tx.MarkTxFailed(txid); err != nil {
		return err
	}

	n := ix.graph.node(txid)
	if n == nil {
		return nil
	}
	downstream := n.downstream.ToSlice()
	ix.graph.remove(n)

	if rec.Bytes != nil && parser.IsExecutable(rec.Bytes) {
		for _, down := range downstream {
			if err = ix.failExecutionInTx(tx, down.txid, visited); err != nil {
				return err
			}
		}
		return nil
	}

	for _, down := range downstream {
		ix.graph.notifyIfRoot(down)
	}
	return nil
}

// AddMissingDeps wires dependencies the executor discovered during an
// attempt. The node is forced not-ready first so that a still-satisfied
// transaction is announced again. A no-op if the transaction has been
// removed in the meantime.
func (ix *Indexer) AddMissingDeps(ctx context.Context, txid string, deps []string) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	n := ix.graph.node(txid)
	if n == nil {
		return nil
	}

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		failed, err := ix.wireDepsInTx(tx, n, deps)
		if err != nil || failed {
			return err
		}

		ix.graph.forceExecutability(n, false)
		ix.graph.checkExecutability(n)
		return nil
	})
	return err
}

// Unindex clears the indexed state of txid and of every downstream
// transaction, resurrecting the nodes into the unexecuted graph. The
// revoked states were produced under assumptions that no longer hold.
func (ix *Indexer) Unindex(ctx context.Context, txid string) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		return ix.unindexInTx(tx, txid, make(map[string]bool))
	})
	return err
}

func (ix *Indexer) unindexInTx(tx store.Tx, txid string, visited map[string]bool) error {
	if visited[txid] {
		return nil
	}
	visited[txid] = true

	rec, err := tx.GetTx(txid)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Indexed {
		return nil
	}

	if err = tx.MarkTxUnindexed(txid); err != nil {
		return err
	}
	if err = tx.DeleteStatesFor(txid); err != nil {
		return err
	}

	n := ix.graph.add(txid)
	n.downloaded = rec.Bytes != nil
	n.hasCode = rec.HasCode != nil && *rec.HasCode

	// only edges whose upstream endpoint is itself unexecuted are
	// materialised
	upstream, err := tx.GetUpstream(txid)
	if err != nil {
		return err
	}
	for _, up := range upstream {
		if upNode := ix.graph.node(up); upNode != nil {
			ix.graph.addEdge(upNode, n)
		}
	}
	ix.graph.forceExecutability(n, false)

	downstream, err := tx.GetDownstream(txid)
	if err != nil {
		return err
	}
	for _, down := range downstream {
		if downNode := ix.graph.node(down); downNode != nil {
			ix.graph.addEdge(n, downNode)
			ix.graph.checkExecutability(downNode)
		}
	}
	for _, down := range downstream {
		if err = ix.unindexInTx(tx, down, visited); err != nil {
			return err
		}
	}

	ix.emit(func() { ix.events.OnUnindexTransaction(txid) })
	return nil
}

// DeleteTransaction removes the record, its states, its edges and its
// spend attribution, recursively deleting every downstream transaction.
// The accumulator set guards against cycles in the persisted edge table.
func (ix *Indexer) DeleteTransaction(ctx context.Context, txid string) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		return ix.deleteInTx(tx, txid, make(map[string]bool))
	})
	return err
}

func (ix *Indexer) deleteInTx(tx store.Tx, txid string, visited map[string]bool) error {
	if visited[txid] {
		return nil
	}
	visited[txid] = true

	downstream, err := tx.GetDownstream(txid)
	if err != nil {
		return err
	}
	for _, down := range downstream {
		if err = ix.deleteInTx(tx, down, visited); err != nil {
			return err
		}
	}

	exists, err := tx.TxExists(txid)
	if err != nil {
		return err
	}

	if err = tx.DeleteTx(txid); err != nil {
		return err
	}
	if err = tx.DeleteStatesFor(txid); err != nil {
		return err
	}
	if err = tx.DeleteDepsFor(txid); err != nil {
		return err
	}
	if err = tx.DeleteSpendsFor(txid); err != nil {
		return err
	}
	if err = tx.ClearSpendAttribution(txid); err != nil {
		return err
	}

	if n := ix.graph.node(txid); n != nil {
		ix.graph.remove(n)
	}
	if exists {
		ix.emit(func() { ix.events.OnDeleteTransaction(txid) })
	}
	return nil
}

// SetHeight updates the confirmation height of an already known
// transaction, typically when a mempool entry lands in a block.
func (ix *Indexer) SetHeight(ctx context.Context, txid string, height, blockTime int64) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		return tx.SetTxHeight(txid, height, blockTime)
	})
	return err
}

// SetTip records the current chain head.
func (ix *Indexer) SetTip(ctx context.Context, height int64, hash string) (err error) {
	ix.mu.Lock()
	defer func() { ix.finish(err) }()

	err = ix.store.WithTransaction(ctx, func(tx store.Tx) error {
		return tx.SetTip(height, hash)
	})
	return err
}

// GetTransactionHex returns the downloaded raw transaction, hex encoded,
// for the executor.
func (ix *Indexer) GetTransactionHex(ctx context.Context, txid string) (string, error) {
	rawTx, err := ix.store.GetTxBytes(ctx, txid)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(rawTx), nil
}

// NumQueuedForExecution returns the number of nodes whose readiness flag
// is set.
func (ix *Indexer) NumQueuedForExecution() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.graph.numQueued
}

// NumUnexecuted returns the size of the unexecuted map.
func (ix *Indexer) NumUnexecuted() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.graph.nodes)
}

func recordSpends(tx store.Tx, spendTxid string, inputs, outputs []string) error {
	for _, location := range inputs {
		if err := tx.SetSpend(location, spendTxid); err != nil {
			return err
		}
	}
	for _, location := range outputs {
		if err := tx.SetUnspent(location); err != nil {
			return err
		}
	}
	return nil
}
