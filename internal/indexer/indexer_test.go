package indexer_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/stretchr/testify/require"

	"github.com/runonbitcoin/indexer/internal/indexer"
	"github.com/runonbitcoin/indexer/internal/indexer/store"
	"github.com/runonbitcoin/indexer/internal/indexer/store/sqlite"
)

const (
	txA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	txB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	txC = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

type eventRecorder struct {
	mu        sync.Mutex
	ready     []string
	added     []string
	deleted   []string
	trusted   []string
	untrusted []string
	banned    []string
	unbanned  []string
	unindexed []string
	jigStates []string
}

func (r *eventRecorder) record(list *[]string, txid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*list = append(*list, txid)
}

func (r *eventRecorder) OnReadyToExecute(txid string)     { r.record(&r.ready, txid) }
func (r *eventRecorder) OnAddTransaction(txid string)     { r.record(&r.added, txid) }
func (r *eventRecorder) OnDeleteTransaction(txid string)  { r.record(&r.deleted, txid) }
func (r *eventRecorder) OnTrustTransaction(txid string)   { r.record(&r.trusted, txid) }
func (r *eventRecorder) OnUntrustTransaction(txid string) { r.record(&r.untrusted, txid) }
func (r *eventRecorder) OnBanTransaction(txid string)     { r.record(&r.banned, txid) }
func (r *eventRecorder) OnUnbanTransaction(txid string)   { r.record(&r.unbanned, txid) }
func (r *eventRecorder) OnUnindexTransaction(txid string) { r.record(&r.unindexed, txid) }
func (r *eventRecorder) OnJigState(location string)       { r.record(&r.jigStates, location) }

func (r *eventRecorder) readyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ready)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIndexer(t *testing.T) (*indexer.Indexer, *eventRecorder, store.Store) {
	t.Helper()

	logger := testLogger()
	storeI, err := sqlite.New(logger, true, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = storeI.Close(context.Background()) })

	recorder := &eventRecorder{}
	ix, err := indexer.New(logger, storeI, recorder, indexer.WithDebugAssertions())
	require.NoError(t, err)
	require.NoError(t, ix.Start(context.Background()))

	return ix, recorder, storeI
}

// runTxBytes builds a raw transaction carrying a run envelope, optionally
// with a DEPLOY instruction.
func runTxBytes(t *testing.T, deploy bool) []byte {
	t.Helper()

	op := "CALL"
	if deploy {
		op = "DEPLOY"
	}
	payload := `{"in":0,"ref":[],"out":[],"del":[],"cre":[],"exec":[{"op":"` + op + `","data":[]}]}`

	s := &bscript.Script{}
	require.NoError(t, s.AppendOpcodes(bscript.OpFALSE, bscript.OpRETURN))
	require.NoError(t, s.AppendPushDataArray([][]byte{
		[]byte("run"), {0x05}, []byte("test-app"), []byte(payload),
	}))

	tx := bt.NewTx()
	tx.AddOutput(&bt.Output{Satoshis: 0, LockingScript: s})

	return tx.Bytes()
}

// plainTxBytes returns bytes that do not parse as a run transaction.
func plainTxBytes() []byte {
	return []byte{0x01, 0x02, 0x03}
}

func TestLinearChainAllTrusted(t *testing.T) {
	// S1: one ready fire for the root, the next after the root executes
	ix, recorder, _ := newTestIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.Trust(ctx, txA))
	require.NoError(t, ix.Trust(ctx, txB))

	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.AddNew(ctx, txB, store.HeightMempool))

	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, runTxBytes(t, true), true, nil, nil, nil))
	require.Equal(t, []string{txA}, recorder.ready)

	require.NoError(t, ix.StoreParsedExecutable(ctx, txB, runTxBytes(t, true), true, []string{txA}, nil, nil))
	require.Equal(t, []string{txA}, recorder.ready)

	require.NoError(t, ix.StoreExecuted(ctx, txA, &indexer.ExecutionResult{}))
	require.Equal(t, []string{txA, txB}, recorder.ready)
}

func TestCodeWithoutTrust(t *testing.T) {
	// S2: code-bearing transactions stay silent until trusted
	ix, recorder, _ := newTestIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, runTxBytes(t, true), true, nil, nil, nil))
	require.Empty(t, recorder.ready)

	require.NoError(t, ix.Trust(ctx, txA))
	require.Equal(t, []string{txA}, recorder.ready)
}

func TestRetroactiveTrust(t *testing.T) {
	// S3: trusting a leaf trusts its untrusted code ancestors
	ix, recorder, _ := newTestIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.AddNew(ctx, txB, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, runTxBytes(t, true), true, nil, nil, nil))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txB, runTxBytes(t, true), true, []string{txA}, nil, nil))
	require.Empty(t, recorder.ready)

	require.NoError(t, ix.Trust(ctx, txB))

	require.True(t, ix.IsTrusted(txA))
	require.True(t, ix.IsTrusted(txB))
	require.ElementsMatch(t, []string{txA, txB}, recorder.trusted)
	require.Equal(t, []string{txA}, recorder.ready)
}

func TestMissingDepsDiscovery(t *testing.T) {
	// S4: a satisfied transaction is announced again after the executor
	// reports extra dependencies
	ix, recorder, _ := newTestIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.AddNew(ctx, txB, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, runTxBytes(t, false), false, nil, nil, nil))
	require.NoError(t, ix.StoreExecuted(ctx, txA, &indexer.ExecutionResult{}))

	require.NoError(t, ix.StoreParsedExecutable(ctx, txB, runTxBytes(t, false), false, nil, nil, nil))
	require.Equal(t, []string{txA, txB}, recorder.ready)

	require.NoError(t, ix.AddMissingDeps(ctx, txB, []string{txA}))
	require.Equal(t, []string{txA, txB, txB}, recorder.ready)
}

func TestMissingDepsAfterDeleteIsNoop(t *testing.T) {
	ix, recorder, _ := newTestIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, runTxBytes(t, false), false, nil, nil, nil))
	require.NoError(t, ix.DeleteTransaction(ctx, txA))

	before := recorder.readyCount()
	require.NoError(t, ix.AddMissingDeps(ctx, txA, []string{txB}))
	require.Equal(t, before, recorder.readyCount())
}

func TestExecutionFailureCascades(t *testing.T) {
	// S5: a failure of a still-executable transaction poisons downstream
	ix, _, storeI := newTestIndexer(t)
	ctx := context.Background()

	for _, txid := range []string{txA, txB, txC} {
		require.NoError(t, ix.Trust(ctx, txid))
		require.NoError(t, ix.AddNew(ctx, txid, store.HeightMempool))
	}
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, runTxBytes(t, true), true, nil, nil, nil))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txB, runTxBytes(t, true), true, []string{txA}, nil, nil))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txC, runTxBytes(t, true), true, []string{txB}, nil, nil))

	require.NoError(t, ix.SetExecutionFailed(ctx, txA))

	for _, txid := range []string{txA, txB, txC} {
		rec, err := storeI.GetTx(ctx, txid)
		require.NoError(t, err)
		require.False(t, rec.Executable, txid)
		require.True(t, rec.Executed, txid)
		require.False(t, rec.Indexed, txid)
	}
	require.Equal(t, 0, ix.NumUnexecuted())
}

func TestExecutionFailureWithoutCodeDoesNotCascade(t *testing.T) {
	// a spurious parse failure must not poison downstream that does not
	// actually depend on executing this transaction
	ix, _, storeI := newTestIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.Trust(ctx, txA))
	require.NoError(t, ix.Trust(ctx, txB))
	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.AddNew(ctx, txB, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, plainTxBytes(), true, nil, nil, nil))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txB, runTxBytes(t, true), true, []string{txA}, nil, nil))

	require.NoError(t, ix.SetExecutionFailed(ctx, txA))

	recB, err := storeI.GetTx(ctx, txB)
	require.NoError(t, err)
	require.True(t, recB.Executable)
	require.False(t, recB.Executed)
	require.Equal(t, 1, ix.NumUnexecuted())
}

func TestReorgRewind(t *testing.T) {
	// S6: deleting a reorged transaction takes its descendants with it
	ix, recorder, storeI := newTestIndexer(t)
	ctx := context.Background()

	heights := map[string]int64{txA: 98, txB: 99, txC: 100}
	require.NoError(t, ix.AddNew(ctx, txA, heights[txA]))
	require.NoError(t, ix.AddNew(ctx, txB, heights[txB]))
	require.NoError(t, ix.AddNew(ctx, txC, heights[txC]))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, runTxBytes(t, false), false, nil, nil, nil))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txB, runTxBytes(t, false), false, []string{txA}, nil, nil))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txC, runTxBytes(t, false), false, []string{txB}, nil, nil))

	above, err := storeI.GetTransactionsAboveHeight(ctx, 98)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{txB, txC}, above)

	require.NoError(t, ix.DeleteTransaction(ctx, txB))

	_, err = storeI.GetTx(ctx, txB)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = storeI.GetTx(ctx, txC)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = storeI.GetTx(ctx, txA)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{txB, txC}, recorder.deleted)
}

func TestAddNewIsIdempotent(t *testing.T) {
	ix, recorder, storeI := newTestIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))

	require.Equal(t, []string{txA}, recorder.added)
	rec, err := storeI.GetTx(ctx, txA)
	require.NoError(t, err)
	require.Equal(t, store.HeightMempool, rec.Height)
	require.Equal(t, 1, ix.NumUnexecuted())
}

func TestTrustUntrustRoundtrip(t *testing.T) {
	ix, recorder, storeI := newTestIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.Trust(ctx, txA))
	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, runTxBytes(t, true), true, nil, nil, nil))

	state, err := json.Marshal(map[string]string{"name": "token"})
	require.NoError(t, err)
	require.NoError(t, ix.StoreExecuted(ctx, txA, &indexer.ExecutionResult{
		Cache: map[string]json.RawMessage{"jig://" + txA + "_o1": state},
	}))
	require.Equal(t, 0, ix.NumUnexecuted())
	require.Equal(t, []string{txA + "_o1"}, recorder.jigStates)

	require.NoError(t, ix.Untrust(ctx, txA))

	require.False(t, ix.IsTrusted(txA))
	require.Equal(t, []string{txA}, recorder.untrusted)
	require.Equal(t, []string{txA}, recorder.unindexed)

	// state produced under the revoked trust is gone, the node is back
	_, err = storeI.GetJig(ctx, txA+"_o1")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, 1, ix.NumUnexecuted())
	require.Equal(t, 0, ix.NumQueuedForExecution())
}

func TestBanUnbanRoundtrip(t *testing.T) {
	ix, recorder, _ := newTestIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.Trust(ctx, txA))
	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, runTxBytes(t, true), true, nil, nil, nil))
	require.Equal(t, 1, recorder.readyCount())

	require.NoError(t, ix.Ban(ctx, txA))
	require.True(t, ix.IsBanned(txA))
	require.Equal(t, 0, ix.NumQueuedForExecution())

	require.NoError(t, ix.Unban(ctx, txA))
	require.False(t, ix.IsBanned(txA))
	require.True(t, ix.IsTrusted(txA))
	// ready again once the ban lifts
	require.Equal(t, 2, recorder.readyCount())
}

func TestNonExecutablePredecessorSatisfiesDownstream(t *testing.T) {
	ix, recorder, _ := newTestIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.Trust(ctx, txB))
	require.NoError(t, ix.AddNew(ctx, txB, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txB, runTxBytes(t, true), true, []string{txA}, nil, nil))
	require.Empty(t, recorder.ready)

	// txA was registered as a dependency; parsing it as non-executable
	// unblocks txB
	require.NoError(t, ix.StoreParsedNonExecutable(ctx, txA, plainTxBytes(), nil, nil))
	require.Equal(t, []string{txB}, recorder.ready)
}

func TestPermanentlyUnindexableDepFailsDependent(t *testing.T) {
	ix, _, storeI := newTestIndexer(t)
	ctx := context.Background()

	// txA fails permanently
	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, plainTxBytes(), true, nil, nil, nil))
	require.NoError(t, ix.SetExecutionFailed(ctx, txA))

	require.NoError(t, ix.AddNew(ctx, txB, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txB, runTxBytes(t, false), false, []string{txA}, nil, nil))

	recB, err := storeI.GetTx(ctx, txB)
	require.NoError(t, err)
	require.False(t, recB.Executable)
	require.True(t, recB.Executed)
	require.False(t, recB.Indexed)
}

func TestSelfDependencyIsNeverWired(t *testing.T) {
	// a dependency list naming the transaction itself must not produce a
	// self-edge
	ix, recorder, storeI := newTestIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.Trust(ctx, txA))
	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, runTxBytes(t, true), true, []string{txA}, nil, nil))

	edges, err := storeI.GetUnexecutedEdges(ctx)
	require.NoError(t, err)
	require.Empty(t, edges)
	require.Equal(t, []string{txA}, recorder.ready)
}

func TestGetTransactionUntrusted(t *testing.T) {
	ix, _, _ := newTestIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.AddNew(ctx, txB, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, runTxBytes(t, true), true, nil, nil, nil))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txB, runTxBytes(t, true), true, []string{txA}, nil, nil))

	require.ElementsMatch(t, []string{txA, txB}, ix.GetTransactionUntrusted(txB))
	require.ElementsMatch(t, []string{txA, txB}, ix.GetAllUntrusted())

	require.NoError(t, ix.Trust(ctx, txA))
	require.ElementsMatch(t, []string{txB}, ix.GetTransactionUntrusted(txB))
}

func TestRestartRebuildsGraph(t *testing.T) {
	logger := testLogger()
	storeI, err := sqlite.New(logger, true, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = storeI.Close(context.Background()) })

	ctx := context.Background()
	recorder := &eventRecorder{}
	ix, err := indexer.New(logger, storeI, recorder, indexer.WithDebugAssertions())
	require.NoError(t, err)
	require.NoError(t, ix.Start(ctx))

	require.NoError(t, ix.Trust(ctx, txA))
	require.NoError(t, ix.AddNew(ctx, txA, store.HeightMempool))
	require.NoError(t, ix.AddNew(ctx, txB, store.HeightMempool))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txA, runTxBytes(t, true), true, nil, nil, nil))
	require.NoError(t, ix.StoreParsedExecutable(ctx, txB, runTxBytes(t, true), true, []string{txA}, nil, nil))

	// a second engine over the same store sees the same graph and
	// announces the ready root again
	recorder2 := &eventRecorder{}
	ix2, err := indexer.New(logger, storeI, recorder2, indexer.WithDebugAssertions())
	require.NoError(t, err)
	require.NoError(t, ix2.Start(ctx))

	require.Equal(t, 2, ix2.NumUnexecuted())
	require.Equal(t, 1, ix2.NumQueuedForExecution())
	require.Equal(t, []string{txA}, recorder2.ready)
}
