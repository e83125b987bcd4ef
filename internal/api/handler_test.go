package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/runonbitcoin/indexer/internal/api"
	"github.com/runonbitcoin/indexer/internal/indexer"
	"github.com/runonbitcoin/indexer/internal/indexer/store"
	"github.com/runonbitcoin/indexer/internal/indexer/store/sqlite"
)

const testTxid = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type fakeTip struct {
	height int64
	hash   string
}

func (f *fakeTip) Height() int64 { return f.height }
func (f *fakeTip) Hash() string  { return f.hash }

func newTestHandler(t *testing.T) (*echo.Echo, *indexer.Indexer, store.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	storeI, err := sqlite.New(logger, true, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = storeI.Close(context.Background()) })

	engine, err := indexer.New(logger, storeI, indexer.NoopEvents{})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))

	e := echo.New()
	api.NewHandler(engine, storeI, &fakeTip{height: 100, hash: "besthash"}).Register(e)

	return e, engine, storeI
}

func doRequest(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGetStatus(t *testing.T) {
	e, _, _ := newTestHandler(t)

	rec := doRequest(e, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, float64(100), status["height"])
	require.Equal(t, "besthash", status["hash"])
}

func TestGetJig(t *testing.T) {
	e, _, storeI := newTestHandler(t)

	location := testTxid + "_o1"
	require.NoError(t, storeI.WithTransaction(context.Background(), func(tx store.Tx) error {
		return tx.SetJig(&store.JigState{Location: location, State: `{"name":"token"}`})
	}))

	rec := doRequest(e, http.MethodGet, "/jig/"+location)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"name":"token"}`, rec.Body.String())

	rec = doRequest(e, http.MethodGet, "/jig/"+testTxid+"_o9")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTransaction(t *testing.T) {
	e, engine, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, engine.AddNew(ctx, testTxid, store.HeightMempool))
	require.NoError(t, engine.StoreParsedNonExecutable(ctx, testTxid, []byte{0xca, 0xfe}, nil, nil))

	rec := doRequest(e, http.MethodGet, "/tx/"+testTxid)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "cafe", body["hex"])
}

func TestTrustEndpoints(t *testing.T) {
	e, engine, _ := newTestHandler(t)

	rec := doRequest(e, http.MethodPost, "/trust/"+testTxid)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, engine.IsTrusted(testTxid))

	rec = doRequest(e, http.MethodGet, "/trust/"+testTxid)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["trusted"])
	require.Equal(t, false, body["banned"])

	rec = doRequest(e, http.MethodDelete, "/trust/"+testTxid)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.False(t, engine.IsTrusted(testTxid))

	rec = doRequest(e, http.MethodPost, "/ban/"+testTxid)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, engine.IsBanned(testTxid))

	rec = doRequest(e, http.MethodDelete, "/ban/"+testTxid)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.False(t, engine.IsBanned(testTxid))
}

func TestGetUnspentWithFilter(t *testing.T) {
	e, _, storeI := newTestHandler(t)

	class := "someclass"
	location := testTxid + "_o1"
	require.NoError(t, storeI.WithTransaction(context.Background(), func(tx store.Tx) error {
		if err := tx.SetJig(&store.JigState{Location: location, State: `{}`, Class: &class}); err != nil {
			return err
		}
		return tx.SetUnspent(location)
	}))

	rec := doRequest(e, http.MethodGet, "/unspent?class="+class)
	require.Equal(t, http.StatusOK, rec.Code)

	var locations []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &locations))
	require.Equal(t, []string{location}, locations)

	rec = doRequest(e, http.MethodGet, "/unspent?class=unknown")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}
