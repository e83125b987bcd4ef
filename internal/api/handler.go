package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/runonbitcoin/indexer/internal/indexer"
	"github.com/runonbitcoin/indexer/internal/indexer/store"
)

// TipReader reports the current chain position.
type TipReader interface {
	Height() int64
	Hash() string
}

// Handler serves the read and admin surface of the indexer.
type Handler struct {
	engine *indexer.Indexer
	store  store.Store
	tip    TipReader
}

func NewHandler(engine *indexer.Indexer, storeI store.Store, tip TipReader) *Handler {
	return &Handler{
		engine: engine,
		store:  storeI,
		tip:    tip,
	}
}

// Register wires the routes onto the echo instance.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/status", h.GetStatus)
	e.GET("/tx/:txid", h.GetTransaction)
	e.GET("/jig/:location", h.GetJig)
	e.GET("/berry/:location", h.GetBerry)
	e.GET("/spends/:location", h.GetSpend)
	e.GET("/unspent", h.GetUnspent)
	e.GET("/trust/:txid", h.GetTrust)
	e.POST("/trust/:txid", h.PostTrust)
	e.DELETE("/trust/:txid", h.DeleteTrust)
	e.POST("/ban/:txid", h.PostBan)
	e.DELETE("/ban/:txid", h.DeleteBan)
	e.GET("/untrusted", h.GetUntrusted)
	e.GET("/untrusted/:txid", h.GetTransactionUntrusted)
}

type statusResponse struct {
	Height     int64  `json:"height"`
	Hash       string `json:"hash"`
	Unexecuted int    `json:"unexecuted"`
	Queued     int    `json:"queued"`
	NumUnspent int64  `json:"numUnspent"`
}

func (h *Handler) GetStatus(c echo.Context) error {
	numUnspent, err := h.store.GetNumUnspent(c.Request().Context())
	if err != nil {
		return internalError(c, err)
	}

	resp := &statusResponse{
		Height:     h.tip.Height(),
		Hash:       h.tip.Hash(),
		Unexecuted: h.engine.NumUnexecuted(),
		Queued:     h.engine.NumQueuedForExecution(),
		NumUnspent: numUnspent,
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetTransaction(c echo.Context) error {
	rawHex, err := h.engine.GetTransactionHex(c.Request().Context(), c.Param("txid"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c)
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"hex": rawHex})
}

func (h *Handler) GetJig(c echo.Context) error {
	jig, err := h.store.GetJig(c.Request().Context(), c.Param("location"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c)
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSONBlob(http.StatusOK, []byte(jig.State))
}

func (h *Handler) GetBerry(c echo.Context) error {
	berry, err := h.store.GetBerry(c.Request().Context(), c.Param("location"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c)
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSONBlob(http.StatusOK, []byte(berry.State))
}

func (h *Handler) GetSpend(c echo.Context) error {
	spendTxid, err := h.store.GetSpend(c.Request().Context(), c.Param("location"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c)
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"spendTxid": spendTxid})
}

func (h *Handler) GetUnspent(c echo.Context) error {
	filter := &store.UnspentFilter{}
	if class := c.QueryParam("class"); class != "" {
		filter.Class = &class
	}
	if lock := c.QueryParam("lock"); lock != "" {
		filter.Lock = &lock
	}
	if scripthash := c.QueryParam("scripthash"); scripthash != "" {
		filter.Scripthash = &scripthash
	}

	locations, err := h.store.GetAllUnspent(c.Request().Context(), filter)
	if err != nil {
		return internalError(c, err)
	}
	if locations == nil {
		locations = []string{}
	}
	return c.JSON(http.StatusOK, locations)
}

func (h *Handler) GetTrust(c echo.Context) error {
	txid := c.Param("txid")
	return c.JSON(http.StatusOK, map[string]any{
		"txid":    txid,
		"trusted": h.engine.IsTrusted(txid),
		"banned":  h.engine.IsBanned(txid),
	})
}

func (h *Handler) PostTrust(c echo.Context) error {
	return h.mutate(c, h.engine.Trust)
}

func (h *Handler) DeleteTrust(c echo.Context) error {
	return h.mutate(c, h.engine.Untrust)
}

func (h *Handler) PostBan(c echo.Context) error {
	return h.mutate(c, h.engine.Ban)
}

func (h *Handler) DeleteBan(c echo.Context) error {
	return h.mutate(c, h.engine.Unban)
}

func (h *Handler) mutate(c echo.Context, op func(ctx context.Context, txid string) error) error {
	if err := op(c.Request().Context(), c.Param("txid")); err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetUntrusted(c echo.Context) error {
	txids := h.engine.GetAllUntrusted()
	if txids == nil {
		txids = []string{}
	}
	return c.JSON(http.StatusOK, txids)
}

func (h *Handler) GetTransactionUntrusted(c echo.Context) error {
	txids := h.engine.GetTransactionUntrusted(c.Param("txid"))
	if txids == nil {
		txids = []string{}
	}
	return c.JSON(http.StatusOK, txids)
}

func notFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
}

func internalError(c echo.Context, err error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
