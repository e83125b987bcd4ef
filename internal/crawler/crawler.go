package crawler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/runonbitcoin/indexer/internal/indexer/store"
	"github.com/runonbitcoin/indexer/internal/parser"
)

var (
	// ErrReorg is returned by a ChainSource when the hash the crawler is
	// sitting on is no longer part of the best chain.
	ErrReorg = errors.New("chain reorganisation detected")

	ErrSourceNil = errors.New("chain source cannot be nil")
	ErrEngineNil = errors.New("engine cannot be nil")
)

const (
	pollIntervalDefault       = time.Second
	mempoolExpiryDefault      = 24 * time.Hour
	mempoolExpiryCheckDefault = 10 * time.Minute
	reorgDepthDefault         = int64(2)
)

// Block is one confirmed block as delivered by a ChainSource. RawTxs is
// parallel to Txids.
type Block struct {
	Height int64
	Hash   string
	Time   int64
	Txids  []string
	RawTxs [][]byte
}

// ChainSource yields the next block after a given position and streams
// mempool transactions. GetNextBlock returns (nil, nil) when no newer
// block exists and ErrReorg when the position left the best chain.
type ChainSource interface {
	GetNextBlock(ctx context.Context, height int64, hash string) (*Block, error)
	SubscribeMempool(ctx context.Context, handler func(txid string, rawTx []byte)) error
}

// Engine is the slice of the indexer the crawler drives.
type Engine interface {
	AddNew(ctx context.Context, txid string, height int64) error
	StoreParsedNonExecutable(ctx context.Context, txid string, rawTx []byte, inputs, outputs []string) error
	StoreParsedExecutable(ctx context.Context, txid string, rawTx []byte, hasCode bool, deps, inputs, outputs []string) error
	SetHeight(ctx context.Context, txid string, height, blockTime int64) error
	SetTip(ctx context.Context, height int64, hash string) error
	DeleteTransaction(ctx context.Context, txid string) error
}

// Crawler advances the chain tip: it pulls blocks from the source, feeds
// their transactions through the engine, rewinds on reorgs and expires
// stale mempool entries.
type Crawler struct {
	logger *slog.Logger
	source ChainSource
	engine Engine
	store  store.Store

	pollInterval       time.Duration
	mempoolExpiry      time.Duration
	mempoolExpiryCheck time.Duration
	reorgDepth         int64

	height int64
	hash   string

	waitGroup *sync.WaitGroup
	cancelAll context.CancelFunc
	ctx       context.Context
	now       func() time.Time
}

func WithPollInterval(d time.Duration) func(*Crawler) {
	return func(c *Crawler) {
		c.pollInterval = d
	}
}

func WithMempoolExpiry(expiry, checkInterval time.Duration) func(*Crawler) {
	return func(c *Crawler) {
		c.mempoolExpiry = expiry
		c.mempoolExpiryCheck = checkInterval
	}
}

func WithReorgDepth(depth int64) func(*Crawler) {
	return func(c *Crawler) {
		c.reorgDepth = depth
	}
}

func WithNow(nowFunc func() time.Time) func(*Crawler) {
	return func(c *Crawler) {
		c.now = nowFunc
	}
}

func New(logger *slog.Logger, source ChainSource, engine Engine, storeI store.Store, opts ...func(*Crawler)) (*Crawler, error) {
	if source == nil {
		return nil, ErrSourceNil
	}
	if engine == nil {
		return nil, ErrEngineNil
	}

	c := &Crawler{
		logger:             logger.With(slog.String("module", "crawler")),
		source:             source,
		engine:             engine,
		store:              storeI,
		pollInterval:       pollIntervalDefault,
		mempoolExpiry:      mempoolExpiryDefault,
		mempoolExpiryCheck: mempoolExpiryCheckDefault,
		reorgDepth:         reorgDepthDefault,
		waitGroup:          &sync.WaitGroup{},
		now:                time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	ctx, cancelAll := context.WithCancel(context.Background())
	c.cancelAll = cancelAll
	c.ctx = ctx

	return c, nil
}

// Start loads the persisted tip and launches the crawl and expiry workers.
func (c *Crawler) Start() error {
	height, hash, err := c.store.GetTip(c.ctx)
	if err != nil {
		return err
	}
	c.height = height
	c.hash = hash

	err = c.source.SubscribeMempool(c.ctx, c.processMempoolTx)
	if err != nil {
		return err
	}

	c.startCrawling()
	c.startMempoolExpiry()

	return nil
}

func (c *Crawler) GracefulStop() {
	c.cancelAll()
	c.waitGroup.Wait()
}

// Height returns the current tip height.
func (c *Crawler) Height() int64 {
	return c.height
}

// Hash returns the current tip hash.
func (c *Crawler) Hash() string {
	return c.hash
}

func (c *Crawler) startCrawling() {
	c.waitGroup.Add(1)

	go func() {
		defer c.waitGroup.Done()

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.crawl()
			}
		}
	}()
}

// crawl drains every block the source currently has.
func (c *Crawler) crawl() {
	for {
		block, err := c.source.GetNextBlock(c.ctx, c.height, c.hash)
		if errors.Is(err, ErrReorg) {
			c.rewind()
			continue
		}
		if err != nil {
			c.logger.Error("failed to get next block", slog.Int64("height", c.height), slog.String("err", err.Error()))
			return
		}
		if block == nil {
			return
		}

		if err = c.processBlock(block); err != nil {
			c.logger.Error("failed to process block", slog.Int64("height", block.Height), slog.String("hash", block.Hash), slog.String("err", err.Error()))
			return
		}
	}
}

func (c *Crawler) processBlock(block *Block) error {
	c.logger.Info("Processing block", slog.Int64("height", block.Height), slog.String("hash", block.Hash), slog.Int("txs", len(block.Txids)))

	for i, txid := range block.Txids {
		if err := c.engine.AddNew(c.ctx, txid, block.Height); err != nil {
			return err
		}
		if err := c.engine.SetHeight(c.ctx, txid, block.Height, block.Time); err != nil {
			return err
		}
		if err := c.storeParsed(txid, block.RawTxs[i]); err != nil {
			return err
		}
	}

	if err := c.engine.SetTip(c.ctx, block.Height, block.Hash); err != nil {
		return err
	}
	c.height = block.Height
	c.hash = block.Hash

	return nil
}

// storeParsed downloads-and-parses txid unless its bytes are already
// stored, e.g. when the transaction was seen in the mempool first.
func (c *Crawler) storeParsed(txid string, rawTx []byte) error {
	rec, err := c.store.GetTx(c.ctx, txid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if rec != nil && rec.Bytes != nil {
		return nil
	}

	parsed, err := parser.Parse(rawTx)
	if err != nil {
		c.logger.Warn("failed to parse transaction", slog.String("txid", txid), slog.String("err", err.Error()))
		return c.engine.StoreParsedNonExecutable(c.ctx, txid, rawTx, nil, nil)
	}

	if !parsed.Executable {
		return c.engine.StoreParsedNonExecutable(c.ctx, txid, rawTx, parsed.Inputs, parsed.Outputs)
	}
	return c.engine.StoreParsedExecutable(c.ctx, txid, rawTx, parsed.HasCode, parsed.Deps, parsed.Inputs, parsed.Outputs)
}

func (c *Crawler) processMempoolTx(txid string, rawTx []byte) {
	if err := c.engine.AddNew(c.ctx, txid, store.HeightMempool); err != nil {
		c.logger.Error("failed to add mempool transaction", slog.String("txid", txid), slog.String("err", err.Error()))
		return
	}
	if err := c.storeParsed(txid, rawTx); err != nil {
		c.logger.Error("failed to store mempool transaction", slog.String("txid", txid), slog.String("err", err.Error()))
	}
}

// rewind deletes every transaction above the fork point and backs the tip
// off so the source can serve the replacement chain.
func (c *Crawler) rewind() {
	rewindHeight := c.height - c.reorgDepth
	if rewindHeight < 0 {
		rewindHeight = -1
	}

	c.logger.Warn("Reorg detected, rewinding", slog.Int64("from", c.height), slog.Int64("to", rewindHeight))

	txids, err := c.store.GetTransactionsAboveHeight(c.ctx, rewindHeight)
	if err != nil {
		c.logger.Error("failed to get transactions above height", slog.Int64("height", rewindHeight), slog.String("err", err.Error()))
		return
	}
	for _, txid := range txids {
		if err = c.engine.DeleteTransaction(c.ctx, txid); err != nil {
			c.logger.Error("failed to delete reorged transaction", slog.String("txid", txid), slog.String("err", err.Error()))
			return
		}
	}

	// the hash is unknown until the source serves the next block for this
	// height again
	if err = c.engine.SetTip(c.ctx, rewindHeight, ""); err != nil {
		c.logger.Error("failed to reset tip", slog.Int64("height", rewindHeight), slog.String("err", err.Error()))
		return
	}
	c.height = rewindHeight
	c.hash = ""
}

func (c *Crawler) startMempoolExpiry() {
	c.waitGroup.Add(1)

	go func() {
		defer c.waitGroup.Done()

		ticker := time.NewTicker(c.mempoolExpiryCheck)
		defer ticker.Stop()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.expireMempool()
			}
		}
	}()
}

func (c *Crawler) expireMempool() {
	cutoff := c.now().Add(-c.mempoolExpiry).Unix()

	txids, err := c.store.GetMempoolTransactionsBeforeTime(c.ctx, cutoff)
	if err != nil {
		c.logger.Error("failed to get expired mempool transactions", slog.String("err", err.Error()))
		return
	}

	for _, txid := range txids {
		if err = c.engine.DeleteTransaction(c.ctx, txid); err != nil {
			c.logger.Error("failed to delete expired mempool transaction", slog.String("txid", txid), slog.String("err", err.Error()))
		}
	}

	if len(txids) > 0 {
		c.logger.Info("Expired mempool transactions", slog.Int("count", len(txids)))
	}
}
