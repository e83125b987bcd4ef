// Package chainsource implements crawler.ChainSource against a bitcoin
// node's RPC interface.
package chainsource

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ordishs/go-bitcoin"
	"github.com/patrickmn/go-cache"

	"github.com/runonbitcoin/indexer/internal/crawler"
)

var ErrFailedToFetchTransaction = errors.New("failed to fetch raw transaction")

const (
	mempoolPollIntervalDefault = 10 * time.Second
	seenTxExpiry               = time.Hour
)

// NodeRPC is the slice of the node client the source needs.
type NodeRPC interface {
	GetBlockHash(height int) (string, error)
	GetBlock(hash string) (*bitcoin.Block, error)
	GetRawTransactionHex(txid string) (*string, error)
	GetRawMempool() ([]string, error)
}

// NodeSource pulls blocks and mempool contents from a bitcoin node.
type NodeSource struct {
	node   NodeRPC
	logger *slog.Logger

	mempoolPollInterval time.Duration
	seenTxs             *cache.Cache

	waitGroup *sync.WaitGroup
}

func WithMempoolPollInterval(d time.Duration) func(*NodeSource) {
	return func(s *NodeSource) {
		s.mempoolPollInterval = d
	}
}

func New(node NodeRPC, logger *slog.Logger, opts ...func(*NodeSource)) *NodeSource {
	s := &NodeSource{
		node:                node,
		logger:              logger.With(slog.String("module", "chainsource")),
		mempoolPollInterval: mempoolPollIntervalDefault,
		seenTxs:             cache.New(seenTxExpiry, 2*seenTxExpiry),
		waitGroup:           &sync.WaitGroup{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewFromRPC dials the node described by the connection parameters.
func NewFromRPC(host string, port int, user, password string, useSSL bool, logger *slog.Logger, opts ...func(*NodeSource)) (*NodeSource, error) {
	node, err := bitcoin.New(host, port, user, password, useSSL)
	if err != nil {
		return nil, err
	}
	return New(node, logger, opts...), nil
}

// GetNextBlock returns the block following (height, hash), crawler.ErrReorg
// when that position left the best chain, or nil when the tip is reached.
func (s *NodeSource) GetNextBlock(_ context.Context, height int64, hash string) (*crawler.Block, error) {
	if hash != "" {
		currentHash, err := s.node.GetBlockHash(int(height))
		if err != nil || currentHash != hash {
			return nil, crawler.ErrReorg
		}
	}

	nextHash, err := s.node.GetBlockHash(int(height) + 1)
	if err != nil {
		// the node reports "block height out of range" at the tip
		if strings.Contains(err.Error(), "out of range") {
			return nil, nil
		}
		return nil, err
	}

	block, err := s.node.GetBlock(nextHash)
	if err != nil {
		return nil, err
	}
	if hash != "" && block.PreviousBlockHash != hash {
		return nil, crawler.ErrReorg
	}

	rawTxs := make([][]byte, 0, len(block.Tx))
	for _, txid := range block.Tx {
		rawTx, err := s.fetchRawTx(txid)
		if err != nil {
			return nil, err
		}
		rawTxs = append(rawTxs, rawTx)
	}

	return &crawler.Block{
		Height: int64(block.Height),
		Hash:   block.Hash,
		Time:   int64(block.Time),
		Txids:  block.Tx,
		RawTxs: rawTxs,
	}, nil
}

// SubscribeMempool polls the node's mempool and hands each transaction to
// the handler exactly once per seen-cache window.
func (s *NodeSource) SubscribeMempool(ctx context.Context, handler func(txid string, rawTx []byte)) error {
	s.waitGroup.Add(1)

	go func() {
		defer s.waitGroup.Done()

		ticker := time.NewTicker(s.mempoolPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pollMempool(handler)
			}
		}
	}()

	return nil
}

func (s *NodeSource) pollMempool(handler func(txid string, rawTx []byte)) {
	txids, err := s.node.GetRawMempool()
	if err != nil {
		s.logger.Error("failed to fetch mempool", slog.String("err", err.Error()))
		return
	}

	for _, txid := range txids {
		if _, seen := s.seenTxs.Get(txid); seen {
			continue
		}
		rawTx, err := s.fetchRawTx(txid)
		if err != nil {
			s.logger.Warn("failed to fetch mempool transaction", slog.String("txid", txid), slog.String("err", err.Error()))
			continue
		}
		s.seenTxs.Set(txid, struct{}{}, cache.DefaultExpiration)
		handler(txid, rawTx)
	}
}

func (s *NodeSource) fetchRawTx(txid string) ([]byte, error) {
	rawHex, err := s.node.GetRawTransactionHex(txid)
	if err != nil {
		return nil, errors.Join(ErrFailedToFetchTransaction, fmt.Errorf("txid: %s", txid), err)
	}

	rawTx, err := hex.DecodeString(*rawHex)
	if err != nil {
		return nil, errors.Join(ErrFailedToFetchTransaction, fmt.Errorf("txid: %s", txid), err)
	}
	return rawTx, nil
}

func (s *NodeSource) GracefulStop() {
	s.waitGroup.Wait()
}
