package chainsource_test

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ordishs/go-bitcoin"
	"github.com/stretchr/testify/require"

	"github.com/runonbitcoin/indexer/internal/chainsource"
	"github.com/runonbitcoin/indexer/internal/crawler"
)

type fakeNode struct {
	hashesByHeight map[int]string
	blocks         map[string]*bitcoin.Block
	rawTxs         map[string]string
}

func (f *fakeNode) GetBlockHash(height int) (string, error) {
	hash, ok := f.hashesByHeight[height]
	if !ok {
		return "", errors.New("block height out of range")
	}
	return hash, nil
}

func (f *fakeNode) GetBlock(hash string) (*bitcoin.Block, error) {
	block, ok := f.blocks[hash]
	if !ok {
		return nil, errors.New("block not found")
	}
	return block, nil
}

func (f *fakeNode) GetRawTransactionHex(txid string) (*string, error) {
	rawHex, ok := f.rawTxs[txid]
	if !ok {
		return nil, errors.New("transaction not found")
	}
	return &rawHex, nil
}

func (f *fakeNode) GetRawMempool() ([]string, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetNextBlock(t *testing.T) {
	rawTx := []byte{0x01, 0x02}
	node := &fakeNode{
		hashesByHeight: map[int]string{100: "hash100", 101: "hash101"},
		blocks: map[string]*bitcoin.Block{
			"hash101": {
				Hash:              "hash101",
				Height:            101,
				Time:              1234,
				PreviousBlockHash: "hash100",
				Tx:                []string{"tx1"},
			},
		},
		rawTxs: map[string]string{"tx1": hex.EncodeToString(rawTx)},
	}

	source := chainsource.New(node, testLogger())

	block, err := source.GetNextBlock(context.Background(), 100, "hash100")
	require.NoError(t, err)
	require.Equal(t, int64(101), block.Height)
	require.Equal(t, "hash101", block.Hash)
	require.Equal(t, []string{"tx1"}, block.Txids)
	require.Equal(t, [][]byte{rawTx}, block.RawTxs)
}

func TestGetNextBlockAtTip(t *testing.T) {
	node := &fakeNode{
		hashesByHeight: map[int]string{100: "hash100"},
	}
	source := chainsource.New(node, testLogger())

	block, err := source.GetNextBlock(context.Background(), 100, "hash100")
	require.NoError(t, err)
	require.Nil(t, block)
}

func TestGetNextBlockDetectsReorg(t *testing.T) {
	node := &fakeNode{
		hashesByHeight: map[int]string{100: "otherhash", 101: "hash101"},
		blocks: map[string]*bitcoin.Block{
			"hash101": {Hash: "hash101", Height: 101, PreviousBlockHash: "otherhash"},
		},
	}
	source := chainsource.New(node, testLogger())

	_, err := source.GetNextBlock(context.Background(), 100, "hash100")
	require.ErrorIs(t, err, crawler.ErrReorg)
}
