package store

import (
	"context"
	"errors"
)

// Height sentinels for transactions that are not in a confirmed block.
const (
	HeightMempool = int64(-1)
	HeightUnknown = int64(-2)
)

var (
	ErrNotFound         = errors.New("record could not be found")
	ErrFailedToOpenDB   = errors.New("failed to open database")
	ErrFailedToMigrate  = errors.New("failed to migrate database schema")
	ErrFailedToRollback = errors.New("failed to rollback store transaction")
)

// TxRecord is the persisted per-transaction row. Bytes is nil until the raw
// transaction has been downloaded. HasCode is nil until the transaction has
// been parsed.
type TxRecord struct {
	Txid       string
	Height     int64
	Time       int64
	Bytes      []byte
	HasCode    *bool
	Executable bool
	Executed   bool
	Indexed    bool
}

// Edge asserts that executing Down requires Up to be indexed first.
type Edge struct {
	Up   string
	Down string
}

type JigState struct {
	Location   string
	State      string
	Class      *string
	Lock       *string
	Scripthash *string
}

type BerryState struct {
	Location string
	State    string
}

// UnspentFilter narrows GetAllUnspent. Nil fields match everything.
type UnspentFilter struct {
	Class      *string
	Lock       *string
	Scripthash *string
}

// Tx exposes the typed mutations available inside one atomic store
// transaction. Every engine mutator runs all of its writes through a single
// Tx; a returned error rolls the whole transaction back.
type Tx interface {
	InsertTx(rec *TxRecord) error
	GetTx(txid string) (*TxRecord, error)
	TxExists(txid string) (bool, error)
	SetTxDownloaded(txid string, rawTx []byte, hasCode, executable bool) error
	SetTxHeight(txid string, height, blockTime int64) error
	MarkTxExecuted(txid string) error
	MarkTxFailed(txid string) error
	MarkTxUnindexed(txid string) error
	DeleteTx(txid string) error

	InsertDep(up, down string) error
	DeleteDepsFor(txid string) error
	GetUpstream(txid string) ([]string, error)
	GetDownstream(txid string) ([]string, error)

	SetJig(jig *JigState) error
	SetBerry(berry *BerryState) error
	DeleteStatesFor(txid string) error

	SetSpend(location, spendTxid string) error
	SetUnspent(location string) error
	DeleteSpendsFor(txid string) error
	ClearSpendAttribution(txid string) error

	SetTrusted(txid string, trusted bool) error
	InsertBan(txid string) error
	DeleteBan(txid string) error

	SetTip(height int64, hash string) error
}

// Store is the durable backend of the indexer. WithTransaction is the only
// entry point for writes; readers may run outside a transaction.
type Store interface {
	WithTransaction(ctx context.Context, fn func(tx Tx) error) error

	GetTx(ctx context.Context, txid string) (*TxRecord, error)
	GetTxBytes(ctx context.Context, txid string) ([]byte, error)
	GetUnexecuted(ctx context.Context) ([]*TxRecord, error)
	GetUnexecutedEdges(ctx context.Context) ([]Edge, error)

	GetJig(ctx context.Context, location string) (*JigState, error)
	GetBerry(ctx context.Context, location string) (*BerryState, error)

	GetSpend(ctx context.Context, location string) (*string, error)
	GetAllUnspent(ctx context.Context, filter *UnspentFilter) ([]string, error)
	GetNumUnspent(ctx context.Context) (int64, error)

	GetTrusted(ctx context.Context) ([]string, error)
	GetBanned(ctx context.Context) ([]string, error)

	GetTip(ctx context.Context) (height int64, hash string, err error)
	GetTransactionsAboveHeight(ctx context.Context, height int64) ([]string, error)
	GetMempoolTransactionsBeforeTime(ctx context.Context, time int64) ([]string, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
