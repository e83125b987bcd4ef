package sqlite

import (
	"context"
	"database/sql"

	"github.com/runonbitcoin/indexer/internal/indexer/store"
)

func (t *dbTx) SetTip(height int64, hash string) error {
	q := `UPDATE crawl SET height = $1, hash = $2 WHERE role = 'tip';`
	_, err := t.tx.Exec(q, height, hash)
	return err
}

func (s *SQLite) GetTip(ctx context.Context) (int64, string, error) {
	var height sql.NullInt64
	var hash sql.NullString

	err := s.db.QueryRowContext(ctx, `SELECT height, hash FROM crawl WHERE role = 'tip' LIMIT 1;`).Scan(&height, &hash)
	if err != nil {
		return 0, "", err
	}

	tipHeight := int64(-1)
	if height.Valid {
		tipHeight = height.Int64
	}

	return tipHeight, hash.String, nil
}

func (s *SQLite) GetTransactionsAboveHeight(ctx context.Context, height int64) ([]string, error) {
	return s.queryTxids(ctx, `SELECT txid FROM tx WHERE height > $1;`, height)
}

func (s *SQLite) GetMempoolTransactionsBeforeTime(ctx context.Context, time int64) ([]string, error) {
	return s.queryTxids(ctx, `SELECT txid FROM tx WHERE height = $1 AND time < $2;`, store.HeightMempool, time)
}
