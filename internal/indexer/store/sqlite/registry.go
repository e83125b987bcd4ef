package sqlite

import (
	"context"
)

func (t *dbTx) SetTrusted(txid string, trusted bool) error {
	q := `INSERT OR REPLACE INTO trust (txid, value) VALUES ($1, $2);`
	_, err := t.tx.Exec(q, txid, boolToInt(trusted))
	return err
}

func (t *dbTx) InsertBan(txid string) error {
	_, err := t.tx.Exec(`INSERT OR IGNORE INTO ban (txid) VALUES ($1);`, txid)
	return err
}

func (t *dbTx) DeleteBan(txid string) error {
	_, err := t.tx.Exec(`DELETE FROM ban WHERE txid = $1;`, txid)
	return err
}

func (s *SQLite) GetTrusted(ctx context.Context) ([]string, error) {
	return s.queryTxids(ctx, `SELECT txid FROM trust WHERE value = 1;`)
}

func (s *SQLite) GetBanned(ctx context.Context) ([]string, error) {
	return s.queryTxids(ctx, `SELECT txid FROM ban;`)
}

func (s *SQLite) queryTxids(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txids []string
	for rows.Next() {
		var txid string
		if err = rows.Scan(&txid); err != nil {
			return nil, err
		}
		txids = append(txids, txid)
	}

	return txids, rows.Err()
}
