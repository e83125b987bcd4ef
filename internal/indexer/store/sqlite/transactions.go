package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/runonbitcoin/indexer/internal/indexer/store"
)

const selectTxColumns = `SELECT txid, height, time, bytes, has_code, executable, executed, indexed FROM tx`

func (t *dbTx) InsertTx(rec *store.TxRecord) error {
	q := `INSERT OR IGNORE INTO tx (txid, height, time, bytes, has_code, executable, executed, indexed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	var height sql.NullInt64
	if rec.Height != store.HeightUnknown {
		height = sql.NullInt64{Int64: rec.Height, Valid: true}
	}

	var hasCode sql.NullBool
	if rec.HasCode != nil {
		hasCode = sql.NullBool{Bool: *rec.HasCode, Valid: true}
	}

	_, err := t.tx.Exec(q, rec.Txid, height, rec.Time, rec.Bytes, hasCode,
		boolToInt(rec.Executable), boolToInt(rec.Executed), boolToInt(rec.Indexed))
	return err
}

func (t *dbTx) GetTx(txid string) (*store.TxRecord, error) {
	row := t.tx.QueryRow(selectTxColumns+` WHERE txid = $1 LIMIT 1;`, txid)
	return scanTxRecord(row)
}

func (t *dbTx) TxExists(txid string) (bool, error) {
	var one int
	err := t.tx.QueryRow(`SELECT 1 FROM tx WHERE txid = $1 LIMIT 1;`, txid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *dbTx) SetTxDownloaded(txid string, rawTx []byte, hasCode, executable bool) error {
	q := `UPDATE tx SET bytes = $1, has_code = $2, executable = $3 WHERE txid = $4;`
	return execAffectingOne(t.tx, q, rawTx, boolToInt(hasCode), boolToInt(executable), txid)
}

func (t *dbTx) SetTxHeight(txid string, height, blockTime int64) error {
	q := `UPDATE tx SET height = $1, time = $2 WHERE txid = $3;`
	return execAffectingOne(t.tx, q, height, blockTime, txid)
}

func (t *dbTx) MarkTxExecuted(txid string) error {
	q := `UPDATE tx SET executed = 1, indexed = 1 WHERE txid = $1;`
	return execAffectingOne(t.tx, q, txid)
}

func (t *dbTx) MarkTxFailed(txid string) error {
	q := `UPDATE tx SET executable = 0, executed = 1, indexed = 0 WHERE txid = $1;`
	return execAffectingOne(t.tx, q, txid)
}

func (t *dbTx) MarkTxUnindexed(txid string) error {
	q := `UPDATE tx SET executed = 0, indexed = 0 WHERE txid = $1;`
	return execAffectingOne(t.tx, q, txid)
}

func (t *dbTx) DeleteTx(txid string) error {
	_, err := t.tx.Exec(`DELETE FROM tx WHERE txid = $1;`, txid)
	return err
}

func (s *SQLite) GetTx(ctx context.Context, txid string) (*store.TxRecord, error) {
	row := s.db.QueryRowContext(ctx, selectTxColumns+` WHERE txid = $1 LIMIT 1;`, txid)
	return scanTxRecord(row)
}

func (s *SQLite) GetTxBytes(ctx context.Context, txid string) ([]byte, error) {
	var rawTx []byte
	err := s.db.QueryRowContext(ctx, `SELECT bytes FROM tx WHERE txid = $1 LIMIT 1;`, txid).Scan(&rawTx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rawTx == nil {
		return nil, store.ErrNotFound
	}
	return rawTx, nil
}

// GetUnexecuted returns the rows from which the in-memory graph is rebuilt
// on open: executable but not yet executed, or not yet downloaded.
func (s *SQLite) GetUnexecuted(ctx context.Context) ([]*store.TxRecord, error) {
	q := selectTxColumns + ` WHERE (executable = 1 AND executed = 0) OR bytes IS NULL;`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*store.TxRecord
	for rows.Next() {
		rec, err := scanTxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// GetUnexecutedEdges returns the persisted edges whose downstream endpoint
// is itself unexecuted.
func (s *SQLite) GetUnexecutedEdges(ctx context.Context) ([]store.Edge, error) {
	q := `SELECT d.up, d.down FROM deps d
		JOIN tx t ON t.txid = d.down
		WHERE (t.executable = 1 AND t.executed = 0) OR t.bytes IS NULL;`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []store.Edge
	for rows.Next() {
		var edge store.Edge
		if err = rows.Scan(&edge.Up, &edge.Down); err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}

	return edges, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTxRecord(row rowScanner) (*store.TxRecord, error) {
	rec := &store.TxRecord{}

	var height sql.NullInt64
	var txTime sql.NullInt64
	var hasCode sql.NullBool
	var executable, executed, indexed sql.NullInt64

	err := row.Scan(&rec.Txid, &height, &txTime, &rec.Bytes, &hasCode, &executable, &executed, &indexed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Height = store.HeightUnknown
	if height.Valid {
		rec.Height = height.Int64
	}
	if txTime.Valid {
		rec.Time = txTime.Int64
	}
	if hasCode.Valid {
		value := hasCode.Bool
		rec.HasCode = &value
	}
	rec.Executable = executable.Valid && executable.Int64 == 1
	rec.Executed = executed.Valid && executed.Int64 == 1
	rec.Indexed = indexed.Valid && indexed.Int64 == 1

	return rec, nil
}

func execAffectingOne(tx *sql.Tx, q string, args ...any) error {
	result, err := tx.Exec(q, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
