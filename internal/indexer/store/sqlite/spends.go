package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/runonbitcoin/indexer/internal/indexer/store"
)

func (t *dbTx) SetSpend(location, spendTxid string) error {
	q := `INSERT OR REPLACE INTO spends (location, spend_txid) VALUES ($1, $2);`
	_, err := t.tx.Exec(q, location, spendTxid)
	return err
}

// SetUnspent records a fresh output location. It never overwrites an
// existing spend attribution.
func (t *dbTx) SetUnspent(location string) error {
	q := `INSERT OR IGNORE INTO spends (location, spend_txid) VALUES ($1, NULL);`
	_, err := t.tx.Exec(q, location)
	return err
}

func (t *dbTx) DeleteSpendsFor(txid string) error {
	_, err := t.tx.Exec(`DELETE FROM spends WHERE location LIKE $1 || '%';`, txid)
	return err
}

// ClearSpendAttribution resets outputs spent by txid back to unspent, used
// when txid is deleted.
func (t *dbTx) ClearSpendAttribution(txid string) error {
	_, err := t.tx.Exec(`UPDATE spends SET spend_txid = NULL WHERE spend_txid = $1;`, txid)
	return err
}

func (s *SQLite) GetSpend(ctx context.Context, location string) (*string, error) {
	var spendTxid sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT spend_txid FROM spends WHERE location = $1 LIMIT 1;`, location).Scan(&spendTxid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !spendTxid.Valid {
		return nil, nil
	}
	return &spendTxid.String, nil
}

// GetAllUnspent returns unspent locations that also carry jig metadata,
// optionally filtered on class, lock and scripthash in any combination.
func (s *SQLite) GetAllUnspent(ctx context.Context, filter *store.UnspentFilter) ([]string, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT s.location FROM spends s JOIN jig j ON j.location = s.location WHERE s.spend_txid IS NULL`)

	var args []any
	if filter != nil {
		if filter.Class != nil {
			args = append(args, *filter.Class)
			sb.WriteString(` AND j.class = ?`)
		}
		if filter.Lock != nil {
			args = append(args, *filter.Lock)
			sb.WriteString(` AND j.lock = ?`)
		}
		if filter.Scripthash != nil {
			args = append(args, *filter.Scripthash)
			sb.WriteString(` AND j.scripthash = ?`)
		}
	}
	sb.WriteString(`;`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []string
	for rows.Next() {
		var location string
		if err = rows.Scan(&location); err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}

	return locations, rows.Err()
}

func (s *SQLite) GetNumUnspent(ctx context.Context) (int64, error) {
	q := `SELECT COUNT(*) FROM spends s JOIN jig j ON j.location = s.location WHERE s.spend_txid IS NULL;`

	var count int64
	err := s.db.QueryRowContext(ctx, q).Scan(&count)
	return count, err
}
