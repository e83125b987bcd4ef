package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/runonbitcoin/indexer/internal/indexer/store"
)

func (t *dbTx) SetJig(jig *store.JigState) error {
	q := `INSERT OR REPLACE INTO jig (location, state, class, lock, scripthash)
		VALUES ($1, $2, $3, $4, $5);`
	_, err := t.tx.Exec(q, jig.Location, jig.State, jig.Class, jig.Lock, jig.Scripthash)
	return err
}

func (t *dbTx) SetBerry(berry *store.BerryState) error {
	q := `INSERT OR REPLACE INTO berry (location, state) VALUES ($1, $2);`
	_, err := t.tx.Exec(q, berry.Location, berry.State)
	return err
}

// DeleteStatesFor removes every jig and berry state whose location is
// derived from txid. Locations are always "<txid>_..." so a prefix match is
// sufficient.
func (t *dbTx) DeleteStatesFor(txid string) error {
	if _, err := t.tx.Exec(`DELETE FROM jig WHERE location LIKE $1 || '%';`, txid); err != nil {
		return err
	}
	_, err := t.tx.Exec(`DELETE FROM berry WHERE location LIKE $1 || '%';`, txid)
	return err
}

func (s *SQLite) GetJig(ctx context.Context, location string) (*store.JigState, error) {
	q := `SELECT location, state, class, lock, scripthash FROM jig WHERE location = $1 LIMIT 1;`

	jig := &store.JigState{}
	err := s.db.QueryRowContext(ctx, q, location).Scan(&jig.Location, &jig.State, &jig.Class, &jig.Lock, &jig.Scripthash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return jig, nil
}

func (s *SQLite) GetBerry(ctx context.Context, location string) (*store.BerryState, error) {
	q := `SELECT location, state FROM berry WHERE location = $1 LIMIT 1;`

	berry := &store.BerryState{}
	err := s.db.QueryRowContext(ctx, q, location).Scan(&berry.Location, &berry.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return berry, nil
}
