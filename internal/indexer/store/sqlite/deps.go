package sqlite

func (t *dbTx) InsertDep(up, down string) error {
	_, err := t.tx.Exec(`INSERT OR IGNORE INTO deps (up, down) VALUES ($1, $2);`, up, down)
	return err
}

func (t *dbTx) DeleteDepsFor(txid string) error {
	_, err := t.tx.Exec(`DELETE FROM deps WHERE up = $1 OR down = $1;`, txid)
	return err
}

func (t *dbTx) GetUpstream(txid string) ([]string, error) {
	return t.queryTxids(`SELECT up FROM deps WHERE down = $1;`, txid)
}

func (t *dbTx) GetDownstream(txid string) ([]string, error) {
	return t.queryTxids(`SELECT down FROM deps WHERE up = $1;`, txid)
}

func (t *dbTx) queryTxids(q string, args ...any) ([]string, error) {
	rows, err := t.tx.Query(q, args...)
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
