package sqlite

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
)

const schemaVersion = 2

// migrate reads the user_version pragma and applies every missing migration,
// each inside its own write transaction. Version 1 is the initial layout,
// version 2 replaces the hex-encoded transaction column with a binary one
// and compacts the file.
func migrate(db *sql.DB, logger *slog.Logger) error {
	version, err := userVersion(db)
	if err != nil {
		return err
	}

	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}

	compact := false
	for version < schemaVersion {
		next := version + 1
		logger.Info("Migrating database schema", slog.Int64("from", version), slog.Int64("to", next))

		tx, err := db.Begin()
		if err != nil {
			return err
		}

		switch next {
		case 1:
			err = migrateV1(tx)
		case 2:
			err = migrateV2(tx)
			compact = true
		}
		if err == nil {
			_, err = tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", next))
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration to version %d failed: %w", next, err)
		}
		if err = tx.Commit(); err != nil {
			return err
		}

		version = next
	}

	if compact {
		if _, err = db.Exec("VACUUM;"); err != nil {
			return err
		}
	}

	return nil
}

func userVersion(db *sql.DB) (int64, error) {
	var version int64
	err := db.QueryRow("PRAGMA user_version;").Scan(&version)
	return version, err
}

func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tx (
			txid TEXT NOT NULL,
			height INTEGER,
			time INTEGER,
			hex TEXT,
			has_code INTEGER,
			executable INTEGER,
			executed INTEGER,
			indexed INTEGER
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tx_txid_index ON tx (txid);`,
		`CREATE TABLE IF NOT EXISTS deps (
			up TEXT NOT NULL,
			down TEXT NOT NULL,
			UNIQUE(up, down)
		);`,
		`CREATE TABLE IF NOT EXISTS jig (
			location TEXT NOT NULL PRIMARY KEY,
			state TEXT NOT NULL,
			class TEXT,
			lock TEXT,
			scripthash TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS jig_class_index ON jig (class);`,
		`CREATE TABLE IF NOT EXISTS berry (
			location TEXT NOT NULL PRIMARY KEY,
			state TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS spends (
			location TEXT NOT NULL PRIMARY KEY,
			spend_txid TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS trust (
			txid TEXT NOT NULL PRIMARY KEY,
			value INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS ban (
			txid TEXT NOT NULL PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS crawl (
			role TEXT UNIQUE,
			height INTEGER,
			hash TEXT
		);`,
		`INSERT OR IGNORE INTO crawl (role, height, hash) VALUES ('tip', -1, NULL);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

// migrateV2 rewrites the tx table with a BLOB column for the raw
// transaction, converting any hex rows in place.
func migrateV2(tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE tx RENAME TO tx_v1;`,
		`CREATE TABLE tx (
			txid TEXT NOT NULL,
			height INTEGER,
			time INTEGER,
			bytes BLOB,
			has_code INTEGER,
			executable INTEGER,
			executed INTEGER,
			indexed INTEGER
		);`,
		`DROP INDEX IF EXISTS tx_txid_index;`,
		`CREATE UNIQUE INDEX tx_txid_index ON tx (txid);`,
		`INSERT INTO tx (txid, height, time, bytes, has_code, executable, executed, indexed)
			SELECT txid, height, time, NULL, has_code, executable, executed, indexed FROM tx_v1;`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	rows, err := tx.Query(`SELECT txid, hex FROM tx_v1 WHERE hex IS NOT NULL;`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type converted struct {
		txid  string
		bytes []byte
	}
	var pending []converted
	for rows.Next() {
		var txid, rawHex string
		if err = rows.Scan(&txid, &rawHex); err != nil {
			return err
		}
		rawTx, err := hex.DecodeString(rawHex)
		if err != nil {
			return fmt.Errorf("transaction %s has invalid hex: %w", txid, err)
		}
		pending = append(pending, converted{txid: txid, bytes: rawTx})
	}
	if err = rows.Err(); err != nil {
		return err
	}

	for _, c := range pending {
		if _, err = tx.Exec(`UPDATE tx SET bytes = $1 WHERE txid = $2;`, c.bytes, c.txid); err != nil {
			return err
		}
	}

	_, err = tx.Exec(`DROP TABLE tx_v1;`)
	return err
}

// Well-known class transactions trusted out of the box. INSERT OR IGNORE so
// user edits survive restarts.
var defaultTrustlist = []string{
	"3f9de452f0c3c96be737d42aa0941b27412211976688967f06d5b8b2c1a9a096",
	"61e1265acb3d93f1bf24a593d70b2a6b1c650ec1df90ddece8d6954ae3cdd915",
	"49145693676af7567ebe20671c5cb01369ac788c20f3b1c804f624a1eda18f3f",
	"284ce17fd34c0f41835435b03eed149c4e0479361f40132312b4001093bb158f",
	"6fe169894d313b44bd54154f88e1f78634c7f5a23863d1713342526b86a39b8b",
	"8b9380d445b9e9e53a564b3e0ed6d35fcda6b7cb5f321530a469a2b3b32b0a16",
	"5435ae2760dc35f4329501c61c42e24f6a744861c22f8e0f04735637c20ce987",
	"d476fd7309a0eeb8b92d715e35c6e273ad63c0025ff6cca927bd0f0b64ed88ff",
	"312985bd960ae4c59856b3089b04017ede66506ea181333eec7c9bb88b11c490",
	"05f67252e696160a7c0099ae8d1ec23c39592378773b3a5a32b1158ce8d44217",
}

func seedTrustlist(db *sql.DB) error {
	for _, txid := range defaultTrustlist {
		if _, err := db.Exec(`INSERT OR IGNORE INTO trust (txid, value) VALUES ($1, 1);`, txid); err != nil {
			return err
		}
	}
	return nil
}
