package audit

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE events (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms    INTEGER NOT NULL,
			conn_id  INTEGER NOT NULL,
			kind     TEXT NOT NULL,
			address  TEXT NOT NULL DEFAULT '',
			identity TEXT NOT NULL DEFAULT '',
			detail   TEXT NOT NULL DEFAULT ''
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX events_conn_id_idx ON events(conn_id, ts_ms)`); err != nil {
		return err
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX events_conn_id_idx`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE events`); err != nil {
		return err
	}
	return nil
}
