// Package audit implements an append-only sqlite3 journal of connection and
// routing lifecycle events. It never stores chat payloads, only the
// metadata needed to reconstruct who connected, when, and what happened to
// their frames. Grounded on db/atlasdb's DB shape (sqlx.Connect against a
// WAL-mode sqlite3 file) and db/pdatadb's versioned migration idiom.
package audit

import (
	"context"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// Kind enumerates the event kinds the journal records.
type Kind string

const (
	KindConnOpened      Kind = "conn_opened"
	KindConnClassified  Kind = "conn_classified"
	KindConnClosed      Kind = "conn_closed"
	KindChatRouted      Kind = "chat_routed"
	KindChatRoutingMiss Kind = "chat_routing_miss"
	KindReplayRejected  Kind = "replay_rejected"
)

// DB stores audit events in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename, creating it and
// running every migration if it doesn't already exist.
func Open(ctx context.Context, name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-8000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	db := &DB{x}

	_, required, err := db.Version()
	if err != nil {
		x.Close()
		return nil, err
	}
	if err := db.MigrateUp(ctx, required); err != nil {
		x.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// Event is one row of the journal.
type Event struct {
	ID       int64     `db:"id"`
	Time     time.Time `db:"-"`
	TSMillis int64     `db:"ts_ms"`
	ConnID   uint64    `db:"conn_id"`
	Kind     Kind      `db:"kind"`
	Address  string    `db:"address"`
	Identity string    `db:"identity"`
	Detail   string    `db:"detail"`
}

// Append records one event. now is passed in rather than read from
// time.Now so callers (and tests) control the stamped timestamp.
func (db *DB) Append(ctx context.Context, now time.Time, connID uint64, kind Kind, address, identity, detail string) error {
	_, err := db.x.NamedExecContext(ctx, `
		INSERT INTO
		events ( ts_ms,  conn_id,  kind,  address,  identity,  detail)
		VALUES (:ts_ms, :conn_id, :kind, :address, :identity, :detail)
	`, map[string]any{
		"ts_ms":    now.UnixMilli(),
		"conn_id":  connID,
		"kind":     string(kind),
		"address":  address,
		"identity": identity,
		"detail":   detail,
	})
	return err
}

// RecentByConn returns the most recent events for a connection, newest
// first, capped at limit rows. Intended for admin/debugging use, not the
// routing hot path.
func (db *DB) RecentByConn(ctx context.Context, connID uint64, limit int) ([]Event, error) {
	var rows []struct {
		ID       int64  `db:"id"`
		TSMillis int64  `db:"ts_ms"`
		ConnID   uint64 `db:"conn_id"`
		Kind     string `db:"kind"`
		Address  string `db:"address"`
		Identity string `db:"identity"`
		Detail   string `db:"detail"`
	}
	if err := db.x.SelectContext(ctx, &rows, `
		SELECT id, ts_ms, conn_id, kind, address, identity, detail
		FROM events WHERE conn_id = ? ORDER BY ts_ms DESC, id DESC LIMIT ?
	`, connID, limit); err != nil {
		return nil, err
	}

	events := make([]Event, len(rows))
	for i, r := range rows {
		events[i] = Event{
			ID:       r.ID,
			Time:     time.UnixMilli(r.TSMillis).UTC(),
			TSMillis: r.TSMillis,
			ConnID:   r.ConnID,
			Kind:     Kind(r.Kind),
			Address:  r.Address,
			Identity: r.Identity,
			Detail:   r.Detail,
		}
	}
	return events, nil
}
