package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generations (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT NOT NULL REFERENCES generations(name) ON DELETE CASCADE,
	key        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     TEXT NOT NULL,
	body       BLOB NOT NULL,
	type       TEXT NOT NULL,
	stored_at  INTEGER NOT NULL,
	hash32     INTEGER NOT NULL,
	PRIMARY KEY (generation, key)
);`

// SQLite stores generations in a single database file.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer keeps the foreign key pragma on every connection in use.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Open(ctx context.Context, name string) (Generation, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("open generation %q: %w", name, err)
	}
	return &sqliteGeneration{store: s, name: name}, nil
}

func (s *SQLite) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations WHERE name = ?`, name).Scan(&n)
	return n > 0, err
}

func (s *SQLite) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM generations ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete generation %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteGeneration struct {
	store *SQLite
	name  string
}

func (g *sqliteGeneration) Name() string { return g.name }

func (g *sqliteGeneration) Match(ctx context.Context, key string) (Entry, bool, error) {
	var (
		ent    Entry
		header string
	)
	err := g.store.db.QueryRowContext(ctx,
		`SELECT status, header, body, type, stored_at, hash32 FROM entries WHERE generation = ? AND key = ?`,
		g.name, key,
	).Scan(&ent.Status, &header, &ent.Body, &ent.Type, &ent.StoredAt, &ent.Hash32)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	ent.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &ent.Header); err != nil {
		return Entry{}, false, fmt.Errorf("decode header for %q: %w", key, err)
	}
	return ent, true, nil
}

func (g *sqliteGeneration) Put(ctx context.Context, key string, ent Entry) error {
	return g.PutBatch(ctx, []Record{{Key: key, Entry: ent}})
}

func (g *sqliteGeneration) PutBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := g.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations WHERE name = ?`, g.name).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrGenerationGone
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO entries (generation, key, status, header, body, type, stored_at, hash32)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(generation, key) DO UPDATE SET
	status = excluded.status, header = excluded.header, body = excluded.body,
	type = excluded.type, stored_at = excluded.stored_at, hash32 = excluded.hash32`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		hb, err := json.Marshal(r.Entry.Header)
		if err != nil {
			return fmt.Errorf("encode header for %q: %w", r.Key, err)
		}
		body := r.Entry.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, g.name, r.Key, r.Entry.Status, string(hb), body,
			r.Entry.Type, r.Entry.StoredAt, r.Entry.Hash32); err != nil {
			return fmt.Errorf("insert %q: %w", r.Key, err)
		}
	}
	return tx.Commit()
}

func (g *sqliteGeneration) Keys(ctx context.Context) ([]string, error) {
	rows, err := g.store.db.QueryContext(ctx,
		`SELECT key FROM entries WHERE generation = ? ORDER BY key`, g.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
