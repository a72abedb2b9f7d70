package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore keeps snapshots in a `snapshots` table. The same schema serves
// SQLite (lite mode) and PostgreSQL; only placeholders and the id column differ.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

type dialect struct {
	name        string
	createTable string
	insert      string
	latest      string
}

var sqliteDialect = dialect{
	name: "sqlite",
	createTable: `
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at TEXT NOT NULL,
		format TEXT NOT NULL,
		head TEXT NOT NULL,
		digest TEXT NOT NULL,
		body BLOB NOT NULL
	);`,
	insert: "INSERT INTO snapshots (taken_at, format, head, digest, body) VALUES (?, ?, ?, ?, ?)",
	latest: "SELECT body FROM snapshots ORDER BY id DESC LIMIT 1",
}

var postgresDialect = dialect{
	name: "postgres",
	createTable: `
	CREATE TABLE IF NOT EXISTS snapshots (
		id BIGSERIAL PRIMARY KEY,
		taken_at TIMESTAMPTZ NOT NULL,
		format TEXT NOT NULL,
		head TEXT NOT NULL,
		digest TEXT NOT NULL,
		body JSONB NOT NULL
	)`,
	insert: "INSERT INTO snapshots (taken_at, format, head, digest, body) VALUES ($1, $2, $3, $4, $5)",
	latest: "SELECT body FROM snapshots ORDER BY id DESC LIMIT 1",
}

// NewSQLiteStore opens the store on a SQLite handle and creates the table.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, sqliteDialect)
}

// NewPostgresStore opens the store on a PostgreSQL handle and creates the table.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, postgresDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if _, err := db.ExecContext(ctx, d.createTable); err != nil {
		return nil, fmt.Errorf("%s: failed to migrate snapshots: %w", d.name, err)
	}
	return s, nil
}

// Save inserts doc.
func (s *SQLStore) Save(ctx context.Context, doc *Document) error {
	raw, err := Encode(doc)
	if err != nil {
		return err
	}

	var takenAt, body any = doc.TakenAt.UTC(), string(raw)
	if s.dialect.name == "sqlite" {
		takenAt, body = doc.TakenAt.UTC().Format(time.RFC3339Nano), raw
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.insert, takenAt, doc.Format, doc.Head, doc.Digest, body); err != nil {
		return fmt.Errorf("%s: failed to insert snapshot: %w", s.dialect.name, err)
	}
	return nil
}

// Latest loads the most recently inserted snapshot.
func (s *SQLStore) Latest(ctx context.Context) (*Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, s.dialect.latest).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("%s: failed to load snapshot: %w", s.dialect.name, err)
	}
	return Decode(raw)
}
