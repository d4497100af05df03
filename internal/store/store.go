// Package store is the data-access layer for the index: documents, the term
// dictionary, postings, the global document statistics row and stored
// embeddings. Every helper takes a database.Querier so the Index Service can
// compose them inside one transaction.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/XcloudFance/Verdant-Search/pkg/database"
)

type Store struct {
	db *database.Client
}

func New(db *database.Client) *Store {
	return &Store{db: db}
}

// DB exposes the underlying client for transactions and non-transactional
// reads.
func (s *Store) DB() *database.Client {
	return s.db
}

// Dialect reports the SQL flavour of the underlying database.
func (s *Store) Dialect() database.Dialect {
	return s.db.Dialect
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := sqliteSchema
	if s.db.Dialect == database.Postgres {
		stmts = postgresSchema
	}
	for i, stmt := range stmts {
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %d: %w", i, err)
		}
	}
	return nil
}

// forUpdate returns the row-locking suffix for point lookups that precede a
// write. SQLite serializes writers at the connection level instead.
func (s *Store) forUpdate() string {
	if s.db.Dialect == database.Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// placeholders renders "$start, $start+1, ..." for n arguments.
func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(start + i))
	}
	return b.String()
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id           BIGSERIAL PRIMARY KEY,
		title        TEXT NOT NULL DEFAULT '',
		content      TEXT NOT NULL DEFAULT '',
		url          TEXT UNIQUE,
		source_type  TEXT NOT NULL DEFAULT '',
		length       INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		metadata     TEXT NOT NULL DEFAULT '{}',
		images       TEXT NOT NULL DEFAULT '[]',
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS terms (
		id              BIGSERIAL PRIMARY KEY,
		term            TEXT NOT NULL UNIQUE,
		doc_frequency   BIGINT NOT NULL DEFAULT 0,
		total_frequency BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS postings (
		id             BIGSERIAL PRIMARY KEY,
		term_id        BIGINT NOT NULL REFERENCES terms(id),
		document_id    BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		term_frequency INTEGER NOT NULL,
		positions      TEXT NOT NULL DEFAULT '[]',
		UNIQUE (term_id, document_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_postings_document ON postings(document_id)`,
	`CREATE TABLE IF NOT EXISTS doc_stats (
		id             INTEGER PRIMARY KEY CHECK (id = 1),
		total_docs     BIGINT NOT NULL DEFAULT 0,
		avg_doc_length DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS document_embeddings (
		document_id BIGINT PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
		model       TEXT NOT NULL,
		dimension   INTEGER NOT NULL,
		vector      BYTEA NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS image_embeddings (
		document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		image_index INTEGER NOT NULL,
		model       TEXT NOT NULL,
		vector      BYTEA NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (document_id, image_index)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		title        TEXT NOT NULL DEFAULT '',
		content      TEXT NOT NULL DEFAULT '',
		url          TEXT UNIQUE,
		source_type  TEXT NOT NULL DEFAULT '',
		length       INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		metadata     TEXT NOT NULL DEFAULT '{}',
		images       TEXT NOT NULL DEFAULT '[]',
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS terms (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		term            TEXT NOT NULL UNIQUE,
		doc_frequency   INTEGER NOT NULL DEFAULT 0,
		total_frequency INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS postings (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		term_id        INTEGER NOT NULL REFERENCES terms(id),
		document_id    INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		term_frequency INTEGER NOT NULL,
		positions      TEXT NOT NULL DEFAULT '[]',
		UNIQUE (term_id, document_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_postings_document ON postings(document_id)`,
	`CREATE TABLE IF NOT EXISTS doc_stats (
		id             INTEGER PRIMARY KEY CHECK (id = 1),
		total_docs     INTEGER NOT NULL DEFAULT 0,
		avg_doc_length REAL NOT NULL DEFAULT 0,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS document_embeddings (
		document_id INTEGER PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
		model       TEXT NOT NULL,
		dimension   INTEGER NOT NULL,
		vector      BLOB NOT NULL,
		created_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS image_embeddings (
		document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		image_index INTEGER NOT NULL,
		model       TEXT NOT NULL,
		vector      BLOB NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (document_id, image_index)
	)`,
}
