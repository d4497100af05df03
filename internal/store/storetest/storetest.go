// Package storetest opens migrated throwaway stores for tests.
package storetest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/pkg/config"
	"github.com/XcloudFance/Verdant-Search/pkg/database"
)

// Open returns a store backed by a fresh SQLite file in t.TempDir().
func Open(t testing.TB) *store.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return migrate(t, db)
}

// OpenPostgres returns a store on the database named by
// VS_TEST_POSTGRES_DSN, skipping the test when it is unset. All index tables
// are truncated first.
func OpenPostgres(t testing.TB) *store.Store {
	t.Helper()
	dsn := os.Getenv("VS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VS_TEST_POSTGRES_DSN not set")
	}
	db, err := database.New(config.DatabaseConfig{Driver: config.DriverPostgres, URL: dsn, MaxOpenConns: 10, MaxIdleConns: 2})
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := migrate(t, db)
	_, err = db.DB.ExecContext(context.Background(),
		`TRUNCATE postings, terms, image_embeddings, document_embeddings, documents, doc_stats RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncating: %v", err)
	}
	return s
}

func migrate(t testing.TB, db *database.Client) *store.Store {
	t.Helper()
	s := store.New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return s
}
