package embedding

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// DiskCache persists embeddings across restarts so re-ingesting unchanged
// content never calls the provider again.
type DiskCache struct {
	db *badger.DB
}

type badgerLogger struct {
	logger *slog.Logger
}

func (b *badgerLogger) Errorf(msg string, items ...any) {
	b.logger.Error(fmt.Sprintf(msg, items...))
}

func (b *badgerLogger) Warningf(msg string, items ...any) {
	b.logger.Warn(fmt.Sprintf(msg, items...))
}

func (b *badgerLogger) Infof(msg string, items ...any) {
	b.logger.Debug(fmt.Sprintf(msg, items...))
}

func (b *badgerLogger) Debugf(msg string, items ...any) {
	b.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenDiskCache opens (creating if needed) a badger database in dir.
func OpenDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating embedding cache dir: %w", err)
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{logger: slog.Default().With("component", "embedding-cache")}
	opts.Compression = options.None
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening embedding cache: %w", err)
	}
	return &DiskCache{db: db}, nil
}

func (c *DiskCache) Get(key string) ([]float32, bool, error) {
	var blob []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cached embedding: %w", err)
	}
	vec, err := store.DecodeVector(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

func (c *DiskCache) Put(key string, vec []float32) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), store.EncodeVector(vec))
	})
	if err != nil {
		return fmt.Errorf("writing cached embedding: %w", err)
	}
	return nil
}

func (c *DiskCache) Close() error {
	return c.db.Close()
}
