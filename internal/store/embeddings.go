package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/XcloudFance/Verdant-Search/pkg/database"
)

// EncodeVector packs a vector as little-endian float32 values.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func (s *Store) UpsertDocumentEmbedding(ctx context.Context, q database.Querier, documentID int64, model string, vec []float32) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO document_embeddings (document_id, model, dimension, vector, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id) DO UPDATE SET
			model = excluded.model,
			dimension = excluded.dimension,
			vector = excluded.vector,
			created_at = excluded.created_at`,
		documentID, model, len(vec), EncodeVector(vec), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing embedding of document %d: %w", documentID, err)
	}
	return nil
}

func (s *Store) UpsertImageEmbedding(ctx context.Context, q database.Querier, documentID int64, index int, model string, vec []float32) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO image_embeddings (document_id, image_index, model, vector, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id, image_index) DO UPDATE SET
			model = excluded.model,
			vector = excluded.vector,
			created_at = excluded.created_at`,
		documentID, index, model, EncodeVector(vec), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing image %d embedding of document %d: %w", index, documentID, err)
	}
	return nil
}

// DeleteEmbeddings removes the text and image embeddings of a document.
func (s *Store) DeleteEmbeddings(ctx context.Context, q database.Querier, documentID int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM document_embeddings WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("deleting embedding of document %d: %w", documentID, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM image_embeddings WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("deleting image embeddings of document %d: %w", documentID, err)
	}
	return nil
}

// EmbeddingKind selects which embedding table a scan reads.
type EmbeddingKind int

const (
	TextEmbeddings EmbeddingKind = iota
	ImageEmbeddings
)

// ScanEmbeddings calls fn for every stored vector of the given kind. fn must
// not issue queries on q: on SQLite the single connection is busy until the
// scan completes.
func (s *Store) ScanEmbeddings(ctx context.Context, q database.Querier, kind EmbeddingKind, fn func(documentID int64, vec []float32) error) error {
	query := `SELECT document_id, vector FROM document_embeddings`
	if kind == ImageEmbeddings {
		query = `SELECT document_id, vector FROM image_embeddings`
	}
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("scanning embeddings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("reading embedding row: %w", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return fmt.Errorf("decoding embedding of document %d: %w", id, err)
		}
		if err := fn(id, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountEmbeddings returns how many text embeddings document has (0 or 1)
// plus its image embedding count.
func (s *Store) CountEmbeddings(ctx context.Context, q database.Querier, documentID int64) (text, images int64, err error) {
	if err = q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_embeddings WHERE document_id = $1`, documentID).Scan(&text); err != nil {
		return 0, 0, fmt.Errorf("counting embeddings: %w", err)
	}
	if err = q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM image_embeddings WHERE document_id = $1`, documentID).Scan(&images); err != nil {
		return 0, 0, fmt.Errorf("counting image embeddings: %w", err)
	}
	return text, images, nil
}
