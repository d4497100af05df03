package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/XcloudFance/Verdant-Search/pkg/database"
)

// DocStats is the global aggregate used by BM25. It is a cache of a pure
// function over the documents table.
type DocStats struct {
	TotalDocs    int64     `json:"total_docs"`
	AvgDocLength float64   `json:"avg_doc_length"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RecomputeDocStats derives total_docs and avg_doc_length from documents
// with a non-zero length and stores them in the single stats row.
func (s *Store) RecomputeDocStats(ctx context.Context, q database.Querier) (DocStats, error) {
	var st DocStats
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(length), 0.0) FROM documents WHERE length > 0`,
	).Scan(&st.TotalDocs, &st.AvgDocLength)
	if err != nil {
		return DocStats{}, fmt.Errorf("aggregating document lengths: %w", err)
	}
	st.UpdatedAt = time.Now().UTC()
	_, err = q.ExecContext(ctx,
		`INSERT INTO doc_stats (id, total_docs, avg_doc_length, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			total_docs = excluded.total_docs,
			avg_doc_length = excluded.avg_doc_length,
			updated_at = excluded.updated_at`,
		st.TotalDocs, st.AvgDocLength, st.UpdatedAt,
	)
	if err != nil {
		return DocStats{}, fmt.Errorf("storing document statistics: %w", err)
	}
	return st, nil
}

// GetDocStats reads the stats row; an index that never recorded statistics
// reports zeros.
func (s *Store) GetDocStats(ctx context.Context, q database.Querier) (DocStats, error) {
	var st DocStats
	err := q.QueryRowContext(ctx,
		`SELECT total_docs, avg_doc_length, updated_at FROM doc_stats WHERE id = 1`,
	).Scan(&st.TotalDocs, &st.AvgDocLength, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DocStats{}, nil
	}
	if err != nil {
		return DocStats{}, fmt.Errorf("reading document statistics: %w", err)
	}
	return st, nil
}
