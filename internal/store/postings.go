package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/XcloudFance/Verdant-Search/pkg/database"
)

// Posting is the occurrence record of one term in one document.
type Posting struct {
	TermID        int64  `json:"term_id"`
	Term          string `json:"term,omitempty"`
	DocumentID    int64  `json:"document_id"`
	TermFrequency int    `json:"term_frequency"`
	Positions     []int  `json:"positions"`
}

// ScoringPosting carries what BM25 needs for one posting.
type ScoringPosting struct {
	TermID        int64
	DocumentID    int64
	TermFrequency int
	DocLength     int
}

// UpsertPosting writes or overwrites the posting keyed by (term, document).
func (s *Store) UpsertPosting(ctx context.Context, q database.Querier, p Posting) error {
	positions, err := json.Marshal(p.Positions)
	if err != nil {
		return fmt.Errorf("encoding positions: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO postings (term_id, document_id, term_frequency, positions)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (term_id, document_id) DO UPDATE SET
			term_frequency = excluded.term_frequency,
			positions = excluded.positions`,
		p.TermID, p.DocumentID, p.TermFrequency, string(positions),
	)
	if err != nil {
		return fmt.Errorf("upserting posting (term %d, document %d): %w", p.TermID, p.DocumentID, err)
	}
	return nil
}

// DeletePostings removes every posting of a document and returns the ids of
// the terms they referenced.
func (s *Store) DeletePostings(ctx context.Context, q database.Querier, documentID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		`DELETE FROM postings WHERE document_id = $1 RETURNING term_id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("deleting postings of document %d: %w", documentID, err)
	}
	defer rows.Close()
	var termIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning deleted term id: %w", err)
		}
		termIDs = append(termIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deleting postings of document %d: %w", documentID, err)
	}
	return termIDs, nil
}

// PostingsForTerms streams the postings of the given terms joined with the
// owning document's length.
func (s *Store) PostingsForTerms(ctx context.Context, q database.Querier, termIDs []int64) ([]ScoringPosting, error) {
	if len(termIDs) == 0 {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT p.term_id, p.document_id, p.term_frequency, d.length
		FROM postings p JOIN documents d ON d.id = p.document_id
		WHERE p.term_id IN (`+placeholders(1, len(termIDs))+`)`,
		int64Args(termIDs)...,
	)
	if err != nil {
		return nil, fmt.Errorf("reading postings: %w", err)
	}
	defer rows.Close()
	var out []ScoringPosting
	for rows.Next() {
		var p ScoringPosting
		if err := rows.Scan(&p.TermID, &p.DocumentID, &p.TermFrequency, &p.DocLength); err != nil {
			return nil, fmt.Errorf("scanning posting: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PostingsForDocument returns the document's postings ordered by term.
func (s *Store) PostingsForDocument(ctx context.Context, q database.Querier, documentID int64) ([]Posting, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT p.term_id, t.term, p.document_id, p.term_frequency, p.positions
		FROM postings p JOIN terms t ON t.id = p.term_id
		WHERE p.document_id = $1
		ORDER BY t.term`, documentID)
	if err != nil {
		return nil, fmt.Errorf("reading postings of document %d: %w", documentID, err)
	}
	defer rows.Close()
	var out []Posting
	for rows.Next() {
		var (
			p         Posting
			positions string
		)
		if err := rows.Scan(&p.TermID, &p.Term, &p.DocumentID, &p.TermFrequency, &positions); err != nil {
			return nil, fmt.Errorf("scanning posting: %w", err)
		}
		if err := json.Unmarshal([]byte(positions), &p.Positions); err != nil {
			return nil, fmt.Errorf("decoding positions: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPostings returns the number of postings referencing documentID.
func (s *Store) CountPostings(ctx context.Context, q database.Querier, documentID int64) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM postings WHERE document_id = $1`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting postings of document %d: %w", documentID, err)
	}
	return n, nil
}
