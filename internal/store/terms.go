package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/XcloudFance/Verdant-Search/pkg/database"
)

// Term is a Term Dictionary entry. DocFrequency and TotalFrequency are
// eventually consistent with the postings table.
type Term struct {
	ID             int64  `json:"id"`
	Term           string `json:"term"`
	DocFrequency   int64  `json:"doc_frequency"`
	TotalFrequency int64  `json:"total_frequency"`
}

// ResolveTerm returns the id of term, creating the row if absent.
// Concurrent creators converge on one row: the loser's conditional insert
// yields no row and the follow-up lookup reads the winner's id.
func (s *Store) ResolveTerm(ctx context.Context, q database.Querier, term string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO terms (term) VALUES ($1) ON CONFLICT (term) DO NOTHING RETURNING id`,
		term,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = q.QueryRowContext(ctx, `SELECT id FROM terms WHERE term = $1`, term).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("resolving term %q: %w", term, err)
	}
	return id, nil
}

// LookupTerms maps the known subset of terms to their ids.
func (s *Store) LookupTerms(ctx context.Context, q database.Querier, terms []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(terms))
	if len(terms) == 0 {
		return ids, nil
	}
	args := make([]any, len(terms))
	for i, t := range terms {
		args[i] = t
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, term FROM terms WHERE term IN (`+placeholders(1, len(terms))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("looking up terms: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			term string
		)
		if err := rows.Scan(&id, &term); err != nil {
			return nil, fmt.Errorf("scanning term: %w", err)
		}
		ids[term] = id
	}
	return ids, rows.Err()
}

func (s *Store) GetTerm(ctx context.Context, q database.Querier, term string) (*Term, bool, error) {
	var t Term
	err := q.QueryRowContext(ctx,
		`SELECT id, term, doc_frequency, total_frequency FROM terms WHERE term = $1`, term,
	).Scan(&t.ID, &t.Term, &t.DocFrequency, &t.TotalFrequency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting term %q: %w", term, err)
	}
	return &t, true, nil
}

func (s *Store) CountTerms(ctx context.Context, q database.Querier) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM terms`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting terms: %w", err)
	}
	return n, nil
}

const termStatsSet = `
	doc_frequency = (SELECT COUNT(*) FROM postings p WHERE p.term_id = terms.id),
	total_frequency = (SELECT COALESCE(SUM(p.term_frequency), 0) FROM postings p WHERE p.term_id = terms.id)`

// RecomputeTermStats sets doc_frequency and total_frequency of the given
// terms from their postings.
func (s *Store) RecomputeTermStats(ctx context.Context, q database.Querier, termIDs []int64) error {
	if len(termIDs) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx,
		`UPDATE terms SET`+termStatsSet+` WHERE id IN (`+placeholders(1, len(termIDs))+`)`,
		int64Args(termIDs)...,
	)
	if err != nil {
		return fmt.Errorf("recomputing statistics of %d terms: %w", len(termIDs), err)
	}
	return nil
}

// RecomputeAllTermStats refreshes every term whose stored counters differ
// from its postings and returns how many rows changed.
func (s *Store) RecomputeAllTermStats(ctx context.Context, q database.Querier) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE terms SET`+termStatsSet+`
		WHERE doc_frequency <> (SELECT COUNT(*) FROM postings p WHERE p.term_id = terms.id)
		   OR total_frequency <> (SELECT COALESCE(SUM(p.term_frequency), 0) FROM postings p WHERE p.term_id = terms.id)`)
	if err != nil {
		return 0, fmt.Errorf("recomputing term statistics: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOrphanTerms removes the given terms when no posting references them.
func (s *Store) DeleteOrphanTerms(ctx context.Context, q database.Querier, termIDs []int64) (int64, error) {
	if len(termIDs) == 0 {
		return 0, nil
	}
	res, err := q.ExecContext(ctx,
		`DELETE FROM terms WHERE id IN (`+placeholders(1, len(termIDs))+`)
		AND NOT EXISTS (SELECT 1 FROM postings p WHERE p.term_id = terms.id)`,
		int64Args(termIDs)...,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting orphan terms: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAllOrphanTerms sweeps every term without postings.
func (s *Store) DeleteAllOrphanTerms(ctx context.Context, q database.Querier) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM terms WHERE NOT EXISTS (SELECT 1 FROM postings p WHERE p.term_id = terms.id)`)
	if err != nil {
		return 0, fmt.Errorf("sweeping orphan terms: %w", err)
	}
	return res.RowsAffected()
}
