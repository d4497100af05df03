// Package postings maintains the Term Dictionary, Posting Store and Document
// Statistics for one document at a time. All operations run on a caller
// supplied Querier so they join the caller's transaction.
//
// Term counters (doc_frequency, total_frequency) are not touched when a
// document is first indexed; the stats package recomputes them in batch.
// Reindex and Delete recompute them synchronously for the terms the old
// postings referenced so orphaned terms never keep non-zero counts.
package postings

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/pkg/database"
)

// TermStats is the per-document occurrence summary of one term.
type TermStats struct {
	Frequency int
	Positions []int
}

// BuildTermStats groups tokens by term. Positions are zero-based indexes in
// tokens and appear in ascending order.
func BuildTermStats(tokens []string) map[string]*TermStats {
	stats := make(map[string]*TermStats)
	for pos, tok := range tokens {
		ts, ok := stats[tok]
		if !ok {
			ts = &TermStats{}
			stats[tok] = ts
		}
		ts.Frequency++
		ts.Positions = append(ts.Positions, pos)
	}
	return stats
}

// IndexResult summarizes an Index call.
type IndexResult struct {
	Length        int
	DistinctTerms int
	DocStats      store.DocStats
}

// DeleteResult summarizes a Delete call.
type DeleteResult struct {
	PostingsRemoved int
	TermsTouched    int
	TermsRemoved    int64
	DocStats        store.DocStats
}

type Manager struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store) *Manager {
	return &Manager{
		store:  s,
		logger: slog.Default().With("component", "posting-list-manager"),
	}
}

// Index writes the postings of documentID from its tokenized text, records
// the document length and refreshes Document Statistics. Re-indexing with
// the same tokens leaves the postings unchanged; postings of terms no longer
// present are only removed by Reindex or Delete.
func (m *Manager) Index(ctx context.Context, q database.Querier, documentID int64, tokens []string) (IndexResult, error) {
	stats := BuildTermStats(tokens)

	if err := m.store.SetDocumentLength(ctx, q, documentID, len(tokens)); err != nil {
		return IndexResult{}, err
	}

	// Resolving in a fixed order keeps concurrent writers from acquiring
	// term rows in conflicting orders.
	terms := make([]string, 0, len(stats))
	for term := range stats {
		terms = append(terms, term)
	}
	slices.Sort(terms)

	for _, term := range terms {
		termID, err := m.store.ResolveTerm(ctx, q, term)
		if err != nil {
			return IndexResult{}, err
		}
		ts := stats[term]
		if err := m.store.UpsertPosting(ctx, q, store.Posting{
			TermID:        termID,
			DocumentID:    documentID,
			TermFrequency: ts.Frequency,
			Positions:     ts.Positions,
		}); err != nil {
			return IndexResult{}, err
		}
	}

	docStats, err := m.store.RecomputeDocStats(ctx, q)
	if err != nil {
		return IndexResult{}, err
	}
	m.logger.Debug("document indexed",
		"doc_id", documentID,
		"length", len(tokens),
		"distinct_terms", len(terms),
	)
	return IndexResult{Length: len(tokens), DistinctTerms: len(terms), DocStats: docStats}, nil
}

// Reindex replaces the postings of documentID with the ones built from
// tokens. Terms the new text still uses keep their ids; terms only the old
// text used are collected after the new postings are written.
func (m *Manager) Reindex(ctx context.Context, q database.Querier, documentID int64, tokens []string) (IndexResult, error) {
	oldTermIDs, err := m.clear(ctx, q, documentID)
	if err != nil {
		return IndexResult{}, fmt.Errorf("clearing old postings: %w", err)
	}
	res, err := m.Index(ctx, q, documentID, tokens)
	if err != nil {
		return IndexResult{}, err
	}
	if _, err := m.collect(ctx, q, oldTermIDs); err != nil {
		return IndexResult{}, err
	}
	return res, nil
}

// Delete removes every posting of documentID, recomputes the counters of
// the terms it referenced, drops terms left without postings, zeroes the
// document length and refreshes Document Statistics. The document row itself
// is left to the caller.
func (m *Manager) Delete(ctx context.Context, q database.Querier, documentID int64) (DeleteResult, error) {
	termIDs, err := m.clear(ctx, q, documentID)
	if err != nil {
		return DeleteResult{}, err
	}
	removedPostings := len(termIDs)
	termIDs = distinct(termIDs)

	orphans, err := m.collect(ctx, q, termIDs)
	if err != nil {
		return DeleteResult{}, err
	}
	if err := m.store.SetDocumentLength(ctx, q, documentID, 0); err != nil {
		return DeleteResult{}, fmt.Errorf("clearing length: %w", err)
	}
	docStats, err := m.store.RecomputeDocStats(ctx, q)
	if err != nil {
		return DeleteResult{}, err
	}
	m.logger.Debug("postings deleted",
		"doc_id", documentID,
		"postings", removedPostings,
		"terms_removed", orphans,
	)
	return DeleteResult{
		PostingsRemoved: removedPostings,
		TermsTouched:    len(termIDs),
		TermsRemoved:    orphans,
		DocStats:        docStats,
	}, nil
}

// clear removes the postings of documentID and returns the term ids they
// referenced, one per removed posting. Term rows are not touched.
func (m *Manager) clear(ctx context.Context, q database.Querier, documentID int64) ([]int64, error) {
	return m.store.DeletePostings(ctx, q, documentID)
}

// collect recomputes the counters of termIDs and drops the ones left without
// postings.
func (m *Manager) collect(ctx context.Context, q database.Querier, termIDs []int64) (int64, error) {
	termIDs = distinct(termIDs)
	if len(termIDs) == 0 {
		return 0, nil
	}
	if err := m.store.RecomputeTermStats(ctx, q, termIDs); err != nil {
		return 0, err
	}
	return m.store.DeleteOrphanTerms(ctx, q, termIDs)
}

func distinct(ids []int64) []int64 {
	slices.Sort(ids)
	return slices.Compact(ids)
}
