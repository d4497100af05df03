// Package stats runs the batch job that brings Term Dictionary counters and
// Document Statistics back in line with the postings table.
package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/pkg/database"
	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
	"github.com/XcloudFance/Verdant-Search/pkg/metrics"
)

// advisoryLockKey identifies the job among Postgres advisory locks.
const advisoryLockKey int64 = 0x56535354

// Report describes one completed run.
type Report struct {
	TermsUpdated int64         `json:"terms_updated"`
	TermsRemoved int64         `json:"terms_removed"`
	TotalDocs    int64         `json:"total_docs"`
	AvgDocLength float64       `json:"avg_doc_length"`
	Duration     time.Duration `json:"duration"`
}

type Recomputer struct {
	store        *store.Store
	advisoryLock bool
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu sync.Mutex
}

// NewRecomputer creates the job. With advisoryLock set, runs on Postgres
// also exclude each other across processes.
func NewRecomputer(s *store.Store, advisoryLock bool, m *metrics.Metrics) *Recomputer {
	return &Recomputer{
		store:        s,
		advisoryLock: advisoryLock,
		metrics:      m,
		logger:       slog.Default().With("component", "stats-recomputer"),
	}
}

// Run recomputes every term's counters from postings, removes terms without
// postings and refreshes Document Statistics in one transaction. An
// overlapping run fails with ErrStatsJobRunning.
func (r *Recomputer) Run(ctx context.Context) (Report, error) {
	if !r.mu.TryLock() {
		r.metrics.StatsJobRunsTotal.WithLabelValues("skipped").Inc()
		return Report{}, apperrors.ErrStatsJobRunning
	}
	defer r.mu.Unlock()

	start := time.Now()
	var report Report
	err := r.store.DB().InTx(ctx, func(tx *sql.Tx) error {
		if r.advisoryLock && r.store.Dialect() == database.Postgres {
			var acquired bool
			if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, advisoryLockKey).Scan(&acquired); err != nil {
				return fmt.Errorf("acquiring advisory lock: %w", err)
			}
			if !acquired {
				return apperrors.ErrStatsJobRunning
			}
		}

		updated, err := r.store.RecomputeAllTermStats(ctx, tx)
		if err != nil {
			return err
		}
		removed, err := r.store.DeleteAllOrphanTerms(ctx, tx)
		if err != nil {
			return err
		}
		st, err := r.store.RecomputeDocStats(ctx, tx)
		if err != nil {
			return err
		}
		report = Report{
			TermsUpdated: updated,
			TermsRemoved: removed,
			TotalDocs:    st.TotalDocs,
			AvgDocLength: st.AvgDocLength,
		}
		return nil
	})
	report.Duration = time.Since(start)

	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrStatsJobRunning):
		r.metrics.StatsJobRunsTotal.WithLabelValues("skipped").Inc()
		return Report{}, err
	default:
		r.metrics.StatsJobRunsTotal.WithLabelValues("error").Inc()
		r.logger.Error("stats recompute failed", "error", err)
		return Report{}, fmt.Errorf("recomputing statistics: %w", err)
	}

	r.metrics.StatsJobRunsTotal.WithLabelValues("ok").Inc()
	r.metrics.StatsJobDuration.Observe(report.Duration.Seconds())
	r.metrics.IndexedDocuments.Set(float64(report.TotalDocs))
	r.metrics.AvgDocLength.Set(report.AvgDocLength)
	r.logger.Info("stats recomputed",
		"terms_updated", report.TermsUpdated,
		"terms_removed", report.TermsRemoved,
		"total_docs", report.TotalDocs,
		"avg_doc_length", report.AvgDocLength,
		"duration", report.Duration,
	)
	return report, nil
}
