// Package indexer hosts the Index Service: the document lifecycle on top of
// the Posting List Manager, the document store and stored embeddings.
package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/XcloudFance/Verdant-Search/internal/analytics"
	"github.com/XcloudFance/Verdant-Search/internal/embedding"
	"github.com/XcloudFance/Verdant-Search/internal/indexer/postings"
	"github.com/XcloudFance/Verdant-Search/internal/ingestion"
	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/XcloudFance/Verdant-Search/internal/tokenizer"
	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
	"github.com/XcloudFance/Verdant-Search/pkg/metrics"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Tokenizer segments text into normalized tokens.
type Tokenizer interface {
	Tokenize(text string, mode tokenizer.Mode) []string
}

// ChangeNotifier is told about every committed ingest or delete.
type ChangeNotifier interface {
	NotifyChange(ctx context.Context, documentID int64, op string) error
}

// EventTracker receives analytics events.
type EventTracker interface {
	Track(event any)
}

// Deps are the collaborators of a Service. ImageEmbedder, Notifier and
// Events are optional.
type Deps struct {
	Store         *store.Store
	Tokenizer     Tokenizer
	Embedder      embedding.Embedder
	ImageEmbedder embedding.ImageEmbedder
	Model         string
	MaxImages     int
	Notifier      ChangeNotifier
	Events        EventTracker
	Metrics       *metrics.Metrics
}

// IngestResult describes a committed ingest.
type IngestResult struct {
	DocumentID     int64 `json:"document_id"`
	Created        bool  `json:"created"`
	Length         int   `json:"length"`
	DistinctTerms  int   `json:"distinct_terms"`
	ImagesEmbedded int   `json:"images_embedded"`
}

type Service struct {
	store     *store.Store
	postings  *postings.Manager
	tokenizer Tokenizer
	embedder  embedding.Embedder
	images    embedding.ImageEmbedder
	model     string
	maxImages int
	notifier  ChangeNotifier
	events    EventTracker
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		store:     d.Store,
		postings:  postings.New(d.Store),
		tokenizer: d.Tokenizer,
		embedder:  d.Embedder,
		images:    d.ImageEmbedder,
		model:     d.Model,
		maxImages: d.MaxImages,
		notifier:  d.Notifier,
		events:    d.Events,
		metrics:   d.Metrics,
		logger:    slog.Default().With("component", "index-service"),
	}
}

type imageVector struct {
	index int
	vec   []float32
}

// Ingest creates the document, or updates the one already owning req.URL in
// place. Embeddings are computed before the transaction starts; everything
// else commits as one unit. A text embedding failure aborts the ingest.
func (s *Service) Ingest(ctx context.Context, req ingestion.IngestRequest) (IngestResult, error) {
	start := time.Now()
	tokens := s.tokenizer.Tokenize(req.Title+" "+req.Content, tokenizer.ModeIndex)

	vec, err := s.embedder.EmbedText(ctx, embedding.DocumentText(req.Title, req.Content))
	if err != nil {
		return IngestResult{}, fmt.Errorf("embedding document: %w", err)
	}
	imageVecs := s.embedImages(ctx, req.Images)

	doc := &store.Document{
		Title:       req.Title,
		Content:     req.Content,
		URL:         req.URL,
		SourceType:  req.SourceType,
		ContentHash: embedding.ContentHash(req.Title, req.Content),
		Metadata:    req.Metadata,
		Images:      req.Images,
	}

	var result IngestResult
	err = s.store.DB().InTx(ctx, func(tx *sql.Tx) error {
		var (
			existingID int64
			found      bool
			err        error
		)
		if doc.URL != "" {
			existingID, found, err = s.store.FindDocumentIDByURL(ctx, tx, doc.URL)
			if err != nil {
				return err
			}
		}
		if !found {
			id, created, err := s.store.InsertDocument(ctx, tx, doc)
			if err != nil {
				return err
			}
			if created {
				result.DocumentID, result.Created = id, true
			} else {
				// Lost a race with a concurrent create of the same URL.
				existingID, found, err = s.store.FindDocumentIDByURL(ctx, tx, doc.URL)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("document with url %q vanished during ingest", doc.URL)
				}
			}
		}
		var idx postings.IndexResult
		if found {
			if err := s.store.DeleteEmbeddings(ctx, tx, existingID); err != nil {
				return err
			}
			doc.ID = existingID
			if err := s.store.UpdateDocument(ctx, tx, doc); err != nil {
				return err
			}
			result.DocumentID = existingID
			idx, err = s.postings.Reindex(ctx, tx, existingID, tokens)
		} else {
			idx, err = s.postings.Index(ctx, tx, result.DocumentID, tokens)
		}
		if err != nil {
			return err
		}
		result.Length, result.DistinctTerms = idx.Length, idx.DistinctTerms

		if err := s.store.UpsertDocumentEmbedding(ctx, tx, result.DocumentID, s.model, vec); err != nil {
			return err
		}
		for _, iv := range imageVecs {
			if err := s.store.UpsertImageEmbedding(ctx, tx, result.DocumentID, iv.index, s.model, iv.vec); err != nil {
				return err
			}
		}
		result.ImagesEmbedded = len(imageVecs)
		return nil
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingesting document: %w", err)
	}

	op := ingestion.StatusUpdated
	if result.Created {
		op = ingestion.StatusCreated
	}
	s.metrics.DocsIndexedTotal.WithLabelValues(op).Inc()
	s.notify(ctx, result.DocumentID, ingestion.OpIndexed)
	s.track(analytics.EventIndexDoc, result.DocumentID, op, result.Length, start)
	s.logger.Info("document ingested",
		"doc_id", result.DocumentID,
		"operation", op,
		"length", result.Length,
		"terms", result.DistinctTerms,
		"images", result.ImagesEmbedded,
		"duration", time.Since(start),
	)
	return result, nil
}

// embedImages embeds up to maxImages images that carry inline data. Failures
// are logged and the image skipped.
func (s *Service) embedImages(ctx context.Context, images []store.ImageRef) []imageVector {
	if s.images == nil || s.maxImages <= 0 {
		return nil
	}
	var out []imageVector
	for i, img := range images {
		if len(out) >= s.maxImages {
			break
		}
		if img.Data == "" {
			continue
		}
		data, err := embedding.DecodeImage(img.Data)
		if err == nil {
			var vec []float32
			vec, err = s.images.EmbedImage(ctx, data)
			if err == nil {
				out = append(out, imageVector{index: i, vec: vec})
				continue
			}
		}
		s.logger.Warn("skipping image", "index", i, "url", img.URL, "error", err)
	}
	return out
}

// IngestBatch ingests every request in its own transaction and reports the
// outcome per item.
func (s *Service) IngestBatch(ctx context.Context, reqs []ingestion.IngestRequest) []ingestion.BatchItemResult {
	results := make([]ingestion.BatchItemResult, len(reqs))
	for i, req := range reqs {
		results[i].Index = i
		if err := ctx.Err(); err != nil {
			results[i].Status = ingestion.StatusFailed
			results[i].Error = err.Error()
			continue
		}
		res, err := s.Ingest(ctx, req)
		if err != nil {
			results[i].Status = ingestion.StatusFailed
			results[i].Error = err.Error()
			continue
		}
		results[i].DocumentID = res.DocumentID
		results[i].Status = ingestion.StatusUpdated
		if res.Created {
			results[i].Status = ingestion.StatusCreated
		}
	}
	return results
}

// Delete removes a document with its postings and embeddings. A missing
// document reports ErrDocumentNotFound.
func (s *Service) Delete(ctx context.Context, id int64) error {
	start := time.Now()
	var removed postings.DeleteResult
	err := s.store.DB().InTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.store.LockDocument(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.NotFound(id)
		}
		if removed, err = s.postings.Delete(ctx, tx, id); err != nil {
			return err
		}
		if err := s.store.DeleteEmbeddings(ctx, tx, id); err != nil {
			return err
		}
		if _, err := s.store.DeleteDocument(ctx, tx, id); err != nil {
			return err
		}
		_, err = s.store.RecomputeDocStats(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}

	s.metrics.DocsDeletedTotal.Inc()
	s.notify(ctx, id, ingestion.OpDeleted)
	s.track(analytics.EventDeleteDoc, id, ingestion.OpDeleted, 0, start)
	s.logger.Info("document deleted",
		"doc_id", id,
		"postings", removed.PostingsRemoved,
		"terms_removed", removed.TermsRemoved,
	)
	return nil
}

func (s *Service) Get(ctx context.Context, id int64) (*store.Document, error) {
	return s.store.GetDocument(ctx, s.store.DB().DB, id)
}

// List returns page (1-based) of documents, newest first, and the total
// count.
func (s *Service) List(ctx context.Context, page, pageSize int) ([]*store.Document, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)
	return s.store.ListDocuments(ctx, s.store.DB().DB, pageSize, (page-1)*pageSize)
}

// Postings returns the posting list of one document, ordered by term.
func (s *Service) Postings(ctx context.Context, id int64) ([]store.Posting, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.PostingsForDocument(ctx, s.store.DB().DB, id)
}

// Stats returns the stored Document Statistics.
func (s *Service) Stats(ctx context.Context) (store.DocStats, error) {
	return s.store.GetDocStats(ctx, s.store.DB().DB)
}

func (s *Service) notify(ctx context.Context, id int64, op string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyChange(ctx, id, op); err != nil {
		s.logger.Warn("change notification failed", "doc_id", id, "operation", op, "error", err)
	}
}

func (s *Service) track(typ analytics.EventType, id int64, op string, tokens int, start time.Time) {
	if s.events == nil {
		return
	}
	s.events.Track(analytics.IndexEvent{
		Type:       typ,
		DocumentID: id,
		Operation:  op,
		TokenCount: tokens,
		LatencyMs:  time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UTC(),
	})
}
