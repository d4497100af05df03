package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/XcloudFance/Verdant-Search/pkg/database"
	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
)

// Metadata is the fixed schema for optional document metadata.
type Metadata struct {
	Author      string            `json:"author,omitempty"`
	Language    string            `json:"language,omitempty"`
	Description string            `json:"description,omitempty"`
	Keywords    []string          `json:"keywords,omitempty"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	CrawledAt   *time.Time        `json:"crawled_at,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// ImageRef describes an image attached to a document. Data carries inline
// base64 bytes for embedding and is never persisted.
type ImageRef struct {
	URL     string `json:"url,omitempty"`
	AltText string `json:"alt_text,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Data    string `json:"data,omitempty"`
}

type Document struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	URL         string     `json:"url,omitempty"`
	SourceType  string     `json:"source_type"`
	Length      int        `json:"length"`
	ContentHash string     `json:"content_hash"`
	Metadata    Metadata   `json:"metadata"`
	Images      []ImageRef `json:"images,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

const documentColumns = `id, title, content, url, source_type, length, content_hash,
	metadata, images, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		d        Document
		url      sql.NullString
		metadata string
		images   string
	)
	if err := row.Scan(&d.ID, &d.Title, &d.Content, &url, &d.SourceType, &d.Length,
		&d.ContentHash, &metadata, &images, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.URL = url.String
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &d.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of document %d: %w", d.ID, err)
		}
	}
	if images != "" {
		if err := json.Unmarshal([]byte(images), &d.Images); err != nil {
			return nil, fmt.Errorf("decoding images of document %d: %w", d.ID, err)
		}
	}
	return &d, nil
}

// encodeDocumentJSON serializes metadata and images, dropping inline image
// bytes.
func encodeDocumentJSON(d *Document) (string, string, error) {
	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("encoding metadata: %w", err)
	}
	refs := make([]ImageRef, len(d.Images))
	for i, img := range d.Images {
		img.Data = ""
		refs[i] = img
	}
	images, err := json.Marshal(refs)
	if err != nil {
		return "", "", fmt.Errorf("encoding images: %w", err)
	}
	return string(metadata), string(images), nil
}

// InsertDocument creates a document row. When the URL already belongs to
// another row the insert is skipped and created is false; the caller then
// resolves the existing id with FindDocumentIDByURL.
func (s *Store) InsertDocument(ctx context.Context, q database.Querier, d *Document) (id int64, created bool, err error) {
	metadata, images, err := encodeDocumentJSON(d)
	if err != nil {
		return 0, false, err
	}
	now := time.Now().UTC()
	err = q.QueryRowContext(ctx,
		`INSERT INTO documents (title, content, url, source_type, length, content_hash,
			metadata, images, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (url) DO NOTHING
		RETURNING id`,
		d.Title, d.Content, database.NullString(d.URL), d.SourceType, d.Length, d.ContentHash,
		metadata, images, now, now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("inserting document: %w", err)
	}
	d.ID = id
	d.CreatedAt = now
	d.UpdatedAt = now
	return id, true, nil
}

// FindDocumentIDByURL returns the id of the document owning url. On
// Postgres the row is locked until the surrounding transaction ends.
func (s *Store) FindDocumentIDByURL(ctx context.Context, q database.Querier, url string) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE url = $1`+s.forUpdate(), url,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up document by url: %w", err)
	}
	return id, true, nil
}

// UpdateDocument overwrites every mutable field of d.ID in place. The id and
// created_at are preserved.
func (s *Store) UpdateDocument(ctx context.Context, q database.Querier, d *Document) error {
	metadata, images, err := encodeDocumentJSON(d)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx,
		`UPDATE documents SET title = $1, content = $2, url = $3, source_type = $4,
			length = $5, content_hash = $6, metadata = $7, images = $8, updated_at = $9
		WHERE id = $10`,
		d.Title, d.Content, database.NullString(d.URL), d.SourceType, d.Length,
		d.ContentHash, metadata, images, now, d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating document %d: %w", d.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound(d.ID)
	}
	d.UpdatedAt = now
	return nil
}

// SetDocumentLength records the token length of a document.
func (s *Store) SetDocumentLength(ctx context.Context, q database.Querier, id int64, length int) error {
	res, err := q.ExecContext(ctx, `UPDATE documents SET length = $1 WHERE id = $2`, length, id)
	if err != nil {
		return fmt.Errorf("setting length of document %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound(id)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, q database.Querier, id int64) (*Document, error) {
	d, err := scanDocument(q.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %d: %w", id, err)
	}
	return d, nil
}

// GetDocuments loads the given ids; missing ids are absent from the map.
func (s *Store) GetDocuments(ctx context.Context, q database.Querier, ids []int64) (map[int64]*Document, error) {
	docs := make(map[int64]*Document, len(ids))
	if len(ids) == 0 {
		return docs, nil
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id IN (`+placeholders(1, len(ids))+`)`,
		int64Args(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("getting documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs[d.ID] = d
	}
	return docs, rows.Err()
}

// ListDocuments returns one page of documents, newest first, and the total
// document count.
func (s *Store) ListDocuments(ctx context.Context, q database.Querier, limit, offset int) ([]*Document, int64, error) {
	var total int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting documents: %w", err)
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY id DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()
	docs := make([]*Document, 0, limit)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, total, rows.Err()
}

// LockDocument checks that id exists, locking the row on Postgres.
func (s *Store) LockDocument(ctx context.Context, q database.Querier, id int64) (bool, error) {
	var found int64
	err := q.QueryRowContext(ctx, `SELECT id FROM documents WHERE id = $1`+s.forUpdate(), id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("locking document %d: %w", id, err)
	}
	return true, nil
}

// DeleteDocument removes the document row and reports whether it existed.
func (s *Store) DeleteDocument(ctx context.Context, q database.Querier, id int64) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting document %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting document %d: %w", id, err)
	}
	return n > 0, nil
}
