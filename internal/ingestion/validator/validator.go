// Package validator checks ingestion requests against size limits and
// returns per-field error details. Empty titles and bodies are allowed: the
// index stores whatever text it is given.
package validator

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/XcloudFance/Verdant-Search/internal/ingestion"
)

const (
	maxTitleLength      = 1024
	maxContentLength    = 1048576
	maxURLLength        = 2048
	maxSourceTypeLength = 64
	maxImages           = 32
	maxBatchSize        = 500
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// ValidateIngestRequest checks the request's field sizes and URL syntax.
func ValidateIngestRequest(req *ingestion.IngestRequest) error {
	errs := make(map[string]string)

	if len(req.Title) > maxTitleLength {
		errs["title"] = fmt.Sprintf("title must be at most %d characters", maxTitleLength)
	}
	if len(req.Content) > maxContentLength {
		errs["content"] = fmt.Sprintf("content must be at most %d characters", maxContentLength)
	}
	if req.URL != "" {
		if len(req.URL) > maxURLLength {
			errs["url"] = fmt.Sprintf("url must be at most %d characters", maxURLLength)
		} else if u, err := url.Parse(req.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs["url"] = "url must be an absolute http(s) URL"
		}
	}
	if len(req.SourceType) > maxSourceTypeLength {
		errs["source_type"] = fmt.Sprintf("source type must be at most %d characters", maxSourceTypeLength)
	}
	if len(req.Images) > maxImages {
		errs["images"] = fmt.Sprintf("at most %d images are accepted", maxImages)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// ValidateBatch checks the batch size and every request in it. Field names
// of item errors are prefixed with the item index.
func ValidateBatch(reqs []ingestion.IngestRequest) error {
	errs := make(map[string]string)
	switch {
	case len(reqs) == 0:
		errs["documents"] = "batch must contain at least one document"
	case len(reqs) > maxBatchSize:
		errs["documents"] = fmt.Sprintf("batch must contain at most %d documents", maxBatchSize)
	}
	for i := range reqs {
		if err := ValidateIngestRequest(&reqs[i]); err != nil {
			for field, msg := range err.(*ValidationError).Fields {
				errs[fmt.Sprintf("documents[%d].%s", i, field)] = msg
			}
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
