package validator

import (
	"errors"
	"strings"
	"testing"

	"github.com/XcloudFance/Verdant-Search/internal/ingestion"
	"github.com/XcloudFance/Verdant-Search/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIngestRequest(t *testing.T) {
	tests := []struct {
		name       string
		req        ingestion.IngestRequest
		wantFields []string
	}{
		{"empty document is accepted", ingestion.IngestRequest{}, nil},
		{"full document", ingestion.IngestRequest{Title: "Go", Content: "body", URL: "https://go.dev/doc", SourceType: "web"}, nil},
		{"title too long", ingestion.IngestRequest{Title: strings.Repeat("t", maxTitleLength+1)}, []string{"title"}},
		{"content too long", ingestion.IngestRequest{Content: strings.Repeat("c", maxContentLength+1)}, []string{"content"}},
		{"relative url", ingestion.IngestRequest{URL: "/docs"}, []string{"url"}},
		{"ftp url", ingestion.IngestRequest{URL: "ftp://example.com/x"}, []string{"url"}},
		{"too many images", ingestion.IngestRequest{Images: make([]store.ImageRef, maxImages+1)}, []string{"images"}},
		{"several fields", ingestion.IngestRequest{URL: "nope", SourceType: strings.Repeat("s", 65)}, []string{"source_type", "url"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIngestRequest(&tt.req)
			if tt.wantFields == nil {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			for _, f := range tt.wantFields {
				assert.Contains(t, verr.Fields, f)
			}
			assert.Len(t, verr.Fields, len(tt.wantFields))
		})
	}
}

func TestValidateBatch(t *testing.T) {
	assert.Error(t, ValidateBatch(nil))
	assert.NoError(t, ValidateBatch([]ingestion.IngestRequest{{Title: "a"}, {Title: "b"}}))

	err := ValidateBatch([]ingestion.IngestRequest{{}, {URL: "bad"}})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "documents[1].url")
}

func TestValidationErrorMessageIsSorted(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"url": "bad", "title": "long"}}
	assert.Equal(t, "title:long; url:bad", err.Error())
}
