package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrDocumentNotFound, http.StatusNotFound},
		{fmt.Errorf("deleting: %w", ErrDocumentNotFound), http.StatusNotFound},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrStatsJobRunning, http.StatusConflict},
		{ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("embedding query: %w", ErrEmbedding), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
		{New(ErrInternal, http.StatusTeapot, "custom"), http.StatusTeapot},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatusCode(tt.err), tt.err.Error())
	}
}

func TestNotFoundUnwraps(t *testing.T) {
	err := fmt.Errorf("get: %w", NotFound(42))
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.Contains(t, err.Error(), "document 42")
	assert.Equal(t, http.StatusNotFound, HTTPStatusCode(err))
}
