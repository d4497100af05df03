package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/XcloudFance/Verdant-Search/internal/indexer"
	"github.com/XcloudFance/Verdant-Search/internal/ingestion"
	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
	"github.com/XcloudFance/Verdant-Search/pkg/kafka"
	"github.com/XcloudFance/Verdant-Search/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIngester struct {
	calls   int
	errs    []error
	created bool
}

func (f *fakeIngester) Ingest(_ context.Context, req ingestion.IngestRequest) (indexer.IngestResult, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return indexer.IngestResult{}, err
		}
	}
	return indexer.IngestResult{DocumentID: 42, Created: f.created}, nil
}

type recordingProducer struct {
	events []kafka.Event
	err    error
}

func (r *recordingProducer) Publish(_ context.Context, e kafka.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

var fastRetry = resilience.RetryConfig{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
}

func encode(t *testing.T, req ingestion.IngestRequest) []byte {
	t.Helper()
	b, err := json.Marshal(ingestion.IngestEvent{EventID: "ev-1", Request: req, ReceivedAt: time.Now()})
	require.NoError(t, err)
	return b
}

func completion(t *testing.T, p *recordingProducer) ingestion.IndexCompleteEvent {
	t.Helper()
	require.Len(t, p.events, 1)
	return p.events[0].Value.(ingestion.IndexCompleteEvent)
}

func TestHandleMessageIndexesAndReportsCreated(t *testing.T) {
	svc := &fakeIngester{created: true}
	done := &recordingProducer{}
	h := HandleMessage(svc, done, fastRetry)

	require.NoError(t, h(context.Background(), nil, encode(t, ingestion.IngestRequest{Title: "go"})))
	assert.Equal(t, 1, svc.calls)

	ev := completion(t, done)
	assert.Equal(t, "ev-1", ev.EventID)
	assert.Equal(t, ingestion.StatusCreated, ev.Status)
	assert.EqualValues(t, 42, ev.DocumentID)
	assert.Equal(t, "42", done.events[0].Key)
}

func TestHandleMessageRetriesTransientFailures(t *testing.T) {
	svc := &fakeIngester{errs: []error{errors.New("conn reset"), nil}}
	done := &recordingProducer{}
	h := HandleMessage(svc, done, fastRetry)

	require.NoError(t, h(context.Background(), nil, encode(t, ingestion.IngestRequest{Title: "go"})))
	assert.Equal(t, 2, svc.calls)
	assert.Equal(t, ingestion.StatusUpdated, completion(t, done).Status)
}

func TestHandleMessageReportsExhaustedRetries(t *testing.T) {
	boom := errors.New("db down")
	svc := &fakeIngester{errs: []error{boom, boom, boom}}
	done := &recordingProducer{}
	h := HandleMessage(svc, done, fastRetry)

	require.NoError(t, h(context.Background(), nil, encode(t, ingestion.IngestRequest{Title: "go"})))
	assert.Equal(t, 3, svc.calls)
	ev := completion(t, done)
	assert.Equal(t, ingestion.StatusFailed, ev.Status)
	assert.Contains(t, ev.Error, "db down")
	assert.Equal(t, "ev-1", done.events[0].Key)
}

func TestHandleMessageDoesNotRetryInvalidInput(t *testing.T) {
	svc := &fakeIngester{errs: []error{fmt.Errorf("image: %w", apperrors.ErrInvalidInput)}}
	done := &recordingProducer{}
	h := HandleMessage(svc, done, fastRetry)

	require.NoError(t, h(context.Background(), nil, encode(t, ingestion.IngestRequest{Title: "go"})))
	assert.Equal(t, 1, svc.calls)
	assert.Equal(t, ingestion.StatusFailed, completion(t, done).Status)
}

func TestHandleMessageRejectsInvalidRequest(t *testing.T) {
	svc := &fakeIngester{}
	done := &recordingProducer{}
	h := HandleMessage(svc, done, fastRetry)

	require.NoError(t, h(context.Background(), nil, encode(t, ingestion.IngestRequest{URL: "ftp://nope"})))
	assert.Zero(t, svc.calls)
	ev := completion(t, done)
	assert.Equal(t, ingestion.StatusFailed, ev.Status)
	assert.Contains(t, ev.Error, "url")
}

func TestHandleMessageSkipsMalformedEvents(t *testing.T) {
	svc := &fakeIngester{}
	done := &recordingProducer{}
	h := HandleMessage(svc, done, fastRetry)

	require.NoError(t, h(context.Background(), []byte("k"), []byte("{not json")))
	assert.Zero(t, svc.calls)
	assert.Empty(t, done.events)
}

func TestHandleMessageWithoutCompletions(t *testing.T) {
	svc := &fakeIngester{}
	h := HandleMessage(svc, nil, fastRetry)
	require.NoError(t, h(context.Background(), nil, encode(t, ingestion.IngestRequest{Title: "go"})))
	assert.Equal(t, 1, svc.calls)
}

func TestHandleMessageSurfacesPublishFailure(t *testing.T) {
	h := HandleMessage(&fakeIngester{}, &recordingProducer{err: errors.New("broker down")}, fastRetry)
	err := h(context.Background(), nil, encode(t, ingestion.IngestRequest{Title: "go"}))
	assert.ErrorContains(t, err, "broker down")
}
