package publisher

import (
	"context"
	"errors"
	"testing"

	"github.com/XcloudFance/Verdant-Search/internal/ingestion"
	"github.com/XcloudFance/Verdant-Search/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func TestIngestKeysByURL(t *testing.T) {
	prod := &recordingProducer{}
	p := New(prod)

	resp, err := p.Ingest(context.Background(), &ingestion.IngestRequest{Title: "x", URL: "https://x"})
	require.NoError(t, err)
	assert.Equal(t, ingestion.StatusAccepted, resp.Status)
	assert.NotEmpty(t, resp.EventID)

	require.Len(t, prod.events, 1)
	assert.Equal(t, "https://x", prod.events[0].Key)
	ev := prod.events[0].Value.(ingestion.IngestEvent)
	assert.Equal(t, resp.EventID, ev.EventID)
	assert.Equal(t, "x", ev.Request.Title)

	resp, err = p.Ingest(context.Background(), &ingestion.IngestRequest{Title: "no url"})
	require.NoError(t, err)
	assert.Equal(t, resp.EventID, prod.events[1].Key)
}

func TestIngestPropagatesPublishFailure(t *testing.T) {
	p := New(&recordingProducer{err: errors.New("broker down")})
	_, err := p.Ingest(context.Background(), &ingestion.IngestRequest{})
	assert.Error(t, err)
}

func TestNotifyChange(t *testing.T) {
	prod := &recordingProducer{}
	require.NoError(t, NewNotifier(prod).NotifyChange(context.Background(), 42, ingestion.OpDeleted))
	require.Len(t, prod.events, 1)
	assert.Equal(t, "42", prod.events[0].Key)
	ev := prod.events[0].Value.(ingestion.CacheInvalidateEvent)
	assert.Equal(t, int64(42), ev.DocumentID)
	assert.Equal(t, ingestion.OpDeleted, ev.Operation)
}
