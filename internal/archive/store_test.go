package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/titration-sim/internal/titration"
)

// mockS3Client records PutObject/GetObject calls for testing.
type mockS3Client struct {
	mu       sync.Mutex
	putCalls []putCall
	objects  map[string][]byte // key -> body
	getErr   error
}

type putCall struct {
	bucket string
	key    string
	body   []byte
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(input.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls = append(m.putCalls, putCall{
		bucket: *input.Bucket,
		key:    *input.Key,
		body:   body,
	})
	m.objects[*input.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "NoSuchKey: key not found" }

func TestS3Store_SaveRecord(t *testing.T) {
	mock := newMockS3()
	store := NewS3Store(mock, "test-bucket", nil)

	rec := sampleRecord("run-1", "sc-7")
	rec.Turns[1].Text = "my phone is 330-333-2654"

	require.NoError(t, store.SaveRecord(context.Background(), rec))

	// record + manifest
	require.Len(t, mock.putCalls, 2)
	assert.Equal(t, "test-bucket", mock.putCalls[0].bucket)
	assert.Equal(t, "runs/run-1/records/sc-7.json", mock.putCalls[0].key)

	var decoded titration.ConversationRecord
	require.NoError(t, json.Unmarshal(mock.putCalls[0].body, &decoded))
	assert.Equal(t, "sc-7", decoded.ScenarioID)
	assert.Equal(t, "my phone is[PHONE]", decoded.Turns[1].Text)

	assert.Equal(t, "runs/run-1/manifest.jsonl", mock.putCalls[1].key)
	var entry ManifestEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(mock.putCalls[1].body), &entry))
	assert.Equal(t, "sc-7", entry.ScenarioID)
	assert.Equal(t, "runs/run-1/records/sc-7.json", entry.Key)
	assert.Equal(t, titration.EndpointCompleteSuccess, entry.Endpoint)
	assert.True(t, entry.Success)
	assert.InDelta(t, 0.7, entry.MeanWeighted, 1e-9)
	assert.Equal(t, "recommendation_complete", entry.TerminatedBy)
}

func TestS3Store_Disabled(t *testing.T) {
	store := NewS3Store(nil, "", nil)
	assert.False(t, store.Enabled())

	assert.NoError(t, store.SaveRecord(context.Background(), sampleRecord("r", "s")))
	assert.NoError(t, store.SaveSummary(context.Background(), &titration.BatchSummary{}))
}

func TestS3Store_ManifestAppend(t *testing.T) {
	mock := newMockS3()
	store := NewS3Store(mock, "test-bucket", nil)

	require.NoError(t, store.AppendManifest(context.Background(), ManifestEntry{RunID: "run-1", ScenarioID: "a"}))
	require.NoError(t, store.AppendManifest(context.Background(), ManifestEntry{RunID: "run-1", ScenarioID: "b"}))

	lastPut := mock.putCalls[len(mock.putCalls)-1]
	lines := bytes.Split(bytes.TrimSpace(lastPut.body), []byte("\n"))
	assert.Len(t, lines, 2)
}

func TestS3Store_ManifestReadFailure(t *testing.T) {
	mock := newMockS3()
	mock.getErr = errors.New("AccessDenied")
	store := NewS3Store(mock, "test-bucket", nil)

	err := store.AppendManifest(context.Background(), ManifestEntry{RunID: "run-1", ScenarioID: "a"})
	require.Error(t, err)
	assert.Empty(t, mock.putCalls, "an unreadable manifest must not be overwritten")

	// The record itself still lands.
	require.NoError(t, store.SaveRecord(context.Background(), sampleRecord("run-1", "a")))
	assert.Len(t, mock.putCalls, 1)
}

func TestS3Store_SaveSummary(t *testing.T) {
	mock := newMockS3()
	store := NewS3Store(mock, "test-bucket", nil)

	sum := &titration.BatchSummary{ID: "summary_20261019_120000", RunID: "run-1", Total: 3}
	require.NoError(t, store.SaveSummary(context.Background(), sum))

	require.Len(t, mock.putCalls, 1)
	assert.Equal(t, "runs/run-1/summary_20261019_120000.json", mock.putCalls[0].key)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&s3types.NoSuchKey{}))
	assert.True(t, isNotFound(&notFoundError{}))
	assert.False(t, isNotFound(errors.New("AccessDenied")))
	assert.False(t, isNotFound(nil))
}
