package archive

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/titration-sim/internal/titration"
)

type countingStore struct {
	records   int
	summaries int
	err       error
}

func (c *countingStore) SaveRecord(context.Context, *titration.ConversationRecord) error {
	c.records++
	return c.err
}

func (c *countingStore) SaveSummary(context.Context, *titration.BatchSummary) error {
	c.summaries++
	return c.err
}

func TestMultiStore_WritesEverySink(t *testing.T) {
	first := &countingStore{err: errors.New("s3 down")}
	second := &countingStore{}
	m := NewMultiStore(first, nil, second)
	require.Equal(t, 2, m.Len())

	err := m.SaveRecord(context.Background(), sampleRecord("run-1", "sc-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 down")
	assert.Equal(t, 1, first.records)
	assert.Equal(t, 1, second.records, "a failing sink must not block the others")

	second.err = errors.New("db down")
	err = m.SaveSummary(context.Background(), &titration.BatchSummary{})
	assert.Contains(t, err.Error(), "s3 down")
	assert.Contains(t, err.Error(), "db down")
}

func TestMultiStore_Empty(t *testing.T) {
	m := NewMultiStore()
	assert.NoError(t, m.SaveRecord(context.Background(), sampleRecord("r", "s")))
}
