package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/titration-sim/internal/titration"
)

func TestFileStore_SaveRecord(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	rec := sampleRecord("run-1", "sc-1")
	require.NoError(t, store.SaveRecord(context.Background(), rec))

	data, err := os.ReadFile(filepath.Join(dir, "run-1", "sc-1.json"))
	require.NoError(t, err)
	var decoded titration.ConversationRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rec.Turns, decoded.Turns)
	assert.Equal(t, rec.Termination, decoded.Termination)

	entries, err := os.ReadDir(filepath.Join(dir, "run-1"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp files must not survive a write")
	}
}

func TestFileStore_OverwriteIsWhole(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	rec := sampleRecord("run-1", "sc-1")
	require.NoError(t, store.SaveRecord(context.Background(), rec))
	rec.Status = titration.StatusFailed
	rec.Error = "boom"
	require.NoError(t, store.SaveRecord(context.Background(), rec))

	data, err := os.ReadFile(store.RecordPath("run-1", "sc-1"))
	require.NoError(t, err)
	var decoded titration.ConversationRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, titration.StatusFailed, decoded.Status)
}

func TestFileStore_ConcurrentManifest(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.SaveRecord(context.Background(), sampleRecord("run-1", fmt.Sprintf("sc-%d", i))))
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(dir, "run-1", "manifest.jsonl"))
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 8)
	for _, line := range lines {
		var e ManifestEntry
		require.NoError(t, json.Unmarshal(line, &e))
		assert.Equal(t, "run-1", e.RunID)
	}
}

func TestFileStore_SaveSummary(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	sum := &titration.BatchSummary{ID: "summary_20261019_120000", RunID: "run-1", Total: 2, Completed: 2}
	require.NoError(t, store.SaveSummary(context.Background(), sum))

	data, err := os.ReadFile(filepath.Join(dir, "run-1", "summary_20261019_120000.json"))
	require.NoError(t, err)
	var decoded titration.BatchSummary
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 2, decoded.Completed)
}
