package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wolfman30/titration-sim/internal/titration"
)

// FileStore writes each record to <dir>/<run_id>/<scenario_id>.json. Writes go
// to a temporary file first and are renamed into place, so a reader never sees
// a partial record.
type FileStore struct {
	dir string
	now func() time.Time

	manifestMu sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, now: time.Now}
}

// RunDir is the directory holding one run's artifacts.
func (f *FileStore) RunDir(runID string) string {
	return filepath.Join(f.dir, runID)
}

func (f *FileStore) RecordPath(runID, scenarioID string) string {
	return filepath.Join(f.RunDir(runID), scenarioID+".json")
}

func (f *FileStore) SummaryPath(runID, summaryID string) string {
	return filepath.Join(f.RunDir(runID), summaryID+".json")
}

func (f *FileStore) SaveRecord(_ context.Context, rec *titration.ConversationRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}
	path := f.RecordPath(rec.RunID, rec.ScenarioID)
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	return f.appendManifest(manifestEntry(rec, path, f.now().UTC()))
}

func (f *FileStore) SaveSummary(_ context.Context, sum *titration.BatchSummary) error {
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal summary: %w", err)
	}
	return writeFileAtomic(f.SummaryPath(sum.RunID, sum.ID), data)
}

func (f *FileStore) appendManifest(entry ManifestEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}
	f.manifestMu.Lock()
	defer f.manifestMu.Unlock()

	fh, err := os.OpenFile(filepath.Join(f.RunDir(entry.RunID), "manifest.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open manifest: %w", err)
	}
	if _, err := fh.Write(append(line, '\n')); err != nil {
		fh.Close()
		return fmt.Errorf("archive: write manifest: %w", err)
	}
	return fh.Close()
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("archive: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("archive: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("archive: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("archive: write %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("archive: persist %s: %w", path, err)
	}
	return nil
}
