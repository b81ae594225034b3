package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/titration-sim/internal/titration"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store archives scrubbed records under runs/<run_id>/ and keeps a JSONL
// manifest of everything written for the run.
type S3Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
	now      func() time.Time

	// S3 has no append; manifest writes are read-modify-write and must not interleave.
	manifestMu sync.Mutex
}

// NewS3Store creates an S3Store. If bucket is empty, all operations are no-ops.
func NewS3Store(s3Client S3API, bucket string, logger *logging.Logger) *S3Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &S3Store{bucket: bucket, s3Client: s3Client, logger: logger, now: time.Now}
}

// Enabled returns true if archival is configured (bucket is set).
func (s *S3Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

func RecordKey(runID, scenarioID string) string {
	return fmt.Sprintf("runs/%s/records/%s.json", runID, scenarioID)
}

func ManifestKey(runID string) string {
	return fmt.Sprintf("runs/%s/manifest.jsonl", runID)
}

func SummaryKey(runID, summaryID string) string {
	return fmt.Sprintf("runs/%s/%s.json", runID, summaryID)
}

// SaveRecord writes the record as JSON and appends it to the run manifest.
// A manifest failure is logged; the record itself is already stored.
func (s *S3Store) SaveRecord(ctx context.Context, rec *titration.ConversationRecord) error {
	if !s.Enabled() {
		return nil
	}

	scrubbed := ScrubRecord(rec)
	data, err := json.Marshal(scrubbed)
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}

	key := RecordKey(rec.RunID, rec.ScenarioID)
	if err := s.put(ctx, key, data, "application/json"); err != nil {
		return err
	}

	s.logger.Info("archived conversation record to S3",
		"run_id", rec.RunID,
		"scenario_id", rec.ScenarioID,
		"s3_key", key,
		"status", string(rec.Status),
	)

	entry := manifestEntry(rec, key, s.now().UTC())
	if err := s.AppendManifest(ctx, entry); err != nil {
		s.logger.Warn("failed to append manifest", "error", err.Error(), "scenario_id", rec.ScenarioID)
	}
	return nil
}

// SaveSummary writes the batch summary next to the run's records.
func (s *S3Store) SaveSummary(ctx context.Context, sum *titration.BatchSummary) error {
	if !s.Enabled() {
		return nil
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal summary: %w", err)
	}
	return s.put(ctx, SummaryKey(sum.RunID, sum.ID), data, "application/json")
}

// AppendManifest appends a JSONL line to the run's manifest.
func (s *S3Store) AppendManifest(ctx context.Context, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}

	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	key := ManifestKey(entry.RunID)
	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", key)
	default:
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	return s.put(ctx, key, buf.Bytes(), "application/x-ndjson")
}

func (s *S3Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", key, err)
	}
	return nil
}

// isNotFound matches the typed NoSuchKey error and, for S3-compatible
// endpoints that answer with a generic error, its message.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "StatusCode: 404")
}
