package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/titration-sim/cmd/mainconfig"
	"github.com/wolfman30/titration-sim/internal/archive"
	appconfig "github.com/wolfman30/titration-sim/internal/config"
	"github.com/wolfman30/titration-sim/internal/notify"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

// Sinks are the persistence targets of a run. Close releases pooled
// connections.
type Sinks struct {
	Files  *archive.FileStore
	Store  *archive.MultiStore
	Ledger archive.Ledger
	close  []func()
}

func (s *Sinks) Close() {
	for _, fn := range s.close {
		fn()
	}
}

// BuildSinks always writes local files and adds S3, Postgres, SQS and the
// DynamoDB ledger when configured. awsCfg may be nil when no AWS sink is set.
func BuildSinks(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (*Sinks, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	sinks := &Sinks{Files: archive.NewFileStore(cfg.OutputDir)}
	stores := []archive.Store{sinks.Files}

	needsAWS := cfg.ResultsS3Bucket != "" || cfg.ResultsQueueURL != "" || cfg.RunLedgerTable != ""
	if needsAWS && awsCfg == nil {
		return nil, fmt.Errorf("bootstrap: AWS sinks configured without AWS config")
	}

	if cfg.ResultsS3Bucket != "" {
		stores = append(stores, archive.NewS3Store(mainconfig.NewS3Client(*awsCfg, cfg), cfg.ResultsS3Bucket, logger))
		logger.Info("s3 record archive enabled", "bucket", cfg.ResultsS3Bucket)
	}
	if cfg.ResultsDatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.ResultsDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
		}
		sinks.close = append(sinks.close, pool.Close)
		stores = append(stores, archive.NewPostgresStore(pool))
		logger.Info("postgres record store enabled")
	}
	if cfg.ResultsQueueURL != "" {
		stores = append(stores, archive.NewSQSPublisher(sqs.NewFromConfig(*awsCfg), cfg.ResultsQueueURL))
		logger.Info("sqs completion events enabled", "queue_url", cfg.ResultsQueueURL)
	}
	if cfg.RunLedgerTable != "" {
		sinks.Ledger = archive.NewDynamoLedger(dynamodb.NewFromConfig(*awsCfg), cfg.RunLedgerTable, logger)
		logger.Info("dynamodb run ledger enabled", "table", cfg.RunLedgerTable)
	}

	sinks.Store = archive.NewMultiStore(stores...)
	return sinks, nil
}

// BuildReporter returns nil when no report recipients are configured.
func BuildReporter(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) *notify.Reporter {
	if cfg == nil || len(cfg.ReportEmailTo) == 0 || awsCfg == nil {
		return nil
	}
	sender := notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{FromEmail: cfg.ReportEmailFrom}, logger)
	return notify.NewReporter(sender, cfg.ReportEmailTo, logger)
}
