package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/titration-sim/internal/titration"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore upserts records and summaries into the tables created by the
// migrations package, so runs can be compared with SQL.
type PostgresStore struct {
	db execer
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("archive: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithExec(db execer) *PostgresStore {
	if db == nil {
		panic("archive: exec required")
	}
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec *titration.ConversationRecord) error {
	payload, err := json.Marshal(ScrubRecord(rec))
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}
	var endpoint *string
	success := false
	if rec.Outcome != nil {
		e := string(rec.Outcome.Endpoint)
		endpoint = &e
		success = rec.Outcome.Success
	}

	if _, err := s.db.Exec(ctx, `
		INSERT INTO titration_records (
			run_id, scenario_id, agent, status, strategy, difficulty,
			endpoint, success, mean_weighted_score, termination_reason,
			record, started_at, completed_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (run_id, scenario_id) DO UPDATE SET
			status = EXCLUDED.status,
			endpoint = EXCLUDED.endpoint,
			success = EXCLUDED.success,
			mean_weighted_score = EXCLUDED.mean_weighted_score,
			termination_reason = EXCLUDED.termination_reason,
			record = EXCLUDED.record,
			completed_at = EXCLUDED.completed_at
	`, rec.RunID, rec.ScenarioID, rec.Agent, string(rec.Status), string(rec.Strategy), string(rec.Difficulty),
		endpoint, success, meanWeightedScore(rec), string(rec.Termination.Reason),
		payload, rec.StartedAt, rec.CompletedAt); err != nil {
		return fmt.Errorf("archive: insert record %s: %w", rec.ScenarioID, err)
	}
	return nil
}

func (s *PostgresStore) SaveSummary(ctx context.Context, sum *titration.BatchSummary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("archive: marshal summary: %w", err)
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO titration_summaries (id, run_id, agent, total, completed, failed, success_rate, summary, generated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET summary = EXCLUDED.summary
	`, sum.ID, sum.RunID, sum.Agent, sum.Total, sum.Completed, sum.Failed, sum.Success.Rate, payload, sum.GeneratedAt); err != nil {
		return fmt.Errorf("archive: insert summary %s: %w", sum.ID, err)
	}
	return nil
}
