// Package archive persists conversation records and batch summaries. Every
// sink writes a record as soon as its conversation finishes.
package archive

import (
	"context"
	"time"

	"github.com/wolfman30/titration-sim/internal/titration"
)

// Store is a destination for run output.
type Store interface {
	SaveRecord(ctx context.Context, rec *titration.ConversationRecord) error
	SaveSummary(ctx context.Context, sum *titration.BatchSummary) error
}

// ManifestEntry is one JSONL line in a run's manifest.
type ManifestEntry struct {
	RunID        string             `json:"run_id"`
	ScenarioID   string             `json:"scenario_id"`
	Key          string             `json:"key"`
	Status       string             `json:"status"`
	Endpoint     titration.Endpoint `json:"endpoint,omitempty"`
	Success      bool               `json:"success"`
	MeanWeighted float64            `json:"mean_weighted_score"`
	Rounds       int                `json:"rounds"`
	TurnCount    int                `json:"turn_count"`
	TerminatedBy string             `json:"terminated_by"`
	ArchivedAt   string             `json:"archived_at"`
}

func manifestEntry(rec *titration.ConversationRecord, key string, now time.Time) ManifestEntry {
	e := ManifestEntry{
		RunID:        rec.RunID,
		ScenarioID:   rec.ScenarioID,
		Key:          key,
		Status:       string(rec.Status),
		MeanWeighted: meanWeightedScore(rec),
		Rounds:       len(rec.Rounds),
		TurnCount:    len(rec.Turns),
		TerminatedBy: string(rec.Termination.Reason),
		ArchivedAt:   now.Format(time.RFC3339),
	}
	if rec.Outcome != nil {
		e.Endpoint = rec.Outcome.Endpoint
		e.Success = rec.Outcome.Success
	}
	return e
}

func meanWeightedScore(rec *titration.ConversationRecord) float64 {
	if len(rec.Rounds) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range rec.Rounds {
		sum += r.Evaluation.WeightedScore
	}
	return sum / float64(len(rec.Rounds))
}
