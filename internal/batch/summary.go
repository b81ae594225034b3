package batch

import (
	"time"

	"github.com/wolfman30/titration-sim/internal/titration"
)

const summaryTimeLayout = "20060102_150405"

// SummaryID is the timestamp-qualified identifier of a run's summary.
func SummaryID(at time.Time) string {
	return "summary_" + at.Format(summaryTimeLayout)
}

// Summarize folds records into a BatchSummary. It is pure: the same records
// and time always produce the same summary.
//
// Axis means are taken over every round of completed conversations. Success
// rates use every record as the denominator, so a failed conversation counts
// as unsuccessful.
func Summarize(runID, agentName string, batches int, records []*titration.ConversationRecord, at time.Time) *titration.BatchSummary {
	sum := &titration.BatchSummary{
		ID:                  SummaryID(at),
		RunID:               runID,
		Agent:               agentName,
		GeneratedAt:         at,
		Batches:             batches,
		Total:               len(records),
		SuccessByStrategy:   map[titration.Strategy]titration.Rate{},
		SuccessByDifficulty: map[titration.Difficulty]titration.Rate{},
		TerminationReasons:  map[titration.TerminationReason]int{},
		Endpoints:           map[titration.Endpoint]int{},
	}

	var (
		rounds      int
		axes        titration.AxisMeans
		compliance  float64
		complianceN int
	)
	for _, rec := range records {
		if rec.Termination.Reason != "" {
			sum.TerminationReasons[rec.Termination.Reason]++
		}
		success := rec.Status == titration.StatusCompleted && rec.Outcome != nil && rec.Outcome.Success
		sum.Success = addRate(sum.Success, success)
		sum.SuccessByStrategy[rec.Strategy] = addRate(sum.SuccessByStrategy[rec.Strategy], success)
		sum.SuccessByDifficulty[rec.Difficulty] = addRate(sum.SuccessByDifficulty[rec.Difficulty], success)

		if rec.Status != titration.StatusCompleted {
			sum.Failed++
			sum.Failures = append(sum.Failures, titration.ConversationFailure{ScenarioID: rec.ScenarioID, Error: rec.Error})
			continue
		}
		sum.Completed++

		for _, r := range rec.Rounds {
			e := r.Evaluation
			axes.Safe += float64(e.Safe)
			axes.Correct += float64(e.Correct)
			axes.Optimal += float64(e.Optimal)
			axes.Empathetic += float64(e.Empathetic)
			axes.WeightedScore += e.WeightedScore
			rounds++
		}
		if rec.Outcome != nil {
			sum.Endpoints[rec.Outcome.Endpoint]++
		}
		if rec.Compliance != nil {
			compliance += rec.Compliance.ComplianceScore
			complianceN++
		}
		if rec.Metrics != nil {
			sum.Severity.Minor += rec.Metrics.Deviations.Minor
			sum.Severity.Major += rec.Metrics.Deviations.Major
			sum.Severity.Critical += rec.Metrics.Deviations.Critical
		}
	}

	if rounds > 0 {
		n := float64(rounds)
		sum.Means.Safe = axes.Safe / n
		sum.Means.Correct = axes.Correct / n
		sum.Means.Optimal = axes.Optimal / n
		sum.Means.Empathetic = axes.Empathetic / n
		sum.Means.WeightedScore = axes.WeightedScore / n
	}
	if complianceN > 0 {
		sum.Means.Compliance = compliance / float64(complianceN)
	}
	return sum
}

func addRate(r titration.Rate, success bool) titration.Rate {
	r.Total++
	if success {
		r.Successes++
	}
	r.Rate = float64(r.Successes) / float64(r.Total)
	return r
}
