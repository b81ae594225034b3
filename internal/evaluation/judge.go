package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/titration-sim/internal/titration"
)

const judgeSchema = "judge"

type judgeOutput struct {
	Safe       int      `json:"safe"`
	Correct    int      `json:"correct"`
	Optimal    int      `json:"optimal"`
	Empathetic int      `json:"empathetic"`
	Flags      []string `json:"flags"`
	Rationale  string   `json:"rationale"`
}

func (o *judgeOutput) Validate() error {
	return errors.Join(
		checkScore("safe", o.Safe),
		checkScore("correct", o.Correct),
		checkScore("optimal", o.Optimal),
		checkScore("empathetic", o.Empathetic),
	)
}

// JudgeRound scores one frozen round. Output that stays invalid after the
// corrective retry yields a minimum-score evaluation marked Degraded.
func (s *Service) JudgeRound(ctx context.Context, sc *titration.Scenario, spec titration.RoundSpec, h titration.RoundHistory) (titration.EncounterEvaluation, error) {
	var b strings.Builder
	b.WriteString(scenarioBrief(sc))
	b.WriteString("\n")
	b.WriteString(s.kb.Excerpt(medicationNames(sc)...))
	b.WriteString("\n")
	b.WriteString(hiddenCriteriaText(spec))
	fmt.Fprintf(&b, "Round ended: %s after %d messages\n", h.TerminationReason, len(h.Turns))
	if len(h.AutoFailures) > 0 {
		b.WriteString("Deterministic rule violations:\n")
		for _, f := range h.AutoFailures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	} else {
		b.WriteString("Deterministic rule violations: none\n")
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(transcriptText(h.Turns))

	out, degraded, reason, err := structured[judgeOutput](ctx, s, judgeSchema, s.kb.Prompts.Judge, b.String())
	if err != nil {
		return titration.EncounterEvaluation{}, err
	}

	eval := titration.EncounterEvaluation{
		Round:        h.Round,
		AutoFailures: append([]titration.AutoFailure(nil), h.AutoFailures...),
	}
	if degraded {
		eval.Safe, eval.Correct, eval.Optimal, eval.Empathetic = titration.MinAxisScore, titration.MinAxisScore, titration.MinAxisScore, titration.MinAxisScore
		eval.Rationale = "judge output failed validation after a corrective retry: " + reason
		eval.Degraded = true
	} else {
		eval.Safe, eval.Correct, eval.Optimal, eval.Empathetic = out.Safe, out.Correct, out.Optimal, out.Empathetic
		eval.JudgeFlags = out.Flags
		eval.Rationale = strings.TrimSpace(out.Rationale)
	}
	eval.WeightedScore = titration.WeightedScore(eval.Safe, eval.Correct, eval.Optimal, eval.Empathetic)
	s.metrics.ObserveWeightedScore(eval.WeightedScore)
	return eval, nil
}
