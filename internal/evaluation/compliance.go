package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/titration-sim/internal/titration"
)

const complianceSchema = "compliance"

type complianceOutput struct {
	titration.AssignmentComplianceEvaluation
}

func (o *complianceOutput) Validate() error {
	scores := o.Scores()
	errs := make([]error, 0, len(scores))
	for i, v := range scores {
		errs = append(errs, checkScore(titration.ComplianceDimensions[i], v))
	}
	return errors.Join(errs...)
}

// ScoreCompliance grades the whole conversation on the seven compliance
// dimensions.
func (s *Service) ScoreCompliance(ctx context.Context, sc *titration.Scenario, rounds []titration.RoundResult) (titration.AssignmentComplianceEvaluation, error) {
	var b strings.Builder
	b.WriteString(scenarioBrief(sc))
	b.WriteString("\n")
	b.WriteString(s.kb.Excerpt(medicationNames(sc)...))
	b.WriteString("\nConversation:\n")
	for _, r := range rounds {
		fmt.Fprintf(&b, "--- week %d ---\n", r.History.WeekOffset)
		b.WriteString(transcriptText(r.History.Turns))
	}

	out, degraded, reason, err := structured[complianceOutput](ctx, s, complianceSchema, s.kb.Prompts.Compliance, b.String())
	if err != nil {
		return titration.AssignmentComplianceEvaluation{}, err
	}
	if degraded {
		lowest := titration.MinAxisScore
		eval := titration.AssignmentComplianceEvaluation{
			InformationGathering:   lowest,
			QuestionAnswering:      lowest,
			ProtocolRecommendation: lowest,
			PhysicianApproval:      lowest,
			PatientCommunication:   lowest,
			TitrationStrategy:      lowest,
			ProtocolParameters:     lowest,
			Rationale:              "compliance output failed validation after a corrective retry: " + reason,
			Degraded:               true,
		}
		eval.ComplianceScore = eval.ComputeScore()
		return eval, nil
	}

	eval := out.AssignmentComplianceEvaluation
	eval.Rationale = strings.TrimSpace(eval.Rationale)
	eval.Degraded = false
	eval.ComplianceScore = eval.ComputeScore()
	return eval, nil
}
