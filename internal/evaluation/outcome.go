package evaluation

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfman30/titration-sim/internal/titration"
)

const outcomeSchema = "outcome"

type outcomeOutput struct {
	Endpoint        titration.Endpoint             `json:"endpoint"`
	Medications     []titration.MedicationProgress `json:"medications_tracked"`
	TotalTurns      int                            `json:"total_turns"`
	SafetyEvents    []string                       `json:"safety_events"`
	AdherenceIssues []string                       `json:"adherence_issues"`
	Rationale       string                         `json:"rationale"`
}

func (o *outcomeOutput) Validate() error {
	if !o.Endpoint.IsValid() {
		return fmt.Errorf("endpoint %q is not one of %v", o.Endpoint, titration.Endpoints())
	}
	for i, m := range o.Medications {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("medications_tracked[%d] has no medication_name", i)
		}
	}
	return nil
}

// ClassifyOutcome assigns the conversation's endpoint from all frozen rounds.
// Rounds are read, never modified.
func (s *Service) ClassifyOutcome(ctx context.Context, sc *titration.Scenario, rounds []titration.RoundResult) (titration.ProtocolOutcome, error) {
	var b strings.Builder
	b.WriteString(scenarioBrief(sc))
	b.WriteString("\nRound evaluations:\n")
	for _, r := range rounds {
		e := r.Evaluation
		fmt.Fprintf(&b, "- round %d: safe %d, correct %d, optimal %d, empathetic %d; ended %s",
			e.Round, e.Safe, e.Correct, e.Optimal, e.Empathetic, r.History.TerminationReason)
		if len(e.AutoFailures) > 0 {
			fmt.Fprintf(&b, "; rule violations %v", e.AutoFailures)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nEvaluation criteria by round:\n")
	for _, spec := range sc.Rounds {
		b.WriteString(hiddenCriteriaText(spec))
	}
	b.WriteString("\nFull conversation:\n")
	totalTurns := 0
	for _, r := range rounds {
		fmt.Fprintf(&b, "--- week %d ---\n", r.History.WeekOffset)
		b.WriteString(transcriptText(r.History.Turns))
		totalTurns += len(r.History.Turns)
	}

	out, degraded, reason, err := structured[outcomeOutput](ctx, s, outcomeSchema, s.kb.Prompts.Outcome, b.String())
	if err != nil {
		return titration.ProtocolOutcome{}, err
	}

	outcome := titration.ProtocolOutcome{TotalTurns: totalTurns}
	if degraded {
		outcome.Endpoint = titration.EndpointIncomplete
		outcome.Rationale = "outcome output failed validation after a corrective retry: " + reason
		outcome.Degraded = true
		for _, m := range sc.Patient.Medications {
			outcome.Medications = append(outcome.Medications, titration.MedicationProgress{
				Name: m.Name, StartingDose: m.Current, TargetDose: m.Target,
			})
		}
	} else {
		outcome.Endpoint = out.Endpoint
		outcome.Medications = out.Medications
		outcome.SafetyEvents = out.SafetyEvents
		outcome.AdherenceIssues = out.AdherenceIssues
		outcome.Rationale = strings.TrimSpace(out.Rationale)
	}
	for i := range outcome.Medications {
		m := &outcome.Medications[i]
		m.ReachedTarget = s.kb.ReachedTarget(m.Name, m.FinalDose, m.TargetDose)
	}
	outcome.Success = OutcomeSuccess(outcome.Endpoint, rounds)
	return outcome, nil
}

// OutcomeSuccess is true iff the endpoint is a success endpoint and no round
// carries a critical-severity deviation (safe score at or below 1).
func OutcomeSuccess(endpoint titration.Endpoint, rounds []titration.RoundResult) bool {
	if !endpoint.IsSuccess() {
		return false
	}
	for _, r := range rounds {
		if severityOf(r.Evaluation.Safe) == severityCritical {
			return false
		}
	}
	return true
}
