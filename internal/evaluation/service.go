// Package evaluation scores simulated conversations: a language-model judge
// per round, an outcome classifier and a compliance scorer per conversation,
// and deterministic metrics derived from the finished record.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/titration-sim/internal/llm"
	"github.com/wolfman30/titration-sim/internal/observability/metrics"
	"github.com/wolfman30/titration-sim/internal/protocol"
	"github.com/wolfman30/titration-sim/internal/titration"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

const evaluatorMaxTokens int32 = 1500

// Service implements the three model-backed evaluators. It holds no
// per-conversation state.
type Service struct {
	llm     llm.Client
	kb      *protocol.KnowledgeBase
	model   string
	metrics *metrics.RunMetrics
	logger  *logging.Logger
	tracer  trace.Tracer
}

func NewService(client llm.Client, kb *protocol.KnowledgeBase, model string, m *metrics.RunMetrics, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		llm:     client,
		kb:      kb,
		model:   model,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("titration.internal.evaluation"),
	}
}

// structured runs one evaluator call with a single corrective retry. A nil
// error with degraded=true means both answers failed validation.
func structured[T any](ctx context.Context, s *Service, evaluator, system, user string) (T, bool, string, error) {
	var zero T
	ctx, span := s.tracer.Start(ctx, "evaluation."+evaluator)
	defer span.End()

	res, err := llm.CompleteStructured[T](ctx, s.llm, llm.Request{
		Purpose:     evaluator,
		Model:       s.model,
		System:      []string{system},
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: user}},
		MaxTokens:   evaluatorMaxTokens,
		Temperature: 0,
	}, evaluator, s.kb.Prompts.CorrectiveFor)
	span.SetAttributes(attribute.Int("titration.evaluation.attempts", res.Attempts))

	var schemaErr *titration.SchemaValidationError
	switch {
	case errors.As(err, &schemaErr):
		span.RecordError(err)
		s.metrics.ObserveSchemaRetry(evaluator, true)
		s.logger.Warn("evaluator output invalid after corrective retry",
			"evaluator", evaluator, "error", err.Error())
		return zero, true, schemaErr.Err.Error(), nil
	case err != nil:
		span.RecordError(err)
		return zero, false, "", err
	}
	if res.Attempts > 1 {
		s.metrics.ObserveSchemaRetry(evaluator, false)
	}
	return res.Value, false, "", nil
}

func checkScore(name string, v int) error {
	if v < titration.MinAxisScore || v > titration.MaxAxisScore {
		return fmt.Errorf("%s must be an integer from %d to %d, got %d", name, titration.MinAxisScore, titration.MaxAxisScore, v)
	}
	return nil
}

func transcriptText(turns []titration.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "[round %d turn %d] %s: %s\n", t.Round, t.Index, t.Speaker, t.Text)
	}
	return b.String()
}

func scenarioBrief(sc *titration.Scenario) string {
	p := sc.Patient
	var b strings.Builder
	fmt.Fprintf(&b, "Scenario %s (difficulty %s, strategy %s)\n", sc.ID, sc.Difficulty, sc.Strategy)
	fmt.Fprintf(&b, "Patient: %s", p.Name)
	if p.Age > 0 {
		fmt.Fprintf(&b, ", %d", p.Age)
	}
	if p.Diagnosis != "" {
		fmt.Fprintf(&b, ", %s", p.Diagnosis)
	}
	if p.MedicalLiteracy != "" {
		fmt.Fprintf(&b, ", medical literacy %s", p.MedicalLiteracy)
	}
	b.WriteString("\nMedications:\n")
	for _, m := range p.Medications {
		fmt.Fprintf(&b, "- %s (%s): current %s, target %s\n", m.Name, m.Class, m.Current, m.Target)
	}
	return b.String()
}

func hiddenCriteriaText(spec titration.RoundSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d (week %d) goal: %s\n", spec.Number, spec.WeekOffset, spec.ConversationGoal)
	if ids := actionIDs(spec.HiddenEval.RequiredActions); ids != "" {
		fmt.Fprintf(&b, "Required actions: %s\n", ids)
	}
	if ids := actionIDs(spec.HiddenEval.ForbiddenActions); ids != "" {
		fmt.Fprintf(&b, "Forbidden actions: %s\n", ids)
	}
	return b.String()
}

func actionIDs(actions []titration.ActionSpec) string {
	ids := make([]string, 0, len(actions))
	for _, a := range actions {
		ids = append(ids, a.ID)
	}
	return strings.Join(ids, ", ")
}

func medicationNames(sc *titration.Scenario) []string {
	out := make([]string, 0, len(sc.Patient.Medications))
	for _, m := range sc.Patient.Medications {
		out = append(out, m.Name)
	}
	return out
}
