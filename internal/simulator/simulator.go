// Package simulator drives the turn-by-turn conversation between an assistant
// agent and the simulated patient, one round at a time.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/titration-sim/internal/agent"
	"github.com/wolfman30/titration-sim/internal/evaluation"
	"github.com/wolfman30/titration-sim/internal/observability/metrics"
	"github.com/wolfman30/titration-sim/internal/rules"
	"github.com/wolfman30/titration-sim/internal/titration"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

const (
	DefaultMaxTurns = 10
	// refusalWindow is how many trailing messages are scanned for refusals.
	refusalWindow    = 6
	refusalThreshold = 2
)

// ErrNoRounds guards programmatic callers; the loader already rejects such scenarios.
var ErrNoRounds = errors.New("simulator: scenario has no rounds")

// Evaluator scores rounds and whole conversations.
type Evaluator interface {
	JudgeRound(ctx context.Context, sc *titration.Scenario, spec titration.RoundSpec, h titration.RoundHistory) (titration.EncounterEvaluation, error)
	ClassifyOutcome(ctx context.Context, sc *titration.Scenario, rounds []titration.RoundResult) (titration.ProtocolOutcome, error)
	ScoreCompliance(ctx context.Context, sc *titration.Scenario, rounds []titration.RoundResult) (titration.AssignmentComplianceEvaluation, error)
}

// Config tunes the turn loop.
type Config struct {
	MaxTurns       int
	InterTurnDelay time.Duration
}

// Simulator runs conversations. It is safe for concurrent use as long as each
// call to Run gets its own Agent.
type Simulator struct {
	cfg       Config
	checker   *rules.Checker
	patient   agent.Speaker
	evaluator Evaluator
	metrics   *metrics.RunMetrics
	logger    *logging.Logger
	tracer    trace.Tracer
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, checker *rules.Checker, patient agent.Speaker, evaluator Evaluator, m *metrics.RunMetrics, logger *logging.Logger) *Simulator {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Simulator{
		cfg:       cfg,
		checker:   checker,
		patient:   patient,
		evaluator: evaluator,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("titration.internal.simulator"),
		sleep:     sleepContext,
	}
}

// Run simulates every round of the scenario, then classifies the outcome,
// scores compliance and derives metrics. On error the returned record holds
// the rounds that finished before the failure.
func (s *Simulator) Run(ctx context.Context, sc *titration.Scenario, a agent.Agent, logger *logging.Logger) (*titration.ConversationRecord, error) {
	if logger == nil {
		logger = s.logger.With("scenario_id", sc.ID)
	}
	ctx, span := s.tracer.Start(ctx, "simulator.conversation", trace.WithAttributes(
		attribute.String("titration.scenario_id", sc.ID),
		attribute.String("titration.agent", a.Name()),
	))
	defer span.End()

	record := &titration.ConversationRecord{
		ScenarioID: sc.ID,
		Agent:      a.Name(),
		Status:     titration.StatusCompleted,
		Strategy:   sc.Strategy,
		Difficulty: sc.Difficulty,
		StartedAt:  time.Now().UTC(),
	}
	fail := func(err error) (*titration.ConversationRecord, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		record.Status = titration.StatusFailed
		record.Error = err.Error()
		record.Termination = titration.Termination{Reason: titration.ReasonRuntimeError, Early: true}
		if n := len(record.Rounds); n > 0 {
			record.Termination.Round = record.Rounds[n-1].History.Round
		}
		record.CompletedAt = time.Now().UTC()
		return record, err
	}

	if len(sc.Rounds) == 0 {
		return fail(ErrNoRounds)
	}
	if err := a.Init(ctx, sc); err != nil {
		return fail(fmt.Errorf("simulator: init agent: %w", err))
	}

	var prior []titration.RoundHistory
	for i, spec := range sc.Rounds {
		h, err := s.runRound(ctx, sc, spec, prior, a, logger)
		if err != nil {
			return fail(err)
		}
		eval, err := s.evaluator.JudgeRound(ctx, sc, spec, h)
		if err != nil {
			return fail(fmt.Errorf("simulator: judge round %d: %w", spec.Number, err))
		}
		record.Rounds = append(record.Rounds, titration.RoundResult{History: h, Evaluation: eval})
		record.Turns = append(record.Turns, h.Turns...)
		prior = append(prior, h)

		s.metrics.ObserveRound(string(h.TerminationReason))
		logger.Info("round finished",
			"round", h.Round,
			"reason", string(h.TerminationReason),
			"turns", len(h.Turns),
			"auto_failures", len(h.AutoFailures),
			"weighted_score", eval.WeightedScore,
		)

		reason := h.TerminationReason
		// A degraded evaluation carries placeholder scores, not a safety judgement.
		if !eval.Degraded && eval.Safe <= titration.MinAxisScore && !reason.StopsConversation() {
			reason = titration.ReasonUnsafeRecommendation
		}
		if reason.StopsConversation() {
			record.Termination = titration.Termination{
				Reason: reason,
				Round:  h.Round,
				Turn:   h.TerminationTurn,
				Early:  true,
			}
			break
		}
		if i == len(sc.Rounds)-1 {
			record.Termination = titration.Termination{
				Reason: reason,
				Round:  h.Round,
				Turn:   h.TerminationTurn,
			}
		}
	}
	span.SetAttributes(attribute.String("titration.termination_reason", string(record.Termination.Reason)))

	outcome, err := s.evaluator.ClassifyOutcome(ctx, sc, record.Rounds)
	if err != nil {
		return fail(fmt.Errorf("simulator: classify outcome: %w", err))
	}
	record.Outcome = &outcome

	compliance, err := s.evaluator.ScoreCompliance(ctx, sc, record.Rounds)
	if err != nil {
		return fail(fmt.Errorf("simulator: score compliance: %w", err))
	}
	record.Compliance = &compliance

	m := evaluation.Aggregate(record)
	record.Metrics = &m
	record.CompletedAt = time.Now().UTC()
	return record, nil
}

// runRound plays one round to termination and returns the frozen history.
func (s *Simulator) runRound(ctx context.Context, sc *titration.Scenario, spec titration.RoundSpec, prior []titration.RoundHistory, a agent.Agent, logger *logging.Logger) (titration.RoundHistory, error) {
	ctx, span := s.tracer.Start(ctx, "simulator.round", trace.WithAttributes(
		attribute.String("titration.scenario_id", sc.ID),
		attribute.Int("titration.round", spec.Number),
	))
	defer span.End()

	h := titration.RoundHistory{Round: spec.Number, WeekOffset: spec.WeekOffset}
	vitals := sc.VitalsForRound(spec)
	speaker := titration.RoleAssistant
	var reason titration.TerminationReason
	var priorTurns []titration.Turn
	for _, p := range prior {
		priorTurns = append(priorTurns, p.Turns...)
	}

	for reason == "" {
		tc := agent.TurnContext{Scenario: sc, Round: spec, Vitals: vitals, PriorRounds: prior, Turns: h.Turns}
		var (
			text string
			err  error
		)
		if speaker == titration.RoleAssistant {
			text, err = a.NextTurn(ctx, tc)
		} else {
			text, err = s.patient.NextTurn(ctx, tc)
		}
		if err != nil {
			span.RecordError(err)
			return h, fmt.Errorf("simulator: round %d turn %d (%s): %w", spec.Number, len(h.Turns)+1, speaker, err)
		}
		turn := h.Append(speaker, text)

		added := h.AddFailures(s.checker.Check(rules.Input{
			Scenario: sc, Round: spec, Vitals: vitals, Turns: h.Turns, PriorTurns: priorTurns,
		}))
		s.recordFailures(added, turn, logger)

		reason = s.terminationAfter(turn, added, h.Turns)
		if reason != "" {
			break
		}
		speaker = other(speaker)
		if err := s.sleep(ctx, s.cfg.InterTurnDelay); err != nil {
			return h, fmt.Errorf("simulator: round %d: %w", spec.Number, err)
		}
	}

	final := h.AddFailures(s.checker.Check(rules.Input{
		Scenario: sc, Round: spec, Vitals: vitals, Turns: h.Turns, PriorTurns: priorTurns, Final: true,
	}))
	if n := len(h.Turns); n > 0 {
		s.recordFailures(final, h.Turns[n-1], logger)
	}
	h.Freeze(reason)
	span.SetAttributes(attribute.String("titration.termination_reason", string(reason)))
	return h, nil
}

// terminationAfter applies the early-termination checks in priority order.
// The judge-based unsafe check runs once the round has been scored.
func (s *Simulator) terminationAfter(turn titration.Turn, added []titration.AutoFailure, turns []titration.Turn) titration.TerminationReason {
	if turn.Speaker == titration.RoleAssistant {
		for _, l := range added {
			if l.Critical() {
				return titration.ReasonAgentProtocolFailure
			}
		}
		if rules.IsClosure(turn.Text) && rules.RecommendationMade(turns) {
			return titration.ReasonRecommendationDone
		}
	}
	if rules.RefusalCount(turns, refusalWindow) >= refusalThreshold {
		return titration.ReasonPatientNonAdherence
	}
	if len(turns) >= s.cfg.MaxTurns {
		return titration.ReasonMaxTurns
	}
	return ""
}

func (s *Simulator) recordFailures(added []titration.AutoFailure, turn titration.Turn, logger *logging.Logger) {
	for _, l := range added {
		s.metrics.ObserveAutoFailure(string(l.Kind()))
		logger.Warn("auto-failure raised", "round", turn.Round, "turn", turn.Index, "label", string(l))
	}
}

func other(r titration.Role) titration.Role {
	if r == titration.RoleAssistant {
		return titration.RolePatient
	}
	return titration.RoleAssistant
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
