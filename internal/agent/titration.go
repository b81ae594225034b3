package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/titration-sim/internal/llm"
	"github.com/wolfman30/titration-sim/internal/titration"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

const TitrationName = "titration"

const summaryMarker = "SUMMARY:"

// Titration gathers intake, hands a structured summary to a recommendation
// sub-agent grounded in the protocol reference, has the plan checked by a
// verification sub-agent, then relays the verified plan to the patient.
type Titration struct {
	deps   Deps
	logger *logging.Logger

	scenario *titration.Scenario
	// plans holds the verified plan per round number; set once per round.
	plans map[int]string
}

func NewTitration(deps Deps) Agent {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Titration{deps: deps, logger: logger}
}

func (a *Titration) Name() string { return TitrationName }

func (a *Titration) Init(ctx context.Context, sc *titration.Scenario) error {
	if sc == nil {
		return errors.New("agent: scenario is required")
	}
	if a.deps.KB == nil || a.deps.LLM == nil {
		return errors.New("agent: titration agent needs a knowledge base and an llm client")
	}
	a.scenario = sc
	a.plans = make(map[int]string)
	return nil
}

// Plan returns the verified plan relayed in a round, if any.
func (a *Titration) Plan(round int) (string, bool) {
	p, ok := a.plans[round]
	return p, ok
}

func (a *Titration) NextTurn(ctx context.Context, tc TurnContext) (string, error) {
	if a.plans == nil {
		if err := a.Init(ctx, tc.Scenario); err != nil {
			return "", err
		}
	}
	system := a.system(tc, "")
	msgs := withKickoff(transcript(tc.Turns, titration.RoleAssistant), tc.Round.WeekOffset)

	reply, err := a.ask(ctx, system, msgs)
	if err != nil {
		return "", err
	}
	summary, ok := extractSummary(reply)
	if !ok {
		return reply, nil
	}
	if _, done := a.plans[tc.Round.Number]; done {
		// A plan was already relayed this round; do not run the sub-agents twice.
		return beforeSummary(reply, "Is there anything else you'd like to go over today?"), nil
	}

	plan, err := a.recommend(ctx, tc, summary)
	if err != nil {
		return "", err
	}
	a.plans[tc.Round.Number] = plan
	a.logger.Debug("verified plan ready", "scenario_id", tc.Scenario.ID, "round", tc.Round.Number)

	relayMsgs := append(msgs,
		llm.Message{Role: llm.RoleAssistant, Content: reply},
		llm.Message{Role: llm.RoleUser, Content: "[The verified plan is attached to your instructions. Explain it to the patient now.]"},
	)
	relay, err := a.ask(ctx, a.system(tc, plan), relayMsgs)
	if err != nil {
		return "", err
	}
	if _, again := extractSummary(relay); again {
		return plan, nil
	}
	return relay, nil
}

func (a *Titration) system(tc TurnContext, plan string) []string {
	system := []string{a.deps.KB.Prompts.Assistant, patientContext(tc.Scenario, tc.Round)}
	if prior := priorRoundsText(tc.PriorRounds); prior != "" {
		system = append(system, prior)
	}
	if plan != "" {
		system = append(system, "Verified plan to relay to the patient in plain language:\n"+plan)
	}
	return system
}

func (a *Titration) ask(ctx context.Context, system []string, msgs []llm.Message) (string, error) {
	resp, err := a.deps.LLM.Complete(ctx, llm.Request{
		Purpose:     "assistant",
		Model:       a.deps.Model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   turnMaxTokens,
		Temperature: assistantTemp,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// verification is the verification sub-agent's verdict.
type verification struct {
	Approved bool     `json:"approved"`
	Issues   []string `json:"issues"`
	Revised  string   `json:"revised"`
}

func (v *verification) Validate() error {
	if !v.Approved && len(v.Issues) == 0 && strings.TrimSpace(v.Revised) == "" {
		return errors.New("a rejected plan must list issues or a revision")
	}
	return nil
}

func (a *Titration) recommend(ctx context.Context, tc TurnContext, summary string) (string, error) {
	reference := a.deps.KB.Excerpt(medicationNames(tc.Scenario)...)
	brief := fmt.Sprintf("Patient summary:\n%s\n\n%s", summary, patientContext(tc.Scenario, tc.Round))

	resp, err := a.deps.LLM.Complete(ctx, llm.Request{
		Purpose:     "recommendation",
		Model:       a.deps.Model,
		System:      []string{a.deps.KB.Prompts.Recommendation, reference},
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: brief}},
		MaxTokens:   subAgentTokens,
		Temperature: subAgentTemp,
	})
	if err != nil {
		return "", err
	}
	proposal := strings.TrimSpace(resp.Text)

	check := fmt.Sprintf("%s\n\nProposed recommendation:\n%s", brief, proposal)
	res, err := llm.CompleteStructured[verification](ctx, a.deps.LLM, llm.Request{
		Purpose:     "verification",
		Model:       a.deps.Model,
		System:      []string{a.deps.KB.Prompts.Verification, reference},
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: check}},
		MaxTokens:   subAgentTokens,
		Temperature: subAgentTemp,
	}, "verification", a.deps.KB.Prompts.CorrectiveFor)
	var schemaErr *titration.SchemaValidationError
	switch {
	case errors.As(err, &schemaErr):
		a.logger.Warn("verification output unusable, holding doses",
			"scenario_id", tc.Scenario.ID, "round", tc.Round.Number, "error", err.Error())
		return holdPlan([]string{"verification could not be completed"}), nil
	case err != nil:
		return "", err
	}

	v := res.Value
	switch {
	case v.Approved:
		return proposal, nil
	case strings.TrimSpace(v.Revised) != "":
		return strings.TrimSpace(v.Revised), nil
	default:
		return holdPlan(v.Issues), nil
	}
}

func holdPlan(issues []string) string {
	return "Continue all current doses unchanged until the physician reviews the following: " +
		strings.Join(issues, "; ") + "."
}

// extractSummary finds the SUMMARY: handoff line and returns what follows it.
func extractSummary(reply string) (string, bool) {
	idx := strings.Index(reply, summaryMarker)
	if idx < 0 {
		return "", false
	}
	s := strings.TrimSpace(reply[idx+len(summaryMarker):])
	return s, s != ""
}

func beforeSummary(reply, fallback string) string {
	idx := strings.Index(reply, summaryMarker)
	if idx < 0 {
		return reply
	}
	if head := strings.TrimSpace(reply[:idx]); head != "" {
		return head
	}
	return fallback
}
