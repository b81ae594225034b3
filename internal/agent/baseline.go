package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/wolfman30/titration-sim/internal/llm"
	"github.com/wolfman30/titration-sim/internal/titration"
)

const BaselineName = "baseline"

// Baseline is a single assistant with no protocol reference and no sub-agents.
type Baseline struct {
	deps Deps
}

func NewBaseline(deps Deps) Agent {
	return &Baseline{deps: deps}
}

func (b *Baseline) Name() string { return BaselineName }

func (b *Baseline) Init(ctx context.Context, sc *titration.Scenario) error {
	if sc == nil {
		return errors.New("agent: scenario is required")
	}
	return nil
}

func (b *Baseline) NextTurn(ctx context.Context, tc TurnContext) (string, error) {
	system := []string{b.deps.KB.Prompts.Baseline, patientContext(tc.Scenario, tc.Round)}
	if prior := priorRoundsText(tc.PriorRounds); prior != "" {
		system = append(system, prior)
	}
	resp, err := b.deps.LLM.Complete(ctx, llm.Request{
		Purpose:     "assistant",
		Model:       b.deps.Model,
		System:      system,
		Messages:    withKickoff(transcript(tc.Turns, titration.RoleAssistant), tc.Round.WeekOffset),
		MaxTokens:   turnMaxTokens,
		Temperature: assistantTemp,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
