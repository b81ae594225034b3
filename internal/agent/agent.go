// Package agent holds the swappable assistant implementations under test and
// the simulated patient they talk to.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/wolfman30/titration-sim/internal/llm"
	"github.com/wolfman30/titration-sim/internal/protocol"
	"github.com/wolfman30/titration-sim/internal/titration"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

// TurnContext is everything a speaker may see when producing its next message.
type TurnContext struct {
	Scenario    *titration.Scenario
	Round       titration.RoundSpec
	Vitals      titration.Vitals
	PriorRounds []titration.RoundHistory
	Turns       []titration.Turn
}

// Speaker produces the next message of one side of the conversation.
type Speaker interface {
	NextTurn(ctx context.Context, tc TurnContext) (string, error)
}

// Agent is an assistant implementation. A fresh Agent is built for every
// conversation, so implementations may keep per-conversation state.
type Agent interface {
	Speaker
	Name() string
	Init(ctx context.Context, sc *titration.Scenario) error
}

// Deps are the shared, read-only collaborators handed to every factory.
type Deps struct {
	LLM    llm.Client
	KB     *protocol.KnowledgeBase
	Model  string
	Logger *logging.Logger
}

// Factory builds a new Agent for one conversation.
type Factory func(Deps) Agent

// Registry maps configuration keys to agent factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows the built-in implementations.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(BaselineName, NewBaseline)
	r.Register(TitrationName, NewTitration)
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[strings.ToLower(strings.TrimSpace(name))] = f
}

// Names lists registered keys in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the factory for name or a *titration.AgentLoadError.
func (r *Registry) Resolve(name string) (Factory, error) {
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	if !ok || f == nil {
		return nil, &titration.AgentLoadError{Name: name, Known: r.Names()}
	}
	return f, nil
}

const (
	turnMaxTokens  int32 = 600
	subAgentTokens int32 = 1200
)

const (
	assistantTemp float32 = 0.3
	patientTemp   float32 = 0.8
	subAgentTemp  float32 = 0
)

const roundKickoffFmt = "[Week %d check-in begins. Open the conversation.]"

// transcript renders the current round as model messages from one speaker's
// point of view: its own turns become assistant messages.
func transcript(turns []titration.Turn, self titration.Role) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Speaker == self {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: t.Text})
	}
	return out
}

// priorRoundsText summarises earlier check-ins for the system context.
func priorRoundsText(rounds []titration.RoundHistory) string {
	if len(rounds) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Earlier check-ins:\n")
	for _, r := range rounds {
		fmt.Fprintf(&b, "Week %d:\n", r.WeekOffset)
		for _, t := range r.Turns {
			fmt.Fprintf(&b, "  %s: %s\n", t.Speaker, t.Text)
		}
	}
	return b.String()
}

// patientContext is the chart the assistant is allowed to see. Hidden
// evaluation criteria and round vitals are not included.
func patientContext(sc *titration.Scenario, round titration.RoundSpec) string {
	p := sc.Patient
	var b strings.Builder
	fmt.Fprintf(&b, "Patient: %s", p.Name)
	if p.Age > 0 {
		fmt.Fprintf(&b, ", age %d", p.Age)
	}
	b.WriteByte('\n')
	if p.Diagnosis != "" {
		fmt.Fprintf(&b, "Diagnosis: %s\n", p.Diagnosis)
	}
	if p.MedicalLiteracy != "" {
		fmt.Fprintf(&b, "Medical literacy: %s\n", p.MedicalLiteracy)
	}
	b.WriteString("Current regimen:\n")
	for _, m := range p.Medications {
		fmt.Fprintf(&b, "- %s", m.Name)
		if m.Class != "" {
			fmt.Fprintf(&b, " (%s)", m.Class)
		}
		fmt.Fprintf(&b, ": current %s, target %s\n", m.Current, m.Target)
	}
	fmt.Fprintf(&b, "Titration strategy: %s\n", sc.Strategy)
	fmt.Fprintf(&b, "This is the week %d check-in.\n", round.WeekOffset)
	return b.String()
}

func medicationNames(sc *titration.Scenario) []string {
	names := make([]string, 0, len(sc.Patient.Medications))
	for _, m := range sc.Patient.Medications {
		names = append(names, m.Name)
	}
	return names
}

func withKickoff(msgs []llm.Message, week int) []llm.Message {
	if len(msgs) > 0 && msgs[0].Role == llm.RoleUser {
		return msgs
	}
	kickoff := llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(roundKickoffFmt, week)}
	return append([]llm.Message{kickoff}, msgs...)
}
