package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfman30/titration-sim/internal/llm"
	"github.com/wolfman30/titration-sim/internal/protocol"
	"github.com/wolfman30/titration-sim/internal/titration"
)

// Patient role-plays the scenario's patient.
type Patient struct {
	llm     llm.Client
	prompts protocol.Prompts
	model   string
}

func NewPatient(client llm.Client, prompts protocol.Prompts, model string) *Patient {
	return &Patient{llm: client, prompts: prompts, model: model}
}

func (p *Patient) NextTurn(ctx context.Context, tc TurnContext) (string, error) {
	msgs := transcript(tc.Turns, titration.RolePatient)
	if len(msgs) == 0 {
		msgs = []llm.Message{{Role: llm.RoleUser, Content: "Begin the conversation as the patient."}}
	}
	system := []string{p.prompts.Patient, persona(tc)}
	if prior := priorRoundsText(tc.PriorRounds); prior != "" {
		system = append(system, prior)
	}
	resp, err := p.llm.Complete(ctx, llm.Request{
		Purpose:     "patient",
		Model:       p.model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   turnMaxTokens,
		Temperature: patientTemp,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

func persona(tc TurnContext) string {
	pr := tc.Scenario.Patient
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", pr.Name)
	if pr.Age > 0 {
		fmt.Fprintf(&b, " You are %d years old.", pr.Age)
	}
	b.WriteString("\n\nPATIENT PROFILE:\n")
	fmt.Fprintf(&b, "- Education level: %s\n", orUnknown(pr.EducationLevel))
	fmt.Fprintf(&b, "- Medical literacy: %s\n", orUnknown(pr.MedicalLiteracy))
	if pr.Description != "" {
		fmt.Fprintf(&b, "- Communication style: %s\n", pr.Description)
	}
	b.WriteString("\nCURRENT MEDICATIONS:\n")
	for _, m := range pr.Medications {
		fmt.Fprintf(&b, "- %s: %s (target %s)\n", m.Name, m.Current, m.Target)
	}

	v := tc.Vitals
	b.WriteString("\nTODAY'S READINGS (share when asked):\n")
	if v.Systolic > 0 {
		fmt.Fprintf(&b, "- Blood pressure %d/%d\n", v.Systolic, v.Diastolic)
	}
	if v.HeartRate > 0 {
		fmt.Fprintf(&b, "- Heart rate %d bpm\n", v.HeartRate)
	}
	if v.WeightLbs > 0 {
		fmt.Fprintf(&b, "- Weight %.0f lbs", v.WeightLbs)
		if v.WeightChangeLbs != 0 {
			fmt.Fprintf(&b, " (%+.0f lbs since last check)", v.WeightChangeLbs)
		}
		b.WriteByte('\n')
	}
	if v.OxygenSaturation > 0 {
		fmt.Fprintf(&b, "- Oxygen saturation %.0f%%\n", v.OxygenSaturation)
	}
	if v.Potassium > 0 {
		fmt.Fprintf(&b, "- Last potassium %.1f\n", v.Potassium)
	}

	fmt.Fprintf(&b, "\nTHIS CHECK-IN (week %d):\n%s\n", tc.Round.WeekOffset, tc.Round.ConversationGoal)
	return b.String()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
