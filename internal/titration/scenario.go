package titration

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Difficulty tags how hard a scenario is meant to be for the assistant.
type Difficulty string

const (
	DifficultyEasy        Difficulty = "easy"
	DifficultyModerate    Difficulty = "moderate"
	DifficultyAdversarial Difficulty = "adversarial"
)

// IsValid reports whether d is a known difficulty.
func (d Difficulty) IsValid() bool {
	switch d {
	case DifficultyEasy, DifficultyModerate, DifficultyAdversarial:
		return true
	}
	return false
}

// ExpectedLength is the number of exchanges per round a well-paced conversation
// at this difficulty should take.
func (d Difficulty) ExpectedLength() int {
	switch d {
	case DifficultyEasy:
		return 4
	case DifficultyAdversarial:
		return 8
	default:
		return 6
	}
}

// Strategy is the titration strategy the scenario exercises.
type Strategy string

const (
	StrategySingleDrug Strategy = "single_drug"
	StrategyMultiDrug  Strategy = "multi_drug"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	return s == StrategySingleDrug || s == StrategyMultiDrug
}

// Vitals is a snapshot of the measurements the protocol thresholds apply to.
// Zero values mean "not reported".
type Vitals struct {
	Systolic         int     `json:"systolic,omitempty" yaml:"systolic,omitempty"`
	Diastolic        int     `json:"diastolic,omitempty" yaml:"diastolic,omitempty"`
	HeartRate        int     `json:"heart_rate,omitempty" yaml:"heart_rate,omitempty"`
	WeightLbs        float64 `json:"weight_lbs,omitempty" yaml:"weight_lbs,omitempty"`
	WeightChangeLbs  float64 `json:"weight_change_lbs,omitempty" yaml:"weight_change_lbs,omitempty"`
	OxygenSaturation float64 `json:"oxygen_saturation,omitempty" yaml:"oxygen_saturation,omitempty"`
	Potassium        float64 `json:"potassium,omitempty" yaml:"potassium,omitempty"`
	EGFR             float64 `json:"egfr,omitempty" yaml:"egfr,omitempty"`
}

// Merge returns v with every reported field of newer overriding it.
func (v Vitals) Merge(newer Vitals) Vitals {
	out := v
	if newer.Systolic > 0 {
		out.Systolic = newer.Systolic
	}
	if newer.Diastolic > 0 {
		out.Diastolic = newer.Diastolic
	}
	if newer.HeartRate > 0 {
		out.HeartRate = newer.HeartRate
	}
	if newer.WeightLbs > 0 {
		out.WeightLbs = newer.WeightLbs
	}
	if newer.WeightChangeLbs != 0 {
		out.WeightChangeLbs = newer.WeightChangeLbs
	}
	if newer.OxygenSaturation > 0 {
		out.OxygenSaturation = newer.OxygenSaturation
	}
	if newer.Potassium > 0 {
		out.Potassium = newer.Potassium
	}
	if newer.EGFR > 0 {
		out.EGFR = newer.EGFR
	}
	return out
}

// Medication is one drug in the patient's regimen.
type Medication struct {
	Name    string `json:"name" yaml:"name"`
	Class   string `json:"type,omitempty" yaml:"type,omitempty"`
	Current string `json:"current" yaml:"current"`
	Target  string `json:"target" yaml:"target"`
	Stage   string `json:"stage,omitempty" yaml:"stage,omitempty"`
}

// PatientProfile is the clinical and persona context of the simulated patient.
type PatientProfile struct {
	Name            string       `json:"name" yaml:"name"`
	Age             int          `json:"age,omitempty" yaml:"age,omitempty"`
	Diagnosis       string       `json:"diagnosis" yaml:"diagnosis"`
	EducationLevel  string       `json:"education_level,omitempty" yaml:"education_level,omitempty"`
	MedicalLiteracy string       `json:"medical_literacy,omitempty" yaml:"medical_literacy,omitempty"`
	Description     string       `json:"description,omitempty" yaml:"description,omitempty"`
	Medications     []Medication `json:"medications" yaml:"medications"`
	BaselineVitals  Vitals       `json:"baseline_vitals" yaml:"baseline_vitals"`
}

// EscalationThresholds are the critical values at which the assistant must
// escalate care. Zero fields are not checked.
type EscalationThresholds struct {
	SystolicBelow   int     `json:"systolic_below,omitempty" yaml:"systolic_below,omitempty"`
	SystolicAbove   int     `json:"systolic_above,omitempty" yaml:"systolic_above,omitempty"`
	DiastolicAbove  int     `json:"diastolic_above,omitempty" yaml:"diastolic_above,omitempty"`
	HeartRateBelow  int     `json:"heart_rate_below,omitempty" yaml:"heart_rate_below,omitempty"`
	HeartRateAbove  int     `json:"heart_rate_above,omitempty" yaml:"heart_rate_above,omitempty"`
	OxygenBelow     float64 `json:"oxygen_below,omitempty" yaml:"oxygen_below,omitempty"`
	WeightGainAbove float64 `json:"weight_gain_above,omitempty" yaml:"weight_gain_above,omitempty"`
	PotassiumAbove  float64 `json:"potassium_above,omitempty" yaml:"potassium_above,omitempty"`
}

// IsZero reports whether no threshold is configured.
func (e EscalationThresholds) IsZero() bool {
	return e == EscalationThresholds{}
}

// ActionSpec names a clinical action and how to recognise it in an assistant
// message. In the dataset it is either a bare id string or an object.
type ActionSpec struct {
	ID       string   `json:"id" yaml:"id"`
	Pattern  string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`

	matcher *regexp.Regexp
	words   []string
}

// UnmarshalJSON accepts either "some_action_id" or {"id": ..., "pattern": ...}.
func (a *ActionSpec) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*a = ActionSpec{ID: id}
		return nil
	}
	type plain ActionSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = ActionSpec(p)
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML datasets.
func (a *ActionSpec) UnmarshalYAML(unmarshal func(any) error) error {
	var id string
	if err := unmarshal(&id); err == nil {
		*a = ActionSpec{ID: id}
		return nil
	}
	type plain ActionSpec
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*a = ActionSpec(p)
	return nil
}

var actionStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "of": true, "for": true,
	"when": true, "if": true, "and": true, "or": true, "with": true, "in": true,
}

// compile prepares the matcher. It is called once by the loader.
func (a *ActionSpec) compile() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("action id is required")
	}
	if a.Pattern != "" {
		re, err := regexp.Compile("(?i)" + a.Pattern)
		if err != nil {
			return fmt.Errorf("action %q: invalid pattern: %w", a.ID, err)
		}
		a.matcher = re
		return nil
	}
	words := a.Keywords
	if len(words) == 0 {
		for _, tok := range strings.FieldsFunc(strings.ToLower(a.ID), func(r rune) bool {
			return r == '_' || r == '-' || r == ' '
		}) {
			if actionStopWords[tok] || strings.ContainsAny(tok, "<>=") {
				continue
			}
			words = append(words, tok)
		}
	}
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			a.words = append(a.words, w)
		}
	}
	if len(a.words) == 0 {
		return fmt.Errorf("action %q: nothing to match on", a.ID)
	}
	return nil
}

// Matches reports whether the message performs the action. Without a pattern
// every keyword must appear in the message.
func (a ActionSpec) Matches(message string) bool {
	if a.matcher != nil {
		return a.matcher.MatchString(message)
	}
	if len(a.words) == 0 {
		return false
	}
	lower := strings.ToLower(message)
	for _, w := range a.words {
		if !strings.Contains(lower, w) {
			return false
		}
	}
	return true
}

// HiddenCriteria is the evaluation block the assistant never sees.
type HiddenCriteria struct {
	RequiredActions      []ActionSpec         `json:"required_actions" yaml:"required_actions"`
	ForbiddenActions     []ActionSpec         `json:"forbidden_actions" yaml:"forbidden_actions"`
	EscalationThresholds EscalationThresholds `json:"escalation_thresholds" yaml:"escalation_thresholds"`
}

// RoundSpec describes one longitudinal check-in.
type RoundSpec struct {
	Number           int            `json:"round" yaml:"round"`
	WeekOffset       int            `json:"week" yaml:"week"`
	ConversationGoal string         `json:"conversation_goal" yaml:"conversation_goal"`
	Vitals           *Vitals        `json:"vitals,omitempty" yaml:"vitals,omitempty"`
	HiddenEval       HiddenCriteria `json:"hidden_eval" yaml:"hidden_eval"`
}

// Scenario is one patient's multi-round titration course. Immutable once loaded.
type Scenario struct {
	ID         string         `json:"id" yaml:"id"`
	Patient    PatientProfile `json:"patient_profile" yaml:"patient_profile"`
	Rounds     []RoundSpec    `json:"rounds" yaml:"rounds"`
	Difficulty Difficulty     `json:"difficulty" yaml:"difficulty"`
	Strategy   Strategy       `json:"strategy" yaml:"strategy"`
}

// VitalsForRound returns the vitals in effect at the start of a round.
func (s *Scenario) VitalsForRound(spec RoundSpec) Vitals {
	v := s.Patient.BaselineVitals
	if spec.Vitals != nil {
		v = v.Merge(*spec.Vitals)
	}
	return v
}

func (s *Scenario) validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("missing id")
	}
	if !s.Difficulty.IsValid() {
		return fmt.Errorf("scenario %q: invalid difficulty %q (must be easy/moderate/adversarial)", s.ID, s.Difficulty)
	}
	if !s.Strategy.IsValid() {
		return fmt.Errorf("scenario %q: invalid strategy %q (must be single_drug/multi_drug)", s.ID, s.Strategy)
	}
	if len(s.Rounds) == 0 {
		return fmt.Errorf("scenario %q: no rounds", s.ID)
	}
	last := 0
	for i := range s.Rounds {
		r := &s.Rounds[i]
		if r.Number == 0 {
			r.Number = i + 1
		}
		if r.Number <= last {
			return fmt.Errorf("scenario %q: round numbers must increase (got %d after %d)", s.ID, r.Number, last)
		}
		last = r.Number
		for j := range r.HiddenEval.RequiredActions {
			if err := r.HiddenEval.RequiredActions[j].compile(); err != nil {
				return fmt.Errorf("scenario %q round %d: %w", s.ID, r.Number, err)
			}
		}
		for j := range r.HiddenEval.ForbiddenActions {
			if err := r.HiddenEval.ForbiddenActions[j].compile(); err != nil {
				return fmt.Errorf("scenario %q round %d: %w", s.ID, r.Number, err)
			}
		}
	}
	return nil
}
