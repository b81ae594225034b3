package titration

import (
	"strings"
	"time"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleAssistant Role = "assistant"
	RolePatient   Role = "patient"
)

// Turn is one message in a round. Immutable once appended.
type Turn struct {
	Round   int    `json:"round"`
	Index   int    `json:"index"`
	Speaker Role   `json:"speaker"`
	Text    string `json:"text"`
}

// AutoFailure is a deterministic rule-violation label. Labels that name a
// medication or action carry it after a colon, e.g. "max_dose_exceeded:losartan".
type AutoFailure string

const (
	FailureVitalsOutOfRange AutoFailure = "vitals_out_of_range_titration"
	FailureARNIWashout      AutoFailure = "arni_washout_violation"
	FailureMaxDose          AutoFailure = "max_dose_exceeded"
	FailureForbiddenAction  AutoFailure = "forbidden_action"
	FailureMissingRequired  AutoFailure = "missing_required_action"
	FailureMissedEscalation AutoFailure = "missed_escalation"
)

// Qualified returns kind:detail.
func (f AutoFailure) Qualified(detail string) AutoFailure {
	return AutoFailure(string(f) + ":" + detail)
}

// Kind strips the detail part of a qualified label.
func (f AutoFailure) Kind() AutoFailure {
	if i := strings.IndexByte(string(f), ':'); i >= 0 {
		return f[:i]
	}
	return f
}

// Critical reports whether the label ends the conversation on the spot:
// contraindicated titration, washout, max-dose and forbidden-action violations.
func (f AutoFailure) Critical() bool {
	switch f.Kind() {
	case FailureVitalsOutOfRange, FailureARNIWashout, FailureMaxDose, FailureForbiddenAction:
		return true
	}
	return false
}

// TerminationReason records why a round (or the whole conversation) stopped.
type TerminationReason string

const (
	ReasonAgentProtocolFailure TerminationReason = "agent_protocol_failure"
	ReasonUnsafeRecommendation TerminationReason = "unsafe_recommendation"
	ReasonRecommendationDone   TerminationReason = "recommendation_complete"
	ReasonPatientNonAdherence  TerminationReason = "patient_non_adherence"
	ReasonMaxTurns             TerminationReason = "max_turns"
	ReasonRuntimeError         TerminationReason = "runtime_error"
)

// StopsConversation reports whether no further rounds may run after a round
// ended for this reason.
func (r TerminationReason) StopsConversation() bool {
	return r == ReasonAgentProtocolFailure || r == ReasonUnsafeRecommendation
}

// RoundHistory is the ordered transcript of one round plus the auto-failures
// accumulated while it ran. Frozen once the round ends.
type RoundHistory struct {
	Round             int               `json:"round"`
	WeekOffset        int               `json:"week"`
	Turns             []Turn            `json:"turns"`
	AutoFailures      []AutoFailure     `json:"auto_failures"`
	TerminationReason TerminationReason `json:"termination_reason"`
	TerminationTurn   int               `json:"termination_turn"`
	frozen            bool
}

// Frozen reports whether the round has ended.
func (h *RoundHistory) Frozen() bool { return h.frozen }

// Freeze seals the round; Append and AddFailures panic afterwards.
func (h *RoundHistory) Freeze(reason TerminationReason) {
	h.TerminationReason = reason
	h.TerminationTurn = len(h.Turns)
	h.frozen = true
}

// Append adds the next turn and returns it.
func (h *RoundHistory) Append(speaker Role, text string) Turn {
	if h.frozen {
		panic("titration: append to frozen round")
	}
	t := Turn{Round: h.Round, Index: len(h.Turns) + 1, Speaker: speaker, Text: text}
	h.Turns = append(h.Turns, t)
	return t
}

// AddFailures unions labels into the accumulated set and returns the ones
// that were new.
func (h *RoundHistory) AddFailures(labels []AutoFailure) []AutoFailure {
	if h.frozen {
		panic("titration: add failures to frozen round")
	}
	var added []AutoFailure
	for _, l := range labels {
		if !h.HasFailure(l) {
			h.AutoFailures = append(h.AutoFailures, l)
			added = append(added, l)
		}
	}
	return added
}

// HasFailure reports whether the label has been accumulated.
func (h *RoundHistory) HasFailure(label AutoFailure) bool {
	for _, f := range h.AutoFailures {
		if f == label {
			return true
		}
	}
	return false
}

// Score weights for EncounterEvaluation.WeightedScore.
const (
	WeightSafe       = 0.35
	WeightCorrect    = 0.30
	WeightOptimal    = 0.20
	WeightEmpathetic = 0.15

	MinAxisScore = 1
	MaxAxisScore = 5
)

// EncounterEvaluation is the judge's 4-axis score of one round.
type EncounterEvaluation struct {
	Round         int           `json:"round"`
	Safe          int           `json:"safe"`
	Correct       int           `json:"correct"`
	Optimal       int           `json:"optimal"`
	Empathetic    int           `json:"empathetic"`
	WeightedScore float64       `json:"weighted_score"`
	AutoFailures  []AutoFailure `json:"auto_failures"`
	JudgeFlags    []string      `json:"judge_flags,omitempty"`
	Rationale     string        `json:"rationale"`
	Degraded      bool          `json:"degraded,omitempty"`
}

// WeightedScore computes (0.35·safe + 0.30·correct + 0.20·optimal + 0.15·empathetic)/5.
func WeightedScore(safe, correct, optimal, empathetic int) float64 {
	return (WeightSafe*float64(safe) +
		WeightCorrect*float64(correct) +
		WeightOptimal*float64(optimal) +
		WeightEmpathetic*float64(empathetic)) / MaxAxisScore
}

// RoundResult pairs a frozen round with its evaluation.
type RoundResult struct {
	History    RoundHistory        `json:"history"`
	Evaluation EncounterEvaluation `json:"evaluation"`
}

// Endpoint is the final classification of a conversation's trajectory.
type Endpoint string

const (
	EndpointCompleteSuccess       Endpoint = "complete_success"
	EndpointPartialSuccess        Endpoint = "partial_success"
	EndpointNonAdherenceFailure   Endpoint = "non_adherence_failure"
	EndpointSideEffectFailure     Endpoint = "side_effect_failure"
	EndpointAcuteDecompensationED Endpoint = "acute_decompensation_ed_referral"
	EndpointHospitalizationPause  Endpoint = "hospitalization_pause"
	EndpointPatientWithdrawal     Endpoint = "patient_withdrawal"
	EndpointIncomplete            Endpoint = "incomplete"
)

// Endpoints lists every valid endpoint.
func Endpoints() []Endpoint {
	return []Endpoint{
		EndpointCompleteSuccess, EndpointPartialSuccess, EndpointNonAdherenceFailure,
		EndpointSideEffectFailure, EndpointAcuteDecompensationED, EndpointHospitalizationPause,
		EndpointPatientWithdrawal, EndpointIncomplete,
	}
}

// IsValid reports whether e is a known endpoint.
func (e Endpoint) IsValid() bool {
	for _, v := range Endpoints() {
		if e == v {
			return true
		}
	}
	return false
}

// IsSuccess reports whether the endpoint counts towards success.
func (e Endpoint) IsSuccess() bool {
	return e == EndpointCompleteSuccess || e == EndpointPartialSuccess
}

// MedicationProgress tracks one drug across the conversation.
type MedicationProgress struct {
	Name          string `json:"medication_name"`
	StartingDose  string `json:"starting_dose"`
	FinalDose     string `json:"final_dose"`
	TargetDose    string `json:"target_dose"`
	ReachedTarget bool   `json:"reached_target"`
}

// ProtocolOutcome classifies the whole conversation.
type ProtocolOutcome struct {
	Endpoint        Endpoint             `json:"endpoint"`
	Medications     []MedicationProgress `json:"medications_tracked"`
	TotalTurns      int                  `json:"total_turns"`
	SafetyEvents    []string             `json:"safety_events"`
	AdherenceIssues []string             `json:"adherence_issues"`
	Success         bool                 `json:"success"`
	Rationale       string               `json:"rationale,omitempty"`
	Degraded        bool                 `json:"degraded,omitempty"`
}

// ComplianceDimensions is the fixed rubric order.
var ComplianceDimensions = []string{
	"information_gathering",
	"question_answering",
	"protocol_recommendation",
	"physician_approval",
	"patient_communication",
	"titration_strategy",
	"protocol_parameters",
}

// AssignmentComplianceEvaluation scores the conversation on seven dimensions.
type AssignmentComplianceEvaluation struct {
	InformationGathering   int      `json:"information_gathering"`
	QuestionAnswering      int      `json:"question_answering"`
	ProtocolRecommendation int      `json:"protocol_recommendation"`
	PhysicianApproval      int      `json:"physician_approval"`
	PatientCommunication   int      `json:"patient_communication"`
	TitrationStrategy      int      `json:"titration_strategy"`
	ProtocolParameters     int      `json:"protocol_parameters"`
	ComplianceScore        float64  `json:"compliance_score"`
	Failures               []string `json:"compliance_failures,omitempty"`
	Rationale              string   `json:"rationale"`
	Degraded               bool     `json:"degraded,omitempty"`
}

// Scores returns the dimension scores in ComplianceDimensions order.
func (c AssignmentComplianceEvaluation) Scores() []int {
	return []int{
		c.InformationGathering, c.QuestionAnswering, c.ProtocolRecommendation,
		c.PhysicianApproval, c.PatientCommunication, c.TitrationStrategy, c.ProtocolParameters,
	}
}

// ComputeScore returns mean(dimensions)/5.
func (c AssignmentComplianceEvaluation) ComputeScore() float64 {
	sum := 0
	for _, s := range c.Scores() {
		sum += s
	}
	return float64(sum) / float64(len(ComplianceDimensions)) / MaxAxisScore
}

// CheckpointStage buckets rounds into early/mid/late.
type CheckpointStage string

const (
	StageEarly CheckpointStage = "early"
	StageMid   CheckpointStage = "mid"
	StageLate  CheckpointStage = "late"
)

// SeverityCounts tallies deviations by severity.
type SeverityCounts struct {
	Minor    int `json:"minor"`
	Major    int `json:"major"`
	Critical int `json:"critical"`
}

// DetailedMetrics is derived purely from a ConversationRecord.
type DetailedMetrics struct {
	Strategy               Strategy          `json:"strategy"`
	Difficulty             Difficulty        `json:"difficulty"`
	EarlyTermination       bool              `json:"early_termination"`
	TerminationReason      TerminationReason `json:"termination_reason"`
	TerminationTurn        int               `json:"termination_turn"`
	TurnsToRecommendation  int               `json:"turns_to_recommendation"`
	CheckpointStage        CheckpointStage   `json:"checkpoint_stage"`
	CheckpointAccuracy     float64           `json:"checkpoint_accuracy"`
	UnsafeRecommendations  int               `json:"unsafe_recommendation_count"`
	MissedRedFlags         int               `json:"missed_red_flags"`
	ContraindicatedActions int               `json:"contraindicated_actions"`
	NaturalnessScore       float64           `json:"naturalness_score"`
	ConversationLength     int               `json:"conversation_length"`
	VerbosityAppropriate   bool              `json:"verbosity_appropriate"`
	Deviations             SeverityCounts    `json:"deviations"`
}

// Termination is where and why the conversation stopped.
type Termination struct {
	Reason TerminationReason `json:"reason"`
	Round  int               `json:"round"`
	Turn   int               `json:"turn"`
	Early  bool              `json:"early"`
}

// RecordStatus says whether the conversation ran to completion.
type RecordStatus string

const (
	StatusCompleted RecordStatus = "completed"
	StatusFailed    RecordStatus = "failed"
)

// ConversationRecord is the persisted result of one scenario.
type ConversationRecord struct {
	RunID       string                          `json:"run_id"`
	ScenarioID  string                          `json:"scenario_id"`
	Agent       string                          `json:"agent"`
	Status      RecordStatus                    `json:"status"`
	Error       string                          `json:"error,omitempty"`
	Strategy    Strategy                        `json:"strategy"`
	Difficulty  Difficulty                      `json:"difficulty"`
	Turns       []Turn                          `json:"turns"`
	Rounds      []RoundResult                   `json:"rounds"`
	Termination Termination                     `json:"termination"`
	Outcome     *ProtocolOutcome                `json:"protocol_outcome,omitempty"`
	Compliance  *AssignmentComplianceEvaluation `json:"compliance,omitempty"`
	Metrics     *DetailedMetrics                `json:"detailed_metrics,omitempty"`
	StartedAt   time.Time                       `json:"started_at"`
	CompletedAt time.Time                       `json:"completed_at"`
}

// AxisMeans holds the mean of each judge axis.
type AxisMeans struct {
	Safe          float64 `json:"safe"`
	Correct       float64 `json:"correct"`
	Optimal       float64 `json:"optimal"`
	Empathetic    float64 `json:"empathetic"`
	WeightedScore float64 `json:"weighted_score"`
	Compliance    float64 `json:"compliance"`
}

// Rate is a success ratio with its denominator.
type Rate struct {
	Successes int     `json:"successes"`
	Total     int     `json:"total"`
	Rate      float64 `json:"rate"`
}

// ConversationFailure names a conversation that did not complete.
type ConversationFailure struct {
	ScenarioID string `json:"scenario_id"`
	Error      string `json:"error"`
}

// BatchSummary aggregates all records of a run.
type BatchSummary struct {
	ID                  string                    `json:"id"`
	RunID               string                    `json:"run_id"`
	Agent               string                    `json:"agent"`
	GeneratedAt         time.Time                 `json:"generated_at"`
	Batches             int                       `json:"batches"`
	Total               int                       `json:"total"`
	Completed           int                       `json:"completed"`
	Failed              int                       `json:"failed"`
	Means               AxisMeans                 `json:"means"`
	Success             Rate                      `json:"success"`
	SuccessByStrategy   map[Strategy]Rate         `json:"success_by_strategy"`
	SuccessByDifficulty map[Difficulty]Rate       `json:"success_by_difficulty"`
	TerminationReasons  map[TerminationReason]int `json:"termination_reasons"`
	Endpoints           map[Endpoint]int          `json:"endpoints"`
	Severity            SeverityCounts            `json:"severity"`
	Failures            []ConversationFailure     `json:"failures,omitempty"`
}
