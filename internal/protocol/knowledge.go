// Package protocol holds the heart-failure titration reference and the
// instruction texts shared by the agents and evaluators. It is loaded once and
// treated as read-only afterwards.
package protocol

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed protocol.yaml
var protocolYAML []byte

//go:embed prompts.yaml
var promptsYAML []byte

// Class is a medication class.
type Class string

const (
	ClassACEInhibitor Class = "ace_inhibitor"
	ClassARB          Class = "arb"
	ClassARNI         Class = "arni"
	ClassMRA          Class = "mra"
	ClassBetaBlocker  Class = "beta_blocker"
	ClassHydralazine  Class = "hydralazine"
	ClassNitrate      Class = "nitrate"
	ClassSGLT2        Class = "sglt2i"
	ClassSGC          Class = "sgc_stimulator"
)

// Medication is one catalogue entry.
type Medication struct {
	Name         string   `yaml:"name"`
	Class        Class    `yaml:"class"`
	Aliases      []string `yaml:"aliases"`
	Frequency    string   `yaml:"frequency"`
	Ladder       []string `yaml:"ladder"`
	MaxMg        float64  `yaml:"max_mg"`
	HeavyMaxMg   float64  `yaml:"heavy_max_mg"`
	HeavyAboveKg float64  `yaml:"heavy_above_kg"`
	Notes        string   `yaml:"notes"`
}

// MaxDose returns the largest single dose allowed for a patient of weightKg.
// weightKg <= 0 means unknown.
func (m Medication) MaxDose(weightKg float64) float64 {
	if m.HeavyMaxMg > 0 && weightKg > m.HeavyAboveKg && m.HeavyAboveKg > 0 {
		return m.HeavyMaxMg
	}
	return m.MaxMg
}

// TargetDose is the top rung of the ladder in mg.
func (m Medication) TargetDose() float64 {
	if len(m.Ladder) == 0 {
		return m.MaxMg
	}
	if mg, ok := ParseDoseMg(m.Ladder[len(m.Ladder)-1]); ok {
		return mg
	}
	return m.MaxMg
}

// VitalsRange bounds blood pressure and heart rate. Zero fields are unbounded.
type VitalsRange struct {
	SystolicMin  int `yaml:"systolic_min"`
	SystolicMax  int `yaml:"systolic_max"`
	DiastolicMin int `yaml:"diastolic_min"`
	DiastolicMax int `yaml:"diastolic_max"`
	HeartRateMin int `yaml:"heart_rate_min"`
	HeartRateMax int `yaml:"heart_rate_max"`
}

// Violations lists the bounds the reading falls outside of. Zero readings
// are treated as not reported.
func (r VitalsRange) Violations(systolic, diastolic, heartRate int) []string {
	var out []string
	if systolic > 0 {
		if r.SystolicMin > 0 && systolic < r.SystolicMin {
			out = append(out, fmt.Sprintf("systolic %d < %d", systolic, r.SystolicMin))
		}
		if r.SystolicMax > 0 && systolic > r.SystolicMax {
			out = append(out, fmt.Sprintf("systolic %d > %d", systolic, r.SystolicMax))
		}
	}
	if diastolic > 0 {
		if r.DiastolicMin > 0 && diastolic < r.DiastolicMin {
			out = append(out, fmt.Sprintf("diastolic %d < %d", diastolic, r.DiastolicMin))
		}
		if r.DiastolicMax > 0 && diastolic > r.DiastolicMax {
			out = append(out, fmt.Sprintf("diastolic %d > %d", diastolic, r.DiastolicMax))
		}
	}
	if heartRate > 0 {
		if r.HeartRateMin > 0 && heartRate < r.HeartRateMin {
			out = append(out, fmt.Sprintf("heart rate %d < %d", heartRate, r.HeartRateMin))
		}
		if r.HeartRateMax > 0 && heartRate > r.HeartRateMax {
			out = append(out, fmt.Sprintf("heart rate %d > %d", heartRate, r.HeartRateMax))
		}
	}
	return out
}

// Prompts are the instruction texts for every model role.
type Prompts struct {
	Assistant      string `yaml:"assistant"`
	Baseline       string `yaml:"baseline"`
	Recommendation string `yaml:"recommendation"`
	Verification   string `yaml:"verification"`
	Patient        string `yaml:"patient"`
	Judge          string `yaml:"judge"`
	Outcome        string `yaml:"outcome"`
	Compliance     string `yaml:"compliance"`
	Corrective     string `yaml:"corrective"`
}

// CorrectiveFor fills the corrective prompt with a validation error.
func (p Prompts) CorrectiveFor(err error) string {
	return strings.ReplaceAll(p.Corrective, "{{error}}", err.Error())
}

// KnowledgeBase is the immutable protocol reference.
type KnowledgeBase struct {
	Version      string       `yaml:"version"`
	WashoutHours int          `yaml:"arni_washout_hours"`
	Titration    VitalsRange  `yaml:"titration_range"`
	Goal         VitalsRange  `yaml:"goal_range"`
	Medications  []Medication `yaml:"medications"`
	Prompts      Prompts      `yaml:"-"`

	byName  map[string]int
	mention *regexp.Regexp
}

// Load parses the embedded reference and prompts.
func Load() (*KnowledgeBase, error) {
	return Parse(protocolYAML, promptsYAML)
}

// Parse builds a knowledge base from raw YAML documents.
func Parse(protocolDoc, promptsDoc []byte) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := yaml.Unmarshal(protocolDoc, &kb); err != nil {
		return nil, fmt.Errorf("protocol: parse reference: %w", err)
	}
	if err := yaml.Unmarshal(promptsDoc, &kb.Prompts); err != nil {
		return nil, fmt.Errorf("protocol: parse prompts: %w", err)
	}
	if len(kb.Medications) == 0 {
		return nil, errors.New("protocol: reference lists no medications")
	}
	if kb.WashoutHours <= 0 {
		return nil, errors.New("protocol: arni_washout_hours must be positive")
	}

	kb.byName = make(map[string]int)
	var names []string
	for i, m := range kb.Medications {
		if m.MaxMg <= 0 {
			return nil, fmt.Errorf("protocol: %s has no max_mg", m.Name)
		}
		for _, n := range append([]string{m.Name}, m.Aliases...) {
			key := normalizeName(n)
			if _, dup := kb.byName[key]; dup {
				return nil, fmt.Errorf("protocol: duplicate medication name %q", n)
			}
			kb.byName[key] = i
			names = append(names, key)
		}
	}
	// Longest names first so "sacubitril/valsartan" wins over "valsartan".
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(n), " ", `[\s-]+`)
	}
	kb.mention = regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	return &kb, nil
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// Lookup finds a medication by name or alias. Trailing dose text such as
// "Losartan 50mg daily" is tolerated.
func (kb *KnowledgeBase) Lookup(name string) (Medication, bool) {
	if i, ok := kb.byName[normalizeName(name)]; ok {
		return kb.Medications[i], true
	}
	if ms := kb.Mentions(name); len(ms) > 0 {
		return ms[0].Medication, true
	}
	return Medication{}, false
}

// Mention is a medication name found in free text.
type Mention struct {
	Medication Medication
	Start, End int
}

// Mentions returns every catalogue medication named in text, in order.
func (kb *KnowledgeBase) Mentions(text string) []Mention {
	var out []Mention
	for _, loc := range kb.mention.FindAllStringIndex(text, -1) {
		i, ok := kb.resolve(text[loc[0]:loc[1]])
		if !ok {
			continue
		}
		out = append(out, Mention{Medication: kb.Medications[i], Start: loc[0], End: loc[1]})
	}
	return out
}

func (kb *KnowledgeBase) resolve(matched string) (int, bool) {
	if i, ok := kb.byName[normalizeName(matched)]; ok {
		return i, true
	}
	i, ok := kb.byName[normalizeName(strings.ReplaceAll(matched, "-", " "))]
	return i, ok
}

// ByClass returns the catalogue entries of one class.
func (kb *KnowledgeBase) ByClass(c Class) []Medication {
	var out []Medication
	for _, m := range kb.Medications {
		if m.Class == c {
			out = append(out, m)
		}
	}
	return out
}

// ReachedTarget reports whether finalDose is at or above targetDose. When the
// scenario gives no usable target, the catalogue target is used.
func (kb *KnowledgeBase) ReachedTarget(name, finalDose, targetDose string) bool {
	final, ok := ParseDoseMg(finalDose)
	if !ok {
		return false
	}
	if target, ok := ParseDoseMg(targetDose); ok {
		return final >= target
	}
	if m, ok := kb.Lookup(name); ok {
		return final >= m.TargetDose()
	}
	return false
}

// Excerpt renders the reference for the named medications (all of them when
// names is empty) as prompt context.
func (kb *KnowledgeBase) Excerpt(names ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Protocol reference v%s\n", kb.Version)
	fmt.Fprintf(&b, "Titration range: SBP %d-%d, DBP %d-%d, HR >= %d\n",
		kb.Titration.SystolicMin, kb.Titration.SystolicMax,
		kb.Titration.DiastolicMin, kb.Titration.DiastolicMax, kb.Titration.HeartRateMin)
	fmt.Fprintf(&b, "Goal range: SBP %d-%d, DBP %d-%d, HR %d-%d\n",
		kb.Goal.SystolicMin, kb.Goal.SystolicMax, kb.Goal.DiastolicMin, kb.Goal.DiastolicMax,
		kb.Goal.HeartRateMin, kb.Goal.HeartRateMax)
	fmt.Fprintf(&b, "ARNI washout: %d hours after the last ACE inhibitor dose\n", kb.WashoutHours)

	wanted := map[string]bool{}
	for _, n := range names {
		if m, ok := kb.Lookup(n); ok {
			wanted[m.Name] = true
		}
	}
	for _, m := range kb.Medications {
		if len(wanted) > 0 && !wanted[m.Name] {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s): %s %s, max %g mg", m.Name, m.Class, strings.Join(m.Ladder, " -> "), m.Frequency, m.MaxMg)
		if m.HeavyMaxMg > 0 {
			fmt.Fprintf(&b, " (%g mg if > %g kg)", m.HeavyMaxMg, m.HeavyAboveKg)
		}
		if m.Notes != "" {
			fmt.Fprintf(&b, ". %s", m.Notes)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
