package rules

import (
	"regexp"
	"strings"

	"github.com/wolfman30/titration-sim/internal/protocol"
	"github.com/wolfman30/titration-sim/internal/titration"
)

var (
	sentenceBreak = regexp.MustCompile(`[.!?]+(?:\s+|$)|;\s*|\n+`)

	increaseRe = regexp.MustCompile(`(?i)\b(increas\w*|rais(?:e|ing)|up-?titrat\w*|titrat\w*\s+up|doubl(?:e|ing)|bump\w*\s+(?:it\s+|that\s+)?up|go(?:ing)?\s+up|step(?:ping)?\s+up|mov(?:e|ing)\s+up|advanc\w*\s+(?:your|the)\s+dose|next\s+(?:step|dose)\s+up)\b`)
	negationRe = regexp.MustCompile(`(?i)\b(not|don['’]?t|do\s+not|won['’]?t|shouldn['’]?t|can['’]?t|cannot|never|hold\w*|avoid\w*|instead\s+of|rather\s+than|before\s+we|until)\b`)

	escalationRe = regexp.MustCompile(`(?i)(\b911\b|\bemergency\b|\bER\b|\bED\b|urgent\s+care|\bhospital\b|call\s+(?:your|the)\s+(?:doctor|cardiologist|care\s+team|physician|clinic)\s+(?:right\s+away|immediately|today|now)|seek\s+(?:immediate|urgent)\s+(?:care|medical|help)|(?:right\s+away|immediately)\s+(?:call|contact))`)

	// A bare "I won't" also opens adherence promises ("I won't miss a dose"),
	// so those forms only count when a plan verb follows.
	refusalRe = regexp.MustCompile(`(?i)(\bi\s*(?:won['’]?t|will\s+not|don['’]?t\s+want\s+to|do\s+not\s+want\s+to|am\s+not\s+going\s+to|['’]?m\s+not\s+going\s+to)\s+(?:even\s+|ever\s+|be\s+)?(?:tak\w*|increas\w*|rais\w*|chang\w*|switch\w*|start\w*|try\w*|do(?:ing)?|add\w*|go\s+(?:up|on)|put\s+up\s+with)\b|\bi\s*refuse\b|\bi\s*(?:['’]?m|am)\s+not\s+taking\b|\bnot\s+taking\s+(?:it|them|that|those|any)\b|\bstop(?:ped)?\s+taking\b|\bi\s+quit\b|\bno\s+way\b|\babsolutely\s+not\b|\bi['’]?m\s+not\s+(?:comfortable|willing)\b|\bnot\s+(?:doing|changing)\s+(?:that|anything)\b)`)

	directiveRe = regexp.MustCompile(`(?i)\b(recommend\w*|plan\s+is|approved|increas\w*|decreas\w*|continu\w*|keep\w*|stay(?:ing)?\s+on|hold\w*|start\w*|stop\w*|switch\w*|reduc\w*|rais\w*)\b`)
	closureRe   = regexp.MustCompile(`(?i)\b(take\s+care|good-?bye|bye|talk\s+(?:to\s+you\s+)?(?:soon|next\s+week|then|at\s+our\s+next)|see\s+you|until\s+next|have\s+a\s+(?:great|good|nice|wonderful)\s+(?:day|week|evening|night)|speak\s+(?:with|to)\s+you\s+(?:soon|next))\b`)
)

// Sentences splits text on sentence punctuation and line breaks; decimal
// points inside numbers do not split.
func Sentences(text string) []string {
	var out []string
	for _, s := range sentenceBreak.Split(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsIncrease reports whether a sentence proposes raising a dose and is not
// negated in the few words before the verb.
func IsIncrease(sentence string) bool {
	loc := increaseRe.FindStringIndex(sentence)
	if loc == nil {
		return false
	}
	prefix := sentence[:loc[0]]
	if len(prefix) > 30 {
		prefix = prefix[len(prefix)-30:]
	}
	return !negationRe.MatchString(prefix)
}

// IsEscalation reports whether the message sends the patient to urgent care.
func IsEscalation(text string) bool {
	return escalationRe.MatchString(text)
}

// IsRefusal reports whether a patient message refuses or abandons the plan.
func IsRefusal(text string) bool {
	return refusalRe.MatchString(text)
}

// IsRecommendation reports whether an assistant message states a concrete
// medication plan: a directive plus a dose.
func IsRecommendation(text string) bool {
	for _, s := range Sentences(text) {
		if directiveRe.MatchString(s) && len(protocol.Doses(s)) > 0 {
			return true
		}
	}
	return false
}

// IsClosure reports whether an assistant message wraps up the visit.
func IsClosure(text string) bool {
	return closureRe.MatchString(text)
}

// RefusalCount counts patient refusals among the last window messages.
func RefusalCount(turns []titration.Turn, window int) int {
	start := len(turns) - window
	if start < 0 {
		start = 0
	}
	n := 0
	for _, t := range turns[start:] {
		if t.Speaker == titration.RolePatient && IsRefusal(t.Text) {
			n++
		}
	}
	return n
}

// RecommendationMade reports whether any assistant turn so far carried a plan.
func RecommendationMade(turns []titration.Turn) bool {
	for _, t := range turns {
		if t.Speaker == titration.RoleAssistant && IsRecommendation(t.Text) {
			return true
		}
	}
	return false
}
