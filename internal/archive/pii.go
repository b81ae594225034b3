package archive

import (
	"regexp"

	"github.com/wolfman30/titration-sim/internal/titration"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?1?[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`)
)

// ScrubPII replaces emails with [EMAIL] and phone numbers with [PHONE].
// Names are kept; the synthetic personas need them for context.
func ScrubPII(text string) string {
	text = emailRe.ReplaceAllString(text, "[EMAIL]")
	text = phoneRe.ReplaceAllString(text, "[PHONE]")
	return text
}

// ScrubRecord returns a copy of rec whose transcript has been scrubbed. The
// input record is not modified.
func ScrubRecord(rec *titration.ConversationRecord) *titration.ConversationRecord {
	out := *rec
	out.Turns = make([]titration.Turn, len(rec.Turns))
	for i, t := range rec.Turns {
		t.Text = ScrubPII(t.Text)
		out.Turns[i] = t
	}
	return &out
}
