package rules

import (
	"regexp"
	"strconv"

	"github.com/wolfman30/titration-sim/internal/titration"
)

var (
	// A trailing mg marks a combination dose such as 24/26 mg, not a reading.
	bpRe        = regexp.MustCompile(`\b(\d{2,3})\s*/\s*(\d{2,3})\b(\s*mg)?`)
	heartRateRe = regexp.MustCompile(`(?:(?i:heart\s*rate|pulse)|\bHR\b)\D{0,15}?(\d{2,3})|(\d{2,3})\s*(?i:bpm|beats)`)
	weightGain  = regexp.MustCompile(`(?i)(?:gained|gain of|up|put on)\s*(?:about\s+|around\s+)?(\d+(?:\.\d+)?)\s*(?:lbs?|pounds)`)
	oxygenRe    = regexp.MustCompile(`(?i)\b(?:oxygen|o2|spo2|sat(?:uration|s)?)\b\D{0,20}?(\d{2,3})\s*%?`)
	potassiumRe = regexp.MustCompile(`(?:(?i:potassium)|\bK\+|\bK\b)\D{0,15}?(\d(?:\.\d+)?)`)
)

// ReportedVitals extracts vitals a patient states in free text. Fields that
// are not mentioned stay zero.
func ReportedVitals(text string) titration.Vitals {
	var v titration.Vitals
	for _, m := range bpRe.FindAllStringSubmatch(text, -1) {
		if m[3] != "" {
			continue
		}
		sys, _ := strconv.Atoi(m[1])
		dia, _ := strconv.Atoi(m[2])
		if sys >= 50 && sys <= 260 && dia >= 20 && dia < sys {
			v.Systolic, v.Diastolic = sys, dia
		}
	}
	if m := heartRateRe.FindStringSubmatch(text); m != nil {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if hr, err := strconv.Atoi(raw); err == nil && hr >= 20 && hr <= 250 {
			v.HeartRate = hr
		}
	}
	if m := weightGain.FindStringSubmatch(text); m != nil {
		v.WeightChangeLbs, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := oxygenRe.FindStringSubmatch(text); m != nil {
		if o, err := strconv.ParseFloat(m[1], 64); err == nil && o >= 50 && o <= 100 {
			v.OxygenSaturation = o
		}
	}
	if m := potassiumRe.FindStringSubmatch(text); m != nil {
		if k, err := strconv.ParseFloat(m[1], 64); err == nil && k >= 2 && k <= 9 {
			v.Potassium = k
		}
	}
	return v
}

// vitalsTimeline returns, for every turn, the vitals known once that turn was
// spoken: the round vitals overridden by whatever the patient has reported.
func vitalsTimeline(base titration.Vitals, turns []titration.Turn) []titration.Vitals {
	out := make([]titration.Vitals, len(turns))
	cur := base
	for i, t := range turns {
		if t.Speaker == titration.RolePatient {
			cur = cur.Merge(ReportedVitals(t.Text))
		}
		out[i] = cur
	}
	return out
}

// CurrentVitals is the latest known vitals after all turns.
func CurrentVitals(base titration.Vitals, turns []titration.Turn) titration.Vitals {
	tl := vitalsTimeline(base, turns)
	if len(tl) == 0 {
		return base
	}
	return tl[len(tl)-1]
}

func kgFromLbs(lbs float64) float64 { return lbs * 0.45359237 }
