package protocol

import (
	"regexp"
	"strconv"
)

// "24/26 mg" counts as 24: combination products are dosed by the first component.
var doseRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)(?:\s*/\s*\d+(?:\.\d+)?)?\s*(?:mg|milligrams?)\b`)

// DoseMention is a milligram amount found in free text.
type DoseMention struct {
	Mg         float64
	Start, End int
}

// ParseDoseMg returns the first milligram amount in s.
func ParseDoseMg(s string) (float64, bool) {
	m := doseRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Doses returns every milligram amount in text, in order.
func Doses(text string) []DoseMention {
	var out []DoseMention
	for _, loc := range doseRe.FindAllStringSubmatchIndex(text, -1) {
		v, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64)
		if err != nil {
			continue
		}
		out = append(out, DoseMention{Mg: v, Start: loc[0], End: loc[1]})
	}
	return out
}
