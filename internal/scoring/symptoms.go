package scoring

import (
	"strings"

	"github.com/snehjoshi/slotify/internal/types"
)

var (
	criticalKeywords = []string{
		"chest pain", "difficulty breathing", "shortness of breath", "unconscious",
		"unresponsive", "severe bleeding", "stroke", "seizure", "cardiac arrest",
		"anaphylaxis", "heart attack", "not breathing", "choking", "paralysis",
		"suicidal",
	}
	urgentKeywords = []string{
		"high fever", "fracture", "broken", "vomiting blood", "severe pain",
		"abdominal pain", "head injury", "burn", "dehydration", "confusion",
		"allergic reaction", "asthma",
	}
	minorKeywords = []string{
		"cough", "cold", "sore throat", "headache", "rash", "runny nose",
		"sprain", "fatigue", "nausea", "back pain", "earache",
	}
)

type symptomTier int

const (
	tierNone symptomTier = iota
	tierMinor
	tierUrgent
	tierCritical
)

// classifySymptom returns the most severe keyword tier matched by text.
func classifySymptom(text string) symptomTier {
	t := strings.ToLower(text)
	switch {
	case containsAny(t, criticalKeywords):
		return tierCritical
	case containsAny(t, urgentKeywords):
		return tierUrgent
	case containsAny(t, minorKeywords):
		return tierMinor
	default:
		return tierNone
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// SymptomScore is the highest per-symptom score. A critical keyword scores at
// least 91 whatever the reported severity; unmatched text is scored purely on
// severity.
func SymptomScore(symptoms []types.Symptom) float64 {
	best := 0.0
	for _, s := range symptoms {
		if strings.TrimSpace(s.Text) == "" && s.Severity == 0 {
			continue
		}
		sev := s.Severity
		if sev < 1 {
			sev = 1
		}
		if sev > 10 {
			sev = 10
		}
		var v float64
		switch classifySymptom(s.Text) {
		case tierCritical:
			v = 90 + float64(sev)
		case tierUrgent:
			v = 60 + 2*float64(sev)
		case tierMinor:
			v = 30 + 2*float64(sev)
		default:
			v = 5 * float64(sev)
		}
		if v > best {
			best = v
		}
	}
	return clamp(best, 0, 100)
}
