package scoring

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/snehjoshi/slotify/internal/types"
)

// ─── Age ──────────────────────────────────────────────────────────────────────

// AgeMultiplier is the vulnerability multiplier for an age in years.
func AgeMultiplier(age int) float64 {
	switch {
	case age < 1:
		return 1.5
	case age < 5:
		return 1.3
	case age < 13:
		return 1.1
	case age < 65:
		return 1.0
	case age < 80:
		return 1.3
	default:
		return 1.6
	}
}

// AgeScore converts the multiplier into a sub-score: (m−1)·50, so infants
// score 25 and the over-80s score 30. Unknown age scores 0.
func AgeScore(age *int) float64 {
	if age == nil || *age < 0 {
		return 0
	}
	return clamp((AgeMultiplier(*age)-1)*50, 0, 100)
}

// ─── History ──────────────────────────────────────────────────────────────────

var highRiskConditions = []string{
	"diabetes", "hypertension", "heart disease", "copd", "asthma", "cancer",
	"kidney disease", "stroke", "immunocompromised", "pregnancy",
	"coronary artery disease", "heart failure", "epilepsy",
}

const historyPointsPerCondition = 20

// HistoryScore adds 20 per unresolved high-risk condition, capped at 100.
func HistoryScore(history []types.Condition) float64 {
	total := 0.0
	for _, c := range history {
		if c.Resolved {
			continue
		}
		if containsAny(strings.ToLower(c.Name), highRiskConditions) {
			total += historyPointsPerCondition
		}
	}
	return clamp(total, 0, 100)
}

// ─── Onset ────────────────────────────────────────────────────────────────────

// unparseableOnsetScore is used when an onset was given but cannot be read.
const unparseableOnsetScore = 50

var onsetPhrase = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(minutes?|mins?|hours?|hrs?|days?|weeks?)(?:\s+ago)?$`)

// ParseOnset reads a Go duration ("90m", "3h") or a phrase such as
// "2 hours" or "3 days ago".
func ParseOnset(s string) (time.Duration, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d, true
	}
	m := onsetPhrase.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	var unit time.Duration
	switch {
	case strings.HasPrefix(m[2], "min"):
		unit = time.Minute
	case strings.HasPrefix(m[2], "h"):
		unit = time.Hour
	case strings.HasPrefix(m[2], "day"):
		unit = 24 * time.Hour
	default:
		unit = 7 * 24 * time.Hour
	}
	// Counts past the int64 range saturate so they land in the oldest bucket.
	f := n * float64(unit)
	if f >= math.MaxInt64 || math.IsInf(f, 0) {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(f), true
}

// OnsetScore favours recent onset: the sooner the complaint started, the
// higher the score. Empty onset scores 0.
func OnsetScore(onset string) float64 {
	if strings.TrimSpace(onset) == "" {
		return 0
	}
	d, ok := ParseOnset(onset)
	if !ok {
		return unparseableOnsetScore
	}
	const day = 24 * time.Hour
	switch {
	case d < time.Hour:
		return 90
	case d < 6*time.Hour:
		return 75
	case d < day:
		return 60
	case d < 3*day:
		return 45
	case d < 7*day:
		return 30
	case d < 28*day:
		return 20
	default:
		return 10
	}
}
