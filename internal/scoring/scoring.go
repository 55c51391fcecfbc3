// Package scoring turns raw intake data into an urgency score and a
// category/priority pair.
//
// Each risk factor has its own extractor returning a sub-score in [0,100].
// The engine normalises the sub-scores, feeds them through a weighted
// noisy-OR combiner and maps the combined score onto the category bands.
//
// Everything here is a pure function of its inputs: the Engine holds only
// immutable configuration and may be shared by any number of goroutines.
// Missing inputs contribute 0; scoring never returns an error.
package scoring

import (
	"math"

	"github.com/snehjoshi/slotify/internal/types"
)

// Config holds the category thresholds (inclusive lower bounds) and the wait
// baselines reported with each category.
type Config struct {
	CriticalMin   float64
	UrgentMin     float64
	LessUrgentMin float64

	WaitCritical   int
	WaitUrgent     int
	WaitLessUrgent int
	WaitNonUrgent  int

	Weights Weights
}

// Weights scale each normalised sub-score before combination. A weight of 1
// lets that factor alone carry the combined score to its own level.
type Weights struct {
	Symptoms float64
	Vitals   float64
	Document float64
	History  float64
	Age      float64
	Onset    float64
}

// DefaultConfig returns the production thresholds: 80/60/40 with waits of
// 0/15/45/90 minutes.
func DefaultConfig() Config {
	return Config{
		CriticalMin:    80,
		UrgentMin:      60,
		LessUrgentMin:  40,
		WaitCritical:   0,
		WaitUrgent:     15,
		WaitLessUrgent: 45,
		WaitNonUrgent:  90,
		Weights:        DefaultWeights(),
	}
}

// DefaultWeights keeps symptoms and vitals at full weight so that either can
// put a subject into the critical band on its own.
func DefaultWeights() Weights {
	return Weights{
		Symptoms: 1.0,
		Vitals:   1.0,
		Document: 0.9,
		History:  0.5,
		Age:      0.4,
		Onset:    0.3,
	}
}

// SubScores are the per-factor contributions, each in [0,100].
type SubScores struct {
	Symptoms float64 `json:"symptoms"`
	Vitals   float64 `json:"vitals"`
	Age      float64 `json:"age"`
	History  float64 `json:"history"`
	Onset    float64 `json:"onset"`
	Document float64 `json:"document"`
}

// Result is the output of Engine.Score.
type Result struct {
	UrgencyScore         float64        `json:"urgency_score"`
	Category             types.Category `json:"category"`
	Priority             int            `json:"priority"`
	EstimatedWaitMinutes int            `json:"estimated_wait_minutes"`
	SubScores            SubScores      `json:"sub_scores"`
}

// Engine scores intakes. The zero value is not usable; call New.
type Engine struct {
	cfg Config
}

// New returns an Engine. Zero-valued thresholds fall back to the defaults
// and a zero Weights struct means DefaultWeights. Loaded configs never reach
// here with all-zero weights; config.Validate rejects them.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.CriticalMin <= 0 || cfg.UrgentMin <= 0 || cfg.LessUrgentMin <= 0 {
		cfg.CriticalMin, cfg.UrgentMin, cfg.LessUrgentMin = def.CriticalMin, def.UrgentMin, def.LessUrgentMin
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	return &Engine{cfg: cfg}
}

// Score computes the urgency of one intake.
func (e *Engine) Score(in types.Intake) Result {
	subs := e.SubScores(in)
	w := e.cfg.Weights
	combined := combine(
		weighted{subs.Symptoms / 100, w.Symptoms},
		weighted{subs.Vitals / 100, w.Vitals},
		weighted{subs.Document / 100, w.Document},
		weighted{subs.History / 100, w.History},
		weighted{subs.Age / 100, w.Age},
		weighted{subs.Onset / 100, w.Onset},
	)
	res := e.Classify(round2(combined * 100))
	res.SubScores = subs
	return res
}

// SubScores runs every extractor without combining.
func (e *Engine) SubScores(in types.Intake) SubScores {
	return SubScores{
		Symptoms: SymptomScore(in.Symptoms),
		Vitals:   VitalsScore(mergeVitals(in.Vitals, in.Documents)),
		Age:      AgeScore(in.Age),
		History:  HistoryScore(in.History),
		Onset:    OnsetScore(in.Onset),
		Document: DocumentScore(in.Documents),
	}
}

// Classify maps an already-computed score onto its category band. It is used
// directly when a caller supplies a score instead of an intake.
func (e *Engine) Classify(score float64) Result {
	score = clamp(score, 0, 100)
	var (
		cat  types.Category
		wait int
	)
	switch {
	case score >= e.cfg.CriticalMin:
		cat, wait = types.CategoryCritical, e.cfg.WaitCritical
	case score >= e.cfg.UrgentMin:
		cat, wait = types.CategoryUrgent, e.cfg.WaitUrgent
	case score >= e.cfg.LessUrgentMin:
		cat, wait = types.CategoryLessUrgent, e.cfg.WaitLessUrgent
	default:
		cat, wait = types.CategoryNonUrgent, e.cfg.WaitNonUrgent
	}
	return Result{
		UrgencyScore:         score,
		Category:             cat,
		Priority:             cat.Priority(),
		EstimatedWaitMinutes: wait,
	}
}

// DocumentScore is the highest pre-computed urgency across uploaded documents.
func DocumentScore(docs []types.DocumentSignal) float64 {
	best := 0.0
	for _, d := range docs {
		best = math.Max(best, clamp(d.UrgencyScore, 0, 100))
	}
	return best
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
