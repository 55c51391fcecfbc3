// Package types contains the core domain types shared across all Slotify
// internal packages. It deliberately has zero imports of other Slotify
// packages so that the scoring engine, the ledger, and the queue scheduler can
// all import from it without creating import cycles.
package types

import "time"

// Status is the lifecycle state of a token.
type Status string

const (
	// StatusActive means the token is waiting in its branch queue and holds a
	// position.
	StatusActive Status = "active"
	// StatusCalled means a dispatcher claimed the token; it no longer holds a
	// position.
	StatusCalled Status = "called"
	// StatusInProgress means service has started.
	StatusInProgress Status = "in-progress"
	// StatusCompleted is the terminal success state.
	StatusCompleted Status = "completed"
	// StatusCancelled is terminal; CancelReason records why.
	StatusCancelled Status = "cancelled"
	// StatusNoShow means the subject never answered the call.
	StatusNoShow Status = "no-show"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCalled, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// Category is the human-facing urgency tier.
type Category string

const (
	CategoryCritical   Category = "critical"
	CategoryUrgent     Category = "urgent"
	CategoryLessUrgent Category = "less-urgent"
	CategoryNonUrgent  Category = "non-urgent"
)

// Priority returns the sortable integer paired with c. The mapping is fixed;
// only the score thresholds that select a category are configurable.
func (c Category) Priority() int {
	switch c {
	case CategoryCritical:
		return 5
	case CategoryUrgent:
		return 4
	case CategoryLessUrgent:
		return 3
	case CategoryNonUrgent:
		return 2
	}
	return 1
}

// Code is the short prefix used in human-readable token numbers.
func (c Category) Code() string {
	switch c {
	case CategoryCritical:
		return "C"
	case CategoryUrgent:
		return "U"
	case CategoryLessUrgent:
		return "L"
	default:
		return "N"
	}
}

// CategoryForPriority is the inverse of Category.Priority.
func CategoryForPriority(p int) (Category, bool) {
	switch p {
	case 5:
		return CategoryCritical, true
	case 4:
		return CategoryUrgent, true
	case 3:
		return CategoryLessUrgent, true
	case 2:
		return CategoryNonUrgent, true
	}
	return "", false
}

// ─── Intake ───────────────────────────────────────────────────────────────────

// Symptom is one reported complaint with a self-assessed severity (1–10).
type Symptom struct {
	Text     string `json:"text" yaml:"text"`
	Severity int    `json:"severity" yaml:"severity"`
}

// Vitals holds measured vital signs. A zero value means "not measured".
type Vitals struct {
	SystolicBP       float64 `json:"systolic_bp,omitempty" yaml:"systolic_bp"`
	DiastolicBP      float64 `json:"diastolic_bp,omitempty" yaml:"diastolic_bp"`
	HeartRate        float64 `json:"heart_rate,omitempty" yaml:"heart_rate"`
	Temperature      float64 `json:"temperature,omitempty" yaml:"temperature"` // °C
	OxygenSaturation float64 `json:"oxygen_saturation,omitempty" yaml:"oxygen_saturation"`
}

// Condition is an entry in the subject's medical history.
type Condition struct {
	Name     string `json:"name" yaml:"name"`
	Resolved bool   `json:"resolved,omitempty" yaml:"resolved"`
}

// DocumentSignal is what the document-analysis collaborator hands over for an
// uploaded report. The core never sees the raw text.
type DocumentSignal struct {
	UrgencyScore    float64            `json:"urgency_score" yaml:"urgency_score"`
	ExtractedVitals map[string]float64 `json:"extracted_vitals,omitempty" yaml:"extracted_vitals"`
}

// Intake is the raw input for one admission or re-score. Every risk field is
// optional.
type Intake struct {
	SubjectRef string `json:"subject_ref" yaml:"subject_ref"`
	Branch     string `json:"branch" yaml:"branch"`
	Department string `json:"department,omitempty" yaml:"department"`

	Symptoms  []Symptom        `json:"symptoms,omitempty" yaml:"symptoms"`
	Vitals    Vitals           `json:"vitals" yaml:"vitals"`
	Age       *int             `json:"age,omitempty" yaml:"age"`
	History   []Condition      `json:"history,omitempty" yaml:"history"`
	Onset     string           `json:"onset,omitempty" yaml:"onset"`
	Documents []DocumentSignal `json:"documents,omitempty" yaml:"documents"`
}

// ─── Token ────────────────────────────────────────────────────────────────────

// PositionEntry is one record in a token's append-only position history.
type PositionEntry struct {
	From   int       `json:"from"`
	To     int       `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Token is the unit of queue membership.
//
// Design rules:
//   - ID, SubjectRef, Branch, IssuedAt, DisplayNumber and Number never change
//     after admission.
//   - Category, Priority and UrgencyScore change only while Status is active.
//   - Version is owned by the ledger: it is the version the caller last read,
//     and the ledger bumps it on every successful write.
type Token struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	SubjectRef string `json:"subject_ref"`
	Branch     string `json:"branch"`
	Department string `json:"department,omitempty"`

	Category     Category `json:"category"`
	Priority     int      `json:"priority"`
	UrgencyScore float64  `json:"urgency_score"`
	Status       Status   `json:"status"`

	IssuedAt        time.Time       `json:"issued_at"`
	DisplayNumber   int             `json:"display_number"`
	CurrentPosition int             `json:"current_position"`
	PositionHistory []PositionEntry `json:"position_history,omitempty"`
	RequeueCount    int             `json:"requeue_count"`

	EstimatedWaitMinutes int `json:"estimated_wait_minutes"`

	CalledAt           *time.Time `json:"called_at,omitempty"`
	ServiceStartedAt   *time.Time `json:"service_started_at,omitempty"`
	ServiceCompletedAt *time.Time `json:"service_completed_at,omitempty"`
	ActualWaitMinutes  float64    `json:"actual_wait_minutes,omitempty"`
	CancelReason       string     `json:"cancel_reason,omitempty"`

	Version uint64 `json:"version"`
}

// Clone returns a deep copy of the token. Queue operations stage their
// changes on clones so that a failed commit leaves the original untouched.
func (t *Token) Clone() *Token {
	c := *t
	if t.PositionHistory != nil {
		c.PositionHistory = append([]PositionEntry(nil), t.PositionHistory...)
	}
	c.CalledAt = cloneTime(t.CalledAt)
	c.ServiceStartedAt = cloneTime(t.ServiceStartedAt)
	c.ServiceCompletedAt = cloneTime(t.ServiceCompletedAt)
	return &c
}

// RanksBefore reports whether t is served before o: higher priority first,
// then earlier issue time, then lower ID (ULIDs sort in creation order).
func (t *Token) RanksBefore(o *Token) bool {
	if t.Priority != o.Priority {
		return t.Priority > o.Priority
	}
	if !t.IssuedAt.Equal(o.IssuedAt) {
		return t.IssuedAt.Before(o.IssuedAt)
	}
	return t.ID < o.ID
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
