package models

import (
	"time"

	"github.com/google/uuid"
)

// AnswerValue holds a single- or multi-select answer. Exactly one field is set.
type AnswerValue struct {
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Selected returns every selected option key, regardless of answer arity.
func (a AnswerValue) Selected() []string {
	if len(a.Values) > 0 {
		return a.Values
	}
	if a.Value != "" {
		return []string{a.Value}
	}
	return nil
}

// IsEmpty reports whether nothing was selected.
func (a AnswerValue) IsEmpty() bool {
	return len(a.Selected()) == 0
}

// AnswerSet maps question key → answer.
type AnswerSet map[string]AnswerValue

// MatchResult is one ranked candidate from a diagnosis run.
type MatchResult struct {
	Grant   GrantSummary `json:"grant"`
	Score   float64      `json:"score"`
	Reasons []string     `json:"reasons"`
}

// Reason codes attached to diagnosis matches.
const (
	ReasonCategoryMatch   = "category_match"
	ReasonPrefectureMatch = "prefecture_match"
	ReasonAmountFits      = "amount_fits"
	ReasonDifficultyFits  = "difficulty_fits"
	ReasonTargetMatch     = "target_match"
	ReasonDeadlineSoon    = "deadline_soon"
)

// DiagnosisOutcome is the result of evaluating a completed answer set.
// Fallback is true when no confident match existed and FallbackGrants carries
// the substitute list instead of Matches.
type DiagnosisOutcome struct {
	DiagnosisID     *uuid.UUID     `json:"diagnosis_id,omitempty"`
	ConfidenceScore float64        `json:"confidence_score"`
	Matches         []MatchResult  `json:"matches"`
	Recommendations []string       `json:"recommendations"`
	Fallback        bool           `json:"fallback"`
	FallbackGrants  []GrantSummary `json:"fallback_grants,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// HistoryEntry is the listing row for past diagnoses of one identity.
type HistoryEntry struct {
	DiagnosisID     uuid.UUID `json:"diagnosis_id"`
	ConfidenceScore float64   `json:"confidence_score"`
	CreatedAt       time.Time `json:"created_at"`
}
