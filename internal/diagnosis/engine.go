package diagnosis

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/keishi/grant-insight/internal/apperr"
	"github.com/keishi/grant-insight/internal/db"
	"github.com/keishi/grant-insight/internal/models"
)

// GrantSource supplies scoring candidates and the fallback list.
type GrantSource interface {
	Query(ctx context.Context, criteria db.Criteria) (*db.QueryResult, error)
	TopViewed(ctx context.Context, limit int) ([]models.Grant, error)
}

// HistoryAppender persists completed runs for authenticated callers.
type HistoryAppender interface {
	Append(ctx context.Context, userID uuid.UUID, answers models.AnswerSet, outcome *models.DiagnosisOutcome) (uuid.UUID, error)
}

// Options tunes the ranking output.
type Options struct {
	// TopK caps the ranked match list.
	TopK int
	// ConfidenceThreshold is the 0-100 score below which the run falls back
	// to the popular list.
	ConfidenceThreshold float64
	// FallbackLimit caps the substitute list.
	FallbackLimit int
}

// candidateLimit bounds how many open grants one run scores.
const candidateLimit = 200

// Engine evaluates answer sets against the open grant corpus.
type Engine struct {
	questionnaire *Questionnaire
	source        GrantSource
	history       HistoryAppender
	opts          Options
	log           *zap.Logger
	now           func() time.Time
}

func NewEngine(q *Questionnaire, source GrantSource, history HistoryAppender, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 40
	}
	if opts.FallbackLimit <= 0 {
		opts.FallbackLimit = 5
	}
	return &Engine{
		questionnaire: q,
		source:        source,
		history:       history,
		opts:          opts,
		log:           zap.L().With(zap.String("component", "diagnosis")),
		now:           time.Now,
	}
}

// Questionnaire exposes the question set for the questions surface.
func (e *Engine) Questionnaire() *Questionnaire {
	return e.questionnaire
}

// Phase tracks a session through its lifecycle.
type Phase string

const (
	PhaseCollecting Phase = "collecting"
	PhaseScoring    Phase = "scoring"
	PhaseCompleted  Phase = "completed"
	PhaseFallback   Phase = "fallback"
)

// Session accumulates answers for one diagnosis run. Answers for unknown
// question keys are silently dropped. The step cursor is 1-based and never
// advances past an unanswered required question.
type Session struct {
	questionnaire *Questionnaire
	answers       models.AnswerSet
	phase         Phase
	step          int
}

// NewSession starts an empty collecting session at the first question.
func (e *Engine) NewSession() *Session {
	return &Session{
		questionnaire: e.questionnaire,
		answers:       models.AnswerSet{},
		phase:         PhaseCollecting,
		step:          1,
	}
}

// Answer records one answer. It reports whether the key was recognized.
func (s *Session) Answer(key string, value models.AnswerValue) bool {
	if s.phase != PhaseCollecting {
		return false
	}
	if s.questionnaire.Question(key) == nil {
		return false
	}
	if value.IsEmpty() {
		delete(s.answers, key)
		return true
	}
	s.answers[key] = value
	return true
}

// AnswerAll records a full answer set, dropping unknown keys.
func (s *Session) AnswerAll(answers models.AnswerSet) {
	for key, value := range answers {
		s.Answer(key, value)
	}
}

// Step returns the 1-based position of the question being collected.
func (s *Session) Step() int {
	return s.step
}

// Advance moves the step cursor past the current question. Skipping a required
// question without an answer fails and leaves the session unchanged.
func (s *Session) Advance() error {
	if s.phase != PhaseCollecting {
		return apperr.Validation("step", "answers are already submitted")
	}
	question := &s.questionnaire.Questions[s.step-1]
	if question.Required {
		if answer, ok := s.answers[question.Key]; !ok || answer.IsEmpty() {
			return apperr.Validation(question.Key, "この質問は回答が必須です")
		}
	}
	if s.step < len(s.questionnaire.Questions) {
		s.step++
	}
	return nil
}

// Phase returns the session's current lifecycle phase.
func (s *Session) Phase() Phase {
	return s.phase
}

// Answers returns the collected answer set.
func (s *Session) Answers() models.AnswerSet {
	return s.answers
}

// Run scores the session's answers and completes it. Identity is optional;
// anonymous runs are evaluated identically but never persisted. The outcome is
// deterministic for a given answer set and grant corpus.
func (e *Engine) Run(ctx context.Context, session *Session, userID *uuid.UUID) (*models.DiagnosisOutcome, error) {
	session.phase = PhaseScoring
	now := e.now()

	maxWeight := e.questionnaire.MaxWeight(session.answers)
	if maxWeight == 0 {
		return e.fallback(ctx, session, userID, 0, now)
	}

	page, err := e.source.Query(ctx, db.Criteria{
		Statuses: []models.ApplicationStatus{models.StatusOpen},
		PageSize: candidateLimit,
	})
	if err != nil {
		session.phase = PhaseCollecting
		return nil, err
	}

	matches := e.score(page.Grants, session.answers, now)
	if len(matches) == 0 {
		return e.fallback(ctx, session, userID, 0, now)
	}

	confidence := math.Round(100 * matches[0].Score / maxWeight)
	if confidence < e.opts.ConfidenceThreshold {
		return e.fallback(ctx, session, userID, confidence, now)
	}

	if len(matches) > e.opts.TopK {
		matches = matches[:e.opts.TopK]
	}

	outcome := &models.DiagnosisOutcome{
		ConfidenceScore: confidence,
		Matches:         matches,
		Recommendations: e.recommend(session.answers, matches, confidence),
		CreatedAt:       now,
	}
	session.phase = PhaseCompleted

	e.persist(ctx, session.answers, outcome, userID)
	return outcome, nil
}

// score ranks every candidate with a positive score, best first. Ties break on
// views then id so equal inputs always produce equal output order.
func (e *Engine) score(grants []models.Grant, answers models.AnswerSet, now time.Time) []models.MatchResult {
	var matches []models.MatchResult
	for i := range grants {
		g := &grants[i]
		score, reasons := e.scoreGrant(g, answers, now)
		if score <= 0 {
			continue
		}
		matches = append(matches, models.MatchResult{
			Grant:   models.Summarize(g, now),
			Score:   score,
			Reasons: reasons,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		gi, gj := grantByID(grants, matches[i].Grant.ID), grantByID(grants, matches[j].Grant.ID)
		if gi.ViewsCount != gj.ViewsCount {
			return gi.ViewsCount > gj.ViewsCount
		}
		return matches[i].Grant.ID.String() < matches[j].Grant.ID.String()
	})

	return matches
}

func grantByID(grants []models.Grant, id uuid.UUID) *models.Grant {
	for i := range grants {
		if grants[i].ID == id {
			return &grants[i]
		}
	}
	return &models.Grant{}
}

// scoreGrant adds the question's weight for every selected option that matches
// the grant, so a multi-select answer with two matching options contributes its
// weight twice. A single-select answer is evaluated on its first value only.
func (e *Engine) scoreGrant(g *models.Grant, answers models.AnswerSet, now time.Time) (float64, []string) {
	var score float64
	var reasons []string
	seen := map[string]bool{}

	for _, question := range e.questionnaire.Questions {
		answer, ok := answers[question.Key]
		if !ok || answer.IsEmpty() {
			continue
		}

		selected := answer.Selected()
		if !question.Multi && len(selected) > 1 {
			selected = selected[:1]
		}
		for _, key := range selected {
			option := question.Option(key)
			if option == nil {
				continue
			}
			if ok, reason := option.Matches(g, now); ok {
				score += question.Weight
				if !seen[reason] {
					seen[reason] = true
					reasons = append(reasons, reason)
				}
			}
		}
	}

	return score, reasons
}

// fallback substitutes the most viewed open grants when scoring produced no
// confident match.
func (e *Engine) fallback(ctx context.Context, session *Session, userID *uuid.UUID, confidence float64, now time.Time) (*models.DiagnosisOutcome, error) {
	grants, err := e.source.TopViewed(ctx, e.opts.FallbackLimit)
	if err != nil {
		session.phase = PhaseCollecting
		return nil, err
	}

	summaries := make([]models.GrantSummary, 0, len(grants))
	for i := range grants {
		summaries = append(summaries, models.Summarize(&grants[i], now))
	}

	outcome := &models.DiagnosisOutcome{
		ConfidenceScore: confidence,
		Matches:         []models.MatchResult{},
		Recommendations: []string{"条件に合う補助金が見つかりませんでした。人気の補助金をご覧ください。"},
		Fallback:        true,
		FallbackGrants:  summaries,
		CreatedAt:       now,
	}
	session.phase = PhaseFallback

	e.persist(ctx, session.answers, outcome, userID)
	return outcome, nil
}

// persist stores the run for authenticated callers. A history failure is
// logged, not surfaced; the caller still gets their result.
func (e *Engine) persist(ctx context.Context, answers models.AnswerSet, outcome *models.DiagnosisOutcome, userID *uuid.UUID) {
	if userID == nil || e.history == nil {
		return
	}
	id, err := e.history.Append(ctx, *userID, answers, outcome)
	if err != nil {
		e.log.Warn("diagnosis history write failed", zap.Error(err))
		return
	}
	outcome.DiagnosisID = &id
}

func (e *Engine) recommend(answers models.AnswerSet, matches []models.MatchResult, confidence float64) []string {
	var recs []string

	switch {
	case confidence >= 80:
		recs = append(recs, "適合度の高い補助金が見つかりました。早めの申請準備をおすすめします。")
	case confidence >= 60:
		recs = append(recs, "条件に近い補助金が見つかりました。募集要項の詳細をご確認ください。")
	default:
		recs = append(recs, "一部の条件に合う補助金が見つかりました。条件を変えて再診断もお試しください。")
	}

	if urgency, ok := answers["urgency"]; ok && !urgency.IsEmpty() {
		if selected := urgency.Selected(); selected[0] == "asap" {
			recs = append(recs, "締切が近い補助金は必要書類の準備に時間がかかります。商工会議所などの支援窓口の利用もご検討ください。")
		}
	}

	var soonest *models.MatchResult
	for i := range matches {
		if matches[i].Grant.DaysRemaining != nil {
			if soonest == nil || *matches[i].Grant.DaysRemaining < *soonest.Grant.DaysRemaining {
				soonest = &matches[i]
			}
		}
	}
	if soonest != nil && *soonest.Grant.DaysRemaining <= 30 {
		recs = append(recs, fmt.Sprintf("「%s」は締切まで残り%d日です。", soonest.Grant.Title, *soonest.Grant.DaysRemaining))
	}

	return recs
}

// Describe renders a short human-readable profile of an answer set, used by
// history listings.
func (e *Engine) Describe(answers models.AnswerSet) string {
	var parts []string
	for _, question := range e.questionnaire.Questions {
		answer, ok := answers[question.Key]
		if !ok || answer.IsEmpty() {
			continue
		}
		var labels []string
		for _, key := range answer.Selected() {
			if option := question.Option(key); option != nil {
				labels = append(labels, option.Label)
			}
		}
		if len(labels) > 0 {
			parts = append(parts, strings.Join(labels, "・"))
		}
	}
	return strings.Join(parts, " / ")
}
