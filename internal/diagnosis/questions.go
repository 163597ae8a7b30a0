// Package diagnosis scores the grant corpus against a business-profile
// questionnaire and produces ranked recommendations.
package diagnosis

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/keishi/grant-insight/internal/models"
)

//go:embed questions.yaml
var questionsYAML []byte

// Questionnaire is the ordered question list. Higher-weight questions dominate
// the match score.
type Questionnaire struct {
	Questions []Question `yaml:"questions"`

	byKey map[string]*Question
}

// Question is one profile question. Multi marks multi-select answers;
// Required questions block the step cursor until answered.
type Question struct {
	Key      string   `yaml:"key" json:"key"`
	Prompt   string   `yaml:"prompt" json:"prompt"`
	Weight   float64  `yaml:"weight" json:"weight"`
	Required bool     `yaml:"required" json:"required"`
	Multi    bool     `yaml:"multi" json:"multi"`
	Options  []Option `yaml:"options" json:"options"`
}

// Option is one selectable answer. The non-empty criteria fields decide which
// grants the option matches; an option with no criteria matches nothing.
type Option struct {
	Key                string   `yaml:"key" json:"key"`
	Label              string   `yaml:"label" json:"label"`
	Categories         []string `yaml:"categories" json:"-"`
	Targets            []string `yaml:"targets" json:"-"`
	Prefectures        []string `yaml:"prefectures" json:"-"`
	AmountMinYen       int64    `yaml:"amount_min_yen" json:"-"`
	AmountMaxYen       int64    `yaml:"amount_max_yen" json:"-"`
	Difficulties       []string `yaml:"difficulties" json:"-"`
	DeadlineWithinDays int      `yaml:"deadline_within_days" json:"-"`
}

// LoadQuestionnaire parses and validates the embedded question set.
func LoadQuestionnaire() (*Questionnaire, error) {
	var q Questionnaire
	if err := yaml.Unmarshal(questionsYAML, &q); err != nil {
		return nil, eris.Wrap(err, "diagnosis: parse questions")
	}

	q.byKey = make(map[string]*Question, len(q.Questions))
	for i := range q.Questions {
		question := &q.Questions[i]
		if question.Key == "" {
			return nil, eris.New("diagnosis: question with empty key")
		}
		if question.Weight <= 0 {
			return nil, eris.Errorf("diagnosis: question %s has non-positive weight", question.Key)
		}
		if len(question.Options) == 0 {
			return nil, eris.Errorf("diagnosis: question %s has no options", question.Key)
		}
		if _, dup := q.byKey[question.Key]; dup {
			return nil, eris.Errorf("diagnosis: duplicate question key %s", question.Key)
		}
		seen := map[string]bool{}
		for _, opt := range question.Options {
			if opt.Key == "" {
				return nil, eris.Errorf("diagnosis: question %s has an option with empty key", question.Key)
			}
			if seen[opt.Key] {
				return nil, eris.Errorf("diagnosis: question %s has duplicate option %s", question.Key, opt.Key)
			}
			seen[opt.Key] = true
		}
		q.byKey[question.Key] = question
	}

	return &q, nil
}

// Question returns a question by key, nil when unknown.
func (q *Questionnaire) Question(key string) *Question {
	return q.byKey[key]
}

// MaxWeight returns the best achievable score for an answer set. A
// single-select answer contributes its question's weight once; a multi-select
// answer contributes the weight once per selected option, so the denominator
// grows in step with the scoring rule. Selected keys that name no option are
// excluded since they can never match.
func (q *Questionnaire) MaxWeight(answers models.AnswerSet) float64 {
	var max float64
	for key, answer := range answers {
		if answer.IsEmpty() {
			continue
		}
		question := q.byKey[key]
		if question == nil {
			continue
		}
		known := 0
		for _, selected := range answer.Selected() {
			if question.Option(selected) != nil {
				known++
			}
		}
		if !question.Multi && known > 1 {
			known = 1
		}
		max += question.Weight * float64(known)
	}
	return max
}

// Option returns the question's option by key, nil when unknown.
func (qu *Question) Option(key string) *Option {
	for i := range qu.Options {
		if qu.Options[i].Key == key {
			return &qu.Options[i]
		}
	}
	return nil
}

// Matches reports whether the option's criteria fit the grant and which reason
// code applies. The first satisfied criterion wins.
func (o *Option) Matches(g *models.Grant, now time.Time) (bool, string) {
	if len(o.Categories) > 0 && overlaps(o.Categories, g.CategorySlugs()) {
		return true, models.ReasonCategoryMatch
	}
	if len(o.Prefectures) > 0 && prefectureFits(o.Prefectures, g.PrefectureSlug) {
		return true, models.ReasonPrefectureMatch
	}
	if (o.AmountMinYen > 0 || o.AmountMaxYen > 0) && amountFits(o, g.AmountYen) {
		return true, models.ReasonAmountFits
	}
	if len(o.Difficulties) > 0 && contains(o.Difficulties, string(g.Difficulty)) {
		return true, models.ReasonDifficultyFits
	}
	if len(o.Targets) > 0 && overlaps(o.Targets, g.CategorySlugs()) {
		return true, models.ReasonTargetMatch
	}
	if o.DeadlineWithinDays > 0 && deadlineFits(g.Deadline, now, o.DeadlineWithinDays) {
		return true, models.ReasonDeadlineSoon
	}
	return false, ""
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// prefectureFits treats nationwide grants as matching every location, and the
// "nationwide" answer as matching only nationwide grants.
func prefectureFits(wanted []string, slug string) bool {
	if slug == "" || slug == "nationwide" {
		return true
	}
	return contains(wanted, slug)
}

func amountFits(o *Option, amountYen *int64) bool {
	if amountYen == nil {
		return false
	}
	if o.AmountMinYen > 0 && *amountYen < o.AmountMinYen {
		return false
	}
	if o.AmountMaxYen > 0 && *amountYen > o.AmountMaxYen {
		return false
	}
	return true
}

func deadlineFits(deadline *time.Time, now time.Time, days int) bool {
	if deadline == nil {
		return false
	}
	return !deadline.Before(now) && !deadline.After(now.AddDate(0, 0, days))
}

func (qu *Question) String() string {
	return fmt.Sprintf("%s (weight %.1f, %d options)", qu.Key, qu.Weight, len(qu.Options))
}
