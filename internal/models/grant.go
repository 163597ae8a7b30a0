package models

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ApplicationStatus tracks where a grant sits in its publishing/application
// lifecycle. Search only ever filters on the publishing subset (open, upcoming,
// closed); the remaining values come from the application-tracking flow.
type ApplicationStatus string

const (
	StatusOpen        ApplicationStatus = "open"
	StatusUpcoming    ApplicationStatus = "upcoming"
	StatusClosed      ApplicationStatus = "closed"
	StatusNotApplied  ApplicationStatus = "not_applied"
	StatusPreparing   ApplicationStatus = "preparing"
	StatusSubmitted   ApplicationStatus = "submitted"
	StatusUnderReview ApplicationStatus = "under_review"
	StatusApproved    ApplicationStatus = "approved"
	StatusRejected    ApplicationStatus = "rejected"
)

// Difficulty is the editorial estimate of how hard the application process is.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyNormal Difficulty = "normal"
	DifficultyHard   Difficulty = "hard"
	DifficultyExpert Difficulty = "expert"
)

// Grant is a single government/public funding program record.
//
// AmountYen is nil when the amount is unspecified, which is a distinct state
// from zero. Deadline is nil for rolling or undated programs. Categories are
// ordered; the first entry is the main category.
type Grant struct {
	ID             uuid.UUID         `json:"id"`
	Title          string            `json:"title"`
	Excerpt        string            `json:"excerpt"`
	Permalink      string            `json:"permalink"`
	Thumbnail      string            `json:"thumbnail"`
	AmountYen      *int64            `json:"amount_yen"`
	AmountDisplay  string            `json:"amount_display"`
	Deadline       *time.Time        `json:"deadline"`
	Prefecture     string            `json:"prefecture"`
	PrefectureSlug string            `json:"prefecture_slug"`
	Categories     []Category        `json:"categories"`
	Organization   string            `json:"organization"`
	Status         ApplicationStatus `json:"application_status"`
	SuccessRate    *int              `json:"success_rate"`
	Difficulty     Difficulty        `json:"difficulty"`
	ViewsCount     int64             `json:"views_count"`
	FavoritesCount int64             `json:"favorites_count"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Category is one taxonomy term attached to a grant.
type Category struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// MainCategory returns the first (primary) category, or a zero Category.
func (g *Grant) MainCategory() Category {
	if len(g.Categories) == 0 {
		return Category{}
	}
	return g.Categories[0]
}

// RelatedCategories returns every category after the main one.
func (g *Grant) RelatedCategories() []Category {
	if len(g.Categories) <= 1 {
		return nil
	}
	return g.Categories[1:]
}

// CategorySlugs returns the ordered category slugs.
func (g *Grant) CategorySlugs() []string {
	slugs := make([]string, 0, len(g.Categories))
	for _, c := range g.Categories {
		slugs = append(slugs, c.Slug)
	}
	return slugs
}

// DaysRemaining computes ceil((deadline - now) / 1 day). It is derived on every
// read, never stored. Returns nil when the grant has no deadline.
func (g *Grant) DaysRemaining(now time.Time) *int {
	if g.Deadline == nil {
		return nil
	}
	days := int(math.Ceil(g.Deadline.Sub(now).Hours() / 24))
	return &days
}

// UIStatus collapses the application status to the three values the front end
// understands: active, upcoming, closed.
func (g *Grant) UIStatus() string {
	switch g.Status {
	case StatusUpcoming:
		return "upcoming"
	case StatusClosed:
		return "closed"
	default:
		return "active"
	}
}

// FormatAmountMan renders the grant amount in 万円 (ten-thousand yen) units,
// preferring the numeric amount and falling back to the display override.
func (g *Grant) FormatAmountMan() string {
	if g.AmountYen != nil && *g.AmountYen > 0 {
		return formatGrouped(*g.AmountYen / 10000)
	}
	if g.AmountDisplay != "" {
		return g.AmountDisplay
	}
	return ""
}

// FormatDeadline renders the deadline as YYYY年M月D日, empty when unset.
func (g *Grant) FormatDeadline() string {
	if g.Deadline == nil {
		return ""
	}
	return fmt.Sprintf("%d年%d月%d日", g.Deadline.Year(), int(g.Deadline.Month()), g.Deadline.Day())
}

func formatGrouped(n int64) string {
	if n < 0 {
		return "-" + formatGrouped(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var out []byte
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}

// GrantSummary is the projection returned by search and diagnosis responses.
// IsFavorite is decorated per caller and never cached.
type GrantSummary struct {
	ID                uuid.UUID `json:"id"`
	Title             string    `json:"title"`
	Excerpt           string    `json:"excerpt"`
	Permalink         string    `json:"permalink"`
	Thumbnail         string    `json:"thumbnail"`
	Prefecture        string    `json:"prefecture"`
	MainCategory      string    `json:"main_category"`
	RelatedCategories []string  `json:"related_categories"`
	Amount            string    `json:"amount"`
	Organization      string    `json:"organization"`
	Deadline          string    `json:"deadline"`
	DaysRemaining     *int      `json:"days_remaining,omitempty"`
	Status            string    `json:"status"`
	IsFavorite        bool      `json:"is_favorite"`
}

// Summarize builds the caller-facing projection of a grant.
func Summarize(g *Grant, now time.Time) GrantSummary {
	related := make([]string, 0)
	for _, c := range g.RelatedCategories() {
		related = append(related, c.Name)
	}
	return GrantSummary{
		ID:                g.ID,
		Title:             g.Title,
		Excerpt:           g.Excerpt,
		Permalink:         g.Permalink,
		Thumbnail:         g.Thumbnail,
		Prefecture:        g.Prefecture,
		MainCategory:      g.MainCategory().Name,
		RelatedCategories: related,
		Amount:            g.FormatAmountMan(),
		Organization:      g.Organization,
		Deadline:          g.FormatDeadline(),
		DaysRemaining:     g.DaysRemaining(now),
		Status:            g.UIStatus(),
		IsFavorite:        false,
	}
}
