// Package search turns loosely-typed client search requests into normalized
// store criteria and serves results through the derived-view cache.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/width"

	"github.com/keishi/grant-insight/internal/apperr"
	"github.com/keishi/grant-insight/internal/cache"
	"github.com/keishi/grant-insight/internal/db"
	"github.com/keishi/grant-insight/internal/models"
)

// GrantSource is the store surface the engine reads from.
type GrantSource interface {
	Query(ctx context.Context, criteria db.Criteria) (*db.QueryResult, error)
	TopViewed(ctx context.Context, limit int) ([]models.Grant, error)
	DeadlineSoon(ctx context.Context, days, limit int) ([]models.Grant, error)
	Suggest(ctx context.Context, prefix string, limit int) ([]string, error)
	FavoriteIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Engine executes searches. All cached payloads are caller-neutral; favorite
// flags are decorated per request after the cache.
type Engine struct {
	source GrantSource
	cache  *cache.Cache
	ttl    TTLs
	log    *zap.Logger
	now    func() time.Time
}

// TTLs holds the per-view cache lifetimes.
type TTLs struct {
	Search       time.Duration
	Popular      time.Duration
	DeadlineSoon time.Duration
	Suggest      time.Duration
}

func NewEngine(source GrantSource, c *cache.Cache, ttl TTLs) *Engine {
	return &Engine{
		source: source,
		cache:  c,
		ttl:    ttl,
		log:    zap.L().With(zap.String("component", "search")),
		now:    time.Now,
	}
}

// Request is the loosely-typed client search payload. String fields accept the
// synonym and bucket vocabularies; Normalize resolves them.
type Request struct {
	Keyword        string   `json:"keyword"`
	Categories     []string `json:"categories"`
	Prefectures    []string `json:"prefectures"`
	Amount         string   `json:"amount"`
	Statuses       []string `json:"status"`
	DeadlineWindow string   `json:"deadline"`
	Sort           string   `json:"sort"`
	Page           int      `json:"page"`
	PageSize       int      `json:"page_size"`
}

// Result is one caller-facing page of search results.
type Result struct {
	Grants   []models.GrantSummary `json:"grants"`
	Total    int                   `json:"total"`
	Page     int                   `json:"page"`
	Pages    int                   `json:"pages"`
	PageSize int                   `json:"page_size"`
}

// AdvancedPageSize is the smaller page used by the advanced search surface.
const AdvancedPageSize = 6

// Amount buckets use 万円 (ten-thousand yen) boundaries. The 1000-3000 and
// 3000+ buckets only appear in diagnosis answers but are accepted here too.
var amountBuckets = map[string][2]int64{
	"0-100":     {0, 1_000_000},
	"100-500":   {1_000_000, 5_000_000},
	"500-1000":  {5_000_000, 10_000_000},
	"1000+":     {10_000_000, 0},
	"1000-3000": {10_000_000, 30_000_000},
	"3000+":     {30_000_000, 0},
}

var deadlineWindows = map[string]func(time.Time) time.Time{
	"1month":  func(t time.Time) time.Time { return t.AddDate(0, 1, 0) },
	"3months": func(t time.Time) time.Time { return t.AddDate(0, 3, 0) },
	"6months": func(t time.Time) time.Time { return t.AddDate(0, 6, 0) },
	"1year":   func(t time.Time) time.Time { return t.AddDate(1, 0, 0) },
}

// statusSynonyms maps the UI vocabulary onto stored statuses.
var statusSynonyms = map[string]models.ApplicationStatus{
	"active":   models.StatusOpen,
	"open":     models.StatusOpen,
	"upcoming": models.StatusUpcoming,
	"closed":   models.StatusClosed,
}

var sortKeys = map[string]string{
	db.SortDateDesc:    db.SortDateDesc,
	db.SortDateAsc:     db.SortDateAsc,
	db.SortAmountDesc:  db.SortAmountDesc,
	db.SortAmountAsc:   db.SortAmountAsc,
	db.SortDeadlineAsc: db.SortDeadlineAsc,
	db.SortTitleAsc:    db.SortTitleAsc,
}

// NormalizeKeyword folds full-width ASCII and collapses surrounding space so
// Japanese IME input matches half-width stored text.
func NormalizeKeyword(s string) string {
	return strings.TrimSpace(width.Fold.String(s))
}

// Normalize resolves the request vocabulary into store criteria. Unknown sort
// keys fall back to date_desc; unknown buckets, windows, and statuses are
// rejected.
func (e *Engine) Normalize(req Request) (db.Criteria, error) {
	criteria := db.Criteria{
		Keyword:         NormalizeKeyword(req.Keyword),
		CategorySlugs:   cleanSlugs(req.Categories),
		PrefectureSlugs: cleanSlugs(req.Prefectures),
		Page:            req.Page,
		PageSize:        req.PageSize,
	}

	for _, raw := range req.Statuses {
		status, ok := statusSynonyms[strings.ToLower(strings.TrimSpace(raw))]
		if !ok {
			return db.Criteria{}, apperr.Validation("status", fmt.Sprintf("unknown status %q", raw))
		}
		criteria.Statuses = append(criteria.Statuses, status)
	}

	if req.Amount != "" {
		bounds, ok := amountBuckets[req.Amount]
		if !ok {
			return db.Criteria{}, apperr.Validation("amount", fmt.Sprintf("unknown amount range %q", req.Amount))
		}
		criteria.AmountMin = bounds[0]
		criteria.AmountMax = bounds[1]
	}

	if req.DeadlineWindow != "" {
		until, ok := deadlineWindows[req.DeadlineWindow]
		if !ok {
			return db.Criteria{}, apperr.Validation("deadline", fmt.Sprintf("unknown deadline window %q", req.DeadlineWindow))
		}
		from := e.now()
		to := until(from)
		criteria.DeadlineFrom = &from
		criteria.DeadlineTo = &to
	}

	if sortKey, ok := sortKeys[req.Sort]; ok {
		criteria.Sort = sortKey
	} else {
		criteria.Sort = db.SortDateDesc
	}

	if criteria.Page <= 0 {
		criteria.Page = 1
	}
	if criteria.PageSize <= 0 {
		criteria.PageSize = db.DefaultPageSize
	}

	return criteria, nil
}

func cleanSlugs(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// fingerprint derives a stable cache key from normalized criteria. Deadline
// windows are keyed by their request vocabulary, not resolved timestamps, so
// repeated requests within a TTL share an entry.
func fingerprint(criteria db.Criteria, window string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "kw=%s|", criteria.Keyword)
	writeSorted(&b, "cat", criteria.CategorySlugs)
	writeSorted(&b, "pref", criteria.PrefectureSlugs)
	statuses := make([]string, 0, len(criteria.Statuses))
	for _, s := range criteria.Statuses {
		statuses = append(statuses, string(s))
	}
	writeSorted(&b, "st", statuses)
	fmt.Fprintf(&b, "amt=%d-%d|dl=%s|sort=%s|p=%d|ps=%d",
		criteria.AmountMin, criteria.AmountMax, window, criteria.Sort, criteria.Page, criteria.PageSize)

	sum := sha256.Sum256([]byte(b.String()))
	return "search_" + hex.EncodeToString(sum[:12])
}

func writeSorted(b *strings.Builder, label string, values []string) {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	fmt.Fprintf(b, "%s=%s|", label, strings.Join(sorted, ","))
}

// Search runs a normalized query through the cache and decorates the caller's
// favorites afterwards. userID is nil for anonymous callers.
func (e *Engine) Search(ctx context.Context, req Request, userID *uuid.UUID) (*Result, error) {
	criteria, err := e.Normalize(req)
	if err != nil {
		return nil, err
	}

	key := fingerprint(criteria, req.DeadlineWindow)
	cached, err := e.cache.GetOrCompute(key, e.ttl.Search, []string{cache.TagSearch}, func() (any, error) {
		page, err := e.source.Query(ctx, criteria)
		if err != nil {
			return nil, err
		}
		return e.toResult(page), nil
	})
	if err != nil {
		return nil, err
	}

	result := cloneResult(cached.(*Result))
	e.decorateFavorites(ctx, result.Grants, userID)
	return result, nil
}

// AdvancedSearch is Search with the compact page size forced.
func (e *Engine) AdvancedSearch(ctx context.Context, req Request, userID *uuid.UUID) (*Result, error) {
	req.PageSize = AdvancedPageSize
	return e.Search(ctx, req, userID)
}

// Popular returns the most viewed open grants.
func (e *Engine) Popular(ctx context.Context, limit int, userID *uuid.UUID) ([]models.GrantSummary, error) {
	if limit <= 0 {
		limit = 5
	}
	key := fmt.Sprintf("popular_grants_%d", limit)
	cached, err := e.cache.GetOrCompute(key, e.ttl.Popular, []string{cache.TagPopular}, func() (any, error) {
		grants, err := e.source.TopViewed(ctx, limit)
		if err != nil {
			return nil, err
		}
		return e.summarize(grants), nil
	})
	if err != nil {
		return nil, err
	}

	summaries := cloneSummaries(cached.([]models.GrantSummary))
	e.decorateFavorites(ctx, summaries, userID)
	return summaries, nil
}

// DeadlineSoon returns open grants closing within the given number of days.
func (e *Engine) DeadlineSoon(ctx context.Context, days, limit int, userID *uuid.UUID) ([]models.GrantSummary, error) {
	if days <= 0 {
		days = 30
	}
	if limit <= 0 {
		limit = 5
	}
	key := fmt.Sprintf("deadline_soon_%d_%d", days, limit)
	cached, err := e.cache.GetOrCompute(key, e.ttl.DeadlineSoon, []string{cache.TagDeadlineSoon}, func() (any, error) {
		grants, err := e.source.DeadlineSoon(ctx, days, limit)
		if err != nil {
			return nil, err
		}
		return e.summarize(grants), nil
	})
	if err != nil {
		return nil, err
	}

	summaries := cloneSummaries(cached.([]models.GrantSummary))
	e.decorateFavorites(ctx, summaries, userID)
	return summaries, nil
}

// SuggestLimit caps title suggestions per request.
const SuggestLimit = 5

// Suggest returns grant titles starting with the folded prefix.
func (e *Engine) Suggest(ctx context.Context, prefix string) ([]string, error) {
	prefix = NormalizeKeyword(prefix)
	if prefix == "" {
		return []string{}, nil
	}

	key := "suggest_" + prefix
	cached, err := e.cache.GetOrCompute(key, e.ttl.Suggest, []string{cache.TagSuggest}, func() (any, error) {
		return e.source.Suggest(ctx, prefix, SuggestLimit)
	})
	if err != nil {
		return nil, err
	}
	return cached.([]string), nil
}

func (e *Engine) toResult(page *db.QueryResult) *Result {
	return &Result{
		Grants:   e.summarize(page.Grants),
		Total:    page.Total,
		Page:     page.Page,
		Pages:    page.Pages,
		PageSize: page.PageSize,
	}
}

func (e *Engine) summarize(grants []models.Grant) []models.GrantSummary {
	now := e.now()
	summaries := make([]models.GrantSummary, 0, len(grants))
	for i := range grants {
		summaries = append(summaries, models.Summarize(&grants[i], now))
	}
	return summaries
}

// decorateFavorites marks the caller's favorites in place. A favorites lookup
// failure only disables the decoration, it never fails the search.
func (e *Engine) decorateFavorites(ctx context.Context, summaries []models.GrantSummary, userID *uuid.UUID) {
	if userID == nil || len(summaries) == 0 {
		return
	}
	ids, err := e.source.FavoriteIDs(ctx, *userID)
	if err != nil {
		e.log.Warn("favorite decoration skipped", zap.Error(err))
		return
	}
	favorites := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		favorites[id] = true
	}
	for i := range summaries {
		summaries[i].IsFavorite = favorites[summaries[i].ID]
	}
}

func cloneResult(r *Result) *Result {
	copied := *r
	copied.Grants = cloneSummaries(r.Grants)
	return &copied
}

func cloneSummaries(in []models.GrantSummary) []models.GrantSummary {
	out := make([]models.GrantSummary, len(in))
	copy(out, in)
	return out
}
