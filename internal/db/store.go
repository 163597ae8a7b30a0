package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/microcosm-cc/bluemonday"

	"github.com/keishi/grant-insight/internal/apperr"
	"github.com/keishi/grant-insight/internal/models"
)

// Store provides authoritative read access to grant records plus the two
// write-through counter mutations (view tracking, favorite toggling).
type Store struct {
	pool     Pool
	sanitize *bluemonday.Policy
}

func NewStore(pool Pool) *Store {
	return &Store{
		pool: pool,
		// Excerpts arrive from the content-management flow as HTML; strip
		// everything at the store boundary so no markup propagates upward.
		sanitize: bluemonday.StrictPolicy(),
	}
}

// DefaultPageSize is the fixed result page size for grant queries.
const DefaultPageSize = 12

// Criteria filters and orders a grant query. Zero values mean no restriction.
type Criteria struct {
	Keyword         string
	CategorySlugs   []string
	PrefectureSlugs []string
	Statuses        []models.ApplicationStatus
	AmountMin       int64 // inclusive, yen; 0 = unbounded
	AmountMax       int64 // inclusive, yen; 0 = unbounded
	DeadlineFrom    *time.Time
	DeadlineTo      *time.Time
	Sort            string
	Page            int
	PageSize        int
}

// Sort keys accepted by Query.
const (
	SortDateDesc    = "date_desc"
	SortDateAsc     = "date_asc"
	SortAmountDesc  = "amount_desc"
	SortAmountAsc   = "amount_asc"
	SortDeadlineAsc = "deadline_asc"
	SortTitleAsc    = "title_asc"
)

// QueryResult is one page of grants plus pagination metadata.
type QueryResult struct {
	Grants   []models.Grant `json:"grants"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Pages    int            `json:"pages"`
}

const selectCols = "id, title, excerpt, permalink, thumbnail, amount_yen, amount_display, deadline, prefecture, prefecture_slug, category_names, category_slugs, organization, application_status, success_rate, difficulty, views_count, favorites_count, created_at, updated_at"

func (s *Store) scanGrant(scan func(dest ...any) error) (models.Grant, error) {
	var g models.Grant
	var names, slugs []string
	var status, difficulty string

	err := scan(
		&g.ID, &g.Title, &g.Excerpt, &g.Permalink, &g.Thumbnail,
		&g.AmountYen, &g.AmountDisplay, &g.Deadline, &g.Prefecture, &g.PrefectureSlug,
		&names, &slugs, &g.Organization, &status,
		&g.SuccessRate, &difficulty, &g.ViewsCount, &g.FavoritesCount, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return g, err
	}

	g.Status = models.ApplicationStatus(status)
	g.Difficulty = models.Difficulty(difficulty)
	g.Excerpt = strings.TrimSpace(s.sanitize.Sanitize(g.Excerpt))

	for i, name := range names {
		slug := ""
		if i < len(slugs) {
			slug = slugs[i]
		}
		g.Categories = append(g.Categories, models.Category{Name: name, Slug: slug})
	}

	return g, nil
}

// Get returns a single grant by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Grant, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM grants WHERE id = $1", selectCols), id)

	g, err := s.scanGrant(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(fmt.Sprintf("grant %s", id))
	}
	if err != nil {
		return nil, apperr.Store(err, "db: get grant")
	}

	return &g, nil
}

// Query returns one page of grants matching the criteria plus the total match
// count. It is a pure read.
func (s *Store) Query(ctx context.Context, criteria Criteria) (*QueryResult, error) {
	where := "WHERE 1=1"
	var args []any
	argIdx := 1

	if criteria.Keyword != "" {
		where += fmt.Sprintf(" AND (title ILIKE '%%' || $%d || '%%' OR excerpt ILIKE '%%' || $%d || '%%' OR organization ILIKE '%%' || $%d || '%%')", argIdx, argIdx, argIdx)
		args = append(args, criteria.Keyword)
		argIdx++
	}
	if len(criteria.CategorySlugs) > 0 {
		where += fmt.Sprintf(" AND category_slugs && $%d", argIdx)
		args = append(args, criteria.CategorySlugs)
		argIdx++
	}
	if len(criteria.PrefectureSlugs) > 0 {
		where += fmt.Sprintf(" AND prefecture_slug = ANY($%d)", argIdx)
		args = append(args, criteria.PrefectureSlugs)
		argIdx++
	}
	if len(criteria.Statuses) > 0 {
		statuses := make([]string, 0, len(criteria.Statuses))
		for _, st := range criteria.Statuses {
			statuses = append(statuses, string(st))
		}
		where += fmt.Sprintf(" AND application_status = ANY($%d)", argIdx)
		args = append(args, statuses)
		argIdx++
	}
	// Amount bounds are inclusive on both ends. Grants with an unspecified
	// amount never match an amount-restricted query.
	if criteria.AmountMin > 0 {
		where += fmt.Sprintf(" AND amount_yen >= $%d", argIdx)
		args = append(args, criteria.AmountMin)
		argIdx++
	}
	if criteria.AmountMax > 0 {
		where += fmt.Sprintf(" AND amount_yen <= $%d", argIdx)
		args = append(args, criteria.AmountMax)
		argIdx++
	}
	if criteria.DeadlineFrom != nil {
		where += fmt.Sprintf(" AND deadline >= $%d", argIdx)
		args = append(args, *criteria.DeadlineFrom)
		argIdx++
	}
	if criteria.DeadlineTo != nil {
		where += fmt.Sprintf(" AND deadline <= $%d", argIdx)
		args = append(args, *criteria.DeadlineTo)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM grants "+where, args...).Scan(&total); err != nil {
		return nil, apperr.Store(err, "db: count grants")
	}

	selectSQL := fmt.Sprintf("SELECT %s FROM grants %s", selectCols, where)

	switch criteria.Sort {
	case SortDateAsc:
		selectSQL += " ORDER BY created_at ASC, id ASC"
	case SortAmountDesc:
		selectSQL += " ORDER BY amount_yen DESC NULLS LAST, created_at DESC"
	case SortAmountAsc:
		selectSQL += " ORDER BY amount_yen ASC NULLS LAST, created_at DESC"
	case SortDeadlineAsc:
		// Grants without a deadline always sort last.
		selectSQL += " ORDER BY deadline ASC NULLS LAST, created_at DESC"
	case SortTitleAsc:
		selectSQL += " ORDER BY title ASC, id ASC"
	default: // SortDateDesc
		selectSQL += " ORDER BY created_at DESC, id DESC"
	}

	pageSize := criteria.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	page := criteria.Page
	if page <= 0 {
		page = 1
	}

	selectSQL += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, apperr.Store(err, "db: query grants")
	}
	defer rows.Close()

	grants := []models.Grant{}
	for rows.Next() {
		g, err := s.scanGrant(rows.Scan)
		if err != nil {
			return nil, apperr.Store(err, "db: scan grant")
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store(err, "db: iterate grants")
	}

	pages := 0
	if total > 0 {
		pages = (total + pageSize - 1) / pageSize
	}

	return &QueryResult{
		Grants:   grants,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pages,
	}, nil
}

// IncrementViews bumps a grant's view counter and returns the new value. The
// single-statement update is atomic at the database, so concurrent calls never
// lose an increment.
func (s *Store) IncrementViews(ctx context.Context, id uuid.UUID) (int64, error) {
	var views int64
	err := s.pool.QueryRow(ctx, `
		UPDATE grants SET views_count = views_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING views_count
	`, id).Scan(&views)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound(fmt.Sprintf("grant %s", id))
	}
	if err != nil {
		return 0, apperr.Store(err, "db: increment views")
	}
	return views, nil
}

// ToggleFavorite flips the (user, grant) favorite membership inside one
// transaction and returns the new state plus the caller's favorite count.
func (s *Store) ToggleFavorite(ctx context.Context, userID, grantID uuid.UUID) (bool, int64, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM grants WHERE id = $1)", grantID).Scan(&exists); err != nil {
		return false, 0, apperr.Store(err, "db: check grant")
	}
	if !exists {
		return false, 0, apperr.NotFound(fmt.Sprintf("grant %s", grantID))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, 0, apperr.Store(err, "db: begin toggle favorite")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM favorites WHERE user_id = $1 AND grant_id = $2", userID, grantID)
	if err != nil {
		return false, 0, apperr.Store(err, "db: remove favorite")
	}

	isFavorite := tag.RowsAffected() == 0
	if isFavorite {
		ins, err := tx.Exec(ctx, `
			INSERT INTO favorites (user_id, grant_id) VALUES ($1, $2)
			ON CONFLICT (user_id, grant_id) DO NOTHING
		`, userID, grantID)
		if err != nil {
			return false, 0, apperr.Store(err, "db: add favorite")
		}
		// A concurrent add resolves the insert to DO NOTHING; the counter
		// only moves for the transaction that actually inserted the row.
		if ins.RowsAffected() == 1 {
			if _, err := tx.Exec(ctx, "UPDATE grants SET favorites_count = favorites_count + 1 WHERE id = $1", grantID); err != nil {
				return false, 0, apperr.Store(err, "db: bump favorites count")
			}
		}
	} else {
		if _, err := tx.Exec(ctx, "UPDATE grants SET favorites_count = GREATEST(favorites_count - 1, 0) WHERE id = $1", grantID); err != nil {
			return false, 0, apperr.Store(err, "db: drop favorites count")
		}
	}

	var callerTotal int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM favorites WHERE user_id = $1", userID).Scan(&callerTotal); err != nil {
		return false, 0, apperr.Store(err, "db: count caller favorites")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, apperr.Store(err, "db: commit toggle favorite")
	}

	return isFavorite, callerTotal, nil
}

// FavoriteIDs returns the caller's favorite grant ids.
func (s *Store) FavoriteIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, "SELECT grant_id FROM favorites WHERE user_id = $1", userID)
	if err != nil {
		return nil, apperr.Store(err, "db: list favorites")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Store(err, "db: scan favorite")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TopViewed returns the most viewed open grants, most viewed first.
func (s *Store) TopViewed(ctx context.Context, limit int) ([]models.Grant, error) {
	sql := fmt.Sprintf(`
		SELECT %s FROM grants
		WHERE application_status = 'open'
		ORDER BY views_count DESC, created_at DESC
		LIMIT $1
	`, selectCols)
	return s.queryGrants(ctx, sql, limit)
}

// DeadlineSoon returns open grants whose deadline falls inside [now, now+days],
// soonest first.
func (s *Store) DeadlineSoon(ctx context.Context, days, limit int) ([]models.Grant, error) {
	sql := fmt.Sprintf(`
		SELECT %s FROM grants
		WHERE application_status = 'open'
		  AND deadline IS NOT NULL
		  AND deadline >= NOW()
		  AND deadline <= NOW() + ($1 * INTERVAL '1 day')
		ORDER BY deadline ASC
		LIMIT $2
	`, selectCols)
	return s.queryGrants(ctx, sql, days, limit)
}

// Related returns grants sharing at least one category with the given grant,
// newest first, excluding the grant itself.
func (s *Store) Related(ctx context.Context, id uuid.UUID, limit int) ([]models.Grant, error) {
	sql := fmt.Sprintf(`
		SELECT %s FROM grants
		WHERE id != $1
		  AND category_slugs && (SELECT category_slugs FROM grants WHERE id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, selectCols)
	return s.queryGrants(ctx, sql, id, limit)
}

// Suggest returns up to limit open grant titles matching the prefix.
func (s *Store) Suggest(ctx context.Context, prefix string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT title FROM grants
		WHERE application_status = 'open'
		  AND title ILIKE $1 || '%'
		ORDER BY views_count DESC, title ASC
		LIMIT $2
	`, prefix, limit)
	if err != nil {
		return nil, apperr.Store(err, "db: suggest titles")
	}
	defer rows.Close()

	suggestions := []string{}
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, apperr.Store(err, "db: scan suggestion")
		}
		suggestions = append(suggestions, title)
	}
	return suggestions, rows.Err()
}

// SiteStats summarizes the grant corpus for the stats surface.
type SiteStats struct {
	TotalGrants   int            `json:"total_grants"`
	ActiveGrants  int            `json:"active_grants"`
	WithDeadline  int            `json:"with_deadline"`
	StatusCounts  map[string]int `json:"status_counts"`
	AverageAmount int64          `json:"average_amount"`
}

// Stats computes aggregate counts over the grant corpus.
func (s *Store) Stats(ctx context.Context) (*SiteStats, error) {
	stats := &SiteStats{StatusCounts: map[string]int{}}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE application_status = 'open'),
		       COUNT(*) FILTER (WHERE deadline IS NOT NULL AND deadline > NOW()),
		       COALESCE(AVG(amount_yen), 0)::BIGINT
		FROM grants
	`).Scan(&stats.TotalGrants, &stats.ActiveGrants, &stats.WithDeadline, &stats.AverageAmount)
	if err != nil {
		return nil, apperr.Store(err, "db: grant stats")
	}

	rows, err := s.pool.Query(ctx, "SELECT application_status, COUNT(*) FROM grants GROUP BY application_status")
	if err != nil {
		return nil, apperr.Store(err, "db: status counts")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperr.Store(err, "db: scan status count")
		}
		stats.StatusCounts[status] = count
	}

	return stats, rows.Err()
}

// CountByPrefecture returns open-grant counts per prefecture slug.
func (s *Store) CountByPrefecture(ctx context.Context) (map[string]int, error) {
	return s.countGroups(ctx, `
		SELECT prefecture_slug, COUNT(*) FROM grants
		WHERE application_status = 'open' AND prefecture_slug != ''
		GROUP BY prefecture_slug
	`)
}

// CountByCategory returns open-grant counts per category slug.
func (s *Store) CountByCategory(ctx context.Context) (map[string]int, error) {
	return s.countGroups(ctx, `
		SELECT slug, COUNT(*) FROM grants, UNNEST(category_slugs) AS slug
		WHERE application_status = 'open'
		GROUP BY slug
	`)
}

func (s *Store) countGroups(ctx context.Context, sql string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, apperr.Store(err, "db: count groups")
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, apperr.Store(err, "db: scan group count")
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

func (s *Store) queryGrants(ctx context.Context, sql string, args ...any) ([]models.Grant, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Store(err, "db: query grants")
	}
	defer rows.Close()

	grants := []models.Grant{}
	for rows.Next() {
		g, err := s.scanGrant(rows.Scan)
		if err != nil {
			return nil, apperr.Store(err, "db: scan grant")
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
