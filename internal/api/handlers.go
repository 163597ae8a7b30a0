package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/keishi/grant-insight/internal/apperr"
	"github.com/keishi/grant-insight/internal/auth"
	"github.com/keishi/grant-insight/internal/cache"
	"github.com/keishi/grant-insight/internal/db"
	"github.com/keishi/grant-insight/internal/models"
	"github.com/keishi/grant-insight/internal/search"
)

func (s *Server) relatedTTL() time.Duration {
	return time.Duration(s.cacheTTL.RelatedTTLSecs) * time.Second
}

func (s *Server) statsTTL() time.Duration {
	return time.Duration(s.cacheTTL.StatsTTLSecs) * time.Second
}

// handleListGrants maps query parameters onto the same search path as the
// search_grants action.
func (s *Server) handleListGrants(c echo.Context) error {
	req := search.Request{
		Keyword:        c.QueryParam("keyword"),
		Categories:     splitCSV(c.QueryParam("categories")),
		Prefectures:    splitCSV(c.QueryParam("prefectures")),
		Amount:         c.QueryParam("amount"),
		Statuses:       splitCSV(c.QueryParam("status")),
		DeadlineWindow: c.QueryParam("deadline"),
		Sort:           c.QueryParam("sort"),
	}
	if page, err := strconv.Atoi(c.QueryParam("page")); err == nil && page > 0 {
		req.Page = page
	}

	result, err := s.search.Search(c.Request().Context(), req, auth.OptionalUserID(c))
	if err != nil {
		return s.fail(c, err)
	}

	return s.ok(c, result)
}

// splitCSV splits a comma-separated query parameter into trimmed non-empty
// strings.
func splitCSV(v string) []string {
	var result []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// GrantDetail is the single-grant payload: the stored record plus the derived
// presentation fields.
type GrantDetail struct {
	models.Grant
	Summary models.GrantSummary `json:"summary"`
}

func (s *Server) handleGetGrant(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return s.fail(c, apperr.Validation("id", "grant id must be a UUID"))
	}

	grant, err := s.store.Get(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}

	summary := models.Summarize(grant, s.now())
	if userID := auth.OptionalUserID(c); userID != nil {
		if ids, err := s.store.FavoriteIDs(c.Request().Context(), *userID); err == nil {
			for _, favID := range ids {
				if favID == grant.ID {
					summary.IsFavorite = true
					break
				}
			}
		}
	}

	return s.ok(c, GrantDetail{Grant: *grant, Summary: summary})
}

func (s *Server) handleGetRelated(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return s.fail(c, apperr.Validation("id", "grant id must be a UUID"))
	}
	return s.respondRelated(c, id)
}

func (s *Server) handleGetPopular(c echo.Context) error {
	limit := 5
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v <= 20 {
		limit = v
	}

	grants, err := s.search.Popular(c.Request().Context(), limit, auth.OptionalUserID(c))
	if err != nil {
		return s.fail(c, err)
	}

	return s.ok(c, map[string]any{"grants": grants})
}

func (s *Server) handleGetDeadlineSoon(c echo.Context) error {
	days := 30
	if v, err := strconv.Atoi(c.QueryParam("days")); err == nil && v > 0 && v <= 365 {
		days = v
	}
	limit := 5
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v <= 20 {
		limit = v
	}

	grants, err := s.search.DeadlineSoon(c.Request().Context(), days, limit, auth.OptionalUserID(c))
	if err != nil {
		return s.fail(c, err)
	}

	return s.ok(c, map[string]any{"grants": grants})
}

func (s *Server) handleSuggest(c echo.Context) error {
	suggestions, err := s.search.Suggest(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return s.fail(c, err)
	}
	return s.ok(c, map[string]any{"suggestions": suggestions})
}

// statsPayload is the aggregate stats surface, assembled from three store
// reads fanned out concurrently.
type statsPayload struct {
	*db.SiteStats
	ByPrefecture map[string]int `json:"by_prefecture"`
	ByCategory   map[string]int `json:"by_category"`
}

func (s *Server) handleGetStats(c echo.Context) error {
	cached, err := s.cache.GetOrCompute("grant_stats", s.statsTTL(), []string{cache.TagStats}, func() (any, error) {
		g, ctx := errgroup.WithContext(c.Request().Context())
		payload := &statsPayload{}

		g.Go(func() error {
			stats, err := s.store.Stats(ctx)
			if err == nil {
				payload.SiteStats = stats
			}
			return err
		})
		g.Go(func() error {
			counts, err := s.store.CountByPrefecture(ctx)
			if err == nil {
				payload.ByPrefecture = counts
			}
			return err
		})
		g.Go(func() error {
			counts, err := s.store.CountByCategory(ctx)
			if err == nil {
				payload.ByCategory = counts
			}
			return err
		})

		if err := g.Wait(); err != nil {
			return nil, err
		}
		return payload, nil
	})
	if err != nil {
		return s.fail(c, err)
	}

	return s.ok(c, cached)
}

func (s *Server) handleGetQuestions(c echo.Context) error {
	return s.ok(c, map[string]any{"questions": s.diagnosis.Questionnaire().Questions})
}

func (s *Server) handleSignup(c echo.Context) error {
	var req auth.SignupRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, apperr.Validation("", "malformed request body"))
	}

	resp, err := s.auth.Signup(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}

	return s.ok(c, resp)
}

func (s *Server) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, apperr.Validation("", "malformed request body"))
	}

	resp, err := s.auth.Login(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}

	return s.ok(c, resp)
}

func (s *Server) handleListDiagnoses(c echo.Context) error {
	userID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return s.fail(c, apperr.ErrAuth)
	}

	entries, err := s.history.ListFor(c.Request().Context(), userID)
	if err != nil {
		return s.fail(c, err)
	}

	return s.ok(c, map[string]any{"diagnoses": entries})
}

func (s *Server) handleGetDiagnosis(c echo.Context) error {
	userID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return s.fail(c, apperr.ErrAuth)
	}

	diagnosisID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return s.fail(c, apperr.Validation("id", "diagnosis id must be a UUID"))
	}

	outcome, err := s.history.Get(c.Request().Context(), userID, diagnosisID)
	if err != nil {
		return s.fail(c, err)
	}

	return s.ok(c, outcome)
}
