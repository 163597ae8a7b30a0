package api

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/keishi/grant-insight/internal/apperr"
	"github.com/keishi/grant-insight/internal/auth"
	"github.com/keishi/grant-insight/internal/cache"
	"github.com/keishi/grant-insight/internal/models"
	"github.com/keishi/grant-insight/internal/search"
)

// actionRequest is the action envelope. Params stays raw until the action is
// known.
type actionRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// handleAction dispatches over the closed action set. Unknown actions are a
// validation error, never a panic or a passthrough.
func (s *Server) handleAction(c echo.Context) error {
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, apperr.Validation("", "malformed request body"))
	}

	switch req.Action {
	case "search_grants":
		return s.actionSearch(c, req.Params, false)
	case "advanced_search":
		return s.actionSearch(c, req.Params, true)
	case "get_search_suggestions":
		return s.actionSuggest(c, req.Params)
	case "submit_diagnosis":
		return s.actionSubmitDiagnosis(c, req.Params)
	case "get_diagnosis_history":
		return s.actionDiagnosisHistory(c)
	case "toggle_favorite":
		return s.actionToggleFavorite(c, req.Params)
	case "track_view":
		return s.actionTrackView(c, req.Params)
	case "get_related":
		return s.actionGetRelated(c, req.Params)
	case "get_stats":
		return s.handleGetStats(c)
	case "":
		return s.fail(c, apperr.Validation("action", "action is required"))
	default:
		return s.fail(c, apperr.Validation("action", fmt.Sprintf("unknown action %q", req.Action)))
	}
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return apperr.Validation("params", "malformed action params")
	}
	return nil
}

func (s *Server) actionSearch(c echo.Context, raw json.RawMessage, advanced bool) error {
	var req search.Request
	if err := decodeParams(raw, &req); err != nil {
		return s.fail(c, err)
	}

	userID := auth.OptionalUserID(c)
	var result *search.Result
	var err error
	if advanced {
		result, err = s.search.AdvancedSearch(c.Request().Context(), req, userID)
	} else {
		result, err = s.search.Search(c.Request().Context(), req, userID)
	}
	if err != nil {
		return s.fail(c, err)
	}

	return s.ok(c, result)
}

func (s *Server) actionSuggest(c echo.Context, raw json.RawMessage) error {
	var params struct {
		Keyword string `json:"keyword"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return s.fail(c, err)
	}

	suggestions, err := s.search.Suggest(c.Request().Context(), params.Keyword)
	if err != nil {
		return s.fail(c, err)
	}

	return s.ok(c, map[string]any{"suggestions": suggestions})
}

// actionSubmitDiagnosis scores the submitted answers. If the run itself fails,
// the error envelope still carries the popular list so the front end has
// something to render.
func (s *Server) actionSubmitDiagnosis(c echo.Context, raw json.RawMessage) error {
	var params struct {
		Answers models.AnswerSet `json:"answers"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return s.fail(c, err)
	}

	ctx := c.Request().Context()
	userID := auth.OptionalUserID(c)

	session := s.diagnosis.NewSession()
	session.AnswerAll(params.Answers)

	outcome, err := s.diagnosis.Run(ctx, session, userID)
	if err != nil {
		fallback, fbErr := s.search.Popular(ctx, RelatedLimit+1, nil)
		if fbErr != nil {
			s.log.Warn("diagnosis fallback read failed", zap.Error(fbErr))
			return s.fail(c, err)
		}
		return s.failWith(c, err, fallback)
	}

	return s.ok(c, outcome)
}

func (s *Server) actionDiagnosisHistory(c echo.Context) error {
	userID := auth.OptionalUserID(c)
	if userID == nil {
		return s.fail(c, apperr.ErrAuth)
	}

	entries, err := s.history.ListFor(c.Request().Context(), *userID)
	if err != nil {
		return s.fail(c, err)
	}

	return s.ok(c, map[string]any{"diagnoses": entries})
}

func (s *Server) actionToggleFavorite(c echo.Context, raw json.RawMessage) error {
	userID := auth.OptionalUserID(c)
	if userID == nil {
		return s.fail(c, apperr.ErrAuth)
	}

	grantID, err := grantIDParam(raw)
	if err != nil {
		return s.fail(c, err)
	}

	isFavorite, count, err := s.store.ToggleFavorite(c.Request().Context(), *userID, grantID)
	if err != nil {
		return s.fail(c, err)
	}

	// The grant's favorite counter changed; derived views are stale.
	s.cache.InvalidateGrant(grantID.String())

	return s.ok(c, map[string]any{
		"grant_id":        grantID,
		"is_favorite":     isFavorite,
		"favorites_count": count,
	})
}

func (s *Server) actionTrackView(c echo.Context, raw json.RawMessage) error {
	grantID, err := grantIDParam(raw)
	if err != nil {
		return s.fail(c, err)
	}

	views, err := s.store.IncrementViews(c.Request().Context(), grantID)
	if err != nil {
		return s.fail(c, err)
	}

	s.cache.InvalidateGrant(grantID.String())

	return s.ok(c, map[string]any{
		"grant_id":    grantID,
		"views_count": views,
	})
}

func (s *Server) actionGetRelated(c echo.Context, raw json.RawMessage) error {
	grantID, err := grantIDParam(raw)
	if err != nil {
		return s.fail(c, err)
	}
	return s.respondRelated(c, grantID)
}

func grantIDParam(raw json.RawMessage) (uuid.UUID, error) {
	var params struct {
		GrantID string `json:"grant_id"`
	}
	if err := decodeParams(raw, &params); err != nil {
		return uuid.Nil, err
	}
	if params.GrantID == "" {
		return uuid.Nil, apperr.Validation("grant_id", "grant_id is required")
	}
	id, err := uuid.Parse(params.GrantID)
	if err != nil {
		return uuid.Nil, apperr.Validation("grant_id", "grant_id must be a UUID")
	}
	return id, nil
}

// respondRelated serves the shared-category list through the cache, tagged so
// a change to either the grant or its relatives clears it.
func (s *Server) respondRelated(c echo.Context, grantID uuid.UUID) error {
	key := fmt.Sprintf("related_%s_%d", grantID, RelatedLimit)
	tags := []string{cache.RelatedTag(grantID.String()), cache.GrantTag(grantID.String())}

	cached, err := s.cache.GetOrCompute(key, s.relatedTTL(), tags, func() (any, error) {
		grants, err := s.store.Related(c.Request().Context(), grantID, RelatedLimit)
		if err != nil {
			return nil, err
		}
		now := s.now()
		summaries := make([]models.GrantSummary, 0, len(grants))
		for i := range grants {
			summaries = append(summaries, models.Summarize(&grants[i], now))
		}
		return summaries, nil
	})
	if err != nil {
		return s.fail(c, err)
	}

	return s.ok(c, map[string]any{"grants": cached})
}
