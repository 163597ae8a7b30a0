package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keishi/grant-insight/internal/apperr"
	"github.com/keishi/grant-insight/internal/auth"
	"github.com/keishi/grant-insight/internal/cache"
	"github.com/keishi/grant-insight/internal/config"
	"github.com/keishi/grant-insight/internal/db"
	"github.com/keishi/grant-insight/internal/diagnosis"
	"github.com/keishi/grant-insight/internal/models"
	"github.com/keishi/grant-insight/internal/search"
)

const testJWTSecret = "api-test-secret"

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	// Must be set before anything in the auth package reads it.
	os.Setenv("GI_JWT_SECRET", testJWTSecret)
}

type fakeStore struct {
	grants    []models.Grant
	favorites map[uuid.UUID]map[uuid.UUID]bool

	queryCalls     int
	topViewedCalls int
	viewCounts     map[uuid.UUID]int64
}

func newFakeStore(grants ...models.Grant) *fakeStore {
	return &fakeStore{
		grants:     grants,
		favorites:  map[uuid.UUID]map[uuid.UUID]bool{},
		viewCounts: map[uuid.UUID]int64{},
	}
}

func (f *fakeStore) find(id uuid.UUID) *models.Grant {
	for i := range f.grants {
		if f.grants[i].ID == id {
			return &f.grants[i]
		}
	}
	return nil
}

func (f *fakeStore) Get(_ context.Context, id uuid.UUID) (*models.Grant, error) {
	if g := f.find(id); g != nil {
		return g, nil
	}
	return nil, apperrNotFound(id)
}

func (f *fakeStore) IncrementViews(_ context.Context, id uuid.UUID) (int64, error) {
	if f.find(id) == nil {
		return 0, apperrNotFound(id)
	}
	f.viewCounts[id]++
	return f.viewCounts[id], nil
}

func (f *fakeStore) ToggleFavorite(_ context.Context, userID, grantID uuid.UUID) (bool, int64, error) {
	if f.find(grantID) == nil {
		return false, 0, apperrNotFound(grantID)
	}
	if f.favorites[userID] == nil {
		f.favorites[userID] = map[uuid.UUID]bool{}
	}
	if f.favorites[userID][grantID] {
		delete(f.favorites[userID], grantID)
	} else {
		f.favorites[userID][grantID] = true
	}
	return f.favorites[userID][grantID], int64(len(f.favorites[userID])), nil
}

func (f *fakeStore) Related(_ context.Context, id uuid.UUID, limit int) ([]models.Grant, error) {
	var related []models.Grant
	for i := range f.grants {
		if f.grants[i].ID != id && len(related) < limit {
			related = append(related, f.grants[i])
		}
	}
	return related, nil
}

func (f *fakeStore) Stats(context.Context) (*db.SiteStats, error) {
	return &db.SiteStats{TotalGrants: len(f.grants), ActiveGrants: len(f.grants)}, nil
}

func (f *fakeStore) CountByPrefecture(context.Context) (map[string]int, error) {
	return map[string]int{"tokyo": 2}, nil
}

func (f *fakeStore) CountByCategory(context.Context) (map[string]int, error) {
	return map[string]int{"it": 2}, nil
}

func (f *fakeStore) FavoriteIDs(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id := range f.favorites[userID] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeStore) Query(_ context.Context, criteria db.Criteria) (*db.QueryResult, error) {
	f.queryCalls++
	return &db.QueryResult{
		Grants: f.grants, Total: len(f.grants),
		Page: criteria.Page, PageSize: criteria.PageSize, Pages: 1,
	}, nil
}

func (f *fakeStore) TopViewed(_ context.Context, limit int) ([]models.Grant, error) {
	f.topViewedCalls++
	if len(f.grants) > limit {
		return f.grants[:limit], nil
	}
	return f.grants, nil
}

func (f *fakeStore) DeadlineSoon(context.Context, int, int) ([]models.Grant, error) {
	return f.grants, nil
}

func (f *fakeStore) Suggest(context.Context, string, int) ([]string, error) {
	return []string{"IT導入補助金"}, nil
}

func apperrNotFound(id uuid.UUID) error {
	return apperr.NotFound(fmt.Sprintf("grant %s", id))
}

type fakeHistory struct {
	entries map[uuid.UUID][]models.HistoryEntry
}

func (f *fakeHistory) Append(_ context.Context, userID uuid.UUID, _ models.AnswerSet, outcome *models.DiagnosisOutcome) (uuid.UUID, error) {
	id := uuid.New()
	if f.entries == nil {
		f.entries = map[uuid.UUID][]models.HistoryEntry{}
	}
	f.entries[userID] = append(f.entries[userID], models.HistoryEntry{
		DiagnosisID: id, ConfidenceScore: outcome.ConfidenceScore, CreatedAt: outcome.CreatedAt,
	})
	return id, nil
}

func (f *fakeHistory) ListFor(_ context.Context, userID uuid.UUID) ([]models.HistoryEntry, error) {
	return f.entries[userID], nil
}

func (f *fakeHistory) Get(_ context.Context, userID, diagnosisID uuid.UUID) (*models.DiagnosisOutcome, error) {
	for _, e := range f.entries[userID] {
		if e.DiagnosisID == diagnosisID {
			return &models.DiagnosisOutcome{DiagnosisID: &diagnosisID, ConfidenceScore: e.ConfidenceScore}, nil
		}
	}
	return nil, apperrNotFound(diagnosisID)
}

type fakeAuth struct{}

func (fakeAuth) Signup(_ context.Context, req auth.SignupRequest) (*auth.AuthResponse, error) {
	if req.Email == "taken@example.jp" {
		return nil, auth.ErrUserExists
	}
	return &auth.AuthResponse{Token: "t", User: auth.User{ID: uuid.New(), Email: req.Email}}, nil
}

func (fakeAuth) Login(_ context.Context, req auth.LoginRequest) (*auth.AuthResponse, error) {
	if req.Password != "correct horse" {
		return nil, auth.ErrInvalidCreds
	}
	return &auth.AuthResponse{Token: "t", User: auth.User{ID: uuid.New(), Email: req.Email}}, nil
}

func testGrant(title string, views int64) models.Grant {
	amount := int64(3_000_000)
	deadline := time.Now().AddDate(0, 2, 0)
	return models.Grant{
		ID:             uuid.New(),
		Title:          title,
		AmountYen:      &amount,
		Deadline:       &deadline,
		Prefecture:     "東京都",
		PrefectureSlug: "tokyo",
		Categories:     []models.Category{{Name: "IT・デジタル", Slug: "it"}},
		Status:         models.StatusOpen,
		Difficulty:     models.DifficultyNormal,
		ViewsCount:     views,
	}
}

func newTestServer(t *testing.T, store *fakeStore, history HistoryReader) *Server {
	t.Helper()

	questionnaire, err := diagnosis.LoadQuestionnaire()
	require.NoError(t, err)

	c := cache.New()
	cfg := &config.Config{
		Server: config.ServerConfig{CORSOrigins: []string{"http://localhost:4200"}},
		Cache: config.CacheConfig{
			Enabled: true, SearchTTLSecs: 300, PopularTTLSecs: 1800,
			StatsTTLSecs: 3600, RelatedTTLSecs: 1800, SuggestTTLSecs: 300,
		},
	}

	var appender diagnosis.HistoryAppender
	if h, ok := history.(diagnosis.HistoryAppender); ok {
		appender = h
	}

	return newServer(cfg, deps{
		store:   store,
		history: history,
		search: search.NewEngine(store, c, search.TTLs{
			Search: 5 * time.Minute, Popular: 5 * time.Minute,
			DeadlineSoon: 5 * time.Minute, Suggest: 5 * time.Minute,
		}),
		diagnosis: diagnosis.NewEngine(questionnaire, store, appender, diagnosis.Options{}),
		auth:      fakeAuth{},
		cache:     c,
	})
}

func doAction(t *testing.T, s *Server, action string, params any, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	body := map[string]any{"action": action}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions", strings.NewReader(string(raw)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func bearerToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func TestActionSearchGrants(t *testing.T) {
	store := newFakeStore(testGrant("IT導入補助金", 100))
	s := newTestServer(t, store, &fakeHistory{})

	rec, env := doAction(t, s, "search_grants", map[string]any{"keyword": "IT"}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	data := env.Data.(map[string]any)
	assert.Equal(t, float64(1), data["total"])
	grants := data["grants"].([]any)
	require.Len(t, grants, 1)
	assert.Equal(t, "IT導入補助金", grants[0].(map[string]any)["title"])
}

func TestActionUnknownIsRejected(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeHistory{})

	rec, env := doAction(t, s, "drop_tables", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error.Message, "unknown action")
}

func TestActionToggleFavoriteRequiresIdentity(t *testing.T) {
	g := testGrant("IT導入補助金", 10)
	s := newTestServer(t, newFakeStore(g), &fakeHistory{})

	rec, env := doAction(t, s, "toggle_favorite", map[string]any{"grant_id": g.ID.String()}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "authentication required", env.Error.Message)
}

func TestActionToggleFavoriteRoundTrip(t *testing.T) {
	g := testGrant("IT導入補助金", 10)
	store := newFakeStore(g)
	s := newTestServer(t, store, &fakeHistory{})
	token := bearerToken(t, uuid.New())

	_, env := doAction(t, s, "toggle_favorite", map[string]any{"grant_id": g.ID.String()}, token)
	require.True(t, env.Success)
	data := env.Data.(map[string]any)
	assert.Equal(t, true, data["is_favorite"])
	assert.Equal(t, float64(1), data["favorites_count"])

	_, env = doAction(t, s, "toggle_favorite", map[string]any{"grant_id": g.ID.String()}, token)
	require.True(t, env.Success)
	data = env.Data.(map[string]any)
	assert.Equal(t, false, data["is_favorite"])
	assert.Equal(t, float64(0), data["favorites_count"])
}

func TestActionTrackViewInvalidatesDerivedViews(t *testing.T) {
	g := testGrant("IT導入補助金", 10)
	store := newFakeStore(g)
	s := newTestServer(t, store, &fakeHistory{})

	// Prime a cached search page.
	doAction(t, s, "search_grants", nil, "")
	doAction(t, s, "search_grants", nil, "")
	require.Equal(t, 1, store.queryCalls)

	_, env := doAction(t, s, "track_view", map[string]any{"grant_id": g.ID.String()}, "")
	require.True(t, env.Success)
	assert.Equal(t, float64(1), env.Data.(map[string]any)["views_count"])

	// The cached page must have been dropped by the mutation.
	doAction(t, s, "search_grants", nil, "")
	assert.Equal(t, 2, store.queryCalls)
}

func TestActionTrackViewUnknownGrant(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeHistory{})

	rec, env := doAction(t, s, "track_view", map[string]any{"grant_id": uuid.New().String()}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)
}

func TestActionSubmitDiagnosis(t *testing.T) {
	g := testGrant("IT導入補助金", 100)
	store := newFakeStore(g)
	s := newTestServer(t, store, &fakeHistory{})

	params := map[string]any{"answers": map[string]any{
		"industry": map[string]any{"value": "it"},
		"location": map[string]any{"value": "tokyo"},
	}}
	rec, env := doAction(t, s, "submit_diagnosis", params, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)

	data := env.Data.(map[string]any)
	assert.Equal(t, float64(100), data["confidence_score"])
	assert.Equal(t, false, data["fallback"])
	matches := data["matches"].([]any)
	require.Len(t, matches, 1)
}

func TestActionSubmitDiagnosisPersistsForIdentity(t *testing.T) {
	g := testGrant("IT導入補助金", 100)
	history := &fakeHistory{}
	s := newTestServer(t, newFakeStore(g), history)

	userID := uuid.New()
	params := map[string]any{"answers": map[string]any{"industry": map[string]any{"value": "it"}}}
	_, env := doAction(t, s, "submit_diagnosis", params, bearerToken(t, userID))
	require.True(t, env.Success)
	assert.NotEmpty(t, env.Data.(map[string]any)["diagnosis_id"])

	_, env = doAction(t, s, "get_diagnosis_history", nil, bearerToken(t, userID))
	require.True(t, env.Success)
	diagnoses := env.Data.(map[string]any)["diagnoses"].([]any)
	assert.Len(t, diagnoses, 1)
}

func TestActionGetStats(t *testing.T) {
	s := newTestServer(t, newFakeStore(testGrant("A", 1), testGrant("B", 2)), &fakeHistory{})

	rec, env := doAction(t, s, "get_stats", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)

	data := env.Data.(map[string]any)
	assert.Equal(t, float64(2), data["total_grants"])
	assert.Equal(t, float64(2), data["by_prefecture"].(map[string]any)["tokyo"])
}

func TestActionGetRelated(t *testing.T) {
	g1, g2 := testGrant("A", 1), testGrant("B", 2)
	s := newTestServer(t, newFakeStore(g1, g2), &fakeHistory{})

	_, env := doAction(t, s, "get_related", map[string]any{"grant_id": g1.ID.String()}, "")
	require.True(t, env.Success)
	grants := env.Data.(map[string]any)["grants"].([]any)
	require.Len(t, grants, 1)
	assert.Equal(t, "B", grants[0].(map[string]any)["title"])
}

func TestGetGrantDecoratesFavorite(t *testing.T) {
	g := testGrant("IT導入補助金", 10)
	store := newFakeStore(g)
	s := newTestServer(t, store, &fakeHistory{})

	userID := uuid.New()
	store.favorites[userID] = map[uuid.UUID]bool{g.ID: true}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/grants/"+g.ID.String(), nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, userID))
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	summary := env.Data.(map[string]any)["summary"].(map[string]any)
	assert.Equal(t, true, summary["is_favorite"])
}

func TestGetGrantNotFoundEnvelope(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeHistory{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/grants/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Success)
	assert.Equal(t, "not found", env.Error.Message)
}

func TestSignupConflict(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeHistory{})

	body := `{"email":"taken@example.jp","password":"hunter2hunter2"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/signup", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeHistory{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
