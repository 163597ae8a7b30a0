// Package api exposes the engine over HTTP: a closed-set action endpoint in
// the original theme's request vocabulary plus conventional REST routes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/keishi/grant-insight/internal/auth"
	"github.com/keishi/grant-insight/internal/cache"
	"github.com/keishi/grant-insight/internal/config"
	"github.com/keishi/grant-insight/internal/db"
	"github.com/keishi/grant-insight/internal/diagnosis"
	"github.com/keishi/grant-insight/internal/models"
	"github.com/keishi/grant-insight/internal/search"
)

// GrantStore is the direct store surface the handlers use. The search and
// diagnosis engines carry their own store dependencies.
type GrantStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Grant, error)
	IncrementViews(ctx context.Context, id uuid.UUID) (int64, error)
	ToggleFavorite(ctx context.Context, userID, grantID uuid.UUID) (bool, int64, error)
	Related(ctx context.Context, id uuid.UUID, limit int) ([]models.Grant, error)
	Stats(ctx context.Context) (*db.SiteStats, error)
	CountByPrefecture(ctx context.Context) (map[string]int, error)
	CountByCategory(ctx context.Context) (map[string]int, error)
	FavoriteIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// HistoryReader serves past diagnoses of the authenticated caller.
type HistoryReader interface {
	ListFor(ctx context.Context, userID uuid.UUID) ([]models.HistoryEntry, error)
	Get(ctx context.Context, userID, diagnosisID uuid.UUID) (*models.DiagnosisOutcome, error)
}

// AuthService issues identities.
type AuthService interface {
	Signup(ctx context.Context, req auth.SignupRequest) (*auth.AuthResponse, error)
	Login(ctx context.Context, req auth.LoginRequest) (*auth.AuthResponse, error)
}

// RelatedLimit is the fixed size of related-grant lists.
const RelatedLimit = 4

type Server struct {
	Echo *echo.Echo

	store     GrantStore
	history   HistoryReader
	search    *search.Engine
	diagnosis *diagnosis.Engine
	auth      AuthService
	cache     *cache.Cache
	cacheTTL  config.CacheConfig
	log       *zap.Logger
	now       func() time.Time
}

type deps struct {
	store     GrantStore
	history   HistoryReader
	search    *search.Engine
	diagnosis *diagnosis.Engine
	auth      AuthService
	cache     *cache.Cache
}

// NewServer wires the full engine on one connection pool.
func NewServer(pool db.Pool, cfg *config.Config) (*Server, error) {
	questionnaire, err := diagnosis.LoadQuestionnaire()
	if err != nil {
		return nil, err
	}

	var c *cache.Cache
	if cfg.Cache.Enabled {
		c = cache.New()
	}

	store := db.NewStore(pool)
	historyStore := db.NewHistoryStore(pool)
	searchEngine := search.NewEngine(store, c, search.TTLs{
		Search:       time.Duration(cfg.Cache.SearchTTLSecs) * time.Second,
		Popular:      time.Duration(cfg.Cache.PopularTTLSecs) * time.Second,
		DeadlineSoon: time.Duration(cfg.Cache.PopularTTLSecs) * time.Second,
		Suggest:      time.Duration(cfg.Cache.SuggestTTLSecs) * time.Second,
	})
	diagnosisEngine := diagnosis.NewEngine(questionnaire, store, historyStore, diagnosis.Options{
		TopK:                cfg.Diagnosis.TopK,
		ConfidenceThreshold: cfg.Diagnosis.ConfidenceThreshold,
		FallbackLimit:       cfg.Diagnosis.FallbackLimit,
	})

	return newServer(cfg, deps{
		store:     store,
		history:   historyStore,
		search:    searchEngine,
		diagnosis: diagnosisEngine,
		auth:      auth.NewService(pool),
		cache:     c,
	}), nil
}

func newServer(cfg *config.Config, d deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	s := &Server{
		Echo:      e,
		store:     d.store,
		history:   d.history,
		search:    d.search,
		diagnosis: d.diagnosis,
		auth:      d.auth,
		cache:     d.cache,
		cacheTTL:  cfg.Cache,
		log:       zap.L().With(zap.String("component", "api")),
		now:       time.Now,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)

	api := s.Echo.Group("/api/v1")

	// The action endpoint carries the original theme's request vocabulary.
	// Identity is optional here; identity-scoped actions check it themselves.
	api.POST("/actions", s.handleAction, auth.OptionalMiddleware)

	api.GET("/grants", s.handleListGrants, auth.OptionalMiddleware)
	api.GET("/grants/:id", s.handleGetGrant, auth.OptionalMiddleware)
	api.GET("/grants/:id/related", s.handleGetRelated)
	api.GET("/grants/popular", s.handleGetPopular, auth.OptionalMiddleware)
	api.GET("/grants/deadline-soon", s.handleGetDeadlineSoon, auth.OptionalMiddleware)
	api.GET("/suggest", s.handleSuggest)
	api.GET("/stats", s.handleGetStats)
	api.GET("/diagnosis/questions", s.handleGetQuestions)

	api.POST("/auth/signup", s.handleSignup)
	api.POST("/auth/login", s.handleLogin)

	me := api.Group("/me")
	me.Use(auth.Middleware)
	me.GET("/diagnoses", s.handleListDiagnoses)
	me.GET("/diagnoses/:id", s.handleGetDiagnosis)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) Start(port int) error {
	return s.Echo.Start(fmt.Sprintf(":%d", port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}
