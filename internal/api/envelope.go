package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/keishi/grant-insight/internal/apperr"
	"github.com/keishi/grant-insight/internal/auth"
	"github.com/keishi/grant-insight/internal/models"
)

// Every response uses one envelope shape so front-end code can branch on a
// single success flag.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Message        string                `json:"message"`
	Field          string                `json:"field,omitempty"`
	FallbackGrants []models.GrantSummary `json:"fallback_grants,omitempty"`
}

func (s *Server) ok(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

// fail maps the error taxonomy onto status codes. Store failures are logged
// with their cause and surfaced as a generic retryable message.
func (s *Server) fail(c echo.Context, err error) error {
	return s.failWith(c, err, nil)
}

func (s *Server) failWith(c echo.Context, err error, fallback []models.GrantSummary) error {
	var validation *apperr.ValidationError
	body := &errorBody{FallbackGrants: fallback}

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		body.Message = validation.Message
		body.Field = validation.Field
	case errors.Is(err, apperr.ErrAuth):
		status = http.StatusUnauthorized
		body.Message = "authentication required"
	case errors.Is(err, auth.ErrInvalidCreds):
		status = http.StatusUnauthorized
		body.Message = "invalid credentials"
	case errors.Is(err, auth.ErrUserExists):
		status = http.StatusConflict
		body.Message = "user already exists"
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
		body.Message = "not found"
	default:
		s.log.Error("request failed", zap.Error(err))
		body.Message = "temporary failure, please retry"
	}

	return c.JSON(status, envelope{Success: false, Error: body})
}
