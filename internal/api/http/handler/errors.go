package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-lease/internal/agents"
	"github.com/EternisAI/silo-lease/internal/api/http/dto"
	"github.com/EternisAI/silo-lease/internal/leases"
	"github.com/EternisAI/silo-lease/internal/users"
	"github.com/gin-gonic/gin"
)

// respondError maps domain errors to HTTP statuses. Anything unrecognised is
// logged in full and answered with an opaque 500.
func respondError(c *gin.Context, op string, err error) {
	var (
		quota  *leases.QuotaExceededError
		noKeys *leases.NoKeysAvailableError
	)

	switch {
	case errors.As(err, &quota):
		c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{
			Error: err.Error(),
			Details: map[string]any{
				"tier":   quota.Tier,
				"limit":  quota.Limit,
				"active": quota.Active,
			},
		})
	case errors.As(err, &noKeys):
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
			Error:   err.Error(),
			Details: map[string]any{"provider": noKeys.Provider},
		})
	case errors.Is(err, leases.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, leases.ErrInvalidInput),
		errors.Is(err, agents.ErrInvalidAgentID),
		errors.Is(err, users.ErrInvalidUserID),
		errors.Is(err, users.ErrUnknownTier):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, leases.ErrAgentNotFound),
		errors.Is(err, leases.ErrLeaseNotActive),
		errors.Is(err, leases.ErrLeaseNotFound),
		errors.Is(err, leases.ErrKeyNotFound),
		errors.Is(err, agents.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, leases.ErrAgentAlreadyLeased),
		errors.Is(err, agents.ErrAgentExists):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error()})
	default:
		slog.Error(op, "error", err, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal error"})
	}
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
}
