package handler

import (
	"net/http"

	"github.com/EternisAI/silo-lease/internal/api/http/dto"
	"github.com/EternisAI/silo-lease/internal/api/http/middleware"
	"github.com/EternisAI/silo-lease/internal/users"
	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	userService *users.Service
}

func NewUserHandler(userService *users.Service) *UserHandler {
	return &UserHandler{userService: userService}
}

// GetMySubscription
// GET /me/subscription
func (h *UserHandler) GetMySubscription(c *gin.Context) {
	h.subscription(c, c.GetString(middleware.UserIDKey))
}

// GetSubscription
// GET /admin/users/:id/subscription
func (h *UserHandler) GetSubscription(c *gin.Context) {
	h.subscription(c, c.Param("id"))
}

// SetTier
// PUT /admin/users/:id/tier
func (h *UserHandler) SetTier(c *gin.Context) {
	var req dto.SetTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	sub, err := h.userService.SetTier(c.Request.Context(), c.Param("id"), req.Tier)
	if err != nil {
		respondError(c, "Failed to set user tier", err)
		return
	}
	c.JSON(http.StatusOK, toSubscriptionResponse(sub))
}

func (h *UserHandler) subscription(c *gin.Context, userID string) {
	sub, err := h.userService.GetSubscription(c.Request.Context(), userID)
	if err != nil {
		respondError(c, "Failed to get subscription", err)
		return
	}
	c.JSON(http.StatusOK, toSubscriptionResponse(sub))
}

func toSubscriptionResponse(s *users.Subscription) dto.SubscriptionResponse {
	return dto.SubscriptionResponse{
		UserID:       s.UserID,
		Tier:         s.Tier.Name,
		DurationDays: s.Tier.DurationDays,
		MaxAgents:    s.Tier.MaxAgents,
		MaxUSD:       s.Tier.MaxUSD,
		ActiveLeases: s.ActiveLeases,
	}
}
