package handler

import (
	"net/http"

	"github.com/EternisAI/silo-lease/internal/api/http/dto"
	"github.com/EternisAI/silo-lease/internal/api/http/middleware"
	"github.com/EternisAI/silo-lease/internal/leases"
	"github.com/gin-gonic/gin"
)

type LeaseHandler struct {
	leases *leases.Service
}

func NewLeaseHandler(svc *leases.Service) *LeaseHandler {
	return &LeaseHandler{leases: svc}
}

// RequestLease grants a managed key to one of the caller's agents
// POST /leases
func (h *LeaseHandler) RequestLease(c *gin.Context) {
	var req dto.RequestLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	grant, err := h.leases.RequestLease(c.Request.Context(), leases.Request{
		UserID:    c.GetString(middleware.UserIDKey),
		Provider:  req.Provider,
		AgentID:   req.AgentID,
		Framework: req.Framework,
	})
	if err != nil {
		respondError(c, "Failed to grant lease", err)
		return
	}

	c.JSON(http.StatusCreated, dto.LeaseGrantResponse{
		LeaseID:      grant.LeaseID,
		ExpiresAt:    grant.ExpiresAt,
		Provider:     grant.Provider,
		Model:        grant.Model,
		Tier:         grant.Tier,
		DurationDays: grant.DurationDays,
	})
}

// ListLeases returns the caller's leases, newest first
// GET /leases
func (h *LeaseHandler) ListLeases(c *gin.Context) {
	views, err := h.leases.ListUserLeases(c.Request.Context(), c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(c, "Failed to list leases", err)
		return
	}
	c.JSON(http.StatusOK, toLeasesResponse(views))
}

// ListKeyLeases returns every lease granted on a key
// GET /admin/keys/:id/leases
func (h *LeaseHandler) ListKeyLeases(c *gin.Context) {
	views, err := h.leases.ListLeasesForKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to list key leases", err)
		return
	}
	c.JSON(http.StatusOK, toLeasesResponse(views))
}

// RevokeLease
// POST /admin/leases/:id/revoke
func (h *LeaseHandler) RevokeLease(c *gin.Context) {
	view, err := h.leases.RevokeLease(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to revoke lease", err)
		return
	}
	c.JSON(http.StatusOK, toLeaseResponse(*view))
}

// ExtendLease
// POST /admin/leases/:id/extend
func (h *LeaseHandler) ExtendLease(c *gin.Context) {
	var req dto.ExtendLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	view, err := h.leases.ExtendLease(c.Request.Context(), c.Param("id"), req.AdditionalDays)
	if err != nil {
		respondError(c, "Failed to extend lease", err)
		return
	}
	c.JSON(http.StatusOK, toLeaseResponse(*view))
}

func toLeaseResponse(v leases.LeaseView) dto.LeaseResponse {
	return dto.LeaseResponse{
		ID:            v.ID,
		ManagedKeyID:  v.ManagedKeyID,
		UserID:        v.UserID,
		AgentID:       v.AgentID,
		Status:        string(v.Status),
		GrantedAt:     v.GrantedAt,
		ExpiresAt:     v.ExpiresAt,
		RevokedAt:     v.RevokedAt,
		UsageUSD:      v.UsageUSD,
		LastUsedAt:    v.LastUsedAt,
		TierMaxAgents: v.TierMaxAgents,
		Provider:      v.Provider,
		KeyLabel:      v.KeyLabel,
		KeyConfig:     v.KeyConfig,
	}
}

func toLeasesResponse(views []leases.LeaseView) dto.LeasesResponse {
	out := make([]dto.LeaseResponse, len(views))
	for i, v := range views {
		out[i] = toLeaseResponse(v)
	}
	return dto.LeasesResponse{Leases: out, Count: len(out)}
}
