package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-lease/internal/api/http/dto"
	"github.com/EternisAI/silo-lease/internal/leases"
	"github.com/EternisAI/silo-lease/internal/managedkeys"
	"github.com/gin-gonic/gin"
)

type KeyHandler struct {
	keys *managedkeys.Service
}

func NewKeyHandler(svc *managedkeys.Service) *KeyHandler {
	return &KeyHandler{keys: svc}
}

// CreateKey
// POST /admin/keys
func (h *KeyHandler) CreateKey(c *gin.Context) {
	var req dto.CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	view, err := h.keys.Create(c.Request.Context(), managedkeys.CreateParams{
		Provider:        req.Provider,
		Label:           req.Label,
		Secret:          req.Secret,
		Config:          req.Config,
		DailyLimitUSD:   req.DailyLimitUSD,
		MonthlyLimitUSD: req.MonthlyLimitUSD,
	})
	if err != nil {
		respondError(c, "Failed to create managed key", err)
		return
	}
	c.JSON(http.StatusCreated, toKeyResponse(view))
}

// ListKeys
// GET /admin/keys
func (h *KeyHandler) ListKeys(c *gin.Context) {
	views, err := h.keys.List(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to list managed keys", err)
		return
	}

	out := make([]dto.KeyResponse, len(views))
	for i := range views {
		out[i] = toKeyResponse(&views[i])
	}
	c.JSON(http.StatusOK, dto.KeysResponse{Keys: out, Count: len(out)})
}

// GetKey
// GET /admin/keys/:id
func (h *KeyHandler) GetKey(c *gin.Context) {
	view, err := h.keys.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to get managed key", err)
		return
	}
	c.JSON(http.StatusOK, toKeyResponse(view))
}

// UpdateKey patches label, activation or config and waits for the cascade
// PATCH /admin/keys/:id
func (h *KeyHandler) UpdateKey(c *gin.Context) {
	var req dto.UpdateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.keys.Update(c.Request.Context(), c.Param("id"), managedkeys.UpdateParams{
		Label:  req.Label,
		Active: req.Active,
		Config: req.Config,
	})
	h.respondUpdate(c, result, err)
}

// DisableKey soft-deletes a key and revokes its active leases
// DELETE /admin/keys/:id
func (h *KeyHandler) DisableKey(c *gin.Context) {
	result, err := h.keys.Disable(c.Request.Context(), c.Param("id"))
	h.respondUpdate(c, result, err)
}

func (h *KeyHandler) respondUpdate(c *gin.Context, result *managedkeys.UpdateResult, err error) {
	if err != nil && !errors.Is(err, managedkeys.ErrCascadeIncomplete) {
		respondError(c, "Failed to update managed key", err)
		return
	}

	resp := dto.UpdateKeyResponse{
		Key:     toKeyResponse(result.Key),
		Cascade: toCascadeResponse(result.Cascade),
	}
	if err != nil {
		slog.Error("Managed key cascade incomplete", "key_id", result.Key.ID, "error", err)
		resp.Error = managedkeys.ErrCascadeIncomplete.Error()
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func toKeyResponse(v *managedkeys.KeyView) dto.KeyResponse {
	return dto.KeyResponse{
		ID:              v.ID,
		Provider:        v.Provider,
		Label:           v.Label,
		Active:          v.Active,
		Config:          v.Config,
		DailyLimitUSD:   v.DailyLimitUSD,
		MonthlyLimitUSD: v.MonthlyLimitUSD,
		ActiveLeases:    v.ActiveLeases,
		CreatedAt:       v.CreatedAt,
		UpdatedAt:       v.UpdatedAt,
	}
}

func toCascadeResponse(r *leases.CascadeReport) *dto.CascadeResponse {
	if r == nil {
		return nil
	}
	resp := &dto.CascadeResponse{Action: r.Action, Leases: r.Leases, Applied: r.Applied}
	for _, f := range r.Failures {
		resp.Failures = append(resp.Failures, dto.CascadeFailure{
			LeaseID: f.LeaseID,
			AgentID: f.AgentID,
			Error:   f.Err.Error(),
		})
	}
	return resp
}
