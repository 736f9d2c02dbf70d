package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/EternisAI/silo-lease/internal/api/http/dto"
	"github.com/EternisAI/silo-lease/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Client drives the HTTP API in-process as either an administrator or a
// tenant.
type Client struct {
	router      *gin.Engine
	jwtSecret   string
	adminAPIKey string
}

func NewClient(router *gin.Engine, jwtSecret, adminAPIKey string) *Client {
	return &Client{router: router, jwtSecret: jwtSecret, adminAPIKey: adminAPIKey}
}

func (c *Client) Admin(method, path string, body any) *httptest.ResponseRecorder {
	return c.do(method, path, body, map[string]string{"X-API-Key": c.adminAPIKey})
}

func (c *Client) Tenant(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	token, err := auth.GenerateToken(auth.Config{Secret: c.jwtSecret}, userID, userID, "user")
	require.NoError(t, err)
	return c.do(method, path, body, map[string]string{"Authorization": "Bearer " + token})
}

func (c *Client) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	c.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealthCheck(t *testing.T, c *Client) {
	rr := c.do("GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[dto.HealthResponse](t, rr).Status)
}

func createKey(t *testing.T, c *Client, provider string, cfg map[string]any) dto.KeyResponse {
	t.Helper()
	rr := c.Admin("POST", "/admin/keys", dto.CreateKeyRequest{
		Provider: provider,
		Label:    provider + " pool key",
		Secret:   "sk-" + provider + "-systemtest",
		Config:   cfg,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[dto.KeyResponse](t, rr)
}

func registerAgent(t *testing.T, c *Client, userID, agentID string, cfg map[string]any) {
	t.Helper()
	rr := c.Tenant(t, userID, "POST", "/agents", dto.RegisterAgentRequest{AgentID: agentID, Config: cfg})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}
