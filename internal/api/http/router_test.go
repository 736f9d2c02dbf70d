package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/EternisAI/silo-lease/internal/agents"
	"github.com/EternisAI/silo-lease/internal/api/http/dto"
	"github.com/EternisAI/silo-lease/internal/auth"
	"github.com/EternisAI/silo-lease/internal/credential"
	"github.com/EternisAI/silo-lease/internal/leases"
	"github.com/EternisAI/silo-lease/internal/managedkeys"
	"github.com/EternisAI/silo-lease/internal/store/memstore"
	"github.com/EternisAI/silo-lease/internal/tiers"
	"github.com/EternisAI/silo-lease/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret = "test-jwt-secret"
	testAdminKey  = "test-admin-key"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	t      *testing.T
	engine *gin.Engine
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	mem := memstore.New()
	codec, err := credential.NewCodec("router-test-secret")
	require.NoError(t, err)
	table, err := tiers.NewTable(tiers.DefaultTiers, "")
	require.NoError(t, err)
	resolver, err := tiers.NewResolver(mem, table, 0)
	require.NoError(t, err)

	leaseService := leases.NewService(mem, codec, resolver)
	srvs := &Services{
		Leases: leaseService,
		Keys:   managedkeys.NewService(mem, codec, leaseService),
		Agents: agents.NewService(mem, codec),
		Users:  users.NewService(mem, resolver),
	}

	engine := gin.New()
	SetupRoute(engine, cfg, srvs)
	return &testServer{t: t, engine: engine}
}

func defaultConfig() Config {
	return Config{JWTSecret: testJWTSecret, AdminAPIKey: testAdminKey}
}

func (s *testServer) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := nethttp.NewRequest(method, path, &buf)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) admin(method, path string, body any) *httptest.ResponseRecorder {
	return s.do(method, path, body, map[string]string{"X-API-Key": testAdminKey})
}

func (s *testServer) tenant(userID, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	token, err := auth.GenerateToken(auth.Config{Secret: testJWTSecret}, userID, userID, "user")
	require.NoError(s.t, err)
	return s.do(method, path, body, map[string]string{"Authorization": "Bearer " + token})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestLeaseLifecycle(t *testing.T) {
	s := newTestServer(t, defaultConfig())

	w := s.admin("POST", "/admin/keys", dto.CreateKeyRequest{
		Provider: "OpenAI",
		Label:    "primary",
		Secret:   "sk-live-abc",
		Config:   map[string]any{"default_model": "gpt-4o"},
	})
	require.Equal(t, nethttp.StatusCreated, w.Code, w.Body.String())
	key := decode[dto.KeyResponse](t, w)
	assert.Equal(t, "openai", key.Provider)
	assert.NotContains(t, w.Body.String(), "sk-live-abc")

	for _, id := range []string{"agent-1", "agent-2"} {
		w = s.tenant("user-1", "POST", "/agents", dto.RegisterAgentRequest{AgentID: id})
		require.Equal(t, nethttp.StatusCreated, w.Code, w.Body.String())
	}

	w = s.tenant("user-1", "POST", "/leases", dto.RequestLeaseRequest{Provider: "openai", AgentID: "agent-1"})
	require.Equal(t, nethttp.StatusCreated, w.Code, w.Body.String())
	grant := decode[dto.LeaseGrantResponse](t, w)
	assert.NotEmpty(t, grant.LeaseID)
	assert.Equal(t, "free", grant.Tier)
	assert.Equal(t, 7, grant.DurationDays)
	assert.Equal(t, "gpt-4o", grant.Model)

	w = s.tenant("user-1", "POST", "/leases", dto.RequestLeaseRequest{Provider: "openai", AgentID: "agent-2"})
	require.Equal(t, nethttp.StatusTooManyRequests, w.Code, w.Body.String())
	quota := decode[dto.ErrorResponse](t, w)
	assert.Equal(t, "free", quota.Details["tier"])
	assert.EqualValues(t, 1, quota.Details["limit"])
	assert.EqualValues(t, 1, quota.Details["active"])

	w = s.tenant("user-1", "GET", "/leases", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	list := decode[dto.LeasesResponse](t, w)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, grant.LeaseID, list.Leases[0].ID)
	assert.Equal(t, "active", list.Leases[0].Status)

	w = s.tenant("user-1", "GET", "/agents/agent-1", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	agent := decode[dto.AgentResponse](t, w)
	assert.Equal(t, grant.LeaseID, agent.LeaseID)
	assert.NotContains(t, w.Body.String(), "sk-live-abc")

	w = s.admin("GET", fmt.Sprintf("/admin/keys/%s", key.ID), nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Equal(t, 1, decode[dto.KeyResponse](t, w).ActiveLeases)

	w = s.admin("DELETE", fmt.Sprintf("/admin/keys/%s", key.ID), nil)
	require.Equal(t, nethttp.StatusOK, w.Code, w.Body.String())
	disabled := decode[dto.UpdateKeyResponse](t, w)
	assert.False(t, disabled.Key.Active)
	require.NotNil(t, disabled.Cascade)
	assert.Equal(t, leases.CascadeRevoke, disabled.Cascade.Action)
	assert.Equal(t, 1, disabled.Cascade.Applied)

	w = s.tenant("user-1", "GET", "/agents/agent-1", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Empty(t, decode[dto.AgentResponse](t, w).LeaseID)

	w = s.tenant("user-1", "POST", "/leases", dto.RequestLeaseRequest{Provider: "openai", AgentID: "agent-2"})
	require.Equal(t, nethttp.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.Equal(t, "openai", decode[dto.ErrorResponse](t, w).Details["provider"])
}

func TestAdminLeaseOperations(t *testing.T) {
	s := newTestServer(t, defaultConfig())

	w := s.admin("POST", "/admin/keys", dto.CreateKeyRequest{Provider: "anthropic", Secret: "sk-ant-1"})
	require.Equal(t, nethttp.StatusCreated, w.Code, w.Body.String())
	key := decode[dto.KeyResponse](t, w)

	require.Equal(t, nethttp.StatusCreated, s.tenant("user-1", "POST", "/agents", dto.RegisterAgentRequest{AgentID: "agent-1"}).Code)
	w = s.tenant("user-1", "POST", "/leases", dto.RequestLeaseRequest{Provider: "anthropic", AgentID: "agent-1"})
	require.Equal(t, nethttp.StatusCreated, w.Code, w.Body.String())
	grant := decode[dto.LeaseGrantResponse](t, w)

	w = s.admin("POST", "/admin/leases/"+grant.LeaseID+"/extend", dto.ExtendLeaseRequest{AdditionalDays: 3})
	require.Equal(t, nethttp.StatusOK, w.Code, w.Body.String())
	extended := decode[dto.LeaseResponse](t, w)
	assert.True(t, extended.ExpiresAt.After(grant.ExpiresAt))

	w = s.admin("POST", "/admin/leases/"+grant.LeaseID+"/extend", map[string]any{"additional_days": 0})
	assert.Equal(t, nethttp.StatusBadRequest, w.Code)

	w = s.admin("GET", "/admin/keys/"+key.ID+"/leases", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Equal(t, 1, decode[dto.LeasesResponse](t, w).Count)

	w = s.admin("POST", "/admin/leases/"+grant.LeaseID+"/revoke", nil)
	require.Equal(t, nethttp.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "revoked", decode[dto.LeaseResponse](t, w).Status)

	w = s.admin("POST", "/admin/leases/"+grant.LeaseID+"/revoke", nil)
	assert.Equal(t, nethttp.StatusNotFound, w.Code)
}

func TestRequestLeaseErrors(t *testing.T) {
	s := newTestServer(t, defaultConfig())

	w := s.tenant("user-1", "POST", "/leases", map[string]any{"provider": "openai"})
	assert.Equal(t, nethttp.StatusBadRequest, w.Code)

	w = s.admin("POST", "/admin/keys", dto.CreateKeyRequest{Provider: "openai", Secret: "sk-1"})
	require.Equal(t, nethttp.StatusCreated, w.Code)

	w = s.tenant("user-1", "POST", "/leases", dto.RequestLeaseRequest{Provider: "openai", AgentID: "ghost"})
	assert.Equal(t, nethttp.StatusNotFound, w.Code)

	require.Equal(t, nethttp.StatusCreated, s.tenant("user-2", "POST", "/agents", dto.RegisterAgentRequest{AgentID: "theirs"}).Code)
	w = s.tenant("user-1", "POST", "/leases", dto.RequestLeaseRequest{Provider: "openai", AgentID: "theirs"})
	assert.Equal(t, nethttp.StatusNotFound, w.Code)

	w = s.tenant("user-2", "POST", "/agents", dto.RegisterAgentRequest{AgentID: "theirs"})
	assert.Equal(t, nethttp.StatusConflict, w.Code)

	w = s.tenant("user-2", "POST", "/agents", dto.RegisterAgentRequest{AgentID: "../bad"})
	assert.Equal(t, nethttp.StatusBadRequest, w.Code)
}

func TestSubscriptions(t *testing.T) {
	s := newTestServer(t, defaultConfig())

	w := s.tenant("user-1", "GET", "/me/subscription", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Equal(t, "free", decode[dto.SubscriptionResponse](t, w).Tier)

	w = s.admin("PUT", "/admin/users/user-1/tier", dto.SetTierRequest{Tier: "Pro"})
	require.Equal(t, nethttp.StatusOK, w.Code, w.Body.String())
	sub := decode[dto.SubscriptionResponse](t, w)
	assert.Equal(t, "pro", sub.Tier)
	assert.Equal(t, 10, sub.MaxAgents)

	w = s.tenant("user-1", "GET", "/me/subscription", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Equal(t, "pro", decode[dto.SubscriptionResponse](t, w).Tier)

	w = s.admin("PUT", "/admin/users/user-1/tier", dto.SetTierRequest{Tier: "platinum"})
	assert.Equal(t, nethttp.StatusBadRequest, w.Code)

	w = s.admin("GET", "/admin/users/user-1/subscription", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Equal(t, "pro", decode[dto.SubscriptionResponse](t, w).Tier)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, defaultConfig())

	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{"tenant without token", "GET", "/leases", nil, nethttp.StatusUnauthorized},
		{"tenant with garbage token", "GET", "/leases", map[string]string{"Authorization": "Bearer nope"}, nethttp.StatusUnauthorized},
		{"admin without key", "GET", "/admin/keys", nil, nethttp.StatusUnauthorized},
		{"admin with wrong key", "GET", "/admin/keys", map[string]string{"X-API-Key": "wrong"}, nethttp.StatusUnauthorized},
		{"admin with key", "GET", "/admin/keys", map[string]string{"X-API-Key": testAdminKey}, nethttp.StatusOK},
		{"health is public", "GET", "/health", nil, nethttp.StatusOK},
		{"metrics is public", "GET", "/metrics", nil, nethttp.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, nil, tt.headers)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAdminDisabledWithoutAPIKey(t *testing.T) {
	s := newTestServer(t, Config{JWTSecret: testJWTSecret})

	w := s.do("GET", "/admin/keys", nil, map[string]string{"X-API-Key": "anything"})
	assert.Equal(t, nethttp.StatusServiceUnavailable, w.Code)
}

func TestUpdateKeyNotFound(t *testing.T) {
	s := newTestServer(t, defaultConfig())

	label := "renamed"
	w := s.admin("PATCH", "/admin/keys/does-not-exist", dto.UpdateKeyRequest{Label: &label})
	assert.Equal(t, nethttp.StatusNotFound, w.Code)
}
