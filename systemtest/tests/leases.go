package tests

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-lease/internal/api/http/dto"
	"github.com/EternisAI/silo-lease/internal/leases"
	"github.com/EternisAI/silo-lease/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseFlow(t *testing.T, c *Client) {
	key := createKey(t, c, "openai", map[string]any{"default_model": "gpt-4o"})
	registerAgent(t, c, "flow-user", "flow-agent", map[string]any{"name": "assistant"})

	rr := c.Tenant(t, "flow-user", "POST", "/leases", dto.RequestLeaseRequest{Provider: "openai", AgentID: "flow-agent"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	grant := decode[dto.LeaseGrantResponse](t, rr)
	assert.Equal(t, "free", grant.Tier)

	t.Run("agent points at lease", func(t *testing.T) {
		rr := c.Tenant(t, "flow-user", "GET", "/agents/flow-agent", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		agent := decode[dto.AgentResponse](t, rr)
		assert.Equal(t, grant.LeaseID, agent.LeaseID)
		assert.Equal(t, "assistant", agent.Config["name"])
		assert.NotContains(t, rr.Body.String(), "sk-openai-systemtest")
	})

	t.Run("second agent over free quota", func(t *testing.T) {
		registerAgent(t, c, "flow-user", "flow-agent-2", nil)
		rr := c.Tenant(t, "flow-user", "POST", "/leases", dto.RequestLeaseRequest{Provider: "openai", AgentID: "flow-agent-2"})
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	})

	t.Run("already leased", func(t *testing.T) {
		rr := c.Admin("PUT", "/admin/users/flow-user/tier", dto.SetTierRequest{Tier: "pro"})
		require.Equal(t, http.StatusOK, rr.Code)
		rr = c.Tenant(t, "flow-user", "POST", "/leases", dto.RequestLeaseRequest{Provider: "openai", AgentID: "flow-agent"})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("extend", func(t *testing.T) {
		rr := c.Admin("POST", "/admin/leases/"+grant.LeaseID+"/extend", dto.ExtendLeaseRequest{AdditionalDays: 5})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		lease := decode[dto.LeaseResponse](t, rr)
		assert.WithinDuration(t, grant.ExpiresAt.Add(5*24*time.Hour), lease.ExpiresAt, time.Second)
	})

	t.Run("key lists its lease", func(t *testing.T) {
		rr := c.Admin("GET", "/admin/keys/"+key.ID+"/leases", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 1, decode[dto.LeasesResponse](t, rr).Count)
	})

	t.Run("disable key revokes lease", func(t *testing.T) {
		rr := c.Admin("DELETE", "/admin/keys/"+key.ID, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		resp := decode[dto.UpdateKeyResponse](t, rr)
		require.NotNil(t, resp.Cascade)
		assert.Equal(t, 1, resp.Cascade.Applied)

		rr = c.Tenant(t, "flow-user", "GET", "/leases", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		list := decode[dto.LeasesResponse](t, rr)
		require.Equal(t, 1, list.Count)
		assert.Equal(t, "revoked", list.Leases[0].Status)

		rr = c.Tenant(t, "flow-user", "GET", "/agents/flow-agent", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		agent := decode[dto.AgentResponse](t, rr)
		assert.Empty(t, agent.LeaseID)
		assert.Equal(t, "assistant", agent.Config["name"])
	})
}

func TestQuotaUnderConcurrency(t *testing.T, c *Client) {
	createKey(t, c, "anthropic", map[string]any{"default_model": "claude-sonnet-4"})
	rr := c.Admin("PUT", "/admin/users/race-user/tier", dto.SetTierRequest{Tier: "starter"})
	require.Equal(t, http.StatusOK, rr.Code)

	const agentCount = 8
	for i := 0; i < agentCount; i++ {
		registerAgent(t, c, "race-user", agentName("race-agent", i), nil)
	}

	codes := make([]int, agentCount)
	var wg sync.WaitGroup
	for i := 0; i < agentCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := c.Tenant(t, "race-user", "POST", "/leases", dto.RequestLeaseRequest{
				Provider: "anthropic",
				AgentID:  agentName("race-agent", i),
			})
			codes[i] = rr.Code
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, code := range codes {
		if code == http.StatusCreated {
			granted++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, code)
		}
	}
	assert.Equal(t, 3, granted)

	rr = c.Tenant(t, "race-user", "GET", "/me/subscription", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3, decode[dto.SubscriptionResponse](t, rr).ActiveLeases)
}

func TestKeyConfigCascade(t *testing.T, c *Client) {
	key := createKey(t, c, "google", map[string]any{"default_model": "gemini-2.5-flash"})
	registerAgent(t, c, "cascade-user", "cascade-agent", nil)

	rr := c.Tenant(t, "cascade-user", "POST", "/leases", dto.RequestLeaseRequest{Provider: "google", AgentID: "cascade-agent"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = c.Admin("PATCH", "/admin/keys/"+key.ID, dto.UpdateKeyRequest{
		Config: map[string]any{"default_model": "gemini-2.5-pro"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[dto.UpdateKeyResponse](t, rr)
	require.NotNil(t, resp.Cascade)
	assert.Equal(t, leases.CascadeRebuild, resp.Cascade.Action)
	assert.Equal(t, 1, resp.Cascade.Applied)
	assert.Equal(t, "gemini-2.5-pro", resp.Key.Config["default_model"])
	assert.Equal(t, 1, resp.Key.ActiveLeases)
}

func TestReclaimer(t *testing.T, c *Client, st store.Store) {
	createKey(t, c, "mistral", map[string]any{"default_model": "mistral-large"})
	registerAgent(t, c, "reclaim-user", "reclaim-agent", nil)

	rr := c.Tenant(t, "reclaim-user", "POST", "/leases", dto.RequestLeaseRequest{Provider: "mistral", AgentID: "reclaim-agent"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	grant := decode[dto.LeaseGrantResponse](t, rr)

	later := func() time.Time { return grant.ExpiresAt.Add(time.Minute) }
	reclaimer := leases.NewReclaimer(st, leases.WithReclaimerClock(later))

	result, err := reclaimer.Sweep(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Expired, 1)
	assert.GreaterOrEqual(t, result.Disabled, 1)

	rr = c.Tenant(t, "reclaim-user", "GET", "/agents/reclaim-agent", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	agent := decode[dto.AgentResponse](t, rr)
	assert.False(t, agent.Enabled)
	assert.Equal(t, grant.LeaseID, agent.LeaseID)
	assert.Equal(t, store.AgentStatusError, agent.Status)
	assert.Contains(t, agent.StatusMessage, grant.LeaseID)

	again, err := reclaimer.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Disabled)
}

func agentName(prefix string, i int) string {
	return prefix + "-" + string(rune('a'+i))
}
