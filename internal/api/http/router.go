package http

import (
	"github.com/EternisAI/silo-lease/internal/agents"
	"github.com/EternisAI/silo-lease/internal/api/http/handler"
	"github.com/EternisAI/silo-lease/internal/api/http/middleware"
	"github.com/EternisAI/silo-lease/internal/leases"
	"github.com/EternisAI/silo-lease/internal/managedkeys"
	"github.com/EternisAI/silo-lease/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Services struct {
	Leases *leases.Service
	Keys   *managedkeys.Service
	Agents *agents.Service
	Users  *users.Service
	DB     handler.Pinger
}

func SetupRoute(engine *gin.Engine, cfg Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.DB)
	engine.GET("/health", healthHandler.Check)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	leaseHandler := handler.NewLeaseHandler(srvs.Leases)
	keyHandler := handler.NewKeyHandler(srvs.Keys)
	agentsHandler := handler.NewAgentsHandler(srvs.Agents)
	userHandler := handler.NewUserHandler(srvs.Users)

	tenant := engine.Group("/", middleware.JWTAuth(cfg.JWTSecret))
	{
		tenant.POST("/leases", leaseHandler.RequestLease)
		tenant.GET("/leases", leaseHandler.ListLeases)

		tenant.POST("/agents", agentsHandler.RegisterAgent)
		tenant.GET("/agents", agentsHandler.ListAgents)
		tenant.GET("/agents/:id", agentsHandler.GetAgent)

		tenant.GET("/me/subscription", userHandler.GetMySubscription)
	}

	admin := engine.Group("/admin", middleware.APIKeyAuth(cfg.AdminAPIKey))
	{
		admin.POST("/keys", keyHandler.CreateKey)
		admin.GET("/keys", keyHandler.ListKeys)
		admin.GET("/keys/:id", keyHandler.GetKey)
		admin.PATCH("/keys/:id", keyHandler.UpdateKey)
		admin.DELETE("/keys/:id", keyHandler.DisableKey)
		admin.GET("/keys/:id/leases", leaseHandler.ListKeyLeases)

		admin.POST("/leases/:id/revoke", leaseHandler.RevokeLease)
		admin.POST("/leases/:id/extend", leaseHandler.ExtendLease)

		admin.GET("/users/:id/subscription", userHandler.GetSubscription)
		admin.PUT("/users/:id/tier", userHandler.SetTier)
	}
}
