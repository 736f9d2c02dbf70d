package systemtest

import (
	"context"
	"testing"

	"github.com/EternisAI/silo-lease/internal/agents"
	internalhttp "github.com/EternisAI/silo-lease/internal/api/http"
	"github.com/EternisAI/silo-lease/internal/credential"
	"github.com/EternisAI/silo-lease/internal/db"
	"github.com/EternisAI/silo-lease/internal/leases"
	"github.com/EternisAI/silo-lease/internal/managedkeys"
	"github.com/EternisAI/silo-lease/internal/store/pgstore"
	"github.com/EternisAI/silo-lease/internal/tiers"
	"github.com/EternisAI/silo-lease/internal/users"
	"github.com/EternisAI/silo-lease/systemtest/postgres"
	"github.com/EternisAI/silo-lease/systemtest/tests"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret   = "systemtest-jwt-secret"
	adminAPIKey = "systemtest-admin-key"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("system tests need docker")
	}

	ctx := context.Background()
	container, err := postgres.StartPostgres(ctx, "silo", "silo", "silo_lease")
	require.NoError(t, err)
	t.Cleanup(func() { _ = postgres.TerminatePostgres(context.Background(), container) })

	dsn, err := postgres.DSN(ctx, container)
	require.NoError(t, err)

	dbConfig := db.Config{Driver: db.DriverPostgres, URL: dsn, Schema: "lease"}
	require.NoError(t, db.RunMigrations(ctx, dbConfig))
	pool, err := db.InitDB(ctx, dbConfig)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	st := pgstore.New(pool)
	codec, err := credential.NewCodec("systemtest-encryption-key")
	require.NoError(t, err)
	table, err := tiers.NewTable(tiers.DefaultTiers, "")
	require.NoError(t, err)
	resolver, err := tiers.NewResolver(st, table, 0)
	require.NoError(t, err)

	leaseService := leases.NewService(st, codec, resolver)
	services := &internalhttp.Services{
		Leases: leaseService,
		Keys:   managedkeys.NewService(st, codec, leaseService),
		Agents: agents.NewService(st, codec),
		Users:  users.NewService(st, resolver),
		DB:     pool,
	}

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	internalhttp.SetupRoute(engine, internalhttp.Config{JWTSecret: jwtSecret, AdminAPIKey: adminAPIKey}, services)

	client := tests.NewClient(engine, jwtSecret, adminAPIKey)

	t.Run("HealthCheck", func(t *testing.T) { tests.TestHealthCheck(t, client) })
	t.Run("LeaseFlow", func(t *testing.T) { tests.TestLeaseFlow(t, client) })
	t.Run("QuotaUnderConcurrency", func(t *testing.T) { tests.TestQuotaUnderConcurrency(t, client) })
	t.Run("KeyConfigCascade", func(t *testing.T) { tests.TestKeyConfigCascade(t, client) })
	t.Run("Reclaimer", func(t *testing.T) { tests.TestReclaimer(t, client, st) })
}
