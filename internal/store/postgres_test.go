package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/openidx/idsync/internal/common/database"
)

// setupTestDB starts a Postgres container; the test is skipped without Docker
func setupTestDB(t *testing.T) *database.PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "idsync",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Failed to start test container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Skipf("Failed to get container port: %v", err)
	}

	connString := fmt.Sprintf("postgres://test:test@%s:%s/idsync?sslmode=disable", host, port.Port())
	db, err := database.NewPostgres(ctx, connString)
	if err != nil {
		t.Skipf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresStore(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	runStoreSuite(t, func(t *testing.T, checker AccessChecker) Store {
		_, err := db.Pool.Exec(ctx, `DROP TABLE IF EXISTS group_members, groups, user_password_sync, users`)
		require.NoError(t, err)

		s := NewPostgres(db, testHasher(), checker, zaptest.NewLogger(t))
		require.NoError(t, s.EnsureSchema(ctx))
		return s
	})
}
