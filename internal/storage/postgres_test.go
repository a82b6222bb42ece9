package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

// postgresDSN starts a throwaway PostgreSQL container, or uses
// STUDYSYNC_TEST_POSTGRES_URL when it is set.
func postgresDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	if dsn := os.Getenv("STUDYSYNC_TEST_POSTGRES_URL"); dsn != "" {
		return dsn
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "studysync",
			"POSTGRES_PASSWORD": "studysync",
			"POSTGRES_DB":       "studysync",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://studysync:studysync@%s:%s/studysync?sslmode=disable", host, port.Port())
}

func TestPostgresStorage(t *testing.T) {
	dsn := postgresDSN(t)

	runStorageSuite(t, func(t *testing.T) Storage {
		ctx := context.Background()
		resetPostgres(t, dsn)
		st, err := OpenPostgres(ctx, dsn, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func resetPostgres(t *testing.T, dsn string) {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	_, err = pool.Exec(ctx, `
		DROP TABLE IF EXISTS trial_attrs, trial_values, trial_params, trials, study_attrs, studies CASCADE
	`)
	require.NoError(t, err)
}
