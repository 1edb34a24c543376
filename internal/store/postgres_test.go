package store_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/store"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := t.Context()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "qpc",
				"POSTGRES_PASSWORD": "qpc",
				"POSTGRES_DB":       "qpc",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://qpc:qpc@%s:%s/qpc?sslmode=disable", host, port.Port())
	s, err := store.Open(ctx, store.Postgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, scan := seed(t, s, "10.0.0.1")
	job, err := s.CreateJob(ctx, scan.ID)
	require.NoError(t, err)
	job, err = s.TransitionJob(ctx, job.ID, model.StatusPending, "")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, job.Status)

	tasks, err := s.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}
