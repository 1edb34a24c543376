package manager_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/quipucords/quipucords/internal/manager"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMemoryQueue(t *testing.T) {
	verifyNoLeaks(t)
	testQueue(t, manager.NewMemoryQueue())
}

func TestRedisQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := t.Context()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	q, err := manager.NewRedisQueue(ctx, fmt.Sprintf("%s:%s", host, port.Port()), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	testQueue(t, q)
}

func testQueue(t *testing.T, q manager.Queue) {
	t.Helper()
	ctx := t.Context()

	for _, id := range []int64{3, 1, 2} {
		added, err := q.Push(ctx, id)
		require.NoError(t, err)
		require.True(t, added)
	}
	added, err := q.Push(ctx, 1)
	require.NoError(t, err)
	require.False(t, added, "push must be idempotent")
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	removed, err := q.Remove(ctx, 1)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = q.Remove(ctx, 1)
	require.NoError(t, err)
	require.False(t, removed)

	for _, want := range []int64{3, 2} {
		id, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, want, id)
	}

	// a popped id may be pushed again
	added, err = q.Push(ctx, 3)
	require.NoError(t, err)
	require.True(t, added)
	id, err := q.Pop(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, id)

	// Pop blocks until a push
	got := make(chan int64, 1)
	go func() {
		id, err := q.Pop(ctx)
		if err == nil {
			got <- id
		}
		close(got)
	}()
	time.Sleep(50 * time.Millisecond)
	_, err = q.Push(ctx, 7)
	require.NoError(t, err)
	select {
	case id := <-got:
		require.EqualValues(t, 7, id)
	case <-time.After(5 * time.Second):
		t.Fatal("pop did not return")
	}

	// and returns the cause once ctx is done
	cause := errors.New("stop")
	cctx, cancel := context.WithCancelCause(ctx)
	cancel(cause)
	_, err = q.Pop(cctx)
	require.ErrorIs(t, err, cause)
}
