package manager_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quipucords/quipucords/internal/manager"
	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeRunner moves a job to running and holds it until release is closed
// or the job is interrupted.
type fakeRunner struct {
	store   *store.Store
	started chan int64
	release chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, id int64) (model.Status, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status.IsTerminal() || job.Status == model.StatusPaused {
		return job.Status, nil
	}
	if _, err := r.store.TransitionJob(ctx, id, model.StatusRunning, ""); err != nil {
		return "", err
	}
	r.started <- id

	pctx := context.WithoutCancel(ctx)
	select {
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), model.ErrScanPaused) {
			_, err := r.store.TransitionJob(pctx, id, model.StatusPaused, "")
			return model.StatusPaused, err
		}
		_, err := r.store.InterruptJob(pctx, id, model.StatusCanceled, "")
		return model.StatusCanceled, err
	case <-r.release:
		_, err := r.store.TransitionJob(pctx, id, model.StatusCompleted, "")
		return model.StatusCompleted, err
	}
}

// verifyNoLeaks checks for goroutines left behind once the cleanups of
// the test, registered after this call, have run.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	opt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, opt) })
}

type fixture struct {
	store   *store.Store
	runner  *fakeRunner
	manager *manager.Manager
	scan    model.Scan
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	ctx := t.Context()
	st, err := store.Open(ctx, store.SQLite, filepath.Join(t.TempDir(), "qpc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cred, err := st.CreateCredential(ctx, model.Credential{Name: "ssh", Type: model.SourceNetwork, Username: "root", Password: "sealed"})
	require.NoError(t, err)
	src, err := st.CreateSource(ctx, model.Source{Name: "lab", Type: model.SourceNetwork, Hosts: []string{"10.0.0.1"}, CredentialIDs: []int64{cred.ID}})
	require.NoError(t, err)
	scan, err := st.CreateScan(ctx, model.Scan{Name: "nightly", SourceIDs: []int64{src.ID}})
	require.NoError(t, err)

	runner := &fakeRunner{store: st, started: make(chan int64, 16), release: make(chan struct{})}
	return &fixture{
		store:   st,
		runner:  runner,
		manager: manager.New(st, runner, manager.NewMemoryQueue()).WithWorkers(workers),
		scan:    scan,
	}
}

func (f *fixture) newJob(t *testing.T) int64 {
	t.Helper()
	job, err := f.store.CreateJob(t.Context(), f.scan.ID)
	require.NoError(t, err)
	return job.ID
}

func (f *fixture) status(t *testing.T, id int64) model.Status {
	t.Helper()
	job, err := f.store.GetJob(t.Context(), id)
	require.NoError(t, err)
	return job.Status
}

func (f *fixture) eventually(t *testing.T, id int64, want model.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.status(t, id) == want
	}, 5*time.Second, 10*time.Millisecond, "job %d never became %s", id, want)
}

func (f *fixture) waitStarted(t *testing.T, want int64) {
	t.Helper()
	select {
	case id := <-f.runner.started:
		require.Equal(t, want, id)
	case <-time.After(5 * time.Second):
		t.Fatalf("job %d not started", want)
	}
}

func (f *fixture) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.Context()), 5*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Shutdown(ctx))
}

func TestWithWorkers(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    int
		then     int
	}{
		{scenario: "one", given: 1, then: 1},
		{scenario: "capped", given: 100000, then: manager.MaxWorkers()},
		{scenario: "zero keeps default", given: 0, then: manager.MaxWorkers()},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			m := manager.New(nil, nil, manager.NewMemoryQueue()).WithWorkers(tc.given)
			require.Equal(t, tc.then, m.Workers())
		})
	}
}

func TestManager_RunsQueuedJobs(t *testing.T) {
	verifyNoLeaks(t)
	f := newFixture(t, 2)
	close(f.runner.release)
	ctx := t.Context()

	ids := []int64{f.newJob(t), f.newJob(t), f.newJob(t)}
	for _, id := range ids {
		require.NoError(t, f.manager.Enqueue(ctx, id))
		require.Equal(t, model.StatusPending, f.status(t, id))
	}
	// idempotent
	require.NoError(t, f.manager.Enqueue(ctx, ids[0]))

	f.manager.Start(ctx)
	for _, id := range ids {
		f.eventually(t, id, model.StatusCompleted)
	}
	f.shutdown(t)
	require.Len(t, f.runner.started, 3)

	err := f.manager.Enqueue(ctx, ids[0])
	require.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestManager_BoundedWorkers(t *testing.T) {
	verifyNoLeaks(t)
	f := newFixture(t, 2)
	ctx := t.Context()
	ids := []int64{f.newJob(t), f.newJob(t), f.newJob(t)}
	for _, id := range ids {
		require.NoError(t, f.manager.Enqueue(ctx, id))
	}

	f.manager.Start(ctx)
	f.waitStarted(t, ids[0])
	f.waitStarted(t, ids[1])
	require.Never(t, func() bool { return len(f.runner.started) > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	require.True(t, f.manager.Running(ids[0]))
	require.False(t, f.manager.Running(ids[2]))

	// in-flight jobs end canceled, queued ones stay pending
	f.shutdown(t)
	require.Equal(t, model.StatusCanceled, f.status(t, ids[0]))
	require.Equal(t, model.StatusCanceled, f.status(t, ids[1]))
	require.Equal(t, model.StatusPending, f.status(t, ids[2]))
}

func TestManager_CancelPauseResume(t *testing.T) {
	verifyNoLeaks(t)
	f := newFixture(t, 1)
	ctx := t.Context()
	f.manager.Start(ctx)

	running := f.newJob(t)
	require.NoError(t, f.manager.Enqueue(ctx, running))
	f.waitStarted(t, running)

	queued, other := f.newJob(t), f.newJob(t)
	require.NoError(t, f.manager.Enqueue(ctx, queued))
	require.NoError(t, f.manager.Enqueue(ctx, other))

	require.NoError(t, f.manager.Cancel(ctx, queued))
	require.Equal(t, model.StatusCanceled, f.status(t, queued))
	require.ErrorIs(t, f.manager.Pause(ctx, other), model.ErrInvalidTransition)
	require.NoError(t, f.manager.Cancel(ctx, other))

	require.NoError(t, f.manager.Pause(ctx, running))
	f.eventually(t, running, model.StatusPaused)
	require.Eventually(t, func() bool { return !f.manager.Running(running) }, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, f.manager.Enqueue(ctx, running), model.ErrInvalidTransition)

	require.NoError(t, f.manager.Resume(ctx, running))
	f.waitStarted(t, running)
	close(f.runner.release)
	f.eventually(t, running, model.StatusCompleted)

	// canceled and completed jobs are final
	require.ErrorIs(t, f.manager.Cancel(ctx, running), model.ErrInvalidTransition)
	require.ErrorIs(t, f.manager.Resume(ctx, queued), model.ErrInvalidTransition)
	f.shutdown(t)
}

func TestManager_CancelRunning(t *testing.T) {
	verifyNoLeaks(t)
	f := newFixture(t, 1)
	ctx := t.Context()
	f.manager.Start(ctx)

	id := f.newJob(t)
	require.NoError(t, f.manager.Enqueue(ctx, id))
	f.waitStarted(t, id)
	require.NoError(t, f.manager.Cancel(ctx, id))
	f.eventually(t, id, model.StatusCanceled)
	f.shutdown(t)
}

func TestManager_Recover(t *testing.T) {
	verifyNoLeaks(t)
	f := newFixture(t, 2)
	ctx := t.Context()

	// left running and pending by a process which is gone
	crashed, pending, created := f.newJob(t), f.newJob(t), f.newJob(t)
	for _, to := range []model.Status{model.StatusPending, model.StatusRunning} {
		_, err := f.store.TransitionJob(ctx, crashed, to, "")
		require.NoError(t, err)
	}
	_, err := f.store.TransitionJob(ctx, pending, model.StatusPending, "")
	require.NoError(t, err)

	require.NoError(t, f.manager.Recover(ctx))
	require.Equal(t, model.StatusPending, f.status(t, crashed))

	close(f.runner.release)
	f.manager.Start(ctx)
	f.eventually(t, crashed, model.StatusCompleted)
	f.eventually(t, pending, model.StatusCompleted)
	f.shutdown(t)
	require.Equal(t, model.StatusCreated, f.status(t, created))
}

func TestManager_Trigger(t *testing.T) {
	verifyNoLeaks(t)
	f := newFixture(t, 1)
	ctx := t.Context()
	close(f.runner.release)
	f.manager.Start(ctx)

	job, err := f.manager.Trigger(ctx, "nightly")
	require.NoError(t, err)
	f.eventually(t, job.ID, model.StatusCompleted)

	_, err = f.manager.Trigger(ctx, "weekly")
	require.ErrorIs(t, err, model.ErrNotFound)
	f.shutdown(t)
}
