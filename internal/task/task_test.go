package task_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/secret"
	"github.com/quipucords/quipucords/internal/source"
	"github.com/quipucords/quipucords/internal/source/sourcetest"
	"github.com/quipucords/quipucords/internal/store"
	"github.com/quipucords/quipucords/internal/task"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *store.Store
	runner  *task.Runner
	adapter *sourcetest.Adapter
	job     model.ScanJob
	connect model.ScanTask
	inspect model.ScanTask
}

func newFixture(t *testing.T, hosts ...string) *fixture {
	t.Helper()
	ctx := t.Context()
	st, err := store.Open(ctx, store.SQLite, filepath.Join(t.TempDir(), "qpc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	box, err := secret.New("test")
	require.NoError(t, err)
	cred, err := box.SealCredential(model.Credential{Name: "ssh", Type: model.SourceNetwork, Username: "root", Password: "s3cret"})
	require.NoError(t, err)
	cred, err = st.CreateCredential(ctx, cred)
	require.NoError(t, err)
	src, err := st.CreateSource(ctx, model.Source{Name: "lab", Type: model.SourceNetwork, Hosts: hosts, CredentialIDs: []int64{cred.ID}})
	require.NoError(t, err)
	scan, err := st.CreateScan(ctx, model.Scan{Name: "scan", SourceIDs: []int64{src.ID}})
	require.NoError(t, err)
	job, err := st.CreateJob(ctx, scan.ID)
	require.NoError(t, err)
	tasks, err := st.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	adapter := sourcetest.New()
	reg := source.NewRegistry().Register(model.SourceNetwork, adapter)
	return &fixture{
		store:   st,
		runner:  task.NewRunner(st, reg, box, "1.0.0"),
		adapter: adapter,
		job:     job,
		connect: tasks[0],
		inspect: tasks[1],
	}
}

func (f *fixture) task(t *testing.T, id int64) model.ScanTask {
	t.Helper()
	got, err := f.store.GetTask(t.Context(), id)
	require.NoError(t, err)
	return got
}

func hostRange(n int) []string {
	ret := make([]string, n)
	for i := range n {
		ret[i] = fmt.Sprintf("10.0.%d.%d", i/250, i%250+1)
	}
	return ret
}

func TestRun_Connect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "10.0.0.1", "10.0.0.2", "10.0.0.3")
	f.adapter.Unreachable = map[string]bool{"10.0.0.3": true}

	out := f.runner.Run(t.Context(), f.connect.ID)
	require.Equal(t, task.Completed, out.Kind)
	require.Equal(t, "2 of 3 systems scanned, 0 failed, 1 unreachable", out.Message)

	got := f.task(t, f.connect.ID)
	require.Equal(t, model.StatusCompleted, got.Status)
	require.Equal(t, 3, got.SystemsCount)
	require.Equal(t, 2, got.SystemsScanned)
	require.Equal(t, 1, got.SystemsUnreachable)
	require.NotNil(t, got.StartTime)
	require.NotNil(t, got.EndTime)

	reachable, err := f.store.ReachableHosts(t.Context(), f.job.ID, f.connect.SourceID)
	require.NoError(t, err)
	require.Len(t, reachable, 2)

	// a finished task is not run again
	again := f.runner.Run(t.Context(), f.connect.ID)
	require.Equal(t, out, again)
	connects, _ := f.adapter.Calls()
	require.Equal(t, 1, connects)
}

func TestRun_ConnectPlaintextCredentials(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "10.0.0.1")
	var got model.Credential
	f.adapter.ConnectFunc = func(_ context.Context, req source.ConnectRequest, emit func(model.ConnectResult) error) error {
		got, _ = req.Credential(0)
		return emit(model.ConnectResult{Name: "10.0.0.1", Status: model.HostSuccess, CredentialID: got.ID})
	}
	out := f.runner.Run(t.Context(), f.connect.ID)
	require.Equal(t, task.Completed, out.Kind)
	require.Equal(t, "s3cret", got.Password)
}

func TestRun_Inspect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "10.0.0.1", "10.0.0.2")
	f.adapter.Facts = map[string]model.Facts{
		"10.0.0.1": {"etc_release_name": "Red Hat Enterprise Linux", "uname_hostname": "web1"},
		"10.0.0.2": {"etc_release_name": "Fedora", "uname_hostname": "web2"},
	}
	require.Equal(t, task.Completed, f.runner.Run(t.Context(), f.connect.ID).Kind)

	out := f.runner.Run(t.Context(), f.inspect.ID)
	require.Equal(t, task.Completed, out.Kind)
	require.Equal(t, "2 of 2 systems scanned, 0 failed, 0 unreachable", out.Message)

	groups, err := f.store.InspectGroups(t.Context(), f.job.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "1.0.0", groups[0].ServerVersion)
	require.Equal(t, model.SourceNetwork, groups[0].SourceType)
	require.Len(t, groups[0].Results, 2)
	names := []string{groups[0].Results[0].Name, groups[0].Results[1].Name}
	require.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, names)
	for _, r := range groups[0].Results {
		require.Equal(t, f.adapter.Facts[r.Name]["uname_hostname"], r.Facts["uname_hostname"])
	}
}

func TestRun_Failures(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		scenario string
		inspect  func(ctx context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error
		message  string
	}{
		{
			scenario: "every system failed",
			inspect: func(_ context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error {
				for _, h := range req.Hosts {
					if err := emit(source.HostFacts{Name: h.Name, Status: model.HostFailed, Err: errors.New("permission denied")}); err != nil {
						return err
					}
				}
				return nil
			},
			message: "every system failed: 0 of 2 systems scanned, 2 failed, 0 unreachable",
		},
		{
			scenario: "source unusable",
			inspect: func(context.Context, source.InspectRequest, func(source.HostFacts) error) error {
				return source.Failure("authentication failed", errors.New("401 Unauthorized"))
			},
			message: "authentication failed: 401 Unauthorized",
		},
		{
			scenario: "adapter panics",
			inspect: func(context.Context, source.InspectRequest, func(source.HostFacts) error) error {
				panic("boom")
			},
			message: "internal error: boom",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "10.0.0.1", "10.0.0.2")
			require.Equal(t, task.Completed, f.runner.Run(t.Context(), f.connect.ID).Kind)
			f.adapter.InspectFunc = tc.inspect

			out := f.runner.Run(t.Context(), f.inspect.ID)
			require.Equal(t, task.Failed, out.Kind)
			require.Equal(t, tc.message, out.Message)
			got := f.task(t, f.inspect.ID)
			require.Equal(t, model.StatusFailed, got.Status)
			require.Equal(t, tc.message, got.StatusMessage)
		})
	}
}

func TestRun_Interrupted(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		scenario string
		cause    error
		kind     task.Kind
		status   model.Status
	}{
		{scenario: "canceled", cause: model.ErrScanCanceled, kind: task.Canceled, status: model.StatusCanceled},
		{scenario: "paused", cause: model.ErrScanPaused, kind: task.Paused, status: model.StatusPaused},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, hostRange(100)...)
			require.Equal(t, task.Completed, f.runner.Run(t.Context(), f.connect.ID).Kind)

			ctx, cancel := context.WithCancelCause(t.Context())
			defer cancel(nil)
			f.adapter.InspectFunc = func(ctx context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error {
				for i, h := range req.Hosts {
					if i == 20 {
						cancel(tc.cause)
					}
					if ctx.Err() != nil {
						return context.Cause(ctx)
					}
					if err := emit(source.HostFacts{Name: h.Name, Status: model.HostSuccess, Facts: model.Facts{"n": i}}); err != nil {
						return err
					}
				}
				return nil
			}

			out := f.runner.Run(ctx, f.inspect.ID)
			require.Equal(t, tc.kind, out.Kind)
			got := f.task(t, f.inspect.ID)
			require.Equal(t, tc.status, got.Status)
			require.Equal(t, 20, got.SystemsScanned)
			require.Equal(t, 100, got.SystemsCount)
		})
	}
}

func TestRun_CanceledResultsVisible(t *testing.T) {
	t.Parallel()
	f := newFixture(t, hostRange(100)...)
	require.Equal(t, task.Completed, f.runner.Run(t.Context(), f.connect.ID).Kind)

	ctx, cancel := context.WithCancelCause(t.Context())
	defer cancel(nil)
	f.adapter.InspectFunc = func(ctx context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error {
		for _, h := range req.Hosts[:20] {
			if err := emit(source.HostFacts{Name: h.Name, Status: model.HostSuccess, Facts: model.Facts{}}); err != nil {
				return err
			}
		}
		cancel(model.ErrScanCanceled)
		return context.Cause(ctx)
	}
	require.Equal(t, task.Canceled, f.runner.Run(ctx, f.inspect.ID).Kind)

	groups, err := f.store.InspectGroups(t.Context(), f.job.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Results, 20)
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "10.0.0.1")
	f.runner.WithTimeout(50 * time.Millisecond)
	f.adapter.ConnectFunc = func(ctx context.Context, _ source.ConnectRequest, _ func(model.ConnectResult) error) error {
		<-ctx.Done()
		return context.Cause(ctx)
	}

	out := f.runner.Run(t.Context(), f.connect.ID)
	require.Equal(t, task.Outcome{Kind: task.Failed, Message: "timeout"}, out)
	require.Equal(t, model.StatusFailed, f.task(t, f.connect.ID).Status)
}

func TestRun_NoPartialResults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "10.0.0.1", "10.0.0.2")
	require.Equal(t, task.Completed, f.runner.Run(t.Context(), f.connect.ID).Kind)
	f.adapter.Partial = false
	f.adapter.InspectFunc = func(_ context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error {
		if err := emit(source.HostFacts{Name: req.Hosts[0].Name, Status: model.HostSuccess, Facts: model.Facts{"a": 1}}); err != nil {
			return err
		}
		return errors.New("stream reset")
	}

	out := f.runner.Run(t.Context(), f.inspect.ID)
	require.Equal(t, task.Failed, out.Kind)
	require.Equal(t, "stream reset", out.Message)

	groups, err := f.store.InspectGroups(t.Context(), f.job.ID)
	require.NoError(t, err)
	for _, g := range groups {
		require.Empty(t, g.Results)
	}
	require.Zero(t, f.task(t, f.inspect.ID).SystemsScanned)
}

func TestRun_AlreadyInterrupted(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		scenario string
		cause    error
		kind     task.Kind
		status   model.Status
	}{
		{scenario: "canceled before start", cause: model.ErrScanCanceled, kind: task.Canceled, status: model.StatusCanceled},
		{scenario: "paused before start", cause: model.ErrScanPaused, kind: task.Paused, status: model.StatusPending},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "10.0.0.1")
			ctx, cancel := context.WithCancelCause(t.Context())
			cancel(tc.cause)

			out := f.runner.Run(ctx, f.connect.ID)
			require.Equal(t, tc.kind, out.Kind)
			require.Equal(t, tc.status, f.task(t, f.connect.ID).Status)
			connects, _ := f.adapter.Calls()
			require.Zero(t, connects)
		})
	}
}
