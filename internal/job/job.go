// Package job drives a scan job through its tasks: connect then inspect per
// source, sources in parallel, and finalizes it with the fingerprints and
// the report.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quipucords/quipucords/internal/fingerprint"
	"github.com/quipucords/quipucords/internal/log"
	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/observability"
	"github.com/quipucords/quipucords/internal/store"
	"github.com/quipucords/quipucords/internal/task"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSourceParallelism bounds the sources of one job scanned at once.
	DefaultSourceParallelism = 4
	// DefaultTimeout bounds a job run.
	DefaultTimeout = 24 * time.Hour
)

// TaskRunner runs one task, implemented by *task.Runner.
type TaskRunner interface {
	Run(ctx context.Context, id int64) task.Outcome
}

// Store is the persistence the runner needs, implemented by *store.Store.
type Store interface {
	GetJob(ctx context.Context, id int64) (model.ScanJob, error)
	GetTask(ctx context.Context, id int64) (model.ScanTask, error)
	ListTasks(ctx context.Context, jobID int64) ([]model.ScanTask, error)
	GetSource(ctx context.Context, id int64) (model.Source, error)
	TransitionJob(ctx context.Context, id int64, to model.Status, message string) (model.ScanJob, error)
	TransitionTask(ctx context.Context, id int64, to model.Status, message string) (model.ScanTask, error)
	InterruptJob(ctx context.Context, id int64, to model.Status, message string) (model.ScanJob, error)
	SetTaskCounts(ctx context.Context, taskID int64, count int) error
	InspectGroups(ctx context.Context, jobID int64) ([]model.InspectGroup, error)
	CreateReport(ctx context.Context, jobID int64, version string, fingerprints []store.FingerprintRow, finalStatus model.Status, message string) (model.Report, error)
}

// TaskOutcome is the outcome of one task of a job run.
type TaskOutcome struct {
	Task       model.ScanTask
	SourceName string
	task.Outcome
}

// Runner executes scan jobs. It is safe for concurrent use.
type Runner struct {
	store       Store
	tasks       TaskRunner
	version     string
	parallelism int
	timeout     time.Duration
}

func NewRunner(st Store, tasks TaskRunner, version string) *Runner {
	return &Runner{
		store:       st,
		tasks:       tasks,
		version:     version,
		parallelism: DefaultSourceParallelism,
		timeout:     DefaultTimeout,
	}
}

// WithTimeout sets the job deadline, 0 disables it.
func (r *Runner) WithTimeout(d time.Duration) *Runner {
	r.timeout = d
	return r
}

// WithSourceParallelism sets how many sources are scanned at once.
func (r *Runner) WithSourceParallelism(n int) *Runner {
	if n > 0 {
		r.parallelism = n
	}
	return r
}

// Run executes the pending job id until it reaches a terminal or the paused
// status, which is returned. Cancel ctx with model.ErrScanPaused to pause
// the job and with any other cause to cancel it.
func (r *Runner) Run(ctx context.Context, id int64) (model.Status, error) {
	ctx = log.ContextAttrs(ctx, slog.Int64("job_id", id))
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status.IsTerminal() || job.Status == model.StatusPaused {
		return job.Status, nil
	}
	if job.Status == model.StatusCreated {
		if job, err = r.store.TransitionJob(ctx, id, model.StatusPending, ""); err != nil {
			return "", err
		}
	}
	if ctx.Err() != nil {
		return r.interrupt(ctx, job)
	}
	if job.Status != model.StatusRunning {
		if job, err = r.store.TransitionJob(ctx, id, model.StatusRunning, ""); err != nil {
			return "", err
		}
	}
	slog.InfoContext(ctx, "job started")

	outcomes, err := r.runTasks(ctx, id)
	if err != nil {
		return r.fail(ctx, job, fmt.Errorf("running tasks: %w", err))
	}
	status, message := DeriveStatus(outcomes)
	return r.finish(ctx, job, status, message)
}

// runTasks runs the tasks of every source, at most parallelism sources at
// once. A canceled or paused task interrupts its siblings.
func (r *Runner) runTasks(ctx context.Context, jobID int64) ([]TaskOutcome, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.timeout, model.ErrScanTimeout)
		defer cancel()
	}
	ctx, interrupt := context.WithCancelCause(ctx)
	defer interrupt(nil)

	tasks, err := r.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	sources := bySource(tasks)

	results := make([][]TaskOutcome, len(sources))
	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for i, st := range sources {
		g.Go(func() error {
			var err error
			results[i], err = r.runSource(ctx, interrupt, st)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var ret []TaskOutcome
	for _, rs := range results {
		ret = append(ret, rs...)
	}
	return ret, nil
}

type sourceTasks struct {
	sourceID int64
	connect  *model.ScanTask
	inspect  *model.ScanTask
}

// bySource pairs the tasks of each source, in sequence order.
func bySource(tasks []model.ScanTask) []sourceTasks {
	var ret []sourceTasks
	idx := map[int64]int{}
	for i := range tasks {
		t := &tasks[i]
		j, ok := idx[t.SourceID]
		if !ok {
			j = len(ret)
			idx[t.SourceID] = j
			ret = append(ret, sourceTasks{sourceID: t.SourceID})
		}
		switch t.Phase {
		case model.PhaseConnect:
			ret[j].connect = t
		case model.PhaseInspect:
			ret[j].inspect = t
		}
	}
	return ret
}

// runSource runs the connect task of a source and then, only when it
// reached some systems, the inspect task.
func (r *Runner) runSource(ctx context.Context, interrupt context.CancelCauseFunc, st sourceTasks) ([]TaskOutcome, error) {
	// a missing source fails its tasks in the task runner
	src, err := r.store.GetSource(context.WithoutCancel(ctx), st.sourceID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	ctx = log.ContextAttrs(ctx, slog.String("source", src.Name))

	var ret []TaskOutcome
	run := func(t *model.ScanTask) task.Outcome {
		out := r.tasks.Run(ctx, t.ID)
		if out.Kind == task.Failed && ctx.Err() != nil {
			// an error caused by the interrupt is not a failure of the source
			if in := interrupted(ctx); in.Kind != task.Failed {
				out = in
			}
		}
		ret = append(ret, TaskOutcome{Task: *t, SourceName: src.Name, Outcome: out})
		switch out.Kind {
		case task.Canceled:
			interrupt(model.ErrScanCanceled)
		case task.Paused:
			interrupt(model.ErrScanPaused)
		}
		return out
	}

	if st.connect == nil {
		return nil, fmt.Errorf("source %d has no connect task", st.sourceID)
	}
	out := run(st.connect)
	if st.inspect == nil {
		return ret, nil
	}
	switch out.Kind {
	case task.Completed:
		done, err := r.store.GetTask(context.WithoutCancel(ctx), st.connect.ID)
		if err != nil {
			return nil, err
		}
		if done.SystemsScanned > 0 {
			run(st.inspect)
			return ret, nil
		}
		skip := task.Outcome{Kind: task.Completed, Message: "no system reached by the connect task"}
		ret = append(ret, r.skip(ctx, st.inspect, src.Name, skip))
	case task.Failed:
		skip := task.Outcome{Kind: task.Failed, Message: "connect task failed"}
		ret = append(ret, r.skip(ctx, st.inspect, src.Name, skip))
	case task.Canceled:
		ret = append(ret, r.skip(ctx, st.inspect, src.Name, task.Outcome{Kind: task.Canceled}))
	case task.Paused:
		// the inspect task stays pending and runs on resume
		ret = append(ret, TaskOutcome{Task: *st.inspect, SourceName: src.Name, Outcome: out})
	}
	return ret, nil
}

// skip records the outcome of a task which is not run. A completed skip
// still goes through running so its counters and timestamps are set.
func (r *Runner) skip(ctx context.Context, t *model.ScanTask, sourceName string, out task.Outcome) TaskOutcome {
	pctx := context.WithoutCancel(ctx)
	ret := TaskOutcome{Task: *t, SourceName: sourceName, Outcome: out}
	var steps []model.Status
	switch out.Kind {
	case task.Completed:
		if err := r.store.SetTaskCounts(pctx, t.ID, 0); err != nil {
			slog.ErrorContext(ctx, "resetting skipped task", slog.Int64("task_id", t.ID), slog.String("error", err.Error()))
		}
		steps = []model.Status{model.StatusRunning, model.StatusCompleted}
	case task.Paused:
		return ret
	default:
		steps = []model.Status{out.Kind.Status()}
	}
	for _, to := range steps {
		if _, err := r.store.TransitionTask(pctx, t.ID, to, out.Message); err != nil {
			if !errors.Is(err, model.ErrInvalidTransition) {
				slog.ErrorContext(ctx, "skipping task", slog.Int64("task_id", t.ID), slog.String("error", err.Error()))
			}
			break
		}
	}
	return ret
}

// interrupted maps the cancel cause of ctx to the outcome of tasks which
// were not started.
func interrupted(ctx context.Context) task.Outcome {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, model.ErrScanPaused):
		return task.Outcome{Kind: task.Paused}
	case errors.Is(cause, model.ErrScanTimeout):
		return task.Outcome{Kind: task.Failed, Message: model.ErrScanTimeout.Error()}
	default:
		return task.Outcome{Kind: task.Canceled}
	}
}

// DeriveStatus computes the job status from the outcomes of its tasks:
// canceled wins, then paused, then failed with the first failure as
// message. A job is completed when every task completed.
func DeriveStatus(outcomes []TaskOutcome) (model.Status, string) {
	var canceled, paused bool
	var failure *TaskOutcome
	for i, o := range outcomes {
		switch o.Kind {
		case task.Canceled:
			canceled = true
		case task.Paused:
			paused = true
		case task.Failed:
			if failure == nil || o.Task.Sequence < failure.Task.Sequence {
				failure = &outcomes[i]
			}
		}
	}
	switch {
	case canceled:
		return model.StatusCanceled, ""
	case paused:
		return model.StatusPaused, ""
	case failure != nil:
		return model.StatusFailed, fmt.Sprintf("%s task of source %q failed: %s",
			failure.Task.Phase, failure.SourceName, failure.Message)
	default:
		return model.StatusCompleted, fmt.Sprintf("%d tasks completed", len(outcomes))
	}
}

// finish persists the derived status. Completed and failed jobs get their
// fingerprints and report; a fingerprint failure fails the job and leaves
// the raw facts for another attempt.
func (r *Runner) finish(ctx context.Context, job model.ScanJob, status model.Status, message string) (model.Status, error) {
	pctx := context.WithoutCancel(ctx)
	switch status {
	case model.StatusCanceled:
		if _, err := r.store.InterruptJob(pctx, job.ID, status, message); err != nil && !errors.Is(err, model.ErrInvalidTransition) {
			return "", err
		}
	case model.StatusPaused:
		if _, err := r.store.TransitionJob(pctx, job.ID, status, message); err != nil && !errors.Is(err, model.ErrInvalidTransition) {
			return "", err
		}
	default:
		rows, err := r.fingerprints(ctx, job.ID)
		if err != nil {
			slog.ErrorContext(ctx, "fingerprinting failed", slog.String("error", err.Error()))
			return r.fail(ctx, job, fmt.Errorf("fingerprinting failed: %w", err))
		}
		if _, err := r.store.CreateReport(pctx, job.ID, r.version, rows, status, message); err != nil {
			return "", fmt.Errorf("creating report of job %d: %w", job.ID, err)
		}
	}
	return r.done(ctx, status, message), nil
}

func (r *Runner) fingerprints(ctx context.Context, jobID int64) ([]store.FingerprintRow, error) {
	start := time.Now()
	defer func() {
		observability.FingerprintDuration.Observe(time.Since(start).Seconds())
	}()
	groups, err := r.store.InspectGroups(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return nil, err
	}
	fps, err := fingerprint.Process(groups)
	if err != nil {
		return nil, err
	}
	rows := make([]store.FingerprintRow, 0, len(fps))
	for _, fp := range fps {
		b, err := json.Marshal(fp)
		if err != nil {
			return nil, err
		}
		rows = append(rows, store.FingerprintRow{Name: fp.Name(), Fingerprint: b})
	}
	slog.DebugContext(ctx, "fingerprints computed", slog.Int("count", len(rows)))
	return rows, nil
}

// fail marks the job failed without a report.
func (r *Runner) fail(ctx context.Context, job model.ScanJob, err error) (model.Status, error) {
	pctx := context.WithoutCancel(ctx)
	if _, terr := r.store.InterruptJob(pctx, job.ID, model.StatusFailed, err.Error()); terr != nil && !errors.Is(terr, model.ErrInvalidTransition) {
		return "", errors.Join(err, terr)
	}
	return r.done(ctx, model.StatusFailed, err.Error()), nil
}

// interrupt ends a job interrupted before it started.
func (r *Runner) interrupt(ctx context.Context, job model.ScanJob) (model.Status, error) {
	out := interrupted(ctx)
	if out.Kind == task.Paused {
		// pending jobs cannot pause, they run on the next attempt
		return job.Status, nil
	}
	if _, err := r.store.InterruptJob(context.WithoutCancel(ctx), job.ID, out.Kind.Status(), out.Message); err != nil {
		return "", err
	}
	return r.done(ctx, out.Kind.Status(), out.Message), nil
}

func (r *Runner) done(ctx context.Context, status model.Status, message string) model.Status {
	observability.JobsFinished.WithLabelValues(string(status)).Inc()
	attrs := []any{slog.String("status", string(status))}
	if message != "" {
		attrs = append(attrs, slog.String("message", message))
	}
	if status == model.StatusFailed {
		slog.WarnContext(ctx, "job finished", attrs...)
	} else {
		slog.InfoContext(ctx, "job finished", attrs...)
	}
	return status
}
