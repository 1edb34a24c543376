// Package task runs one scan task: the connect or inspect phase of a single
// source within a scan job.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/quipucords/quipucords/internal/log"
	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/observability"
	"github.com/quipucords/quipucords/internal/secret"
	"github.com/quipucords/quipucords/internal/source"
	"github.com/quipucords/quipucords/internal/store"
)

// DefaultTimeout bounds a single task run.
const DefaultTimeout = 6 * time.Hour

// Kind is the terminal verdict of a task run.
type Kind string

const (
	Completed Kind = "completed"
	Failed    Kind = "failed"
	Canceled  Kind = "canceled"
	Paused    Kind = "paused"
)

func (k Kind) Status() model.Status {
	return model.Status(k)
}

// Outcome is the result of Runner.Run.
type Outcome struct {
	Kind    Kind
	Message string
}

func (o Outcome) String() string {
	if o.Message == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + ": " + o.Message
}

// Store is the persistence the runner needs, implemented by *store.Store.
type Store interface {
	GetTask(ctx context.Context, id int64) (model.ScanTask, error)
	GetJob(ctx context.Context, id int64) (model.ScanJob, error)
	GetSource(ctx context.Context, id int64) (model.Source, error)
	CredentialsByIDs(ctx context.Context, ids []int64) ([]model.Credential, error)
	ServerID(ctx context.Context) (string, error)
	TransitionTask(ctx context.Context, id int64, to model.Status, message string) (model.ScanTask, error)
	SetTaskCounts(ctx context.Context, taskID int64, count int) error
	ExpectSystems(ctx context.Context, taskID int64, count int) error
	RecordConnectResult(ctx context.Context, task model.ScanTask, r model.ConnectResult) error
	ReachableHosts(ctx context.Context, jobID, sourceID int64) ([]model.ConnectResult, error)
	SaveInspectResults(ctx context.Context, task model.ScanTask, key store.GroupKey, results ...model.InspectResult) ([]int64, error)
	ResetTaskResults(ctx context.Context, taskID int64) error
}

// Runner executes scan tasks. It is safe for concurrent use.
type Runner struct {
	store    Store
	adapters *source.Registry
	box      secret.Box
	version  string
	timeout  time.Duration
}

func NewRunner(st Store, adapters *source.Registry, box secret.Box, version string) *Runner {
	return &Runner{
		store:    st,
		adapters: adapters,
		box:      box,
		version:  version,
		timeout:  DefaultTimeout,
	}
}

// WithTimeout sets the task deadline, 0 disables it.
func (r *Runner) WithTimeout(d time.Duration) *Runner {
	r.timeout = d
	return r
}

// Run executes the pending task id and records its terminal status. The
// cancel cause of ctx selects the outcome of an interrupted run:
// model.ErrScanPaused pauses the task, a deadline fails it with "timeout",
// anything else cancels it.
func (r *Runner) Run(ctx context.Context, id int64) Outcome {
	// a job interrupted before this task started still reads it
	t, err := r.store.GetTask(context.WithoutCancel(ctx), id)
	if err != nil {
		return r.internal(ctx, fmt.Errorf("loading task %d: %w", id, err))
	}
	ctx = log.ContextAttrs(ctx,
		slog.Int64("job_id", t.JobID),
		slog.Int64("task_id", t.ID),
		slog.String("phase", string(t.Phase)),
	)
	switch t.Status {
	case model.StatusCompleted:
		return Outcome{Kind: Completed, Message: t.StatusMessage}
	case model.StatusCanceled, model.StatusFailed:
		return Outcome{Kind: Kind(t.Status), Message: t.StatusMessage}
	}
	if ctx.Err() != nil {
		out := interrupted(ctx)
		if out.Kind == Paused {
			// not started, the task stays pending and runs on resume
			return out
		}
		return r.finish(ctx, t, "", out)
	}
	if t, err = r.store.TransitionTask(ctx, t.ID, model.StatusRunning, ""); err != nil {
		if ctx.Err() == nil {
			return r.internal(ctx, err)
		}
		out := interrupted(ctx)
		if out.Kind == Paused {
			return out
		}
		return r.finish(ctx, t, "", out)
	}

	src, err := r.store.GetSource(ctx, t.SourceID)
	if err != nil {
		if ctx.Err() != nil {
			return r.finish(ctx, t, "", interrupted(ctx))
		}
		return r.finish(ctx, t, "", r.internal(ctx, err))
	}
	ctx = log.ContextAttrs(ctx, slog.String("source", src.Name))
	slog.InfoContext(ctx, "task started")

	out := r.run(ctx, t, src)
	return r.finish(ctx, t, src.Type, out)
}

func (r *Runner) run(ctx context.Context, t model.ScanTask, src model.Source) (out Outcome) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.timeout, model.ErrScanTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "task panicked", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			out = Outcome{Kind: Failed, Message: fmt.Sprintf("internal error: %v", p)}
		}
	}()

	job, err := r.store.GetJob(ctx, t.JobID)
	if err != nil {
		return r.internal(ctx, err)
	}
	adapter, err := r.adapters.Adapter(src.Type)
	if err != nil {
		return r.internal(ctx, err)
	}
	creds, err := r.credentials(ctx, src)
	if err != nil {
		return r.internal(ctx, err)
	}

	switch t.Phase {
	case model.PhaseConnect:
		err = r.connect(ctx, t, src, creds, job.Options, adapter)
	case model.PhaseInspect:
		err = r.inspect(ctx, t, src, creds, job.Options, adapter)
	default:
		err = fmt.Errorf("unknown phase %q", t.Phase)
	}
	return r.outcome(ctx, t, err)
}

// credentials loads the credentials of src in source order, in plaintext.
func (r *Runner) credentials(ctx context.Context, src model.Source) ([]model.Credential, error) {
	sealed, err := r.store.CredentialsByIDs(ctx, src.CredentialIDs)
	if err != nil {
		return nil, err
	}
	ret := make([]model.Credential, 0, len(sealed))
	for _, c := range sealed {
		plain, err := r.box.OpenCredential(c)
		if err != nil {
			return nil, err
		}
		ret = append(ret, plain)
	}
	return ret, nil
}

// outcome classifies the error returned by a phase.
func (r *Runner) outcome(ctx context.Context, t model.ScanTask, err error) Outcome {
	if ctx.Err() != nil {
		return interrupted(ctx)
	}
	if err != nil {
		var sf *source.ScanFailureError
		if errors.As(err, &sf) {
			return Outcome{Kind: Failed, Message: err.Error()}
		}
		return r.internal(ctx, err)
	}

	// counters are read back from the store, they are the reference
	done, err := r.store.GetTask(context.WithoutCancel(ctx), t.ID)
	if err != nil {
		return r.internal(ctx, err)
	}
	msg := fmt.Sprintf("%d of %d systems scanned, %d failed, %d unreachable",
		done.SystemsScanned, done.SystemsCount, done.SystemsFailed, done.SystemsUnreachable)
	if done.SystemsCount > 0 && done.SystemsFailed == done.SystemsCount {
		return Outcome{Kind: Failed, Message: "every system failed: " + msg}
	}
	return Outcome{Kind: Completed, Message: msg}
}

// interrupted maps the cancel cause of ctx to an outcome.
func interrupted(ctx context.Context) Outcome {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, model.ErrScanPaused):
		return Outcome{Kind: Paused}
	case errors.Is(cause, model.ErrScanTimeout):
		return Outcome{Kind: Failed, Message: model.ErrScanTimeout.Error()}
	default:
		return Outcome{Kind: Canceled}
	}
}

func (r *Runner) internal(ctx context.Context, err error) Outcome {
	slog.ErrorContext(ctx, "task failed", slog.String("error", err.Error()))
	return Outcome{Kind: Failed, Message: err.Error()}
}

// finish persists the outcome. The task may already carry it when a whole
// job was interrupted through the store.
func (r *Runner) finish(ctx context.Context, t model.ScanTask, typ model.SourceType, out Outcome) Outcome {
	pctx := context.WithoutCancel(ctx)
	if _, err := r.store.TransitionTask(pctx, t.ID, out.Kind.Status(), out.Message); err != nil {
		if !errors.Is(err, model.ErrInvalidTransition) {
			slog.ErrorContext(ctx, "recording task status", slog.String("status", string(out.Kind)), slog.String("error", err.Error()))
			return Outcome{Kind: Failed, Message: err.Error()}
		}
	}
	observability.TasksFinished.WithLabelValues(string(typ), string(t.Phase), string(out.Kind)).Inc()

	attrs := []any{slog.String("status", string(out.Kind))}
	if out.Message != "" {
		attrs = append(attrs, slog.String("message", out.Message))
	}
	switch out.Kind {
	case Failed:
		slog.WarnContext(ctx, "task finished", attrs...)
	default:
		slog.InfoContext(ctx, "task finished", attrs...)
	}
	return out
}
