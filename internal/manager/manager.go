// Package manager holds the process wide queue of runnable scan jobs and
// the pool of workers which execute them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/quipucords/quipucords/internal/log"
	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/observability"
)

// ErrNotStarted is returned by operations which need the workers running.
var ErrNotStarted = errors.New("manager not started")

// JobRunner executes one job, implemented by *job.Runner.
type JobRunner interface {
	Run(ctx context.Context, id int64) (model.Status, error)
}

// Store is the persistence the manager needs, implemented by *store.Store.
type Store interface {
	GetJob(ctx context.Context, id int64) (model.ScanJob, error)
	TransitionJob(ctx context.Context, id int64, to model.Status, message string) (model.ScanJob, error)
	InterruptJob(ctx context.Context, id int64, to model.Status, message string) (model.ScanJob, error)
	ResumeJob(ctx context.Context, id int64) (model.ScanJob, error)
	JobsByStatus(ctx context.Context, statuses ...model.Status) ([]model.ScanJob, error)
	ScanByName(ctx context.Context, name string) (model.Scan, error)
	CreateJob(ctx context.Context, scanID int64) (model.ScanJob, error)
}

// MaxWorkers is the upper bound of the worker pool.
func MaxWorkers() int {
	return runtime.NumCPU()*2 + 1
}

// Manager runs queued jobs on a bounded pool of workers. Every in-flight
// job has a cancel token, which Cancel, Pause and Shutdown use.
type Manager struct {
	store   Store
	runner  JobRunner
	queue   Queue
	workers int

	mu      sync.Mutex
	running map[int64]context.CancelCauseFunc
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup
}

func New(st Store, runner JobRunner, queue Queue) *Manager {
	return &Manager{
		store:   st,
		runner:  runner,
		queue:   queue,
		workers: MaxWorkers(),
		running: make(map[int64]context.CancelCauseFunc),
	}
}

// WithWorkers sets the size of the pool, capped by MaxWorkers.
func (m *Manager) WithWorkers(n int) *Manager {
	if n > 0 {
		m.workers = min(n, MaxWorkers())
	}
	return m
}

func (m *Manager) Workers() int {
	return m.workers
}

// Start spawns the workers. They stop on Shutdown or when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	ctx, m.stop = context.WithCancelCause(ctx)
	slog.InfoContext(ctx, "starting job manager", "workers", m.workers)
	for i := range m.workers {
		wctx := log.ContextAttrs(ctx, slog.Int("worker", i))
		m.wg.Go(func() { m.work(wctx) })
	}
}

// Shutdown cancels every in-flight job and waits for the workers to exit.
// Queued jobs stay pending in the store and run on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop(model.ErrScanCanceled)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", context.Cause(ctx))
	}
}

func (m *Manager) work(ctx context.Context) {
	for {
		id, err := m.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "popping job from queue", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		m.updateDepth(ctx)
		m.run(ctx, id)
	}
}

func (m *Manager) run(ctx context.Context, id int64) {
	jctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	m.mu.Lock()
	m.running[id] = cancel
	m.mu.Unlock()
	observability.JobsRunning.Inc()
	defer func() {
		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()
		observability.JobsRunning.Dec()
	}()

	jctx = log.ContextAttrs(jctx, slog.Int64("job_id", id))
	status, err := m.runner.Run(jctx, id)
	if err != nil {
		slog.ErrorContext(jctx, "job run failed", "error", err)
		return
	}
	slog.DebugContext(jctx, "job released", "status", status)
}

// Enqueue moves a created job to pending and queues it. Enqueueing a job
// which is already queued or running does nothing.
func (m *Manager) Enqueue(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[id]; ok {
		return nil
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case model.StatusCreated:
		if _, err := m.store.TransitionJob(ctx, id, model.StatusPending, ""); err != nil {
			return err
		}
	case model.StatusPending:
	default:
		return fmt.Errorf("%w: job %d is %s", model.ErrInvalidTransition, id, job.Status)
	}
	added, err := m.queue.Push(ctx, id)
	if err != nil {
		return fmt.Errorf("queueing job %d: %w", id, err)
	}
	if added {
		slog.InfoContext(ctx, "job queued", "job_id", id)
	}
	m.updateDepth(ctx)
	return nil
}

// Cancel kills a job: an in-flight job gets its token canceled, a queued
// or paused one is removed from the queue and canceled in the store.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.running[id]; ok {
		slog.InfoContext(ctx, "canceling running job", "job_id", id)
		cancel(model.ErrScanCanceled)
		return nil
	}
	if _, err := m.queue.Remove(ctx, id); err != nil {
		return fmt.Errorf("removing job %d from queue: %w", id, err)
	}
	m.updateDepth(ctx)
	if _, err := m.store.InterruptJob(ctx, id, model.StatusCanceled, ""); err != nil {
		return err
	}
	slog.InfoContext(ctx, "job canceled", "job_id", id)
	return nil
}

// Pause interrupts a running job which then keeps its completed work. Only
// a running job can be paused.
func (m *Manager) Pause(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.running[id]; ok {
		slog.InfoContext(ctx, "pausing running job", "job_id", id)
		cancel(model.ErrScanPaused)
		return nil
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == model.StatusRunning {
		// running in a process which is gone, recovered on startup
		_, err := m.store.InterruptJob(ctx, id, model.StatusPaused, "")
		return err
	}
	return model.Transition(job.Status, model.StatusPaused)
}

// Resume moves a paused job back to pending and queues it.
func (m *Manager) Resume(ctx context.Context, id int64) error {
	if _, err := m.store.ResumeJob(ctx, id); err != nil {
		return err
	}
	return m.Enqueue(ctx, id)
}

// Trigger creates a job of the scan named name and queues it.
func (m *Manager) Trigger(ctx context.Context, name string) (model.ScanJob, error) {
	scan, err := m.store.ScanByName(ctx, name)
	if err != nil {
		return model.ScanJob{}, err
	}
	job, err := m.store.CreateJob(ctx, scan.ID)
	if err != nil {
		return model.ScanJob{}, fmt.Errorf("creating job of scan %q: %w", name, err)
	}
	if err := m.Enqueue(ctx, job.ID); err != nil {
		return model.ScanJob{}, err
	}
	return job, nil
}

// Recover queues the jobs left behind by a previous process. Running jobs
// lost their runner and are paused and resumed, so completed tasks are kept.
func (m *Manager) Recover(ctx context.Context) error {
	jobs, err := m.store.JobsByStatus(ctx, model.StatusRunning, model.StatusPending)
	if err != nil {
		return fmt.Errorf("listing unfinished jobs: %w", err)
	}
	var errs []error
	for _, job := range jobs {
		if job.Status == model.StatusRunning {
			if _, err := m.store.InterruptJob(ctx, job.ID, model.StatusPaused, "interrupted by a restart"); err != nil {
				errs = append(errs, err)
				continue
			}
			if _, err := m.store.ResumeJob(ctx, job.ID); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := m.Enqueue(ctx, job.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.InfoContext(ctx, "job recovered", "job_id", job.ID, "status", job.Status)
	}
	return errors.Join(errs...)
}

// Running returns whether a worker executes the job at the moment.
func (m *Manager) Running(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

func (m *Manager) updateDepth(ctx context.Context) {
	n, err := m.queue.Len(ctx)
	if err != nil {
		slog.WarnContext(ctx, "reading queue depth", "error", err)
		return
	}
	observability.QueueDepth.Set(float64(n))
}
