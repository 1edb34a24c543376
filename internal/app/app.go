// Package app wires the long lived state of a quipucords process: store,
// runners, job manager, scheduler and the HTTP servers.
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/quipucords/quipucords/internal/api"
	"github.com/quipucords/quipucords/internal/config"
	"github.com/quipucords/quipucords/internal/job"
	"github.com/quipucords/quipucords/internal/log"
	"github.com/quipucords/quipucords/internal/manager"
	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/report"
	"github.com/quipucords/quipucords/internal/secret"
	"github.com/quipucords/quipucords/internal/source"
	"github.com/quipucords/quipucords/internal/source/ansible"
	"github.com/quipucords/quipucords/internal/source/network"
	"github.com/quipucords/quipucords/internal/source/openshift"
	"github.com/quipucords/quipucords/internal/source/rhacs"
	"github.com/quipucords/quipucords/internal/source/satellite"
	"github.com/quipucords/quipucords/internal/source/vcenter"
	"github.com/quipucords/quipucords/internal/source/webclient"
	"github.com/quipucords/quipucords/internal/store"
	"github.com/quipucords/quipucords/internal/task"
)

const shutdownTimeout = 30 * time.Second

// Build describes the binary.
type Build struct {
	Version string
	Commit  string
}

// Process is the state of one server or one-shot scan. It replaces every
// process wide singleton: nothing outside of it holds state.
type Process struct {
	cfg       config.Config
	build     Build
	inventory model.Config

	store    *store.Store
	box      secret.Box
	queue    manager.Queue
	jobs     *job.Runner
	manager  *manager.Manager
	reports  *report.Builder
	serverID string
}

// Logger builds the process logger. Unless plain worker logs are asked for,
// attributes stored in the context, like job_id, are added to every line.
func Logger(cfg config.Config) *slog.Logger {
	level := log.ParseLevel(cfg.LogLevel)
	if !cfg.PlainWorkerLogs {
		return log.New(level, cfg.Production)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Production {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// New opens the store and builds the runners. The queue is connected but
// no worker runs before Run.
func New(ctx context.Context, cfg config.Config, inventory model.Config, build Build) (*Process, error) {
	st, err := store.Open(ctx, cfg.DBMS, cfg.DSN)
	if err != nil {
		return nil, err
	}
	p := &Process{cfg: cfg, build: build, inventory: inventory, store: st}
	if err := p.init(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return p, nil
}

func (p *Process) init(ctx context.Context) error {
	var err error
	if p.serverID, err = p.store.ServerID(ctx); err != nil {
		return fmt.Errorf("loading server id: %w", err)
	}
	key := p.cfg.SecretKey
	if key == "" {
		slog.WarnContext(ctx, "QPC_SECRET_KEY is not set, credentials are sealed with a key derived from the server id")
		key = p.serverID
	}
	if p.box, err = secret.New(key); err != nil {
		return err
	}

	switch p.cfg.Queue {
	case config.QueueRedis:
		if p.queue, err = manager.NewRedisQueue(ctx, p.cfg.RedisAddr, p.cfg.RedisPassword, p.cfg.RedisDB); err != nil {
			return err
		}
	default:
		p.queue = manager.NewMemoryQueue()
	}

	tasks := p.taskRunner()
	p.jobs = job.NewRunner(p.store, tasks, p.build.Version)
	if p.cfg.JobTimeout > 0 {
		p.jobs.WithTimeout(p.cfg.JobTimeout)
	}
	p.manager = manager.New(p.store, p.jobs, p.queue).WithWorkers(p.cfg.MaxConcurrentJobs)
	p.reports = report.NewBuilder(p.store, p.build.Version)
	return nil
}

// adapters registers an adapter per source type, tuned by the settings.
func (p *Process) adapters() *source.Registry {
	web := webclient.Options{Timeout: p.cfg.HTTPTimeout}
	ssh := network.New()
	if p.cfg.SSHTimeout > 0 {
		ssh.ConnectTimeout = p.cfg.SSHTimeout
	}
	vc, sat, ans, ocp, acs := vcenter.New(), satellite.New(), ansible.New(), openshift.New(), rhacs.New()
	vc.Options, sat.Options, ans.Options, ocp.Options, acs.Options = web, web, web, web, web
	return source.NewRegistry().
		Register(model.SourceNetwork, ssh).
		Register(model.SourceVCenter, vc).
		Register(model.SourceSatellite, sat).
		Register(model.SourceAnsible, ans).
		Register(model.SourceOpenShift, ocp).
		Register(model.SourceRHACS, acs)
}

func (p *Process) taskRunner() *task.Runner {
	r := task.NewRunner(p.store, p.adapters(), p.box, p.build.Version)
	if p.cfg.TaskTimeout > 0 {
		r.WithTimeout(p.cfg.TaskTimeout)
	}
	return r
}

// Run seeds the inventory, recovers the jobs of a previous run and serves
// the API until ctx is done.
func (p *Process) Run(ctx context.Context) error {
	if err := p.Seed(ctx); err != nil {
		return err
	}
	password := p.cfg.ServerPassword
	if password == "" {
		password = rand.Text()
		slog.WarnContext(ctx, "QPC_SERVER_PASSWORD is not set, generated a password for this run",
			"username", p.cfg.ServerUsername, "password", password)
	}

	// workers outlive ctx until shutdown cancels them with its own cause
	p.manager.Start(context.WithoutCancel(ctx))
	if err := p.manager.Recover(ctx); err != nil {
		slog.ErrorContext(ctx, "recovering jobs", "error", err)
	}
	sched, err := manager.NewScheduler(ctx, p.inventory.Scans, p.manager.TriggerFunc())
	if err != nil {
		return errors.Join(err, p.shutdown(ctx, nil))
	}
	sched.Start()

	if p.cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := api.New(p.store, p.manager, p.box, api.Options{
		Version:  p.build.Version,
		Build:    p.build.Commit,
		Environ:  config.ProcessEnviron,
		Username: p.cfg.ServerUsername,
		Password: password,
	})
	servers := []*http.Server{{
		Addr:              net.JoinHostPort("", strconv.Itoa(p.cfg.ServerPort)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if p.cfg.Debug {
		servers = append(servers, &http.Server{
			Addr:              net.JoinHostPort("localhost", strconv.Itoa(p.cfg.DebugPort)),
			Handler:           debugMux(),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			slog.InfoContext(ctx, "listening", "addr", s.Addr)
			if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving %s: %w", s.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			errs = append(errs, s.Shutdown(sctx))
		}
		errs = append(errs, p.shutdown(sctx, sched))
		return errors.Join(errs...)
	})
	return g.Wait()
}

func (p *Process) shutdown(ctx context.Context, sched *manager.Scheduler) error {
	var errs []error
	if sched != nil {
		errs = append(errs, sched.Shutdown())
	}
	errs = append(errs, p.manager.Shutdown(ctx))
	return errors.Join(errs...)
}

func debugMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Scan runs the scan name of the inventory in the foreground and returns
// the deployments of its report.
func (p *Process) Scan(ctx context.Context, name string) (model.ScanJob, report.Deployments, error) {
	if err := p.Seed(ctx); err != nil {
		return model.ScanJob{}, report.Deployments{}, err
	}
	scan, err := p.store.ScanByName(ctx, name)
	if err != nil {
		return model.ScanJob{}, report.Deployments{}, fmt.Errorf("scan %q: %w", name, err)
	}
	j, err := p.store.CreateJob(ctx, scan.ID)
	if err != nil {
		return model.ScanJob{}, report.Deployments{}, err
	}
	if _, err := p.jobs.Run(ctx, j.ID); err != nil {
		return model.ScanJob{}, report.Deployments{}, err
	}
	if j, err = p.store.GetJob(context.WithoutCancel(ctx), j.ID); err != nil {
		return model.ScanJob{}, report.Deployments{}, err
	}
	if j.ReportID == nil {
		return j, report.Deployments{}, nil
	}
	d, err := p.reports.Deployments(ctx, *j.ReportID)
	return j, d, err
}

// Close releases the queue and the store.
func (p *Process) Close() error {
	var errs []error
	if c, ok := p.queue.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, p.store.Close())
	return errors.Join(errs...)
}
