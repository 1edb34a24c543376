package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/quipucords/quipucords/internal/model"
)

// Scheduler triggers the scans of the inventory file which carry a schedule.
type Scheduler struct {
	scheduler gocron.Scheduler
}

// NewScheduler registers one gocron job per scheduled scan. Every tick calls
// trigger with the scan name; a tick is skipped while the previous one is
// still being handled.
func NewScheduler(ctx context.Context, scans []model.ScanConfig, trigger func(ctx context.Context, name string)) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	for _, scan := range scans {
		if scan.Schedule == nil {
			continue
		}
		def, err := jobDefinition(ctx, *scan.Schedule)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("parsing schedule of scan %q: %w", scan.Name, err)
		}
		name := scan.Name
		_, err = s.NewJob(
			def,
			gocron.NewTask(func() { trigger(ctx, name) }),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("initializing gocron job: %w", err)
		}
	}
	return &Scheduler{scheduler: s}, nil
}

func jobDefinition(ctx context.Context, cfg model.Schedule) (gocron.JobDefinition, error) {
	switch {
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing cron: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
		return gocron.CronJob(cfg.Cron, false), nil
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing duration: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		return gocron.DurationJob(d), nil
	default:
		return nil, errors.New("both cron and duration are empty")
	}
}

// Len returns the number of scheduled scans.
func (s *Scheduler) Len() int {
	return len(s.scheduler.Jobs())
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}

// TriggerFunc adapts Manager.Trigger to the scheduler callback.
func (m *Manager) TriggerFunc() func(ctx context.Context, name string) {
	return func(ctx context.Context, name string) {
		job, err := m.Trigger(ctx, name)
		if err != nil {
			slog.ErrorContext(ctx, "scheduled scan failed", "scan", name, "error", err)
			return
		}
		slog.InfoContext(ctx, "scheduled scan queued", "scan", name, "job_id", job.ID)
	}
}
