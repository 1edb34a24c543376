package task

import (
	"context"
	"log/slog"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/observability"
	"github.com/quipucords/quipucords/internal/source"
	"github.com/quipucords/quipucords/internal/store"
)

// connect probes the hosts of src and records one result per system.
func (r *Runner) connect(ctx context.Context, t model.ScanTask, src model.Source, creds []model.Credential, opts model.ScanOptions, adapter source.Adapter) error {
	hosts := src.Hosts
	if src.Type == model.SourceNetwork {
		var err error
		if hosts, err = source.ExpandHosts(src.Hosts, src.ExcludeHosts); err != nil {
			return source.Failure("invalid hosts", err)
		}
	}
	if err := r.store.ResetTaskResults(ctx, t.ID); err != nil {
		return err
	}
	if err := r.store.SetTaskCounts(ctx, t.ID, len(hosts)); err != nil {
		return err
	}

	// results are persisted even when the scan is interrupted meanwhile
	pctx := context.WithoutCancel(ctx)
	req := source.ConnectRequest{
		Source:      src,
		Credentials: creds,
		Hosts:       hosts,
		Options:     opts,
		Expect: func(n int) error {
			return r.store.ExpectSystems(pctx, t.ID, n)
		},
	}
	return adapter.Connect(ctx, req, func(res model.ConnectResult) error {
		if err := r.store.RecordConnectResult(pctx, t, res); err != nil {
			return err
		}
		observability.SystemsProcessed.WithLabelValues(string(src.Type), string(t.Phase), string(res.Status)).Inc()
		return nil
	})
}

// inspect collects the facts of the systems reached by the connect task of
// the same source. Each system is persisted in its own transaction unless
// the adapter does not support partial results: then everything is
// persisted at once, only when the adapter succeeded.
func (r *Runner) inspect(ctx context.Context, t model.ScanTask, src model.Source, creds []model.Credential, opts model.ScanOptions, adapter source.Adapter) error {
	hosts, err := r.store.ReachableHosts(ctx, t.JobID, t.SourceID)
	if err != nil {
		return err
	}
	if err := r.store.ResetTaskResults(ctx, t.ID); err != nil {
		return err
	}
	if err := r.store.SetTaskCounts(ctx, t.ID, len(hosts)); err != nil {
		return err
	}
	serverID, err := r.store.ServerID(ctx)
	if err != nil {
		return err
	}
	key := store.GroupKey{ServerID: serverID, ServerVersion: r.version, Source: src}

	pctx := context.WithoutCancel(ctx)
	req := source.InspectRequest{
		Source:      src,
		Credentials: creds,
		Hosts:       hosts,
		Options:     opts,
		Expect: func(n int) error {
			return r.store.ExpectSystems(pctx, t.ID, n)
		},
	}

	partial := adapter.PartialResults()
	var buffered []model.InspectResult
	err = adapter.Inspect(ctx, req, func(hf source.HostFacts) error {
		if hf.Err != nil {
			slog.WarnContext(ctx, "system not inspected",
				slog.String("host", hf.Name),
				slog.String("status", string(hf.Status)),
				slog.String("error", hf.Err.Error()),
			)
		}
		res := model.InspectResult{Name: hf.Name, Status: hf.Status, Facts: hf.Facts}
		if res.Facts == nil {
			res.Facts = model.Facts{}
		}
		if !partial {
			buffered = append(buffered, res)
			return nil
		}
		if _, err := r.store.SaveInspectResults(pctx, t, key, res); err != nil {
			return err
		}
		observability.SystemsProcessed.WithLabelValues(string(src.Type), string(t.Phase), string(res.Status)).Inc()
		return nil
	})
	if err != nil || ctx.Err() != nil || partial || len(buffered) == 0 {
		return err
	}
	if _, err := r.store.SaveInspectResults(pctx, t, key, buffered...); err != nil {
		return err
	}
	for _, res := range buffered {
		observability.SystemsProcessed.WithLabelValues(string(src.Type), string(t.Phase), string(res.Status)).Inc()
	}
	return nil
}
