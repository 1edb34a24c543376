// Package network collects raw facts from hosts reachable over SSH.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/quipucords/quipucords/internal/log"
	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/parallel"
	"github.com/quipucords/quipucords/internal/source"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultCommandTimeout = 60 * time.Second
	DefaultHostTimeout    = 10 * time.Minute
)

// Adapter implements source.Adapter for the network source type.
type Adapter struct {
	// ConnectTimeout bounds dialing and authenticating one host.
	ConnectTimeout time.Duration
	// CommandTimeout bounds a single fact command.
	CommandTimeout time.Duration
	// HostTimeout bounds the whole fact collection of a host.
	HostTimeout time.Duration
}

func New() *Adapter {
	return &Adapter{
		ConnectTimeout: DefaultConnectTimeout,
		CommandTimeout: DefaultCommandTimeout,
		HostTimeout:    DefaultHostTimeout,
	}
}

// PartialResults is true: each host is independent, so facts collected
// before an interrupt remain valid.
func (a *Adapter) PartialResults() bool {
	return true
}

type connectOutcome struct {
	host   string
	status model.HostStatus
	credID int64
	err    error
}

// Connect tries the credentials of the source in order on every host. The
// first credential which authenticates wins. A host which refuses every
// credential is failed, a host which cannot be reached is unreachable.
func (a *Adapter) Connect(ctx context.Context, req source.ConnectRequest, emit func(model.ConnectResult) error) error {
	if len(req.Credentials) == 0 {
		return source.Failure("no credential", errors.New("network source requires at least one credential"))
	}
	port := sshPort(req.Source)

	pmap := parallel.NewMap(ctx, req.Options.Concurrency(), func(ctx context.Context, host string) (connectOutcome, error) {
		return a.probe(ctx, host, port, req.Credentials), nil
	})

	var unreachable []string
	for out := range pmap.Iter(parallel.Slice(req.Hosts)) {
		if ctx.Err() != nil && out.status != model.HostSuccess {
			// dial cut short by the scan interrupt, not a verdict
			continue
		}
		if out.status == model.HostUnreachable {
			unreachable = append(unreachable, out.host)
		}
		if out.err != nil {
			slog.DebugContext(ctx, "connect failed", slog.String("host", out.host), slog.String("error", out.err.Error()))
		}
		if err := emit(model.ConnectResult{Name: out.host, Status: out.status, CredentialID: out.credID}); err != nil {
			return err
		}
	}
	logUnreachable(ctx, unreachable)
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	return nil
}

func (a *Adapter) probe(ctx context.Context, host string, port int, creds []model.Credential) connectOutcome {
	out := connectOutcome{host: host, status: model.HostFailed}
	for _, cred := range creds {
		client, err := dial(ctx, host, port, cred, a.ConnectTimeout)
		if err == nil {
			_ = client.Close()
			out.status = model.HostSuccess
			out.credID = cred.ID
			out.err = nil
			return out
		}
		out.err = err
		if !errors.Is(err, errAuth) {
			out.status = model.HostUnreachable
			return out
		}
	}
	return out
}

func logUnreachable(ctx context.Context, hosts []string) {
	if len(hosts) == 0 {
		return
	}
	slices.Sort(hosts)
	slog.WarnContext(ctx, "hosts unreachable",
		slog.Int("count", len(hosts)),
		slog.Any("hosts", hosts),
	)
}

// Inspect runs the fact roles on every host reached by Connect, using the
// credential which authenticated there.
func (a *Adapter) Inspect(ctx context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error {
	port := sshPort(req.Source)
	var hosts []model.ConnectResult
	for _, h := range req.Hosts {
		if h.Status == model.HostSuccess {
			hosts = append(hosts, h)
		}
	}
	if err := req.SetExpected(len(hosts)); err != nil {
		return err
	}

	pmap := parallel.NewMap(ctx, req.Options.Concurrency(), func(ctx context.Context, h model.ConnectResult) (source.HostFacts, error) {
		cred, ok := req.Credential(h.CredentialID)
		if !ok {
			return source.HostFacts{Name: h.Name, Status: model.HostFailed, Err: fmt.Errorf("credential %d not found", h.CredentialID)}, nil
		}
		hctx := log.ContextAttrs(ctx, slog.String("host", hostLabel(h.Name)))
		facts, err := a.collect(hctx, h.Name, port, cred, req.Options)
		switch {
		case errors.Is(err, errUnreachable):
			return source.HostFacts{Name: h.Name, Status: model.HostUnreachable, Err: err}, nil
		case err != nil:
			return source.HostFacts{Name: h.Name, Status: model.HostFailed, Facts: facts, Err: err}, nil
		}
		return source.HostFacts{Name: h.Name, Status: model.HostSuccess, Facts: facts}, nil
	})

	var unreachable []string
	for hf := range pmap.Iter(parallel.Slice(hosts)) {
		if hf.Status == model.HostUnreachable {
			unreachable = append(unreachable, hf.Name)
		}
		if hf.Err != nil && ctx.Err() == nil {
			slog.DebugContext(ctx, "inspect failed", slog.String("host", hf.Name), slog.String("error", hf.Err.Error()))
		}
		if ctx.Err() != nil && hf.Status != model.HostSuccess {
			// host interrupted by the scan interrupt, not a verdict
			continue
		}
		if err := emit(hf); err != nil {
			return err
		}
	}
	logUnreachable(ctx, unreachable)
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	return nil
}

// collect runs every role on host. Cancellation is checked between roles.
func (a *Adapter) collect(ctx context.Context, host string, port int, cred model.Credential, opts model.ScanOptions) (model.Facts, error) {
	if a.HostTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, a.HostTimeout, model.ErrScanTimeout)
		defer cancel()
	}
	client, err := dial(ctx, host, port, cred, a.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = client.Close()
	}()

	var become *model.Credential
	if cred.BecomeMethod != "" {
		become = &cred
	}

	facts := model.Facts{
		"connection_host": host,
		"connection_port": port,
		"connection_uuid": uuid.NewString(),
	}
	deps := Deps{}
	for _, r := range roles {
		if err := ctx.Err(); err != nil {
			return facts, context.Cause(ctx)
		}
		if err := a.runRole(ctx, client, r, opts, become, facts, deps); err != nil {
			return facts, fmt.Errorf("role %s: %w", r.name, err)
		}
	}
	return facts, nil
}

func (a *Adapter) runRole(ctx context.Context, client *ssh.Client, r role, opts model.ScanOptions, become *model.Credential, facts model.Facts, deps Deps) error {
	for _, f := range r.facts {
		if f.product != "" && !opts.ProductEnabled(f.product) {
			continue
		}
		var res Result
		if f.command != nil {
			var b *model.Credential
			if f.become {
				b = become
			}
			cctx, cancel := ctx, context.CancelFunc(func() {})
			if a.CommandTimeout > 0 {
				cctx, cancel = context.WithTimeoutCause(ctx, a.CommandTimeout, model.ErrScanTimeout)
			}
			var err error
			res, err = run(cctx, client, f.command(opts), b)
			cancel()
			switch {
			case errors.Is(err, model.ErrScanTimeout) && ctx.Err() == nil:
				slog.DebugContext(ctx, "fact command timed out", slog.String("fact", f.name))
				res = newResult(-1, "")
			case err != nil:
				return err
			}
		}
		v, ok := process(f.name, res, deps)
		if !ok {
			v = nil
		}
		deps[f.name] = v
		facts[f.name] = v
	}
	return nil
}
