// Package source defines the contract between the task runner and the
// adapters which collect raw facts from one kind of infrastructure.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quipucords/quipucords/internal/model"
)

// Adapter translates the native protocol of a source type into connect
// verdicts and raw facts. Implementations must honour ctx cancellation
// between hosts and before every remote call.
type Adapter interface {
	// Connect probes the hosts of the source and emits one result per system.
	Connect(ctx context.Context, req ConnectRequest, emit func(model.ConnectResult) error) error
	// Inspect collects the raw facts of the systems found by Connect.
	Inspect(ctx context.Context, req InspectRequest, emit func(HostFacts) error) error
	// PartialResults reports whether facts emitted before a failure or an
	// interrupt may be persisted.
	PartialResults() bool
}

// ConnectRequest carries everything an adapter needs to probe a source.
// Credentials are in plaintext and must never be logged.
type ConnectRequest struct {
	Source      model.Source
	Credentials []model.Credential
	Hosts       []string
	Options     model.ScanOptions
	// Expect is called when the adapter learns how many systems it is
	// going to emit, which may differ from len(Hosts).
	Expect func(n int) error
}

func (r ConnectRequest) SetExpected(n int) error {
	if r.Expect == nil {
		return nil
	}
	return r.Expect(n)
}

// Credential returns the credential with id, or the first one for id 0.
func (r ConnectRequest) Credential(id int64) (model.Credential, bool) {
	return credential(r.Credentials, id)
}

// InspectRequest is ConnectRequest plus the systems Connect reached.
type InspectRequest struct {
	Source      model.Source
	Credentials []model.Credential
	Hosts       []model.ConnectResult
	Options     model.ScanOptions
	Expect      func(n int) error
}

func (r InspectRequest) SetExpected(n int) error {
	if r.Expect == nil {
		return nil
	}
	return r.Expect(n)
}

func (r InspectRequest) Credential(id int64) (model.Credential, bool) {
	return credential(r.Credentials, id)
}

func credential(creds []model.Credential, id int64) (model.Credential, bool) {
	for _, c := range creds {
		if id == 0 || c.ID == id {
			return c, true
		}
	}
	return model.Credential{}, false
}

// HostFacts are the raw facts of one system. Status is failed when the
// adapter could not collect facts for the host, Err then tells why.
type HostFacts struct {
	Name   string
	Status model.HostStatus
	Facts  model.Facts
	Err    error
}

// ScanFailureError aborts a whole task: the source itself is unusable.
type ScanFailureError struct {
	Reason string
	Err    error
}

func (e *ScanFailureError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ScanFailureError) Unwrap() error {
	return e.Err
}

// Failure wraps err into a ScanFailureError.
func Failure(reason string, err error) error {
	return &ScanFailureError{Reason: reason, Err: err}
}

// IsFailure reports whether err aborts the whole task.
func IsFailure(err error) bool {
	var sf *ScanFailureError
	return errors.As(err, &sf)
}

// Registry maps source types to their adapter.
type Registry struct {
	adapters map[model.SourceType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.SourceType]Adapter)}
}

// Register adds or replaces the adapter of t.
func (r *Registry) Register(t model.SourceType, a Adapter) *Registry {
	r.adapters[t] = a
	return r
}

func (r *Registry) Adapter(t model.SourceType) (Adapter, error) {
	a, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("no adapter for source type %q", t)
	}
	return a, nil
}

// Deprecated logs the deprecation warning of connect phases which no longer
// probe anything and emits the configured hosts as reachable.
func Deprecated(ctx context.Context, req ConnectRequest, emit func(model.ConnectResult) error) error {
	slog.WarnContext(ctx, "connect phase is deprecated for this source type, hosts are reported reachable without a probe",
		slog.String("source_type", string(req.Source.Type)),
	)
	var credID int64
	if c, ok := req.Credential(0); ok {
		credID = c.ID
	}
	for _, h := range req.Hosts {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		if err := emit(model.ConnectResult{Name: h, Status: model.HostSuccess, CredentialID: credID}); err != nil {
			return err
		}
	}
	return nil
}
