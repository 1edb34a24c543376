// Package sourcetest provides a scriptable source.Adapter for tests of the
// task and job runners.
package sourcetest

import (
	"context"
	"sync"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/source"
)

// Adapter reports every host reachable and emits Facts[host] on inspect,
// unless ConnectFunc or InspectFunc replace that behaviour.
type Adapter struct {
	Partial     bool
	Unreachable map[string]bool
	Facts       map[string]model.Facts
	ConnectFunc func(ctx context.Context, req source.ConnectRequest, emit func(model.ConnectResult) error) error
	InspectFunc func(ctx context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error

	mu       sync.Mutex
	connects int
	inspects int
}

func New() *Adapter {
	return &Adapter{Partial: true}
}

func (a *Adapter) PartialResults() bool {
	return a.Partial
}

func (a *Adapter) Connect(ctx context.Context, req source.ConnectRequest, emit func(model.ConnectResult) error) error {
	a.mu.Lock()
	a.connects++
	a.mu.Unlock()
	if a.ConnectFunc != nil {
		return a.ConnectFunc(ctx, req, emit)
	}
	var credID int64
	if c, ok := req.Credential(0); ok {
		credID = c.ID
	}
	for _, h := range req.Hosts {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		status := model.HostSuccess
		if a.Unreachable[h] {
			status = model.HostUnreachable
		}
		if err := emit(model.ConnectResult{Name: h, Status: status, CredentialID: credID}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Inspect(ctx context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error {
	a.mu.Lock()
	a.inspects++
	a.mu.Unlock()
	if a.InspectFunc != nil {
		return a.InspectFunc(ctx, req, emit)
	}
	for _, h := range req.Hosts {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		facts := a.Facts[h.Name]
		if facts == nil {
			facts = model.Facts{}
		}
		if err := emit(source.HostFacts{Name: h.Name, Status: model.HostSuccess, Facts: facts}); err != nil {
			return err
		}
	}
	return nil
}

// Calls returns how many times Connect and Inspect ran.
func (a *Adapter) Calls() (connects, inspects int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects, a.inspects
}
