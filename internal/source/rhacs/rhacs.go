// Package rhacs collects secured units usage from Red Hat Advanced Cluster
// Security central.
package rhacs

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/source"
	"github.com/quipucords/quipucords/internal/source/webclient"
	"github.com/tidwall/gjson"
)

// usageWindow is the period of the maximum secured units query.
const usageWindow = 30 * 24 * time.Hour

type Adapter struct {
	Options webclient.Options
	// Now is the clock of the usage window, time.Now when nil.
	Now func() time.Time
}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) PartialResults() bool {
	return true
}

// Connect does not probe central.
func (a *Adapter) Connect(ctx context.Context, req source.ConnectRequest, emit func(model.ConnectResult) error) error {
	return source.Deprecated(ctx, req, emit)
}

// Inspect emits central with its metadata, clusters and secured units.
func (a *Adapter) Inspect(ctx context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error {
	cred, ok := req.Credential(0)
	if !ok {
		return source.Failure("missing credential", nil)
	}
	c, err := webclient.ForSource(req.Source, webclient.BearerAuth{Token: cred.AuthToken}, a.Options)
	if err != nil {
		return err
	}
	b, err := c.Get(ctx, "/v1/metadata", nil)
	if err != nil {
		return webclient.ConnectFailure(ctx, err)
	}
	if err := req.SetExpected(1); err != nil {
		return err
	}
	meta := gjson.ParseBytes(b)
	name := req.Source.Hosts[0]

	facts, err := a.collect(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return emit(source.HostFacts{Name: name, Status: model.HostFailed, Err: err})
	}
	facts["metadata"] = map[string]any{
		"version":        meta.Get("version").String(),
		"build_flavor":   meta.Get("buildFlavor").String(),
		"release_build":  meta.Get("releaseBuild").Bool(),
		"license_status": meta.Get("licenseStatus").String(),
	}
	return emit(source.HostFacts{Name: name, Status: model.HostSuccess, Facts: facts})
}

func (a *Adapter) collect(ctx context.Context, c *webclient.Client) (model.Facts, error) {
	b, err := c.Get(ctx, "/v1/clusters", nil)
	if err != nil {
		return nil, fmt.Errorf("clusters: %w", err)
	}
	clusters := []map[string]any{}
	for _, cl := range gjson.GetBytes(b, "clusters").Array() {
		clusters = append(clusters, map[string]any{
			"id":             cl.Get("id").String(),
			"name":           cl.Get("name").String(),
			"type":           cl.Get("type").String(),
			"sensor_version": cl.Get("status.sensorVersion").String(),
			"provider":       cl.Get("status.providerMetadata.cluster.type").String(),
		})
	}

	b, err = c.Get(ctx, "/v1/administration/usage/secured-units/current", nil)
	if err != nil {
		return nil, fmt.Errorf("current secured units: %w", err)
	}
	current := gjson.ParseBytes(b)

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	to := now().UTC()
	q := url.Values{
		"from": {to.Add(-usageWindow).Format(time.RFC3339)},
		"to":   {to.Format(time.RFC3339)},
	}
	b, err = c.Get(ctx, "/v1/administration/usage/secured-units/max", q)
	if err != nil {
		return nil, fmt.Errorf("max secured units: %w", err)
	}
	maxUnits := gjson.ParseBytes(b)

	return model.Facts{
		"clusters": clusters,
		"secured_units_current": map[string]any{
			"num_nodes":     current.Get("numNodes").Int(),
			"num_cpu_units": current.Get("numCpuUnits").Int(),
		},
		"secured_units_max": map[string]any{
			"max_nodes":        maxUnits.Get("maxNodes").Int(),
			"max_nodes_at":     maxUnits.Get("maxNodesAt").String(),
			"max_cpu_units":    maxUnits.Get("maxCpuUnits").Int(),
			"max_cpu_units_at": maxUnits.Get("maxCpuUnitsAt").String(),
		},
	}, nil
}
