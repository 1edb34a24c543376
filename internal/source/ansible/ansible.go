// Package ansible collects the inventory and job history of an Ansible
// Automation Platform controller.
package ansible

import (
	"context"
	"fmt"
	"net/url"
	"slices"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/source"
	"github.com/quipucords/quipucords/internal/source/webclient"
	"github.com/tidwall/gjson"
)

const pageSize = "100"

type Adapter struct {
	Options webclient.Options
}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) PartialResults() bool {
	return true
}

func (a *Adapter) client(src model.Source, creds []model.Credential) (*webclient.Client, model.Credential, error) {
	if len(creds) == 0 {
		return nil, model.Credential{}, source.Failure("missing credential", nil)
	}
	cred := creds[0]
	c, err := webclient.ForSource(src, webclient.BasicAuth{Username: cred.Username, Password: cred.Password}, a.Options)
	return c, cred, err
}

// Connect checks the controller answers and accepts the credential. The
// controller itself is the only system.
func (a *Adapter) Connect(ctx context.Context, req source.ConnectRequest, emit func(model.ConnectResult) error) error {
	c, cred, err := a.client(req.Source, req.Credentials)
	if err != nil {
		return err
	}
	if _, err := c.Get(ctx, "/api/v2/ping/", nil); err != nil {
		return webclient.ConnectFailure(ctx, err)
	}
	if _, err := c.Get(ctx, "/api/v2/me/", nil); err != nil {
		return webclient.ConnectFailure(ctx, err)
	}
	return emit(model.ConnectResult{Name: req.Source.Hosts[0], Status: model.HostSuccess, CredentialID: cred.ID})
}

// Inspect emits the controller with its instance details, managed hosts and
// the hosts seen by jobs.
func (a *Adapter) Inspect(ctx context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error {
	c, _, err := a.client(req.Source, req.Credentials)
	if err != nil {
		return err
	}
	name := req.Source.Hosts[0]
	if err := req.SetExpected(1); err != nil {
		return err
	}

	facts, err := a.collect(ctx, c, req.Options.Concurrency())
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if webclient.IsAuth(err) {
			return source.Failure("authentication failed", err)
		}
		return emit(source.HostFacts{Name: name, Status: model.HostFailed, Err: err})
	}
	return emit(source.HostFacts{Name: name, Status: model.HostSuccess, Facts: facts})
}

func (a *Adapter) collect(ctx context.Context, c *webclient.Client, maxConcurrency int) (model.Facts, error) {
	b, err := c.Get(ctx, "/api/v2/ping/", nil)
	if err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	ping := gjson.ParseBytes(b)
	instance := map[string]any{
		"version":      ping.Get("version").String(),
		"active_node":  ping.Get("active_node").String(),
		"install_uuid": ping.Get("install_uuid").String(),
	}
	if b, err := c.Get(ctx, "/api/v2/config/", nil); err == nil {
		cfg := gjson.ParseBytes(b)
		instance["instance_count"] = cfg.Get("license_info.instance_count").Value()
		instance["subscription_name"] = cfg.Get("license_info.subscription_name").Value()
	} else if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	rawHosts, err := c.GetPaginated(ctx, "/api/v2/hosts/", url.Values{"page_size": {pageSize}}, maxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("hosts: %w", err)
	}
	hosts := make([]map[string]any, 0, len(rawHosts))
	inventory := make(map[string]bool, len(rawHosts))
	for _, raw := range rawHosts {
		h := gjson.ParseBytes(raw)
		name := h.Get("name").String()
		inventory[name] = true
		hosts = append(hosts, map[string]any{
			"host_id":       h.Get("id").Int(),
			"name":          name,
			"created":       h.Get("created").String(),
			"modified":      h.Get("modified").String(),
			"last_job_id":   h.Get("last_job").Value(),
			"last_job_time": h.Get("summary_fields.last_job.finished").Value(),
			"inventory_id":  h.Get("inventory").Value(),
		})
	}

	rawJobs, err := c.GetPaginated(ctx, "/api/v2/jobs/", url.Values{"page_size": {pageSize}}, maxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("jobs: %w", err)
	}
	jobIDs := make([]int64, 0, len(rawJobs))
	for _, raw := range rawJobs {
		jobIDs = append(jobIDs, gjson.GetBytes(raw, "id").Int())
	}
	slices.Sort(jobIDs)

	summaries, err := c.GetPaginated(ctx, "/api/v2/job_host_summaries/", url.Values{"page_size": {pageSize}}, maxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("job host summaries: %w", err)
	}
	seen := map[string]bool{}
	for _, raw := range summaries {
		if n := gjson.GetBytes(raw, "host_name").String(); n != "" {
			seen[n] = true
		}
	}
	uniqueHosts := make([]string, 0, len(seen))
	onlyInJobs := []string{}
	for n := range seen {
		uniqueHosts = append(uniqueHosts, n)
		if !inventory[n] {
			onlyInJobs = append(onlyInJobs, n)
		}
	}
	slices.Sort(uniqueHosts)
	slices.Sort(onlyInJobs)

	return model.Facts{
		"instance_details": instance,
		"hosts":            hosts,
		"jobs": map[string]any{
			"job_ids":      jobIDs,
			"unique_hosts": uniqueHosts,
		},
		"comparison": map[string]any{
			"hosts_in_inventory":      len(inventory),
			"hosts_only_in_jobs":      onlyInJobs,
			"number_of_hosts_in_jobs": len(uniqueHosts),
		},
	}, nil
}
