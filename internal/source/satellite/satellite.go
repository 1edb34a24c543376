// Package satellite collects host facts from Red Hat Satellite through the
// Foreman v2 API.
package satellite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/parallel"
	"github.com/quipucords/quipucords/internal/source"
	"github.com/quipucords/quipucords/internal/source/webclient"
	"github.com/tidwall/gjson"
)

const perPage = "100"

type Adapter struct {
	Options webclient.Options
}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) PartialResults() bool {
	return true
}

type hostRef struct {
	ID   int64
	Name string
}

func (a *Adapter) client(src model.Source, creds []model.Credential) (*webclient.Client, model.Credential, error) {
	if len(creds) == 0 {
		return nil, model.Credential{}, source.Failure("missing credential", nil)
	}
	cred := creds[0]
	c, err := webclient.ForSource(src, webclient.BasicAuth{Username: cred.Username, Password: cred.Password}, a.Options)
	return c, cred, err
}

// status checks the server answers the v2 API and returns its version.
func status(ctx context.Context, c *webclient.Client) (string, error) {
	b, err := c.Get(ctx, "/api/v2/status", nil)
	if err != nil {
		return "", err
	}
	doc := gjson.ParseBytes(b)
	if v := doc.Get("api_version"); v.Exists() && v.Int() != 2 {
		return "", source.Failure("unsupported api version", fmt.Errorf("api_version %d", v.Int()))
	}
	return doc.Get("version").String(), nil
}

func hosts(ctx context.Context, c *webclient.Client, maxConcurrency int) ([]hostRef, error) {
	items, err := c.GetPaginated(ctx, "/api/v2/hosts", url.Values{"per_page": {perPage}}, maxConcurrency)
	if err != nil {
		return nil, err
	}
	ret := make([]hostRef, 0, len(items))
	for _, it := range items {
		doc := gjson.ParseBytes(it)
		ret = append(ret, hostRef{ID: doc.Get("id").Int(), Name: doc.Get("name").String()})
	}
	return ret, nil
}

// Connect checks the API and counts the hosts Satellite manages.
func (a *Adapter) Connect(ctx context.Context, req source.ConnectRequest, emit func(model.ConnectResult) error) error {
	c, cred, err := a.client(req.Source, req.Credentials)
	if err != nil {
		return err
	}
	version, err := status(ctx, c)
	if err != nil {
		if source.IsFailure(err) {
			return err
		}
		return webclient.ConnectFailure(ctx, err)
	}
	slog.DebugContext(ctx, "satellite reached", slog.String("version", version))

	refs, err := hosts(ctx, c, req.Options.Concurrency())
	if err != nil {
		return webclient.ConnectFailure(ctx, err)
	}
	if err := req.SetExpected(len(refs)); err != nil {
		return err
	}
	for _, h := range refs {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		if err := emit(model.ConnectResult{Name: h.Name, Status: model.HostSuccess, CredentialID: cred.ID}); err != nil {
			return err
		}
	}
	return nil
}

// Inspect collects the details, facts and subscriptions of every host.
func (a *Adapter) Inspect(ctx context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error {
	c, _, err := a.client(req.Source, req.Credentials)
	if err != nil {
		return err
	}
	refs, err := hosts(ctx, c, req.Options.Concurrency())
	if err != nil {
		return webclient.ConnectFailure(ctx, err)
	}
	if err := req.SetExpected(len(refs)); err != nil {
		return err
	}

	pmap := parallel.NewMap(ctx, req.Options.Concurrency(), func(ctx context.Context, h hostRef) (source.HostFacts, error) {
		facts, err := inspectHost(ctx, c, h)
		if err != nil {
			return source.HostFacts{Name: h.Name, Status: model.HostFailed, Err: err}, nil
		}
		return source.HostFacts{Name: h.Name, Status: model.HostSuccess, Facts: facts}, nil
	})
	for hf := range pmap.Iter(parallel.Slice(refs)) {
		if ctx.Err() != nil {
			break
		}
		if hf.Err != nil {
			slog.DebugContext(ctx, "inspecting satellite host", slog.String("name", hf.Name), slog.String("error", hf.Err.Error()))
		}
		if err := emit(hf); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func inspectHost(ctx context.Context, c *webclient.Client, h hostRef) (model.Facts, error) {
	id := strconv.FormatInt(h.ID, 10)
	b, err := c.Get(ctx, "/api/v2/hosts/"+id, nil)
	if err != nil {
		return nil, err
	}
	d := gjson.ParseBytes(b)

	facts := model.Facts{
		"id":                      h.ID,
		"hostname":                d.Get("name").String(),
		"uuid":                    nullable(d.Get("subscription_facet_attributes.uuid")),
		"registration_time":       nullable(d.Get("subscription_facet_attributes.registered_at")),
		"last_checkin_time":       nullable(d.Get("subscription_facet_attributes.last_checkin")),
		"registered_by":           nullable(d.Get("subscription_facet_attributes.registered_by")),
		"virtual_host_name":       nullable(d.Get("subscription_facet_attributes.virtual_host.name")),
		"virtual_host_uuid":       nullable(d.Get("subscription_facet_attributes.virtual_host.uuid")),
		"organization":            nullable(d.Get("organization_name")),
		"location":                nullable(d.Get("location_name")),
		"architecture":            nullable(d.Get("architecture_name")),
		"errata_out_of_date":      nullable(d.Get("content_facet_attributes.errata_counts.total")),
		"packages_out_of_date":    nullable(d.Get("content_facet_attributes.upgradable_package_count")),
		"katello_agent_installed": d.Get("content_facet_attributes.katello_agent_installed").Bool(),
	}
	osName, osVersion := splitOS(d.Get("operatingsystem_name").String())
	facts["os_name"] = osName
	facts["os_version"] = osVersion
	facts["os_release"] = nullable(d.Get("operatingsystem_name"))
	facts["ip_addresses"], facts["mac_addresses"] = interfaces(d)

	hf, err := hostFacts(ctx, c, id, h.Name)
	if err != nil {
		return nil, fmt.Errorf("facts: %w", err)
	}
	for k, v := range hf {
		facts[k] = v
	}

	ents, err := subscriptions(ctx, c, id)
	if err != nil {
		return nil, fmt.Errorf("subscriptions: %w", err)
	}
	facts["entitlements"] = ents
	return facts, nil
}

// interfaces collects the addresses of the primary and additional
// interfaces of a host.
func interfaces(d gjson.Result) ([]string, []string) {
	ips, macs := []string{}, []string{}
	add := func(dst *[]string, v string) {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" && !slices.Contains(*dst, v) {
			*dst = append(*dst, v)
		}
	}
	add(&ips, d.Get("ip").String())
	add(&ips, d.Get("ip6").String())
	add(&macs, d.Get("mac").String())
	for _, nic := range d.Get("interfaces").Array() {
		add(&ips, nic.Get("ip").String())
		add(&ips, nic.Get("ip6").String())
		add(&macs, nic.Get("mac").String())
	}
	slices.Sort(ips)
	slices.Sort(macs)
	return ips, macs
}

// hostFacts reads the subscription manager facts Satellite keeps for a host.
func hostFacts(ctx context.Context, c *webclient.Client, id, name string) (model.Facts, error) {
	b, err := c.Get(ctx, "/api/v2/hosts/"+id+"/facts", url.Values{"per_page": {"1000"}})
	if err != nil {
		var se *webclient.StatusError
		if errors.As(err, &se) && se.Code == 404 {
			return model.Facts{}, nil
		}
		return nil, err
	}
	// results are keyed by host name
	results := gjson.GetBytes(b, "results")
	r := field(results, name)
	if !r.Exists() {
		results.ForEach(func(_, v gjson.Result) bool {
			r = v
			return false
		})
	}
	get := func(key string) gjson.Result {
		return field(r, key)
	}
	ret := model.Facts{
		"num_sockets":    intOrNil(get("cpu::cpu_socket(s)")),
		"cores":          intOrNil(get("cpu::core(s)_per_socket")),
		"bios_uuid":      nullable(get("dmi::system::uuid")),
		"virt_type":      nullable(get("virt::host_type")),
		"is_virtualized": nullable(get("virt::is_guest")),
		"kernel_version": nullable(get("uname::release")),
	}
	if n, ok := ret["num_sockets"].(int64); ok {
		if per, ok := ret["cores"].(int64); ok {
			ret["cores"] = n * per
		}
	}
	return ret, nil
}

func subscriptions(ctx context.Context, c *webclient.Client, id string) ([]map[string]any, error) {
	items, err := c.GetPaginated(ctx, "/api/v2/hosts/"+id+"/subscriptions", nil, 1)
	if err != nil {
		var se *webclient.StatusError
		// unregistered hosts have no subscription facet
		if errors.As(err, &se) && (se.Code == 400 || se.Code == 404) {
			return []map[string]any{}, nil
		}
		return nil, err
	}
	ret := make([]map[string]any, 0, len(items))
	for _, it := range items {
		s := gjson.ParseBytes(it)
		ret = append(ret, map[string]any{
			"name":                s.Get("product_name").String(),
			"derived_entitlement": s.Get("virt_only").Bool(),
			"amount":              s.Get("quantity_consumed").Int(),
			"account_number":      nullable(s.Get("account_number")),
			"contract_number":     nullable(s.Get("contract_number")),
			"start_date":          nullable(s.Get("start_date")),
			"end_date":            nullable(s.Get("end_date")),
		})
	}
	return ret, nil
}

// field returns the member key of obj. Fact names contain characters of the
// gjson path syntax, so they are matched literally.
func field(obj gjson.Result, key string) gjson.Result {
	var ret gjson.Result
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			ret = v
			return false
		}
		return true
	})
	return ret
}

// splitOS turns "RedHat 7.9" into ("RedHat", "7.9").
func splitOS(s string) (any, any) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	i := strings.LastIndexByte(s, ' ')
	if i < 0 {
		return s, nil
	}
	return s[:i], s[i+1:]
}

func nullable(r gjson.Result) any {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	if r.Type == gjson.String && strings.TrimSpace(r.Str) == "" {
		return nil
	}
	return r.Value()
}

func intOrNil(r gjson.Result) any {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(r.String()), 10, 64)
	if err != nil {
		return nil
	}
	return n
}
