// Package openshift collects cluster, node, workload and operator facts
// through the Kubernetes and OpenShift APIs.
package openshift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/source"
	"github.com/quipucords/quipucords/internal/source/webclient"
	"github.com/tidwall/gjson"
)

const pageLimit = "500"

const (
	pathClusterVersion   = "/apis/config.openshift.io/v1/clusterversions/version"
	pathNodes            = "/api/v1/nodes"
	pathDeployments      = "/apis/apps/v1/deployments"
	pathCSVs             = "/apis/operators.coreos.com/v1alpha1/clusterserviceversions"
	pathClusterOperators = "/apis/config.openshift.io/v1/clusteroperators"
	pathOAuthDiscovery   = "/.well-known/oauth-authorization-server"
)

type Adapter struct {
	Options webclient.Options
}

func New() *Adapter {
	return &Adapter{}
}

// PartialResults is false: a cluster is inspected as a whole.
func (a *Adapter) PartialResults() bool {
	return false
}

// Connect does not probe the cluster.
func (a *Adapter) Connect(ctx context.Context, req source.ConnectRequest, emit func(model.ConnectResult) error) error {
	return source.Deprecated(ctx, req, emit)
}

// Inspect emits one result for the cluster and one per node.
func (a *Adapter) Inspect(ctx context.Context, req source.InspectRequest, emit func(source.HostFacts) error) error {
	cred, ok := req.Credential(0)
	if !ok {
		return source.Failure("missing credential", nil)
	}
	c, err := a.client(ctx, req.Source, cred)
	if err != nil {
		return webclient.ConnectFailure(ctx, err)
	}

	cluster, err := clusterFacts(ctx, c)
	if err != nil {
		return webclient.ConnectFailure(ctx, err)
	}
	nodes, err := c.GetPaginated(ctx, pathNodes, url.Values{"limit": {pageLimit}}, 1)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	deployments, err := c.GetPaginated(ctx, pathDeployments, url.Values{"limit": {pageLimit}}, 1)
	if err != nil {
		return fmt.Errorf("listing deployments: %w", err)
	}
	operators, err := operatorFacts(ctx, c)
	if err != nil {
		return fmt.Errorf("listing operators: %w", err)
	}
	if err := req.SetExpected(1 + len(nodes)); err != nil {
		return err
	}

	workloads := make([]map[string]any, 0, len(deployments))
	for _, d := range deployments {
		workloads = append(workloads, deploymentFacts(gjson.ParseBytes(d)))
	}
	clusterID, _ := cluster["uuid"].(string)
	name := clusterID
	if name == "" {
		name = req.Source.Hosts[0]
	}
	if err := emit(source.HostFacts{
		Name:   name,
		Status: model.HostSuccess,
		Facts: model.Facts{
			"cluster":     cluster,
			"operators":   operators,
			"deployments": workloads,
		},
	}); err != nil {
		return err
	}

	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		node := nodeFacts(gjson.ParseBytes(n))
		node["cluster_uuid"] = clusterID
		if err := emit(source.HostFacts{
			Name:   node["name"].(string),
			Status: model.HostSuccess,
			Facts:  model.Facts{"node": node},
		}); err != nil {
			return err
		}
	}
	return nil
}

// client authenticates with the bearer token of cred, or obtains one from
// the cluster OAuth server with the username and password.
func (a *Adapter) client(ctx context.Context, src model.Source, cred model.Credential) (*webclient.Client, error) {
	c, err := webclient.ForSource(src, nil, a.Options)
	if err != nil {
		return nil, err
	}
	token := cred.AuthToken
	if token == "" {
		if token, err = oauthToken(ctx, c, cred); err != nil {
			return nil, err
		}
	}
	c.SetAuth(webclient.BearerAuth{Token: token})
	return c, nil
}

// oauthToken runs the challenging client flow of the OpenShift OAuth server.
func oauthToken(ctx context.Context, c *webclient.Client, cred model.Credential) (string, error) {
	var meta struct {
		AuthorizationEndpoint string `json:"authorization_endpoint"`
	}
	if err := c.GetJSON(ctx, pathOAuthDiscovery, nil, &meta); err != nil {
		return "", fmt.Errorf("oauth discovery: %w", err)
	}
	if meta.AuthorizationEndpoint == "" {
		return "", errors.New("oauth discovery: no authorization endpoint")
	}
	loc, err := c.Location(ctx, meta.AuthorizationEndpoint,
		url.Values{"client_id": {"openshift-challenging-client"}, "response_type": {"token"}},
		webclient.BasicAuth{Username: cred.Username, Password: cred.Password},
		http.Header{"X-Csrf-Token": {"1"}},
	)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("oauth redirect: %w", err)
	}
	frag, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return "", fmt.Errorf("oauth redirect: %w", err)
	}
	token := frag.Get("access_token")
	if token == "" {
		return "", errors.New("oauth redirect carries no access token")
	}
	return token, nil
}

func clusterFacts(ctx context.Context, c *webclient.Client) (map[string]any, error) {
	b, err := c.Get(ctx, pathClusterVersion, nil)
	if err != nil {
		return nil, err
	}
	doc := gjson.ParseBytes(b)
	return map[string]any{
		"uuid":    doc.Get("spec.clusterID").String(),
		"version": doc.Get("status.desired.version").String(),
		"channel": doc.Get("spec.channel").String(),
	}, nil
}

// operatorFacts lists OLM and cluster operators. Clusters without OLM
// answer 404 which yields no OLM operator.
func operatorFacts(ctx context.Context, c *webclient.Client) ([]map[string]any, error) {
	ret := []map[string]any{}
	csvs, err := c.GetPaginated(ctx, pathCSVs, url.Values{"limit": {pageLimit}}, 1)
	switch {
	case notFound(err):
		slog.DebugContext(ctx, "operator lifecycle manager not installed")
	case err != nil:
		return nil, err
	}
	for _, raw := range csvs {
		d := gjson.ParseBytes(raw)
		ret = append(ret, map[string]any{
			"kind":         "olm",
			"name":         d.Get("metadata.name").String(),
			"namespace":    d.Get("metadata.namespace").String(),
			"display_name": d.Get("spec.displayName").String(),
			"version":      d.Get("spec.version").String(),
			"phase":        d.Get("status.phase").String(),
		})
	}
	cos, err := c.GetPaginated(ctx, pathClusterOperators, nil, 1)
	if err != nil && !notFound(err) {
		return nil, err
	}
	for _, raw := range cos {
		d := gjson.ParseBytes(raw)
		var version string
		for _, v := range d.Get("status.versions").Array() {
			if v.Get("name").String() == "operator" {
				version = v.Get("version").String()
			}
		}
		ret = append(ret, map[string]any{
			"kind":    "cluster",
			"name":    d.Get("metadata.name").String(),
			"version": version,
		})
	}
	return ret, nil
}

func notFound(err error) bool {
	var se *webclient.StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func deploymentFacts(d gjson.Result) map[string]any {
	images := func(path string) []string {
		ret := []string{}
		for _, c := range d.Get(path).Array() {
			if img := c.Get("image").String(); img != "" {
				ret = append(ret, img)
			}
		}
		return ret
	}
	return map[string]any{
		"name":                  d.Get("metadata.name").String(),
		"namespace":             d.Get("metadata.namespace").String(),
		"creation_timestamp":    d.Get("metadata.creationTimestamp").String(),
		"labels":                stringMap(d.Get("metadata.labels")),
		"container_images":      images("spec.template.spec.containers"),
		"init_container_images": images("spec.template.spec.initContainers"),
	}
}

func nodeFacts(d gjson.Result) map[string]any {
	addresses := []map[string]any{}
	for _, a := range d.Get("status.addresses").Array() {
		addresses = append(addresses, map[string]any{
			"type":    a.Get("type").String(),
			"address": a.Get("address").String(),
		})
	}
	taints := []map[string]any{}
	for _, t := range d.Get("spec.taints").Array() {
		taints = append(taints, map[string]any{
			"key":    t.Get("key").String(),
			"effect": t.Get("effect").String(),
		})
	}
	labels := stringMap(d.Get("metadata.labels"))
	capacity := d.Get("status.capacity")
	cpu, _ := parseCPU(capacity.Get("cpu").String())
	mem, _ := parseQuantity(capacity.Get("memory").String())
	pods := capacity.Get("pods").Int()
	return map[string]any{
		"name":               d.Get("metadata.name").String(),
		"creation_timestamp": d.Get("metadata.creationTimestamp").String(),
		"labels":             labels,
		"taints":             taints,
		"addresses":          addresses,
		"machine_id":         d.Get("status.nodeInfo.machineID").String(),
		"system_uuid":        strings.ToLower(d.Get("status.nodeInfo.systemUUID").String()),
		"provider_id":        d.Get("spec.providerID").String(),
		"architecture":       d.Get("status.nodeInfo.architecture").String(),
		"kernel_version":     d.Get("status.nodeInfo.kernelVersion").String(),
		"operating_system":   d.Get("status.nodeInfo.operatingSystem").String(),
		"os_image":           d.Get("status.nodeInfo.osImage").String(),
		"capacity": map[string]any{
			"cpu":             cpu,
			"memory_in_bytes": mem,
			"pods":            pods,
		},
	}
}

func stringMap(r gjson.Result) map[string]string {
	ret := map[string]string{}
	r.ForEach(func(k, v gjson.Result) bool {
		ret[k.String()] = v.String()
		return true
	})
	return ret
}

