package report

import (
	"maps"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/quipucords/quipucords/internal/fingerprint"
)

const (
	// DefaultSliceSize bounds the hosts of one insights slice file.
	DefaultSliceSize        = 10000
	// InsightsNamespace holds the qpc facts of an insights host.
	InsightsNamespace       = "qpc"
	hostInventoryAPIVersion = "1.0"
)

// Insights are the fingerprints shaped as host based inventory hosts.
type Insights struct {
	Header
	ServerID      string           `json:"qpc_server_id"`
	ServerVersion string           `json:"qpc_server_version"`
	Hosts         []map[string]any `json:"hosts"`
}

// NewInsights converts the fingerprints which carry at least one canonical
// fact, the others cannot be matched by the inventory.
func NewInsights(deployments Deployments, serverID, serverVersion string) Insights {
	h := deployments.Header
	h.ReportType = TypeInsights
	ret := Insights{Header: h, ServerID: serverID, ServerVersion: serverVersion, Hosts: []map[string]any{}}
	for _, fp := range deployments.SystemFingerprints {
		host, ok := insightsHost(fp, h)
		if !ok {
			continue
		}
		ret.Hosts = append(ret.Hosts, host)
	}
	return ret
}

func insightsHost(fp map[string]any, h Header) (map[string]any, bool) {
	host := map[string]any{}
	for _, field := range fingerprint.CanonicalFacts {
		switch v := fp[field].(type) {
		case nil:
		case []any:
			if len(v) > 0 {
				host[field] = v
			}
		default:
			if s, ok := fingerprint.StrOrNone(v); ok {
				host[field] = s
			}
		}
	}
	if len(host) == 0 {
		return nil, false
	}
	if name, ok := fingerprint.StrOrNone(fp["name"]); ok {
		host["display_name"] = name
	}

	facts := maps.Clone(fp)
	delete(facts, "metadata")
	delete(facts, "sources")
	facts["report_platform_id"] = h.ReportPlatformID
	facts["report_version"] = h.ReportVersion
	host["facts"] = []any{map[string]any{"namespace": InsightsNamespace, "facts": facts}}
	host["system_profile"] = systemProfile(fp)
	return host, true
}

func systemProfile(fp map[string]any) map[string]any {
	ret := map[string]any{}
	str := func(field, key string) {
		if s, ok := fingerprint.StrOrNone(fp[key]); ok {
			ret[field] = s
		}
	}
	integer := func(field, key string) {
		if n, ok := fingerprint.IntOrNone(fp[key]); ok {
			ret[field] = n
		}
	}
	str("infrastructure_type", "infrastructure_type")
	str("arch", "architecture")
	str("os_release", "os_version")
	str("os_kernel_version", "kernel_version")
	integer("number_of_cpus", "cpu_count")
	integer("number_of_sockets", "cpu_socket_count")
	integer("cores_per_socket", "cpu_core_per_socket")
	integer("system_memory_bytes", "system_memory_bytes")
	if os, ok := operatingSystem(fp); ok {
		ret["operating_system"] = os
	}
	return ret
}

// operatingSystem is only known for RHEL, the inventory rejects other names.
func operatingSystem(fp map[string]any) (map[string]any, bool) {
	name, _ := fingerprint.StrOrNone(fp["os_name"])
	lower := strings.ToLower(name)
	if lower != "rhel" && !strings.Contains(lower, "red hat enterprise linux") {
		return nil, false
	}
	version, _ := fingerprint.StrOrNone(fp["os_version"])
	majorStr, minorStr, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return nil, false
	}
	minor, _ := strconv.Atoi(minorStr)
	return map[string]any{"name": "RHEL", "major": major, "minor": minor}, true
}

// Slice is one file of the insights bundle.
type Slice struct {
	ID    string           `json:"report_slice_id"`
	Hosts []map[string]any `json:"hosts"`
}

// Slices splits the hosts in chunks of at most size. Slice ids derive from
// the platform id, so a report always yields the same slices.
func (in Insights) Slices(size int) []Slice {
	if size <= 0 {
		size = DefaultSliceSize
	}
	namespace, err := uuid.Parse(in.ReportPlatformID)
	if err != nil {
		namespace = uuid.NameSpaceOID
	}
	var ret []Slice
	for i := 0; i < len(in.Hosts); i += size {
		id := uuid.NewSHA1(namespace, []byte(strconv.Itoa(len(ret))))
		ret = append(ret, Slice{ID: id.String(), Hosts: in.Hosts[i:min(i+size, len(in.Hosts))]})
	}
	return ret
}

type insightsMetadata struct {
	ReportID                int64                    `json:"report_id"`
	HostInventoryAPIVersion string                   `json:"host_inventory_api_version"`
	Source                  string                   `json:"source"`
	SourceMetadata          map[string]any           `json:"source_metadata"`
	ReportSlices            map[string]sliceMetadata `json:"report_slices"`
}

type sliceMetadata struct {
	NumberHosts int `json:"number_hosts"`
}

func (in Insights) metadata(slices []Slice) insightsMetadata {
	ret := insightsMetadata{
		ReportID:                in.ReportID,
		HostInventoryAPIVersion: hostInventoryAPIVersion,
		Source:                  InsightsNamespace,
		SourceMetadata: map[string]any{
			"report_platform_id": in.ReportPlatformID,
			"report_type":        TypeInsights,
			"report_version":     in.ReportVersion,
			"qpc_server_id":      in.ServerID,
			"qpc_server_version": in.ServerVersion,
		},
		ReportSlices: make(map[string]sliceMetadata, len(slices)),
	}
	for _, s := range slices {
		ret.ReportSlices[s.ID] = sliceMetadata{NumberHosts: len(s.Hosts)}
	}
	return ret
}
