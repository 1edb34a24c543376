package report

import (
	"strings"
	"time"

	"github.com/quipucords/quipucords/internal/fingerprint"
	"github.com/quipucords/quipucords/internal/model"
)

// Aggregate summarizes the fingerprints of a report.
type Aggregate struct {
	Header
	Results     AggregateResults `json:"results"`
	Diagnostics Diagnostics      `json:"diagnostics"`
}

type AggregateResults struct {
	TotalInstances     int            `json:"total_instances"`
	InstancesPhysical  int            `json:"instances_physical"`
	InstancesVirtual   int            `json:"instances_virtual"`
	InstancesUnknown   int            `json:"instances_unknown"`
	InstancesNotRedHat int            `json:"instances_not_redhat"`
	// physical sockets are counted by pairs
	SocketPairs        int            `json:"socket_pairs"`
	CPUSocketsVirtual  int            `json:"cpu_sockets_virtual"`
	CPUCoresVirtual    int            `json:"cpu_cores_virtual"`
	SystemMemoryBytes  int64          `json:"system_memory_bytes"`
	VMwareHosts        int            `json:"vmware_hosts"`
	OpenShiftClusters  int            `json:"openshift_clusters"`
	AnsibleHostsAll    int            `json:"ansible_hosts_all"`
	OSByNameAndVersion map[string]int `json:"os_by_name_and_version"`
	InstancesBySource  map[string]int `json:"instances_by_source_type"`
	JBossEAPInstances  int            `json:"jboss_eap_instances"`
	JBossFuseInstances int            `json:"jboss_fuse_instances"`
	JBossBRMSInstances int            `json:"jboss_brms_instances"`
	SystemCreationDate *string        `json:"system_creation_date_average"`
	LastCheckinDate    *string        `json:"system_last_checkin_date_latest"`
}

type Diagnostics struct {
	InspectResultsSuccess     int `json:"inspect_result_status_success"`
	InspectResultsFailed      int `json:"inspect_result_status_failed"`
	InspectResultsUnreachable int `json:"inspect_result_status_unreachable"`
	MissingName               int `json:"missing_name"`
	MissingCPUSocketCount     int `json:"missing_cpu_socket_count"`
	MissingSystemCreationDate int `json:"missing_system_creation_date"`
	MissingInfrastructureType int `json:"missing_infrastructure_type"`
}

var productCounters = map[string]func(*AggregateResults){
	"JBoss EAP":  func(r *AggregateResults) { r.JBossEAPInstances++ },
	"JBoss Fuse": func(r *AggregateResults) { r.JBossFuseInstances++ },
	"JBoss BRMS": func(r *AggregateResults) { r.JBossBRMSInstances++ },
}

// NewAggregate counts the fingerprints of deployments and the inspect
// verdicts of details.
func NewAggregate(deployments Deployments, details Details) Aggregate {
	h := deployments.Header
	h.ReportType = TypeAggregate
	ret := Aggregate{
		Header: h,
		Results: AggregateResults{
			OSByNameAndVersion: map[string]int{},
			InstancesBySource:  map[string]int{},
		},
	}
	res := &ret.Results
	diag := &ret.Diagnostics

	vmHosts := map[string]struct{}{}
	clusters := map[string]struct{}{}
	var created []time.Time
	var lastCheckin time.Time
	for _, fp := range deployments.SystemFingerprints {
		res.TotalInstances++
		if _, ok := fingerprint.StrOrNone(fp["name"]); !ok {
			diag.MissingName++
		}

		sockets, hasSockets := fingerprint.IntOrNone(fp["cpu_socket_count"])
		if !hasSockets {
			diag.MissingCPUSocketCount++
		}
		switch infra, _ := fp["infrastructure_type"].(string); infra {
		case "bare_metal":
			res.InstancesPhysical++
			if hasSockets {
				res.SocketPairs += int(sockets+1) / 2
			}
		case "virtualized":
			res.InstancesVirtual++
			if hasSockets {
				res.CPUSocketsVirtual += int(sockets)
			}
			if cores, ok := fingerprint.IntOrNone(fp["cpu_core_count"]); ok {
				res.CPUCoresVirtual += int(cores)
			}
		default:
			res.InstancesUnknown++
			diag.MissingInfrastructureType++
		}
		if isRH, ok := fp["is_redhat"].(bool); ok && !isRH {
			res.InstancesNotRedHat++
		}
		if mem, ok := fingerprint.FloatOrNone(fp["system_memory_bytes"]); ok {
			res.SystemMemoryBytes += int64(mem)
		}

		if host, ok := fingerprint.StrOrNone(fp["vm_host"]); ok {
			vmHosts[strings.ToLower(host)] = struct{}{}
		}
		if uuid, ok := fingerprint.StrOrNone(fp["cluster_uuid"]); ok {
			clusters[uuid] = struct{}{}
		}
		if n, ok := fingerprint.IntOrNone(fp["ansible_hosts_in_inventory"]); ok {
			res.AnsibleHostsAll += int(n)
		}
		if os := osName(fp); os != "" {
			res.OSByNameAndVersion[os]++
		}
		if types, ok := fp["source_types"].([]any); ok {
			for _, t := range types {
				if s, ok := t.(string); ok {
					res.InstancesBySource[s]++
				}
			}
		}
		if products, ok := fp["products"].([]any); ok {
			for _, p := range products {
				m, _ := p.(map[string]any)
				name, _ := m["name"].(string)
				if count, ok := productCounters[name]; ok && m["presence"] == "present" {
					count(res)
				}
			}
		}

		if t, ok := fingerprint.DateOrNone(fingerprint.ParseDate(fp["system_creation_date"])); ok {
			created = append(created, t)
		} else {
			diag.MissingSystemCreationDate++
		}
		if t, ok := fingerprint.DateOrNone(fingerprint.ParseDate(fp["system_last_checkin_date"])); ok && t.After(lastCheckin) {
			lastCheckin = t
		}
	}
	res.VMwareHosts = len(vmHosts)
	res.OpenShiftClusters = len(clusters)
	if avg, ok := fingerprint.AverageDate(created); ok {
		s := avg.Format(time.DateOnly)
		res.SystemCreationDate = &s
	}
	if !lastCheckin.IsZero() {
		s := lastCheckin.Format(time.DateOnly)
		res.LastCheckinDate = &s
	}

	for _, src := range details.Sources {
		for _, st := range src.statuses {
			switch st {
			case model.HostSuccess:
				diag.InspectResultsSuccess++
			case model.HostFailed:
				diag.InspectResultsFailed++
			case model.HostUnreachable:
				diag.InspectResultsUnreachable++
			}
		}
	}
	return ret
}

// osName is "<os_name> <os_version>", or just the name when the version is
// unknown.
func osName(fp map[string]any) string {
	name, _ := fingerprint.StrOrNone(fp["os_name"])
	if name == "" {
		return ""
	}
	version, _ := fingerprint.StrOrNone(fp["os_version"])
	return strings.TrimSpace(name + " " + version)
}
