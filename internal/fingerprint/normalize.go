package fingerprint

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/quipucords/quipucords/internal/model"
)

// normalizer builds the fingerprints of the scanned systems of one source.
type normalizer func(ref SourceRef, results []model.InspectResult) []Fingerprint

var normalizers = map[model.SourceType]normalizer{
	model.SourceNetwork:   perResult(network),
	model.SourceVCenter:   perResult(vcenter),
	model.SourceSatellite: perResult(satellite),
	model.SourceOpenShift: openshift,
	model.SourceAnsible:   perResult(ansible),
	model.SourceRHACS:     perResult(rhacs),
}

func perResult(f func(b *builder, r model.InspectResult)) normalizer {
	return func(ref SourceRef, results []model.InspectResult) []Fingerprint {
		ret := make([]Fingerprint, 0, len(results))
		for _, r := range results {
			b := newBuilder(ref, r.Facts, "")
			f(b, r)
			ret = append(ret, b.fp)
		}
		return ret
	}
}

// builder sets fingerprint fields from raw facts and records provenance.
// Keys are looked up verbatim first, then as a dotted path into nested
// objects.
type builder struct {
	ref    SourceRef
	facts  map[string]any
	prefix string
	fp     Fingerprint
}

func newBuilder(ref SourceRef, facts map[string]any, prefix string) *builder {
	fp := newFingerprint()
	fp.Sources = []SourceRef{ref}
	return &builder{ref: ref, facts: facts, prefix: prefix, fp: fp}
}

func (b *builder) get(key string) any {
	if v, ok := b.facts[key]; ok {
		return v
	}
	var cur any = b.facts
	for part := range strings.SplitSeq(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func (b *builder) has(field string) bool {
	_, ok := b.fp.Facts[field]
	return ok
}

func (b *builder) set(field, key string, v any) {
	b.fp.Facts[field] = Sanitize(v)
	b.fp.Metadata[field] = Provenance{
		ServerID:   b.ref.ServerID,
		SourceName: b.ref.SourceName,
		SourceType: b.ref.SourceType,
		RawFactKey: b.prefix + key,
	}
}

func (b *builder) str(field, key string) {
	if s, ok := StrOrNone(b.get(key)); ok {
		b.set(field, key, s)
	}
}

func (b *builder) lower(field, key string) {
	if s, ok := StrOrNone(b.get(key)); ok {
		b.set(field, key, strings.ToLower(s))
	}
}

func (b *builder) integer(field, key string) {
	if i, ok := IntOrNone(b.get(key)); ok {
		b.set(field, key, i)
	}
}

func (b *builder) boolean(field, key string) {
	if v, ok := b.get(key).(bool); ok {
		b.set(field, key, v)
	}
}

func (b *builder) date(field, key string) {
	if t, ok := DateOrNone(ParseDate(b.get(key))); ok {
		b.set(field, key, formatDate(t))
	}
}

// list sets the sorted distinct non empty strings of a list fact.
func (b *builder) list(field, key string, lower bool) {
	var ret []string
	switch l := b.get(key).(type) {
	case []any:
		for _, e := range l {
			s, ok := StrOrNone(e)
			if !ok {
				continue
			}
			if lower {
				s = strings.ToLower(s)
			}
			if !slices.Contains(ret, s) {
				ret = append(ret, s)
			}
		}
	case []string:
		for _, s := range l {
			if lower {
				s = strings.ToLower(s)
			}
			if s = strings.TrimSpace(s); s != "" && !slices.Contains(ret, s) {
				ret = append(ret, s)
			}
		}
	}
	if len(ret) == 0 {
		return
	}
	slices.Sort(ret)
	b.set(field, key, ret)
}

// value sets a structured fact as is.
func (b *builder) value(field, key string) {
	v := b.get(key)
	switch x := v.(type) {
	case nil:
		return
	case []any:
		if len(x) == 0 {
			return
		}
	case map[string]any:
		if len(x) == 0 {
			return
		}
	}
	b.set(field, key, v)
}

var networkDateFacts = []string{"date_anaconda_log", "date_machine_id", "date_filesystem_create", "date_yum_history"}

func network(b *builder, _ model.InspectResult) {
	b.str("name", "uname_hostname")
	if !b.has("name") {
		b.str("name", "connection_host")
	}
	b.lower("fqdn", "uname_hostname")
	b.str("os_name", "etc_release_name")
	b.str("os_version", "etc_release_version")
	b.str("os_release", "etc_release_release")
	b.str("architecture", "uname_processor")
	b.str("kernel_version", "uname_kernel")

	b.integer("cpu_count", "cpu_count")
	b.integer("cpu_core_count", "cpu_core_count")
	b.integer("cpu_socket_count", "cpu_socket_count")
	b.integer("cpu_core_per_socket", "cpu_core_per_socket")
	b.boolean("cpu_hyperthreading", "cpu_hyperthreading")
	b.integer("system_memory_bytes", "system_memory_bytes")
	b.integer("system_user_count", "system_user_count")

	b.lower("bios_uuid", "dmi_system_uuid")
	b.str("subscription_manager_id", "subscription_manager_id")
	b.str("insights_id", "insights_client_id")
	b.list("ip_addresses", "ifconfig_ip_addresses", true)
	b.list("mac_addresses", "ifconfig_mac_addresses", true)

	b.str("virtualized_type", "virt_type")
	switch virt, _ := StrOrNone(b.get("virt_what_type")); {
	case virt == "bare metal":
		b.set("infrastructure_type", "virt_what_type", "bare_metal")
	case virt != "" || b.has("virtualized_type"):
		b.set("infrastructure_type", "virt_what_type", "virtualized")
	}

	b.date("system_last_checkin_date", "date_date")
	var dates []time.Time
	var keys []string
	for _, key := range networkDateFacts {
		if t, ok := DateOrNone(ParseDate(b.get(key))); ok {
			dates = append(dates, t)
			keys = append(keys, key)
		}
	}
	if avg, ok := AverageDate(dates); ok {
		b.set("system_creation_date", strings.Join(keys, "/"), formatDate(avg))
	}

	b.boolean("is_redhat", "redhat_packages_gpg_is_redhat")
	b.integer("redhat_package_count", "redhat_packages_gpg_num_rh_packages")
	b.str("redhat_last_installed_package", "redhat_packages_gpg_last_installed")
	b.list("redhat_certs", "redhat_packages_certs", false)
	if purpose, ok := systemPurpose(b.get("system_purpose_json")); ok {
		b.set("system_purpose", "system_purpose_json", purpose)
	}
	b.set("products", "jboss_eap/jboss_fuse/jboss_brms", jbossProducts(b.facts))
}

const bytesPerGiB = 1 << 30

func vcenter(b *builder, _ model.InspectResult) {
	b.str("name", "vm.name")
	b.str("os_name", "vm.os")
	b.str("vm_state", "vm.state")
	b.lower("bios_uuid", "vm.uuid")
	b.str("vm_uuid", "vm.uuid")
	b.integer("cpu_count", "vm.cpu_count")
	b.integer("cpu_socket_count", "vm.cpu_sockets")
	if gib, ok := FloatOrNone(b.get("vm.memory_size")); ok {
		b.set("system_memory_bytes", "vm.memory_size", int64(math.Round(gib*bytesPerGiB)))
	}
	b.str("vm_dns_name", "vm.dns_name")
	b.lower("fqdn", "vm.dns_name")
	b.list("ip_addresses", "vm.ip_addresses", true)
	b.list("mac_addresses", "vm.mac_addresses", true)
	b.str("vm_host", "vm.host.name")
	b.date("system_last_checkin_date", "vm.last_check_in")
	b.set("infrastructure_type", "vm.name", "virtualized")
	b.set("virtualized_type", "vm.name", "vmware")
}

func satellite(b *builder, _ model.InspectResult) {
	b.str("name", "hostname")
	b.lower("fqdn", "hostname")
	b.str("satellite_id", "id")
	b.str("subscription_manager_id", "uuid")
	b.str("os_name", "os_name")
	b.str("os_version", "os_version")
	b.str("os_release", "os_release")
	b.str("architecture", "architecture")
	b.str("kernel_version", "kernel_version")
	b.lower("bios_uuid", "bios_uuid")
	b.integer("cpu_socket_count", "num_sockets")
	b.integer("cpu_core_count", "cores")
	b.list("ip_addresses", "ip_addresses", true)
	b.list("mac_addresses", "mac_addresses", true)
	b.date("system_creation_date", "registration_time")
	b.date("system_last_checkin_date", "last_checkin_time")
	b.str("registration_owner", "registered_by")
	b.str("vm_host", "virtual_host_name")
	b.lower("vm_host_uuid", "virtual_host_uuid")
	b.str("virtualized_type", "virt_type")
	switch v, _ := StrOrNone(b.get("is_virtualized")); v {
	case "true":
		b.set("infrastructure_type", "is_virtualized", "virtualized")
	case "false":
		b.set("infrastructure_type", "is_virtualized", "bare_metal")
	}
	b.integer("errata_out_of_date", "errata_out_of_date")
	b.integer("packages_out_of_date", "packages_out_of_date")
	b.value("entitlements", "entitlements")
}

// openshift builds one fingerprint per cluster and per node. Nodes carry
// the version of their cluster.
func openshift(ref SourceRef, results []model.InspectResult) []Fingerprint {
	versions := map[string]string{}
	for _, r := range results {
		if cluster, ok := r.Facts["cluster"].(map[string]any); ok {
			id, _ := cluster["uuid"].(string)
			versions[id], _ = cluster["version"].(string)
		}
	}

	var ret []Fingerprint
	for _, r := range results {
		if _, ok := r.Facts["cluster"]; ok {
			b := newBuilder(ref, r.Facts, "")
			b.set("name", "cluster.uuid", r.Name)
			b.str("cluster_uuid", "cluster.uuid")
			b.str("ocp_version", "cluster.version")
			b.str("ocp_channel", "cluster.channel")
			deployments, _ := r.Facts["deployments"].([]any)
			if names := ImageNames(deployments); len(names) > 0 {
				b.set("image_names", "deployments", names)
			}
			if labels := Labels(deployments); len(labels) > 0 {
				b.set("labels", "deployments", labels)
			}
			b.value("operators", "operators")
			ret = append(ret, b.fp)
			continue
		}
		node, ok := r.Facts["node"].(map[string]any)
		if !ok {
			continue
		}
		b := newBuilder(ref, node, "node.")
		b.str("name", "name")
		b.lower("bios_uuid", "system_uuid")
		b.str("etc_machine_id", "machine_id")
		b.str("architecture", "architecture")
		b.str("kernel_version", "kernel_version")
		b.str("os_release", "os_image")
		b.integer("cpu_count", "capacity.cpu")
		b.integer("system_memory_bytes", "capacity.memory_in_bytes")
		b.date("system_creation_date", "creation_timestamp")
		b.str("cluster_uuid", "cluster_uuid")
		clusterID, _ := node["cluster_uuid"].(string)
		if v := versions[clusterID]; v != "" {
			b.set("ocp_version", "cluster.version", v)
		}
		if typ, id, ok := parseProviderID(node["provider_id"]); ok {
			b.set("provider_type", "provider_id", typ)
			b.set("provider_id", "provider_id", id)
		}
		var ips []string
		addresses, _ := node["addresses"].([]any)
		for _, a := range addresses {
			addr, _ := a.(map[string]any)
			v, ok := StrOrNone(addr["address"])
			if !ok {
				continue
			}
			v = strings.ToLower(v)
			switch addr["type"] {
			case "InternalIP", "ExternalIP":
				if !slices.Contains(ips, v) {
					ips = append(ips, v)
				}
			case "Hostname":
				if !b.has("fqdn") {
					b.set("fqdn", "addresses", v)
				}
			}
		}
		if len(ips) > 0 {
			slices.Sort(ips)
			b.set("ip_addresses", "addresses", ips)
		}
		b.value("node_labels", "labels")
		b.set("infrastructure_type", "provider_id", "virtualized")
		ret = append(ret, b.fp)
	}
	return ret
}

// parseProviderID splits "aws:///us-east-1a/i-0abc" into "aws", "i-0abc".
func parseProviderID(v any) (string, string, bool) {
	s, ok := StrOrNone(v)
	if !ok {
		return "", "", false
	}
	typ, rest, ok := strings.Cut(s, "://")
	if !ok || typ == "" {
		return "", "", false
	}
	rest = strings.TrimRight(rest, "/")
	id := rest[strings.LastIndex(rest, "/")+1:]
	if id == "" {
		return "", "", false
	}
	return typ, id, true
}

func ansible(b *builder, r model.InspectResult) {
	b.set("name", "instance_details", r.Name)
	b.str("ansible_version", "instance_details.version")
	b.str("ansible_install_uuid", "instance_details.install_uuid")
	b.str("ansible_active_node", "instance_details.active_node")
	b.integer("ansible_hosts_in_inventory", "comparison.hosts_in_inventory")
	b.integer("ansible_hosts_in_jobs", "comparison.number_of_hosts_in_jobs")
	if hosts, ok := b.get("comparison.hosts_only_in_jobs").([]any); ok {
		b.set("ansible_hosts_only_in_jobs", "comparison.hosts_only_in_jobs", len(hosts))
	}
}

func rhacs(b *builder, r model.InspectResult) {
	b.set("name", "metadata", r.Name)
	b.str("acs_version", "metadata.version")
	b.str("acs_license_status", "metadata.license_status")
	if clusters, ok := b.get("clusters").([]any); ok {
		b.set("acs_cluster_count", "clusters", len(clusters))
	}
	b.integer("acs_secured_nodes", "secured_units_current.num_nodes")
	b.integer("acs_secured_cpu_units", "secured_units_current.num_cpu_units")
	b.integer("acs_max_secured_nodes", "secured_units_max.max_nodes")
	b.integer("acs_max_secured_cpu_units", "secured_units_max.max_cpu_units")
}
