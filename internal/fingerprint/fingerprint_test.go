package fingerprint_test

import (
	"encoding/json"
	"testing"

	"github.com/quipucords/quipucords/internal/fingerprint"
	"github.com/quipucords/quipucords/internal/model"
	"github.com/stretchr/testify/require"
)

func group(typ model.SourceType, name string, results ...model.InspectResult) model.InspectGroup {
	return model.InspectGroup{ServerID: "srv", SourceName: name, SourceType: typ, Results: results}
}

func result(name string, facts model.Facts) model.InspectResult {
	return model.InspectResult{Name: name, Status: model.HostSuccess, Facts: facts}
}

func process(t *testing.T, groups ...model.InspectGroup) []fingerprint.Fingerprint {
	t.Helper()
	fps, err := fingerprint.Process(groups)
	require.NoError(t, err)
	return fps
}

func TestProcess_Network(t *testing.T) {
	t.Parallel()
	fps := process(t, group(model.SourceNetwork, "lab",
		result("1.2.3.4", model.Facts{
			"connection_host":         "1.2.3.4",
			"uname_hostname":          "web1.example.com",
			"etc_release_name":        "RHEL",
			"etc_release_version":     "9.3",
			"cpu_count":               float64(4),
			"cpu_socket_count":        "2",
			"virt_what_type":          "kvm",
			"virt_type":               "kvm",
			"date_machine_id":         "2023-01-01",
			"date_filesystem_create":  "2023-01-11",
			"date_anaconda_log":       nil,
			"system_purpose_json":     map[string]any{"role": "Red Hat Enterprise Linux Server"},
			"jboss_eap_running_paths": []any{},
			"jboss_fuse_camel_jar":    []any{"/opt/fuse/lib/camel-core-2.17.0.redhat-630187.jar"},
		}),
		model.InspectResult{Name: "2.3.4.5", Status: model.HostFailed, Facts: model.Facts{}},
	))
	require.Len(t, fps, 1)
	fp := fps[0]
	require.Equal(t, "web1.example.com", fp.Name())
	require.Equal(t, "RHEL", fp.Facts["os_name"])
	require.Equal(t, "9.3", fp.Facts["os_version"])
	require.Equal(t, int64(4), fp.Facts["cpu_count"])
	require.Equal(t, int64(2), fp.Facts["cpu_socket_count"])
	require.Equal(t, "virtualized", fp.Facts["infrastructure_type"])
	require.Equal(t, "2023-01-06", fp.Facts["system_creation_date"])
	require.Equal(t, []string{"network"}, fp.Facts["source_types"])
	require.Equal(t, map[string]any{"role": "Red Hat Enterprise Linux Server"}, fp.Facts["system_purpose"])
	require.Equal(t, []any{
		map[string]any{"name": "JBoss BRMS", "presence": "unknown"},
		map[string]any{"name": "JBoss EAP", "presence": "present"},
		map[string]any{"name": "JBoss Fuse", "presence": "present"},
	}, fp.Facts["products"])

	meta := fp.Metadata["os_name"]
	require.Equal(t, "etc_release_name", meta.RawFactKey)
	require.Equal(t, "lab", meta.SourceName)
	require.Equal(t, model.SourceNetwork, meta.SourceType)
	require.Equal(t, "date_machine_id/date_filesystem_create", fp.Metadata["system_creation_date"].RawFactKey)
}

func TestProcess_CrossSourceMerge(t *testing.T) {
	t.Parallel()
	network := group(model.SourceNetwork, "lab", result("10.0.0.1", model.Facts{
		"uname_hostname":         "web1",
		"etc_release_name":       "RHEL7",
		"dmi_system_uuid":        "ABC-123",
		"ifconfig_mac_addresses": []any{"52:54:00:aa:bb:01"},
	}))
	vcenter := group(model.SourceVCenter, "vc", result("web1-vm", model.Facts{
		"vm.name":          "web1-vm",
		"vm.os":            "RHEL 7.0 64-bit",
		"vm.uuid":          "abc-123",
		"vm.state":         "POWERED_ON",
		"vm.mac_addresses": []any{"52:54:00:AA:BB:02"},
	}))

	fps := process(t, vcenter, network)
	require.Len(t, fps, 1)
	fp := fps[0]
	require.Equal(t, "web1", fp.Name())
	require.Equal(t, "RHEL7", fp.Facts["os_name"])
	require.Equal(t, "POWERED_ON", fp.Facts["vm_state"])
	require.Equal(t, []string{"network", "vcenter"}, fp.Facts["source_types"])
	require.Equal(t, []string{"52:54:00:aa:bb:01", "52:54:00:aa:bb:02"}, fp.Facts["mac_addresses"])
	require.Equal(t, model.SourceNetwork, fp.Metadata["os_name"].SourceType)
	require.Equal(t, model.SourceVCenter, fp.Metadata["vm_state"].SourceType)
	require.Len(t, fp.Sources, 2)

	// no shared canonical fact, no merge
	other := group(model.SourceVCenter, "vc", result("db1", model.Facts{"vm.name": "db1", "vm.uuid": "def-456"}))
	require.Len(t, process(t, network, other), 2)
}

func TestProcess_TransitiveMerge(t *testing.T) {
	t.Parallel()
	// satellite links the network host by mac and the vm by bios uuid
	network := group(model.SourceNetwork, "lab", result("10.0.0.1", model.Facts{
		"uname_hostname":         "web1",
		"ifconfig_mac_addresses": []any{"52:54:00:aa:bb:01"},
	}))
	vcenter := group(model.SourceVCenter, "vc", result("web1-vm", model.Facts{
		"vm.name": "web1-vm",
		"vm.uuid": "abc-123",
	}))
	satellite := group(model.SourceSatellite, "sat", result("web1", model.Facts{
		"hostname":      "web1.example.com",
		"id":            float64(42),
		"bios_uuid":     "ABC-123",
		"mac_addresses": []any{"52:54:00:aa:bb:01"},
	}))

	fps := process(t, satellite, vcenter, network)
	require.Len(t, fps, 1)
	require.Equal(t, []string{"network", "vcenter", "satellite"}, fps[0].Facts["source_types"])
	require.Equal(t, "42", fps[0].Facts["satellite_id"])
	require.Equal(t, "web1", fps[0].Name())
}

func TestProcess_SharedBridgeAddresses(t *testing.T) {
	t.Parallel()
	host := func(name string, ips ...any) model.InspectResult {
		return result(name, model.Facts{"uname_hostname": name, "ifconfig_ip_addresses": ips})
	}

	var testCases = []struct {
		scenario string
		shared   string
	}{
		{scenario: "docker bridge", shared: "172.17.0.1"},
		{scenario: "podman bridge", shared: "10.88.0.1"},
		{scenario: "libvirt bridge", shared: "192.168.122.1"},
		{scenario: "ipv4 link local", shared: "169.254.10.1"},
		{scenario: "ipv6 link local", shared: "fe80::1"},
		{scenario: "loopback", shared: "127.0.0.1"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			fps := process(t, group(model.SourceNetwork, "lab",
				host("web1", "10.0.0.1", tc.shared),
				host("web2", "10.0.0.2", tc.shared),
			))
			require.Len(t, fps, 2)
		})
	}

	// a routable address still identifies the system
	fps := process(t, group(model.SourceNetwork, "lab",
		host("web1", "10.0.0.1"),
		host("web1-alias", "10.0.0.1"),
	))
	require.Len(t, fps, 1)
}

func TestProcess_Deterministic(t *testing.T) {
	t.Parallel()
	a := group(model.SourceNetwork, "a", result("h1", model.Facts{"uname_hostname": "h1", "etc_release_name": "RHEL"}))
	b := group(model.SourceNetwork, "b", result("h1", model.Facts{"uname_hostname": "h1", "etc_release_name": "Fedora"}))
	c := group(model.SourceSatellite, "c",
		result("x", model.Facts{"hostname": "zeta"}),
		result("y", model.Facts{"hostname": "alpha"}),
	)

	encode := func(fps []fingerprint.Fingerprint) string {
		out, err := json.Marshal(fps)
		require.NoError(t, err)
		return string(out)
	}
	first := encode(process(t, a, b, c))
	require.Equal(t, first, encode(process(t, c, b, a)))
	require.Equal(t, first, encode(process(t, b, a, c)))

	fps := process(t, a, b, c)
	names := make([]string, len(fps))
	for i, fp := range fps {
		names[i] = fp.Name()
	}
	require.Equal(t, []string{"alpha", "h1", "zeta"}, names)
	// equal priority: the source sorting first by name wins
	require.Equal(t, "RHEL", fps[1].Facts["os_name"])
}

func TestProcess_Idempotent(t *testing.T) {
	t.Parallel()
	g := group(model.SourceNetwork, "lab", result("10.0.0.1", model.Facts{
		"uname_hostname":        "web1",
		"dmi_system_uuid":       "abc",
		"ifconfig_ip_addresses": []any{"10.0.0.1"},
	}))
	once := process(t, g)
	twice := process(t, g, g)
	require.Len(t, twice, 1)
	require.Equal(t, once[0].Facts, twice[0].Facts)
}

func TestProcess_OpenShift(t *testing.T) {
	t.Parallel()
	fps := process(t, group(model.SourceOpenShift, "ocp",
		result("cluster-1", model.Facts{
			"cluster": map[string]any{"uuid": "cluster-1", "version": "4.14.2", "channel": "stable-4.14"},
			"deployments": []any{
				map[string]any{
					"name":             "api",
					"labels":           map[string]any{"app": "api"},
					"container_images": []any{"foo@sha256:0123", "foo:v1", "bar:latest"},
				},
				map[string]any{
					"name":                  "web",
					"labels":                map[string]any{"app": "web"},
					"container_images":      []any{"foo:v2"},
					"init_container_images": []any{"bar:latest"},
				},
			},
		}),
		result("node-1", model.Facts{
			"node": map[string]any{
				"name":         "node-1",
				"system_uuid":  "ec2a0b1c-0000-4000-8000-000000000001",
				"provider_id":  "aws:///us-east-1a/i-0abc",
				"cluster_uuid": "cluster-1",
				"addresses": []any{
					map[string]any{"type": "InternalIP", "address": "10.0.1.5"},
					map[string]any{"type": "Hostname", "address": "ip-10-0-1-5.ec2.internal"},
				},
				"capacity": map[string]any{"cpu": float64(4), "memory_in_bytes": float64(16 << 30)},
			},
		}),
	))
	require.Len(t, fps, 2)

	cluster, node := fps[0], fps[1]
	require.Equal(t, "cluster-1", cluster.Name())
	require.Equal(t, []string{"bar", "foo"}, cluster.Facts["image_names"])
	require.Equal(t, map[string][]string{"app": {"api", "web"}}, cluster.Facts["labels"])

	require.Equal(t, "node-1", node.Name())
	require.Equal(t, "4.14.2", node.Facts["ocp_version"])
	require.Equal(t, "aws", node.Facts["provider_type"])
	require.Equal(t, "i-0abc", node.Facts["provider_id"])
	require.Equal(t, []string{"10.0.1.5"}, node.Facts["ip_addresses"])
	require.Equal(t, "ip-10-0-1-5.ec2.internal", node.Facts["fqdn"])
	require.Equal(t, int64(4), node.Facts["cpu_count"])
	require.Equal(t, "node.capacity.cpu", node.Metadata["cpu_count"].RawFactKey)
}

func TestProcess_UnknownSourceType(t *testing.T) {
	t.Parallel()
	_, err := fingerprint.Process([]model.InspectGroup{group("mainframe", "m", result("a", model.Facts{}))})
	require.Error(t, err)
}

func TestFingerprint_MarshalJSON(t *testing.T) {
	t.Parallel()
	fps := process(t, group(model.SourceRHACS, "acs", result("central.example.com", model.Facts{
		"metadata": map[string]any{"version": "4.3.0"},
		"clusters": []any{map[string]any{"name": "a"}},
	})))
	require.Len(t, fps, 1)
	out, err := json.Marshal(fps[0])
	require.NoError(t, err)
	require.JSONEq(t, `{
		"name": "central.example.com",
		"acs_version": "4.3.0",
		"acs_cluster_count": 1,
		"source_types": ["rhacs"],
		"sources": [{"server_id": "srv", "source_name": "acs", "source_type": "rhacs"}],
		"metadata": {
			"name": {"server_id": "srv", "source_name": "acs", "source_type": "rhacs", "raw_fact_key": "metadata"},
			"acs_version": {"server_id": "srv", "source_name": "acs", "source_type": "rhacs", "raw_fact_key": "metadata.version"},
			"acs_cluster_count": {"server_id": "srv", "source_name": "acs", "source_type": "rhacs", "raw_fact_key": "clusters"}
		}
	}`, string(out))
}
