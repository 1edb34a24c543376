package network

import (
	"testing"

	"github.com/quipucords/quipucords/internal/model"

	"github.com/stretchr/testify/require"
)

const ipAddrOutput = `1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 qdisc noqueue state UNKNOWN group default qlen 1000
    link/loopback 00:00:00:00:00:00 brd 00:00:00:00:00:00
    inet 127.0.0.1/8 scope host lo
    inet6 ::1/128 scope host
2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc fq_codel state UP group default qlen 1000
    link/ether 52:54:00:AB:CD:EF brd ff:ff:ff:ff:ff:ff
    inet 192.168.122.10/24 brd 192.168.122.255 scope global dynamic eth0
    inet6 fe80::5054:ff:feab:cdef/64 scope link
    inet6 2001:db8::10/64 scope global
`

func TestProcess(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		name     string
		result   Result
		deps     Deps
		then     any
		ok       bool
	}{
		{
			scenario: "semicolon list",
			name:     "redhat_packages_certs",
			result:   newResult(0, "69.pem; 479.pem;\n"),
			then:     []string{"69.pem", "479.pem"},
			ok:       true,
		},
		{
			scenario: "invalid json is null",
			name:     "system_purpose_json",
			result:   newResult(0, "{not json"),
			then:     nil,
			ok:       true,
		},
		{
			scenario: "json",
			name:     "system_purpose_json",
			result:   newResult(0, `{"role": "Red Hat Enterprise Linux Server"}`),
			then:     map[string]any{"role": "Red Hat Enterprise Linux Server"},
			ok:       true,
		},
		{
			scenario: "failed command has no data",
			name:     "etc_release_name",
			result:   newResult(1, "cat: /etc/os-release: No such file or directory\n"),
			then:     nil,
			ok:       false,
		},
		{
			scenario: "last line",
			name:     "etc_release_version",
			result:   newResult(0, "motd\n9.3\n"),
			then:     "9.3",
			ok:       true,
		},
		{
			scenario: "ip addresses skip loopback and link local",
			name:     "ifconfig_ip_addresses",
			result:   newResult(0, ipAddrOutput),
			then:     []string{"192.168.122.10", "2001:db8::10"},
			ok:       true,
		},
		{
			scenario: "mac addresses",
			name:     "ifconfig_mac_addresses",
			result:   newResult(0, ipAddrOutput),
			then:     []string{"52:54:00:ab:cd:ef"},
			ok:       true,
		},
		{
			scenario: "dmi placeholder",
			name:     "dmi_chassis_asset_tag",
			result:   newResult(0, "To Be Filled By O.E.M.\n"),
			then:     nil,
			ok:       false,
		},
		{
			scenario: "virt-what on bare metal",
			name:     "virt_what_type",
			result:   newResult(0, ""),
			then:     "bare metal",
			ok:       true,
		},
		{
			scenario: "core count from sockets",
			name:     "cpu_core_count",
			deps:     Deps{"cpu_socket_count": 2, "cpu_core_per_socket": 4},
			then:     8,
			ok:       true,
		},
		{
			scenario: "core count from threads",
			name:     "cpu_core_count",
			deps:     Deps{"cpu_count": 8, "cpu_threads_per_core": 2},
			then:     4,
			ok:       true,
		},
		{
			scenario: "subscription manager id",
			name:     "subscription_manager_id",
			result:   newResult(0, "system identity: 3f6c8b9e-1d3a-4f0e-9a4c-2b7f1e5d6c88\nname: rhel9\n"),
			then:     "3f6c8b9e-1d3a-4f0e-9a4c-2b7f1e5d6c88",
			ok:       true,
		},
		{
			scenario: "filesystem create date",
			name:     "date_filesystem_create",
			result:   newResult(0, "1700000000\n"),
			then:     "2023-11-14",
			ok:       true,
		},
		{
			scenario: "unknown fact keeps stdout",
			name:     "custom",
			result:   newResult(0, "  value \n"),
			then:     "value",
			ok:       true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			v, ok := process(tc.name, tc.result, tc.deps)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.then, v)
		})
	}
}

func TestRedHatPackages(t *testing.T) {
	t.Parallel()
	stdout := "bash|5.1.8|6.el9|1700000000|Red Hat, Inc.|RSA/SHA256, Mon 01 Jan 2024, Key ID 199e2f91fd431d51\n" +
		"kernel|5.14.0|362.el9|1700500000|Red Hat, Inc.|RSA/SHA256, Mon 01 Jan 2024, Key ID 199e2f91fd431d51\n" +
		"gpg-pubkey|fd431d51|4ae0493b|1690000000|(none)|(none)\n" +
		"htop|3.2.1|1.el9|1700900000|Fedora Project|RSA/SHA256, Key ID 8a3872bf3228467c\n"

	deps := Deps{}
	for _, name := range []string{
		"redhat_packages_gpg",
		"redhat_packages_gpg_is_redhat",
		"redhat_packages_gpg_num_rh_packages",
		"redhat_packages_gpg_num_installed",
		"redhat_packages_gpg_last_installed",
	} {
		r := Result{}
		if name == "redhat_packages_gpg" {
			r = newResult(0, stdout)
		}
		v, ok := process(name, r, deps)
		require.True(t, ok, name)
		deps[name] = v
	}

	require.Len(t, deps["redhat_packages_gpg"], 3)
	require.Equal(t, true, deps["redhat_packages_gpg_is_redhat"])
	require.Equal(t, 2, deps["redhat_packages_gpg_num_rh_packages"])
	require.Equal(t, 3, deps["redhat_packages_gpg_num_installed"])
	require.Equal(t, "kernel-5.14.0-362.el9", deps["redhat_packages_gpg_last_installed"])
}

func TestFindJar(t *testing.T) {
	t.Parallel()
	opts := model.ScanOptions{}
	cmd := findJar(ProductJBossEAP, "jboss-modules.jar")(opts)
	require.Contains(t, cmd, "'/opt'")
	require.Contains(t, cmd, "-maxdepth 4")

	opts = model.ScanOptions{
		SearchDirectories:     []string{"/srv/app's"},
		ExtendedProductSearch: map[string]bool{ProductJBossEAP: true},
	}
	cmd = findJar(ProductJBossEAP, "jboss-modules.jar")(opts)
	require.Contains(t, cmd, `'/srv/app'\''s'`)
	require.NotContains(t, cmd, "-maxdepth")
}
