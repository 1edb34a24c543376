package network

import (
	"strings"

	"github.com/quipucords/quipucords/internal/model"
)

// Optional products gated by disabled_optional_products.
const (
	ProductJBossEAP  = "jboss_eap"
	ProductJBossFuse = "jboss_fuse"
	ProductJBossBRMS = "jboss_brms"
)

// fact is one raw fact collected on a host. A fact without command is
// derived by its processor from the facts collected before it.
type fact struct {
	name    string
	command func(model.ScanOptions) string
	become  bool
	product string
}

// role is an ordered group of facts; cancellation is checked between roles.
type role struct {
	name  string
	facts []fact
}

func sh(cmd string) func(model.ScanOptions) string {
	return func(model.ScanOptions) string { return cmd }
}

var roles = []role{
	{name: "connection", facts: []fact{
		{name: "user_has_sudo", command: sh("sudo -n true")},
	}},
	{name: "uname", facts: []fact{
		{name: "uname_hostname", command: sh("uname -n")},
		{name: "uname_processor", command: sh("uname -p")},
		{name: "uname_kernel", command: sh("uname -r")},
		{name: "uname_os", command: sh("uname -s")},
		{name: "uname_hardware_platform", command: sh("uname -i")},
	}},
	{name: "etc_release", facts: []fact{
		{name: "etc_release_name", command: sh(`grep -h '^NAME=' /etc/os-release | cut -d= -f2- | tr -d '"'`)},
		{name: "etc_release_version", command: sh(`grep -h '^VERSION_ID=' /etc/os-release | cut -d= -f2- | tr -d '"'`)},
		{name: "etc_release_release", command: sh(`cat /etc/redhat-release 2>/dev/null || grep -h '^PRETTY_NAME=' /etc/os-release | cut -d= -f2- | tr -d '"'`)},
	}},
	{name: "cpu", facts: []fact{
		{name: "cpu_count", command: sh("nproc --all")},
		{name: "cpu_socket_count", command: sh(`lscpu | awk -F: '/^Socket\(s\)/ {print $2}'`)},
		{name: "cpu_core_per_socket", command: sh(`lscpu | awk -F: '/^Core\(s\) per socket/ {print $2}'`)},
		{name: "cpu_threads_per_core", command: sh(`lscpu | awk -F: '/^Thread\(s\) per core/ {print $2}'`)},
		{name: "cpu_vendor_id", command: sh(`awk -F': ' '/^vendor_id/ {print $2; exit}' /proc/cpuinfo`)},
		{name: "cpu_model_name", command: sh(`awk -F': ' '/^model name/ {print $2; exit}' /proc/cpuinfo`)},
		{name: "cpu_core_count"},
		{name: "cpu_hyperthreading"},
	}},
	{name: "memory", facts: []fact{
		{name: "system_memory_bytes", command: sh(`awk '/^MemTotal:/ {print $2 * 1024}' /proc/meminfo`)},
		{name: "system_user_count", command: sh(`awk -F: '$3 >= 1000 && $3 < 65534' /etc/passwd | wc -l`)},
	}},
	{name: "dmi", facts: []fact{
		{name: "dmi_bios_vendor", command: sh("cat /sys/class/dmi/id/bios_vendor"), become: true},
		{name: "dmi_bios_version", command: sh("cat /sys/class/dmi/id/bios_version"), become: true},
		{name: "dmi_system_manufacturer", command: sh("cat /sys/class/dmi/id/sys_vendor"), become: true},
		{name: "dmi_system_product_name", command: sh("cat /sys/class/dmi/id/product_name"), become: true},
		{name: "dmi_system_uuid", command: sh("cat /sys/class/dmi/id/product_uuid"), become: true},
		{name: "dmi_chassis_asset_tag", command: sh("cat /sys/class/dmi/id/chassis_asset_tag"), become: true},
	}},
	{name: "virt", facts: []fact{
		{name: "virt_what_type", command: sh("virt-what"), become: true},
		{name: "virt_type", command: sh("systemd-detect-virt")},
	}},
	{name: "ifconfig", facts: []fact{
		{name: "ifconfig_ip_addresses", command: sh("ip addr show 2>/dev/null || ifconfig -a")},
		{name: "ifconfig_mac_addresses", command: sh("ip link show 2>/dev/null || ifconfig -a")},
	}},
	{name: "date", facts: []fact{
		{name: "date_date", command: sh("date +%F")},
		{name: "date_anaconda_log", command: sh("ls --full-time /root/anaconda-ks.cfg"), become: true},
		{name: "date_machine_id", command: sh("ls --full-time /etc/machine-id")},
		{name: "date_filesystem_create", command: sh("stat -c %W /")},
		{name: "date_yum_history", command: sh(`yum history 2>/dev/null | tail -n 2 | head -n 1`), become: true},
	}},
	{name: "subscription", facts: []fact{
		{name: "subscription_manager_id", command: sh("subscription-manager identity"), become: true},
		{name: "insights_client_id", command: sh("cat /etc/insights-client/machine-id"), become: true},
		{name: "system_purpose_json", command: sh("cat /etc/rhsm/syspurpose/syspurpose.json")},
	}},
	{name: "redhat_packages", facts: []fact{
		{name: "redhat_packages_gpg", command: sh(`rpm -qa --qf "%{NAME}|%{VERSION}|%{RELEASE}|%{INSTALLTIME}|%{VENDOR}|%{SIGPGP:pgpsig}\n"`)},
		{name: "redhat_packages_gpg_is_redhat"},
		{name: "redhat_packages_gpg_num_rh_packages"},
		{name: "redhat_packages_gpg_num_installed"},
		{name: "redhat_packages_gpg_last_installed"},
		{name: "redhat_packages_certs", command: sh(`ls /etc/pki/product/ /etc/pki/product-default/ 2>/dev/null | grep '\.pem$' | tr '\n' ';'`)},
	}},
	{name: "jboss_eap", facts: []fact{
		{name: "jboss_eap_jboss_modules_jar", command: findJar(ProductJBossEAP, "jboss-modules.jar"), become: true, product: ProductJBossEAP},
		{name: "jboss_eap_running_paths", command: sh(`ps -A -o args | grep -o 'jboss.home.dir=[^ ]*' | cut -d= -f2 | sort -u`), product: ProductJBossEAP},
	}},
	{name: "jboss_fuse", facts: []fact{
		{name: "jboss_fuse_activemq_jar", command: findJar(ProductJBossFuse, "activemq-camel-*redhat*.jar"), become: true, product: ProductJBossFuse},
		{name: "jboss_fuse_camel_jar", command: findJar(ProductJBossFuse, "camel-core-*redhat*.jar"), become: true, product: ProductJBossFuse},
	}},
	{name: "jboss_brms", facts: []fact{
		{name: "jboss_brms_kie_api_jar", command: findJar(ProductJBossBRMS, "kie-api-*redhat*.jar"), become: true, product: ProductJBossBRMS},
		{name: "jboss_brms_drools_core_jar", command: findJar(ProductJBossBRMS, "drools-core-*redhat*.jar"), become: true, product: ProductJBossBRMS},
	}},
}

var defaultSearchDirectories = []string{"/", "/opt", "/app", "/home", "/usr"}

// findJar searches the scan search directories, or a few well known roots.
// The extended product search lifts the depth limit.
func findJar(product, pattern string) func(model.ScanOptions) string {
	return func(o model.ScanOptions) string {
		dirs := o.SearchDirectories
		if len(dirs) == 0 {
			dirs = defaultSearchDirectories
		}
		quoted := make([]string, len(dirs))
		for i, d := range dirs {
			quoted[i] = quote(d)
		}
		depth := "-maxdepth 4 "
		if o.ExtendedSearch(product) {
			depth = ""
		}
		return "find " + strings.Join(quoted, " ") + " " + depth + "-xdev -type f -name " + quote(pattern) + " 2>/dev/null | sort -u"
	}
}

// quote wraps s in single quotes for sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
