package network

import (
	"encoding/json"
	"net/netip"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Result is the outcome of one fact command on a host.
type Result struct {
	RC          int
	Stdout      string
	StdoutLines []string
}

func newResult(rc int, stdout string) Result {
	trimmed := strings.TrimRight(stdout, "\n")
	var lines []string
	if trimmed != "" {
		lines = strings.Split(trimmed, "\n")
	}
	return Result{RC: rc, Stdout: stdout, StdoutLines: lines}
}

// Deps are the processed values of the facts collected before, by name.
type Deps map[string]any

// Processor turns the result of a fact command into the fact value. It must
// be pure. The boolean is false when the result carries no data.
type Processor func(Result, Deps) (any, bool)

// processors is keyed by fact name. Facts without a processor keep the
// trimmed stdout.
var processors = map[string]Processor{
	"uname_hostname":          lastLine,
	"uname_processor":         lastLine,
	"uname_kernel":            lastLine,
	"uname_os":                lastLine,
	"uname_hardware_platform": lastLine,

	"etc_release_name":    lastLine,
	"etc_release_version": lastLine,
	"etc_release_release": lastLine,

	"cpu_count":            intLastLine,
	"cpu_socket_count":     intLastLine,
	"cpu_core_per_socket":  intLastLine,
	"cpu_threads_per_core": intLastLine,
	"cpu_vendor_id":        lastLine,
	"cpu_model_name":       lastLine,
	"cpu_core_count":       cpuCoreCount,
	"cpu_hyperthreading":   cpuHyperthreading,

	"dmi_bios_vendor":         dmiValue,
	"dmi_bios_version":        dmiValue,
	"dmi_system_manufacturer": dmiValue,
	"dmi_system_product_name": dmiValue,
	"dmi_system_uuid":         dmiValue,
	"dmi_chassis_asset_tag":   dmiValue,

	"virt_what_type": virtWhat,
	"virt_type":      virtType,

	"ifconfig_ip_addresses":  ipAddresses,
	"ifconfig_mac_addresses": macAddresses,

	"date_date":              dateValue,
	"date_anaconda_log":      dateValue,
	"date_machine_id":        dateValue,
	"date_yum_history":       dateValue,
	"date_filesystem_create": epochDate,

	"subscription_manager_id": subscriptionManagerID,
	"insights_client_id":      lastLine,
	"system_purpose_json":     jsonValue,

	"redhat_packages_gpg":                 redhatPackages,
	"redhat_packages_gpg_is_redhat":       rhPackagesIsRedHat,
	"redhat_packages_gpg_num_rh_packages": rhPackagesCount,
	"redhat_packages_gpg_num_installed":   installedPackagesCount,
	"redhat_packages_gpg_last_installed":  rhPackagesLastInstalled,
	"redhat_packages_certs":               semicolonList,
	"jboss_eap_jboss_modules_jar":         lines,
	"jboss_eap_running_paths":             lines,
	"jboss_fuse_activemq_jar":             lines,
	"jboss_fuse_camel_jar":                lines,
	"jboss_brms_kie_api_jar":              lines,
	"jboss_brms_drools_core_jar":          lines,
	"user_has_sudo":                       rcZero,
	"system_user_count":                   intLastLine,
	"system_memory_bytes":                 intLastLine,
}

// process returns the value of fact name for result.
func process(name string, r Result, deps Deps) (any, bool) {
	p, ok := processors[name]
	if !ok {
		return trimmed(r, deps)
	}
	return p(r, deps)
}

func trimmed(r Result, _ Deps) (any, bool) {
	if r.RC != 0 {
		return nil, false
	}
	s := strings.TrimSpace(r.Stdout)
	if s == "" {
		return nil, false
	}
	return s, true
}

func lastLine(r Result, _ Deps) (any, bool) {
	if r.RC != 0 || len(r.StdoutLines) == 0 {
		return nil, false
	}
	s := strings.TrimSpace(r.StdoutLines[len(r.StdoutLines)-1])
	if s == "" {
		return nil, false
	}
	return s, true
}

func intLastLine(r Result, d Deps) (any, bool) {
	v, ok := lastLine(r, d)
	if !ok {
		return nil, false
	}
	f, err := strconv.ParseFloat(v.(string), 64)
	if err != nil {
		return nil, false
	}
	return int(f), true
}

// jsonValue parses stdout as JSON, a parse failure yields null.
func jsonValue(r Result, _ Deps) (any, bool) {
	if r.RC != 0 {
		return nil, false
	}
	s := strings.TrimSpace(r.Stdout)
	if s == "" {
		return nil, false
	}
	if !gjson.Valid(s) {
		return nil, true
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, true
	}
	return v, true
}

// semicolonList splits "a; b\n" into ["a", "b"].
func semicolonList(r Result, _ Deps) (any, bool) {
	if r.RC != 0 {
		return nil, false
	}
	ret := []string{}
	for _, part := range strings.Split(r.Stdout, ";") {
		if p := strings.TrimSpace(part); p != "" {
			ret = append(ret, p)
		}
	}
	return ret, true
}

func lines(r Result, _ Deps) (any, bool) {
	if r.RC != 0 && len(r.StdoutLines) == 0 {
		return nil, false
	}
	ret := []string{}
	for _, l := range r.StdoutLines {
		if l = strings.TrimSpace(l); l != "" {
			ret = append(ret, l)
		}
	}
	return ret, true
}

func rcZero(r Result, _ Deps) (any, bool) {
	return r.RC == 0, true
}

func dmiValue(r Result, d Deps) (any, bool) {
	v, ok := lastLine(r, d)
	if !ok {
		return nil, false
	}
	s := v.(string)
	switch strings.ToLower(s) {
	case "not specified", "not present", "to be filled by o.e.m.", "none", "default string":
		return nil, false
	}
	return s, true
}

func virtWhat(r Result, _ Deps) (any, bool) {
	if r.RC != 0 {
		return nil, false
	}
	if len(r.StdoutLines) == 0 {
		return "bare metal", true
	}
	return strings.TrimSpace(r.StdoutLines[0]), true
}

func virtType(r Result, d Deps) (any, bool) {
	v, ok := lastLine(r, d)
	if !ok || v == "none" {
		return nil, false
	}
	return v, true
}

func cpuCoreCount(_ Result, d Deps) (any, bool) {
	sockets, ok1 := d["cpu_socket_count"].(int)
	cores, ok2 := d["cpu_core_per_socket"].(int)
	if ok1 && ok2 {
		return sockets * cores, true
	}
	if count, ok := d["cpu_count"].(int); ok {
		if threads, ok := d["cpu_threads_per_core"].(int); ok && threads > 0 {
			return count / threads, true
		}
		return count, true
	}
	return nil, false
}

func cpuHyperthreading(_ Result, d Deps) (any, bool) {
	threads, ok := d["cpu_threads_per_core"].(int)
	if !ok {
		return nil, false
	}
	return threads > 1, true
}

var (
	ipv4Rx = regexp.MustCompile(`inet (\d{1,3}(?:\.\d{1,3}){3})`)
	ipv6Rx = regexp.MustCompile(`inet6 ([0-9a-fA-F:]+)`)
	macRx  = regexp.MustCompile(`(?i)\b([0-9a-f]{2}(?::[0-9a-f]{2}){5})\b`)
)

// ipAddresses extracts global IPv4 and IPv6 addresses from `ip addr` or
// `ifconfig` output, loopback and link local addresses are skipped.
func ipAddresses(r Result, _ Deps) (any, bool) {
	if r.RC != 0 {
		return nil, false
	}
	ret := []string{}
	seen := map[string]bool{}
	for _, rx := range []*regexp.Regexp{ipv4Rx, ipv6Rx} {
		for _, m := range rx.FindAllStringSubmatch(r.Stdout, -1) {
			addr, err := netip.ParseAddr(m[1])
			if err != nil || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
				continue
			}
			s := addr.String()
			if !seen[s] {
				seen[s] = true
				ret = append(ret, s)
			}
		}
	}
	return ret, true
}

func macAddresses(r Result, _ Deps) (any, bool) {
	if r.RC != 0 {
		return nil, false
	}
	ret := []string{}
	seen := map[string]bool{}
	for _, m := range macRx.FindAllStringSubmatch(r.Stdout, -1) {
		mac := strings.ToLower(m[1])
		if mac == "00:00:00:00:00:00" || mac == "ff:ff:ff:ff:ff:ff" || seen[mac] {
			continue
		}
		seen[mac] = true
		ret = append(ret, mac)
	}
	return ret, true
}

var dateRx = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

func dateValue(r Result, _ Deps) (any, bool) {
	if r.RC != 0 {
		return nil, false
	}
	for i := len(r.StdoutLines) - 1; i >= 0; i-- {
		if m := dateRx.FindString(r.StdoutLines[i]); m != "" {
			if _, err := time.Parse(time.DateOnly, m); err == nil {
				return m, true
			}
		}
	}
	return nil, false
}

// epochDate converts `stat -c %W` seconds into a date, 0 meaning unknown.
func epochDate(r Result, d Deps) (any, bool) {
	v, ok := intLastLine(r, d)
	if !ok || v.(int) <= 0 {
		return nil, false
	}
	return time.Unix(int64(v.(int)), 0).UTC().Format(time.DateOnly), true
}

var subManIDRx = regexp.MustCompile(`(?i)system identity:\s*(\S+)`)

func subscriptionManagerID(r Result, _ Deps) (any, bool) {
	if r.RC != 0 {
		return nil, false
	}
	m := subManIDRx.FindStringSubmatch(r.Stdout)
	if m == nil {
		return nil, false
	}
	return m[1], true
}

// redHatKeyIDs are the short ids of the Red Hat release signing keys.
var redHatKeyIDs = []string{
	"199e2f91fd431d51",
	"5326810137017186",
	"45689c882fa658e0",
	"219180cddb42a60e",
	"7514f77d8366b0d9",
	"fd372689897da07a",
	"938a80caf21541eb",
	"08b871e6a5787476",
	"e191ddb2c509e861",
}

// Package is one line of the rpm query of redhat_packages_gpg.
type Package struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Release     string `json:"release"`
	InstallTime int64  `json:"install_time"`
	Vendor      string `json:"vendor"`
	Signature   string `json:"signature"`
	IsRedHat    bool   `json:"is_redhat"`
}

func (p Package) NVR() string {
	return p.Name + "-" + p.Version + "-" + p.Release
}

// redhatPackages parses `rpm -qa --qf "%{NAME}|%{VERSION}|%{RELEASE}|%{INSTALLTIME}|%{VENDOR}|%{SIGPGP:pgpsig}\n"`.
func redhatPackages(r Result, _ Deps) (any, bool) {
	if r.RC != 0 {
		return nil, false
	}
	ret := []Package{}
	for _, line := range r.StdoutLines {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) < 6 || parts[0] == "gpg-pubkey" {
			continue
		}
		installed, _ := strconv.ParseInt(parts[3], 10, 64)
		sig := strings.ToLower(parts[5])
		p := Package{
			Name:        parts[0],
			Version:     parts[1],
			Release:     parts[2],
			InstallTime: installed,
			Vendor:      parts[4],
			Signature:   parts[5],
		}
		p.IsRedHat = slices.ContainsFunc(redHatKeyIDs, func(k string) bool {
			return strings.Contains(sig, "key id "+k) || strings.HasSuffix(sig, k)
		})
		ret = append(ret, p)
	}
	return ret, true
}

func packagesOf(d Deps) ([]Package, bool) {
	pkgs, ok := d["redhat_packages_gpg"].([]Package)
	return pkgs, ok
}

func rhPackagesIsRedHat(_ Result, d Deps) (any, bool) {
	pkgs, ok := packagesOf(d)
	if !ok {
		return nil, false
	}
	return slices.ContainsFunc(pkgs, func(p Package) bool { return p.IsRedHat }), true
}

func rhPackagesCount(_ Result, d Deps) (any, bool) {
	pkgs, ok := packagesOf(d)
	if !ok {
		return nil, false
	}
	n := 0
	for _, p := range pkgs {
		if p.IsRedHat {
			n++
		}
	}
	return n, true
}

func installedPackagesCount(_ Result, d Deps) (any, bool) {
	pkgs, ok := packagesOf(d)
	if !ok {
		return nil, false
	}
	return len(pkgs), true
}

func rhPackagesLastInstalled(_ Result, d Deps) (any, bool) {
	pkgs, ok := packagesOf(d)
	if !ok {
		return nil, false
	}
	var last *Package
	for i := range pkgs {
		if pkgs[i].IsRedHat && (last == nil || pkgs[i].InstallTime > last.InstallTime) {
			last = &pkgs[i]
		}
	}
	if last == nil {
		return nil, false
	}
	return last.NVR(), true
}
