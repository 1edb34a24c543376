package source

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// FormatHost wraps bare IPv6 addresses in brackets for URL use. Bracketed
// addresses, IPv4 addresses and host names are returned untouched, so
// FormatHost(FormatHost(x)) == FormatHost(x).
func FormatHost(host string) string {
	addr, err := netip.ParseAddr(host)
	if err != nil || !addr.Is6() {
		return host
	}
	return "[" + host + "]"
}

// MaxExpandedHosts bounds the size of a network source after expansion.
const MaxExpandedHosts = 1 << 16

var rangeRx = regexp.MustCompile(`^(.*)\[(\d+):(\d+)\](.*)$`)

// ExpandHosts turns the host patterns of a network source into the ordered
// list of hosts to probe. Supported patterns are single hosts, CIDR blocks
// (10.0.0.0/24) and ansible style ranges (10.0.0.[1:20]). Hosts matched by
// exclude are dropped and duplicates are removed keeping the first one.
func ExpandHosts(hosts, exclude []string) ([]string, error) {
	skip := make(map[string]struct{})
	for _, pattern := range exclude {
		expanded, err := expand(pattern)
		if err != nil {
			return nil, fmt.Errorf("exclude_hosts: %w", err)
		}
		for _, h := range expanded {
			skip[h] = struct{}{}
		}
	}

	var ret []string
	seen := make(map[string]struct{})
	for _, pattern := range hosts {
		expanded, err := expand(pattern)
		if err != nil {
			return nil, fmt.Errorf("hosts: %w", err)
		}
		for _, h := range expanded {
			if _, ok := skip[h]; ok {
				continue
			}
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			ret = append(ret, h)
			if len(ret) > MaxExpandedHosts {
				return nil, fmt.Errorf("more than %d hosts", MaxExpandedHosts)
			}
		}
	}
	return ret, nil
}

func expand(pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("empty host")
	}
	if strings.Contains(pattern, "/") {
		return expandPrefix(pattern)
	}
	if m := rangeRx.FindStringSubmatch(pattern); m != nil {
		return expandRange(m[1], m[2], m[3], m[4])
	}
	return []string{pattern}, nil
}

func expandPrefix(pattern string) ([]string, error) {
	prefix, err := netip.ParsePrefix(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", pattern, err)
	}
	prefix = prefix.Masked()
	bits := prefix.Addr().BitLen() - prefix.Bits()
	if bits > 16 {
		return nil, fmt.Errorf("CIDR %q is larger than /%d", pattern, prefix.Addr().BitLen()-16)
	}

	var ret []string
	for a := prefix.Addr(); a.IsValid() && prefix.Contains(a); a = a.Next() {
		ret = append(ret, a.String())
	}
	// network and broadcast addresses are not hosts
	if prefix.Addr().Is4() && bits >= 2 {
		ret = ret[1 : len(ret)-1]
	}
	return ret, nil
}

func expandRange(head, from, to, tail string) ([]string, error) {
	lo, err := strconv.Atoi(from)
	if err != nil {
		return nil, err
	}
	hi, err := strconv.Atoi(to)
	if err != nil {
		return nil, err
	}
	if lo > hi {
		return nil, fmt.Errorf("invalid range [%d:%d]", lo, hi)
	}
	if hi-lo >= MaxExpandedHosts {
		return nil, fmt.Errorf("range [%d:%d] is too large", lo, hi)
	}
	ret := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		more, err := expand(head + strconv.Itoa(i) + tail)
		if err != nil {
			return nil, err
		}
		ret = append(ret, more...)
	}
	return ret, nil
}
