package fingerprint

import (
	"net/netip"
	"slices"
	"strings"
)

// CanonicalFacts identify a system across sources.
var CanonicalFacts = []string{
	"bios_uuid",
	"fqdn",
	"insights_id",
	"ip_addresses",
	"mac_addresses",
	"provider_id",
	"provider_type",
	"satellite_id",
	"subscription_manager_id",
}

// setFields are unioned on merge, every other field keeps the value of the
// fingerprint with the highest priority.
var setFields = map[string]bool{
	"ip_addresses":  true,
	"mac_addresses": true,
}

var ignoredValues = map[string]bool{
	"00000000-0000-0000-0000-000000000000": true,
	"00:00:00:00:00:00":                    true,
	"localhost":                            true,
	"localhost.localdomain":                true,

	// default bridges of docker, podman and libvirt, present on unrelated hosts
	"172.17.0.1":    true,
	"10.88.0.1":     true,
	"192.168.122.1": true,
}

// canonicalKeys returns the identity keys of fp. Two fingerprints sharing a
// key are the same system. provider_type only identifies together with
// provider_id.
func canonicalKeys(fp Fingerprint) []string {
	var keys []string
	add := func(field, v string) {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || ignoredValues[v] {
			return
		}
		if field == "ip_addresses" {
			if a, err := netip.ParseAddr(v); err == nil && (a.IsLoopback() || a.IsUnspecified() || a.IsLinkLocalUnicast()) {
				return
			}
		}
		keys = append(keys, field+"="+v)
	}
	for _, field := range CanonicalFacts {
		switch field {
		case "provider_type":
		case "provider_id":
			id, _ := fp.Facts["provider_id"].(string)
			typ, _ := fp.Facts["provider_type"].(string)
			if id != "" {
				add(field, typ+"/"+id)
			}
		case "ip_addresses", "mac_addresses":
			vs, _ := fp.Facts[field].([]string)
			for _, v := range vs {
				add(field, v)
			}
		default:
			s, _ := fp.Facts[field].(string)
			add(field, s)
		}
	}
	return keys
}

// dedup merges the fingerprints sharing a canonical fact, transitively.
// fps is in priority order: the first member of a set wins the scalar
// fields. The order of the merged sets follows their first member.
func dedup(fps []Fingerprint) []Fingerprint {
	parent := make([]int, len(fps))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// the lower index stays root
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	owner := map[string]int{}
	for i, fp := range fps {
		for _, k := range canonicalKeys(fp) {
			if j, ok := owner[k]; ok {
				union(i, j)
			} else {
				owner[k] = i
			}
		}
	}

	pos := map[int]int{}
	var ret []Fingerprint
	for i, fp := range fps {
		root := find(i)
		p, ok := pos[root]
		if !ok {
			pos[root] = len(ret)
			ret = append(ret, fp.clone())
			continue
		}
		ret[p] = merge(ret[p], fp)
	}
	return ret
}

// merge folds b into a. Scalar fields of a win, b only fills the gaps; set
// fields are unioned.
func merge(a, b Fingerprint) Fingerprint {
	ret := a.clone()
	for k, v := range b.Facts {
		cur, ok := ret.Facts[k]
		switch {
		case !ok:
			ret.Facts[k] = v
			if p, ok := b.Metadata[k]; ok {
				ret.Metadata[k] = p
			}
		case setFields[k]:
			ret.Facts[k] = union(cur, v)
		}
	}
	for _, s := range b.Sources {
		if !slices.Contains(ret.Sources, s) {
			ret.Sources = append(ret.Sources, s)
		}
	}
	return ret
}

func union(a, b any) []string {
	as, _ := a.([]string)
	bs, _ := b.([]string)
	ret := slices.Clone(as)
	for _, v := range bs {
		if !slices.Contains(ret, v) {
			ret = append(ret, v)
		}
	}
	slices.Sort(ret)
	return ret
}
