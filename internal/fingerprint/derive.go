package fingerprint

import (
	"encoding/json"
	"slices"
	"time"
)

const (
	presencePresent = "present"
	presenceAbsent  = "absent"
	presenceUnknown = "unknown"
)

type product struct {
	name     string
	facts    []string
	requires []string
}

// products are detected from the jar and process facts of network scans.
// Fuse and BRMS run on EAP so they imply it.
var products = []product{
	{name: "JBoss EAP", facts: []string{"jboss_eap_jboss_modules_jar", "jboss_eap_running_paths"}},
	{name: "JBoss Fuse", facts: []string{"jboss_fuse_activemq_jar", "jboss_fuse_camel_jar"}, requires: []string{"JBoss EAP"}},
	{name: "JBoss BRMS", facts: []string{"jboss_brms_kie_api_jar", "jboss_brms_drools_core_jar"}, requires: []string{"JBoss EAP"}},
}

// eapCert is the product certificate installed with EAP rpms.
const eapCert = "183.pem"

// jbossProducts rolls the product facts up into one presence per product.
// A product whose facts were not collected is unknown.
func jbossProducts(facts map[string]any) []any {
	presence := map[string]string{}
	for _, p := range products {
		presence[p.name] = presenceUnknown
		for _, f := range p.facts {
			v, ok := facts[f]
			if !ok {
				continue
			}
			if presence[p.name] == presenceUnknown {
				presence[p.name] = presenceAbsent
			}
			if l, _ := v.([]any); len(l) > 0 {
				presence[p.name] = presencePresent
			}
		}
	}
	if certs, _ := facts["redhat_packages_certs"].([]any); slices.Contains(certs, any(eapCert)) {
		presence["JBoss EAP"] = presencePresent
	}
	for _, p := range products {
		if presence[p.name] != presencePresent {
			continue
		}
		for _, r := range p.requires {
			presence[r] = presencePresent
		}
	}

	ret := make([]any, 0, len(products))
	for _, p := range products {
		ret = append(ret, map[string]any{"name": p.name, "presence": presence[p.name]})
	}
	return ret
}

// systemPurpose accepts the syspurpose.json document, parsed or not.
func systemPurpose(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, len(x) > 0
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(x), &m); err != nil || len(m) == 0 {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

// AverageDate is the oldest date plus the mean distance of every date to
// it, in whole days.
func AverageDate(dates []time.Time) (time.Time, bool) {
	dates = slices.DeleteFunc(slices.Clone(dates), time.Time.IsZero)
	if len(dates) == 0 {
		return time.Time{}, false
	}
	oldest := slices.MinFunc(dates, func(a, b time.Time) int { return a.Compare(b) })
	var days int
	for _, d := range dates {
		days += int(d.Sub(oldest).Hours() / 24)
	}
	return oldest.AddDate(0, 0, days/len(dates)), true
}
