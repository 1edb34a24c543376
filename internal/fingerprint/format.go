package fingerprint

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// StrOrNone trims v, an empty or whitespace only string is no value.
func StrOrNone(v any) (string, bool) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = x.String()
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(x)
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// FloatOrNone accepts numbers and numeric strings.
func FloatOrNone(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case float32:
		f = float64(x)
	case float64:
		f = x
	case json.Number:
		var err error
		if f, err = x.Float64(); err != nil {
			return 0, false
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(x), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// IntOrNone is FloatOrNone truncated with floor.
func IntOrNone(v any) (int64, bool) {
	if i, ok := v.(int64); ok {
		return i, true
	}
	if i, ok := v.(int); ok {
		return int64(i), true
	}
	f, ok := FloatOrNone(v)
	if !ok {
		return 0, false
	}
	return int64(math.Floor(f)), true
}

// DateOrNone accepts time values only, strings must be parsed by the caller
// with ParseDate.
func DateOrNone(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, false
		}
		y, m, d := x.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return DateOrNone(*x)
	default:
		return time.Time{}, false
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// ParseDate parses the date formats sources report, or returns v unchanged.
func ParseDate(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return nil
}

func formatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}

// ImageNames returns the sorted distinct image names of the containers and
// init containers of deployments, without digest or tag.
func ImageNames(deployments []any) []string {
	ret := []string{}
	for _, d := range deployments {
		dep, ok := d.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"container_images", "init_container_images"} {
			images, _ := dep[key].([]any)
			for _, img := range images {
				s, ok := img.(string)
				if !ok {
					continue
				}
				if name := imageName(s); name != "" && !slices.Contains(ret, name) {
					ret = append(ret, name)
				}
			}
		}
	}
	slices.Sort(ret)
	return ret
}

// imageName strips "@digest" then ":tag". A colon before the last slash
// is a registry port.
func imageName(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "@")
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		s = s[:i]
	}
	return s
}

// Labels maps each label key of deployments to its sorted distinct values.
func Labels(deployments []any) map[string][]string {
	ret := map[string][]string{}
	for _, d := range deployments {
		dep, ok := d.(map[string]any)
		if !ok {
			continue
		}
		labels, _ := dep["labels"].(map[string]any)
		for k, v := range labels {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if !slices.Contains(ret[k], s) {
				ret[k] = append(ret[k], s)
			}
		}
	}
	for _, vs := range ret {
		slices.Sort(vs)
	}
	return ret
}
