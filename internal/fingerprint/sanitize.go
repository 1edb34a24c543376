package fingerprint

import (
	"cmp"
	"encoding/json"
	"slices"
	"strings"
	"unicode/utf8"
)

// Sanitize replaces every surrogate code point and invalid UTF-8 sequence
// of the strings in v with "?". Byte slices and nil pass through.
func Sanitize(v any) any {
	switch x := v.(type) {
	case string:
		return sanitizeString(x)
	case []string:
		ret := make([]string, len(x))
		for i, s := range x {
			ret[i] = sanitizeString(s)
		}
		return ret
	case []any:
		ret := make([]any, len(x))
		for i, e := range x {
			ret[i] = Sanitize(e)
		}
		return ret
	case map[string]any:
		ret := make(map[string]any, len(x))
		for k, e := range x {
			ret[sanitizeString(k)] = Sanitize(e)
		}
		return ret
	case map[string][]string:
		ret := make(map[string][]string, len(x))
		for k, e := range x {
			ret[sanitizeString(k)] = Sanitize(e).([]string)
		}
		return ret
	default:
		return v
	}
}

func sanitizeString(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		// a surrogate encoded as three bytes counts as one character
		if i+2 < len(s) && s[i] == 0xed && s[i+1] >= 0xa0 && s[i+1] <= 0xbf && s[i+2] >= 0x80 && s[i+2] <= 0xbf {
			b.WriteByte('?')
			i += 3
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteByte('?')
		} else {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

// DeepSort returns a copy of v with every list sorted, recursively. Lists
// are ordered by the JSON encoding of their sorted elements.
func DeepSort(v any) any {
	switch x := v.(type) {
	case []string:
		ret := slices.Clone(x)
		slices.Sort(ret)
		return ret
	case []any:
		type keyed struct {
			key string
			v   any
		}
		elems := make([]keyed, len(x))
		for i, e := range x {
			sorted := DeepSort(e)
			b, _ := json.Marshal(sorted)
			elems[i] = keyed{key: string(b), v: sorted}
		}
		slices.SortStableFunc(elems, func(a, b keyed) int {
			return cmp.Compare(a.key, b.key)
		})
		ret := make([]any, len(elems))
		for i, e := range elems {
			ret[i] = e.v
		}
		return ret
	case map[string]any:
		ret := make(map[string]any, len(x))
		for k, e := range x {
			ret[k] = DeepSort(e)
		}
		return ret
	case map[string][]string:
		ret := make(map[string][]string, len(x))
		for k, e := range x {
			ret[k] = DeepSort(e).([]string)
		}
		return ret
	default:
		return v
	}
}
