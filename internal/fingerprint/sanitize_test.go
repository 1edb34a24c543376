package fingerprint_test

import (
	"testing"
	"unicode/utf8"

	"github.com/quipucords/quipucords/internal/fingerprint"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	t.Parallel()
	// "\xed\xa0\x80" is the WTF-8 form of the lone surrogate U+D800
	given := map[string]any{
		"name":  "host\xed\xa0\x80name",
		"list":  []any{"ok", "bad\xff", nil, 3},
		"nil":   nil,
		"bytes": []byte("\xed\xa0\x80"),
		"deep":  map[string]any{"x": []string{"\xed\xbf\xbfz"}},
	}
	got := fingerprint.Sanitize(given).(map[string]any)
	require.Equal(t, "host?name", got["name"])
	require.Equal(t, []any{"ok", "bad?", nil, 3}, got["list"])
	require.Nil(t, got["nil"])
	require.Equal(t, []byte("\xed\xa0\x80"), got["bytes"])
	require.Equal(t, []string{"?z"}, got["deep"].(map[string]any)["x"])
	require.True(t, utf8.ValidString(got["name"].(string)))

	valid := "Red Hat Enterprise Linux ✓"
	require.Equal(t, valid, fingerprint.Sanitize(valid))
}

func TestDeepSort(t *testing.T) {
	t.Parallel()
	given := map[string]any{
		"ips":      []any{"10.0.0.2", "10.0.0.1"},
		"products": []any{map[string]any{"name": "b"}, map[string]any{"name": "a"}},
		"nested":   []any{[]any{3.0, 1.0}, []any{2.0}},
		"scalar":   "x",
	}
	once := fingerprint.DeepSort(given)
	require.Equal(t, map[string]any{
		"ips":      []any{"10.0.0.1", "10.0.0.2"},
		"products": []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}},
		"nested":   []any{[]any{1.0, 3.0}, []any{2.0}},
		"scalar":   "x",
	}, once)
	require.Equal(t, once, fingerprint.DeepSort(once))
	// the input is left untouched
	require.Equal(t, []any{"10.0.0.2", "10.0.0.1"}, given["ips"])
}
