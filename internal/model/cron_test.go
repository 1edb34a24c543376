package model_test

import (
	"testing"
	"time"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
	}{
		{"every minute", "* * * * *", time.Minute},
		{"every 15 minutes", "*/15 * * * *", 15 * time.Minute},
		{"hourly macro", "@hourly", time.Hour},
		{"every 90 minutes", "@every 1h30m", 90 * time.Minute},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseCron(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}

	_, err := model.ParseCron("")
	require.Error(t, err)
	_, err = model.ParseCron("* * * * * *")
	require.Error(t, err)
}

func TestParseISODuration(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		given string
		then  time.Duration
		err   bool
	}{
		{given: "P1D", then: 24 * time.Hour},
		{given: "PT1H", then: time.Hour},
		{given: "PT10M", then: 10 * time.Minute},
		{given: "P1DT2H3M4S", then: 26*time.Hour + 3*time.Minute + 4*time.Second},
		{given: "PT0.5S", then: 500 * time.Millisecond},
		{given: "PT1,5H", then: 90 * time.Minute},
		{given: "PT1.5M", then: 90 * time.Second},
		{given: "P1DT0.5H", then: 24*time.Hour + 30*time.Minute},
		{given: "P2M", err: true},
		{given: "P2DT", err: true},
		{given: "PT", err: true},
		{given: "PT0S", err: true},
		{given: "1D", err: true},
		{given: "", err: true},
	}

	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseISODuration(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}
