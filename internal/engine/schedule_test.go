package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roborun/roborun/internal/engine"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    string
		ok       bool
	}{
		{"every_15_minutes", "*/15 * * * *", true},
		{"nightly", "0 2 * * *", true},
		{"macro_hourly", "@hourly", true},
		{"macro_every", "@every 5m", true},
		{"whitespace", "  0 2 * * *  ", true},
		{"empty", "", false},
		{"four_fields", "* * * *", false},
		{"six_fields", "0 */2 * * * *", false},
		{"out_of_range", "* * 32 * *", false},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			err := engine.ParseCron(tc.given)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
