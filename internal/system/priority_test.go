package system

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" High ")
	require.NoError(t, err)
	assert.Equal(t, LevelHigh, l)

	_, err = ParseLevel("turbo")
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestNativePriority(t *testing.T) {
	cases := []struct {
		goos  string
		level Level
		want  int
	}{
		{"linux", LevelLow, 10},
		{"linux", LevelNormal, 0},
		{"linux", LevelHigh, -10},
		{"darwin", LevelRealtime, -20},
		{"windows", LevelLow, belowNormalPriorityClass},
		{"windows", LevelNormal, normalPriorityClass},
		{"windows", LevelHigh, highPriorityClass},
		{"windows", LevelRealtime, realtimePriorityClass},
	}
	for _, tc := range cases {
		got, err := NativePriority(tc.goos, tc.level)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s/%s", tc.goos, tc.level)
	}

	_, err := NativePriority("linux", Level("bogus"))
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestLevelOf(t *testing.T) {
	cases := []struct {
		goos   string
		native int
		want   Level
	}{
		{"linux", 0, LevelNormal},
		{"linux", 3, LevelNormal},
		{"linux", 19, LevelLow},
		{"linux", -5, LevelNormal},
		{"linux", -12, LevelHigh},
		{"linux", -20, LevelRealtime},
		{"windows", idlePriorityClass, LevelLow},
		{"windows", aboveNormalPriorityClass, LevelHigh},
		{"windows", realtimePriorityClass, LevelRealtime},
		{"windows", 0x1234, LevelNormal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LevelOf(tc.goos, tc.native), "%s/%d", tc.goos, tc.native)
	}
}

func TestLevelRoundTrip(t *testing.T) {
	for _, goos := range []string{"linux", "windows"} {
		for _, l := range Levels {
			native, err := NativePriority(goos, l)
			require.NoError(t, err)
			assert.Equal(t, l, LevelOf(goos, native))
		}
	}
}
