package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	cases := map[uint64]string{
		0:                             "0 B",
		1023:                          "1023 B",
		1536:                          "1.5 KiB",
		5 * 1024 * 1024:               "5.0 MiB",
		3 * 1024 * 1024 * 1024 / 2:    "1.5 GiB",
		2 * 1024 * 1024 * 1024 * 1024: "2.0 TiB",
	}
	for in, want := range cases {
		assert.Equal(t, want, Bytes(in), "%d", in)
	}
	assert.Equal(t, "1.0 KiB/s", Rate(1024))
}

func TestDuration(t *testing.T) {
	cases := map[time.Duration]string{
		-time.Second:                   "now",
		0:                              "now",
		45 * time.Second:               "45 seconds",
		3*time.Minute + 12*time.Second: "3 minutes",
		5*time.Hour + 2*time.Minute:    "5 hours",
		52*time.Hour + 10*time.Minute:  "2 days",
	}
	for in, want := range cases {
		assert.Equal(t, want, Duration(in), in.String())
	}
}

func TestMisc(t *testing.T) {
	assert.Equal(t, "12.3%", Percent(12.345))
	assert.Equal(t, "-", Int(-1))
	assert.Equal(t, "8", Int(8))
	assert.Equal(t, "12,345", Int(12345))
	assert.Equal(t, "-", Timestamp(time.Time{}))
}
