// Package format renders sizes, durations and percentages for people.
package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Bytes formats n with a binary unit, e.g. "512 B", "2.5 MiB" or "12 GiB".
func Bytes(n uint64) string {
	return humanize.IBytes(n)
}

// Rate formats a bytes-per-second value.
func Rate(n uint64) string {
	return humanize.IBytes(n) + "/s"
}

// Duration formats d in its largest whole unit: "45 seconds", "3 minutes", "2 days".
func Duration(d time.Duration) string {
	var epoch time.Time
	return strings.TrimSpace(humanize.RelTime(epoch, epoch.Add(max(d, 0)), "", ""))
}

func Percent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}

// Timestamp formats t in local time.
func Timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// Int renders a sentinel-aware count with thousands separators; negative
// values mean "unknown".
func Int(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.Comma(n)
}
