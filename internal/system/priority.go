package system

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrInvalidLevel is returned for priority levels outside the logical set.
var ErrInvalidLevel = errors.New("invalid priority level")

// Level is the platform-independent priority of a process.
type Level string

const (
	LevelLow      Level = "low"
	LevelNormal   Level = "normal"
	LevelHigh     Level = "high"
	LevelRealtime Level = "realtime"
)

// Levels lists the logical levels from least to most urgent.
var Levels = []Level{LevelLow, LevelNormal, LevelHigh, LevelRealtime}

type priorityEntry struct {
	level  Level
	native int
}

type priorityTable struct {
	// entries are tried in order; the first entry of a level is the one
	// used when setting, later ones are read-side aliases.
	entries []priorityEntry
	// ordered tables use numeric distance for values with no exact entry.
	ordered bool
}

// Windows priority classes.
const (
	idlePriorityClass        = 0x00000040
	belowNormalPriorityClass = 0x00004000
	normalPriorityClass      = 0x00000020
	aboveNormalPriorityClass = 0x00008000
	highPriorityClass        = 0x00000080
	realtimePriorityClass    = 0x00000100
)

var priorityTables = map[string]priorityTable{
	"windows": {
		entries: []priorityEntry{
			{LevelLow, belowNormalPriorityClass},
			{LevelNormal, normalPriorityClass},
			{LevelHigh, highPriorityClass},
			{LevelRealtime, realtimePriorityClass},
			{LevelLow, idlePriorityClass},
			{LevelHigh, aboveNormalPriorityClass},
		},
	},
	// nice values: higher is less urgent.
	"unix": {
		entries: []priorityEntry{
			{LevelNormal, 0},
			{LevelLow, 10},
			{LevelHigh, -10},
			{LevelRealtime, -20},
		},
		ordered: true,
	},
}

func tableFor(goos string) priorityTable {
	if t, ok := priorityTables[goos]; ok {
		return t
	}
	return priorityTables["unix"]
}

// ParseLevel accepts a logical level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Levels {
		if l == known {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// NativePriority maps a logical level to the native value for goos.
func NativePriority(goos string, level Level) (int, error) {
	for _, e := range tableFor(goos).entries {
		if e.level == level {
			return e.native, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, level)
}

// LevelOf derives the logical level of a native priority value for goos.
func LevelOf(goos string, native int) Level {
	t := tableFor(goos)
	for _, e := range t.entries {
		if e.native == native {
			return e.level
		}
	}
	if !t.ordered {
		return LevelNormal
	}
	best, bestDist := LevelNormal, -1
	for _, e := range t.entries {
		d := e.native - native
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = e.level, d
		}
	}
	return best
}

// LocalLevelOf is LevelOf for the running platform.
func LocalLevelOf(native int) Level {
	return LevelOf(runtime.GOOS, native)
}
