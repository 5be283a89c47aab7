//go:build !windows

package system

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

func setNativePriority(pid int32, native int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, int(pid), native)
}

func openCommand(target string) (string, []string) {
	if runtime.GOOS == "darwin" {
		return "open", []string{target}
	}
	return "xdg-open", []string{target}
}

func defaultDiskPath() string {
	return "/"
}

// IsElevated reports whether proctop runs as root.
func IsElevated() bool {
	return os.Geteuid() == 0
}
