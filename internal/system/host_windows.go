//go:build windows

package system

import (
	"os"

	"golang.org/x/sys/windows"
)

func setNativePriority(pid int32, native int) error {
	h, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.SetPriorityClass(h, uint32(native))
}

func openCommand(target string) (string, []string) {
	return "cmd", []string{"/c", "start", "", target}
}

func defaultDiskPath() string {
	if drive := os.Getenv("SystemDrive"); drive != "" {
		return drive + `\`
	}
	return `C:\`
}

// IsElevated reports whether proctop runs with an elevated token.
func IsElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
