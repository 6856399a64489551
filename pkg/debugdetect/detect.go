package debugdetect

import (
	"fmt"
	"runtime"
)

// IsDebuggerAttached returns true if the current process is being debugged
// by a ptrace-based debugger (Delve, gdb, lldb, etc.).
//
// Returns an error if the debugger state cannot be determined.
// Supported platforms: linux
func IsDebuggerAttached() (bool, error) {
	switch runtime.GOOS {
	case "linux":
		return detectDebuggerAttached()
	default:
		return false, fmt.Errorf("debugger detection not supported on %s", runtime.GOOS)
	}
}

// Attached is like IsDebuggerAttached but reports false when the state
// cannot be determined.
func Attached() bool {
	attached, err := IsDebuggerAttached()
	return err == nil && attached
}
