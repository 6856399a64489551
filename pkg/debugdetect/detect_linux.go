//go:build linux

package debugdetect

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

func detectDebuggerAttached() (bool, error) {
	pid, err := TracerPid(os.Getpid())
	if err != nil {
		return false, err
	}
	return pid != 0, nil
}

// TracerPid returns the pid of the process tracing pid, or 0 if it is not
// being traced.
func TracerPid(pid int) (int, error) {
	path := fmt.Sprintf("/proc/%d/status", pid)
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer f.Close()
	return parseTracerPid(f)
}

func parseTracerPid(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "TracerPid:") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return 0, fmt.Errorf("malformed TracerPid line in status file: %s", line)
			}
			pid, err := strconv.Atoi(fields[1])
			if err != nil {
				return 0, fmt.Errorf("failed to parse TracerPid value: %w", err)
			}
			return pid, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("error reading status file: %w", err)
	}

	return 0, fmt.Errorf("TracerPid field not found in status file")
}
