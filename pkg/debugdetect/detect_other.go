//go:build !linux

package debugdetect

import "errors"

func detectDebuggerAttached() (bool, error) {
	return false, errors.New("debugger detection not supported")
}
