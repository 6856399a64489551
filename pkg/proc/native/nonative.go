//go:build !linux || !amd64

package native

import (
	"errors"

	"github.com/go-delve/hwwatch/pkg/proc"
)

// ErrNativeBackendDisabled is returned when trying to use the native
// backend on a platform that does not support it.
var ErrNativeBackendDisabled = errors.New("native backend disabled during compilation")

// Process is never instantiated on this platform.
type Process struct{}

var _ proc.Process = (*Process)(nil)

// Launch returns ErrNativeBackendDisabled.
func Launch(_ []string, _ string, _ string) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

// Attach returns ErrNativeBackendDisabled.
func Attach(_ int) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

func (dbp *Process) Pid() int { return 0 }

func (dbp *Process) ThreadList() []proc.Thread { return nil }

func (dbp *Process) ReadMemory(_ []byte, _ uintptr) (int, error) {
	return 0, ErrNativeBackendDisabled
}

func (dbp *Process) Continue() (*proc.Trap, error) { return nil, ErrNativeBackendDisabled }

func (dbp *Process) Detach(_ bool) error { return ErrNativeBackendDisabled }

func (dbp *Process) RequestManualStop() error { return ErrNativeBackendDisabled }

func (dbp *Process) CheckAndClearManualStopRequest() bool { return false }
