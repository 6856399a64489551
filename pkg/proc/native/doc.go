// Package native traces a process through ptrace(2). Only linux/amd64 is
// supported, on every other platform Launch and Attach fail with
// ErrNativeBackendDisabled.
package native
