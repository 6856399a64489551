// Package proc defines the view of a traced process used by the watchpoint
// engine: threads with general purpose and debug register contexts,
// target memory, and the traps a stopped thread reports.
//
// Backends live in subpackages: native drives a real process through
// ptrace(2) on linux/amd64, proctest simulates one in memory.
package proc
