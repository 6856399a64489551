// Package debugdetect reports whether a program is running under a
// debugger.
//
// hwwatch uses it to decide whether a hit should raise a debug break in
// the tracer itself, and whether hits are presented while a debugger is
// attached, according to the suppress-*-when-debugged settings.
//
// Supported platforms: linux
// Detects: ptrace-based debuggers (Delve, gdb, lldb, etc.)
package debugdetect
