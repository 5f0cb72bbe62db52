// Package logx wraps zerolog behind a small structured-logging API.
//
// It supports:
//   - Console and file sinks with runtime Apply() swapping
//   - Derived loggers with fixed fields (With)
//   - A safe zero-value / Nop logger for tests
package logx
