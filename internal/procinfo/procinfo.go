// Package procinfo reads process start times so a PID can be checked
// against the process it was recorded for before it is signalled.
package procinfo

// StartUnix returns the start time of pid in Unix seconds, or 0 when it
// cannot be determined.
func StartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	return startUnix(pid)
}

// Same reports whether pid still names the process that started at start.
// An unknown start time on either side is treated as a match.
func Same(pid int, start int64) bool {
	if start <= 0 {
		return true
	}
	cur := StartUnix(pid)
	return cur <= 0 || cur == start
}
