//go:build windows

package collector

import "os"

// fileIdentity has no cheap stat-level answer on Windows (the file index
// requires an open handle), so rotation falls back to the size-regression
// heuristic there.
func fileIdentity(info os.FileInfo) (dev, ino uint64, ok bool) {
	return 0, 0, false
}
