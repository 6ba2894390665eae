//go:build !windows

package collector

import (
	"os"
	"syscall"
)

// fileIdentity returns the device/inode pair identifying the file behind
// info, so rotation is detected even when the replacement file is already
// larger than the old read offset.
func fileIdentity(info os.FileInfo) (dev, ino uint64, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return uint64(st.Dev), uint64(st.Ino), true
}
