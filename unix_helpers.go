//go:build linux

package nsbox

import (
	"os"
	"syscall"
)

// statOwnerUID extracts the owning uid from a FileInfo obtained via
// os.Stat/os.Lstat on Linux. Returns -1 if the underlying Sys() value isn't a
// *syscall.Stat_t (should not happen on this platform).
func statOwnerUID(info os.FileInfo) int {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return -1
	}

	return int(stat.Uid)
}
