//go:build linux

package logsource

import (
	"os"
	"syscall"
)

// fileInode returns the inode number of a stat result
func fileInode(info os.FileInfo) uint64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return stat.Ino
}
