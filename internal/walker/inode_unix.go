//go:build !windows

package walker

import (
	"io/fs"
	"syscall"
)

// inodeOf extracts the inode number from a directory entry's FileInfo, used
// by stageWalking to populate WalkedEntry.Inode so entryChanged can detect a
// path whose name and size are unchanged but whose underlying inode was
// replaced (atomic rewrite, hardlink swap, filesystem move-in).
func inodeOf(info fs.FileInfo) *int64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	ino := int64(stat.Ino)
	return &ino
}
