//go:build windows

package walker

import "io/fs"

// inodeOf has no cheap equivalent on Windows without opening a file handle
// for GetFileInformationByHandle; the walker falls back to mtime/size
// comparison there, same as entryChanged does when Inode is nil.
func inodeOf(info fs.FileInfo) *int64 {
	return nil
}
