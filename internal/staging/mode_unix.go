//go:build !windows

package staging

import (
	"io/fs"
	"os"
)

// applyMode reapplies the permission bits recorded in the archive.
// Entries without recorded bits keep the defaults they were created with.
func applyMode(path string, mode fs.FileMode) error {
	perm := mode.Perm()
	if perm == 0 {
		return nil
	}
	if mode.IsDir() {
		perm |= 0o700
	}
	if err := os.Chmod(path, perm); err != nil {
		return &Error{Op: "chmod", Path: path, Kind: KindFilesystem, Err: err}
	}
	return nil
}
