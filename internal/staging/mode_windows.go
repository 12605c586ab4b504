//go:build windows

package staging

import "io/fs"

// applyMode is a no-op: Windows has no unix permission bits to restore.
func applyMode(string, fs.FileMode) error { return nil }
