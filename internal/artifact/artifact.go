package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PartSuffix is appended to a cache file while its download is in progress.
const PartSuffix = ".part"

// Ref identifies a versioned artifact: either the application archive or the
// runtime archive of a managed unit.
type Ref struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	FileName string `json:"file_name"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s-%s (%s)", r.Name, r.Version, r.FileName)
}

// Validate rejects refs that would escape the layout roots when joined.
func (r Ref) Validate() error {
	for field, v := range map[string]string{"name": r.Name, "version": r.Version, "file name": r.FileName} {
		if v == "" {
			return fmt.Errorf("artifact %s is empty", field)
		}
		if v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
			return fmt.Errorf("artifact %s %q is not a plain path segment", field, v)
		}
	}
	return nil
}

// Layout resolves artifact locations below a root directory organised as
// <root>/<name>/<version>/<fileName>. The cache and production roots share it.
type Layout struct {
	Root string
}

// Dir returns <root>/<name>/<version>.
func (l Layout) Dir(r Ref) string {
	return filepath.Join(l.Root, r.Name, r.Version)
}

// Path returns <root>/<name>/<version>/<fileName>.
func (l Layout) Path(r Ref) string {
	return filepath.Join(l.Dir(r), r.FileName)
}

// PartPath returns the in-progress sibling of Path.
func (l Layout) PartPath(r Ref) string {
	return l.Path(r) + PartSuffix
}
