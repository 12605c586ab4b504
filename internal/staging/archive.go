package staging

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// entryPath resolves an archive entry name below dir, rejecting names that
// would land outside it.
func entryPath(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes %s", name, dir)
	}
	return filepath.Join(dir, clean), nil
}

func expandZip(src, dir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return &Error{Op: "open archive", Path: src, Kind: KindArchive, Err: err}
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		out, err := entryPath(dir, f.Name)
		if err != nil {
			return &Error{Op: "expand", Path: src, Kind: KindArchive, Err: err}
		}
		mode := f.Mode()
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(out, 0o755); err != nil {
				return &Error{Op: "mkdir", Path: out, Kind: KindFilesystem, Err: err}
			}
			if err := applyMode(out, mode); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return &Error{Op: "read entry", Path: f.Name, Kind: KindArchive, Err: err}
		}
		err = writeEntry(out, rc, mode)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func expandTarGz(src, dir string) error {
	f, err := os.Open(src)
	if err != nil {
		return &Error{Op: "open archive", Path: src, Kind: KindFilesystem, Err: err}
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return &Error{Op: "open archive", Path: src, Kind: KindArchive, Err: err}
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &Error{Op: "read archive", Path: src, Kind: KindArchive, Err: err}
		}
		out, err := entryPath(dir, h.Name)
		if err != nil {
			return &Error{Op: "expand", Path: src, Kind: KindArchive, Err: err}
		}
		mode := fs.FileMode(h.Mode).Perm()
		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(out, 0o755); err != nil {
				return &Error{Op: "mkdir", Path: out, Kind: KindFilesystem, Err: err}
			}
			if err := applyMode(out, mode|fs.ModeDir); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(out, tr, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := linkEntry(dir, out, h.Linkname); err != nil {
				return err
			}
		case tar.TypeLink:
			if err := hardLinkEntry(dir, out, h.Linkname, mode); err != nil {
				return err
			}
		case tar.TypeXGlobalHeader:
		default:
			return &Error{Op: "expand", Path: h.Name, Kind: KindArchive, Err: fmt.Errorf("unsupported tar entry type %q", h.Typeflag)}
		}
	}
}

func writeEntry(out string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return &Error{Op: "mkdir", Path: filepath.Dir(out), Kind: KindFilesystem, Err: err}
	}
	w, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &Error{Op: "create", Path: out, Kind: KindFilesystem, Err: err}
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return &Error{Op: "write", Path: out, Kind: KindArchive, Err: err}
	}
	if err := w.Close(); err != nil {
		return &Error{Op: "write", Path: out, Kind: KindFilesystem, Err: err}
	}
	return applyMode(out, mode)
}

// linkEntry recreates a symlink whose target stays inside dir.
func linkEntry(dir, out, target string) error {
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(out), target)
	}
	if rel, err := filepath.Rel(dir, resolved); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &Error{Op: "expand", Path: out, Kind: KindArchive, Err: fmt.Errorf("symlink target %q escapes %s", target, dir)}
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return &Error{Op: "mkdir", Path: filepath.Dir(out), Kind: KindFilesystem, Err: err}
	}
	_ = os.Remove(out)
	if err := os.Symlink(target, out); err != nil {
		return &Error{Op: "symlink", Path: out, Kind: KindFilesystem, Err: err}
	}
	return nil
}

// hardLinkEntry links out to an entry extracted earlier from the same
// archive, copying it where the filesystem refuses hard links.
func hardLinkEntry(dir, out, name string, mode fs.FileMode) error {
	src, err := entryPath(dir, name)
	if err != nil {
		return &Error{Op: "expand", Path: out, Kind: KindArchive, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return &Error{Op: "mkdir", Path: filepath.Dir(out), Kind: KindFilesystem, Err: err}
	}
	_ = os.Remove(out)
	if err := os.Link(src, out); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return &Error{Op: "link", Path: out, Kind: KindArchive, Err: fmt.Errorf("link target %q: %w", name, err)}
	}
	defer func() { _ = in.Close() }()
	if mode == 0 {
		if fi, err := in.Stat(); err == nil {
			mode = fi.Mode().Perm()
		}
	}
	return writeEntry(out, in, mode)
}
