package staging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/deployr/internal/artifact"
	"github.com/loykin/deployr/internal/metrics"
)

// Mode selects how an artifact is promoted into the production layout.
type Mode int

const (
	// Copy places the cached file itself, for directly runnable archives.
	Copy Mode = iota
	// Expand unpacks the cached archive, for runtime distributions.
	Expand
)

func (m Mode) String() string {
	if m == Expand {
		return "expand"
	}
	return "copy"
}

// DefaultDirPrefix names expanded runtimes <prefix><version>, e.g. jdk-11.0.2.
const DefaultDirPrefix = "jdk-"

// Config holds Pipeline settings.
type Config struct {
	CacheRoot string
	ProdRoot  string
	DirPrefix string
	Logger    *slog.Logger
}

// Pipeline promotes cached artifacts into the production layout.
type Pipeline struct {
	cache     artifact.Layout
	prod      artifact.Layout
	dirPrefix string
	logger    *slog.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.DirPrefix == "" {
		cfg.DirPrefix = DefaultDirPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		cache:     artifact.Layout{Root: cfg.CacheRoot},
		prod:      artifact.Layout{Root: cfg.ProdRoot},
		dirPrefix: cfg.DirPrefix,
		logger:    cfg.Logger,
	}
}

// CopyTarget is where a Copy-mode artifact lives in production.
func (p *Pipeline) CopyTarget(ref artifact.Ref) string {
	return p.prod.Path(ref)
}

// ExpandTarget is the directory an Expand-mode artifact unpacks to.
func (p *Pipeline) ExpandTarget(ref artifact.Ref) string {
	return filepath.Join(p.prod.Dir(ref), p.dirPrefix+ref.Version)
}

// MarkerPath is the sentinel sibling of an expansion target. While it exists
// the target is incomplete.
func MarkerPath(target string) string {
	return filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".staging")
}

// Target returns the production path of ref under mode without touching disk.
func (p *Pipeline) Target(ref artifact.Ref, mode Mode) string {
	if mode == Expand {
		return p.ExpandTarget(ref)
	}
	return p.CopyTarget(ref)
}

// EnsureStaged guarantees ref is present in production and returns its path.
// A successful return implies a marker-free, fully populated path.
func (p *Pipeline) EnsureStaged(ref artifact.Ref, mode Mode) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", &Error{Op: "validate", Path: ref.String(), Kind: KindFilesystem, Err: err}
	}
	if mode == Expand {
		return p.ensureExpanded(ref)
	}
	return p.ensureCopied(ref)
}

func (p *Pipeline) ensureCopied(ref artifact.Ref) (string, error) {
	dst := p.CopyTarget(ref)
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	src := p.cache.Path(ref)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", &Error{Op: "mkdir", Path: filepath.Dir(dst), Kind: KindFilesystem, Err: err}
	}
	if err := copyFile(src, dst); err != nil {
		return "", &Error{Op: "copy", Path: dst, Kind: KindFilesystem, Err: err}
	}
	metrics.IncStaging(Copy.String())
	p.logger.Info("staged artifact", "artifact", ref.String(), "path", dst)
	return dst, nil
}

func (p *Pipeline) ensureExpanded(ref artifact.Ref) (string, error) {
	target := p.ExpandTarget(ref)
	marker := MarkerPath(target)

	_, terr := os.Stat(target)
	_, merr := os.Stat(marker)
	targetExists, markerExists := terr == nil, merr == nil

	switch {
	case targetExists && !markerExists:
		return target, nil
	case targetExists && markerExists:
		p.logger.Warn("found interrupted expansion, re-expanding", "path", target)
		metrics.IncStagingRepair()
		if err := os.RemoveAll(target); err != nil {
			return "", &Error{Op: "remove partial", Path: target, Kind: KindFilesystem, Err: err}
		}
	}
	if markerExists {
		if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", &Error{Op: "remove marker", Path: marker, Kind: KindFilesystem, Err: err}
		}
	}

	format := artifact.DetectFormat(ref.FileName)
	if format == artifact.FormatUnknown {
		return "", &Error{Op: "detect format", Path: ref.FileName, Kind: KindArchive, Err: errors.New("unsupported archive type")}
	}

	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", &Error{Op: "mkdir", Path: parent, Kind: KindFilesystem, Err: err}
	}
	before, err := entryNames(parent)
	if err != nil {
		return "", &Error{Op: "list", Path: parent, Kind: KindFilesystem, Err: err}
	}
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return "", &Error{Op: "create marker", Path: marker, Kind: KindFilesystem, Err: err}
	}

	src := p.cache.Path(ref)
	p.logger.Info("expanding archive", "archive", src, "into", parent, "format", format.String())
	switch format {
	case artifact.FormatZip:
		err = expandZip(src, parent)
	case artifact.FormatTarGz:
		err = expandTarGz(src, parent)
	}
	if err != nil {
		// the marker stays so the next call repairs the partial target
		return "", err
	}

	if _, err := os.Stat(target); err != nil {
		p.removeExtracted(parent, before, marker)
		_ = os.Remove(marker)
		return "", &Error{Op: "verify", Path: target, Kind: KindArchive, Err: fmt.Errorf("archive does not contain %s", filepath.Base(target))}
	}
	if err := os.Remove(marker); err != nil {
		return "", &Error{Op: "remove marker", Path: marker, Kind: KindFilesystem, Err: err}
	}
	metrics.IncStaging(Expand.String())
	p.logger.Info("staged artifact", "artifact", ref.String(), "path", target)
	return target, nil
}

// entryNames lists the names present in dir; a missing dir is empty.
func entryNames(dir string) (map[string]bool, error) {
	des, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	names := make(map[string]bool, len(des))
	for _, de := range des {
		names[de.Name()] = true
	}
	return names, nil
}

// removeExtracted deletes what an expansion added to parent.
func (p *Pipeline) removeExtracted(parent string, before map[string]bool, marker string) {
	des, err := os.ReadDir(parent)
	if err != nil {
		return
	}
	for _, de := range des {
		path := filepath.Join(parent, de.Name())
		if before[de.Name()] || path == marker {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			p.logger.Warn("failed to remove extracted entry", "path", path, "error", err)
		}
	}
}

// copyFile writes src to a temporary sibling of dst and renames it into place.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	fi, err := in.Stat()
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode().Perm()|0o600)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
