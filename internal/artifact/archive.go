package artifact

import "strings"

// ArchiveFormat is the container format of an expandable artifact.
type ArchiveFormat int

const (
	FormatUnknown ArchiveFormat = iota
	FormatZip
	FormatTarGz
)

func (f ArchiveFormat) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTarGz:
		return "tar.gz"
	default:
		return "unknown"
	}
}

// DetectFormat infers the archive format from a file name.
func DetectFormat(fileName string) ArchiveFormat {
	n := strings.ToLower(fileName)
	switch {
	case strings.HasSuffix(n, ".zip"), strings.HasSuffix(n, ".jar"):
		return FormatZip
	case strings.HasSuffix(n, ".tar.gz"), strings.HasSuffix(n, ".tgz"):
		return FormatTarGz
	default:
		return FormatUnknown
	}
}
