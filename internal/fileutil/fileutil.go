// Package fileutil holds small filesystem and byte-formatting helpers
// used across the engine: human-readable byte counts (replacing the
// teacher's TUI-only dustin/go-humanize dependency with a stdlib-trivial
// formatter, see DESIGN.md) and content sniffing via h2non/filetype for
// the C1 category fallback and post-merge sanity checks.
package fileutil

import (
	"fmt"
	"os"

	"github.com/h2non/filetype"
)

// HumanBytes renders n bytes as a short "12.3 MB"-style string.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := "KMGTPE"
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), units[exp])
}

// SniffCategory inspects a file's leading bytes and returns a category
// name if the sniffed kind maps to one, used as the C1 classifier's
// fallback when a URL has no usable extension.
func SniffCategory(path string) (string, bool) {
	buf := make([]byte, 261) // filetype needs up to 261 bytes to disambiguate
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	n, _ := f.Read(buf)
	if n == 0 {
		return "", false
	}
	kind, err := filetype.Match(buf[:n])
	if err != nil || kind == filetype.Unknown {
		return "", false
	}
	switch kind.MIME.Type {
	case "video":
		return "Video", true
	case "audio":
		return "Music", true
	case "image":
		return "Images", true
	}
	switch kind.Extension {
	case "zip", "rar", "gz", "7z", "xz", "bz2":
		return "Compressed", true
	case "exe", "deb", "rpm", "dmg":
		return "Programs", true
	case "pdf", "doc", "docx", "xls", "xlsx":
		return "Documents", true
	}
	return "", false
}

// VerifyArchiveKind checks that a merged file whose category is
// "Compressed" actually sniffs as one of the archive kinds h2non/filetype
// recognises. "Programs" files and other categories are never rejected.
// Returns true when the check is inconclusive (unknown kind) — this is a
// sanity check, not gatekeeping.
func VerifyArchiveKind(path, category string) bool {
	if category != "Compressed" && category != "Programs" {
		return true
	}
	buf := make([]byte, 261)
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()
	n, _ := f.Read(buf)
	if n == 0 {
		return true
	}
	kind, err := filetype.Match(buf[:n])
	if err != nil || kind == filetype.Unknown {
		return true
	}
	if category == "Compressed" {
		switch kind.Extension {
		case "zip", "rar", "gz", "7z", "xz", "bz2", "tar":
			return true
		}
		return false
	}
	switch kind.Extension {
	case "exe", "deb", "rpm", "dmg":
		return true
	}
	return true // Programs covers too many binary formats to gate strictly
}
