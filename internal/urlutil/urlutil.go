// Package urlutil implements URL validation, origin derivation, filename
// derivation and sanitisation, and extension-based category
// classification — the C1 component. It is grounded on the teacher's
// internal/utils/urlpath.go and the DetermineFilename call sites in
// internal/engine/probe.go and internal/downloader/multi-downloader.go,
// whose bodies the retrieval pack did not include.
package urlutil

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError is returned by Validate when a URL fails the §4.1
// acceptance rules. It is never retried by the engine.
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

const maxURLLength = 2048

var forbiddenSubstrings = []string{"blob:", "data:", ".m3u8", ".mpd"}

// Validate accepts a URL only if its scheme is http/https/ftp, its
// length is within bound, it carries a non-empty host that is either a
// loopback name or contains a dot, and it does not contain any of the
// streaming/blob/data substrings the engine refuses to handle.
func Validate(raw string) error {
	if len(raw) > maxURLLength {
		return &ValidationError{URL: raw, Reason: "exceeds maximum length"}
	}
	lower := strings.ToLower(raw)
	for _, bad := range forbiddenSubstrings {
		if strings.Contains(lower, bad) {
			return &ValidationError{URL: raw, Reason: fmt.Sprintf("contains forbidden substring %q", bad)}
		}
	}
	if !strings.Contains(raw, "://") {
		return &ValidationError{URL: raw, Reason: "missing scheme separator"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{URL: raw, Reason: err.Error()}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp":
	default:
		return &ValidationError{URL: raw, Reason: "unsupported scheme " + u.Scheme}
	}
	host := u.Hostname()
	if host == "" {
		return &ValidationError{URL: raw, Reason: "empty host"}
	}
	if host != "localhost" && host != "127.0.0.1" && !strings.Contains(host, ".") {
		return &ValidationError{URL: raw, Reason: "host is not a loopback name and has no dot"}
	}
	return nil
}

// Origin derives scheme://host[:port]/ from a URL, used as the default
// Referer when a record carries none.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}

var reservedChars = []string{":", "*", "?", "\"", "<", ">", "|", "\\", "/"}

// DeriveFilename extracts the filename from a URL path: the substring
// after the last "/", query string stripped, percent-decoded, then
// sanitised. An empty result falls back to "download_<id>".
func DeriveFilename(raw string, id int64) string {
	name := raw
	if idx := strings.IndexAny(name, "?#"); idx != -1 {
		name = name[:idx]
	}
	if idx := strings.LastIndex(name, "/"); idx != -1 {
		name = name[idx+1:]
	}
	name = percentDecode(name)
	name = Sanitise(name)
	if name == "" {
		return fmt.Sprintf("download_%d", id)
	}
	return name
}

// percentDecode decodes %XX escapes where XX is a valid two-hex-digit
// sequence; invalid escapes pass through unchanged rather than erroring.
func percentDecode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Sanitise replaces reserved filesystem characters with "_", strips
// control characters, and trims trailing dots and spaces.
func Sanitise(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		replaced := false
		for _, c := range reservedChars {
			if string(r) == c {
				b.WriteByte('_')
				replaced = true
				break
			}
		}
		if !replaced {
			b.WriteRune(r)
		}
	}
	out := b.String()
	out = strings.TrimRight(out, ". ")
	return out
}

// defaultCategoryMap maps lower-cased file extensions (without the dot)
// to a user-visible category name, mirroring the default categories the
// teacher's settings/category tree ships with.
var defaultCategoryMap = map[string]string{
	"zip": "Compressed", "rar": "Compressed", "7z": "Compressed", "tar": "Compressed", "gz": "Compressed", "xz": "Compressed", "bz2": "Compressed",
	"pdf": "Documents", "doc": "Documents", "docx": "Documents", "xls": "Documents", "xlsx": "Documents", "ppt": "Documents", "pptx": "Documents", "txt": "Documents", "csv": "Documents",
	"jpg": "Images", "jpeg": "Images", "png": "Images", "gif": "Images", "bmp": "Images", "svg": "Images", "webp": "Images",
	"mp3": "Music", "flac": "Music", "wav": "Music", "aac": "Music", "ogg": "Music", "m4a": "Music",
	"mp4": "Video", "mkv": "Video", "avi": "Video", "mov": "Video", "webm": "Video", "flv": "Video",
	"exe": "Programs", "msi": "Programs", "dmg": "Programs", "deb": "Programs", "rpm": "Programs", "appimage": "Programs",
}

const defaultCategory = "All Downloads"

// Classify returns the category for filename, consulting overrides
// first (loaded from settings), falling back to the built-in extension
// map, and finally to the catch-all default category.
func Classify(filename string, overrides map[string]string) string {
	ext := extensionOf(filename)
	if ext == "" {
		return defaultCategory
	}
	if overrides != nil {
		if cat, ok := overrides[ext]; ok {
			return cat
		}
	}
	if cat, ok := defaultCategoryMap[ext]; ok {
		return cat
	}
	return defaultCategory
}

func extensionOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx == -1 || idx == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[idx+1:])
}

// DefaultCategories returns the built-in user-visible category names, in
// a stable order, used to seed a fresh registry.
func DefaultCategories() []string {
	return []string{"All Downloads", "Compressed", "Documents", "Images", "Music", "Video", "Programs"}
}
