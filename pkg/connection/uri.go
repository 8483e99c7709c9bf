package connection

import (
	"fmt"
	"mime"
	"path"
	"strings"
)

// IsDirectoryURI reports whether a URI or path denotes a directory.
func IsDirectoryURI(uri string) bool {
	return strings.HasSuffix(uri, "/")
}

// preferredExtensions pins the extension chosen for common MIME types;
// mime.ExtensionsByType returns every known alias in lexical order.
var preferredExtensions = map[string]string{
	"application/json":   ".json",
	"application/pdf":    ".pdf",
	"application/zip":    ".zip",
	"audio/mpeg":         ".mp3",
	"image/gif":          ".gif",
	"image/jpeg":         ".jpg",
	"image/png":          ".png",
	"image/webp":         ".webp",
	"text/csv":           ".csv",
	"text/html":          ".html",
	"text/markdown":      ".md",
	"text/plain":         ".txt",
	"video/mp4":          ".mp4",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       ".xlsx",
}

// ExtensionsForMIME returns the extensions matching mimeType, preferred first.
func ExtensionsForMIME(mimeType string) []string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = strings.ToLower(strings.TrimSpace(mimeType))
	}

	var exts []string
	if pref, ok := preferredExtensions[base]; ok {
		exts = append(exts, pref)
	}
	known, _ := mime.ExtensionsByType(base)
	for _, ext := range known {
		if len(exts) == 0 || !strings.EqualFold(ext, exts[0]) {
			exts = append(exts, ext)
		}
	}
	return exts
}

// OptimizePath appends the extension implied by mimeType to p when p is a
// file whose current extension does not already match. Directories, empty or
// generic MIME types and unknown types leave p unchanged.
func OptimizePath(p, mimeType string) string {
	if IsDirectoryURI(p) || mimeType == "" || mimeType == "application/octet-stream" {
		return p
	}

	exts := ExtensionsForMIME(mimeType)
	if len(exts) == 0 {
		return p
	}

	current := path.Ext(p)
	for _, ext := range exts {
		if strings.EqualFold(current, ext) {
			return p
		}
	}
	return p + exts[0]
}

// PreserveExtension keeps the extension of from on to when to has none.
func PreserveExtension(from, to string) string {
	if IsDirectoryURI(from) || IsDirectoryURI(to) {
		return to
	}
	ext := path.Ext(from)
	if ext == "" || path.Ext(to) != "" {
		return to
	}
	return to + ext
}

// AccessMode is the mode a remote file is opened with.
type AccessMode int

const (
	ModeRead AccessMode = iota
	ModeWrite
	ModeReadWrite
)

// ParseAccessMode accepts "r", "w", "rw" plus the truncate/append variants
// ("wt", "wa", "rwt") used by document-provider style callers.
func ParseAccessMode(s string) (AccessMode, error) {
	switch strings.ToLower(s) {
	case "r", "read":
		return ModeRead, nil
	case "w", "wt", "wa", "write":
		return ModeWrite, nil
	case "rw", "rwt", "read-write":
		return ModeReadWrite, nil
	}
	return 0, fmt.Errorf("unknown access mode %q", s)
}

func (m AccessMode) CanRead() bool {
	return m == ModeRead || m == ModeReadWrite
}

func (m AccessMode) CanWrite() bool {
	return m == ModeWrite || m == ModeReadWrite
}

func (m AccessMode) String() string {
	switch m {
	case ModeRead:
		return "r"
	case ModeWrite:
		return "w"
	case ModeReadWrite:
		return "rw"
	}
	return "unknown"
}
