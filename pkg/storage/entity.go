package storage

import (
	"strings"
	"time"

	"github.com/marmos91/sharefs/pkg/connection"
)

// RemoteInfo is the metadata a driver reports for one remote entry.
type RemoteInfo struct {
	// Name is the entry name as the backend reports it
	Name string

	// URI of the entry; directories may carry a trailing "/"
	URI string

	Size    int64
	ModTime time.Time

	// IsDir is the backend's directory flag
	IsDir bool

	// IsRegular is false for links, devices and other special entries
	IsRegular bool
}

// FileEntity is the normalized snapshot handed to callers.
type FileEntity struct {
	Name         string
	URI          string
	Size         int64
	LastModified time.Time
	IsDirectory  bool
}

// NewFileEntity maps driver metadata to a FileEntity.
//
// An entry is a directory when its URI says so or the backend says so.
// Directories and non-regular entries report size 0. Trailing separators are
// stripped from the name.
func NewFileEntity(info RemoteInfo) FileEntity {
	isDir := connection.IsDirectoryURI(info.URI) || info.IsDir

	size := info.Size
	if isDir || !info.IsRegular || size < 0 {
		size = 0
	}

	name := strings.TrimRight(info.Name, "/\\")
	if name == "" {
		name = lastSegment(info.URI)
	}

	return FileEntity{
		Name:         name,
		URI:          info.URI,
		Size:         size,
		LastModified: info.ModTime,
		IsDirectory:  isDir,
	}
}

func lastSegment(uri string) string {
	trimmed := strings.TrimRight(uri, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// NewInfo builds RemoteInfo for the entry conn targets, fixing the URI to
// carry a trailing "/" for directories.
func NewInfo(conn connection.Connection, size int64, modTime time.Time, isDir, isRegular bool) RemoteInfo {
	if isDir && !conn.IsDirectory() {
		conn = conn.WithPath(conn.Path() + "/")
	}
	return RemoteInfo{
		Name:      conn.Name(),
		URI:       conn.URI(),
		Size:      size,
		ModTime:   modTime,
		IsDir:     isDir,
		IsRegular: isRegular,
	}
}
