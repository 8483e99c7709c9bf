// Package storage defines the contracts between callers, the shared remote
// client and the protocol drivers.
//
// A caller talks to a Client. Every Client operation takes a
// connection.Connection naming both the share and the target inside it.
// The shared implementation (package remote) resolves a session through the
// session cache and delegates the protocol work to a Driver. Drivers know
// nothing about caching, pooling, entity mapping or handle strategies.
package storage

import (
	"context"
	"io"

	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
)

// ============================================================================
// Client
// ============================================================================

// Client is the uniform remote file API.
//
// Query operations (GetFile, GetChildren, GetFileDescriptor) fail soft: when
// the target cannot be opened they return a nil result and a nil error.
// User actions (create, copy, rename, delete, move) return nil/false with a
// nil error when the session cannot be opened, and a classified
// *StorageError when the remote operation itself fails.
// Context errors are always returned.
type Client interface {
	// CheckConnection probes conn with a fresh session and classifies the outcome.
	CheckConnection(ctx context.Context, conn connection.Connection) ConnectionResult

	// GetFile stats the target. forced bypasses the cached session.
	GetFile(ctx context.Context, conn connection.Connection, forced bool) (*FileEntity, error)

	// GetChildren lists the immediate children of the target directory.
	GetChildren(ctx context.Context, conn connection.Connection, forced bool) ([]FileEntity, error)

	// CreateFile creates the target: a directory when it ends with "/",
	// otherwise an empty file. mimeType may adjust the extension.
	CreateFile(ctx context.Context, conn connection.Connection, mimeType string) (*FileEntity, error)

	// CopyFile copies source to target and returns the target entity.
	CopyFile(ctx context.Context, source, target connection.Connection) (*FileEntity, error)

	// RenameFile renames source to target within one connection identity.
	RenameFile(ctx context.Context, source, target connection.Connection) (*FileEntity, error)

	// DeleteFile removes the target (directories recursively).
	DeleteFile(ctx context.Context, conn connection.Connection) (bool, error)

	// MoveFile renames when source and target share identity, otherwise
	// copies and deletes the source.
	MoveFile(ctx context.Context, source, target connection.Connection) (*FileEntity, error)

	// GetFileDescriptor opens the target and returns a Handle. onRelease is
	// invoked exactly once when the handle is released.
	GetFileDescriptor(ctx context.Context, conn connection.Connection, mode connection.AccessMode, onRelease func()) (Handle, error)

	// Close tears down every cached session.
	Close() error
}

// ============================================================================
// Driver
// ============================================================================

// Capabilities describes what a backend can do natively.
type Capabilities struct {
	// RandomWrite is false for backends that can only replace or append a
	// whole object; their handles always use the safe strategy.
	RandomWrite bool
}

// Driver performs protocol operations on a session it dialed.
//
// Every path argument is the full target Connection; drivers derive their
// native path from it. Errors are returned raw and classified via Classify.
type Driver interface {
	session.Dialer

	Capabilities() Capabilities

	// Stat returns metadata for the target.
	Stat(ctx context.Context, s session.Session, conn connection.Connection) (*RemoteInfo, error)

	// List returns the immediate children of the target directory. Entries
	// the backend cannot describe are skipped.
	List(ctx context.Context, s session.Session, conn connection.Connection) ([]RemoteInfo, error)

	// Mkdir creates the target directory.
	Mkdir(ctx context.Context, s session.Session, conn connection.Connection) error

	// Create creates an empty file, failing if it exists.
	Create(ctx context.Context, s session.Session, conn connection.Connection) error

	// Remove deletes the target; directories are removed recursively.
	Remove(ctx context.Context, s session.Session, conn connection.Connection) error

	// Rename moves source to target. Both share s.
	Rename(ctx context.Context, s session.Session, source, target connection.Connection) error

	// Open opens the target file. Write modes create it when missing.
	Open(ctx context.Context, s session.Session, conn connection.Connection, mode connection.AccessMode) (RemoteFile, error)

	// Classify maps a raw driver error to an ErrorCode.
	Classify(err error) ErrorCode
}

// Copier is implemented by drivers with a server-side copy.
type Copier interface {
	Copy(ctx context.Context, s session.Session, source, target connection.Connection) error
}

// ============================================================================
// Files and handles
// ============================================================================

// RemoteFile is an open remote file.
type RemoteFile interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	Size() (int64, error)
	Truncate(size int64) error
}

// Replacer is implemented by remote files that can only be written whole.
// Replace uploads exactly size bytes from r as the new content.
type Replacer interface {
	Replace(r io.Reader, size int64) error
}

// Syncer is implemented by remote files that can flush server-side buffers.
type Syncer interface {
	Sync() error
}

// Handle is an open file as seen by a byte-range caller.
//
// A Handle belongs to one transfer. Release is idempotent: it flushes staged
// writes, closes the remote file and invokes the release callback exactly once.
type Handle interface {
	io.ReaderAt
	io.WriterAt

	Size() (int64, error)
	Truncate(size int64) error
	Flush() error
	Release() error
}
