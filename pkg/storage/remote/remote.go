// Package remote implements storage.Client on top of a storage.Driver.
//
// One Client serves one protocol. It owns the session cache for that
// protocol, runs every remote call under a bounded worker pool, maps driver
// metadata into FileEntity values and wraps opened files in proxy handles.
// Drivers only see a session and a target connection.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/marmos91/sharefs/internal/logger"
	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
	"github.com/marmos91/sharefs/pkg/storage/proxy"
)

// Config configures a Client.
type Config struct {
	// Session configures the session cache (capacity, tuning, dial rate).
	Session session.Config

	// IOWorkers bounds concurrent remote calls (defaults to 4 x GOMAXPROCS).
	IOWorkers int

	// PageSize is the safe handle page size.
	PageSize int

	// TransferMetrics observes handle I/O (optional).
	TransferMetrics proxy.Metrics
}

// Client is the shared storage.Client implementation.
type Client struct {
	driver   storage.Driver
	sessions *session.Cache
	pool     *semaphore.Weighted
	pageSize int
	metrics  proxy.Metrics
}

var _ storage.Client = (*Client)(nil)

// New creates a Client over driver.
func New(driver storage.Driver, cfg Config) *Client {
	workers := cfg.IOWorkers
	if workers <= 0 {
		workers = 4 * runtime.GOMAXPROCS(0)
	}

	return &Client{
		driver:   driver,
		sessions: session.New(driver, cfg.Session),
		pool:     semaphore.NewWeighted(int64(workers)),
		pageSize: cfg.PageSize,
		metrics:  cfg.TransferMetrics,
	}
}

// Sessions exposes the session cache for introspection.
func (c *Client) Sessions() *session.Cache {
	return c.sessions
}

// run executes fn on a pool slot.
func (c *Client) run(ctx context.Context, fn func() error) error {
	if err := c.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.pool.Release(1)
	return fn()
}

// wrap classifies a driver error.
func (c *Client) wrap(op string, conn connection.Connection, err error) error {
	if err == nil {
		return nil
	}
	var se *storage.StorageError
	if errors.As(err, &se) || storage.IsContextError(err) {
		return err
	}
	return storage.NewError(c.driver.Classify(err), op, conn.URI(), err)
}

// softFail turns an "unable to open" error into a nil result. Context
// errors are still returned.
func softFail(op string, conn connection.Connection, err error) error {
	if storage.IsContextError(err) {
		return err
	}
	logger.Debug("Storage: %s %s: %v", op, conn.URI(), err)
	return nil
}

func readOnly(op string, conn connection.Connection) error {
	return storage.NewError(storage.CodeWritingNotAllowed, op, conn.URI(), errors.New("connection is read-only"))
}

// ============================================================================
// Connection check
// ============================================================================

// CheckConnection dials a fresh, uncached session and lists the target.
//
// Missing roots and subfolders yield a Warning, every other failure a
// Failure. The probe session is always closed and any cached session for
// conn's identity is invalidated afterwards.
func (c *Client) CheckConnection(ctx context.Context, conn connection.Connection) storage.ConnectionResult {
	defer c.sessions.Invalidate(conn)

	err := c.run(ctx, func() error {
		s, err := c.sessions.Probe(ctx, conn)
		if err != nil {
			return c.wrap("connect", conn, err)
		}
		defer func() {
			if cerr := s.Close(); cerr != nil {
				logger.Debug("Storage: closing probe session for %s: %v", conn.RootURI(), cerr)
			}
		}()

		_, err = c.driver.List(ctx, s, conn)
		return c.wrap("list", conn, err)
	})

	result := storage.ClassifyCheck(err)
	if !result.OK() {
		logger.Warn("Storage: connection check %s: %s", conn, result)
	} else {
		logger.Info("Storage: connection check %s: success", conn)
	}
	return result
}

// ============================================================================
// Queries
// ============================================================================

func (c *Client) GetFile(ctx context.Context, conn connection.Connection, forced bool) (*storage.FileEntity, error) {
	var entity *storage.FileEntity
	err := c.run(ctx, func() error {
		s, err := c.sessions.Acquire(ctx, conn, forced)
		if err != nil {
			return err
		}
		info, err := c.driver.Stat(ctx, s, conn)
		if err != nil {
			return err
		}
		e := storage.NewFileEntity(*info)
		entity = &e
		return nil
	})
	if err != nil {
		return nil, softFail("stat", conn, err)
	}
	return entity, nil
}

func (c *Client) GetChildren(ctx context.Context, conn connection.Connection, forced bool) ([]storage.FileEntity, error) {
	var children []storage.FileEntity
	err := c.run(ctx, func() error {
		s, err := c.sessions.Acquire(ctx, conn, forced)
		if err != nil {
			return err
		}
		infos, err := c.driver.List(ctx, s, conn)
		if err != nil {
			return err
		}
		children = make([]storage.FileEntity, 0, len(infos))
		for _, info := range infos {
			children = append(children, storage.NewFileEntity(info))
		}
		return nil
	})
	if err != nil {
		return []storage.FileEntity{}, softFail("list", conn, err)
	}
	return children, nil
}

// ============================================================================
// User actions
// ============================================================================

// CreateFile creates a directory (target ends with "/") or an empty file.
// With ExtensionRename the file name is completed from mimeType first.
func (c *Client) CreateFile(ctx context.Context, conn connection.Connection, mimeType string) (*storage.FileEntity, error) {
	if conn.Options.ReadOnly {
		return nil, readOnly("create", conn)
	}

	target := conn
	if conn.Options.ExtensionRename {
		target = conn.WithPath(connection.OptimizePath(conn.Path(), mimeType))
	}

	var entity *storage.FileEntity
	err := c.run(ctx, func() error {
		s, err := c.sessions.Acquire(ctx, target, false)
		if err != nil {
			return softFail("create", target, err)
		}

		if target.IsDirectory() {
			err = c.driver.Mkdir(ctx, s, target)
		} else {
			err = c.driver.Create(ctx, s, target)
		}
		if err != nil {
			return c.wrap("create", target, err)
		}

		info, err := c.driver.Stat(ctx, s, target)
		if err != nil {
			return c.wrap("create", target, err)
		}
		e := storage.NewFileEntity(*info)
		entity = &e
		return nil
	})
	return entity, err
}

// CopyFile copies a file. Same-identity copies use the driver's native copy
// when it has one; everything else is streamed through two open files.
func (c *Client) CopyFile(ctx context.Context, source, target connection.Connection) (*storage.FileEntity, error) {
	if target.Options.ReadOnly {
		return nil, readOnly("copy", target)
	}

	var entity *storage.FileEntity
	err := c.run(ctx, func() error {
		src, err := c.sessions.Acquire(ctx, source, false)
		if err != nil {
			return softFail("copy", source, err)
		}
		dst, err := c.sessions.Acquire(ctx, target, false)
		if err != nil {
			return softFail("copy", target, err)
		}

		if copier, ok := c.driver.(storage.Copier); ok && source.SameIdentity(target) {
			err = copier.Copy(ctx, src, source, target)
		} else {
			err = c.streamCopy(ctx, src, dst, source, target)
		}
		if err != nil {
			return c.wrap("copy", target, err)
		}

		info, err := c.driver.Stat(ctx, dst, target)
		if err != nil {
			return c.wrap("copy", target, err)
		}
		e := storage.NewFileEntity(*info)
		entity = &e
		return nil
	})
	return entity, err
}

func (c *Client) streamCopy(ctx context.Context, src, dst session.Session, source, target connection.Connection) error {
	in, err := c.driver.Open(ctx, src, source, connection.ModeRead)
	if err != nil {
		return err
	}
	defer closeQuietly(in, source)

	size, err := in.Size()
	if err != nil {
		return err
	}

	out, err := c.driver.Open(ctx, dst, target, connection.ModeWrite)
	if err != nil {
		return err
	}
	defer closeQuietly(out, target)

	content := io.NewSectionReader(in, 0, size)
	if r, ok := out.(storage.Replacer); ok {
		return r.Replace(content, size)
	}

	written, err := io.Copy(io.NewOffsetWriter(out, 0), content)
	if err != nil {
		return err
	}
	if written != size {
		return fmt.Errorf("short copy: %d of %d bytes", written, size)
	}
	return out.Truncate(size)
}

// RenameFile renames within one connection identity.
func (c *Client) RenameFile(ctx context.Context, source, target connection.Connection) (*storage.FileEntity, error) {
	if source.Options.ReadOnly {
		return nil, readOnly("rename", source)
	}
	if !source.SameIdentity(target) {
		return nil, storage.NewError(storage.CodeInvalidArgument, "rename", target.URI(),
			errors.New("source and target belong to different connections"))
	}

	if source.Options.ExtensionRename {
		target = target.WithPath(connection.PreserveExtension(source.Path(), target.Path()))
	}

	var entity *storage.FileEntity
	err := c.run(ctx, func() error {
		s, err := c.sessions.Acquire(ctx, source, false)
		if err != nil {
			return softFail("rename", source, err)
		}
		if err := c.driver.Rename(ctx, s, source, target); err != nil {
			return c.wrap("rename", source, err)
		}

		info, err := c.driver.Stat(ctx, s, target)
		if err != nil {
			return c.wrap("rename", target, err)
		}
		e := storage.NewFileEntity(*info)
		entity = &e
		return nil
	})
	return entity, err
}

func (c *Client) DeleteFile(ctx context.Context, conn connection.Connection) (bool, error) {
	if conn.Options.ReadOnly {
		return false, readOnly("delete", conn)
	}

	deleted := false
	err := c.run(ctx, func() error {
		s, err := c.sessions.Acquire(ctx, conn, false)
		if err != nil {
			return softFail("delete", conn, err)
		}
		if err := c.driver.Remove(ctx, s, conn); err != nil {
			return c.wrap("delete", conn, err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// MoveFile renames when both sides share an identity, otherwise copies and
// then deletes the source. A source that cannot be deleted after the copy
// fails the move with CodeIO and leaves the copy in place.
func (c *Client) MoveFile(ctx context.Context, source, target connection.Connection) (*storage.FileEntity, error) {
	if source.SameIdentity(target) {
		return c.RenameFile(ctx, source, target)
	}
	if source.Options.ReadOnly {
		return nil, readOnly("move", source)
	}

	entity, err := c.CopyFile(ctx, source, target)
	if err != nil || entity == nil {
		return nil, err
	}
	deleted, err := c.DeleteFile(ctx, source)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, storage.NewError(storage.CodeIO, "move", source.URI(),
			fmt.Errorf("copied to %s but the source could not be deleted", target.URI()))
	}
	return entity, nil
}

// ============================================================================
// File descriptors
// ============================================================================

// GetFileDescriptor opens the target and returns a proxy handle. The safe
// strategy is used when the connection asks for it or the backend cannot
// write at arbitrary offsets.
func (c *Client) GetFileDescriptor(ctx context.Context, conn connection.Connection, mode connection.AccessMode, onRelease func()) (storage.Handle, error) {
	if mode.CanWrite() && conn.Options.ReadOnly {
		return nil, readOnly("open", conn)
	}

	var file storage.RemoteFile
	err := c.run(ctx, func() error {
		s, err := c.sessions.Acquire(ctx, conn, false)
		if err != nil {
			return err
		}
		file, err = c.driver.Open(ctx, s, conn, mode)
		return err
	})
	if err != nil {
		return nil, softFail("open", conn, err)
	}

	if err := ctx.Err(); err != nil {
		closeQuietly(file, conn)
		return nil, err
	}

	strategy := proxy.StrategyDirect
	if conn.Options.SafeTransfer || !c.driver.Capabilities().RandomWrite {
		strategy = proxy.StrategySafe
	}

	return proxy.New(file, mode, onRelease, proxy.Options{
		Strategy: strategy,
		PageSize: c.pageSize,
		Name:     conn.URI(),
		Metrics:  c.metrics,
	}), nil
}

// Close tears down every cached session.
func (c *Client) Close() error {
	c.sessions.EvictAll()
	return nil
}

func closeQuietly(f io.Closer, conn connection.Connection) {
	if err := f.Close(); err != nil {
		logger.Warn("Storage: closing %s: %v", conn.URI(), err)
	}
}
