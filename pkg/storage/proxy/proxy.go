// Package proxy bridges byte-range file access onto open remote files.
//
// Two strategies implement storage.Handle:
//
//   - direct forwards every read, write and resize to the remote file at the
//     requested offset. Cheapest, but a slow server stalls every call.
//   - safe stages data in fixed-size pages. Reads are served from staged pages
//     and fetched on a miss; writes only touch pages and are pushed to the
//     server on Flush or Release, in ascending offset order.
//
// The safe strategy is mandatory for backends without random write support
// (FTP, WebDAV, S3), which receive their content through storage.Replacer or
// ranged writes at flush time.
package proxy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/sharefs/internal/logger"
	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/storage"
)

// DefaultPageSize is the staging granularity of the safe strategy.
const DefaultPageSize = 1 << 20

// Strategy selects the handle implementation.
type Strategy string

const (
	StrategyDirect Strategy = "direct"
	StrategySafe   Strategy = "safe"
)

// Options configures a handle.
type Options struct {
	Strategy Strategy

	// PageSize is the safe strategy page size (DefaultPageSize when <= 0).
	PageSize int

	// Name labels the handle in logs, usually the target URI.
	Name string

	// Metrics is optional.
	Metrics Metrics
}

// New wraps file in a handle using opts.Strategy. onRelease may be nil.
func New(file storage.RemoteFile, mode connection.AccessMode, onRelease func(), opts Options) storage.Handle {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	b := base{
		file:      file,
		mode:      mode,
		onRelease: onRelease,
		name:      opts.Name,
		metrics:   metrics,
		strategy:  opts.Strategy,
	}

	if opts.Strategy == StrategySafe {
		pageSize := int64(opts.PageSize)
		if pageSize <= 0 {
			pageSize = DefaultPageSize
		}
		b.strategy = StrategySafe
		return &safeHandle{
			base:     b,
			pageSize: pageSize,
			pages:    make(map[int64]*page),
		}
	}

	b.strategy = StrategyDirect
	return &directHandle{base: b}
}

// base holds what both strategies share: access checks and release.
type base struct {
	file      storage.RemoteFile
	mode      connection.AccessMode
	onRelease func()
	name      string
	metrics   Metrics
	strategy  Strategy

	released    atomic.Bool
	releaseOnce sync.Once
}

func (b *base) checkRead() error {
	if b.released.Load() {
		return storage.ErrHandleReleased
	}
	if !b.mode.CanRead() {
		return storage.ErrReadingNotAllowed
	}
	return nil
}

func (b *base) checkWrite() error {
	if b.released.Load() {
		return storage.ErrHandleReleased
	}
	if !b.mode.CanWrite() {
		return storage.ErrWritingNotAllowed
	}
	return nil
}

// release runs flush (if any), closes the remote file and invokes the
// callback. Only the first call does anything; later calls return nil.
func (b *base) release(flush func() error) error {
	var flushErr error
	b.releaseOnce.Do(func() {
		if flush != nil {
			flushErr = flush()
			if flushErr != nil {
				logger.Error("Proxy: flush on release of %s failed: %v", b.name, flushErr)
			}
		}

		b.released.Store(true)

		if err := b.file.Close(); err != nil {
			logger.Warn("Proxy: closing %s: %v", b.name, err)
		}
		b.metrics.RecordRelease(string(b.strategy))

		if b.onRelease != nil {
			b.onRelease()
		}
		logger.Debug("Proxy: released %s handle for %s", b.strategy, b.name)
	})
	return flushErr
}

func ioError(op, name string, err error) error {
	return storage.NewError(storage.CodeIO, op, name, err)
}

// Metrics receives handle observations.
type Metrics interface {
	ObserveRead(strategy string, bytes int64, duration time.Duration)
	ObserveWrite(strategy string, bytes int64, duration time.Duration)
	ObserveFlush(bytes int64, duration time.Duration, err error)
	RecordRelease(strategy string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRead(string, int64, time.Duration) {}
func (noopMetrics) ObserveWrite(string, int64, time.Duration) {}
func (noopMetrics) ObserveFlush(int64, time.Duration, error) {}
func (noopMetrics) RecordRelease(string) {}
