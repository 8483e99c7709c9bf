package proxy

import (
	"errors"
	"io"
	"time"

	"github.com/marmos91/sharefs/pkg/storage"
)

// directHandle forwards every call to the remote file.
type directHandle struct {
	base
}

func (h *directHandle) ReadAt(p []byte, off int64) (int, error) {
	if err := h.checkRead(); err != nil {
		return 0, err
	}

	start := time.Now()
	n, err := h.file.ReadAt(p, off)
	h.metrics.ObserveRead(string(StrategyDirect), int64(n), time.Since(start))

	if err != nil && !errors.Is(err, io.EOF) {
		return n, ioError("read", h.name, err)
	}
	return n, err
}

func (h *directHandle) WriteAt(p []byte, off int64) (int, error) {
	if err := h.checkWrite(); err != nil {
		return 0, err
	}

	start := time.Now()
	n, err := h.file.WriteAt(p, off)
	h.metrics.ObserveWrite(string(StrategyDirect), int64(n), time.Since(start))

	if err != nil {
		return n, ioError("write", h.name, err)
	}
	return n, nil
}

func (h *directHandle) Size() (int64, error) {
	if h.released.Load() {
		return 0, storage.ErrHandleReleased
	}
	size, err := h.file.Size()
	if err != nil {
		return 0, ioError("size", h.name, err)
	}
	return size, nil
}

func (h *directHandle) Truncate(size int64) error {
	if err := h.checkWrite(); err != nil {
		return err
	}
	if err := h.file.Truncate(size); err != nil {
		return ioError("truncate", h.name, err)
	}
	return nil
}

// Flush asks the server to persist buffered data when the backend supports it.
func (h *directHandle) Flush() error {
	if h.released.Load() {
		return nil
	}
	if s, ok := h.file.(storage.Syncer); ok {
		if err := s.Sync(); err != nil {
			return ioError("flush", h.name, err)
		}
	}
	return nil
}

func (h *directHandle) Release() error {
	return h.release(nil)
}
