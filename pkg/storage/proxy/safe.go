package proxy

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/marmos91/sharefs/pkg/storage"
)

const (
	// maxCleanPages bounds how many fetched, unmodified pages a handle keeps.
	maxCleanPages = 64

	// maxDirtyPages triggers an early flush on backends with ranged writes.
	maxDirtyPages = 64
)

// page is one staged slice of the file. data holds the known bytes of the
// page; bytes past len(data) but inside the logical size read as zero.
type page struct {
	data  []byte
	dirty bool
}

// safeHandle stages reads and writes in pages and pushes dirty pages to the
// server on Flush and Release.
//
// Size bookkeeping:
//   - remoteSize is the size on the server as of open or the last flush
//   - remoteValid is how much of the server copy is still meaningful; it only
//     shrinks when the handle is truncated below it
//   - size is the logical size seen by the caller
type safeHandle struct {
	base
	pageSize int64

	mu          sync.Mutex
	pages       map[int64]*page
	loaded      bool
	remoteSize  int64
	remoteValid int64
	size        int64
	dirtyPages  int
}

func (h *safeHandle) ReadAt(p []byte, off int64) (int, error) {
	if err := h.checkRead(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, storage.NewError(storage.CodeInvalidArgument, "read", h.name, fmt.Errorf("negative offset %d", off))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	n, err := h.readLocked(p, off)
	h.metrics.ObserveRead(string(StrategySafe), int64(n), time.Since(start))
	h.trimCleanLocked()
	return n, err
}

func (h *safeHandle) WriteAt(p []byte, off int64) (int, error) {
	if err := h.checkWrite(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, storage.NewError(storage.CodeInvalidArgument, "write", h.name, fmt.Errorf("negative offset %d", off))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	n, err := h.writeLocked(p, off)
	h.metrics.ObserveWrite(string(StrategySafe), int64(n), time.Since(start))
	if err != nil {
		return n, err
	}

	if _, whole := h.file.(storage.Replacer); !whole && h.dirtyPages > maxDirtyPages {
		if err := h.flushLocked(); err != nil {
			return n, err
		}
		h.trimCleanLocked()
	}
	return n, nil
}

func (h *safeHandle) Size() (int64, error) {
	if h.released.Load() {
		return 0, storage.ErrHandleReleased
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureSizeLocked(); err != nil {
		return 0, err
	}
	return h.size, nil
}

func (h *safeHandle) Truncate(size int64) error {
	if err := h.checkWrite(); err != nil {
		return err
	}
	if size < 0 {
		return storage.NewError(storage.CodeInvalidArgument, "truncate", h.name, fmt.Errorf("negative size %d", size))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureSizeLocked(); err != nil {
		return err
	}

	if size < h.size {
		for idx, pg := range h.pages {
			pageOff := idx * h.pageSize
			if pageOff >= size {
				if pg.dirty {
					h.dirtyPages--
				}
				delete(h.pages, idx)
				continue
			}
			if pageOff+int64(len(pg.data)) > size {
				pg.data = pg.data[:size-pageOff]
			}
		}
		if size < h.remoteValid {
			h.remoteValid = size
		}
	}

	h.size = size
	return nil
}

func (h *safeHandle) Flush() error {
	if h.released.Load() {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked()
}

func (h *safeHandle) Release() error {
	return h.release(func() error {
		h.mu.Lock()
		defer h.mu.Unlock()

		err := h.flushLocked()
		h.pages = nil
		return err
	})
}

func (h *safeHandle) ensureSizeLocked() error {
	if h.loaded {
		return nil
	}
	n, err := h.file.Size()
	if err != nil {
		return ioError("size", h.name, err)
	}
	h.remoteSize, h.remoteValid, h.size = n, n, n
	h.loaded = true
	return nil
}

// pageLocked returns page idx, fetching the still-valid remote bytes on a miss.
func (h *safeHandle) pageLocked(idx int64) (*page, error) {
	if pg, ok := h.pages[idx]; ok {
		return pg, nil
	}

	pg := &page{}
	off := idx * h.pageSize
	limit := min(h.remoteValid, h.size)
	if off < limit {
		buf := make([]byte, min(h.pageSize, limit-off), h.pageSize)
		n, err := h.file.ReadAt(buf, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, ioError("read", h.name, err)
		}
		pg.data = buf[:n]
	}

	h.pages[idx] = pg
	return pg, nil
}

func (h *safeHandle) readLocked(p []byte, off int64) (int, error) {
	if err := h.ensureSizeLocked(); err != nil {
		return 0, err
	}
	if off >= h.size {
		return 0, io.EOF
	}

	end := min(off+int64(len(p)), h.size)
	n := 0
	for pos := off; pos < end; {
		idx, inner := pos/h.pageSize, pos%h.pageSize
		chunk := min(h.pageSize-inner, end-pos)

		pg, err := h.pageLocked(idx)
		if err != nil {
			return n, err
		}

		dst := p[n : n+int(chunk)]
		copied := 0
		if inner < int64(len(pg.data)) {
			copied = copy(dst, pg.data[inner:])
		}
		clear(dst[copied:])

		n += int(chunk)
		pos += chunk
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *safeHandle) writeLocked(p []byte, off int64) (int, error) {
	if err := h.ensureSizeLocked(); err != nil {
		return 0, err
	}

	end := off + int64(len(p))
	n := 0
	for pos := off; pos < end; {
		idx, inner := pos/h.pageSize, pos%h.pageSize
		chunk := min(h.pageSize-inner, end-pos)

		// Partially covered pages are read first so the untouched bytes survive.
		pg, err := h.pageLocked(idx)
		if err != nil {
			return n, err
		}

		pg.data = grow(pg.data, inner+chunk, h.pageSize)
		copy(pg.data[inner:], p[n:n+int(chunk)])
		if !pg.dirty {
			pg.dirty = true
			h.dirtyPages++
		}

		n += int(chunk)
		pos += chunk
	}

	if end > h.size {
		h.size = end
	}
	return n, nil
}

// flushLocked pushes staged changes to the server.
func (h *safeHandle) flushLocked() error {
	if !h.loaded || (h.dirtyPages == 0 && h.size == h.remoteSize && h.remoteValid == h.remoteSize) {
		return nil
	}

	start := time.Now()
	var written int64
	var err error
	if r, ok := h.file.(storage.Replacer); ok {
		written, err = h.replaceLocked(r)
	} else {
		written, err = h.writeRunsLocked()
	}
	h.metrics.ObserveFlush(written, time.Since(start), err)
	if err != nil {
		return err
	}

	for _, pg := range h.pages {
		pg.dirty = false
	}
	h.dirtyPages = 0
	h.remoteSize, h.remoteValid = h.size, h.size
	return nil
}

// writeRunsLocked writes dirty pages in ascending offset order, one remote
// write per run of adjacent pages, then reconciles the remote size.
func (h *safeHandle) writeRunsLocked() (int64, error) {
	remoteEnd := h.remoteSize
	if h.remoteValid < remoteEnd {
		if err := h.file.Truncate(h.remoteValid); err != nil {
			return 0, ioError("flush", h.name, err)
		}
		remoteEnd = h.remoteValid
	}

	dirty := make([]int64, 0, h.dirtyPages)
	for idx, pg := range h.pages {
		if pg.dirty {
			dirty = append(dirty, idx)
		}
	}
	slices.Sort(dirty)

	var written int64
	for i := 0; i < len(dirty); {
		j := i
		for j+1 < len(dirty) && dirty[j+1] == dirty[j]+1 {
			j++
		}

		off := dirty[i] * h.pageSize
		buf := make([]byte, 0, int64(j-i+1)*h.pageSize)
		for k := i; k <= j; k++ {
			data := h.pages[dirty[k]].data
			buf = append(buf, data...)
			if k < j {
				buf = grow(buf, int64(k-i+1)*h.pageSize, int64(cap(buf)))
			}
		}

		n, err := h.file.WriteAt(buf, off)
		written += int64(n)
		if err != nil {
			return written, ioError("flush", h.name, err)
		}
		remoteEnd = max(remoteEnd, off+int64(len(buf)))
		i = j + 1
	}

	if remoteEnd != h.size {
		if err := h.file.Truncate(h.size); err != nil {
			return written, ioError("flush", h.name, err)
		}
	}
	return written, nil
}

// replaceLocked uploads the whole logical content in one call. Every page is
// staged before the upload starts so the backend connection is never asked
// to read and write at the same time.
func (h *safeHandle) replaceLocked(r storage.Replacer) (int64, error) {
	for off := int64(0); off < h.size; off += h.pageSize {
		if _, err := h.pageLocked(off / h.pageSize); err != nil {
			return 0, err
		}
	}

	content := io.NewSectionReader(readerAtFunc(h.readLocked), 0, h.size)
	if err := r.Replace(content, h.size); err != nil {
		return 0, ioError("flush", h.name, err)
	}
	return h.size, nil
}

// trimCleanLocked drops unmodified pages once too many are held.
func (h *safeHandle) trimCleanLocked() {
	if len(h.pages) <= maxCleanPages+h.dirtyPages {
		return
	}
	for idx, pg := range h.pages {
		if len(h.pages) <= maxCleanPages+h.dirtyPages {
			return
		}
		if !pg.dirty {
			delete(h.pages, idx)
		}
	}
}

// grow extends data to n bytes (zero filled), reallocating with the given
// capacity when needed.
func grow(data []byte, n, capacity int64) []byte {
	if int64(len(data)) >= n {
		return data
	}
	if int64(cap(data)) < n {
		grown := make([]byte, len(data), max(capacity, n))
		copy(grown, data)
		data = grown
	}
	old := len(data)
	data = data[:n]
	clear(data[old:])
	return data
}

type readerAtFunc func(p []byte, off int64) (int, error)

func (f readerAtFunc) ReadAt(p []byte, off int64) (int, error) {
	return f(p, off)
}
