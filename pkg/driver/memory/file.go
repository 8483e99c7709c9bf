package memory

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// file is an open handle on a node. It shares the host lock with the tree.
type file struct {
	session  *Session
	node     *node
	closed   atomic.Bool
	closeErr error
}

func (f *file) check() error {
	if f.closed.Load() {
		return fmt.Errorf("memory: file already closed")
	}
	return f.session.Check()
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}

	f.session.host.mu.RLock()
	defer f.session.host.mu.RUnlock()

	if off >= int64(len(f.node.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.node.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}

	f.session.host.mu.Lock()
	defer f.session.host.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(f.node.data)) {
		grown := make([]byte, end)
		copy(grown, f.node.data)
		f.node.data = grown
	}
	copy(f.node.data[off:], p)
	f.node.modTime = time.Now()
	return len(p), nil
}

func (f *file) Size() (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}

	f.session.host.mu.RLock()
	defer f.session.host.mu.RUnlock()
	return int64(len(f.node.data)), nil
}

func (f *file) Truncate(size int64) error {
	if err := f.check(); err != nil {
		return err
	}

	f.session.host.mu.Lock()
	defer f.session.host.mu.Unlock()

	if size <= int64(len(f.node.data)) {
		f.node.data = f.node.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.node.data)
		f.node.data = grown
	}
	f.node.modTime = time.Now()
	return nil
}

func (f *file) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return f.closeErr
}
