// Package memory implements an in-process storage driver.
//
// The driver simulates a set of hosts, each exporting named shares with a
// directory tree and an optional user table. It behaves like a remote backend
// in every way the shared client can observe (sessions, authentication,
// missing roots, closed sessions) and is used for tests and local demos.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
)

var (
	// ErrHostUnreachable is returned when dialing an unknown host.
	ErrHostUnreachable = errors.New("memory: host unreachable")

	// ErrAccessDenied is returned for rejected logins.
	ErrAccessDenied = errors.New("memory: access denied")

	// ErrNoShare is returned when the share (first folder segment) does not exist.
	ErrNoShare = errors.New("memory: no such share")
)

// Options configures a Driver.
type Options struct {
	// AutoCreate creates hosts and shares on first dial and accepts any login.
	AutoCreate bool `mapstructure:"auto_create"`

	// DisableRandomWrite makes the driver report no random write support,
	// forcing the safe handle strategy.
	DisableRandomWrite bool `mapstructure:"disable_random_write"`
}

// HostConfig configures a simulated host.
type HostConfig struct {
	// Users maps user names to passwords. A nil map accepts any credentials.
	Users map[string]string

	AllowGuest     bool
	AllowAnonymous bool
}

// Stats counts driver activity.
type Stats struct {
	Dials   int64
	Closes  int64
	Renames int64
	Copies  int64
}

// Driver is the in-memory storage driver.
type Driver struct {
	opts Options

	mu    sync.Mutex
	hosts map[string]*Host

	dials   atomic.Int64
	closes  atomic.Int64
	renames atomic.Int64
	copies  atomic.Int64

	// SessionCloseErr, when set, is returned by every session Close.
	SessionCloseErr error

	// FileCloseErr, when set, is returned by every file Close.
	FileCloseErr error
}

// New creates an empty driver.
func New(opts Options) *Driver {
	return &Driver{
		opts:  opts,
		hosts: make(map[string]*Host),
	}
}

// AddHost registers (or replaces) a host.
func (d *Driver) AddHost(name string, cfg HostConfig) *Host {
	h := &Host{cfg: cfg, shares: make(map[string]*node)}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosts[strings.ToLower(name)] = h
	return h
}

// Host returns a registered host.
func (d *Driver) Host(name string) (*Host, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.hosts[strings.ToLower(name)]
	return h, ok
}

// Stats returns a snapshot of the activity counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Dials:   d.dials.Load(),
		Closes:  d.closes.Load(),
		Renames: d.renames.Load(),
		Copies:  d.copies.Load(),
	}
}

// ============================================================================
// Host tree
// ============================================================================

// Host is a simulated server.
type Host struct {
	cfg HostConfig

	mu     sync.RWMutex
	shares map[string]*node
}

type node struct {
	name     string
	dir      bool
	data     []byte
	children map[string]*node
	modTime  time.Time
}

func newDir(name string) *node {
	return &node{name: name, dir: true, children: make(map[string]*node), modTime: time.Now()}
}

// AddShare creates an empty share.
func (h *Host) AddShare(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.shares[name]; !ok {
		h.shares[name] = newDir(name)
	}
}

// WriteFile stores data at "share/dir/file", creating parent directories.
func (h *Host) WriteFile(p string, data []byte) error {
	share, rest := splitShare(p)

	h.mu.Lock()
	defer h.mu.Unlock()

	root, ok := h.shares[share]
	if !ok {
		return ErrNoShare
	}
	dir := root
	parts := splitPath(rest)
	if len(parts) == 0 {
		return fmt.Errorf("memory: %q is a share", p)
	}
	for _, part := range parts[:len(parts)-1] {
		child, ok := dir.children[part]
		if !ok {
			child = newDir(part)
			dir.children[part] = child
		}
		if !child.dir {
			return fmt.Errorf("memory: %q is not a directory", part)
		}
		dir = child
	}
	name := parts[len(parts)-1]
	dir.children[name] = &node{name: name, data: append([]byte(nil), data...), modTime: time.Now()}
	return nil
}

// MkdirAll creates "share/dir/sub" and its parents.
func (h *Host) MkdirAll(p string) error {
	share, rest := splitShare(p)

	h.mu.Lock()
	defer h.mu.Unlock()

	dir, ok := h.shares[share]
	if !ok {
		return ErrNoShare
	}
	for _, part := range splitPath(rest) {
		child, ok := dir.children[part]
		if !ok {
			child = newDir(part)
			dir.children[part] = child
		}
		if !child.dir {
			return fmt.Errorf("memory: %q is not a directory", part)
		}
		dir = child
	}
	return nil
}

// ReadFile returns the content stored at "share/dir/file".
func (h *Host) ReadFile(p string) ([]byte, error) {
	share, rest := splitShare(p)

	h.mu.RLock()
	defer h.mu.RUnlock()

	n, err := h.lookupLocked(share, rest)
	if err != nil {
		return nil, err
	}
	if n.dir {
		return nil, fmt.Errorf("memory: %q is a directory", p)
	}
	return append([]byte(nil), n.data...), nil
}

// Exists reports whether "share/path" exists.
func (h *Host) Exists(p string) bool {
	share, rest := splitShare(p)

	h.mu.RLock()
	defer h.mu.RUnlock()
	_, err := h.lookupLocked(share, rest)
	return err == nil
}

func (h *Host) lookupLocked(share, rest string) (*node, error) {
	n, ok := h.shares[share]
	if !ok {
		return nil, ErrNoShare
	}
	for _, part := range splitPath(rest) {
		if !n.dir {
			return nil, os.ErrNotExist
		}
		child, ok := n.children[part]
		if !ok {
			return nil, os.ErrNotExist
		}
		n = child
	}
	return n, nil
}

// parentLocked resolves the parent directory of rest and the final name.
func (h *Host) parentLocked(share, rest string) (*node, string, error) {
	parts := splitPath(rest)
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("memory: cannot modify the share root: %w", os.ErrPermission)
	}
	parent, err := h.lookupLocked(share, strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return nil, "", err
	}
	if !parent.dir {
		return nil, "", os.ErrNotExist
	}
	return parent, parts[len(parts)-1], nil
}

func (h *Host) authorize(t session.Tuning, conn connection.Connection) error {
	switch t.Auth {
	case connection.AuthAnonymous:
		if !h.cfg.AllowAnonymous {
			return ErrAccessDenied
		}
	case connection.AuthGuest:
		if !h.cfg.AllowGuest {
			return ErrAccessDenied
		}
	default:
		if h.cfg.Users == nil {
			return nil
		}
		if pw, ok := h.cfg.Users[conn.User]; !ok || pw != conn.Password {
			return ErrAccessDenied
		}
	}
	return nil
}

func splitShare(p string) (string, string) {
	p = strings.Trim(path.Clean("/"+p), "/")
	share, rest, _ := strings.Cut(p, "/")
	return share, rest
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// ============================================================================
// Session
// ============================================================================

// Session is a live login to a simulated host.
type Session struct {
	session.Guard

	ID     string
	driver *Driver
	host   *Host
	share  string
}

// Close ends the session. Calls after the first are no-ops.
func (s *Session) Close() error {
	if !s.MarkClosed() {
		return nil
	}
	s.driver.closes.Add(1)
	return s.driver.SessionCloseErr
}

// Dial implements session.Dialer.
func (d *Driver) Dial(ctx context.Context, conn connection.Connection, tuning session.Tuning) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	share, _ := splitShare(conn.Folder)

	h, ok := d.Host(conn.Host)
	if !ok {
		if !d.opts.AutoCreate {
			return nil, fmt.Errorf("dial %s: %w", conn.Address(), ErrHostUnreachable)
		}
		h = d.AddHost(conn.Host, HostConfig{AllowGuest: true, AllowAnonymous: true})
	}
	if d.opts.AutoCreate && share != "" {
		h.AddShare(share)
	}

	if err := h.authorize(tuning, conn); err != nil {
		return nil, err
	}

	h.mu.RLock()
	_, exists := h.shares[share]
	h.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("mount %q: %w", share, ErrNoShare)
	}

	d.dials.Add(1)
	return &Session{ID: uuid.NewString(), driver: d, host: h, share: share}, nil
}

func (d *Driver) session(s session.Session) (*Session, error) {
	ms, ok := s.(*Session)
	if !ok {
		return nil, fmt.Errorf("memory: foreign session %T", s)
	}
	if err := ms.Check(); err != nil {
		return nil, err
	}
	return ms, nil
}

// sharePath returns the path of conn's target relative to the share.
func sharePath(conn connection.Connection) string {
	_, rest := splitShare(conn.RemotePath())
	return rest
}

// ============================================================================
// Driver operations
// ============================================================================

func (d *Driver) Capabilities() storage.Capabilities {
	return storage.Capabilities{RandomWrite: !d.opts.DisableRandomWrite}
}

func (d *Driver) Stat(ctx context.Context, s session.Session, conn connection.Connection) (*storage.RemoteInfo, error) {
	ms, err := d.session(s)
	if err != nil {
		return nil, err
	}

	ms.host.mu.RLock()
	defer ms.host.mu.RUnlock()

	n, err := ms.host.lookupLocked(ms.share, sharePath(conn))
	if err != nil {
		return nil, err
	}
	info := storage.NewInfo(conn, int64(len(n.data)), n.modTime, n.dir, !n.dir)
	return &info, nil
}

func (d *Driver) List(ctx context.Context, s session.Session, conn connection.Connection) ([]storage.RemoteInfo, error) {
	ms, err := d.session(s)
	if err != nil {
		return nil, err
	}

	ms.host.mu.RLock()
	defer ms.host.mu.RUnlock()

	dir, err := ms.host.lookupLocked(ms.share, sharePath(conn))
	if err != nil {
		return nil, err
	}
	if !dir.dir {
		return nil, fmt.Errorf("memory: %s is not a directory", conn.Path())
	}

	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]storage.RemoteInfo, 0, len(names))
	for _, name := range names {
		child := dir.children[name]
		infos = append(infos, storage.NewInfo(conn.Child(name, child.dir), int64(len(child.data)), child.modTime, child.dir, !child.dir))
	}
	return infos, nil
}

func (d *Driver) Mkdir(ctx context.Context, s session.Session, conn connection.Connection) error {
	return d.create(s, conn, true)
}

func (d *Driver) Create(ctx context.Context, s session.Session, conn connection.Connection) error {
	return d.create(s, conn, false)
}

func (d *Driver) create(s session.Session, conn connection.Connection, dir bool) error {
	ms, err := d.session(s)
	if err != nil {
		return err
	}

	ms.host.mu.Lock()
	defer ms.host.mu.Unlock()

	parent, name, err := ms.host.parentLocked(ms.share, sharePath(conn))
	if err != nil {
		return err
	}
	if _, exists := parent.children[name]; exists {
		return os.ErrExist
	}
	if dir {
		parent.children[name] = newDir(name)
	} else {
		parent.children[name] = &node{name: name, modTime: time.Now()}
	}
	parent.modTime = time.Now()
	return nil
}

func (d *Driver) Remove(ctx context.Context, s session.Session, conn connection.Connection) error {
	ms, err := d.session(s)
	if err != nil {
		return err
	}

	ms.host.mu.Lock()
	defer ms.host.mu.Unlock()

	parent, name, err := ms.host.parentLocked(ms.share, sharePath(conn))
	if err != nil {
		return err
	}
	if _, exists := parent.children[name]; !exists {
		return os.ErrNotExist
	}
	delete(parent.children, name)
	parent.modTime = time.Now()
	return nil
}

func (d *Driver) Rename(ctx context.Context, s session.Session, source, target connection.Connection) error {
	ms, err := d.session(s)
	if err != nil {
		return err
	}

	ms.host.mu.Lock()
	defer ms.host.mu.Unlock()

	srcParent, srcName, err := ms.host.parentLocked(ms.share, sharePath(source))
	if err != nil {
		return err
	}
	n, ok := srcParent.children[srcName]
	if !ok {
		return os.ErrNotExist
	}
	dstParent, dstName, err := ms.host.parentLocked(ms.share, sharePath(target))
	if err != nil {
		return err
	}
	if _, exists := dstParent.children[dstName]; exists {
		return os.ErrExist
	}

	delete(srcParent.children, srcName)
	n.name = dstName
	dstParent.children[dstName] = n
	d.renames.Add(1)
	return nil
}

// Copy implements storage.Copier for files within one share.
func (d *Driver) Copy(ctx context.Context, s session.Session, source, target connection.Connection) error {
	ms, err := d.session(s)
	if err != nil {
		return err
	}

	ms.host.mu.Lock()
	defer ms.host.mu.Unlock()

	src, err := ms.host.lookupLocked(ms.share, sharePath(source))
	if err != nil {
		return err
	}
	if src.dir {
		return fmt.Errorf("memory: copying directories: %w", storage.ErrNotSupported)
	}
	dstParent, dstName, err := ms.host.parentLocked(ms.share, sharePath(target))
	if err != nil {
		return err
	}

	dstParent.children[dstName] = &node{name: dstName, data: append([]byte(nil), src.data...), modTime: time.Now()}
	d.copies.Add(1)
	return nil
}

func (d *Driver) Open(ctx context.Context, s session.Session, conn connection.Connection, mode connection.AccessMode) (storage.RemoteFile, error) {
	ms, err := d.session(s)
	if err != nil {
		return nil, err
	}

	ms.host.mu.Lock()
	defer ms.host.mu.Unlock()

	n, err := ms.host.lookupLocked(ms.share, sharePath(conn))
	if errors.Is(err, os.ErrNotExist) && mode.CanWrite() {
		parent, name, perr := ms.host.parentLocked(ms.share, sharePath(conn))
		if perr != nil {
			return nil, perr
		}
		n = &node{name: name, modTime: time.Now()}
		parent.children[name] = n
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if n.dir {
		return nil, fmt.Errorf("memory: %s is a directory", conn.Path())
	}

	return &file{session: ms, node: n, closeErr: d.FileCloseErr}, nil
}

// Classify implements storage.Driver.
func (d *Driver) Classify(err error) storage.ErrorCode {
	switch {
	case errors.Is(err, ErrNoShare):
		return storage.CodeRootNotFound
	case errors.Is(err, os.ErrNotExist):
		return storage.CodeNotFound
	case errors.Is(err, ErrAccessDenied), errors.Is(err, os.ErrPermission):
		return storage.CodeAccessDenied
	case errors.Is(err, os.ErrExist):
		return storage.CodeAlreadyExists
	case errors.Is(err, session.ErrClosed):
		return storage.CodeClosed
	case errors.Is(err, storage.ErrNotSupported):
		return storage.CodeNotSupported
	}
	return storage.CodeIO
}
