// Package ftp implements the storage driver for FTP and explicit-TLS FTPS
// servers on top of github.com/jlaffaye/ftp.
//
// An FTP control connection runs one command at a time, so every session
// serializes its operations. Files can only be uploaded whole: handles on
// this backend always stage writes and replace the object on flush.
package ftp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/marmos91/sharefs/internal/logger"
	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
)

// FTP reply codes the driver distinguishes.
const (
	replyNotLoggedIn       = 530
	replyNeedAccount       = 532
	replyFileUnavailable   = 550
	replyPageTypeUnknown   = 551
	replyNameNotAllowed    = 553
	replyNotImplemented    = 502
	replyParamNotImpl      = 504
	replyActionNotTaken    = 450
	replyFileActionPending = 350
)

// AnonymousUser is the login used for anonymous connections.
const AnonymousUser = "anonymous"

// Options configures the FTP driver.
type Options struct {
	// DisableEPSV falls back to PASV for servers with broken EPSV support.
	DisableEPSV bool `mapstructure:"disable_epsv"`

	// InsecureSkipVerify accepts any FTPS server certificate.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// Driver is the FTP/FTPS storage driver.
type Driver struct {
	opts Options
}

// New creates an FTP driver.
func New(opts Options) *Driver {
	return &Driver{opts: opts}
}

// ============================================================================
// Sessions
// ============================================================================

// Session is one logged-in control connection.
type Session struct {
	session.Guard

	mu sync.Mutex
	c  *ftp.ServerConn
}

// Close sends QUIT and drops the control connection. It does not wait for
// an operation in flight; that operation fails once the connection is gone.
func (s *Session) Close() error {
	if !s.MarkClosed() {
		return nil
	}
	return s.c.Quit()
}

// do runs fn with exclusive use of the control connection.
func (s *Session) do(fn func(c *ftp.ServerConn) error) error {
	if err := s.Check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.c)
}

// Dial implements session.Dialer.
func (d *Driver) Dial(ctx context.Context, conn connection.Connection, tuning session.Tuning) (session.Session, error) {
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithDisabledEPSV(d.opts.DisableEPSV),
	}
	if tuning.ConnectTimeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(tuning.ConnectTimeout))
	}
	if conn.Protocol == connection.ProtocolFTPS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName:         conn.Host,
			InsecureSkipVerify: d.opts.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}))
	}

	c, err := ftp.Dial(conn.Address(), opts...)
	if err != nil {
		return nil, fmt.Errorf("dial ftp: %w", err)
	}

	user, password := credentials(conn, tuning)
	if err := c.Login(user, password); err != nil {
		_ = c.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	if err := c.ChangeDir(rootPath(conn)); err != nil {
		_ = c.Quit()
		return nil, &rootError{err: err}
	}

	return &Session{c: c}, nil
}

func credentials(conn connection.Connection, tuning session.Tuning) (string, string) {
	if tuning.Auth == connection.AuthAnonymous {
		return AnonymousUser, AnonymousUser
	}
	return tuning.LoginUser(conn), tuning.LoginPassword(conn)
}

// rootError marks a failure to enter the connection folder after login.
type rootError struct {
	err error
}

func (e *rootError) Error() string { return "enter root: " + e.err.Error() }
func (e *rootError) Unwrap() error { return e.err }

func (d *Driver) session(s session.Session) (*Session, error) {
	fs, ok := s.(*Session)
	if !ok {
		return nil, fmt.Errorf("ftp: foreign session %T", s)
	}
	if err := fs.Check(); err != nil {
		return nil, err
	}
	return fs, nil
}

func remotePath(conn connection.Connection) string {
	return path.Clean(conn.RemotePath())
}

func rootPath(conn connection.Connection) string {
	return path.Clean(conn.WithPath("/").RemotePath())
}

func entryInfo(conn connection.Connection, e *ftp.Entry) storage.RemoteInfo {
	isDir := e.Type == ftp.EntryTypeFolder
	return storage.NewInfo(conn, int64(e.Size), e.Time, isDir, e.Type == ftp.EntryTypeFile)
}

// ============================================================================
// Driver operations
// ============================================================================

func (d *Driver) Capabilities() storage.Capabilities {
	return storage.Capabilities{RandomWrite: false}
}

func (d *Driver) Stat(ctx context.Context, s session.Session, conn connection.Connection) (*storage.RemoteInfo, error) {
	fs, err := d.session(s)
	if err != nil {
		return nil, err
	}

	var entry *ftp.Entry
	err = fs.do(func(c *ftp.ServerConn) error {
		entry, err = stat(c, remotePath(conn))
		return err
	})
	if err != nil {
		return nil, err
	}

	target := conn
	if entry.Type == ftp.EntryTypeFolder && !conn.IsDirectory() {
		target = conn.WithPath(conn.Path() + "/")
	}
	ri := entryInfo(target, entry)
	return &ri, nil
}

// stat prefers MLST and falls back to listing the parent for servers that
// lack it.
func stat(c *ftp.ServerConn, p string) (*ftp.Entry, error) {
	entry, err := c.GetEntry(p)
	if err == nil {
		return entry, nil
	}
	if !isUnsupported(err) {
		return nil, err
	}

	if p == "/" {
		return &ftp.Entry{Name: "/", Type: ftp.EntryTypeFolder}, nil
	}

	entries, err := c.List(path.Dir(p))
	if err != nil {
		return nil, err
	}
	name := path.Base(p)
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return nil, &textproto.Error{Code: replyFileUnavailable, Msg: name + ": no such file or directory"}
}

func (d *Driver) List(ctx context.Context, s session.Session, conn connection.Connection) ([]storage.RemoteInfo, error) {
	fs, err := d.session(s)
	if err != nil {
		return nil, err
	}

	var entries []*ftp.Entry
	err = fs.do(func(c *ftp.ServerConn) error {
		entries, err = c.List(remotePath(conn))
		return err
	})
	if err != nil {
		return nil, err
	}

	infos := make([]storage.RemoteInfo, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." || e.Name == "" {
			continue
		}
		if e.Type == ftp.EntryTypeLink {
			logger.Debug("FTP: skipping symlink %s -> %s", e.Name, e.Target)
			continue
		}
		child := conn.Child(e.Name, e.Type == ftp.EntryTypeFolder)
		infos = append(infos, entryInfo(child, e))
	}
	return infos, nil
}

func (d *Driver) Mkdir(ctx context.Context, s session.Session, conn connection.Connection) error {
	fs, err := d.session(s)
	if err != nil {
		return err
	}
	return fs.do(func(c *ftp.ServerConn) error {
		return c.MakeDir(remotePath(conn))
	})
}

func (d *Driver) Create(ctx context.Context, s session.Session, conn connection.Connection) error {
	fs, err := d.session(s)
	if err != nil {
		return err
	}
	p := remotePath(conn)
	return fs.do(func(c *ftp.ServerConn) error {
		if _, err := c.FileSize(p); err == nil {
			return fmt.Errorf("create %s: %w", p, os.ErrExist)
		}
		return c.Stor(p, bytes.NewReader(nil))
	})
}

func (d *Driver) Remove(ctx context.Context, s session.Session, conn connection.Connection) error {
	fs, err := d.session(s)
	if err != nil {
		return err
	}
	p := remotePath(conn)
	return fs.do(func(c *ftp.ServerConn) error {
		entry, err := stat(c, p)
		if err != nil {
			return err
		}
		if entry.Type == ftp.EntryTypeFolder {
			return c.RemoveDirRecur(p)
		}
		return c.Delete(p)
	})
}

func (d *Driver) Rename(ctx context.Context, s session.Session, source, target connection.Connection) error {
	fs, err := d.session(s)
	if err != nil {
		return err
	}
	return fs.do(func(c *ftp.ServerConn) error {
		return c.Rename(remotePath(source), remotePath(target))
	})
}

func (d *Driver) Open(ctx context.Context, s session.Session, conn connection.Connection, mode connection.AccessMode) (storage.RemoteFile, error) {
	fs, err := d.session(s)
	if err != nil {
		return nil, err
	}

	p := remotePath(conn)
	err = fs.do(func(c *ftp.ServerConn) error {
		_, err := c.FileSize(p)
		if err == nil || !mode.CanWrite() || classifyReply(err) != storage.CodeNotFound {
			return err
		}
		return c.Stor(p, bytes.NewReader(nil))
	})
	if err != nil {
		return nil, err
	}
	return &file{session: fs, path: p}, nil
}

// Classify implements storage.Driver.
func (d *Driver) Classify(err error) storage.ErrorCode {
	if errors.Is(err, session.ErrClosed) {
		return storage.CodeClosed
	}
	if errors.Is(err, storage.ErrNotSupported) {
		return storage.CodeNotSupported
	}

	var re *rootError
	if errors.As(err, &re) {
		if code := classifyReply(err); code == storage.CodeNotFound || code == storage.CodeIO {
			return storage.CodeRootNotFound
		}
	}

	if errors.Is(err, os.ErrExist) {
		return storage.CodeAlreadyExists
	}
	return classifyReply(err)
}

func classifyReply(err error) storage.ErrorCode {
	var reply *textproto.Error
	if !errors.As(err, &reply) {
		return storage.CodeIO
	}
	switch reply.Code {
	case replyFileUnavailable, replyActionNotTaken:
		if looksLikePermission(reply.Msg) {
			return storage.CodeAccessDenied
		}
		return storage.CodeNotFound
	case replyNotLoggedIn, replyNeedAccount:
		return storage.CodeAccessDenied
	case replyNameNotAllowed:
		return storage.CodeInvalidArgument
	case replyNotImplemented, replyParamNotImpl:
		return storage.CodeNotSupported
	}
	return storage.CodeIO
}

func looksLikePermission(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "permission") || strings.Contains(m, "denied")
}

func isUnsupported(err error) bool {
	var reply *textproto.Error
	if !errors.As(err, &reply) {
		return false
	}
	return reply.Code == replyNotImplemented || reply.Code == replyParamNotImpl || reply.Code == 500 || reply.Code == 501
}

// ============================================================================
// Files
// ============================================================================

// file reads with REST+RETR and writes by replacing the whole object.
type file struct {
	session *Session
	path    string
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var n int
	err := f.session.do(func(c *ftp.ServerConn) error {
		resp, err := c.RetrFrom(f.path, uint64(off))
		if err != nil {
			return err
		}
		var readErr error
		n, readErr = io.ReadFull(resp, p)
		closeErr := resp.Close()

		switch {
		case errors.Is(readErr, io.ErrUnexpectedEOF), errors.Is(readErr, io.EOF):
			return io.EOF
		case readErr != nil:
			return readErr
		}
		// Closing before the end of the file aborts the transfer; some
		// servers report that as an error even though p is full.
		if closeErr != nil {
			logger.Debug("FTP: transfer of %s closed early: %v", f.path, closeErr)
		}
		return nil
	})
	return n, err
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	return 0, storage.ErrNotSupported
}

func (f *file) Size() (int64, error) {
	var size int64
	err := f.session.do(func(c *ftp.ServerConn) error {
		var err error
		size, err = c.FileSize(f.path)
		return err
	})
	return size, err
}

func (f *file) Truncate(size int64) error {
	if size == 0 {
		return f.Replace(bytes.NewReader(nil), 0)
	}
	return storage.ErrNotSupported
}

// Replace uploads exactly size bytes from r as the file's new content.
func (f *file) Replace(r io.Reader, size int64) error {
	started := time.Now()
	err := f.session.do(func(c *ftp.ServerConn) error {
		return c.Stor(f.path, io.LimitReader(r, size))
	})
	if err == nil {
		logger.Debug("FTP: stored %s (%d bytes) in %s", f.path, size, time.Since(started))
	}
	return err
}

func (f *file) Close() error {
	return nil
}
