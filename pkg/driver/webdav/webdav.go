// Package webdav implements the storage driver for WebDAV servers over HTTP
// and HTTPS on top of github.com/studio-b12/gowebdav.
package webdav

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/studio-b12/gowebdav"

	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
)

// Options configures the WebDAV driver.
type Options struct {
	// InsecureSkipVerify accepts any server certificate on webdavs.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`

	// Headers are added to every request.
	Headers map[string]string `mapstructure:"headers"`
}

// Driver is the WebDAV storage driver.
type Driver struct {
	opts Options
}

// New creates a WebDAV driver.
func New(opts Options) *Driver {
	return &Driver{opts: opts}
}

// ============================================================================
// Sessions
// ============================================================================

// Session is an authenticated WebDAV client rooted at the connection folder.
type Session struct {
	session.Guard

	client    *gowebdav.Client
	transport *http.Transport
}

// Close drops idle keep-alive connections. WebDAV itself is stateless.
func (s *Session) Close() error {
	if !s.MarkClosed() {
		return nil
	}
	s.transport.CloseIdleConnections()
	return nil
}

// Dial implements session.Dialer.
func (d *Driver) Dial(ctx context.Context, conn connection.Connection, tuning session.Tuning) (session.Session, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: tuning.ConnectTimeout}).DialContext
	if conn.Protocol == connection.ProtocolWebDAVS && d.opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	client := gowebdav.NewClient(baseURL(conn), tuning.LoginUser(conn), tuning.LoginPassword(conn))
	client.SetTransport(transport)
	if tuning.ResponseTimeout > 0 {
		client.SetTimeout(tuning.ResponseTimeout)
	}
	for k, v := range d.opts.Headers {
		client.SetHeader(k, v)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := client.Connect(); err != nil {
		transport.CloseIdleConnections()
		return nil, fmt.Errorf("webdav connect: %w", err)
	}

	fi, err := client.Stat("/")
	if err != nil {
		transport.CloseIdleConnections()
		return nil, &rootError{err: err}
	}
	if !fi.IsDir() {
		transport.CloseIdleConnections()
		return nil, &rootError{err: fmt.Errorf("%s is not a collection", conn.RootURI())}
	}

	return &Session{client: client, transport: transport}, nil
}

// baseURL is the collection URL of the connection folder.
func baseURL(conn connection.Connection) string {
	return conn.RootURI()
}

// rootError marks a failure to reach the connection folder after login.
type rootError struct {
	err error
}

func (e *rootError) Error() string { return "webdav root: " + e.err.Error() }
func (e *rootError) Unwrap() error { return e.err }

func (d *Driver) client(s session.Session) (*gowebdav.Client, error) {
	ws, ok := s.(*Session)
	if !ok {
		return nil, fmt.Errorf("webdav: foreign session %T", s)
	}
	if err := ws.Check(); err != nil {
		return nil, err
	}
	return ws.client, nil
}

// davPath is the target relative to the client base URL.
func davPath(conn connection.Connection) string {
	return conn.Path()
}

func info(conn connection.Connection, fi os.FileInfo) storage.RemoteInfo {
	return storage.NewInfo(conn, fi.Size(), fi.ModTime(), fi.IsDir(), !fi.IsDir())
}

// ============================================================================
// Driver operations
// ============================================================================

func (d *Driver) Capabilities() storage.Capabilities {
	return storage.Capabilities{RandomWrite: false}
}

func (d *Driver) Stat(ctx context.Context, s session.Session, conn connection.Connection) (*storage.RemoteInfo, error) {
	c, err := d.client(s)
	if err != nil {
		return nil, err
	}
	fi, err := c.Stat(davPath(conn))
	if err != nil {
		return nil, err
	}
	ri := info(conn, fi)
	return &ri, nil
}

func (d *Driver) List(ctx context.Context, s session.Session, conn connection.Connection) ([]storage.RemoteInfo, error) {
	c, err := d.client(s)
	if err != nil {
		return nil, err
	}
	entries, err := c.ReadDir(davPath(conn))
	if err != nil {
		return nil, err
	}

	infos := make([]storage.RemoteInfo, 0, len(entries))
	for _, fi := range entries {
		name := strings.Trim(fi.Name(), "/")
		if name == "" {
			continue
		}
		infos = append(infos, info(conn.Child(name, fi.IsDir()), fi))
	}
	return infos, nil
}

func (d *Driver) Mkdir(ctx context.Context, s session.Session, conn connection.Connection) error {
	c, err := d.client(s)
	if err != nil {
		return err
	}
	return c.Mkdir(davPath(conn), 0o755)
}

func (d *Driver) Create(ctx context.Context, s session.Session, conn connection.Connection) error {
	c, err := d.client(s)
	if err != nil {
		return err
	}
	p := davPath(conn)
	if _, err := c.Stat(p); err == nil {
		return fmt.Errorf("create %s: %w", p, os.ErrExist)
	} else if !gowebdav.IsErrNotFound(err) {
		return err
	}
	return c.Write(p, []byte{}, 0o644)
}

func (d *Driver) Remove(ctx context.Context, s session.Session, conn connection.Connection) error {
	c, err := d.client(s)
	if err != nil {
		return err
	}
	p := davPath(conn)
	if _, err := c.Stat(p); err != nil {
		return err
	}
	return c.RemoveAll(p)
}

func (d *Driver) Rename(ctx context.Context, s session.Session, source, target connection.Connection) error {
	c, err := d.client(s)
	if err != nil {
		return err
	}
	return c.Rename(davPath(source), davPath(target), false)
}

// Copy implements storage.Copier with a server-side COPY.
func (d *Driver) Copy(ctx context.Context, s session.Session, source, target connection.Connection) error {
	c, err := d.client(s)
	if err != nil {
		return err
	}
	return c.Copy(davPath(source), davPath(target), false)
}

func (d *Driver) Open(ctx context.Context, s session.Session, conn connection.Connection, mode connection.AccessMode) (storage.RemoteFile, error) {
	c, err := d.client(s)
	if err != nil {
		return nil, err
	}

	p := davPath(conn)
	fi, err := c.Stat(p)
	switch {
	case err == nil && fi.IsDir():
		return nil, fmt.Errorf("open %s: is a collection: %w", p, storage.ErrNotSupported)
	case err == nil:
	case mode.CanWrite() && gowebdav.IsErrNotFound(err):
		if err := c.Write(p, []byte{}, 0o644); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return &file{session: s.(*Session), path: p}, nil
}

// Classify implements storage.Driver.
func (d *Driver) Classify(err error) storage.ErrorCode {
	switch {
	case errors.Is(err, session.ErrClosed):
		return storage.CodeClosed
	case errors.Is(err, storage.ErrNotSupported):
		return storage.CodeNotSupported
	case errors.Is(err, os.ErrExist):
		return storage.CodeAlreadyExists
	}

	var re *rootError
	isRoot := errors.As(err, &re)

	switch {
	case gowebdav.IsErrNotFound(err), gowebdav.IsErrCode(err, http.StatusConflict):
		if isRoot {
			return storage.CodeRootNotFound
		}
		return storage.CodeNotFound
	case gowebdav.IsErrCode(err, http.StatusUnauthorized), gowebdav.IsErrCode(err, http.StatusForbidden),
		errors.Is(err, gowebdav.ErrAuthChanged):
		return storage.CodeAccessDenied
	case gowebdav.IsErrCode(err, http.StatusPreconditionFailed), gowebdav.IsErrCode(err, http.StatusMethodNotAllowed):
		return storage.CodeAlreadyExists
	case gowebdav.IsErrCode(err, http.StatusNotImplemented):
		return storage.CodeNotSupported
	case gowebdav.IsErrCode(err, http.StatusBadRequest):
		return storage.CodeInvalidArgument
	case isRoot:
		return storage.CodeRootNotFound
	}
	return storage.CodeIO
}

// ============================================================================
// Files
// ============================================================================

// file reads with ranged GETs and writes by replacing the whole resource.
type file struct {
	session *Session
	path    string
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if err := f.session.Check(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	rc, err := f.session.client.ReadStreamRange(f.path, off, int64(len(p)))
	if err != nil {
		if gowebdav.IsErrCode(err, http.StatusRequestedRangeNotSatisfiable) {
			return 0, io.EOF
		}
		return 0, err
	}
	defer rc.Close()

	n, err := io.ReadFull(rc, p)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return n, io.EOF
	}
	return n, err
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	return 0, storage.ErrNotSupported
}

func (f *file) Size() (int64, error) {
	if err := f.session.Check(); err != nil {
		return 0, err
	}
	fi, err := f.session.client.Stat(f.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (f *file) Truncate(size int64) error {
	if size == 0 {
		return f.Replace(bytes.NewReader(nil), 0)
	}
	return storage.ErrNotSupported
}

// Replace uploads exactly size bytes from r with a single PUT.
func (f *file) Replace(r io.Reader, size int64) error {
	if err := f.session.Check(); err != nil {
		return err
	}
	return f.session.client.WriteStream(f.path, io.LimitReader(r, size), 0o644)
}

func (f *file) Close() error {
	return nil
}
