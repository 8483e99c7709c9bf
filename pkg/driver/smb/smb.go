// Package smb implements the storage driver for SMB2/3 shares on top of
// github.com/hirochachacha/go-smb2.
//
// The first segment of a connection's Folder is the share name. Everything
// after it, plus the target, forms the share-relative path with backslash
// separators and no leading separator; the share root is "".
package smb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hirochachacha/go-smb2"

	"github.com/marmos91/sharefs/internal/logger"
	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
)

// NT status codes the driver distinguishes.
const (
	statusAccessDenied          uint32 = 0xC0000022
	statusObjectNameNotFound    uint32 = 0xC0000034
	statusObjectNameCollision   uint32 = 0xC0000035
	statusObjectPathNotFound    uint32 = 0xC000003A
	statusLogonFailure          uint32 = 0xC000006D
	statusAccountRestriction    uint32 = 0xC000006E
	statusPasswordExpired       uint32 = 0xC0000071
	statusNotSupported          uint32 = 0xC00000BB
	statusBadNetworkName        uint32 = 0xC00000CC
	statusFileIsADirectory      uint32 = 0xC00000BA
	statusDirectoryNotEmpty     uint32 = 0xC0000101
	statusNetworkAccessDenied   uint32 = 0xC00000CA
	statusAccountDisabled       uint32 = 0xC0000072
	statusWrongPassword         uint32 = 0xC000006A
	statusNoSuchUser            uint32 = 0xC0000064
	statusAccountLockedOut      uint32 = 0xC0000234
	statusPathNotCovered        uint32 = 0xC0000257
	statusSharingViolation      uint32 = 0xC0000043
	statusObjectNameInvalid     uint32 = 0xC0000033
	statusNotADirectory         uint32 = 0xC0000103
	statusDeletePending         uint32 = 0xC0000056
	statusCannotDelete          uint32 = 0xC0000121
	statusFileClosed            uint32 = 0xC0000128
	statusNetworkNameDeleted    uint32 = 0xC00000C9
	statusUserSessionDeleted    uint32 = 0xC0000203
	statusInvalidParameter      uint32 = 0xC000000D
	statusNoSuchFile            uint32 = 0xC000000F
	statusInsufficientResources uint32 = 0xC000009A
)

// dialects maps configured version strings to SMB2 dialect revisions.
var dialects = map[string]uint16{
	"2.0.2": 0x0202,
	"2.1":   0x0210,
	"2.1.0": 0x0210,
	"3.0":   0x0300,
	"3.0.0": 0x0300,
	"3.0.2": 0x0302,
	"3.1.1": 0x0311,
}

// offered lists every dialect go-smb2 proposes when none is pinned, highest
// first.
var offered = []uint16{0x0311, 0x0302, 0x0300, 0x0210, 0x0202}

// ParseDialect converts a version string such as "3.1.1".
func ParseDialect(v string) (uint16, error) {
	d, ok := dialects[strings.TrimSpace(v)]
	if !ok {
		return 0, fmt.Errorf("unknown SMB dialect %q", v)
	}
	return d, nil
}

// Options configures the SMB driver.
type Options struct {
	// Workstation is announced during NTLM authentication.
	Workstation string `mapstructure:"workstation"`
}

// Driver is the SMB storage driver.
type Driver struct {
	opts Options
}

// New creates an SMB driver.
func New(opts Options) *Driver {
	return &Driver{opts: opts}
}

// ============================================================================
// Sessions
// ============================================================================

// Session is an authenticated SMB session with the share mounted.
type Session struct {
	session.Guard

	conn    net.Conn
	smb     *smb2.Session
	share   *smb2.Share
	timeout time.Duration
	attrs   *attrCache
}

// Close unmounts the share, logs off and drops the TCP connection.
func (s *Session) Close() error {
	if !s.MarkClosed() {
		return nil
	}
	umountErr := s.share.Umount()
	logoffErr := s.smb.Logoff()
	connErr := s.conn.Close()
	if errors.Is(connErr, net.ErrClosed) {
		connErr = nil
	}
	return errors.Join(umountErr, logoffErr, connErr)
}

// call runs fn against the share bound to a response deadline.
func (s *Session) call(ctx context.Context, fn func(share *smb2.Share) error) error {
	if err := s.Check(); err != nil {
		return err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return fn(s.share.WithContext(ctx))
}

// Dial implements session.Dialer.
func (d *Driver) Dial(ctx context.Context, conn connection.Connection, tuning session.Tuning) (session.Session, error) {
	shareName, _ := splitFolder(conn.Folder)
	if shareName == "" {
		return nil, &mountError{err: errors.New("no share name in folder")}
	}

	negotiators, err := negotiatorsFor(tuning)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, n := range negotiators {
		s, err := d.dialWith(ctx, conn, tuning, n, shareName)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryNegotiation(err) {
			break
		}
		logger.Debug("SMB: dialect 0x%04x refused by %s: %v", n.SpecifiedDialect, conn.Host, err)
	}
	return nil, lastErr
}

// dialWith opens one TCP connection and runs negotiate, login and mount with
// the given negotiator.
func (d *Driver) dialWith(ctx context.Context, conn connection.Connection, tuning session.Tuning, negotiator smb2.Negotiator, shareName string) (*Session, error) {
	netDialer := &net.Dialer{Timeout: tuning.ConnectTimeout}
	tcp, err := netDialer.DialContext(ctx, "tcp", conn.Address())
	if err != nil {
		return nil, fmt.Errorf("dial smb tcp: %w", err)
	}

	dialer := &smb2.Dialer{
		Negotiator: negotiator,
		Initiator: &smb2.NTLMInitiator{
			User:        tuning.LoginUser(conn),
			Password:    tuning.LoginPassword(conn),
			Domain:      conn.Domain,
			Workstation: d.opts.Workstation,
		},
	}

	dialCtx := ctx
	if tuning.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, tuning.ConnectTimeout)
		defer cancel()
	}

	s, err := dialer.DialContext(dialCtx, tcp)
	if err != nil {
		_ = tcp.Close()
		return nil, &negotiateError{err: err}
	}

	share, err := s.WithContext(dialCtx).Mount(shareName)
	if err != nil {
		_ = s.Logoff()
		_ = tcp.Close()
		return nil, &mountError{err: err}
	}

	if tuning.EnableDFS {
		logger.Debug("SMB: DFS referrals are not followed for %s", conn.Host)
	}

	return &Session{
		conn:    tcp,
		smb:     s,
		share:   share,
		timeout: tuning.ResponseTimeout,
		attrs:   newAttrCache(tuning.AttrCacheTTL),
	}, nil
}

// negotiatorsFor returns the negotiators to try in order. An empty range,
// or one covering every dialect go-smb2 offers, leaves negotiation open in a
// single attempt. A narrower range pins each dialect inside it, highest
// first, since go-smb2 does not report which dialect the server picked.
func negotiatorsFor(t session.Tuning) ([]smb2.Negotiator, error) {
	base := smb2.Negotiator{RequireMessageSigning: t.SigningRequired}
	if t.MinVersion == "" || t.MaxVersion == "" {
		return []smb2.Negotiator{base}, nil
	}

	lo, err := ParseDialect(t.MinVersion)
	if err != nil {
		return nil, err
	}
	hi, err := ParseDialect(t.MaxVersion)
	if err != nil {
		return nil, err
	}
	if lo > hi {
		return nil, fmt.Errorf("SMB min version %s is above max version %s", t.MinVersion, t.MaxVersion)
	}
	if lo <= offered[len(offered)-1] && hi >= offered[0] {
		return []smb2.Negotiator{base}, nil
	}

	var out []smb2.Negotiator
	for _, dialect := range offered {
		if dialect < lo || dialect > hi {
			continue
		}
		n := base
		n.SpecifiedDialect = dialect
		out = append(out, n)
	}
	return out, nil
}

// negotiateError marks a failure during negotiate or login.
type negotiateError struct {
	err error
}

func (e *negotiateError) Error() string { return "smb negotiate/login: " + e.err.Error() }
func (e *negotiateError) Unwrap() error { return e.err }

// retryNegotiation reports whether a failed attempt may succeed with a lower
// pinned dialect. Credential and transport failures end the attempt.
func retryNegotiation(err error) bool {
	var ne *negotiateError
	if !errors.As(err, &ne) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *smb2.ResponseError
	if errors.As(err, &re) {
		switch re.Code {
		case statusLogonFailure, statusAccessDenied, statusNetworkAccessDenied, statusWrongPassword, statusNoSuchUser,
			statusAccountRestriction, statusAccountDisabled, statusAccountLockedOut, statusPasswordExpired:
			return false
		}
	}
	return true
}

// mountError marks a failure to mount the share after login.
type mountError struct {
	err error
}

func (e *mountError) Error() string { return "mount share: " + e.err.Error() }
func (e *mountError) Unwrap() error { return e.err }

func (d *Driver) session(s session.Session) (*Session, error) {
	ss, ok := s.(*Session)
	if !ok {
		return nil, fmt.Errorf("smb: foreign session %T", s)
	}
	if err := ss.Check(); err != nil {
		return nil, err
	}
	return ss, nil
}

// ============================================================================
// Paths
// ============================================================================

// splitFolder splits "share/dir/sub" into "share" and "dir/sub".
func splitFolder(folder string) (string, string) {
	f := strings.Trim(strings.ReplaceAll(folder, "\\", "/"), "/")
	share, rest, _ := strings.Cut(f, "/")
	return share, rest
}

// sharePath returns the share-relative path of conn's target.
func sharePath(conn connection.Connection) string {
	p := strings.Trim(conn.RemotePath(), "/")
	_, rest, _ := strings.Cut(p, "/")
	return strings.ReplaceAll(rest, "/", `\`)
}

func info(conn connection.Connection, fi os.FileInfo) storage.RemoteInfo {
	return storage.NewInfo(conn, fi.Size(), fi.ModTime(), fi.IsDir(), fi.Mode().IsRegular())
}

// ============================================================================
// Driver operations
// ============================================================================

func (d *Driver) Capabilities() storage.Capabilities {
	return storage.Capabilities{RandomWrite: true}
}

func (d *Driver) Stat(ctx context.Context, s session.Session, conn connection.Connection) (*storage.RemoteInfo, error) {
	ss, err := d.session(s)
	if err != nil {
		return nil, err
	}

	name := sharePath(conn)
	fi, ok := ss.attrs.get(name)
	if !ok {
		err = ss.call(ctx, func(share *smb2.Share) error {
			fi, err = share.Stat(name)
			return err
		})
		if err != nil {
			return nil, err
		}
		ss.attrs.put(name, fi)
	}

	ri := info(conn, fi)
	return &ri, nil
}

func (d *Driver) List(ctx context.Context, s session.Session, conn connection.Connection) ([]storage.RemoteInfo, error) {
	ss, err := d.session(s)
	if err != nil {
		return nil, err
	}

	dir := sharePath(conn)
	var entries []os.FileInfo
	err = ss.call(ctx, func(share *smb2.Share) error {
		entries, err = share.ReadDir(dir)
		return err
	})
	if err != nil {
		return nil, err
	}

	infos := make([]storage.RemoteInfo, 0, len(entries))
	for _, fi := range entries {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}
		child := conn.Child(fi.Name(), fi.IsDir())
		ss.attrs.put(sharePath(child), fi)
		infos = append(infos, info(child, fi))
	}
	return infos, nil
}

func (d *Driver) Mkdir(ctx context.Context, s session.Session, conn connection.Connection) error {
	ss, err := d.session(s)
	if err != nil {
		return err
	}
	name := sharePath(conn)
	defer ss.attrs.drop(name)
	return ss.call(ctx, func(share *smb2.Share) error {
		return share.Mkdir(name, 0o755)
	})
}

func (d *Driver) Create(ctx context.Context, s session.Session, conn connection.Connection) error {
	ss, err := d.session(s)
	if err != nil {
		return err
	}
	name := sharePath(conn)
	defer ss.attrs.drop(name)
	return ss.call(ctx, func(share *smb2.Share) error {
		f, err := share.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return err
		}
		return f.Close()
	})
}

func (d *Driver) Remove(ctx context.Context, s session.Session, conn connection.Connection) error {
	ss, err := d.session(s)
	if err != nil {
		return err
	}
	name := sharePath(conn)
	defer ss.attrs.dropTree(name)
	return ss.call(ctx, func(share *smb2.Share) error {
		if _, err := share.Stat(name); err != nil {
			return err
		}
		return share.RemoveAll(name)
	})
}

func (d *Driver) Rename(ctx context.Context, s session.Session, source, target connection.Connection) error {
	ss, err := d.session(s)
	if err != nil {
		return err
	}
	from, to := sharePath(source), sharePath(target)
	defer func() {
		ss.attrs.dropTree(from)
		ss.attrs.drop(to)
	}()
	return ss.call(ctx, func(share *smb2.Share) error {
		return share.Rename(from, to)
	})
}

func (d *Driver) Open(ctx context.Context, s session.Session, conn connection.Connection, mode connection.AccessMode) (storage.RemoteFile, error) {
	ss, err := d.session(s)
	if err != nil {
		return nil, err
	}

	flags := os.O_RDONLY
	switch mode {
	case connection.ModeWrite:
		flags = os.O_WRONLY | os.O_CREATE
	case connection.ModeReadWrite:
		flags = os.O_RDWR | os.O_CREATE
	}

	name := sharePath(conn)
	if mode.CanWrite() {
		ss.attrs.drop(name)
	}

	// Open files outlive the call deadline, so they use the plain share.
	f, err := ss.share.OpenFile(name, flags, 0o644)
	if err != nil {
		return nil, err
	}
	return &file{f: f, session: ss, name: name}, nil
}

// Classify implements storage.Driver.
func (d *Driver) Classify(err error) storage.ErrorCode {
	if errors.Is(err, session.ErrClosed) {
		return storage.CodeClosed
	}

	var mount *mountError
	isMount := errors.As(err, &mount)

	var resp *smb2.ResponseError
	if errors.As(err, &resp) {
		switch resp.Code {
		case statusBadNetworkName, statusNetworkNameDeleted:
			return storage.CodeRootNotFound
		case statusObjectNameNotFound, statusObjectPathNotFound, statusNoSuchFile, statusDeletePending:
			if isMount {
				return storage.CodeRootNotFound
			}
			return storage.CodeNotFound
		case statusLogonFailure, statusAccessDenied, statusNetworkAccessDenied, statusAccountRestriction,
			statusPasswordExpired, statusAccountDisabled, statusWrongPassword, statusNoSuchUser,
			statusAccountLockedOut, statusCannotDelete, statusSharingViolation:
			return storage.CodeAccessDenied
		case statusObjectNameCollision:
			return storage.CodeAlreadyExists
		case statusNotSupported, statusPathNotCovered:
			return storage.CodeNotSupported
		case statusObjectNameInvalid, statusInvalidParameter, statusFileIsADirectory, statusNotADirectory:
			return storage.CodeInvalidArgument
		case statusFileClosed, statusUserSessionDeleted:
			return storage.CodeClosed
		case statusDirectoryNotEmpty, statusInsufficientResources:
			return storage.CodeIO
		}
	}

	var transport *smb2.TransportError
	if errors.As(err, &transport) {
		return storage.CodeIO
	}

	switch {
	case isMount:
		return storage.CodeRootNotFound
	case errors.Is(err, os.ErrNotExist):
		return storage.CodeNotFound
	case errors.Is(err, os.ErrPermission):
		return storage.CodeAccessDenied
	case errors.Is(err, os.ErrExist):
		return storage.CodeAlreadyExists
	}
	return storage.CodeIO
}

// ============================================================================
// Files
// ============================================================================

type file struct {
	f       *smb2.File
	session *Session
	name    string
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if err := f.session.Check(); err != nil {
		return 0, err
	}
	return f.f.ReadAt(p, off)
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	if err := f.session.Check(); err != nil {
		return 0, err
	}
	f.session.attrs.drop(f.name)
	return f.f.WriteAt(p, off)
}

func (f *file) Size() (int64, error) {
	if err := f.session.Check(); err != nil {
		return 0, err
	}
	fi, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (f *file) Truncate(size int64) error {
	if err := f.session.Check(); err != nil {
		return err
	}
	f.session.attrs.drop(f.name)
	return f.f.Truncate(size)
}

func (f *file) Sync() error {
	if err := f.session.Check(); err != nil {
		return err
	}
	return f.f.Sync()
}

func (f *file) Close() error {
	if f.session.Closed() {
		return nil
	}
	return f.f.Close()
}

// ============================================================================
// Attribute cache
// ============================================================================

type attrEntry struct {
	info    os.FileInfo
	expires time.Time
}

// attrCache keeps Stat and ReadDir results for a short TTL. A zero TTL
// disables it.
type attrCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]attrEntry
	now     func() time.Time
}

func newAttrCache(ttl time.Duration) *attrCache {
	return &attrCache{ttl: ttl, entries: make(map[string]attrEntry), now: time.Now}
}

func (c *attrCache) get(name string) (os.FileInfo, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, name)
		return nil, false
	}
	return e.info, true
}

func (c *attrCache) put(name string, fi os.FileInfo) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = attrEntry{info: fi, expires: c.now().Add(c.ttl)}
}

func (c *attrCache) drop(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

// dropTree drops name and everything below it.
func (c *attrCache) dropTree(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := name + `\`
	for k := range c.entries {
		if k == name || name == "" || strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}
