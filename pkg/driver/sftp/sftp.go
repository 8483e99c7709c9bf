// Package sftp implements the storage driver for SSH File Transfer Protocol
// servers on top of github.com/pkg/sftp.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/marmos91/sharefs/internal/logger"
	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
)

// Options configures the SFTP driver.
type Options struct {
	// KnownHostsFile enables host key verification. Empty accepts any key.
	KnownHostsFile string `mapstructure:"known_hosts_file"`

	// PrivateKeyPath adds public key authentication.
	PrivateKeyPath       string `mapstructure:"private_key_path"`
	PrivateKeyPassphrase string `mapstructure:"private_key_passphrase"`

	// ConcurrentWrites lets the client pipeline writes of one file.
	ConcurrentWrites bool `mapstructure:"concurrent_writes"`
}

// Driver is the SFTP storage driver.
type Driver struct {
	opts Options
}

// New creates an SFTP driver.
func New(opts Options) *Driver {
	return &Driver{opts: opts}
}

// Session is one SSH connection with an SFTP subsystem on top.
type Session struct {
	session.Guard

	ssh  *ssh.Client
	sftp *sftp.Client
}

// Close shuts the SFTP subsystem and the SSH connection down.
func (s *Session) Close() error {
	if !s.MarkClosed() {
		return nil
	}
	sftpErr := s.sftp.Close()
	sshErr := s.ssh.Close()
	return errors.Join(sftpErr, sshErr)
}

// Dial implements session.Dialer.
func (d *Driver) Dial(ctx context.Context, conn connection.Connection, tuning session.Tuning) (session.Session, error) {
	config, err := d.clientConfig(conn, tuning)
	if err != nil {
		return nil, err
	}

	addr := conn.Address()
	dialer := &net.Dialer{Timeout: tuning.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh tcp: %w", err)
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	var opts []sftp.ClientOption
	if d.opts.ConcurrentWrites {
		opts = append(opts, sftp.UseConcurrentWrites(true))
	}
	sftpClient, err := sftp.NewClient(sshClient, opts...)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}

	if _, err := sftpClient.Stat(rootPath(conn)); err != nil {
		_ = sftpClient.Close()
		_ = sshClient.Close()
		return nil, &rootError{err: err}
	}

	return &Session{ssh: sshClient, sftp: sftpClient}, nil
}

func (d *Driver) clientConfig(conn connection.Connection, tuning session.Tuning) (*ssh.ClientConfig, error) {
	user := tuning.LoginUser(conn)
	if tuning.Auth == connection.AuthAnonymous {
		user = "anonymous"
	}
	password := tuning.LoginPassword(conn)

	config := &ssh.ClientConfig{
		User:            user,
		Timeout:         tuning.ConnectTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
	}

	if d.opts.KnownHostsFile != "" {
		callback, err := knownhosts.New(d.opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		config.HostKeyCallback = callback
	}

	if d.opts.PrivateKeyPath != "" {
		signer, err := loadSigner(d.opts.PrivateKeyPath, d.opts.PrivateKeyPassphrase)
		if err != nil {
			logger.Warn("SFTP: ignoring private key %s: %v", d.opts.PrivateKeyPath, err)
		} else {
			config.Auth = append([]ssh.AuthMethod{ssh.PublicKeys(signer)}, config.Auth...)
		}
	}

	return config, nil
}

func loadSigner(keyPath, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(data)
}

// rootError marks a failure to stat the connection root after login.
type rootError struct {
	err error
}

func (e *rootError) Error() string { return "stat root: " + e.err.Error() }
func (e *rootError) Unwrap() error { return e.err }

func (d *Driver) client(s session.Session) (*sftp.Client, error) {
	ss, ok := s.(*Session)
	if !ok {
		return nil, fmt.Errorf("sftp: foreign session %T", s)
	}
	if err := ss.Check(); err != nil {
		return nil, err
	}
	return ss.sftp, nil
}

// remotePath returns the absolute server path of conn's target.
func remotePath(conn connection.Connection) string {
	return path.Clean(conn.RemotePath())
}

func rootPath(conn connection.Connection) string {
	return path.Clean(conn.WithPath("/").RemotePath())
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
	c, err := d.client(s)
	if err != nil {
		return nil, err
	}
	fi, err := c.Stat(remotePath(conn))
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
	entries, err := c.ReadDir(remotePath(conn))
	if err != nil {
		return nil, err
	}

	infos := make([]storage.RemoteInfo, 0, len(entries))
	for _, fi := range entries {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}
		infos = append(infos, info(conn.Child(fi.Name(), fi.IsDir()), fi))
	}
	return infos, nil
}

func (d *Driver) Mkdir(ctx context.Context, s session.Session, conn connection.Connection) error {
	c, err := d.client(s)
	if err != nil {
		return err
	}
	return c.Mkdir(remotePath(conn))
}

func (d *Driver) Create(ctx context.Context, s session.Session, conn connection.Connection) error {
	c, err := d.client(s)
	if err != nil {
		return err
	}
	f, err := c.OpenFile(remotePath(conn), os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return err
	}
	return f.Close()
}

func (d *Driver) Remove(ctx context.Context, s session.Session, conn connection.Connection) error {
	c, err := d.client(s)
	if err != nil {
		return err
	}
	return removeAll(ctx, c, remotePath(conn))
}

func removeAll(ctx context.Context, c *sftp.Client, p string) error {
	fi, err := c.Lstat(p)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return c.Remove(p)
	}

	entries, err := c.ReadDir(p)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.Name() == "." || entry.Name() == ".." {
			continue
		}
		if err := removeAll(ctx, c, path.Join(p, entry.Name())); err != nil {
			return err
		}
	}
	return c.RemoveDirectory(p)
}

func (d *Driver) Rename(ctx context.Context, s session.Session, source, target connection.Connection) error {
	c, err := d.client(s)
	if err != nil {
		return err
	}
	return c.Rename(remotePath(source), remotePath(target))
}

func (d *Driver) Open(ctx context.Context, s session.Session, conn connection.Connection, mode connection.AccessMode) (storage.RemoteFile, error) {
	c, err := d.client(s)
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

	f, err := c.OpenFile(remotePath(conn), flags)
	if err != nil {
		return nil, err
	}
	return &file{f: f, guard: s.(*Session)}, nil
}

// Classify implements storage.Driver.
func (d *Driver) Classify(err error) storage.ErrorCode {
	var re *rootError
	switch {
	case errors.As(err, &re) && errors.Is(err, os.ErrNotExist):
		return storage.CodeRootNotFound
	case errors.Is(err, os.ErrNotExist):
		return storage.CodeNotFound
	case errors.Is(err, os.ErrPermission), isAuthError(err):
		return storage.CodeAccessDenied
	case errors.Is(err, os.ErrExist):
		return storage.CodeAlreadyExists
	case errors.Is(err, session.ErrClosed):
		return storage.CodeClosed
	}

	var status *sftp.StatusError
	if errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxOpUnsupported {
		return storage.CodeNotSupported
	}
	return storage.CodeIO
}

// isAuthError detects handshake rejections; x/crypto/ssh reports them as
// plain errors.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

// ============================================================================
// Files
// ============================================================================

type file struct {
	f     *sftp.File
	guard *Session
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if err := f.guard.Check(); err != nil {
		return 0, err
	}
	n, err := f.f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		return n, io.EOF
	}
	return n, err
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	if err := f.guard.Check(); err != nil {
		return 0, err
	}
	return f.f.WriteAt(p, off)
}

func (f *file) Size() (int64, error) {
	if err := f.guard.Check(); err != nil {
		return 0, err
	}
	fi, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (f *file) Truncate(size int64) error {
	if err := f.guard.Check(); err != nil {
		return err
	}
	return f.f.Truncate(size)
}

func (f *file) Sync() error {
	if err := f.guard.Check(); err != nil {
		return err
	}
	return f.f.Sync()
}

func (f *file) Close() error {
	if f.guard.Closed() {
		return nil
	}
	return f.f.Close()
}

