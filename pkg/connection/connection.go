// Package connection describes where a remote share lives and how to log in
// to it.
//
// A Connection is a plain value. Its identity (Key) covers everything that
// determines which authenticated session can serve it: protocol, endpoint,
// credentials, root folder and option flags. The target path inside the share
// is carried alongside but never takes part in identity, so every file of a
// share reuses the same session.
package connection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
)

// Protocol identifies the remote backend a Connection targets.
type Protocol string

const (
	ProtocolSMB     Protocol = "smb"
	ProtocolFTP     Protocol = "ftp"
	ProtocolFTPS    Protocol = "ftps"
	ProtocolSFTP    Protocol = "sftp"
	ProtocolWebDAV  Protocol = "webdav"
	ProtocolWebDAVS Protocol = "webdavs"
	ProtocolS3      Protocol = "s3"
	ProtocolMemory  Protocol = "memory"
)

// Protocols lists every supported protocol tag.
func Protocols() []Protocol {
	return []Protocol{
		ProtocolSMB, ProtocolFTP, ProtocolFTPS, ProtocolSFTP,
		ProtocolWebDAV, ProtocolWebDAVS, ProtocolS3, ProtocolMemory,
	}
}

// ParseProtocol converts a protocol tag, case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Protocols() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// DefaultPort returns the well-known port for the protocol (0 if none).
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolSMB:
		return 445
	case ProtocolFTP, ProtocolFTPS:
		return 21
	case ProtocolSFTP:
		return 22
	case ProtocolWebDAV:
		return 80
	case ProtocolWebDAVS, ProtocolS3:
		return 443
	default:
		return 0
	}
}

// Scheme returns the URI scheme used when rendering URIs for the protocol.
func (p Protocol) Scheme() string {
	switch p {
	case ProtocolWebDAV:
		return "http"
	case ProtocolWebDAVS:
		return "https"
	case ProtocolMemory:
		return "mem"
	default:
		return string(p)
	}
}

// Options are the per-connection behavior flags.
type Options struct {
	// EnableDFS follows SMB DFS referrals.
	EnableDFS bool `mapstructure:"enable_dfs" yaml:"enable_dfs" json:"enable_dfs"`

	// SafeTransfer stages file I/O in a local buffer instead of forwarding
	// every read and write to the server.
	SafeTransfer bool `mapstructure:"safe_transfer" yaml:"safe_transfer" json:"safe_transfer"`

	// ReadOnly rejects every mutating operation on the connection.
	ReadOnly bool `mapstructure:"read_only" yaml:"read_only" json:"read_only"`

	// Anonymous logs in without credentials. Wins over Guest.
	Anonymous bool `mapstructure:"anonymous" yaml:"anonymous" json:"anonymous"`

	// Guest logs in as the configured guest user.
	Guest bool `mapstructure:"guest" yaml:"guest" json:"guest"`

	// ExtensionRename appends the MIME-derived extension on create and keeps
	// the source extension on rename.
	ExtensionRename bool `mapstructure:"extension_rename" yaml:"extension_rename" json:"extension_rename"`
}

// Connection is an immutable description of a remote share plus a target
// path inside it.
type Connection struct {
	Protocol Protocol
	Host     string
	Port     int
	Domain   string
	User     string
	Password string

	// Folder is the root of the connection on the server: "share/dir" for
	// SMB, an absolute directory for SFTP and FTP, "bucket/prefix" for S3.
	Folder string

	Options Options

	// target is relative to Folder. A trailing "/" marks a directory.
	target string
}

// AuthMode is the login method derived from the option flags.
type AuthMode int

const (
	AuthCredentials AuthMode = iota
	AuthGuest
	AuthAnonymous
)

func (m AuthMode) String() string {
	switch m {
	case AuthAnonymous:
		return "anonymous"
	case AuthGuest:
		return "guest"
	default:
		return "credentials"
	}
}

// AuthMode resolves the login method. Anonymous wins over guest, guest over
// named credentials.
func (c Connection) AuthMode() AuthMode {
	switch {
	case c.Options.Anonymous:
		return AuthAnonymous
	case c.Options.Guest:
		return AuthGuest
	default:
		return AuthCredentials
	}
}

// EffectivePort returns Port, or the protocol default when Port is 0.
func (c Connection) EffectivePort() int {
	if c.Port > 0 {
		return c.Port
	}
	return c.Protocol.DefaultPort()
}

// Address returns host:port for dialing.
func (c Connection) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.EffectivePort()))
}

// Key returns a stable identity digest. The target path is not part of it.
func (c Connection) Key() string {
	h := sha256.New()
	for _, field := range []string{
		string(c.Protocol),
		strings.ToLower(c.Host),
		strconv.Itoa(c.EffectivePort()),
		c.Domain,
		c.User,
		c.Password,
		cleanFolder(c.Folder),
		flag(c.Options.EnableDFS),
		flag(c.Options.SafeTransfer),
		flag(c.Options.ReadOnly),
		flag(c.Options.Anonymous),
		flag(c.Options.Guest),
		flag(c.Options.ExtensionRename),
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SameIdentity reports whether c and other can share a session.
func (c Connection) SameIdentity(other Connection) bool {
	return c.Key() == other.Key()
}

// WithPath returns a copy of c targeting p (relative to Folder).
func (c Connection) WithPath(p string) Connection {
	c.target = cleanTarget(p)
	return c
}

// Child returns a copy of c targeting the entry name inside the current
// target. dir marks the child as a directory.
func (c Connection) Child(name string, dir bool) Connection {
	p := path.Join(strings.TrimSuffix(c.target, "/"), strings.Trim(name, "/"))
	if dir {
		p += "/"
	}
	return c.WithPath(p)
}

// Parent returns a copy of c targeting the directory containing the target.
func (c Connection) Parent() Connection {
	dir := path.Dir(strings.TrimSuffix(c.target, "/"))
	if dir == "." || dir == "/" {
		return c.WithPath("/")
	}
	return c.WithPath(dir + "/")
}

// Path returns the target relative to Folder, with a leading "/".
func (c Connection) Path() string {
	if c.target == "" {
		return "/"
	}
	return c.target
}

// Name returns the last element of the target, without separators.
func (c Connection) Name() string {
	trimmed := strings.Trim(c.target, "/")
	if trimmed == "" {
		return path.Base("/" + cleanFolder(c.Folder))
	}
	return path.Base(trimmed)
}

// IsDirectory reports whether the target denotes a directory.
func (c Connection) IsDirectory() bool {
	return IsDirectoryURI(c.Path())
}

// RemotePath returns the Folder-rooted path of the target, starting with "/"
// and keeping a trailing "/" for directories.
func (c Connection) RemotePath() string {
	p := path.Join("/", cleanFolder(c.Folder), c.target)
	if p != "/" && c.IsDirectory() {
		p += "/"
	}
	return p
}

// RootURI renders the URI of the connection root.
func (c Connection) RootURI() string {
	return c.WithPath("/").URI()
}

// URI renders scheme://host[:port]/folder/target. Credentials are never
// included.
func (c Connection) URI() string {
	var b strings.Builder
	b.WriteString(c.Protocol.Scheme())
	b.WriteString("://")
	if c.Host != "" {
		b.WriteString(c.Host)
		if c.Port > 0 && c.Port != c.Protocol.DefaultPort() {
			b.WriteString(":")
			b.WriteString(strconv.Itoa(c.Port))
		}
	}
	b.WriteString(c.RemotePath())
	return b.String()
}

func (c Connection) String() string {
	if c.User == "" {
		return c.URI()
	}
	return fmt.Sprintf("%s (user=%s)", c.URI(), c.User)
}

func cleanFolder(folder string) string {
	f := strings.Trim(strings.ReplaceAll(folder, "\\", "/"), "/")
	if f == "" {
		return ""
	}
	return path.Clean(f)
}

func cleanTarget(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	dir := strings.HasSuffix(p, "/")
	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return "/"
	}
	if dir {
		cleaned += "/"
	}
	return cleaned
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
