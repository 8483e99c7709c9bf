package sftp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
)

func testConnection() connection.Connection {
	return connection.Connection{
		Protocol: connection.ProtocolSFTP,
		Host:     "files.example.com",
		User:     "alice",
		Password: "secret",
		Folder:   "home/alice",
	}
}

func TestRemotePath(t *testing.T) {
	conn := testConnection()

	assert.Equal(t, "/home/alice", rootPath(conn))
	assert.Equal(t, "/home/alice/docs", remotePath(conn.WithPath("/docs/")))
	assert.Equal(t, "/home/alice/docs/a.txt", remotePath(conn.WithPath("docs/a.txt")))
}

func TestClientConfigCredentials(t *testing.T) {
	d := New(Options{})
	conn := testConnection()
	tuning := session.Settings{ConnectTimeout: 3 * time.Second}.TuningFor(conn)

	cfg, err := d.clientConfig(conn, tuning)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Len(t, cfg.Auth, 2)
}

func TestClientConfigAnonymous(t *testing.T) {
	d := New(Options{})
	conn := testConnection()
	conn.Options.Anonymous = true

	cfg, err := d.clientConfig(conn, session.Settings{}.TuningFor(conn))
	require.NoError(t, err)
	assert.Equal(t, "anonymous", cfg.User)
}

func TestClientConfigMissingKnownHosts(t *testing.T) {
	d := New(Options{KnownHostsFile: filepath.Join(t.TempDir(), "missing")})
	conn := testConnection()

	_, err := d.clientConfig(conn, session.Settings{}.TuningFor(conn))
	assert.Error(t, err)
}

func TestClientConfigIgnoresBadKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o600))

	d := New(Options{PrivateKeyPath: keyPath})
	conn := testConnection()

	cfg, err := d.clientConfig(conn, session.Settings{}.TuningFor(conn))
	require.NoError(t, err)
	assert.Len(t, cfg.Auth, 2)
}

func TestClassify(t *testing.T) {
	d := New(Options{})

	tests := []struct {
		name string
		err  error
		want storage.ErrorCode
	}{
		{"root missing", &rootError{err: os.ErrNotExist}, storage.CodeRootNotFound},
		{"not found", fmt.Errorf("stat: %w", os.ErrNotExist), storage.CodeNotFound},
		{"permission", os.ErrPermission, storage.CodeAccessDenied},
		{"auth", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), storage.CodeAccessDenied},
		{"exists", os.ErrExist, storage.CodeAlreadyExists},
		{"closed", session.ErrClosed, storage.CodeClosed},
		{"other", errors.New("connection reset"), storage.CodeIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Classify(tt.err))
		})
	}
}

func TestCapabilities(t *testing.T) {
	assert.True(t, New(Options{}).Capabilities().RandomWrite)
}
