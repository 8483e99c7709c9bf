package smb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hirochachacha/go-smb2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
)

func testConnection() connection.Connection {
	return connection.Connection{
		Protocol: connection.ProtocolSMB,
		Host:     "nas.local",
		Domain:   "WORKGROUP",
		User:     "alice",
		Password: "secret",
		Folder:   "public/projects",
	}
}

func TestSplitFolder(t *testing.T) {
	tests := []struct {
		folder, share, rest string
	}{
		{"public", "public", ""},
		{"/public/projects/", "public", "projects"},
		{`public\projects\2024`, "public", "projects/2024"},
		{"", "", ""},
	}
	for _, tt := range tests {
		share, rest := splitFolder(tt.folder)
		assert.Equal(t, tt.share, share, tt.folder)
		assert.Equal(t, tt.rest, rest, tt.folder)
	}
}

func TestSharePath(t *testing.T) {
	conn := testConnection()

	assert.Equal(t, "projects", sharePath(conn.WithPath("/")))
	assert.Equal(t, `projects\report.txt`, sharePath(conn.WithPath("/report.txt")))
	assert.Equal(t, `projects\a\b`, sharePath(conn.WithPath("/a/b/")))

	root := conn
	root.Folder = "public"
	assert.Equal(t, "", sharePath(root.WithPath("/")))
	assert.Equal(t, "x.bin", sharePath(root.WithPath("x.bin")))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("3.1.1")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0311), d)

	d, err = ParseDialect("2.0.2")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0202), d)

	_, err = ParseDialect("1.0")
	assert.Error(t, err)
}

func dialectsOf(ns []smb2.Negotiator) []uint16 {
	out := make([]uint16, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.SpecifiedDialect)
	}
	return out
}

func TestNegotiatorsFor(t *testing.T) {
	conn := testConnection()

	t.Run("full range leaves dialect open", func(t *testing.T) {
		tuning := session.Settings{MinVersion: "2.0.2", MaxVersion: "3.1.1"}.TuningFor(conn)
		ns, err := negotiatorsFor(tuning)
		require.NoError(t, err)
		require.Len(t, ns, 1)
		assert.Zero(t, ns[0].SpecifiedDialect)
		assert.True(t, ns[0].RequireMessageSigning)
	})

	t.Run("unset range leaves dialect open", func(t *testing.T) {
		ns, err := negotiatorsFor(session.Settings{}.TuningFor(conn))
		require.NoError(t, err)
		assert.Equal(t, []uint16{0}, dialectsOf(ns))
	})

	t.Run("narrow range pins each dialect highest first", func(t *testing.T) {
		tuning := session.Settings{MinVersion: "3.0", MaxVersion: "3.1.1"}.TuningFor(conn)
		ns, err := negotiatorsFor(tuning)
		require.NoError(t, err)
		assert.Equal(t, []uint16{0x0311, 0x0302, 0x0300}, dialectsOf(ns))
		for _, n := range ns {
			assert.True(t, n.RequireMessageSigning)
		}
	})

	t.Run("floor never falls back below range", func(t *testing.T) {
		tuning := session.Settings{MinVersion: "2.1", MaxVersion: "3.0.2"}.TuningFor(conn)
		ns, err := negotiatorsFor(tuning)
		require.NoError(t, err)
		assert.NotContains(t, dialectsOf(ns), uint16(0x0202))
		assert.NotContains(t, dialectsOf(ns), uint16(0x0311))
		assert.NotContains(t, dialectsOf(ns), uint16(0))
	})

	t.Run("equal bounds pin dialect", func(t *testing.T) {
		tuning := session.Settings{MinVersion: "3.0.2", MaxVersion: "3.0.2"}.TuningFor(conn)
		ns, err := negotiatorsFor(tuning)
		require.NoError(t, err)
		assert.Equal(t, []uint16{0x0302}, dialectsOf(ns))
	})

	t.Run("guest does not sign", func(t *testing.T) {
		guest := conn
		guest.Options.Guest = true
		ns, err := negotiatorsFor(session.Settings{}.TuningFor(guest))
		require.NoError(t, err)
		assert.False(t, ns[0].RequireMessageSigning)
	})

	t.Run("inverted bounds", func(t *testing.T) {
		tuning := session.Settings{MinVersion: "3.1.1", MaxVersion: "2.1"}.TuningFor(conn)
		_, err := negotiatorsFor(tuning)
		assert.Error(t, err)
	})
}

func TestRetryNegotiation(t *testing.T) {
	assert.True(t, retryNegotiation(&negotiateError{err: &smb2.InvalidResponseError{}}))
	assert.True(t, retryNegotiation(&negotiateError{err: &smb2.ResponseError{Code: statusNotSupported}}))
	assert.False(t, retryNegotiation(&negotiateError{err: &smb2.ResponseError{Code: statusLogonFailure}}))
	assert.False(t, retryNegotiation(&negotiateError{err: context.DeadlineExceeded}))
	assert.False(t, retryNegotiation(&mountError{err: errors.New("no share")}))
	assert.False(t, retryNegotiation(errors.New("dial smb tcp: refused")))
}

func TestClassify(t *testing.T) {
	d := New(Options{})

	tests := []struct {
		name string
		err  error
		want storage.ErrorCode
	}{
		{"bad network name", &mountError{err: &smb2.ResponseError{Code: statusBadNetworkName}}, storage.CodeRootNotFound},
		{"mount path missing", &mountError{err: &smb2.ResponseError{Code: statusObjectPathNotFound}}, storage.CodeRootNotFound},
		{"file missing", &os.PathError{Op: "stat", Path: "a", Err: &smb2.ResponseError{Code: statusObjectNameNotFound}}, storage.CodeNotFound},
		{"path missing", &smb2.ResponseError{Code: statusObjectPathNotFound}, storage.CodeNotFound},
		{"logon failure", fmt.Errorf("login: %w", &smb2.ResponseError{Code: statusLogonFailure}), storage.CodeAccessDenied},
		{"access denied", &smb2.ResponseError{Code: statusAccessDenied}, storage.CodeAccessDenied},
		{"collision", &smb2.ResponseError{Code: statusObjectNameCollision}, storage.CodeAlreadyExists},
		{"closed", session.ErrClosed, storage.CodeClosed},
		{"os not exist", os.ErrNotExist, storage.CodeNotFound},
		{"other", errors.New("broken pipe"), storage.CodeIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Classify(tt.err))
		})
	}
}

type fakeInfo struct {
	os.FileInfo
	name string
}

func (f fakeInfo) Name() string { return f.name }

func TestAttrCache(t *testing.T) {
	c := newAttrCache(time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.put(`a`, fakeInfo{name: "a"})
	c.put(`a\b`, fakeInfo{name: "b"})
	c.put(`ab`, fakeInfo{name: "ab"})

	fi, ok := c.get(`a\b`)
	require.True(t, ok)
	assert.Equal(t, "b", fi.Name())

	c.dropTree(`a`)
	_, ok = c.get(`a`)
	assert.False(t, ok)
	_, ok = c.get(`a\b`)
	assert.False(t, ok)
	_, ok = c.get(`ab`)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.get(`ab`)
	assert.False(t, ok)
}

func TestAttrCacheDisabled(t *testing.T) {
	c := newAttrCache(0)
	c.put("a", fakeInfo{name: "a"})
	_, ok := c.get("a")
	assert.False(t, ok)
}
