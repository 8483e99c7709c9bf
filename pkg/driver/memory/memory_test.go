package memory

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
)

func testConn(folder string) connection.Connection {
	return connection.Connection{
		Protocol: connection.ProtocolMemory,
		Host:     "nas",
		User:     "alice",
		Password: "secret",
		Folder:   folder,
	}.WithPath("/")
}

func dial(t *testing.T, d *Driver, conn connection.Connection) session.Session {
	t.Helper()
	s, err := d.Dial(context.Background(), conn, session.Settings{}.TuningFor(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDialAuthorization(t *testing.T) {
	d := New(Options{})
	h := d.AddHost("nas", HostConfig{Users: map[string]string{"alice": "secret"}})
	h.AddShare("media")
	ctx := context.Background()

	conn := testConn("media")
	s := dial(t, d, conn)
	assert.Equal(t, int64(1), d.Stats().Dials)
	assert.NotEmpty(t, s.(*Session).ID)

	bad := conn
	bad.Password = "wrong"
	_, err := d.Dial(ctx, bad, session.Settings{}.TuningFor(bad))
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, storage.CodeAccessDenied, d.Classify(err))

	guest := conn
	guest.Options.Guest = true
	_, err = d.Dial(ctx, guest, session.Settings{}.TuningFor(guest))
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = d.Dial(ctx, testConn("missing"), session.Settings{}.TuningFor(conn))
	assert.Equal(t, storage.CodeRootNotFound, d.Classify(err))

	other := conn
	other.Host = "elsewhere"
	_, err = d.Dial(ctx, other, session.Settings{}.TuningFor(other))
	assert.ErrorIs(t, err, ErrHostUnreachable)
}

func TestDialGuestWithoutCredentials(t *testing.T) {
	d := New(Options{})
	h := d.AddHost("nas", HostConfig{Users: map[string]string{"alice": "secret"}, AllowGuest: true})
	h.AddShare("public")

	guest := connection.Connection{Protocol: connection.ProtocolMemory, Host: "nas", Folder: "public"}.WithPath("/")
	guest.Options.Guest = true

	tuning := session.Settings{}.TuningFor(guest)
	assert.Equal(t, connection.AuthGuest, tuning.Auth)
	assert.False(t, tuning.SigningRequired)

	s, err := d.Dial(context.Background(), guest, tuning)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = d.Stat(context.Background(), s, guest)
	assert.NoError(t, err)

	// Without the guest flag the same empty credentials are refused.
	plain := guest
	plain.Options.Guest = false
	_, err = d.Dial(context.Background(), plain, session.Settings{}.TuningFor(plain))
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestDialAutoCreate(t *testing.T) {
	d := New(Options{AutoCreate: true})
	dial(t, d, testConn("scratch/sub"))

	h, ok := d.Host("nas")
	require.True(t, ok)
	assert.True(t, h.Exists("scratch"))
}

func TestTreeOperations(t *testing.T) {
	d := New(Options{AutoCreate: true})
	root := testConn("share")
	s := dial(t, d, root)
	ctx := context.Background()

	require.NoError(t, d.Mkdir(ctx, s, root.Child("docs", true)))
	file := root.Child("docs", true).Child("a.txt", false)
	require.NoError(t, d.Create(ctx, s, file))
	assert.ErrorIs(t, d.Create(ctx, s, file), os.ErrExist)

	infos, err := d.List(ctx, s, root.Child("docs", true))
	require.NoError(t, err)
	require.Len(t, infos, 1)

	renamed := root.Child("docs", true).Child("b.txt", false)
	require.NoError(t, d.Rename(ctx, s, file, renamed))
	assert.Equal(t, int64(1), d.Stats().Renames)

	copied := root.Child("c.txt", false)
	require.NoError(t, d.Copy(ctx, s, renamed, copied))
	assert.Equal(t, int64(1), d.Stats().Copies)

	err = d.Copy(ctx, s, root.Child("docs", true), root.Child("docs2", true))
	assert.Equal(t, storage.CodeNotSupported, d.Classify(err))

	require.NoError(t, d.Remove(ctx, s, root.Child("docs", true)))
	_, err = d.Stat(ctx, s, renamed)
	assert.Equal(t, storage.CodeNotFound, d.Classify(err))
}

func TestFileIO(t *testing.T) {
	d := New(Options{AutoCreate: true})
	root := testConn("share")
	s := dial(t, d, root)
	ctx := context.Background()

	target := root.Child("data.bin", false)
	_, err := d.Open(ctx, s, target, connection.ModeRead)
	assert.Equal(t, storage.CodeNotFound, d.Classify(err))

	f, err := d.Open(ctx, s, target, connection.ModeWrite)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("world"), 6)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("hello "), 0)
	require.NoError(t, err)

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	_, err = f.ReadAt(buf, 9)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, f.Truncate(5))
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err = f.ReadAt(buf, 0)
	assert.Error(t, err)

	h, _ := d.Host("nas")
	data, err := h.ReadFile("share/data.bin")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestClosedSession(t *testing.T) {
	d := New(Options{AutoCreate: true})
	root := testConn("share")
	s, err := d.Dial(context.Background(), root, session.Settings{}.TuningFor(root))
	require.NoError(t, err)

	d.SessionCloseErr = errors.New("boom")
	assert.EqualError(t, s.Close(), "boom")
	assert.NoError(t, s.Close())

	_, err = d.Stat(context.Background(), s, root)
	assert.Equal(t, storage.CodeClosed, d.Classify(err))
	assert.Equal(t, int64(1), d.Stats().Closes)
}

func TestCapabilities(t *testing.T) {
	assert.True(t, New(Options{}).Capabilities().RandomWrite)
	assert.False(t, New(Options{DisableRandomWrite: true}).Capabilities().RandomWrite)
}
