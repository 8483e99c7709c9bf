package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConnection() Connection {
	return Connection{
		Protocol: ProtocolSMB,
		Host:     "nas.local",
		Domain:   "WORKGROUP",
		User:     "alice",
		Password: "secret",
		Folder:   "share/docs",
	}
}

func TestKeyIgnoresTargetPath(t *testing.T) {
	a := baseConnection().WithPath("/reports/q1.pdf")
	b := baseConnection().WithPath("/photos/")

	assert.Equal(t, a.Key(), b.Key())
	assert.True(t, a.SameIdentity(b))
	assert.NotEqual(t, a.URI(), b.URI())
}

func TestKeyCoversIdentityFields(t *testing.T) {
	base := baseConnection()

	variants := map[string]func(c *Connection){
		"protocol": func(c *Connection) { c.Protocol = ProtocolSFTP },
		"host":     func(c *Connection) { c.Host = "other" },
		"port":     func(c *Connection) { c.Port = 1445 },
		"domain":   func(c *Connection) { c.Domain = "CORP" },
		"user":     func(c *Connection) { c.User = "bob" },
		"password": func(c *Connection) { c.Password = "other" },
		"folder":   func(c *Connection) { c.Folder = "share/other" },
		"dfs":      func(c *Connection) { c.Options.EnableDFS = true },
		"safe":     func(c *Connection) { c.Options.SafeTransfer = true },
		"readonly": func(c *Connection) { c.Options.ReadOnly = true },
		"anon":     func(c *Connection) { c.Options.Anonymous = true },
		"guest":    func(c *Connection) { c.Options.Guest = true },
		"ext":      func(c *Connection) { c.Options.ExtensionRename = true },
	}

	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			changed := base
			mutate(&changed)
			assert.NotEqual(t, base.Key(), changed.Key())
		})
	}
}

func TestKeyNormalizesEquivalentValues(t *testing.T) {
	a := baseConnection()
	b := baseConnection()
	b.Port = 445
	b.Host = "NAS.local"
	b.Folder = "/share/docs/"

	assert.Equal(t, a.Key(), b.Key())
}

func TestWithPathDoesNotMutate(t *testing.T) {
	root := baseConnection()
	file := root.WithPath("a/b.txt")

	assert.Equal(t, "/", root.Path())
	assert.Equal(t, "/a/b.txt", file.Path())
}

func TestAuthModePrecedence(t *testing.T) {
	tests := []struct {
		name      string
		anonymous bool
		guest     bool
		want      AuthMode
	}{
		{"credentials", false, false, AuthCredentials},
		{"guest", false, true, AuthGuest},
		{"anonymous", true, false, AuthAnonymous},
		{"anonymous wins over guest", true, true, AuthAnonymous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := baseConnection()
			c.Options.Anonymous = tt.anonymous
			c.Options.Guest = tt.guest
			assert.Equal(t, tt.want, c.AuthMode())
		})
	}
}

func TestURIRendering(t *testing.T) {
	c := baseConnection()

	assert.Equal(t, "smb://nas.local/share/docs/", c.URI())
	assert.Equal(t, "smb://nas.local/share/docs/a/b.txt", c.WithPath("/a/b.txt").URI())
	assert.Equal(t, "smb://nas.local/share/docs/a/", c.WithPath("a/").URI())

	c.Port = 1445
	assert.Equal(t, "smb://nas.local:1445/share/docs/", c.URI())

	dav := Connection{Protocol: ProtocolWebDAVS, Host: "dav.example.com", Folder: "remote.php/dav"}
	assert.Equal(t, "https://dav.example.com/remote.php/dav/x", dav.WithPath("x").URI())
}

func TestChildAndParent(t *testing.T) {
	dir := baseConnection().WithPath("/photos/")

	child := dir.Child("cat.jpg", false)
	assert.Equal(t, "/photos/cat.jpg", child.Path())
	assert.False(t, child.IsDirectory())

	sub := dir.Child("2024/", true)
	assert.Equal(t, "/photos/2024/", sub.Path())
	assert.True(t, sub.IsDirectory())

	assert.Equal(t, "/photos/", child.Parent().Path())
	assert.Equal(t, "/", dir.Parent().Path())
	assert.Equal(t, "cat.jpg", child.Name())
	assert.Equal(t, "docs", baseConnection().Name())
}

func TestRemotePath(t *testing.T) {
	c := baseConnection()
	assert.Equal(t, "/share/docs/", c.WithPath("/").RemotePath())
	assert.Equal(t, "/share/docs/a/", c.WithPath("/a/").RemotePath())
	assert.Equal(t, "/share/docs/a/b", c.WithPath("../../a/b").RemotePath())

	root := Connection{Protocol: ProtocolSFTP, Host: "h"}
	assert.Equal(t, "/", root.RemotePath())
}

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol(" SFTP ")
	require.NoError(t, err)
	assert.Equal(t, ProtocolSFTP, p)

	_, err = ParseProtocol("gopher")
	assert.Error(t, err)
}
