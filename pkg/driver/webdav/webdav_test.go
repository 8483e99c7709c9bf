package webdav

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/studio-b12/gowebdav"
	"github.com/stretchr/testify/assert"

	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
)

func statusErr(op string, code int) error {
	return gowebdav.NewPathError(op, "/x", code)
}

func TestBaseURL(t *testing.T) {
	conn := connection.Connection{
		Protocol: connection.ProtocolWebDAVS,
		Host:     "dav.example.com",
		Folder:   "remote.php/dav/files/alice",
	}
	assert.Equal(t, "https://dav.example.com/remote.php/dav/files/alice/", baseURL(conn))

	conn.Protocol = connection.ProtocolWebDAV
	conn.Port = 8080
	conn.Folder = ""
	assert.Equal(t, "http://dav.example.com:8080/", baseURL(conn))
}

func TestDavPath(t *testing.T) {
	conn := connection.Connection{Protocol: connection.ProtocolWebDAV, Host: "h", Folder: "dav"}
	assert.Equal(t, "/", davPath(conn.WithPath("/")))
	assert.Equal(t, "/docs/", davPath(conn.WithPath("docs/")))
	assert.Equal(t, "/docs/a.md", davPath(conn.WithPath("/docs/a.md")))
}

func TestClassify(t *testing.T) {
	d := New(Options{})

	tests := []struct {
		name string
		err  error
		want storage.ErrorCode
	}{
		{"not found", statusErr("Stat", http.StatusNotFound), storage.CodeNotFound},
		{"parent missing", statusErr("Mkdir", http.StatusConflict), storage.CodeNotFound},
		{"root missing", &rootError{err: statusErr("Stat", http.StatusNotFound)}, storage.CodeRootNotFound},
		{"unauthorized", fmt.Errorf("webdav connect: %w", statusErr("Connect", http.StatusUnauthorized)), storage.CodeAccessDenied},
		{"forbidden", statusErr("Remove", http.StatusForbidden), storage.CodeAccessDenied},
		{"copy target exists", statusErr("Copy", http.StatusPreconditionFailed), storage.CodeAlreadyExists},
		{"create exists", fmt.Errorf("create: %w", os.ErrExist), storage.CodeAlreadyExists},
		{"not implemented", statusErr("Copy", http.StatusNotImplemented), storage.CodeNotSupported},
		{"closed", session.ErrClosed, storage.CodeClosed},
		{"network", errors.New("connection refused"), storage.CodeIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Classify(tt.err))
		})
	}
}

func TestCapabilities(t *testing.T) {
	d := New(Options{})
	assert.False(t, d.Capabilities().RandomWrite)

	var _ storage.Copier = d
	var _ storage.Replacer = &file{}
}
