package s3

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
)

func testConnection() connection.Connection {
	return connection.Connection{
		Protocol: connection.ProtocolS3,
		Host:     "minio.local",
		Port:     9000,
		User:     "AKIAEXAMPLE",
		Password: "secret",
		Folder:   "media/archive",
	}
}

func TestKeys(t *testing.T) {
	conn := testConnection()

	assert.Equal(t, "archive/", objectKey(conn.WithPath("/")))
	assert.Equal(t, "archive/2024/", dirKey(conn.WithPath("/2024")))
	assert.Equal(t, "archive/2024/a.jpg", fileKey(conn.WithPath("2024/a.jpg")))

	root := conn
	root.Folder = "media"
	assert.Equal(t, "", objectKey(root.WithPath("/")))
	assert.Equal(t, "", dirKey(root.WithPath("/")))
	assert.Equal(t, "x/", dirKey(root.WithPath("x")))
}

func TestSplitFolder(t *testing.T) {
	bucket, prefix := splitFolder("/media/archive/2024/")
	assert.Equal(t, "media", bucket)
	assert.Equal(t, "archive/2024", prefix)
}

func TestCopySourceEscapes(t *testing.T) {
	assert.Equal(t, "media/archive/a%20b.txt", copySource("media", "archive/a b.txt"))
}

func TestEndpoint(t *testing.T) {
	d := New(Options{})
	assert.Equal(t, "https://minio.local:9000", d.endpoint(testConnection()))

	aws := testConnection()
	aws.Host = "s3.amazonaws.com"
	aws.Port = 0
	assert.Empty(t, d.endpoint(aws))

	plain := New(Options{DisableTLS: true})
	conn := testConnection()
	conn.Port = 0
	assert.Equal(t, "http://minio.local", plain.endpoint(conn))
}

func TestRegion(t *testing.T) {
	conn := testConnection()
	assert.Equal(t, DefaultRegion, New(Options{}).region(conn))
	assert.Equal(t, "eu-west-1", New(Options{Region: "eu-west-1"}).region(conn))

	conn.Domain = "eu-central-1"
	assert.Equal(t, "eu-central-1", New(Options{Region: "eu-west-1"}).region(conn))
}

func TestClassify(t *testing.T) {
	d := New(Options{})

	api := func(code string) error {
		return &smithy.GenericAPIError{Code: code, Message: code}
	}

	tests := []struct {
		name string
		err  error
		want storage.ErrorCode
	}{
		{"no such bucket", &rootError{err: api("NoSuchBucket")}, storage.CodeRootNotFound},
		{"head bucket 404", &rootError{err: api("NotFound")}, storage.CodeRootNotFound},
		{"head bucket forbidden", &rootError{err: api("Forbidden")}, storage.CodeAccessDenied},
		{"no such key", &types.NoSuchKey{}, storage.CodeNotFound},
		{"head 404", &types.NotFound{}, storage.CodeNotFound},
		{"synthetic not found", fmt.Errorf("x: %w", os.ErrNotExist), storage.CodeNotFound},
		{"access denied", api("AccessDenied"), storage.CodeAccessDenied},
		{"bad key", api("InvalidAccessKeyId"), storage.CodeAccessDenied},
		{"bad signature", api("SignatureDoesNotMatch"), storage.CodeAccessDenied},
		{"exists", fmt.Errorf("k: %w", os.ErrExist), storage.CodeAlreadyExists},
		{"not supported", storage.ErrNotSupported, storage.CodeNotSupported},
		{"closed", session.ErrClosed, storage.CodeClosed},
		{"slow down", api("SlowDown"), storage.CodeIO},
		{"network", errors.New("dial tcp: refused"), storage.CodeIO},
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
	var _ storage.Replacer = &object{}
}
