// Package s3 implements the storage driver for Amazon S3 and S3-compatible
// object stores (MinIO, Localstack, Ceph RGW) on top of aws-sdk-go-v2.
//
// A connection's Folder is "bucket/prefix". Directories are key prefixes
// ending in "/"; Mkdir writes an empty marker object for them. Objects can
// only be written whole, so handles on this backend always stage writes.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/marmos91/sharefs/internal/logger"
	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
)

// DefaultRegion is used when neither the connection domain nor the driver
// options name one.
const DefaultRegion = "us-east-1"

// deleteBatch is the DeleteObjects limit.
const deleteBatch = 1000

// Options configures the S3 driver.
type Options struct {
	// Region is the fallback region. A connection's Domain overrides it.
	Region string `mapstructure:"region"`

	// DisableTLS talks plain HTTP to custom endpoints.
	DisableTLS bool `mapstructure:"disable_tls"`

	// UsePathStyle forces path-style addressing. It is always on for
	// custom endpoints.
	UsePathStyle bool `mapstructure:"use_path_style"`

	// MaxRetries caps SDK retry attempts (default 10).
	MaxRetries int `mapstructure:"max_retries"`
}

// Driver is the S3 storage driver.
type Driver struct {
	opts Options
}

// New creates an S3 driver.
func New(opts Options) *Driver {
	return &Driver{opts: opts}
}

// ============================================================================
// Sessions
// ============================================================================

// Session is an S3 client bound to one bucket.
type Session struct {
	session.Guard

	client  *s3.Client
	bucket  string
	timeout time.Duration
}

// Close marks the session closed. The SDK client holds no connection state
// that needs tearing down.
func (s *Session) Close() error {
	s.MarkClosed()
	return nil
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Dial implements session.Dialer.
func (d *Driver) Dial(ctx context.Context, conn connection.Connection, tuning session.Tuning) (session.Session, error) {
	bucket, _ := splitFolder(conn.Folder)
	if bucket == "" {
		return nil, &rootError{err: errors.New("no bucket in folder")}
	}

	cfg, err := d.loadConfig(ctx, conn, tuning)
	if err != nil {
		return nil, err
	}

	endpoint := d.endpoint(conn)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		if d.opts.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	s := &Session{client: client, bucket: bucket, timeout: tuning.ResponseTimeout}

	headCtx, cancel := context.WithTimeout(ctx, dialTimeout(tuning))
	defer cancel()
	if _, err := client.HeadBucket(headCtx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, &rootError{err: err}
	}

	logger.Debug("S3 session ready: bucket=%s region=%s endpoint=%s", bucket, cfg.Region, endpoint)
	return s, nil
}

func dialTimeout(t session.Tuning) time.Duration {
	if t.ConnectTimeout > 0 {
		return t.ConnectTimeout + t.ResponseTimeout
	}
	return 30 * time.Second
}

func (d *Driver) loadConfig(ctx context.Context, conn connection.Connection, tuning session.Tuning) (aws.Config, error) {
	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(d.region(conn)))

	if tuning.Auth == connection.AuthCredentials && conn.User != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conn.User, conn.Password, ""),
		))
	} else {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	maxRetries := d.opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	cfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

func (d *Driver) region(conn connection.Connection) string {
	switch {
	case conn.Domain != "":
		return conn.Domain
	case d.opts.Region != "":
		return d.opts.Region
	}
	return DefaultRegion
}

// endpoint returns the custom endpoint URL, or "" for AWS itself.
func (d *Driver) endpoint(conn connection.Connection) string {
	host := strings.ToLower(conn.Host)
	if host == "" || host == "s3.amazonaws.com" || strings.HasSuffix(host, ".amazonaws.com") {
		return ""
	}
	scheme := "https"
	if d.opts.DisableTLS {
		scheme = "http"
	}
	if conn.Port > 0 {
		return scheme + "://" + conn.Host + ":" + strconv.Itoa(conn.Port)
	}
	return scheme + "://" + conn.Host
}

// rootError marks a failure to reach the bucket.
type rootError struct {
	err error
}

func (e *rootError) Error() string { return "bucket: " + e.err.Error() }
func (e *rootError) Unwrap() error { return e.err }

func (d *Driver) session(s session.Session) (*Session, error) {
	ss, ok := s.(*Session)
	if !ok {
		return nil, fmt.Errorf("s3: foreign session %T", s)
	}
	if err := ss.Check(); err != nil {
		return nil, err
	}
	return ss, nil
}

// ============================================================================
// Keys
// ============================================================================

// splitFolder splits "bucket/prefix/sub" into "bucket" and "prefix/sub".
func splitFolder(folder string) (string, string) {
	f := strings.Trim(strings.ReplaceAll(folder, "\\", "/"), "/")
	bucket, rest, _ := strings.Cut(f, "/")
	return bucket, rest
}

// objectKey returns the key of conn's target inside the bucket, keeping a
// trailing "/" for directories. The bucket root is "".
func objectKey(conn connection.Connection) string {
	p := strings.TrimPrefix(conn.RemotePath(), "/")
	_, key, _ := strings.Cut(p, "/")
	return key
}

// dirKey returns the directory prefix for conn's target.
func dirKey(conn connection.Connection) string {
	k := objectKey(conn)
	if k != "" && !strings.HasSuffix(k, "/") {
		k += "/"
	}
	return k
}

func fileKey(conn connection.Connection) string {
	return strings.TrimSuffix(objectKey(conn), "/")
}

func copySource(bucket, key string) string {
	return (&url.URL{Path: bucket + "/" + key}).EscapedPath()
}

func asDir(conn connection.Connection) connection.Connection {
	if conn.IsDirectory() {
		return conn
	}
	return conn.WithPath(conn.Path() + "/")
}

func notFound(key string) error {
	return fmt.Errorf("%s: %w", key, os.ErrNotExist)
}

// ============================================================================
// Driver operations
// ============================================================================

func (d *Driver) Capabilities() storage.Capabilities {
	return storage.Capabilities{RandomWrite: false}
}

func (d *Driver) Stat(ctx context.Context, s session.Session, conn connection.Connection) (*storage.RemoteInfo, error) {
	ss, err := d.session(s)
	if err != nil {
		return nil, err
	}
	ctx, cancel := ss.withTimeout(ctx)
	defer cancel()

	if !conn.IsDirectory() {
		head, err := ss.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(ss.bucket),
			Key:    aws.String(fileKey(conn)),
		})
		if err == nil {
			ri := storage.NewInfo(conn, aws.ToInt64(head.ContentLength), aws.ToTime(head.LastModified), false, true)
			return &ri, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	exists, err := ss.prefixExists(ctx, dirKey(conn))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFound(objectKey(conn))
	}
	ri := storage.NewInfo(asDir(conn), 0, time.Time{}, true, false)
	return &ri, nil
}

// prefixExists reports whether prefix is the bucket root or has any object
// under it.
func (s *Session) prefixExists(ctx context.Context, prefix string) (bool, error) {
	if prefix == "" {
		return true, nil
	}
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, err
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

func (d *Driver) List(ctx context.Context, s session.Session, conn connection.Connection) ([]storage.RemoteInfo, error) {
	ss, err := d.session(s)
	if err != nil {
		return nil, err
	}
	ctx, cancel := ss.withTimeout(ctx)
	defer cancel()

	prefix := dirKey(conn)
	dir := asDir(conn)

	paginator := s3.NewListObjectsV2Paginator(ss.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(ss.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var infos []storage.RemoteInfo
	seen := false
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		for _, p := range page.CommonPrefixes {
			seen = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(p.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			infos = append(infos, storage.NewInfo(dir.Child(name, true), 0, time.Time{}, true, false))
		}

		for _, obj := range page.Contents {
			seen = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			infos = append(infos, storage.NewInfo(dir.Child(name, false),
				aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified), false, true))
		}
	}

	if !seen && prefix != "" {
		return nil, notFound(prefix)
	}
	return infos, nil
}

func (d *Driver) Mkdir(ctx context.Context, s session.Session, conn connection.Connection) error {
	ss, err := d.session(s)
	if err != nil {
		return err
	}
	ctx, cancel := ss.withTimeout(ctx)
	defer cancel()

	key := dirKey(conn)
	if key == "" {
		return fmt.Errorf("bucket root: %w", os.ErrExist)
	}
	if exists, err := ss.prefixExists(ctx, key); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%s: %w", key, os.ErrExist)
	}

	_, err = ss.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(ss.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(nil),
		ContentType: aws.String("application/x-directory"),
	})
	return err
}

func (d *Driver) Create(ctx context.Context, s session.Session, conn connection.Connection) error {
	ss, err := d.session(s)
	if err != nil {
		return err
	}
	ctx, cancel := ss.withTimeout(ctx)
	defer cancel()

	key := fileKey(conn)
	if _, err := ss.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return fmt.Errorf("%s: %w", key, os.ErrExist)
	} else if !isNotFound(err) {
		return err
	}

	_, err = ss.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(nil),
	})
	return err
}

func (d *Driver) Remove(ctx context.Context, s session.Session, conn connection.Connection) error {
	ss, err := d.session(s)
	if err != nil {
		return err
	}
	ctx, cancel := ss.withTimeout(ctx)
	defer cancel()

	if !conn.IsDirectory() {
		key := fileKey(conn)
		_, err := ss.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(ss.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			_, err = ss.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(ss.bucket),
				Key:    aws.String(key),
			})
			return err
		}
		if !isNotFound(err) {
			return err
		}
	}

	keys, err := ss.keysUnder(ctx, dirKey(conn))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return notFound(objectKey(conn))
	}
	return ss.deleteKeys(ctx, keys)
}

// keysUnder lists every key below prefix, recursively.
func (s *Session) keysUnder(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *Session) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return &smithy.GenericAPIError{
				Code:    aws.ToString(e.Code),
				Message: fmt.Sprintf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message)),
			}
		}
	}
	return nil
}

// Rename copies then deletes; S3 has no native rename.
func (d *Driver) Rename(ctx context.Context, s session.Session, source, target connection.Connection) error {
	if err := d.Copy(ctx, s, source, target); err != nil {
		return err
	}
	return d.Remove(ctx, s, source)
}

// Copy implements storage.Copier with server-side CopyObject calls.
func (d *Driver) Copy(ctx context.Context, s session.Session, source, target connection.Connection) error {
	ss, err := d.session(s)
	if err != nil {
		return err
	}
	ctx, cancel := ss.withTimeout(ctx)
	defer cancel()

	if !source.IsDirectory() {
		err := ss.copyObject(ctx, fileKey(source), fileKey(target))
		if err == nil || !isNotFound(err) {
			return err
		}
	}

	from, to := dirKey(source), dirKey(target)
	keys, err := ss.keysUnder(ctx, from)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return notFound(objectKey(source))
	}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ss.copyObject(ctx, k, to+strings.TrimPrefix(k, from)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) copyObject(ctx context.Context, from, to string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(copySource(s.bucket, from)),
		Key:        aws.String(to),
	})
	return err
}

func (d *Driver) Open(ctx context.Context, s session.Session, conn connection.Connection, mode connection.AccessMode) (storage.RemoteFile, error) {
	ss, err := d.session(s)
	if err != nil {
		return nil, err
	}
	if conn.IsDirectory() {
		return nil, fmt.Errorf("open %s: is a directory: %w", objectKey(conn), storage.ErrNotSupported)
	}

	callCtx, cancel := ss.withTimeout(ctx)
	defer cancel()

	key := fileKey(conn)
	_, err = ss.client.HeadObject(callCtx, &s3.HeadObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
	case mode.CanWrite() && isNotFound(err):
		if _, err := ss.client.PutObject(callCtx, &s3.PutObjectInput{
			Bucket: aws.String(ss.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(nil),
		}); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return &object{session: ss, key: key}, nil
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

	if isNotFound(err) || errors.Is(err, os.ErrNotExist) {
		if isRoot {
			return storage.CodeRootNotFound
		}
		return storage.CodeNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return storage.CodeRootNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"ExpiredToken", "AllAccessDisabled", "AccountProblem", "InvalidToken":
			return storage.CodeAccessDenied
		case "PreconditionFailed", "BucketAlreadyOwnedByYou":
			return storage.CodeAlreadyExists
		case "NotImplemented", "MethodNotAllowed":
			return storage.CodeNotSupported
		case "InvalidArgument", "InvalidBucketName", "KeyTooLongError", "InvalidObjectName":
			return storage.CodeInvalidArgument
		}
	}

	if isRoot {
		return storage.CodeRootNotFound
	}
	return storage.CodeIO
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func isInvalidRange(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange"
}

// ============================================================================
// Objects
// ============================================================================

// object reads with ranged GETs and writes by replacing the whole object.
type object struct {
	session *Session
	key     string
}

func (o *object) ReadAt(p []byte, off int64) (int, error) {
	if err := o.session.Check(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	ctx, cancel := o.session.withTimeout(context.Background())
	defer cancel()

	out, err := o.session.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.session.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)),
	})
	if err != nil {
		if isInvalidRange(err) {
			return 0, io.EOF
		}
		return 0, err
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, p)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return n, io.EOF
	}
	return n, err
}

func (o *object) WriteAt(p []byte, off int64) (int, error) {
	return 0, storage.ErrNotSupported
}

func (o *object) Size() (int64, error) {
	if err := o.session.Check(); err != nil {
		return 0, err
	}
	ctx, cancel := o.session.withTimeout(context.Background())
	defer cancel()

	head, err := o.session.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.session.bucket),
		Key:    aws.String(o.key),
	})
	if err != nil {
		return 0, err
	}
	return aws.ToInt64(head.ContentLength), nil
}

func (o *object) Truncate(size int64) error {
	if size == 0 {
		return o.Replace(bytes.NewReader(nil), 0)
	}
	return storage.ErrNotSupported
}

// Replace uploads exactly size bytes from r with a single PutObject. The
// SDK needs a seekable body to sign the payload; other readers are buffered.
func (o *object) Replace(r io.Reader, size int64) error {
	if err := o.session.Check(); err != nil {
		return err
	}

	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(io.LimitReader(r, size))
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		size = int64(len(data))
	}

	ctx, cancel := o.session.withTimeout(context.Background())
	defer cancel()

	_, err := o.session.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(o.session.bucket),
		Key:           aws.String(o.key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}

func (o *object) Close() error {
	return nil
}
