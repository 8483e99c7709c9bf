package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/driver/ftp"
	"github.com/marmos91/sharefs/pkg/driver/memory"
	"github.com/marmos91/sharefs/pkg/driver/s3"
	"github.com/marmos91/sharefs/pkg/driver/sftp"
	"github.com/marmos91/sharefs/pkg/driver/smb"
	"github.com/marmos91/sharefs/pkg/driver/webdav"
	"github.com/marmos91/sharefs/pkg/manager"
	"github.com/marmos91/sharefs/pkg/session"
	"github.com/marmos91/sharefs/pkg/storage"
	"github.com/marmos91/sharefs/pkg/storage/remote"
)

// SessionSettings converts the client section into session settings.
func (c ClientConfig) SessionSettings() session.Settings {
	return session.Settings{
		MinVersion:      c.SMBMinVersion,
		MaxVersion:      c.SMBMaxVersion,
		ConnectTimeout:  c.ConnectTimeout,
		ResponseTimeout: c.ResponseTimeout,
		AttrCacheTTL:    c.AttrCacheTTL,
		GuestUser:       c.GuestUser,
	}
}

// RemoteConfig converts the client section into a per-protocol client
// configuration. Metrics are attached by the manager.
func (c ClientConfig) RemoteConfig() remote.Config {
	return remote.Config{
		Session: session.Config{
			Capacity:  c.OpenFileLimit,
			Settings:  c.SessionSettings(),
			DialRate:  c.DialRate,
			DialBurst: c.DialBurst,
		},
		IOWorkers: c.IOWorkers,
		PageSize:  c.PageSize,
	}
}

// CreateManager builds a storage manager with a driver factory registered for
// every protocol. Driver options are decoded lazily, on the first request for
// a protocol, so a bad section only breaks that protocol.
//
// metricsResult may be nil, in which case no metrics are recorded.
func CreateManager(cfg *Config, metricsResult *MetricsResult) *manager.Manager {
	mcfg := manager.Config{Remote: cfg.Client.RemoteConfig()}
	if metricsResult != nil {
		mcfg.SessionMetrics = metricsResult.SessionMetrics
		mcfg.TransferMetrics = metricsResult.TransferMetrics
	}

	m := manager.New(mcfg)

	d := cfg.Drivers
	m.Register(connection.ProtocolSMB, func() (storage.Driver, error) { return CreateSMBDriver(d.SMB) })
	m.Register(connection.ProtocolSFTP, func() (storage.Driver, error) { return CreateSFTPDriver(d.SFTP) })
	m.Register(connection.ProtocolFTP, func() (storage.Driver, error) { return CreateFTPDriver(d.FTP) })
	m.Register(connection.ProtocolFTPS, func() (storage.Driver, error) { return CreateFTPDriver(d.FTP) })
	m.Register(connection.ProtocolWebDAV, func() (storage.Driver, error) { return CreateWebDAVDriver(d.WebDAV) })
	m.Register(connection.ProtocolWebDAVS, func() (storage.Driver, error) { return CreateWebDAVDriver(d.WebDAV) })
	m.Register(connection.ProtocolS3, func() (storage.Driver, error) { return CreateS3Driver(d.S3) })
	m.Register(connection.ProtocolMemory, func() (storage.Driver, error) { return CreateMemoryDriver(d.Memory) })

	return m
}

// decodeOptions decodes a free-form driver section into out. Unknown keys are
// rejected and string values are converted where the target type needs it,
// since environment overrides always arrive as strings.
func decodeOptions(driver string, options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("failed to decode %s driver config: %w", driver, err)
	}
	return nil
}

// CreateSMBDriver creates the SMB driver from its option section.
func CreateSMBDriver(options map[string]any) (*smb.Driver, error) {
	var opts smb.Options
	if err := decodeOptions("smb", options, &opts); err != nil {
		return nil, err
	}
	return smb.New(opts), nil
}

// CreateSFTPDriver creates the SFTP driver from its option section.
func CreateSFTPDriver(options map[string]any) (*sftp.Driver, error) {
	var opts sftp.Options
	if err := decodeOptions("sftp", options, &opts); err != nil {
		return nil, err
	}
	if opts.PrivateKeyPassphrase != "" && opts.PrivateKeyPath == "" {
		return nil, fmt.Errorf("sftp driver: private_key_passphrase set without private_key_path")
	}
	return sftp.New(opts), nil
}

// CreateFTPDriver creates the FTP driver from its option section. The same
// driver serves plain FTP and explicit FTPS.
func CreateFTPDriver(options map[string]any) (*ftp.Driver, error) {
	var opts ftp.Options
	if err := decodeOptions("ftp", options, &opts); err != nil {
		return nil, err
	}
	return ftp.New(opts), nil
}

// CreateWebDAVDriver creates the WebDAV driver from its option section.
func CreateWebDAVDriver(options map[string]any) (*webdav.Driver, error) {
	var opts webdav.Options
	if err := decodeOptions("webdav", options, &opts); err != nil {
		return nil, err
	}
	return webdav.New(opts), nil
}

// CreateS3Driver creates the S3 driver from its option section.
func CreateS3Driver(options map[string]any) (*s3.Driver, error) {
	var opts s3.Options
	if err := decodeOptions("s3", options, &opts); err != nil {
		return nil, err
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("s3 driver: max_retries must not be negative")
	}
	return s3.New(opts), nil
}

// CreateMemoryDriver creates the in-memory driver from its option section.
func CreateMemoryDriver(options map[string]any) (*memory.Driver, error) {
	var opts memory.Options
	if err := decodeOptions("memory", options, &opts); err != nil {
		return nil, err
	}
	return memory.New(opts), nil
}
