package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marmos91/sharefs/pkg/connection"
)

// Config represents the complete sharefs configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (SHAREFS_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
//
// Driver Configuration Pattern:
// Each protocol driver defines its own Options type. The Drivers section holds
// one free-form map per protocol which is decoded into that type when the
// driver is first needed.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Client holds the session cache and I/O settings shared by every protocol
	Client ClientConfig `mapstructure:"client" yaml:"client"`

	// Drivers holds per-protocol driver options
	Drivers DriversConfig `mapstructure:"drivers" yaml:"drivers"`

	// Metrics controls Prometheus collection and the /metrics endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Connections are named remote shares usable from the CLI
	Connections []ConnectionConfig `mapstructure:"connections" yaml:"connections" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ClientConfig holds the settings of the shared remote client.
type ClientConfig struct {
	// OpenFileLimit is the session cache capacity per protocol
	OpenFileLimit int `mapstructure:"open_file_limit" yaml:"open_file_limit" validate:"gte=1"`

	// ConnectTimeout bounds TCP connect plus login
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" validate:"gt=0"`

	// ResponseTimeout bounds a single remote request
	ResponseTimeout time.Duration `mapstructure:"response_timeout" yaml:"response_timeout" validate:"gt=0"`

	// AttrCacheTTL is how long sessions may reuse fetched attributes (0 disables)
	AttrCacheTTL time.Duration `mapstructure:"attr_cache_ttl" yaml:"attr_cache_ttl" validate:"gte=0"`

	// GuestUser is the user name sent for guest logins
	GuestUser string `mapstructure:"guest_user" yaml:"guest_user" validate:"required"`

	// SMBMinVersion and SMBMaxVersion bound the negotiated SMB dialect
	SMBMinVersion string `mapstructure:"smb_min_version" yaml:"smb_min_version" validate:"required,oneof=2.0.2 2.1 3.0 3.0.2 3.1.1"`
	SMBMaxVersion string `mapstructure:"smb_max_version" yaml:"smb_max_version" validate:"required,oneof=2.0.2 2.1 3.0 3.0.2 3.1.1"`

	// IOWorkers bounds concurrent remote calls per protocol (0 = 4 x GOMAXPROCS)
	IOWorkers int `mapstructure:"io_workers" yaml:"io_workers" validate:"gte=0"`

	// DialRate limits new sessions per second per protocol (0 = unlimited)
	DialRate float64 `mapstructure:"dial_rate" yaml:"dial_rate" validate:"gte=0"`

	// DialBurst is the dial limiter burst
	DialBurst int `mapstructure:"dial_burst" yaml:"dial_burst" validate:"gte=0"`

	// PageSize is the staging page size of safe transfers in bytes
	PageSize int `mapstructure:"page_size" yaml:"page_size" validate:"gte=4096,lte=67108864"`
}

// DriversConfig contains the per-protocol driver options.
//
// ftps shares the ftp section and webdavs the webdav section.
type DriversConfig struct {
	SMB    map[string]any `mapstructure:"smb" yaml:"smb"`
	SFTP   map[string]any `mapstructure:"sftp" yaml:"sftp"`
	FTP    map[string]any `mapstructure:"ftp" yaml:"ftp"`
	WebDAV map[string]any `mapstructure:"webdav" yaml:"webdav"`
	S3     map[string]any `mapstructure:"s3" yaml:"s3"`
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`
}

// MetricsConfig controls metrics collection.
type MetricsConfig struct {
	// Enabled turns on Prometheus collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port for the /metrics endpoint
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`

	// Address to bind (empty = all interfaces)
	Address string `mapstructure:"address" yaml:"address"`
}

// ConnectionConfig is a named remote share.
type ConnectionConfig struct {
	// Name identifies the connection on the command line
	Name string `mapstructure:"name" yaml:"name" validate:"required"`

	// Protocol selects the driver
	Protocol string `mapstructure:"protocol" yaml:"protocol" validate:"required,oneof=smb ftp ftps sftp webdav webdavs s3 memory"`

	Host     string `mapstructure:"host" yaml:"host" validate:"required"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	Domain   string `mapstructure:"domain" yaml:"domain,omitempty"`
	User     string `mapstructure:"user" yaml:"user,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// Folder is the connection root: "share/dir" for SMB, "bucket/prefix" for S3
	Folder string `mapstructure:"folder" yaml:"folder"`

	Options connection.Options `mapstructure:"options" yaml:"options"`
}

// ToConnection converts the entry into a connection targeting the root.
func (c ConnectionConfig) ToConnection() (connection.Connection, error) {
	protocol, err := connection.ParseProtocol(c.Protocol)
	if err != nil {
		return connection.Connection{}, err
	}
	conn := connection.Connection{
		Protocol: protocol,
		Host:     c.Host,
		Port:     c.Port,
		Domain:   c.Domain,
		User:     c.User,
		Password: c.Password,
		Folder:   c.Folder,
		Options:  c.Options,
	}
	return conn.WithPath("/"), nil
}

// Connection looks a configured connection up by name.
func (cfg *Config) Connection(name string) (connection.Connection, error) {
	for _, c := range cfg.Connections {
		if c.Name == name {
			return c.ToConnection()
		}
	}
	return connection.Connection{}, fmt.Errorf("connection %q is not configured", name)
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SHAREFS_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath uses the default location; a missing file there is
// not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variables, defaults and the config file.
func setupViper(v *viper.Viper, configPath string) {
	// Example: SHAREFS_CLIENT_CONNECT_TIMEOUT=10s
	v.SetEnvPrefix("SHAREFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	bindDefaults(v, GetDefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func bindDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)

	v.SetDefault("client.open_file_limit", d.Client.OpenFileLimit)
	v.SetDefault("client.connect_timeout", d.Client.ConnectTimeout)
	v.SetDefault("client.response_timeout", d.Client.ResponseTimeout)
	v.SetDefault("client.attr_cache_ttl", d.Client.AttrCacheTTL)
	v.SetDefault("client.guest_user", d.Client.GuestUser)
	v.SetDefault("client.smb_min_version", d.Client.SMBMinVersion)
	v.SetDefault("client.smb_max_version", d.Client.SMBMaxVersion)
	v.SetDefault("client.io_workers", d.Client.IOWorkers)
	v.SetDefault("client.dial_rate", d.Client.DialRate)
	v.SetDefault("client.dial_burst", d.Client.DialBurst)
	v.SetDefault("client.page_size", d.Client.PageSize)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.address", d.Metrics.Address)
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/sharefs, ~/.config/sharefs, or "."
// when no home directory is known.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sharefs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "sharefs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
