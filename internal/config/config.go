// Package config provides configuration management for rescale-xfer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/rescale/rescale-xfer/internal/constants"
)

// Config is the transfer configuration.
//
// Config file location:
//   - Windows: %APPDATA%\Rescale\Xfer\xfer.conf
//   - Unix: ~/.config/rescale/xfer.conf
//
// INI format:
//
//	[queue]
//	max_concurrent = 3
//	auto_start = true
//	auto_retry = true
//	max_retries = 3
//	retry_delay = 1s
//	max_retry_delay = 30s
//	bandwidth_limit = 0
//
//	[http]
//	proxy_mode = no-proxy
//	proxy_host =
//	proxy_port = 8080
//	no_proxy = localhost,127.0.0.1
//	retry_max = 5
//
//	[s3]
//	region = us-east-1
//	endpoint =
//
//	[azure]
//	connection_string =
//
//	[webdav]
//	url = https://cloud.example.com/remote.php/dav/files/me
//
//	[store]
//	path = ~/.config/rescale/transfers.json
type Config struct {
	Queue  QueueConfig
	HTTP   HTTPConfig
	S3     S3Config
	Azure  AzureConfig
	WebDAV WebDAVConfig
	Store  StoreConfig
}

// QueueConfig controls scheduling and retries.
type QueueConfig struct {
	// MaxConcurrent is the number of transfers admitted at once.
	// Minimum: 1, Maximum: constants.MaxConcurrentLimit
	MaxConcurrent int

	// AutoStart admits work as soon as it is added.
	AutoStart bool

	// AutoRetry requeues recoverable failures up to MaxRetries times.
	AutoRetry  bool
	MaxRetries int

	// RetryDelay is the backoff base; MaxRetryDelay caps it.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// BandwidthLimit caps the combined transfer rate in bytes per second.
	// 0 means unlimited.
	BandwidthLimit int64
}

// HTTPConfig holds proxy and retry settings for the HTTP transport.
type HTTPConfig struct {
	// ProxyMode is one of "no-proxy", "system", "basic" or "ntlm".
	ProxyMode     string
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
	NoProxy       string

	// RetryMax is the per-request retry budget of the retryable HTTP client.
	RetryMax int
}

// S3Config configures the s3:// backend. Empty credentials fall back to the
// default AWS credential chain.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// AzureConfig configures the azblob:// backend.
type AzureConfig struct {
	ConnectionString string
}

// WebDAVConfig configures the webdav:// backend.
type WebDAVConfig struct {
	URL      string
	Username string
	Password string
}

// StoreConfig locates the persisted transfer records.
type StoreConfig struct {
	Path string
}

var (
	ErrInvalidMaxConcurrent = fmt.Errorf("max_concurrent must be between 1 and %d", constants.MaxConcurrentLimit)
	ErrInvalidMaxRetries    = errors.New("max_retries must not be negative")
	ErrInvalidRetryDelay    = errors.New("retry_delay must not exceed max_retry_delay")
	ErrInvalidBandwidth     = errors.New("bandwidth_limit must not be negative")
	ErrInvalidProxyMode     = errors.New("proxy_mode must be one of no-proxy, system, basic, ntlm")
	ErrMissingProxyHost     = errors.New("proxy_host is required for basic and ntlm proxy modes")
)

// DefaultConfigDir returns the platform config directory for rescale-xfer.
func DefaultConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return "", errors.New("neither APPDATA nor USERPROFILE environment variable set")
			}
			appData = filepath.Join(userProfile, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Rescale", "Xfer"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "rescale"), nil
}

// DefaultConfigPath returns the default path for the xfer.conf file.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "xfer.conf"), nil
}

// DefaultStorePath returns the default transfer record file.
func DefaultStorePath() string {
	dir, err := DefaultConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rescale-xfer-transfers.json")
	}
	return filepath.Join(dir, "transfers.json")
}

// New creates a Config with default values.
func New() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxConcurrent: constants.DefaultMaxConcurrent,
			AutoStart:     true,
			AutoRetry:     true,
			MaxRetries:    constants.DefaultMaxRetries,
			RetryDelay:    constants.DefaultRetryDelay,
			MaxRetryDelay: constants.DefaultMaxRetryDelay,
		},
		HTTP: HTTPConfig{
			ProxyMode: "no-proxy",
			ProxyPort: 8080,
			RetryMax:  constants.HTTPRetryMax,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Store: StoreConfig{
			Path: DefaultStorePath(),
		},
	}
}

// Load loads configuration from an xfer.conf file.
// If path is empty, uses the default path.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
func Load(path string) (*Config, error) {
	cfg := New()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filepath.Base(path), err)
	}

	queueSection := iniFile.Section("queue")
	cfg.Queue.MaxConcurrent = queueSection.Key("max_concurrent").MustInt(constants.DefaultMaxConcurrent)
	cfg.Queue.AutoStart = queueSection.Key("auto_start").MustBool(true)
	cfg.Queue.AutoRetry = queueSection.Key("auto_retry").MustBool(true)
	cfg.Queue.MaxRetries = queueSection.Key("max_retries").MustInt(constants.DefaultMaxRetries)
	cfg.Queue.RetryDelay = queueSection.Key("retry_delay").MustDuration(constants.DefaultRetryDelay)
	cfg.Queue.MaxRetryDelay = queueSection.Key("max_retry_delay").MustDuration(constants.DefaultMaxRetryDelay)
	cfg.Queue.BandwidthLimit = queueSection.Key("bandwidth_limit").MustInt64(0)

	httpSection := iniFile.Section("http")
	cfg.HTTP.ProxyMode = httpSection.Key("proxy_mode").MustString("no-proxy")
	cfg.HTTP.ProxyHost = httpSection.Key("proxy_host").String()
	cfg.HTTP.ProxyPort = httpSection.Key("proxy_port").MustInt(8080)
	cfg.HTTP.ProxyUser = httpSection.Key("proxy_user").String()
	cfg.HTTP.ProxyPassword = httpSection.Key("proxy_password").String()
	cfg.HTTP.NoProxy = httpSection.Key("no_proxy").String()
	cfg.HTTP.RetryMax = httpSection.Key("retry_max").MustInt(constants.HTTPRetryMax)

	s3Section := iniFile.Section("s3")
	cfg.S3.Region = s3Section.Key("region").MustString("us-east-1")
	cfg.S3.AccessKeyID = s3Section.Key("access_key_id").String()
	cfg.S3.SecretAccessKey = s3Section.Key("secret_access_key").String()
	cfg.S3.Endpoint = s3Section.Key("endpoint").String()

	cfg.Azure.ConnectionString = iniFile.Section("azure").Key("connection_string").String()

	davSection := iniFile.Section("webdav")
	cfg.WebDAV.URL = davSection.Key("url").String()
	cfg.WebDAV.Username = davSection.Key("username").String()
	cfg.WebDAV.Password = davSection.Key("password").String()

	cfg.Store.Path = expandHome(iniFile.Section("store").Key("path").MustString(DefaultStorePath()))

	return cfg, nil
}

// Save writes cfg to path (default path when empty), creating parent
// directories. Credentials make this file sensitive, so it is written 0600.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	queueSection, err := iniFile.NewSection("queue")
	if err != nil {
		return fmt.Errorf("failed to create queue section: %w", err)
	}
	queueSection.Key("max_concurrent").SetValue(fmt.Sprintf("%d", cfg.Queue.MaxConcurrent))
	queueSection.Key("auto_start").SetValue(fmt.Sprintf("%t", cfg.Queue.AutoStart))
	queueSection.Key("auto_retry").SetValue(fmt.Sprintf("%t", cfg.Queue.AutoRetry))
	queueSection.Key("max_retries").SetValue(fmt.Sprintf("%d", cfg.Queue.MaxRetries))
	queueSection.Key("retry_delay").SetValue(cfg.Queue.RetryDelay.String())
	queueSection.Key("max_retry_delay").SetValue(cfg.Queue.MaxRetryDelay.String())
	queueSection.Key("bandwidth_limit").SetValue(fmt.Sprintf("%d", cfg.Queue.BandwidthLimit))

	httpSection, err := iniFile.NewSection("http")
	if err != nil {
		return fmt.Errorf("failed to create http section: %w", err)
	}
	httpSection.Key("proxy_mode").SetValue(cfg.HTTP.ProxyMode)
	httpSection.Key("proxy_host").SetValue(cfg.HTTP.ProxyHost)
	httpSection.Key("proxy_port").SetValue(fmt.Sprintf("%d", cfg.HTTP.ProxyPort))
	httpSection.Key("proxy_user").SetValue(cfg.HTTP.ProxyUser)
	httpSection.Key("proxy_password").SetValue(cfg.HTTP.ProxyPassword)
	httpSection.Key("no_proxy").SetValue(cfg.HTTP.NoProxy)
	httpSection.Key("retry_max").SetValue(fmt.Sprintf("%d", cfg.HTTP.RetryMax))

	s3Section, err := iniFile.NewSection("s3")
	if err != nil {
		return fmt.Errorf("failed to create s3 section: %w", err)
	}
	s3Section.Key("region").SetValue(cfg.S3.Region)
	s3Section.Key("access_key_id").SetValue(cfg.S3.AccessKeyID)
	s3Section.Key("secret_access_key").SetValue(cfg.S3.SecretAccessKey)
	s3Section.Key("endpoint").SetValue(cfg.S3.Endpoint)

	azureSection, err := iniFile.NewSection("azure")
	if err != nil {
		return fmt.Errorf("failed to create azure section: %w", err)
	}
	azureSection.Key("connection_string").SetValue(cfg.Azure.ConnectionString)

	davSection, err := iniFile.NewSection("webdav")
	if err != nil {
		return fmt.Errorf("failed to create webdav section: %w", err)
	}
	davSection.Key("url").SetValue(cfg.WebDAV.URL)
	davSection.Key("username").SetValue(cfg.WebDAV.Username)
	davSection.Key("password").SetValue(cfg.WebDAV.Password)

	storeSection, err := iniFile.NewSection("store")
	if err != nil {
		return fmt.Errorf("failed to create store section: %w", err)
	}
	storeSection.Key("path").SetValue(cfg.Store.Path)

	// Temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid.
// Returns nil if valid, or an error describing what's wrong.
func (cfg *Config) Validate() error {
	if cfg.Queue.MaxConcurrent < 1 || cfg.Queue.MaxConcurrent > constants.MaxConcurrentLimit {
		return ErrInvalidMaxConcurrent
	}
	if cfg.Queue.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if cfg.Queue.MaxRetryDelay > 0 && cfg.Queue.RetryDelay > cfg.Queue.MaxRetryDelay {
		return ErrInvalidRetryDelay
	}
	if cfg.Queue.BandwidthLimit < 0 {
		return ErrInvalidBandwidth
	}

	switch strings.ToLower(cfg.HTTP.ProxyMode) {
	case "", "no-proxy", "system":
	case "basic", "ntlm":
		if strings.TrimSpace(cfg.HTTP.ProxyHost) == "" {
			return ErrMissingProxyHost
		}
	default:
		return ErrInvalidProxyMode
	}

	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
