package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Default tuning values applied by NewConfig and by Validate when a field is zero.
const (
	DefaultBufferSize         = 8192
	DefaultPollIntervalMs     = 500
	DefaultLockTimeoutSeconds = 30
)

// Config represents the main configuration for mlc.
type Config struct {
	BaseDir     string           `toml:"base_dir"`
	LogDir      string           `toml:"log_dir"`
	StorageRoot string           `toml:"storage_root"` // managed content root; install/delete/compress targets live under it
	Install     InstallConfig    `toml:"install"`
	Compress    CompressConfig   `toml:"compress"`
	Filesystem  FilesystemConfig `toml:"filesystem"`
	Providers   []ProviderConfig `toml:"providers"`
	Encryption  EncryptionConfig `toml:"encryption"`
	Database    DatabaseConfig   `toml:"database"`
}

// InstallConfig tunes the install protocol.
type InstallConfig struct {
	Subtrees           []string `toml:"subtrees,omitempty"` // package subtrees to install; empty means code, content, meta
	BufferSize         int      `toml:"buffer_size"`        // copy buffer in bytes
	LockTimeoutSeconds int      `toml:"lock_timeout_seconds"`
}

// CompressConfig tunes the compression driver.
type CompressConfig struct {
	PollIntervalMs int  `toml:"poll_interval_ms"`
	Encrypt        bool `toml:"encrypt"` // encrypt archives with the configured age key
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// EncryptionConfig holds paths to the age key pair used for archive encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// ProviderConfig represents configuration for a content provider serving
// scheme://... locations.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ProviderConfig struct {
	Type   string `toml:"type"`   // "s3" or "memory"
	Scheme string `toml:"scheme"` // URI scheme routed to this provider, defaults to Type

	// S3-specific fields (only used when Type == "s3")
	S3Region       string `toml:"s3_region,omitempty"`
	S3Endpoint     string `toml:"s3_endpoint,omitempty"` // custom endpoint for S3-compatible stores
	S3UsePathStyle bool   `toml:"s3_use_path_style,omitempty"`

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// DatabaseConfig represents configuration for the operation journal.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite", "memory" or "none"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// NewConfig creates a new Config rooted at baseDir with default paths and tuning.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:     baseDir,
		LogDir:      filepath.Join(baseDir, "log"),
		StorageRoot: filepath.Join(baseDir, "storage"),
		Install: InstallConfig{
			BufferSize:         DefaultBufferSize,
			LockTimeoutSeconds: DefaultLockTimeoutSeconds,
		},
		Compress: CompressConfig{PollIntervalMs: DefaultPollIntervalMs},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "mlc.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "mlc.key"),
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
	}
}

// Validate fills zero tuning values with defaults and reports every invalid field.
func (c *Config) Validate() error {
	var errs []error

	if c.BaseDir == "" {
		errs = append(errs, errors.New("base_dir is required"))
	}
	if c.StorageRoot == "" {
		errs = append(errs, errors.New("storage_root is required"))
	} else if !filepath.IsAbs(c.StorageRoot) {
		errs = append(errs, fmt.Errorf("storage_root must be absolute: %s", c.StorageRoot))
	}

	if c.Install.BufferSize == 0 {
		c.Install.BufferSize = DefaultBufferSize
	} else if c.Install.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("install.buffer_size must be positive: %d", c.Install.BufferSize))
	}
	if c.Install.LockTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("install.lock_timeout_seconds must not be negative: %d", c.Install.LockTimeoutSeconds))
	}
	for _, s := range c.Install.Subtrees {
		if s == "" || s == "." || s == ".." || filepath.Base(s) != s {
			errs = append(errs, fmt.Errorf("install.subtrees entry must be a single path segment: %q", s))
		}
	}

	if c.Compress.PollIntervalMs == 0 {
		c.Compress.PollIntervalMs = DefaultPollIntervalMs
	} else if c.Compress.PollIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("compress.poll_interval_ms must be positive: %d", c.Compress.PollIntervalMs))
	}

	seen := make(map[string]bool)
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Scheme == "" {
			p.Scheme = p.Type
		}
		switch p.Type {
		case "s3", "memory":
		default:
			errs = append(errs, fmt.Errorf("providers[%d]: unknown type %q", i, p.Type))
		}
		if p.Scheme == "file" {
			errs = append(errs, fmt.Errorf("providers[%d]: scheme \"file\" is reserved for local paths", i))
		}
		if (p.S3AccessKeyID == "") != (p.S3SecretAccessKey == "") {
			errs = append(errs, fmt.Errorf("providers[%d]: s3_access_key_id and s3_secret_access_key must be set together", i))
		}
		if seen[p.Scheme] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate scheme %q", i, p.Scheme))
		}
		seen[p.Scheme] = true
	}

	return errors.Join(errs...)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
