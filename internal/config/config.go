package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config represents the main configuration for zrbackup.
type Config struct {
	BaseDir  string         `toml:"base_dir"`
	LogDir   string         `toml:"log_dir"`
	Account  AccountConfig  `toml:"account"`
	Archive  ArchiveConfig  `toml:"archive"`
	KeyStore KeyStoreConfig `toml:"keystore"`
	Database DatabaseConfig `toml:"database"`
	Vault    VaultConfig    `toml:"vault"`
}

// AccountConfig identifies the account and holds the credentials used for
// basic-auth calls to the archive service.
type AccountConfig struct {
	ID       string `toml:"id"` // account UUID
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// ArchiveConfig configures the archive service client.
type ArchiveConfig struct {
	BaseURL            string   `toml:"base_url"`
	Timeout            Duration `toml:"timeout"`
	MaxRetries         int      `toml:"max_retries"`
	CredentialLifetime Duration `toml:"credential_lifetime"`
	BatchSize          int      `toml:"batch_size"`
}

// KeyStoreConfig selects where root key material lives.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type KeyStoreConfig struct {
	Type string `toml:"type"`           // "age" (default) or "memory"
	Path string `toml:"path,omitempty"` // only used for type=age
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// VaultConfig represents configuration for the local backup destination.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`
	// S3Endpoint targets S3-compatible stores; empty uses AWS.
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	// Static credentials; empty uses the default AWS credential chain.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// Duration is a time.Duration that reads and writes as a string like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults for the archive section.
const (
	DefaultBaseURL            = "https://archive.zonarosa.example"
	DefaultTimeout            = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultCredentialLifetime = 7 * 24 * time.Hour
	DefaultBatchSize          = 100
)

// NewConfig creates a new Config rooted at baseDir with a fresh account id.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Account: AccountConfig{ID: uuid.New().String()},
		Archive: ArchiveConfig{
			BaseURL:            DefaultBaseURL,
			Timeout:            Duration{DefaultTimeout},
			MaxRetries:         DefaultMaxRetries,
			CredentialLifetime: Duration{DefaultCredentialLifetime},
			BatchSize:          DefaultBatchSize,
		},
		KeyStore: KeyStoreConfig{Type: "age", Path: filepath.Join(baseDir, "keys", "zrbackup.age")},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Vault:    VaultConfig{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(baseDir, "vault")},
	}
}

// Validate checks the fields every command relies on.
func (c *Config) Validate() error {
	if _, err := uuid.Parse(c.Account.ID); err != nil {
		return fmt.Errorf("invalid account id %q: %w", c.Account.ID, err)
	}
	if c.Archive.BatchSize < 0 {
		return fmt.Errorf("archive.batch_size must not be negative, got %d", c.Archive.BatchSize)
	}
	if c.Archive.Timeout.Duration < 0 {
		return fmt.Errorf("archive.timeout must not be negative")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
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

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file holds the account password.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
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
