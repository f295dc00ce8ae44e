package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"duet/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "duet"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "DUET_DATA_DIR"
	// DefaultAPIListen is the local control API address.
	DefaultAPIListen = "127.0.0.1:7420"
	// DefaultLogLevel is used when the config names none.
	DefaultLogLevel = "info"
	// LogFormatConsole writes human-readable logs.
	LogFormatConsole = "console"
	// LogFormatJSON writes one JSON object per line.
	LogFormatJSON = "json"

	configFileName = "config.yaml"
	envFileName    = ".env"
	recordingsDir  = "recordings"
)

// Config contains persistent client settings.
type Config struct {
	ClientID string `yaml:"client_id"`
	// Identity is the participant this client acts as.
	Identity string `yaml:"identity"`

	Log       LogConfig         `yaml:"log"`
	Storage   StorageConfig     `yaml:"storage"`
	Feed      FeedConfig        `yaml:"feed"`
	Upload    UploadConfig      `yaml:"upload"`
	Capture   CaptureConfig     `yaml:"capture"`
	Retention RetentionConfig   `yaml:"retention"`
	API       APIConfig         `yaml:"api"`
	Discovery DiscoveryConfig   `yaml:"discovery"`
	Secrets   map[string]string `yaml:"secrets,omitempty"`

	// DataDir is where the config was loaded from. It is not persisted.
	DataDir string `yaml:"-"`
}

// LogConfig selects log level and output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Path   string `yaml:"path,omitempty"`
}

// StorageConfig locates the shared log.
type StorageConfig struct {
	// DBPath may point at a database shared with another client. Empty
	// means log.db under the data directory.
	DBPath       string        `yaml:"db_path,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
}

// FeedConfig tunes the displayed window.
type FeedConfig struct {
	WindowSize int `yaml:"window_size"`
}

// UploadConfig configures the media host.
type UploadConfig struct {
	CloudName    string        `yaml:"cloud_name"`
	UploadPreset string        `yaml:"upload_preset"`
	Endpoint     string        `yaml:"endpoint,omitempty"`
	MaxBytes     int64         `yaml:"max_bytes"`
	Timeout      time.Duration `yaml:"timeout"`
	SniffContent bool          `yaml:"sniff_content"`
}

// CaptureConfig selects the microphone backend.
type CaptureConfig struct {
	Backend     string        `yaml:"backend"`
	Command     string        `yaml:"command,omitempty"`
	InputFormat string        `yaml:"input_format,omitempty"`
	InputDevice string        `yaml:"input_device,omitempty"`
	FilePath    string        `yaml:"file_path,omitempty"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// RetentionConfig tunes the sweeper.
type RetentionConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Interval     time.Duration `yaml:"interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// APIConfig configures the local control API.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// DiscoveryConfig toggles LAN presence.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If DUET_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// RecordingsDir returns where in-progress voice recordings are written.
func RecordingsDir(dataDir string) string {
	return filepath.Join(dataDir, recordingsDir)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		RecordingsDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// LoadEnvFiles loads .env from the working directory and the data
// directory. Variables already set in the environment win.
func LoadEnvFiles(dataDir string) error {
	for _, path := range []string{envFileName, filepath.Join(dataDir, envFileName)} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.yaml from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.yaml to disk.
func Save(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, applies environment
// overrides, then returns both.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}
	if err := LoadEnvFiles(dataDir); err != nil {
		return nil, "", err
	}
	// .env may itself point somewhere else.
	if override := os.Getenv(DataDirEnv); override != "" && override != dataDir {
		dataDir = override
		if err := EnsureDataDirectories(dataDir); err != nil {
			return nil, "", err
		}
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	cfg.DataDir = dataDir
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

// ResolvedDBPath returns the database path, defaulting under the data dir.
func (c *Config) ResolvedDBPath() string {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath
	}
	return filepath.Join(c.DataDir, "log.db")
}

// ClientIdentity parses the configured identity.
func (c *Config) ClientIdentity() (models.Identity, error) {
	return models.ParseIdentity(c.Identity)
}

// IdentitySecrets returns the configured secret hashes keyed by identity.
func (c *Config) IdentitySecrets() (map[models.Identity]string, error) {
	out := make(map[models.Identity]string, len(c.Secrets))
	for raw, hash := range c.Secrets {
		id, err := models.ParseIdentity(raw)
		if err != nil {
			return nil, fmt.Errorf("secrets: %w", err)
		}
		out[id] = hash
	}
	return out, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	normalizeDefaults(cfg)
	return cfg
}

func normalizeDefaults(cfg *Config) bool {
	updated := false

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}
	if _, err := models.ParseIdentity(cfg.Identity); err != nil {
		cfg.Identity = string(models.IdentityUser)
		updated = true
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
		updated = true
	}
	if format := normalizeLogFormat(cfg.Log.Format); format != cfg.Log.Format {
		cfg.Log.Format = format
		updated = true
	}

	if cfg.Storage.PollInterval <= 0 {
		cfg.Storage.PollInterval = 2 * time.Second
		updated = true
	}
	if cfg.Storage.BusyTimeout <= 0 {
		cfg.Storage.BusyTimeout = 5 * time.Second
		updated = true
	}

	if cfg.Feed.WindowSize <= 0 {
		cfg.Feed.WindowSize = 25
		updated = true
	}

	if cfg.Upload.MaxBytes <= 0 {
		cfg.Upload.MaxBytes = 10 << 20
		updated = true
	}
	if cfg.Upload.Timeout <= 0 {
		cfg.Upload.Timeout = 60 * time.Second
		updated = true
	}

	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = "command"
		updated = true
	}
	if cfg.Capture.StopTimeout <= 0 {
		cfg.Capture.StopTimeout = 5 * time.Second
		updated = true
	}

	if cfg.Retention.InitialDelay <= 0 {
		cfg.Retention.InitialDelay = 2 * time.Second
		updated = true
	}
	if cfg.Retention.Interval < 0 {
		cfg.Retention.Interval = 0
		updated = true
	}
	if cfg.Retention.BatchSize <= 0 || cfg.Retention.BatchSize > 100 {
		cfg.Retention.BatchSize = 100
		updated = true
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
		updated = true
	}

	return updated
}

func normalizeLogFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case LogFormatJSON:
		return LogFormatJSON
	default:
		return LogFormatConsole
	}
}

func applyEnvOverrides(cfg *Config) error {
	cfg.Identity = getEnvOrDefault("DUET_IDENTITY", cfg.Identity)
	cfg.Log.Level = getEnvOrDefault("DUET_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Path = getEnvOrDefault("DUET_LOG_PATH", cfg.Log.Path)
	cfg.Storage.DBPath = getEnvOrDefault("DUET_DB_PATH", cfg.Storage.DBPath)
	cfg.Upload.CloudName = getEnvOrDefault("DUET_CLOUD_NAME", cfg.Upload.CloudName)
	cfg.Upload.UploadPreset = getEnvOrDefault("DUET_UPLOAD_PRESET", cfg.Upload.UploadPreset)
	cfg.Upload.Endpoint = getEnvOrDefault("DUET_UPLOAD_ENDPOINT", cfg.Upload.Endpoint)
	cfg.API.Listen = getEnvOrDefault("DUET_API_LISTEN", cfg.API.Listen)

	sniff, err := parseBoolEnv("DUET_SNIFF_CONTENT", cfg.Upload.SniffContent)
	if err != nil {
		return err
	}
	cfg.Upload.SniffContent = sniff

	discovery, err := parseBoolEnv("DUET_DISCOVERY", cfg.Discovery.Enabled)
	if err != nil {
		return err
	}
	cfg.Discovery.Enabled = discovery

	if _, err := models.ParseIdentity(cfg.Identity); err != nil {
		return fmt.Errorf("DUET_IDENTITY: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return value, nil
}
