package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds runtime settings for the vaultsync client.
//
// Fields:
//   - ServerURL: base URL of the sync server.
//   - DataDir: device registry and per-vault databases live here.
//   - SyncInterval: period of the background reconciliation.
//   - ReconnectDelay: pause before the change feed reconnects.
//   - RelayDir / RelayTTL: spool directory and event lifetime for sibling instances.
//   - LockDir: primary-instance lock files.
//   - LogFile, LogLevel, LogMaxSizeMB, LogMaxBackups, LogMaxAgeDays: logging.
//   - Username: default account for login and register.
type Config struct {
	ServerURL      string
	DataDir        string
	SyncInterval   time.Duration
	ReconnectDelay time.Duration
	RelayDir       string
	RelayTTL       time.Duration
	LockDir        string
	LogFile        string
	LogLevel       string
	LogMaxSizeMB   int
	LogMaxBackups  int
	LogMaxAgeDays  int
	Username       string
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "vaultsync")
	}
	return ".vaultsync"
}

// LoadDefaults populates c with sensible defaults. RelayDir and LockDir stay
// empty and are derived from DataDir by resolve.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.DataDir = defaultDataDir()
	c.SyncInterval = time.Minute
	c.ReconnectDelay = 5 * time.Second
	c.RelayTTL = time.Minute
	c.LogLevel = "info"
	c.LogMaxSizeMB = 10
	c.LogMaxBackups = 3
	c.LogMaxAgeDays = 28
}

// resolve fills directories left empty with subdirectories of DataDir.
func (c *Config) resolve() {
	if c.RelayDir == "" {
		c.RelayDir = filepath.Join(c.DataDir, "relay")
	}
	if c.LockDir == "" {
		c.LockDir = filepath.Join(c.DataDir, "locks")
	}
}

// RegistryPath is the device registry database.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "registry.db")
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// a config file (if present) and command-line flags (if present). Later
// sources take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseFile(cfg)
	parseFlags(cfg)
	cfg.resolve()
	return cfg
}
