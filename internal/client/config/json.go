package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dmitrijs2005/vaultsync/internal/flagx"
	"github.com/dmitrijs2005/vaultsync/internal/timex"
)

// FileConfig is a DTO used exclusively for config file unmarshalling. It
// relies on timex.Duration so intervals can be written either as strings
// like "30s" or as integer nanoseconds. Absent fields keep their previous
// value.
type FileConfig struct {
	ServerURL      *string         `json:"server_url" yaml:"server_url"`
	DataDir        *string         `json:"data_dir" yaml:"data_dir"`
	SyncInterval   *timex.Duration `json:"sync_interval" yaml:"sync_interval"`
	ReconnectDelay *timex.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	RelayDir       *string         `json:"relay_dir" yaml:"relay_dir"`
	RelayTTL       *timex.Duration `json:"relay_ttl" yaml:"relay_ttl"`
	LockDir        *string         `json:"lock_dir" yaml:"lock_dir"`
	LogFile        *string         `json:"log_file" yaml:"log_file"`
	LogLevel       *string         `json:"log_level" yaml:"log_level"`
	LogMaxSizeMB   *int            `json:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups  *int            `json:"log_max_backups" yaml:"log_max_backups"`
	LogMaxAgeDays  *int            `json:"log_max_age_days" yaml:"log_max_age_days"`
	Username       *string         `json:"username" yaml:"username"`
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// parseFile overlays Config with values loaded from the file named by -c or
// -config. Files ending in .yaml or .yml are read as YAML, anything else as
// JSON. It panics on read or decode errors.
func parseFile(cfg *Config) {
	path := flagx.ConfigPath(os.Args[1:])
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	var fc FileConfig
	if isYAML(path) {
		err = yaml.Unmarshal(data, &fc)
	} else {
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		panic(err)
	}
	fc.apply(cfg)
}

func (fc *FileConfig) apply(cfg *Config) {
	setString(&cfg.ServerURL, fc.ServerURL)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.RelayDir, fc.RelayDir)
	setString(&cfg.LockDir, fc.LockDir)
	setString(&cfg.LogFile, fc.LogFile)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.Username, fc.Username)
	if fc.SyncInterval != nil {
		cfg.SyncInterval = fc.SyncInterval.Duration
	}
	if fc.ReconnectDelay != nil {
		cfg.ReconnectDelay = fc.ReconnectDelay.Duration
	}
	if fc.RelayTTL != nil {
		cfg.RelayTTL = fc.RelayTTL.Duration
	}
	if fc.LogMaxSizeMB != nil {
		cfg.LogMaxSizeMB = *fc.LogMaxSizeMB
	}
	if fc.LogMaxBackups != nil {
		cfg.LogMaxBackups = *fc.LogMaxBackups
	}
	if fc.LogMaxAgeDays != nil {
		cfg.LogMaxAgeDays = *fc.LogMaxAgeDays
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
