// Package config loads runtime configuration for the vaultsync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional config file selected via -c or -config. Files ending in
//     .yaml or .yml are YAML, anything else is JSON.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Relay and lock directories default to subdirectories of the data
// directory once every source has been applied.
//
// # File schema
//
// Intervals use timex.Duration, so values can be either strings like "30s"
// or integer nanoseconds:
//
//	{
//	  "server_url": "https://sync.example.com",
//	  "data_dir": "/home/me/.config/vaultsync",
//	  "sync_interval": "1m",
//	  "log_file": "/var/log/vaultsync/client.log",
//	  "log_max_size_mb": 10
//	}
//
// The YAML form uses the same keys.
package config
