// Package config loads pushmon's on-disk configuration, following the
// teacher's pattern of pre-populating defaults in a struct literal
// before unmarshaling over them with yaml.v3.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level on-disk configuration document.
type Config struct {
	Account  AccountConfig   `yaml:"account"`
	Monitors []MonitorConfig `yaml:"monitors"`
	Reactor  ReactorConfig   `yaml:"reactor"`
	Trace    TraceConfig     `yaml:"trace"`
	Debug    DebugConfig     `yaml:"debug"`
}

// AccountConfig holds the credentials used for both the REST control
// plane and the push channel handshake.
type AccountConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Hostname string `yaml:"hostname"`
	Secure   bool   `yaml:"secure"`
	CACerts  string `yaml:"ca_certs"`
	Insecure bool   `yaml:"insecure"`
}

// MonitorConfig describes one monitor this client maintains a session
// for, mirroring the XML monitor document fields in the control API.
type MonitorConfig struct {
	Topics        []string      `yaml:"topics"`
	Format        string        `yaml:"format"`
	Compression   string        `yaml:"compression"`
	BatchSize     int           `yaml:"batch_size"`
	BatchDuration time.Duration `yaml:"batch_duration"`
}

// ReactorConfig tunes the shared callback pool and write queue.
type ReactorConfig struct {
	Workers           int `yaml:"workers"`
	CallbackQueueSize int `yaml:"callback_queue_size"`
	WriteQueueSize    int `yaml:"write_queue_size"`
}

// TraceConfig controls per-message trace logging.
type TraceConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// DebugConfig controls the optional debug HTTP surface.
type DebugConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// Load reads and parses the configuration file at path, applying
// defaults for any field the document leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Account: AccountConfig{
			Hostname: "developer.idigi.com",
		},
		Reactor: ReactorConfig{
			Workers:           4,
			CallbackQueueSize: 20,
			WriteQueueSize:    64,
		},
		Trace: TraceConfig{
			Path:          "/data/trace",
			RetentionDays: 14,
		},
		Debug: DebugConfig{
			Addr:    ":8080",
			Enabled: false,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
