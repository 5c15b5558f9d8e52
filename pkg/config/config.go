// Package config loads and validates quern's configuration.
//
// Sources: the configuration file, whose keys environment variables
// (QUERN_*) override, then built-in defaults for selected fields the
// file leaves empty. Without a configuration file the built-in defaults
// are used unchanged and the environment is not read. CLI flags
// override individual fields after loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/quernlabs/quern/internal/logger"
)

// DefaultPort is the coordinator's default listening port.
const DefaultPort = 11235

// Task manager modes.
const (
	ManagerMemory = "memory"
	ManagerSQLite = "sqlite"
	ManagerBatch  = "batch"
)

// Datasource types.
const (
	SourceInline = "inline"
	SourceDir    = "dir"
	SourceBadger = "badger"
)

// CoordinatorConfig configures one coordinator process and its job.
type CoordinatorConfig struct {
	Logging logger.Config `mapstructure:"logging" yaml:"logging"`

	// Secret is the shared handshake secret. Empty is allowed but
	// means any worker can join.
	Secret string `mapstructure:"secret" yaml:"secret"`

	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`
	Port        int    `mapstructure:"port" validate:"gte=0,lte=65535" yaml:"port"`

	// ShutdownTimeout bounds the session drain after the job finishes.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`

	Manager ManagerConfig `mapstructure:"manager" yaml:"manager"`
	Job     JobConfig     `mapstructure:"job" yaml:"job"`
	Source  SourceConfig  `mapstructure:"source" yaml:"source"`
	Status  StatusConfig  `mapstructure:"status" yaml:"status"`
}

// ManagerConfig selects the task manager and its durability settings.
type ManagerConfig struct {
	// Mode is memory, sqlite, or batch.
	Mode string `mapstructure:"mode" validate:"oneof=memory sqlite batch" yaml:"mode"`

	// Path is the store file for the sqlite and batch modes.
	Path string `mapstructure:"path" validate:"required_unless=Mode memory" yaml:"path"`

	// Resume continues a previous run from its mirrored phase instead
	// of resetting the store.
	Resume bool `mapstructure:"resume" yaml:"resume"`

	// BatchSize bounds the values per partial-reduce slice in batch
	// mode.
	BatchSize int `mapstructure:"batch_size" validate:"required_if=Mode batch,omitempty,gt=0" yaml:"batch_size"`
}

// JobConfig names the registered worker functions for the job.
type JobConfig struct {
	Map     string `mapstructure:"map" validate:"required" yaml:"map"`
	Reduce  string `mapstructure:"reduce" validate:"required" yaml:"reduce"`
	Collect string `mapstructure:"collect" yaml:"collect"`
}

// SourceConfig selects the datasource.
type SourceConfig struct {
	// Type is inline, dir, or badger.
	Type string `mapstructure:"type" validate:"oneof=inline dir badger" yaml:"type"`

	// Path is the directory or Badger database for dir/badger sources.
	Path string `mapstructure:"path" validate:"required_unless=Type inline" yaml:"path"`

	// Inline supplies the inputs directly in the config file.
	Inline map[string]string `mapstructure:"inline" yaml:"inline,omitempty"`
}

// StatusConfig configures the optional HTTP status/metrics server.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true" yaml:"address"`
}

// WorkerConfig configures one worker process.
type WorkerConfig struct {
	Logging logger.Config `mapstructure:"logging" yaml:"logging"`

	Host   string `mapstructure:"host" validate:"required" yaml:"host"`
	Port   int    `mapstructure:"port" validate:"gt=0,lte=65535" yaml:"port"`
	Secret string `mapstructure:"secret" yaml:"secret"`
}

// DefaultCoordinatorConfig returns the built-in coordinator defaults.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		Logging:         logger.Config{Level: "INFO", Format: "text", Output: "stderr"},
		BindAddress:     "",
		Port:            DefaultPort,
		ShutdownTimeout: 10 * time.Second,
		Manager:         ManagerConfig{Mode: ManagerMemory},
		Job:             JobConfig{Map: "wordcount", Reduce: "sum"},
		Source:          SourceConfig{Type: SourceInline},
		Status:          StatusConfig{Enabled: false, Address: ":9090"},
	}
}

// DefaultWorkerConfig returns the built-in worker defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Logging: logger.Config{Level: "INFO", Format: "text", Output: "stderr"},
		Host:    "localhost",
		Port:    DefaultPort,
	}
}

// applyCoordinatorDefaults fills gaps a config file left open.
func applyCoordinatorDefaults(cfg *CoordinatorConfig) {
	def := DefaultCoordinatorConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Manager.Mode == "" {
		cfg.Manager.Mode = def.Manager.Mode
	}
	if cfg.Source.Type == "" {
		cfg.Source.Type = def.Source.Type
	}
	if cfg.Status.Address == "" {
		cfg.Status.Address = def.Status.Address
	}
}

// applyWorkerDefaults fills gaps a config file left open.
func applyWorkerDefaults(cfg *WorkerConfig) {
	def := DefaultWorkerConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
}

// Validate checks a configuration against its struct tags.
func Validate(cfg any) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	return nil
}

// Save writes cfg as YAML with restrictive permissions; config files
// carry the shared secret.
func Save(cfg any, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
