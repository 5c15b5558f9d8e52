package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// newViper configures environment variables and the config file
// location. Environment variables use the QUERN_ prefix with
// underscores, e.g. QUERN_LOGGING_LEVEL=DEBUG; they override only keys
// that the config file sets.
func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("QUERN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	return v
}

// readConfigFile reads the file if present; a missing file means
// defaults apply.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read file: %w", err)
	}
	return true, nil
}

// durationDecodeHook parses "10s"-style strings into time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != reflect.TypeOf(time.Duration(0)) || f.Kind() != reflect.String {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// LoadCoordinator loads, defaults, and validates the coordinator
// configuration. An empty path, or a file that does not exist, yields
// the built-in defaults; environment variables are not applied then.
func LoadCoordinator(configPath string) (*CoordinatorConfig, error) {
	v := newViper(configPath)

	found := false
	if configPath != "" {
		var err error
		if found, err = readConfigFile(v); err != nil {
			return nil, err
		}
	}
	if !found {
		cfg := DefaultCoordinatorConfig()
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	var cfg CoordinatorConfig
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applyCoordinatorDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWorker loads, defaults, and validates the worker configuration.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := newViper(configPath)

	found := false
	if configPath != "" {
		var err error
		if found, err = readConfigFile(v); err != nil {
			return nil, err
		}
	}
	if !found {
		cfg := DefaultWorkerConfig()
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applyWorkerDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
