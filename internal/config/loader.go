package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file and applies defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}
	c := base()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}
	c.SetDefaults()
	return c, nil
}

// Save writes c as YAML, creating parent directories
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// credentials may be inline
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}

// SearchPaths returns the files checked when no --config flag is given, in order
func SearchPaths() []string {
	paths := []string{"famsync.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".famsync.yaml"))
	}
	return paths
}

// Loader resolves configuration through viper: defaults, then the config
// file, then bound flags, then FAMSYNC_* environment variables.
type Loader struct {
	v *viper.Viper
}

// NewLoader wraps v; flags should already be bound to it
func NewLoader(v *viper.Viper) *Loader {
	if v == nil {
		v = viper.New()
	}
	return &Loader{v: v}
}

// Viper exposes the underlying instance for flag binding
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load reads configPath, or the first existing search path when it is empty.
// A missing default file is not an error.
func (l *Loader) Load(configPath string) (*Config, error) {
	l.setupViper(configPath)
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
	}

	c := &Config{}
	if err := l.v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	c.LoadFromEnvironment()
	c.SetDefaults()
	return c, nil
}

// ConfigFileUsed returns the file viper read, if any
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) setupViper(configPath string) {
	switch {
	case configPath != "":
		l.v.SetConfigFile(configPath)
	default:
		for _, p := range SearchPaths() {
			if _, err := os.Stat(p); err == nil {
				l.v.SetConfigFile(p)
				break
			}
		}
		if l.v.ConfigFileUsed() == "" {
			l.v.SetConfigName("famsync")
			l.v.SetConfigType("yaml")
			l.v.AddConfigPath(".")
		}
	}

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
}

func (l *Loader) setDefaults() {
	d := Default()
	l.v.SetDefault("logging.level", d.Logging.Level)
	l.v.SetDefault("logging.format", d.Logging.Format)
	l.v.SetDefault("storage.data_dir", d.Storage.DataDir)
	l.v.SetDefault("state.driver", string(d.State.Driver))
	l.v.SetDefault("remote.timeout", d.Remote.Timeout)
	l.v.SetDefault("remote.probe_ttl", d.Remote.ProbeTTL)
	l.v.SetDefault("codec.compression", string(d.Codec.Compression))
	l.v.SetDefault("codec.encryption_passphrase_env", d.Codec.PassphraseEnv)
	l.v.SetDefault("retention.max_count", d.Retention.MaxCount)
	l.v.SetDefault("retention.max_age_days", d.Retention.MaxAgeDays)
	l.v.SetDefault("sync.history_limit", d.Sync.HistoryLimit)
	l.v.SetDefault("sync.retry_base_delay", d.Sync.RetryBaseDelay)
	l.v.SetDefault("sync.retry_max_delay", d.Sync.RetryMaxDelay)
	l.v.SetDefault("scheduler.workers", d.Scheduler.Workers)
	l.v.SetDefault("scheduler.tick_interval", d.Scheduler.TickInterval)
	l.v.SetDefault("scheduler.default_priority", d.Scheduler.DefaultPriority)
}
