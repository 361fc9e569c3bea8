// Package config holds the famsync configuration file model and its loaders.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"famsync/internal/backup"
	"famsync/internal/database"
	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
	"famsync/internal/model"
)

// EnvPrefix is prepended to every environment variable read by famsync
const EnvPrefix = "FAMSYNC"

// Config is the root configuration
type Config struct {
	Logging   LoggingConfig             `mapstructure:"logging" yaml:"logging"`
	Storage   StorageConfig             `mapstructure:"storage" yaml:"storage"`
	State     database.DatabaseConfig   `mapstructure:"state" yaml:"state"`
	Remote    RemoteConfig              `mapstructure:"remote" yaml:"remote"`
	Codec     CodecConfig               `mapstructure:"codec" yaml:"codec"`
	Retention backup.RetentionPolicy    `mapstructure:"retention" yaml:"retention"`
	Sync      SyncConfig                `mapstructure:"sync" yaml:"sync"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler" yaml:"scheduler"`
	Rules     map[string]model.SyncRule `mapstructure:"rules" yaml:"rules,omitempty"`
}

// LoggingConfig configures the logrus logger
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// StorageConfig locates local data
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// BackupDir is where local backup blobs live
func (sc StorageConfig) BackupDir() string { return filepath.Join(sc.DataDir, "blobs") }

// SourceDir is where the file data source keeps family modules
func (sc StorageConfig) SourceDir() string { return filepath.Join(sc.DataDir, "data") }

// RemoteConfig configures the remote store used for upload and sync.
// An empty provider leaves the engine offline until one is configured.
type RemoteConfig struct {
	backup.StorageConfig `mapstructure:",squash" yaml:",inline"`
	Timeout              time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ProbeTTL             time.Duration `mapstructure:"probe_ttl" yaml:"probe_ttl"`
}

// Enabled reports whether a remote provider is configured
func (rc RemoteConfig) Enabled() bool { return rc.Provider != "" }

// CodecConfig selects payload transforms
type CodecConfig struct {
	Compression model.CompressionType `mapstructure:"compression" yaml:"compression"`
	// PassphraseEnv names the environment variable holding the encryption passphrase
	PassphraseEnv string `mapstructure:"encryption_passphrase_env" yaml:"encryption_passphrase_env"`
	Salt          string `mapstructure:"salt" yaml:"salt,omitempty"`
	KeyFile       string `mapstructure:"key_file" yaml:"key_file,omitempty"`
}

// SyncConfig tunes the orchestrator
type SyncConfig struct {
	HistoryLimit   int           `mapstructure:"history_limit" yaml:"history_limit"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
}

// SchedulerConfig tunes the automatic sync loop
type SchedulerConfig struct {
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	TickInterval    time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	DefaultPriority int           `mapstructure:"default_priority" yaml:"default_priority"`
}

// DefaultRetentionCount is the number of backups kept per family unless configured
const DefaultRetentionCount = 30

func base() *Config {
	return &Config{Retention: backup.RetentionPolicy{MaxCount: DefaultRetentionCount}}
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := base()
	c.SetDefaults()
	return c
}

// SetDefaults fills zero values
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Storage.SetDefaults()
	c.State.SetDefaults(c.Storage.DataDir)
	c.Remote.SetDefaults()
	c.Codec.SetDefaults()
	c.Sync.SetDefaults()
	c.Scheduler.SetDefaults()
}

// Validate validates every section and reports all problems together
func (c *Config) Validate() error {
	var errs apperrors.ValidationErrors

	errs.Merge("logging", c.Logging.Validate())
	if c.Storage.DataDir == "" {
		errs.Add("storage.data_dir", "data directory is required", nil)
	}
	errs.Merge("state", c.State.Validate())
	errs.Merge("remote", c.Remote.Validate())
	errs.Merge("codec", c.Codec.Validate())
	errs.Merge("retention", c.Retention.Validate())
	errs.Merge("sync", c.Sync.Validate())
	errs.Merge("scheduler", c.Scheduler.Validate())

	for module, rule := range c.Rules {
		if err := rule.Validate(); err != nil {
			errs.Add("rules."+module, err.Error(), rule)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// LoadFromEnvironment overlays FAMSYNC_* environment variables
func (c *Config) LoadFromEnvironment() {
	c.Logging.LoadFromEnvironment()
	if val := getenv("DATA_DIR"); val != "" {
		c.Storage.DataDir = val
	}
	loadStateFromEnvironment(&c.State)
	c.Remote.LoadFromEnvironment()
	c.Codec.LoadFromEnvironment()
	if n, ok := getenvInt("RETENTION_MAX_COUNT"); ok {
		c.Retention.MaxCount = n
	}
	if n, ok := getenvInt("RETENTION_MAX_AGE_DAYS"); ok {
		c.Retention.MaxAgeDays = n
	}
	if n, ok := getenvInt("SYNC_HISTORY_LIMIT"); ok {
		c.Sync.HistoryLimit = n
	}
	if n, ok := getenvInt("SCHEDULER_WORKERS"); ok {
		c.Scheduler.Workers = n
	}
	if d, ok := getenvDuration("SCHEDULER_TICK_INTERVAL"); ok {
		c.Scheduler.TickInterval = d
	}
}

// Passphrase resolves the encryption passphrase from the configured variable
func (c *Config) Passphrase() string {
	if c.Codec.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(c.Codec.PassphraseEnv)
}

const redacted = "********"

// Redacted returns a copy of c with inline credentials masked
func (c *Config) Redacted() *Config {
	out := *c
	if out.State.Password != "" {
		out.State.Password = redacted
	}
	if s3 := out.Remote.S3; s3 != nil && s3.SecretKey != "" {
		cp := *s3
		cp.SecretKey = redacted
		out.Remote.S3 = &cp
	}
	if az := out.Remote.Azure; az != nil && az.AccountKey != "" {
		cp := *az
		cp.AccountKey = redacted
		out.Remote.Azure = &cp
	}
	return &out
}

// LoggerConfig converts the logging section for logging.NewLogger
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:   logging.ParseLevel(c.Logging.Level),
		Format:  c.Logging.Format,
		LogFile: c.Logging.File,
		Output:  os.Stderr,
	}
}

// SetDefaults sets default values for logging
func (lc *LoggingConfig) SetDefaults() {
	if lc.Level == "" {
		lc.Level = string(logging.LogLevelNormal)
	}
	if lc.Format == "" {
		lc.Format = "text"
	}
}

// Validate validates the logging configuration
func (lc *LoggingConfig) Validate() error {
	var errs apperrors.ValidationErrors
	switch logging.LogLevel(lc.Level) {
	case logging.LogLevelQuiet, logging.LogLevelNormal, logging.LogLevelVerbose, logging.LogLevelDebug:
	default:
		errs.Add("level", "unknown log level", lc.Level)
	}
	if lc.Format != "text" && lc.Format != "json" {
		errs.Add("format", "format must be text or json", lc.Format)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// LoadFromEnvironment loads logging configuration from environment variables
func (lc *LoggingConfig) LoadFromEnvironment() {
	if val := getenv("LOG_LEVEL"); val != "" {
		lc.Level = strings.ToLower(val)
	}
	if val := getenv("LOG_FORMAT"); val != "" {
		lc.Format = strings.ToLower(val)
	}
	if val := getenv("LOG_FILE"); val != "" {
		lc.File = val
	}
}

// SetDefaults sets the data directory to ~/.famsync
func (sc *StorageConfig) SetDefaults() {
	if sc.DataDir != "" {
		return
	}
	if home, err := os.UserHomeDir(); err == nil {
		sc.DataDir = filepath.Join(home, ".famsync")
		return
	}
	sc.DataDir = ".famsync"
}

func loadStateFromEnvironment(dc *database.DatabaseConfig) {
	if val := getenv("STATE_DRIVER"); val != "" {
		dc.Driver = database.Driver(strings.ToLower(val))
	}
	if val := getenv("STATE_PATH"); val != "" {
		dc.Path = val
	}
	if val := getenv("STATE_HOST"); val != "" {
		dc.Host = val
	}
	if n, ok := getenvInt("STATE_PORT"); ok {
		dc.Port = n
	}
	if val := getenv("STATE_USERNAME"); val != "" {
		dc.Username = val
	}
	if val := getenv("STATE_PASSWORD"); val != "" {
		dc.Password = val
	}
	if val := getenv("STATE_DATABASE"); val != "" {
		dc.Database = val
	}
}

// SetDefaults sets default values for the remote store
func (rc *RemoteConfig) SetDefaults() {
	if rc.Timeout <= 0 {
		rc.Timeout = 10 * time.Second
	}
	if rc.ProbeTTL <= 0 {
		rc.ProbeTTL = 30 * time.Second
	}
	switch rc.Provider {
	case backup.StorageProviderLocal:
		if rc.Local == nil {
			rc.Local = &backup.LocalConfig{}
		}
		if rc.Local.Permissions == 0 {
			rc.Local.Permissions = 0755
		}
	case backup.StorageProviderS3:
		if rc.S3 != nil && rc.S3.Region == "" {
			rc.S3.Region = "us-east-1"
		}
	case backup.StorageProviderGCS:
		if rc.GCS != nil && rc.GCS.CredentialsPath == "" {
			rc.GCS.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
		}
	}
}

// Validate validates the remote store configuration; an empty provider is valid
func (rc *RemoteConfig) Validate() error {
	var errs apperrors.ValidationErrors
	if rc.Enabled() {
		errs.Merge("", rc.StorageConfig.Validate())
	}
	if rc.Timeout <= 0 {
		errs.Add("timeout", "must be positive", rc.Timeout)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// LoadFromEnvironment loads remote store configuration from environment variables
func (rc *RemoteConfig) LoadFromEnvironment() {
	if val := getenv("REMOTE_PROVIDER"); val != "" {
		rc.Provider = backup.StorageProviderType(strings.ToLower(val))
	}
	if val := getenv("REMOTE_PREFIX"); val != "" {
		rc.Prefix = val
	}
	if d, ok := getenvDuration("REMOTE_TIMEOUT"); ok {
		rc.Timeout = d
	}
	if d, ok := getenvDuration("REMOTE_PROBE_TTL"); ok {
		rc.ProbeTTL = d
	}

	switch rc.Provider {
	case backup.StorageProviderLocal:
		if val := getenv("REMOTE_LOCAL_BASE_PATH"); val != "" {
			if rc.Local == nil {
				rc.Local = &backup.LocalConfig{}
			}
			rc.Local.BasePath = val
		}
	case backup.StorageProviderS3:
		if rc.S3 == nil {
			rc.S3 = &backup.S3Config{}
		}
		setIfEnv(&rc.S3.Bucket, "REMOTE_S3_BUCKET")
		setIfEnv(&rc.S3.Region, "REMOTE_S3_REGION")
		setIfEnv(&rc.S3.Endpoint, "REMOTE_S3_ENDPOINT")
		setIfEnv(&rc.S3.AccessKey, "REMOTE_S3_ACCESS_KEY")
		setIfEnv(&rc.S3.SecretKey, "REMOTE_S3_SECRET_KEY")
	case backup.StorageProviderAzure:
		if rc.Azure == nil {
			rc.Azure = &backup.AzureConfig{}
		}
		setIfEnv(&rc.Azure.AccountName, "REMOTE_AZURE_ACCOUNT_NAME")
		setIfEnv(&rc.Azure.AccountKey, "REMOTE_AZURE_ACCOUNT_KEY")
		setIfEnv(&rc.Azure.ContainerName, "REMOTE_AZURE_CONTAINER_NAME")
	case backup.StorageProviderGCS:
		if rc.GCS == nil {
			rc.GCS = &backup.GCSConfig{}
		}
		setIfEnv(&rc.GCS.Bucket, "REMOTE_GCS_BUCKET")
		setIfEnv(&rc.GCS.CredentialsPath, "REMOTE_GCS_CREDENTIALS_PATH")
		setIfEnv(&rc.GCS.ProjectID, "REMOTE_GCS_PROJECT_ID")
	}
}

// SetDefaults sets default values for the codec
func (cc *CodecConfig) SetDefaults() {
	if cc.Compression == "" {
		cc.Compression = model.CompressionTypeZstd
	}
	if cc.PassphraseEnv == "" {
		cc.PassphraseEnv = EnvPrefix + "_ENCRYPTION_PASSPHRASE"
	}
}

// Validate validates the codec configuration
func (cc *CodecConfig) Validate() error {
	switch cc.Compression {
	case model.CompressionTypeNone, model.CompressionTypeGzip, model.CompressionTypeLZ4, model.CompressionTypeZstd:
		return nil
	default:
		return fmt.Errorf("unsupported compression %q", cc.Compression)
	}
}

// LoadFromEnvironment loads codec configuration from environment variables
func (cc *CodecConfig) LoadFromEnvironment() {
	if val := getenv("CODEC_COMPRESSION"); val != "" {
		cc.Compression = model.CompressionType(strings.ToLower(val))
	}
	setIfEnv(&cc.Salt, "CODEC_SALT")
	setIfEnv(&cc.KeyFile, "CODEC_KEY_FILE")
}

// SetDefaults sets default values for sync
func (sc *SyncConfig) SetDefaults() {
	if sc.HistoryLimit <= 0 {
		sc.HistoryLimit = 50
	}
	if sc.RetryBaseDelay <= 0 {
		sc.RetryBaseDelay = time.Second
	}
	if sc.RetryMaxDelay <= 0 {
		sc.RetryMaxDelay = 30 * time.Second
	}
}

// Validate validates the sync configuration
func (sc *SyncConfig) Validate() error {
	var errs apperrors.ValidationErrors
	if sc.HistoryLimit <= 0 {
		errs.Add("history_limit", "must be positive", sc.HistoryLimit)
	}
	if sc.RetryMaxDelay < sc.RetryBaseDelay {
		errs.Add("retry_max_delay", "must not be below retry_base_delay", sc.RetryMaxDelay)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetDefaults sets default values for the scheduler
func (sc *SchedulerConfig) SetDefaults() {
	if sc.Workers <= 0 {
		sc.Workers = 4
	}
	if sc.TickInterval <= 0 {
		sc.TickInterval = 30 * time.Second
	}
}

// Validate validates the scheduler configuration
func (sc *SchedulerConfig) Validate() error {
	var errs apperrors.ValidationErrors
	if sc.Workers <= 0 {
		errs.Add("workers", "must be positive", sc.Workers)
	}
	if sc.TickInterval < time.Second {
		errs.Add("tick_interval", "must be at least 1s", sc.TickInterval)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

func getenv(name string) string {
	return os.Getenv(EnvPrefix + "_" + name)
}

func setIfEnv(dst *string, name string) {
	if val := getenv(name); val != "" {
		*dst = val
	}
}

func getenvInt(name string) (int, bool) {
	val := getenv(name)
	if val == "" {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getenvDuration(name string) (time.Duration, bool) {
	val := getenv(name)
	if val == "" {
		return 0, false
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, false
	}
	return d, true
}
