package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"schoolcheckin/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Backend    BackendConfig    `yaml:"backend"`
	Network    NetworkConfig    `yaml:"network"`
	Queue      QueueConfig      `yaml:"queue"`
	Sync       SyncConfig       `yaml:"sync"`
	Cache      CacheConfig      `yaml:"cache"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
	Auth      APIAuthConfig      `yaml:"auth"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

// APIClientKey identifies one UI client. The name keys its rate limiter.
type APIClientKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// BackendConfig points at the HTTP backend that persists actions.
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AppVersion     string        `yaml:"app_version"`
}

// NetworkConfig selects the connectivity provider.
// mode=static uses the fixed conditions below, mode=probe measures the backend.
type NetworkConfig struct {
	Mode          string        `yaml:"mode"`
	Online        bool          `yaml:"online"`
	Downlink      float64       `yaml:"downlink"`
	RTT           time.Duration `yaml:"rtt"`
	EffectiveType string        `yaml:"effective_type"`
	SaveData      bool          `yaml:"save_data"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type QueueConfig struct {
	MaxRetryAttempts     int           `yaml:"max_retry_attempts"`
	RetryDelayBase       time.Duration `yaml:"retry_delay_base"`
	RetryDelayMultiplier float64       `yaml:"retry_delay_multiplier"`
	RetryDelayMax        time.Duration `yaml:"retry_delay_max"`
	MaxQueueSize         int           `yaml:"max_queue_size"`
	SyncInterval         time.Duration `yaml:"sync_interval"`
	BatchSize            int           `yaml:"batch_size"`
	BatchDelay           time.Duration `yaml:"batch_delay"`
	ProcessDelay         time.Duration `yaml:"process_delay"`
	ExpirationTime       time.Duration `yaml:"expiration_time"`
	DeadLetterKey        string        `yaml:"dead_letter_key"`
}

type SyncConfig struct {
	BaseBatchSize    int            `yaml:"base_batch_size"`
	MaxConcurrency   int            `yaml:"max_concurrency"`
	CriticalAge      time.Duration  `yaml:"critical_age"`
	HistorySize      int            `yaml:"history_size"`
	ProgressiveDelay time.Duration  `yaml:"progressive_delay"`
	Timeouts         TimeoutsConfig `yaml:"timeouts"`
}

// TimeoutsConfig holds the per-action timeout of each strategy.
type TimeoutsConfig struct {
	Aggressive   time.Duration `yaml:"aggressive"`
	Normal       time.Duration `yaml:"normal"`
	Conservative time.Duration `yaml:"conservative"`
	Minimal      time.Duration `yaml:"minimal"`
}

type CacheConfig struct {
	RefreshInterval time.Duration            `yaml:"refresh_interval"`
	CleanupInterval time.Duration            `yaml:"cleanup_interval"`
	DocumentTTL     time.Duration            `yaml:"document_ttl"`
	Expiration      map[string]time.Duration `yaml:"expiration"`
	SizeLimits      map[string]int           `yaml:"size_limits"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Backend.BaseURL == "" {
		return errors.New("backend base_url is required")
	}
	switch strings.ToLower(c.Network.Mode) {
	case "", "static", "probe":
	default:
		return fmt.Errorf("unknown network mode: %s", c.Network.Mode)
	}
	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api.auth enabled without api_keys")
	}
	if c.Queue.RetryDelayMultiplier < 1 {
		return fmt.Errorf("queue.retry_delay_multiplier must be >= 1, got %v", c.Queue.RetryDelayMultiplier)
	}
	return ValidateCache(c.Cache)
}

// ValidateCache rejects unknown partitions and negative limits.
func ValidateCache(cfg CacheConfig) error {
	for name, d := range cfg.Expiration {
		if !knownPartition(name) {
			return fmt.Errorf("cache.expiration: unknown partition %q", name)
		}
		if d <= 0 {
			return fmt.Errorf("cache.expiration.%s must be positive", name)
		}
	}
	for name, limit := range cfg.SizeLimits {
		if !knownPartition(name) {
			return fmt.Errorf("cache.size_limits: unknown partition %q", name)
		}
		if limit < 0 {
			return fmt.Errorf("cache.size_limits.%s must not be negative", name)
		}
	}
	return nil
}

func knownPartition(name string) bool {
	switch name {
	case "schools", "sessions", "user_data", "location_pings":
		return true
	}
	return false
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "schoolcheckin"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "X-API-Key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Backend.RequestTimeout == 0 {
		c.Backend.RequestTimeout = 15 * time.Second
	}
	if c.Network.Mode == "" {
		c.Network.Mode = "probe"
	}
	if c.Network.ProbeInterval == 0 {
		c.Network.ProbeInterval = 10 * time.Second
	}

	q := &c.Queue
	if q.MaxRetryAttempts == 0 {
		q.MaxRetryAttempts = models.DefaultMaxRetryAttempts
	}
	if q.RetryDelayBase == 0 {
		q.RetryDelayBase = models.DefaultRetryDelayBase
	}
	if q.RetryDelayMultiplier == 0 {
		q.RetryDelayMultiplier = models.DefaultRetryDelayMultiplier
	}
	if q.RetryDelayMax == 0 {
		q.RetryDelayMax = models.DefaultRetryDelayMax
	}
	if q.MaxQueueSize == 0 {
		q.MaxQueueSize = models.DefaultMaxQueueSize
	}
	if q.SyncInterval == 0 {
		q.SyncInterval = models.DefaultSyncInterval
	}
	if q.BatchSize == 0 {
		q.BatchSize = models.DefaultBatchSize
	}
	if q.BatchDelay == 0 {
		q.BatchDelay = models.DefaultBatchDelay
	}
	if q.ProcessDelay == 0 {
		q.ProcessDelay = models.DefaultProcessDelay
	}
	if q.ExpirationTime == 0 {
		q.ExpirationTime = models.DefaultExpirationTime
	}
	if q.DeadLetterKey == "" {
		q.DeadLetterKey = "actions:deadletter"
	}

	s := &c.Sync
	if s.BaseBatchSize == 0 {
		s.BaseBatchSize = q.BatchSize
	}
	if s.MaxConcurrency == 0 {
		s.MaxConcurrency = models.DefaultMaxConcurrency
	}
	if s.CriticalAge == 0 {
		s.CriticalAge = models.DefaultCriticalAge
	}
	if s.HistorySize == 0 {
		s.HistorySize = models.DefaultSyncHistorySize
	}
	if s.ProgressiveDelay == 0 {
		s.ProgressiveDelay = 500 * time.Millisecond
	}
	if s.Timeouts.Aggressive == 0 {
		s.Timeouts.Aggressive = 10 * time.Second
	}
	if s.Timeouts.Normal == 0 {
		s.Timeouts.Normal = 15 * time.Second
	}
	if s.Timeouts.Conservative == 0 {
		s.Timeouts.Conservative = 30 * time.Second
	}
	if s.Timeouts.Minimal == 0 {
		s.Timeouts.Minimal = 45 * time.Second
	}

	cc := &c.Cache
	if cc.RefreshInterval == 0 {
		cc.RefreshInterval = models.DefaultCacheRefreshInterval
	}
	if cc.CleanupInterval == 0 {
		cc.CleanupInterval = models.DefaultCacheCleanupInterval
	}
	if cc.DocumentTTL == 0 {
		cc.DocumentTTL = 10 * time.Minute
	}
	if cc.Expiration == nil {
		cc.Expiration = map[string]time.Duration{}
	}
	if cc.SizeLimits == nil {
		cc.SizeLimits = map[string]int{}
	}
	defaultExpiration := map[string]time.Duration{
		"schools":        models.SchoolsExpiration,
		"sessions":       models.SessionsExpiration,
		"user_data":      models.UserDataExpiration,
		"location_pings": models.LocationPingsExpiration,
	}
	for name, d := range defaultExpiration {
		if _, ok := cc.Expiration[name]; !ok {
			cc.Expiration[name] = d
		}
	}
	defaultLimits := map[string]int{
		"schools":        models.SchoolsSizeLimit,
		"sessions":       models.SessionsSizeLimit,
		"user_data":      models.UserDataSizeLimit,
		"location_pings": models.LocationPingsSizeLimit,
	}
	for name, n := range defaultLimits {
		if _, ok := cc.SizeLimits[name]; !ok {
			cc.SizeLimits[name] = n
		}
	}

	if c.Backup.Schedule == "" {
		c.Backup.Schedule = "24h"
	}
}
