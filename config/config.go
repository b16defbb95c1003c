package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Cache     CacheConfig     `yaml:"cache"`
	Exchanges ExchangesConfig `yaml:"exchanges"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Tasks     TasksConfig     `yaml:"tasks"`
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// MonitorConfig drives pool membership and the two scheduler loops.
type MonitorConfig struct {
	Threshold                  float64       `yaml:"threshold"`
	ExitThreshold              float64       `yaml:"exit_threshold"`
	MinVolume                  float64       `yaml:"min_volume"`
	SettlementIntervals        []string      `yaml:"settlement_intervals"`
	ContractRefreshInterval    time.Duration `yaml:"contract_refresh_interval"`
	IncrementalRefreshInterval time.Duration `yaml:"incremental_refresh_interval"`
	FundingRateCheckInterval   time.Duration `yaml:"funding_rate_check_interval"`
	CacheValidity              time.Duration `yaml:"cache_validity"`
	StaleEntryMaxAge           time.Duration `yaml:"stale_entry_max_age"`
	FetchConcurrency           int           `yaml:"fetch_concurrency"`
	RequestTimeout             time.Duration `yaml:"request_timeout"`
	PoolSummary                bool          `yaml:"pool_summary"`
}

type CacheConfig struct {
	Dir          string `yaml:"dir"`
	SnapshotFile string `yaml:"snapshot_file"`
	PoolFile     string `yaml:"pool_file"`
	HistoryDir   string `yaml:"history_dir"`
	ArchiveDir   string `yaml:"archive_dir"`
	// HistoryMaxItems bounds each per-symbol history file; 0 keeps everything.
	HistoryMaxItems int `yaml:"history_max_items"`
}

type ExchangesConfig struct {
	Binance ExchangeConfig `yaml:"binance"`
	Bybit   ExchangeConfig `yaml:"bybit"`
	Kucoin  ExchangeConfig `yaml:"kucoin"`
}

type ExchangeConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	RestURL        string               `yaml:"rest_url"`
	StreamURL      string               `yaml:"stream_url"`
	StreamEnabled  bool                 `yaml:"stream_enabled"`
	QuoteAssets    []string             `yaml:"quote_assets"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type NotifierConfig struct {
	Telegram    TelegramConfig `yaml:"telegram"`
	MaxAttempts int            `yaml:"max_attempts"`
	RetryDelay  time.Duration  `yaml:"retry_delay"`
	QueueSize   int            `yaml:"queue_size"`
	SendTimeout time.Duration  `yaml:"send_timeout"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	APIURL   string `yaml:"api_url"`
}

type TasksConfig struct {
	Workers    int           `yaml:"workers"`
	MaxPending int           `yaml:"max_pending"`
	Retention  time.Duration `yaml:"retention"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns a configuration populated with the documented defaults.
// LoadConfig overlays the YAML file on top of it.
func Default() Config {
	return Config{
		Service: ServiceConfig{Name: "fundingpool", Version: "dev"},
		Monitor: MonitorConfig{
			Threshold:                0.005,
			MinVolume:                1_000_000,
			SettlementIntervals:      []string{"1h"},
			ContractRefreshInterval:  45 * time.Minute,
			FundingRateCheckInterval: 60 * time.Second,
			CacheValidity:            time.Hour,
			StaleEntryMaxAge:         30 * time.Minute,
			FetchConcurrency:         4,
			RequestTimeout:           10 * time.Second,
			PoolSummary:              true,
		},
		Cache: CacheConfig{
			Dir:          "cache",
			SnapshotFile: "contracts_cache.json",
			PoolFile:     "pool_state.json",
			HistoryDir:   "monitor_history",
			ArchiveDir:   "archive",
			// Two days of samples at the default check interval.
			HistoryMaxItems: 2880,
		},
		Exchanges: ExchangesConfig{
			Binance: ExchangeConfig{
				RestURL:     "https://fapi.binance.com",
				StreamURL:   "wss://fstream.binance.com/ws",
				QuoteAssets: []string{"USDT"},
				RateLimit:   RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
			},
			Bybit: ExchangeConfig{
				RestURL:     "https://api.bybit.com",
				QuoteAssets: []string{"USDT"},
				RateLimit:   RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
			},
			Kucoin: ExchangeConfig{
				RestURL:     "https://api-futures.kucoin.com",
				QuoteAssets: []string{"USDT"},
				RateLimit:   RateLimitConfig{RequestsPerSecond: 5, BurstSize: 1},
			},
		},
		Notifier: NotifierConfig{
			Telegram:    TelegramConfig{APIURL: "https://api.telegram.org"},
			MaxAttempts: 3,
			RetryDelay:  2 * time.Second,
			QueueSize:   256,
			SendTimeout: 10 * time.Second,
		},
		Tasks: TasksConfig{
			Workers:    2,
			MaxPending: 100,
			Retention:  time.Hour,
		},
		API: APIConfig{Address: "0.0.0.0:8080"},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{Namespace: "FundingPool", Dashboard: "FundingPool"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Notifier.Telegram.BotToken = strings.TrimSpace(config.Notifier.Telegram.BotToken)
	config.Notifier.Telegram.ChatID = strings.TrimSpace(config.Notifier.Telegram.ChatID)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		config.Notifier.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		config.Notifier.Telegram.ChatID = v
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

// EnabledExchanges lists the enabled exchange names in a stable order.
func (c *Config) EnabledExchanges() []string {
	var out []string
	if c.Exchanges.Binance.Enabled {
		out = append(out, "binance")
	}
	if c.Exchanges.Bybit.Enabled {
		out = append(out, "bybit")
	}
	if c.Exchanges.Kucoin.Enabled {
		out = append(out, "kucoin")
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}

	if len(cfg.EnabledExchanges()) == 0 {
		return fmt.Errorf("at least one exchange must be enabled")
	}

	m := cfg.Monitor
	if m.Threshold <= 0 {
		return fmt.Errorf("monitor.threshold must be greater than 0")
	}
	if m.ExitThreshold < 0 || m.ExitThreshold > m.Threshold {
		return fmt.Errorf("monitor.exit_threshold must be between 0 and monitor.threshold")
	}
	if m.MinVolume < 0 {
		return fmt.Errorf("monitor.min_volume must not be negative")
	}
	if len(m.SettlementIntervals) == 0 {
		return fmt.Errorf("monitor.settlement_intervals must not be empty")
	}
	for _, iv := range m.SettlementIntervals {
		d, err := time.ParseDuration(iv)
		if err != nil || d <= 0 {
			return fmt.Errorf("monitor.settlement_intervals entry '%s' is invalid", iv)
		}
	}
	if m.ContractRefreshInterval <= 0 {
		return fmt.Errorf("monitor.contract_refresh_interval must be greater than 0")
	}
	if m.IncrementalRefreshInterval < 0 {
		return fmt.Errorf("monitor.incremental_refresh_interval must not be negative")
	}
	if m.FundingRateCheckInterval <= 0 {
		return fmt.Errorf("monitor.funding_rate_check_interval must be greater than 0")
	}
	if m.CacheValidity <= 0 {
		return fmt.Errorf("monitor.cache_validity must be greater than 0")
	}
	if m.ContractRefreshInterval >= m.CacheValidity {
		return fmt.Errorf("monitor.contract_refresh_interval (%s) must be shorter than monitor.cache_validity (%s)", m.ContractRefreshInterval, m.CacheValidity)
	}
	if m.FetchConcurrency <= 0 {
		return fmt.Errorf("monitor.fetch_concurrency must be greater than 0")
	}
	if m.RequestTimeout <= 0 {
		return fmt.Errorf("monitor.request_timeout must be greater than 0")
	}

	if cfg.Cache.Dir == "" || cfg.Cache.SnapshotFile == "" {
		return fmt.Errorf("cache.dir and cache.snapshot_file are required")
	}
	if cfg.Cache.HistoryMaxItems < 0 {
		return fmt.Errorf("cache.history_max_items must not be negative")
	}

	if cfg.Notifier.MaxAttempts <= 0 {
		return fmt.Errorf("notifier.max_attempts must be greater than 0")
	}
	if cfg.Notifier.QueueSize <= 0 {
		return fmt.Errorf("notifier.queue_size must be greater than 0")
	}
	if cfg.Notifier.Telegram.Enabled {
		if cfg.Notifier.Telegram.BotToken == "" || cfg.Notifier.Telegram.ChatID == "" {
			return fmt.Errorf("notifier.telegram.bot_token and notifier.telegram.chat_id are required when telegram is enabled")
		}
	}

	if cfg.Tasks.Workers <= 0 {
		return fmt.Errorf("tasks.workers must be greater than 0")
	}
	if cfg.Tasks.Retention <= 0 {
		return fmt.Errorf("tasks.retention must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
