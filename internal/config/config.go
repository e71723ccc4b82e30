package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config 是整个进程的配置根。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Store     StoreConfig     `mapstructure:"store"`
	Watchlist WatchlistConfig `mapstructure:"watchlist"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Screen    ScreenConfig    `mapstructure:"screen"`
}

type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`
	// LogPath 非空时日志同时落盘。
	LogPath string `mapstructure:"log_path"`
}

type StoreConfig struct {
	QuotesPath  string `mapstructure:"quotes_path"`
	JournalPath string `mapstructure:"journal_path"`
}

type WatchlistConfig struct {
	Path      string `mapstructure:"path"`
	HotReload bool   `mapstructure:"hot_reload"`
}

// ProviderConfig 是单个数据源的开关与调用上限。
type ProviderConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerMin    int           `mapstructure:"rate_per_min"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

type ProvidersConfig struct {
	Sina    ProviderConfig `mapstructure:"sina"`
	Tencent ProviderConfig `mapstructure:"tencent"`
	SQLDump ProviderConfig `mapstructure:"sqldump"`
}

type IngestConfig struct {
	// RetryMax 是单分片瞬时失败的总尝试次数上限（含首次）。
	RetryMax    int           `mapstructure:"retry_max"`
	BackoffMin  time.Duration `mapstructure:"backoff_min"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	ChunkDays   int           `mapstructure:"chunk_days"`
	SymbolBatch int           `mapstructure:"symbol_batch"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type ScreenConfig struct {
	Parallel int `mapstructure:"parallel"`
	// Limit 是扫描结果的默认截断，0 表示不截断。
	Limit int `mapstructure:"limit"`
}

// Load 读取 yaml 配置，补齐缺省值并做静态校验。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path 不能为空")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败 (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Store.QuotesPath == "" {
		c.Store.QuotesPath = "data/quotes.db"
	}
	if c.Store.JournalPath == "" {
		c.Store.JournalPath = "data/journal.db"
	}
	if c.Watchlist.Path == "" {
		c.Watchlist.Path = "configs/watchlist.yaml"
	}
	for _, p := range []*ProviderConfig{&c.Providers.Sina, &c.Providers.Tencent, &c.Providers.SQLDump} {
		if p.Timeout <= 0 {
			p.Timeout = 15 * time.Second
		}
		if p.RatePerMin <= 0 {
			p.RatePerMin = 120
		}
		if p.MaxConcurrent <= 0 {
			p.MaxConcurrent = 2
		}
	}
	if c.Ingest.RetryMax <= 0 {
		c.Ingest.RetryMax = 3
	}
	if c.Ingest.BackoffMin <= 0 {
		c.Ingest.BackoffMin = 500 * time.Millisecond
	}
	if c.Ingest.BackoffMax <= 0 {
		c.Ingest.BackoffMax = 8 * time.Second
	}
	if c.Ingest.ChunkDays <= 0 {
		c.Ingest.ChunkDays = 120
	}
	if c.Ingest.SymbolBatch <= 0 {
		c.Ingest.SymbolBatch = 60
	}
	if c.Ingest.CallTimeout <= 0 {
		c.Ingest.CallTimeout = 15 * time.Second
	}
	if c.Screen.Parallel <= 0 {
		c.Screen.Parallel = 8
	}
}

func (c *Config) validate() error {
	switch c.App.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level 无效: %s", c.App.LogLevel)
	}
	if !c.Providers.Sina.Enabled && !c.Providers.Tencent.Enabled && !c.Providers.SQLDump.Enabled {
		return fmt.Errorf("至少启用一个数据源")
	}
	if c.Providers.SQLDump.Enabled && c.Providers.SQLDump.BaseURL == "" {
		return fmt.Errorf("providers.sqldump.base_url 不能为空")
	}
	if c.Ingest.BackoffMax < c.Ingest.BackoffMin {
		return fmt.Errorf("ingest.backoff_max 不能小于 backoff_min")
	}
	return nil
}
