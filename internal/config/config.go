// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/jobsearch-crawler/internal/logging"
	"github.com/JakeFAU/jobsearch-crawler/internal/search"
)

// EnvPrefix is prepended to every environment override, e.g. JOBCRAWLER_SERVER_PORT.
const EnvPrefix = "JOBCRAWLER"

// DefaultPages is used when a configured page count is missing or out of range.
const DefaultPages = 5

// DefaultKeywords are searched when no keywords are configured.
var DefaultKeywords = []string{"AI自動化", "AI轉型", "數位轉型", "流程自動化", "RPA", "AI工程師"}

// ErrUnknownPreset is returned by Preset for names that are not configured.
var ErrUnknownPreset = errors.New("unknown preset")

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Auth      AuthConfig              `mapstructure:"auth"`
	Logging   logging.Config          `mapstructure:"logging"`
	Search    SearchConfig            `mapstructure:"search"`
	Crawler   CrawlerConfig           `mapstructure:"crawler"`
	HTTP      HTTPConfig              `mapstructure:"http"`
	RateLimit RateLimitConfig         `mapstructure:"rate_limit"`
	Task      TaskConfig              `mapstructure:"task"`
	TaskStore TaskStoreConfig         `mapstructure:"task_store"`
	Storage   StorageConfig           `mapstructure:"storage"`
	Database  DatabaseConfig          `mapstructure:"database"`
	PubSub    PubSubConfig            `mapstructure:"pubsub"`
	Presets   map[string]PresetConfig `mapstructure:"presets"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SearchConfig is the default crawl used by the CLI and by requests that omit fields.
type SearchConfig struct {
	BaseURL    string   `mapstructure:"base_url"`
	Keywords   []string `mapstructure:"keywords"`
	Pages      int      `mapstructure:"pages"`
	AreaCodes  []string `mapstructure:"area_codes"`
	RemoteMode string   `mapstructure:"remote_mode"`
}

// CrawlerConfig governs the fetcher and crawl executor.
type CrawlerConfig struct {
	UserAgent     string `mapstructure:"user_agent"`
	RespectRobots bool   `mapstructure:"respect_robots"`
	Parallelism   int    `mapstructure:"parallelism"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// RateLimitConfig throttles requests per upstream host.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// TaskConfig controls task execution and retention.
type TaskConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	Retention     time.Duration `mapstructure:"retention"`
	Concurrency   int           `mapstructure:"concurrency"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// InstanceID must stay stable across restarts of one replica and differ
	// between replicas sharing a task store.
	InstanceID string `mapstructure:"instance_id"`
}

// TaskStoreConfig selects where task records live.
type TaskStoreConfig struct {
	Backend   string `mapstructure:"backend"`
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StorageConfig selects where CSV artifacts are written.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem artifact backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the optional Postgres listing archive. An empty DSN disables it.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for task notifications. An empty project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// PresetConfig is a named crawl that can be submitted by name or on a schedule.
type PresetConfig struct {
	Keywords   []string `mapstructure:"keywords"`
	Pages      int      `mapstructure:"pages"`
	AreaCodes  []string `mapstructure:"area_codes"`
	RemoteMode string   `mapstructure:"remote_mode"`
	Schedule   string   `mapstructure:"schedule"`
}

// Load builds a Config from disk and environment using a fresh Viper instance.
func Load(path string) (Config, error) {
	return LoadFrom(viper.New(), path)
}

// LoadFrom reads into v, which may already carry bound CLI flags.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "local"
	}
	return host
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("search.base_url", search.DefaultEndpoint)
	v.SetDefault("search.keywords", DefaultKeywords)
	v.SetDefault("search.pages", DefaultPages)
	v.SetDefault("search.area_codes", []string{})
	v.SetDefault("search.remote_mode", string(search.RemoteNone))
	v.SetDefault("crawler.user_agent", "")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.parallelism", 1)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 2.0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("task.timeout", "10m")
	v.SetDefault("task.retention", "24h")
	v.SetDefault("task.concurrency", 2)
	v.SetDefault("task.queue_depth", 64)
	v.SetDefault("task.sweep_interval", "5m")
	v.SetDefault("task.instance_id", defaultInstanceID())
	v.SetDefault("task_store.backend", "memory")
	v.SetDefault("task_store.redis_url", "")
	v.SetDefault("task_store.key_prefix", "task:")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "exports")
	v.SetDefault("storage.local.base_dir", "data/exports")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "job_listings")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.Parallelism <= 0 {
		return errors.New("crawler.parallelism must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return errors.New("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return errors.New("http.max_retries must be >= 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return errors.New("rate_limit.rps must be > 0 when rate limiting is enabled")
	}
	if c.Task.Timeout <= 0 {
		return errors.New("task.timeout must be > 0")
	}
	if c.Task.Retention <= 0 {
		return errors.New("task.retention must be > 0")
	}
	if c.Task.Concurrency <= 0 {
		return errors.New("task.concurrency must be > 0")
	}
	if c.Task.QueueDepth <= 0 {
		return errors.New("task.queue_depth must be > 0")
	}
	if strings.TrimSpace(c.Task.InstanceID) == "" {
		return errors.New("task.instance_id is required")
	}
	switch c.TaskStore.Backend {
	case "memory":
	case "redis":
		if c.TaskStore.RedisURL == "" {
			return errors.New("task_store.redis_url must be set for the redis backend")
		}
	default:
		return fmt.Errorf("task_store.backend %q is not supported", c.TaskStore.Backend)
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return errors.New("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return errors.New("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	for _, name := range c.PresetNames() {
		if err := c.validatePreset(name); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) validatePreset(name string) error {
	p := c.Presets[name]
	if p.Schedule != "" {
		if _, err := cron.ParseStandard(p.Schedule); err != nil {
			return fmt.Errorf("presets.%s.schedule: %w", name, err)
		}
	}
	if _, err := c.Preset(name); err != nil {
		return fmt.Errorf("presets.%s: %w", name, err)
	}
	return nil
}

// SearchSpecification resolves the default search section into a validated
// Specification. An out-of-range page count falls back to DefaultPages and is
// reported as a warning instead of an error.
func (c Config) SearchSpecification() (search.Specification, []string, error) {
	var warnings []string
	pages := c.Search.Pages
	if pages < 1 || pages > search.MaxPagesPerKeyword {
		warnings = append(warnings, fmt.Sprintf(
			"search.pages %d is outside 1..%d, using %d", pages, search.MaxPagesPerKeyword, DefaultPages))
		pages = DefaultPages
	}
	keywords := c.Search.Keywords
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	spec, err := search.New(keywords, pages, c.Search.AreaCodes, search.RemoteMode(c.Search.RemoteMode))
	if err != nil {
		return search.Specification{}, warnings, fmt.Errorf("resolve search config: %w", err)
	}
	return spec, warnings, nil
}

// Preset resolves a named preset. Missing pages fall back to search.pages.
func (c Config) Preset(name string) (search.Specification, error) {
	p, ok := c.Presets[strings.ToLower(name)]
	if !ok {
		return search.Specification{}, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}
	pages := p.Pages
	if pages == 0 {
		pages = c.Search.Pages
	}
	mode := p.RemoteMode
	if mode == "" {
		mode = c.Search.RemoteMode
	}
	spec, err := search.New(p.Keywords, pages, p.AreaCodes, search.RemoteMode(mode))
	if err != nil {
		return search.Specification{}, fmt.Errorf("resolve preset %s: %w", name, err)
	}
	return spec, nil
}

// PresetNames returns the configured preset names sorted.
func (c Config) PresetNames() []string {
	names := make([]string, 0, len(c.Presets))
	for name := range c.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HTTPTimeout is the per-request fetch timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Backoff returns the initial and maximum retry delays.
func (c Config) Backoff() (time.Duration, time.Duration) {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}
