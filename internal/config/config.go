// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the broker.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	NodeName      string              `mapstructure:"node_name"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	GRPC          GRPCConfig          `mapstructure:"grpc"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Etcd          EtcdConfig          `mapstructure:"etcd"`
	Election      ElectionConfig      `mapstructure:"election"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch"`
	Sweeper       SweeperConfig       `mapstructure:"sweeper"`
	Aging         AgingConfig         `mapstructure:"aging"`
	PriorityCache PriorityCacheConfig `mapstructure:"priority_cache"`
	Stats         StatsConfig         `mapstructure:"stats"`
	Monthly       MonthlyConfig       `mapstructure:"monthly"`
	Kudos         KudosConfig         `mapstructure:"kudos"`
	Limits        LimitsConfig        `mapstructure:"limits"`
	Filter        FilterConfig        `mapstructure:"filter"`
	IPSafety      IPSafetyConfig      `mapstructure:"ip_safety"`
	RateLimit     RateLimitConfig     `mapstructure:"ratelimit"`
	Models        []ModelConfig       `mapstructure:"models"`
	Bootstrap     BootstrapConfig     `mapstructure:"bootstrap"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	// Admins are name#id aliases promoted to moderator on startup.
	Admins []string `mapstructure:"-"`
}

type HTTPConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type EtcdConfig struct {
	// An empty endpoint list runs the node standalone with in-process coordination.
	Endpoints []string      `mapstructure:"endpoints"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Prefix    string        `mapstructure:"prefix"`
}

type ElectionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type DispatchConfig struct {
	PageSize int `mapstructure:"page_size"`
}

type SweeperConfig struct {
	Schedule       string `mapstructure:"schedule"`
	AbortLimit     int    `mapstructure:"abort_limit"`
	RaidAbortLimit int    `mapstructure:"raid_abort_limit"`
}

type AgingConfig struct {
	Schedule  string `mapstructure:"schedule"`
	Increment int64  `mapstructure:"increment"`
}

type PriorityCacheConfig struct {
	Schedule string        `mapstructure:"schedule"`
	Size     int           `mapstructure:"size"`
	TTL      time.Duration `mapstructure:"ttl"`
	LocalTTL time.Duration `mapstructure:"local_ttl"`
}

type StatsConfig struct {
	Schedule             string        `mapstructure:"schedule"`
	FulfillmentRetention time.Duration `mapstructure:"fulfillment_retention"`
	ModelRetention       time.Duration `mapstructure:"model_retention"`
}

type MonthlyConfig struct {
	Schedule       string `mapstructure:"schedule"`
	ModeratorBonus int    `mapstructure:"moderator_bonus"`
	// Grants are per-user monthly amounts keyed by name#id alias.
	Grants map[string]int `mapstructure:"grants"`
}

type KudosConfig struct {
	EvaluationThreshold float64 `mapstructure:"evaluation_threshold"`
	AnonConcurrencyPer  int     `mapstructure:"anon_concurrency_per_worker"`
}

type LimitsConfig struct {
	MaxPromptLength            int           `mapstructure:"max_prompt_length"`
	ReplacementFilter          bool          `mapstructure:"replacement_filter"`
	MaxReplacementPromptLength int           `mapstructure:"max_replacement_prompt_length"`
	WaitingPromptTTL           time.Duration `mapstructure:"waiting_prompt_ttl"`
	MaxWorkersUntrusted        int           `mapstructure:"max_workers_untrusted"`
	MaxWorkersTrusted          int           `mapstructure:"max_workers_trusted"`
	SameIPUntrusted            int           `mapstructure:"same_ip_untrusted"`
	SameIPTrusted              int           `mapstructure:"same_ip_trusted"`
	DryRunCacheTTL             time.Duration `mapstructure:"dry_run_cache_ttl"`
}

type FilterConfig struct {
	// Regex lines are "<score>:<pattern>", separated by newlines.
	Regex     string   `mapstructure:"regex"`
	Profanity []string `mapstructure:"profanity"`
}

type IPSafetyConfig struct {
	Blocklist  []string      `mapstructure:"blocklist"`
	NewIPRate  float64       `mapstructure:"new_ip_rate"`
	NewIPBurst int           `mapstructure:"new_ip_burst"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

type RateLimitConfig struct {
	PerIPRate   float64       `mapstructure:"per_ip_rate"`
	PerIPBurst  int           `mapstructure:"per_ip_burst"`
	PerKeyRate  float64       `mapstructure:"per_key_rate"`
	PerKeyBurst int           `mapstructure:"per_key_burst"`
	IdleTTL     time.Duration `mapstructure:"idle_ttl"`
}

type ModelConfig struct {
	Name       string  `mapstructure:"name"`
	Variant    string  `mapstructure:"variant"`
	Baseline   string  `mapstructure:"baseline"`
	Multiplier float64 `mapstructure:"multiplier"`
	NSFW       bool    `mapstructure:"nsfw"`
}

type BootstrapConfig struct {
	AdminUsername string  `mapstructure:"admin_username"`
	AdminAPIKey   string  `mapstructure:"admin_api_key"`
	AdminKudos    float64 `mapstructure:"admin_kudos"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_name", "")
	v.SetDefault("admins", "")

	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.listen_addr", ":9090")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=horde password=horde dbname=horde port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("etcd.endpoints", []string{})
	v.SetDefault("etcd.timeout", "5s")
	v.SetDefault("etcd.prefix", "/horde")

	v.SetDefault("election.ttl", "10s")
	v.SetDefault("election.retry_interval", "5s")

	v.SetDefault("dispatch.page_size", 3)

	v.SetDefault("sweeper.schedule", "@every 60s")
	v.SetDefault("sweeper.abort_limit", 20)
	v.SetDefault("sweeper.raid_abort_limit", 10)

	v.SetDefault("aging.schedule", "@every 10s")
	v.SetDefault("aging.increment", 50)

	v.SetDefault("priority_cache.schedule", "@every 1s")
	v.SetDefault("priority_cache.size", 50)
	v.SetDefault("priority_cache.ttl", "5s")
	v.SetDefault("priority_cache.local_ttl", "1s")

	v.SetDefault("stats.schedule", "@every 60s")
	v.SetDefault("stats.fulfillment_retention", "60s")
	v.SetDefault("stats.model_retention", "1h")

	v.SetDefault("monthly.schedule", "@every 1h")
	v.SetDefault("monthly.moderator_bonus", 100000)

	v.SetDefault("kudos.evaluation_threshold", 50000)
	v.SetDefault("kudos.anon_concurrency_per_worker", 4)

	v.SetDefault("limits.max_prompt_length", 30000)
	v.SetDefault("limits.replacement_filter", true)
	v.SetDefault("limits.max_replacement_prompt_length", 7000)
	v.SetDefault("limits.waiting_prompt_ttl", "1200s")
	v.SetDefault("limits.max_workers_untrusted", 3)
	v.SetDefault("limits.max_workers_trusted", 20)
	v.SetDefault("limits.same_ip_untrusted", 3)
	v.SetDefault("limits.same_ip_trusted", 20)
	v.SetDefault("limits.dry_run_cache_ttl", "5m")

	v.SetDefault("filter.regex", "")
	v.SetDefault("filter.profanity", []string{})

	v.SetDefault("ip_safety.blocklist", []string{})
	v.SetDefault("ip_safety.new_ip_rate", 10)
	v.SetDefault("ip_safety.new_ip_burst", 20)
	v.SetDefault("ip_safety.cache_ttl", "6h")

	v.SetDefault("ratelimit.per_ip_rate", 20)
	v.SetDefault("ratelimit.per_ip_burst", 40)
	v.SetDefault("ratelimit.per_key_rate", 10)
	v.SetDefault("ratelimit.per_key_burst", 20)
	v.SetDefault("ratelimit.idle_ttl", "10m")

	v.SetDefault("bootstrap.admin_username", "")
	v.SetDefault("bootstrap.admin_api_key", "")
	v.SetDefault("bootstrap.admin_kudos", 0)

	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.service_name", "inference-horde")
}

// BindFlags registers the flags shared by the binaries.
func BindFlags(fs *pflag.FlagSet) *string {
	return fs.String("config", "", "path to an explicit config file")
}

// Load loads configuration from file and environment variables.
// An empty path searches ./configs and the working directory for config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// HORDE_DATABASE_DSN, HORDE_ETCD_ENDPOINTS, HORDE_FILTER_REGEX, HORDE_ADMINS ...
	v.SetEnvPrefix("HORDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// 没有配置文件时只依赖默认值和环境变量
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	admins, err := parseAdmins(v.Get("admins"))
	if err != nil {
		return nil, err
	}
	cfg.Admins = admins

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseAdmins accepts either a YAML list or the JSON array form used in the environment.
func parseAdmins(raw any) ([]string, error) {
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	case []string:
		return val, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, nil
		}
		var out []string
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return nil, fmt.Errorf("admins must be a JSON array of name#id aliases: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported admins value of type %T", raw)
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Dispatch.PageSize <= 0 {
		return fmt.Errorf("dispatch.page_size must be positive")
	}
	if c.PriorityCache.Size <= 0 {
		return fmt.Errorf("priority_cache.size must be positive")
	}
	for _, m := range c.Models {
		switch m.Variant {
		case "image", "text", "interrogation":
		default:
			return fmt.Errorf("model %q has unknown variant %q", m.Name, m.Variant)
		}
	}
	return nil
}

// Standalone reports whether the node runs without etcd.
func (c *Config) Standalone() bool {
	return len(c.Etcd.Endpoints) == 0
}
