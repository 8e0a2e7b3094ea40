package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration
type Config struct {
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Metrics struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"metrics"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Postgres struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Database string `mapstructure:"database"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"postgres"`

	LLM struct {
		BaseURL string        `mapstructure:"base_url"`
		APIKey  string        `mapstructure:"api_key"`
		Model   string        `mapstructure:"model"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"llm"`

	Registry struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"registry"`

	Pipeline struct {
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	} `mapstructure:"pipeline"`

	Ingest struct {
		RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
		Burst        int     `mapstructure:"burst"`
	} `mapstructure:"ingest"`

	Auth struct {
		Secret   string `mapstructure:"secret"`
		SkipAuth bool   `mapstructure:"skip_auth"`
	} `mapstructure:"auth"`

	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`

	Messages struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"messages"`

	Knowledge struct {
		Enabled        bool          `mapstructure:"enabled"`
		QdrantURL      string        `mapstructure:"qdrant_url"`
		Collection     string        `mapstructure:"collection"`
		EmbedURL       string        `mapstructure:"embed_url"`
		EmbedKey       string        `mapstructure:"embed_key"`
		EmbedModel     string        `mapstructure:"embed_model"`
		Timeout        time.Duration `mapstructure:"timeout"`
		ScoreThreshold float64       `mapstructure:"score_threshold"`
	} `mapstructure:"knowledge"`
}

// Load reads configuration from CONFIG_PATH (or ./config/agentd.yaml) with
// AGENTD_* environment overrides. A missing file is fine: defaults plus env
// make a runnable configuration.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/agentd.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "agentd")
	v.SetDefault("postgres.database", "agentd")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("llm.base_url", "https://api.openai.com")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 2*time.Minute)

	// The TTL must outlast the slowest pipeline stage (the completion call),
	// otherwise a live run reads as stale mid-generation.
	v.SetDefault("registry.ttl", 5*time.Minute)

	v.SetDefault("pipeline.poll_interval", 2*time.Second)
	v.SetDefault("pipeline.heartbeat_interval", 3*time.Second)

	v.SetDefault("ingest.rate_limit_rps", 1.0)
	v.SetDefault("ingest.burst", 3)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "agentd")

	v.SetDefault("messages.path", "./config/messages.yaml")

	v.SetDefault("knowledge.enabled", false)
	v.SetDefault("knowledge.qdrant_url", "http://localhost:6333")
	v.SetDefault("knowledge.collection", "help_articles")
	v.SetDefault("knowledge.embed_model", "text-embedding-3-small")
	v.SetDefault("knowledge.timeout", 5*time.Second)
	v.SetDefault("knowledge.score_threshold", 0.7)
}
