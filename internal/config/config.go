package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/nidhogg/sentio/internal/alert"
	"github.com/nidhogg/sentio/internal/delivery"
	"github.com/nidhogg/sentio/internal/embedding"
	"github.com/nidhogg/sentio/internal/gateway"
	"github.com/nidhogg/sentio/internal/heartbeat"
	"github.com/nidhogg/sentio/internal/memory"
	"github.com/nidhogg/sentio/internal/mirror"
	"github.com/nidhogg/sentio/internal/orchestrator"
	"github.com/nidhogg/sentio/internal/synth"
	"github.com/nidhogg/sentio/internal/vectorstore"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Log          LogConfig          `json:"log"`
	Delivery     DeliveryConfig     `json:"delivery"`
	Memory       MemoryConfig       `json:"memory"`
	Heartbeat    HeartbeatConfig    `json:"heartbeat"`
	Maintenance  MaintenanceConfig  `json:"maintenance"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Gateway      GatewayConfig      `json:"gateway"`
	Synth        SynthConfig        `json:"synth"`
	Embedding    EmbeddingConfig    `json:"embedding"`
	Database     DatabaseConfig     `json:"database"`
	Mirror       MirrorConfig       `json:"mirror"`
	Alerts       AlertConfig        `json:"alerts"`
}

type ServerConfig struct {
	Port            int      `json:"port" env:"PORT"`
	ShutdownTimeout Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	CORSOrigins     []string `json:"cors_origins" env:"CORS_ORIGINS"`
}

type LogConfig struct {
	Level       string `json:"level" env:"LOG_LEVEL"`
	Development bool   `json:"development" env:"LOG_DEVELOPMENT"`
	// File enables a rotating log file next to stderr output.
	File       string `json:"file" env:"LOG_FILE"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

type DeliveryConfig struct {
	MaxBatchSize      int      `json:"max_batch_size" env:"MAX_BATCH_SIZE"`
	MaxBatchWait      Duration `json:"max_batch_wait" env:"MAX_BATCH_WAIT_TIME"`
	StaleBatchAge     Duration `json:"stale_batch_age"`
	MaxConnections    int      `json:"max_connections" env:"MAX_CONNECTIONS"`
	MaxIdleTime       Duration `json:"max_idle_time" env:"MAX_IDLE_TIME"`
	ConnectionTimeout Duration `json:"connection_timeout" env:"CONNECTION_TIMEOUT"`
	MaxCacheSize      int      `json:"max_cache_size" env:"MAX_CACHE_SIZE"`
	DefaultTTL        Duration `json:"default_ttl" env:"DEFAULT_CACHE_TTL"`
	StateTTL          Duration `json:"state_ttl" env:"CONSCIOUSNESS_STATE_TTL"`
	ModuleTTL         Duration `json:"module_ttl" env:"MODULE_RESPONSE_TTL"`
	UserMessageTTL    Duration `json:"user_message_ttl" env:"USER_MESSAGE_TTL"`
}

type MemoryConfig struct {
	MaxItems            int      `json:"max_items" env:"MEMORY_MAX_ITEMS"`
	ClusterThreshold    float64  `json:"cluster_threshold"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
	DefaultLimit        int      `json:"default_limit"`
	HalfLife            Duration `json:"half_life" env:"MEMORY_HALF_LIFE"`
	AccessibilityFloor  float64  `json:"accessibility_floor"`
	// RecallLimit bounds how many memories the chat module recalls.
	RecallLimit int `json:"recall_limit"`
}

type HeartbeatConfig struct {
	Fast Duration `json:"fast" env:"HEARTBEAT_FAST"`
	Slow Duration `json:"slow" env:"HEARTBEAT_SLOW"`
}

// MaintenanceConfig holds cron specs for background sweeps. An empty
// spec disables the job.
type MaintenanceConfig struct {
	Consolidate string `json:"consolidate" env:"CONSOLIDATE_SCHEDULE"`
	CacheSweep  string `json:"cache_sweep"`
	PoolSweep   string `json:"pool_sweep"`
	BatchSweep  string `json:"batch_sweep"`
}

type OrchestratorConfig struct {
	Concurrency      int      `json:"concurrency" env:"MODULE_CONCURRENCY"`
	ModuleTimeout    Duration `json:"module_timeout" env:"MODULE_TIMEOUT"`
	SynthesisTimeout Duration `json:"synthesis_timeout" env:"SYNTHESIS_TIMEOUT"`
	EntropyThreshold float64  `json:"entropy_threshold" env:"ENTROPY_THRESHOLD"`
}

type GatewayConfig struct {
	StreamMin     Duration `json:"stream_min"`
	StreamMax     Duration `json:"stream_max"`
	SendBuffer    int      `json:"send_buffer"`
	RatePerSecond float64  `json:"rate_per_second" env:"WS_RATE_PER_SECOND"`
	RateBurst     int      `json:"rate_burst" env:"WS_RATE_BURST"`
}

// SynthConfig configures the OpenAI-compatible synthesizer. Synthesis is
// disabled when APIKey is empty and every reply uses the local fallback.
type SynthConfig struct {
	Endpoint    string   `json:"endpoint" env:"OPENAI_ENDPOINT"`
	APIKey      string   `json:"api_key" env:"OPENAI_API_KEY"`
	Model       string   `json:"model" env:"OPENAI_MODEL"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	Timeout     Duration `json:"timeout"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider" env:"EMBEDDING_PROVIDER"`
	Endpoint  string `json:"endpoint" env:"EMBEDDING_ENDPOINT"`
	Model     string `json:"model" env:"EMBEDDING_MODEL"`
	APIKey    string `json:"api_key" env:"EMBEDDING_API_KEY"`
	Dimension int    `json:"dimension" env:"EMBEDDING_DIMENSION"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn" env:"POSTGRES_DSN"`
	MigrationsDir string `json:"migrations_dir"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" env:"NEO4J_URI"`
	User     string `json:"user" env:"NEO4J_USER"`
	Password string `json:"password" env:"NEO4J_PASSWORD"`
}

type QdrantConfig struct {
	Host       string `json:"host" env:"QDRANT_HOST"`
	Port       int    `json:"port" env:"QDRANT_PORT"`
	Collection string `json:"collection"`
}

type MirrorConfig struct {
	URL              string `json:"url" env:"REDIS_URL"`
	Prefix           string `json:"prefix"`
	MaxLen           int64  `json:"max_len"`
	Buffer           int    `json:"buffer"`
	IncludeHeartbeat bool   `json:"include_heartbeat"`
}

type AlertConfig struct {
	Cooldown    Duration           `json:"cooldown" env:"ALERT_COOLDOWN"`
	Timeout     Duration           `json:"timeout"`
	HistorySize int                `json:"history_size"`
	Slack       SlackAlertConfig   `json:"slack"`
	Discord     DiscordAlertConfig `json:"discord"`
}

type SlackAlertConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token" env:"SLACK_BOT_TOKEN"`
	Channel  string `json:"channel" env:"SLACK_ALERT_CHANNEL"`
}

type DiscordAlertConfig struct {
	Enabled      bool   `json:"enabled"`
	BotToken     string `json:"bot_token" env:"DISCORD_BOT_TOKEN"`
	ChannelID    string `json:"channel_id" env:"DISCORD_ALERT_CHANNEL"`
	WebhookID    string `json:"webhook_id" env:"DISCORD_WEBHOOK_ID"`
	WebhookToken string `json:"webhook_token" env:"DISCORD_WEBHOOK_TOKEN"`
}

// Default returns the stock configuration. Optional backends (postgres,
// neo4j, qdrant, redis, alert platforms) are off until configured.
func Default() Config {
	d := delivery.DefaultConfig()
	m := memory.DefaultConfig()
	h := heartbeat.DefaultConfig()
	o := orchestrator.DefaultConfig()
	g := gateway.DefaultConfig()
	mi := mirror.DefaultConfig()
	a := alert.DefaultConfig()
	return Config{
		Server: ServerConfig{Port: 3001, ShutdownTimeout: Duration(10 * time.Second), CORSOrigins: []string{"*"}},
		Log:    LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Delivery: DeliveryConfig{
			MaxBatchSize:      d.MaxBatchSize,
			MaxBatchWait:      Duration(d.MaxBatchWait),
			StaleBatchAge:     Duration(d.StaleBatchAge),
			MaxConnections:    d.MaxConnections,
			MaxIdleTime:       Duration(d.MaxIdleTime),
			ConnectionTimeout: Duration(d.ConnectionTimeout),
			MaxCacheSize:      d.MaxCacheSize,
			DefaultTTL:        Duration(d.DefaultTTL),
			StateTTL:          Duration(d.StateTTL),
			ModuleTTL:         Duration(d.ModuleTTL),
			UserMessageTTL:    Duration(d.UserMessageTTL),
		},
		Memory: MemoryConfig{
			MaxItems:            m.MaxItems,
			ClusterThreshold:    m.ClusterThreshold,
			SimilarityThreshold: m.SimilarityThreshold,
			DefaultLimit:        m.DefaultLimit,
			HalfLife:            Duration(m.HalfLife),
			AccessibilityFloor:  m.AccessibilityFloor,
			RecallLimit:         5,
		},
		Heartbeat: HeartbeatConfig{Fast: Duration(h.Fast), Slow: Duration(h.Slow)},
		Maintenance: MaintenanceConfig{
			Consolidate: "@every 1h",
			CacheSweep:  "@every 60s",
			PoolSweep:   "@every 5m",
			BatchSweep:  "@every 30s",
		},
		Orchestrator: OrchestratorConfig{
			Concurrency:      o.Concurrency,
			ModuleTimeout:    Duration(o.ModuleTimeout),
			SynthesisTimeout: Duration(o.SynthesisTimeout),
			EntropyThreshold: o.EntropyThreshold,
		},
		Gateway: GatewayConfig{
			StreamMin:     Duration(g.StreamMin),
			StreamMax:     Duration(g.StreamMax),
			SendBuffer:    g.SendBuffer,
			RatePerSecond: g.RatePerSecond,
			RateBurst:     g.RateBurst,
		},
		Synth:     SynthConfig{Endpoint: "https://api.openai.com/v1", Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 512},
		Embedding: EmbeddingConfig{Provider: "hash", Dimension: 256},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{MigrationsDir: "migrations"},
			Qdrant:   QdrantConfig{Port: 6334, Collection: "sentio_memories"},
		},
		Mirror: MirrorConfig{Prefix: mi.Prefix, MaxLen: mi.MaxLen, Buffer: mi.Buffer},
		Alerts: AlertConfig{Cooldown: Duration(a.Cooldown), Timeout: Duration(a.Timeout), HistorySize: a.HistorySize},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// LoadDotEnv loads variables from the given .env files, or ./.env when
// none are given. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, then the JSON file at path
// (if any) with ${VAR:default} substitution, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal([]byte(expand(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expand(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	case c.Heartbeat.Fast <= 0 || c.Heartbeat.Slow <= 0:
		return errors.New("heartbeat intervals must be positive")
	case c.Heartbeat.Fast > c.Heartbeat.Slow:
		return fmt.Errorf("fast heartbeat %s is slower than slow heartbeat %s", c.Heartbeat.Fast, c.Heartbeat.Slow)
	case c.Gateway.StreamMin > c.Gateway.StreamMax:
		return fmt.Errorf("stream_min %s exceeds stream_max %s", c.Gateway.StreamMin, c.Gateway.StreamMax)
	case c.Orchestrator.EntropyThreshold <= 0 || c.Orchestrator.EntropyThreshold > 1:
		return fmt.Errorf("entropy_threshold %.2f outside (0, 1]", c.Orchestrator.EntropyThreshold)
	case c.Alerts.Slack.Enabled && (c.Alerts.Slack.BotToken == "" || c.Alerts.Slack.Channel == ""):
		return errors.New("slack alerts need bot_token and channel")
	case c.Alerts.Discord.Enabled && c.Alerts.Discord.WebhookID == "" && (c.Alerts.Discord.BotToken == "" || c.Alerts.Discord.ChannelID == ""):
		return errors.New("discord alerts need a webhook or bot_token and channel_id")
	}
	return nil
}

// Address returns the listen address.
func (c *Config) Address() string { return fmt.Sprintf(":%d", c.Server.Port) }

func (c DeliveryConfig) Options() delivery.Config {
	return delivery.Config{
		MaxBatchSize:      c.MaxBatchSize,
		MaxBatchWait:      c.MaxBatchWait.D(),
		StaleBatchAge:     c.StaleBatchAge.D(),
		MaxConnections:    c.MaxConnections,
		MaxIdleTime:       c.MaxIdleTime.D(),
		ConnectionTimeout: c.ConnectionTimeout.D(),
		MaxCacheSize:      c.MaxCacheSize,
		DefaultTTL:        c.DefaultTTL.D(),
		StateTTL:          c.StateTTL.D(),
		ModuleTTL:         c.ModuleTTL.D(),
		UserMessageTTL:    c.UserMessageTTL.D(),
	}
}

func (c MemoryConfig) Options() memory.Config {
	m := memory.DefaultConfig()
	m.MaxItems = c.MaxItems
	m.ClusterThreshold = c.ClusterThreshold
	m.SimilarityThreshold = c.SimilarityThreshold
	m.DefaultLimit = c.DefaultLimit
	m.HalfLife = c.HalfLife.D()
	m.AccessibilityFloor = c.AccessibilityFloor
	return m
}

func (c HeartbeatConfig) Options() heartbeat.Config {
	return heartbeat.Config{Fast: c.Fast.D(), Slow: c.Slow.D()}
}

func (c OrchestratorConfig) Options() orchestrator.Config {
	return orchestrator.Config{
		Concurrency:      c.Concurrency,
		ModuleTimeout:    c.ModuleTimeout.D(),
		SynthesisTimeout: c.SynthesisTimeout.D(),
		EntropyThreshold: c.EntropyThreshold,
	}
}

func (c GatewayConfig) Options() gateway.Config {
	g := gateway.DefaultConfig()
	g.StreamMin = c.StreamMin.D()
	g.StreamMax = c.StreamMax.D()
	g.SendBuffer = c.SendBuffer
	g.RatePerSecond = c.RatePerSecond
	g.RateBurst = c.RateBurst
	return g
}

// Enabled reports whether an external synthesizer is configured.
func (c SynthConfig) Enabled() bool { return c.APIKey != "" }

func (c SynthConfig) Options() synth.OpenAIConfig {
	return synth.OpenAIConfig{
		Endpoint:    c.Endpoint,
		APIKey:      c.APIKey,
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		Timeout:     c.Timeout.D(),
	}
}

func (c EmbeddingConfig) Options() embedding.Config {
	return embedding.Config{
		Provider:  c.Provider,
		Endpoint:  c.Endpoint,
		Model:     c.Model,
		APIKey:    c.APIKey,
		Dimension: c.Dimension,
	}
}

func (c QdrantConfig) Options() vectorstore.QdrantConfig {
	return vectorstore.QdrantConfig{Host: c.Host, Port: c.Port, Collection: c.Collection}
}

func (c MirrorConfig) Options() mirror.Config {
	return mirror.Config{
		URL:              c.URL,
		Prefix:           c.Prefix,
		MaxLen:           c.MaxLen,
		Buffer:           c.Buffer,
		IncludeHeartbeat: c.IncludeHeartbeat,
	}
}

func (c AlertConfig) Options() alert.Config {
	a := alert.DefaultConfig()
	a.Cooldown = c.Cooldown.D()
	a.Timeout = c.Timeout.D()
	a.HistorySize = c.HistorySize
	return a
}

func (c SlackAlertConfig) Options() alert.SlackConfig {
	return alert.SlackConfig{BotToken: c.BotToken, Channel: c.Channel}
}

func (c DiscordAlertConfig) Options() alert.DiscordConfig {
	return alert.DiscordConfig{
		BotToken:     c.BotToken,
		ChannelID:    c.ChannelID,
		WebhookID:    c.WebhookID,
		WebhookToken: c.WebhookToken,
	}
}
