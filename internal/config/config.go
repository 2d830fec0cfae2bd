package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Tiers     TierConfig       `json:"tiers"`
	Database  DatabaseConfig   `json:"database"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Cache     CacheConfig      `json:"cache"`
	Routing   RoutingConfig    `json:"routing"`
	Pipeline  PipelineConfig   `json:"pipeline"`
	Debate    DebateConfig     `json:"debate"`
	Approval  ApprovalConfig   `json:"approval"`
	Ledger    LedgerConfig     `json:"ledger"`
	Notify    NotifyConfig     `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"` // openai | anthropic
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// TierConfig binds computation tiers to provider IDs.
type TierConfig struct {
	Local          TierBinding `json:"local"`
	Cloud          TierBinding `json:"cloud"`
	RetryTransient int         `json:"retry_transient"`
}

type TierBinding struct {
	ProviderID string   `json:"provider_id"`
	Model      string   `json:"model"`
	Fallbacks  []string `json:"fallbacks,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type CacheConfig struct {
	// Threshold is the minimum cosine similarity for a cache hit.
	Threshold  float64 `json:"threshold"`
	Collection string  `json:"collection"`
}

type RoutingConfig struct {
	// ConfidenceThreshold below which the model classifier defaults to LOCAL.
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	// StickyOverlap is the minimum keyword overlap to keep the sticky target.
	StickyOverlap float64 `json:"sticky_overlap"`
	// StickyDecay is how many consecutive low-overlap turns break stickiness.
	StickyDecay int `json:"sticky_decay"`
}

type PipelineConfig struct {
	MaxToolSteps       int `json:"max_tool_steps"`
	MaxValidateRetries int `json:"max_validate_retries"`
	MaxCriticRounds    int `json:"max_critic_rounds"`
}

type DebateConfig struct {
	MaxRounds      int  `json:"max_rounds"`
	AutoOnEscalate bool `json:"auto_on_escalate"`
}

type ApprovalConfig struct {
	Timeout Duration `json:"timeout"`
}

// LedgerConfig is the cloud tier's pricing in USD per million tokens.
// The local tier always records zero cost.
type LedgerConfig struct {
	CloudInputPerMTok  float64 `json:"cloud_input_per_mtok"`
	CloudOutputPerMTok float64 `json:"cloud_output_per_mtok"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

// Duration is a time.Duration that unmarshals from JSON strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, and fills unset tunables with their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued tunables. The similarity threshold and
// the debate round cap are deployment-tunable; the round cap is clamped
// again by the debate coordinator so it can never be unbounded.
func (c *Config) ApplyDefaults() {
	if c.Cache.Threshold == 0 {
		c.Cache.Threshold = 0.95
	}
	if c.Cache.Collection == "" {
		c.Cache.Collection = "response_cache"
	}
	if c.Routing.ConfidenceThreshold == 0 {
		c.Routing.ConfidenceThreshold = 0.6
	}
	if c.Routing.StickyOverlap == 0 {
		c.Routing.StickyOverlap = 0.3
	}
	if c.Routing.StickyDecay == 0 {
		c.Routing.StickyDecay = 2
	}
	if c.Pipeline.MaxToolSteps == 0 {
		c.Pipeline.MaxToolSteps = 5
	}
	if c.Pipeline.MaxValidateRetries == 0 {
		c.Pipeline.MaxValidateRetries = 2
	}
	if c.Pipeline.MaxCriticRounds == 0 {
		c.Pipeline.MaxCriticRounds = 3
	}
	if c.Debate.MaxRounds == 0 {
		c.Debate.MaxRounds = 3
	}
	if c.Tiers.RetryTransient == 0 {
		c.Tiers.RetryTransient = 2
	}
	if c.Approval.Timeout == 0 {
		c.Approval.Timeout = Duration(5 * time.Minute)
	}
	if c.Ledger.CloudInputPerMTok == 0 {
		c.Ledger.CloudInputPerMTok = 3.0
	}
	if c.Ledger.CloudOutputPerMTok == 0 {
		c.Ledger.CloudOutputPerMTok = 15.0
	}
}
