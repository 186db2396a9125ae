// Package config loads service configuration from an optional YAML file,
// a .env file and STUDDUO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. STUDDUO_RAG_TOP_K.
const EnvPrefix = "studduo"

// Config is the full service configuration.
type Config struct {
	LogLevel string   `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	RAG      RAG      `mapstructure:"rag"`
	Embedder Embedder `mapstructure:"embedder"`
	Index    Index    `mapstructure:"index"`
	History  History  `mapstructure:"history"`
	Breaker  Breaker  `mapstructure:"breaker"`
	Server   Server   `mapstructure:"server"`
	NATS     NATS     `mapstructure:"nats"`
}

// RAG holds the retrieval engine tunables.
type RAG struct {
	CacheCapacity   int           `mapstructure:"cache_capacity" validate:"gte=1"`
	CachePolicy     string        `mapstructure:"cache_policy" validate:"oneof=fifo lru"`
	TopK            int           `mapstructure:"top_k" validate:"gte=1,lte=100"`
	CharBudget      int           `mapstructure:"char_budget" validate:"gte=0"`
	MaxHistoryTurns int           `mapstructure:"max_history_turns" validate:"gte=0"`
	MaxTurnRunes    int           `mapstructure:"max_turn_runes" validate:"gte=0"`
	DedupWindow     int           `mapstructure:"dedup_window" validate:"gte=0"`
	SearchTimeout   time.Duration `mapstructure:"search_timeout" validate:"gt=0"`
	EmbedTimeout    time.Duration `mapstructure:"embed_timeout" validate:"gt=0"`
	PromptStyle     string        `mapstructure:"prompt_style"`
}

// Embedder selects the embedding provider.
type Embedder struct {
	Provider      string  `mapstructure:"provider" validate:"oneof=ollama openai"`
	OllamaURL     string  `mapstructure:"ollama_url" validate:"required_if=Provider ollama"`
	Model         string  `mapstructure:"model" validate:"required"`
	OpenAIBaseURL string  `mapstructure:"openai_base_url"`
	OpenAIAPIKey  string  `mapstructure:"openai_api_key"`
	Dimensions    int     `mapstructure:"dimensions" validate:"gte=0"`
	RatePerSec    float64 `mapstructure:"rate_per_sec" validate:"gte=0"`
	Burst         int     `mapstructure:"burst" validate:"gte=0"`
}

// Index selects the vector index backend.
type Index struct {
	Backend     string `mapstructure:"backend" validate:"oneof=qdrant pgvector memory"`
	QdrantAddr  string `mapstructure:"qdrant_addr" validate:"required_if=Backend qdrant"`
	Collection  string `mapstructure:"collection" validate:"required"`
	Dimensions  int    `mapstructure:"dimensions" validate:"gte=1"`
	PostgresDSN string `mapstructure:"postgres_dsn" validate:"required_if=Backend pgvector"`
}

// History selects the conversation history backend.
type History struct {
	Backend       string `mapstructure:"backend" validate:"oneof=sqlite neo4j none"`
	SQLitePath    string `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	Neo4jURL      string `mapstructure:"neo4j_url" validate:"required_if=Backend neo4j"`
	Neo4jUser     string `mapstructure:"neo4j_user"`
	Neo4jPass     string `mapstructure:"neo4j_pass"`
	Neo4jDatabase string `mapstructure:"neo4j_database"` // empty: server default
}

// Breaker configures the circuit breaker around index searches.
type Breaker struct {
	FailThreshold int           `mapstructure:"fail_threshold" validate:"gte=1"`
	OpenTimeout   time.Duration `mapstructure:"open_timeout" validate:"gt=0"`
}

// Server configures the HTTP shell.
type Server struct {
	Port        string  `mapstructure:"port" validate:"required"`
	CORSOrigin  string  `mapstructure:"cors_origin"`
	MetricsPort string  `mapstructure:"metrics_port"`
	RatePerSec  float64 `mapstructure:"rate_per_sec" validate:"gte=0"`
	RateBurst   int     `mapstructure:"rate_burst" validate:"gte=0"`
}

// NATS configures the worker transport.
type NATS struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" validate:"required"`
}

var defaults = map[string]any{
	"log_level": "info",

	"rag.cache_capacity":    1000,
	"rag.cache_policy":      "fifo",
	"rag.top_k":             5,
	"rag.char_budget":       12000,
	"rag.max_history_turns": 8,
	"rag.max_turn_runes":    0,
	"rag.dedup_window":      1,
	"rag.search_timeout":    5 * time.Second,
	"rag.embed_timeout":     15 * time.Second,
	"rag.prompt_style":      "explanation",

	"embedder.provider":        "ollama",
	"embedder.ollama_url":      "http://localhost:11434",
	"embedder.model":           "nomic-embed-text",
	"embedder.openai_base_url": "",
	"embedder.openai_api_key":  "",
	"embedder.dimensions":      0,
	"embedder.rate_per_sec":    0.0,
	"embedder.burst":           1,

	"index.backend":      "qdrant",
	"index.qdrant_addr":  "localhost:6334",
	"index.collection":   "notegpt_documents",
	"index.dimensions":   768,
	"index.postgres_dsn": "",

	"history.backend":        "sqlite",
	"history.sqlite_path":    "data/history.db",
	"history.neo4j_url":      "",
	"history.neo4j_user":     "neo4j",
	"history.neo4j_pass":     "",
	"history.neo4j_database": "",

	"breaker.fail_threshold": 5,
	"breaker.open_timeout":   30 * time.Second,

	"server.port":         "8080",
	"server.cors_origin":  "*",
	"server.metrics_port": "",
	"server.rate_per_sec": 0.0,
	"server.rate_burst":   20,

	"nats.url":            "",
	"nats.subject_prefix": "studduo",
}

// Default returns the configuration with every default applied.
func Default() Config {
	cfg, err := load(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return cfg
}

// Load reads path (optional; a missing file yields defaults), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	cfg, err := load(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: validate: %w", err)
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog.Level.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
