// Package config provides configuration management for coderag.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. CODERAG_OLLAMA_URL.
const EnvPrefix = "CODERAG"

// Config holds all configuration for coderag.
type Config struct {
	DataDir   string         `mapstructure:"data_dir" yaml:"data_dir"`
	DBPath    string         `mapstructure:"db_path" yaml:"db_path"`
	LogLevel  string         `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string         `mapstructure:"log_format" yaml:"log_format"`
	Ollama    OllamaConfig   `mapstructure:"ollama" yaml:"ollama"`
	Embedder  EmbedderConfig `mapstructure:"embedder" yaml:"embedder"`
	Index     IndexConfig    `mapstructure:"index" yaml:"index"`
	Query     QueryConfig    `mapstructure:"query" yaml:"query"`
}

// OllamaConfig holds the Ollama backend settings.
type OllamaConfig struct {
	URL        string        `mapstructure:"url" yaml:"url"`
	EmbedModel string        `mapstructure:"embed_model" yaml:"embed_model"`
	ChatModel  string        `mapstructure:"chat_model" yaml:"chat_model"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// EmbedderConfig selects the embedding implementation.
type EmbedderConfig struct {
	// Provider is "ollama" or "hash".
	Provider  string `mapstructure:"provider" yaml:"provider"`
	Dimension int    `mapstructure:"dimension" yaml:"dimension"`
	CacheSize int    `mapstructure:"cache_size" yaml:"cache_size"`
}

// IndexConfig holds indexing configuration.
type IndexConfig struct {
	BatchSize    int      `mapstructure:"batch_size" yaml:"batch_size"`
	MaxFileBytes int      `mapstructure:"max_file_bytes" yaml:"max_file_bytes"`
	WindowLines  int      `mapstructure:"window_lines" yaml:"window_lines"`
	Ignore       []string `mapstructure:"ignore" yaml:"ignore"`
}

// QueryConfig holds retrieval defaults.
type QueryConfig struct {
	TopK int `mapstructure:"top_k" yaml:"top_k"`
}

// Default returns a Config with default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".coderag")

	return &Config{
		DataDir:   dataDir,
		DBPath:    filepath.Join(dataDir, "index.db"),
		LogLevel:  "info",
		LogFormat: "text",
		Ollama: OllamaConfig{
			URL:        "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			ChatModel:  "qwen3:8b",
			Timeout:    5 * time.Minute,
		},
		Embedder: EmbedderConfig{
			Provider:  "ollama",
			Dimension: 256,
			CacheSize: 4096,
		},
		Index: IndexConfig{
			BatchSize:    32,
			MaxFileBytes: 1 << 20,
			WindowLines:  40,
		},
		Query: QueryConfig{TopK: 5},
	}
}

// DefaultPath returns ~/.coderag/config.yaml.
func DefaultPath() string {
	return filepath.Join(Default().DataDir, "config.yaml")
}

// Load reads configuration from path (or the default location when path is
// empty and the file exists), then applies CODERAG_* environment overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
			if explicit {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "index.db")
	}
	return cfg, cfg.Validate()
}

// Save writes the config as YAML, creating directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch c.Embedder.Provider {
	case "ollama", "hash":
	default:
		return fmt.Errorf("embedder.provider must be ollama or hash, got %q", c.Embedder.Provider)
	}
	if c.Index.BatchSize <= 0 {
		return fmt.Errorf("index.batch_size must be positive, got %d", c.Index.BatchSize)
	}
	if c.Index.WindowLines <= 0 {
		return fmt.Errorf("index.window_lines must be positive, got %d", c.Index.WindowLines)
	}
	if c.Query.TopK < 1 || c.Query.TopK > 20 {
		return fmt.Errorf("query.top_k must be within 1..20, got %d", c.Query.TopK)
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("ollama.url", d.Ollama.URL)
	v.SetDefault("ollama.embed_model", d.Ollama.EmbedModel)
	v.SetDefault("ollama.chat_model", d.Ollama.ChatModel)
	v.SetDefault("ollama.timeout", d.Ollama.Timeout)
	v.SetDefault("embedder.provider", d.Embedder.Provider)
	v.SetDefault("embedder.dimension", d.Embedder.Dimension)
	v.SetDefault("embedder.cache_size", d.Embedder.CacheSize)
	v.SetDefault("index.batch_size", d.Index.BatchSize)
	v.SetDefault("index.max_file_bytes", d.Index.MaxFileBytes)
	v.SetDefault("index.window_lines", d.Index.WindowLines)
	v.SetDefault("index.ignore", d.Index.Ignore)
	v.SetDefault("query.top_k", d.Query.TopK)
}
