// Package config loads service configuration: built-in defaults, an
// optional YAML file, then NEWSMOSAIC_* environment overrides, in that
// order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const configPathEnv = "NEWSMOSAIC_CONFIG"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Search   SearchConfig   `yaml:"search"`
	LLM      LLMConfig      `yaml:"llm"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Dialogue DialogueConfig `yaml:"dialogue"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	APIToken    string   `yaml:"apiToken"`
	CORSOrigins []string `yaml:"corsOrigins"`
}

// SearchConfig wires the news search provider (SerpAPI-compatible).
type SearchConfig struct {
	APIKey      string `yaml:"apiKey"`
	BaseURL     string `yaml:"baseUrl"`
	Concurrency int    `yaml:"concurrency"`
	// RatePerMinute is the provider's stated request ceiling.
	RatePerMinute int `yaml:"ratePerMinute"`
}

// LLMConfig wires the chat-completion and embedding provider. The default
// base URL is the DashScope OpenAI-compatible endpoint.
type LLMConfig struct {
	APIKey          string `yaml:"apiKey"`
	EmbedAPIKey     string `yaml:"embedApiKey"`
	BaseURL         string `yaml:"baseUrl"`
	ChatModel       string `yaml:"chatModel"`
	EmbedModel      string `yaml:"embedModel"`
	EmbedDimensions int    `yaml:"embedDimensions"`
	Concurrency     int    `yaml:"concurrency"`
}

type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
}

type PipelineConfig struct {
	DeadlineSeconds  int `yaml:"deadlineSeconds"`
	RunRetentionDays int `yaml:"runRetentionDays"`
}

type DialogueConfig struct {
	TurnDeadlineSeconds int `yaml:"turnDeadlineSeconds"`
	// ContextWindowTokens is the model context window the history budget
	// is computed against.
	ContextWindowTokens int `yaml:"contextWindowTokens"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Search: SearchConfig{
			BaseURL:       "https://serpapi.com/search.json",
			Concurrency:   4,
			RatePerMinute: 60,
		},
		LLM: LLMConfig{
			BaseURL:         "https://dashscope.aliyuncs.com/compatible-mode/v1",
			ChatModel:       "qwen-plus",
			EmbedModel:      "text-embedding-v2",
			EmbedDimensions: 1536,
			Concurrency:     8,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Pipeline: PipelineConfig{
			DeadlineSeconds:  300,
			RunRetentionDays: 7,
		},
		Dialogue: DialogueConfig{
			TurnDeadlineSeconds: 120,
			ContextWindowTokens: 32768,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "newsmosaic")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "newsmosaic")
}

// Load reads configuration from defaults, the YAML file (NEWSMOSAIC_CONFIG
// or $XDG_CONFIG_HOME/newsmosaic/config.yaml if present), and environment
// overrides. The search and LLM API keys are required.
func Load() (Config, error) {
	cfg := defaults()

	path := configFilePath()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Search.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: search API key (NEWSMOSAIC_SEARCH_API_KEY)")
	}
	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: LLM API key (NEWSMOSAIC_LLM_API_KEY)")
	}
	if cfg.LLM.EmbedAPIKey == "" {
		cfg.LLM.EmbedAPIKey = cfg.LLM.APIKey
	}

	return cfg, nil
}

func configFilePath() string {
	if path := os.Getenv(configPathEnv); path != "" {
		return path
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "newsmosaic", "config.yaml")
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.APIToken, "NEWSMOSAIC_API_TOKEN")
	setInt(&cfg.Server.Port, "NEWSMOSAIC_PORT")
	if v := os.Getenv("NEWSMOSAIC_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}

	setString(&cfg.Search.APIKey, "NEWSMOSAIC_SEARCH_API_KEY")
	setString(&cfg.Search.BaseURL, "NEWSMOSAIC_SEARCH_BASE_URL")
	setInt(&cfg.Search.Concurrency, "NEWSMOSAIC_SEARCH_CONCURRENCY")
	setInt(&cfg.Search.RatePerMinute, "NEWSMOSAIC_SEARCH_RATE_PER_MINUTE")

	setString(&cfg.LLM.APIKey, "NEWSMOSAIC_LLM_API_KEY")
	setString(&cfg.LLM.EmbedAPIKey, "NEWSMOSAIC_EMBED_API_KEY")
	setString(&cfg.LLM.BaseURL, "NEWSMOSAIC_LLM_BASE_URL")
	setString(&cfg.LLM.ChatModel, "NEWSMOSAIC_CHAT_MODEL")
	setString(&cfg.LLM.EmbedModel, "NEWSMOSAIC_EMBED_MODEL")
	setInt(&cfg.LLM.EmbedDimensions, "NEWSMOSAIC_EMBED_DIMENSIONS")
	setInt(&cfg.LLM.Concurrency, "NEWSMOSAIC_LLM_CONCURRENCY")

	setString(&cfg.Storage.DataDir, "NEWSMOSAIC_DATA_DIR")

	setInt(&cfg.Pipeline.DeadlineSeconds, "NEWSMOSAIC_PIPELINE_DEADLINE_SECONDS")
	setInt(&cfg.Pipeline.RunRetentionDays, "NEWSMOSAIC_RUN_RETENTION_DAYS")

	setInt(&cfg.Dialogue.TurnDeadlineSeconds, "NEWSMOSAIC_TURN_DEADLINE_SECONDS")
	setInt(&cfg.Dialogue.ContextWindowTokens, "NEWSMOSAIC_CONTEXT_WINDOW_TOKENS")

	setString(&cfg.Log.Level, "NEWSMOSAIC_LOG_LEVEL")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
