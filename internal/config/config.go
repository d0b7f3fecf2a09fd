package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all configuration for Quarry
type Config struct {
	LLM       LLMConfig       `json:"llm"`
	Embedding EmbeddingConfig `json:"embedding"`
	Database  DatabaseConfig  `json:"database"`
	Server    ServerConfig    `json:"server"`
	Engine    EngineConfig    `json:"engine"`
}

// LLMConfig holds LLM API configuration (vLLM/LiteLLM)
type LLMConfig struct {
	URL         string  `json:"url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// EmbeddingConfig holds embedding API configuration
type EmbeddingConfig struct {
	URL        string `json:"url"`
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`      // e.g., "text-embedding-3-small"
	Dimensions int    `json:"dimensions"` // e.g., 1536 for text-embedding-3-small
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	PostgresURL string `json:"postgres_url"`
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"` // Allowed CORS origins
}

// EngineConfig holds the reasoning loop budgets and rendering limits.
// These are process-wide and immutable after startup.
type EngineConfig struct {
	MaxIterations           int  `json:"max_iterations"`
	MaxSubqueriesPerIter    int  `json:"max_subqueries_per_iter"`
	MaxTotalSubqueries      int  `json:"max_total_subqueries"`
	MaxExpansions           int  `json:"max_expansions"`
	StagnationThreshold     int  `json:"stagnation_threshold"`
	MatchChunksPerQuery     int  `json:"match_chunks_per_query"`
	MatchChunksMergedCap    int  `json:"match_chunks_merged_cap"`
	MatchLinksPerQuery      int  `json:"match_links_per_query"`
	CandidateLinksMax       int  `json:"candidate_links_max"`
	FinalAnswerChunksCap    int  `json:"final_answer_chunks_cap"`
	QuoteSnippetMaxChars    int  `json:"quote_snippet_max_chars"`
	PageContextChars        int  `json:"page_context_chars"`
	LastMessagesCount       int  `json:"last_messages_count"`
	IncludeFillStatusBySlot bool `json:"include_fill_status_by_slot"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			URL:         "http://localhost:8000/v1",
			APIKey:      "",
			Model:       "Qwen/Qwen3-8B-AWQ",
			MaxTokens:   4096,
			Temperature: 0.2,
		},
		Embedding: EmbeddingConfig{
			URL:        "http://localhost:11434/v1",
			APIKey:     "",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},
		Database: DatabaseConfig{
			PostgresURL: "",
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"}, // Default development origin
		},
		Engine: EngineConfig{
			MaxIterations:           6,
			MaxSubqueriesPerIter:    30,
			MaxTotalSubqueries:      60,
			MaxExpansions:           2,
			StagnationThreshold:     0,
			MatchChunksPerQuery:     12,
			MatchChunksMergedCap:    45,
			MatchLinksPerQuery:      12,
			CandidateLinksMax:       10,
			FinalAnswerChunksCap:    40,
			QuoteSnippetMaxChars:    280,
			PageContextChars:        350,
			LastMessagesCount:       10,
			IncludeFillStatusBySlot: true,
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envBool loads a boolean environment variable into the target pointer if set and valid
func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPath()
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse config file %s: %v\n", configPath, err)
		}
	}

	// Load LLM configuration from environment
	envString("QUARRY_LLM_URL", &cfg.LLM.URL)
	envString("QUARRY_LLM_API_KEY", &cfg.LLM.APIKey)
	envString("QUARRY_LLM_MODEL", &cfg.LLM.Model)
	envInt("QUARRY_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	envFloat("QUARRY_LLM_TEMPERATURE", &cfg.LLM.Temperature)

	// Load Embedding configuration from environment
	envString("QUARRY_EMBEDDING_URL", &cfg.Embedding.URL)
	envString("QUARRY_EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	envString("QUARRY_EMBEDDING_MODEL", &cfg.Embedding.Model)
	envInt("QUARRY_EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)

	// Load Database configuration from environment
	envString("QUARRY_POSTGRES_URL", &cfg.Database.PostgresURL)

	// Load Server configuration from environment
	envString("QUARRY_SERVER_HOST", &cfg.Server.Host)
	envInt("QUARRY_SERVER_PORT", &cfg.Server.Port)
	envStringSlice("QUARRY_CORS_ORIGINS", &cfg.Server.CORSOrigins)

	// Load Engine configuration from environment
	envInt("QUARRY_MAX_ITERATIONS", &cfg.Engine.MaxIterations)
	envInt("QUARRY_MAX_SUBQUERIES_PER_ITER", &cfg.Engine.MaxSubqueriesPerIter)
	envInt("QUARRY_MAX_TOTAL_SUBQUERIES", &cfg.Engine.MaxTotalSubqueries)
	envInt("QUARRY_MAX_EXPANSIONS", &cfg.Engine.MaxExpansions)
	envInt("QUARRY_STAGNATION_THRESHOLD", &cfg.Engine.StagnationThreshold)
	envInt("QUARRY_MATCH_CHUNKS_PER_QUERY", &cfg.Engine.MatchChunksPerQuery)
	envInt("QUARRY_MATCH_CHUNKS_MERGED_CAP", &cfg.Engine.MatchChunksMergedCap)
	envInt("QUARRY_MATCH_LINKS_PER_QUERY", &cfg.Engine.MatchLinksPerQuery)
	envInt("QUARRY_CANDIDATE_LINKS_MAX", &cfg.Engine.CandidateLinksMax)
	envInt("QUARRY_FINAL_ANSWER_CHUNKS_CAP", &cfg.Engine.FinalAnswerChunksCap)
	envInt("QUARRY_QUOTE_SNIPPET_MAX_CHARS", &cfg.Engine.QuoteSnippetMaxChars)
	envInt("QUARRY_PAGE_CONTEXT_CHARS", &cfg.Engine.PageContextChars)
	envInt("QUARRY_LAST_MESSAGES_COUNT", &cfg.Engine.LastMessagesCount)
	envBool("QUARRY_INCLUDE_FILL_STATUS_BY_SLOT", &cfg.Engine.IncludeFillStatusBySlot)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsEmbeddingConfigured returns true if embedding service is configured
func (c *Config) IsEmbeddingConfigured() bool {
	return c.Embedding.URL != ""
}

// isValidURL validates that a URL has proper format
func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks that the configuration has valid values
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	// LLM validation
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "LLM temperature must be between 0 and 2")
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, "LLM max_tokens must be positive")
	}
	if c.LLM.URL == "" {
		errs = append(errs, "LLM URL is required")
	} else if !isValidURL(c.LLM.URL) {
		errs = append(errs, "LLM URL must be a valid URL")
	}

	// Database validation
	if c.Database.PostgresURL != "" && !isValidURL(c.Database.PostgresURL) {
		errs = append(errs, "PostgreSQL URL must be a valid URL")
	}

	// Embedding validation (optional but validate if set)
	if c.Embedding.URL != "" {
		if !isValidURL(c.Embedding.URL) {
			errs = append(errs, "Embedding URL must be a valid URL")
		}
		if c.Embedding.Dimensions < 1 {
			errs = append(errs, "Embedding dimensions must be positive when URL is set")
		}
	}

	// Engine validation
	if c.Engine.MaxIterations < 1 {
		errs = append(errs, "engine max_iterations must be at least 1")
	}
	if c.Engine.MaxSubqueriesPerIter < 1 {
		errs = append(errs, "engine max_subqueries_per_iter must be at least 1")
	}
	if c.Engine.MaxTotalSubqueries < c.Engine.MaxSubqueriesPerIter {
		errs = append(errs, "engine max_total_subqueries must be >= max_subqueries_per_iter")
	}
	if c.Engine.MaxExpansions < 0 {
		errs = append(errs, "engine max_expansions must not be negative")
	}
	if c.Engine.MatchChunksPerQuery < 1 {
		errs = append(errs, "engine match_chunks_per_query must be at least 1")
	}
	if c.Engine.MatchChunksMergedCap < 1 {
		errs = append(errs, "engine match_chunks_merged_cap must be at least 1")
	}
	if c.Engine.FinalAnswerChunksCap < 1 {
		errs = append(errs, "engine final_answer_chunks_cap must be at least 1")
	}
	if c.Engine.QuoteSnippetMaxChars < 1 {
		errs = append(errs, "engine quote_snippet_max_chars must be at least 1")
	}
	if c.Engine.PageContextChars < 0 {
		errs = append(errs, "engine page_context_chars must not be negative")
	}
	if c.Engine.LastMessagesCount < 0 {
		errs = append(errs, "engine last_messages_count must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// getConfigPath returns the path to the config file
func getConfigPath() string {
	if path := os.Getenv("QUARRY_CONFIG"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}

	// Check ~/.config/quarry/config.json first
	configDir := filepath.Join(homeDir, ".config", "quarry")
	configPath := filepath.Join(configDir, "config.json")
	if _, err := os.Stat(configPath); err == nil {
		return configPath
	}

	// Check ~/.quarry/config.json
	altPath := filepath.Join(homeDir, ".quarry", "config.json")
	if _, err := os.Stat(altPath); err == nil {
		return altPath
	}

	return configPath
}
