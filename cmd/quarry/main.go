package main

import (
	"fmt"
	"os"

	"github.com/longregen/quarry/internal/config"
	"github.com/longregen/quarry/internal/llm"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quarry",
		Short: "Quarry - evidence-first question answering over indexed pages",
		Long: `Quarry answers natural-language questions over previously indexed web
pages. Every claim in an answer is backed by a quoted passage from the
corpus. This CLI manages conversations and runs the reasoning engine.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			llmClient = llm.NewClient(
				cfg.LLM.URL,
				cfg.LLM.APIKey,
				cfg.LLM.Model,
				cfg.LLM.MaxTokens,
				cfg.LLM.Temperature,
			)

			return nil
		},
	}

	rootCmd.AddCommand(
		askCmd(),
		newCmd(),
		listCmd(),
		showCmd(),
		deleteCmd(),
		configCmd(),
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("LLM:")
			fmt.Printf("  URL:         %s\n", cfg.LLM.URL)
			fmt.Printf("  Model:       %s\n", cfg.LLM.Model)
			fmt.Printf("  Max Tokens:  %d\n", cfg.LLM.MaxTokens)
			fmt.Printf("  Temperature: %.2f\n", cfg.LLM.Temperature)
			fmt.Printf("  API Key:     %s\n", maskSecret(cfg.LLM.APIKey))
			fmt.Println()

			fmt.Println("Embedding:")
			fmt.Printf("  URL:        %s\n", cfg.Embedding.URL)
			fmt.Printf("  Model:      %s\n", cfg.Embedding.Model)
			fmt.Printf("  Dimensions: %d\n", cfg.Embedding.Dimensions)
			fmt.Printf("  API Key:    %s\n", maskSecret(cfg.Embedding.APIKey))
			fmt.Printf("  Status:     %s\n", boolStatus(cfg.IsEmbeddingConfigured()))
			fmt.Println()

			fmt.Println("Database:")
			fmt.Printf("  PostgreSQL: %s\n", maskSecret(cfg.Database.PostgresURL))
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  Host:         %s\n", cfg.Server.Host)
			fmt.Printf("  Port:         %d\n", cfg.Server.Port)
			fmt.Printf("  CORS Origins: %v\n", cfg.Server.CORSOrigins)
			fmt.Println()

			fmt.Println("Engine:")
			fmt.Printf("  Max Iterations:          %d\n", cfg.Engine.MaxIterations)
			fmt.Printf("  Subqueries/Iteration:    %d\n", cfg.Engine.MaxSubqueriesPerIter)
			fmt.Printf("  Total Subquery Budget:   %d\n", cfg.Engine.MaxTotalSubqueries)
			fmt.Printf("  Max Expansions:          %d\n", cfg.Engine.MaxExpansions)
			fmt.Printf("  Chunks/Query:            %d\n", cfg.Engine.MatchChunksPerQuery)
			fmt.Printf("  Merged Chunk Cap:        %d\n", cfg.Engine.MatchChunksMergedCap)
			fmt.Printf("  Final Answer Chunk Cap:  %d\n", cfg.Engine.FinalAnswerChunksCap)
			fmt.Printf("  Quote Snippet Max Chars: %d\n", cfg.Engine.QuoteSnippetMaxChars)
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  QUARRY_LLM_URL, QUARRY_LLM_API_KEY, QUARRY_LLM_MODEL")
			fmt.Println("  QUARRY_EMBEDDING_URL, QUARRY_EMBEDDING_API_KEY, QUARRY_EMBEDDING_MODEL")
			fmt.Println("  QUARRY_POSTGRES_URL")
			fmt.Println("  QUARRY_SERVER_HOST, QUARRY_SERVER_PORT, QUARRY_CORS_ORIGINS")
			fmt.Println("  QUARRY_MAX_ITERATIONS, QUARRY_MAX_TOTAL_SUBQUERIES, QUARRY_MAX_EXPANSIONS")

			return nil
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Quarry %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
