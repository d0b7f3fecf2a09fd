package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/longregen/quarry/internal/adapters/embedding"
	"github.com/longregen/quarry/internal/adapters/http"
	"github.com/longregen/quarry/internal/adapters/http/handlers"
	"github.com/longregen/quarry/internal/adapters/id"
	"github.com/longregen/quarry/internal/adapters/postgres"
	"github.com/longregen/quarry/internal/adapters/tracing"
	"github.com/longregen/quarry/internal/application/usecases"
	"github.com/longregen/quarry/internal/llm"
	"github.com/spf13/cobra"
)

// serveCmd starts the HTTP API server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the Quarry HTTP API server.

The server exposes the reasoning engine over REST: ask a question and
receive a newline-delimited JSON progress stream, manage conversations,
and tail reasoning events live over WebSocket.

Required configuration:
  - PostgreSQL database (QUARRY_POSTGRES_URL)
  - LLM endpoint (QUARRY_LLM_URL)
  - Embedding endpoint (QUARRY_EMBEDDING_URL)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// runServer initializes and starts the HTTP API server
func runServer(ctx context.Context) error {
	log.Println("Starting Quarry API server...")
	log.Printf("  HTTP:      http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("  LLM:       %s", cfg.LLM.URL)
	log.Printf("  Embedding: %s", cfg.Embedding.URL)
	log.Println()

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracer("quarry-api")
	if err != nil {
		log.Printf("Warning: Failed to initialize tracing: %v", err)
	} else {
		defer func() {
			if err := shutdown(ctx); err != nil {
				log.Printf("Error shutting down tracer: %v", err)
			}
		}()
		log.Println("OpenTelemetry tracing initialized")
	}

	// Validate required configuration
	if cfg.Database.PostgresURL == "" {
		return fmt.Errorf("server mode requires PostgreSQL. Set QUARRY_POSTGRES_URL")
	}
	if !cfg.IsEmbeddingConfigured() {
		return fmt.Errorf("server mode requires an embedding endpoint. Set QUARRY_EMBEDDING_URL")
	}

	// Initialize database connection pool
	log.Println("Connecting to PostgreSQL...")
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.PostgresURL)
	if err != nil {
		return fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Println("Database connection established")

	// Initialize repositories
	conversationRepo := postgres.NewConversationRepository(pool)
	messageRepo := postgres.NewMessageRepository(pool)
	sourceRepo := postgres.NewSourceRepository(pool)
	pageRepo := postgres.NewPageRepository(pool)
	chunkRepo := postgres.NewChunkRepository(pool)
	linkRepo := postgres.NewLinkRepository(pool)
	slotRepo := postgres.NewSlotRepository(pool)
	reasoningRepo := postgres.NewReasoningRepository(pool)
	quoteRepo := postgres.NewQuoteRepository(pool)
	runLogRepo := postgres.NewRunLogRepository(pool)

	// Initialize ID generator and transaction manager
	idGen := id.New()
	txManager := postgres.NewTransactionManager(pool)

	// Initialize embedding client
	embeddingClient := embedding.NewClient(
		cfg.Embedding.URL,
		cfg.Embedding.APIKey,
		cfg.Embedding.Model,
		cfg.Embedding.Dimensions,
	)
	log.Println("Embedding client initialized")

	// Initialize LLM service
	llmService := llm.NewService(llmClient)
	log.Println("LLM service initialized")

	// Initialize use cases
	askUseCase := usecases.NewAnswerQuestion(
		conversationRepo,
		messageRepo,
		sourceRepo,
		pageRepo,
		chunkRepo,
		linkRepo,
		slotRepo,
		reasoningRepo,
		quoteRepo,
		runLogRepo,
		llmService,
		embeddingClient,
		txManager,
		idGen,
		engineParams(),
	)
	conversations := usecases.NewManageConversation(conversationRepo, messageRepo, quoteRepo, idGen)
	log.Println("Reasoning engine initialized")

	// Broadcaster for the live reasoning-event tail
	broadcaster := handlers.NewEventsBroadcaster()

	// Create HTTP server
	server := http.NewServer(cfg, pool, llmClient, embeddingClient, askUseCase, conversations, broadcaster)

	// Set up graceful shutdown
	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()

	// Channel to listen for errors from the server
	serverErrors := make(chan error, 1)

	// Start server in a goroutine
	go func() {
		log.Printf("HTTP server listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		serverErrors <- server.Start()
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")

		shutdownCtx, shutdownCancel := context.WithTimeout(serverCtx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		log.Println("Server stopped")
		return nil
	}
}

// engineParams maps the engine config section onto the usecase parameters.
func engineParams() usecases.EngineParams {
	return usecases.EngineParams{
		MaxIterations:           cfg.Engine.MaxIterations,
		MaxSubqueriesPerIter:    cfg.Engine.MaxSubqueriesPerIter,
		MaxTotalSubqueries:      cfg.Engine.MaxTotalSubqueries,
		MaxExpansions:           cfg.Engine.MaxExpansions,
		StagnationThreshold:     cfg.Engine.StagnationThreshold,
		MatchChunksPerQuery:     cfg.Engine.MatchChunksPerQuery,
		MatchChunksMergedCap:    cfg.Engine.MatchChunksMergedCap,
		MatchLinksPerQuery:      cfg.Engine.MatchLinksPerQuery,
		CandidateLinksMax:       cfg.Engine.CandidateLinksMax,
		FinalAnswerChunksCap:    cfg.Engine.FinalAnswerChunksCap,
		QuoteSnippetMaxChars:    cfg.Engine.QuoteSnippetMaxChars,
		PageContextChars:        cfg.Engine.PageContextChars,
		LastMessagesCount:       cfg.Engine.LastMessagesCount,
		IncludeFillStatusBySlot: cfg.Engine.IncludeFillStatusBySlot,
	}
}
