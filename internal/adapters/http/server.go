package http

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/longregen/quarry/internal/adapters/embedding"
	"github.com/longregen/quarry/internal/adapters/http/handlers"
	"github.com/longregen/quarry/internal/adapters/http/middleware"
	"github.com/longregen/quarry/internal/application/usecases"
	"github.com/longregen/quarry/internal/config"
	"github.com/longregen/quarry/internal/llm"
	"github.com/longregen/quarry/internal/ports"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	config        *config.Config
	router        *chi.Mux
	httpServer    *http.Server
	db            *pgxpool.Pool
	llmClient     *llm.Client
	embedder      *embedding.Client
	askUseCase    ports.AskQuestionUseCase
	conversations *usecases.ManageConversation
	broadcaster   *handlers.EventsBroadcaster
}

func NewServer(
	cfg *config.Config,
	db *pgxpool.Pool,
	llmClient *llm.Client,
	embedder *embedding.Client,
	askUseCase ports.AskQuestionUseCase,
	conversations *usecases.ManageConversation,
	broadcaster *handlers.EventsBroadcaster,
) *Server {
	s := &Server{
		config:        cfg,
		db:            db,
		llmClient:     llmClient,
		embedder:      embedder,
		askUseCase:    askUseCase,
		conversations: conversations,
		broadcaster:   broadcaster,
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS(s.config.Server.CORSOrigins))
	r.Use(middleware.Metrics)

	healthHandler := handlers.NewHealthHandler()
	detailedHealthHandler := handlers.NewHealthHandlerWithDeps(s.db, s.llmClient, s.embedder)
	r.Get("/health", healthHandler.Handle)
	r.Get("/health/detailed", detailedHealthHandler.HandleDetailed)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth)

		askHandler := handlers.NewAskHandler(s.askUseCase, s.conversations, s.broadcaster)
		r.Post("/ask", askHandler.Ask)

		conversationsHandler := handlers.NewConversationsHandler(s.conversations)
		r.Post("/conversations", conversationsHandler.Create)
		r.Get("/conversations", conversationsHandler.List)
		r.Get("/conversations/{id}", conversationsHandler.Get)
		r.Delete("/conversations/{id}", conversationsHandler.Delete)

		messagesHandler := handlers.NewMessagesHandler(s.conversations)
		r.Get("/conversations/{id}/messages", messagesHandler.List)
		r.Get("/messages/{id}/quotes", messagesHandler.GetQuotes)

		eventsHandler := handlers.NewEventsHandler(s.conversations, s.broadcaster, s.config.Server.CORSOrigins)
		r.Get("/conversations/{id}/events", eventsHandler.Handle)
	})

	s.router = r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // ask streams and event tails outlive any fixed write budget
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("Starting HTTP server on %s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	log.Println("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
