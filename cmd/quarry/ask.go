package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/longregen/quarry/internal/adapters/embedding"
	"github.com/longregen/quarry/internal/adapters/id"
	"github.com/longregen/quarry/internal/adapters/postgres"
	"github.com/longregen/quarry/internal/application/usecases"
	"github.com/longregen/quarry/internal/domain/models"
	"github.com/longregen/quarry/internal/llm"
	"github.com/longregen/quarry/internal/ports"
	"github.com/spf13/cobra"
)

// askCmd runs one reasoning turn from the command line
func askCmd() *cobra.Command {
	var conversationID string
	var title string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question over the indexed corpus",
		Long: `Run the reasoning engine for a single question and print the cited
answer. Progress is printed per iteration unless --quiet is set.

Omit --conversation to start a new conversation; pass it to continue an
existing one (follow-up questions reuse the accumulated history).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return fmt.Errorf("question must not be empty")
			}

			if !cfg.IsEmbeddingConfigured() {
				return fmt.Errorf("ask requires an embedding endpoint. Set QUARRY_EMBEDDING_URL")
			}

			pool, err := initDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			conversationRepo := postgres.NewConversationRepository(pool)
			messageRepo := postgres.NewMessageRepository(pool)
			idGen := id.New()

			var conversation *models.Conversation

			// Get or create conversation
			if conversationID != "" {
				conversation, err = conversationRepo.GetByID(ctx, conversationID)
				if err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						return fmt.Errorf("conversation not found: %s", conversationID)
					}
					return fmt.Errorf("failed to get conversation: %w", err)
				}
				fmt.Printf("Continuing conversation: %s\n", conversation.Title)
			} else {
				if title == "" {
					title = fmt.Sprintf("Ask %s", time.Now().Format("2006-01-02 15:04"))
				}
				conversation = models.NewConversation(idGen.GenerateConversationID(), cliUserID, title)
				if err := conversationRepo.Create(ctx, conversation); err != nil {
					return fmt.Errorf("failed to create conversation: %w", err)
				}
				fmt.Printf("Started new conversation: %s\n", conversation.Title)
				fmt.Printf("ID: %s\n", conversation.ID)
			}

			// Persist the question; the engine resolves it as the run's root
			seqNum, err := messageRepo.GetNextSequenceNumber(ctx, conversation.ID)
			if err != nil {
				return fmt.Errorf("failed to get sequence number: %w", err)
			}
			userMessage := models.NewUserMessage(idGen.GenerateMessageID(), conversation.ID, seqNum, question)
			if err := messageRepo.Create(ctx, userMessage); err != nil {
				return fmt.Errorf("failed to save user message: %w", err)
			}

			ask := usecases.NewAnswerQuestion(
				conversationRepo,
				messageRepo,
				postgres.NewSourceRepository(pool),
				postgres.NewPageRepository(pool),
				postgres.NewChunkRepository(pool),
				postgres.NewLinkRepository(pool),
				postgres.NewSlotRepository(pool),
				postgres.NewReasoningRepository(pool),
				postgres.NewQuoteRepository(pool),
				postgres.NewRunLogRepository(pool),
				llm.NewService(llmClient),
				embedding.NewClient(cfg.Embedding.URL, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimensions),
				postgres.NewTransactionManager(pool),
				idGen,
				engineParams(),
			)

			var notifier ports.ReasoningNotifier
			if !quiet {
				notifier = &consoleNotifier{}
			}

			fmt.Println()
			output, err := ask.Execute(ctx, &ports.AskQuestionInput{
				ConversationID: conversation.ID,
				UserID:         conversation.UserID,
				UserMessage:    question,
				RootMessageID:  userMessage.ID,
				Notifier:       notifier,
			})
			if err != nil {
				return fmt.Errorf("reasoning run failed: %w", err)
			}

			printAskOutput(output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Continue an existing conversation")
	cmd.Flags().StringVarP(&title, "title", "t", "", "Title for a new conversation")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress per-iteration progress")

	return cmd
}

// printAskOutput renders the terminal result of a run.
func printAskOutput(output *ports.AskQuestionOutput) {
	fmt.Println(strings.Repeat("-", 80))

	if output.Message != nil {
		fmt.Println(output.Message.Content)
	}

	if len(output.Clarify) > 0 {
		for _, q := range output.Clarify {
			fmt.Printf("  - %s\n", q)
		}
		return
	}

	if len(output.Quotes) > 0 {
		fmt.Println()
		fmt.Printf("Sources (%d):\n", len(output.Quotes))
		for _, quote := range output.Quotes {
			label := quote.PageTitle
			if label == "" {
				label = quote.PageID
			}
			fmt.Printf("  [%d] %s\n", quote.CitationOrder, label)
			fmt.Printf("      %q\n", quote.Snippet)
		}
	}

	if output.SuggestedPage != nil {
		fmt.Println()
		fmt.Println("Suggested page to add to the corpus:")
		fmt.Printf("  %s\n", output.SuggestedPage.Title)
		fmt.Printf("  %s\n", output.SuggestedPage.URL)
	}
}

// consoleNotifier prints reasoning progress lines to stdout. The terminal
// result is rendered by the command itself after Execute returns, so Done
// and Error are no-ops here.
type consoleNotifier struct{}

func (n *consoleNotifier) NotifyPlan(plan *ports.PlanPayload) {
	fmt.Printf("Plan: %d slots, %d subqueries\n", len(plan.Slots), len(plan.Subqueries))
	for _, slot := range plan.Slots {
		required := ""
		if slot.Required {
			required = " (required)"
		}
		fmt.Printf("  - %s [%s]%s\n", slot.Name, slot.Type, required)
	}
}

func (n *consoleNotifier) NotifyStep(step *models.ThoughtStep) {
	fmt.Printf("[%d/%d] %s: %s", step.Step, step.TotalSteps, step.Action, step.Label)
	if len(step.Subqueries) > 0 {
		fmt.Printf(" (%d queries)", len(step.Subqueries))
	}
	if step.QuotesFound > 0 {
		fmt.Printf(", %d quotes", step.QuotesFound)
	}
	if step.Completeness > 0 {
		fmt.Printf(", %.0f%% complete", step.Completeness*100)
	}
	fmt.Println()
}

func (n *consoleNotifier) NotifyThoughtProcess(tp *models.ThoughtProcess) {}

func (n *consoleNotifier) NotifyClarify(questions []string) {
	fmt.Println("Need clarification before answering:")
}

func (n *consoleNotifier) NotifyDone(done *ports.DonePayload) {}

func (n *consoleNotifier) NotifyError(message string) {}
