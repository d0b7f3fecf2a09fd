package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/longregen/quarry/internal/adapters/id"
	"github.com/longregen/quarry/internal/adapters/postgres"
	"github.com/longregen/quarry/internal/domain/models"
	"github.com/spf13/cobra"
)

// newCmd creates a new conversation
func newCmd() *cobra.Command {
	var title string
	var dynamicSources bool

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a new conversation",
		Long: `Create a new conversation over the indexed corpus.

With --dynamic-sources the engine may suggest not-yet-indexed pages it
discovers through links while answering.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			pool, err := initDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			conversationRepo := postgres.NewConversationRepository(pool)
			idGen := id.New()

			if title == "" {
				title = fmt.Sprintf("Conversation %s", time.Now().Format("2006-01-02 15:04"))
			}

			conversation := models.NewConversation(idGen.GenerateConversationID(), cliUserID, title)
			if dynamicSources {
				conversation.EnableDynamicSources()
			}

			if err := conversationRepo.Create(ctx, conversation); err != nil {
				return fmt.Errorf("failed to create conversation: %w", err)
			}

			fmt.Printf("Created conversation: %s\n", conversation.Title)
			fmt.Printf("ID: %s\n", conversation.ID)
			if conversation.DynamicSources {
				fmt.Println("Dynamic sources: enabled")
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "Conversation title")
	cmd.Flags().BoolVar(&dynamicSources, "dynamic-sources", false, "Allow corpus-expansion suggestions")

	return cmd
}

// listCmd lists conversations
func listCmd() *cobra.Command {
	var user string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		Long:  `List conversations with their ID, title, and creation date.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			pool, err := initDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			conversationRepo := postgres.NewConversationRepository(pool)

			conversations, err := conversationRepo.ListByUserID(ctx, user, limit, 0)
			if err != nil {
				return fmt.Errorf("failed to list conversations: %w", err)
			}

			if len(conversations) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}

			// Print header
			fmt.Printf("%-26s %-40s %-8s %s\n", "ID", "Title", "Sources", "Created")
			fmt.Println(strings.Repeat("-", 95))

			// Print conversations
			for _, conv := range conversations {
				sources := "fixed"
				if conv.DynamicSources {
					sources = "dynamic"
				}
				createdAt := conv.CreatedAt.Format("2006-01-02 15:04")
				fmt.Printf("%-26s %-40s %-8s %s\n", conv.ID, conv.Title, sources, createdAt)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", cliUserID, "List conversations belonging to this user")
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum number of conversations to list")

	return cmd
}

// showCmd shows messages in a conversation
func showCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show messages in a conversation",
		Long:  `Display all messages in the specified conversation with their quoted evidence.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conversationID := args[0]

			pool, err := initDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			conversationRepo := postgres.NewConversationRepository(pool)
			messageRepo := postgres.NewMessageRepository(pool)
			quoteRepo := postgres.NewQuoteRepository(pool)

			// Get conversation details
			conversation, err := conversationRepo.GetByID(ctx, conversationID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("conversation not found: %s", conversationID)
				}
				return fmt.Errorf("failed to get conversation: %w", err)
			}

			// Get messages
			messages, err := messageRepo.GetByConversation(ctx, conversationID)
			if err != nil {
				return fmt.Errorf("failed to get messages: %w", err)
			}

			// Display conversation header
			fmt.Printf("Conversation: %s\n", conversation.Title)
			fmt.Printf("ID: %s\n", conversation.ID)
			if conversation.DynamicSources {
				fmt.Println("Dynamic sources: enabled")
			}
			fmt.Printf("Created: %s\n\n", conversation.CreatedAt.Format("2006-01-02 15:04:05"))

			if len(messages) == 0 {
				fmt.Println("No messages in this conversation.")
				return nil
			}

			for i, msg := range messages {
				if i > 0 {
					fmt.Println()
				}

				// Load quotes for this message
				quotes, err := quoteRepo.GetByMessage(ctx, msg.ID)
				if err != nil {
					quotes = nil // Continue without quotes on error
				}

				// Build indicators string
				var indicators []string
				if len(quotes) > 0 {
					indicators = append(indicators, fmt.Sprintf("[quotes: %d]", len(quotes)))
				}
				if msg.SuggestedPage != nil {
					indicators = append(indicators, "[suggested page]")
				}
				if msg.ThoughtProcess != nil && len(msg.ThoughtProcess.Steps) > 0 {
					indicators = append(indicators, fmt.Sprintf("[steps: %d]", len(msg.ThoughtProcess.Steps)))
				}

				indicatorStr := ""
				if len(indicators) > 0 {
					indicatorStr = " " + strings.Join(indicators, " ")
				}
				fmt.Printf("[%s] %s:%s\n", msg.CreatedAt.Format("15:04:05"), msg.Role, indicatorStr)
				fmt.Println(msg.Content)

				// Print quoted evidence in verbose mode
				if verbose && len(quotes) > 0 {
					fmt.Println("  Quotes:")
					for _, quote := range quotes {
						label := quote.PageTitle
						if label == "" {
							label = quote.PageID
						}
						fmt.Printf("    [%d] %s\n", quote.CitationOrder, label)
						fmt.Printf("        %q\n", quote.Snippet)
						if quote.PageURL != "" {
							fmt.Printf("        %s\n", quote.PageURL)
						}
					}
				}

				// Print reasoning detail in verbose mode
				if verbose && msg.ThoughtProcess != nil {
					tp := msg.ThoughtProcess
					if len(tp.Steps) > 0 {
						fmt.Println("  Reasoning:")
						for _, step := range tp.Steps {
							fmt.Printf("    [%d/%d] %s: %s\n", step.Step, step.TotalSteps, step.Action, step.Label)
						}
					}
					if tp.HardStopReason != "" {
						fmt.Printf("  Stopped: %s\n", tp.HardStopReason)
					}
				}
			}

			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show quotes and reasoning steps")

	return cmd
}

// deleteCmd deletes a conversation
func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation",
		Long:  `Delete the specified conversation (soft delete).`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			conversationID := args[0]

			pool, err := initDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			conversationRepo := postgres.NewConversationRepository(pool)

			// Verify conversation exists
			conversation, err := conversationRepo.GetByID(ctx, conversationID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("conversation not found: %s", conversationID)
				}
				return fmt.Errorf("failed to get conversation: %w", err)
			}

			// Delete conversation
			if err := conversationRepo.Delete(ctx, conversationID); err != nil {
				return fmt.Errorf("failed to delete conversation: %w", err)
			}

			fmt.Printf("Deleted conversation: %s\n", conversation.Title)
			fmt.Printf("ID: %s\n", conversationID)

			return nil
		},
	}
}
