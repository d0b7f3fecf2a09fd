package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/longregen/quarry/internal/adapters/circuitbreaker"
	"github.com/longregen/quarry/internal/adapters/metrics"
	"github.com/longregen/quarry/internal/ports"
)

const (
	// LLMTimeout is the maximum time to wait for LLM responses
	LLMTimeout = 2 * time.Minute
)

// Service implements ports.LLMService using the OpenAI-compatible client
type Service struct {
	client  *Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewService creates a new LLM service
func NewService(client *Client) *Service {
	return &Service{
		client:  client,
		breaker: circuitbreaker.New(5, 30*time.Second), // 5 failures, 30s timeout
	}
}

// Chat sends a non-streaming chat request
func (s *Service) Chat(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error) {
	var result *ports.LLMResponse
	err := s.breaker.Execute(func() error {
		var err error
		result, err = s.doChat(ctx, messages, false)
		return err
	})
	return result, err
}

// ChatJSON sends a chat request constrained to a single JSON object
func (s *Service) ChatJSON(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error) {
	var result *ports.LLMResponse
	err := s.breaker.Execute(func() error {
		var err error
		result, err = s.doChat(ctx, messages, true)
		return err
	})
	return result, err
}

func (s *Service) doChat(ctx context.Context, messages []ports.LLMMessage, jsonOnly bool) (*ports.LLMResponse, error) {
	// Add timeout to prevent hanging on slow/failed LLM requests
	ctx, cancel := context.WithTimeout(ctx, LLMTimeout)
	defer cancel()

	chatMessages := s.convertMessages(messages)

	start := time.Now()
	var response *ChatCompletionResponse
	var err error
	if jsonOnly {
		response, err = s.client.ChatJSON(ctx, chatMessages)
	} else {
		response, err = s.client.Chat(ctx, chatMessages)
	}
	metrics.LLMRequestDuration.WithLabelValues(s.client.Model()).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(s.client.Model(), "error").Inc()
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	metrics.LLMRequestsTotal.WithLabelValues(s.client.Model(), "ok").Inc()

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &ports.LLMResponse{
		Content: response.Choices[0].Message.Content,
	}, nil
}

// convertMessages converts ports.LLMMessage to ChatMessage
func (s *Service) convertMessages(messages []ports.LLMMessage) []ChatMessage {
	chatMessages := make([]ChatMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = ChatMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return chatMessages
}
