package services

import (
	"context"
	"fmt"

	"github.com/longregen/quarry/internal/ports"
)

// Shared mock implementations for testing

type mockIDGenerator struct {
	counters map[string]int
}

func (m *mockIDGenerator) next(prefix string) string {
	if m.counters == nil {
		m.counters = make(map[string]int)
	}
	m.counters[prefix]++
	return fmt.Sprintf("%s_test%d", prefix, m.counters[prefix])
}

func (m *mockIDGenerator) GenerateConversationID() string  { return m.next("qc") }
func (m *mockIDGenerator) GenerateMessageID() string       { return m.next("qm") }
func (m *mockIDGenerator) GenerateReasoningStepID() string { return m.next("qrs") }
func (m *mockIDGenerator) GenerateSubqueryID() string      { return m.next("qsq") }
func (m *mockIDGenerator) GenerateSlotID() string          { return m.next("qsl") }
func (m *mockIDGenerator) GenerateSlotItemID() string      { return m.next("qsi") }
func (m *mockIDGenerator) GenerateQuoteID() string         { return m.next("qqt") }

type mockTransactionManager struct{}

func (m *mockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// mockLLMService replays canned responses in order and records the prompts
// it received. A nil entry in responses yields err for that call.
type mockLLMService struct {
	responses []string
	err       error
	calls     [][]ports.LLMMessage
}

func (m *mockLLMService) Chat(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error) {
	return m.ChatJSON(ctx, messages)
}

func (m *mockLLMService) ChatJSON(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error) {
	m.calls = append(m.calls, messages)
	if len(m.responses) == 0 {
		if m.err != nil {
			return nil, m.err
		}
		return nil, fmt.Errorf("mockLLMService: no response queued for call %d", len(m.calls))
	}
	content := m.responses[0]
	m.responses = m.responses[1:]
	return &ports.LLMResponse{Content: content}, nil
}

func (m *mockLLMService) lastUserPrompt() string {
	if len(m.calls) == 0 {
		return ""
	}
	call := m.calls[len(m.calls)-1]
	for i := len(call) - 1; i >= 0; i-- {
		if call[i].Role == "user" {
			return call[i].Content
		}
	}
	return ""
}
