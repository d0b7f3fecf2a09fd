package domain

import "errors"

// Common domain errors
var (
	// Request errors
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("resource not found")

	// Conversation errors
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationDeleted  = errors.New("conversation is deleted")

	// Message errors
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidRole     = errors.New("invalid message role")

	// Reasoning run errors
	ErrCorruptedState = errors.New("root message unresolvable")
	ErrNoIndexedPages = errors.New("no indexed pages in conversation")

	// Slot errors
	ErrSlotNotFound    = errors.New("slot not found")
	ErrInvalidSlotType = errors.New("invalid slot type")

	// Upstream errors
	ErrUpstreamTimeout    = errors.New("upstream request timed out")
	ErrUpstreamParseError = errors.New("upstream returned non-conforming output")
	ErrEmbeddingsFailed   = errors.New("failed to generate embeddings")
	ErrLLMUnavailable     = errors.New("LLM service unavailable")

	// Persistence errors
	ErrPersistenceFailure = errors.New("persistence failure")

	// Validation errors
	ErrInvalidID    = errors.New("invalid ID format")
	ErrEmptyContent = errors.New("content cannot be empty")
	ErrInvalidInput = errors.New("invalid input")
	ErrDeleted      = errors.New("entity has been deleted")
)

// DomainError wraps a domain error with additional context
type DomainError struct {
	Err     error
	Message string
	Code    string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func NewDomainError(err error, message string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
	}
}

func NewDomainErrorWithCode(err error, message, code string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}
