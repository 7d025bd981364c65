package insightbot

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrDuplicateKeyword indicates an attempt to add a keyword that
	// already exists (comparison is case-insensitive).
	ErrDuplicateKeyword = errors.New("keyword already exists")

	// ErrKeywordNotFound indicates the referenced keyword does not exist.
	ErrKeywordNotFound = errors.New("keyword not found")

	// ErrAdminNotFound indicates the referenced admin user does not exist
	// in the store.
	ErrAdminNotFound = errors.New("admin user not found")

	// ErrDuplicateAdmin indicates an attempt to grant admin to a user
	// who already has it.
	ErrDuplicateAdmin = errors.New("user is already an admin")
)

// AIErrorKind classifies failures from the AI client so they can be
// recorded with a type and severity.
type AIErrorKind string

const (
	AIErrorRateLimited     AIErrorKind = "rate_limited"
	AIErrorTimeout         AIErrorKind = "timeout"
	AIErrorNetwork         AIErrorKind = "network_error"
	AIErrorInvalidResponse AIErrorKind = "invalid_response"
)

// Severity used when the error is recorded as an APIError row.
func (k AIErrorKind) Severity() string {
	switch k {
	case AIErrorRateLimited:
		return severityHigh
	case AIErrorTimeout:
		return severityMedium
	case AIErrorNetwork:
		return severityHigh
	case AIErrorInvalidResponse:
		return severityMedium
	default:
		return severityLow
	}
}

const (
	severityCritical = "critical"
	severityHigh     = "high"
	severityMedium   = "medium"
	severityLow      = "low"
)

// AIError wraps a failure from the chat completion client with a
// classification the bot uses for logging and statistics.
type AIError struct {
	Kind AIErrorKind
	Err  error
}

func (e *AIError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ai error (%s)", e.Kind)
	}
	return fmt.Sprintf("ai error (%s): %s", e.Kind, e.Err.Error())
}

func (e *AIError) Unwrap() error {
	return e.Err
}

// classifyAIError maps a raw client error into an *AIError. A nil
// error returns nil.
func classifyAIError(err error) *AIError {
	if err == nil {
		return nil
	}

	var aiErr *AIError
	if errors.As(err, &aiErr) {
		return aiErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AIError{Kind: AIErrorTimeout, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return &AIError{Kind: AIErrorRateLimited, Err: err}
		case apiErr.HTTPStatusCode >= 500:
			return &AIError{Kind: AIErrorNetwork, Err: err}
		default:
			return &AIError{Kind: AIErrorInvalidResponse, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &AIError{Kind: AIErrorTimeout, Err: err}
		}
		return &AIError{Kind: AIErrorNetwork, Err: err}
	}

	return &AIError{Kind: AIErrorNetwork, Err: err}
}
