package agent

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMissingAPIKey means the provider was built without credentials.
	ErrMissingAPIKey = errors.New("gemini API key is not configured")

	// ErrMalformedResponse means a 2xx reply carried a body that is not JSON.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// StatusError is a non-2xx reply from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []AgentMessage
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content      string
	FinishReason string
	Usage        *TokenUsage
}

// IsStatusError reports whether err carries a non-2xx provider reply.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
