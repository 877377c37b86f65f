package provider

import (
	"context"
	"fmt"

	"GatherSend/internal/models"
)

// Request is one send handed to a provider: the rendered content plus
// enough context for providers that address templates by reference.
type Request struct {
	Address     string
	TemplateRef string            // empty for free-form sends
	Variables   map[string]string // template parameters, nil for free-form
	Content     string            // rendered body
	Subject     string            // used by the email channel only
}

// Result is the provider's synchronous answer to a send. Later lifecycle
// updates arrive asynchronously through the callback endpoint.
type Result struct {
	ProviderMessageID string
	InitialStatus     models.MessageStatus
}

// Error is the normalized provider failure. Retryable distinguishes
// network/rate-limit class failures from ones no retry can fix.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("provider error (%s, %s): %s", e.Code, kind, e.Message)
}

// Adapter wraps an external messaging provider's send operation. The core
// assumes nothing about the transport behind it.
type Adapter interface {
	Send(ctx context.Context, req Request) (*Result, error)
	Channel() models.Channel
}
