package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"GatherSend/internal/models"
)

// ChatAPI talks to the cloud messaging provider over HTTP. Template sends
// reference the provider-approved template by name; free-form sends carry
// the body directly.
type ChatAPI struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewChatAPI(baseURL, token string) *ChatAPI {
	return &ChatAPI{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *ChatAPI) Channel() models.Channel { return models.ChannelChat }

type chatSendRequest struct {
	To        string            `json:"to"`
	Template  string            `json:"template,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Body      string            `json:"body,omitempty"`
}

type chatSendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *ChatAPI) Send(ctx context.Context, req Request) (*Result, error) {
	payload := chatSendRequest{
		To:        req.Address,
		Template:  req.TemplateRef,
		Variables: req.Variables,
	}
	if req.TemplateRef == "" {
		payload.Body = req.Content
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Code: "encode_failed", Message: err.Error(), Retryable: false}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Code: "bad_request", Message: err.Error(), Retryable: false}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, &Error{Code: "network", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	var decoded chatSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode < 300 {
		// The provider accepted the send; retrying would double-deliver.
		// Record it as sent without a provider message id.
		return &Result{InitialStatus: models.StatusSent}, nil
	}

	if resp.StatusCode >= 300 {
		return nil, classifyHTTP(resp.StatusCode, decoded)
	}

	status := models.StatusSent
	if parsed, ok := models.ParseStatus(decoded.Status); ok {
		status = parsed
	}
	return &Result{ProviderMessageID: decoded.MessageID, InitialStatus: status}, nil
}

// classifyHTTP maps provider HTTP failures onto the retryable/terminal
// split: timeouts, rate limits, and server errors are retryable; other
// client errors (invalid recipient, rejected template) are terminal.
func classifyHTTP(status int, decoded chatSendResponse) *Error {
	code := decoded.Error.Code
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}
	msg := decoded.Error.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	retryable := status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
	return &Error{Code: code, Message: msg, Retryable: retryable}
}
