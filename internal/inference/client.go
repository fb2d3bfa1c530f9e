// Package inference performs the single HTTP exchange with a provider's
// OpenAI-compatible chat completions endpoint.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/httputil"
)

// TransportError covers network failures, non-2xx replies and bodies that
// are not a chat completion. StatusCode is 0 when no reply was received.
type TransportError struct {
	StatusCode int
	Body       string
	Cause      error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Cause != nil:
		return fmt.Sprintf("transport error: %v", e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("transport error: status=%d body=%s: %v", e.StatusCode, e.Body, e.Cause)
	default:
		return fmt.Sprintf("transport error: status=%d body=%s", e.StatusCode, e.Body)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

func (e *TransportError) Is(target error) bool {
	return target == domain.ErrTransport
}

type Client struct {
	client *http.Client
}

func New(client *http.Client) *Client {
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Client{client: client}
}

// Send posts payload with headers to <endpoint>/chat/completions exactly once.
func (c *Client) Send(ctx context.Context, endpoint string, headers http.Header, payload []byte) (*domain.RawResponse, error) {
	url := strings.TrimSuffix(endpoint, "/") + "/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Cause: fmt.Errorf("create request: %w", err)}
	}

	for name, values := range headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := httputil.ReadBody(resp.Body, httputil.MaxBodyBytes)
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Cause: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: httputil.Snippet(body, 1024)}
	}

	return &domain.RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Content extracts the first choice's message text from a chat completion.
func Content(raw *domain.RawResponse) (string, error) {
	var chat domain.ChatResponse
	if err := json.Unmarshal(raw.Body, &chat); err != nil {
		return "", &TransportError{StatusCode: raw.StatusCode, Body: httputil.Snippet(raw.Body, 1024), Cause: fmt.Errorf("decode response: %w", err)}
	}
	if len(chat.Choices) == 0 || chat.Choices[0].Message == nil {
		return "", &TransportError{StatusCode: raw.StatusCode, Body: httputil.Snippet(raw.Body, 1024), Cause: fmt.Errorf("response has no choices")}
	}
	return chat.Choices[0].Message.Content, nil
}
