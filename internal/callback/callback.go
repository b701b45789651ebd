// ABOUTME: HTTP client that pushes work to a running agent container's callback endpoint
// ABOUTME: Authenticates with the agent's container token and echoes route hints as headers

package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one push, including the container's handling time.
const DefaultTimeout = 30 * time.Second

// Payload is the JSON body posted to {endpoint}/message.
type Payload struct {
	Content      string `json:"content"`
	AgentID      string `json:"agentId"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// TokenSource mints the bearer token for an agent id.
type TokenSource interface {
	Generate(agentID string) (string, error)
}

// StatusError is returned when the container answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback returned status %d: %s", e.StatusCode, e.Body)
}

// Client delivers messages to agent containers.
type Client struct {
	tokens TokenSource
	client *http.Client
}

// New creates a callback client. A zero timeout uses DefaultTimeout.
func New(tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		tokens: tokens,
		client: &http.Client{Timeout: timeout},
	}
}

// Push posts p to {endpoint}/message. Every route hint is set as a literal
// request header so the hosting platform can route to the exact instance.
func (c *Client) Push(ctx context.Context, endpoint string, p Payload, hints map[string]string) error {
	if endpoint == "" {
		return fmt.Errorf("pushing to %s: empty endpoint", p.AgentID)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	token, err := c.tokens.Generate(p.AgentID)
	if err != nil {
		return fmt.Errorf("generating container token: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + "/message"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range hints {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
