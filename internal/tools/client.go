package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"carecall/pkg/utils"
)

const (
	headerInternalSecret = "X-Internal-Secret"
	headerIdempotencyKey = "Idempotency-Key"
)

var (
	ErrUnknownTool   = errors.New("tools: unknown tool")
	ErrNotConfigured = errors.New("tools: client not configured")
)

// Invocation is one tool call requested by the model.
type Invocation struct {
	// CallID is the provider's id for the request; it doubles as the idempotency key.
	CallID    string
	Name      string
	Arguments string

	CallSessionID string
	AccountID     string
	LineID        string
}

type invokeRequest struct {
	CallSessionID string          `json:"call_session_id"`
	AccountID     string          `json:"account_id"`
	LineID        string          `json:"line_id"`
	Arguments     json.RawMessage `json:"arguments"`
}

// Client calls the internal tool endpoints.
type Client struct {
	baseURL string
	secret  string
	timeout time.Duration
	client  *http.Client
	backoff utils.Backoff
}

func NewClient(baseURL, secret string, timeout time.Duration, attempts int) *Client {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b := utils.DefaultBackoff
	b.MaxAttempts = 2
	if attempts > 0 {
		b.MaxAttempts = attempts
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		timeout: timeout,
		client:  &http.Client{},
		backoff: b,
	}
}

// Invoke returns the endpoint's response body as the tool output.
func (c *Client) Invoke(ctx context.Context, inv Invocation) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", ErrNotConfigured
	}
	if _, ok := Lookup(inv.Name); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, inv.Name)
	}

	args := json.RawMessage(inv.Arguments)
	if strings.TrimSpace(inv.Arguments) == "" {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		return "", fmt.Errorf("tools: arguments for %s are not valid json", inv.Name)
	}
	body, err := json.Marshal(invokeRequest{
		CallSessionID: inv.CallSessionID,
		AccountID:     inv.AccountID,
		LineID:        inv.LineID,
		Arguments:     args,
	})
	if err != nil {
		return "", err
	}

	var out string
	err = c.backoff.Retry(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		out, err = c.post(attemptCtx, inv, body)
		return err
	})
	return out, err
}

func (c *Client) post(ctx context.Context, inv Invocation, body []byte) (string, error) {
	url := c.baseURL + "/internal/tools/" + inv.Name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", utils.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerInternalSecret, c.secret)
	if inv.CallID != "" {
		req.Header.Set(headerIdempotencyKey, inv.CallID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("tools: %s unexpected status code: %d", inv.Name, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", utils.Permanent(fmt.Errorf("tools: %s unexpected status code: %d body=%q", inv.Name, resp.StatusCode, string(respBody)))
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return `{"ok":true}`, nil
	}
	return string(respBody), nil
}

// ErrorOutput is the tool result sent to the model when a call fails.
func ErrorOutput(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}
