package billing

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

// UsageReport is one metered-usage increment for a subscription item.
type UsageReport struct {
	SubscriptionItemID string
	Quantity           int
	Timestamp          time.Time
	IdempotencyKey     string
}

var (
	ErrNotConfigured   = errors.New("billing: client not configured")
	ErrInvalidArgument = errors.New("billing: invalid argument")
)

// Client reports metered usage to the billing collaborator over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	backoff utils.Backoff
}

func NewClient(baseURL, apiKey string, timeout time.Duration, attempts int) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b := utils.DefaultBackoff
	if attempts > 0 {
		b.MaxAttempts = attempts
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		backoff: b,
	}
}

type usageRequest struct {
	SubscriptionItemID string `json:"subscription_item_id"`
	Quantity           int    `json:"quantity"`
	Timestamp          int64  `json:"timestamp"`
	Action             string `json:"action"`
}

type usageResponse struct {
	ID string `json:"id"`
}

// ReportUsage returns the collaborator's usage-record id. The idempotency key
// makes retried reports safe on the collaborator's side.
func (c *Client) ReportUsage(ctx context.Context, r UsageReport) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", ErrNotConfigured
	}
	if r.SubscriptionItemID == "" || r.Quantity <= 0 || r.IdempotencyKey == "" {
		return "", ErrInvalidArgument
	}
	body, err := json.Marshal(usageRequest{
		SubscriptionItemID: r.SubscriptionItemID,
		Quantity:           r.Quantity,
		Timestamp:          r.Timestamp.Unix(),
		Action:             "increment",
	})
	if err != nil {
		return "", err
	}

	var id string
	err = c.backoff.Retry(ctx, func(ctx context.Context) error {
		var err error
		id, err = c.post(ctx, body, r.IdempotencyKey)
		return err
	})
	return id, err
}

func (c *Client) post(ctx context.Context, body []byte, idempotencyKey string) (string, error) {
	url := c.baseURL + "/v1/subscription_items/usage_records"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", utils.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("billing: unexpected status code: %d body=%q", resp.StatusCode, string(respBody))
	case resp.StatusCode >= 300:
		return "", utils.Permanent(fmt.Errorf("billing: unexpected status code: %d body=%q", resp.StatusCode, string(respBody)))
	}

	var ur usageResponse
	if err := json.Unmarshal(respBody, &ur); err != nil {
		return "", utils.Permanent(fmt.Errorf("billing: failed to decode json: %w body=%q", err, string(respBody)))
	}
	if ur.ID == "" {
		return "", utils.Permanent(fmt.Errorf("billing: missing id in response body=%q", string(respBody)))
	}
	return ur.ID, nil
}
