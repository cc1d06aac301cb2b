package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/MichaelRobotics/Hustler-sub012/internal/retry"
)

// HTTPClient is the production Provider implementation: a plain JSON client
// over the provider's REST API, throttled client-side so a burst of poller
// ticks cannot trip the provider's rate limiter.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	rateLimiter *rate.Limiter
	retryCfg    retry.Config
	logger      zerolog.Logger
}

// NewHTTPClient creates a provider client. requestsPerSec and burst bound
// the outbound request rate across all pollers sharing this client.
func NewHTTPClient(baseURL, apiKey string, requestsPerSec float64, burst int, logger zerolog.Logger) *HTTPClient {
	if requestsPerSec <= 0 {
		requestsPerSec = 5
	}
	if burst <= 0 {
		burst = 5
	}
	return &HTTPClient{
		baseURL:     baseURL,
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 30 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Limit(requestsPerSec), burst),
		retryCfg:    retry.ProviderConfig(),
		logger:      logger,
	}
}

func (c *HTTPClient) makeRequest(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

type listMessagesResponse struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor"`
}

// ListUnread fetches inbound messages after sinceCursor in provider order.
func (c *HTTPClient) ListUnread(ctx context.Context, conversationID, sinceCursor string) ([]Message, string, error) {
	endpoint := fmt.Sprintf("/v1/conversations/%s/messages?unread=true", url.PathEscape(conversationID))
	if sinceCursor != "" {
		endpoint += "&since=" + url.QueryEscape(sinceCursor)
	}

	body, err := c.makeRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}

	var parsed listMessagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "", fmt.Errorf("failed to decode messages response: %w", err)
	}

	next := parsed.NextCursor
	if next == "" && len(parsed.Messages) > 0 {
		next = parsed.Messages[len(parsed.Messages)-1].ID
	}
	if next == "" {
		next = sinceCursor
	}
	return parsed.Messages, next, nil
}

type sendRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// Send delivers one outbound DM and returns the provider message id. Unlike
// ListUnread, which the poller naturally repeats on its next tick, a failed
// send drops a funnel message outright, so transient provider errors are
// retried with backoff here.
func (c *HTTPClient) Send(ctx context.Context, userID, text string) (string, error) {
	var body []byte
	var permanentErr error
	result := retry.WithBackoff(ctx, c.retryCfg, func() error {
		b, err := c.makeRequest(ctx, http.MethodPost, "/v1/messages", sendRequest{UserID: userID, Text: text})
		if err != nil {
			if !retry.IsRetryableError(err) {
				permanentErr = err
				return nil
			}
			return err
		}
		body = b
		return nil
	}, c.logger)
	if permanentErr != nil {
		return "", permanentErr
	}
	if !result.Success {
		return "", fmt.Errorf("send failed after %d attempts: %w", result.Attempts, result.LastError)
	}

	var parsed sendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode send response: %w", err)
	}
	return parsed.MessageID, nil
}

// HTTPNotifier posts escalation warnings to an operator side channel.
type HTTPNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func NewHTTPNotifier(notifyURL string, logger zerolog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		url:    notifyURL,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, conversationID, reason string) error {
	if n.url == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]string{
		"conversation_id": conversationID,
		"reason":          reason,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier returned status %d", resp.StatusCode)
	}
	return nil
}
