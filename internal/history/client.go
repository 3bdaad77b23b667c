// Package history is a fire-and-forget HTTP client for the external
// message-persistence service. Failures are logged but never surfaced to
// users or allowed to block a connection handler.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ashureev/relaycore/internal/domain"
	"github.com/cenkalti/backoff/v5"
)

const historyLimit = 100

// Client talks to the external history/persistence HTTP service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client with the given base URL (e.g.
// "http://localhost:5001/api") and a request timeout, per §4.6's
// requirement that persistence calls never block the handler for long.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type saveRequest struct {
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Message    string `json:"message,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	MAC        string `json:"mac,omitempty"`
	Type       string `json:"type"`
}

// SaveAsync persists msg on its own goroutine and never blocks the caller.
// It retries once with a short backoff before giving up, since a blip in
// the history service shouldn't drop a message that a fire-and-forget
// single attempt would have lost; every outcome is logged, never returned.
func (c *Client) SaveAsync(msg domain.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
		defer cancel()

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, c.save(ctx, msg)
		}, backoff.WithMaxTries(2), backoff.WithBackOff(backoff.NewExponentialBackOff()))
		if err != nil {
			slog.Warn("history: failed to persist message", "sender", msg.Sender, "recipient", msg.Recipient, "type", msg.Type, "error", err)
		}
	}()
}

func (c *Client) save(ctx context.Context, msg domain.Message) error {
	body, err := json.Marshal(saveRequest{
		Sender:     msg.Sender,
		Recipient:  msg.Recipient,
		Message:    msg.Message,
		Ciphertext: msg.Ciphertext,
		Nonce:      msg.Nonce,
		MAC:        msg.MAC,
		Type:       msg.Type,
	})
	if err != nil {
		return fmt.Errorf("marshal save request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages/save", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build save request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("save message: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// historyResponse is the shape returned by GET /api/messages/history.
type historyResponse struct {
	Messages []interface{} `json:"messages"`
}

// FetchHistory retrieves up to 100 messages between username and chatWith.
// It blocks the caller up to the client's configured timeout; the handler
// is expected to call this from the dispatch goroutine since
// request_history's reply depends on the result.
func (c *Client) FetchHistory(ctx context.Context, username, chatWith string) ([]interface{}, error) {
	q := url.Values{}
	q.Set("username", username)
	q.Set("chat_with", chatWith)
	q.Set("limit", strconv.Itoa(historyLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/messages/history?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch history: unexpected status %d", resp.StatusCode)
	}

	var decoded historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return decoded.Messages, nil
}
