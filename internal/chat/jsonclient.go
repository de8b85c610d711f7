package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// JSONClient speaks the chat contract over HTTP: one POST per call with a
// JSON body of {messages, options} and a Response JSON reply. It is the
// default transport when foreman is paired with a sidecar model gateway.
type JSONClient struct {
	Endpoint   string
	HTTPClient *http.Client
}

func NewJSONClient(endpoint string) *JSONClient {
	return &JSONClient{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type jsonRequest struct {
	Messages []Message `json:"messages"`
	Options  Options   `json:"options"`
}

func (c *JSONClient) Chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	body, err := json.Marshal(jsonRequest{Messages: messages, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("chat call rate limited: %s", truncateBody(data))
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("chat call server error %d: %s", resp.StatusCode, truncateBody(data))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat call failed with status %d: %s", resp.StatusCode, truncateBody(data))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse chat response: %w", err)
	}
	return &out, nil
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
