package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ternarybob/arbor"
)

// ClientConfig configures the REST client
type ClientConfig struct {
	BaseURL  string
	ClientID string
	Timeout  time.Duration
	RetryMax int
}

// Client is the engine REST client. Idempotent reads are retried; prompt submission is not.
type Client struct {
	baseURL  *url.URL
	clientID string
	http     *retryablehttp.Client
	logger   arbor.ILogger
}

// NewClient creates a REST client for the engine at cfg.BaseURL
func NewClient(cfg ClientConfig, logger arbor.ILogger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid engine base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("engine base URL must be http(s), got %q", cfg.BaseURL)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = &leveledLogger{logger: logger}
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}

	return &Client{
		baseURL:  base,
		clientID: cfg.ClientID,
		http:     rc,
		logger:   logger,
	}, nil
}

// ClientID returns the id this client submits prompts under
func (c *Client) ClientID() string {
	return c.clientID
}

// WebSocketURL returns the event stream URL for this client id
func (c *Client) WebSocketURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientID}}.Encode()
	return u.String()
}

type submitResponse struct {
	PromptID   string                 `json:"prompt_id"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}

// Submit queues a prompt graph and returns the engine-assigned prompt id
func (c *Client) Submit(ctx context.Context, graph map[string]interface{}) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt":    graph,
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/prompt", nil), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	// Submission is not idempotent: a retry after a lost response would queue the prompt twice.
	resp, err := c.http.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit prompt: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("engine rejected prompt (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out submitResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	if len(out.NodeErrors) > 0 {
		return "", fmt.Errorf("engine reported node errors for %d node(s)", len(out.NodeErrors))
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("engine returned no prompt id")
	}
	return out.PromptID, nil
}

type queueResponse struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// GetQueue returns the running and pending lists
func (c *Client) GetQueue(ctx context.Context) (*QueueState, error) {
	var raw queueResponse
	if err := c.getJSON(ctx, "/queue", nil, &raw); err != nil {
		return nil, err
	}

	running, err := decodeQueueItems(raw.Running)
	if err != nil {
		return nil, err
	}
	pending, err := decodeQueueItems(raw.Pending)
	if err != nil {
		return nil, err
	}
	return &QueueState{Running: running, Pending: pending}, nil
}

// decodeQueueItems reads [number, prompt_id, prompt, extra, outputs] tuples
func decodeQueueItems(items []json.RawMessage) ([]QueueItem, error) {
	out := make([]QueueItem, 0, len(items))
	for _, item := range items {
		var tuple []json.RawMessage
		if err := json.Unmarshal(item, &tuple); err != nil {
			return nil, fmt.Errorf("failed to decode queue item: %w", err)
		}
		if len(tuple) < 2 {
			return nil, fmt.Errorf("queue item has %d fields, want at least 2", len(tuple))
		}
		var q QueueItem
		if err := json.Unmarshal(tuple[0], &q.Number); err != nil {
			return nil, fmt.Errorf("failed to decode queue number: %w", err)
		}
		if err := json.Unmarshal(tuple[1], &q.PromptID); err != nil {
			return nil, fmt.Errorf("failed to decode queue prompt id: %w", err)
		}
		out = append(out, q)
	}
	return out, nil
}

// GetHistory returns the history entry for a prompt, or nil when the engine has none yet
func (c *Client) GetHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	var raw map[string]*HistoryEntry
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), nil, &raw); err != nil {
		return nil, err
	}
	entry := raw[promptID]
	if entry != nil {
		entry.PromptID = promptID
	}
	return entry, nil
}

// GetHistories returns every history entry the engine retains, keyed by prompt id
func (c *Client) GetHistories(ctx context.Context) (map[string]*HistoryEntry, error) {
	var raw map[string]*HistoryEntry
	if err := c.getJSON(ctx, "/history", nil, &raw); err != nil {
		return nil, err
	}
	for id, entry := range raw {
		if entry != nil {
			entry.PromptID = id
		}
	}
	return raw, nil
}

// FetchImage downloads the raw bytes of a produced file
func (c *Client) FetchImage(ctx context.Context, ref ImageRef) ([]byte, error) {
	query := url.Values{
		"filename":  {ref.Filename},
		"subfolder": {ref.Subfolder},
		"type":      {ref.Type},
	}
	if ref.Type == "" {
		query.Set("type", "output")
	}

	resp, err := c.do(ctx, http.MethodGet, "/view", query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", ref.RelativePath(), err)
	}
	return data, nil
}

// Interrupt stops whatever prompt the engine is executing
func (c *Client) Interrupt(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/interrupt", nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DeleteFromQueue removes pending prompts from the engine queue
func (c *Client) DeleteFromQueue(ctx context.Context, promptIDs ...string) error {
	if len(promptIDs) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string]interface{}{"delete": promptIDs})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/queue", nil, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// do sends a retried request and returns the response when the status is 2xx
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	var raw interface{}
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.endpoint(path, query), raw)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine %s %s failed: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("engine %s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// leveledLogger routes retryablehttp logging into arbor at debug level
type leveledLogger struct {
	logger arbor.ILogger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Str("detail", fmt.Sprint(keysAndValues...)).Msg("Engine HTTP: " + msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Str("detail", fmt.Sprint(keysAndValues...)).Msg("Engine HTTP: " + msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Str("detail", fmt.Sprint(keysAndValues...)).Msg("Engine HTTP: " + msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Str("detail", fmt.Sprint(keysAndValues...)).Msg("Engine HTTP: " + msg)
}
