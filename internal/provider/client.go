// Package provider calls an OpenAI-compatible chat completion service with
// per-attempt timeouts and bounded exponential backoff.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/metrics"
)

const DefaultModel = "gpt-4o-mini"

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration // per attempt
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type Completion struct {
	Content  string
	Model    string
	Usage    Usage
	Attempts int
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 8 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger.Named("provider"), sleep: sleepCtx}
}

// IsConfigured reports whether a base URL is set. Without one every call
// fails straight away, which the orchestrator turns into the local fallback.
func (c *Client) IsConfigured() bool {
	return c.cfg.BaseURL != ""
}

// Backoff returns the wait before retry number attempt (0-based).
func (c *Client) Backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 0; i < attempt && d < c.cfg.BackoffMax; i++ {
		d *= 2
	}
	return min(d, c.cfg.BackoffMax)
}

// Complete sends req, retrying transient failures. A cancelled ctx aborts
// immediately with ctx's error. Once the retry budget is spent the last
// failure is returned as a *errors.ProviderError.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*Completion, error) {
	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	if !c.IsConfigured() {
		return nil, &errors.ProviderError{Err: errors.New("provider base url not configured")}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode chat request")
	}

	var (
		lastErr    error
		lastStatus int
	)
	attempts := c.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := c.Backoff(attempt - 1)
			c.logger.Debug("retrying completion",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		completion, status, err := c.do(ctx, body)
		elapsed := time.Since(start).Seconds()
		if err == nil {
			metrics.ProviderRequestsTotal.WithLabelValues("success").Inc()
			metrics.ProviderRequestDuration.WithLabelValues("success").Observe(elapsed)
			completion.Attempts = attempt + 1
			if completion.Model == "" {
				completion.Model = req.Model
			}
			return completion, nil
		}
		if ctx.Err() != nil {
			metrics.ProviderRequestsTotal.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}

		metrics.ProviderRequestsTotal.WithLabelValues("failure").Inc()
		metrics.ProviderRequestDuration.WithLabelValues("failure").Observe(elapsed)
		c.logger.Warn("completion attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("status", status),
			zap.Error(err))
		lastErr, lastStatus = err, status
	}

	return nil, &errors.ProviderError{Attempts: attempts, StatusCode: lastStatus, Err: lastErr}
}

func (c *Client) do(ctx context.Context, body []byte) (*Completion, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, errors.Wrap(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "send chat request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "read chat response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "decode chat response")
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return nil, resp.StatusCode, errors.New("provider returned no choices")
	}

	return &Completion{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage:   parsed.Usage,
	}, resp.StatusCode, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
