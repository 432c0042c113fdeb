package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/dgallion1/deckgen/internal/domain"
)

const (
	defaultCompletionTokens = 4000
	minCompletionTokens     = 500
	promptCharsPerToken     = 2.5
	pingTimeout             = 3 * time.Second
)

// ClientConfig configures the OpenAI-compatible chat completion client.
type ClientConfig struct {
	BaseURL       string // e.g. http://localhost:1234/v1
	APIKey        string
	Model         string
	Temperature   float64
	MaxTokens     int // <= 0 selects a limit from the prompt size and context window
	ContextWindow int
	Timeout       time.Duration

	// RequestsPerSecond throttles outgoing calls. Zero disables throttling.
	RequestsPerSecond float64

	// Seed is forwarded to the endpoint when set, for reproducible sampling.
	Seed *int
}

// Client calls an OpenAI-compatible chat completions endpoint to generate
// flashcards from chunks.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	stats      *LLMStats
}

// NewClient builds a client. stats may be nil.
func NewClient(cfg ClientConfig, stats *LLMStats) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	cfg.BaseURL = normalizeBaseURL(cfg.BaseURL)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		stats:      stats,
	}
}

// normalizeBaseURL accepts either the API root or the full completions URL.
func normalizeBaseURL(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	u = strings.TrimSuffix(u, "/chat/completions")
	if u == "" {
		u = "http://localhost:1234/v1"
	}
	return u
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Seed        *int          `json:"seed,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate satisfies the pipeline's generator contract: it renders the prompt
// for req and returns the raw completion text.
func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (domain.RawModelResponse, error) {
	var system, user string
	if req.Purpose == domain.PurposeRefine && req.Candidate != nil {
		system, user = BuildRefinePrompt(*req.Candidate, req.Language, req.AllowedCategories)
	} else {
		system = BuildSystemPrompt(PromptOptions{
			Density:            req.Density,
			Language:           req.Language,
			CustomInstructions: req.CustomInstructions,
			ExcludeTrivia:      req.ExcludeTrivia,
			Categories:         req.AllowedCategories,
		})
		user = BuildChunkPrompt(req.Chunk.Text)
	}

	start := time.Now()
	text, err := c.Complete(ctx, system, user)
	resp := domain.RawModelResponse{
		ChunkID:       req.Chunk.ID,
		Text:          text,
		Latency:       time.Since(start),
		AttemptNumber: req.AttemptNumber,
	}
	return resp, err
}

// Complete sends one system+user exchange and returns the completion text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
		// The limiter refuses waits that would outlast the deadline; the
		// next attempt gets a fresh one.
		return "", &TransientError{Message: "rate limit wait: " + err.Error(), Err: err}
	}

	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   MaxTokensFor(system, user, c.cfg.MaxTokens, c.cfg.ContextWindow),
		Seed:        c.cfg.Seed,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	text, err := c.do(ctx, httpReq)
	if err != nil {
		c.recordError()
		return "", err
	}
	c.recordLatency(time.Since(start))
	return text, nil
}

func (c *Client) do(ctx context.Context, httpReq *http.Request) (string, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("chat completion: %w", ctxErr)
		}
		return "", &TransientError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", &TransientError{Message: "read response: " + err.Error(), Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return "", &TransientError{StatusCode: resp.StatusCode, Message: string(respBody)}
	case resp.StatusCode != http.StatusOK:
		return "", &PermanentError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var apiResp chatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", &PermanentError{StatusCode: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	if apiResp.Error != nil {
		return "", &PermanentError{StatusCode: resp.StatusCode, Message: apiResp.Error.Type + ": " + apiResp.Error.Message}
	}
	if len(apiResp.Choices) == 0 {
		return "", nil
	}
	return apiResp.Choices[0].Message.Content, nil
}

func (c *Client) recordLatency(d time.Duration) {
	if c.stats != nil {
		c.stats.Record(d.Milliseconds())
	}
}

func (c *Client) recordError() {
	if c.stats != nil {
		c.stats.RecordError()
	}
}

// Ping checks that the endpoint is reachable: first via the models listing,
// then by opening a plain TCP connection to its host.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err == nil {
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		if resp, err := c.httpClient.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}

	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("llm endpoint %s unreachable: %w", c.cfg.BaseURL, err)
	}
	conn.Close()
	return nil
}

// Close releases resources.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// MaxTokensFor picks the completion limit for one call. A positive configured
// value wins; otherwise the default is shrunk so prompt and completion fit the
// context window, never going below a usable floor.
func MaxTokensFor(system, user string, configured, contextWindow int) int {
	if configured > 0 {
		return configured
	}
	promptTokens := float64(utf8.RuneCountInString(system)+utf8.RuneCountInString(user)) / promptCharsPerToken
	n := defaultCompletionTokens
	if contextWindow > 0 && promptTokens+float64(n) > float64(contextWindow) {
		n = int(float64(contextWindow) - promptTokens - 100)
	}
	if n < minCompletionTokens {
		n = minCompletionTokens
	}
	return n
}
