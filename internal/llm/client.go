// Package llm talks to an OpenAI-compatible chat completions API (OpenRouter
// by default), walking an ordered list of models and retrying transient
// failures before moving to the next one.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

var (
	// ErrNoAPIKey is returned when the client is built without a usable key.
	ErrNoAPIKey = errors.New("llm: API key is required")
	// ErrAllModelsFailed wraps the last error once every model has been tried.
	ErrAllModelsFailed = errors.New("llm: all model attempts failed")
	// ErrEmptyContent is returned when a model answers with no choices.
	ErrEmptyContent = errors.New("llm: empty completion")
)

// Config configures a Client. Zero values fall back to defaults.
type Config struct {
	APIKey            string
	BaseURL           string
	Referer           string
	Title             string
	MaxAttempts       int           // per model, default 3
	Backoff           time.Duration // multiplied by the attempt number, default 400ms
	Timeout           time.Duration // per HTTP request, default 2m
	RequestsPerSecond float64       // <= 0 disables pacing
	Models            map[Feature][]string
}

// Options tune a single completion.
type Options struct {
	ExpectJSON  bool
	Temperature float32
	MaxTokens   int
}

// Result is a successful completion.
type Result struct {
	Content      string
	FinishReason string
	Model        string
}

// Truncated reports whether the model stopped because it ran out of tokens.
func (r Result) Truncated() bool {
	return r.FinishReason == string(openai.FinishReasonLength)
}

// Client sends chat completions with model fallback and retries.
type Client struct {
	api         *openai.Client
	models      map[Feature][]string
	maxAttempts int
	backoff     time.Duration
	limiter     *rate.Limiter
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" || key == "placeholder-key" {
		return nil, ErrNoAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 400 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Models == nil {
		cfg.Models = DefaultModelOrder()
	}

	headers := map[string]string{}
	if cfg.Referer != "" {
		headers["HTTP-Referer"] = cfg.Referer
	}
	if cfg.Title != "" {
		headers["X-Title"] = cfg.Title
	}

	apiCfg := openai.DefaultConfig(key)
	apiCfg.BaseURL = cfg.BaseURL
	apiCfg.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &headerTransport{base: http.DefaultTransport, headers: headers},
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		api:         openai.NewClientWithConfig(apiCfg),
		models:      cfg.Models,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		limiter:     rate.NewLimiter(limit, 1),
	}, nil
}

// Complete runs a chat completion for feature. Each model in the feature's
// order gets up to MaxAttempts tries; only rate limits and server errors are
// retried, anything else moves on to the next model.
func (c *Client) Complete(ctx context.Context, feature Feature, messages []openai.ChatCompletionMessage, opts Options) (Result, error) {
	models := c.models[feature]
	if len(models) == 0 {
		return Result{}, fmt.Errorf("llm: no models configured for %q", feature)
	}

	var lastErr error
	for _, model := range models {
		for attempt := 1; attempt <= c.maxAttempts; attempt++ {
			if err := c.limiter.Wait(ctx); err != nil {
				return Result{}, err
			}

			res, err := c.complete(ctx, model, messages, opts)
			if err == nil {
				if res.Truncated() {
					slog.Warn("Completion truncated", "feature", feature, "model", model)
				}
				return res, nil
			}
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}

			lastErr = err
			transient := IsTransient(err)
			slog.Warn("Completion attempt failed",
				"feature", feature,
				"model", model,
				"attempt", attempt,
				"transient", transient,
				"error", err,
			)
			if !transient || attempt == c.maxAttempts {
				break
			}
			if err := sleep(ctx, c.backoff*time.Duration(attempt)); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{}, fmt.Errorf("%w: %w", ErrAllModelsFailed, lastErr)
}

func (c *Client) complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage, opts Options) (Result, error) {
	resp, err := c.api.CreateChatCompletion(ctx, request(model, messages, opts))
	if err != nil {
		return Result{}, fmt.Errorf("model %s: %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("model %s: %w", model, ErrEmptyContent)
	}
	choice := resp.Choices[0]
	return Result{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Model:        model,
	}, nil
}

func request(model string, messages []openai.ChatCompletionMessage, opts Options) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		TopP:        0.9,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.ExpectJSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

// statusText matches the status go-openai puts in errors for non-JSON error bodies.
var statusText = regexp.MustCompile(`status code: (429|5\d\d)\b`)

// IsTransient reports whether err is worth retrying against the same model:
// HTTP 429, any 5xx, or a network timeout.
func IsTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return statusText.MatchString(err.Error())
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// headerTransport adds fixed headers (OpenRouter attribution) to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		r = r.Clone(r.Context())
		for k, v := range t.headers {
			r.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(r)
}
