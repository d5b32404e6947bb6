package generative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/agentfactory/internal/config"
	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

const instrumentationName = "github.com/fyrsmithlabs/agentfactory/internal/generative"

const (
	defaultMaxTokens        = 4096
	defaultTransportRetries = 3
	defaultRateLimit        = 2.0
	defaultBurst            = 5
	baseBackoff             = time.Second
)

// Output is the validated result of one role execution.
type Output struct {
	Result        json.RawMessage
	Confidence    float64
	TokensUsed    int64
	EstimatedCost float64
}

// Client executes role-tuned generations against the model backend.
type Client interface {
	// ExecuteRole runs one generation. The returned Output always has a
	// confidence in [0, 100] and a non-empty result.
	ExecuteRole(ctx context.Context, role Role, userPrompt string) (*Output, error)

	// Ping verifies the backend is reachable. It never consumes model
	// tokens.
	Ping(ctx context.Context) error
}

// generateRequest is the wire format of the backend.
type generateRequest struct {
	SystemPrompt string  `json:"systemPrompt"`
	UserPrompt   string  `json:"userPrompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"maxTokens"`
}

// generateResponse is the backend's reply; Content carries the model
// text the envelope is extracted from.
type generateResponse struct {
	Content    string `json:"content"`
	StopReason string `json:"stop_reason,omitempty"`
}

type backendError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// httpClient is the production Client.
type httpClient struct {
	baseURL          string
	apiKey           config.Secret
	model            string
	maxTokens        int
	costPerKiloToken float64
	http             *http.Client
	limiter          *rate.Limiter
	maxRetries       int
	logger           *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	callCounter  metric.Int64Counter
	tokenCounter metric.Int64Counter
}

// NewClient builds the production client from configuration.
func NewClient(cfg *config.GenerativeConfig, logger *zap.Logger) (Client, error) {
	if cfg == nil {
		return nil, errors.New("generative config is required")
	}
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("generative API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}

	c := &httpClient{
		baseURL:          cfg.BaseURL,
		apiKey:           cfg.APIKey,
		model:            cfg.Model,
		maxTokens:        maxTokens,
		costPerKiloToken: cfg.CostPerKiloToken,
		http: &http.Client{
			Timeout: cfg.Timeout.Duration(),
		},
		limiter:    rate.NewLimiter(rate.Limit(limit), defaultBurst),
		maxRetries: defaultTransportRetries,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	c.initMetrics()
	return c, nil
}

func (c *httpClient) initMetrics() {
	var err error

	c.callCounter, err = c.meter.Int64Counter(
		"factoryd.generative.calls_total",
		metric.WithDescription("Total role executions against the model backend"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		c.logger.Warn("failed to create call counter", zap.Error(err))
	}

	c.tokenCounter, err = c.meter.Int64Counter(
		"factoryd.generative.tokens_total",
		metric.WithDescription("Estimated tokens consumed"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		c.logger.Warn("failed to create token counter", zap.Error(err))
	}
}

// ExecuteRole runs one generation with rate limiting and bounded
// retries on transient transport failures.
func (c *httpClient) ExecuteRole(ctx context.Context, role Role, userPrompt string) (*Output, error) {
	ctx, span := c.tracer.Start(ctx, "generative.execute_role")
	defer span.End()
	span.SetAttributes(attribute.String("role", string(role)))

	systemPrompt, err := role.SystemPrompt()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, spec.NewError(spec.ErrSystem, err.Error(), nil)
	}
	temperature, err := role.Temperature()
	if err != nil {
		return nil, spec.NewError(spec.ErrSystem, err.Error(), nil)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, spec.NewError(spec.ErrGeneration, "rate limiter interrupted", err)
	}

	req := generateRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  temperature,
		MaxTokens:    c.maxTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, spec.NewError(spec.ErrTimeout, "generation cancelled during backoff", ctx.Err())
			}
		}

		out, err := c.doRequest(ctx, role, req)
		if err == nil {
			if c.callCounter != nil {
				c.callCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(role))))
			}
			if c.tokenCounter != nil {
				c.tokenCounter.Add(ctx, out.TokensUsed, metric.WithAttributes(attribute.String("role", string(role))))
			}
			span.SetAttributes(attribute.Float64("confidence", out.Confidence))
			return out, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		c.logger.Debug("retrying generation",
			zap.String("role", string(role)),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	span.SetStatus(codes.Error, "retries exhausted")
	return nil, spec.NewError(spec.ErrGeneration, "transport retries exhausted", lastErr)
}

func (c *httpClient) doRequest(ctx context.Context, role Role, req generateRequest) (*Output, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, spec.NewError(spec.ErrSystem, "encode generation request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, spec.NewError(spec.ErrSystem, "build generation request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey.Value())
	httpReq.Header.Set("X-Model", c.model)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, spec.NewError(spec.ErrTimeout, "generation request timed out", err)
		}
		return nil, &retryableError{err: fmt.Errorf("generation request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, spec.NewError(spec.ErrGeneration, "read generation response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retryableError{err: errors.New("rate limited (429)")}
	case resp.StatusCode >= 500:
		return nil, &retryableError{err: fmt.Errorf("server error (%d)", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		var be backendError
		if json.Unmarshal(body, &be) == nil && be.Error.Message != "" {
			return nil, spec.NewError(spec.ErrGeneration, fmt.Sprintf("backend error (%d): %s", resp.StatusCode, be.Error.Message), nil)
		}
		return nil, spec.NewError(spec.ErrGeneration, fmt.Sprintf("backend error (%d)", resp.StatusCode), nil)
	}

	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, spec.NewError(spec.ErrGeneration, "decode generation response", err)
	}
	if gr.Content == "" {
		return nil, spec.NewError(spec.ErrGeneration, "empty generation response", nil)
	}

	env, err := ExtractEnvelope(gr.Content)
	if err != nil {
		return nil, err
	}

	tokens := estimateTokens(req.SystemPrompt) + estimateTokens(req.UserPrompt) + estimateTokens(gr.Content)
	return &Output{
		Result:        env.Result,
		Confidence:    *env.Confidence,
		TokensUsed:    tokens,
		EstimatedCost: c.estimateCost(tokens),
	}, nil
}

// Ping issues a bare GET against the backend base URL. Any HTTP
// response counts as reachable; only transport failures are errors.
func (c *httpClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return spec.NewError(spec.ErrSystem, "build reachability request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return spec.NewError(spec.ErrGeneration, "generation backend unreachable", err)
	}
	resp.Body.Close()
	return nil
}

func (c *httpClient) estimateCost(tokens int64) float64 {
	return float64(tokens) / 1000.0 * c.costPerKiloToken
}

// estimateTokens approximates tokens as one per four characters.
func estimateTokens(s string) int64 {
	return int64(len(s) / 4)
}

// retryableError marks a transport failure worth retrying.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
