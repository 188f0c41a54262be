package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/cortana/internal/phase"
	"github.com/ashureev/cortana/internal/transcript"
)

// ErrUnexpectedPhase is returned when the review endpoint answers with
// something other than a code review payload.
var ErrUnexpectedPhase = errors.New("unexpected phase in review response")

const maxReviewBodySize = 1 << 20

// HTTPClient reaches the tutor over plain HTTP.
type HTTPClient struct {
	baseURL        string
	client         *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// HTTPClientConfig holds configuration for the HTTP client.
type HTTPClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// NewHTTPClient creates a client for the tutor at cfg.BaseURL.
func NewHTTPClient(cfg HTTPClientConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		// Streams are bounded by the caller's context, not a client timeout.
		client:         &http.Client{},
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}
}

// Stream posts the chat request and returns the streamed body.
func (c *HTTPClient) Stream(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	req.Stream = true
	if req.History == nil {
		req.History = []transcript.HistoryEntry{}
	}
	resp, err := c.post(ctx, "/chat", req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drainAndClose(resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	c.logger.Debug("Chat stream opened",
		"user_id", req.UserID,
		"session_id", req.SessionID,
		"history_len", len(req.History),
	)
	return resp.Body, nil
}

// Review posts code for review.
func (c *HTTPClient) Review(ctx context.Context, req ReviewRequest) (phase.CodeReview, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.post(ctx, "/review", req)
	if err != nil {
		return phase.CodeReview{}, fmt.Errorf("review request failed: %w", err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return phase.CodeReview{}, &StatusError{Code: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReviewBodySize))
	if err != nil {
		return phase.CodeReview{}, fmt.Errorf("read review response: %w", err)
	}
	return decodeReview(raw)
}

// Levels fetches the selectable levels.
func (c *HTTPClient) Levels(ctx context.Context) ([]phase.Level, error) {
	var body levelsResponse
	if err := c.getJSON(ctx, "/levels", &body); err != nil {
		return nil, err
	}
	return body.Levels, nil
}

// Health fetches the tutor's health report.
func (c *HTTPClient) Health(ctx context.Context) (Health, error) {
	var body Health
	if err := c.getJSON(ctx, "/health", &body); err != nil {
		return Health{}, fmt.Errorf("health check failed: %w", err)
	}
	return body, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() {
	c.client.CloseIdleConnections()
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// decodeReview classifies a review body, which must be a CODE_REVIEW payload.
func decodeReview(raw []byte) (phase.CodeReview, error) {
	data, ok := phase.Classify(raw)
	if !ok {
		return phase.CodeReview{}, fmt.Errorf("%w: payload did not classify", ErrUnexpectedPhase)
	}
	review, ok := data.(phase.CodeReview)
	if !ok {
		return phase.CodeReview{}, fmt.Errorf("%w: %s", ErrUnexpectedPhase, data.Kind())
	}
	return review, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
