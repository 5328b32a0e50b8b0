// Package executor provides queue.Executor implementations that call out to
// external business logic.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/retryq/internal/core/domain"
)

// Config holds webhook settings.
type Config struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// Webhook POSTs each payload as JSON and maps the response to a failure category.
type Webhook struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
}

// NewWebhook creates a webhook executor.
func NewWebhook(cfg Config) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Webhook{
		url:     cfg.URL,
		headers: cfg.Headers,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Execute implements queue.Executor.
func (w *Webhook) Execute(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.NewFailure(domain.FailureValidation, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return domain.NewFailure(domain.FailureValidation, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := fmt.Errorf("webhook http %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	return domain.NewFailure(categoryForStatus(resp.StatusCode, string(text)), cause)
}

func classifyTransport(ctx context.Context, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return domain.NewFailure(domain.FailureTimeout, err)
	}
	if ctx.Err() != nil {
		return domain.NewFailure(domain.FailureTimeout, err)
	}
	return domain.NewFailure(domain.FailureNetwork, err)
}

// categoryForStatus maps a non-2xx response to a failure category.
func categoryForStatus(code int, body string) domain.FailureCategory {
	switch code {
	case http.StatusBadRequest:
		return domain.FailureValidation
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return domain.FailureBusiness
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInsufficientStorage:
		return domain.FailureResource
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return domain.FailureTimeout
	case http.StatusInternalServerError, http.StatusBadGateway:
		if strings.Contains(strings.ToLower(body), "database") {
			return domain.FailureDatabase
		}
		return domain.FailureNetwork
	}
	if code >= 400 && code < 500 {
		return domain.FailureValidation
	}
	return domain.FailureNetwork
}
