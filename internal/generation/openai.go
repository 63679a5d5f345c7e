package generation

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

	"go.opentelemetry.io/otel/attribute"

	"storyline/internal/faults"
	"storyline/internal/telemetry"
)

// ClientConfig configures an OpenAI-compatible chat completions endpoint.
type ClientConfig struct {
	URL        string
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls a chat completions endpoint.
type Client struct {
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "https://api.openai.com/v1/chat/completions"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Client{cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends one system+user exchange and returns the reply text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, span := telemetry.Tracer("generation").Start(ctx, "generation.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("model", c.cfg.Model))

	if strings.TrimSpace(c.cfg.Model) == "" {
		return "", faults.Permanent(faults.New(faults.CodeGenerationUnavailable, "model is required"))
	}
	body, err := json.Marshal(map[string]any{
		"model":    c.cfg.Model,
		"messages": []chatMessage{{Role: "system", Content: system}, {Role: "user", Content: user}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", faults.Permanent(faults.Wrap(faults.CodeGenerationUnavailable, "build completion request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if isTimeout(err) {
			return "", faults.Wrap(faults.CodeGenerationTimeout, "completion request timed out", err)
		}
		return "", faults.Wrap(faults.CodeGenerationUnavailable, "completion request failed", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		ferr := faults.New(faults.CodeGenerationUnavailable, fmt.Sprintf("completion request status %d: %s", res.StatusCode, strings.TrimSpace(string(msg))))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests && res.StatusCode != http.StatusRequestTimeout {
			return "", faults.Permanent(ferr)
		}
		return "", ferr
	}

	var payload struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		if isTimeout(err) {
			return "", faults.Wrap(faults.CodeGenerationTimeout, "completion response timed out", err)
		}
		return "", faults.Wrap(faults.CodeGenerationUnavailable, "decode completion response", err)
	}
	for _, choice := range payload.Choices {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", faults.New(faults.CodeGenerationUnavailable, "completion response has no content")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
