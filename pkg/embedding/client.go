// Package embedding provides the client for the external embedding service.
// The service is an out-of-process collaborator; only its request/response
// contract is owned here.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// Client turns query text into a vector by calling the embedding service.
type Client interface {
	Embed(ctx context.Context, tenantID, text string) (*types.Embedding, error)
}

// HTTPClient is the production embedding client.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	logger     *slog.Logger
}

type embedRequest struct {
	Text     string `json:"text"`
	TenantID string `json:"tenant_id"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
	Model  string    `json:"model"`
}

// NewHTTPClient creates an embedding client with pooled connections.
func NewHTTPClient(cfg config.EmbeddingConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		logger:     logger.With("component", "embedding-client"),
	}
}

// Embed posts text to the embedding service and returns the vector and the
// model that produced it. Transient failures are retried once; the caller's
// context cancels in-flight requests.
func (c *HTTPClient) Embed(ctx context.Context, tenantID, text string) (*types.Embedding, error) {
	body, err := json.Marshal(embedRequest{Text: text, TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embed request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		emb, err := c.doEmbed(ctx, tenantID, body)
		if err == nil {
			return emb, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("Embedding call failed",
			"tenant_id", tenantID,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, fmt.Errorf("embedding service unavailable after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *HTTPClient) doEmbed(ctx context.Context, tenantID string, body []byte) (*types.Embedding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(payload))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(parsed.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}

	c.logger.Debug("Embedding generated",
		"tenant_id", tenantID,
		"dimensions", len(parsed.Vector),
		"model", parsed.Model,
		"latency", time.Since(start),
	)
	return &types.Embedding{Vector: parsed.Vector, Model: parsed.Model}, nil
}
