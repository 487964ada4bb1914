package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
)

// OllamaProvider talks to a local Ollama daemon via its generate API. It is
// the typical on-prem fallback behind a hosted primary.
type OllamaProvider struct {
	name         string
	baseURL      string
	model        string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// NewOllamaProvider builds a provider from its chain entry.
func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := &http.Transport{
		ResponseHeaderTimeout: timeout,
	}
	return &OllamaProvider{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		// Streams carry no overall timeout; token generation routinely
		// outlasts the sync budget. Stalls are bounded by the idle watchdog.
		streamClient: &http.Client{
			Transport: transport,
		},
		logger: logger.With("component", "ollama-provider", "provider", cfg.Name),
	}
}

func (p *OllamaProvider) Name() string  { return p.name }
func (p *OllamaProvider) Model() string { return p.model }

type ollamaRequest struct {
	Model   string `json:"model"`
	System  string `json:"system,omitempty"`
	Prompt  string `json:"prompt"`
	Stream  bool   `json:"stream"`
	Options struct {
		Temperature float64 `json:"temperature"`
		NumPredict  int     `json:"num_predict,omitempty"`
	} `json:"options"`
}

type ollamaResponse struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
}

// Generate performs a blocking non-streamed generation.
func (p *OllamaProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &callError{
			provider:   p.name,
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("%s", strings.TrimSpace(string(snippet))),
		}
	}

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &callError{provider: p.name, err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return &GenerateResult{
		Text:       parsed.Response,
		Model:      p.model,
		TokensUsed: parsed.EvalCount,
	}, nil
}

// GenerateStream performs a streamed generation. Ollama streams
// newline-delimited JSON objects rather than SSE frames.
func (p *OllamaProvider) GenerateStream(ctx context.Context, req *GenerateRequest, out chan<- StreamDelta) error {
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &callError{
			provider:   p.name,
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("%s", strings.TrimSpace(string(snippet))),
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	tokensUsed := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event ollamaResponse
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			p.logger.Warn("Skipping malformed stream line", "error", err)
			continue
		}
		if event.Done {
			tokensUsed = event.EvalCount
			break
		}
		if event.Response == "" {
			continue
		}
		select {
		case out <- StreamDelta{Text: event.Response}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &callError{provider: p.name, err: fmt.Errorf("stream read failed: %w", err)}
	}

	select {
	case out <- StreamDelta{Done: true, TokensUsed: tokensUsed}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Ping checks the daemon's tags endpoint.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return &callError{provider: p.name, err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return &callError{provider: p.name, statusCode: resp.StatusCode, err: fmt.Errorf("ping rejected")}
	}
	return nil
}

func (p *OllamaProvider) post(ctx context.Context, req *GenerateRequest, stream bool) (*http.Response, error) {
	payload := ollamaRequest{
		Model:  p.model,
		System: req.SystemPrompt,
		Prompt: req.Prompt,
		Stream: stream,
	}
	payload.Options.Temperature = req.Temperature
	payload.Options.NumPredict = req.MaxTokens

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := p.httpClient
	if stream {
		client = p.streamClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &callError{provider: p.name, err: err}
	}
	return resp, nil
}
