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

// OpenAIProvider talks to an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	name         string
	baseURL      string
	apiKey       string
	model        string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// NewOpenAIProvider builds a provider from its chain entry.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &OpenAIProvider{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		// Streams run without an overall client timeout; the per-call
		// timeout would cut off long responses mid-delivery. Stalls are
		// bounded by ResponseHeaderTimeout and the caller's idle watchdog.
		streamClient: &http.Client{
			Transport: transport,
		},
		logger: logger.With("component", "openai-provider", "provider", cfg.Name),
	}
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

type chatStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate performs a single blocking chat completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	body, err := json.Marshal(chatRequest{
		Model:       p.model,
		Messages:    p.messages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	resp, err := p.post(ctx, p.httpClient, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &callError{provider: p.name, err: fmt.Errorf("failed to decode chat response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &callError{provider: p.name, err: fmt.Errorf("chat response contained no choices")}
	}

	model := parsed.Model
	if model == "" {
		model = p.model
	}
	return &GenerateResult{
		Text:       parsed.Choices[0].Message.Content,
		Model:      model,
		TokensUsed: parsed.Usage.TotalTokens,
	}, nil
}

// GenerateStream performs a streaming chat completion, forwarding deltas to
// out as server-sent events arrive. The channel is not closed here; the
// orchestrator owns its lifecycle.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, req *GenerateRequest, out chan<- StreamDelta) error {
	body, err := json.Marshal(chatRequest{
		Model:       p.model,
		Messages:    p.messages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to encode chat request: %w", err)
	}

	resp, err := p.post(ctx, p.streamClient, "/chat/completions", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	tokensUsed := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var event chatStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			p.logger.Warn("Skipping malformed stream event", "error", err)
			continue
		}
		if event.Usage != nil {
			tokensUsed = event.Usage.TotalTokens
		}
		if len(event.Choices) == 0 {
			continue
		}
		delta := event.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		select {
		case out <- StreamDelta{Text: delta}:
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

// Ping verifies reachability via the models endpoint.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
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

func (p *OpenAIProvider) messages(req *GenerateRequest) []chatMessage {
	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	return messages
}

func (p *OpenAIProvider) post(ctx context.Context, client *http.Client, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
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

func (p *OpenAIProvider) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &callError{
		provider:   p.name,
		statusCode: resp.StatusCode,
		err:        fmt.Errorf("%s", strings.TrimSpace(string(snippet))),
	}
}
