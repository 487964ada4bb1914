// Package llm implements the generation layer: concrete LLM providers and
// the orchestrator that drives the ordered fallback chain across them.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// GenerateRequest is the provider-independent generation input.
type GenerateRequest struct {
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Temperature  float64
}

// GenerateResult is a completed generation.
type GenerateResult struct {
	Text       string
	Model      string
	TokensUsed int
}

// StreamDelta is one increment of a streaming generation. The terminal delta
// has Done set and carries the token usage when the provider reports it.
type StreamDelta struct {
	Text       string
	Done       bool
	TokensUsed int
}

// Provider is a single LLM backend. Implementations must respect context
// cancellation on both call paths.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
	GenerateStream(ctx context.Context, req *GenerateRequest, out chan<- StreamDelta) error
	Ping(ctx context.Context) error
}

// callError is a provider call failure annotated with the HTTP status, used
// to decide between retry and immediate fallback.
type callError struct {
	provider   string
	statusCode int
	err        error
}

func (e *callError) Error() string {
	if e.statusCode > 0 {
		return fmt.Sprintf("provider %s returned status %d: %v", e.provider, e.statusCode, e.err)
	}
	return fmt.Sprintf("provider %s call failed: %v", e.provider, e.err)
}

func (e *callError) Unwrap() error { return e.err }

// isTransient reports whether a provider failure is worth one retry on the
// same provider. Timeouts, connection failures, 429 and 5xx qualify; other
// 4xx responses are semantic rejections and trigger immediate fallback.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var ce *callError
	if errors.As(err, &ce) {
		if ce.statusCode == 0 {
			return true
		}
		return ce.statusCode == http.StatusTooManyRequests || ce.statusCode >= 500
	}
	return false
}

// retryBackoff is the fixed pause before the single same-provider retry.
const retryBackoff = 500 * time.Millisecond
