package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sseServer(t *testing.T, deltas []string, interval time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for _, delta := range deltas {
			time.Sleep(interval)
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"total_tokens\":42}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

// A stream must keep delivering for as long as deltas arrive, even after the
// blocking-call timeout has elapsed.
func TestOpenAIStreamOutlivesSyncTimeout(t *testing.T) {
	deltas := []string{"The ", "answer ", "is ", "grounded ", "in ", "the ", "retrieved ", "chunks."}
	server := sseServer(t, deltas, 40*time.Millisecond)
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai",
		BaseURL: server.URL,
		Model:   "gpt-test",
		Timeout: 100 * time.Millisecond,
	}, testLogger())

	out := make(chan StreamDelta)
	var received []StreamDelta
	done := make(chan struct{})
	go func() {
		defer close(done)
		for delta := range out {
			received = append(received, delta)
		}
	}()

	err := provider.GenerateStream(context.Background(), &GenerateRequest{Prompt: "q"}, out)
	close(out)
	<-done

	require.NoError(t, err)
	require.Len(t, received, len(deltas)+1)
	for i, delta := range received[:len(deltas)] {
		assert.Equal(t, deltas[i], delta.Text)
	}
	final := received[len(received)-1]
	assert.True(t, final.Done)
	assert.Equal(t, 42, final.TokensUsed)
}

// Generate keeps the per-call timeout.
func TestOpenAIGenerateHonorsTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai",
		BaseURL: server.URL,
		Model:   "gpt-test",
		Timeout: 50 * time.Millisecond,
	}, testLogger())

	_, err := provider.Generate(context.Background(), &GenerateRequest{Prompt: "q"})
	require.Error(t, err)
}
