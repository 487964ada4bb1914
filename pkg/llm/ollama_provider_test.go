package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
)

func TestOllamaStreamOutlivesSyncTimeout(t *testing.T) {
	deltas := []string{"slow", " and", " steady"}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for _, delta := range deltas {
			time.Sleep(60 * time.Millisecond)
			fmt.Fprintf(w, "{\"response\":%q,\"done\":false}\n", delta)
			flusher.Flush()
		}
		fmt.Fprint(w, "{\"response\":\"\",\"done\":true,\"eval_count\":7}\n")
		flusher.Flush()
	}))
	defer server.Close()

	provider := NewOllamaProvider(config.ProviderConfig{
		Name:    "ollama",
		BaseURL: server.URL,
		Model:   "llama3",
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
	assert.Equal(t, 7, final.TokensUsed)
}
