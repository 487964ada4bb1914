package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/monitoring"
	"github.com/enterprise-rag/rag-query-engine/pkg/ragerrors"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

type mockProvider struct {
	name string

	mu          sync.Mutex
	calls       int
	streamCalls int

	generateFn func(call int) (*GenerateResult, error)
	streamFn   func(ctx context.Context, out chan<- StreamDelta, call int) error
}

func (m *mockProvider) Name() string  { return m.name }
func (m *mockProvider) Model() string { return m.name + "-model" }

func (m *mockProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	return m.generateFn(call)
}

func (m *mockProvider) GenerateStream(ctx context.Context, req *GenerateRequest, out chan<- StreamDelta) error {
	m.mu.Lock()
	m.streamCalls++
	call := m.streamCalls
	m.mu.Unlock()
	return m.streamFn(ctx, out, call)
}

func (m *mockProvider) Ping(ctx context.Context) error { return nil }

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func succeeding(name, answer string) *mockProvider {
	return &mockProvider{
		name: name,
		generateFn: func(int) (*GenerateResult, error) {
			return &GenerateResult{Text: answer, Model: name + "-model", TokensUsed: 10}, nil
		},
		streamFn: func(ctx context.Context, out chan<- StreamDelta, _ int) error {
			for _, piece := range []string{answer[:len(answer)/2], answer[len(answer)/2:]} {
				select {
				case out <- StreamDelta{Text: piece}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			select {
			case out <- StreamDelta{Done: true, TokensUsed: 10}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	}
}

func failing(name string, statusCode int) *mockProvider {
	return &mockProvider{
		name: name,
		generateFn: func(int) (*GenerateResult, error) {
			return nil, &callError{provider: name, statusCode: statusCode, err: fmt.Errorf("boom")}
		},
		streamFn: func(ctx context.Context, out chan<- StreamDelta, _ int) error {
			return &callError{provider: name, statusCode: statusCode, err: fmt.Errorf("boom")}
		},
	}
}

func testLLMConfig() config.LLMConfig {
	cfg := config.Default().LLM
	cfg.SyncTimeout = 2 * time.Second
	cfg.StreamIdleTimeout = 200 * time.Millisecond
	return cfg
}

func TestGenerateUsesFirstHealthyProvider(t *testing.T) {
	primary := succeeding("primary", "primary answer")
	backup := succeeding("backup", "backup answer")
	o := NewOrchestrator(testLLMConfig(), []Provider{primary, backup}, nil, nil)

	result, providerName, err := o.Generate(context.Background(), "", &GenerateRequest{Prompt: "q"})
	require.NoError(t, err)

	assert.Equal(t, "primary answer", result.Text)
	assert.Equal(t, "primary", providerName)
	assert.Zero(t, backup.callCount())
}

func TestGeneratePreferredProviderMovesFirst(t *testing.T) {
	primary := succeeding("primary", "primary answer")
	backup := succeeding("backup", "backup answer")
	o := NewOrchestrator(testLLMConfig(), []Provider{primary, backup}, nil, nil)

	result, providerName, err := o.Generate(context.Background(), "backup", &GenerateRequest{Prompt: "q"})
	require.NoError(t, err)

	assert.Equal(t, "backup answer", result.Text)
	assert.Equal(t, "backup", providerName)
	assert.Zero(t, primary.callCount())
}

func TestGenerateFallsBackOnFailure(t *testing.T) {
	primary := failing("primary", 500)
	backup := succeeding("backup", "backup answer")
	o := NewOrchestrator(testLLMConfig(), []Provider{primary, backup}, nil, nil)

	result, providerName, err := o.Generate(context.Background(), "", &GenerateRequest{Prompt: "q"})
	require.NoError(t, err)

	assert.Equal(t, "backup answer", result.Text)
	assert.Equal(t, "backup", providerName)
}

func TestGenerateRetriesTransientOnce(t *testing.T) {
	flaky := &mockProvider{name: "flaky"}
	flaky.generateFn = func(call int) (*GenerateResult, error) {
		if call == 1 {
			return nil, &callError{provider: "flaky", statusCode: 503, err: fmt.Errorf("overloaded")}
		}
		return &GenerateResult{Text: "recovered", Model: "flaky-model"}, nil
	}
	o := NewOrchestrator(testLLMConfig(), []Provider{flaky}, nil, nil)

	result, _, err := o.Generate(context.Background(), "", &GenerateRequest{Prompt: "q"})
	require.NoError(t, err)

	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, 2, flaky.callCount())
}

func TestGenerateSemanticRejectionSkipsRetry(t *testing.T) {
	rejecting := failing("rejecting", 400)
	backup := succeeding("backup", "backup answer")
	o := NewOrchestrator(testLLMConfig(), []Provider{rejecting, backup}, nil, nil)

	_, providerName, err := o.Generate(context.Background(), "", &GenerateRequest{Prompt: "q"})
	require.NoError(t, err)

	assert.Equal(t, "backup", providerName)
	assert.Equal(t, 1, rejecting.callCount())
}

func TestGenerateAllProvidersExhausted(t *testing.T) {
	o := NewOrchestrator(testLLMConfig(), []Provider{
		failing("one", 400),
		failing("two", 403),
		failing("three", 422),
	}, nil, nil)

	_, _, err := o.Generate(context.Background(), "", &GenerateRequest{Prompt: "q"})
	require.Error(t, err)
	assert.True(t, ragerrors.IsKind(err, ragerrors.KindAllProvidersUnavailable))

	var taxErr *ragerrors.Error
	require.True(t, errors.As(err, &taxErr))
	require.Len(t, taxErr.ProviderErrors, 3)
	assert.Equal(t, "one", taxErr.ProviderErrors[0].Provider)
	assert.Equal(t, "two", taxErr.ProviderErrors[1].Provider)
	assert.Equal(t, "three", taxErr.ProviderErrors[2].Provider)
}

func TestGenerateStreamCollectsDeltas(t *testing.T) {
	o := NewOrchestrator(testLLMConfig(), []Provider{succeeding("primary", "streamed answer")}, nil, nil)

	stream, err := o.GenerateStream(context.Background(), "", &GenerateRequest{Prompt: "q"})
	require.NoError(t, err)

	var text string
	var sawDone bool
	for delta := range stream.Deltas {
		if delta.Done {
			sawDone = true
			assert.Equal(t, 10, delta.TokensUsed)
			continue
		}
		text += delta.Text
	}
	require.NoError(t, stream.Err())
	assert.True(t, sawDone)
	assert.Equal(t, "streamed answer", text)
	assert.Equal(t, "primary", stream.Provider)
}

func TestGenerateStreamFallsBackBeforeFirstChunk(t *testing.T) {
	o := NewOrchestrator(testLLMConfig(), []Provider{
		failing("primary", 500),
		succeeding("backup", "fallback answer"),
	}, nil, nil)

	stream, err := o.GenerateStream(context.Background(), "", &GenerateRequest{Prompt: "q"})
	require.NoError(t, err)

	var text string
	for delta := range stream.Deltas {
		if !delta.Done {
			text += delta.Text
		}
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, "fallback answer", text)
	assert.Equal(t, "backup", stream.Provider)
}

func TestGenerateStreamCancellationPropagates(t *testing.T) {
	blocking := &mockProvider{name: "blocking"}
	released := make(chan struct{})
	blocking.streamFn = func(ctx context.Context, out chan<- StreamDelta, _ int) error {
		select {
		case out <- StreamDelta{Text: "partial"}:
		case <-ctx.Done():
			return ctx.Err()
		}
		<-ctx.Done()
		close(released)
		return ctx.Err()
	}

	cfg := testLLMConfig()
	cfg.StreamIdleTimeout = 10 * time.Second
	o := NewOrchestrator(cfg, []Provider{blocking}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := o.GenerateStream(ctx, "", &GenerateRequest{Prompt: "q"})
	require.NoError(t, err)

	delta := <-stream.Deltas
	assert.Equal(t, "partial", delta.Text)

	cancel()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("provider did not observe cancellation")
	}

	for range stream.Deltas {
	}
	assert.ErrorIs(t, stream.Err(), context.Canceled)
}

func TestGenerateStreamIdleTimeout(t *testing.T) {
	stalled := &mockProvider{name: "stalled"}
	stalled.streamFn = func(ctx context.Context, out chan<- StreamDelta, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	}

	cfg := testLLMConfig()
	cfg.StreamIdleTimeout = 50 * time.Millisecond
	o := NewOrchestrator(cfg, []Provider{stalled}, nil, nil)

	stream, err := o.GenerateStream(context.Background(), "", &GenerateRequest{Prompt: "q"})
	require.NoError(t, err)

	for range stream.Deltas {
	}
	require.Error(t, stream.Err())
	assert.True(t, ragerrors.IsKind(stream.Err(), ragerrors.KindAllProvidersUnavailable))
}

func TestProviderStatusesTrackOutcomes(t *testing.T) {
	primary := failing("primary", 500)
	backup := succeeding("backup", "ok")
	o := NewOrchestrator(testLLMConfig(), []Provider{primary, backup}, nil, nil)

	_, _, err := o.Generate(context.Background(), "", &GenerateRequest{Prompt: "q"})
	require.NoError(t, err)

	statuses := o.ProviderStatuses()
	require.Len(t, statuses, 2)

	byName := make(map[string]types.ProviderStatus, len(statuses))
	for _, st := range statuses {
		byName[st.Name] = st
	}
	assert.Equal(t, types.ProviderDegraded, byName["primary"].Health)
	assert.NotEmpty(t, byName["primary"].LastError)
	assert.Equal(t, types.ProviderHealthy, byName["backup"].Health)
	assert.Equal(t, int64(0), byName["backup"].Failures)
}

func TestGenerateRecordsProviderCallMetrics(t *testing.T) {
	metrics := monitoring.New(prometheus.NewRegistry())
	o := NewOrchestrator(testLLMConfig(), []Provider{
		failing("primary", 500),
		succeeding("backup", "ok"),
	}, metrics, nil)

	_, providerName, err := o.Generate(context.Background(), "", &GenerateRequest{Prompt: "q"})
	require.NoError(t, err)
	require.Equal(t, "backup", providerName)

	// Status 500 is transient, so the primary is retried once before the
	// chain falls back.
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ProviderCalls.WithLabelValues("primary", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ProviderCalls.WithLabelValues("backup", "success")))
}
