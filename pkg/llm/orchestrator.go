package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/monitoring"
	"github.com/enterprise-rag/rag-query-engine/pkg/ragerrors"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// Orchestrator drives generation across an ordered provider fallback chain.
// Each provider sits behind its own circuit breaker; a transient failure
// earns at most one same-provider retry before falling through to the next
// provider, while semantic rejections fall through immediately.
type Orchestrator struct {
	config    config.LLMConfig
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	metrics   *monitoring.Metrics
	logger    *slog.Logger

	statusMu sync.RWMutex
	status   map[string]*types.ProviderStatus
}

// NewOrchestrator builds the chain in the order providers are given.
func NewOrchestrator(cfg config.LLMConfig, providers []Provider, metrics *monitoring.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = monitoring.NewNop()
	}
	o := &Orchestrator{
		config:    cfg,
		providers: providers,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		metrics:   metrics,
		status:    make(map[string]*types.ProviderStatus),
		logger:    logger.With("component", "llm-orchestrator"),
	}
	for _, p := range providers {
		name := p.Name()
		o.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		o.status[name] = &types.ProviderStatus{
			Name:   name,
			Health: types.ProviderHealthy,
		}
	}
	return o
}

// chain returns the providers in fallback order, with the preferred provider
// moved to the front when it exists in the chain.
func (o *Orchestrator) chain(preferred string) []Provider {
	if preferred == "" {
		preferred = o.config.DefaultProvider
	}
	ordered := make([]Provider, 0, len(o.providers))
	for _, p := range o.providers {
		if p.Name() == preferred {
			ordered = append(ordered, p)
		}
	}
	for _, p := range o.providers {
		if p.Name() != preferred {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// Generate runs the blocking generation path. It returns the result and the
// name of the provider that produced it, or AllProvidersUnavailable with the
// sanitized per-provider failures once the chain is exhausted.
func (o *Orchestrator) Generate(ctx context.Context, preferred string, req *GenerateRequest) (*GenerateResult, string, error) {
	chain := o.chain(preferred)
	if len(chain) == 0 {
		return nil, "", ragerrors.Internal("no llm providers configured", nil)
	}

	var attempts []ragerrors.ProviderError
	for _, provider := range chain {
		if ctx.Err() != nil {
			return nil, "", ragerrors.DeadlineExceeded("request deadline reached during generation", ctx.Err())
		}

		result, err := o.generateOnce(ctx, provider, req)
		if err == nil {
			return result, provider.Name(), nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, "", err
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, "", ragerrors.DeadlineExceeded("request deadline reached during generation", err)
		}

		o.logger.Warn("Provider failed, falling back",
			"provider", provider.Name(),
			"error", err,
		)
		attempts = append(attempts, ragerrors.ProviderError{
			Provider: provider.Name(),
			Message:  ragerrors.Sanitize(err),
		})
	}
	return nil, "", ragerrors.AllProvidersUnavailable(attempts)
}

// generateOnce runs one provider through its breaker with the single-retry
// policy for transient failures.
func (o *Orchestrator) generateOnce(ctx context.Context, provider Provider, req *GenerateRequest) (*GenerateResult, error) {
	breaker := o.breakers[provider.Name()]

	call := func() (*GenerateResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.config.SyncTimeout)
		defer cancel()

		start := time.Now()
		raw, err := breaker.Execute(func() (interface{}, error) {
			return provider.Generate(callCtx, req)
		})
		o.recordCall(provider.Name(), time.Since(start), err)
		if err != nil {
			return nil, err
		}
		return raw.(*GenerateResult), nil
	}

	result, err := call()
	if err == nil {
		return result, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		o.markOffline(provider.Name())
		return nil, fmt.Errorf("circuit breaker open for provider %s", provider.Name())
	}
	if !isTransient(err) || o.config.MaxRetries < 1 || ctx.Err() != nil {
		return nil, err
	}

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return call()
}

// Stream is a running streaming generation. Deltas closes when the stream
// ends; Err reports why when it ended abnormally.
type Stream struct {
	Provider string
	Model    string
	Deltas   <-chan StreamDelta

	mu  sync.Mutex
	err error
}

// Err returns the terminal error, valid once Deltas is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// GenerateStream starts a streaming generation. Fallback applies only until
// the first delta is delivered; after that a failure terminates the stream
// and surfaces through Err. Deltas stalled longer than the idle timeout
// cancel the provider call.
func (o *Orchestrator) GenerateStream(ctx context.Context, preferred string, req *GenerateRequest) (*Stream, error) {
	chain := o.chain(preferred)
	if len(chain) == 0 {
		return nil, ragerrors.Internal("no llm providers configured", nil)
	}

	buffer := o.config.StreamBuffer
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan StreamDelta, buffer)
	stream := &Stream{Deltas: out}

	go func() {
		defer close(out)

		var attempts []ragerrors.ProviderError
		for _, provider := range chain {
			if ctx.Err() != nil {
				stream.setErr(ctx.Err())
				return
			}

			delivered, err := o.streamOnce(ctx, provider, req, out, stream)
			if err == nil {
				return
			}
			if delivered || errors.Is(err, context.Canceled) {
				stream.setErr(err)
				return
			}

			o.logger.Warn("Provider failed before first chunk, falling back",
				"provider", provider.Name(),
				"error", err,
			)
			attempts = append(attempts, ragerrors.ProviderError{
				Provider: provider.Name(),
				Message:  ragerrors.Sanitize(err),
			})
		}
		stream.setErr(ragerrors.AllProvidersUnavailable(attempts))
	}()

	return stream, nil
}

// streamOnce pumps one provider's stream into out under the idle timeout.
// It reports whether any delta reached the consumer.
func (o *Orchestrator) streamOnce(ctx context.Context, provider Provider, req *GenerateRequest, out chan<- StreamDelta, stream *Stream) (bool, error) {
	breaker := o.breakers[provider.Name()]

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inner := make(chan StreamDelta, 1)
	errCh := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, provider.GenerateStream(callCtx, req, inner)
		})
		errCh <- err
	}()

	idleTimeout := o.config.StreamIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Second
	}
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	delivered := false
	for {
		select {
		case delta := <-inner:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleTimeout)

			if delta.Done {
				err := <-errCh
				o.recordCall(provider.Name(), time.Since(start), err)
				if err != nil {
					return delivered, err
				}
				stream.mu.Lock()
				stream.Provider = provider.Name()
				stream.Model = provider.Model()
				stream.mu.Unlock()
				select {
				case out <- delta:
				case <-ctx.Done():
					return delivered, ctx.Err()
				}
				return true, nil
			}

			select {
			case out <- delta:
				if !delivered {
					stream.mu.Lock()
					stream.Provider = provider.Name()
					stream.Model = provider.Model()
					stream.mu.Unlock()
				}
				delivered = true
			case <-ctx.Done():
				o.recordCall(provider.Name(), time.Since(start), ctx.Err())
				return delivered, ctx.Err()
			}

		case err := <-errCh:
			// Drain any delta raced in before the error.
			select {
			case delta := <-inner:
				if delta.Done && err == nil {
					o.recordCall(provider.Name(), time.Since(start), nil)
					stream.mu.Lock()
					stream.Provider = provider.Name()
					stream.Model = provider.Model()
					stream.mu.Unlock()
					select {
					case out <- delta:
					case <-ctx.Done():
						return delivered, ctx.Err()
					}
					return true, nil
				}
			default:
			}
			o.recordCall(provider.Name(), time.Since(start), err)
			if err == nil {
				err = fmt.Errorf("provider %s stream ended without terminal chunk", provider.Name())
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				o.markOffline(provider.Name())
				err = fmt.Errorf("circuit breaker open for provider %s", provider.Name())
			}
			return delivered, err

		case <-idle.C:
			cancel()
			<-errCh
			err := fmt.Errorf("provider %s stream idle for %s", provider.Name(), idleTimeout)
			o.recordCall(provider.Name(), time.Since(start), err)
			return delivered, err

		case <-ctx.Done():
			cancel()
			<-errCh
			o.recordCall(provider.Name(), time.Since(start), ctx.Err())
			return delivered, ctx.Err()
		}
	}
}

// recordCall updates the provider's diagnostic status after a call.
func (o *Orchestrator) recordCall(name string, latency time.Duration, err error) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()

	st, ok := o.status[name]
	if !ok {
		return
	}
	st.Requests++
	st.LastLatency = latency
	st.LastUsed = time.Now()
	if err != nil {
		o.metrics.ProviderCalls.WithLabelValues(name, "error").Inc()
		st.Failures++
		st.LastError = ragerrors.Sanitize(err)
		st.Health = types.ProviderDegraded
		return
	}
	o.metrics.ProviderCalls.WithLabelValues(name, "success").Inc()
	st.LastError = ""
	st.Health = types.ProviderHealthy
}

func (o *Orchestrator) markOffline(name string) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	if st, ok := o.status[name]; ok {
		st.Health = types.ProviderOffline
	}
}

// ProviderStatuses returns a snapshot of the chain's diagnostic state,
// sorted by provider name.
func (o *Orchestrator) ProviderStatuses() []types.ProviderStatus {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()

	statuses := make([]types.ProviderStatus, 0, len(o.status))
	for _, st := range o.status {
		statuses = append(statuses, *st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// HealthCheck pings every provider and refreshes its status. Breaker state
// is not touched; pings are diagnostics, not traffic.
func (o *Orchestrator) HealthCheck(ctx context.Context) {
	for _, provider := range o.providers {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := provider.Ping(pingCtx)
		cancel()

		o.statusMu.Lock()
		st := o.status[provider.Name()]
		if err != nil {
			st.Health = types.ProviderOffline
			st.LastError = ragerrors.Sanitize(err)
			o.logger.Warn("Provider health check failed", "provider", provider.Name(), "error", err)
		} else if st.Health == types.ProviderOffline {
			st.Health = types.ProviderHealthy
			st.LastError = ""
		}
		o.statusMu.Unlock()
	}
}

// BuildProviders instantiates the chain from configuration.
func BuildProviders(cfg config.LLMConfig, logger *slog.Logger) ([]Provider, error) {
	providers := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "openai":
			providers = append(providers, NewOpenAIProvider(pc, logger))
		case "ollama":
			providers = append(providers, NewOllamaProvider(pc, logger))
		default:
			return nil, fmt.Errorf("unknown provider type %q for provider %s", pc.Type, pc.Name)
		}
	}
	return providers, nil
}
