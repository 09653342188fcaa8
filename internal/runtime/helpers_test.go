package runtime

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/protostream/internal/runtime/config"
	loggingpkg "github.com/drblury/protostream/internal/runtime/logging"
	"github.com/drblury/protostream/internal/runtime/pipeline"
	"github.com/drblury/protostream/internal/runtime/services"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func newTestService(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if cfg == nil {
		cfg = &configpkg.Config{}
	}
	if deps.MetricsRegisterer == nil {
		deps.MetricsRegisterer = prometheus.NewRegistry()
	}
	svc, err := NewService(cfg, newTestLogger(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func newTestScope(t *testing.T, svc *Service) *services.Scope {
	t.Helper()
	provider, err := svc.Build()
	require.NoError(t, err)
	scope := provider.NewScope()
	t.Cleanup(func() { _ = scope.Close() })
	return scope
}

func drain[T any](t *testing.T, seq iter.Seq2[T, error]) ([]T, error) {
	t.Helper()
	var items []T
	for item, err := range seq {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

type countRequest struct {
	From int `json:"from"`
}

// countHandler yields From+1, From+2, From+3.
type countHandler struct{}

func (countHandler) ExecuteRequest(ctx context.Context, req countRequest) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		for i := 1; i <= 3; i++ {
			if err := ctx.Err(); err != nil {
				yield(0, err)
				return
			}
			if !yield(req.From+i, nil) {
				return
			}
		}
	}
}

type Counter interface {
	ExecuteRequest(ctx context.Context, req countRequest) iter.Seq2[int, error]
}

type invocationLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *invocationLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

func (l *invocationLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// recordingMW logs each invocation and every item it forwards.
type recordingMW struct {
	name string
	log  *invocationLog
}

func (m *recordingMW) Execute(mc *pipeline.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		m.log.add("%s:start", m.name)
		for item, err := range mc.Proceed() {
			if err != nil {
				m.log.add("%s:error %v", m.name, err)
				yield(nil, err)
				return
			}
			m.log.add("%s:item %v", m.name, item)
			if !yield(item, nil) {
				return
			}
		}
		m.log.add("%s:end", m.name)
	}
}

type firstMW struct{ recordingMW }
type secondMW struct{ recordingMW }

func registerRecorders(t *testing.T, svc *Service, log *invocationLog) {
	t.Helper()
	require.NoError(t, RegisterMiddlewareFactory(svc, func(*services.Scope) (*firstMW, error) {
		return &firstMW{recordingMW{name: "first", log: log}}, nil
	}))
	require.NoError(t, RegisterMiddlewareFactory(svc, func(*services.Scope) (*secondMW, error) {
		return &secondMW{recordingMW{name: "second", log: log}}, nil
	}))
}

// fakeClient is a TransportClient that answers every request with a fixed
// item list.
type fakeClient struct {
	items []any
	err   error
	info  pipeline.TransportInfo

	mu       sync.Mutex
	requests []any
}

func (c *fakeClient) ExecuteRequest(ctx context.Context, req any, _ reflect.Type) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		c.mu.Lock()
		c.requests = append(c.requests, req)
		c.mu.Unlock()
		for _, item := range c.items {
			if !yield(item, nil) {
				return
			}
		}
		if c.err != nil {
			yield(nil, c.err)
		}
	}
}

func (c *fakeClient) Info() pipeline.TransportInfo { return c.info }

func (c *fakeClient) seen() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.requests...)
}
