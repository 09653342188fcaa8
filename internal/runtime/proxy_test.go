package runtime

import (
	"context"
	"errors"
	"iter"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/protostream/internal/runtime/callctx"
	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	"github.com/drblury/protostream/internal/runtime/pipeline"
	"github.com/drblury/protostream/internal/runtime/services"
)

func TestEndToEndCountStream(t *testing.T) {
	log := &invocationLog{}
	svc := newTestService(t, nil, ServiceDependencies{})
	registerRecorders(t, svc, log)
	require.NoError(t, RegisterHandler[countHandler](svc, WithPipeline(func(b *pipeline.Builder) {
		pipeline.Use[*firstMW](b)
	})))

	scope := newTestScope(t, svc)
	h, err := Resolve[countRequest, int](scope)
	require.NoError(t, err)

	items, err := drain(t, h.ExecuteRequest(context.Background(), countRequest{From: 10}))
	require.NoError(t, err)
	assert.Equal(t, []int{11, 12, 13}, items)
	assert.Equal(t, []string{"first:start", "first:item 11", "first:item 12", "first:item 13", "first:end"}, log.snapshot())
}

func TestNothingRunsUntilPulled(t *testing.T) {
	built := 0
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterHandlerFactory(svc, func(*services.Scope) (countHandler, error) {
		built++
		return countHandler{}, nil
	}))

	scope := newTestScope(t, svc)
	h, err := Resolve[countRequest, int](scope)
	require.NoError(t, err)

	stream := h.ExecuteRequest(context.Background(), countRequest{})
	assert.Zero(t, built)

	_, err = drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, 1, built)
}

func TestPipelineOrderFollowsBuilder(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*pipeline.Builder)
		want      []string
	}{
		{
			name: "first entry is outermost",
			configure: func(b *pipeline.Builder) {
				pipeline.Use[*firstMW](b)
				pipeline.Use[*secondMW](b)
			},
			want: []string{"first:start", "second:start"},
		},
		{
			name: "without removes the entry",
			configure: func(b *pipeline.Builder) {
				pipeline.Use[*firstMW](b)
				pipeline.Use[*secondMW](b)
				pipeline.Without[*secondMW](b)
			},
			want: []string{"first:start"},
		},
		{
			name: "re-adding appends at the end",
			configure: func(b *pipeline.Builder) {
				pipeline.Use[*secondMW](b)
				pipeline.Use[*firstMW](b)
				pipeline.Without[*secondMW](b)
				pipeline.Use[*secondMW](b)
			},
			want: []string{"first:start", "second:start"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &invocationLog{}
			svc := newTestService(t, nil, ServiceDependencies{})
			registerRecorders(t, svc, log)
			require.NoError(t, RegisterHandler[countHandler](svc, WithPipeline(tt.configure)))

			h, err := Resolve[countRequest, int](newTestScope(t, svc))
			require.NoError(t, err)
			_, err = drain(t, h.ExecuteRequest(context.Background(), countRequest{}))
			require.NoError(t, err)

			var starts []string
			for _, e := range log.snapshot() {
				if strings.HasSuffix(e, ":start") {
					starts = append(starts, e)
				}
			}
			assert.Equal(t, tt.want, starts)
		})
	}
}

type sentinelHandler struct{ err error }

func (h sentinelHandler) ExecuteRequest(_ context.Context, _ string) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		if !yield(1, nil) {
			return
		}
		yield(0, h.err)
	}
}

func TestHandlerErrorIsPropagatedUnchanged(t *testing.T) {
	sentinel := errors.New("boom")
	log := &invocationLog{}
	svc := newTestService(t, nil, ServiceDependencies{})
	registerRecorders(t, svc, log)
	require.NoError(t, RegisterHandlerInstance(svc, sentinelHandler{err: sentinel}, WithPipeline(func(b *pipeline.Builder) {
		pipeline.Use[*firstMW](b)
	})))

	h, err := Resolve[string, int](newTestScope(t, svc))
	require.NoError(t, err)

	items, err := drain(t, h.ExecuteRequest(context.Background(), "x"))
	assert.Equal(t, []int{1}, items)
	if err != sentinel {
		t.Fatalf("expected the handler's error instance, got %v", err)
	}
	assert.Contains(t, log.snapshot(), "first:error boom")
}

type doubler struct{}

func (doubler) Execute(mc *pipeline.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for item, err := range mc.Proceed() {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(item.(int)*2, nil) {
				return
			}
		}
	}
}

type requestRewriter struct{}

func (requestRewriter) Execute(mc *pipeline.Context) iter.Seq2[any, error] {
	req := mc.Request.(countRequest)
	req.From += 100
	return mc.Next(mc.Context(), req)
}

func TestMiddlewareSubstitutesItemsAndRequest(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterMiddleware[doubler](svc))
	require.NoError(t, RegisterMiddleware[requestRewriter](svc))
	require.NoError(t, RegisterHandler[countHandler](svc, WithPipeline(func(b *pipeline.Builder) {
		pipeline.Use[doubler](b)
		pipeline.Use[requestRewriter](b)
	})))

	h, err := Resolve[countRequest, int](newTestScope(t, svc))
	require.NoError(t, err)

	items, err := drain(t, h.ExecuteRequest(context.Background(), countRequest{From: 0}))
	require.NoError(t, err)
	assert.Equal(t, []int{202, 204, 206}, items)
}

type cancelRewriter struct{}

func (cancelRewriter) Execute(mc *pipeline.Context) iter.Seq2[any, error] {
	ctx, cancel := context.WithCancel(mc.Context())
	cancel()
	return mc.Next(ctx, mc.Request)
}

func TestMiddlewareSubstitutesContext(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterMiddleware[cancelRewriter](svc))
	require.NoError(t, RegisterHandler[countHandler](svc, WithPipeline(func(b *pipeline.Builder) {
		pipeline.Use[cancelRewriter](b)
	})))

	h, err := Resolve[countRequest, int](newTestScope(t, svc))
	require.NoError(t, err)

	items, err := drain(t, h.ExecuteRequest(context.Background(), countRequest{}))
	assert.Empty(t, items)
	assert.ErrorIs(t, err, context.Canceled)
}

type retryTwice struct{}

func (retryTwice) Execute(mc *pipeline.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for range 2 {
			for item, err := range mc.Proceed() {
				if !yield(item, err) || err != nil {
					return
				}
			}
		}
	}
}

func TestMiddlewareMayCallNextRepeatedly(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterMiddleware[retryTwice](svc))
	require.NoError(t, RegisterHandler[countHandler](svc, WithPipeline(func(b *pipeline.Builder) {
		pipeline.Use[retryTwice](b)
	})))

	h, err := Resolve[countRequest, int](newTestScope(t, svc))
	require.NoError(t, err)

	items, err := drain(t, h.ExecuteRequest(context.Background(), countRequest{From: 0}))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 1, 2, 3}, items)
}

type unregisteredMW struct{}

func (unregisteredMW) Execute(mc *pipeline.Context) iter.Seq2[any, error] { return mc.Proceed() }

func TestUnregisteredMiddlewareFailsAtInvocation(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterHandler[countHandler](svc, WithPipeline(func(b *pipeline.Builder) {
		pipeline.Use[unregisteredMW](b)
	})))

	h, err := Resolve[countRequest, int](newTestScope(t, svc))
	require.NoError(t, err)

	_, err = drain(t, h.ExecuteRequest(context.Background(), countRequest{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrInvalidOperation)
	assert.Contains(t, err.Error(), "trying to use unregistered middleware type")
	assert.Contains(t, err.Error(), reflect.TypeFor[unregisteredMW]().String())
}

type labelConfig struct{ Label string }

type labelMW struct{ log *invocationLog }

func (m *labelMW) Execute(mc *pipeline.Context, cfg labelConfig) iter.Seq2[any, error] {
	m.log.add("label:%s", cfg.Label)
	return mc.Proceed()
}

func TestConfigureReplacesConfiguration(t *testing.T) {
	log := &invocationLog{}
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterMiddlewareFactory(svc, func(*services.Scope) (*labelMW, error) {
		return &labelMW{log: log}, nil
	}))

	var configured error
	require.NoError(t, RegisterHandler[countHandler](svc, WithPipeline(func(b *pipeline.Builder) {
		pipeline.UseConfigured[*labelMW](b, labelConfig{Label: "a"})
		pipeline.UseConfigured[*labelMW](b, labelConfig{Label: "b"})
		configured = pipeline.Configure[*labelMW](b, labelConfig{Label: "c"})
	})))

	h, err := Resolve[countRequest, int](newTestScope(t, svc))
	require.NoError(t, err)
	_, err = drain(t, h.ExecuteRequest(context.Background(), countRequest{}))
	require.NoError(t, err)
	require.NoError(t, configured)

	assert.Equal(t, []string{"label:a", "label:c"}, log.snapshot())
}

func TestConfigureMissingEntryFailsInvocation(t *testing.T) {
	log := &invocationLog{}
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterMiddlewareFactory(svc, func(*services.Scope) (*labelMW, error) {
		return &labelMW{log: log}, nil
	}))
	require.NoError(t, RegisterHandler[countHandler](svc, WithPipeline(func(b *pipeline.Builder) {
		_ = pipeline.Configure[*labelMW](b, labelConfig{Label: "missing"})
	})))

	h, err := Resolve[countRequest, int](newTestScope(t, svc))
	require.NoError(t, err)
	items, err := drain(t, h.ExecuteRequest(context.Background(), countRequest{}))
	assert.Empty(t, items)
	assert.ErrorIs(t, err, errspkg.ErrInvalidOperation)
	assert.Empty(t, log.snapshot())
}

type selfConfiguring struct{ countHandler }

func (selfConfiguring) ConfigurePipeline(b *pipeline.Builder) {
	pipeline.Use[doubler](b)
}

func TestPipelineConfigurerHookRunsBeforeRegistrationSteps(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterMiddleware[doubler](svc))

	var seen []int
	require.NoError(t, RegisterHandler[selfConfiguring](svc, WithPipeline(func(b *pipeline.Builder) {
		seen = append(seen, b.Len())
	})))

	h, err := Resolve[countRequest, int](newTestScope(t, svc))
	require.NoError(t, err)
	items, err := drain(t, h.ExecuteRequest(context.Background(), countRequest{}))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, items)
	// defaults (logging, recoverer) plus the hook's doubler
	assert.Equal(t, []int{3}, seen)
}

func TestDelegateHandlerWithPipeline(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterMiddleware[doubler](svc))

	var scopes []*services.Scope
	require.NoError(t, RegisterHandlerFunc(svc, func(_ context.Context, req string, scope *services.Scope) iter.Seq2[int, error] {
		scopes = append(scopes, scope)
		return func(yield func(int, error) bool) {
			yield(len(req), nil)
		}
	}, WithPipeline(func(b *pipeline.Builder) { pipeline.Use[doubler](b) })))

	scope := newTestScope(t, svc)
	h, err := Resolve[string, int](scope)
	require.NoError(t, err)
	items, err := drain(t, h.ExecuteRequest(context.Background(), "abc"))
	require.NoError(t, err)
	assert.Equal(t, []int{6}, items)
	require.Len(t, scopes, 1)
	assert.Same(t, scope, scopes[0])
}

func TestResolveUnknownPair(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	_, err := Resolve[countRequest, string](newTestScope(t, svc))
	assert.ErrorIs(t, err, errspkg.ErrNotFound)
}

func TestCancelledContextStopsHandler(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterHandler[countHandler](svc))

	h, err := Resolve[countRequest, int](newTestScope(t, svc))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var items []int
	for item, err := range h.ExecuteRequest(ctx, countRequest{}) {
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			break
		}
		items = append(items, item)
		cancel()
	}
	assert.Equal(t, []int{1}, items)
}

func TestConsumerMayStopEarly(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterHandler[countHandler](svc))

	h, err := Resolve[countRequest, int](newTestScope(t, svc))
	require.NoError(t, err)

	var items []int
	for item, err := range h.ExecuteRequest(context.Background(), countRequest{}) {
		require.NoError(t, err)
		items = append(items, item)
		if len(items) == 2 {
			break
		}
	}
	assert.Equal(t, []int{1, 2}, items)
}

type correlationEcho struct{}

func (correlationEcho) ExecuteRequest(ctx context.Context, _ int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		cc := callctx.FromContext(ctx)
		if cc == nil {
			yield("", errors.New("no call context"))
			return
		}
		yield(cc.CorrelationID()+"/"+cc.TraceID(), nil)
	}
}

func ccID(cc *callctx.CallContext) string {
	if cc == nil {
		return "<none>"
	}
	return cc.CorrelationID() + "/" + cc.TraceID()
}

func TestCorrelationScoping(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterHandler[correlationEcho](svc))

	type outerReq struct{}
	require.NoError(t, RegisterHandlerFunc(svc, func(ctx context.Context, _ outerReq, scope *services.Scope) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			if !yield(ccID(callctx.FromContext(ctx)), nil) {
				return
			}

			// A helper resolved from the same scope sees the same context.
			acc, err := services.Resolve[*callctx.Accessor](scope)
			if err != nil {
				yield("", err)
				return
			}
			if !yield(ccID(acc.Current()), nil) {
				return
			}

			fresh, err := Resolve[int, string](scope)
			if err != nil {
				yield("", err)
				return
			}
			for id, err := range fresh.ExecuteRequest(ctx, 1) {
				if !yield(id, err) || err != nil {
					return
				}
				// Still suspended inside the fresh stream.
				if !yield(ccID(acc.Current()), nil) {
					return
				}
			}

			// Back in the outer invocation once the fresh call has ended.
			yield(ccID(acc.Current()), nil)
		}
	}))

	h, err := Resolve[outerReq, string](newTestScope(t, svc))
	require.NoError(t, err)
	ids, err := drain(t, h.ExecuteRequest(context.Background(), outerReq{}))
	require.NoError(t, err)
	require.Len(t, ids, 5)

	outer := strings.Split(ids[0], "/")
	fresh := strings.Split(ids[2], "/")
	assert.Equal(t, ids[0], ids[1], "a helper on the same path observes the caller's call context")
	assert.NotEqual(t, outer[0], fresh[0], "a top-level resolution gets a fresh correlation id")
	assert.Equal(t, outer[1], fresh[1], "the trace id is inherited")
	assert.Equal(t, ids[0], ids[3], "the accessor keeps the outer call while a nested stream is open")
	assert.Equal(t, ids[0], ids[4])
}

type reportRequest struct{ Items int }

type idReport struct {
	FromContext  string
	FromAccessor string
}

// accessorReporter is built transiently with the invocation's accessor.
type accessorReporter struct{ acc *callctx.Accessor }

func (h *accessorReporter) ExecuteRequest(ctx context.Context, req reportRequest) iter.Seq2[idReport, error] {
	return func(yield func(idReport, error) bool) {
		for range req.Items {
			if !yield(idReport{FromContext: ccID(callctx.FromContext(ctx)), FromAccessor: ccID(h.acc.Current())}, nil) {
				return
			}
		}
	}
}

func TestAccessorFollowsInterleavedInvocations(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterHandlerFactory(svc, func(s *services.Scope) (*accessorReporter, error) {
		acc, err := services.Resolve[*callctx.Accessor](s)
		return &accessorReporter{acc: acc}, err
	}))

	h, err := Resolve[reportRequest, idReport](newTestScope(t, svc))
	require.NoError(t, err)

	nextA, stopA := iter.Pull2(h.ExecuteRequest(context.Background(), reportRequest{Items: 2}))
	defer stopA()
	nextB, stopB := iter.Pull2(h.ExecuteRequest(context.Background(), reportRequest{Items: 2}))
	defer stopB()

	var reports []idReport
	for _, next := range []func() (idReport, error, bool){nextA, nextB, nextA, nextB} {
		r, err, ok := next()
		require.True(t, ok)
		require.NoError(t, err)
		assert.Equal(t, r.FromContext, r.FromAccessor)
		reports = append(reports, r)
	}
	assert.Equal(t, reports[0], reports[2])
	assert.Equal(t, reports[1], reports[3])
	assert.NotEqual(t, reports[0].FromContext, reports[1].FromContext)
}

type correlationRecorder struct{ log *invocationLog }

func (m *correlationRecorder) Execute(mc *pipeline.Context) iter.Seq2[any, error] {
	m.log.add("%s", ccID(mc.CallContext()))
	return mc.Proceed()
}

func TestInProcessClientSharesCallContextWithHandler(t *testing.T) {
	log := &invocationLog{}
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterMiddlewareFactory(svc, func(*services.Scope) (*correlationRecorder, error) {
		return &correlationRecorder{log: log}, nil
	}))
	require.NoError(t, RegisterHandler[correlationEcho](svc, WithPipeline(func(b *pipeline.Builder) {
		pipeline.Use[*correlationRecorder](b)
	})))

	client, err := NewClient[int, string](newTestScope(t, svc), InProcess, func(b *pipeline.Builder) {
		pipeline.Use[*correlationRecorder](b)
	})
	require.NoError(t, err)

	ids, err := drain(t, client.ExecuteRequest(context.Background(), 1))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, []string{ids[0], ids[0]}, log.snapshot(), "client and handler pipelines observe one call context")
}

func TestSeparateInvocationsGetDistinctCorrelationIDs(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterHandler[correlationEcho](svc))

	h, err := Resolve[int, string](newTestScope(t, svc))
	require.NoError(t, err)

	first, err := drain(t, h.ExecuteRequest(context.Background(), 1))
	require.NoError(t, err)
	second, err := drain(t, h.ExecuteRequest(context.Background(), 1))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestCallContextEndsWithStream(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	var seen *callctx.CallContext
	require.NoError(t, RegisterHandlerFunc(svc, func(ctx context.Context, _ int, _ *services.Scope) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			seen = callctx.FromContext(ctx)
			yield("one", nil)
		}
	}))

	scope := newTestScope(t, svc)
	acc, err := services.Resolve[*callctx.Accessor](scope)
	require.NoError(t, err)
	assert.Nil(t, acc.Current(), "outside an invocation the accessor is unbound")

	h, err := Resolve[int, string](scope)
	require.NoError(t, err)
	for range h.ExecuteRequest(context.Background(), 1) {
		require.NotNil(t, seen)
		assert.False(t, seen.Ended())
	}
	assert.True(t, seen.Ended())
}
