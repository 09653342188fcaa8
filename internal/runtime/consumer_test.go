package runtime

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/protostream/internal/runtime/callctx"
	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	"github.com/drblury/protostream/internal/runtime/pipeline"
	"github.com/drblury/protostream/internal/runtime/services"
)

type parcel struct{ Weight int }

type observations struct {
	mu    sync.Mutex
	items []int
	ids   []int32
}

func (o *observations) record(id int32, item parcel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, id)
	o.items = append(o.items, item.Weight)
}

func (o *observations) snapshot() ([]int, []int32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.items...), append([]int32(nil), o.ids...)
}

type parcelConsumer struct {
	id  int32
	obs *observations
}

func (c *parcelConsumer) HandleItem(_ context.Context, item parcel) error {
	c.obs.record(c.id, item)
	return nil
}

func registerParcelConsumer(t *testing.T, svc *Service, obs *observations, opts ...HandlerOption) {
	t.Helper()
	var ids atomic.Int32
	require.NoError(t, RegisterConsumerFactory[*parcelConsumer, parcel](svc, func(*services.Scope) (*parcelConsumer, error) {
		return &parcelConsumer{id: ids.Add(1), obs: obs}, nil
	}, opts...))
}

var weighed atomic.Int64

// scale is registered by type and reports into a package counter.
type scale struct{}

func (scale) HandleItem(_ context.Context, item parcel) error {
	weighed.Add(int64(item.Weight))
	return nil
}

func TestConsumerRegisteredByTypeHandlesItem(t *testing.T) {
	weighed.Store(0)
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterConsumer[scale, parcel](svc))

	c, err := ResolveConsumer[parcel](newTestScope(t, svc))
	require.NoError(t, err)
	require.NoError(t, c.HandleItem(context.Background(), parcel{Weight: 10}))
	require.NoError(t, c.HandleItem(context.Background(), parcel{Weight: 5}))
	assert.EqualValues(t, 15, weighed.Load())
}

func TestConsumerLifetimes(t *testing.T) {
	tests := []struct {
		lifetime  services.Lifetime
		sameScope bool
		sameAll   bool
	}{
		{lifetime: services.Transient},
		{lifetime: services.Scoped, sameScope: true},
		{lifetime: services.Singleton, sameScope: true, sameAll: true},
	}

	for _, tt := range tests {
		t.Run(tt.lifetime.String(), func(t *testing.T) {
			obs := &observations{}
			svc := newTestService(t, nil, ServiceDependencies{})
			registerParcelConsumer(t, svc, obs, WithLifetime(tt.lifetime))

			cA, err := ResolveConsumer[parcel](newTestScope(t, svc))
			require.NoError(t, err)
			cB, err := ResolveConsumer[parcel](newTestScope(t, svc))
			require.NoError(t, err)
			for i, c := range []Consumer[parcel]{cA, cA, cB} {
				require.NoError(t, c.HandleItem(context.Background(), parcel{Weight: i}))
			}

			items, ids := obs.snapshot()
			assert.Equal(t, []int{0, 1, 2}, items)
			assert.Equal(t, tt.sameScope, ids[0] == ids[1])
			assert.Equal(t, tt.sameAll, ids[0] == ids[2])
		})
	}
}

func TestConsumerInstanceIsShared(t *testing.T) {
	obs := &observations{}
	instance := &parcelConsumer{id: 42, obs: obs}
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterConsumerInstance[*parcelConsumer, parcel](svc, instance))

	for range 2 {
		c, err := ResolveConsumer[parcel](newTestScope(t, svc))
		require.NoError(t, err)
		require.NoError(t, c.HandleItem(context.Background(), parcel{Weight: 1}))
	}
	_, ids := obs.snapshot()
	assert.Equal(t, []int32{42, 42}, ids)

	var missing *parcelConsumer
	assert.ErrorIs(t, RegisterConsumerInstance[*parcelConsumer, parcel](newTestService(t, nil, ServiceDependencies{}), missing), errspkg.ErrInvalidArgument)
}

func TestKeyedConsumers(t *testing.T) {
	plain, express := &observations{}, &observations{}
	svc := newTestService(t, nil, ServiceDependencies{})
	registerParcelConsumer(t, svc, plain)
	require.NoError(t, RegisterConsumerFactory[*parcelConsumer, parcel](svc, func(*services.Scope) (*parcelConsumer, error) {
		return &parcelConsumer{obs: express}, nil
	}, WithKey("express")))

	scope := newTestScope(t, svc)
	c, err := ResolveConsumerKeyed[parcel](scope, "express")
	require.NoError(t, err)
	require.NoError(t, c.HandleItem(context.Background(), parcel{Weight: 7}))

	got, _ := express.snapshot()
	assert.Equal(t, []int{7}, got)
	got, _ = plain.snapshot()
	assert.Empty(t, got)

	_, err = ResolveConsumerKeyed[parcel](scope, "overnight")
	assert.ErrorIs(t, err, errspkg.ErrNotFound)
	_, err = ResolveConsumer[string](scope)
	assert.ErrorIs(t, err, errspkg.ErrNotFound)
	_, err = ResolveConsumerKeyed[parcel](scope, []string{"x"})
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestConflictingConsumerRegistrationFails(t *testing.T) {
	obs := &observations{}
	svc := newTestService(t, nil, ServiceDependencies{})
	registerParcelConsumer(t, svc, obs)
	descriptors := svc.Services().Len()

	// Same type again replaces the earlier registration.
	registerParcelConsumer(t, svc, obs)
	assert.Equal(t, descriptors, svc.Services().Len())

	err := RegisterConsumer[scale, parcel](svc)
	assert.ErrorIs(t, err, errspkg.ErrInvalidOperation)
	assert.Contains(t, err.Error(), "keyed")

	require.NoError(t, RegisterConsumer[scale, parcel](svc, WithKey("scale")))
}

func TestConsumerRegistrationValidation(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	assert.ErrorIs(t, RegisterConsumerFactory[*parcelConsumer, parcel](svc, nil), errspkg.ErrInvalidArgument)
	assert.ErrorIs(t, RegisterConsumer[Consumer[parcel], parcel](svc), errspkg.ErrInvalidArgument)
	assert.ErrorIs(t, RegisterConsumer[scale, parcel](svc, WithInterface[Counter]()), errspkg.ErrInvalidArgument)
	assert.ErrorIs(t, RegisterConsumer[scale, parcel](nil), errspkg.ErrInvalidArgument)

	_, err := svc.Build()
	require.NoError(t, err)
	assert.ErrorIs(t, RegisterConsumer[scale, parcel](svc), errspkg.ErrInvalidOperation)
}

var errRejected = errors.New("parcel rejected")

func TestConsumerErrorsAreReturnedUnchanged(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	c, err := NewConsumer(newTestScope(t, svc), func(context.Context, parcel, *services.Scope) error {
		return errRejected
	}, nil)
	require.NoError(t, err)
	assert.Same(t, errRejected, c.HandleItem(context.Background(), parcel{}))
}

func TestConsumerPanicBecomesPanicError(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	c, err := NewConsumer(newTestScope(t, svc), func(context.Context, parcel, *services.Scope) error {
		panic("scale broke")
	}, nil)
	require.NoError(t, err)

	var pe *PanicError
	require.ErrorAs(t, c.HandleItem(context.Background(), parcel{}), &pe)
	assert.Equal(t, "scale broke", pe.Value)
}

type tracedParcelConsumer struct{ obs *observations }

func (c *tracedParcelConsumer) ConfigurePipeline(b *pipeline.Builder) {
	pipeline.Use[*firstMW](b)
}

func (c *tracedParcelConsumer) HandleItem(_ context.Context, item parcel) error {
	c.obs.record(0, item)
	return nil
}

type roleRecorder struct{ log *invocationLog }

func (m *roleRecorder) Execute(mc *pipeline.Context) iter.Seq2[any, error] {
	m.log.add("%s %s", mc.Transport.Role, mc.RequestType)
	return mc.Proceed()
}

func TestConsumerPipeline(t *testing.T) {
	log := &invocationLog{}
	obs := &observations{}
	svc := newTestService(t, nil, ServiceDependencies{})
	registerRecorders(t, svc, log)
	require.NoError(t, RegisterMiddlewareFactory(svc, func(*services.Scope) (*roleRecorder, error) {
		return &roleRecorder{log: log}, nil
	}))
	require.NoError(t, RegisterConsumerFactory[*tracedParcelConsumer, parcel](svc, func(*services.Scope) (*tracedParcelConsumer, error) {
		return &tracedParcelConsumer{obs: obs}, nil
	}, WithPipeline(func(b *pipeline.Builder) {
		pipeline.Use[*roleRecorder](b)
	})))

	c, err := ResolveConsumer[parcel](newTestScope(t, svc))
	require.NoError(t, err)
	require.NoError(t, c.HandleItem(context.Background(), parcel{Weight: 3}))

	assert.Equal(t, []string{"first:start", "consumer runtime.parcel", "first:end"}, log.snapshot())
	items, _ := obs.snapshot()
	assert.Equal(t, []int{3}, items)
}

func TestConsumerPipelineConfigurationErrorsFailTheItem(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	registerRecorders(t, svc, &invocationLog{})
	called := false
	c, err := NewConsumer(newTestScope(t, svc), func(context.Context, parcel, *services.Scope) error {
		called = true
		return nil
	}, func(b *pipeline.Builder) {
		_ = pipeline.Configure[*firstMW](b, "missing")
	})
	require.NoError(t, err)

	assert.ErrorIs(t, c.HandleItem(context.Background(), parcel{}), errspkg.ErrInvalidOperation)
	assert.False(t, called)
}

func TestDelegateConsumerSeesCallerContext(t *testing.T) {
	svc := newTestService(t, nil, ServiceDependencies{})
	var fromCtx, fromAccessor *callctx.CallContext
	c, err := NewConsumer(newTestScope(t, svc), func(ctx context.Context, _ parcel, scope *services.Scope) error {
		fromCtx = callctx.FromContext(ctx)
		acc, err := services.Resolve[*callctx.Accessor](scope)
		if err != nil {
			return err
		}
		fromAccessor = acc.Current()
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cc, h := callctx.EnterNew(context.Background())
	defer h.Release()
	require.NoError(t, c.HandleItem(ctx, parcel{}))
	assert.Same(t, cc, fromCtx)
	assert.Same(t, cc, fromAccessor)

	require.NoError(t, c.HandleItem(context.Background(), parcel{}))
	require.NotNil(t, fromCtx)
	assert.NotSame(t, cc, fromCtx, "a consumer called outside a call starts its own")
}

type parcelRequest struct{ Count int }

type parcelSource struct{}

func (parcelSource) ExecuteRequest(_ context.Context, req parcelRequest) iter.Seq2[parcel, error] {
	return func(yield func(parcel, error) bool) {
		for i := 1; i <= req.Count; i++ {
			if !yield(parcel{Weight: i}, nil) {
				return
			}
		}
	}
}

func TestConsumeFeedsStream(t *testing.T) {
	obs := &observations{}
	svc := newTestService(t, nil, ServiceDependencies{})
	require.NoError(t, RegisterHandler[parcelSource](svc))
	registerParcelConsumer(t, svc, obs, WithLifetime(services.Scoped))

	scope := newTestScope(t, svc)
	h, err := Resolve[parcelRequest, parcel](scope)
	require.NoError(t, err)
	c, err := ResolveConsumer[parcel](scope)
	require.NoError(t, err)

	require.NoError(t, Consume(context.Background(), h.ExecuteRequest(context.Background(), parcelRequest{Count: 3}), c))
	items, _ := obs.snapshot()
	assert.Equal(t, []int{1, 2, 3}, items)

	stopAt := 0
	rejecting, err := NewConsumer(scope, func(_ context.Context, p parcel, _ *services.Scope) error {
		stopAt = p.Weight
		if p.Weight == 2 {
			return errRejected
		}
		return nil
	}, nil)
	require.NoError(t, err)
	err = Consume(context.Background(), h.ExecuteRequest(context.Background(), parcelRequest{Count: 5}), rejecting)
	assert.Same(t, errRejected, err)
	assert.Equal(t, 2, stopAt)

	assert.ErrorIs(t, Consume[parcel](context.Background(), nil, nil), errspkg.ErrInvalidArgument)
}
