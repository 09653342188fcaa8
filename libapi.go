package protostream

import (
	"context"
	"iter"

	runtimepkg "github.com/drblury/protostream/internal/runtime"
	"github.com/drblury/protostream/internal/runtime/callctx"
	configpkg "github.com/drblury/protostream/internal/runtime/config"
	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	idspkg "github.com/drblury/protostream/internal/runtime/ids"
	jsoncodec "github.com/drblury/protostream/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/protostream/internal/runtime/logging"
	metadatapkg "github.com/drblury/protostream/internal/runtime/metadata"
	"github.com/drblury/protostream/internal/runtime/pipeline"
	"github.com/drblury/protostream/internal/runtime/registry"
	"github.com/drblury/protostream/internal/runtime/services"
	transportpkg "github.com/drblury/protostream/transport"

	// Every built-in bus transport is available through the facade.
	_ "github.com/drblury/protostream/transport/transports"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	Handler[Req, Item any]     = runtimepkg.Handler[Req, Item]
	HandlerFunc[Req, Item any] = runtimepkg.HandlerFunc[Req, Item]
	HandlerOption              = runtimepkg.HandlerOption
	PipelineConfigurer         = runtimepkg.PipelineConfigurer
	MiddlewareOption           = runtimepkg.MiddlewareOption
	ServeOption                = runtimepkg.ServeOption

	Consumer[Item any]     = runtimepkg.Consumer[Item]
	ConsumerFunc[Item any] = runtimepkg.ConsumerFunc[Item]

	TransportClient        = runtimepkg.TransportClient
	TransportFactory       = runtimepkg.TransportFactory
	TransportClientBuilder = runtimepkg.TransportClientBuilder

	PipelineBuilder   = pipeline.Builder
	PipelineEntry     = pipeline.Entry
	MiddlewareContext = pipeline.Context
	Middleware        = pipeline.Middleware
	TransportInfo     = pipeline.TransportInfo
	TransportRole     = pipeline.Role

	LoggingMiddleware    = runtimepkg.LoggingMiddleware
	LoggingConfiguration = runtimepkg.LoggingConfiguration
	LogEvent             = runtimepkg.LogEvent
	PayloadStrategy      = runtimepkg.PayloadStrategy
	TracingMiddleware    = runtimepkg.TracingMiddleware
	MetricsMiddleware    = runtimepkg.MetricsMiddleware
	RecovererMiddleware  = runtimepkg.RecovererMiddleware
	HooksMiddleware      = runtimepkg.HooksMiddleware
	PanicError           = runtimepkg.PanicError

	// Stream lifecycle hooks
	StreamContext = runtimepkg.StreamContext
	StreamHooks   = runtimepkg.StreamHooks

	Scope    = services.Scope
	Provider = services.Provider
	Lifetime = services.Lifetime

	Registration        = registry.Entry
	CallContext         = callctx.CallContext
	CallContextAccessor = callctx.Accessor
	Metadata            = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	LogLevel                  = loggingpkg.Level
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	RemoteError           = errspkg.RemoteError
	ConfigValidationError = errspkg.ConfigValidationError

	// Bus transport plumbing
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse

	WithLifetime           = runtimepkg.WithLifetime
	WithKey                = runtimepkg.WithKey
	WithInterfaces         = runtimepkg.WithInterfaces
	WithPipeline           = runtimepkg.WithPipeline
	WithMiddlewareLifetime = runtimepkg.WithMiddlewareLifetime
	WithServeKey           = runtimepkg.WithServeKey

	// InProcess runs the registration behind a client facade in this process.
	InProcess TransportFactory = runtimepkg.InProcess
	// Bus sends requests over the configured bus transport.
	Bus = runtimepkg.Bus

	DefaultLoggingConfiguration = runtimepkg.DefaultLoggingConfiguration
	NewLoggingMiddleware        = runtimepkg.NewLoggingMiddleware
	NewTracingMiddleware        = runtimepkg.NewTracingMiddleware
	NewHooksMiddleware          = runtimepkg.NewHooksMiddleware

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter
	NopLogger                 = loggingpkg.NopLogger
	ParseLogLevel             = loggingpkg.ParseLevel

	NewMetadata = metadatapkg.New

	CreateULID       = idspkg.CreateULID
	NewCorrelationID = idspkg.NewCorrelationID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	NewTransportRegistry     = transportpkg.NewRegistry
	RegisterTransport        = transportpkg.Register
	GetCapabilities          = transportpkg.GetCapabilities

	ErrNotFound         = errspkg.ErrNotFound
	ErrInvalidArgument  = errspkg.ErrInvalidArgument
	ErrInvalidOperation = errspkg.ErrInvalidOperation
	ErrStreamTimeout    = errspkg.ErrStreamTimeout
	ErrTransportClosed  = errspkg.ErrTransportClosed
	ErrConfigRequired   = errspkg.ErrConfigRequired
	ErrConfigInvalid    = errspkg.ErrConfigInvalid
	ErrLoggerRequired   = errspkg.ErrLoggerRequired
)

// Service lifetimes.
const (
	Transient = services.Transient
	Scoped    = services.Scoped
	Singleton = services.Singleton
)

// Log levels understood by LoggingConfiguration.
const (
	LevelInfo  = loggingpkg.LevelInfo
	LevelDebug = loggingpkg.LevelDebug
	LevelTrace = loggingpkg.LevelTrace
	LevelError = loggingpkg.LevelError
	LevelNone  = loggingpkg.LevelNone
)

// Payload strategies of the logging middleware.
const (
	PayloadOmit         = runtimepkg.PayloadOmit
	PayloadMinimalJSON  = runtimepkg.PayloadMinimalJSON
	PayloadIndentedJSON = runtimepkg.PayloadIndentedJSON
)

// Transport roles reported on TransportInfo.
const (
	RoleServer   = pipeline.RoleServer
	RoleClient   = pipeline.RoleClient
	RoleConsumer = pipeline.RoleConsumer
)

func RegisterHandler[H any](svc *Service, opts ...HandlerOption) error {
	return runtimepkg.RegisterHandler[H](svc, opts...)
}

func RegisterHandlerFactory[H any](svc *Service, factory func(*Scope) (H, error), opts ...HandlerOption) error {
	return runtimepkg.RegisterHandlerFactory(svc, factory, opts...)
}

func RegisterHandlerInstance[H any](svc *Service, handler H, opts ...HandlerOption) error {
	return runtimepkg.RegisterHandlerInstance(svc, handler, opts...)
}

func RegisterHandlerFunc[Req, Item any](svc *Service, fn HandlerFunc[Req, Item], opts ...HandlerOption) error {
	return runtimepkg.RegisterHandlerFunc(svc, fn, opts...)
}

func RegisterClient[Req, Item any](svc *Service, factory TransportFactory, configure func(*PipelineBuilder), opts ...HandlerOption) error {
	return runtimepkg.RegisterClient[Req, Item](svc, factory, configure, opts...)
}

func RegisterMiddleware[M any](svc *Service, opts ...MiddlewareOption) error {
	return runtimepkg.RegisterMiddleware[M](svc, opts...)
}

func RegisterMiddlewareFactory[M any](svc *Service, factory func(*Scope) (M, error), opts ...MiddlewareOption) error {
	return runtimepkg.RegisterMiddlewareFactory(svc, factory, opts...)
}

func RegisterMiddlewareInstance[M any](svc *Service, middleware M) error {
	return runtimepkg.RegisterMiddlewareInstance(svc, middleware)
}

// WithInterface exposes a registration through the named handler interface I.
func WithInterface[I any]() HandlerOption {
	return runtimepkg.WithInterface[I]()
}

func ServeBus[Req, Item any](svc *Service, name string, opts ...ServeOption) error {
	return runtimepkg.ServeBus[Req, Item](svc, name, opts...)
}

func Resolve[Req, Item any](scope *Scope) (Handler[Req, Item], error) {
	return runtimepkg.Resolve[Req, Item](scope)
}

func ResolveKeyed[Req, Item any](scope *Scope, key any) (Handler[Req, Item], error) {
	return runtimepkg.ResolveKeyed[Req, Item](scope, key)
}

func ResolveAs[I, Req, Item any](scope *Scope) (I, error) {
	return runtimepkg.ResolveAs[I, Req, Item](scope)
}

func NewClient[Req, Item any](scope *Scope, factory TransportFactory, configure func(*PipelineBuilder)) (Handler[Req, Item], error) {
	return runtimepkg.NewClient[Req, Item](scope, factory, configure)
}

func NewClientAs[I, Req, Item any](scope *Scope, factory TransportFactory, configure func(*PipelineBuilder)) (I, error) {
	return runtimepkg.NewClientAs[I, Req, Item](scope, factory, configure)
}

func RegisterConsumer[C Consumer[Item], Item any](svc *Service, opts ...HandlerOption) error {
	return runtimepkg.RegisterConsumer[C, Item](svc, opts...)
}

func RegisterConsumerFactory[C Consumer[Item], Item any](svc *Service, factory func(*Scope) (C, error), opts ...HandlerOption) error {
	return runtimepkg.RegisterConsumerFactory[C, Item](svc, factory, opts...)
}

func RegisterConsumerInstance[C Consumer[Item], Item any](svc *Service, consumer C, opts ...HandlerOption) error {
	return runtimepkg.RegisterConsumerInstance[C, Item](svc, consumer, opts...)
}

func ResolveConsumer[Item any](scope *Scope) (Consumer[Item], error) {
	return runtimepkg.ResolveConsumer[Item](scope)
}

func ResolveConsumerKeyed[Item any](scope *Scope, key any) (Consumer[Item], error) {
	return runtimepkg.ResolveConsumerKeyed[Item](scope, key)
}

func NewConsumer[Item any](scope *Scope, fn ConsumerFunc[Item], configure func(*PipelineBuilder)) (Consumer[Item], error) {
	return runtimepkg.NewConsumer(scope, fn, configure)
}

// Consume feeds every item of stream to consumer and returns the first error.
func Consume[Item any](ctx context.Context, stream iter.Seq2[Item, error], consumer Consumer[Item]) error {
	return runtimepkg.Consume(ctx, stream, consumer)
}

// Execute resolves the unkeyed producer of Req -> Item from scope and runs it.
// Resolution failures are yielded as the stream's only element.
func Execute[Req, Item any](ctx context.Context, scope *Scope, req Req) iter.Seq2[Item, error] {
	h, err := Resolve[Req, Item](scope)
	if err != nil {
		return func(yield func(Item, error) bool) {
			var zero Item
			yield(zero, err)
		}
	}
	return h.ExecuteRequest(ctx, req)
}

func Use[M any](b *PipelineBuilder) *PipelineBuilder { return pipeline.Use[M](b) }

func UseConfigured[M, C any](b *PipelineBuilder, cfg C) *PipelineBuilder {
	return pipeline.UseConfigured[M](b, cfg)
}

func Without[M any](b *PipelineBuilder) *PipelineBuilder { return pipeline.Without[M](b) }

func WithoutConfigured[M, C any](b *PipelineBuilder) *PipelineBuilder {
	return pipeline.WithoutConfigured[M, C](b)
}

func Configure[M, C any](b *PipelineBuilder, cfg C) error {
	return pipeline.Configure[M](b, cfg)
}

func ConfigureFunc[M, C any](b *PipelineBuilder, fn func(C) C) error {
	return pipeline.ConfigureFunc[M](b, fn)
}

// CurrentCallContext returns the call context of the stream running on ctx,
// or nil outside an invocation.
func CurrentCallContext(ctx context.Context) *CallContext {
	return callctx.FromContext(ctx)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
