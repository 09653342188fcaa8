package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/protostream/internal/runtime/callctx"
	configpkg "github.com/drblury/protostream/internal/runtime/config"
	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	loggingpkg "github.com/drblury/protostream/internal/runtime/logging"
	"github.com/drblury/protostream/internal/runtime/pipeline"
	"github.com/drblury/protostream/internal/runtime/registry"
	"github.com/drblury/protostream/internal/runtime/services"
	transportpkg "github.com/drblury/protostream/transport"
	_ "github.com/drblury/protostream/transport/channel"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// TracerName is the instrumentation name of the tracing middleware.
const TracerName = "protostream"

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	// TransportRegistry builds the bus transport; nil uses transport.DefaultRegistry.
	TransportRegistry *transportpkg.Registry
	// Hooks are invoked around every stream when any of them is set.
	Hooks StreamHooks
	// Middlewares are appended after the default pipeline entries. Their types
	// must be registered before the first invocation.
	Middlewares []pipeline.Entry
	// DisableDefaultMiddlewares skips the built-in pipeline entries when true.
	// The built-in middleware types stay registered.
	DisableDefaultMiddlewares bool
	// TracerProvider overrides the global OpenTelemetry provider.
	TracerProvider trace.TracerProvider
	// MetricsRegisterer overrides prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
}

// Service owns the registration table, the service container, and the bus
// transport of one process. Register handlers and middlewares on it, then
// Build it and resolve through scopes of the returned provider.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher    message.Publisher
	subscriber   message.Subscriber
	router       *message.Router
	transport    transportpkg.Transport
	capabilities transportpkg.Capabilities

	services *services.Collection
	table    *registry.Table

	mu          sync.RWMutex
	middlewares map[reflect.Type]reflect.Type
	defaults    []pipeline.Entry
	provider    *services.Provider
	hosted      map[string]struct{}
	closed      bool

	consumers        map[consumerKey]*consumerRegistration
	consumerDefaults []pipeline.Entry

	settings  configpkg.Config
	tracer    trace.Tracer
	metrics   *streamMetrics
	gatherer  prometheus.Gatherer
	hooks     StreamHooks
	delivered *cache.Cache

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex
}

// NewService constructs a Service for the supplied configuration.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	settings := conf.WithDefaults()

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating stream service", loggingpkg.LogFields{
		"stream_transport": settings.StreamTransport,
		"config":           conf,
	})

	s := &Service{
		Conf:        conf,
		Logger:      log,
		services:    services.NewCollection(),
		table:       registry.NewTable(),
		middlewares: make(map[reflect.Type]reflect.Type),
		hosted:      make(map[string]struct{}),
		consumers:   make(map[consumerKey]*consumerRegistration),
		settings:    settings,
		hooks:       deps.Hooks,
		delivered:   cache.New(settings.DuplicateRequestTTL, 2*settings.DuplicateRequestTTL),
	}

	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	s.tracer = tp.Tracer(TracerName)

	transports := deps.TransportRegistry
	if transports == nil {
		transports = transportpkg.DefaultRegistry
	}
	transport, err := transports.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", settings.StreamTransport, err)
	}
	s.transport = transport
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber
	s.capabilities = transports.GetCapabilities(settings.StreamTransport)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("create router: %w", err)
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if settings.MetricsEnabled {
		registerer := deps.MetricsRegisterer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		if g, ok := registerer.(prometheus.Gatherer); ok {
			s.gatherer = g
		}
		s.metrics = newStreamMetrics(registerer, settings.MetricsNamespace)
		if err := s.metrics.Register(); err != nil {
			_ = transport.Close()
			return nil, fmt.Errorf("register stream metrics: %w", err)
		}
		builder := wmmetrics.NewPrometheusMetricsBuilder(registerer, settings.MetricsNamespace, settings.StreamTransport)
		builder.AddPrometheusRouterMetrics(s.router)
	}

	if err := s.registerBuiltins(); err != nil {
		_ = transport.Close()
		return nil, err
	}
	if !deps.DisableDefaultMiddlewares {
		s.defaults = s.defaultPipeline()
		s.consumerDefaults = []pipeline.Entry{{MiddlewareType: reflect.TypeFor[RecovererMiddleware]()}}
	}
	s.defaults = append(s.defaults, deps.Middlewares...)

	return s, nil
}

func (s *Service) registerBuiltins() error {
	if err := services.AddInstance(s.services, s); err != nil {
		return err
	}
	if err := services.Add(s.services, services.Scoped, func(*services.Scope) (*callctx.Accessor, error) {
		return callctx.NewAccessor(), nil
	}); err != nil {
		return err
	}

	builtins := []error{
		RegisterMiddlewareInstance(s, &LoggingMiddleware{logger: s.Logger}),
		RegisterMiddlewareInstance(s, &TracingMiddleware{tracer: s.tracer}),
		RegisterMiddlewareInstance(s, &MetricsMiddleware{metrics: s.metrics}),
		RegisterMiddlewareInstance(s, &HooksMiddleware{hooks: s.hooks}),
		RegisterMiddlewareInstance(s, RecovererMiddleware{}),
	}
	return errors.Join(builtins...)
}

// defaultPipeline lists the entries every invocation starts with. The
// recoverer is innermost so the outer entries observe a panic as an error.
func (s *Service) defaultPipeline() []pipeline.Entry {
	logging := DefaultLoggingConfiguration()
	if s.settings.LogPayloads {
		logging.RequestPayload = PayloadMinimalJSON
		logging.ItemPayload = PayloadMinimalJSON
	}
	entries := []pipeline.Entry{{
		MiddlewareType:    reflect.TypeFor[*LoggingMiddleware](),
		ConfigurationType: reflect.TypeFor[LoggingConfiguration](),
		Configuration:     logging,
	}}
	if s.settings.TracingEnabled {
		entries = append(entries, pipeline.Entry{MiddlewareType: reflect.TypeFor[*TracingMiddleware]()})
	}
	if s.metrics != nil {
		entries = append(entries, pipeline.Entry{MiddlewareType: reflect.TypeFor[*MetricsMiddleware]()})
	}
	if !s.hooks.empty() {
		entries = append(entries, pipeline.Entry{MiddlewareType: reflect.TypeFor[*HooksMiddleware]()})
	}
	return append(entries, pipeline.Entry{MiddlewareType: reflect.TypeFor[RecovererMiddleware]()})
}

func (s *Service) defaultEntries() []pipeline.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]pipeline.Entry(nil), s.defaults...)
}

// Services returns the collection application services are added to. It is
// frozen by Build.
func (s *Service) Services() *services.Collection { return s.services }

// Registrations returns the registration table in registration order.
func (s *Service) Registrations() []registry.Entry { return s.table.List() }

// Capabilities describes the bus transport the service was built with.
func (s *Service) Capabilities() transportpkg.Capabilities { return s.capabilities }

// Topic returns the bus topic for name under the configured prefix.
func (s *Service) Topic(name string) string {
	name = strings.TrimPrefix(name, s.settings.TopicPrefix+".")
	return s.settings.TopicPrefix + "." + name
}

// Build ends the registration phase and returns the provider scopes are
// opened from. Calling it again returns the same provider.
func (s *Service) Build() (*services.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errspkg.InvalidOperation("service is closed")
	}
	if s.provider != nil {
		return s.provider, nil
	}
	s.table.Freeze()
	s.provider = s.services.Build()

	s.Logger.Info("Built stream service", loggingpkg.LogFields{
		"registrations": s.table.Len(),
		"services":      s.services.Len(),
		"middlewares":   len(s.middlewares),
		"hosted_topics": len(s.hosted),
	})
	return s.provider, nil
}

// Start builds the service if needed and runs the router hosting bus streams
// until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.Build(); err != nil {
		return err
	}
	if s.metrics != nil && s.settings.MetricsPort > 0 {
		handler := promhttp.Handler()
		if s.gatherer != nil {
			handler = promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
		}
		s.RegisterHTTPHandler(s.settings.MetricsPort, "/metrics", handler)
	}
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// Running is closed once the router is processing messages.
func (s *Service) Running() chan struct{} { return s.router.Running() }

// Close stops the router, releases singletons, and closes the transport.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	provider := s.provider
	s.mu.Unlock()

	var errs []error
	errs = append(errs, s.router.Close())
	errs = append(errs, s.stopHTTPServers())
	if provider != nil {
		errs = append(errs, provider.Close())
	}
	errs = append(errs, s.transport.Close())
	s.delivered.Flush()
	return errors.Join(errs...)
}

// RegisterHTTPHandler mounts handler on the HTTP server started for port.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	s.httpServers = nil
}

func (s *Service) stopHTTPServers() error {
	s.httpServersMu.Lock()
	servers := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
