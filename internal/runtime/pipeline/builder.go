// Package pipeline builds and composes the middleware chain that wraps every
// streaming invocation.
package pipeline

import (
	"reflect"
	"slices"

	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	"github.com/drblury/protostream/internal/runtime/services"
)

// Entry is one middleware in a pipeline.
type Entry struct {
	MiddlewareType reflect.Type
	// ConfigurationType is nil for parameterless middlewares.
	ConfigurationType reflect.Type
	Configuration     any
}

func (e Entry) matches(mt, ct reflect.Type) bool {
	return e.MiddlewareType == mt && e.ConfigurationType == ct
}

// Builder collects the entries of one invocation's pipeline. A builder is
// used by a single goroutine and discarded after composition.
type Builder struct {
	scope     *services.Scope
	transport TransportInfo
	entries   []Entry
	err       error
}

// BuilderOption customises a new Builder.
type BuilderOption func(*Builder)

// WithTransport records the terminal the pipeline will wrap.
func WithTransport(info TransportInfo) BuilderOption {
	return func(b *Builder) { b.transport = info }
}

// WithEntries seeds the builder, for service-wide default middlewares.
func WithEntries(entries ...Entry) BuilderOption {
	return func(b *Builder) { b.entries = append(b.entries, entries...) }
}

// NewBuilder returns an empty builder bound to scope.
func NewBuilder(scope *services.Scope, opts ...BuilderOption) *Builder {
	b := &Builder{scope: scope, transport: InProcess}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Scope returns the scope of the invocation being configured.
func (b *Builder) Scope() *services.Scope { return b.scope }

// Transport describes the terminal of the chain.
func (b *Builder) Transport() TransportInfo { return b.transport }

// Err returns the first error recorded by a builder method.
func (b *Builder) Err() error { return b.err }

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Use appends a parameterless middleware.
func (b *Builder) Use(mt reflect.Type) *Builder {
	return b.add(mt, nil, nil)
}

// UseWithConfiguration appends a configured middleware. The configuration
// type is the dynamic type of cfg.
func (b *Builder) UseWithConfiguration(mt reflect.Type, cfg any) *Builder {
	if cfg == nil {
		b.fail(errspkg.InvalidArgument("configuration for middleware %s is nil", mt))
		return b
	}
	return b.add(mt, reflect.TypeOf(cfg), cfg)
}

func (b *Builder) add(mt, ct reflect.Type, cfg any) *Builder {
	if mt == nil {
		b.fail(errspkg.InvalidArgument("middleware type is nil"))
		return b
	}
	b.entries = append(b.entries, Entry{MiddlewareType: mt, ConfigurationType: ct, Configuration: cfg})
	return b
}

// Without removes every entry of mt, whatever its configuration.
func (b *Builder) Without(mt reflect.Type) *Builder {
	b.entries = slices.DeleteFunc(b.entries, func(e Entry) bool { return e.MiddlewareType == mt })
	return b
}

// WithoutConfiguration removes every entry of mt configured with ct.
func (b *Builder) WithoutConfiguration(mt, ct reflect.Type) *Builder {
	b.entries = slices.DeleteFunc(b.entries, func(e Entry) bool { return e.matches(mt, ct) })
	return b
}

// Configure replaces the configuration of the last entry of mt whose
// configuration type is the dynamic type of cfg.
func (b *Builder) Configure(mt reflect.Type, cfg any) error {
	if cfg == nil {
		err := errspkg.InvalidArgument("configuration for middleware %s is nil", mt)
		b.fail(err)
		return err
	}
	return b.configure(mt, reflect.TypeOf(cfg), func(any) any { return cfg })
}

// ConfigureFunc passes the configuration of the last matching entry to fn and
// stores the result. Pointer configurations may be mutated in place and
// returned as is.
func (b *Builder) ConfigureFunc(mt, ct reflect.Type, fn func(any) any) error {
	return b.configure(mt, ct, fn)
}

func (b *Builder) configure(mt, ct reflect.Type, fn func(any) any) error {
	for i := len(b.entries) - 1; i >= 0; i-- {
		if b.entries[i].matches(mt, ct) {
			b.entries[i].Configuration = fn(b.entries[i].Configuration)
			return nil
		}
	}
	err := errspkg.InvalidOperation("middleware not in pipeline: %s configured with %s", mt, ct)
	b.fail(err)
	return err
}

// Has reports whether any entry of mt is present.
func (b *Builder) Has(mt reflect.Type) bool {
	return slices.ContainsFunc(b.entries, func(e Entry) bool { return e.MiddlewareType == mt })
}

// Len returns the number of entries.
func (b *Builder) Len() int { return len(b.entries) }

// Entries returns a copy of the entries in execution order.
func (b *Builder) Entries() []Entry { return slices.Clone(b.entries) }

// Use appends the parameterless middleware M.
func Use[M any](b *Builder) *Builder {
	return b.Use(reflect.TypeFor[M]())
}

// UseConfigured appends M configured with cfg. The configuration type is C
// even when cfg is a nil pointer.
func UseConfigured[M, C any](b *Builder, cfg C) *Builder {
	return b.add(reflect.TypeFor[M](), reflect.TypeFor[C](), cfg)
}

// Without removes every entry of M.
func Without[M any](b *Builder) *Builder {
	return b.Without(reflect.TypeFor[M]())
}

// WithoutConfigured removes every entry of M configured with C.
func WithoutConfigured[M, C any](b *Builder) *Builder {
	return b.WithoutConfiguration(reflect.TypeFor[M](), reflect.TypeFor[C]())
}

// Configure replaces the configuration of the last entry of M configured
// with C.
func Configure[M, C any](b *Builder, cfg C) error {
	return b.configure(reflect.TypeFor[M](), reflect.TypeFor[C](), func(any) any { return cfg })
}

// ConfigureFunc rewrites the configuration of the last entry of M configured
// with C.
func ConfigureFunc[M, C any](b *Builder, fn func(C) C) error {
	return b.configure(reflect.TypeFor[M](), reflect.TypeFor[C](), func(current any) any {
		typed, _ := current.(C)
		return fn(typed)
	})
}
