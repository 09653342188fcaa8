// Package services is the small dependency-injection container handlers,
// middlewares and transports are resolved from. A Collection is filled during
// setup, frozen into a Provider, and every invocation resolves through a Scope.
package services

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"slices"
	"sync"

	errspkg "github.com/drblury/protostream/internal/runtime/errors"
)

// Lifetime controls how long a resolved instance is reused.
type Lifetime int

const (
	// Transient instances are built on every resolution.
	Transient Lifetime = iota
	// Scoped instances are built once per Scope.
	Scoped
	// Singleton instances are built once per Provider.
	Singleton
)

func (l Lifetime) String() string {
	switch l {
	case Transient:
		return "transient"
	case Scoped:
		return "scoped"
	case Singleton:
		return "singleton"
	default:
		return fmt.Sprintf("lifetime(%d)", int(l))
	}
}

// Factory builds an instance from the resolving scope.
type Factory func(*Scope) (any, error)

// Descriptor describes one service registration.
type Descriptor struct {
	Type     reflect.Type
	Key      any
	Keyed    bool
	Lifetime Lifetime
	Factory  Factory

	// owned reports whether the container created the instance and must
	// close it. Instances handed in by the caller are not owned.
	owned bool
}

type serviceKey struct {
	typ   reflect.Type
	key   any
	keyed bool
}

func (d Descriptor) serviceKey() serviceKey {
	return serviceKey{typ: d.Type, key: d.Key, keyed: d.Keyed}
}

// Collection accumulates descriptors until Build.
type Collection struct {
	mu      sync.RWMutex
	entries map[serviceKey]*Descriptor
	frozen  bool
}

// NewCollection returns an empty, mutable collection.
func NewCollection() *Collection {
	return &Collection{entries: make(map[serviceKey]*Descriptor)}
}

// Add records a descriptor. A later descriptor for the same type and key
// replaces the earlier one.
func (c *Collection) Add(d Descriptor) error {
	return c.add(d, true)
}

// AddShared is Add for factories that hand out values the caller owns. The
// container never closes what such a factory returns.
func (c *Collection) AddShared(d Descriptor) error {
	return c.add(d, false)
}

func (c *Collection) add(d Descriptor, owned bool) error {
	if d.Type == nil {
		return errspkg.InvalidArgument("service type is nil")
	}
	if d.Factory == nil {
		return errspkg.InvalidArgument("service %s has no factory", d.Type)
	}
	if d.Keyed && !isComparable(d.Key) {
		return errspkg.InvalidArgument("service key %v (%T) is not comparable", d.Key, d.Key)
	}
	if !d.Keyed {
		d.Key = nil
	}
	d.owned = owned

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return errspkg.InvalidOperation("cannot add service %s after the provider was built", d.Type)
	}
	c.entries[d.serviceKey()] = &d
	return nil
}

func (c *Collection) addInstance(t reflect.Type, key any, keyed bool, instance any) error {
	return c.add(Descriptor{
		Type:     t,
		Key:      key,
		Keyed:    keyed,
		Lifetime: Singleton,
		Factory:  func(*Scope) (any, error) { return instance, nil },
	}, false)
}

// Remove drops the descriptor for t under key, if any. Removing is only
// possible before Build.
func (c *Collection) Remove(t reflect.Type, key any, keyed bool) error {
	if keyed && !isComparable(key) {
		return errspkg.InvalidArgument("service key %v (%T) is not comparable", key, key)
	}
	if !keyed {
		key = nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return errspkg.InvalidOperation("cannot remove service %s after the provider was built", t)
	}
	delete(c.entries, serviceKey{typ: t, key: key, keyed: keyed})
	return nil
}

// Contains reports whether an unkeyed descriptor exists for t.
func (c *Collection) Contains(t reflect.Type) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[serviceKey{typ: t}]
	return ok
}

// ContainsKeyed reports whether a descriptor exists for t under key.
func (c *Collection) ContainsKeyed(t reflect.Type, key any) bool {
	if !isComparable(key) {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[serviceKey{typ: t, key: key, keyed: true}]
	return ok
}

// Len returns the number of descriptors.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Build freezes the collection and returns a Provider over it. Building twice
// returns providers that share descriptors but not singletons.
func (c *Collection) Build() *Provider {
	c.mu.Lock()
	c.frozen = true
	snapshot := make(map[serviceKey]*Descriptor, len(c.entries))
	for k, d := range c.entries {
		snapshot[k] = d
	}
	c.mu.Unlock()

	p := &Provider{entries: snapshot}
	p.root = newScope(p)
	return p
}

// Frozen reports whether Build was called.
func (c *Collection) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// Provider owns singletons and hands out scopes.
type Provider struct {
	entries map[serviceKey]*Descriptor
	root    *Scope
}

// NewScope opens a scope for one unit of work. Callers must Close it.
func (p *Provider) NewScope() *Scope {
	return newScope(p)
}

// Close releases every singleton the provider built.
func (p *Provider) Close() error {
	return p.root.Close()
}

func (p *Provider) lookup(k serviceKey) (*Descriptor, bool) {
	d, ok := p.entries[k]
	return d, ok
}

type cell struct {
	mu    sync.Mutex
	done  bool
	value any
}

type memoKey struct{ key any }

// Scope resolves services and caches scoped instances. It is safe for
// concurrent use; each cached entry is built at most once.
type Scope struct {
	provider *Provider

	// An overlay scope has a parent it delegates caching and cleanup to, and
	// answers pinned with a fixed value.
	parent *Scope
	pinned serviceKey
	value  any

	mu      sync.Mutex
	cache   map[any]*cell
	closers []func() error
	closed  bool
}

func newScope(p *Provider) *Scope {
	return &Scope{provider: p, cache: make(map[any]*cell)}
}

// Overlay returns a view of s in which the unkeyed service t resolves to
// value. Scoped instances, memos and closers stay with s; transient services
// are built against the overlay and so observe value. Closing an overlay does
// nothing.
func (s *Scope) Overlay(t reflect.Type, value any) *Scope {
	return &Scope{provider: s.provider, parent: s, pinned: serviceKey{typ: t}, value: value}
}

// Base returns the scope s overlays, or s itself.
func (s *Scope) Base() *Scope {
	for s.parent != nil {
		s = s.parent
	}
	return s
}

func (s *Scope) pinnedValue(k serviceKey) (any, bool) {
	for o := s; o.parent != nil; o = o.parent {
		if o.pinned == k {
			return o.value, true
		}
	}
	return nil, false
}

// Provider returns the provider that opened the scope.
func (s *Scope) Provider() *Provider { return s.provider }

// Get resolves the unkeyed service registered for t.
func (s *Scope) Get(t reflect.Type) (any, error) {
	return s.resolve(serviceKey{typ: t})
}

// GetKeyed resolves the service registered for t under key.
func (s *Scope) GetKeyed(t reflect.Type, key any) (any, error) {
	if !isComparable(key) {
		return nil, errspkg.InvalidArgument("service key %v (%T) is not comparable", key, key)
	}
	return s.resolve(serviceKey{typ: t, key: key, keyed: true})
}

// Has reports whether t is resolvable without building it.
func (s *Scope) Has(t reflect.Type) bool {
	if _, ok := s.pinnedValue(serviceKey{typ: t}); ok {
		return true
	}
	_, ok := s.provider.lookup(serviceKey{typ: t})
	return ok
}

func (s *Scope) resolve(k serviceKey) (any, error) {
	if k.typ == nil {
		return nil, errspkg.InvalidArgument("service type is nil")
	}
	if v, ok := s.pinnedValue(k); ok {
		return v, nil
	}
	d, ok := s.provider.lookup(k)
	if !ok {
		if k.keyed {
			return nil, errspkg.NotFound("no service registered for %s with key %v", k.typ, k.key)
		}
		return nil, errspkg.NotFound("no service registered for %s", k.typ)
	}

	switch d.Lifetime {
	case Singleton:
		root := s.provider.root
		return root.cached(k, func() (any, error) { return root.build(d) })
	case Scoped:
		base := s.Base()
		return base.cached(k, func() (any, error) { return base.build(d) })
	default:
		return s.build(d)
	}
}

func (s *Scope) build(d *Descriptor) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	v, err := d.Factory(s)
	if err != nil {
		return nil, err
	}
	if d.owned {
		if closer, ok := v.(io.Closer); ok {
			s.OnClose(closer.Close)
		}
	}
	return v, nil
}

// Memo returns the value cached under key in this scope, building it with fn
// on first use. Errors are returned but never cached, so a later call retries.
func (s *Scope) Memo(key any, fn func() (any, error)) (any, error) {
	if !isComparable(key) {
		return nil, errspkg.InvalidArgument("memo key %v (%T) is not comparable", key, key)
	}
	return s.Base().cached(memoKey{key: key}, fn)
}

func (s *Scope) cached(k any, fn func() (any, error)) (any, error) {
	s = s.Base()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errspkg.InvalidOperation("scope is closed")
	}
	c, ok := s.cache[k]
	if !ok {
		c = &cell{}
		s.cache[k] = c
	}
	s.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return c.value, nil
	}
	v, err := fn()
	if err != nil {
		return nil, err
	}
	c.value, c.done = v, true
	return v, nil
}

func (s *Scope) checkOpen() error {
	s = s.Base()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errspkg.InvalidOperation("scope is closed")
	}
	return nil
}

// OnClose registers fn to run when the scope closes. Functions run in reverse
// registration order.
func (s *Scope) OnClose(fn func() error) {
	if fn == nil {
		return
	}
	s = s.Base()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// Close runs the registered closers and rejects further resolution. Closing
// twice is a no-op.
func (s *Scope) Close() error {
	if s.parent != nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.cache = nil
	s.mu.Unlock()

	var errs []error
	for _, fn := range slices.Backward(closers) {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isComparable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}
