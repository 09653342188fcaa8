package services

import (
	"reflect"

	errspkg "github.com/drblury/protostream/internal/runtime/errors"
)

// Add registers a typed factory for T.
func Add[T any](c *Collection, lifetime Lifetime, factory func(*Scope) (T, error)) error {
	return c.Add(Descriptor{
		Type:     reflect.TypeFor[T](),
		Lifetime: lifetime,
		Factory:  erase(factory),
	})
}

// AddKeyed registers a typed factory for T under key.
func AddKeyed[T any](c *Collection, key any, lifetime Lifetime, factory func(*Scope) (T, error)) error {
	return c.Add(Descriptor{
		Type:     reflect.TypeFor[T](),
		Key:      key,
		Keyed:    true,
		Lifetime: lifetime,
		Factory:  erase(factory),
	})
}

// AddInstance registers an existing value of T as a singleton. The container
// does not close instances it did not build.
func AddInstance[T any](c *Collection, instance T) error {
	return c.addInstance(reflect.TypeFor[T](), nil, false, instance)
}

// AddKeyedInstance registers an existing value of T under key.
func AddKeyedInstance[T any](c *Collection, key any, instance T) error {
	return c.addInstance(reflect.TypeFor[T](), key, true, instance)
}

// Resolve returns the unkeyed T from the scope.
func Resolve[T any](s *Scope) (T, error) {
	v, err := s.Get(reflect.TypeFor[T]())
	if err != nil {
		var zero T
		return zero, err
	}
	return cast[T](v)
}

// ResolveKeyed returns the T registered under key.
func ResolveKeyed[T any](s *Scope, key any) (T, error) {
	v, err := s.GetKeyed(reflect.TypeFor[T](), key)
	if err != nil {
		var zero T
		return zero, err
	}
	return cast[T](v)
}

// MustResolve is Resolve for wiring code that cannot recover.
func MustResolve[T any](s *Scope) T {
	v, err := Resolve[T](s)
	if err != nil {
		panic(err)
	}
	return v
}

func erase[T any](factory func(*Scope) (T, error)) Factory {
	if factory == nil {
		return nil
	}
	return func(s *Scope) (any, error) {
		return factory(s)
	}
}

func cast[T any](v any) (T, error) {
	if v == nil {
		var zero T
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		var zero T
		return zero, errspkg.InvalidOperation("service of type %T does not satisfy %s", v, reflect.TypeFor[T]())
	}
	return typed, nil
}
