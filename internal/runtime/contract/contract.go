// Package contract checks, by reflection, that types satisfy the handler and
// middleware contracts. Failures never panic; they are reported as a Rejected
// verdict so registration can surface them as ErrInvalidArgument.
package contract

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/protostream/internal/runtime/errors"
	"github.com/drblury/protostream/internal/runtime/pipeline"
)

// Method names of the two contracts.
const (
	HandlerMethod    = "ExecuteRequest"
	MiddlewareMethod = "Execute"
)

var (
	contextType         = reflect.TypeFor[context.Context]()
	errorType           = reflect.TypeFor[error]()
	boolType            = reflect.TypeFor[bool]()
	anyType             = reflect.TypeFor[any]()
	pipelineContextType = reflect.TypeFor[*pipeline.Context]()
)

// Verdict is either Accepted or Rejected.
type Verdict interface {
	verdict()
}

// Accepted describes a type that satisfies a contract.
type Accepted struct {
	Type        reflect.Type
	RequestType reflect.Type
	ItemType    reflect.Type
	// ConfigurationType is set for configured middlewares only.
	ConfigurationType reflect.Type
}

// Rejected names a type and the reason it does not satisfy a contract.
type Rejected struct {
	Type   reflect.Type
	Reason string
}

func (Accepted) verdict() {}
func (Rejected) verdict() {}

// Err converts the rejection into an ErrInvalidArgument error.
func (r Rejected) Err() error {
	return errspkg.InvalidArgument("%s: %s", typeName(r.Type), r.Reason)
}

// Check unpacks a verdict.
func Check(v Verdict) (Accepted, error) {
	switch v := v.(type) {
	case Accepted:
		return v, nil
	case Rejected:
		return Accepted{}, v.Err()
	default:
		return Accepted{}, errspkg.InvalidArgument("unknown verdict %T", v)
	}
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

func reject(t reflect.Type, format string, args ...any) Rejected {
	return Rejected{Type: t, Reason: fmt.Sprintf(format, args...)}
}

// InspectHandler accepts t when its method set contains
// ExecuteRequest(context.Context, Req) iter.Seq2[Item, error].
func InspectHandler(t reflect.Type) Verdict {
	if t == nil {
		return reject(nil, "type is nil")
	}
	m, ok := t.MethodByName(HandlerMethod)
	if !ok {
		if declaredOnPointer(t, HandlerMethod) {
			return reject(t, "%s is declared on *%s; register the pointer type", HandlerMethod, t)
		}
		return reject(t, "missing method %s(context.Context, Req) iter.Seq2[Item, error]", HandlerMethod)
	}

	mt := m.Type
	offset := 0
	if t.Kind() != reflect.Interface {
		offset = 1
	}
	if mt.NumIn()-offset != 2 {
		return reject(t, "%s takes %d parameters, want 2", HandlerMethod, mt.NumIn()-offset)
	}
	if mt.In(offset) != contextType {
		return reject(t, "first parameter of %s is %s, want context.Context", HandlerMethod, mt.In(offset))
	}
	if mt.NumOut() != 1 {
		return reject(t, "%s returns %d values, want iter.Seq2[Item, error]", HandlerMethod, mt.NumOut())
	}
	item, ok := seqItemType(mt.Out(0))
	if !ok {
		return reject(t, "%s returns %s, want iter.Seq2[Item, error]", HandlerMethod, mt.Out(0))
	}

	return Accepted{Type: t, RequestType: mt.In(offset + 1), ItemType: item}
}

func declaredOnPointer(t reflect.Type, method string) bool {
	if t.Kind() == reflect.Pointer || t.Kind() == reflect.Interface {
		return false
	}
	_, ok := reflect.PointerTo(t).MethodByName(method)
	return ok
}

// seqItemType matches iter.Seq2[Item, error], named or unnamed.
func seqItemType(t reflect.Type) (reflect.Type, bool) {
	return seqOf(t, nil)
}

func seqOf(t reflect.Type, key reflect.Type) (reflect.Type, bool) {
	if t.Kind() != reflect.Func || t.NumIn() != 1 || t.NumOut() != 0 {
		return nil, false
	}
	yield := t.In(0)
	if yield.Kind() != reflect.Func || yield.NumIn() != 2 || yield.NumOut() != 1 || yield.Out(0) != boolType {
		return nil, false
	}
	if yield.In(1) != errorType {
		return nil, false
	}
	if key != nil && yield.In(0) != key {
		return nil, false
	}
	return yield.In(0), true
}

// InspectHandlerInterface accepts an interface type whose only method is the
// handler contract. Such interfaces can front clients and registrations.
func InspectHandlerInterface(t reflect.Type) Verdict {
	if t == nil {
		return reject(nil, "type is nil")
	}
	if t.Kind() != reflect.Interface {
		return reject(t, "can only create client for handler interfaces")
	}
	switch n := t.NumMethod(); {
	case n == 0:
		return reject(t, "marker interface without %s", HandlerMethod)
	case n > 1:
		return reject(t, "handler interface declares %d methods, want only %s", n, HandlerMethod)
	}
	return InspectHandler(t)
}

// InspectImplementation accepts impl when it satisfies the handler contract
// and implements every interface in ifaces. All of them must agree on one
// request/item pair; interfaces spanning several pairs are ambiguous.
func InspectImplementation(impl reflect.Type, ifaces ...reflect.Type) Verdict {
	accepted, ok := InspectHandler(impl).(Accepted)
	if !ok {
		return InspectHandler(impl)
	}

	for _, iface := range ifaces {
		v := InspectHandlerInterface(iface)
		narrow, ok := v.(Accepted)
		if !ok {
			return v
		}
		if narrow.RequestType != accepted.RequestType || narrow.ItemType != accepted.ItemType {
			return reject(impl, "ambiguous: handles %s -> %s but %s declares %s -> %s",
				accepted.RequestType, accepted.ItemType, iface, narrow.RequestType, narrow.ItemType)
		}
		if !impl.Implements(iface) {
			return reject(impl, "does not implement %s", iface)
		}
	}
	return accepted
}

// InspectMiddleware accepts t when it declares
// Execute(*pipeline.Context) iter.Seq2[any, error] or
// Execute(*pipeline.Context, C) iter.Seq2[any, error].
func InspectMiddleware(t reflect.Type) Verdict {
	if t == nil {
		return reject(nil, "type is nil")
	}
	m, ok := t.MethodByName(MiddlewareMethod)
	if !ok {
		if declaredOnPointer(t, MiddlewareMethod) {
			return reject(t, "%s is declared on *%s; register the pointer type", MiddlewareMethod, t)
		}
		return reject(t, "missing method %s(*pipeline.Context[, C]) iter.Seq2[any, error]", MiddlewareMethod)
	}

	mt := m.Type
	offset := 0
	if t.Kind() != reflect.Interface {
		offset = 1
	}
	params := mt.NumIn() - offset
	if params < 1 || params > 2 {
		return reject(t, "%s takes %d parameters, want 1 or 2", MiddlewareMethod, params)
	}
	if mt.In(offset) != pipelineContextType {
		return reject(t, "first parameter of %s is %s, want *pipeline.Context", MiddlewareMethod, mt.In(offset))
	}
	if mt.NumOut() != 1 {
		return reject(t, "%s returns %d values, want iter.Seq2[any, error]", MiddlewareMethod, mt.NumOut())
	}
	if _, ok := seqOf(mt.Out(0), anyType); !ok {
		return reject(t, "%s returns %s, want iter.Seq2[any, error]", MiddlewareMethod, mt.Out(0))
	}

	accepted := Accepted{Type: t}
	if params == 2 {
		accepted.ConfigurationType = mt.In(offset + 1)
	}
	return accepted
}
