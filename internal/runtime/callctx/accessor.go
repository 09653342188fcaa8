package callctx

// Accessor exposes the call context of one invocation to code that has no
// context.Context at hand, such as constructor-injected helpers. Every
// invocation resolves its handler, middlewares and their transient
// dependencies from a scope whose Accessor is bound to that invocation, so
// Current stays correct however streams are nested or interleaved.
//
// An Accessor resolved outside an invocation, or by a scoped or singleton
// service built outside one, is unbound and reports nil.
type Accessor struct {
	cc *CallContext
}

// NewAccessor returns an unbound accessor.
func NewAccessor() *Accessor { return &Accessor{} }

// Bind returns an accessor fixed to cc.
func Bind(cc *CallContext) *Accessor { return &Accessor{cc: cc} }

// Current returns the bound call context, or nil.
func (a *Accessor) Current() *CallContext {
	if a == nil {
		return nil
	}
	return a.cc
}
