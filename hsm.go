// Package hsm provides a hierarchical state machine (HSM) runtime for Go.
//
// # Overview
//
// A Model is an arena of states. Every composite state (including the root)
// owns a synthetic Initial and Final pseudostate, an ordered list of children,
// and a list of activities fired whenever a transition inside it completes.
// States react to events through guard+effect handlers kept in event-keyed
// tables: transitions stop at the first handler whose guard passes, activities
// run every handler whose guard passes.
//
// A Machine runs a Model. Dispatch delivers an event to the active leaf state,
// bubbling to its ancestors until one of them acts or transitions, applies the
// resulting transition by exiting and entering states around their least
// common ancestor, and then keeps delivering the reserved Unnamed event until
// no further transition fires (run to completion).
//
// # Usage
//
// Models are usually built with the declarative builder:
//
//	coin := hsm.NewEvent("coin")
//	push := hsm.NewEvent("push")
//
//	model := hsm.Define(
//	    "turnstile",
//	    hsm.State("locked",
//	        hsm.Transition(hsm.On(coin), hsm.Target("../unlocked"), hsm.Effect(unlock)),
//	    ),
//	    hsm.State("unlocked",
//	        hsm.Transition(hsm.On(push), hsm.Target("../locked"), hsm.Effect(lock)),
//	    ),
//	    hsm.Initial(hsm.Target("locked")),
//	)
//
//	sm := hsm.New(model)
//	sm.Start(ctx)
//	sm.Dispatch(ctx, coin)
//
// The same model can be assembled imperatively with NewModel, AddState,
// SetInitial and the Add* registration methods.
package hsm

import (
	"errors"
	"fmt"
	"path"
	"reflect"
	"runtime"
	"strings"

	"github.com/stateweave/hsm/kind"
)

// Kind constants define the category hierarchy for events, handlers and
// vertices using bit-packed inheritance (see package kind).
var (
	// EventKind is the root of every user event category created by NewEvent.
	EventKind = kind.Make()
	// LifecycleKind is the root of the reserved Enter, Exit and Unnamed
	// categories. It is disjoint from EventKind so user categories never
	// match a reserved one.
	LifecycleKind = kind.Make()
	// HandlerKind is the base kind for guard+effect handlers.
	HandlerKind = kind.Make()
	// ActivityKind marks a handler that reacts without changing state.
	ActivityKind = kind.Make(HandlerKind)
	// TransitionKind marks a handler that names a target state.
	TransitionKind = kind.Make(HandlerKind)
	// VertexKind is the base kind for every node of the state tree.
	VertexKind = kind.Make()
	// StateKind represents a plain state.
	StateKind = kind.Make(VertexKind)
	// CompositeKind represents a state that owns children and pseudostates.
	CompositeKind = kind.Make(StateKind)
	// PseudostateKind is the base kind for the synthetic Initial and Final states.
	PseudostateKind = kind.Make(VertexKind)
	// InitialKind represents the pseudostate a composite starts from.
	InitialKind = kind.Make(PseudostateKind)
	// FinalKind represents the pseudostate a composite stops in.
	FinalKind = kind.Make(PseudostateKind)
)

// Error variables for common HSM error conditions.
// These sentinel errors can be checked using errors.Is for specific error handling.
var (
	// ErrNilMachine is returned when an operation is attempted on a nil machine.
	ErrNilMachine = errors.New("hsm: machine is nil")
	// ErrInvalidState is returned when a StateID does not name a usable state.
	ErrInvalidState = errors.New("hsm: invalid state")
	// ErrInvalidTarget is returned when a transition or initial target is not
	// reachable from where it is registered.
	ErrInvalidTarget = errors.New("hsm: invalid target")
	// ErrInvalidEvent is returned when an event has no category.
	ErrInvalidEvent = errors.New("hsm: invalid event")
	// ErrMissingGuard is raised when a handler is built without a guard.
	ErrMissingGuard = errors.New("hsm: missing guard")
	// ErrMissingEffect is raised when a handler is built without an effect.
	ErrMissingEffect = errors.New("hsm: missing effect")
	// ErrHandlerKind is returned when a transition is registered where an
	// activity is expected, or the other way around.
	ErrHandlerKind = errors.New("hsm: wrong handler kind")
	// ErrDuplicateState is returned when a state name is reused under one parent.
	ErrDuplicateState = errors.New("hsm: duplicate state")
	// ErrSealed is returned when a model is modified after a machine was built from it.
	ErrSealed = errors.New("hsm: model is sealed")
	// ErrAlreadyStarted is returned by Start on a running machine.
	ErrAlreadyStarted = errors.New("hsm: already started")
	// ErrFaulted is returned by every operation after an effect panicked.
	ErrFaulted = errors.New("hsm: machine faulted")
	// ErrCascadeLimit is returned when unnamed transitions keep firing past Config.MaxCascade.
	ErrCascadeLimit = errors.New("hsm: cascade limit reached")
	// ErrEffectPanic wraps the value recovered from a panicking guard or effect.
	ErrEffectPanic = errors.New("hsm: panic in guard or effect")
)

// DefinitionError is the panic value raised for malformed definitions. It
// carries the location of the offending call.
type DefinitionError struct {
	File string
	Line int
	Err  error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.File, e.Line, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// traceback captures the location of whoever called the caller of traceback
// and returns a function that panics with a *DefinitionError at that location.
func traceback(maybeError ...error) func(err error) {
	_, file, line, _ := runtime.Caller(2)
	fn := func(err error) {
		panic(&DefinitionError{File: file, Line: line, Err: err})
	}
	if len(maybeError) > 0 {
		fn(maybeError[0])
	}
	return fn
}

func getFunctionName(fn any) string {
	if fn == nil {
		return ""
	}
	value := reflect.ValueOf(fn)
	if value.Kind() != reflect.Func || value.IsNil() {
		return ""
	}
	name := path.Base(runtime.FuncForPC(value.Pointer()).Name())
	// closures show up as pkg.outer.func1, keep them readable
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func funcPointer(fn any) uintptr {
	value := reflect.ValueOf(fn)
	if value.Kind() != reflect.Func || value.IsNil() {
		return 0
	}
	return value.Pointer()
}
